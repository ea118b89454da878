// Package diff compares the local feed against the shadow mirror and the
// remote catalog snapshot, producing an ordered, conflict-aware change-set.
package diff

import (
	"log/slog"
	"sort"

	"github.com/jafarshop/catalog-sync/internal/feed"
	"github.com/jafarshop/catalog-sync/internal/platform"
	"github.com/jafarshop/catalog-sync/internal/shadow"
)

// OpType tags a change operation.
type OpType string

const (
	OpCreateProduct OpType = "CREATE_PRODUCT"
	OpUpdateProduct OpType = "UPDATE_PRODUCT"
	OpDeleteProduct OpType = "DELETE_PRODUCT"
	OpCreateVariant OpType = "CREATE_VARIANT"
	OpUpdateVariant OpType = "UPDATE_VARIANT"
	OpUploadMedia   OpType = "UPLOAD_MEDIA"
	OpLinkMedia     OpType = "LINK_MEDIA"
	OpPriceChange   OpType = "PRICE_CHANGE"
	OpSkip          OpType = "SKIP"
)

// Conflict reasons surfaced on Skip operations.
const (
	ReasonRemoteDrift    = "remote_drift"
	ReasonRemoteMissing  = "remote_missing"
	ReasonManualReview   = "manual_review_required"
)

// Operation is one unit of work. Produced here, consumed exactly once by
// the orchestrator.
type Operation struct {
	Type   OpType
	SKU    string
	Record *feed.Record   // nil for deletes
	Shadow *shadow.Record // nil for creates
	Media  *feed.MediaRef // set on UploadMedia
	// ConflictReason is set on Skip operations emitted instead of a write.
	ConflictReason string
}

// Policy carries the run flags that gate destructive or conflicting writes.
type Policy struct {
	AutoDelete         bool
	OverwriteConflicts bool
}

// Engine computes change-sets.
type Engine struct {
	policy Policy
	log    *slog.Logger
}

// NewEngine creates a diff engine with the given policy.
func NewEngine(policy Policy) *Engine {
	return &Engine{
		policy: policy,
		log:    slog.With("component", "diff"),
	}
}

// Diff compares the feed against shadow rows and the remote snapshot and
// returns operations ordered Create → Update → Media → Delete. Deletes
// never precede the creates/updates of the same run, and media association
// requires the parent product to exist remotely first.
func (e *Engine) Diff(f *feed.Feed, shadows map[string]shadow.Record, remote []platform.RemoteEntity) []Operation {
	remoteBySKU := make(map[string]platform.RemoteEntity, len(remote))
	for _, r := range remote {
		if r.SKU != "" {
			remoteBySKU[r.SKU] = r
		}
	}

	var creates, updates, media, deletes, skips []Operation

	inFeed := make(map[string]bool, len(f.Records))
	for i := range f.Records {
		rec := &f.Records[i]
		inFeed[rec.SKU] = true

		sh, ok := shadows[rec.SKU]
		if !ok || sh.Deleted {
			creates = append(creates, Operation{Type: OpCreateProduct, SKU: rec.SKU, Record: rec})
			media = append(media, mediaOps(rec, nil)...)
			continue
		}

		if rec.Hash() == sh.ContentHash {
			skips = append(skips, Operation{Type: OpSkip, SKU: rec.SKU, Record: rec, Shadow: &sh})
			continue
		}

		// Remote drift: the platform copy changed after our last commit.
		// Manually curated remote edits win unless explicitly overridden.
		if reason := e.driftReason(sh, remoteBySKU); reason != "" && !e.policy.OverwriteConflicts {
			e.log.Debug("skipping drifted sku", "sku", rec.SKU, "reason", reason)
			skips = append(skips, Operation{
				Type: OpSkip, SKU: rec.SKU, Record: rec, Shadow: &sh,
				ConflictReason: reason,
			})
			continue
		}

		if _, remoteExists := remoteBySKU[rec.SKU]; !remoteExists && sh.RemoteID != "" {
			// Remote row vanished out-of-band but overwrite is allowed:
			// recreate it.
			creates = append(creates, Operation{Type: OpCreateProduct, SKU: rec.SKU, Record: rec, Shadow: &sh})
			media = append(media, mediaOps(rec, &sh)...)
			continue
		}

		updates = append(updates, e.updateOps(rec, sh)...)
		if rec.MediaHash() != sh.MediaHash {
			media = append(media, mediaOps(rec, &sh)...)
		}
	}

	// Deletion detection: shadow rows absent from the feed.
	for sku, sh := range shadows {
		if inFeed[sku] || sh.Deleted {
			continue
		}
		sh := sh
		if e.policy.AutoDelete {
			deletes = append(deletes, Operation{Type: OpDeleteProduct, SKU: sku, Shadow: &sh})
		} else {
			skips = append(skips, Operation{
				Type: OpSkip, SKU: sku, Shadow: &sh,
				ConflictReason: ReasonManualReview,
			})
		}
	}

	for _, group := range [][]Operation{creates, updates, media, deletes, skips} {
		sortBySKU(group)
	}

	out := make([]Operation, 0, len(creates)+len(updates)+len(media)+len(deletes)+len(skips))
	out = append(out, creates...)
	out = append(out, updates...)
	out = append(out, media...)
	out = append(out, deletes...)
	out = append(out, skips...)
	return out
}

// updateOps narrows a changed record to the most targeted operation types.
func (e *Engine) updateOps(rec *feed.Record, sh shadow.Record) []Operation {
	metaChanged := rec.MetaHash() != sh.MetaHash
	priceChanged := rec.PriceHash() != sh.PriceHash
	variantChanged := rec.VariantHash() != sh.VariantHash

	var ops []Operation
	switch {
	case metaChanged:
		// Full update covers attributes and variants in one mutation.
		ops = append(ops, Operation{Type: OpUpdateProduct, SKU: rec.SKU, Record: rec, Shadow: &sh})
	case variantChanged:
		// Variant push carries prices too; no separate price op needed.
		op := OpUpdateVariant
		if sh.VariantHash == "" && len(rec.Variants) > 0 {
			op = OpCreateVariant
		}
		ops = append(ops, Operation{Type: op, SKU: rec.SKU, Record: rec, Shadow: &sh})
	case priceChanged:
		ops = append(ops, Operation{Type: OpPriceChange, SKU: rec.SKU, Record: rec, Shadow: &sh})
	}

	if len(ops) == 0 {
		// Only media changed; the shadow hashes still need refreshing,
		// which the media phase's commit handles.
		ops = append(ops, Operation{Type: OpSkip, SKU: rec.SKU, Record: rec, Shadow: &sh})
	}
	return ops
}

// driftReason reports why a SKU is in conflict with the remote snapshot,
// or "" when it is safe to write.
func (e *Engine) driftReason(sh shadow.Record, remoteBySKU map[string]platform.RemoteEntity) string {
	if sh.RemoteID == "" {
		return ""
	}
	r, ok := remoteBySKU[sh.SKU]
	if !ok {
		return ReasonRemoteMissing
	}
	if !sh.LastSyncedAt.IsZero() && r.UpdatedAt.After(sh.LastSyncedAt) {
		return ReasonRemoteDrift
	}
	return ""
}

func mediaOps(rec *feed.Record, sh *shadow.Record) []Operation {
	ops := make([]Operation, 0, len(rec.Media))
	for i := range rec.Media {
		ref := rec.Media[i]
		ops = append(ops, Operation{
			Type:   OpUploadMedia,
			SKU:    rec.SKU,
			Record: rec,
			Shadow: sh,
			Media:  &ref,
		})
	}
	return ops
}

func sortBySKU(ops []Operation) {
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].SKU < ops[j].SKU })
}
