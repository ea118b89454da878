// Package engine coordinates a sync run: diffing the feed against the
// shadow mirror, applying the change-set through a bounded worker pool, and
// committing results in resumable batches.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jafarshop/catalog-sync/internal/checkpoint"
	"github.com/jafarshop/catalog-sync/internal/diff"
	"github.com/jafarshop/catalog-sync/internal/feed"
	"github.com/jafarshop/catalog-sync/internal/logging"
	"github.com/jafarshop/catalog-sync/internal/metrics"
	"github.com/jafarshop/catalog-sync/internal/platform"
	"github.com/jafarshop/catalog-sync/internal/shadow"
)

// PlatformAPI is the slice of the platform client the orchestrator drives.
type PlatformAPI interface {
	Ping(ctx context.Context) error
	FetchCatalogSnapshot(ctx context.Context) ([]platform.RemoteEntity, error)
	CreateProduct(ctx context.Context, rec feed.Record) (string, error)
	CreateProductsBulk(ctx context.Context, recs []feed.Record) (map[string]string, map[string]error, error)
	UpdateProduct(ctx context.Context, remoteID string, rec feed.Record) error
	UpdateVariants(ctx context.Context, remoteID string, rec feed.Record) error
	UpdatePrice(ctx context.Context, remoteID string, rec feed.Record) error
	DeleteProduct(ctx context.Context, remoteID string) error
}

// MediaProcessor uploads and attaches one asset, returning the remote
// media ID.
type MediaProcessor interface {
	Process(ctx context.Context, productRemoteID string, ref feed.MediaRef) (string, error)
}

// State is the orchestrator's lifecycle phase, exposed for observability.
type State string

const (
	StateIdle       State = "idle"
	StateDiffing    State = "diffing"
	StateExecuting  State = "executing"
	StateCommitting State = "committing"
	StateDraining   State = "draining"
	StateCompleted  State = "completed"
)

// Options carries the run flags.
type Options struct {
	AutoDelete         bool
	OverwriteConflicts bool
	Concurrency        int
	BatchSize          int
	DryRun             bool
	// Fresh ignores any saved checkpoint and starts a brand-new run.
	Fresh bool
	Retry RetryPolicy
}

// Orchestrator runs one sync at a time. It is not safe for concurrent Runs.
type Orchestrator struct {
	opts   Options
	store  shadow.Store
	client PlatformAPI
	media  MediaProcessor
	ckpt   checkpoint.Manager
	log    *slog.Logger

	mu    sync.Mutex
	state State
}

// New creates an orchestrator. Zero-valued options get safe defaults.
func New(opts Options, store shadow.Store, client PlatformAPI, media MediaProcessor, ckpt checkpoint.Manager) *Orchestrator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 50
	}
	opts.Retry = opts.Retry.normalized()

	return &Orchestrator{
		opts:   opts,
		store:  store,
		client: client,
		media:  media,
		ckpt:   ckpt,
		log:    logging.Component("engine"),
		state:  StateIdle,
	}
}

// State returns the current lifecycle phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// runState is the mutable bookkeeping shared by one run's workers.
type runState struct {
	runID         string
	correlationID string

	mu        sync.Mutex
	remoteIDs map[string]string
	media     map[string]*mediaProgress
}

// mediaProgress counts a SKU's asset uploads so its media and content
// hashes only advance once every asset has landed.
type mediaProgress struct {
	total       int
	ok          int
	failed      bool
	mediaHash   string
	contentHash string
}

func (rs *runState) setRemoteID(sku, id string) {
	rs.mu.Lock()
	rs.remoteIDs[sku] = id
	rs.mu.Unlock()
}

// remoteIDFor resolves the remote product ID for an operation, preferring
// IDs minted earlier in the same run over the shadow row.
func (rs *runState) remoteIDFor(op diff.Operation) string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if id := rs.remoteIDs[op.SKU]; id != "" {
		return id
	}
	if op.Shadow != nil {
		return op.Shadow.RemoteID
	}
	return ""
}

func (rs *runState) noteMedia(sku string, ok bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	p := rs.media[sku]
	if p == nil {
		return
	}
	if ok {
		p.ok++
	} else {
		p.failed = true
	}
}

// cleanMedia returns the hash refreshes for SKUs whose every asset uploaded.
func (rs *runState) cleanMedia() []shadow.MediaRefresh {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var out []shadow.MediaRefresh
	for sku, p := range rs.media {
		if !p.failed && p.ok == p.total {
			out = append(out, shadow.MediaRefresh{SKU: sku, MediaHash: p.mediaHash, ContentHash: p.contentHash})
		}
	}
	return out
}

// opResult is the resolved outcome of one operation.
type opResult struct {
	op        diff.Operation
	outcome   shadow.Outcome
	remoteID  string
	assetID   string
	errDetail string
}

type batch struct {
	id  int64
	ops []diff.Operation
}

func makeBatches(ops []diff.Operation, size int, firstID int64) []batch {
	var out []batch
	for i := 0; i < len(ops); i += size {
		end := i + size
		if end > len(ops) {
			end = len(ops)
		}
		out = append(out, batch{id: firstID + int64(len(out)) + 1, ops: ops[i:end]})
	}
	return out
}

// Run executes one full sync of the feed. On cancellation it drains: the
// in-flight batch's successes are committed and the checkpoint kept so the
// next invocation with the same feed picks up the remainder.
func (o *Orchestrator) Run(ctx context.Context, f *feed.Feed) (*Report, error) {
	start := time.Now()

	if err := o.client.Ping(ctx); err != nil {
		return nil, err
	}

	o.setState(StateDiffing)
	shadows, err := o.store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load shadow rows: %w", err)
	}
	remote, err := o.client.FetchCatalogSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog snapshot: %w", err)
	}

	differ := diff.NewEngine(diff.Policy{
		AutoDelete:         o.opts.AutoDelete,
		OverwriteConflicts: o.opts.OverwriteConflicts,
	})
	ops := differ.Diff(f, shadows, remote)

	report := &Report{DryRun: o.opts.DryRun}
	work, conflicts := o.splitSkips(ops, report)

	// A checkpoint bound to the same feed continues the previous run: its
	// committed operations have already dropped out of the diff, so the
	// remaining work is exactly what is left to do.
	runID := uuid.NewString()
	var lastBatch int64
	if o.opts.Fresh {
		o.log.Info("fresh run requested, ignoring any saved checkpoint")
	} else if cp, cerr := o.ckpt.Load(ctx); cerr == nil {
		if cp.FeedHash == f.Hash {
			runID = cp.RunID
			lastBatch = cp.LastCommittedBatch
			o.log.Info("resuming interrupted run",
				"run_id", runID, "last_committed_batch", lastBatch)
		} else {
			o.log.Warn("feed changed since checkpoint, starting fresh",
				"stale_run_id", cp.RunID)
		}
	} else if !errors.Is(cerr, checkpoint.ErrNoCheckpoint) {
		return nil, fmt.Errorf("load checkpoint: %w", cerr)
	}
	report.RunID = runID

	rs := &runState{
		runID:         runID,
		correlationID: logging.GenerateCorrelationID(),
		remoteIDs:     make(map[string]string),
		media:         make(map[string]*mediaProgress),
	}
	for _, op := range work {
		if op.Type != diff.OpUploadMedia || op.Record == nil {
			continue
		}
		p := rs.media[op.SKU]
		if p == nil {
			p = &mediaProgress{
				mediaHash:   op.Record.MediaHash(),
				contentHash: op.Record.Hash(),
			}
			rs.media[op.SKU] = p
		}
		p.total++
	}

	log := o.log.With("run_id", runID, "correlation_id", rs.correlationID)
	log.Info("change-set computed",
		"operations", len(work),
		"skipped", report.Skipped,
		"conflicts", report.Conflicts)

	if o.opts.DryRun {
		o.tallyPlanned(work, report)
		report.Duration = time.Since(start)
		o.setState(StateCompleted)
		log.Info("dry run complete, no writes performed",
			"would_create", report.Created,
			"would_update", report.Updated,
			"would_delete", report.Deleted,
			"would_upload_media", report.MediaUploaded)
		return report, nil
	}

	batches := makeBatches(work, o.opts.BatchSize, lastBatch)
	o.setState(StateExecuting)
	for _, b := range batches {
		if ctx.Err() != nil {
			break
		}

		results := o.executeBatch(ctx, rs, b)

		o.setState(StateCommitting)
		if err := o.commitBatch(ctx, rs, b, results, report); err != nil {
			return report, err
		}
		if err := o.ckpt.Save(ctx, &checkpoint.Checkpoint{
			RunID:              runID,
			FeedHash:           f.Hash,
			LastCommittedBatch: b.id,
			UpdatedAt:          time.Now().UTC(),
		}); err != nil {
			return report, fmt.Errorf("save checkpoint: %w", err)
		}
		o.setState(StateExecuting)
		lastBatch = b.id
	}

	if ctx.Err() != nil {
		o.setState(StateDraining)
		report.Duration = time.Since(start)
		log.Info("run interrupted, checkpoint retained",
			"last_committed_batch", lastBatch)
		return report, ctx.Err()
	}

	final := shadow.BatchUpdate{
		RunID:        runID,
		BatchID:      lastBatch + 1,
		Conflicts:    conflicts,
		MediaRefresh: rs.cleanMedia(),
	}
	if len(final.Conflicts) > 0 || len(final.MediaRefresh) > 0 {
		if err := o.store.CommitBatch(ctx, final); err != nil {
			return report, fmt.Errorf("commit final batch: %w", err)
		}
	}

	if dls, derr := o.store.DeadLetters(ctx, runID); derr == nil {
		for _, e := range dls {
			report.DeadLetterDetail = append(report.DeadLetterDetail, DeadLetter{
				SKU:           e.SKU,
				OperationType: e.OperationType,
				ErrorDetail:   e.ErrorDetail,
			})
		}
	} else {
		log.Warn("dead letter lookup failed", "error", derr)
	}

	if err := o.ckpt.Clear(ctx); err != nil {
		log.Warn("clear checkpoint failed", "error", err)
	}

	o.setState(StateCompleted)
	report.Duration = time.Since(start)
	log.Info("run complete",
		"created", report.Created,
		"updated", report.Updated,
		"price_changed", report.PriceChanged,
		"deleted", report.Deleted,
		"skipped", report.Skipped,
		"conflicts", report.Conflicts,
		"dead_lettered", report.DeadLettered,
		"media_uploaded", report.MediaUploaded,
		"media_dead_lettered", report.MediaDeadLettered,
		"duration", report.Duration)
	return report, nil
}

// splitSkips separates executable operations from skips, tallying skip and
// conflict counts. Drift conflicts are flagged on the shadow row at the end
// of the run; manual-review skips leave the row untouched.
func (o *Orchestrator) splitSkips(ops []diff.Operation, report *Report) ([]diff.Operation, map[string]string) {
	var work []diff.Operation
	conflicts := make(map[string]string)
	m := metrics.Get()

	for _, op := range ops {
		if op.Type != diff.OpSkip {
			work = append(work, op)
			continue
		}
		if op.ConflictReason == "" {
			report.Skipped++
			if m != nil {
				m.OperationsSkipped.Inc()
			}
			continue
		}
		report.Conflicts++
		if m != nil {
			m.Conflicts.Inc()
		}
		if op.ConflictReason != diff.ReasonManualReview {
			conflicts[op.SKU] = op.ConflictReason
		}
	}
	return work, conflicts
}

func (o *Orchestrator) tallyPlanned(work []diff.Operation, report *Report) {
	for _, op := range work {
		switch op.Type {
		case diff.OpCreateProduct:
			report.Created++
		case diff.OpDeleteProduct:
			report.Deleted++
		case diff.OpPriceChange:
			report.PriceChanged++
		case diff.OpUploadMedia:
			report.MediaUploaded++
		default:
			report.Updated++
		}
	}
}

// executeBatch resolves every operation in the batch. A leading run of
// creates goes through the aliased bulk mutation; everything else fans out
// across the worker pool, partitioned by SKU so one SKU's operations stay
// ordered.
func (o *Orchestrator) executeBatch(ctx context.Context, rs *runState, b batch) []opResult {
	results := make([]opResult, 0, len(b.ops))

	rest := b.ops
	var creates []diff.Operation
	for len(rest) > 0 && rest[0].Type == diff.OpCreateProduct {
		creates = append(creates, rest[0])
		rest = rest[1:]
	}
	if len(creates) > 1 {
		results = append(results, o.bulkCreate(ctx, rs, b.id, creates)...)
	} else {
		rest = b.ops
	}

	queues := make([][]diff.Operation, o.opts.Concurrency)
	for _, op := range rest {
		w := workerFor(op.SKU, o.opts.Concurrency)
		queues[w] = append(queues[w], op)
	}

	resCh := make(chan opResult, len(rest))
	var wg sync.WaitGroup
	for i, q := range queues {
		if len(q) == 0 {
			continue
		}
		wg.Add(1)
		go func(workerID int, q []diff.Operation) {
			defer wg.Done()
			wlog := logging.WorkerLogger(workerID)
			for _, op := range q {
				if ctx.Err() != nil {
					wlog.Debug("worker draining", "pending", len(q))
					return
				}
				resCh <- o.applyWithRetry(ctx, rs, b.id, op)
			}
		}(i, q)
	}
	wg.Wait()
	close(resCh)

	for r := range resCh {
		results = append(results, r)
	}
	return results
}

// workerFor pins a SKU to one worker so its operations apply in order.
func workerFor(sku string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(sku))
	return int(h.Sum32() % uint32(n))
}

// bulkCreateChunk caps how many aliased creates share one request.
const bulkCreateChunk = 10

func (o *Orchestrator) bulkCreate(ctx context.Context, rs *runState, batchID int64, creates []diff.Operation) []opResult {
	results := make([]opResult, 0, len(creates))
	for start := 0; start < len(creates); start += bulkCreateChunk {
		if ctx.Err() != nil {
			break
		}
		end := start + bulkCreateChunk
		if end > len(creates) {
			end = len(creates)
		}
		results = append(results, o.createChunk(ctx, rs, batchID, creates[start:end])...)
	}
	return results
}

// createChunk applies one aliased bulk create with the retry policy.
// Request-level failure after retries dead-letters the whole chunk;
// per-item validation errors dead-letter only the offending item.
func (o *Orchestrator) createChunk(ctx context.Context, rs *runState, batchID int64, chunk []diff.Operation) []opResult {
	recs := make([]feed.Record, len(chunk))
	for i, op := range chunk {
		recs[i] = *op.Record
	}

	bo := newBackoff(o.opts.Retry)
	attempt := 1

	var ids map[string]string
	var itemErrs map[string]error
	for {
		var err error
		ids, itemErrs, err = o.client.CreateProductsBulk(ctx, recs)
		if err == nil {
			break
		}

		// Cancellation mid-chunk is a drain, not a failure: no ledger or
		// shadow writes, the next run's diff reissues these creates.
		if ctx.Err() != nil {
			return drainChunk(chunk, err)
		}
		if platform.IsRateLimited(err) {
			o.countRetry(string(diff.OpCreateProduct))
			waitRetryAfter(ctx, err)
			continue
		}
		if platform.IsTransient(err) && attempt < o.opts.Retry.MaxAttempts {
			o.countRetry(string(diff.OpCreateProduct))
			attempt++
			if sleep(ctx, bo.NextBackOff()) != nil {
				return drainChunk(chunk, err)
			}
			continue
		}

		out := make([]opResult, 0, len(chunk))
		for _, op := range chunk {
			out = append(out, o.deadLetter(ctx, rs, batchID, op, attempt, err))
		}
		return out
	}

	out := make([]opResult, 0, len(chunk))
	for _, op := range chunk {
		if id, ok := ids[op.SKU]; ok && id != "" {
			rs.setRemoteID(op.SKU, id)
			o.recordAttempt(ctx, rs, batchID, op, shadow.OutcomeSuccess, attempt, "", "")
			out = append(out, opResult{op: op, outcome: shadow.OutcomeSuccess, remoteID: id})
			continue
		}

		ierr := itemErrs[op.SKU]
		if ierr == nil {
			ierr = fmt.Errorf("no result for %s in bulk response", op.SKU)
		}
		if platform.IsTransient(ierr) {
			// One item missing from an otherwise good response; retry it
			// on the single-create path.
			out = append(out, o.applyWithRetry(ctx, rs, batchID, op))
			continue
		}
		out = append(out, o.deadLetter(ctx, rs, batchID, op, attempt, ierr))
	}
	return out
}

// applyWithRetry resolves one operation: retry transient failures with
// backoff, retry throttles without consuming attempts, dead-letter
// permanent failures immediately.
func (o *Orchestrator) applyWithRetry(ctx context.Context, rs *runState, batchID int64, op diff.Operation) opResult {
	olog := logging.OperationLogger(rs.correlationID, rs.runID, op.SKU, string(op.Type))
	if m := metrics.Get(); m != nil {
		m.InFlightOperations.Inc()
		defer m.InFlightOperations.Dec()
	}

	bo := newBackoff(o.opts.Retry)
	attempt := 1
	for {
		remoteID, assetID, err := o.applyOnce(ctx, rs, op)
		if err == nil {
			o.recordAttempt(ctx, rs, batchID, op, shadow.OutcomeSuccess, attempt, "", assetID)
			olog.Debug("operation applied", "attempt", attempt)
			return opResult{op: op, outcome: shadow.OutcomeSuccess, remoteID: remoteID, assetID: assetID}
		}

		switch {
		case platform.IsRateLimited(err):
			// The limiter already shrank and entered cool-off; retrying
			// does not consume an attempt.
			o.countRetry(string(op.Type))
			waitRetryAfter(ctx, err)
			if ctx.Err() != nil {
				return opResult{op: op, outcome: shadow.OutcomeRetry, errDetail: err.Error()}
			}

		case platform.IsTransient(err) && attempt < o.opts.Retry.MaxAttempts:
			o.countRetry(string(op.Type))
			o.recordAttempt(ctx, rs, batchID, op, shadow.OutcomeRetry, attempt, err.Error(), "")
			olog.Warn("transient failure, backing off", "attempt", attempt, "error", err)
			attempt++
			if sleep(ctx, bo.NextBackOff()) != nil {
				return opResult{op: op, outcome: shadow.OutcomeRetry, errDetail: err.Error()}
			}

		default:
			return o.deadLetter(ctx, rs, batchID, op, attempt, err)
		}
	}
}

// applyOnce dispatches one operation to the platform client or the media
// pipeline. Returns the remote product ID and, for media, the asset ID.
func (o *Orchestrator) applyOnce(ctx context.Context, rs *runState, op diff.Operation) (string, string, error) {
	switch op.Type {
	case diff.OpCreateProduct:
		id, err := o.client.CreateProduct(ctx, *op.Record)
		if err != nil {
			return "", "", err
		}
		rs.setRemoteID(op.SKU, id)
		return id, "", nil

	case diff.OpUpdateProduct:
		id := rs.remoteIDFor(op)
		if id == "" {
			return "", "", missingRemote(op)
		}
		return id, "", o.client.UpdateProduct(ctx, id, *op.Record)

	case diff.OpCreateVariant, diff.OpUpdateVariant:
		id := rs.remoteIDFor(op)
		if id == "" {
			return "", "", missingRemote(op)
		}
		return id, "", o.client.UpdateVariants(ctx, id, *op.Record)

	case diff.OpPriceChange:
		id := rs.remoteIDFor(op)
		if id == "" {
			return "", "", missingRemote(op)
		}
		return id, "", o.client.UpdatePrice(ctx, id, *op.Record)

	case diff.OpDeleteProduct:
		id := rs.remoteIDFor(op)
		if id == "" {
			return "", "", missingRemote(op)
		}
		return id, "", o.client.DeleteProduct(ctx, id)

	case diff.OpUploadMedia, diff.OpLinkMedia:
		id := rs.remoteIDFor(op)
		if id == "" {
			return "", "", &platform.PermanentError{
				Op:  "upload_media",
				Err: fmt.Errorf("no remote product for %s, parent create did not land", op.SKU),
			}
		}
		assetID, err := o.media.Process(ctx, id, *op.Media)
		return id, assetID, err

	default:
		return "", "", &platform.PermanentError{
			Op:  string(op.Type),
			Err: fmt.Errorf("unhandled operation type"),
		}
	}
}

// drainChunk marks every operation of an interrupted chunk unresolved so
// the commit writes nothing for them.
func drainChunk(chunk []diff.Operation, err error) []opResult {
	out := make([]opResult, 0, len(chunk))
	for _, op := range chunk {
		out = append(out, opResult{op: op, outcome: shadow.OutcomeRetry, errDetail: err.Error()})
	}
	return out
}

func missingRemote(op diff.Operation) error {
	return &platform.PermanentError{
		Op:  string(op.Type),
		Err: fmt.Errorf("no remote id known for %s", op.SKU),
	}
}

func (o *Orchestrator) deadLetter(ctx context.Context, rs *runState, batchID int64, op diff.Operation, attempt int, err error) opResult {
	o.recordAttempt(ctx, rs, batchID, op, shadow.OutcomeDeadLetter, attempt, err.Error(), "")
	logging.OperationLogger(rs.correlationID, rs.runID, op.SKU, string(op.Type)).
		Error("operation dead-lettered", "attempt", attempt, "error", err)
	if m := metrics.Get(); m != nil {
		m.DeadLetters.WithLabelValues(string(op.Type)).Inc()
	}
	return opResult{op: op, outcome: shadow.OutcomeDeadLetter, errDetail: err.Error()}
}

// recordAttempt appends one ledger row. Media attempts go to the media
// ledger so they never pollute the product sync history.
func (o *Orchestrator) recordAttempt(ctx context.Context, rs *runState, batchID int64, op diff.Operation, outcome shadow.Outcome, attempt int, detail, assetID string) {
	if op.Type == diff.OpUploadMedia || op.Type == diff.OpLinkMedia {
		err := o.store.AppendMediaLedger(ctx, shadow.MediaLedgerEntry{
			RunID:         rs.runID,
			SKU:           op.SKU,
			MediaRef:      op.Media.URL,
			RemoteAssetID: assetID,
			Outcome:       outcome,
			Attempt:       attempt,
			ErrorDetail:   detail,
		})
		if err != nil {
			o.log.Warn("append media ledger failed", "sku", op.SKU, "error", err)
		}
		return
	}

	err := o.store.AppendLedger(ctx, shadow.LedgerEntry{
		RunID:         rs.runID,
		BatchID:       batchID,
		SKU:           op.SKU,
		OperationType: string(op.Type),
		Outcome:       outcome,
		Attempt:       attempt,
		ErrorDetail:   detail,
	})
	if err != nil {
		o.log.Warn("append ledger failed", "sku", op.SKU, "error", err)
	}
}

// commitBatch folds the batch's results into one shadow transaction and the
// run report. Unresolved operations (drained mid-batch) get no shadow write
// and surface again on the next run's diff.
func (o *Orchestrator) commitBatch(ctx context.Context, rs *runState, b batch, results []opResult, report *Report) error {
	update := shadow.BatchUpdate{RunID: rs.runID, BatchID: b.id}
	m := metrics.Get()

	for _, r := range results {
		if m != nil {
			m.OperationsProcessed.WithLabelValues(string(r.op.Type), string(r.outcome)).Inc()
		}

		if r.op.Type == diff.OpUploadMedia || r.op.Type == diff.OpLinkMedia {
			switch r.outcome {
			case shadow.OutcomeSuccess:
				rs.noteMedia(r.op.SKU, true)
				report.MediaUploaded++
			case shadow.OutcomeDeadLetter:
				rs.noteMedia(r.op.SKU, false)
				report.MediaDeadLettered++
				if m != nil {
					m.MediaFailed.Inc()
				}
			}
			continue
		}

		switch r.outcome {
		case shadow.OutcomeSuccess:
			if r.op.Type == diff.OpDeleteProduct {
				update.SoftDeletes = append(update.SoftDeletes, r.op.SKU)
				report.Deleted++
				continue
			}
			update.Upserts = append(update.Upserts, o.upsertFor(rs, r))
			switch r.op.Type {
			case diff.OpCreateProduct:
				report.Created++
			case diff.OpPriceChange:
				report.PriceChanged++
			default:
				report.Updated++
			}
		case shadow.OutcomeDeadLetter:
			update.Failed = append(update.Failed, r.op.SKU)
			report.DeadLettered++
		}
	}

	start := time.Now()
	if err := o.store.CommitBatch(ctx, update); err != nil {
		return fmt.Errorf("commit batch %d: %w", b.id, err)
	}
	if m != nil {
		m.BatchesCommitted.Inc()
		m.BatchCommitDuration.Observe(time.Since(start).Seconds())
		m.LastCommittedBatch.Set(float64(b.id))
	}
	return nil
}

// upsertFor builds the shadow write for one applied operation. SKUs with
// asset uploads still in flight keep their old content and media hashes;
// those advance in the final commit once every asset has landed.
func (o *Orchestrator) upsertFor(rs *runState, r opResult) shadow.Upsert {
	rec := r.op.Record
	u := shadow.Upsert{
		SKU:            rec.SKU,
		RemoteID:       r.remoteID,
		MetaHash:       rec.MetaHash(),
		PriceHash:      rec.PriceHash(),
		VariantHash:    rec.VariantHash(),
		Specifications: rec.Specifications,
		DealerPrice:    rec.DealerPrice,
	}
	if u.RemoteID == "" && r.op.Shadow != nil {
		u.RemoteID = r.op.Shadow.RemoteID
	}

	rs.mu.Lock()
	pendingMedia := rs.media[rec.SKU] != nil
	rs.mu.Unlock()

	if pendingMedia {
		if r.op.Shadow != nil {
			u.ContentHash = r.op.Shadow.ContentHash
			u.MediaHash = r.op.Shadow.MediaHash
		}
	} else {
		u.ContentHash = rec.Hash()
		if r.op.Shadow != nil {
			u.MediaHash = r.op.Shadow.MediaHash
		}
		if len(rec.Media) == 0 {
			u.MediaHash = rec.MediaHash()
		}
	}
	return u
}

func (o *Orchestrator) countRetry(opType string) {
	if m := metrics.Get(); m != nil {
		m.RetryAttempts.WithLabelValues(opType).Inc()
	}
}

// waitRetryAfter honors an explicit Retry-After hint if the throttle signal
// carried one. The limiter's cool-off covers the usual case.
func waitRetryAfter(ctx context.Context, err error) {
	var rl *platform.RateLimitedError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		sleep(ctx, rl.RetryAfter)
	}
}
