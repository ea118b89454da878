// Package shadow is the local mirror of remote platform state: one row per
// SKU plus append-only sync and media ledgers. It is both the diff input and
// the system of record for local-only fields.
package shadow

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the sync state of a shadow row.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusSynced   Status = "SYNCED"
	StatusConflict Status = "CONFLICT"
	StatusFailed   Status = "FAILED"
)

// Outcome is the result of one operation attempt in a ledger.
type Outcome string

const (
	OutcomeSuccess    Outcome = "SUCCESS"
	OutcomeRetry      Outcome = "RETRY"
	OutcomeDeadLetter Outcome = "DEAD_LETTER"
)

// Record mirrors one remote product. Rows are soft-deleted, never removed,
// to preserve audit history.
type Record struct {
	SKU            string
	RemoteID       string
	ContentHash    string
	MetaHash       string
	PriceHash      string
	VariantHash    string
	MediaHash      string
	SyncStatus     Status
	ConflictReason string
	Deleted        bool
	Specifications json.RawMessage
	DealerPrice    string
	LastSyncedAt   time.Time
	UpdatedAt      time.Time
}

// LedgerEntry is one append-only row per operation attempt.
type LedgerEntry struct {
	RunID         string
	BatchID       int64
	SKU           string
	OperationType string
	Outcome       Outcome
	Attempt       int
	ErrorDetail   string
	CreatedAt     time.Time
}

// MediaLedgerEntry tracks media attempts independently of the parent
// product's sync status.
type MediaLedgerEntry struct {
	RunID         string
	SKU           string
	MediaRef      string
	RemoteAssetID string
	Outcome       Outcome
	Attempt       int
	ErrorDetail   string
	CreatedAt     time.Time
}

// Upsert is the shadow write for one successfully applied operation.
type Upsert struct {
	SKU            string
	RemoteID       string
	ContentHash    string
	MetaHash       string
	PriceHash      string
	VariantHash    string
	MediaHash      string
	Specifications json.RawMessage
	DealerPrice    string
}

// MediaRefresh finalizes a SKU whose media all uploaded. Kept separate from
// Upserts so a failed upload leaves the hashes stale and the next run
// retries the media without re-pushing attributes.
type MediaRefresh struct {
	SKU         string
	MediaHash   string
	ContentHash string
}

// BatchUpdate is the atomically committed result of one sync batch.
type BatchUpdate struct {
	RunID        string
	BatchID      int64
	Upserts      []Upsert
	SoftDeletes  []string          // SKUs to flag deleted
	Conflicts    map[string]string // SKU -> conflict reason
	Failed       []string          // SKUs whose operation dead-lettered
	MediaRefresh []MediaRefresh
}

// Store is the shadow persistence contract. The Postgres implementation is
// the production one; a memory implementation backs tests and dry runs.
type Store interface {
	// LoadAll returns every shadow row keyed by SKU, soft-deleted included.
	LoadAll(ctx context.Context) (map[string]Record, error)

	// CommitBatch applies a batch's shadow writes in a single transaction.
	CommitBatch(ctx context.Context, batch BatchUpdate) error

	// AppendLedger appends one sync ledger row. Safe for concurrent use.
	AppendLedger(ctx context.Context, e LedgerEntry) error

	// AppendMediaLedger appends one media ledger row. Safe for concurrent use.
	AppendMediaLedger(ctx context.Context, e MediaLedgerEntry) error

	// DeadLetters returns all dead-lettered sync entries for a run.
	DeadLetters(ctx context.Context, runID string) ([]LedgerEntry, error)

	// LastCompletedBatch returns the highest batch with at least one ledger
	// row for the run, or 0.
	LastCompletedBatch(ctx context.Context, runID string) (int64, error)

	Close()
}
