package shadow

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	ledger  []LedgerEntry
	media   []MediaLedgerEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Seed inserts a row directly, for test setup.
func (s *MemoryStore) Seed(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.SKU] = r
}

func (s *MemoryStore) LoadAll(ctx context.Context) (map[string]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Record, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) CommitBatch(ctx context.Context, batch BatchUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, u := range batch.Upserts {
		r := s.records[u.SKU]
		r.SKU = u.SKU
		r.RemoteID = u.RemoteID
		r.ContentHash = u.ContentHash
		r.MetaHash = u.MetaHash
		r.PriceHash = u.PriceHash
		r.VariantHash = u.VariantHash
		r.MediaHash = u.MediaHash
		r.SyncStatus = StatusSynced
		r.ConflictReason = ""
		r.Deleted = false
		r.Specifications = u.Specifications
		r.DealerPrice = u.DealerPrice
		r.LastSyncedAt = now
		r.UpdatedAt = now
		s.records[u.SKU] = r
	}
	for _, sku := range batch.SoftDeletes {
		if r, ok := s.records[sku]; ok {
			r.Deleted = true
			r.SyncStatus = StatusSynced
			r.UpdatedAt = now
			s.records[sku] = r
		}
	}
	for sku, reason := range batch.Conflicts {
		if r, ok := s.records[sku]; ok {
			r.SyncStatus = StatusConflict
			r.ConflictReason = reason
			r.UpdatedAt = now
			s.records[sku] = r
		}
	}
	for _, sku := range batch.Failed {
		r := s.records[sku]
		r.SKU = sku
		r.SyncStatus = StatusFailed
		r.UpdatedAt = now
		s.records[sku] = r
	}
	for _, mr := range batch.MediaRefresh {
		if r, ok := s.records[mr.SKU]; ok {
			r.MediaHash = mr.MediaHash
			r.ContentHash = mr.ContentHash
			r.UpdatedAt = now
			s.records[mr.SKU] = r
		}
	}
	return nil
}

func (s *MemoryStore) AppendLedger(ctx context.Context, e LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.CreatedAt = time.Now().UTC()
	s.ledger = append(s.ledger, e)
	return nil
}

func (s *MemoryStore) AppendMediaLedger(ctx context.Context, e MediaLedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.CreatedAt = time.Now().UTC()
	s.media = append(s.media, e)
	return nil
}

func (s *MemoryStore) DeadLetters(ctx context.Context, runID string) ([]LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LedgerEntry
	for _, e := range s.ledger {
		if e.RunID == runID && e.Outcome == OutcomeDeadLetter {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) LastCompletedBatch(ctx context.Context, runID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max int64
	for _, e := range s.ledger {
		if e.RunID == runID && e.BatchID > max {
			max = e.BatchID
		}
	}
	return max, nil
}

// Ledger returns a copy of the sync ledger, for test assertions.
func (s *MemoryStore) Ledger() []LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LedgerEntry, len(s.ledger))
	copy(out, s.ledger)
	return out
}

// MediaLedger returns a copy of the media ledger, for test assertions.
func (s *MemoryStore) MediaLedger() []MediaLedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MediaLedgerEntry, len(s.media))
	copy(out, s.media)
	return out
}

func (s *MemoryStore) Close() {}
