package shadow

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgresStore connects, configures the pool, and applies the schema.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{
		pool: pool,
		log:  slog.With("component", "shadow"),
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	s.log.Info("connected to shadow store")
	return s, nil
}

// LoadAll returns every shadow row keyed by SKU.
func (s *PostgresStore) LoadAll(ctx context.Context) (map[string]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sku, COALESCE(remote_id, ''), COALESCE(content_hash, ''),
		       COALESCE(meta_hash, ''), COALESCE(price_hash, ''),
		       COALESCE(variant_hash, ''), COALESCE(media_hash, ''),
		       sync_status, COALESCE(conflict_reason, ''), deleted,
		       specifications, COALESCE(dealer_price, ''),
		       COALESCE(last_synced_at, 'epoch'::timestamptz), updated_at
		FROM shadow_products
	`)
	if err != nil {
		return nil, fmt.Errorf("load shadow rows: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Record)
	for rows.Next() {
		var r Record
		var status string
		if err := rows.Scan(&r.SKU, &r.RemoteID, &r.ContentHash,
			&r.MetaHash, &r.PriceHash, &r.VariantHash, &r.MediaHash,
			&status, &r.ConflictReason, &r.Deleted,
			&r.Specifications, &r.DealerPrice,
			&r.LastSyncedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan shadow row: %w", err)
		}
		r.SyncStatus = Status(status)
		out[r.SKU] = r
	}
	return out, rows.Err()
}

// CommitBatch applies all of a batch's shadow writes in one transaction.
// The checkpoint is saved by the caller only after this returns.
func (s *PostgresStore) CommitBatch(ctx context.Context, batch BatchUpdate) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, u := range batch.Upserts {
		if _, err := tx.Exec(ctx, `
			INSERT INTO shadow_products (
				sku, remote_id, content_hash, meta_hash, price_hash,
				variant_hash, media_hash, sync_status, conflict_reason,
				deleted, specifications, dealer_price, last_synced_at, updated_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'SYNCED', NULL, FALSE, $8, $9, NOW(), NOW())
			ON CONFLICT (sku) DO UPDATE SET
				remote_id = EXCLUDED.remote_id,
				content_hash = EXCLUDED.content_hash,
				meta_hash = EXCLUDED.meta_hash,
				price_hash = EXCLUDED.price_hash,
				variant_hash = EXCLUDED.variant_hash,
				media_hash = EXCLUDED.media_hash,
				sync_status = 'SYNCED',
				conflict_reason = NULL,
				deleted = FALSE,
				specifications = EXCLUDED.specifications,
				dealer_price = EXCLUDED.dealer_price,
				last_synced_at = NOW(),
				updated_at = NOW()
		`, u.SKU, u.RemoteID, u.ContentHash, u.MetaHash, u.PriceHash,
			u.VariantHash, u.MediaHash, u.Specifications, u.DealerPrice); err != nil {
			return fmt.Errorf("upsert %s: %w", u.SKU, err)
		}
	}

	for _, sku := range batch.SoftDeletes {
		if _, err := tx.Exec(ctx, `
			UPDATE shadow_products
			SET deleted = TRUE, sync_status = 'SYNCED', updated_at = NOW()
			WHERE sku = $1
		`, sku); err != nil {
			return fmt.Errorf("soft delete %s: %w", sku, err)
		}
	}

	for sku, reason := range batch.Conflicts {
		if _, err := tx.Exec(ctx, `
			UPDATE shadow_products
			SET sync_status = 'CONFLICT', conflict_reason = $2, updated_at = NOW()
			WHERE sku = $1
		`, sku, reason); err != nil {
			return fmt.Errorf("mark conflict %s: %w", sku, err)
		}
	}

	for _, sku := range batch.Failed {
		if _, err := tx.Exec(ctx, `
			INSERT INTO shadow_products (sku, sync_status, updated_at)
			VALUES ($1, 'FAILED', NOW())
			ON CONFLICT (sku) DO UPDATE SET sync_status = 'FAILED', updated_at = NOW()
		`, sku); err != nil {
			return fmt.Errorf("mark failed %s: %w", sku, err)
		}
	}

	for _, mr := range batch.MediaRefresh {
		if _, err := tx.Exec(ctx, `
			UPDATE shadow_products
			SET media_hash = $2, content_hash = $3, updated_at = NOW()
			WHERE sku = $1
		`, mr.SKU, mr.MediaHash, mr.ContentHash); err != nil {
			return fmt.Errorf("refresh media hash %s: %w", mr.SKU, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch %d: %w", batch.BatchID, err)
	}
	return nil
}

// AppendLedger appends one sync ledger row.
func (s *PostgresStore) AppendLedger(ctx context.Context, e LedgerEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_ledger (run_id, batch_id, sku, operation_type, outcome, attempt, error_detail)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
	`, e.RunID, e.BatchID, e.SKU, e.OperationType, string(e.Outcome), e.Attempt, e.ErrorDetail)
	if err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	return nil
}

// AppendMediaLedger appends one media ledger row.
func (s *PostgresStore) AppendMediaLedger(ctx context.Context, e MediaLedgerEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO media_ledger (run_id, sku, media_ref, remote_asset_id, outcome, attempt, error_detail)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NULLIF($7, ''))
	`, e.RunID, e.SKU, e.MediaRef, e.RemoteAssetID, string(e.Outcome), e.Attempt, e.ErrorDetail)
	if err != nil {
		return fmt.Errorf("append media ledger: %w", err)
	}
	return nil
}

// DeadLetters returns all dead-lettered sync entries for a run, newest last.
func (s *PostgresStore) DeadLetters(ctx context.Context, runID string) ([]LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, batch_id, sku, operation_type, outcome, attempt,
		       COALESCE(error_detail, ''), created_at
		FROM sync_ledger
		WHERE run_id = $1 AND outcome = 'DEAD_LETTER'
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var outcome string
		if err := rows.Scan(&e.RunID, &e.BatchID, &e.SKU, &e.OperationType,
			&outcome, &e.Attempt, &e.ErrorDetail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		e.Outcome = Outcome(outcome)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastCompletedBatch returns the highest batch recorded for a run.
func (s *PostgresStore) LastCompletedBatch(ctx context.Context, runID string) (int64, error) {
	var batchID int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(batch_id), 0) FROM sync_ledger WHERE run_id = $1
	`, runID).Scan(&batchID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("last completed batch: %w", err)
	}
	return batchID, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
