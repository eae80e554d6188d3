package postgres

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// checkpointRetention is how many checkpoint rows survive per worker; older
// rows are pruned on every save.
const checkpointRetention = 5

// CheckpointStore persists dispatcher rotation checkpoints: the residual
// queue contents serialized as original input mappings, so a restarted
// worker resumes exactly where the previous run rotated out.
type CheckpointStore struct {
	pool *pgxpool.Pool
}

// NewCheckpointStore constructs a CheckpointStore backed by the provided pool.
func NewCheckpointStore(pool *pgxpool.Pool) *CheckpointStore {
	return &CheckpointStore{pool: pool}
}

const (
	insertCheckpointSQL = `
INSERT INTO dispatcher_checkpoints (worker_id, payload, total_items, created_at)
VALUES (@worker_id, @payload::jsonb, @total_items, NOW());
`

	pruneCheckpointsSQL = `
DELETE FROM dispatcher_checkpoints
WHERE worker_id = @worker_id
  AND id NOT IN (
      SELECT id
      FROM dispatcher_checkpoints
      WHERE worker_id = @worker_id
      ORDER BY id DESC
      LIMIT @keep
  );
`

	latestCheckpointSQL = `
SELECT payload
FROM dispatcher_checkpoints
WHERE worker_id = @worker_id
ORDER BY id DESC
LIMIT 1;
`
)

// Save writes one checkpoint row and prunes history beyond the retention
// window, transactionally.
func (s *CheckpointStore) Save(ctx context.Context, workerID string, residual map[string][]map[string]any) error {
	payload, err := json.Marshal(residual)
	if err != nil {
		return fmt.Errorf("checkpoint store: encode payload: %w", err)
	}
	total := 0
	for _, items := range residual {
		total += len(items)
	}

	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := s.pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("checkpoint store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, insertCheckpointSQL, pgx.NamedArgs{
		"worker_id":   workerID,
		"payload":     string(payload),
		"total_items": total,
	}); err != nil {
		return fmt.Errorf("checkpoint store: insert: %w", err)
	}
	if _, err := tx.Exec(ctx, pruneCheckpointsSQL, pgx.NamedArgs{
		"worker_id": workerID,
		"keep":      checkpointRetention,
	}); err != nil {
		return fmt.Errorf("checkpoint store: prune: %w", err)
	}

	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("checkpoint store: commit tx: %w", err)
	}
	return nil
}

// Latest returns the most recent checkpoint payload for the worker, or nil
// when none has been written yet.
func (s *CheckpointStore) Latest(ctx context.Context, workerID string) (map[string][]map[string]any, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, latestCheckpointSQL, pgx.NamedArgs{"worker_id": workerID}).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: load latest: %w", err)
	}

	var residual map[string][]map[string]any
	if err := json.Unmarshal(raw, &residual); err != nil {
		return nil, fmt.Errorf("checkpoint store: decode payload: %w", err)
	}
	return residual, nil
}
