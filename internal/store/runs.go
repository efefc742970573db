package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hochfrequenz/portal-orchestrator/internal/domain"
)

// SaveRun records a run at start
func (s *Store) SaveRun(ctx context.Context, run domain.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, target_id, kind, mode, state, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.TargetID, string(run.Kind), string(run.Mode), string(run.State), run.Error, run.StartedAt, run.FinishedAt)
	return err
}

// FinishRun records a run's terminal state
func (s *Store) FinishRun(ctx context.Context, id string, state domain.RunState, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET state = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(state), errMsg, s.now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListRecentRuns returns the newest runs first
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target_id, kind, mode, state, COALESCE(error, ''), started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		var r domain.Run
		var kind, mode, state string
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.TargetID, &kind, &mode, &state, &r.Error, &r.StartedAt, &finished); err != nil {
			return nil, err
		}
		r.Kind = domain.TaskKind(kind)
		r.Mode = domain.ExecutionMode(mode)
		r.State = domain.RunState(state)
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// PendingBatch is a batch that has not finished yet. It survives restarts
// so the server can resume it.
type PendingBatch struct {
	ID        string
	Kind      domain.TaskKind
	Mode      domain.ExecutionMode
	Targets   []domain.Target
	CreatedAt time.Time
}

// SavePendingBatch stores a batch. Target secrets are not persisted.
func (s *Store) SavePendingBatch(ctx context.Context, b PendingBatch) error {
	targets := make([]domain.Target, len(b.Targets))
	for i, t := range b.Targets {
		t.Secret = ""
		targets[i] = t
	}
	data, err := json.Marshal(targets)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_batches (id, kind, mode, targets, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET targets = excluded.targets
	`, b.ID, string(b.Kind), string(b.Mode), string(data), s.now())
	return err
}

// ListPendingBatches returns stored batches, oldest first
func (s *Store) ListPendingBatches(ctx context.Context) ([]PendingBatch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, mode, targets, created_at FROM pending_batches ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingBatch
	for rows.Next() {
		var b PendingBatch
		var kind, mode, targets string
		if err := rows.Scan(&b.ID, &kind, &mode, &targets, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.Kind = domain.TaskKind(kind)
		b.Mode = domain.ExecutionMode(mode)
		if err := json.Unmarshal([]byte(targets), &b.Targets); err != nil {
			return nil, fmt.Errorf("decoding pending batch %s: %w", b.ID, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// DeletePendingBatch removes a batch; deleting an unknown id is not an error
func (s *Store) DeletePendingBatch(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_batches WHERE id = ?`, id)
	return err
}
