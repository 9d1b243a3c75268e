package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/swarmd/swarmd/internal/common/apperr"
	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

// CheckpointStore persists session-handoff records.
type CheckpointStore struct {
	pool *Pool
}

type checkpointRow struct {
	ID              string        `db:"id"`
	FromHandle      string        `db:"from_handle"`
	ToHandle        string        `db:"to_handle"`
	Status          string        `db:"status"`
	Goal            string        `db:"goal"`
	NowState        string        `db:"now_state"`
	TestState       string        `db:"test_state"`
	DoneThisSession string        `db:"done_this_session"`
	Blockers        string        `db:"blockers"`
	Questions       string        `db:"questions"`
	NextSteps       string        `db:"next_steps"`
	Files           string        `db:"files"`
	CreatedAt       int64         `db:"created_at"`
	ResolvedAt      sql.NullInt64 `db:"resolved_at"`
}

func (r *checkpointRow) toCheckpoint() (*v1.Checkpoint, error) {
	cp := &v1.Checkpoint{
		ID:         r.ID,
		FromHandle: r.FromHandle,
		ToHandle:   r.ToHandle,
		Status:     v1.CheckpointStatus(r.Status),
		Goal:       r.Goal,
		Now:        r.NowState,
		Test:       r.TestState,
		CreatedAt:  r.CreatedAt,
		ResolvedAt: millisOrZero(r.ResolvedAt),
	}
	for _, f := range []struct {
		raw  string
		dest *[]string
	}{
		{r.DoneThisSession, &cp.DoneThisSession},
		{r.Blockers, &cp.Blockers},
		{r.Questions, &cp.Questions},
		{r.NextSteps, &cp.Next},
		{r.Files, &cp.Files},
	} {
		if f.raw == "" || f.raw == "[]" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw), f.dest); err != nil {
			return nil, fmt.Errorf("decode checkpoint list: %w", err)
		}
	}
	return cp, nil
}

func marshalList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(b)
}

const checkpointColumns = `id, from_handle, to_handle, status, goal, now_state, test_state,
	done_this_session, blockers, questions, next_steps, files, created_at, resolved_at`

// Create inserts a pending checkpoint.
func (s *CheckpointStore) Create(ctx context.Context, cp *v1.Checkpoint) error {
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt == 0 {
		cp.CreatedAt = nowMillis()
	}
	if cp.Status == "" {
		cp.Status = v1.CheckpointStatusPending
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO checkpoints (id, from_handle, to_handle, status, goal, now_state, test_state,
			done_this_session, blockers, questions, next_steps, files, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.FromHandle, cp.ToHandle, string(cp.Status), cp.Goal, cp.Now, cp.Test,
		marshalList(cp.DoneThisSession), marshalList(cp.Blockers), marshalList(cp.Questions),
		marshalList(cp.Next), marshalList(cp.Files), cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// Get returns a checkpoint by id.
func (s *CheckpointStore) Get(ctx context.Context, id string) (*v1.Checkpoint, error) {
	var row checkpointRow
	err := s.pool.Reader().GetContext(ctx, &row, `
		SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err, "checkpoint", id)
	}
	return row.toCheckpoint()
}

// ListPendingFor returns unresolved checkpoints addressed to a handle.
func (s *CheckpointStore) ListPendingFor(ctx context.Context, handle string) ([]*v1.Checkpoint, error) {
	var rows []checkpointRow
	err := s.pool.Reader().SelectContext(ctx, &rows, `
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE to_handle = ? AND status = ? ORDER BY created_at ASC`,
		handle, string(v1.CheckpointStatusPending))
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	cps := make([]*v1.Checkpoint, 0, len(rows))
	for i := range rows {
		cp, err := rows[i].toCheckpoint()
		if err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	return cps, nil
}

// Resolve accepts or rejects a pending checkpoint.
func (s *CheckpointStore) Resolve(ctx context.Context, id string, status v1.CheckpointStatus) error {
	if status != v1.CheckpointStatusAccepted && status != v1.CheckpointStatusRejected {
		return apperr.Validation("invalid resolution status: %s", status)
	}
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE checkpoints SET status = ?, resolved_at = ?
		WHERE id = ? AND status = ?`,
		string(status), nowMillis(), id, string(v1.CheckpointStatusPending))
	if err != nil {
		return fmt.Errorf("resolve checkpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return apperr.WrongState("checkpoint already resolved: %s", id)
	}
	return nil
}
