package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/swarmd/swarmd/internal/common/apperr"
	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

// WorkerStore persists worker records.
type WorkerStore struct {
	pool *Pool
}

// workerRow is the DB scan target for worker queries.
type workerRow struct {
	ID            string        `db:"id"`
	Handle        string        `db:"handle"`
	TeamName      string        `db:"team_name"`
	SwarmID       string        `db:"swarm_id"`
	DepthLevel    int           `db:"depth_level"`
	State         string        `db:"state"`
	Health        string        `db:"health"`
	SpawnMode     string        `db:"spawn_mode"`
	WorkingDir    string        `db:"working_dir"`
	SessionID     string        `db:"session_id"`
	CurrentTaskID string        `db:"current_task_id"`
	RestartCount  int           `db:"restart_count"`
	SpawnedAt     int64         `db:"spawned_at"`
	DismissedAt   sql.NullInt64 `db:"dismissed_at"`
}

func (r *workerRow) toWorker() *v1.Worker {
	return &v1.Worker{
		ID:            r.ID,
		Handle:        r.Handle,
		TeamName:      r.TeamName,
		SwarmID:       r.SwarmID,
		DepthLevel:    r.DepthLevel,
		State:         v1.WorkerState(r.State),
		Health:        v1.WorkerHealth(r.Health),
		SpawnMode:     v1.SpawnMode(r.SpawnMode),
		WorkingDir:    r.WorkingDir,
		SessionID:     r.SessionID,
		CurrentTaskID: r.CurrentTaskID,
		RestartCount:  r.RestartCount,
		SpawnedAt:     r.SpawnedAt,
	}
}

const workerColumns = `id, handle, team_name, swarm_id, depth_level, state, health,
	spawn_mode, working_dir, session_id, current_task_id, restart_count, spawned_at, dismissed_at`

// Create inserts a new worker. The handle must be unique among active workers.
func (s *WorkerStore) Create(ctx context.Context, w *v1.Worker) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.SpawnedAt == 0 {
		w.SpawnedAt = nowMillis()
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO workers (id, handle, team_name, swarm_id, depth_level, state, health,
			spawn_mode, working_dir, session_id, current_task_id, restart_count, spawned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Handle, w.TeamName, w.SwarmID, w.DepthLevel, string(w.State), string(w.Health),
		string(w.SpawnMode), w.WorkingDir, w.SessionID, w.CurrentTaskID, w.RestartCount, w.SpawnedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("handle already in use: %s", w.Handle)
		}
		return fmt.Errorf("insert worker: %w", err)
	}
	return nil
}

// Get returns an active worker by id.
func (s *WorkerStore) Get(ctx context.Context, id string) (*v1.Worker, error) {
	var row workerRow
	err := s.pool.Reader().GetContext(ctx, &row, `
		SELECT `+workerColumns+` FROM workers WHERE id = ? AND dismissed_at IS NULL`, id)
	if err != nil {
		return nil, notFound(err, "worker", id)
	}
	return row.toWorker(), nil
}

// GetByHandle returns an active worker by handle.
func (s *WorkerStore) GetByHandle(ctx context.Context, handle string) (*v1.Worker, error) {
	var row workerRow
	err := s.pool.Reader().GetContext(ctx, &row, `
		SELECT `+workerColumns+` FROM workers WHERE handle = ? AND dismissed_at IS NULL`, handle)
	if err != nil {
		return nil, notFound(err, "worker", handle)
	}
	return row.toWorker(), nil
}

// List returns all active workers ordered by spawn time.
func (s *WorkerStore) List(ctx context.Context) ([]*v1.Worker, error) {
	var rows []workerRow
	err := s.pool.Reader().SelectContext(ctx, &rows, `
		SELECT `+workerColumns+` FROM workers WHERE dismissed_at IS NULL ORDER BY spawned_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	workers := make([]*v1.Worker, len(rows))
	for i := range rows {
		workers[i] = rows[i].toWorker()
	}
	return workers, nil
}

// ListBySwarm returns the active workers assigned to a swarm.
func (s *WorkerStore) ListBySwarm(ctx context.Context, swarmID string) ([]*v1.Worker, error) {
	var rows []workerRow
	err := s.pool.Reader().SelectContext(ctx, &rows, `
		SELECT `+workerColumns+` FROM workers
		WHERE swarm_id = ? AND dismissed_at IS NULL ORDER BY spawned_at ASC`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("list workers by swarm: %w", err)
	}
	workers := make([]*v1.Worker, len(rows))
	for i := range rows {
		workers[i] = rows[i].toWorker()
	}
	return workers, nil
}

// CountActive returns the number of active (non-dismissed) workers.
func (s *WorkerStore) CountActive(ctx context.Context) (int, error) {
	var count int
	err := s.pool.Reader().GetContext(ctx, &count,
		`SELECT COUNT(*) FROM workers WHERE dismissed_at IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("count workers: %w", err)
	}
	return count, nil
}

// UpdateState sets the lifecycle state.
func (s *WorkerStore) UpdateState(ctx context.Context, id string, state v1.WorkerState) error {
	return s.updateField(ctx, id, "state", string(state))
}

// UpdateHealth sets the health axis.
func (s *WorkerStore) UpdateHealth(ctx context.Context, id string, health v1.WorkerHealth) error {
	return s.updateField(ctx, id, "health", string(health))
}

// SetCurrentTask records the task a worker is occupied with ("" clears it).
func (s *WorkerStore) SetCurrentTask(ctx context.Context, id, taskID string) error {
	return s.updateField(ctx, id, "current_task_id", taskID)
}

// SetSessionID records the resumable session identifier.
func (s *WorkerStore) SetSessionID(ctx context.Context, id, sessionID string) error {
	return s.updateField(ctx, id, "session_id", sessionID)
}

// IncrementRestartCount bumps the restart counter and returns the new value.
func (s *WorkerStore) IncrementRestartCount(ctx context.Context, id string) (int, error) {
	res, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE workers SET restart_count = restart_count + 1 WHERE id = ? AND dismissed_at IS NULL`, id)
	if err != nil {
		return 0, fmt.Errorf("increment restart count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, apperr.NotFound("worker not found: %s", id)
	}
	var count int
	if err := s.pool.Writer().GetContext(ctx, &count,
		`SELECT restart_count FROM workers WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("read restart count: %w", err)
	}
	return count, nil
}

// Dismiss marks the worker dismissed, freeing its handle for reuse.
func (s *WorkerStore) Dismiss(ctx context.Context, id string) error {
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE workers SET dismissed_at = ?, state = ?
		WHERE id = ? AND dismissed_at IS NULL`,
		nowMillis(), string(v1.WorkerStateStopped), id)
	if err != nil {
		return fmt.Errorf("dismiss worker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("worker not found: %s", id)
	}
	return nil
}

func (s *WorkerStore) updateField(ctx context.Context, id, column, value string) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE workers SET `+column+` = ? WHERE id = ? AND dismissed_at IS NULL`, value, id)
	if err != nil {
		return fmt.Errorf("update worker %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("worker not found: %s", id)
	}
	return nil
}
