package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/swarmd/swarmd/internal/common/apperr"
	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

// SpawnStore persists the spawn request queue and its dependency edges.
type SpawnStore struct {
	pool *Pool
}

type spawnRow struct {
	ID              string        `db:"id"`
	RequesterHandle string        `db:"requester_handle"`
	TargetAgentType string        `db:"target_agent_type"`
	DepthLevel      int           `db:"depth_level"`
	Priority        string        `db:"priority"`
	PriorityRank    int           `db:"priority_rank"`
	Status          string        `db:"status"`
	Task            string        `db:"task"`
	Context         string        `db:"context"`
	Checkpoint      string        `db:"checkpoint"`
	BlockedByCount  int           `db:"blocked_by_count"`
	CreatedAt       int64         `db:"created_at"`
	ProcessedAt     sql.NullInt64 `db:"processed_at"`
	SpawnedWorkerID string        `db:"spawned_worker_id"`
}

func (r *spawnRow) toItem() *v1.SpawnQueueItem {
	item := &v1.SpawnQueueItem{
		ID:              r.ID,
		RequesterHandle: r.RequesterHandle,
		TargetAgentType: r.TargetAgentType,
		DepthLevel:      r.DepthLevel,
		Priority:        v1.Priority(r.Priority),
		Status:          v1.SpawnStatus(r.Status),
		Task:            r.Task,
		BlockedByCount:  r.BlockedByCount,
		CreatedAt:       r.CreatedAt,
		ProcessedAt:     millisOrZero(r.ProcessedAt),
		SpawnedWorkerID: r.SpawnedWorkerID,
	}
	if r.Context != "" {
		item.Context = json.RawMessage(r.Context)
	}
	if r.Checkpoint != "" {
		item.Checkpoint = json.RawMessage(r.Checkpoint)
	}
	return item
}

const spawnColumns = `id, requester_handle, target_agent_type, depth_level, priority,
	priority_rank, status, task, context, checkpoint, blocked_by_count, created_at,
	processed_at, spawned_worker_id`

// Enqueue inserts a spawn request. The blocked-by count is computed from the
// declared dependencies that have not yet been fulfilled.
func (s *SpawnStore) Enqueue(ctx context.Context, item *v1.SpawnQueueItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.CreatedAt == 0 {
		item.CreatedAt = nowMillis()
	}
	if item.Status == "" {
		item.Status = v1.SpawnStatusPending
	}

	return inTx(s.pool.Writer(), func(tx *sqlx.Tx) error {
		blocked := 0
		for _, depID := range item.DependsOn {
			var status string
			err := tx.GetContext(ctx, &status,
				`SELECT status FROM spawn_queue WHERE id = ?`, depID)
			if err != nil {
				if err == sql.ErrNoRows {
					return apperr.Validation("unknown dependency: %s", depID)
				}
				return fmt.Errorf("check dependency: %w", err)
			}
			if !v1.SpawnStatus(status).Terminal() {
				blocked++
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO spawn_dependencies (item_id, depends_on_id) VALUES (?, ?)`,
				item.ID, depID); err != nil {
				return fmt.Errorf("insert dependency: %w", err)
			}
		}
		item.BlockedByCount = blocked

		_, err := tx.ExecContext(ctx, `
			INSERT INTO spawn_queue (id, requester_handle, target_agent_type, depth_level,
				priority, priority_rank, status, task, context, checkpoint, blocked_by_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, item.RequesterHandle, item.TargetAgentType, item.DepthLevel,
			string(item.Priority), v1.PriorityRank(item.Priority), string(item.Status),
			item.Task, string(item.Context), string(item.Checkpoint), blocked, item.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert spawn item: %w", err)
		}
		return nil
	})
}

// Get returns a queue item with its dependency list.
func (s *SpawnStore) Get(ctx context.Context, id string) (*v1.SpawnQueueItem, error) {
	var row spawnRow
	err := s.pool.Reader().GetContext(ctx, &row, `
		SELECT `+spawnColumns+` FROM spawn_queue WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err, "spawn request", id)
	}
	item := row.toItem()
	if err := s.pool.Reader().SelectContext(ctx, &item.DependsOn,
		`SELECT depends_on_id FROM spawn_dependencies WHERE item_id = ?`, id); err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	return item, nil
}

// List returns queue items, optionally filtered by status, priority order first.
func (s *SpawnStore) List(ctx context.Context, status v1.SpawnStatus, limit int) ([]*v1.SpawnQueueItem, error) {
	query := `SELECT ` + spawnColumns + ` FROM spawn_queue`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY priority_rank DESC, created_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var rows []spawnRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list spawn queue: %w", err)
	}
	items := make([]*v1.SpawnQueueItem, len(rows))
	for i := range rows {
		items[i] = rows[i].toItem()
	}
	return items, nil
}

// NextReady returns unblocked pending and approved items in dispatch order:
// priority rank descending, then enqueue time ascending.
func (s *SpawnStore) NextReady(ctx context.Context, limit int) ([]*v1.SpawnQueueItem, error) {
	query := `
		SELECT ` + spawnColumns + ` FROM spawn_queue
		WHERE status IN (?, ?) AND blocked_by_count = 0
		ORDER BY priority_rank DESC, created_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	var rows []spawnRow
	err := s.pool.Reader().SelectContext(ctx, &rows, query,
		string(v1.SpawnStatusPending), string(v1.SpawnStatusApproved))
	if err != nil {
		return nil, fmt.Errorf("next ready: %w", err)
	}
	items := make([]*v1.SpawnQueueItem, len(rows))
	for i := range rows {
		items[i] = rows[i].toItem()
	}
	return items, nil
}

// Approve moves a pending item to approved.
func (s *SpawnStore) Approve(ctx context.Context, id string) error {
	return s.transition(ctx, id, v1.SpawnStatusPending, v1.SpawnStatusApproved)
}

// Reject terminates a pending item and releases anything blocked on it.
// Returns the ids of items that became unblocked.
func (s *SpawnStore) Reject(ctx context.Context, id string) ([]string, error) {
	var released []string
	err := inTx(s.pool.Writer(), func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE spawn_queue SET status = ?, processed_at = ?
			WHERE id = ? AND status = ?`,
			string(v1.SpawnStatusRejected), nowMillis(), id,
			string(v1.SpawnStatusPending))
		if err != nil {
			return fmt.Errorf("reject spawn item: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return s.wrongStateErr(ctx, id)
		}
		released, err = releaseDependents(ctx, tx, id)
		return err
	})
	return released, err
}

// MarkSpawned records fulfillment of a pending or approved item and, in the
// same transaction, decrements the blocked-by count of its dependents. Returns
// the ids of items that became unblocked.
func (s *SpawnStore) MarkSpawned(ctx context.Context, id, workerID string) ([]string, error) {
	var released []string
	err := inTx(s.pool.Writer(), func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE spawn_queue SET status = ?, processed_at = ?, spawned_worker_id = ?
			WHERE id = ? AND status IN (?, ?)`,
			string(v1.SpawnStatusSpawned), nowMillis(), workerID, id,
			string(v1.SpawnStatusPending), string(v1.SpawnStatusApproved))
		if err != nil {
			return fmt.Errorf("mark spawned: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return s.wrongStateErr(ctx, id)
		}
		released, err = releaseDependents(ctx, tx, id)
		return err
	})
	return released, err
}

// releaseDependents decrements the blocked-by count of every item that depends
// on id and reports which ones reached zero.
func releaseDependents(ctx context.Context, tx *sqlx.Tx, id string) ([]string, error) {
	var dependents []string
	if err := tx.SelectContext(ctx, &dependents,
		`SELECT item_id FROM spawn_dependencies WHERE depends_on_id = ?`, id); err != nil {
		return nil, fmt.Errorf("find dependents: %w", err)
	}
	if len(dependents) == 0 {
		return nil, nil
	}

	query, args, err := sqlxIn(
		`UPDATE spawn_queue SET blocked_by_count = blocked_by_count - 1
		 WHERE id IN (?) AND blocked_by_count > 0`, dependents)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("decrement dependents: %w", err)
	}

	query, args, err = sqlxIn(`
		SELECT id FROM spawn_queue
		WHERE id IN (?) AND blocked_by_count = 0 AND status IN ('pending', 'approved')
		ORDER BY priority_rank DESC, created_at ASC`, dependents)
	if err != nil {
		return nil, err
	}
	var released []string
	if err := tx.SelectContext(ctx, &released, query, args...); err != nil {
		return nil, fmt.Errorf("find released: %w", err)
	}
	return released, nil
}

// Stats aggregates queue counts.
func (s *SpawnStore) Stats(ctx context.Context) (*v1.SpawnQueueStats, error) {
	stats := &v1.SpawnQueueStats{
		ByStatus:   make(map[string]int),
		ByPriority: make(map[string]int),
	}

	rows, err := s.pool.Reader().QueryContext(ctx,
		`SELECT status, COUNT(*) FROM spawn_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("spawn stats: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.ByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	prows, err := s.pool.Reader().QueryContext(ctx, `
		SELECT priority, COUNT(*) FROM spawn_queue
		WHERE status IN ('pending', 'approved') GROUP BY priority`)
	if err != nil {
		return nil, fmt.Errorf("spawn stats: %w", err)
	}
	defer func() {
		_ = prows.Close()
	}()
	for prows.Next() {
		var priority string
		var count int
		if err := prows.Scan(&priority, &count); err != nil {
			return nil, err
		}
		stats.ByPriority[priority] = count
	}
	if err := prows.Err(); err != nil {
		return nil, err
	}

	if err := s.pool.Reader().GetContext(ctx, &stats.Ready, `
		SELECT COUNT(*) FROM spawn_queue
		WHERE status IN ('pending', 'approved') AND blocked_by_count = 0`); err != nil {
		return nil, fmt.Errorf("spawn stats: %w", err)
	}
	if err := s.pool.Reader().GetContext(ctx, &stats.Blocked, `
		SELECT COUNT(*) FROM spawn_queue
		WHERE status IN ('pending', 'approved') AND blocked_by_count > 0`); err != nil {
		return nil, fmt.Errorf("spawn stats: %w", err)
	}
	return stats, nil
}

// DeleteProcessedBefore removes terminal items processed before the cutoff.
func (s *SpawnStore) DeleteProcessedBefore(ctx context.Context, before int64) (int64, error) {
	res, err := s.pool.Writer().ExecContext(ctx, `
		DELETE FROM spawn_queue
		WHERE status IN ('rejected', 'spawned') AND processed_at IS NOT NULL AND processed_at < ?`,
		before)
	if err != nil {
		return 0, fmt.Errorf("cleanup spawn queue: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SpawnStore) transition(ctx context.Context, id string, from, to v1.SpawnStatus) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE spawn_queue SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("transition spawn item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.wrongStateErr(ctx, id)
	}
	return nil
}

func (s *SpawnStore) wrongStateErr(ctx context.Context, id string) error {
	var status string
	err := s.pool.Reader().GetContext(ctx, &status,
		`SELECT status FROM spawn_queue WHERE id = ?`, id)
	if err != nil {
		return notFound(err, "spawn request", id)
	}
	return apperr.WrongState("spawn request %s is %s", id, status)
}
