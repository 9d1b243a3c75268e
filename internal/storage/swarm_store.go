package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/swarmd/swarmd/internal/common/apperr"
	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

// SwarmStore persists swarm records.
type SwarmStore struct {
	pool *Pool
}

type swarmRow struct {
	ID          string        `db:"id"`
	Name        string        `db:"name"`
	Description string        `db:"description"`
	MaxAgents   int           `db:"max_agents"`
	CreatedAt   int64         `db:"created_at"`
	KilledAt    sql.NullInt64 `db:"killed_at"`
}

func (r *swarmRow) toSwarm() *v1.Swarm {
	return &v1.Swarm{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		MaxAgents:   r.MaxAgents,
		CreatedAt:   r.CreatedAt,
		KilledAt:    millisOrZero(r.KilledAt),
	}
}

// Create inserts a new swarm. The id is caller-chosen and must be unique.
func (s *SwarmStore) Create(ctx context.Context, sw *v1.Swarm) error {
	if sw.CreatedAt == 0 {
		sw.CreatedAt = nowMillis()
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO swarms (id, name, description, max_agents, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sw.ID, sw.Name, sw.Description, sw.MaxAgents, sw.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("swarm already exists: %s", sw.ID)
		}
		return fmt.Errorf("insert swarm: %w", err)
	}
	return nil
}

// Get returns a swarm by id, killed or not.
func (s *SwarmStore) Get(ctx context.Context, id string) (*v1.Swarm, error) {
	var row swarmRow
	err := s.pool.Reader().GetContext(ctx, &row, `
		SELECT id, name, description, max_agents, created_at, killed_at
		FROM swarms WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err, "swarm", id)
	}
	return row.toSwarm(), nil
}

// List returns swarms, optionally only the live ones.
func (s *SwarmStore) List(ctx context.Context, activeOnly bool) ([]*v1.Swarm, error) {
	query := `SELECT id, name, description, max_agents, created_at, killed_at FROM swarms`
	if activeOnly {
		query += ` WHERE killed_at IS NULL`
	}
	query += ` ORDER BY created_at ASC`

	var rows []swarmRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list swarms: %w", err)
	}
	swarms := make([]*v1.Swarm, len(rows))
	for i := range rows {
		swarms[i] = rows[i].toSwarm()
	}
	return swarms, nil
}

// Kill marks the swarm dead. Killing an already-dead swarm is an error.
func (s *SwarmStore) Kill(ctx context.Context, id string) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE swarms SET killed_at = ? WHERE id = ? AND killed_at IS NULL`, nowMillis(), id)
	if err != nil {
		return fmt.Errorf("kill swarm: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return apperr.WrongState("swarm already killed: %s", id)
	}
	return nil
}
