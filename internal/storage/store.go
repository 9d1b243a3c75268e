package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/swarmd/swarmd/internal/common/apperr"
)

// Store aggregates the per-entity stores over one shared connection pool.
type Store struct {
	pool *Pool

	Workers     *WorkerStore
	Swarms      *SwarmStore
	Blackboard  *BlackboardStore
	Checkpoints *CheckpointStore
	Spawns      *SpawnStore
	Workflows   *WorkflowStore
	Triggers    *TriggerStore
}

// Open opens the database at dbPath and initializes the schema.
func Open(dbPath string) (*Store, error) {
	writer, err := OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	reader, err := OpenSQLiteReader(dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return NewWithPool(NewPool(writer, reader))
}

// NewWithPool creates a Store over an existing pool (shared ownership for tests).
func NewWithPool(pool *Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	s.Workers = &WorkerStore{pool: pool}
	s.Swarms = &SwarmStore{pool: pool}
	s.Blackboard = &BlackboardStore{pool: pool}
	s.Checkpoints = &CheckpointStore{pool: pool}
	s.Spawns = &SpawnStore{pool: pool}
	s.Workflows = &WorkflowStore{pool: pool}
	s.Triggers = &TriggerStore{pool: pool}
	return s, nil
}

// Pool exposes the underlying connection pool.
func (s *Store) Pool() *Pool { return s.pool }

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// nowMillis is the storage timestamp resolution (millisecond epoch).
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// isUniqueViolation reports whether err is a SQLite unique constraint failure.
func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// notFound converts sql.ErrNoRows into the tagged not-found error.
func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("%s not found: %s", what, id)
	}
	return err
}

// inTx runs fn inside a write transaction with rollback on error.
func inTx(db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// sqlxIn expands an IN (?) clause for a string slice.
func sqlxIn(query string, ids []string) (string, []any, error) {
	q, args, err := sqlx.In(query, ids)
	if err != nil {
		return "", nil, fmt.Errorf("expand IN clause: %w", err)
	}
	return q, args, nil
}

// millisOrZero maps a NULL timestamp back to zero.
func millisOrZero(v sql.NullInt64) int64 {
	if !v.Valid {
		return 0
	}
	return v.Int64
}
