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

// TriggerStore persists workflow triggers and pending webhook deliveries.
type TriggerStore struct {
	pool *Pool
}

type triggerRow struct {
	ID             string        `db:"id"`
	WorkflowID     string        `db:"workflow_id"`
	TriggerType    string        `db:"trigger_type"`
	Config         string        `db:"config"`
	IsEnabled      int           `db:"is_enabled"`
	ConsecFailures int           `db:"consec_failures"`
	LastFiredAt    sql.NullInt64 `db:"last_fired_at"`
	CreatedAt      int64         `db:"created_at"`
}

func (r *triggerRow) toTrigger() *v1.Trigger {
	t := &v1.Trigger{
		ID:          r.ID,
		WorkflowID:  r.WorkflowID,
		TriggerType: v1.TriggerType(r.TriggerType),
		IsEnabled:   r.IsEnabled == 1,
		LastFiredAt: millisOrZero(r.LastFiredAt),
		CreatedAt:   r.CreatedAt,
	}
	if r.Config != "" {
		t.Config = json.RawMessage(r.Config)
	}
	return t
}

const triggerColumns = `id, workflow_id, trigger_type, config, is_enabled,
	consec_failures, last_fired_at, created_at`

// Create inserts a trigger.
func (s *TriggerStore) Create(ctx context.Context, t *v1.Trigger) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt == 0 {
		t.CreatedAt = nowMillis()
	}
	config := "{}"
	if len(t.Config) > 0 {
		config = string(t.Config)
	}
	enabled := 0
	if t.IsEnabled {
		enabled = 1
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO triggers (id, workflow_id, trigger_type, config, is_enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkflowID, string(t.TriggerType), config, enabled, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert trigger: %w", err)
	}
	return nil
}

// Get returns a trigger by id.
func (s *TriggerStore) Get(ctx context.Context, id string) (*v1.Trigger, error) {
	var row triggerRow
	err := s.pool.Reader().GetContext(ctx, &row,
		`SELECT `+triggerColumns+` FROM triggers WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err, "trigger", id)
	}
	return row.toTrigger(), nil
}

// List returns triggers, optionally only enabled ones.
func (s *TriggerStore) List(ctx context.Context, enabledOnly bool) ([]*v1.Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM triggers`
	if enabledOnly {
		query += ` WHERE is_enabled = 1`
	}
	query += ` ORDER BY created_at ASC`

	var rows []triggerRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	triggers := make([]*v1.Trigger, len(rows))
	for i := range rows {
		triggers[i] = rows[i].toTrigger()
	}
	return triggers, nil
}

// SetEnabled flips the enabled flag. Enabling resets the failure streak.
func (s *TriggerStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	val := 0
	if enabled {
		val = 1
	}
	query := `UPDATE triggers SET is_enabled = ? WHERE id = ?`
	if enabled {
		query = `UPDATE triggers SET is_enabled = ?, consec_failures = 0 WHERE id = ?`
	}
	res, err := s.pool.Writer().ExecContext(ctx, query, val, id)
	if err != nil {
		return fmt.Errorf("set trigger enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("trigger not found: %s", id)
	}
	return nil
}

// Delete removes a trigger and its pending deliveries.
func (s *TriggerStore) Delete(ctx context.Context, id string) error {
	res, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete trigger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("trigger not found: %s", id)
	}
	return nil
}

// MarkFired records a successful firing and resets the failure streak.
func (s *TriggerStore) MarkFired(ctx context.Context, id string, at int64) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE triggers SET last_fired_at = ?, consec_failures = 0 WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("mark trigger fired: %w", err)
	}
	return nil
}

// RecordFailure bumps the consecutive failure streak and returns the new count.
func (s *TriggerStore) RecordFailure(ctx context.Context, id string) (int, error) {
	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE triggers SET consec_failures = consec_failures + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("record trigger failure: %w", err)
	}
	var count int
	if err := s.pool.Writer().GetContext(ctx, &count,
		`SELECT consec_failures FROM triggers WHERE id = ?`, id); err != nil {
		return 0, notFound(err, "trigger", id)
	}
	return count, nil
}

type deliveryRow struct {
	ID         string        `db:"id"`
	TriggerID  string        `db:"trigger_id"`
	Payload    string        `db:"payload"`
	ReceivedAt int64         `db:"received_at"`
	ConsumedAt sql.NullInt64 `db:"consumed_at"`
}

func (r *deliveryRow) toDelivery() *v1.WebhookDelivery {
	d := &v1.WebhookDelivery{
		ID:         r.ID,
		TriggerID:  r.TriggerID,
		ReceivedAt: r.ReceivedAt,
		ConsumedAt: millisOrZero(r.ConsumedAt),
	}
	if r.Payload != "" {
		d.Payload = json.RawMessage(r.Payload)
	}
	return d
}

// InsertDelivery records an inbound webhook payload for later consumption.
func (s *TriggerStore) InsertDelivery(ctx context.Context, d *v1.WebhookDelivery) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.ReceivedAt == 0 {
		d.ReceivedAt = nowMillis()
	}
	payload := "{}"
	if len(d.Payload) > 0 {
		payload = string(d.Payload)
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, trigger_id, payload, received_at)
		VALUES (?, ?, ?, ?)`, d.ID, d.TriggerID, payload, d.ReceivedAt)
	if err != nil {
		return fmt.Errorf("insert webhook delivery: %w", err)
	}
	return nil
}

// PendingDeliveries returns unconsumed deliveries, oldest first.
func (s *TriggerStore) PendingDeliveries(ctx context.Context, limit int) ([]*v1.WebhookDelivery, error) {
	query := `
		SELECT id, trigger_id, payload, received_at, consumed_at FROM webhook_deliveries
		WHERE consumed_at IS NULL ORDER BY received_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	var rows []deliveryRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("pending deliveries: %w", err)
	}
	deliveries := make([]*v1.WebhookDelivery, len(rows))
	for i := range rows {
		deliveries[i] = rows[i].toDelivery()
	}
	return deliveries, nil
}

// MarkConsumed stamps a delivery as processed. Returns false when another
// consumer got there first.
func (s *TriggerStore) MarkConsumed(ctx context.Context, id string) (bool, error) {
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE webhook_deliveries SET consumed_at = ?
		WHERE id = ? AND consumed_at IS NULL`, nowMillis(), id)
	if err != nil {
		return false, fmt.Errorf("mark delivery consumed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteConsumedBefore prunes old consumed deliveries.
func (s *TriggerStore) DeleteConsumedBefore(ctx context.Context, before int64) (int64, error) {
	res, err := s.pool.Writer().ExecContext(ctx, `
		DELETE FROM webhook_deliveries WHERE consumed_at IS NOT NULL AND consumed_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
