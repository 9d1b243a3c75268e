package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/swarmd/swarmd/internal/common/apperr"
	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

// BlackboardStore persists the per-swarm shared message log.
type BlackboardStore struct {
	pool *Pool
}

type blackboardRow struct {
	ID           string        `db:"id"`
	SwarmID      string        `db:"swarm_id"`
	SenderHandle string        `db:"sender_handle"`
	MessageType  string        `db:"message_type"`
	TargetHandle string        `db:"target_handle"`
	Priority     string        `db:"priority"`
	Payload      string        `db:"payload"`
	CreatedAt    int64         `db:"created_at"`
	ArchivedAt   sql.NullInt64 `db:"archived_at"`
}

func (r *blackboardRow) toMessage() *v1.BlackboardMessage {
	return &v1.BlackboardMessage{
		ID:           r.ID,
		SwarmID:      r.SwarmID,
		SenderHandle: r.SenderHandle,
		MessageType:  v1.MessageType(r.MessageType),
		TargetHandle: r.TargetHandle,
		Priority:     v1.Priority(r.Priority),
		Payload:      json.RawMessage(r.Payload),
		CreatedAt:    r.CreatedAt,
		ArchivedAt:   millisOrZero(r.ArchivedAt),
	}
}

const blackboardColumns = `id, swarm_id, sender_handle, message_type, target_handle,
	priority, payload, created_at, archived_at`

// BlackboardQuery narrows a blackboard listing.
type BlackboardQuery struct {
	SwarmID         string
	ForHandle       string // visibility: broadcasts plus messages sent to or by this handle
	MessageType     v1.MessageType
	Priority        v1.Priority
	Since           int64 // created_at > Since, millisecond epoch
	UnreadBy        string
	IncludeArchived bool
	Limit           int
}

// Post appends a message to the swarm's board.
func (s *BlackboardStore) Post(ctx context.Context, msg *v1.BlackboardMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = nowMillis()
	}
	payload := "{}"
	if len(msg.Payload) > 0 {
		payload = string(msg.Payload)
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO blackboard_messages (id, swarm_id, sender_handle, message_type,
			target_handle, priority, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SwarmID, msg.SenderHandle, string(msg.MessageType),
		msg.TargetHandle, string(msg.Priority), payload, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert blackboard message: %w", err)
	}
	return nil
}

// Get returns a single message with its read set.
func (s *BlackboardStore) Get(ctx context.Context, id string) (*v1.BlackboardMessage, error) {
	var row blackboardRow
	err := s.pool.Reader().GetContext(ctx, &row, `
		SELECT `+blackboardColumns+` FROM blackboard_messages WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err, "blackboard message", id)
	}
	msg := row.toMessage()
	readBy, err := s.readSet(ctx, id)
	if err != nil {
		return nil, err
	}
	msg.ReadBy = readBy
	return msg, nil
}

// List returns messages matching the query, oldest first, with read sets attached.
func (s *BlackboardStore) List(ctx context.Context, q BlackboardQuery) ([]*v1.BlackboardMessage, error) {
	conds := []string{"swarm_id = ?"}
	args := []any{q.SwarmID}

	if !q.IncludeArchived {
		conds = append(conds, "archived_at IS NULL")
	}
	if q.ForHandle != "" {
		conds = append(conds, "(target_handle = '' OR target_handle = ? OR sender_handle = ?)")
		args = append(args, q.ForHandle, q.ForHandle)
	}
	if q.MessageType != "" {
		conds = append(conds, "message_type = ?")
		args = append(args, string(q.MessageType))
	}
	if q.Priority != "" {
		conds = append(conds, "priority = ?")
		args = append(args, string(q.Priority))
	}
	if q.Since > 0 {
		conds = append(conds, "created_at > ?")
		args = append(args, q.Since)
	}
	if q.UnreadBy != "" {
		conds = append(conds, "id NOT IN (SELECT message_id FROM blackboard_reads WHERE handle = ?)")
		args = append(args, q.UnreadBy)
	}

	query := `SELECT ` + blackboardColumns + ` FROM blackboard_messages WHERE ` +
		strings.Join(conds, " AND ") + ` ORDER BY created_at ASC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	var rows []blackboardRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list blackboard messages: %w", err)
	}

	msgs := make([]*v1.BlackboardMessage, len(rows))
	ids := make([]string, len(rows))
	for i := range rows {
		msgs[i] = rows[i].toMessage()
		ids[i] = rows[i].ID
	}
	readSets, err := s.readSets(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		m.ReadBy = readSets[m.ID]
	}
	return msgs, nil
}

// MarkRead records that a handle has read a message. Repeated calls are no-ops.
func (s *BlackboardStore) MarkRead(ctx context.Context, messageID, handle string) error {
	var exists int
	err := s.pool.Reader().GetContext(ctx, &exists,
		`SELECT COUNT(*) FROM blackboard_messages WHERE id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("check blackboard message: %w", err)
	}
	if exists == 0 {
		return apperr.NotFound("blackboard message not found: %s", messageID)
	}
	_, err = s.pool.Writer().ExecContext(ctx, `
		INSERT OR IGNORE INTO blackboard_reads (message_id, handle, read_at)
		VALUES (?, ?, ?)`, messageID, handle, nowMillis())
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// Archive hides a single message from default listings.
func (s *BlackboardStore) Archive(ctx context.Context, messageID string) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE blackboard_messages SET archived_at = ? WHERE id = ? AND archived_at IS NULL`,
		nowMillis(), messageID)
	if err != nil {
		return fmt.Errorf("archive message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.pool.Reader().GetContext(ctx, &exists,
			`SELECT COUNT(*) FROM blackboard_messages WHERE id = ?`, messageID); err == nil && exists == 0 {
			return apperr.NotFound("blackboard message not found: %s", messageID)
		}
	}
	return nil
}

// ArchiveOlderThan archives all of a swarm's messages created before the cutoff.
// Returns the number of messages archived.
func (s *BlackboardStore) ArchiveOlderThan(ctx context.Context, swarmID string, before int64) (int64, error) {
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE blackboard_messages SET archived_at = ?
		WHERE swarm_id = ? AND created_at < ? AND archived_at IS NULL`,
		nowMillis(), swarmID, before)
	if err != nil {
		return 0, fmt.Errorf("archive messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *BlackboardStore) readSet(ctx context.Context, messageID string) ([]string, error) {
	var handles []string
	err := s.pool.Reader().SelectContext(ctx, &handles,
		`SELECT handle FROM blackboard_reads WHERE message_id = ? ORDER BY read_at ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("read set: %w", err)
	}
	return handles, nil
}

func (s *BlackboardStore) readSets(ctx context.Context, messageIDs []string) (map[string][]string, error) {
	result := make(map[string][]string, len(messageIDs))
	if len(messageIDs) == 0 {
		return result, nil
	}
	query, args, err := sqlxIn(
		`SELECT message_id, handle FROM blackboard_reads WHERE message_id IN (?) ORDER BY read_at ASC`,
		messageIDs)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Reader().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read sets: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		var id, handle string
		if err := rows.Scan(&id, &handle); err != nil {
			return nil, err
		}
		result[id] = append(result[id], handle)
	}
	return result, rows.Err()
}
