// Package swarm manages swarms, their shared blackboards, and session
// handoff checkpoints.
package swarm

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/swarmd/swarmd/internal/common/apperr"
	"github.com/swarmd/swarmd/internal/common/logger"
	"github.com/swarmd/swarmd/internal/events/bus"
	"github.com/swarmd/swarmd/internal/storage"
	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

// Dismisser releases workers when their swarm is killed. The worker
// supervisor satisfies this.
type Dismisser interface {
	Dismiss(ctx context.Context, handle string) error
}

// Service owns swarm lifecycle, blackboard messaging, and checkpoints.
type Service struct {
	logger  *logger.Logger
	store   *storage.Store
	bus     bus.EventBus
	workers Dismisser // optional; nil skips member dismissal
}

// NewService creates the swarm service.
func NewService(store *storage.Store, eventBus bus.EventBus, workers Dismisser, log *logger.Logger) *Service {
	return &Service{
		logger:  log.WithFields(zap.String("component", "swarm")),
		store:   store,
		bus:     eventBus,
		workers: workers,
	}
}

// CreateSwarm registers a new swarm. An empty id gets a generated one.
func (s *Service) CreateSwarm(ctx context.Context, sw *v1.Swarm) error {
	if sw.ID == "" {
		sw.ID = uuid.New().String()
	}
	if !v1.ValidSwarmID(sw.ID) {
		return apperr.Validation("invalid swarm id: %q", sw.ID)
	}
	if sw.Name == "" {
		return apperr.Validation("swarm name is required")
	}
	if sw.MaxAgents < 0 {
		return apperr.Validation("max agents must not be negative")
	}

	if err := s.store.Swarms.Create(ctx, sw); err != nil {
		return err
	}

	s.publish(ctx, bus.TagSwarmCreated, map[string]any{
		"swarm_id": sw.ID,
		"name":     sw.Name,
	})
	s.logger.Info("swarm created", zap.String("swarm_id", sw.ID))
	return nil
}

// GetSwarm returns one swarm, killed or not.
func (s *Service) GetSwarm(ctx context.Context, id string) (*v1.Swarm, error) {
	return s.store.Swarms.Get(ctx, id)
}

// ListSwarms returns swarms, optionally only the live ones.
func (s *Service) ListSwarms(ctx context.Context, activeOnly bool) ([]*v1.Swarm, error) {
	return s.store.Swarms.List(ctx, activeOnly)
}

// KillSwarm marks the swarm dead and dismisses its members.
func (s *Service) KillSwarm(ctx context.Context, id string) error {
	members, err := s.store.Workers.ListBySwarm(ctx, id)
	if err != nil {
		return err
	}

	if err := s.store.Swarms.Kill(ctx, id); err != nil {
		return err
	}

	if s.workers != nil {
		for _, w := range members {
			if err := s.workers.Dismiss(ctx, w.Handle); err != nil {
				s.logger.WithError(err).Warn("dismiss swarm member",
					zap.String("swarm_id", id), zap.String("handle", w.Handle))
			}
		}
	}

	s.publish(ctx, bus.TagSwarmKilled, map[string]any{
		"swarm_id":  id,
		"dismissed": len(members),
	})
	s.logger.Info("swarm killed", zap.String("swarm_id", id), zap.Int("members", len(members)))
	return nil
}

// PostMessage appends a message to a live swarm's blackboard.
func (s *Service) PostMessage(ctx context.Context, msg *v1.BlackboardMessage) error {
	if !v1.ValidSwarmID(msg.SwarmID) {
		return apperr.Validation("invalid swarm id: %q", msg.SwarmID)
	}
	if !v1.ValidHandle(msg.SenderHandle) {
		return apperr.Validation("invalid sender handle: %q", msg.SenderHandle)
	}
	if msg.TargetHandle != "" && !v1.ValidHandle(msg.TargetHandle) {
		return apperr.Validation("invalid target handle: %q", msg.TargetHandle)
	}
	if !validMessageType(msg.MessageType) {
		return apperr.Validation("invalid message type: %q", msg.MessageType)
	}
	if msg.Priority == "" {
		msg.Priority = v1.PriorityNormal
	}
	if !v1.ValidPriority(msg.Priority) {
		return apperr.Validation("invalid priority: %q", msg.Priority)
	}

	sw, err := s.store.Swarms.Get(ctx, msg.SwarmID)
	if err != nil {
		return err
	}
	if sw.KilledAt != 0 {
		return apperr.WrongState("swarm already killed: %s", msg.SwarmID)
	}

	if err := s.store.Blackboard.Post(ctx, msg); err != nil {
		return err
	}

	s.publish(ctx, bus.TagBlackboardPosted, map[string]any{
		"message_id":   msg.ID,
		"swarm_id":     msg.SwarmID,
		"sender":       msg.SenderHandle,
		"target":       msg.TargetHandle,
		"message_type": string(msg.MessageType),
		"priority":     string(msg.Priority),
	})
	return nil
}

// Messages reads a swarm's board with the given filters.
func (s *Service) Messages(ctx context.Context, q storage.BlackboardQuery) ([]*v1.BlackboardMessage, error) {
	if !v1.ValidSwarmID(q.SwarmID) {
		return nil, apperr.Validation("invalid swarm id: %q", q.SwarmID)
	}
	return s.store.Blackboard.List(ctx, q)
}

// MarkRead records that a handle has read the given messages. Unknown ids
// are skipped; the count of messages actually marked is returned.
func (s *Service) MarkRead(ctx context.Context, messageIDs []string, handle string) (int, error) {
	if !v1.ValidHandle(handle) {
		return 0, apperr.Validation("invalid reader handle: %q", handle)
	}

	marked := 0
	for _, id := range messageIDs {
		if err := s.store.Blackboard.MarkRead(ctx, id, handle); err != nil {
			if apperr.Is(err, apperr.KindNotFound) {
				continue
			}
			return marked, err
		}
		marked++
	}
	return marked, nil
}

// Archive hides the given messages from default reads.
func (s *Service) Archive(ctx context.Context, messageIDs []string) (int, error) {
	archived := 0
	var swarmID string
	for _, id := range messageIDs {
		msg, err := s.store.Blackboard.Get(ctx, id)
		if err != nil {
			if apperr.Is(err, apperr.KindNotFound) {
				continue
			}
			return archived, err
		}
		if err := s.store.Blackboard.Archive(ctx, id); err != nil {
			return archived, err
		}
		swarmID = msg.SwarmID
		archived++
	}

	if archived > 0 {
		s.publish(ctx, bus.TagBlackboardArchived, map[string]any{
			"swarm_id": swarmID,
			"count":    archived,
		})
	}
	return archived, nil
}

// ArchiveOld archives every message in a swarm older than maxAge.
func (s *Service) ArchiveOld(ctx context.Context, swarmID string, maxAge time.Duration) (int64, error) {
	if !v1.ValidSwarmID(swarmID) {
		return 0, apperr.Validation("invalid swarm id: %q", swarmID)
	}
	before := time.Now().Add(-maxAge).UnixMilli()
	n, err := s.store.Blackboard.ArchiveOlderThan(ctx, swarmID, before)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.publish(ctx, bus.TagBlackboardArchived, map[string]any{
			"swarm_id": swarmID,
			"count":    n,
		})
	}
	return n, nil
}

// CreateCheckpoint records a session handoff from one handle to another.
func (s *Service) CreateCheckpoint(ctx context.Context, cp *v1.Checkpoint) error {
	if !v1.ValidHandle(cp.FromHandle) {
		return apperr.Validation("invalid from handle: %q", cp.FromHandle)
	}
	if !v1.ValidHandle(cp.ToHandle) {
		return apperr.Validation("invalid to handle: %q", cp.ToHandle)
	}
	if cp.Goal == "" {
		return apperr.Validation("checkpoint goal is required")
	}
	if cp.Now == "" {
		return apperr.Validation("checkpoint now is required")
	}
	return s.store.Checkpoints.Create(ctx, cp)
}

// GetCheckpoint returns one checkpoint.
func (s *Service) GetCheckpoint(ctx context.Context, id string) (*v1.Checkpoint, error) {
	return s.store.Checkpoints.Get(ctx, id)
}

// PendingCheckpoints returns the unresolved checkpoints addressed to a handle.
func (s *Service) PendingCheckpoints(ctx context.Context, handle string) ([]*v1.Checkpoint, error) {
	if !v1.ValidHandle(handle) {
		return nil, apperr.Validation("invalid handle: %q", handle)
	}
	return s.store.Checkpoints.ListPendingFor(ctx, handle)
}

// ResolveCheckpoint accepts or rejects a pending checkpoint, at most once.
func (s *Service) ResolveCheckpoint(ctx context.Context, id string, accept bool) error {
	status := v1.CheckpointStatusRejected
	if accept {
		status = v1.CheckpointStatusAccepted
	}
	return s.store.Checkpoints.Resolve(ctx, id, status)
}

func validMessageType(t v1.MessageType) bool {
	switch t {
	case v1.MessageTypeRequest, v1.MessageTypeResponse, v1.MessageTypeStatus,
		v1.MessageTypeDirective, v1.MessageTypeCheckpoint:
		return true
	}
	return false
}

func (s *Service) publish(ctx context.Context, tag bus.Tag, data map[string]any) {
	if err := s.bus.Publish(ctx, bus.NewEvent(tag, data)); err != nil {
		s.logger.WithError(err).Warn("event publish", zap.String("tag", string(tag)))
	}
}
