// Package spawnqueue gates spawn requests through priority and dependency
// admission before they reach the worker supervisor.
package spawnqueue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/swarmd/swarmd/internal/common/apperr"
	"github.com/swarmd/swarmd/internal/common/config"
	"github.com/swarmd/swarmd/internal/common/logger"
	"github.com/swarmd/swarmd/internal/common/stringutil"
	"github.com/swarmd/swarmd/internal/events/bus"
	"github.com/swarmd/swarmd/internal/storage"
	"github.com/swarmd/swarmd/internal/supervisor"
	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

// tickBatchSize caps how many ready items one tick dispatches.
const tickBatchSize = 16

// Spawner launches admitted spawn requests. The worker supervisor satisfies
// this; tests substitute a fake.
type Spawner interface {
	Spawn(ctx context.Context, req supervisor.SpawnRequest) (*v1.Worker, error)
}

// Service is the spawn queue: enqueue with dependencies, approve or reject,
// and dispatch ready items to the spawner on a tick.
type Service struct {
	cfg     config.SpawnQueueConfig
	logger  *logger.Logger
	store   *storage.Store
	bus     bus.EventBus
	spawner Spawner

	kick chan struct{}
}

// NewService creates the spawn queue service.
func NewService(cfg config.SpawnQueueConfig, store *storage.Store, eventBus bus.EventBus, spawner Spawner, log *logger.Logger) *Service {
	return &Service{
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "spawnqueue")),
		store:   store,
		bus:     eventBus,
		spawner: spawner,
		kick:    make(chan struct{}, 1),
	}
}

// Enqueue validates and persists a spawn request.
func (s *Service) Enqueue(ctx context.Context, item *v1.SpawnQueueItem) error {
	if !v1.ValidHandle(item.RequesterHandle) {
		return apperr.Validation("invalid requester handle: %q", item.RequesterHandle)
	}
	if item.TargetAgentType == "" {
		return apperr.Validation("target agent type is required")
	}
	if item.Task == "" {
		return apperr.Validation("task is required")
	}
	if item.Priority == "" {
		item.Priority = v1.PriorityNormal
	}
	if !v1.ValidPriority(item.Priority) {
		return apperr.Validation("invalid priority: %q", item.Priority)
	}

	if err := s.store.Spawns.Enqueue(ctx, item); err != nil {
		return err
	}

	s.publish(ctx, bus.TagSpawnEnqueued, map[string]any{
		"id":        item.ID,
		"requester": item.RequesterHandle,
		"priority":  string(item.Priority),
		"blocked":   item.BlockedByCount > 0,
	})
	return nil
}

// Approve marks a pending item as admitted and prompts an immediate
// dispatch pass.
func (s *Service) Approve(ctx context.Context, id string) error {
	if err := s.store.Spawns.Approve(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, bus.TagSpawnApproved, map[string]any{"id": id})
	s.Kick()
	return nil
}

// Reject terminates a pending item and releases its dependents.
func (s *Service) Reject(ctx context.Context, id string) error {
	released, err := s.store.Spawns.Reject(ctx, id)
	if err != nil {
		return err
	}
	s.publish(ctx, bus.TagSpawnRejected, map[string]any{
		"id":       id,
		"released": released,
	})
	if len(released) > 0 {
		s.Kick()
	}
	return nil
}

// CancelByRequester bulk-rejects every pending item from one requester and
// returns how many were cancelled.
func (s *Service) CancelByRequester(ctx context.Context, handle string) (int, error) {
	pending, err := s.store.Spawns.List(ctx, v1.SpawnStatusPending, 0)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, item := range pending {
		if item.RequesterHandle != handle {
			continue
		}
		if err := s.Reject(ctx, item.ID); err != nil {
			// Already transitioned by a concurrent caller; skip it.
			if apperr.Is(err, apperr.KindWrongState) {
				continue
			}
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

// Get returns one queue item.
func (s *Service) Get(ctx context.Context, id string) (*v1.SpawnQueueItem, error) {
	return s.store.Spawns.Get(ctx, id)
}

// List returns queue items, optionally filtered by status.
func (s *Service) List(ctx context.Context, status v1.SpawnStatus, limit int) ([]*v1.SpawnQueueItem, error) {
	return s.store.Spawns.List(ctx, status, limit)
}

// Stats returns aggregate queue counts.
func (s *Service) Stats(ctx context.Context) (*v1.SpawnQueueStats, error) {
	return s.store.Spawns.Stats(ctx)
}

// Kick requests an immediate dispatch pass from the run loop.
func (s *Service) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run drives the dispatch tick until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.TickInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
			s.cleanup(ctx)
		case <-s.kick:
			s.Tick(ctx)
		}
	}
}

// Tick dispatches unblocked pending and approved items to the spawner in
// priority order. A worker-limit failure stops the pass; the items keep their
// status and are retried on the next tick.
func (s *Service) Tick(ctx context.Context) {
	ready, err := s.store.Spawns.NextReady(ctx, tickBatchSize)
	if err != nil {
		s.logger.WithError(err).Error("ready query failed")
		return
	}

	for _, item := range ready {
		worker, err := s.spawner.Spawn(ctx, spawnRequest(item))
		if err != nil {
			if apperr.Is(err, apperr.KindLimit) {
				s.logger.Debug("spawner at capacity, deferring queue", zap.String("id", item.ID))
				return
			}
			s.logger.WithError(err).Warn("spawn dispatch failed", zap.String("id", item.ID))
			continue
		}

		released, err := s.store.Spawns.MarkSpawned(ctx, item.ID, worker.ID)
		if err != nil {
			s.logger.WithError(err).Error("spawn bookkeeping failed", zap.String("id", item.ID))
			continue
		}

		s.publish(ctx, bus.TagSpawnFulfilled, map[string]any{
			"id":        item.ID,
			"worker_id": worker.ID,
			"handle":    worker.Handle,
			"released":  released,
		})
		s.logger.Info("spawn request fulfilled",
			zap.String("id", item.ID),
			zap.String("worker_id", worker.ID),
			zap.Int("released", len(released)))
	}
}

// cleanup purges terminal items past the configured age.
func (s *Service) cleanup(ctx context.Context) {
	if s.cfg.CleanupAge <= 0 {
		return
	}
	before := time.Now().Add(-time.Duration(s.cfg.CleanupAge) * time.Second).UnixMilli()
	n, err := s.store.Spawns.DeleteProcessedBefore(ctx, before)
	if err != nil {
		s.logger.WithError(err).Warn("queue cleanup failed")
		return
	}
	if n > 0 {
		s.logger.Debug("purged terminal queue items", zap.Int64("count", n))
	}
}

// spawnRequest maps a queue item onto a supervisor spawn request. The worker
// handle derives from the target agent type plus a short id suffix.
func spawnRequest(item *v1.SpawnQueueItem) supervisor.SpawnRequest {
	return supervisor.SpawnRequest{
		Handle:        fmt.Sprintf("%s-%s", item.TargetAgentType, stringutil.Truncate(item.ID, 8)),
		DepthLevel:    item.DepthLevel,
		InitialPrompt: item.Task,
	}
}

func (s *Service) publish(ctx context.Context, tag bus.Tag, data map[string]any) {
	if err := s.bus.Publish(ctx, bus.NewEvent(tag, data)); err != nil {
		s.logger.WithError(err).Warn("event publish", zap.String("tag", string(tag)))
	}
}
