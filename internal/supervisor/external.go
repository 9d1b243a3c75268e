package supervisor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/swarmd/swarmd/internal/common/apperr"
	"github.com/swarmd/swarmd/internal/events/bus"
	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

// RegisterExternal records a worker the server does not run as a child
// process. Its output arrives through InjectOutput and its liveness through
// Heartbeat.
func (m *Manager) RegisterExternal(ctx context.Context, req SpawnRequest) (*v1.Worker, error) {
	if !v1.ValidHandle(req.Handle) {
		return nil, apperr.Validation("invalid handle: %q", req.Handle)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workers[req.Handle]; exists {
		return nil, apperr.Conflict("handle already in use: %s", req.Handle)
	}
	if len(m.workers) >= m.cfg.MaxWorkers {
		return nil, apperr.Limit("worker limit reached: %d", m.cfg.MaxWorkers)
	}
	if err := m.checkSwarmCapacity(ctx, req.SwarmID); err != nil {
		return nil, err
	}

	rec := &v1.Worker{
		Handle:     req.Handle,
		TeamName:   req.TeamName,
		SwarmID:    req.SwarmID,
		DepthLevel: req.DepthLevel,
		State:      v1.WorkerStateReady,
		Health:     v1.WorkerHealthHealthy,
		SpawnMode:  v1.SpawnModeExternal,
		WorkingDir: req.WorkingDir,
	}
	if err := m.store.Workers.Create(ctx, rec); err != nil {
		return nil, err
	}

	w := &worker{
		rec:    rec,
		buffer: NewOutputBuffer(m.cfg.OutputBufferLines),
	}
	w.lastSeen.Store(time.Now().UnixMilli())
	m.workers[req.Handle] = w

	m.publish(ctx, bus.TagWorkerSpawned, map[string]any{
		"worker_id":  rec.ID,
		"handle":     rec.Handle,
		"swarm_id":   rec.SwarmID,
		"spawn_mode": string(v1.SpawnModeExternal),
	})
	m.logger.Info("external worker registered", zap.String("handle", req.Handle))
	return w.snapshot(), nil
}

// InjectOutput routes output from an external worker as if it were captured
// from a local child.
func (m *Manager) InjectOutput(ctx context.Context, handle string, lines []v1.OutputLine) error {
	m.mu.RLock()
	w, ok := m.workers[handle]
	m.mu.RUnlock()
	if !ok {
		return apperr.NotFound("worker not found: %s", handle)
	}
	if w.runner() != nil {
		return apperr.WrongState("worker %s is child-managed", handle)
	}

	for _, line := range lines {
		if line.Timestamp == 0 {
			line.Timestamp = time.Now().UnixMilli()
		}
		if line.Stream == "" {
			line.Stream = "stdout"
		}
		w.buffer.Add(line)
		w.lastSeen.Store(line.Timestamp)
		m.publish(ctx, bus.TagWorkerOutput, map[string]any{
			"handle":    handle,
			"stream":    line.Stream,
			"content":   line.Content,
			"timestamp": line.Timestamp,
		})
	}
	return nil
}

// Heartbeat records liveness for an external worker.
func (m *Manager) Heartbeat(ctx context.Context, handle string) error {
	m.mu.RLock()
	w, ok := m.workers[handle]
	m.mu.RUnlock()
	if !ok {
		return apperr.NotFound("worker not found: %s", handle)
	}
	w.lastSeen.Store(time.Now().UnixMilli())
	if w.health() != v1.WorkerHealthHealthy {
		m.setHealth(ctx, w, v1.WorkerHealthHealthy)
	}
	return nil
}
