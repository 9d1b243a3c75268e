// Package supervisor manages the fleet of subprocess workers: spawning,
// monitoring, restarting, and dismissing them, and capturing their output.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swarmd/swarmd/internal/common/appctx"
	"github.com/swarmd/swarmd/internal/common/apperr"
	"github.com/swarmd/swarmd/internal/common/config"
	"github.com/swarmd/swarmd/internal/common/logger"
	"github.com/swarmd/swarmd/internal/events/bus"
	"github.com/swarmd/swarmd/internal/storage"
	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

// SpawnRequest carries everything needed to launch a worker.
type SpawnRequest struct {
	Handle        string       `json:"handle"`
	TeamName      string       `json:"team_name,omitempty"`
	SwarmID       string       `json:"swarm_id,omitempty"`
	WorkingDir    string       `json:"working_dir,omitempty"`
	InitialPrompt string       `json:"initial_prompt,omitempty"`
	Model         string       `json:"model,omitempty"`
	SpawnMode     v1.SpawnMode `json:"spawn_mode,omitempty"`
	DepthLevel    int          `json:"depth_level,omitempty"`

	// Command overrides the configured default child program.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// Manager owns the live worker set. All worker mutations go through it; other
// components see snapshots.
type Manager struct {
	cfg     config.SupervisorConfig
	logger  *logger.Logger
	store   *storage.Store
	bus     bus.EventBus
	routing *RoutingClient

	mu      sync.RWMutex
	workers map[string]*worker // keyed by handle

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a worker supervisor.
func NewManager(cfg config.SupervisorConfig, store *storage.Store, eventBus bus.EventBus, log *logger.Logger) *Manager {
	m := &Manager{
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "supervisor")),
		store:   store,
		bus:     eventBus,
		workers: make(map[string]*worker),
		stopCh:  make(chan struct{}),
	}
	if cfg.RoutingURL != "" {
		m.routing = NewRoutingClient(cfg.RoutingURL, log)
	}
	return m
}

// Spawn launches a new worker. The handle must be free among active workers.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*v1.Worker, error) {
	if !v1.ValidHandle(req.Handle) {
		return nil, apperr.Validation("invalid handle: %q", req.Handle)
	}
	if req.TeamName != "" && !v1.ValidHandle(req.TeamName) {
		return nil, apperr.Validation("invalid team name: %q", req.TeamName)
	}
	if req.SpawnMode == "" {
		req.SpawnMode = v1.SpawnModeProcess
	}
	if req.SpawnMode == v1.SpawnModeExternal {
		return m.RegisterExternal(ctx, req)
	}
	if m.cfg.MaxSpawnDepth > 0 && req.DepthLevel > m.cfg.MaxSpawnDepth {
		return nil, apperr.Limit("spawn depth %d exceeds maximum %d", req.DepthLevel, m.cfg.MaxSpawnDepth)
	}
	command := req.Command
	if command == "" {
		command = m.cfg.DefaultCommand
	}
	if command == "" {
		return nil, apperr.Validation("no child command configured")
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
		State:      v1.WorkerStateStarting,
		Health:     v1.WorkerHealthUnknown,
		SpawnMode:  req.SpawnMode,
		WorkingDir: req.WorkingDir,
	}
	if err := m.store.Workers.Create(ctx, rec); err != nil {
		return nil, err
	}

	w := &worker{
		rec:    rec,
		buffer: NewOutputBuffer(m.cfg.OutputBufferLines),
		spec: runnerSpec{
			Mode:       req.SpawnMode,
			Command:    command,
			Args:       req.Args,
			WorkingDir: req.WorkingDir,
			Env:        childEnv(req),
			Handle:     req.Handle,
		},
	}
	w.lastSeen.Store(time.Now().UnixMilli())
	m.workers[req.Handle] = w

	run, err := startRunner(w.spec, w.buffer, m.logger, m.onLine(req.Handle), m.onExit(req.Handle))
	if err != nil {
		delete(m.workers, req.Handle)
		if dErr := m.store.Workers.Dismiss(context.Background(), rec.ID); dErr != nil {
			m.logger.WithError(dErr).Warn("cleanup of failed spawn", zap.String("handle", req.Handle))
		}
		return nil, apperr.Wrap(apperr.KindDependency, err, "spawn worker %s", req.Handle)
	}
	w.setRunner(run)

	w.buffer.Add(v1.OutputLine{
		Timestamp: time.Now().UnixMilli(),
		Stream:    "stdout",
		Content:   fmt.Sprintf("worker %s spawned (%s)", req.Handle, req.SpawnMode),
	})

	// Tmux sessions have no streamed output to flip on; consider them ready.
	if req.SpawnMode == v1.SpawnModeTmux {
		m.setState(w, v1.WorkerStateReady)
	}

	m.publish(ctx, bus.TagWorkerSpawned, map[string]any{
		"worker_id":  rec.ID,
		"handle":     rec.Handle,
		"swarm_id":   rec.SwarmID,
		"spawn_mode": string(rec.SpawnMode),
	})
	m.logger.Info("worker spawned",
		zap.String("handle", req.Handle),
		zap.String("mode", string(req.SpawnMode)),
		zap.Int("depth", req.DepthLevel))

	if req.InitialPrompt != "" {
		if err := run.Send(req.InitialPrompt, m.sendTimeout()); err != nil {
			m.logger.WithError(err).Warn("initial prompt delivery failed", zap.String("handle", req.Handle))
		}
	}

	return w.snapshot(), nil
}

// Dismiss stops a worker's child and frees its handle.
func (m *Manager) Dismiss(ctx context.Context, handle string) error {
	m.mu.Lock()
	w, ok := m.workers[handle]
	if !ok {
		m.mu.Unlock()
		return apperr.NotFound("worker not found: %s", handle)
	}
	w.dismissing.Store(true)
	delete(m.workers, handle)
	m.mu.Unlock()

	if !w.state().Terminal() {
		m.setState(w, v1.WorkerStateStopping)
	}

	if run := w.runner(); run != nil {
		grace := time.Duration(m.cfg.GracefulDeadline) * time.Second
		// Detached from the request: the graceful stop must finish even when
		// the caller goes away.
		stopCtx, cancel := appctx.Detached(m.stopCh, grace+5*time.Second)
		defer cancel()
		if err := run.Stop(stopCtx, grace); err != nil {
			m.logger.WithError(err).Warn("worker stop", zap.String("handle", handle))
		}
	}

	rec := w.snapshot()
	if err := m.store.Workers.Dismiss(ctx, rec.ID); err != nil {
		return err
	}
	w.mu.Lock()
	w.rec.State = v1.WorkerStateStopped
	w.mu.Unlock()

	m.publish(ctx, bus.TagWorkerDismissed, map[string]any{
		"worker_id": rec.ID,
		"handle":    handle,
		"swarm_id":  rec.SwarmID,
	})
	m.logger.Info("worker dismissed", zap.String("handle", handle))
	return nil
}

// Send writes a message to the worker's input stream. It returns false when
// the handle is unknown; I/O errors propagate.
func (m *Manager) Send(ctx context.Context, handle, message string) (bool, error) {
	m.mu.RLock()
	w, ok := m.workers[handle]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	run := w.runner()
	if run == nil {
		return true, apperr.WrongState("external worker %s has no input stream", handle)
	}
	if err := run.Send(message, m.sendTimeout()); err != nil {
		return true, apperr.Wrap(apperr.KindDependency, err, "send to worker %s", handle)
	}
	return true, nil
}

// Workers returns the active worker records.
func (m *Manager) Workers(ctx context.Context) ([]*v1.Worker, error) {
	return m.store.Workers.List(ctx)
}

// WorkerByHandle returns one active worker record.
func (m *Manager) WorkerByHandle(ctx context.Context, handle string) (*v1.Worker, error) {
	return m.store.Workers.GetByHandle(ctx, handle)
}

// Output returns the last n captured output lines (all when n <= 0).
func (m *Manager) Output(handle string, n int) ([]v1.OutputLine, error) {
	m.mu.RLock()
	w, ok := m.workers[handle]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("worker not found: %s", handle)
	}
	if n <= 0 {
		return w.buffer.GetAll(), nil
	}
	return w.buffer.GetLast(n), nil
}

// Tail subscribes to a worker's live output. The caller must Untail when done.
func (m *Manager) Tail(handle string) (Subscriber, error) {
	m.mu.RLock()
	w, ok := m.workers[handle]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("worker not found: %s", handle)
	}
	return w.buffer.Subscribe(), nil
}

// Untail removes a live output subscription.
func (m *Manager) Untail(handle string, sub Subscriber) {
	m.mu.RLock()
	w, ok := m.workers[handle]
	m.mu.RUnlock()
	if ok {
		w.buffer.Unsubscribe(sub)
	}
}

// AssignTask moves a ready worker to working on the given task.
func (m *Manager) AssignTask(ctx context.Context, handle, taskID string) error {
	m.mu.RLock()
	w, ok := m.workers[handle]
	m.mu.RUnlock()
	if !ok {
		return apperr.NotFound("worker not found: %s", handle)
	}
	if s := w.state(); s != v1.WorkerStateReady {
		return apperr.WrongState("worker %s is %s, not ready", handle, s)
	}
	if err := m.store.Workers.SetCurrentTask(ctx, w.snapshot().ID, taskID); err != nil {
		return err
	}
	w.mu.Lock()
	w.rec.CurrentTaskID = taskID
	w.mu.Unlock()
	m.setState(w, v1.WorkerStateWorking)
	return nil
}

// ClearTask returns a working worker to ready.
func (m *Manager) ClearTask(ctx context.Context, handle string) error {
	m.mu.RLock()
	w, ok := m.workers[handle]
	m.mu.RUnlock()
	if !ok {
		return apperr.NotFound("worker not found: %s", handle)
	}
	if s := w.state(); s != v1.WorkerStateWorking {
		return apperr.WrongState("worker %s is %s, not working", handle, s)
	}
	if err := m.store.Workers.SetCurrentTask(ctx, w.snapshot().ID, ""); err != nil {
		return err
	}
	w.mu.Lock()
	w.rec.CurrentTaskID = ""
	w.mu.Unlock()
	m.setState(w, v1.WorkerStateReady)
	return nil
}

// RoutingRecommendation asks the external classifier for a task-routing hint.
// A nil recommendation means the classifier is unavailable; callers fall back
// to defaults.
func (m *Manager) RoutingRecommendation(ctx context.Context, taskDraft string) *v1.RoutingRecommendation {
	if m.routing == nil {
		return nil
	}
	rec, err := m.routing.Recommend(ctx, taskDraft)
	if err != nil {
		m.logger.WithError(err).Warn("routing classifier unavailable")
		return nil
	}
	return rec
}

// Run drives the health ticker until ctx is cancelled, then shuts all
// workers down.
func (m *Manager) Run(ctx context.Context) error {
	interval := time.Duration(m.cfg.HeartbeatInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Shutdown()
			return ctx.Err()
		case <-ticker.C:
			m.HealthTick(context.Background())
		}
	}
}

// HealthTick sweeps every worker: flags the silent ones unhealthy, recovers
// the talkative ones, and reaps orphans whose child vanished without an exit
// notification.
func (m *Manager) HealthTick(ctx context.Context) {
	m.mu.RLock()
	snapshot := make(map[string]*worker, len(m.workers))
	for h, w := range m.workers {
		snapshot[h] = w
	}
	m.mu.RUnlock()

	deadline := time.Duration(m.cfg.HeartbeatDeadline) * time.Second
	now := time.Now()

	for handle, w := range snapshot {
		if w.dismissing.Load() {
			continue
		}
		if run := w.runner(); run != nil && !run.Alive() && !w.state().Terminal() {
			m.handleExit(handle, run.ExitCode())
			continue
		}

		silent := now.Sub(time.UnixMilli(w.lastSeen.Load())) > deadline
		switch {
		case silent && w.health() != v1.WorkerHealthUnhealthy:
			m.setHealth(ctx, w, v1.WorkerHealthUnhealthy)
			m.logger.Warn("worker missed heartbeat deadline", zap.String("handle", handle))
		case !silent && w.health() != v1.WorkerHealthHealthy:
			m.setHealth(ctx, w, v1.WorkerHealthHealthy)
		}
	}
}

// Shutdown stops every child process, observing the graceful deadline.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	workers := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		w.dismissing.Store(true)
		workers = append(workers, w)
	}
	m.workers = make(map[string]*worker)
	m.mu.Unlock()

	grace := time.Duration(m.cfg.GracefulDeadline) * time.Second
	var wg sync.WaitGroup
	for _, w := range workers {
		run := w.runner()
		if run == nil {
			continue
		}
		wg.Add(1)
		go func(run *runner) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), grace+5*time.Second)
			defer cancel()
			_ = run.Stop(ctx, grace)
		}(run)
	}
	wg.Wait()
	m.logger.Info("all workers stopped", zap.Int("count", len(workers)))
}

// handleExit reacts to an unexpected child exit: restart within budget, or
// leave the worker stopped for the operator.
func (m *Manager) handleExit(handle string, exitCode int) {
	m.mu.RLock()
	w, ok := m.workers[handle]
	m.mu.RUnlock()
	if !ok || w.dismissing.Load() {
		return
	}

	ctx := context.Background()
	m.logger.Warn("worker child exited unexpectedly",
		zap.String("handle", handle), zap.Int("exit_code", exitCode))

	// The worker stays registered when it runs out of restarts so the
	// operator can still dismiss it.
	if !w.restartAllowed(m.cfg.MaxRestartsPerHour, time.Now()) {
		m.logger.Error("restart budget exhausted, leaving worker stopped",
			zap.String("handle", handle))
		m.setState(w, v1.WorkerStateStopped)
		return
	}

	rec := w.snapshot()
	count, err := m.store.Workers.IncrementRestartCount(ctx, rec.ID)
	if err != nil {
		m.logger.WithError(err).Error("restart bookkeeping", zap.String("handle", handle))
		return
	}
	w.mu.Lock()
	w.rec.RestartCount = count
	w.mu.Unlock()

	m.setState(w, v1.WorkerStateStarting)
	run, err := startRunner(w.spec, w.buffer, m.logger, m.onLine(handle), m.onExit(handle))
	if err != nil {
		m.logger.WithError(err).Error("worker restart failed", zap.String("handle", handle))
		m.setState(w, v1.WorkerStateStopped)
		return
	}
	w.setRunner(run)
	w.lastSeen.Store(time.Now().UnixMilli())

	m.publish(ctx, bus.TagWorkerRestarted, map[string]any{
		"worker_id":     rec.ID,
		"handle":        handle,
		"restart_count": count,
	})
	m.logger.Info("worker restarted", zap.String("handle", handle), zap.Int("restart_count", count))
}

// onLine returns the per-worker output callback.
func (m *Manager) onLine(handle string) func(v1.OutputLine) {
	return func(line v1.OutputLine) {
		m.mu.RLock()
		w, ok := m.workers[handle]
		m.mu.RUnlock()
		if !ok {
			return
		}
		w.lastSeen.Store(line.Timestamp)

		// First output from a starting child marks it ready.
		if w.state() == v1.WorkerStateStarting {
			m.setState(w, v1.WorkerStateReady)
		}

		m.publish(context.Background(), bus.TagWorkerOutput, map[string]any{
			"handle":    handle,
			"stream":    line.Stream,
			"content":   line.Content,
			"timestamp": line.Timestamp,
		})
	}
}

// onExit returns the per-worker exit callback.
func (m *Manager) onExit(handle string) func(int, error) {
	return func(exitCode int, _ error) {
		m.handleExit(handle, exitCode)
	}
}

// setState persists and publishes a lifecycle state change.
func (m *Manager) setState(w *worker, state v1.WorkerState) {
	w.mu.Lock()
	if w.rec.State == state {
		w.mu.Unlock()
		return
	}
	w.rec.State = state
	id, handle := w.rec.ID, w.rec.Handle
	w.mu.Unlock()

	ctx := context.Background()
	if err := m.store.Workers.UpdateState(ctx, id, state); err != nil {
		m.logger.WithError(err).Warn("persist worker state", zap.String("handle", handle))
	}
	m.publish(ctx, bus.TagWorkerStateChanged, map[string]any{
		"worker_id": id,
		"handle":    handle,
		"state":     string(state),
	})
}

func (m *Manager) setHealth(ctx context.Context, w *worker, health v1.WorkerHealth) {
	w.mu.Lock()
	w.rec.Health = health
	id, handle := w.rec.ID, w.rec.Handle
	w.mu.Unlock()

	if err := m.store.Workers.UpdateHealth(ctx, id, health); err != nil {
		m.logger.WithError(err).Warn("persist worker health", zap.String("handle", handle))
	}
}

// checkSwarmCapacity verifies the swarm is live and below its member cap.
// Caller holds m.mu.
func (m *Manager) checkSwarmCapacity(ctx context.Context, swarmID string) error {
	if swarmID == "" {
		return nil
	}
	sw, err := m.store.Swarms.Get(ctx, swarmID)
	if err != nil {
		return err
	}
	if sw.KilledAt != 0 {
		return apperr.WrongState("swarm already killed: %s", swarmID)
	}
	if sw.MaxAgents > 0 {
		members, err := m.store.Workers.ListBySwarm(ctx, swarmID)
		if err != nil {
			return err
		}
		if len(members) >= sw.MaxAgents {
			return apperr.Limit("swarm %s is full: %d agents", swarmID, sw.MaxAgents)
		}
	}
	return nil
}

func (m *Manager) publish(ctx context.Context, tag bus.Tag, data map[string]any) {
	if err := m.bus.Publish(ctx, bus.NewEvent(tag, data)); err != nil {
		m.logger.WithError(err).Warn("event publish", zap.String("tag", string(tag)))
	}
}

func (m *Manager) sendTimeout() time.Duration {
	return time.Duration(m.cfg.SendTimeout) * time.Second
}

// childEnv builds the child's environment: the server's own, plus the worker
// identity variables the child programs expect.
func childEnv(req SpawnRequest) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env,
		"SWARMD_WORKER_HANDLE="+req.Handle,
		fmt.Sprintf("SWARMD_WORKER_DEPTH=%d", req.DepthLevel),
	)
	if req.SwarmID != "" {
		env = append(env, "SWARMD_SWARM_ID="+req.SwarmID)
	}
	if req.Model != "" {
		env = append(env, "SWARMD_WORKER_MODEL="+req.Model)
	}
	return env
}
