package spawnqueue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/swarmd/swarmd/internal/common/apperr"
	"github.com/swarmd/swarmd/internal/common/config"
	"github.com/swarmd/swarmd/internal/common/logger"
	"github.com/swarmd/swarmd/internal/events/bus"
	"github.com/swarmd/swarmd/internal/storage"
	"github.com/swarmd/swarmd/internal/supervisor"
	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

// fakeSpawner records spawn requests and can simulate a capacity limit.
type fakeSpawner struct {
	mu       sync.Mutex
	requests []supervisor.SpawnRequest
	fail     error
}

func (f *fakeSpawner) Spawn(_ context.Context, req supervisor.SpawnRequest) (*v1.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.requests = append(f.requests, req)
	return &v1.Worker{ID: uuid.New().String(), Handle: req.Handle}, nil
}

func (f *fakeSpawner) spawned() []supervisor.SpawnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]supervisor.SpawnRequest{}, f.requests...)
}

func newTestService(t *testing.T) (*Service, *fakeSpawner, *storage.Store) {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	store, err := storage.Open(filepath.Join(t.TempDir(), "swarmd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	spawner := &fakeSpawner{}
	cfg := config.SpawnQueueConfig{TickInterval: 1, CleanupAge: 3600}
	return NewService(cfg, store, eventBus, spawner, log), spawner, store
}

func enqueue(t *testing.T, svc *Service, priority v1.Priority, deps ...string) *v1.SpawnQueueItem {
	t.Helper()
	item := &v1.SpawnQueueItem{
		RequesterHandle: "lead",
		TargetAgentType: "researcher",
		Priority:        priority,
		Task:            "investigate",
		DependsOn:       deps,
	}
	require.NoError(t, svc.Enqueue(context.Background(), item))
	return item
}

func TestService_EnqueueValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	err := svc.Enqueue(ctx, &v1.SpawnQueueItem{RequesterHandle: "bad handle!", TargetAgentType: "x", Task: "t"})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	err = svc.Enqueue(ctx, &v1.SpawnQueueItem{RequesterHandle: "lead", Task: "t"})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	err = svc.Enqueue(ctx, &v1.SpawnQueueItem{RequesterHandle: "lead", TargetAgentType: "x", Task: "t", Priority: "urgent"})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	// Priority defaults to normal.
	item := &v1.SpawnQueueItem{RequesterHandle: "lead", TargetAgentType: "x", Task: "t"}
	require.NoError(t, svc.Enqueue(ctx, item))
	require.Equal(t, v1.PriorityNormal, item.Priority)
}

func TestService_TickDispatchesReadyItems(t *testing.T) {
	svc, spawner, _ := newTestService(t)
	ctx := context.Background()

	normal := enqueue(t, svc, v1.PriorityNormal)
	critical := enqueue(t, svc, v1.PriorityCritical)
	blocked := enqueue(t, svc, v1.PriorityHigh, normal.ID)

	svc.Tick(ctx)

	// Critical first, then normal; the blocked item waits for its dependency.
	reqs := spawner.spawned()
	require.Len(t, reqs, 2)
	require.Contains(t, reqs[0].Handle, critical.ID[:8])
	require.Contains(t, reqs[1].Handle, normal.ID[:8])

	got, err := svc.Get(ctx, normal.ID)
	require.NoError(t, err)
	require.Equal(t, v1.SpawnStatusSpawned, got.Status)

	// Fulfilling the dependency released the blocked item; the next pass
	// dispatches it.
	svc.Tick(ctx)
	require.Len(t, spawner.spawned(), 3)

	got, err = svc.Get(ctx, blocked.ID)
	require.NoError(t, err)
	require.Equal(t, v1.SpawnStatusSpawned, got.Status)
}

func TestService_TickDefersOnWorkerLimit(t *testing.T) {
	svc, spawner, _ := newTestService(t)
	ctx := context.Background()

	item := enqueue(t, svc, v1.PriorityNormal)
	require.NoError(t, svc.Approve(ctx, item.ID))

	spawner.fail = apperr.Limit("worker limit reached: 4")
	svc.Tick(ctx)

	got, err := svc.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, v1.SpawnStatusApproved, got.Status)

	// Capacity freed up; the item dispatches on the next tick.
	spawner.fail = nil
	svc.Tick(ctx)

	got, err = svc.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, v1.SpawnStatusSpawned, got.Status)
}

func TestService_FulfilledEventCarriesReleasedIDs(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	var mu sync.Mutex
	var released []string
	_, err := svc.bus.Subscribe("spawn.fulfilled", func(_ context.Context, e *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		if ids, ok := e.Data["released"].([]string); ok {
			released = append(released, ids...)
		}
		return nil
	})
	require.NoError(t, err)

	dep := enqueue(t, svc, v1.PriorityNormal)
	blocked := enqueue(t, svc, v1.PriorityNormal, dep.ID)

	svc.Tick(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(released) == 1 && released[0] == blocked.ID
	}, 2*time.Second, 10*time.Millisecond)
}

func TestService_CancelByRequester(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	a := enqueue(t, svc, v1.PriorityNormal)
	b := enqueue(t, svc, v1.PriorityNormal)
	other := &v1.SpawnQueueItem{RequesterHandle: "someone-else", TargetAgentType: "x", Task: "t"}
	require.NoError(t, svc.Enqueue(ctx, other))

	cancelled, err := svc.CancelByRequester(ctx, "lead")
	require.NoError(t, err)
	require.Equal(t, 2, cancelled)

	for _, id := range []string{a.ID, b.ID} {
		got, err := svc.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, v1.SpawnStatusRejected, got.Status)
	}

	got, err := svc.Get(ctx, other.ID)
	require.NoError(t, err)
	require.Equal(t, v1.SpawnStatusPending, got.Status)
}

func TestService_Cleanup(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	item := enqueue(t, svc, v1.PriorityNormal)
	require.NoError(t, svc.Reject(ctx, item.ID))

	svc.cfg.CleanupAge = -1 // disabled
	svc.cleanup(ctx)
	_, err := svc.Get(ctx, item.ID)
	require.NoError(t, err)

	// Zero age: everything terminal is old enough.
	n, err := store.Spawns.DeleteProcessedBefore(ctx, int64(1)<<62)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
