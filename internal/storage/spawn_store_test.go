package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmd/swarmd/internal/common/apperr"
	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

func enqueueItem(t *testing.T, store *Store, priority v1.Priority, deps ...string) *v1.SpawnQueueItem {
	t.Helper()
	item := &v1.SpawnQueueItem{
		RequesterHandle: "lead",
		TargetAgentType: "researcher",
		Priority:        priority,
		Task:            "investigate",
		DependsOn:       deps,
	}
	require.NoError(t, store.Spawns.Enqueue(context.Background(), item))
	return item
}

func TestSpawnStore_PriorityOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	low := enqueueItem(t, store, v1.PriorityLow)
	normal := enqueueItem(t, store, v1.PriorityNormal)
	critical := enqueueItem(t, store, v1.PriorityCritical)
	high := enqueueItem(t, store, v1.PriorityHigh)

	ready, err := store.Spawns.NextReady(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ready, 4)
	require.Equal(t, critical.ID, ready[0].ID)
	require.Equal(t, high.ID, ready[1].ID)
	require.Equal(t, normal.ID, ready[2].ID)
	require.Equal(t, low.ID, ready[3].ID)
}

func TestSpawnStore_FIFOWithinPriority(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := enqueueItem(t, store, v1.PriorityNormal)
	// Force distinct created_at values at millisecond resolution.
	time.Sleep(2 * time.Millisecond)
	second := enqueueItem(t, store, v1.PriorityNormal)

	ready, err := store.Spawns.NextReady(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ready, 2)
	require.Equal(t, first.ID, ready[0].ID)
	require.Equal(t, second.ID, ready[1].ID)
}

func TestSpawnStore_DependencyRelease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	dep := enqueueItem(t, store, v1.PriorityNormal)
	blocked := enqueueItem(t, store, v1.PriorityHigh, dep.ID)
	critical := enqueueItem(t, store, v1.PriorityCritical)

	got, err := store.Spawns.Get(ctx, blocked.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.BlockedByCount)
	require.Equal(t, []string{dep.ID}, got.DependsOn)

	// Blocked items never surface as ready, regardless of priority.
	ready, err := store.Spawns.NextReady(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ready, 2)
	require.Equal(t, critical.ID, ready[0].ID)
	require.Equal(t, dep.ID, ready[1].ID)

	// Fulfilling the dependency releases the dependent in the same transaction.
	released, err := store.Spawns.MarkSpawned(ctx, dep.ID, "worker-1")
	require.NoError(t, err)
	require.Equal(t, []string{blocked.ID}, released)

	got, err = store.Spawns.Get(ctx, blocked.ID)
	require.NoError(t, err)
	require.Equal(t, 0, got.BlockedByCount)

	_, err = store.Spawns.MarkSpawned(ctx, critical.ID, "worker-2")
	require.NoError(t, err)

	ready, err = store.Spawns.NextReady(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, blocked.ID, ready[0].ID)
}

func TestSpawnStore_ApprovedItemsStayDispatchable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := enqueueItem(t, store, v1.PriorityNormal)
	require.NoError(t, store.Spawns.Approve(ctx, item.ID))

	ready, err := store.Spawns.NextReady(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, v1.SpawnStatusApproved, ready[0].Status)
}

func TestSpawnStore_RejectReleasesDependents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	dep := enqueueItem(t, store, v1.PriorityNormal)
	blocked := enqueueItem(t, store, v1.PriorityNormal, dep.ID)

	released, err := store.Spawns.Reject(ctx, dep.ID)
	require.NoError(t, err)
	require.Equal(t, []string{blocked.ID}, released)

	got, err := store.Spawns.Get(ctx, blocked.ID)
	require.NoError(t, err)
	require.Equal(t, 0, got.BlockedByCount)
}

func TestSpawnStore_EnqueueWithSatisfiedDependency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	dep := enqueueItem(t, store, v1.PriorityNormal)
	_, err := store.Spawns.MarkSpawned(ctx, dep.ID, "worker-1")
	require.NoError(t, err)

	// A dependency that already reached a terminal status does not block.
	item := enqueueItem(t, store, v1.PriorityNormal, dep.ID)
	require.Equal(t, 0, item.BlockedByCount)
}

func TestSpawnStore_UnknownDependencyRejected(t *testing.T) {
	store := newTestStore(t)

	item := &v1.SpawnQueueItem{
		RequesterHandle: "lead",
		TargetAgentType: "researcher",
		Priority:        v1.PriorityNormal,
		Task:            "investigate",
		DependsOn:       []string{"no-such-item"},
	}
	err := store.Spawns.Enqueue(context.Background(), item)
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestSpawnStore_StateMachine(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Fulfillment is valid straight from pending.
	direct := enqueueItem(t, store, v1.PriorityNormal)
	_, err := store.Spawns.MarkSpawned(ctx, direct.ID, "worker-0")
	require.NoError(t, err)

	item := enqueueItem(t, store, v1.PriorityNormal)
	require.NoError(t, store.Spawns.Approve(ctx, item.ID))
	err = store.Spawns.Approve(ctx, item.ID)
	require.True(t, apperr.Is(err, apperr.KindWrongState))

	// Rejection is only valid from pending.
	_, err = store.Spawns.Reject(ctx, item.ID)
	require.True(t, apperr.Is(err, apperr.KindWrongState))

	_, err = store.Spawns.MarkSpawned(ctx, item.ID, "worker-1")
	require.NoError(t, err)

	got, err := store.Spawns.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, v1.SpawnStatusSpawned, got.Status)
	require.Equal(t, "worker-1", got.SpawnedWorkerID)
	require.NotZero(t, got.ProcessedAt)

	// Terminal states are immutable.
	_, err = store.Spawns.Reject(ctx, item.ID)
	require.True(t, apperr.Is(err, apperr.KindWrongState))
	_, err = store.Spawns.MarkSpawned(ctx, item.ID, "worker-2")
	require.True(t, apperr.Is(err, apperr.KindWrongState))
	err = store.Spawns.Approve(ctx, item.ID)
	require.True(t, apperr.Is(err, apperr.KindWrongState))
}

func TestSpawnStore_Stats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	dep := enqueueItem(t, store, v1.PriorityHigh)
	enqueueItem(t, store, v1.PriorityNormal, dep.ID)
	enqueueItem(t, store, v1.PriorityLow)

	stats, err := store.Spawns.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Ready)
	require.Equal(t, 1, stats.Blocked)
	require.Equal(t, 3, stats.ByStatus["pending"])
	require.Equal(t, 1, stats.ByPriority["high"])
	require.Equal(t, 1, stats.ByPriority["normal"])
	require.Equal(t, 1, stats.ByPriority["low"])
}

func TestSpawnStore_Cleanup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := enqueueItem(t, store, v1.PriorityNormal)
	_, err := store.Spawns.Reject(ctx, item.ID)
	require.NoError(t, err)

	n, err := store.Spawns.DeleteProcessedBefore(ctx, nowMillis()+1)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = store.Spawns.Get(ctx, item.ID)
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}
