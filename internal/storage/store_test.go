package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swarmd/swarmd/internal/common/apperr"
	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "swarmd-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestWorkerStore_HandleUniqueness(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	w := &v1.Worker{
		Handle:    "scout-1",
		State:     v1.WorkerStateStarting,
		Health:    v1.WorkerHealthUnknown,
		SpawnMode: v1.SpawnModeProcess,
	}
	require.NoError(t, store.Workers.Create(ctx, w))

	dup := &v1.Worker{
		Handle:    "scout-1",
		State:     v1.WorkerStateStarting,
		Health:    v1.WorkerHealthUnknown,
		SpawnMode: v1.SpawnModeProcess,
	}
	err := store.Workers.Create(ctx, dup)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindConflict))

	// Dismissal frees the handle for reuse.
	require.NoError(t, store.Workers.Dismiss(ctx, w.ID))
	require.NoError(t, store.Workers.Create(ctx, dup))

	_, err = store.Workers.Get(ctx, w.ID)
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestWorkerStore_StateAndHealth(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	w := &v1.Worker{
		Handle:    "builder-1",
		State:     v1.WorkerStateStarting,
		Health:    v1.WorkerHealthUnknown,
		SpawnMode: v1.SpawnModePty,
	}
	require.NoError(t, store.Workers.Create(ctx, w))

	require.NoError(t, store.Workers.UpdateState(ctx, w.ID, v1.WorkerStateReady))
	require.NoError(t, store.Workers.UpdateHealth(ctx, w.ID, v1.WorkerHealthHealthy))
	require.NoError(t, store.Workers.SetCurrentTask(ctx, w.ID, "task-42"))

	got, err := store.Workers.GetByHandle(ctx, "builder-1")
	require.NoError(t, err)
	require.Equal(t, v1.WorkerStateReady, got.State)
	require.Equal(t, v1.WorkerHealthHealthy, got.Health)
	require.Equal(t, "task-42", got.CurrentTaskID)

	count, err := store.Workers.IncrementRestartCount(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestSwarmStore_Lifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sw := &v1.Swarm{ID: "alpha", Name: "Alpha", MaxAgents: 5}
	require.NoError(t, store.Swarms.Create(ctx, sw))

	err := store.Swarms.Create(ctx, &v1.Swarm{ID: "alpha", Name: "Again"})
	require.True(t, apperr.Is(err, apperr.KindConflict))

	live, err := store.Swarms.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, live, 1)

	require.NoError(t, store.Swarms.Kill(ctx, "alpha"))
	err = store.Swarms.Kill(ctx, "alpha")
	require.True(t, apperr.Is(err, apperr.KindWrongState))

	live, err = store.Swarms.List(ctx, true)
	require.NoError(t, err)
	require.Empty(t, live)

	got, err := store.Swarms.Get(ctx, "alpha")
	require.NoError(t, err)
	require.NotZero(t, got.KilledAt)
}

func TestBlackboardStore_VisibilityAndReads(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Swarms.Create(ctx, &v1.Swarm{ID: "alpha", Name: "Alpha"}))

	broadcast := &v1.BlackboardMessage{
		SwarmID:      "alpha",
		SenderHandle: "lead",
		MessageType:  v1.MessageTypeStatus,
		Priority:     v1.PriorityNormal,
		Payload:      []byte(`{"text":"standup"}`),
	}
	require.NoError(t, store.Blackboard.Post(ctx, broadcast))

	direct := &v1.BlackboardMessage{
		SwarmID:      "alpha",
		SenderHandle: "lead",
		MessageType:  v1.MessageTypeRequest,
		TargetHandle: "scout-1",
		Priority:     v1.PriorityHigh,
		Payload:      []byte(`{"text":"recon"}`),
	}
	require.NoError(t, store.Blackboard.Post(ctx, direct))

	// scout-1 sees both; scout-2 only the broadcast.
	msgs, err := store.Blackboard.List(ctx, BlackboardQuery{SwarmID: "alpha", ForHandle: "scout-1"})
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	msgs, err = store.Blackboard.List(ctx, BlackboardQuery{SwarmID: "alpha", ForHandle: "scout-2"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, broadcast.ID, msgs[0].ID)

	msgs, err = store.Blackboard.List(ctx, BlackboardQuery{SwarmID: "alpha", Priority: v1.PriorityHigh})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, direct.ID, msgs[0].ID)

	// Read tracking is idempotent.
	require.NoError(t, store.Blackboard.MarkRead(ctx, broadcast.ID, "scout-1"))
	require.NoError(t, store.Blackboard.MarkRead(ctx, broadcast.ID, "scout-1"))

	got, err := store.Blackboard.Get(ctx, broadcast.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"scout-1"}, got.ReadBy)

	unread, err := store.Blackboard.List(ctx, BlackboardQuery{
		SwarmID: "alpha", ForHandle: "scout-1", UnreadBy: "scout-1",
	})
	require.NoError(t, err)
	require.Len(t, unread, 1)
	require.Equal(t, direct.ID, unread[0].ID)

	// Archived messages drop out of default listings.
	require.NoError(t, store.Blackboard.Archive(ctx, broadcast.ID))
	msgs, err = store.Blackboard.List(ctx, BlackboardQuery{SwarmID: "alpha"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	msgs, err = store.Blackboard.List(ctx, BlackboardQuery{SwarmID: "alpha", IncludeArchived: true})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestCheckpointStore_ResolveOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cp := &v1.Checkpoint{
		FromHandle:      "scout-1",
		ToHandle:        "scout-2",
		Goal:            "map the cave",
		Now:             "halfway through",
		DoneThisSession: []string{"entrance mapped"},
		Next:            []string{"map east wing"},
	}
	require.NoError(t, store.Checkpoints.Create(ctx, cp))

	pending, err := store.Checkpoints.ListPendingFor(ctx, "scout-2")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, []string{"entrance mapped"}, pending[0].DoneThisSession)

	require.NoError(t, store.Checkpoints.Resolve(ctx, cp.ID, v1.CheckpointStatusAccepted))
	err = store.Checkpoints.Resolve(ctx, cp.ID, v1.CheckpointStatusRejected)
	require.True(t, apperr.Is(err, apperr.KindWrongState))

	got, err := store.Checkpoints.Get(ctx, cp.ID)
	require.NoError(t, err)
	require.Equal(t, v1.CheckpointStatusAccepted, got.Status)
	require.NotZero(t, got.ResolvedAt)
}
