package swarm

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmd/swarmd/internal/common/apperr"
	"github.com/swarmd/swarmd/internal/common/logger"
	"github.com/swarmd/swarmd/internal/events/bus"
	"github.com/swarmd/swarmd/internal/storage"
	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

// fakeDismisser records dismissed handles.
type fakeDismisser struct {
	mu      sync.Mutex
	handles []string
}

func (f *fakeDismisser) Dismiss(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handles = append(f.handles, handle)
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeDismisser, *storage.Store) {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	store, err := storage.Open(filepath.Join(t.TempDir(), "swarmd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	dismisser := &fakeDismisser{}
	return NewService(store, eventBus, dismisser, log), dismisser, store
}

func createSwarm(t *testing.T, svc *Service, id string) *v1.Swarm {
	t.Helper()
	sw := &v1.Swarm{ID: id, Name: "swarm " + id, MaxAgents: 10}
	require.NoError(t, svc.CreateSwarm(context.Background(), sw))
	return sw
}

func postMessage(t *testing.T, svc *Service, swarmID, sender, target string) *v1.BlackboardMessage {
	t.Helper()
	msg := &v1.BlackboardMessage{
		SwarmID:      swarmID,
		SenderHandle: sender,
		TargetHandle: target,
		MessageType:  v1.MessageTypeStatus,
		Payload:      []byte(`{"text":"progress"}`),
	}
	require.NoError(t, svc.PostMessage(context.Background(), msg))
	return msg
}

func TestService_CreateSwarmValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	err := svc.CreateSwarm(ctx, &v1.Swarm{ID: "bad id!", Name: "x"})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	err = svc.CreateSwarm(ctx, &v1.Swarm{ID: "ok"})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	// Empty id gets generated.
	sw := &v1.Swarm{Name: "anon"}
	require.NoError(t, svc.CreateSwarm(ctx, sw))
	require.NotEmpty(t, sw.ID)

	createSwarm(t, svc, "dup")
	err = svc.CreateSwarm(ctx, &v1.Swarm{ID: "dup", Name: "again"})
	require.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestService_KillSwarmDismissesMembers(t *testing.T) {
	svc, dismisser, store := newTestService(t)
	ctx := context.Background()

	createSwarm(t, svc, "team")
	for _, h := range []string{"w1", "w2"} {
		require.NoError(t, store.Workers.Create(ctx, &v1.Worker{
			Handle: h, SwarmID: "team",
			State: v1.WorkerStateReady, Health: v1.WorkerHealthHealthy,
			SpawnMode: v1.SpawnModeProcess,
		}))
	}

	require.NoError(t, svc.KillSwarm(ctx, "team"))
	require.ElementsMatch(t, []string{"w1", "w2"}, dismisser.handles)

	// Killing twice is a wrong-state failure.
	err := svc.KillSwarm(ctx, "team")
	require.True(t, apperr.Is(err, apperr.KindWrongState))
}

func TestService_PostMessageValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	createSwarm(t, svc, "team")

	err := svc.PostMessage(ctx, &v1.BlackboardMessage{
		SwarmID: "team", SenderHandle: "a", MessageType: "gossip",
	})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	// Posting to a missing swarm is not found.
	err = svc.PostMessage(ctx, &v1.BlackboardMessage{
		SwarmID: "nowhere", SenderHandle: "a", MessageType: v1.MessageTypeStatus,
	})
	require.True(t, apperr.Is(err, apperr.KindNotFound))

	// Posting to a killed swarm is a wrong-state failure.
	require.NoError(t, svc.KillSwarm(ctx, "team"))
	err = svc.PostMessage(ctx, &v1.BlackboardMessage{
		SwarmID: "team", SenderHandle: "a", MessageType: v1.MessageTypeStatus,
	})
	require.True(t, apperr.Is(err, apperr.KindWrongState))
}

func TestService_PostEmitsEvent(t *testing.T) {
	svc, _, _ := newTestService(t)
	createSwarm(t, svc, "team")

	var mu sync.Mutex
	var posted []string
	_, err := svc.bus.Subscribe("blackboard.posted", func(_ context.Context, e *bus.Event) error {
		mu.Lock()
		posted = append(posted, e.String("swarm_id"))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	postMessage(t, svc, "team", "alice", "")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(posted) == 1 && posted[0] == "team"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestService_MarkReadAndArchive(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	createSwarm(t, svc, "team")

	m1 := postMessage(t, svc, "team", "alice", "")
	m2 := postMessage(t, svc, "team", "alice", "bob")

	marked, err := svc.MarkRead(ctx, []string{m1.ID, m2.ID, "no-such-id"}, "bob")
	require.NoError(t, err)
	require.Equal(t, 2, marked)

	// Idempotent: marking again still succeeds.
	marked, err = svc.MarkRead(ctx, []string{m1.ID}, "bob")
	require.NoError(t, err)
	require.Equal(t, 1, marked)

	archived, err := svc.Archive(ctx, []string{m1.ID, "no-such-id"})
	require.NoError(t, err)
	require.Equal(t, 1, archived)

	// Archived messages drop out of default reads.
	msgs, err := svc.Messages(ctx, storage.BlackboardQuery{SwarmID: "team"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, m2.ID, msgs[0].ID)

	msgs, err = svc.Messages(ctx, storage.BlackboardQuery{SwarmID: "team", IncludeArchived: true})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestService_ArchiveOld(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	createSwarm(t, svc, "team")
	postMessage(t, svc, "team", "alice", "")

	// Everything is younger than an hour.
	n, err := svc.ArchiveOld(ctx, "team", time.Hour)
	require.NoError(t, err)
	require.Zero(t, n)

	// A zero cutoff catches it.
	n, err = svc.ArchiveOld(ctx, "team", -time.Second)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestService_CheckpointLifecycle(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cp := &v1.Checkpoint{
		FromHandle: "alice",
		ToHandle:   "bob",
		Goal:       "finish the refactor",
		Now:        "tests are red",
		Next:       []string{"fix the parser", "rerun suite"},
	}
	require.NoError(t, svc.CreateCheckpoint(ctx, cp))

	pending, err := svc.PendingCheckpoints(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, cp.ID, pending[0].ID)

	require.NoError(t, svc.ResolveCheckpoint(ctx, cp.ID, true))

	got, err := svc.GetCheckpoint(ctx, cp.ID)
	require.NoError(t, err)
	require.Equal(t, v1.CheckpointStatusAccepted, got.Status)

	// At most one acceptance.
	err = svc.ResolveCheckpoint(ctx, cp.ID, false)
	require.True(t, apperr.Is(err, apperr.KindWrongState))

	pending, err = svc.PendingCheckpoints(ctx, "bob")
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestService_CheckpointValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	err := svc.CreateCheckpoint(ctx, &v1.Checkpoint{FromHandle: "a", ToHandle: "b"})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	err = svc.CreateCheckpoint(ctx, &v1.Checkpoint{FromHandle: "bad handle!", ToHandle: "b", Goal: "g", Now: "n"})
	require.True(t, apperr.Is(err, apperr.KindValidation))
}
