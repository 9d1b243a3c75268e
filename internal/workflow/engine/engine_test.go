package engine

import (
	"context"
	"encoding/json"
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
	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

// fakeQueue records enqueued spawn items.
type fakeQueue struct {
	mu       sync.Mutex
	items    []*v1.SpawnQueueItem
	approved []string
}

func (q *fakeQueue) Enqueue(_ context.Context, item *v1.SpawnQueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item.ID = uuid.New().String()
	q.items = append(q.items, item)
	return nil
}

func (q *fakeQueue) Approve(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.approved = append(q.approved, id)
	return nil
}

func (q *fakeQueue) last() *v1.SpawnQueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[len(q.items)-1]
}

// fakeCheckpoints stores checkpoints in memory.
type fakeCheckpoints struct {
	mu  sync.Mutex
	cps map[string]*v1.Checkpoint
}

func (f *fakeCheckpoints) CreateCheckpoint(_ context.Context, cp *v1.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp.ID = uuid.New().String()
	cp.Status = v1.CheckpointStatusPending
	f.cps[cp.ID] = cp
	return nil
}

func (f *fakeCheckpoints) GetCheckpoint(_ context.Context, id string) (*v1.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp, ok := f.cps[id]
	if !ok {
		return nil, apperr.NotFound("checkpoint not found: %s", id)
	}
	clone := *cp
	return &clone, nil
}

func (f *fakeCheckpoints) resolve(id string, status v1.CheckpointStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cps[id].Status = status
}

func newTestEngine(t *testing.T) (*Engine, *fakeQueue, *fakeCheckpoints, bus.EventBus) {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	store, err := storage.Open(filepath.Join(t.TempDir(), "swarmd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	queue := &fakeQueue{}
	cps := &fakeCheckpoints{cps: map[string]*v1.Checkpoint{}}

	e, err := NewEngine(config.WorkflowConfig{TickInterval: 1, StuckTimeout: 1800}, store, eventBus, queue, cps, log)
	require.NoError(t, err)
	return e, queue, cps, eventBus
}

func createWorkflow(t *testing.T, e *Engine, name string, steps ...v1.StepDefinition) *v1.Workflow {
	t.Helper()
	wf := &v1.Workflow{Name: name, Steps: steps}
	require.NoError(t, e.CreateWorkflow(context.Background(), wf))
	return wf
}

func stepByKey(t *testing.T, e *Engine, executionID, key string) *v1.ExecutionStep {
	t.Helper()
	steps, err := e.ListSteps(context.Background(), executionID)
	require.NoError(t, err)
	for _, s := range steps {
		if s.StepKey == key {
			return s
		}
	}
	t.Fatalf("step %s not found in execution %s", key, executionID)
	return nil
}

func requireStepStatus(t *testing.T, e *Engine, executionID, key string, want v1.StepStatus) {
	t.Helper()
	require.Equal(t, want, stepByKey(t, e, executionID, key).Status, "step %s", key)
}

func taskStep(key string, deps ...string) v1.StepDefinition {
	return v1.StepDefinition{Key: key, Type: v1.StepTypeTask, DependsOn: deps}
}

func TestEngine_CreateWorkflowValidation(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	err := e.CreateWorkflow(ctx, &v1.Workflow{Steps: []v1.StepDefinition{taskStep("a")}})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	err = e.CreateWorkflow(ctx, &v1.Workflow{Name: "empty"})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	err = e.CreateWorkflow(ctx, &v1.Workflow{Name: "dup-keys", Steps: []v1.StepDefinition{taskStep("a"), taskStep("a")}})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	err = e.CreateWorkflow(ctx, &v1.Workflow{Name: "bad-key", Steps: []v1.StepDefinition{taskStep("not ok!")}})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	err = e.CreateWorkflow(ctx, &v1.Workflow{Name: "ghost-dep", Steps: []v1.StepDefinition{taskStep("a", "ghost")}})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	err = e.CreateWorkflow(ctx, &v1.Workflow{Name: "cycle", Steps: []v1.StepDefinition{taskStep("a", "b"), taskStep("b", "a")}})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	err = e.CreateWorkflow(ctx, &v1.Workflow{Name: "bad-type", Steps: []v1.StepDefinition{{Key: "a", Type: "teleport"}}})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	createWorkflow(t, e, "ok", taskStep("a"), taskStep("b", "a"))
}

func TestEngine_StartWorkflowInputs(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	wf := &v1.Workflow{
		Name:  "inputs",
		Steps: []v1.StepDefinition{taskStep("a")},
		Inputs: map[string]v1.InputDefinition{
			"feature":   {Required: true},
			"reviewers": {Default: json.RawMessage(`2`)},
		},
	}
	require.NoError(t, e.CreateWorkflow(ctx, wf))

	_, err := e.StartWorkflow(ctx, wf.ID, "alice", nil, "")
	require.True(t, apperr.Is(err, apperr.KindValidation))

	exec, err := e.StartWorkflow(ctx, wf.ID, "alice", map[string]any{"feature": "auth"}, "")
	require.NoError(t, err)

	doc := decodeContext(exec.Context)
	require.Equal(t, "auth", doc.inputs()["feature"])
	require.EqualValues(t, 2, doc.inputs()["reviewers"])
}

func TestEngine_TaskRoundTrip(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	wf := createWorkflow(t, e, "pipeline", taskStep("build"), taskStep("deploy", "build"))
	exec, err := e.StartWorkflow(ctx, wf.ID, "alice", nil, "")
	require.NoError(t, err)

	e.Tick(ctx)
	requireStepStatus(t, e, exec.ID, "build", v1.StepStatusRunning)
	requireStepStatus(t, e, exec.ID, "deploy", v1.StepStatusPending)

	build := stepByKey(t, e, exec.ID, "build")
	require.NoError(t, e.CompleteStep(ctx, build.ID, json.RawMessage(`{"artifact":"v1.2.3"}`), ""))

	e.Tick(ctx)
	requireStepStatus(t, e, exec.ID, "deploy", v1.StepStatusRunning)

	deploy := stepByKey(t, e, exec.ID, "deploy")
	require.NoError(t, e.CompleteStep(ctx, deploy.ID, json.RawMessage(`{"ok":true}`), ""))

	final, err := e.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, v1.ExecutionStatusCompleted, final.Status)

	// The final context carries every step output.
	var doc map[string]any
	require.NoError(t, json.Unmarshal(final.Context, &doc))
	steps := doc["steps"].(map[string]any)
	buildView := steps["build"].(map[string]any)
	require.Equal(t, map[string]any{"artifact": "v1.2.3"}, buildView["output"])
	require.Equal(t, "completed", buildView["status"])
}

func TestEngine_GateBranching(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	gate := v1.StepDefinition{
		Key: "decide", Type: v1.StepTypeGate, DependsOn: []string{"check"},
		Config: json.RawMessage(`{"condition":"steps.check.output.approved === true","on_true":["ship"],"on_false":["fix"]}`),
	}
	wf := createWorkflow(t, e, "gated",
		taskStep("check"), gate, taskStep("ship", "decide"), taskStep("fix", "decide"))

	exec, err := e.StartWorkflow(ctx, wf.ID, "alice", nil, "")
	require.NoError(t, err)

	e.Tick(ctx)
	check := stepByKey(t, e, exec.ID, "check")
	require.NoError(t, e.CompleteStep(ctx, check.ID, json.RawMessage(`{"approved":true}`), ""))
	e.Tick(ctx)

	requireStepStatus(t, e, exec.ID, "decide", v1.StepStatusCompleted)
	requireStepStatus(t, e, exec.ID, "fix", v1.StepStatusSkipped)
	requireStepStatus(t, e, exec.ID, "ship", v1.StepStatusRunning)

	ship := stepByKey(t, e, exec.ID, "ship")
	require.NoError(t, e.CompleteStep(ctx, ship.ID, nil, ""))

	final, err := e.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, v1.ExecutionStatusCompleted, final.Status)
}

func TestEngine_ScriptStep(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	script := v1.StepDefinition{
		Key: "double", Type: v1.StepTypeScript,
		Config: json.RawMessage(`{"expression":"inputs.count * 2","output_key":"doubled"}`),
	}
	wf := createWorkflow(t, e, "scripted", script)

	exec, err := e.StartWorkflow(ctx, wf.ID, "alice", map[string]any{"count": 3}, "")
	require.NoError(t, err)
	e.Tick(ctx)

	requireStepStatus(t, e, exec.ID, "double", v1.StepStatusCompleted)

	final, err := e.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, v1.ExecutionStatusCompleted, final.Status)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(final.Context, &doc))
	require.EqualValues(t, 6, doc["doubled"])
}

func TestEngine_GuardSkipsStep(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	guarded := v1.StepDefinition{
		Key: "extra", Type: v1.StepTypeTask,
		Guard: &v1.Guard{Type: v1.GuardTypeExpression, Condition: "inputs.thorough"},
	}
	wf := createWorkflow(t, e, "guarded", guarded, taskStep("wrap", "extra"))

	exec, err := e.StartWorkflow(ctx, wf.ID, "alice", map[string]any{"thorough": false}, "")
	require.NoError(t, err)
	e.Tick(ctx)

	requireStepStatus(t, e, exec.ID, "extra", v1.StepStatusSkipped)
	requireStepStatus(t, e, exec.ID, "wrap", v1.StepStatusRunning)

	wrap := stepByKey(t, e, exec.ID, "wrap")
	require.NoError(t, e.CompleteStep(ctx, wrap.ID, nil, ""))

	final, err := e.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, v1.ExecutionStatusCompleted, final.Status)
}

func TestEngine_RetryPolicy(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	flaky := v1.StepDefinition{
		Key: "flaky", Type: v1.StepTypeTask,
		OnFailure: v1.OnFailureRetry, MaxRetries: 1,
	}
	wf := createWorkflow(t, e, "retried", flaky)
	exec, err := e.StartWorkflow(ctx, wf.ID, "alice", nil, "")
	require.NoError(t, err)

	e.Tick(ctx)
	step := stepByKey(t, e, exec.ID, "flaky")
	require.NoError(t, e.CompleteStep(ctx, step.ID, nil, "boom"))

	// First failure burns the retry budget and re-dispatches.
	step = stepByKey(t, e, exec.ID, "flaky")
	require.Equal(t, v1.StepStatusReady, step.Status)
	require.Equal(t, 1, step.RetryCount)

	e.Tick(ctx)
	requireStepStatus(t, e, exec.ID, "flaky", v1.StepStatusRunning)
	require.NoError(t, e.CompleteStep(ctx, step.ID, nil, "boom again"))

	final, err := e.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, v1.ExecutionStatusFailed, final.Status)
	require.Contains(t, final.Error, "boom again")
}

func TestEngine_ContinuePolicy(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	tolerant := v1.StepDefinition{Key: "optional", Type: v1.StepTypeTask, OnFailure: v1.OnFailureContinue}
	wf := createWorkflow(t, e, "tolerant", tolerant, taskStep("after", "optional"))
	exec, err := e.StartWorkflow(ctx, wf.ID, "alice", nil, "")
	require.NoError(t, err)

	e.Tick(ctx)
	optional := stepByKey(t, e, exec.ID, "optional")
	require.NoError(t, e.CompleteStep(ctx, optional.ID, nil, "nope"))

	// The dependent is released despite the failure.
	e.Tick(ctx)
	requireStepStatus(t, e, exec.ID, "optional", v1.StepStatusFailed)
	requireStepStatus(t, e, exec.ID, "after", v1.StepStatusRunning)

	after := stepByKey(t, e, exec.ID, "after")
	require.NoError(t, e.CompleteStep(ctx, after.ID, nil, ""))

	// A failed step still fails the execution at the end.
	final, err := e.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, v1.ExecutionStatusFailed, final.Status)
}

func TestEngine_SpawnStep(t *testing.T) {
	e, queue, _, eventBus := newTestEngine(t)
	ctx := context.Background()

	spawn := v1.StepDefinition{
		Key: "helper", Type: v1.StepTypeSpawn,
		Config: json.RawMessage(`{"agent_type":"researcher","task":"investigate {{topic}}"}`),
	}
	wf := createWorkflow(t, e, "spawning", spawn)
	exec, err := e.StartWorkflow(ctx, wf.ID, "alice", map[string]any{"topic": "latency"}, "")
	require.NoError(t, err)

	e.Tick(ctx)
	requireStepStatus(t, e, exec.ID, "helper", v1.StepStatusBlocked)

	item := queue.last()
	require.NotNil(t, item)
	require.Equal(t, "researcher", item.TargetAgentType)
	require.Equal(t, "investigate latency", item.Task)
	require.Contains(t, queue.approved, item.ID)

	require.NoError(t, eventBus.Publish(ctx, bus.NewEvent(bus.TagSpawnFulfilled, map[string]any{
		"id":        item.ID,
		"worker_id": "worker-123",
		"handle":    "researcher-1",
	})))

	require.Eventually(t, func() bool {
		final, err := e.GetExecution(ctx, exec.ID)
		return err == nil && final.Status == v1.ExecutionStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	helper := stepByKey(t, e, exec.ID, "helper")
	require.JSONEq(t, `{"worker_id":"worker-123","handle":"researcher-1"}`, string(helper.Output))
}

func TestEngine_CheckpointStep(t *testing.T) {
	e, _, cps, _ := newTestEngine(t)
	ctx := context.Background()

	handoff := v1.StepDefinition{
		Key: "handoff", Type: v1.StepTypeCheckpoint,
		Config: json.RawMessage(`{"from_handle":"alice","to_handle":"bob","goal":"take over","now":"halfway","wait_for_acceptance":true}`),
	}
	wf := createWorkflow(t, e, "handover", handoff)
	exec, err := e.StartWorkflow(ctx, wf.ID, "alice", nil, "")
	require.NoError(t, err)

	e.Tick(ctx)
	requireStepStatus(t, e, exec.ID, "handoff", v1.StepStatusBlocked)

	var cpID string
	for id := range cps.cps {
		cpID = id
	}
	require.NotEmpty(t, cpID)

	// Still blocked while the checkpoint is pending.
	e.Tick(ctx)
	requireStepStatus(t, e, exec.ID, "handoff", v1.StepStatusBlocked)

	cps.resolve(cpID, v1.CheckpointStatusAccepted)
	e.Tick(ctx)

	final, err := e.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, v1.ExecutionStatusCompleted, final.Status)
}

func TestEngine_CheckpointRejectedFailsStep(t *testing.T) {
	e, _, cps, _ := newTestEngine(t)
	ctx := context.Background()

	handoff := v1.StepDefinition{
		Key: "handoff", Type: v1.StepTypeCheckpoint,
		Config: json.RawMessage(`{"to_handle":"bob","wait_for_acceptance":true}`),
	}
	wf := createWorkflow(t, e, "rejected-handover", handoff)
	exec, err := e.StartWorkflow(ctx, wf.ID, "alice", nil, "")
	require.NoError(t, err)

	e.Tick(ctx)
	var cpID string
	for id := range cps.cps {
		cpID = id
	}
	cps.resolve(cpID, v1.CheckpointStatusRejected)
	e.Tick(ctx)

	final, err := e.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, v1.ExecutionStatusFailed, final.Status)
	require.Contains(t, final.Error, "checkpoint rejected")
}

func TestEngine_ParallelStrategies(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	parallel := v1.StepDefinition{
		Key: "fanout", Type: v1.StepTypeParallel,
		Config: json.RawMessage(`{"steps":["a","b"],"strategy":"all"}`),
	}
	wf := createWorkflow(t, e, "fanned", taskStep("a"), taskStep("b"), parallel)
	exec, err := e.StartWorkflow(ctx, wf.ID, "alice", nil, "")
	require.NoError(t, err)

	e.Tick(ctx)
	requireStepStatus(t, e, exec.ID, "fanout", v1.StepStatusBlocked)

	require.NoError(t, e.CompleteStep(ctx, stepByKey(t, e, exec.ID, "a").ID, nil, ""))
	e.Tick(ctx)
	requireStepStatus(t, e, exec.ID, "fanout", v1.StepStatusBlocked)

	require.NoError(t, e.CompleteStep(ctx, stepByKey(t, e, exec.ID, "b").ID, nil, ""))
	e.Tick(ctx)
	requireStepStatus(t, e, exec.ID, "fanout", v1.StepStatusCompleted)

	final, err := e.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, v1.ExecutionStatusCompleted, final.Status)
}

func TestEngine_ParallelRaceCancelsLosers(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	parallel := v1.StepDefinition{
		Key: "race", Type: v1.StepTypeParallel,
		Config: json.RawMessage(`{"steps":["fast","slow"],"strategy":"race"}`),
	}
	wf := createWorkflow(t, e, "raced", taskStep("fast"), taskStep("slow"), parallel)
	exec, err := e.StartWorkflow(ctx, wf.ID, "alice", nil, "")
	require.NoError(t, err)

	e.Tick(ctx)
	require.NoError(t, e.CompleteStep(ctx, stepByKey(t, e, exec.ID, "fast").ID, nil, ""))
	e.Tick(ctx)

	requireStepStatus(t, e, exec.ID, "race", v1.StepStatusCompleted)
	requireStepStatus(t, e, exec.ID, "slow", v1.StepStatusSkipped)

	final, err := e.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, v1.ExecutionStatusCompleted, final.Status)
}

func TestEngine_PauseResumeCancelIdempotent(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	wf := createWorkflow(t, e, "lifecycle", taskStep("a"))
	exec, err := e.StartWorkflow(ctx, wf.ID, "alice", nil, "")
	require.NoError(t, err)

	require.NoError(t, e.PauseExecution(ctx, exec.ID))
	require.NoError(t, e.PauseExecution(ctx, exec.ID)) // noop

	// Paused executions do not advance.
	e.Tick(ctx)
	requireStepStatus(t, e, exec.ID, "a", v1.StepStatusReady)

	require.NoError(t, e.ResumeExecution(ctx, exec.ID))
	require.NoError(t, e.ResumeExecution(ctx, exec.ID)) // noop

	require.NoError(t, e.CancelExecution(ctx, exec.ID))
	require.NoError(t, e.CancelExecution(ctx, exec.ID)) // noop
	requireStepStatus(t, e, exec.ID, "a", v1.StepStatusCancelled)

	err = e.PauseExecution(ctx, exec.ID)
	require.True(t, apperr.Is(err, apperr.KindWrongState))
	err = e.ResumeExecution(ctx, exec.ID)
	require.True(t, apperr.Is(err, apperr.KindWrongState))

	final, err := e.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, v1.ExecutionStatusCancelled, final.Status)

	// The transition log records each effective move exactly once.
	events, err := e.ExecutionEvents(ctx, exec.ID)
	require.NoError(t, err)
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.EventType
	}
	require.Equal(t, []string{"started", "paused", "resumed", "cancelled"}, types)
}

func TestEngine_Graph(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	wf := createWorkflow(t, e, "graphed",
		taskStep("a"), taskStep("b", "a"), taskStep("c", "a"), taskStep("d", "b", "c"))

	view, err := e.Graph(ctx, wf.ID)
	require.NoError(t, err)
	require.True(t, view.Valid)
	require.Empty(t, view.Cycles)
	require.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, view.Levels)

	_, err = e.Graph(ctx, "no-such-workflow")
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestEngine_DeadlockDetection(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	e.cfg.StuckTimeout = 1
	ctx := context.Background()

	// Bypass creation-time validation to build an execution that can never
	// make progress.
	wf := &v1.Workflow{Name: "stuck", Steps: []v1.StepDefinition{taskStep("a", "ghost")}}
	require.NoError(t, e.store.Workflows.CreateWorkflow(ctx, wf))

	exec, err := e.StartWorkflow(ctx, wf.ID, "alice", nil, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		e.Tick(ctx)
		final, err := e.GetExecution(ctx, exec.ID)
		return err == nil && final.Status == v1.ExecutionStatusFailed && final.Error == "deadlock"
	}, 5*time.Second, 100*time.Millisecond)
}

func TestEngine_CompleteStepValidation(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	wf := createWorkflow(t, e, "complete-validation", taskStep("a"))
	exec, err := e.StartWorkflow(ctx, wf.ID, "alice", nil, "")
	require.NoError(t, err)

	// Completing before dispatch is a wrong-state failure.
	step := stepByKey(t, e, exec.ID, "a")
	err = e.CompleteStep(ctx, step.ID, nil, "")
	require.True(t, apperr.Is(err, apperr.KindWrongState))

	e.Tick(ctx)
	require.NoError(t, e.CompleteStep(ctx, step.ID, nil, ""))

	// Completing twice is a wrong-state failure.
	err = e.CompleteStep(ctx, step.ID, nil, "")
	require.True(t, apperr.Is(err, apperr.KindWrongState))

	err = e.CompleteStep(ctx, "no-such-step", nil, "")
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestEngine_OnCompleteHook(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	notify := createWorkflow(t, e, "notify", v1.StepDefinition{
		Key: "emit", Type: v1.StepTypeScript,
		Config: json.RawMessage(`{"expression":"inputs.status","output_key":"observed"}`),
	})
	main := &v1.Workflow{
		Name:       "main",
		Steps:      []v1.StepDefinition{taskStep("work")},
		OnComplete: notify.ID,
	}
	require.NoError(t, e.CreateWorkflow(ctx, main))

	exec, err := e.StartWorkflow(ctx, main.ID, "alice", nil, "")
	require.NoError(t, err)
	e.Tick(ctx)
	require.NoError(t, e.CompleteStep(ctx, stepByKey(t, e, exec.ID, "work").ID, nil, ""))

	hooks, err := e.ListExecutions(ctx, "", 0)
	require.NoError(t, err)

	var hook *v1.WorkflowExecution
	for _, candidate := range hooks {
		if candidate.WorkflowID == notify.ID {
			hook = candidate
		}
	}
	require.NotNil(t, hook, "completion hook execution")
	require.Equal(t, "hook:"+exec.ID, hook.CreatedBy)

	doc := decodeContext(hook.Context)
	require.Equal(t, "completed", doc.inputs()["status"])
}
