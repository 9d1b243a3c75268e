package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swarmd/swarmd/internal/common/apperr"
	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

// diamondSeeds builds the classic fetch -> (parse, validate) -> report shape.
func diamondSeeds() []StepSeed {
	return []StepSeed{
		{Key: "fetch"},
		{Key: "parse", BlockedByCount: 1, DependsOn: []string{"fetch"}},
		{Key: "validate", BlockedByCount: 1, DependsOn: []string{"fetch"}},
		{Key: "report", BlockedByCount: 2, DependsOn: []string{"parse", "validate"}},
	}
}

func createDiamondExecution(t *testing.T, store *Store) *v1.WorkflowExecution {
	t.Helper()
	ctx := context.Background()

	wf := &v1.Workflow{
		Name: "ingest",
		Steps: []v1.StepDefinition{
			{Key: "fetch", Type: v1.StepTypeTask},
			{Key: "parse", Type: v1.StepTypeTask, DependsOn: []string{"fetch"}},
			{Key: "validate", Type: v1.StepTypeTask, DependsOn: []string{"fetch"}},
			{Key: "report", Type: v1.StepTypeTask, DependsOn: []string{"parse", "validate"}},
		},
	}
	require.NoError(t, store.Workflows.CreateWorkflow(ctx, wf))

	exec := &v1.WorkflowExecution{WorkflowID: wf.ID, CreatedBy: "tester"}
	require.NoError(t, store.Workflows.CreateExecution(ctx, exec, diamondSeeds()))
	return exec
}

func TestWorkflowStore_DefinitionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	wf := &v1.Workflow{
		Name: "deploy",
		Steps: []v1.StepDefinition{
			{Key: "build", Type: v1.StepTypeScript, Config: []byte(`{"command":"make"}`)},
			{Key: "approve", Type: v1.StepTypeGate, DependsOn: []string{"build"}},
		},
		Inputs: map[string]v1.InputDefinition{
			"target": {Required: true},
		},
		TimeoutMs:  60000,
		OnComplete: "notify",
	}
	require.NoError(t, store.Workflows.CreateWorkflow(ctx, wf))

	got, err := store.Workflows.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Equal(t, "deploy", got.Name)
	require.Len(t, got.Steps, 2)
	require.Equal(t, v1.StepTypeGate, got.Steps[1].Type)
	require.JSONEq(t, `{"command":"make"}`, string(got.Steps[0].Config))
	require.True(t, got.Inputs["target"].Required)
	require.EqualValues(t, 60000, got.TimeoutMs)
}

func TestWorkflowStore_ExecutionSeeding(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	exec := createDiamondExecution(t, store)

	steps, err := store.Workflows.ListSteps(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 4)

	runnable, err := store.Workflows.RunnableSteps(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, runnable, 1)
	require.Equal(t, "fetch", runnable[0].StepKey)

	report, err := store.Workflows.GetStep(ctx, exec.ID, "report")
	require.NoError(t, err)
	require.Equal(t, v1.StepStatusPending, report.Status)
	require.Equal(t, 2, report.BlockedByCount)
}

func TestWorkflowStore_FinishStepCascade(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	exec := createDiamondExecution(t, store)

	ok, err := store.Workflows.MarkStepRunning(ctx, exec.ID, "fetch")
	require.NoError(t, err)
	require.True(t, ok)

	// Double-dispatch loses the race.
	ok, err = store.Workflows.MarkStepRunning(ctx, exec.ID, "fetch")
	require.NoError(t, err)
	require.False(t, ok)

	released, err := store.Workflows.FinishStep(ctx, exec.ID, "fetch",
		v1.StepStatusCompleted, []byte(`{"rows":10}`), "")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"parse", "validate"}, released)

	// report stays pending until both parents finish.
	released, err = store.Workflows.FinishStep(ctx, exec.ID, "parse", v1.StepStatusCompleted, nil, "")
	require.NoError(t, err)
	require.Empty(t, released)

	// A skipped step satisfies dependents the same as completion.
	released, err = store.Workflows.FinishStep(ctx, exec.ID, "validate", v1.StepStatusSkipped, nil, "")
	require.NoError(t, err)
	require.Equal(t, []string{"report"}, released)

	report, err := store.Workflows.GetStep(ctx, exec.ID, "report")
	require.NoError(t, err)
	require.Equal(t, v1.StepStatusReady, report.Status)
	require.Equal(t, 0, report.BlockedByCount)
}

func TestWorkflowStore_FailureDoesNotRelease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	exec := createDiamondExecution(t, store)

	released, err := store.Workflows.FinishStep(ctx, exec.ID, "fetch",
		v1.StepStatusFailed, nil, "connection refused")
	require.NoError(t, err)
	require.Empty(t, released)

	parse, err := store.Workflows.GetStep(ctx, exec.ID, "parse")
	require.NoError(t, err)
	require.Equal(t, v1.StepStatusPending, parse.Status)
	require.Equal(t, 1, parse.BlockedByCount)
}

func TestWorkflowStore_RetryStep(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	exec := createDiamondExecution(t, store)

	_, err := store.Workflows.FinishStep(ctx, exec.ID, "fetch",
		v1.StepStatusFailed, nil, "transient")
	require.NoError(t, err)

	count, err := store.Workflows.RetryStep(ctx, exec.ID, "fetch")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	step, err := store.Workflows.GetStep(ctx, exec.ID, "fetch")
	require.NoError(t, err)
	require.Equal(t, v1.StepStatusReady, step.Status)
	require.Empty(t, step.Error)
}

func TestWorkflowStore_ExecutionTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	exec := createDiamondExecution(t, store)

	// running -> paused -> running
	ok, err := store.Workflows.TransitionExecution(ctx, exec.ID,
		v1.ExecutionStatusPaused, "", v1.ExecutionStatusRunning)
	require.NoError(t, err)
	require.True(t, ok)

	// Pausing a paused execution is a no-op transition.
	ok, err = store.Workflows.TransitionExecution(ctx, exec.ID,
		v1.ExecutionStatusPaused, "", v1.ExecutionStatusRunning)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.Workflows.TransitionExecution(ctx, exec.ID,
		v1.ExecutionStatusRunning, "", v1.ExecutionStatusPaused)
	require.NoError(t, err)
	require.True(t, ok)

	// Terminal transition stamps completed_at.
	ok, err = store.Workflows.TransitionExecution(ctx, exec.ID,
		v1.ExecutionStatusCancelled, "", v1.ExecutionStatusRunning, v1.ExecutionStatusPaused)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.Workflows.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, v1.ExecutionStatusCancelled, got.Status)
	require.NotZero(t, got.CompletedAt)

	// Terminal is sticky: no source status list includes a terminal state.
	ok, err = store.Workflows.TransitionExecution(ctx, exec.ID,
		v1.ExecutionStatusRunning, "", v1.ExecutionStatusPaused)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWorkflowStore_CancelRemainingSteps(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	exec := createDiamondExecution(t, store)

	_, err := store.Workflows.FinishStep(ctx, exec.ID, "fetch", v1.StepStatusCompleted, nil, "")
	require.NoError(t, err)

	n, err := store.Workflows.CancelRemainingSteps(ctx, exec.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	counts, err := store.Workflows.StepStatusCounts(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, 1, counts[v1.StepStatusCompleted])
	require.Equal(t, 3, counts[v1.StepStatusCancelled])

	// Finished steps reject further updates.
	_, err = store.Workflows.FinishStep(ctx, exec.ID, "report", v1.StepStatusCompleted, nil, "")
	require.True(t, apperr.Is(err, apperr.KindWrongState))
}

func TestWorkflowStore_EventLog(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	exec := createDiamondExecution(t, store)

	ok, err := store.Workflows.MarkStepRunning(ctx, exec.ID, "fetch")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = store.Workflows.FinishStep(ctx, exec.ID, "fetch",
		v1.StepStatusFailed, nil, "connection refused")
	require.NoError(t, err)

	_, err = store.Workflows.RetryStep(ctx, exec.ID, "fetch")
	require.NoError(t, err)

	ok, err = store.Workflows.TransitionExecution(ctx, exec.ID,
		v1.ExecutionStatusPaused, "", v1.ExecutionStatusRunning)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Workflows.TransitionExecution(ctx, exec.ID,
		v1.ExecutionStatusRunning, "", v1.ExecutionStatusPaused)
	require.NoError(t, err)
	require.True(t, ok)

	// A transition that matches no row leaves no trace in the log.
	ok, err = store.Workflows.TransitionExecution(ctx, exec.ID,
		v1.ExecutionStatusRunning, "", v1.ExecutionStatusPaused)
	require.NoError(t, err)
	require.False(t, ok)

	events, err := store.Workflows.ListEvents(ctx, exec.ID)
	require.NoError(t, err)

	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.EventType
		require.Equal(t, exec.ID, ev.ExecutionID)
		require.NotZero(t, ev.CreatedAt)
		if i > 0 {
			require.Greater(t, ev.ID, events[i-1].ID)
		}
	}
	require.Equal(t, []string{
		"started", "step_started", "step_failed", "step_retried", "paused", "resumed",
	}, types)

	require.Equal(t, "fetch", events[1].StepKey)
	require.Equal(t, "connection refused", events[2].Detail)
	require.Empty(t, events[4].StepKey)
}
