package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

const reviewFlow = `
name: review-flow
timeout_ms: 60000
on_complete: notify-done
inputs:
  feature:
    required: true
  reviewers:
    default: 2
steps:
  - key: plan
    name: Plan the change
    type: task
    config:
      prompt: "plan {{feature}}"
  - key: check
    name: Gate on approval
    type: gate
    depends_on: [plan]
    guard:
      type: expression
      condition: "inputs.reviewers > 1"
    config:
      condition: "steps.plan.output.ok === true"
  - key: ship
    type: task
    depends_on: [check]
    on_failure: retry
    max_retries: 2
`

func TestParse(t *testing.T) {
	wf, err := Parse([]byte(reviewFlow))
	require.NoError(t, err)

	require.Equal(t, "review-flow", wf.Name)
	require.EqualValues(t, 60000, wf.TimeoutMs)
	require.Equal(t, "notify-done", wf.OnComplete)

	require.Len(t, wf.Steps, 3)
	require.Equal(t, "plan", wf.Steps[0].Key)
	require.Equal(t, v1.StepTypeTask, wf.Steps[0].Type)
	require.JSONEq(t, `{"prompt":"plan {{feature}}"}`, string(wf.Steps[0].Config))

	check := wf.Steps[1]
	require.Equal(t, []string{"plan"}, check.DependsOn)
	require.NotNil(t, check.Guard)
	require.Equal(t, v1.GuardTypeExpression, check.Guard.Type)
	require.Equal(t, "inputs.reviewers > 1", check.Guard.Condition)

	ship := wf.Steps[2]
	require.Equal(t, v1.OnFailureRetry, ship.OnFailure)
	require.Equal(t, 2, ship.MaxRetries)

	require.True(t, wf.Inputs["feature"].Required)
	require.JSONEq(t, `2`, string(wf.Inputs["reviewers"].Default))
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte(`steps: [{key: a, type: task}]`))
	require.ErrorContains(t, err, "name is required")

	_, err = Parse([]byte(`name: empty`))
	require.ErrorContains(t, err, "no steps")

	_, err = Parse([]byte("name: bad\nsteps:\n  - type: task\n"))
	require.ErrorContains(t, err, "without a key")

	_, err = Parse([]byte(`{not yaml`))
	require.Error(t, err)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(reviewFlow), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yml"), []byte("name: first\nsteps:\n  - key: only\n    type: task\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("not a workflow"), 0o644))

	workflows, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, workflows, 2)
	// Files load in name order.
	require.Equal(t, "first", workflows[0].Name)
	require.Equal(t, "review-flow", workflows[1].Name)
}

func TestLoadDir_Missing(t *testing.T) {
	workflows, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	require.Empty(t, workflows)
}

func TestLoadDir_BadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("name: x"), 0o644))

	_, err := LoadDir(dir)
	require.ErrorContains(t, err, "no steps")
}
