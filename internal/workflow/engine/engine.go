// Package engine executes workflow DAGs: it materialises executions from
// definitions, dispatches steps by type, applies guards and retry policies,
// and detects completion and deadlocks.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swarmd/swarmd/internal/common/apperr"
	"github.com/swarmd/swarmd/internal/common/config"
	"github.com/swarmd/swarmd/internal/common/logger"
	"github.com/swarmd/swarmd/internal/common/stringutil"
	"github.com/swarmd/swarmd/internal/events/bus"
	"github.com/swarmd/swarmd/internal/storage"
	"github.com/swarmd/swarmd/internal/workflow/dag"
	"github.com/swarmd/swarmd/internal/workflow/models"
	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

// maxStepErrorLen bounds the failure text persisted per step.
const maxStepErrorLen = 2048

// SpawnQueue admits spawn steps into the spawn pipeline. Engine-originated
// requests are approved immediately; operator approval gates only
// worker-requested spawns.
type SpawnQueue interface {
	Enqueue(ctx context.Context, item *v1.SpawnQueueItem) error
	Approve(ctx context.Context, id string) error
}

// Checkpoints creates and reads session handoffs for checkpoint steps. The
// swarm service satisfies this.
type Checkpoints interface {
	CreateCheckpoint(ctx context.Context, cp *v1.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*v1.Checkpoint, error)
}

// stepRef identifies one step of one execution.
type stepRef struct {
	executionID string
	stepKey     string
}

// Engine drives workflow executions forward on a tick loop.
type Engine struct {
	cfg         config.WorkflowConfig
	logger      *logger.Logger
	store       *storage.Store
	bus         bus.EventBus
	queue       SpawnQueue  // optional
	checkpoints Checkpoints // optional

	kick   chan struct{}
	tickMu sync.Mutex

	mu              sync.Mutex
	checkpointWaits map[stepRef]string // step → checkpoint id
	spawnWaits      map[string]stepRef // spawn item id → step
}

// NewEngine creates the engine and subscribes it to spawn fulfilment events.
func NewEngine(cfg config.WorkflowConfig, store *storage.Store, eventBus bus.EventBus, queue SpawnQueue, checkpoints Checkpoints, log *logger.Logger) (*Engine, error) {
	e := &Engine{
		cfg:             cfg,
		logger:          log.WithFields(zap.String("component", "workflow-engine")),
		store:           store,
		bus:             eventBus,
		queue:           queue,
		checkpoints:     checkpoints,
		kick:            make(chan struct{}, 1),
		checkpointWaits: make(map[stepRef]string),
		spawnWaits:      make(map[string]stepRef),
	}
	if _, err := eventBus.Subscribe(string(bus.TagSpawnFulfilled), e.onSpawnFulfilled); err != nil {
		return nil, fmt.Errorf("subscribe spawn fulfilment: %w", err)
	}
	return e, nil
}

// CreateWorkflow validates and stores a workflow definition.
func (e *Engine) CreateWorkflow(ctx context.Context, wf *v1.Workflow) error {
	if wf.Name == "" {
		return apperr.Validation("workflow name is required")
	}
	if len(wf.Steps) == 0 {
		return apperr.Validation("workflow needs at least one step")
	}

	seen := make(map[string]struct{}, len(wf.Steps))
	nodes := make([]dag.Node, 0, len(wf.Steps))
	for _, step := range wf.Steps {
		if !v1.ValidHandle(step.Key) {
			return apperr.Validation("invalid step key: %q", step.Key)
		}
		if _, dup := seen[step.Key]; dup {
			return apperr.Validation("duplicate step key: %q", step.Key)
		}
		seen[step.Key] = struct{}{}
		if !validStepType(step.Type) {
			return apperr.Validation("step %s: unknown type %q", step.Key, step.Type)
		}
		if step.OnFailure != "" && !validOnFailure(step.OnFailure) {
			return apperr.Validation("step %s: unknown failure policy %q", step.Key, step.OnFailure)
		}
		nodes = append(nodes, dag.Node{ID: step.Key, DependsOn: step.DependsOn})
	}
	if err := dag.Validate(nodes); err != nil {
		return apperr.Validation("invalid step graph: %v", err)
	}

	if err := e.store.Workflows.CreateWorkflow(ctx, wf); err != nil {
		return err
	}
	e.logger.Info("workflow created", zap.String("workflow_id", wf.ID), zap.String("name", wf.Name))
	return nil
}

// GetWorkflow returns one workflow definition.
func (e *Engine) GetWorkflow(ctx context.Context, id string) (*v1.Workflow, error) {
	return e.store.Workflows.GetWorkflow(ctx, id)
}

// ListWorkflows returns every stored definition.
func (e *Engine) ListWorkflows(ctx context.Context) ([]*v1.Workflow, error) {
	return e.store.Workflows.ListWorkflows(ctx)
}

// DeleteWorkflow removes a definition; past executions keep their state.
func (e *Engine) DeleteWorkflow(ctx context.Context, id string) error {
	return e.store.Workflows.DeleteWorkflow(ctx, id)
}

// LoadDefinitions registers the YAML workflow definitions shipped in the
// configured directory. Definitions whose name is already taken are skipped.
func (e *Engine) LoadDefinitions(ctx context.Context) error {
	if e.cfg.DefinitionDir == "" {
		return nil
	}
	workflows, err := models.LoadDir(e.cfg.DefinitionDir)
	if err != nil {
		return err
	}
	for _, wf := range workflows {
		if err := e.CreateWorkflow(ctx, wf); err != nil {
			if apperr.Is(err, apperr.KindConflict) {
				e.logger.Debug("definition already registered", zap.String("name", wf.Name))
				continue
			}
			return fmt.Errorf("load definition %s: %w", wf.Name, err)
		}
		e.logger.Info("definition loaded", zap.String("name", wf.Name), zap.String("workflow_id", wf.ID))
	}
	return nil
}

// GraphView is the analysed shape of a workflow's step graph.
type GraphView struct {
	Order  []string   `json:"order"`
	Levels [][]string `json:"levels"`
	Cycles [][]string `json:"cycles,omitempty"`
	Valid  bool       `json:"valid"`
}

// Graph returns the topological order, parallel levels, and any cycles of a
// workflow definition.
func (e *Engine) Graph(ctx context.Context, workflowID string) (*GraphView, error) {
	wf, err := e.store.Workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	nodes := make([]dag.Node, len(wf.Steps))
	for i, step := range wf.Steps {
		nodes[i] = dag.Node{ID: step.Key, DependsOn: step.DependsOn}
	}
	sorted := dag.Sort(nodes)
	report := dag.DetectCycles(nodes)
	return &GraphView{
		Order:  sorted.Order,
		Levels: sorted.Levels,
		Cycles: report.Cycles,
		Valid:  sorted.Valid,
	}, nil
}

// StartWorkflow validates inputs and creates a running execution with one
// step row per definition.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID, createdBy string, inputs map[string]any, swarmID string) (*v1.WorkflowExecution, error) {
	wf, err := e.store.Workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if inputs == nil {
		inputs = map[string]any{}
	}
	for name, def := range wf.Inputs {
		if _, ok := inputs[name]; ok {
			continue
		}
		if len(def.Default) > 0 {
			var v any
			if err := json.Unmarshal(def.Default, &v); err == nil {
				inputs[name] = v
			}
			continue
		}
		if def.Required {
			return nil, apperr.Validation("missing required input: %s", name)
		}
	}

	doc := contextDoc{"inputs": inputs}
	seeds := make([]storage.StepSeed, len(wf.Steps))
	for i, step := range wf.Steps {
		seeds[i] = storage.StepSeed{
			Key:            step.Key,
			BlockedByCount: len(step.DependsOn),
			DependsOn:      step.DependsOn,
		}
	}

	exec := &v1.WorkflowExecution{
		WorkflowID: workflowID,
		CreatedBy:  createdBy,
		Status:     v1.ExecutionStatusRunning,
		Context:    doc.encode(),
		SwarmID:    swarmID,
	}
	if err := e.store.Workflows.CreateExecution(ctx, exec, seeds); err != nil {
		return nil, err
	}

	e.publish(ctx, bus.TagWorkflowStarted, map[string]any{
		"execution_id": exec.ID,
		"workflow_id":  workflowID,
		"created_by":   createdBy,
	})
	for _, step := range wf.Steps {
		if len(step.DependsOn) == 0 {
			e.publish(ctx, bus.TagWorkflowStepReady, map[string]any{
				"execution_id": exec.ID,
				"step_key":     step.Key,
			})
		}
	}
	e.logger.Info("execution started",
		zap.String("execution_id", exec.ID),
		zap.String("workflow_id", workflowID),
		zap.String("created_by", createdBy))
	e.Kick()
	return exec, nil
}

// GetExecution returns one execution.
func (e *Engine) GetExecution(ctx context.Context, id string) (*v1.WorkflowExecution, error) {
	return e.store.Workflows.GetExecution(ctx, id)
}

// ListExecutions returns executions, optionally filtered by status.
func (e *Engine) ListExecutions(ctx context.Context, status v1.ExecutionStatus, limit int) ([]*v1.WorkflowExecution, error) {
	return e.store.Workflows.ListExecutions(ctx, status, limit)
}

// ListSteps returns the step state of an execution.
func (e *Engine) ListSteps(ctx context.Context, executionID string) ([]*v1.ExecutionStep, error) {
	if _, err := e.store.Workflows.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return e.store.Workflows.ListSteps(ctx, executionID)
}

// ExecutionEvents returns an execution's transition log in append order.
func (e *Engine) ExecutionEvents(ctx context.Context, executionID string) ([]*v1.WorkflowEvent, error) {
	if _, err := e.store.Workflows.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return e.store.Workflows.ListEvents(ctx, executionID)
}

// PauseExecution parks a running execution. Pausing an already paused
// execution is a no-op.
func (e *Engine) PauseExecution(ctx context.Context, id string) error {
	exec, err := e.store.Workflows.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	switch exec.Status {
	case v1.ExecutionStatusPaused:
		return nil
	case v1.ExecutionStatusRunning, v1.ExecutionStatusPending:
		ok, err := e.store.Workflows.TransitionExecution(ctx, id, v1.ExecutionStatusPaused, "",
			v1.ExecutionStatusRunning, v1.ExecutionStatusPending)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.WrongState("execution %s cannot be paused", id)
		}
		e.publish(ctx, bus.TagWorkflowPaused, map[string]any{"execution_id": id})
		return nil
	default:
		return apperr.WrongState("execution %s is %s", id, exec.Status)
	}
}

// ResumeExecution continues a paused execution. Resuming a running execution
// is a no-op.
func (e *Engine) ResumeExecution(ctx context.Context, id string) error {
	exec, err := e.store.Workflows.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	switch exec.Status {
	case v1.ExecutionStatusRunning:
		return nil
	case v1.ExecutionStatusPaused:
		ok, err := e.store.Workflows.TransitionExecution(ctx, id, v1.ExecutionStatusRunning, "",
			v1.ExecutionStatusPaused)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.WrongState("execution %s cannot be resumed", id)
		}
		e.publish(ctx, bus.TagWorkflowResumed, map[string]any{"execution_id": id})
		e.Kick()
		return nil
	default:
		return apperr.WrongState("execution %s is %s", id, exec.Status)
	}
}

// CancelExecution terminates a non-terminal execution and cancels its
// remaining steps. Cancelling twice is a no-op.
func (e *Engine) CancelExecution(ctx context.Context, id string) error {
	exec, err := e.store.Workflows.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status == v1.ExecutionStatusCancelled {
		return nil
	}
	if exec.Status.Terminal() {
		return apperr.WrongState("execution %s is %s", id, exec.Status)
	}
	ok, err := e.store.Workflows.TransitionExecution(ctx, id, v1.ExecutionStatusCancelled, "",
		v1.ExecutionStatusPending, v1.ExecutionStatusRunning, v1.ExecutionStatusPaused)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.WrongState("execution %s cannot be cancelled", id)
	}
	if _, err := e.store.Workflows.CancelRemainingSteps(ctx, id); err != nil {
		return err
	}
	e.clearExecutionWaits(id)
	e.publish(ctx, bus.TagWorkflowCancelled, map[string]any{"execution_id": id})
	e.logger.Info("execution cancelled", zap.String("execution_id", id))
	return nil
}

// CompleteStep records the outcome of a dispatched step. An empty errMsg
// completes the step; otherwise the step's failure policy applies.
func (e *Engine) CompleteStep(ctx context.Context, stepID string, output json.RawMessage, errMsg string) error {
	step, err := e.store.Workflows.GetStepByID(ctx, stepID)
	if err != nil {
		return err
	}
	if step.Status != v1.StepStatusRunning && step.Status != v1.StepStatusBlocked {
		return apperr.WrongState("step %s is %s", step.StepKey, step.Status)
	}
	exec, err := e.store.Workflows.GetExecution(ctx, step.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return apperr.WrongState("execution %s is %s", exec.ID, exec.Status)
	}
	wf, err := e.store.Workflows.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return err
	}
	def := findStep(wf, step.StepKey)
	if def == nil {
		return apperr.New(apperr.KindInternal, "step definition missing: %s", step.StepKey)
	}

	e.clearStepWaits(stepRef{executionID: exec.ID, stepKey: step.StepKey})
	if errMsg != "" {
		// Worker-reported failure text is unbounded; cap what we persist.
		errMsg = stringutil.TruncateWithEllipsis(errMsg, maxStepErrorLen)
		if err := e.applyFailure(ctx, exec, def, step, errMsg); err != nil {
			return err
		}
	} else {
		if _, err := e.finishStep(ctx, exec.ID, step.StepKey, v1.StepStatusCompleted, output, ""); err != nil {
			return err
		}
	}
	e.checkCompletion(ctx, exec.ID)
	e.Kick()
	return nil
}

// RetryStep resets a failed step back to ready within a live execution.
func (e *Engine) RetryStep(ctx context.Context, stepID string) error {
	step, err := e.store.Workflows.GetStepByID(ctx, stepID)
	if err != nil {
		return err
	}
	if step.Status != v1.StepStatusFailed {
		return apperr.WrongState("step %s is %s, only failed steps can be retried", step.StepKey, step.Status)
	}
	exec, err := e.store.Workflows.GetExecution(ctx, step.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return apperr.WrongState("execution %s is %s", exec.ID, exec.Status)
	}
	if _, err := e.store.Workflows.RetryStep(ctx, exec.ID, step.StepKey); err != nil {
		return err
	}
	e.publish(ctx, bus.TagWorkflowStepReady, map[string]any{
		"execution_id": exec.ID,
		"step_key":     step.StepKey,
		"retry":        true,
	})
	e.Kick()
	return nil
}

// Kick requests an immediate tick.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Run drives the engine until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	interval := time.Duration(e.cfg.TickInterval) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("workflow engine running", zap.Duration("tick", interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Tick(ctx)
		case <-e.kick:
			e.Tick(ctx)
		}
	}
}

func validStepType(t v1.StepType) bool {
	switch t {
	case v1.StepTypeTask, v1.StepTypeSpawn, v1.StepTypeCheckpoint,
		v1.StepTypeGate, v1.StepTypeParallel, v1.StepTypeScript:
		return true
	}
	return false
}

func validOnFailure(p v1.OnFailure) bool {
	switch p {
	case v1.OnFailureFail, v1.OnFailureSkip, v1.OnFailureRetry, v1.OnFailureContinue:
		return true
	}
	return false
}

func findStep(wf *v1.Workflow, key string) *v1.StepDefinition {
	for i := range wf.Steps {
		if wf.Steps[i].Key == key {
			return &wf.Steps[i]
		}
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, tag bus.Tag, data map[string]any) {
	if err := e.bus.Publish(ctx, bus.NewEvent(tag, data)); err != nil {
		e.logger.WithError(err).Warn("event publish", zap.String("tag", string(tag)))
	}
}
