package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/swarmd/swarmd/internal/common/apperr"
	"github.com/swarmd/swarmd/internal/events/bus"
	"github.com/swarmd/swarmd/internal/workflow/dag"
	"github.com/swarmd/swarmd/internal/workflow/expr"
	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

type spawnStepConfig struct {
	RequesterHandle string      `json:"requester_handle"`
	AgentType       string      `json:"agent_type"`
	Task            string      `json:"task"`
	Priority        v1.Priority `json:"priority"`
	DepthLevel      int         `json:"depth_level"`
	DependsOn       []string    `json:"depends_on"`
}

type checkpointStepConfig struct {
	FromHandle        string   `json:"from_handle"`
	ToHandle          string   `json:"to_handle"`
	Goal              string   `json:"goal"`
	Now               string   `json:"now"`
	Next              []string `json:"next"`
	WaitForAcceptance bool     `json:"wait_for_acceptance"`
}

type gateStepConfig struct {
	Condition string   `json:"condition"`
	OnTrue    []string `json:"on_true"`
	OnFalse   []string `json:"on_false"`
}

type parallelStepConfig struct {
	Steps    []string `json:"steps"`
	Strategy string   `json:"strategy"` // all | any | race
}

type scriptStepConfig struct {
	Expression string `json:"expression"`
	OutputKey  string `json:"output_key"`
}

// Tick advances every active execution. Passes are serialised; concurrent
// kicks collapse into the next pass.
func (e *Engine) Tick(ctx context.Context) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	execs, err := e.store.Workflows.ListActiveExecutions(ctx)
	if err != nil {
		e.logger.WithError(err).Error("list active executions")
		return
	}
	for _, exec := range execs {
		if exec.Status != v1.ExecutionStatusRunning {
			continue
		}
		e.processExecution(ctx, exec)
	}
}

func (e *Engine) processExecution(ctx context.Context, exec *v1.WorkflowExecution) {
	wf, err := e.store.Workflows.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		e.failExecution(ctx, exec.ID, fmt.Sprintf("workflow definition unavailable: %v", err))
		return
	}

	now := time.Now().UnixMilli()
	if wf.TimeoutMs > 0 && now-exec.StartedAt > wf.TimeoutMs {
		e.failExecution(ctx, exec.ID, "execution timeout")
		e.runHook(ctx, wf.OnFailure, exec.ID)
		return
	}

	steps, err := e.store.Workflows.ListSteps(ctx, exec.ID)
	if err != nil {
		e.logger.WithError(err).Error("list steps", zap.String("execution_id", exec.ID))
		return
	}

	for _, step := range steps {
		switch step.Status {
		case v1.StepStatusBlocked:
			e.resolveBlocked(ctx, exec, wf, step, steps)
		case v1.StepStatusRunning:
			def := findStep(wf, step.StepKey)
			if def != nil && def.TimeoutMs > 0 && step.StartedAt > 0 && now-step.StartedAt > def.TimeoutMs {
				if err := e.applyFailure(ctx, exec, def, step, "step timeout"); err != nil {
					e.logger.WithError(err).Warn("step timeout handling",
						zap.String("execution_id", exec.ID), zap.String("step_key", step.StepKey))
				}
			}
		}
	}

	// Dispatch until the ready frontier is exhausted. Gates and scripts
	// complete inline and can make further steps ready within the same pass.
	for range wf.Steps {
		runnable, err := e.store.Workflows.RunnableSteps(ctx, exec.ID)
		if err != nil {
			e.logger.WithError(err).Error("runnable steps", zap.String("execution_id", exec.ID))
			break
		}
		if len(runnable) == 0 {
			break
		}
		progressed := false
		for _, step := range runnable {
			if e.dispatchStep(ctx, exec, wf, step) {
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	e.checkCompletion(ctx, exec.ID)
	e.checkDeadlock(ctx, exec, wf)
}

// dispatchStep moves one ready step into flight. Reports whether the step
// reached a state that may have unblocked others.
func (e *Engine) dispatchStep(ctx context.Context, exec *v1.WorkflowExecution, wf *v1.Workflow, step *v1.ExecutionStep) bool {
	def := findStep(wf, step.StepKey)
	if def == nil {
		_ = e.failStep(ctx, exec, step.StepKey, "step definition missing")
		return true
	}

	execRec, err := e.store.Workflows.GetExecution(ctx, exec.ID)
	if err != nil {
		return false
	}
	doc := decodeContext(execRec.Context)
	steps, err := e.store.Workflows.ListSteps(ctx, exec.ID)
	if err != nil {
		return false
	}
	env := buildEnv(execRec, doc, steps)

	if def.Guard != nil {
		pass, err := evalGuard(def.Guard, env)
		if err != nil {
			_ = e.failStep(ctx, exec, step.StepKey, fmt.Sprintf("guard_error: %v", err))
			return true
		}
		if !pass {
			released, err := e.finishStep(ctx, exec.ID, step.StepKey, v1.StepStatusSkipped, nil, "guard")
			if err != nil {
				e.logger.WithError(err).Warn("skip guarded step", zap.String("step_key", step.StepKey))
			}
			return len(released) > 0 || err == nil
		}
	}

	ok, err := e.store.Workflows.MarkStepRunning(ctx, exec.ID, step.StepKey)
	if err != nil || !ok {
		return false
	}

	config := e.substituteConfig(def.Config, doc.inputs(), exec.ID, step.StepKey)

	switch def.Type {
	case v1.StepTypeTask:
		e.publish(ctx, bus.TagWorkflowStepStarted, map[string]any{
			"execution_id": exec.ID,
			"step_key":     step.StepKey,
			"step_id":      step.ID,
			"type":         string(def.Type),
			"config":       string(config),
		})
		return false // waits for CompleteStep

	case v1.StepTypeSpawn:
		return e.dispatchSpawn(ctx, exec, def, step, config)

	case v1.StepTypeCheckpoint:
		return e.dispatchCheckpoint(ctx, exec, def, step, config)

	case v1.StepTypeGate:
		return e.dispatchGate(ctx, exec, def, step, config, env)

	case v1.StepTypeParallel:
		if err := e.store.Workflows.MarkStepBlocked(ctx, exec.ID, step.StepKey); err != nil {
			e.logger.WithError(err).Warn("block parallel step", zap.String("step_key", step.StepKey))
		}
		return false // resolved against member statuses each tick

	case v1.StepTypeScript:
		return e.dispatchScript(ctx, exec, def, step, config, env)
	}

	_ = e.applyFailureByKey(ctx, exec, def, step.StepKey, fmt.Sprintf("unknown step type %q", def.Type))
	return true
}

func (e *Engine) dispatchSpawn(ctx context.Context, exec *v1.WorkflowExecution, def *v1.StepDefinition, step *v1.ExecutionStep, config json.RawMessage) bool {
	if e.queue == nil {
		_ = e.applyFailureByKey(ctx, exec, def, step.StepKey, "spawn queue unavailable")
		return true
	}
	var cfg spawnStepConfig
	if err := json.Unmarshal(config, &cfg); err != nil || cfg.AgentType == "" {
		_ = e.applyFailureByKey(ctx, exec, def, step.StepKey, "invalid spawn config: agent_type is required")
		return true
	}
	if cfg.RequesterHandle == "" {
		cfg.RequesterHandle = "workflow"
	}

	ref := stepRef{executionID: exec.ID, stepKey: step.StepKey}
	refJSON, _ := json.Marshal(map[string]string{
		"execution_id": ref.executionID,
		"step_key":     ref.stepKey,
	})
	item := &v1.SpawnQueueItem{
		RequesterHandle: cfg.RequesterHandle,
		TargetAgentType: cfg.AgentType,
		DepthLevel:      cfg.DepthLevel,
		Priority:        cfg.Priority,
		Task:            cfg.Task,
		Context:         refJSON,
		DependsOn:       cfg.DependsOn,
	}
	if err := e.queue.Enqueue(ctx, item); err != nil {
		_ = e.applyFailureByKey(ctx, exec, def, step.StepKey, fmt.Sprintf("enqueue spawn: %v", err))
		return true
	}
	if err := e.queue.Approve(ctx, item.ID); err != nil {
		e.logger.WithError(err).Warn("approve workflow spawn", zap.String("item_id", item.ID))
	}

	e.mu.Lock()
	e.spawnWaits[item.ID] = ref
	e.mu.Unlock()

	if err := e.store.Workflows.MarkStepBlocked(ctx, exec.ID, step.StepKey); err != nil {
		e.logger.WithError(err).Warn("block spawn step", zap.String("step_key", step.StepKey))
	}
	e.publish(ctx, bus.TagWorkflowStepStarted, map[string]any{
		"execution_id":  exec.ID,
		"step_key":      step.StepKey,
		"step_id":       step.ID,
		"type":          string(v1.StepTypeSpawn),
		"spawn_item_id": item.ID,
	})
	return false
}

func (e *Engine) dispatchCheckpoint(ctx context.Context, exec *v1.WorkflowExecution, def *v1.StepDefinition, step *v1.ExecutionStep, config json.RawMessage) bool {
	if e.checkpoints == nil {
		_ = e.applyFailureByKey(ctx, exec, def, step.StepKey, "checkpoint service unavailable")
		return true
	}
	var cfg checkpointStepConfig
	if err := json.Unmarshal(config, &cfg); err != nil || cfg.ToHandle == "" {
		_ = e.applyFailureByKey(ctx, exec, def, step.StepKey, "invalid checkpoint config: to_handle is required")
		return true
	}
	if cfg.FromHandle == "" {
		cfg.FromHandle = "workflow"
	}
	if cfg.Goal == "" {
		cfg.Goal = fmt.Sprintf("workflow step %s", step.StepKey)
	}
	if cfg.Now == "" {
		cfg.Now = fmt.Sprintf("execution %s reached step %s", exec.ID, step.StepKey)
	}

	cp := &v1.Checkpoint{
		FromHandle: cfg.FromHandle,
		ToHandle:   cfg.ToHandle,
		Goal:       cfg.Goal,
		Now:        cfg.Now,
		Next:       cfg.Next,
	}
	if err := e.checkpoints.CreateCheckpoint(ctx, cp); err != nil {
		_ = e.applyFailureByKey(ctx, exec, def, step.StepKey, fmt.Sprintf("create checkpoint: %v", err))
		return true
	}

	e.publish(ctx, bus.TagWorkflowStepStarted, map[string]any{
		"execution_id":  exec.ID,
		"step_key":      step.StepKey,
		"step_id":       step.ID,
		"type":          string(v1.StepTypeCheckpoint),
		"checkpoint_id": cp.ID,
	})

	if cfg.WaitForAcceptance {
		e.mu.Lock()
		e.checkpointWaits[stepRef{executionID: exec.ID, stepKey: step.StepKey}] = cp.ID
		e.mu.Unlock()
		if err := e.store.Workflows.MarkStepBlocked(ctx, exec.ID, step.StepKey); err != nil {
			e.logger.WithError(err).Warn("block checkpoint step", zap.String("step_key", step.StepKey))
		}
		return false
	}

	output, _ := json.Marshal(map[string]string{"checkpoint_id": cp.ID})
	_, err := e.finishStep(ctx, exec.ID, step.StepKey, v1.StepStatusCompleted, output, "")
	return err == nil
}

// dispatchGate evaluates the gate condition and releases exactly one branch.
// Branch steps declare the gate in dependsOn; completing the gate releases
// them through the normal cascade, and the losing branch is skipped before
// anything can dispatch it.
func (e *Engine) dispatchGate(ctx context.Context, exec *v1.WorkflowExecution, def *v1.StepDefinition, step *v1.ExecutionStep, config json.RawMessage, env expr.Env) bool {
	var cfg gateStepConfig
	if err := json.Unmarshal(config, &cfg); err != nil || cfg.Condition == "" {
		_ = e.applyFailureByKey(ctx, exec, def, step.StepKey, "invalid gate config: condition is required")
		return true
	}
	result, err := evalGuard(&v1.Guard{Type: v1.GuardTypeExpression, Condition: cfg.Condition}, env)
	if err != nil {
		_ = e.applyFailureByKey(ctx, exec, def, step.StepKey, fmt.Sprintf("guard_error: %v", err))
		return true
	}

	losing := cfg.OnFalse
	if !result {
		losing = cfg.OnTrue
	}

	output, _ := json.Marshal(map[string]bool{"result": result})
	if _, err := e.finishStep(ctx, exec.ID, step.StepKey, v1.StepStatusCompleted, output, ""); err != nil {
		e.logger.WithError(err).Warn("finish gate step", zap.String("step_key", step.StepKey))
		return false
	}
	for _, key := range losing {
		if _, err := e.finishStep(ctx, exec.ID, key, v1.StepStatusSkipped, nil, "gate"); err != nil {
			if !apperr.Is(err, apperr.KindWrongState) {
				e.logger.WithError(err).Warn("skip gate branch",
					zap.String("execution_id", exec.ID), zap.String("step_key", key))
			}
		}
	}
	return true
}

func (e *Engine) dispatchScript(ctx context.Context, exec *v1.WorkflowExecution, def *v1.StepDefinition, step *v1.ExecutionStep, config json.RawMessage, env expr.Env) bool {
	var cfg scriptStepConfig
	if err := json.Unmarshal(config, &cfg); err != nil || cfg.Expression == "" {
		_ = e.applyFailureByKey(ctx, exec, def, step.StepKey, "invalid script config: expression is required")
		return true
	}

	result, err := expr.Eval(cfg.Expression, env)
	if err != nil {
		_ = e.applyFailureByKey(ctx, exec, def, step.StepKey, fmt.Sprintf("script: %v", err))
		return true
	}

	if cfg.OutputKey != "" {
		execRec, err := e.store.Workflows.GetExecution(ctx, exec.ID)
		if err == nil {
			doc := decodeContext(execRec.Context)
			doc[cfg.OutputKey] = result
			if err := e.store.Workflows.SetExecutionContext(ctx, exec.ID, doc.encode()); err != nil {
				e.logger.WithError(err).Warn("store script output", zap.String("step_key", step.StepKey))
			}
		}
	}

	output, _ := json.Marshal(map[string]any{"result": result})
	_, err = e.finishStep(ctx, exec.ID, step.StepKey, v1.StepStatusCompleted, output, "")
	return err == nil
}

// resolveBlocked checks whether a parked step's external condition has been
// met: checkpoint resolution or parallel member completion. Spawn steps are
// resolved by spawn.fulfilled events instead.
func (e *Engine) resolveBlocked(ctx context.Context, exec *v1.WorkflowExecution, wf *v1.Workflow, step *v1.ExecutionStep, steps []*v1.ExecutionStep) {
	def := findStep(wf, step.StepKey)
	if def == nil {
		return
	}
	switch def.Type {
	case v1.StepTypeCheckpoint:
		e.resolveCheckpointWait(ctx, exec, def, step)
	case v1.StepTypeParallel:
		e.resolveParallelWait(ctx, exec, def, step, steps)
	}
}

func (e *Engine) resolveCheckpointWait(ctx context.Context, exec *v1.WorkflowExecution, def *v1.StepDefinition, step *v1.ExecutionStep) {
	ref := stepRef{executionID: exec.ID, stepKey: step.StepKey}
	e.mu.Lock()
	cpID, ok := e.checkpointWaits[ref]
	e.mu.Unlock()
	if !ok || e.checkpoints == nil {
		return
	}
	cp, err := e.checkpoints.GetCheckpoint(ctx, cpID)
	if err != nil {
		e.logger.WithError(err).Warn("read awaited checkpoint", zap.String("checkpoint_id", cpID))
		return
	}
	switch cp.Status {
	case v1.CheckpointStatusAccepted:
		e.clearStepWaits(ref)
		output, _ := json.Marshal(map[string]string{"checkpoint_id": cpID, "status": string(cp.Status)})
		if _, err := e.finishStep(ctx, exec.ID, step.StepKey, v1.StepStatusCompleted, output, ""); err != nil {
			e.logger.WithError(err).Warn("complete checkpoint step", zap.String("step_key", step.StepKey))
		}
	case v1.CheckpointStatusRejected:
		e.clearStepWaits(ref)
		if err := e.applyFailure(ctx, exec, def, step, "checkpoint rejected"); err != nil {
			e.logger.WithError(err).Warn("fail checkpoint step", zap.String("step_key", step.StepKey))
		}
	}
}

func (e *Engine) resolveParallelWait(ctx context.Context, exec *v1.WorkflowExecution, def *v1.StepDefinition, step *v1.ExecutionStep, steps []*v1.ExecutionStep) {
	var cfg parallelStepConfig
	if err := json.Unmarshal(def.Config, &cfg); err != nil || len(cfg.Steps) == 0 {
		_ = e.applyFailure(ctx, exec, def, step, "invalid parallel config: steps are required")
		return
	}
	byKey := make(map[string]*v1.ExecutionStep, len(steps))
	for _, st := range steps {
		byKey[st.StepKey] = st
	}

	members := make([]*v1.ExecutionStep, 0, len(cfg.Steps))
	for _, key := range cfg.Steps {
		member, ok := byKey[key]
		if !ok {
			_ = e.applyFailure(ctx, exec, def, step, fmt.Sprintf("parallel references unknown step %q", key))
			return
		}
		members = append(members, member)
	}

	statuses := make(map[string]string, len(members))
	terminal, completed := 0, 0
	var firstDone *v1.ExecutionStep
	for _, m := range members {
		statuses[m.StepKey] = string(m.Status)
		if m.Status.Terminal() {
			terminal++
			if firstDone == nil || (m.EndedAt > 0 && m.EndedAt < firstDone.EndedAt) {
				firstDone = m
			}
		}
		if m.Status == v1.StepStatusCompleted {
			completed++
		}
	}

	finish := func(ok bool, detail map[string]any) {
		if ok {
			output, _ := json.Marshal(detail)
			if _, err := e.finishStep(ctx, exec.ID, step.StepKey, v1.StepStatusCompleted, output, ""); err != nil {
				e.logger.WithError(err).Warn("complete parallel step", zap.String("step_key", step.StepKey))
			}
			return
		}
		if err := e.applyFailure(ctx, exec, def, step, "no parallel member completed"); err != nil {
			e.logger.WithError(err).Warn("fail parallel step", zap.String("step_key", step.StepKey))
		}
	}

	switch cfg.Strategy {
	case "any":
		if completed > 0 {
			finish(true, map[string]any{"strategy": "any", "statuses": statuses})
		} else if terminal == len(members) {
			finish(false, nil)
		}
	case "race":
		if firstDone == nil {
			return
		}
		// Losers are skipped, not cancelled: skipping keeps the execution
		// completable and releases anything depending on a loser.
		for _, m := range members {
			if m.StepKey == firstDone.StepKey || m.Status.Terminal() {
				continue
			}
			if _, err := e.finishStep(ctx, exec.ID, m.StepKey, v1.StepStatusSkipped, nil, "lost race"); err != nil {
				if !apperr.Is(err, apperr.KindWrongState) {
					e.logger.WithError(err).Warn("cancel race loser", zap.String("step_key", m.StepKey))
				}
			}
		}
		if firstDone.Status.Satisfies() {
			finish(true, map[string]any{"strategy": "race", "winner": firstDone.StepKey})
		} else {
			finish(false, nil)
		}
	default: // all
		if terminal == len(members) {
			finish(true, map[string]any{"strategy": "all", "statuses": statuses})
		}
	}
}

// onSpawnFulfilled completes the spawn step waiting on the fulfilled item.
func (e *Engine) onSpawnFulfilled(ctx context.Context, ev *bus.Event) error {
	itemID := ev.String("id")
	e.mu.Lock()
	ref, ok := e.spawnWaits[itemID]
	if ok {
		delete(e.spawnWaits, itemID)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}

	output, _ := json.Marshal(map[string]string{
		"worker_id": ev.String("worker_id"),
		"handle":    ev.String("handle"),
	})
	if _, err := e.finishStep(ctx, ref.executionID, ref.stepKey, v1.StepStatusCompleted, output, ""); err != nil {
		e.logger.WithError(err).Warn("complete spawn step",
			zap.String("execution_id", ref.executionID), zap.String("step_key", ref.stepKey))
		return nil
	}
	e.checkCompletion(ctx, ref.executionID)
	e.Kick()
	return nil
}

// finishStep records a terminal step status, publishes the step events, and
// keeps the persisted context's steps map current.
func (e *Engine) finishStep(ctx context.Context, executionID, key string, status v1.StepStatus, output json.RawMessage, errMsg string) ([]string, error) {
	released, err := e.store.Workflows.FinishStep(ctx, executionID, key, status, output, errMsg)
	if err != nil {
		return nil, err
	}
	e.syncContextSteps(ctx, executionID)

	switch status {
	case v1.StepStatusCompleted, v1.StepStatusSkipped:
		e.publish(ctx, bus.TagWorkflowStepCompleted, map[string]any{
			"execution_id": executionID,
			"step_key":     key,
			"status":       string(status),
		})
	case v1.StepStatusFailed:
		e.publish(ctx, bus.TagWorkflowStepFailed, map[string]any{
			"execution_id": executionID,
			"step_key":     key,
			"error":        errMsg,
		})
	}
	for _, readyKey := range released {
		e.publish(ctx, bus.TagWorkflowStepReady, map[string]any{
			"execution_id": executionID,
			"step_key":     readyKey,
		})
	}
	return released, nil
}

// failStep fails a step outright, outside any retry policy.
func (e *Engine) failStep(ctx context.Context, exec *v1.WorkflowExecution, key, errMsg string) error {
	if _, err := e.finishStep(ctx, exec.ID, key, v1.StepStatusFailed, nil, errMsg); err != nil {
		return err
	}
	e.failExecution(ctx, exec.ID, fmt.Sprintf("step %s: %s", key, errMsg))
	return nil
}

func (e *Engine) applyFailureByKey(ctx context.Context, exec *v1.WorkflowExecution, def *v1.StepDefinition, key, errMsg string) error {
	step, err := e.store.Workflows.GetStep(ctx, exec.ID, key)
	if err != nil {
		return err
	}
	return e.applyFailure(ctx, exec, def, step, errMsg)
}

// applyFailure routes a step error through its failure policy.
func (e *Engine) applyFailure(ctx context.Context, exec *v1.WorkflowExecution, def *v1.StepDefinition, step *v1.ExecutionStep, errMsg string) error {
	e.clearStepWaits(stepRef{executionID: exec.ID, stepKey: step.StepKey})

	policy := def.OnFailure
	if policy == "" {
		policy = v1.OnFailureFail
	}

	switch policy {
	case v1.OnFailureRetry:
		if step.RetryCount < def.MaxRetries {
			if _, err := e.store.Workflows.RetryStep(ctx, exec.ID, step.StepKey); err != nil {
				return err
			}
			e.publish(ctx, bus.TagWorkflowStepFailed, map[string]any{
				"execution_id": exec.ID,
				"step_key":     step.StepKey,
				"error":        errMsg,
				"retrying":     true,
			})
			e.Kick()
			return nil
		}
		// Budget exhausted, fall through to fail.

	case v1.OnFailureSkip:
		_, err := e.finishStep(ctx, exec.ID, step.StepKey, v1.StepStatusSkipped, nil, errMsg)
		return err

	case v1.OnFailureContinue:
		if _, err := e.finishStep(ctx, exec.ID, step.StepKey, v1.StepStatusFailed, nil, errMsg); err != nil {
			return err
		}
		released, err := e.store.Workflows.ReleaseDependents(ctx, exec.ID, step.StepKey)
		if err != nil {
			return err
		}
		for _, readyKey := range released {
			e.publish(ctx, bus.TagWorkflowStepReady, map[string]any{
				"execution_id": exec.ID,
				"step_key":     readyKey,
			})
		}
		return nil
	}

	return e.failStep(ctx, exec, step.StepKey, errMsg)
}

// failExecution marks an execution failed and cancels its remaining steps.
func (e *Engine) failExecution(ctx context.Context, executionID, errMsg string) {
	ok, err := e.store.Workflows.TransitionExecution(ctx, executionID, v1.ExecutionStatusFailed, errMsg,
		v1.ExecutionStatusPending, v1.ExecutionStatusRunning, v1.ExecutionStatusPaused)
	if err != nil {
		e.logger.WithError(err).Error("fail execution", zap.String("execution_id", executionID))
		return
	}
	if !ok {
		return
	}
	if _, err := e.store.Workflows.CancelRemainingSteps(ctx, executionID); err != nil {
		e.logger.WithError(err).Warn("cancel remaining steps", zap.String("execution_id", executionID))
	}
	e.clearExecutionWaits(executionID)
	e.publish(ctx, bus.TagWorkflowFailed, map[string]any{
		"execution_id": executionID,
		"error":        errMsg,
	})
	e.logger.Warn("execution failed",
		zap.String("execution_id", executionID), zap.String("error", errMsg))
}

// checkCompletion finalises an execution once every step is terminal.
func (e *Engine) checkCompletion(ctx context.Context, executionID string) {
	counts, err := e.store.Workflows.StepStatusCounts(ctx, executionID)
	if err != nil {
		e.logger.WithError(err).Error("step status counts", zap.String("execution_id", executionID))
		return
	}
	nonTerminal := counts[v1.StepStatusPending] + counts[v1.StepStatusReady] +
		counts[v1.StepStatusRunning] + counts[v1.StepStatusBlocked]
	if nonTerminal > 0 {
		return
	}

	final := v1.ExecutionStatusCompleted
	errMsg := ""
	switch {
	case counts[v1.StepStatusFailed] > 0:
		final = v1.ExecutionStatusFailed
		errMsg = e.firstStepError(ctx, executionID)
	case counts[v1.StepStatusCancelled] > 0:
		final = v1.ExecutionStatusCancelled
	}

	ok, err := e.store.Workflows.TransitionExecution(ctx, executionID, final, errMsg,
		v1.ExecutionStatusPending, v1.ExecutionStatusRunning, v1.ExecutionStatusPaused)
	if err != nil {
		e.logger.WithError(err).Error("finalise execution", zap.String("execution_id", executionID))
		return
	}
	if !ok {
		return // already terminal
	}
	e.clearExecutionWaits(executionID)

	exec, err := e.store.Workflows.GetExecution(ctx, executionID)
	if err != nil {
		return
	}
	wf, wfErr := e.store.Workflows.GetWorkflow(ctx, exec.WorkflowID)

	switch final {
	case v1.ExecutionStatusCompleted:
		e.publish(ctx, bus.TagWorkflowCompleted, map[string]any{
			"execution_id": executionID,
			"workflow_id":  exec.WorkflowID,
		})
		e.logger.Info("execution completed", zap.String("execution_id", executionID))
		if wfErr == nil {
			e.runHook(ctx, wf.OnComplete, executionID)
		}
	case v1.ExecutionStatusFailed:
		e.publish(ctx, bus.TagWorkflowFailed, map[string]any{
			"execution_id": executionID,
			"error":        errMsg,
		})
		e.logger.Warn("execution failed", zap.String("execution_id", executionID), zap.String("error", errMsg))
		if wfErr == nil {
			e.runHook(ctx, wf.OnFailure, executionID)
		}
	case v1.ExecutionStatusCancelled:
		e.publish(ctx, bus.TagWorkflowCancelled, map[string]any{"execution_id": executionID})
	}
}

func (e *Engine) firstStepError(ctx context.Context, executionID string) string {
	steps, err := e.store.Workflows.ListSteps(ctx, executionID)
	if err != nil {
		return ""
	}
	for _, step := range steps {
		if step.Status == v1.StepStatusFailed && step.Error != "" {
			return fmt.Sprintf("step %s: %s", step.StepKey, step.Error)
		}
	}
	return ""
}

// checkDeadlock fails an execution that cannot make progress: nothing ready,
// running, or blocked, yet pending steps remain, for longer than the stuck
// timeout.
func (e *Engine) checkDeadlock(ctx context.Context, exec *v1.WorkflowExecution, wf *v1.Workflow) {
	current, err := e.store.Workflows.GetExecution(ctx, exec.ID)
	if err != nil || current.Status != v1.ExecutionStatusRunning {
		return
	}
	counts, err := e.store.Workflows.StepStatusCounts(ctx, exec.ID)
	if err != nil {
		return
	}
	inFlight := counts[v1.StepStatusReady] + counts[v1.StepStatusRunning] + counts[v1.StepStatusBlocked]
	if inFlight > 0 || counts[v1.StepStatusPending] == 0 {
		return
	}

	stuck := time.Duration(e.cfg.StuckTimeout) * time.Second
	if stuck <= 0 {
		stuck = 30 * time.Minute
	}
	last, err := e.store.Workflows.LastStepActivity(ctx, exec.ID)
	if err != nil {
		return
	}
	if time.Since(time.UnixMilli(last)) < stuck {
		return
	}

	nodes := make([]dag.Node, len(wf.Steps))
	for i, step := range wf.Steps {
		nodes[i] = dag.Node{ID: step.Key, DependsOn: step.DependsOn}
	}
	report := dag.DetectCycles(nodes)
	e.publish(ctx, bus.TagWorkflowDeadlock, map[string]any{
		"execution_id": exec.ID,
		"workflow_id":  exec.WorkflowID,
		"pending":      counts[v1.StepStatusPending],
		"cycles":       fmt.Sprintf("%v", report.Cycles),
	})
	e.failExecution(ctx, exec.ID, "deadlock")
	e.runHook(ctx, wf.OnFailure, exec.ID)
}

// syncContextSteps rebuilds the steps map of the persisted context from the
// current step rows so the final record carries every output.
func (e *Engine) syncContextSteps(ctx context.Context, executionID string) {
	exec, err := e.store.Workflows.GetExecution(ctx, executionID)
	if err != nil {
		return
	}
	steps, err := e.store.Workflows.ListSteps(ctx, executionID)
	if err != nil {
		return
	}
	doc := decodeContext(exec.Context)
	stepsMap := map[string]any{}
	for _, step := range steps {
		if !step.Status.Terminal() {
			continue
		}
		var output any
		if len(step.Output) > 0 {
			_ = json.Unmarshal(step.Output, &output)
		}
		stepsMap[step.StepKey] = map[string]any{
			"output": output,
			"status": string(step.Status),
		}
	}
	doc["steps"] = stepsMap
	if err := e.store.Workflows.SetExecutionContext(ctx, executionID, doc.encode()); err != nil {
		e.logger.WithError(err).Warn("sync execution context", zap.String("execution_id", executionID))
	}
}

// runHook starts the workflow named by a completion hook, carrying the final
// execution identity as inputs.
func (e *Engine) runHook(ctx context.Context, hook, executionID string) {
	if hook == "" {
		return
	}
	exec, err := e.store.Workflows.GetExecution(ctx, executionID)
	if err != nil {
		return
	}
	target, err := e.resolveHookWorkflow(ctx, hook)
	if err != nil {
		e.logger.WithError(err).Warn("resolve completion hook", zap.String("hook", hook))
		return
	}
	inputs := map[string]any{
		"execution_id": exec.ID,
		"workflow_id":  exec.WorkflowID,
		"status":       string(exec.Status),
		"error":        exec.Error,
	}
	if _, err := e.StartWorkflow(ctx, target.ID, "hook:"+exec.ID, inputs, exec.SwarmID); err != nil {
		e.logger.WithError(err).Warn("start completion hook",
			zap.String("hook", hook), zap.String("execution_id", executionID))
	}
}

// resolveHookWorkflow accepts a workflow id or name.
func (e *Engine) resolveHookWorkflow(ctx context.Context, hook string) (*v1.Workflow, error) {
	wf, err := e.store.Workflows.GetWorkflow(ctx, hook)
	if err == nil {
		return wf, nil
	}
	if !apperr.Is(err, apperr.KindNotFound) {
		return nil, err
	}
	all, err := e.store.Workflows.ListWorkflows(ctx)
	if err != nil {
		return nil, err
	}
	for _, candidate := range all {
		if candidate.Name == hook {
			return candidate, nil
		}
	}
	return nil, apperr.NotFound("hook workflow not found: %s", hook)
}

func (e *Engine) clearStepWaits(ref stepRef) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.checkpointWaits, ref)
	for itemID, r := range e.spawnWaits {
		if r == ref {
			delete(e.spawnWaits, itemID)
		}
	}
}

func (e *Engine) clearExecutionWaits(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ref := range e.checkpointWaits {
		if ref.executionID == executionID {
			delete(e.checkpointWaits, ref)
		}
	}
	for itemID, ref := range e.spawnWaits {
		if ref.executionID == executionID {
			delete(e.spawnWaits, itemID)
		}
	}
}
