package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/swarmd/swarmd/internal/common/apperr"
	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

// WorkflowStore persists workflow definitions, executions, and step state.
type WorkflowStore struct {
	pool *Pool
}

// workflowDefinition is the JSON blob stored per workflow.
type workflowDefinition struct {
	Steps      []v1.StepDefinition           `json:"steps"`
	Inputs     map[string]v1.InputDefinition `json:"inputs,omitempty"`
	TimeoutMs  int64                         `json:"timeout_ms,omitempty"`
	OnComplete string                        `json:"on_complete,omitempty"`
	OnFailure  string                        `json:"on_failure,omitempty"`
}

// CreateWorkflow inserts a workflow definition.
func (s *WorkflowStore) CreateWorkflow(ctx context.Context, wf *v1.Workflow) error {
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	if wf.CreatedAt == 0 {
		wf.CreatedAt = nowMillis()
	}
	def, err := json.Marshal(workflowDefinition{
		Steps:      wf.Steps,
		Inputs:     wf.Inputs,
		TimeoutMs:  wf.TimeoutMs,
		OnComplete: wf.OnComplete,
		OnFailure:  wf.OnFailure,
	})
	if err != nil {
		return fmt.Errorf("encode workflow definition: %w", err)
	}
	_, err = s.pool.Writer().ExecContext(ctx, `
		INSERT INTO workflows (id, name, definition, created_at) VALUES (?, ?, ?, ?)`,
		wf.ID, wf.Name, string(def), wf.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("workflow already exists: %s", wf.Name)
		}
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

// GetWorkflow returns a workflow by id.
func (s *WorkflowStore) GetWorkflow(ctx context.Context, id string) (*v1.Workflow, error) {
	var row struct {
		ID         string `db:"id"`
		Name       string `db:"name"`
		Definition string `db:"definition"`
		CreatedAt  int64  `db:"created_at"`
	}
	err := s.pool.Reader().GetContext(ctx, &row,
		`SELECT id, name, definition, created_at FROM workflows WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err, "workflow", id)
	}
	var def workflowDefinition
	if err := json.Unmarshal([]byte(row.Definition), &def); err != nil {
		return nil, fmt.Errorf("decode workflow definition: %w", err)
	}
	return &v1.Workflow{
		ID:         row.ID,
		Name:       row.Name,
		Steps:      def.Steps,
		Inputs:     def.Inputs,
		TimeoutMs:  def.TimeoutMs,
		OnComplete: def.OnComplete,
		OnFailure:  def.OnFailure,
		CreatedAt:  row.CreatedAt,
	}, nil
}

// ListWorkflows returns all workflow definitions.
func (s *WorkflowStore) ListWorkflows(ctx context.Context) ([]*v1.Workflow, error) {
	var ids []string
	if err := s.pool.Reader().SelectContext(ctx, &ids,
		`SELECT id FROM workflows ORDER BY created_at ASC`); err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	wfs := make([]*v1.Workflow, 0, len(ids))
	for _, id := range ids {
		wf, err := s.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		wfs = append(wfs, wf)
	}
	return wfs, nil
}

// DeleteWorkflow removes a definition. Executions keep their step state.
func (s *WorkflowStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("workflow not found: %s", id)
	}
	return nil
}

type executionRow struct {
	ID          string        `db:"id"`
	WorkflowID  string        `db:"workflow_id"`
	CreatedBy   string        `db:"created_by"`
	Status      string        `db:"status"`
	Context     string        `db:"context"`
	SwarmID     string        `db:"swarm_id"`
	Error       string        `db:"error"`
	StartedAt   int64         `db:"started_at"`
	CompletedAt sql.NullInt64 `db:"completed_at"`
}

func (r *executionRow) toExecution() *v1.WorkflowExecution {
	exec := &v1.WorkflowExecution{
		ID:          r.ID,
		WorkflowID:  r.WorkflowID,
		CreatedBy:   r.CreatedBy,
		Status:      v1.ExecutionStatus(r.Status),
		SwarmID:     r.SwarmID,
		Error:       r.Error,
		StartedAt:   r.StartedAt,
		CompletedAt: millisOrZero(r.CompletedAt),
	}
	if r.Context != "" {
		exec.Context = json.RawMessage(r.Context)
	}
	return exec
}

const executionColumns = `id, workflow_id, created_by, status, context, swarm_id,
	error, started_at, completed_at`

// StepSeed is the initial state of one step when an execution is created.
type StepSeed struct {
	Key            string
	BlockedByCount int
	DependsOn      []string
}

// CreateExecution inserts an execution together with its step rows and
// dependency edges in one transaction.
func (s *WorkflowStore) CreateExecution(ctx context.Context, exec *v1.WorkflowExecution, seeds []StepSeed) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.StartedAt == 0 {
		exec.StartedAt = nowMillis()
	}
	if exec.Status == "" {
		exec.Status = v1.ExecutionStatusRunning
	}
	contextJSON := "{}"
	if len(exec.Context) > 0 {
		contextJSON = string(exec.Context)
	}

	return inTx(s.pool.Writer(), func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_executions (id, workflow_id, created_by, status, context,
				swarm_id, error, started_at)
			VALUES (?, ?, ?, ?, ?, ?, '', ?)`,
			exec.ID, exec.WorkflowID, exec.CreatedBy, string(exec.Status), contextJSON,
			exec.SwarmID, exec.StartedAt)
		if err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		for _, seed := range seeds {
			status := v1.StepStatusReady
			if seed.BlockedByCount > 0 {
				status = v1.StepStatusPending
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO execution_steps (id, execution_id, step_key, status, blocked_by_count)
				VALUES (?, ?, ?, ?, ?)`,
				uuid.New().String(), exec.ID, seed.Key, string(status), seed.BlockedByCount); err != nil {
				return fmt.Errorf("insert step %s: %w", seed.Key, err)
			}
			for _, dep := range seed.DependsOn {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO step_dependencies (execution_id, step_key, depends_on_key)
					VALUES (?, ?, ?)`, exec.ID, seed.Key, dep); err != nil {
					return fmt.Errorf("insert step dependency: %w", err)
				}
			}
		}
		return appendEventTx(ctx, tx, exec.ID, "started", "", "")
	})
}

// GetExecution returns an execution by id.
func (s *WorkflowStore) GetExecution(ctx context.Context, id string) (*v1.WorkflowExecution, error) {
	var row executionRow
	err := s.pool.Reader().GetContext(ctx, &row,
		`SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err, "execution", id)
	}
	return row.toExecution(), nil
}

// ListExecutions returns executions, newest first, optionally filtered by status.
func (s *WorkflowStore) ListExecutions(ctx context.Context, status v1.ExecutionStatus, limit int) ([]*v1.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var rows []executionRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	execs := make([]*v1.WorkflowExecution, len(rows))
	for i := range rows {
		execs[i] = rows[i].toExecution()
	}
	return execs, nil
}

// ListActiveExecutions returns executions the engine should advance.
func (s *WorkflowStore) ListActiveExecutions(ctx context.Context) ([]*v1.WorkflowExecution, error) {
	var rows []executionRow
	err := s.pool.Reader().SelectContext(ctx, &rows, `
		SELECT `+executionColumns+` FROM workflow_executions
		WHERE status IN (?, ?) ORDER BY started_at ASC`,
		string(v1.ExecutionStatusPending), string(v1.ExecutionStatusRunning))
	if err != nil {
		return nil, fmt.Errorf("list active executions: %w", err)
	}
	execs := make([]*v1.WorkflowExecution, len(rows))
	for i := range rows {
		execs[i] = rows[i].toExecution()
	}
	return execs, nil
}

// TransitionExecution moves an execution from one of the given statuses to
// another. Returns false when the execution was not in an eligible status.
func (s *WorkflowStore) TransitionExecution(ctx context.Context, id string, to v1.ExecutionStatus, errMsg string, from ...v1.ExecutionStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition requires at least one source status")
	}
	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}
	query, args, err := sqlxIn(`
		UPDATE workflow_executions SET status = ?, error = ?, completed_at = ?
		WHERE id = ? AND status IN (?)`,
		fromStrs)
	if err != nil {
		return false, err
	}
	var completedAt any
	if to.Terminal() {
		completedAt = nowMillis()
	}
	args = append([]any{string(to), errMsg, completedAt, id}, args...)

	var moved bool
	err = inTx(s.pool.Writer(), func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("transition execution: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return nil
		}
		moved = true
		// "running" as a transition target is always a resume; fresh
		// executions are inserted running, not transitioned there.
		event := string(to)
		if to == v1.ExecutionStatusRunning {
			event = "resumed"
		}
		return appendEventTx(ctx, tx, id, event, "", errMsg)
	})
	return moved, err
}

// SetExecutionContext replaces the execution's context document.
func (s *WorkflowStore) SetExecutionContext(ctx context.Context, id string, doc json.RawMessage) error {
	contextJSON := "{}"
	if len(doc) > 0 {
		contextJSON = string(doc)
	}
	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE workflow_executions SET context = ? WHERE id = ?`, contextJSON, id)
	if err != nil {
		return fmt.Errorf("set execution context: %w", err)
	}
	return nil
}

type stepRow struct {
	ID             string        `db:"id"`
	ExecutionID    string        `db:"execution_id"`
	StepKey        string        `db:"step_key"`
	Status         string        `db:"status"`
	BlockedByCount int           `db:"blocked_by_count"`
	RetryCount     int           `db:"retry_count"`
	Output         string        `db:"output"`
	Error          string        `db:"error"`
	StartedAt      sql.NullInt64 `db:"started_at"`
	EndedAt        sql.NullInt64 `db:"ended_at"`
}

func (r *stepRow) toStep() *v1.ExecutionStep {
	step := &v1.ExecutionStep{
		ID:             r.ID,
		ExecutionID:    r.ExecutionID,
		StepKey:        r.StepKey,
		Status:         v1.StepStatus(r.Status),
		BlockedByCount: r.BlockedByCount,
		RetryCount:     r.RetryCount,
		Error:          r.Error,
		StartedAt:      millisOrZero(r.StartedAt),
		EndedAt:        millisOrZero(r.EndedAt),
	}
	if r.Output != "" {
		step.Output = json.RawMessage(r.Output)
	}
	return step
}

const stepColumns = `id, execution_id, step_key, status, blocked_by_count, retry_count,
	output, error, started_at, ended_at`

// ListSteps returns all step rows of an execution.
func (s *WorkflowStore) ListSteps(ctx context.Context, executionID string) ([]*v1.ExecutionStep, error) {
	var rows []stepRow
	err := s.pool.Reader().SelectContext(ctx, &rows, `
		SELECT `+stepColumns+` FROM execution_steps WHERE execution_id = ?`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	steps := make([]*v1.ExecutionStep, len(rows))
	for i := range rows {
		steps[i] = rows[i].toStep()
	}
	return steps, nil
}

// GetStep returns one step of an execution by key.
func (s *WorkflowStore) GetStep(ctx context.Context, executionID, key string) (*v1.ExecutionStep, error) {
	var row stepRow
	err := s.pool.Reader().GetContext(ctx, &row, `
		SELECT `+stepColumns+` FROM execution_steps
		WHERE execution_id = ? AND step_key = ?`, executionID, key)
	if err != nil {
		return nil, notFound(err, "step", key)
	}
	return row.toStep(), nil
}

// GetStepByID returns one step row by its id.
func (s *WorkflowStore) GetStepByID(ctx context.Context, id string) (*v1.ExecutionStep, error) {
	var row stepRow
	err := s.pool.Reader().GetContext(ctx, &row,
		`SELECT `+stepColumns+` FROM execution_steps WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err, "step", id)
	}
	return row.toStep(), nil
}

// RunnableSteps returns ready steps, i.e. those whose dependencies are all satisfied.
func (s *WorkflowStore) RunnableSteps(ctx context.Context, executionID string) ([]*v1.ExecutionStep, error) {
	var rows []stepRow
	err := s.pool.Reader().SelectContext(ctx, &rows, `
		SELECT `+stepColumns+` FROM execution_steps
		WHERE execution_id = ? AND status = ? AND blocked_by_count = 0`,
		executionID, string(v1.StepStatusReady))
	if err != nil {
		return nil, fmt.Errorf("runnable steps: %w", err)
	}
	steps := make([]*v1.ExecutionStep, len(rows))
	for i := range rows {
		steps[i] = rows[i].toStep()
	}
	return steps, nil
}

// MarkStepRunning transitions a ready step to running. Returns false when
// the step already left ready (lost race or cancelled).
func (s *WorkflowStore) MarkStepRunning(ctx context.Context, executionID, key string) (bool, error) {
	var moved bool
	err := inTx(s.pool.Writer(), func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE execution_steps SET status = ?, started_at = ?
			WHERE execution_id = ? AND step_key = ? AND status = ?`,
			string(v1.StepStatusRunning), nowMillis(), executionID, key, string(v1.StepStatusReady))
		if err != nil {
			return fmt.Errorf("mark step running: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		moved = true
		return appendEventTx(ctx, tx, executionID, "step_started", key, "")
	})
	return moved, err
}

// MarkStepBlocked parks a running step while it waits on an external signal
// (gate approval, spawned worker completion).
func (s *WorkflowStore) MarkStepBlocked(ctx context.Context, executionID, key string) error {
	return inTx(s.pool.Writer(), func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE execution_steps SET status = ?
			WHERE execution_id = ? AND step_key = ? AND status = ?`,
			string(v1.StepStatusBlocked), executionID, key, string(v1.StepStatusRunning))
		if err != nil {
			return fmt.Errorf("mark step blocked: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.WrongState("step %s is not running", key)
		}
		return appendEventTx(ctx, tx, executionID, "step_blocked", key, "")
	})
}

// FinishStep records a terminal step status and, when the status satisfies
// dependencies, decrements dependents in the same transaction. Returns the
// keys of steps that became unblocked.
func (s *WorkflowStore) FinishStep(ctx context.Context, executionID, key string, status v1.StepStatus, output json.RawMessage, errMsg string) ([]string, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("finish step with non-terminal status %s", status)
	}
	var released []string
	err := inTx(s.pool.Writer(), func(tx *sqlx.Tx) error {
		outputJSON := ""
		if len(output) > 0 {
			outputJSON = string(output)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE execution_steps SET status = ?, output = ?, error = ?, ended_at = ?
			WHERE execution_id = ? AND step_key = ? AND status NOT IN (?, ?, ?)`,
			string(status), outputJSON, errMsg, nowMillis(), executionID, key,
			string(v1.StepStatusCompleted), string(v1.StepStatusSkipped), string(v1.StepStatusCancelled))
		if err != nil {
			return fmt.Errorf("finish step: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.WrongState("step %s already finished", key)
		}
		if err := appendEventTx(ctx, tx, executionID, "step_"+string(status), key, errMsg); err != nil {
			return err
		}
		if !status.Satisfies() {
			return nil
		}
		var txErr error
		released, txErr = releaseDependentsTx(ctx, tx, executionID, key)
		return txErr
	})
	return released, err
}

// ReleaseDependents decrements dependents of key as if it had satisfied its
// downstream edges, returning the keys that became ready. Used by the engine
// for the continue failure policy and for gate branch release.
func (s *WorkflowStore) ReleaseDependents(ctx context.Context, executionID, key string) ([]string, error) {
	var released []string
	err := inTx(s.pool.Writer(), func(tx *sqlx.Tx) error {
		var txErr error
		released, txErr = releaseDependentsTx(ctx, tx, executionID, key)
		return txErr
	})
	return released, err
}

func releaseDependentsTx(ctx context.Context, tx *sqlx.Tx, executionID, key string) ([]string, error) {
	var dependents []string
	if err := tx.SelectContext(ctx, &dependents, `
		SELECT step_key FROM step_dependencies
		WHERE execution_id = ? AND depends_on_key = ?`, executionID, key); err != nil {
		return nil, fmt.Errorf("find step dependents: %w", err)
	}
	if len(dependents) == 0 {
		return nil, nil
	}

	query, args, err := sqlxIn(`
		UPDATE execution_steps SET blocked_by_count = blocked_by_count - 1
		WHERE execution_id = ? AND step_key IN (?) AND blocked_by_count > 0`, dependents)
	if err != nil {
		return nil, err
	}
	args = append([]any{executionID}, args...)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("decrement step dependents: %w", err)
	}

	query, args, err = sqlxIn(`
		UPDATE execution_steps SET status = ?
		WHERE execution_id = ? AND step_key IN (?)
		  AND blocked_by_count = 0 AND status = ?`, dependents)
	if err != nil {
		return nil, err
	}
	args = append([]any{string(v1.StepStatusReady), executionID}, args...)
	args = append(args, string(v1.StepStatusPending))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("release step dependents: %w", err)
	}

	query, args, err = sqlxIn(`
		SELECT step_key FROM execution_steps
		WHERE execution_id = ? AND step_key IN (?)
		  AND blocked_by_count = 0 AND status = ?`, dependents)
	if err != nil {
		return nil, err
	}
	args = append([]any{executionID}, args...)
	args = append(args, string(v1.StepStatusReady))
	var released []string
	if err := tx.SelectContext(ctx, &released, query, args...); err != nil {
		return nil, fmt.Errorf("find released steps: %w", err)
	}
	return released, nil
}

// RetryStep resets a failed step back to ready and bumps its retry counter.
// Its dependencies were already satisfied, so it can dispatch again directly.
func (s *WorkflowStore) RetryStep(ctx context.Context, executionID, key string) (int, error) {
	var count int
	err := inTx(s.pool.Writer(), func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE execution_steps
			SET status = ?, retry_count = retry_count + 1, error = '', started_at = NULL, ended_at = NULL
			WHERE execution_id = ? AND step_key = ?`,
			string(v1.StepStatusReady), executionID, key)
		if err != nil {
			return fmt.Errorf("retry step: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.NotFound("step not found: %s", key)
		}
		if err := tx.GetContext(ctx, &count, `
			SELECT retry_count FROM execution_steps
			WHERE execution_id = ? AND step_key = ?`, executionID, key); err != nil {
			return fmt.Errorf("read retry count: %w", err)
		}
		return appendEventTx(ctx, tx, executionID, "step_retried", key, "")
	})
	return count, err
}

// CancelRemainingSteps marks every non-terminal step of an execution cancelled.
func (s *WorkflowStore) CancelRemainingSteps(ctx context.Context, executionID string) (int64, error) {
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE execution_steps SET status = ?, ended_at = ?
		WHERE execution_id = ? AND status IN (?, ?, ?, ?)`,
		string(v1.StepStatusCancelled), nowMillis(), executionID,
		string(v1.StepStatusPending), string(v1.StepStatusReady),
		string(v1.StepStatusBlocked), string(v1.StepStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("cancel steps: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// StepStatusCounts returns how many steps of an execution sit in each status.
func (s *WorkflowStore) StepStatusCounts(ctx context.Context, executionID string) (map[v1.StepStatus]int, error) {
	rows, err := s.pool.Reader().QueryContext(ctx, `
		SELECT status, COUNT(*) FROM execution_steps
		WHERE execution_id = ? GROUP BY status`, executionID)
	if err != nil {
		return nil, fmt.Errorf("step status counts: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	counts := make(map[v1.StepStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[v1.StepStatus(status)] = count
	}
	return counts, rows.Err()
}

// LastStepActivity returns the newest step start/end timestamp of an execution,
// or the execution start time when no step has moved yet.
func (s *WorkflowStore) LastStepActivity(ctx context.Context, executionID string) (int64, error) {
	var last sql.NullInt64
	err := s.pool.Reader().GetContext(ctx, &last, `
		SELECT MAX(ts) FROM (
			SELECT MAX(started_at) AS ts FROM execution_steps WHERE execution_id = ?
			UNION ALL
			SELECT MAX(ended_at) AS ts FROM execution_steps WHERE execution_id = ?
		)`, executionID, executionID)
	if err != nil {
		return 0, fmt.Errorf("last step activity: %w", err)
	}
	if last.Valid {
		return last.Int64, nil
	}
	exec, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return 0, err
	}
	return exec.StartedAt, nil
}

type eventRow struct {
	ID          int64  `db:"id"`
	ExecutionID string `db:"execution_id"`
	EventType   string `db:"event_type"`
	StepKey     string `db:"step_key"`
	Detail      string `db:"detail"`
	CreatedAt   int64  `db:"created_at"`
}

func (r *eventRow) toEvent() *v1.WorkflowEvent {
	return &v1.WorkflowEvent{
		ID:          r.ID,
		ExecutionID: r.ExecutionID,
		EventType:   r.EventType,
		StepKey:     r.StepKey,
		Detail:      r.Detail,
		CreatedAt:   r.CreatedAt,
	}
}

// appendEventTx records one transition log entry inside the transaction that
// performs the transition, so the log never disagrees with the row it describes.
func appendEventTx(ctx context.Context, tx *sqlx.Tx, executionID, eventType, stepKey, detail string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_events (execution_id, event_type, step_key, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		executionID, eventType, stepKey, detail, nowMillis())
	if err != nil {
		return fmt.Errorf("append workflow event: %w", err)
	}
	return nil
}

// ListEvents returns an execution's transition log in append order.
func (s *WorkflowStore) ListEvents(ctx context.Context, executionID string) ([]*v1.WorkflowEvent, error) {
	var rows []eventRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, `
		SELECT id, execution_id, event_type, step_key, detail, created_at
		FROM workflow_events
		WHERE execution_id = ?
		ORDER BY id ASC`, executionID); err != nil {
		return nil, fmt.Errorf("list workflow events: %w", err)
	}
	events := make([]*v1.WorkflowEvent, len(rows))
	for i := range rows {
		events[i] = rows[i].toEvent()
	}
	return events, nil
}
