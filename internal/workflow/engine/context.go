package engine

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/swarmd/swarmd/internal/workflow/expr"
	"github.com/swarmd/swarmd/internal/workflow/template"
	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

// contextDoc is the persisted execution context: the merged inputs plus
// script outputs at the top level, and a steps map maintained as steps
// finish.
type contextDoc map[string]any

func decodeContext(raw json.RawMessage) contextDoc {
	doc := contextDoc{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &doc)
	}
	return doc
}

func (d contextDoc) inputs() map[string]any {
	if m, ok := d["inputs"].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func (d contextDoc) encode() json.RawMessage {
	raw, err := json.Marshal(d)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

// buildEnv materialises the sandbox view for guard and script evaluation:
// inputs, terminal upstream step outputs, and execution identity. Steps never
// observe non-terminal peers.
func buildEnv(exec *v1.WorkflowExecution, doc contextDoc, steps []*v1.ExecutionStep) expr.Env {
	stepsView := map[string]any{}
	for _, st := range steps {
		if !st.Status.Terminal() {
			continue
		}
		var output any
		if len(st.Output) > 0 {
			_ = json.Unmarshal(st.Output, &output)
		}
		stepsView[st.StepKey] = map[string]any{
			"output": output,
			"status": string(st.Status),
		}
	}
	return expr.Env{
		"context":      map[string]any(doc),
		"inputs":       doc.inputs(),
		"steps":        stepsView,
		"swarm_id":     exec.SwarmID,
		"execution_id": exec.ID,
	}
}

// evalGuard runs a guard condition in the sandbox. Guard variables are
// expressions evaluated first and exposed under their names.
func evalGuard(g *v1.Guard, env expr.Env) (bool, error) {
	if len(g.Variables) > 0 {
		extended := make(expr.Env, len(env)+len(g.Variables))
		for k, v := range env {
			extended[k] = v
		}
		for name, src := range g.Variables {
			v, err := expr.Eval(src, env)
			if err != nil {
				return false, fmt.Errorf("guard variable %s: %w", name, err)
			}
			extended[name] = v
		}
		env = extended
	}
	switch g.Type {
	case v1.GuardTypeExpression, v1.GuardTypeScript, v1.GuardTypeOutputCheck, "":
		return expr.EvalBool(g.Condition, env)
	default:
		return false, fmt.Errorf("unknown guard type %q", g.Type)
	}
}

// substituteConfig replaces {{ident}} placeholders in every string of a step
// config with the matching input value. Missing inputs become empty strings.
func (e *Engine) substituteConfig(raw json.RawMessage, inputs map[string]any, executionID, stepKey string) json.RawMessage {
	if len(raw) == 0 || !template.Contains(raw) {
		return raw
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return raw
	}
	resolver := template.NewResolver(template.Bindings(inputs)).OnMiss(func(name string) string {
		e.logger.Warn("template input missing",
			zap.String("execution_id", executionID),
			zap.String("step_key", stepKey),
			zap.String("input", name))
		return ""
	})
	doc = substituteValue(doc, resolver)
	out, err := json.Marshal(doc)
	if err != nil {
		return raw
	}
	return out
}

func substituteValue(v any, r *template.Resolver) any {
	switch x := v.(type) {
	case string:
		return r.Resolve(x)
	case map[string]any:
		for k, item := range x {
			x[k] = substituteValue(item, r)
		}
		return x
	case []any:
		for i, item := range x {
			x[i] = substituteValue(item, r)
		}
		return x
	default:
		return v
	}
}
