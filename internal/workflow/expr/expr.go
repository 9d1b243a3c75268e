// Package expr is the sandboxed expression evaluator used by workflow guards
// and script steps.
//
// It supports literals (numbers, strings, booleans, null), field access on
// the evaluation environment, arithmetic, comparisons, boolean logic, and a
// fixed list of pure builtins. There is no I/O and no host access.
package expr

import (
	"fmt"
	"math"
	"reflect"
	"strings"
)

// Env is the evaluation environment. Workflow evaluation exposes `context`,
// `inputs`, and `steps.<key>.output` under these keys.
type Env map[string]any

// Eval parses and evaluates one expression against env.
func Eval(expression string, env Env) (any, error) {
	toks, err := lex(expression)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: toks}
	node, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.atEnd() {
		return nil, fmt.Errorf("unexpected token %q", p.peek().text)
	}
	return node.eval(env)
}

// EvalBool evaluates an expression and coerces the result to a boolean using
// truthiness (false, 0, "", null and empty collections are false).
func EvalBool(expression string, env Env) (bool, error) {
	v, err := Eval(expression, env)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Truthy reports whether a value counts as true.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		if n, ok := toNumber(v); ok {
			return n != 0
		}
		return true
	}
}

// node is one parsed expression node.
type node interface {
	eval(env Env) (any, error)
}

type literal struct{ value any }

func (n *literal) eval(Env) (any, error) { return n.value, nil }

// fieldAccess resolves a dotted path against the environment.
type fieldAccess struct {
	base node // nil means the root environment
	name string
}

func (n *fieldAccess) eval(env Env) (any, error) {
	var base any
	if n.base == nil {
		base = map[string]any(env)
	} else {
		var err error
		base, err = n.base.eval(env)
		if err != nil {
			return nil, err
		}
	}
	switch m := base.(type) {
	case map[string]any:
		return m[n.name], nil
	case Env:
		return m[n.name], nil
	case nil:
		// Missing intermediate fields resolve to null rather than failing,
		// so guards can probe optional outputs.
		return nil, nil
	default:
		return nil, fmt.Errorf("cannot access field %q on %T", n.name, base)
	}
}

type unaryOp struct {
	op      string
	operand node
}

func (n *unaryOp) eval(env Env) (any, error) {
	v, err := n.operand.eval(env)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		return !Truthy(v), nil
	case "-":
		num, ok := toNumber(v)
		if !ok {
			return nil, fmt.Errorf("cannot negate %T", v)
		}
		return -num, nil
	}
	return nil, fmt.Errorf("unknown unary operator %q", n.op)
}

type binaryOp struct {
	op          string
	left, right node
}

func (n *binaryOp) eval(env Env) (any, error) {
	// Short-circuit boolean operators.
	switch n.op {
	case "&&":
		lv, err := n.left.eval(env)
		if err != nil {
			return nil, err
		}
		if !Truthy(lv) {
			return false, nil
		}
		rv, err := n.right.eval(env)
		if err != nil {
			return nil, err
		}
		return Truthy(rv), nil
	case "||":
		lv, err := n.left.eval(env)
		if err != nil {
			return nil, err
		}
		if Truthy(lv) {
			return true, nil
		}
		rv, err := n.right.eval(env)
		if err != nil {
			return nil, err
		}
		return Truthy(rv), nil
	}

	lv, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	rv, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==", "===":
		return valuesEqual(lv, rv), nil
	case "!=", "!==":
		return !valuesEqual(lv, rv), nil
	case "<", "<=", ">", ">=":
		return compare(n.op, lv, rv)
	case "+":
		// String concatenation when either side is a string.
		if ls, ok := lv.(string); ok {
			return ls + stringify(rv), nil
		}
		if rs, ok := rv.(string); ok {
			return stringify(lv) + rs, nil
		}
		return arith(n.op, lv, rv)
	case "-", "*", "/", "%":
		return arith(n.op, lv, rv)
	}
	return nil, fmt.Errorf("unknown operator %q", n.op)
}

type call struct {
	name string
	args []node
}

func (n *call) eval(env Env) (any, error) {
	args := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(env)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return callBuiltin(n.name, args)
}

// valuesEqual compares with numeric normalization, so 1 == 1.0.
func valuesEqual(a, b any) bool {
	if an, ok := toNumber(a); ok {
		if bn, ok := toNumber(b); ok {
			return an == bn
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func compare(op string, a, b any) (any, error) {
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return nil, fmt.Errorf("cannot compare string with %T", b)
		}
		switch op {
		case "<":
			return as < bs, nil
		case "<=":
			return as <= bs, nil
		case ">":
			return as > bs, nil
		case ">=":
			return as >= bs, nil
		}
	}
	an, aok := toNumber(a)
	bn, bok := toNumber(b)
	if !aok || !bok {
		return nil, fmt.Errorf("cannot compare %T with %T", a, b)
	}
	switch op {
	case "<":
		return an < bn, nil
	case "<=":
		return an <= bn, nil
	case ">":
		return an > bn, nil
	case ">=":
		return an >= bn, nil
	}
	return nil, fmt.Errorf("unknown comparison %q", op)
}

func arith(op string, a, b any) (any, error) {
	an, aok := toNumber(a)
	bn, bok := toNumber(b)
	if !aok || !bok {
		return nil, fmt.Errorf("arithmetic on %T and %T", a, b)
	}
	switch op {
	case "+":
		return an + bn, nil
	case "-":
		return an - bn, nil
	case "*":
		return an * bn, nil
	case "/":
		if bn == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return an / bn, nil
	case "%":
		if bn == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return math.Mod(an, bn), nil
	}
	return nil, fmt.Errorf("unknown arithmetic operator %q", op)
}

// toNumber normalizes every numeric type to float64.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		// Whole numbers print without a trailing .0.
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func callBuiltin(name string, args []any) (any, error) {
	switch name {
	case "len":
		if err := arity(name, args, 1); err != nil {
			return nil, err
		}
		switch x := args[0].(type) {
		case string:
			return float64(len(x)), nil
		case []any:
			return float64(len(x)), nil
		case map[string]any:
			return float64(len(x)), nil
		case nil:
			return float64(0), nil
		}
		return nil, fmt.Errorf("len: unsupported type %T", args[0])

	case "contains":
		if err := arity(name, args, 2); err != nil {
			return nil, err
		}
		switch x := args[0].(type) {
		case string:
			s, ok := args[1].(string)
			if !ok {
				return nil, fmt.Errorf("contains: needle must be a string")
			}
			return strings.Contains(x, s), nil
		case []any:
			for _, item := range x {
				if valuesEqual(item, args[1]) {
					return true, nil
				}
			}
			return false, nil
		}
		return nil, fmt.Errorf("contains: unsupported type %T", args[0])

	case "startsWith", "endsWith":
		if err := arity(name, args, 2); err != nil {
			return nil, err
		}
		s, ok1 := args[0].(string)
		affix, ok2 := args[1].(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%s: both arguments must be strings", name)
		}
		if name == "startsWith" {
			return strings.HasPrefix(s, affix), nil
		}
		return strings.HasSuffix(s, affix), nil

	case "lower", "upper":
		if err := arity(name, args, 1); err != nil {
			return nil, err
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("%s: argument must be a string", name)
		}
		if name == "lower" {
			return strings.ToLower(s), nil
		}
		return strings.ToUpper(s), nil

	case "abs":
		if err := arity(name, args, 1); err != nil {
			return nil, err
		}
		n, ok := toNumber(args[0])
		if !ok {
			return nil, fmt.Errorf("abs: argument must be a number")
		}
		return math.Abs(n), nil

	case "min", "max":
		if len(args) == 0 {
			return nil, fmt.Errorf("%s: at least one argument required", name)
		}
		best, ok := toNumber(args[0])
		if !ok {
			return nil, fmt.Errorf("%s: arguments must be numbers", name)
		}
		for _, a := range args[1:] {
			n, ok := toNumber(a)
			if !ok {
				return nil, fmt.Errorf("%s: arguments must be numbers", name)
			}
			if (name == "min" && n < best) || (name == "max" && n > best) {
				best = n
			}
		}
		return best, nil

	case "coalesce":
		for _, a := range args {
			if a != nil {
				return a, nil
			}
		}
		return nil, nil
	}

	return nil, fmt.Errorf("unknown function %q", name)
}

func arity(name string, args []any, want int) error {
	if len(args) != want {
		return fmt.Errorf("%s: expected %d argument(s), got %d", name, want, len(args))
	}
	return nil
}
