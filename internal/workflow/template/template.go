// Package template resolves {{ident}} placeholders in step configuration
// strings. Bindings come from execution inputs; unbound placeholders go
// through a miss handler so callers decide between substituting empty and
// leaving the marker visible.
package template

import (
	"fmt"
	"regexp"
	"strconv"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// MissFunc is called for a placeholder with no binding. Its return value is
// substituted in place of the placeholder.
type MissFunc func(name string) string

// Resolver substitutes placeholder bindings into strings.
type Resolver struct {
	vars   map[string]string
	onMiss MissFunc
}

// NewResolver creates a resolver over the given bindings.
func NewResolver(vars map[string]string) *Resolver {
	return &Resolver{vars: vars}
}

// OnMiss registers the handler for unbound placeholders. Without one they are
// left as-is.
func (r *Resolver) OnMiss(f MissFunc) *Resolver {
	r.onMiss = f
	return r
}

// Resolve replaces every {{ident}} occurrence in s.
func (r *Resolver) Resolve(s string) string {
	if s == "" {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		if v, ok := r.vars[name]; ok {
			return v
		}
		if r.onMiss != nil {
			return r.onMiss(name)
		}
		return match
	})
}

// Contains reports whether raw holds any placeholder, letting callers skip
// decode work on configs without templates.
func Contains(raw []byte) bool {
	return placeholderRe.Match(raw)
}

// Stringify renders a decoded JSON value as a substitution string.
func Stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Bindings flattens input values into placeholder bindings.
func Bindings(inputs map[string]any) map[string]string {
	vars := make(map[string]string, len(inputs))
	for k, v := range inputs {
		vars[k] = Stringify(v)
	}
	return vars
}
