package validation

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/openrepo/editsync/common/models"
)

// ExprEvaluator evaluates field rules written in CEL (Common Expression Language).
// Expressions see `value` (the field value) and `field` (key, path, kind).
type ExprEvaluator struct {
	env   *cel.Env
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewExprEvaluator creates an evaluator with a compiled-program cache
func NewExprEvaluator() (*ExprEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("value", cel.DynType),
		cel.Variable("field", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	return &ExprEvaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Check compiles expr without evaluating it
func (e *ExprEvaluator) Check(expr string) error {
	_, err := e.program(expr)
	return err
}

// Evaluate runs expr against the field and returns its boolean result
func (e *ExprEvaluator) Evaluate(expr string, field models.Field) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"value": celValue(field.Value),
		"field": map[string]string{
			"key":  field.Key,
			"path": field.Path,
			"kind": string(field.Kind),
		},
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return boolean, got %T", out.Value())
	}

	return result, nil
}

// CacheSize returns the number of cached expressions
func (e *ExprEvaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

func (e *ExprEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, exists := e.cache[expr]
	e.mu.RUnlock()
	if exists {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()

	return prg, nil
}

// celValue flattens metadata values to plain strings so rules can use size(), matches() etc.
func celValue(v any) any {
	switch t := v.(type) {
	case nil:
		return ""
	case []models.MetadataValue:
		out := make([]string, len(t))
		for i, m := range t {
			out[i] = m.Value
		}
		return out
	}
	return v
}
