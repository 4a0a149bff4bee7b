package expression

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/tombee/maestro/pkg/errors"
)

// Evaluator evaluates condition and script expressions against an
// execution context. Compiled programs are cached for repeated
// evaluations; conditions and value programs are cached separately
// because they compile with different options.
type Evaluator struct {
	boolCache  map[string]*vm.Program
	valueCache map[string]*vm.Program
	mu         sync.RWMutex
}

// New creates a new expression evaluator.
func New() *Evaluator {
	return &Evaluator{
		boolCache:  make(map[string]*vm.Program),
		valueCache: make(map[string]*vm.Program),
	}
}

// Evaluate evaluates a condition expression against the given context
// and returns its boolean result.
//
// The context should contain:
//   - inputs: resolved workflow input values
//   - variables: execution variables
//   - outputs: step results keyed by step name
//
// Example:
//
//	ctx := expression.BuildContext(inputs, vars, outputs)
//	ok, err := eval.Evaluate(`outputs.validate.passed && variables.attempt < 3`, ctx)
func (e *Evaluator) Evaluate(expression string, ctx map[string]interface{}) (bool, error) {
	if expression == "" {
		return true, nil // Empty condition defaults to true
	}

	program, err := e.compile(expression, true)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("failed to compile expression: %s", err.Error()),
			Suggestion: "check expression syntax and ensure all referenced variables exist",
		}
	}

	result, err := e.run(program, ctx)
	if err != nil {
		return false, err
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression must return boolean, got %T (%v)", result, result),
			Suggestion: "use comparison operators (==, !=, <, >, etc.) or boolean functions",
		}
	}

	return boolResult, nil
}

// EvaluateValue evaluates a script expression and returns whatever
// value the program produces. Used for script steps and computed
// transform fields, where the result becomes part of the execution
// context rather than a branch decision.
func (e *Evaluator) EvaluateValue(expression string, ctx map[string]interface{}) (interface{}, error) {
	if expression == "" {
		return nil, &errors.ValidationError{
			Field:   "expression",
			Message: "empty program",
		}
	}

	program, err := e.compile(expression, false)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("failed to compile program: %s", err.Error()),
			Suggestion: "check expression syntax and ensure all referenced variables exist",
		}
	}

	return e.run(program, ctx)
}

func (e *Evaluator) run(program *vm.Program, ctx map[string]interface{}) (interface{}, error) {
	// Merge custom functions into context for runtime
	// Note: "contains" is reserved in expr for string operations
	evalCtx := make(map[string]interface{}, len(ctx)+3)
	for k, v := range ctx {
		evalCtx[k] = v
	}
	evalCtx["has"] = containsFunc
	evalCtx["includes"] = containsFunc
	evalCtx["length"] = lenFunc

	result, err := expr.Run(program, evalCtx)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression evaluation failed: %s", err.Error()),
			Suggestion: "verify that all referenced variables exist in the execution context",
		}
	}
	return result, nil
}

// compile compiles an expression and caches the result.
func (e *Evaluator) compile(expression string, asBool bool) (*vm.Program, error) {
	cache := e.valueCache
	if asBool {
		cache = e.boolCache
	}

	e.mu.RLock()
	if prog, ok := cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	// Note: "contains" is a reserved string operator in expr, so custom
	// membership checks use "has" and "includes"
	env := map[string]interface{}{
		"has":      containsFunc,
		"includes": containsFunc,
		"length":   lenFunc,
	}

	opts := []expr.Option{
		expr.Env(env),
		// The full context arrives at runtime
		expr.AllowUndefinedVariables(),
	}
	if asBool {
		opts = append(opts, expr.AsBool())
	}

	prog, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	cache[expression] = prog
	e.mu.Unlock()

	return prog, nil
}

// ClearCache clears the compiled program caches.
// This is mainly useful for testing.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	e.boolCache = make(map[string]*vm.Program)
	e.valueCache = make(map[string]*vm.Program)
	e.mu.Unlock()
}

// CacheSize returns the number of cached programs.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.boolCache) + len(e.valueCache)
}
