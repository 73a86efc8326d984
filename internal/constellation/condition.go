package constellation

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator compiles and runs edge conditions. Compiled programs are cached
// and safe to share between goroutines.
//
// A condition sees the predecessor through four variables: result, status,
// error and task_id. Examples:
//
//	result.rows > 0
//	status == "COMPLETED" && error == ""
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewEvaluator creates an evaluator with an empty cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

var defaultEvaluator = NewEvaluator()

func conditionEnv(t *TaskStar) map[string]any {
	return map[string]any{
		"result":  t.Result,
		"status":  string(t.Status),
		"error":   t.Error,
		"task_id": t.ID,
	}
}

// Compile checks that a condition parses.
func (e *Evaluator) Compile(condition string) error {
	_, err := e.program(condition)
	return err
}

// Holds evaluates condition against the predecessor task. Anything other
// than a boolean true result is false.
func (e *Evaluator) Holds(condition string, pred *TaskStar) (bool, error) {
	prg, err := e.program(condition)
	if err != nil {
		return false, err
	}
	out, err := vm.Run(prg, conditionEnv(pred))
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", condition, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("evaluate %q: result is %T, not bool", condition, out)
	}
	return b, nil
}

func (e *Evaluator) program(condition string) (*vm.Program, error) {
	if condition == "" {
		return nil, fmt.Errorf("%w: empty condition", ErrInvalidCondition)
	}
	e.mu.RLock()
	prg, ok := e.cache[condition]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.cache[condition]; ok {
		return prg, nil
	}
	// No typed env: result is an arbitrary decoded payload.
	prg, err := expr.Compile(condition, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCondition, condition, err)
	}
	e.cache[condition] = prg
	return prg, nil
}
