// Package expression evaluates guard expressions, the small conditions
// upgrade plans and scripts use to decide whether a step applies on the
// database at hand.
package expression

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/vauxoo-dev/upgrade-util/pkg/pgutil"
	"github.com/vauxoo-dev/upgrade-util/pkg/upgrade"
)

// Engine compiles guard expressions and caches the compiled programs.
// The database-backed guards run through the environment's queryer, so
// they see the migration transaction.
type Engine struct {
	env          *upgrade.Env
	programCache map[string]*vm.Program
	mu           sync.RWMutex
}

// New binds an engine to a migration environment.
func New(env *upgrade.Env) *Engine {
	return &Engine{
		env:          env,
		programCache: make(map[string]*vm.Program),
	}
}

// Eval compiles (if needed) and runs a guard expression.
func (e *Engine) Eval(ctx context.Context, expression string) (interface{}, error) {
	program, err := e.getProgram(expression)
	if err != nil {
		return nil, err
	}
	return expr.Run(program, e.guards(ctx))
}

// EvalBool runs a guard that must yield a boolean, the form `when`
// clauses take.
func (e *Engine) EvalBool(ctx context.Context, expression string) (bool, error) {
	out, err := e.Eval(ctx, expression)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("guard %q must evaluate to a boolean, got %T", expression, out)
	}
	return b, nil
}

// Validate compiles the expression without running it.
func (e *Engine) Validate(expression string) error {
	_, err := e.getProgram(expression)
	return err
}

// Check compiles a guard without an engine, for validating plans ahead
// of a run.
func Check(expression string) error {
	_, err := expr.Compile(expression)
	return err
}

func (e *Engine) getProgram(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.programCache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double check
	if prog, ok := e.programCache[expression]; ok {
		return prog, nil
	}

	// Compiled without a typed environment: the guards resolve at run
	// time from the map Eval passes, which is how they pick up ctx.
	program, err := expr.Compile(expression)
	if err != nil {
		return nil, err
	}
	e.programCache[expression] = program
	return program, nil
}

// guards builds the evaluation environment. The functions close over
// ctx, so the map is rebuilt on every run.
func (e *Engine) guards(ctx context.Context) map[string]interface{} {
	return map[string]interface{}{
		"version": e.env.Version().String(),
		"version_gte": func(s string) (bool, error) {
			v, err := upgrade.ParseVersion(s)
			if err != nil {
				return false, err
			}
			return e.env.Version().GTE(v), nil
		},
		"has_module": func(name string) (bool, error) {
			return e.env.HasModule(ctx, name)
		},
		"module_installed": func(name string) (bool, error) {
			return e.env.ModuleInstalled(ctx, name)
		},
		"dbuuid": func() (string, error) {
			return e.env.DBUUID(ctx)
		},
		"table_exists": func(table string) (bool, error) {
			return pgutil.TableExists(ctx, e.env.Queryer(), table)
		},
		"column_exists": func(table, column string) (bool, error) {
			return pgutil.ColumnExists(ctx, e.env.Queryer(), table, column)
		},
	}
}
