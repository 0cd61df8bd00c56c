package host

import (
	"fmt"
	"log/slog"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// GuardConfig is one dispatch guard from the host configuration. When the
// expression evaluates false the named plugin is skipped for that dispatch.
type GuardConfig struct {
	Plugin string `mapstructure:"plugin" yaml:"plugin"`
	When   string `mapstructure:"when" yaml:"when"`
}

// guardEnv is the expression environment a guard evaluates against.
type guardEnv struct {
	Command string `expr:"command"`
	Caller  string `expr:"caller"`
	Tenant  string `expr:"tenant"`
	Plugin  string `expr:"plugin"`
}

type guard struct {
	source  string
	program *vm.Program
}

// compileGuards builds the per-plugin guard table. A bad expression is a
// configuration error and fails host construction.
func compileGuards(configs []GuardConfig) (map[string][]*guard, error) {
	if len(configs) == 0 {
		return nil, nil
	}
	guards := make(map[string][]*guard, len(configs))
	for _, gc := range configs {
		if gc.Plugin == "" || gc.When == "" {
			return nil, fmt.Errorf("guard needs both plugin and when, got %+v", gc)
		}
		program, err := expr.Compile(gc.When, expr.Env(guardEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile guard for plugin %s: %w", gc.Plugin, err)
		}
		guards[gc.Plugin] = append(guards[gc.Plugin], &guard{source: gc.When, program: program})
	}
	return guards, nil
}

// allow reports whether every guard for the plugin passes. Evaluation
// errors are treated as a failing guard.
func (g *guard) allow(env guardEnv) bool {
	result, err := expr.Run(g.program, env)
	if err != nil {
		slog.Warn("dispatch guard evaluation failed, skipping plugin",
			"plugin", env.Plugin, "guard", g.source, "error", err)
		return false
	}
	pass, ok := result.(bool)
	return ok && pass
}
