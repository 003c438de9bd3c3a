package policy

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/google/cel-go/cel"

	"github.com/gatekeeper-sh/gatekeeper/internal/canonical"
)

// celCostBudget is the CEL runtime cost limit per condition evaluation.
const celCostBudget = 100_000

// compiledCondition pairs a CEL program with its source expression for
// risk-flag reporting.
type compiledCondition struct {
	Expr    string
	Program cel.Program
}

// compiledPattern keeps the operator-written pattern text alongside the
// compiled regex; risk flags report the source text, not the regex form.
type compiledPattern struct {
	Source string
	Re     *regexp.Regexp
}

// Snapshot is an immutable, fully compiled view of one Policy. The
// orchestrator holds the current snapshot behind an atomic pointer; a reload
// builds a new snapshot and swaps it in, so in-flight evaluations keep the
// one they captured.
type Snapshot struct {
	Policy Policy
	// Hash is "sha256:<hex>" of the canonicalized effective policy.
	Hash string

	globalPatterns    []compiledPattern
	toolPatterns      map[string][]compiledPattern
	toolConditions    map[string][]compiledCondition
	principalPatterns map[string][]compiledPattern
}

// NewCELEnv builds the CEL environment for tool conditions. Conditions see a
// single variable: args, the tool argument map.
func NewCELEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// Compile validates p and produces an immutable Snapshot.
//
// Principal deny patterns and CEL conditions must compile; a failure is a
// policy error. Global and tool deny patterns are operator convenience
// rules: invalid ones are skipped with a warning rather than treated as a
// match (or a load failure), so one typo cannot take the gateway down.
func Compile(p Policy, logger *slog.Logger) (*Snapshot, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for name, tp := range p.Tools {
		if !tp.Decision.Valid() {
			return nil, fmt.Errorf("tool %q: decision %q must be allow, approve, or deny", name, tp.Decision)
		}
	}

	hash, err := canonical.PolicyHash(p)
	if err != nil {
		return nil, fmt.Errorf("hash policy: %w", err)
	}

	snap := &Snapshot{
		Policy:            p,
		Hash:              hash,
		toolPatterns:      make(map[string][]compiledPattern, len(p.Tools)),
		toolConditions:    make(map[string][]compiledCondition),
		principalPatterns: make(map[string][]compiledPattern, len(p.Principals)),
	}

	snap.globalPatterns = compileLenient(p.GlobalDenyPatterns, "global_deny_patterns", logger)
	for name, tp := range p.Tools {
		snap.toolPatterns[name] = compileLenient(tp.DenyPatterns, "tools."+name+".deny_patterns", logger)
	}

	var env *cel.Env
	for name, tp := range p.Tools {
		if len(tp.CELConditions) == 0 {
			continue
		}
		if env == nil {
			env, err = NewCELEnv()
			if err != nil {
				return nil, fmt.Errorf("create CEL environment: %w", err)
			}
		}
		conds := make([]compiledCondition, 0, len(tp.CELConditions))
		for _, expr := range tp.CELConditions {
			ast, issues := env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("tool %q: cel condition %q: %w", name, expr, issues.Err())
			}
			prg, err := env.Program(ast, cel.EvalOptions(cel.OptOptimize), cel.CostLimit(celCostBudget))
			if err != nil {
				return nil, fmt.Errorf("tool %q: cel condition %q: %w", name, expr, err)
			}
			conds = append(conds, compiledCondition{Expr: expr, Program: prg})
		}
		snap.toolConditions[name] = conds
	}

	for role, pp := range p.Principals {
		compiled := make([]compiledPattern, 0, len(pp.DenyPatterns))
		for _, pat := range pp.DenyPatterns {
			re, err := regexp.Compile("(?i)" + pat)
			if err != nil {
				return nil, fmt.Errorf("principal %q: deny pattern %q: %w", role, pat, err)
			}
			compiled = append(compiled, compiledPattern{Source: pat, Re: re})
		}
		snap.principalPatterns[role] = compiled
	}

	return snap, nil
}

// compileLenient compiles case-insensitive regexes, dropping invalid ones
// with a warning.
func compileLenient(patterns []string, field string, logger *slog.Logger) []compiledPattern {
	out := make([]compiledPattern, 0, len(patterns))
	for _, pat := range patterns {
		re, err := regexp.Compile("(?i)" + pat)
		if err != nil {
			logger.Warn("skipping invalid deny pattern", "field", field, "pattern", pat, "error", err)
			continue
		}
		out = append(out, compiledPattern{Source: pat, Re: re})
	}
	return out
}

// Tool returns the policy for a tool, and whether the tool is known.
func (s *Snapshot) Tool(name string) (ToolPolicy, bool) {
	tp, ok := s.Policy.Tools[name]
	return tp, ok
}
