package policies

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/nextlevelbuilder/clawworker/internal/hooks"
)

// BlockRule is a named CEL expression over `tool` (string) and `input`
// (map). A rule that evaluates to true blocks the call.
type BlockRule struct {
	Name string `json:"name"`
	Expr string `json:"expr"`
}

type compiledRule struct {
	name string
	prg  cel.Program
}

// BlockRules vetoes tool calls matching any compiled rule.
type BlockRules struct {
	rules []compiledRule
}

// NewBlockRules compiles the rules. A rule that fails to compile is an error;
// nothing is installed half-configured.
func NewBlockRules(rules []BlockRule) (*BlockRules, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	br := &BlockRules{}
	for _, rule := range rules {
		ast, iss := env.Compile(rule.Expr)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("block rule %q: %w", rule.Name, iss.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("block rule %q: %w", rule.Name, err)
		}
		br.rules = append(br.rules, compiledRule{name: rule.Name, prg: prg})
	}
	return br, nil
}

// Len returns the number of compiled rules.
func (b *BlockRules) Len() int { return len(b.rules) }

// Match returns the name of the first rule that blocks the call, or "".
// Evaluation errors (missing keys and the like) count as no match.
func (b *BlockRules) Match(tool string, input map[string]any) (string, error) {
	if input == nil {
		input = map[string]any{}
	}
	vars := map[string]any{"tool": tool, "input": input}
	for _, rule := range b.rules {
		out, _, err := rule.prg.Eval(vars)
		if err != nil {
			continue
		}
		blocked, ok := out.Value().(bool)
		if !ok {
			return "", fmt.Errorf("block rule %q: result is %T, want bool", rule.name, out.Value())
		}
		if blocked {
			return rule.name, nil
		}
	}
	return "", nil
}

// Register installs the rules on before_tool_call.
func (b *BlockRules) Register(r *hooks.Runner) string {
	if len(b.rules) == 0 {
		return ""
	}
	return r.OnBeforeToolCall(func(ctx context.Context, hc hooks.Context, ev hooks.ToolCallEvent) (hooks.ToolCallDecision, error) {
		name, err := b.Match(ev.Name, ev.Input)
		if err != nil {
			return hooks.ToolCallDecision{}, err
		}
		if name == "" {
			return hooks.ToolCallDecision{}, nil
		}
		return hooks.ToolCallDecision{Block: true, Reason: "blocked by rule " + name}, nil
	}, hooks.WithName("block_rules"), hooks.WithPriority(hooks.PriorityHighest))
}
