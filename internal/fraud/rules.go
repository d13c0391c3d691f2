package fraud

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

// Rule is an operator-supplied CEL expression. A true result blocks the click.
type Rule struct {
	Name string `yaml:"name"`
	Expr string `yaml:"expr"`
}

// Rules evaluates compiled CEL rules in declaration order.
type Rules struct {
	rules    []Rule
	programs []cel.Program
}

// newRuleEnv declares the click attributes visible to rule expressions.
func newRuleEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("ip", cel.StringType),
		cel.Variable("user_agent", cel.StringType),
		cel.Variable("accept_language", cel.StringType),
		cel.Variable("referrer", cel.StringType),
		cel.Variable("visitor_id", cel.StringType),
		cel.Variable("publisher_id", cel.StringType),
		cel.Variable("offer_id", cel.StringType),
		cel.Variable("landing_id", cel.StringType),
		cel.Variable("geo", cel.StringType),
		cel.Variable("params", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("hour", cel.IntType),
	)
}

// CompileRules type-checks every rule. Each expression must yield a bool.
func CompileRules(rules []Rule) (*Rules, error) {
	env, err := newRuleEnv()
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	r := &Rules{}
	seen := make(map[string]bool, len(rules))
	for _, rule := range rules {
		rule.Name = strings.TrimSpace(rule.Name)
		if rule.Name == "" {
			return nil, fmt.Errorf("fraud rule without a name: %q", rule.Expr)
		}
		if seen[rule.Name] {
			return nil, fmt.Errorf("duplicate fraud rule %q", rule.Name)
		}
		seen[rule.Name] = true

		ast, issues := env.Compile(rule.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile rule %q: %w", rule.Name, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("rule %q must evaluate to bool, got %s", rule.Name, ast.OutputType())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("program rule %q: %w", rule.Name, err)
		}
		r.rules = append(r.rules, rule)
		r.programs = append(r.programs, prg)
	}
	return r, nil
}

// LoadRulesFile reads `rules: [{name, expr}]` from a YAML file.
func LoadRulesFile(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fraud rules: %w", err)
	}
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode fraud rules: %w", err)
	}
	return CompileRules(doc.Rules)
}

// Heuristics exposes each rule as its own heuristic named "rule:<name>".
func (r *Rules) Heuristics() []Heuristic {
	hs := make([]Heuristic, len(r.rules))
	for i := range r.rules {
		hs[i] = &ruleHeuristic{name: rulePrefix + r.rules[i].Name, prg: r.programs[i]}
	}
	return hs
}

type ruleHeuristic struct {
	name string
	prg  cel.Program
}

func (h *ruleHeuristic) Name() string { return h.name }

func (h *ruleHeuristic) Triggered(ctx context.Context, sig *Signal) (bool, error) {
	params := sig.Params
	if params == nil {
		params = map[string]string{}
	}
	out, _, err := h.prg.ContextEval(ctx, map[string]any{
		"ip":              sig.ClientIP,
		"user_agent":      sig.UserAgent,
		"accept_language": sig.AcceptLanguage,
		"referrer":        sig.Referrer,
		"visitor_id":      sig.VisitorID,
		"publisher_id":    sig.PublisherID,
		"offer_id":        sig.OfferID,
		"landing_id":      sig.LandingID,
		"geo":             sig.Geo,
		"params":          params,
		"hour":            int64(sig.At.UTC().Hour()),
	})
	if err != nil {
		return false, fmt.Errorf("evaluate: %w", err)
	}
	blocked, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule returned %T", out.Value())
	}
	return blocked, nil
}
