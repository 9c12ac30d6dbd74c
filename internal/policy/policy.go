// Package policy evaluates the re-query rules that bound the wallet
// confirmation loop. Rules are govaluate expressions over the confirmation
// attempt parameters, so the bound can be tuned from configuration once real
// gateway SLAs are known.
package policy

import (
	"fmt"

	"github.com/Knetic/govaluate"
)

// RuleConfig is one named boolean expression, e.g.
//
//	{Name: "WalletRequeryBound", Expression: "attempt_number < 3 && is_processing"}
type RuleConfig struct {
	Name       string
	Expression string
}

// Decision is the outcome of evaluating all rules against one attempt.
type Decision struct {
	AllowRequery bool
	// Reason names the rule that denied the re-query, empty when allowed.
	Reason string
}

type compiledRule struct {
	name string
	expr *govaluate.EvaluableExpression
}

// Enforcer holds compiled rules. All rules must evaluate true for a re-query
// to be allowed; the first failing rule denies and names itself.
type Enforcer struct {
	rules []compiledRule
}

// NewEnforcer compiles the rule expressions up front so evaluation cannot fail
// on syntax at confirmation time.
func NewEnforcer(rules []RuleConfig) (*Enforcer, error) {
	e := &Enforcer{}
	for _, rc := range rules {
		expr, err := govaluate.NewEvaluableExpression(rc.Expression)
		if err != nil {
			return nil, fmt.Errorf("policy: compiling rule %q: %w", rc.Name, err)
		}
		e.rules = append(e.rules, compiledRule{name: rc.Name, expr: expr})
	}
	return e, nil
}

// Evaluate runs every rule against the given parameters.
func (e *Enforcer) Evaluate(params map[string]interface{}) (Decision, error) {
	for _, r := range e.rules {
		res, err := r.expr.Evaluate(params)
		if err != nil {
			return Decision{}, fmt.Errorf("policy: evaluating rule %q: %w", r.name, err)
		}
		ok, isBool := res.(bool)
		if !isBool {
			return Decision{}, fmt.Errorf("policy: rule %q did not evaluate to a boolean", r.name)
		}
		if !ok {
			return Decision{AllowRequery: false, Reason: r.name}, nil
		}
	}
	return Decision{AllowRequery: true}, nil
}

// DefaultWalletRules bounds the ambiguous "still processing" state to a small
// number of re-queries before the confirmation is treated as timed out.
func DefaultWalletRules(maxRequeries int) []RuleConfig {
	return []RuleConfig{
		{
			Name:       "WalletRequeryBound",
			Expression: fmt.Sprintf("attempt_number < %d && is_processing", maxRequeries),
		},
	}
}
