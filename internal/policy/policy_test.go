package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnforcer_BadExpression(t *testing.T) {
	_, err := NewEnforcer([]RuleConfig{{Name: "Broken", Expression: "attempt_number <"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Broken")
}

func TestEvaluate_DefaultWalletRules(t *testing.T) {
	e, err := NewEnforcer(DefaultWalletRules(3))
	require.NoError(t, err)

	d, err := e.Evaluate(map[string]interface{}{"attempt_number": float64(1), "is_processing": true})
	require.NoError(t, err)
	assert.True(t, d.AllowRequery)

	d, err = e.Evaluate(map[string]interface{}{"attempt_number": float64(3), "is_processing": true})
	require.NoError(t, err)
	assert.False(t, d.AllowRequery)
	assert.Equal(t, "WalletRequeryBound", d.Reason)

	d, err = e.Evaluate(map[string]interface{}{"attempt_number": float64(1), "is_processing": false})
	require.NoError(t, err)
	assert.False(t, d.AllowRequery)
}

func TestEvaluate_FirstFailingRuleNamesItself(t *testing.T) {
	e, err := NewEnforcer([]RuleConfig{
		{Name: "AttemptBound", Expression: "attempt_number < 10"},
		{Name: "ProcessingOnly", Expression: "is_processing"},
	})
	require.NoError(t, err)

	d, err := e.Evaluate(map[string]interface{}{"attempt_number": float64(2), "is_processing": false})
	require.NoError(t, err)
	assert.False(t, d.AllowRequery)
	assert.Equal(t, "ProcessingOnly", d.Reason)
}

func TestEvaluate_NonBooleanResult(t *testing.T) {
	e, err := NewEnforcer([]RuleConfig{{Name: "Arith", Expression: "attempt_number + 1"}})
	require.NoError(t, err)

	_, err = e.Evaluate(map[string]interface{}{"attempt_number": float64(1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Arith")
}

func TestEvaluate_MissingParameter(t *testing.T) {
	e, err := NewEnforcer(DefaultWalletRules(3))
	require.NoError(t, err)

	_, err = e.Evaluate(map[string]interface{}{"attempt_number": float64(1)})
	assert.Error(t, err)
}

func TestEvaluate_NoRulesAllows(t *testing.T) {
	e, err := NewEnforcer(nil)
	require.NoError(t, err)

	d, err := e.Evaluate(nil)
	require.NoError(t, err)
	assert.True(t, d.AllowRequery)
}
