package evaluator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superglue-ai/superglue-sub011/core"
)

func newTestEvaluator() *Evaluator {
	return New(Config{}, &core.NoOpLogger{})
}

func TestCanonicalizeVariableExprArrow(t *testing.T) {
	body, ok := CanonicalizeVariableExpr("(sourceData) => sourceData.user.id")
	require.True(t, ok)
	assert.Equal(t, "sourceData.user.id", body)
}

func TestCanonicalizeVariableExprNotArrow(t *testing.T) {
	_, ok := CanonicalizeVariableExpr("user.id")
	assert.False(t, ok)
}

func TestCanonicalizeStopConditionStripsReturnBlock(t *testing.T) {
	assert.Equal(t, "len(response.items) == 0", CanonicalizeStopCondition("{ return len(response.items) == 0 }"))
}

func TestEvaluateVariableExprDottedArrow(t *testing.T) {
	e := newTestEvaluator()
	scope := map[string]interface{}{"user": map[string]interface{}{"id": "42"}}

	val, err := e.EvaluateVariableExpr(context.Background(), "(sourceData) => sourceData.user.id", scope)

	require.NoError(t, err)
	assert.Equal(t, "42", val)
}

func TestEvaluateVariableExprInvalidExpression(t *testing.T) {
	e := newTestEvaluator()

	_, err := e.EvaluateVariableExpr(context.Background(), "(sourceData) => sourceData.missing.deeper", map[string]interface{}{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "code_execution_error")
}

func TestEvaluateStopConditionTruthy(t *testing.T) {
	e := newTestEvaluator()

	res := e.EvaluateStopCondition(context.Background(), "len(response.items) == 0",
		map[string]interface{}{"items": []interface{}{}}, nil)

	assert.True(t, res.ShouldStop)
	assert.Empty(t, res.Error)
}

func TestEvaluateStopConditionNeverAbortsOnError(t *testing.T) {
	e := newTestEvaluator()

	res := e.EvaluateStopCondition(context.Background(), "response.nonexistent.field",
		map[string]interface{}{"items": []interface{}{}}, nil)

	assert.False(t, res.ShouldStop)
	assert.NotEmpty(t, res.Error)
}
