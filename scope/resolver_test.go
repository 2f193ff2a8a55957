package scope

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superglue-ai/superglue-sub011/evaluator"
	"github.com/superglue-ai/superglue-sub011/model"
)

func newTestResolver() *Resolver {
	return New(evaluator.New(evaluator.Config{}, nil))
}

func TestResolveStringBarePlaceholder(t *testing.T) {
	r := newTestResolver()
	sc := BuildScope(map[string]interface{}{"userId": "42"}, nil, nil, nil, false)

	out, err := r.ResolveString(context.Background(), "https://api.example.com/users/<<userId>>", sc)

	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/users/42", out)
}

func TestResolveStringArrowExpression(t *testing.T) {
	r := newTestResolver()
	sc := BuildScope(map[string]interface{}{"user": map[string]interface{}{"id": "42"}}, nil, nil, nil, false)

	out, err := r.ResolveString(context.Background(), "<<(sourceData) => sourceData.user.id>>", sc)

	require.NoError(t, err)
	assert.Equal(t, "42", out)
}

func TestResolveStringUndefinedVariable(t *testing.T) {
	r := newTestResolver()

	_, err := r.ResolveString(context.Background(), "<<missing>>", BuildScope(nil, nil, nil, nil, false))

	require.Error(t, err)
	var re *ResolveError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "undefined_variable", re.Reason)
}

func TestResolveStringEmptyCursorResolvesToEmptyString(t *testing.T) {
	r := newTestResolver()

	out, err := r.ResolveString(context.Background(), "<<cursor>>", BuildScope(nil, nil, nil, nil, false))

	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestResolveHeadersDropsEmptyAndNormalizesAuth(t *testing.T) {
	r := newTestResolver()
	sc := BuildScope(map[string]interface{}{"token": "abc123"}, nil, nil, nil, false)

	headers := []model.KV{
		{Name: "Authorization", Value: "Bearer <<token>>"},
		{Name: "X-Empty", Value: ""},
	}

	out, err := r.ResolveHeaders(context.Background(), headers, sc)

	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "Authorization", out[0].Name)
	assert.Equal(t, "Bearer abc123", out[0].Value)
}

func TestNormalizeAuthorizationCollapsesDoubledBearerPrefix(t *testing.T) {
	assert.Equal(t, "Bearer abc123", normalizeAuthorization("Bearer Bearer abc123"))
}

func TestNormalizeAuthorizationReencodesNonBase64Basic(t *testing.T) {
	out := normalizeAuthorization("Basic user:pass")
	assert.Equal(t, "Basic dXNlcjpwYXNz", out)
}

func TestNormalizeAuthorizationLeavesBase64BasicAlone(t *testing.T) {
	out := normalizeAuthorization("Basic dXNlcjpwYXNz")
	assert.Equal(t, "Basic dXNlcjpwYXNz", out)
}

func TestResolveQueryParamsDropsUndefinedLiteral(t *testing.T) {
	r := newTestResolver()
	sc := BuildScope(map[string]interface{}{"limit": "10"}, nil, nil, nil, false)

	params := []model.KV{
		{Name: "limit", Value: "<<limit>>"},
		{Name: "cursor", Value: "undefined"},
	}

	out, err := r.ResolveQueryParams(context.Background(), params, sc)

	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "limit", out[0].Name)
}
