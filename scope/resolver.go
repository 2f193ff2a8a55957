// Package scope implements the variable resolver: substitution of
// "<<expr>>" placeholders in endpoint templates (URLs, headers, query
// params, request bodies) against a merged scope of payload, credentials,
// pagination state and the current loop item.
package scope

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/superglue-ai/superglue-sub011/evaluator"
	"github.com/superglue-ai/superglue-sub011/model"
)

// BuildScope merges payload, credentials (already keyed "<integrationId>_<name>"),
// pagination variables (page/offset/cursor/pageSize), and the current loop
// item into one lookup scope for one step attempt.
func BuildScope(payload map[string]interface{}, credentials map[string]string, paginationVars map[string]interface{}, currentItem interface{}, hasCurrentItem bool) map[string]interface{} {
	out := make(map[string]interface{}, len(payload)+len(credentials)+len(paginationVars)+1)
	for k, v := range payload {
		out[k] = v
	}
	for k, v := range credentials {
		out[k] = v
	}
	for k, v := range paginationVars {
		out[k] = v
	}
	if hasCurrentItem {
		out["currentItem"] = currentItem
	}
	return out
}

// ResolveError is returned when a placeholder cannot be resolved. Reason is
// either "undefined_variable" (bare/dotted lookup missing from scope) or
// "code_execution_error" (an arrow-function expression failed or threw).
type ResolveError struct {
	Reason   string
	Variable string
	Err      error
}

func (e *ResolveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Variable, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Variable)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Resolver substitutes "<<expr>>" placeholders against a scope.
type Resolver struct {
	eval *evaluator.Evaluator
}

func New(eval *evaluator.Evaluator) *Resolver {
	return &Resolver{eval: eval}
}

var placeholderPattern = regexp.MustCompile(`<<(.*?)>>`)

// ResolveString substitutes every "<<expr>>" placeholder in template. If the
// template is exactly one placeholder and the resolved value is not a
// string, it is JSON-stringified; interpolated into a larger string it is
// always stringified.
func (r *Resolver) ResolveString(ctx context.Context, template string, sc map[string]interface{}) (string, error) {
	if template == "" {
		return "", nil
	}

	var firstErr error
	result := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		if firstErr != nil {
			return match
		}
		inner := strings.TrimSpace(match[2 : len(match)-2])
		val, err := r.resolveExpr(ctx, inner, sc)
		if err != nil {
			firstErr = err
			return match
		}
		return stringify(val)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

func (r *Resolver) resolveExpr(ctx context.Context, expr string, sc map[string]interface{}) (interface{}, error) {
	if _, isArrow := evaluator.CanonicalizeVariableExpr(expr); isArrow {
		val, err := r.eval.EvaluateVariableExpr(ctx, expr, sc)
		if err != nil {
			return nil, &ResolveError{Reason: "code_execution_error", Variable: expr, Err: err}
		}
		return val, nil
	}

	val, found := lookupPath(expr, sc)
	if !found {
		if expr == "cursor" {
			return "", nil
		}
		return nil, &ResolveError{Reason: "undefined_variable", Variable: expr, Err: fmt.Errorf("%s is not defined in scope", expr)}
	}
	return val, nil
}

func lookupPath(path string, sc map[string]interface{}) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = sc
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, exists := m[p]
		if !exists {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// ResolveHeaders resolves header templates against sc, applying the
// Authorization Basic/Bearer normalization rules and dropping any header
// whose resolved value is empty, "undefined", or "null".
func (r *Resolver) ResolveHeaders(ctx context.Context, headers []model.KV, sc map[string]interface{}) ([]model.KV, error) {
	out := make([]model.KV, 0, len(headers))
	for _, h := range headers {
		val, err := r.ResolveString(ctx, h.Value, sc)
		if err != nil {
			return nil, err
		}
		if isDroppable(val) {
			continue
		}
		if strings.EqualFold(h.Name, "Authorization") {
			val = normalizeAuthorization(val)
		}
		out = append(out, model.KV{Name: h.Name, Value: val})
	}
	return out, nil
}

// ResolveQueryParams resolves query-parameter templates against sc,
// dropping any parameter whose resolved value is empty, "undefined", or
// "null".
func (r *Resolver) ResolveQueryParams(ctx context.Context, params []model.KV, sc map[string]interface{}) ([]model.KV, error) {
	out := make([]model.KV, 0, len(params))
	for _, p := range params {
		val, err := r.ResolveString(ctx, p.Value, sc)
		if err != nil {
			return nil, err
		}
		if isDroppable(val) {
			continue
		}
		out = append(out, model.KV{Name: p.Name, Value: val})
	}
	return out, nil
}

func isDroppable(v string) bool {
	return v == "" || v == "undefined" || v == "null"
}

var basicCredentialPattern = regexp.MustCompile(`^[A-Za-z0-9+/=]+$`)

// normalizeAuthorization collapses an accidentally doubled "Basic "/"Bearer "
// prefix and, for Basic credentials that don't already look like base64,
// re-encodes them.
func normalizeAuthorization(value string) string {
	value = collapseDoublePrefix(value, "Basic ")
	value = collapseDoublePrefix(value, "Bearer ")

	if strings.HasPrefix(value, "Basic ") {
		cred := strings.TrimPrefix(value, "Basic ")
		if !basicCredentialPattern.MatchString(cred) {
			cred = base64.StdEncoding.EncodeToString([]byte(cred))
		}
		value = "Basic " + cred
	}
	return value
}

func collapseDoublePrefix(value, prefix string) string {
	double := prefix + prefix
	if strings.HasPrefix(value, double) {
		return prefix + strings.TrimPrefix(value, double)
	}
	return value
}
