// Package evaluator runs untrusted expression strings — pagination stop
// conditions and variable-resolver arrow functions — against a wall-clock
// deadline and a marshal/unmarshal round-tripped copy of their inputs, so no
// live object from the caller's scope ever reaches the compiled program.
package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"

	"github.com/superglue-ai/superglue-sub011/core"
)

// Config bounds one evaluation. MemoryCapMB is advisory: expr-lang has no
// memory limiter of its own, so it is recorded for telemetry/documentation
// purposes only, enforced in practice by the wall-clock Timeout.
type Config struct {
	Timeout     time.Duration
	MemoryCapMB int
}

// DefaultConfig mirrors the engine's sandbox defaults.
func DefaultConfig() Config {
	return Config{Timeout: 3 * time.Second, MemoryCapMB: 128}
}

// ErrEvalTimeout marks an evaluation killed by the wall-clock cap. Callers
// can distinguish it from an ordinary expression failure with errors.Is:
// a timed-out variable expression is a resource-exhaustion problem, not a
// configuration problem the healing agent could correct.
var ErrEvalTimeout = errors.New("evaluation timed out")

// Evaluator compiles and runs canonicalized expression sources in isolation.
type Evaluator struct {
	cfg    Config
	logger core.Logger
}

func New(cfg Config, logger core.Logger) *Evaluator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Evaluator{cfg: cfg, logger: logger}
}

// CanonicalizeStopCondition implements the wrap rule for pagination stop
// conditions: a bare expression is the body of (response, pageInfo) => EXPR;
// a "return EXPR" or "{ return EXPR }" block form is reduced to the same
// bare EXPR.
func CanonicalizeStopCondition(source string) string {
	return stripReturn(source)
}

// CanonicalizeVariableExpr implements the wrap rule for variable-resolver
// arrow functions: "(sourceData) => EXPR" has its parameter list stripped,
// leaving EXPR to run against a "sourceData" binding. The second return
// value is false when source is not an arrow function at all (a bare
// identifier or dotted path), in which case the resolver does not involve
// the evaluator.
func CanonicalizeVariableExpr(source string) (string, bool) {
	trimmed := strings.TrimSpace(source)
	if !strings.HasPrefix(trimmed, "(") {
		return "", false
	}
	closeParen := strings.Index(trimmed, ")")
	arrow := strings.Index(trimmed, "=>")
	if closeParen == -1 || arrow == -1 || arrow < closeParen {
		return "", false
	}
	params := strings.TrimSpace(trimmed[1:closeParen])
	if params != "sourceData" {
		return "", false
	}
	return stripReturn(strings.TrimSpace(trimmed[arrow+2:])), true
}

func stripReturn(source string) string {
	body := strings.TrimSpace(source)
	body = strings.TrimPrefix(body, "{")
	body = strings.TrimSuffix(body, "}")
	body = strings.TrimSpace(body)
	body = strings.TrimPrefix(body, "return")
	return strings.TrimSpace(body)
}

// marshalRoundTrip serializes then deserializes v through JSON so the
// compiled program only ever sees a detached copy of the caller's data.
func marshalRoundTrip(v interface{}) (interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Evaluator) compileAndRun(ctx context.Context, source string, env map[string]interface{}) (interface{}, error) {
	program, err := expr.Compile(source, expr.Env(env))
	if err != nil {
		return nil, fmt.Errorf("code_execution_error: compile failed: %w", err)
	}

	type result struct {
		val interface{}
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("code_execution_error: panic: %v", r)}
			}
		}()
		val, runErr := expr.Run(program, env)
		done <- result{val: val, err: runErr}
	}()

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("code_execution_error: %w", r.err)
		}
		return r.val, nil
	case <-runCtx.Done():
		return nil, fmt.Errorf("code_execution_error: evaluation exceeded %s: %w", e.cfg.Timeout, ErrEvalTimeout)
	}
}

// StopConditionResult mirrors the stop-condition contract: a failed
// evaluation never aborts the pagination loop directly, it comes back as
// {ShouldStop:false, Error:msg} and the caller decides whether to re-raise
// it as a configuration error.
type StopConditionResult struct {
	ShouldStop bool
	Error      string
}

// EvaluateStopCondition runs a canonicalized stop-condition source against
// the page response and pagination metadata.
func (e *Evaluator) EvaluateStopCondition(ctx context.Context, source string, response interface{}, pageInfo map[string]interface{}) StopConditionResult {
	resp, err := marshalRoundTrip(response)
	if err != nil {
		return StopConditionResult{Error: fmt.Sprintf("code_execution_error: %v", err)}
	}
	pi, err := marshalRoundTrip(pageInfo)
	if err != nil {
		return StopConditionResult{Error: fmt.Sprintf("code_execution_error: %v", err)}
	}

	body := CanonicalizeStopCondition(source)
	env := map[string]interface{}{"response": resp, "pageInfo": pi}

	val, err := e.compileAndRun(ctx, body, env)
	if err != nil {
		e.logger.Warn("stop condition evaluation failed", map[string]interface{}{"error": err.Error()})
		return StopConditionResult{Error: err.Error()}
	}
	return StopConditionResult{ShouldStop: truthy(val)}
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	case string:
		return t != ""
	case float64:
		return t != 0
	default:
		return v != nil
	}
}

// EvaluateVariableExpr runs a "(sourceData) => EXPR" arrow function (or a
// bare EXPR, for callers that already stripped the wrapper) with sourceData
// bound to scope, returning a sanitized result. Unlike stop conditions,
// failures are returned as a typed code_execution_error rather than
// swallowed.
func (e *Evaluator) EvaluateVariableExpr(ctx context.Context, source string, scope map[string]interface{}) (interface{}, error) {
	body, ok := CanonicalizeVariableExpr(source)
	if !ok {
		body = strings.TrimSpace(source)
	}
	sd, err := marshalRoundTrip(scope)
	if err != nil {
		return nil, fmt.Errorf("code_execution_error: %w", err)
	}
	env := map[string]interface{}{"sourceData": sd}

	val, err := e.compileAndRun(ctx, body, env)
	if err != nil {
		return nil, err
	}
	return sanitize(val), nil
}

// sanitize recursively coerces a compiled program's result into plain
// JSON-shaped values, turning anything non-serializable into a marker
// string rather than letting it escape the sandbox boundary untouched.
func sanitize(v interface{}) interface{} {
	switch t := v.(type) {
	case nil, bool, string, float64, int:
		return t
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = sanitize(e)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = sanitize(e)
		}
		return out
	default:
		if b, err := json.Marshal(v); err == nil {
			var generic interface{}
			if json.Unmarshal(b, &generic) == nil {
				return generic
			}
		}
		return "[Unserializable]"
	}
}
