// Package status implements the status interpreter: the pure function that
// decides whether a transport-level response should be treated as a
// failure, including the "2xx but actually an error" heuristics.
package status

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/superglue-ai/superglue-sub011/mask"
	"github.com/superglue-ai/superglue-sub011/model"
)

// RequestConfig is the masked request-shape context included in failure
// messages.
type RequestConfig struct {
	Method  string
	URL     string
	Headers []model.KV
}

// Outcome is the interpreter's verdict.
type Outcome struct {
	ShouldFail bool
	Message    string
}

// Interpreter decides ShouldFail/Message for one response.
type Interpreter struct {
	masker *mask.Masker
}

func New(masker *mask.Masker) *Interpreter {
	return &Interpreter{masker: masker}
}

var errorKeys = map[string]bool{
	"error": true, "errors": true, "error_message": true, "errormessage": true,
	"failure_reason": true, "failure": true, "failed": true, "error message": true,
}

// Interpret implements the status interpreter's (response, requestConfig,
// credentials) -> {shouldFail, message} contract.
func (i *Interpreter) Interpret(resp model.Response, req RequestConfig, creds map[string]string) Outcome {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if reason, bad := detectTwoXXError(resp.Data); bad {
			msg := fmt.Sprintf("%s %s returned status %d but the body looks like an error: %s (preview: %s)",
				req.Method, req.URL, resp.StatusCode, reason, preview(resp.Data, 2500))
			return Outcome{ShouldFail: true, Message: i.masker.Mask(msg, creds)}
		}
		return Outcome{ShouldFail: false}
	}

	msg := fmt.Sprintf("%s %s failed with status %d: %s", req.Method, req.URL, resp.StatusCode, preview(resp.Data, 1024))
	return Outcome{ShouldFail: true, Message: i.masker.Mask(msg, creds)}
}

func detectTwoXXError(data interface{}) (string, bool) {
	obj := firstCandidate(data)
	m, ok := obj.(map[string]interface{})
	if !ok {
		return "", false
	}

	if code, ok := numberInRange(m["code"]); ok {
		return fmt.Sprintf("code=%v", code), true
	}
	if code, ok := numberInRange(m["status"]); ok {
		return fmt.Sprintf("status=%v", code), true
	}

	if reason, found := searchErrorKey(m, 0, 2); found {
		return fmt.Sprintf("error key detected: %s", reason), true
	}
	return "", false
}

func firstCandidate(data interface{}) interface{} {
	switch t := data.(type) {
	case map[string]interface{}:
		return t
	case []interface{}:
		if len(t) > 0 {
			return t[0]
		}
		return nil
	default:
		return nil
	}
}

func numberInRange(v interface{}) (float64, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	if f >= 400 && f <= 599 {
		return f, true
	}
	return 0, false
}

func searchErrorKey(m map[string]interface{}, depth, maxDepth int) (string, bool) {
	if depth > maxDepth {
		return "", false
	}
	for k, v := range m {
		if errorKeys[strings.ToLower(k)] {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
			if v != nil {
				if b, err := json.Marshal(v); err == nil && string(b) != "null" && string(b) != `""` {
					return string(b), true
				}
			}
		}
		if nested, ok := v.(map[string]interface{}); ok {
			if reason, found := searchErrorKey(nested, depth+1, maxDepth); found {
				return reason, found
			}
		}
	}
	return "", false
}

func preview(data interface{}, n int) string {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	if len(b) > n {
		return string(b[:n]) + "...(truncated)"
	}
	return string(b)
}
