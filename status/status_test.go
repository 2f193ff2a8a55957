package status

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/superglue-ai/superglue-sub011/mask"
	"github.com/superglue-ai/superglue-sub011/model"
)

func newTestInterpreter() *Interpreter {
	return New(mask.New("", 0))
}

func TestInterpretNonTwoXXAlwaysFails(t *testing.T) {
	i := newTestInterpreter()

	out := i.Interpret(model.Response{StatusCode: 500, Data: map[string]interface{}{"msg": "boom"}},
		RequestConfig{Method: "GET", URL: "https://api.example.com"}, nil)

	assert.True(t, out.ShouldFail)
	assert.Contains(t, out.Message, "failed with status 500")
}

func TestInterpretPlainTwoXXSucceeds(t *testing.T) {
	i := newTestInterpreter()

	out := i.Interpret(model.Response{StatusCode: 200, Data: map[string]interface{}{"id": "1"}},
		RequestConfig{Method: "GET", URL: "https://api.example.com"}, nil)

	assert.False(t, out.ShouldFail)
}

func TestInterpretTwoXXWithErrorCodeField(t *testing.T) {
	i := newTestInterpreter()

	out := i.Interpret(model.Response{StatusCode: 200, Data: map[string]interface{}{"code": float64(404), "message": "not found"}},
		RequestConfig{Method: "GET", URL: "https://api.example.com"}, nil)

	assert.True(t, out.ShouldFail)
	assert.Contains(t, out.Message, "code=404")
}

func TestInterpretTwoXXWithNestedErrorKey(t *testing.T) {
	i := newTestInterpreter()

	out := i.Interpret(model.Response{StatusCode: 200, Data: map[string]interface{}{
		"result": map[string]interface{}{"error": "rate limited"},
	}}, RequestConfig{Method: "GET", URL: "https://api.example.com"}, nil)

	assert.True(t, out.ShouldFail)
	assert.Contains(t, out.Message, "error key detected")
	assert.Contains(t, out.Message, "rate limited")
}

func TestInterpretTwoXXWithTopLevelErrorKey(t *testing.T) {
	i := newTestInterpreter()

	out := i.Interpret(model.Response{StatusCode: 200, Data: map[string]interface{}{"error": "quota exceeded"}},
		RequestConfig{Method: "GET", URL: "https://api.example.com"}, nil)

	assert.True(t, out.ShouldFail)
	assert.Contains(t, out.Message, "error key detected")
	assert.Contains(t, out.Message, "quota exceeded")
}

func TestInterpretTwoXXArrayFirstElement(t *testing.T) {
	i := newTestInterpreter()

	out := i.Interpret(model.Response{StatusCode: 200, Data: []interface{}{
		map[string]interface{}{"status": float64(503)},
	}}, RequestConfig{Method: "GET", URL: "https://api.example.com"}, nil)

	assert.True(t, out.ShouldFail)
}

func TestInterpretMasksCredentialsInMessage(t *testing.T) {
	i := New(mask.New("", 0))

	out := i.Interpret(model.Response{StatusCode: 500, Data: map[string]interface{}{"error": "bad key sk-topsecret123"}},
		RequestConfig{Method: "GET", URL: "https://api.example.com"},
		map[string]string{"apiKey": "sk-topsecret123"})

	assert.NotContains(t, out.Message, "sk-topsecret123")
}
