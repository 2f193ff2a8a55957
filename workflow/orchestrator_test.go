package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superglue-ai/superglue-sub011/ai"
	"github.com/superglue-ai/superglue-sub011/evaluator"
	"github.com/superglue-ai/superglue-sub011/healing"
	"github.com/superglue-ai/superglue-sub011/mask"
	"github.com/superglue-ai/superglue-sub011/model"
	"github.com/superglue-ai/superglue-sub011/pagination"
	"github.com/superglue-ai/superglue-sub011/scope"
	"github.com/superglue-ai/superglue-sub011/status"
	"github.com/superglue-ai/superglue-sub011/step"
	"github.com/superglue-ai/superglue-sub011/transport"
)

func newTestStepRunner(serverURL string) (*step.Runner, *evaluator.Evaluator) {
	eval := evaluator.New(evaluator.Config{}, nil)
	resolver := scope.New(eval)
	masker := mask.New("", 0)
	interpreter := status.New(masker)
	pg := pagination.New(eval, 0, 0)
	dispatcher := &transport.Dispatcher{HTTP: transport.NewHTTPTransport(transport.HTTPConfig{}, nil, nil)}
	return step.New(resolver, dispatcher, interpreter, pg, masker, nil), eval
}

func TestOrchestratorThreadsStepResultsAndAppliesFinalTransform(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/1":
			_, _ = w.Write([]byte(`{"id":1,"name":"ada"}`))
		case "/orders":
			assert.Equal(t, "1", r.URL.Query().Get("userId"))
			_, _ = w.Write([]byte(`{"count":3}`))
		}
	}))
	defer server.Close()

	runner, eval := newTestStepRunner(server.URL)
	o := New(runner, eval, nil, nil, nil)

	wf := Workflow{
		Steps: []Step{
			{ID: "user", Endpoint: model.Endpoint{Method: "GET", URLHost: server.URL, URLPath: "/users/1"}},
			{ID: "orders", Endpoint: model.Endpoint{
				Method:      "GET",
				URLHost:     server.URL,
				URLPath:     "/orders",
				QueryParams: []model.KV{{Name: "userId", Value: "<<user.id>>"}},
			}},
		},
		FinalTransform: "(sourceData) => sourceData.orders.count",
	}

	result, err := o.Run(context.Background(), wf, map[string]interface{}{}, nil)

	require.NoError(t, err)
	assert.Equal(t, float64(1), result.Steps["user"].(map[string]interface{})["id"])
	assert.Equal(t, float64(3), result.Data)
}

func TestOrchestratorRunsLoopStepOverArrayPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	runner, eval := newTestStepRunner(server.URL)
	o := New(runner, eval, nil, nil, nil)

	wf := Workflow{
		Steps: []Step{
			{
				ID:            "notify",
				ExecutionMode: ModeLoop,
				LoopVariable:  "recipients",
				Endpoint:      model.Endpoint{Method: "POST", URLHost: server.URL, URLPath: "/notify/<<currentItem>>"},
			},
		},
	}

	result, err := o.Run(context.Background(), wf,
		map[string]interface{}{"recipients": []interface{}{"a", "b", "c"}}, nil)

	require.NoError(t, err)
	assert.Len(t, result.Steps["notify"], 3)
}

// scriptedHealLLM replays one scripted proposal so the healing agent can recover
// a step whose endpoint references an undefined variable.
type scriptedHealLLM struct {
	response json.RawMessage
}

func (s *scriptedHealLLM) GenerateText(ctx context.Context, messages []ai.Message, temperature float32) (*ai.TextResult, error) {
	return &ai.TextResult{}, nil
}

func (s *scriptedHealLLM) GenerateObject(ctx context.Context, messages []ai.Message, schema json.RawMessage, temperature float32, tools []ai.Tool) (*ai.ObjectResult, error) {
	return &ai.ObjectResult{Success: true, Response: s.response, Messages: messages}, nil
}

func TestOrchestratorHealsVarResolutionFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	runner, eval := newTestStepRunner(server.URL)
	masker := mask.New("", 0)
	llm := &scriptedHealLLM{response: json.RawMessage(`{"urlPath":"/healthy"}`)}
	healer := healing.New(llm, masker, nil, healing.DefaultConfig())
	o := New(runner, eval, healer, nil, nil)

	wf := Workflow{
		Steps: []Step{
			{ID: "broken", Endpoint: model.Endpoint{Method: "GET", URLHost: server.URL, URLPath: "/<<undefinedVar>>"}},
		},
	}

	result, err := o.Run(context.Background(), wf, map[string]interface{}{}, nil)

	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"ok": true}, result.Steps["broken"])
}
