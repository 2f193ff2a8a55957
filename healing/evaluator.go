package healing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/superglue-ai/superglue-sub011/ai"
	"github.com/superglue-ai/superglue-sub011/core"
	"github.com/superglue-ai/superglue-sub011/model"
)

// Verdict is the response evaluator's schema-constrained judgment.
type Verdict struct {
	Success        bool   `json:"success"`
	RefactorNeeded bool   `json:"refactorNeeded"`
	ShortReason    string `json:"shortReason"`
}

var verdictSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"success": {"type": "boolean"},
		"refactorNeeded": {"type": "boolean"},
		"shortReason": {"type": "string"}
	},
	"required": ["success", "refactorNeeded", "shortReason"]
}`)

// Evaluator judges whether a step's response actually satisfies its
// instruction, beyond the transport/status layer's plain success signal. It
// excludes known false positives: an empty body from a non-retrieval verb,
// field-name drift from the instruction's wording, and missing
// sorting/grouping/aggregation the instruction never actually required.
type Evaluator struct {
	llm    ai.LLMClient
	logger core.Logger
}

func NewEvaluator(llm ai.LLMClient, logger core.Logger) *Evaluator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Evaluator{llm: llm, logger: logger}
}

// Evaluate judges data against ep's instruction and optional documentation.
func (e *Evaluator) Evaluate(ctx context.Context, data interface{}, ep model.Endpoint, doc string) (*Verdict, error) {
	if isEmpty(data) {
		if !isRetrievalIntent(ep) {
			return &Verdict{Success: true, ShortReason: "non-retrieval step returned an empty body, which is expected"}, nil
		}
		return &Verdict{Success: false, ShortReason: "retrieval step returned an empty body"}, nil
	}

	if ep.Instruction == "" {
		return &Verdict{Success: true, ShortReason: "no instruction to judge against"}, nil
	}

	payload, _ := json.Marshal(data)
	if len(payload) > 8000 {
		payload = payload[:8000]
	}

	messages := []ai.Message{
		{Role: ai.RoleSystem, Content: judgeSystemPrompt},
		{Role: ai.RoleUser, Content: fmt.Sprintf(
			"Instruction: %s\nDocumentation: %s\nResponse data: %s",
			ep.Instruction, doc, string(payload),
		)},
	}

	obj, err := e.llm.GenerateObject(ctx, messages, verdictSchema, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("response evaluation failed: %w", err)
	}
	if !obj.Success {
		return nil, fmt.Errorf("response evaluation failed: %s", obj.Error)
	}

	var v Verdict
	if err := json.Unmarshal(obj.Response, &v); err != nil {
		return nil, fmt.Errorf("response evaluation returned an unparsable verdict: %w", err)
	}
	return &v, nil
}

const judgeSystemPrompt = "You judge whether an API step's response data satisfies its instruction. " +
	"Field names that differ from the instruction's wording are not a failure if the data itself is present. " +
	"Missing sorting, grouping, or aggregation the instruction never explicitly asked for does not make refactorNeeded true. " +
	"Only set refactorNeeded when the request itself (not just the data) needs to change to satisfy the instruction."

func isEmpty(data interface{}) bool {
	switch v := data.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []interface{}:
		return len(v) == 0
	case map[string]interface{}:
		return len(v) == 0
	default:
		return false
	}
}

func isRetrievalIntent(ep model.Endpoint) bool {
	m := strings.ToUpper(ep.Method)
	return m == "" || m == "GET"
}
