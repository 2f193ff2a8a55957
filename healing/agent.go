// Package healing implements the self-healing agent's state machine
// (INIT -> GENERATE -> SUBMIT_PROPOSAL -> EXECUTE -> DONE|GENERATE|FAIL) and
// the response evaluator that judges whether a step's output actually
// satisfies its instruction.
package healing

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/superglue-ai/superglue-sub011/ai"
	"github.com/superglue-ai/superglue-sub011/core"
	"github.com/superglue-ai/superglue-sub011/mask"
	"github.com/superglue-ai/superglue-sub011/model"
)

// Config bounds one healing episode.
type Config struct {
	MaxAttempts       int
	DocExcerptBudget  int
	PayloadSampleSize int
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 5, DocExcerptBudget: 4000, PayloadSampleSize: 2000}
}

// Tool is a custom tool the agent may call alongside the built-in
// submit/abort contract (e.g. "search_documentation"). MaxUses, once
// exhausted, removes the tool from subsequent GENERATE turns.
type Tool struct {
	ai.Tool
	MaxUses int
	Handler func(ctx context.Context, args json.RawMessage) (interface{}, error)
}

// StepExecutor runs one attempt against a caller-revised endpoint.
type StepExecutor func(ctx context.Context, ep model.Endpoint) (model.Response, error)

// EpisodeState names the healing state machine's states.
type EpisodeState string

const (
	StateInit           EpisodeState = "INIT"
	StateGenerate       EpisodeState = "GENERATE"
	StateSubmitProposal EpisodeState = "SUBMIT_PROPOSAL"
	StateExecute        EpisodeState = "EXECUTE"
	StateDone           EpisodeState = "DONE"
	StateFail           EpisodeState = "FAIL"
)

// Outcome is one healing episode's terminal result.
type Outcome struct {
	State    EpisodeState
	Response model.Response
	Endpoint model.Endpoint
	Reason   string
	Attempts int
	Messages []ai.Message
}

// Agent drives the healing state machine.
type Agent struct {
	llm     ai.LLMClient
	masker  *mask.Masker
	logger  core.Logger
	cfg     Config
	history *core.RedisClient
}

func New(llm ai.LLMClient, masker *mask.Masker, logger core.Logger, cfg Config) *Agent {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	return &Agent{llm: llm, masker: masker, logger: logger, cfg: cfg}
}

// WithHistory attaches a distributed episode store: attempt history for a
// given endpoint is persisted after every turn and reloaded at the start of
// Run, so a healing episode survives an orchestrator replica restart instead
// of starting over from the initial failure.
func (a *Agent) WithHistory(rc *core.RedisClient) *Agent {
	a.history = rc
	return a
}

func episodeKey(ep model.Endpoint) string {
	return fmt.Sprintf("%s:%s%s", ep.Method, ep.URLHost, ep.URLPath)
}

func (a *Agent) loadHistory(ctx context.Context, key string) []ai.Message {
	if a.history == nil {
		return nil
	}
	raw, err := a.history.Get(ctx, key)
	if err != nil || raw == "" {
		return nil
	}
	var messages []ai.Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		a.logger.Warn("discarding unreadable healing episode history", map[string]interface{}{"key": key, "error": err.Error()})
		return nil
	}
	return messages
}

func (a *Agent) saveHistory(ctx context.Context, key string, messages []ai.Message) {
	if a.history == nil {
		return
	}
	raw, err := json.Marshal(messages)
	if err != nil {
		return
	}
	if err := a.history.Set(ctx, key, string(raw), core.DefaultHealingEpisodeTTL); err != nil {
		a.logger.Warn("failed to persist healing episode history", map[string]interface{}{"key": key, "error": err.Error()})
	}
}

func (a *Agent) clearHistory(ctx context.Context, key string) {
	if a.history == nil {
		return
	}
	_ = a.history.Delete(ctx, key)
}

// Run drives one healing episode for ep, starting from the error that
// triggered healing.
func (a *Agent) Run(ctx context.Context, ep model.Endpoint, payloadShape interface{}, credentialNames []string, schema json.RawMessage, firstErr error, executeStep StepExecutor, customTools []Tool, doc string) (*Outcome, error) {
	episodeID := uuid.NewString()
	key := episodeKey(ep)
	messages := a.loadHistory(ctx, key)
	toolUses := map[string]int{}
	lastErr := firstErr
	currentEp := ep

	a.logger.Info("healing episode started", map[string]interface{}{
		"episode_id": episodeID, "endpoint": key, "resumed_messages": len(messages),
	})

	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		messages = a.buildGenerateMessages(messages, currentEp, payloadShape, credentialNames, lastErr, doc)
		temperature := model.Temperature(attempt)

		tools := make([]ai.Tool, 0, len(customTools)+1)
		tools = append(tools, ai.Tool{
			Name:        "abort",
			Description: "Give up when the failure cannot be fixed by changing the endpoint configuration.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"reason":{"type":"string"}},"required":["reason"]}`),
		})
		for _, ct := range customTools {
			if ct.MaxUses > 0 && toolUses[ct.Name] >= ct.MaxUses {
				continue
			}
			tools = append(tools, ct.Tool)
		}

		obj, err := a.llm.GenerateObject(ctx, messages, schema, temperature, tools)
		if err != nil {
			a.clearHistory(ctx, key)
			return &Outcome{State: StateFail, Reason: err.Error(), Attempts: attempt, Messages: messages},
				core.NewEngineError(core.KindLLMExhausted, fmt.Sprintf("self-healing LLM call failed: %v", err))
		}
		messages = obj.Messages

		if obj.ToolCall != nil {
			toolResult, handled, herr := a.handleCustomTool(ctx, obj.ToolCall, customTools, toolUses)
			if herr != nil {
				a.clearHistory(ctx, key)
				return &Outcome{State: StateFail, Reason: herr.Error(), Attempts: attempt, Messages: messages}, herr
			}
			if handled {
				messages = append(messages, ai.Message{Role: ai.RoleTool, Content: toolResult, ToolCallID: obj.ToolCall.ID})
				a.saveHistory(ctx, key, messages)
				continue
			}
			reason := abortReason(obj.ToolCall)
			a.clearHistory(ctx, key)
			return &Outcome{State: StateFail, Reason: reason, Attempts: attempt, Messages: messages},
				core.NewEngineError(core.KindLLMAbort, reason)
		}

		if !obj.Success {
			lastErr = fmt.Errorf("%s", obj.Error)
			a.saveHistory(ctx, key, messages)
			continue
		}

		revised, err := applyProposal(currentEp, obj.Response)
		if err != nil {
			lastErr = err
			a.saveHistory(ctx, key, messages)
			continue
		}
		currentEp = revised

		resp, execErr := executeStep(ctx, currentEp)
		if execErr != nil {
			lastErr = execErr
			messages = append(messages, ai.Message{Role: ai.RoleUser, Content: a.masker.Mask(execErr.Error(), nil)})
			a.saveHistory(ctx, key, messages)
			continue
		}

		a.clearHistory(ctx, key)
		a.logger.Info("healing episode succeeded", map[string]interface{}{"episode_id": episodeID, "attempts": attempt})
		return &Outcome{State: StateDone, Response: resp, Endpoint: currentEp, Attempts: attempt, Messages: messages}, nil
	}

	a.clearHistory(ctx, key)
	return &Outcome{State: StateFail, Reason: "healing attempts exhausted", Attempts: a.cfg.MaxAttempts, Messages: messages},
		core.NewEngineError(core.KindLLMExhausted, "self-healing exhausted its attempt budget")
}

// handleCustomTool runs the matching custom tool and returns its result
// serialized as the tool message the model sees on the next turn.
func (a *Agent) handleCustomTool(ctx context.Context, call *ai.ToolCall, tools []Tool, uses map[string]int) (string, bool, error) {
	for _, t := range tools {
		if t.Name == call.Name {
			uses[t.Name]++
			if t.Handler == nil {
				return "", true, nil
			}
			result, err := t.Handler(ctx, call.Arguments)
			if err != nil {
				return "", true, err
			}
			raw, err := json.Marshal(result)
			if err != nil {
				return fmt.Sprintf("%v", result), true, nil
			}
			return string(raw), true, nil
		}
	}
	if call.Name == "abort" {
		return "", false, nil
	}
	return "", false, fmt.Errorf("unknown tool call %q", call.Name)
}

func abortReason(call *ai.ToolCall) string {
	var args struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(call.Arguments, &args)
	if args.Reason == "" {
		return "aborted by model"
	}
	return args.Reason
}

type proposalFields struct {
	Method         *string         `json:"method"`
	URLHost        *string         `json:"urlHost"`
	URLPath        *string         `json:"urlPath"`
	Headers        []model.KV      `json:"headers"`
	QueryParams    []model.KV      `json:"queryParams"`
	Body           *string         `json:"body"`
	Authentication *model.AuthType `json:"authentication"`
	DataPath       *string         `json:"dataPath"`
}

func applyProposal(ep model.Endpoint, raw json.RawMessage) (model.Endpoint, error) {
	var p proposalFields
	if err := json.Unmarshal(raw, &p); err != nil {
		return ep, fmt.Errorf("code_execution_error: invalid submit payload: %w", err)
	}
	if p.Method != nil {
		ep.Method = *p.Method
	}
	if p.URLHost != nil {
		ep.URLHost = *p.URLHost
	}
	if p.URLPath != nil {
		ep.URLPath = *p.URLPath
	}
	if p.Headers != nil {
		ep.Headers = p.Headers
	}
	if p.QueryParams != nil {
		ep.QueryParams = p.QueryParams
	}
	if p.Body != nil {
		ep.Body = *p.Body
	}
	if p.Authentication != nil {
		ep.Authentication = *p.Authentication
	}
	if p.DataPath != nil {
		ep.DataPath = *p.DataPath
	}
	return ep, nil
}

func (a *Agent) buildGenerateMessages(history []ai.Message, ep model.Endpoint, payloadShape interface{}, credNames []string, lastErr error, doc string) []ai.Message {
	if len(history) == 0 {
		return []ai.Message{
			{Role: ai.RoleSystem, Content: selfHealingSystemPrompt},
			{Role: ai.RoleUser, Content: a.buildInitialUserPrompt(ep, payloadShape, credNames, doc, lastErr)},
		}
	}
	errMsg := "unknown error"
	if lastErr != nil {
		errMsg = a.masker.Mask(lastErr.Error(), nil)
	}
	return append(history, ai.Message{Role: ai.RoleUser, Content: fmt.Sprintf("That attempt failed: %s. Propose a corrected configuration.", errMsg)})
}

const selfHealingSystemPrompt = "You are repairing a failing API integration step. Call submit with a corrected endpoint configuration, or call abort if the failure cannot be fixed."

// selectDocExcerpt keeps the documentation paragraphs most relevant to the
// instruction, by keyword overlap, until budget characters are spent.
// Selected paragraphs stay in document order. Falls back to a plain prefix
// when the instruction shares no vocabulary with the documentation.
func selectDocExcerpt(doc, instruction string, budget int) string {
	if budget <= 0 || len(doc) <= budget {
		return doc
	}

	keywords := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(instruction)) {
		if len(w) > 3 {
			keywords[w] = true
		}
	}

	paragraphs := strings.Split(doc, "\n\n")
	type scored struct {
		index int
		score int
	}
	ranked := make([]scored, 0, len(paragraphs))
	for i, p := range paragraphs {
		score := 0
		for _, w := range strings.Fields(strings.ToLower(p)) {
			if keywords[w] {
				score++
			}
		}
		if score > 0 {
			ranked = append(ranked, scored{index: i, score: score})
		}
	}
	if len(ranked) == 0 {
		return doc[:budget]
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	picked := map[int]bool{}
	spent := 0
	for _, r := range ranked {
		size := len(paragraphs[r.index]) + 2
		if spent+size > budget {
			continue
		}
		picked[r.index] = true
		spent += size
	}

	var b strings.Builder
	for i, p := range paragraphs {
		if picked[i] {
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(p)
		}
	}
	if b.Len() == 0 {
		return doc[:budget]
	}
	return b.String()
}

func (a *Agent) buildInitialUserPrompt(ep model.Endpoint, payloadShape interface{}, credNames []string, doc string, lastErr error) string {
	excerpt := selectDocExcerpt(doc, ep.Instruction, a.cfg.DocExcerptBudget)
	shape, _ := json.Marshal(payloadShape)
	if len(shape) > a.cfg.PayloadSampleSize {
		shape = shape[:a.cfg.PayloadSampleSize]
	}
	errMsg := ""
	if lastErr != nil {
		errMsg = a.masker.Mask(lastErr.Error(), nil)
	}
	return fmt.Sprintf("Instruction: %s\nFailure: %s\nDocumentation excerpt: %s\nCredential names available: %v\nPayload shape: %s",
		ep.Instruction, errMsg, excerpt, credNames, string(shape))
}
