// Package workflow orchestrates an ordered sequence of steps, threading each
// step's result into the scope available to the steps after it, optionally
// looping a step over an array payload field, and reducing every step's
// result into one final value through a sandboxed aggregate expression.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/superglue-ai/superglue-sub011/core"
	"github.com/superglue-ai/superglue-sub011/evaluator"
	"github.com/superglue-ai/superglue-sub011/healing"
	"github.com/superglue-ai/superglue-sub011/model"
	"github.com/superglue-ai/superglue-sub011/step"
)

// ExecutionMode selects how a Step runs against its payload.
type ExecutionMode string

const (
	ModeDirect ExecutionMode = "DIRECT"
	ModeLoop   ExecutionMode = "LOOP"
)

// Step is one node of a workflow.
type Step struct {
	ID              string
	Endpoint        model.Endpoint
	ExecutionMode   ExecutionMode
	LoopVariable    string
	LoopConcurrency int
	Schema          json.RawMessage
	Documentation   string
}

// Workflow is an ordered list of steps plus an optional final aggregate
// expression evaluated over the merged step-id -> result map.
type Workflow struct {
	Steps          []Step
	FinalTransform string
}

// Result is one workflow run's outcome.
type Result struct {
	Steps map[string]interface{}
	Data  interface{}
}

// Orchestrator runs a Workflow, invoking the self-healing agent on a step
// whenever it fails with a healable error and a healing agent is configured.
type Orchestrator struct {
	runner *step.Runner
	eval   *evaluator.Evaluator
	healer *healing.Agent
	judge  *healing.Evaluator
	logger core.Logger
}

func New(runner *step.Runner, eval *evaluator.Evaluator, healer *healing.Agent, judge *healing.Evaluator, logger core.Logger) *Orchestrator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Orchestrator{runner: runner, eval: eval, healer: healer, judge: judge, logger: logger}
}

// Run executes every step of wf in order against payload and credentials.
func (o *Orchestrator) Run(ctx context.Context, wf Workflow, payload map[string]interface{}, credentials map[string]string) (*Result, error) {
	runID := uuid.NewString()
	o.logger.Info("workflow run started", map[string]interface{}{"run_id": runID, "steps": len(wf.Steps)})

	results := make(map[string]interface{}, len(wf.Steps))

	for _, s := range wf.Steps {
		stepPayload := mergePayload(payload, results)

		var data interface{}
		var err error
		if s.ExecutionMode == ModeLoop {
			data, err = o.runLoop(ctx, s, stepPayload, credentials)
		} else {
			resp, rerr := o.runner.Run(ctx, step.Input{Endpoint: s.Endpoint, Payload: stepPayload, Credentials: credentials})
			data, err = resp.Data, rerr
		}

		if err != nil && core.IsHealable(err) && o.healer != nil {
			data, err = o.heal(ctx, s, stepPayload, credentials, err)
		}
		if err != nil {
			o.logger.Error("workflow step failed", map[string]interface{}{"run_id": runID, "step_id": s.ID, "error": err.Error()})
			return nil, fmt.Errorf("step %q failed: %w", s.ID, err)
		}

		if o.judge != nil && o.healer != nil && s.Endpoint.Instruction != "" {
			verdict, jerr := o.judge.Evaluate(ctx, data, s.Endpoint, s.Documentation)
			if jerr == nil && !verdict.Success {
				data, err = o.heal(ctx, s, stepPayload, credentials,
					core.NewEngineError(core.KindStatus, verdict.ShortReason))
				if err != nil {
					return nil, fmt.Errorf("step %q failed: %w", s.ID, err)
				}
			}
		}

		results[s.ID] = data
	}

	var final interface{} = results
	if wf.FinalTransform != "" {
		val, err := o.eval.EvaluateVariableExpr(ctx, wf.FinalTransform, results)
		if err != nil {
			return nil, fmt.Errorf("final transform failed: %w", err)
		}
		final = val
	}

	o.logger.Info("workflow run finished", map[string]interface{}{"run_id": runID})
	return &Result{Steps: results, Data: final}, nil
}

func (o *Orchestrator) heal(ctx context.Context, s Step, payload map[string]interface{}, credentials map[string]string, cause error) (interface{}, error) {
	credNames := make([]string, 0, len(credentials))
	for k := range credentials {
		credNames = append(credNames, k)
	}

	executeStep := func(ctx context.Context, ep model.Endpoint) (model.Response, error) {
		return o.runner.Run(ctx, step.Input{Endpoint: ep, Payload: payload, Credentials: credentials})
	}

	outcome, err := o.healer.Run(ctx, s.Endpoint, payload, credNames, s.Schema, cause, executeStep, nil, s.Documentation)
	if err != nil {
		return nil, err
	}
	return outcome.Response.Data, nil
}

func (o *Orchestrator) runLoop(ctx context.Context, s Step, payload map[string]interface{}, credentials map[string]string) ([]interface{}, error) {
	raw, ok := payload[s.LoopVariable]
	if !ok {
		return nil, fmt.Errorf("loop variable %q not found in payload", s.LoopVariable)
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("loop variable %q is not an array", s.LoopVariable)
	}

	out := make([]interface{}, len(items))
	errs := make([]error, len(items))

	run := func(i int) {
		resp, err := o.runner.Run(ctx, step.Input{
			Endpoint:       s.Endpoint,
			Payload:        payload,
			Credentials:    credentials,
			CurrentItem:    items[i],
			HasCurrentItem: true,
		})
		out[i] = resp.Data
		errs[i] = err
	}

	if s.LoopConcurrency <= 1 {
		for i := range items {
			run(i)
		}
	} else {
		sem := make(chan struct{}, s.LoopConcurrency)
		var wg sync.WaitGroup
		for i := range items {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int) {
				defer wg.Done()
				defer func() { <-sem }()
				run(i)
			}(i)
		}
		wg.Wait()
	}

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("loop item %d failed: %w", i, err)
		}
	}
	return out, nil
}

func mergePayload(payload map[string]interface{}, results map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload)+len(results))
	for k, v := range payload {
		out[k] = v
	}
	for k, v := range results {
		out[k] = v
	}
	return out
}
