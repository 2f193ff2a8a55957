// Package step implements the step runner: it composes the variable
// resolver, transport dispatcher, status interpreter and pagination
// controller into one step execution, surfacing structured engine errors
// for the self-healing agent.
package step

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/superglue-ai/superglue-sub011/core"
	"github.com/superglue-ai/superglue-sub011/evaluator"
	"github.com/superglue-ai/superglue-sub011/mask"
	"github.com/superglue-ai/superglue-sub011/model"
	"github.com/superglue-ai/superglue-sub011/pagination"
	"github.com/superglue-ai/superglue-sub011/scope"
	"github.com/superglue-ai/superglue-sub011/status"
	"github.com/superglue-ai/superglue-sub011/transport"
)

// Input is everything one step execution needs beyond the endpoint itself.
type Input struct {
	Endpoint       model.Endpoint
	Payload        map[string]interface{}
	Credentials    map[string]string
	Options        *model.RequestOptions
	CurrentItem    interface{}
	HasCurrentItem bool
}

// ResponseCache is the caller-supplied cache behind Options.CacheMode. The
// engine only consults it; storage and expiry are the implementation's
// concern.
type ResponseCache interface {
	Get(ctx context.Context, key string) (model.Response, bool)
	Set(ctx context.Context, key string, resp model.Response)
}

// Runner executes one step end to end.
type Runner struct {
	resolver    *scope.Resolver
	dispatcher  *transport.Dispatcher
	interpreter *status.Interpreter
	pagination  *pagination.Controller
	masker      *mask.Masker
	logger      core.Logger
	cache       ResponseCache
}

func New(resolver *scope.Resolver, dispatcher *transport.Dispatcher, interpreter *status.Interpreter, pg *pagination.Controller, masker *mask.Masker, logger core.Logger) *Runner {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Runner{resolver: resolver, dispatcher: dispatcher, interpreter: interpreter, pagination: pg, masker: masker, logger: logger}
}

// WithResponseCache attaches the cache consulted when a step's Options set a
// CacheMode other than OFF.
func (r *Runner) WithResponseCache(cache ResponseCache) *Runner {
	r.cache = cache
	return r
}

// Run resolves, dispatches and interprets one step, looping through
// pagination when the endpoint declares it and its transport doesn't bypass
// pagination.
func (r *Runner) Run(ctx context.Context, in Input) (model.Response, error) {
	if in.Options != nil && in.Options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, in.Options.Timeout)
		defer cancel()
	}

	baseScope := scope.BuildScope(in.Payload, in.Credentials, nil, in.CurrentItem, in.HasCurrentItem)

	if transport.IsPaginationBypassed(in.Endpoint.URLHost) || in.Endpoint.Pagination == nil {
		return r.runOnce(ctx, in.Endpoint, in.Options, in.Credentials, baseScope)
	}

	requestSurface := r.requestSurface(in.Endpoint)
	iteration := func(ctx context.Context, vars map[string]interface{}) (model.Response, error) {
		iterScope := scope.BuildScope(in.Payload, in.Credentials, vars, in.CurrentItem, in.HasCurrentItem)
		resp, err := r.runOnce(ctx, in.Endpoint, in.Options, in.Credentials, iterScope)
		return resp, err
	}

	result, err := r.pagination.Run(ctx, *in.Endpoint.Pagination, in.Endpoint.DataPath, requestSurface, iteration)
	if err != nil {
		return model.Response{}, r.maskEngineError(err, in.Credentials)
	}
	return model.Response{Data: result.Data, StatusCode: 200}, nil
}

func (r *Runner) runOnce(ctx context.Context, ep model.Endpoint, opts *model.RequestOptions, creds map[string]string, sc map[string]interface{}) (model.Response, error) {
	resolved, err := r.resolveOnce(ctx, ep, sc)
	if err != nil {
		return model.Response{}, r.wrapVarError(err, creds)
	}
	resolved.Options = opts

	cacheKey := cacheKeyFor(ep.Method, resolved)
	if r.cacheReadable(opts) {
		if cached, ok := r.cache.Get(ctx, cacheKey); ok {
			return cached, nil
		}
	}

	resp, err := r.dispatcher.Dispatch(ctx, ep, resolved)
	if err != nil {
		// A non-2xx HTTP response arrives as a TRANSPORT error carrying the
		// response; the status interpreter reports it as a STATUS failure.
		var ee *core.EngineError
		if errors.As(err, &ee) && ee.Kind == core.KindTransport && resp.StatusCode != 0 {
			outcome := r.interpreter.Interpret(resp, status.RequestConfig{Method: ep.Method, URL: resolved.URL, Headers: resolved.Headers}, creds)
			if outcome.ShouldFail {
				return resp, core.NewEngineError(core.KindStatus, outcome.Message).WithStatus(resp.StatusCode).
					WithRetries(ee.RetriesAttempted).WithLastFailureStatus(resp.StatusCode)
			}
		}
		return resp, r.wrapTransportError(err, creds)
	}

	outcome := r.interpreter.Interpret(resp, status.RequestConfig{Method: ep.Method, URL: resolved.URL, Headers: resolved.Headers}, creds)
	if outcome.ShouldFail {
		return resp, core.NewEngineError(core.KindStatus, outcome.Message).WithStatus(resp.StatusCode)
	}

	if r.cacheWritable(opts) {
		r.cache.Set(ctx, cacheKey, resp)
	}
	return resp, nil
}

func (r *Runner) cacheReadable(opts *model.RequestOptions) bool {
	return r.cache != nil && opts != nil &&
		(opts.CacheMode == model.CacheReadWrite || opts.CacheMode == model.CacheReadOnly)
}

func (r *Runner) cacheWritable(opts *model.RequestOptions) bool {
	return r.cache != nil && opts != nil && opts.CacheMode == model.CacheReadWrite
}

func cacheKeyFor(method string, resolved transport.ResolvedRequest) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteString(" ")
	b.WriteString(resolved.URL)
	for _, p := range resolved.QueryParams {
		b.WriteString("&")
		b.WriteString(p.Name)
		b.WriteString("=")
		b.WriteString(p.Value)
	}
	b.WriteString("|")
	b.WriteString(resolved.Body)
	return b.String()
}

func (r *Runner) resolveOnce(ctx context.Context, ep model.Endpoint, sc map[string]interface{}) (transport.ResolvedRequest, error) {
	host, err := r.resolver.ResolveString(ctx, ep.URLHost, sc)
	if err != nil {
		return transport.ResolvedRequest{}, err
	}
	p, err := r.resolver.ResolveString(ctx, ep.URLPath, sc)
	if err != nil {
		return transport.ResolvedRequest{}, err
	}
	headers, err := r.resolver.ResolveHeaders(ctx, ep.Headers, sc)
	if err != nil {
		return transport.ResolvedRequest{}, err
	}
	params, err := r.resolver.ResolveQueryParams(ctx, ep.QueryParams, sc)
	if err != nil {
		return transport.ResolvedRequest{}, err
	}
	body, err := r.resolver.ResolveString(ctx, ep.Body, sc)
	if err != nil {
		return transport.ResolvedRequest{}, err
	}

	return transport.ResolvedRequest{
		URL:         host + p,
		Headers:     headers,
		QueryParams: params,
		Body:        body,
	}, nil
}

func (r *Runner) requestSurface(ep model.Endpoint) string {
	var b strings.Builder
	b.WriteString(ep.URLHost)
	b.WriteString(ep.URLPath)
	for _, h := range ep.Headers {
		b.WriteString(h.Value)
	}
	for _, q := range ep.QueryParams {
		b.WriteString(q.Value)
	}
	b.WriteString(ep.Body)
	return b.String()
}

func (r *Runner) wrapVarError(err error, creds map[string]string) error {
	var re *scope.ResolveError
	msg := err.Error()
	if errors.As(err, &re) {
		msg = fmt.Sprintf("%s: %s", re.Reason, re.Variable)
	}
	// A sandbox killed by its resource caps is not a configuration problem
	// the healing agent could fix, so it gets the non-healable kind.
	if errors.Is(err, evaluator.ErrEvalTimeout) {
		return core.NewEngineError(core.KindSandbox, r.masker.Mask(msg, creds)).WithWrapped(err)
	}
	return core.NewEngineError(core.KindVarResolution, r.masker.Mask(msg, creds)).WithWrapped(err)
}

func (r *Runner) wrapTransportError(err error, creds map[string]string) error {
	var ee *core.EngineError
	if errors.As(err, &ee) {
		ee.Message = r.masker.Mask(ee.Message, creds)
		return ee
	}
	return core.NewEngineError(core.KindTransport, r.masker.Mask(err.Error(), creds)).WithWrapped(err)
}

func (r *Runner) maskEngineError(err error, creds map[string]string) error {
	var ee *core.EngineError
	if errors.As(err, &ee) {
		ee.Message = r.masker.Mask(ee.Message, creds)
		return ee
	}
	return err
}
