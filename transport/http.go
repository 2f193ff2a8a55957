package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/superglue-ai/superglue-sub011/core"
	"github.com/superglue-ai/superglue-sub011/model"
	"github.com/superglue-ai/superglue-sub011/resilience"
)

// HTTPConfig mirrors core.HTTPTransportConfig's defaults.
type HTTPConfig struct {
	Timeout            time.Duration
	Retries            int
	RetryDelay         time.Duration
	QuickFailThreshold time.Duration
	MaxRateLimitWait   time.Duration
	TotalRateLimitWait time.Duration
	InsecureSkipVerify bool
	UserAgent          string
}

// HTTPTransport implements the HTTP transport: request shaping, the
// non-429/429/network-exception retry policies, content-type sniffing, and
// HTML-error-page detection on 2xx responses. The 2xx-as-error body heuristic
// is left to status.Interpreter. A circuit breaker, when supplied,
// short-circuits repeated calls to a consistently failing host.
type HTTPTransport struct {
	cfg     HTTPConfig
	client  *http.Client
	logger  core.Logger
	breaker *resilience.CircuitBreaker
}

func NewHTTPTransport(cfg HTTPConfig, logger core.Logger, breaker *resilience.CircuitBreaker) *HTTPTransport {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	rt := &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}}
	return &HTTPTransport{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout, Transport: otelhttp.NewTransport(rt)},
		logger:  logger,
		breaker: breaker,
	}
}

var _ Transport = (*HTTPTransport)(nil)

func (t *HTTPTransport) Execute(ctx context.Context, ep model.Endpoint, resolved ResolvedRequest) (model.Response, error) {
	method := strings.ToUpper(ep.Method)
	if method == "" {
		method = http.MethodGet
	}
	includeBody := resolved.Body != "" && bodyAllowed(method)

	retries := t.cfg.Retries
	retryDelay := t.cfg.RetryDelay
	if opts := resolved.Options; opts != nil {
		if opts.Retries > 0 {
			retries = opts.Retries
		}
		if opts.RetryDelay > 0 {
			retryDelay = opts.RetryDelay
		}
	}
	if retries <= 0 {
		retries = 1
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	var rateLimitWaited time.Duration
	rateLimitAttempts := 0
	attempt := 0

	for {
		start := time.Now()
		decoded, statusCode, respHeaders, err := t.doOnce(ctx, method, resolved, includeBody)
		duration := time.Since(start)

		if err != nil {
			attempt++
			if attempt > retries {
				return model.Response{}, core.NewEngineError(core.KindTransport,
					fmt.Sprintf("%s %s failed after %d attempt(s): %v", method, resolved.URL, attempt, err)).WithRetries(attempt - 1)
			}
			wait := time.Duration(attempt) * retryDelay
			if !sleepCtx(ctx, wait) {
				return model.Response{}, ctx.Err()
			}
			continue
		}

		if statusCode == http.StatusTooManyRequests {
			rateLimitAttempts++
			wait := retryAfterWait(respHeaders)
			if wait == 0 {
				wait = backoffWait(rateLimitAttempts)
			}
			if cap := t.maxRateLimitWait(); wait > cap {
				wait = cap
			}
			if rateLimitWaited+wait > t.totalRateLimitWait() {
				return model.Response{}, core.NewEngineError(core.KindTransport,
					fmt.Sprintf("%s %s: rate limited and total rate-limit wait budget exhausted", method, resolved.URL)).
					WithStatus(statusCode).WithLastFailureStatus(statusCode)
			}
			rateLimitWaited += wait
			if !sleepCtx(ctx, wait) {
				return model.Response{}, ctx.Err()
			}
			continue
		}

		if statusCode < 200 || statusCode >= 300 {
			if duration < t.quickFailThreshold() && attempt < retries {
				attempt++
				if !sleepCtx(ctx, retryDelay) {
					return model.Response{}, ctx.Err()
				}
				continue
			}
			return model.Response{Data: decoded.Value, StatusCode: statusCode, Headers: respHeaders},
				core.NewEngineError(core.KindTransport, fmt.Sprintf("%s %s failed with status %d", method, resolved.URL, statusCode)).
					WithStatus(statusCode).WithRetries(attempt).WithLastFailureStatus(statusCode)
		}

		if decoded.IsHTML {
			return model.Response{Data: decoded.Value, StatusCode: statusCode, Headers: respHeaders},
				core.NewEngineError(core.KindStatus, fmt.Sprintf("%s %s returned status %d but the body looks like an HTML error page", method, resolved.URL, statusCode)).
					WithStatus(statusCode)
		}

		return model.Response{Data: decoded.Value, StatusCode: statusCode, Headers: respHeaders}, nil
	}
}

func (t *HTTPTransport) doOnce(ctx context.Context, method string, resolved ResolvedRequest, includeBody bool) (DecodeResult, int, map[string]string, error) {
	if t.breaker != nil && !t.breaker.CanExecute() {
		return DecodeResult{}, 0, nil, fmt.Errorf("circuit breaker open for %s", resolved.URL)
	}

	var bodyReader io.Reader
	if includeBody {
		bodyReader = strings.NewReader(resolved.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, resolved.URL, bodyReader)
	if err != nil {
		return DecodeResult{}, 0, nil, err
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", t.userAgent())
	for _, h := range resolved.Headers {
		req.Header.Set(h.Name, h.Value)
	}
	if len(resolved.QueryParams) > 0 {
		q := req.URL.Query()
		for _, p := range resolved.QueryParams {
			q.Set(p.Name, p.Value)
		}
		req.URL.RawQuery = q.Encode()
	}

	var resp *http.Response
	execErr := t.runWithBreaker(func() error {
		var err error
		resp, err = t.client.Do(req)
		return err
	})
	if execErr != nil {
		return DecodeResult{}, 0, nil, execErr
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return DecodeResult{}, 0, nil, err
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	decoded, _ := Decode(raw, resp.Header.Get("Content-Type"))
	return decoded, resp.StatusCode, headers, nil
}

func (t *HTTPTransport) runWithBreaker(fn func() error) error {
	if t.breaker == nil {
		return fn()
	}
	return t.breaker.Execute(context.Background(), fn)
}

func (t *HTTPTransport) userAgent() string {
	if t.cfg.UserAgent != "" {
		return t.cfg.UserAgent
	}
	return "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
}

func (t *HTTPTransport) quickFailThreshold() time.Duration {
	if t.cfg.QuickFailThreshold > 0 {
		return t.cfg.QuickFailThreshold
	}
	return 2 * time.Second
}

func (t *HTTPTransport) maxRateLimitWait() time.Duration {
	if t.cfg.MaxRateLimitWait > 0 {
		return t.cfg.MaxRateLimitWait
	}
	return time.Hour
}

func (t *HTTPTransport) totalRateLimitWait() time.Duration {
	if t.cfg.TotalRateLimitWait > 0 {
		return t.cfg.TotalRateLimitWait
	}
	return 60 * time.Second
}

func retryAfterWait(headers map[string]string) time.Duration {
	v := headers["Retry-After"]
	if v == "" {
		v = headers["retry-after"]
	}
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(v); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

func backoffWait(k int) time.Duration {
	base := math.Pow(10, float64(k))
	jitter := rand.Float64() * 0.5
	return time.Duration((base + jitter) * float64(time.Second))
}

func bodyAllowed(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete, http.MethodOptions:
		return false
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
