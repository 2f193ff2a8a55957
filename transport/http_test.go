package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superglue-ai/superglue-sub011/core"
	"github.com/superglue-ai/superglue-sub011/model"
)

func newTestHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	return NewHTTPTransport(cfg, &core.NoOpLogger{}, nil)
}

func TestHTTPExecuteSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": 1})
	}))
	defer server.Close()

	tr := newTestHTTPTransport(HTTPConfig{})
	resp, err := tr.Execute(context.Background(), model.Endpoint{Method: "GET"}, ResolvedRequest{URL: server.URL})

	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestHTTPExecuteTwoXXBodyErrorReturnedAsIs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"code": 404, "message": "not found"})
	}))
	defer server.Close()

	tr := newTestHTTPTransport(HTTPConfig{})
	resp, err := tr.Execute(context.Background(), model.Endpoint{Method: "GET"}, ResolvedRequest{URL: server.URL})

	// http.go itself does not apply the 2xx-as-error heuristic (that is
	// status.Interpreter's job); it should return the decoded body as-is.
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, float64(404), resp.Data.(map[string]interface{})["code"])
}

func TestHTTPExecuteRetriesThenFailsOnNon2xx(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	tr := newTestHTTPTransport(HTTPConfig{Retries: 2, RetryDelay: time.Millisecond, QuickFailThreshold: time.Second})
	_, err := tr.Execute(context.Background(), model.Endpoint{Method: "GET"}, ResolvedRequest{URL: server.URL})

	require.Error(t, err)
	var ee *core.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, core.KindTransport, ee.Kind)
	assert.Equal(t, 500, ee.StatusCode)
	assert.GreaterOrEqual(t, calls, 2)
}

func TestHTTPExecuteRespectsRetryAfterHeaderOn429(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true})
	}))
	defer server.Close()

	tr := newTestHTTPTransport(HTTPConfig{TotalRateLimitWait: time.Minute, MaxRateLimitWait: 5 * time.Millisecond})
	resp, err := tr.Execute(context.Background(), model.Endpoint{Method: "GET"}, ResolvedRequest{URL: server.URL})

	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 2, calls)
}

func TestHTTPExecuteHTMLBodyOn2xxIsStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<!DOCTYPE html><html><body>oops</body></html>"))
	}))
	defer server.Close()

	tr := newTestHTTPTransport(HTTPConfig{})
	_, err := tr.Execute(context.Background(), model.Endpoint{Method: "GET"}, ResolvedRequest{URL: server.URL})

	require.Error(t, err)
	var ee *core.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, core.KindStatus, ee.Kind)
}

func TestHTTPExecuteHonorsPerCallRetryOverride(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	tr := newTestHTTPTransport(HTTPConfig{Retries: 1, RetryDelay: time.Millisecond, QuickFailThreshold: time.Second})
	_, err := tr.Execute(context.Background(), model.Endpoint{Method: "GET"}, ResolvedRequest{
		URL:     server.URL,
		Options: &model.RequestOptions{Retries: 3, RetryDelay: time.Millisecond},
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls)
}

func TestBackoffWaitGrowsExponentially(t *testing.T) {
	assert.Less(t, backoffWait(0), backoffWait(1))
	assert.Less(t, backoffWait(1), backoffWait(2))
}

func TestRetryAfterWaitParsesSeconds(t *testing.T) {
	d := retryAfterWait(map[string]string{"Retry-After": "5"})
	assert.Equal(t, 5*time.Second, d)
}
