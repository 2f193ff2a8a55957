package step

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superglue-ai/superglue-sub011/core"
	"github.com/superglue-ai/superglue-sub011/evaluator"
	"github.com/superglue-ai/superglue-sub011/mask"
	"github.com/superglue-ai/superglue-sub011/model"
	"github.com/superglue-ai/superglue-sub011/pagination"
	"github.com/superglue-ai/superglue-sub011/scope"
	"github.com/superglue-ai/superglue-sub011/status"
	"github.com/superglue-ai/superglue-sub011/transport"
)

func newTestRunner() *Runner {
	eval := evaluator.New(evaluator.Config{}, nil)
	resolver := scope.New(eval)
	masker := mask.New("", 0)
	interpreter := status.New(masker)
	pg := pagination.New(eval, 0, 0)
	dispatcher := &transport.Dispatcher{HTTP: transport.NewHTTPTransport(transport.HTTPConfig{}, nil, nil)}
	return New(resolver, dispatcher, interpreter, pg, masker, nil)
}

func TestRunnerResolvesAndExecutesOneOffRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/42", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":42}`))
	}))
	defer server.Close()

	r := newTestRunner()
	resp, err := r.Run(context.Background(), Input{
		Endpoint: model.Endpoint{
			Method:  "GET",
			URLHost: server.URL,
			URLPath: "/users/<<userId>>",
		},
		Payload: map[string]interface{}{"userId": "42"},
	})

	require.NoError(t, err)
	assert.Equal(t, float64(42), resp.Data.(map[string]interface{})["id"])
}

func TestRunnerWrapsVarResolutionErrorWithMasking(t *testing.T) {
	r := newTestRunner()
	creds := map[string]string{"apiKey": "sk-topsecret123456"}

	_, err := r.Run(context.Background(), Input{
		Endpoint: model.Endpoint{
			Method:  "GET",
			URLHost: "https://api.example.com",
			URLPath: "/users/<<missing>>",
		},
		Payload:     map[string]interface{}{},
		Credentials: creds,
	})

	require.Error(t, err)
	var ee *core.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, core.KindVarResolution, ee.Kind)
	assert.NotContains(t, err.Error(), creds["apiKey"])
}

func TestRunnerStatusFailureOnNonTwoXX(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	r := newTestRunner()
	_, err := r.Run(context.Background(), Input{
		Endpoint: model.Endpoint{Method: "GET", URLHost: server.URL, URLPath: "/missing"},
		Payload:  map[string]interface{}{},
	})

	require.Error(t, err)
	var ee *core.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, core.KindStatus, ee.Kind)
	assert.Equal(t, http.StatusNotFound, ee.StatusCode)
}

type mapCache struct {
	entries map[string]model.Response
	sets    int
}

func (m *mapCache) Get(ctx context.Context, key string) (model.Response, bool) {
	resp, ok := m.entries[key]
	return resp, ok
}

func (m *mapCache) Set(ctx context.Context, key string, resp model.Response) {
	m.sets++
	m.entries[key] = resp
}

func TestRunnerReadWriteCacheSkipsSecondDispatch(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"id":1}`))
	}))
	defer server.Close()

	cache := &mapCache{entries: map[string]model.Response{}}
	r := newTestRunner().WithResponseCache(cache)
	in := Input{
		Endpoint: model.Endpoint{Method: "GET", URLHost: server.URL, URLPath: "/users/1"},
		Payload:  map[string]interface{}{},
		Options:  &model.RequestOptions{CacheMode: model.CacheReadWrite},
	}

	_, err := r.Run(context.Background(), in)
	require.NoError(t, err)
	_, err = r.Run(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, cache.sets)
}

func TestRunnerReadOnlyCacheNeverWrites(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":1}`))
	}))
	defer server.Close()

	cache := &mapCache{entries: map[string]model.Response{}}
	r := newTestRunner().WithResponseCache(cache)

	_, err := r.Run(context.Background(), Input{
		Endpoint: model.Endpoint{Method: "GET", URLHost: server.URL, URLPath: "/users/1"},
		Payload:  map[string]interface{}{},
		Options:  &model.RequestOptions{CacheMode: model.CacheReadOnly},
	})

	require.NoError(t, err)
	assert.Equal(t, 0, cache.sets)
}

func TestRunnerPaginatesPageBasedEndpoint(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		page := r.URL.Query().Get("page")
		if page == "1" {
			_, _ = w.Write([]byte(`{"items":[1,2]}`))
		} else {
			_, _ = w.Write([]byte(`{"items":[3]}`))
		}
	}))
	defer server.Close()

	r := newTestRunner()
	resp, err := r.Run(context.Background(), Input{
		Endpoint: model.Endpoint{
			Method:      "GET",
			URLHost:     server.URL,
			URLPath:     "/items",
			DataPath:    "items",
			QueryParams: []model.KV{{Name: "page", Value: "<<page>>"}},
			Pagination:  &model.PaginationConfig{Type: model.PagePaginationType, PageSize: "2"},
		},
		Payload: map[string]interface{}{},
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []interface{}{float64(1), float64(2), float64(3)}, resp.Data)
}
