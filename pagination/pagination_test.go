package pagination

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superglue-ai/superglue-sub011/core"
	"github.com/superglue-ai/superglue-sub011/evaluator"
	"github.com/superglue-ai/superglue-sub011/model"
)

// requireRedis skips the test unless a local Redis instance is reachable.
func requireRedis(t *testing.T) *core.RedisClient {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis test in short mode")
	}
	conn, err := net.DialTimeout("tcp", "localhost:6379", time.Second)
	if err != nil {
		t.Skipf("Redis not available at localhost:6379: %v", err)
	}
	conn.Close()

	rc, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  "redis://localhost:6379",
		DB:        core.RedisDBPaginationCache,
		Namespace: "pagination-test",
	})
	if err != nil {
		t.Skipf("Redis client unavailable: %v", err)
	}
	return rc
}

func newTestController() *Controller {
	return New(evaluator.New(evaluator.Config{}, nil), 0, 0)
}

func TestRunPageBasedHappyPath(t *testing.T) {
	c := newTestController()
	pages := [][]interface{}{
		{"a", "b"},
		{"c"},
	}
	calls := 0

	result, err := c.Run(context.Background(),
		model.PaginationConfig{Type: model.PagePaginationType, PageSize: "2"},
		"", "?page=<<page>>",
		func(ctx context.Context, vars map[string]interface{}) (model.Response, error) {
			idx := calls
			calls++
			return model.Response{StatusCode: 200, Data: pages[idx]}, nil
		})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, result.Requests)
	assert.Equal(t, []interface{}{"a", "b", "c"}, result.Data)
}

func TestRunCursorBasedFollowsNextCursor(t *testing.T) {
	c := newTestController()
	calls := 0

	// Default page size: termination must come from cursor absence, not from
	// pages being shorter than the page size.
	result, err := c.Run(context.Background(),
		model.PaginationConfig{Type: model.CursorPaginationType, CursorPath: "meta.next"},
		"items", "cursor=<<cursor>>",
		func(ctx context.Context, vars map[string]interface{}) (model.Response, error) {
			calls++
			if vars["cursor"] == "" {
				return model.Response{StatusCode: 200, Data: map[string]interface{}{
					"items": []interface{}{"a"}, "meta": map[string]interface{}{"next": "T1"},
				}}, nil
			}
			return model.Response{StatusCode: 200, Data: map[string]interface{}{
				"items": []interface{}{"b"}, "meta": map[string]interface{}{"next": nil},
			}}, nil
		})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	data := result.Data.(map[string]interface{})
	assert.Equal(t, []interface{}{"a", "b"}, data["results"])
	assert.Nil(t, data["next_cursor"])
}

func TestRunRejectsMisconfiguredPaginationBeforeAnyRequest(t *testing.T) {
	c := newTestController()
	calls := 0

	_, err := c.Run(context.Background(),
		model.PaginationConfig{Type: model.PagePaginationType, PageSize: "2"},
		"", "no pagination variable referenced here",
		func(ctx context.Context, vars map[string]interface{}) (model.Response, error) {
			calls++
			return model.Response{}, nil
		})

	require.Error(t, err)
	assert.Equal(t, 0, calls)
	var ee *core.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, core.KindPaginationConfig, ee.Kind)
}

func TestRunCursorRequiresCursorPath(t *testing.T) {
	c := newTestController()

	_, err := c.Run(context.Background(),
		model.PaginationConfig{Type: model.CursorPaginationType, PageSize: "50"},
		"", "cursor=<<cursor>>",
		func(ctx context.Context, vars map[string]interface{}) (model.Response, error) {
			return model.Response{}, nil
		})

	require.Error(t, err)
	var ee *core.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, core.KindPaginationConfig, ee.Kind)
}

func TestRunDetectsIdenticalFirstTwoPagesWithStopCondition(t *testing.T) {
	c := newTestController()

	_, err := c.Run(context.Background(),
		model.PaginationConfig{Type: model.PagePaginationType, PageSize: "2", StopCondition: "len(response.items) == 0"},
		"", "page=<<page>>",
		func(ctx context.Context, vars map[string]interface{}) (model.Response, error) {
			return model.Response{StatusCode: 200, Data: map[string]interface{}{"items": []interface{}{"a", "b"}}}, nil
		})

	require.Error(t, err)
	var ee *core.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, core.KindPaginationConfig, ee.Kind)
}

func TestRunStopsOnDuplicatePageWithoutStopCondition(t *testing.T) {
	c := newTestController()
	calls := 0

	result, err := c.Run(context.Background(),
		model.PaginationConfig{Type: model.OffsetPaginationType, PageSize: "3"},
		"", "offset=<<offset>>",
		func(ctx context.Context, vars map[string]interface{}) (model.Response, error) {
			calls++
			return model.Response{StatusCode: 200, Data: []interface{}{"x", "y", "z"}}, nil
		})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, result.Data, 6)
}

func TestRunWithCacheDetectsDuplicateAcrossControllerInstances(t *testing.T) {
	rc := requireRedis(t)
	defer rc.Close()

	cfg := model.PaginationConfig{Type: model.OffsetPaginationType, PageSize: "3"}
	iteration := func(ctx context.Context, vars map[string]interface{}) (model.Response, error) {
		return model.Response{StatusCode: 200, Data: []interface{}{"x", "y", "z"}}, nil
	}

	first := newTestController().WithCache(rc)
	_, err := first.Run(context.Background(), cfg, "", "offset=<<offset>>", iteration)
	require.NoError(t, err)

	calls := 0
	second := newTestController().WithCache(rc)
	result, err := second.Run(context.Background(), cfg, "", "offset=<<offset>>",
		func(ctx context.Context, vars map[string]interface{}) (model.Response, error) {
			calls++
			return iteration(ctx, vars)
		})

	require.NoError(t, err)
	assert.Equal(t, 1, calls, "a fresh controller sharing the cache should see the page already marked seen and stop after one request")
	assert.Len(t, result.Data, 3)
}
