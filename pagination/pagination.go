// Package pagination implements the pagination controller: the per-step
// page/offset/cursor loop, its cycle-detection and misconfiguration checks,
// and the dataPath extraction rules.
package pagination

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/superglue-ai/superglue-sub011/core"
	"github.com/superglue-ai/superglue-sub011/evaluator"
	"github.com/superglue-ai/superglue-sub011/model"
)

// IterationFunc executes one page/offset/cursor iteration against the
// current pagination variables and returns the raw response.
type IterationFunc func(ctx context.Context, vars map[string]interface{}) (model.Response, error)

// Controller drives the pagination state machine.
type Controller struct {
	eval               *evaluator.Evaluator
	defaultCapNoStop   int
	defaultCapWithStop int
	cache              *core.RedisClient
}

func New(eval *evaluator.Evaluator, capNoStop, capWithStop int) *Controller {
	if capNoStop <= 0 {
		capNoStop = 500
	}
	if capWithStop <= 0 {
		capWithStop = 5000
	}
	return &Controller{eval: eval, defaultCapNoStop: capNoStop, defaultCapWithStop: capWithStop}
}

// WithCache attaches a distributed page-hash cache: duplicate-page detection
// is then shared across every replica paginating the same endpoint instead of
// only catching a cycle within one replica's own request loop.
func (c *Controller) WithCache(rc *core.RedisClient) *Controller {
	c.cache = rc
	return c
}

// Result is the pagination run's aggregated output.
type Result struct {
	Data     interface{}
	Requests int
}

// Run executes the pagination loop for cfg against an endpoint whose
// un-substituted request surface is requestSurface (used for the
// pre-iteration misconfiguration check) and whose data lives at dataPath in
// each page's response.
func (c *Controller) Run(ctx context.Context, cfg model.PaginationConfig, dataPath string, requestSurface string, runIteration IterationFunc) (*Result, error) {
	varName := varNameFor(cfg.Type)
	if varName != "" && !strings.Contains(requestSurface, varName) {
		return nil, core.NewEngineError(core.KindPaginationConfig,
			fmt.Sprintf("pagination variable %q is not referenced anywhere in the endpoint's request surface", varName))
	}
	if cfg.Type == model.CursorPaginationType && cfg.CursorPath == "" {
		return nil, core.NewEngineError(core.KindPaginationConfig, "cursor-based pagination requires a cursorPath")
	}

	pageSizeInt, err := strconv.Atoi(firstNonEmpty(cfg.PageSize, "50"))
	if err != nil || pageSizeInt <= 0 {
		pageSizeInt = 50
	}

	cap := c.defaultCapNoStop
	if cfg.StopCondition != "" {
		cap = c.defaultCapWithStop
	}

	page := 1
	offset := 0
	var cursor interface{} = ""
	hasMore := true
	loopCount := 0
	var allResults []interface{}
	seen := map[string]bool{}
	cacheKey := fmt.Sprintf("pages:%s", hashOf(requestSurface))
	var prevHash, firstHash string
	firstHasData := false

	for hasMore {
		loopCount++
		if loopCount > cap {
			return nil, core.NewEngineError(core.KindPaginationConfig,
				fmt.Sprintf("pagination exceeded the maximum of %d requests", cap))
		}

		vars := map[string]interface{}{"page": page, "offset": offset, "cursor": cursor, "pageSize": pageSizeInt}
		resp, err := runIteration(ctx, vars)
		if err != nil {
			return nil, err
		}

		normalized, dataPathOK := walkDataPath(resp.Data, dataPath)
		hash := hashOf(normalized)

		switch loopCount {
		case 1:
			firstHash = hash
			firstHasData = hasData(normalized)
		case 2:
			if cfg.StopCondition != "" {
				if hash == firstHash && firstHasData && hasData(normalized) {
					return nil, core.NewEngineError(core.KindPaginationConfig,
						"pagination parameters are not being applied: the first two pages are identical")
				}
				if !firstHasData && !hasData(normalized) {
					return nil, core.NewEngineError(core.KindPaginationConfig,
						"stop condition should have terminated already: no data returned across the first two pages")
				}
			}
		}

		if loopCount > 1 && hash == prevHash {
			hasMore = false
		}

		if cfg.StopCondition != "" {
			pageInfo := map[string]interface{}{"page": page, "offset": offset, "cursor": cursor, "totalFetched": len(allResults)}
			result := c.eval.EvaluateStopCondition(ctx, cfg.StopCondition, resp.Data, pageInfo)
			if result.Error != "" {
				return nil, core.NewEngineError(core.KindPaginationConfig,
					fmt.Sprintf("stop condition evaluation failed: %s", result.Error))
			}
			if result.ShouldStop {
				hasMore = false
			}
		} else if cfg.Type != model.CursorPaginationType {
			// Built-in page/offset termination: a short page or a page seen
			// before means the source is exhausted. Cursor pagination instead
			// terminates below, when the response stops yielding a cursor.
			if arr, isArr := normalized.([]interface{}); isArr {
				if len(arr) < pageSizeInt || c.alreadySeen(ctx, cacheKey, hash, seen) {
					hasMore = false
				}
			} else {
				hasMore = false
			}
		}

		c.markSeen(ctx, cacheKey, hash, seen)
		prevHash = hash

		if arr, isArr := normalized.([]interface{}); isArr {
			allResults = append(allResults, arr...)
		} else if dataPathOK && hasData(normalized) {
			allResults = append(allResults, normalized)
		}

		if !hasMore {
			break
		}

		switch cfg.Type {
		case model.PagePaginationType:
			page++
		case model.OffsetPaginationType:
			offset += pageSizeInt
		case model.CursorPaginationType:
			next, ok := walkDataPath(resp.Data, cfg.CursorPath)
			if !ok || isNullish(next) {
				cursor = nil
				hasMore = false
			} else {
				cursor = next
			}
		}
	}

	return buildResult(cfg.Type, allResults, cursor, loopCount), nil
}

// alreadySeen reports whether hash was already observed for this run, first
// against the local set and, when a distributed cache is attached, against
// every other replica paginating the same endpoint.
func (c *Controller) alreadySeen(ctx context.Context, cacheKey, hash string, seen map[string]bool) bool {
	if seen[hash] {
		return true
	}
	if c.cache == nil {
		return false
	}
	dup, err := c.cache.SIsMember(ctx, cacheKey, hash)
	return err == nil && dup
}

func (c *Controller) markSeen(ctx context.Context, cacheKey, hash string, seen map[string]bool) {
	seen[hash] = true
	if c.cache != nil {
		_ = c.cache.SAdd(ctx, cacheKey, hash)
	}
}

func buildResult(t model.PaginationType, allResults []interface{}, cursor interface{}, requests int) *Result {
	if t == model.CursorPaginationType {
		return &Result{Data: map[string]interface{}{"next_cursor": cursor, "results": allResults}, Requests: requests}
	}
	if len(allResults) == 1 {
		return &Result{Data: allResults[0], Requests: requests}
	}
	return &Result{Data: allResults, Requests: requests}
}

func walkDataPath(data interface{}, path string) (interface{}, bool) {
	if path == "" || path == "$" {
		return data, true
	}
	parts := strings.Split(path, ".")
	cur := data
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, exists := m[p]
		if !exists {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func isNullish(v interface{}) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}

func hasData(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	case string:
		return t != ""
	default:
		return v != nil
	}
}

func hashOf(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func varNameFor(t model.PaginationType) string {
	switch t {
	case model.PagePaginationType:
		return "page"
	case model.OffsetPaginationType:
		return "offset"
	case model.CursorPaginationType:
		return "cursor"
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
