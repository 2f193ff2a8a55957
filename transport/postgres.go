package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/superglue-ai/superglue-sub011/core"
	"github.com/superglue-ai/superglue-sub011/model"
	"github.com/superglue-ai/superglue-sub011/resilience"
)

// PoolRegistry is the process-wide connection-string -> pool cache,
// injected rather than held as module-global state so tests and multiple
// engines in one process don't share pools.
type PoolRegistry struct {
	mu    sync.Mutex
	pools map[string]*pgxpool.Pool
}

func NewPoolRegistry() *PoolRegistry {
	return &PoolRegistry{pools: make(map[string]*pgxpool.Pool)}
}

func (r *PoolRegistry) get(key string) (*pgxpool.Pool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[key]
	return p, ok
}

func (r *PoolRegistry) put(key string, p *pgxpool.Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[key] = p
}

func (r *PoolRegistry) evict(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[key]; ok {
		p.Close()
		delete(r.pools, key)
	}
}

// PostgresConfig mirrors core.PostgresConfig's pool defaults. Retries and
// RetryDelay follow the HTTP transport's linear-backoff policy.
type PostgresConfig struct {
	StatementTimeout time.Duration
	MaxConns         int32
	ConnectTimeout   time.Duration
	IdleTimeout      time.Duration
	Retries          int
	RetryDelay       time.Duration
}

// PostgresTransport executes a resolved SQL body positionally parameterized
// by the endpoint's query parameters, against a pool cached by final
// (post-substitution) connection string.
type PostgresTransport struct {
	registry *PoolRegistry
	cfg      PostgresConfig
	logger   core.Logger
}

func NewPostgresTransport(registry *PoolRegistry, cfg PostgresConfig, logger core.Logger) *PostgresTransport {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if registry == nil {
		registry = NewPoolRegistry()
	}
	return &PostgresTransport{registry: registry, cfg: cfg, logger: logger}
}

var _ Transport = (*PostgresTransport)(nil)

func (p *PostgresTransport) getPool(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	connString = strings.TrimRight(connString, "/")

	if pool, ok := p.registry.get(connString); ok {
		return pool, nil
	}

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres connection string: %w", err)
	}
	if p.cfg.MaxConns > 0 {
		poolCfg.MaxConns = p.cfg.MaxConns
	}
	if p.cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = p.cfg.ConnectTimeout
	}
	if p.cfg.IdleTimeout > 0 {
		poolCfg.MaxConnIdleTime = p.cfg.IdleTimeout
	}
	if poolCfg.ConnConfig.RuntimeParams == nil {
		poolCfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if p.cfg.StatementTimeout > 0 {
		poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", p.cfg.StatementTimeout.Milliseconds())
	}

	if !isLocalHost(poolCfg.ConnConfig.Host) {
		poolCfg.ConnConfig.TLSConfig = &tls.Config{ServerName: poolCfg.ConnConfig.Host}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	p.registry.put(connString, pool)
	return pool, nil
}

func isLocalHost(host string) bool {
	h := strings.ToLower(host)
	return h == "localhost" || h == "127.0.0.1" || h == "::1"
}

// Execute runs resolved.Body as a statement with $1, $2, ... bound
// positionally from resolved.QueryParams, against the pool cached for
// resolved.URL (the post-substitution connection string). Failed attempts
// retry with linear backoff; error text names the SQL but never the
// connection string.
func (p *PostgresTransport) Execute(ctx context.Context, ep model.Endpoint, resolved ResolvedRequest) (model.Response, error) {
	connString := resolved.URL

	retries := p.cfg.Retries
	retryDelay := p.cfg.RetryDelay
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

	args := make([]interface{}, len(resolved.QueryParams))
	for i, kv := range resolved.QueryParams {
		args[i] = kv.Value
	}

	var data []interface{}
	var lastErr error
	err := resilience.Retry(ctx, resilience.LinearRetryConfig(retries+1, retryDelay), func() error {
		var qerr error
		data, qerr = p.queryOnce(ctx, connString, resolved.Body, args)
		if qerr != nil {
			lastErr = qerr
		}
		return qerr
	})
	if err != nil {
		if ctx.Err() != nil {
			return model.Response{}, ctx.Err()
		}
		return model.Response{}, core.NewEngineError(core.KindTransport,
			fmt.Sprintf("postgres query failed: %s (sql: %s)", scrubConnString(lastErr, connString), resolved.Body)).
			WithRetries(retries)
	}

	return model.Response{Data: data, StatusCode: 200, Headers: map[string]string{}}, nil
}

func (p *PostgresTransport) queryOnce(ctx context.Context, connString, sql string, args []interface{}) ([]interface{}, error) {
	pool, err := p.getPool(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain connection pool: %w", err)
	}

	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		p.registry.evict(strings.TrimRight(connString, "/"))
		return nil, err
	}
	defer rows.Close()

	records, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("failed to collect rows: %w", err)
	}

	data := make([]interface{}, len(records))
	for i, r := range records {
		data[i] = map[string]interface{}(r)
	}
	return data, nil
}

// scrubConnString removes the connection string (which may carry inline
// credentials) from an error's text before it reaches a diagnostic message.
func scrubConnString(err error, connString string) string {
	msg := err.Error()
	for _, variant := range []string{connString, strings.TrimRight(connString, "/")} {
		if variant != "" {
			msg = strings.ReplaceAll(msg, variant, "<connection string>")
		}
	}
	return msg
}
