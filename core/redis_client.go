// Package core provides a Redis client wrapper used as the optional
// distributed backing store for the self-healing agent's attempt history
// (see healing.Agent.WithHistory) and for pagination cycle-detection
// hash sets shared across replicas of a stateless workflow orchestrator.
//
// Database Allocation:
//   - DB 0: Healing episode message history
//   - DB 1: Pagination page-hash cache
//   - DB 2-15: Available for extensions
//
// All keys are namespaced to avoid collisions between unrelated callers
// sharing one Redis instance.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisClient is a namespaced, DB-isolated wrapper around go-redis. It
// implements the Memory interface and is the store the healing agent's
// WithHistory attaches.
type RedisClient struct {
	client    *redis.Client
	dbID      int
	namespace string
	logger    Logger
}

// RedisClientOptions configures a RedisClient.
type RedisClientOptions struct {
	RedisURL  string
	DB        int
	Namespace string
	Logger    Logger
}

// NewRedisClient dials Redis, verifies connectivity, and returns a client
// isolated to the requested logical database and key namespace.
func NewRedisClient(opts RedisClientOptions) (*RedisClient, error) {
	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrInvalidConfiguration)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	if opts.DB >= 0 && opts.DB <= 15 {
		redisOpt.DB = opts.DB
	}

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis DB %d: %w", opts.DB, ErrConnectionFailed)
	}

	rc := &RedisClient{
		client:    client,
		dbID:      opts.DB,
		namespace: opts.Namespace,
		logger:    opts.Logger,
	}
	if rc.logger != nil {
		rc.logger.Info("Redis client connected", map[string]interface{}{
			"db":        opts.DB,
			"db_name":   GetRedisDBName(opts.DB),
			"namespace": opts.Namespace,
		})
	}
	return rc, nil
}

// Close closes the underlying Redis connection.
func (r *RedisClient) Close() error {
	return r.client.Close()
}

func (r *RedisClient) formatKey(key string) string {
	if r.namespace != "" {
		return fmt.Sprintf("%s:%s", r.namespace, key)
	}
	return key
}

// Get implements core.Memory. A missing key returns "", nil (not redis.Nil)
// so callers can treat "no prior episode" uniformly with a fresh in-memory store.
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, r.formatKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

// Set implements core.Memory.
func (r *RedisClient) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, r.formatKey(key), value, ttl).Err()
}

// Delete implements core.Memory.
func (r *RedisClient) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.formatKey(key)).Err()
}

// Exists implements core.Memory.
func (r *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.formatKey(key)).Result()
	return n > 0, err
}

// SAdd adds a page-hash to a per-step set, used by the pagination controller's
// distributed cycle-detection mode.
func (r *RedisClient) SAdd(ctx context.Context, key string, member string) error {
	return r.client.SAdd(ctx, r.formatKey(key), member).Err()
}

// SIsMember reports whether a page-hash was already seen for this step.
func (r *RedisClient) SIsMember(ctx context.Context, key string, member string) (bool, error) {
	return r.client.SIsMember(ctx, r.formatKey(key), member).Result()
}

// HealthCheck verifies Redis connectivity.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Standard Redis DB allocation for the engine's two distributed-state uses.
const (
	// RedisDBHealingEpisodes stores self-healing attempt-history for resumable episodes.
	RedisDBHealingEpisodes = 0

	// RedisDBPaginationCache stores per-step page-hash sets for cross-replica cycle detection.
	RedisDBPaginationCache = 1
)

// GetRedisDBName returns a human-readable name for a DB number.
func GetRedisDBName(db int) string {
	switch db {
	case RedisDBHealingEpisodes:
		return "Healing Episodes"
	case RedisDBPaginationCache:
		return "Pagination Cache"
	default:
		return fmt.Sprintf("DB %d", db)
	}
}
