package core

import "time"

// Environment variables read directly by the engine outside the Config
// loader (e.g. by cmd-line entry points before a Config exists).
const (
	EnvRedisURL    = "SUPERGLUE_REDIS_URL"
	EnvServiceName = "SUPERGLUE_SERVICE_NAME"
	EnvDevMode     = "SUPERGLUE_DEV_MODE"
)

// RedisKeyPrefix namespaces every key the engine writes to a shared Redis
// instance (see redis_client.go).
const RedisKeyPrefix = "superglue:"

// DefaultHealingEpisodeTTL bounds how long a healing episode's message
// history survives in the Redis store attached with healing.Agent.WithHistory
// after its last write.
const DefaultHealingEpisodeTTL = 24 * time.Hour
