package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/superglue-ai/superglue-sub011/core"
)

// ChainClient implements automatic failover across multiple OpenAI-compatible
// providers. ChainClient's job is purely provider selection and failover; the
// providers it wraps call their endpoints directly, without a circuit breaker.
type ChainClient struct {
	providers       []*OpenAIClient
	providerAliases []string
	logger          core.Logger
}

var _ LLMClient = (*ChainClient)(nil)

// NewChainClient creates a client that fails over between providers in order.
func NewChainClient(opts ...ChainOption) (*ChainClient, error) {
	config := &ChainConfig{}
	for _, opt := range opts {
		opt(config)
	}

	if len(config.ProviderAliases) == 0 {
		return nil, fmt.Errorf("configuration error: at least one provider required for chain")
	}

	validProviders := []string{
		"openai",
		"openai.deepseek", "openai.groq", "openai.xai",
		"openai.together", "openai.qwen", "openai.ollama",
	}
	for _, alias := range config.ProviderAliases {
		valid := false
		for _, v := range validProviders {
			if alias == v || strings.HasPrefix(alias, v+".") {
				valid = true
				break
			}
		}
		if !valid {
			return nil, fmt.Errorf("configuration error: unknown provider alias %q", alias)
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	} else if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("engine/ai")
	}

	client := &ChainClient{
		providers:       make([]*OpenAIClient, 0, len(config.ProviderAliases)),
		providerAliases: make([]string, 0, len(config.ProviderAliases)),
		logger:          logger,
	}

	successCount := 0
	for _, alias := range config.ProviderAliases {
		provider, err := NewClient(
			WithProviderAlias(alias),
			WithLogger(config.Logger),
			WithTelemetry(config.Telemetry),
		)
		if err != nil {
			logger.Warn("Provider not available (will skip in chain)", map[string]interface{}{
				"operation": "ai_chain_init",
				"alias":     alias,
				"error":     err.Error(),
			})
			continue
		}
		client.providers = append(client.providers, provider)
		client.providerAliases = append(client.providerAliases, alias)
		successCount++
	}

	if successCount == 0 {
		return nil, fmt.Errorf("configuration error: no providers could be initialized (check API keys)")
	}

	logger.Info("Chain client initialized", map[string]interface{}{
		"operation":           "ai_chain_init",
		"requested_providers": len(config.ProviderAliases),
		"available_providers": successCount,
	})

	return client, nil
}

// SetLogger updates the logger after construction and propagates it to every
// underlying provider.
func (c *ChainClient) SetLogger(logger core.Logger) {
	if logger == nil {
		c.logger = &core.NoOpLogger{}
	} else if cal, ok := logger.(core.ComponentAwareLogger); ok {
		c.logger = cal.WithComponent("engine/ai")
	} else {
		c.logger = logger
	}
	for _, provider := range c.providers {
		provider.SetLogger(logger)
	}
}

// GenerateText tries each provider in order until one succeeds.
func (c *ChainClient) GenerateText(ctx context.Context, messages []Message, temperature float32) (*TextResult, error) {
	var lastErr error
	var failed []string

	for i, provider := range c.providers {
		alias := c.providerAliases[i]
		res, err := provider.GenerateText(ctx, messages, temperature)
		if err == nil {
			if i > 0 {
				c.logger.Info("Chain failover succeeded", map[string]interface{}{
					"failed_providers":    failed,
					"successful_provider": alias,
				})
			}
			return res, nil
		}
		lastErr = err
		failed = append(failed, alias)
		if isClientError(err) {
			return nil, fmt.Errorf("client error (not retrying): %w", err)
		}
		c.logger.Warn("Provider failed in chain, trying next", map[string]interface{}{
			"provider": alias,
			"error":    err.Error(),
		})
	}

	return nil, fmt.Errorf("all %d providers failed, last error: %w", len(c.providers), lastErr)
}

// GenerateObject tries each provider in order until one succeeds.
func (c *ChainClient) GenerateObject(ctx context.Context, messages []Message, schema json.RawMessage, temperature float32, tools []Tool) (*ObjectResult, error) {
	var lastErr error
	var failed []string

	for i, provider := range c.providers {
		alias := c.providerAliases[i]
		res, err := provider.GenerateObject(ctx, messages, schema, temperature, tools)
		if err == nil {
			if i > 0 {
				c.logger.Info("Chain failover succeeded", map[string]interface{}{
					"failed_providers":    failed,
					"successful_provider": alias,
				})
			}
			return res, nil
		}
		lastErr = err
		failed = append(failed, alias)
		if isClientError(err) {
			return nil, fmt.Errorf("client error (not retrying): %w", err)
		}
		c.logger.Warn("Provider failed in chain, trying next", map[string]interface{}{
			"provider": alias,
			"error":    err.Error(),
		})
	}

	return nil, fmt.Errorf("all %d providers failed, last error: %w", len(c.providers), lastErr)
}

// isClientError reports whether err is a non-retryable client error. Auth
// errors are deliberately treated as retryable across the chain: each
// provider holds its own API key, so one provider's bad key should not abort
// the whole chain.
func isClientError(err error) bool {
	errLower := strings.ToLower(err.Error())

	authPatterns := []string{"api key", "authentication", "unauthorized", "invalid key", "missing key", "401"}
	for _, pattern := range authPatterns {
		if strings.Contains(errLower, pattern) {
			return false
		}
	}

	clientErrorPatterns := []string{"bad request", "content policy", "invalid parameter", "malformed"}
	for _, pattern := range clientErrorPatterns {
		if strings.Contains(errLower, pattern) {
			return true
		}
	}

	return false
}

// ChainConfig holds configuration for a chain client.
type ChainConfig struct {
	ProviderAliases []string
	Logger          core.Logger
	Telemetry       core.Telemetry
}

// ChainOption configures a ChainConfig.
type ChainOption func(*ChainConfig)

// WithProviderChain sets the provider aliases to try in order.
func WithProviderChain(aliases ...string) ChainOption {
	return func(c *ChainConfig) { c.ProviderAliases = aliases }
}

// WithChainLogger sets the logger for the chain client.
func WithChainLogger(logger core.Logger) ChainOption {
	return func(c *ChainConfig) { c.Logger = logger }
}

// WithChainTelemetry sets the telemetry provider for the chain client.
func WithChainTelemetry(telemetry core.Telemetry) ChainOption {
	return func(c *ChainConfig) { c.Telemetry = telemetry }
}
