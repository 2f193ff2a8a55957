package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds process-wide engine configuration. It supports the usual
// three-layer precedence: defaults, then environment variables, then
// functional options (highest priority).
//
//	cfg, err := NewConfig(
//	    WithServiceName("superglue-engine"),
//	    WithLogLevel("debug"),
//	)
type Config struct {
	ServiceName string `json:"service_name" env:"SUPERGLUE_SERVICE_NAME" default:"superglue-engine"`

	// HTTP transport defaults.
	HTTP HTTPTransportConfig `json:"http"`

	// Postgres transport defaults.
	Postgres PostgresConfig `json:"postgres"`

	// Pagination defaults.
	Pagination PaginationDefaults `json:"pagination"`

	// Sandboxed evaluator resource caps.
	Sandbox SandboxConfig `json:"sandbox"`

	// Self-healing agent defaults.
	Healing HealingConfig `json:"healing"`

	// Credential masking.
	Masking MaskingConfig `json:"masking"`

	Logging     LoggingConfig     `json:"logging"`
	Telemetry   TelemetryConfig   `json:"telemetry"`
	Development DevelopmentConfig `json:"development"`

	logger Logger `json:"-"`
}

// HTTPTransportConfig configures the HTTP transport's timeouts and retry
// policy.
type HTTPTransportConfig struct {
	Timeout            time.Duration `json:"timeout" env:"SUPERGLUE_HTTP_TIMEOUT" default:"60s"`
	Retries            int           `json:"retries" env:"SUPERGLUE_HTTP_RETRIES" default:"1"`
	RetryDelay         time.Duration `json:"retry_delay" env:"SUPERGLUE_HTTP_RETRY_DELAY" default:"1s"`
	QuickFailThreshold time.Duration `json:"quick_fail_threshold" env:"SUPERGLUE_HTTP_QUICK_FAIL_THRESHOLD" default:"2s"`
	MaxRateLimitWait   time.Duration `json:"max_rate_limit_wait" env:"SUPERGLUE_HTTP_MAX_RATE_LIMIT_WAIT" default:"1h"`
	TotalRateLimitWait time.Duration `json:"total_rate_limit_wait" env:"SUPERGLUE_HTTP_TOTAL_RATE_LIMIT_WAIT" default:"60s"`
	InsecureSkipVerify bool          `json:"insecure_skip_verify" env:"SUPERGLUE_HTTP_INSECURE_SKIP_VERIFY" default:"false"`
	UserAgent          string        `json:"user_agent" env:"SUPERGLUE_HTTP_USER_AGENT" default:"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"`
}

// PostgresConfig configures pool-cache defaults.
type PostgresConfig struct {
	StatementTimeout time.Duration `json:"statement_timeout" env:"SUPERGLUE_PG_STATEMENT_TIMEOUT" default:"30s"`
	MaxConns         int32         `json:"max_conns" env:"SUPERGLUE_PG_MAX_CONNS" default:"10"`
	ConnectTimeout   time.Duration `json:"connect_timeout" env:"SUPERGLUE_PG_CONNECT_TIMEOUT" default:"5s"`
	IdleTimeout      time.Duration `json:"idle_timeout" env:"SUPERGLUE_PG_IDLE_TIMEOUT" default:"5m"`
}

// PaginationDefaults configures the pagination controller.
type PaginationDefaults struct {
	PageSize            string `json:"page_size" env:"SUPERGLUE_PAGE_SIZE" default:"50"`
	MaxRequestsNoStop   int    `json:"max_requests_no_stop" env:"SUPERGLUE_MAX_PAGINATION_REQUESTS" default:"500"`
	MaxRequestsWithStop int    `json:"max_requests_with_stop" env:"SUPERGLUE_MAX_PAGINATION_REQUESTS_STOP" default:"5000"`
}

// SandboxConfig configures the sandboxed expression evaluator.
type SandboxConfig struct {
	EvalTimeout time.Duration `json:"eval_timeout" env:"SUPERGLUE_SANDBOX_TIMEOUT" default:"3s"`
	MemoryCapMB int           `json:"memory_cap_mb" env:"SUPERGLUE_SANDBOX_MEMORY_MB" default:"128"`
}

// HealingConfig configures the self-healing agent.
type HealingConfig struct {
	MaxAttempts       int     `json:"max_attempts" env:"SUPERGLUE_HEALING_MAX_ATTEMPTS" default:"5"`
	TemperatureStep   float32 `json:"temperature_step" env:"SUPERGLUE_HEALING_TEMPERATURE_STEP" default:"0.1"`
	DocExcerptBudget  int     `json:"doc_excerpt_budget" env:"SUPERGLUE_HEALING_DOC_BUDGET" default:"4000"`
	PayloadSampleSize int     `json:"payload_sample_size" env:"SUPERGLUE_HEALING_PAYLOAD_SAMPLE" default:"2000"`
}

// MaskingConfig configures the credential masker.
type MaskingConfig struct {
	MinCredentialLength int    `json:"min_credential_length" env:"SUPERGLUE_MASK_MIN_LEN" default:"6"`
	Marker              string `json:"marker" env:"SUPERGLUE_MASK_MARKER" default:"***REDACTED***"`
}

// LoggingConfig controls the ProductionLogger.
type LoggingConfig struct {
	Level  string `json:"level" env:"SUPERGLUE_LOG_LEVEL" default:"info"`
	Format string `json:"format" env:"SUPERGLUE_LOG_FORMAT" default:"json"`
	Output string `json:"output" env:"SUPERGLUE_LOG_OUTPUT" default:"stdout"`
}

// TelemetryConfig controls OpenTelemetry wiring (see resilience.NewOTelProvider).
type TelemetryConfig struct {
	Enabled        bool   `json:"enabled" env:"SUPERGLUE_TELEMETRY_ENABLED" default:"false"`
	OTLPEndpoint   string `json:"otlp_endpoint" env:"SUPERGLUE_OTLP_ENDPOINT"`
	ServiceVersion string `json:"service_version" env:"SUPERGLUE_SERVICE_VERSION" default:"development"`
}

// DevelopmentConfig toggles local-dev conveniences.
type DevelopmentConfig struct {
	DebugLogging bool `json:"debug_logging" env:"SUPERGLUE_DEBUG_LOGGING" default:"false"`
}

// Option configures a Config.
type Option func(*Config) error

// DefaultConfig returns the engine defaults the engine ships with.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "superglue-engine",
		HTTP: HTTPTransportConfig{
			Timeout:            60 * time.Second,
			Retries:            1,
			RetryDelay:         time.Second,
			QuickFailThreshold: 2 * time.Second,
			MaxRateLimitWait:   time.Hour,
			TotalRateLimitWait: 60 * time.Second,
			UserAgent:          "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		},
		Postgres: PostgresConfig{
			StatementTimeout: 30 * time.Second,
			MaxConns:         10,
			ConnectTimeout:   5 * time.Second,
			IdleTimeout:      5 * time.Minute,
		},
		Pagination: PaginationDefaults{
			PageSize:            "50",
			MaxRequestsNoStop:   500,
			MaxRequestsWithStop: 5000,
		},
		Sandbox: SandboxConfig{
			EvalTimeout: 3 * time.Second,
			MemoryCapMB: 128,
		},
		Healing: HealingConfig{
			MaxAttempts:       5,
			TemperatureStep:   0.1,
			DocExcerptBudget:  4000,
			PayloadSampleSize: 2000,
		},
		Masking: MaskingConfig{
			MinCredentialLength: 6,
			Marker:              "***REDACTED***",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadFromEnv overlays environment variables onto c, following each field's
// `env` tag. Only the handful of fields agents commonly override in
// deployment are wired; the rest stay at their struct defaults.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("SUPERGLUE_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("SUPERGLUE_HTTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HTTP.Timeout = d
		}
	}
	if v := os.Getenv("SUPERGLUE_HTTP_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HTTP.Retries = n
		}
	}
	if v := os.Getenv("SUPERGLUE_HTTP_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HTTP.RetryDelay = d
		}
	}
	if v := os.Getenv("SUPERGLUE_HTTP_INSECURE_SKIP_VERIFY"); v != "" {
		c.HTTP.InsecureSkipVerify = parseBool(v)
	}
	if v := os.Getenv("SUPERGLUE_MAX_PAGINATION_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pagination.MaxRequestsNoStop = n
		}
	}
	if v := os.Getenv("SUPERGLUE_HEALING_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Healing.MaxAttempts = n
		}
	}
	if v := os.Getenv("SUPERGLUE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SUPERGLUE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("SUPERGLUE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("SUPERGLUE_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("SUPERGLUE_DEBUG_LOGGING"); v != "" {
		c.Development.DebugLogging = parseBool(v)
	}
	return nil
}

// LoadFromFile loads configuration from a JSON or YAML file, detected by
// extension (.yaml/.yml uses gopkg.in/yaml.v3, everything else is parsed as
// JSON).
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	ext := strings.ToLower(path[strings.LastIndex(path, ".")+1:])
	switch ext {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing YAML config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing JSON config: %w", err)
		}
	}
	return nil
}

// Validate checks invariants the engine depends on.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return NewFrameworkError("Config.Validate", "config", ErrMissingConfiguration)
	}
	if c.HTTP.Retries < 0 {
		return NewFrameworkError("Config.Validate", "config", ErrInvalidConfiguration)
	}
	if c.Pagination.MaxRequestsNoStop <= 0 || c.Pagination.MaxRequestsWithStop <= 0 {
		return NewFrameworkError("Config.Validate", "config", ErrInvalidConfiguration)
	}
	if c.Healing.MaxAttempts <= 0 {
		return NewFrameworkError("Config.Validate", "config", ErrInvalidConfiguration)
	}
	return nil
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

// WithServiceName sets the service name used in logs and telemetry.
func WithServiceName(name string) Option {
	return func(c *Config) error {
		c.ServiceName = name
		return nil
	}
}

// WithHTTPDefaults overrides the HTTP transport's timeout/retry defaults.
func WithHTTPDefaults(timeout time.Duration, retries int, retryDelay time.Duration) Option {
	return func(c *Config) error {
		c.HTTP.Timeout = timeout
		c.HTTP.Retries = retries
		c.HTTP.RetryDelay = retryDelay
		return nil
	}
}

// WithInsecureSkipVerify controls TLS certificate verification on the HTTP
// transport. Default is false (verification on). Skipping verification is
// only appropriate when scraping backends with broken certificates.
func WithInsecureSkipVerify(skip bool) Option {
	return func(c *Config) error {
		c.HTTP.InsecureSkipVerify = skip
		return nil
	}
}

// WithMaxPaginationRequests overrides the pagination hard caps.
func WithMaxPaginationRequests(noStop, withStop int) Option {
	return func(c *Config) error {
		c.Pagination.MaxRequestsNoStop = noStop
		c.Pagination.MaxRequestsWithStop = withStop
		return nil
	}
}

// WithHealingMaxAttempts bounds the self-healing agent's attempt count.
func WithHealingMaxAttempts(n int) Option {
	return func(c *Config) error {
		c.Healing.MaxAttempts = n
		return nil
	}
}

// WithLogLevel sets the logging level ("debug", "info", "warn", "error").
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithLogFormat sets the log line format ("json" or "text").
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		c.Logging.Format = format
		return nil
	}
}

// WithTelemetry enables OpenTelemetry export to the given OTLP endpoint.
func WithTelemetry(enabled bool, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = enabled
		c.Telemetry.OTLPEndpoint = endpoint
		return nil
	}
}

// WithLogger installs a pre-built logger, bypassing ProductionLogger
// construction entirely.
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

// NewConfig builds a Config from defaults, environment, then options, in
// that precedence order, and validates the result.
func NewConfig(opts ...Option) (*Config, error) {
	c := DefaultConfig()
	if err := c.LoadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.logger == nil {
		c.logger = NewProductionLogger(c.Logging, c.Development, c.ServiceName)
	}
	return c, nil
}

// Logger returns the configured logger, building the default ProductionLogger
// on first access if none was supplied.
func (c *Config) Logger() Logger {
	if c.logger == nil {
		c.logger = NewProductionLogger(c.Logging, c.Development, c.ServiceName)
	}
	return c.logger
}

// ProductionLogger is a structured logger writing JSON or human-readable
// lines to stdout/stderr, with an optional metrics layer enabled once a
// MetricsRegistry is installed via SetMetricsRegistry.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	format      string
	output      io.Writer

	metricsEnabled bool
}

// NewProductionLogger builds a ProductionLogger from LoggingConfig.
func NewProductionLogger(logging LoggingConfig, dev DevelopmentConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}

	l := &ProductionLogger{
		level:       strings.ToLower(logging.Level),
		debug:       dev.DebugLogging || logging.Level == "debug",
		serviceName: serviceName,
		format:      logging.Format,
		output:      output,
	}
	trackLogger(l)
	return l
}

// EnableMetrics is called by SetMetricsRegistry once a telemetry backend is available.
func (p *ProductionLogger) EnableMetrics() {
	p.metricsEnabled = true
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, nil)
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, ctx)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, nil)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, ctx)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, nil)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, ctx)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, nil)
	}
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, ctx)
	}
}

func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}, ctx context.Context) {
	timestamp := time.Now().Format(time.RFC3339)

	if p.format == "json" {
		logEntry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"message":   msg,
		}
		if ctx != nil && p.metricsEnabled {
			for k, v := range getContextBaggage(ctx) {
				logEntry["trace."+k] = v
			}
		}
		for k, v := range fields {
			logEntry[k] = v
		}
		if data, err := json.Marshal(logEntry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
	} else {
		traceInfo := ""
		if ctx != nil && p.metricsEnabled {
			if baggage := getContextBaggage(ctx); baggage["request_id"] != "" {
				traceInfo = fmt.Sprintf("[req=%s] ", baggage["request_id"])
			}
		}

		var fieldStr strings.Builder
		if len(fields) > 0 {
			fieldStr.WriteString(" ")
			for k, v := range fields {
				fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
			}
		}

		fmt.Fprintf(p.output, "%s [%s] [%s] %s%s%s\n",
			timestamp, level, p.serviceName, traceInfo, msg, fieldStr.String())
	}

	if p.metricsEnabled {
		p.emitMetric(level, ctx)
	}
}

func (p *ProductionLogger) emitMetric(level string, ctx context.Context) {
	labels := []string{"level", level, "service", p.serviceName}
	if ctx != nil {
		emitMetricWithContext(ctx, "superglue.engine.log_events", 1.0, labels...)
	} else {
		emitMetric("superglue.engine.log_events", 1.0, labels...)
	}
}

func emitMetric(name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.Counter(name, labels...)
	}
}

func emitMetricWithContext(ctx context.Context, name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.EmitWithContext(ctx, name, value, labels...)
	}
}

func getContextBaggage(ctx context.Context) map[string]string {
	if globalMetricsRegistry != nil {
		return globalMetricsRegistry.GetBaggage(ctx)
	}
	return make(map[string]string)
}
