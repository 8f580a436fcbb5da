package config

import (
	"time"
)

// Config is the root gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Admin     AdminConfig     `yaml:"admin"`
	Logging   LoggingConfig   `yaml:"logging"`
	AccessLog AccessLogConfig `yaml:"access_log"`
	Routes    []RouteConfig   `yaml:"routes"`
	Clusters  []ClusterConfig `yaml:"clusters"`
}

// ServerConfig defines the main listener settings.
type ServerConfig struct {
	Address           string        `yaml:"address"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
}

// AdminConfig defines the read-only observability endpoint.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig defines structured logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// AccessLogConfig defines the access-log middleware stage settings.
type AccessLogConfig struct {
	Enabled    bool   `yaml:"enabled"`
	File       string `yaml:"file"` // empty = stdout via the global logger
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// RouteConfig defines a single route entry.
type RouteConfig struct {
	Pattern     string            `yaml:"pattern"`
	Methods     []string          `yaml:"methods"`
	Cluster     string            `yaml:"cluster"`
	Middlewares []string          `yaml:"middlewares"`
	Metadata    map[string]string `yaml:"metadata"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
}

// RateLimitConfig defines token bucket settings for the rate-limit stage.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"` // tokens per second
	Burst   int     `yaml:"burst"`
}

// ClusterConfig defines a named upstream cluster.
type ClusterConfig struct {
	Name           string               `yaml:"name"`
	Instances      []InstanceConfig     `yaml:"instances"`
	Strategy       string               `yaml:"strategy"` // round_robin|least_conn|weighted_random|random
	HealthCheck    HealthCheckConfig    `yaml:"health_check"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Timeout        time.Duration        `yaml:"timeout"`      // connect + response headers
	IdleTimeout    time.Duration        `yaml:"idle_timeout"` // body streaming stall limit
	Retry          RetryConfig          `yaml:"retry"`
	Transport      TransportConfig      `yaml:"transport"`
}

// InstanceConfig defines one backend instance of a cluster.
type InstanceConfig struct {
	Address  string `yaml:"address"`
	Port     int    `yaml:"port"`
	Weight   int    `yaml:"weight"`
	Scheme   string `yaml:"scheme"`   // default "http"
	Draining bool   `yaml:"draining"` // excluded from selection, in-flight requests finish
}

// HealthCheckConfig defines active health probing for a cluster.
type HealthCheckConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Path             string        `yaml:"path"`
	Method           string        `yaml:"method"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	HealthyAfter     int           `yaml:"healthy_after"`
	UnhealthyAfter   int           `yaml:"unhealthy_after"`
	ExpectedStatuses []string      `yaml:"expected_statuses"` // "200", "2xx", "200-299"
	PassiveSignals   bool          `yaml:"passive_signals"`   // feed proxy outcomes into the rolling window
}

// CircuitBreakerConfig defines per-instance breaker settings.
type CircuitBreakerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	Timeout           time.Duration `yaml:"timeout"` // open → half-open delay
	CountClientErrors bool          `yaml:"count_client_errors"`
	SharedStore       string        `yaml:"shared_store"` // ""|"redis"
	Redis             RedisConfig   `yaml:"redis"`
}

// RedisConfig defines the connection for Redis-shared breaker state.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RetryConfig defines the retry policy for a cluster.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"` // total attempts including the first
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	RetryableStatuses []int         `yaml:"retryable_statuses"`
	IdempotentMethods []string      `yaml:"idempotent_methods"`
	Budget            BudgetConfig  `yaml:"budget"`
}

// BudgetConfig caps the cluster-wide retry rate to prevent retry storms.
type BudgetConfig struct {
	RetriesPerSecond float64 `yaml:"retries_per_second"`
	Burst            int     `yaml:"burst"`
}

// TransportConfig overrides outbound connection pool settings for a cluster.
type TransportConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
	DialTimeout         time.Duration `yaml:"dial_timeout"`
	TLSHandshakeTimeout time.Duration `yaml:"tls_handshake_timeout"`
	DisableKeepAlives   bool          `yaml:"disable_keep_alives"`
}
