package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// validHTTPMethods contains all valid HTTP method names.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

// validStrategies are the supported load balancing strategy names.
var validStrategies = map[string]bool{
	"": true, "round_robin": true, "least_conn": true,
	"weighted_random": true, "random": true,
}

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	l.applyDefaults(&cfg)

	if err := l.Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnvVars replaces ${VAR} references with environment values.
func (l *Loader) expandEnvVars(s string) string {
	return l.envPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := l.envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// applyDefaults fills zero-valued fields with sane defaults.
func (l *Loader) applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.DrainTimeout == 0 {
		cfg.Server.DrainTimeout = 30 * time.Second
	}
	if cfg.Admin.Address == "" {
		cfg.Admin.Address = ":9090"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	for i := range cfg.Clusters {
		c := &cfg.Clusters[i]
		if c.Strategy == "" {
			c.Strategy = "round_robin"
		}
		if c.Timeout == 0 {
			c.Timeout = 30 * time.Second
		}
		for j := range c.Instances {
			if c.Instances[j].Weight == 0 {
				c.Instances[j].Weight = 1
			}
			if c.Instances[j].Scheme == "" {
				c.Instances[j].Scheme = "http"
			}
		}
		if c.HealthCheck.Enabled {
			if c.HealthCheck.Path == "" {
				c.HealthCheck.Path = "/health"
			}
			if c.HealthCheck.Method == "" {
				c.HealthCheck.Method = "GET"
			}
			if c.HealthCheck.Interval == 0 {
				c.HealthCheck.Interval = 10 * time.Second
			}
			if c.HealthCheck.Timeout == 0 {
				c.HealthCheck.Timeout = 5 * time.Second
			}
			if c.HealthCheck.HealthyAfter == 0 {
				c.HealthCheck.HealthyAfter = 2
			}
			if c.HealthCheck.UnhealthyAfter == 0 {
				c.HealthCheck.UnhealthyAfter = 3
			}
		}
		if c.CircuitBreaker.Enabled {
			if c.CircuitBreaker.FailureThreshold == 0 {
				c.CircuitBreaker.FailureThreshold = 5
			}
			if c.CircuitBreaker.Timeout == 0 {
				c.CircuitBreaker.Timeout = 30 * time.Second
			}
		}
		if c.Retry.MaxAttempts == 0 {
			c.Retry.MaxAttempts = 1
		}
		if c.Retry.InitialBackoff == 0 {
			c.Retry.InitialBackoff = 100 * time.Millisecond
		}
		if c.Retry.MaxBackoff == 0 {
			c.Retry.MaxBackoff = 10 * time.Second
		}
		if c.Retry.BackoffMultiplier == 0 {
			c.Retry.BackoffMultiplier = 2.0
		}
	}
}

// Validate checks the configuration for consistency.
func (l *Loader) Validate(cfg *Config) error {
	clusterNames := make(map[string]bool, len(cfg.Clusters))
	for _, c := range cfg.Clusters {
		if c.Name == "" {
			return fmt.Errorf("cluster with empty name")
		}
		if clusterNames[c.Name] {
			return fmt.Errorf("duplicate cluster name %q", c.Name)
		}
		clusterNames[c.Name] = true

		if !validStrategies[c.Strategy] {
			return fmt.Errorf("cluster %q: unknown strategy %q", c.Name, c.Strategy)
		}
		if len(c.Instances) == 0 {
			return fmt.Errorf("cluster %q: no instances", c.Name)
		}
		for _, inst := range c.Instances {
			if inst.Address == "" {
				return fmt.Errorf("cluster %q: instance with empty address", c.Name)
			}
			if inst.Port <= 0 || inst.Port > 65535 {
				return fmt.Errorf("cluster %q: invalid port %d for %s", c.Name, inst.Port, inst.Address)
			}
			if inst.Weight < 0 {
				return fmt.Errorf("cluster %q: negative weight for %s", c.Name, inst.Address)
			}
		}
		if c.CircuitBreaker.SharedStore != "" && c.CircuitBreaker.SharedStore != "redis" {
			return fmt.Errorf("cluster %q: unknown shared_store %q", c.Name, c.CircuitBreaker.SharedStore)
		}
		if c.CircuitBreaker.SharedStore == "redis" && c.CircuitBreaker.Redis.Address == "" {
			return fmt.Errorf("cluster %q: shared_store redis requires redis.address", c.Name)
		}
		for _, m := range c.Retry.IdempotentMethods {
			if !validHTTPMethods[strings.ToUpper(m)] {
				return fmt.Errorf("cluster %q: invalid idempotent method %q", c.Name, m)
			}
		}
	}

	for i, r := range cfg.Routes {
		if r.Pattern == "" {
			return fmt.Errorf("route %d: empty pattern", i)
		}
		if !strings.HasPrefix(r.Pattern, "/") {
			return fmt.Errorf("route %q: pattern must start with /", r.Pattern)
		}
		if err := validatePattern(r.Pattern); err != nil {
			return fmt.Errorf("route %q: %w", r.Pattern, err)
		}
		if r.Cluster == "" {
			return fmt.Errorf("route %q: no cluster reference", r.Pattern)
		}
		if !clusterNames[r.Cluster] {
			return fmt.Errorf("route %q: unknown cluster %q", r.Pattern, r.Cluster)
		}
		for _, m := range r.Methods {
			if !validHTTPMethods[strings.ToUpper(m)] {
				return fmt.Errorf("route %q: invalid method %q", r.Pattern, m)
			}
		}
		if r.RateLimit.Enabled && r.RateLimit.Rate <= 0 {
			return fmt.Errorf("route %q: rate_limit.rate must be positive", r.Pattern)
		}
	}
	return nil
}

// validatePattern checks path template syntax: literal segments, :name
// parameters, and at most one *wildcard which must be the last segment.
func validatePattern(pattern string) error {
	segments := strings.Split(strings.Trim(pattern, "/"), "/")
	for i, seg := range segments {
		switch {
		case strings.HasPrefix(seg, ":"):
			if len(seg) == 1 {
				return fmt.Errorf("parameter segment without a name")
			}
		case strings.HasPrefix(seg, "*"):
			if i != len(segments)-1 {
				return fmt.Errorf("wildcard segment must be terminal")
			}
		case seg == "" && len(segments) > 1:
			return fmt.Errorf("empty path segment")
		}
	}
	return nil
}
