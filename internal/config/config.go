package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryConfig controls upstream retries for a route. Retries are driven by
// the rack, so the total attempts of a run are also capped by rack.max_retries.
type RetryConfig struct {
	Attempts       int           `yaml:"attempts"`
	Statuses       []int         `yaml:"statuses,omitempty"`        // default 502, 503, 504
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty"` // e.g. "50ms"
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty"`
}

// Route maps a URL path prefix to one or more backend servers.
// Supports both a single backend (Backend field) and multiple backends
// (Backends field) for load balancing.
type Route struct {
	Path     string      `yaml:"path"`
	Backend  string      `yaml:"backend,omitempty"`
	Backends []string    `yaml:"backends,omitempty"`
	Strategy string      `yaml:"strategy,omitempty"` // "round-robin" or "random"
	Retry    RetryConfig `yaml:"retry,omitempty"`
}

// GetBackends returns the list of backend URLs for this route.
func (r Route) GetBackends() []string {
	if len(r.Backends) > 0 {
		return r.Backends
	}
	if r.Backend != "" {
		return []string{r.Backend}
	}
	return nil
}

// ServerConfig holds the gateway server settings.
type ServerConfig struct {
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout   time.Duration `yaml:"write_timeout,omitempty"`
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"` // deadline for one rack run
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// RackConfig holds pipeline engine settings.
type RackConfig struct {
	MaxRetries  *int   `yaml:"max_retries,omitempty"`
	RetryHeader string `yaml:"retry_header,omitempty"`
}

// RateLimitConfig holds per-client rate limiter settings.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled"`
	APIKeys   []string `yaml:"api_keys"`
	JWTSecret string   `yaml:"jwt_secret"`
	Exempt    []string `yaml:"exempt,omitempty"` // path prefixes that skip auth
}

// CircuitBreakerConfig holds circuit breaker settings.
type CircuitBreakerConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Threshold int           `yaml:"threshold"`
	Timeout   time.Duration `yaml:"timeout"`
}

// HealthCheckConfig holds health check settings.
type HealthCheckConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// SyntheticRoute is a canned response served without touching a backend.
type SyntheticRoute struct {
	Path        string `yaml:"path"`
	Status      int    `yaml:"status"`
	Body        string `yaml:"body"`
	ContentType string `yaml:"content_type,omitempty"`
}

// HeadersConfig lists header rewrites applied on the way in and out.
type HeadersConfig struct {
	RequestSet     map[string]string `yaml:"request_set,omitempty"`
	RequestRemove  []string          `yaml:"request_remove,omitempty"`
	ResponseSet    map[string]string `yaml:"response_set,omitempty"`
	ResponseRemove []string          `yaml:"response_remove,omitempty"`
}

// CompressionConfig holds response compression settings.
type CompressionConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Level        int      `yaml:"level,omitempty"`         // 1-11, clamped per algorithm
	MinSize      int      `yaml:"min_size,omitempty"`      // bytes; smaller bodies are sent as is
	Algorithms   []string `yaml:"algorithms,omitempty"`    // br, zstd, gzip
	ContentTypes []string `yaml:"content_types,omitempty"` // defaults to common text types
}

// DashboardConfig holds dashboard settings.
type DashboardConfig struct {
	Enabled     bool `yaml:"enabled"`
	LogCapacity int  `yaml:"log_capacity"`
}

// Config is the top-level configuration for the gateway.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Log            LogConfig            `yaml:"log"`
	Rack           RackConfig           `yaml:"rack"`
	Routes         []Route              `yaml:"routes"`
	RateLimit      RateLimitConfig      `yaml:"ratelimit"`
	Auth           AuthConfig           `yaml:"auth"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitbreaker"`
	HealthCheck    HealthCheckConfig    `yaml:"healthcheck"`
	Synthetic      []SyntheticRoute     `yaml:"synthetic,omitempty"`
	Headers        HeadersConfig        `yaml:"headers,omitempty"`
	Compression    CompressionConfig    `yaml:"compression,omitempty"`
	Dashboard      DashboardConfig      `yaml:"dashboard,omitempty"`
}

// LoadConfig reads a YAML config file, applies defaults and validates it.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// MaxRetries returns the configured rack retry bound, or 3 when unset.
func (c *Config) MaxRetries() int {
	if c.Rack.MaxRetries == nil {
		return 3
	}
	return *c.Rack.MaxRetries
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 15 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.HealthCheck.Interval == 0 {
		c.HealthCheck.Interval = 10 * time.Second
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 10
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = 5
	}
	if c.CircuitBreaker.Threshold == 0 {
		c.CircuitBreaker.Threshold = 5
	}
	if c.CircuitBreaker.Timeout == 0 {
		c.CircuitBreaker.Timeout = 30 * time.Second
	}
	if c.Compression.Level == 0 {
		c.Compression.Level = 6
	}
	if c.Compression.MinSize == 0 {
		c.Compression.MinSize = 1024
	}
	if len(c.Compression.Algorithms) == 0 {
		c.Compression.Algorithms = []string{"br", "zstd", "gzip"}
	}
	if c.Dashboard.LogCapacity == 0 {
		c.Dashboard.LogCapacity = 1000
	}

	for i := range c.Routes {
		r := &c.Routes[i]
		if r.Strategy == "" {
			r.Strategy = "round-robin"
		}
		if len(r.Retry.Statuses) == 0 {
			r.Retry.Statuses = []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout}
		}
		if r.Retry.InitialBackoff == 0 {
			r.Retry.InitialBackoff = 50 * time.Millisecond
		}
		if r.Retry.MaxBackoff == 0 {
			r.Retry.MaxBackoff = time.Second
		}
	}

	for i := range c.Synthetic {
		if c.Synthetic[i].Status == 0 {
			c.Synthetic[i].Status = http.StatusOK
		}
	}
}

// Validate reports the first invalid setting it finds.
func (c *Config) Validate() error {
	if c.Rack.MaxRetries != nil && *c.Rack.MaxRetries < 0 {
		return errors.New("rack.max_retries must not be negative")
	}

	seen := make(map[string]bool)
	for _, r := range c.Routes {
		if !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("route %q: path must start with /", r.Path)
		}
		if seen[r.Path] {
			return fmt.Errorf("route %q: duplicate path", r.Path)
		}
		seen[r.Path] = true

		if len(r.GetBackends()) == 0 {
			return fmt.Errorf("route %q: no backends", r.Path)
		}
		switch r.Strategy {
		case "round-robin", "random":
		default:
			return fmt.Errorf("route %q: unknown strategy %q", r.Path, r.Strategy)
		}
		if r.Retry.Attempts < 0 {
			return fmt.Errorf("route %q: retry.attempts must not be negative", r.Path)
		}
	}

	for _, s := range c.Synthetic {
		if s.Path == "" {
			return errors.New("synthetic: path is required")
		}
		if s.Status < 100 || s.Status > 599 {
			return fmt.Errorf("synthetic %q: invalid status %d", s.Path, s.Status)
		}
	}

	for _, algo := range c.Compression.Algorithms {
		switch algo {
		case "br", "zstd", "gzip":
		default:
			return fmt.Errorf("compression: unknown algorithm %q", algo)
		}
	}
	if c.Compression.Level < 1 || c.Compression.Level > 11 {
		return fmt.Errorf("compression: level %d out of range 1-11", c.Compression.Level)
	}

	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 && c.Auth.JWTSecret == "" {
		return errors.New("auth: enabled without api_keys or jwt_secret")
	}
	return nil
}
