// Package config defines the gateway configuration model and loading.
package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Default circuit breaker settings.
const (
	// DefaultBreakerTimeout is the per-request timeout before a call is
	// counted as a failure.
	DefaultBreakerTimeout = 30 * time.Second

	// DefaultBreakerResetTimeout is the duration the circuit stays open
	// before probing the upstream again.
	DefaultBreakerResetTimeout = 120 * time.Second

	// DefaultBreakerMaxFailures is the failure count that opens the circuit.
	DefaultBreakerMaxFailures = 10
)

// GatewayConfig is the root configuration document.
type GatewayConfig struct {
	// Listen is the address the gateway accepts connections on.
	Listen string `yaml:"listen" json:"listen"`

	// Pipeline carries shared entries referenced by name from API configs.
	Pipeline PipelineConfig `yaml:"pipeline,omitempty" json:"pipeline,omitempty"`

	// APIs is the list of configured upstreams.
	APIs []APIConfig `yaml:"apis" json:"apis"`

	// Store configures the shared state store for circuit breakers.
	Store *StoreConfig `yaml:"store,omitempty" json:"store,omitempty"`
}

// PipelineConfig holds pipeline-level shared configuration.
type PipelineConfig struct {
	// Authentication is a dictionary of reusable authentication entries,
	// referenced from API configs via the `use` field.
	Authentication map[string]AuthenticationConfig `yaml:"authentication,omitempty" json:"authentication,omitempty"`
}

// StoreConfig selects the breaker state store backend.
type StoreConfig struct {
	// Type is "memory" or "redis".
	Type string `yaml:"type" json:"type"`

	// Redis connection settings, used when Type is "redis".
	Address  string `yaml:"address,omitempty" json:"address,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db,omitempty" json:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// APIConfig describes one upstream service exposed under a path prefix.
type APIConfig struct {
	// Path is the URL prefix under which requests are matched.
	// It must be unique per gateway.
	Path string `yaml:"path" json:"path"`

	// Proxy configures the upstream target.
	Proxy ProxyConfig `yaml:"proxy" json:"proxy"`

	// Groups are named request-predicate groups used to scope middleware.
	Groups []GroupConfig `yaml:"group,omitempty" json:"group,omitempty"`

	// Authentication is the ordered list of authenticator entries.
	Authentication []AuthenticationConfig `yaml:"authentication,omitempty" json:"authentication,omitempty"`

	// CircuitBreaker is the list of circuit breaker entries.
	CircuitBreaker []CircuitBreakerConfig `yaml:"circuitBreaker,omitempty" json:"circuitBreaker,omitempty"`

	// RateLimit configures per-API rate limiting.
	RateLimit *RateLimitConfig `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`

	// RequestLog enables the per-request log record.
	RequestLog bool `yaml:"requestLog,omitempty" json:"requestLog,omitempty"`

	// Stats enables metrics collection for this API.
	Stats bool `yaml:"stats,omitempty" json:"stats,omitempty"`
}

// ProxyConfig configures upstream forwarding for an API.
type ProxyConfig struct {
	// Path is the local mount stripped from the request path before
	// forwarding. Defaults to the API path.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// Target is the upstream base URL.
	Target string `yaml:"target" json:"target"`

	// Methods restricts the allowed HTTP methods. Empty allows all.
	Methods []string `yaml:"methods,omitempty" json:"methods,omitempty"`
}

// GroupConfig is a named set of request predicates.
type GroupConfig struct {
	Name       string            `yaml:"name" json:"name"`
	Predicates []PredicateConfig `yaml:"predicates" json:"predicates"`
}

// PredicateConfig matches a request when every stated field matches.
type PredicateConfig struct {
	// Method is an optional HTTP method to match.
	Method string `yaml:"method,omitempty" json:"method,omitempty"`

	// URL is an optional path regular expression, anchored at the start.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
}

// StrategyRef names an authentication strategy plus its options.
type StrategyRef struct {
	Name    string                 `yaml:"name" json:"name"`
	Options map[string]interface{} `yaml:"options,omitempty" json:"options,omitempty"`
}

// AuthenticationConfig describes one authenticator entry for an API.
type AuthenticationConfig struct {
	// Strategy is the named strategy to load.
	Strategy StrategyRef `yaml:"strategy,omitempty" json:"strategy,omitempty"`

	// Group restricts the entry to requests matching any named group.
	// An entry without groups is the default, applied when no group
	// matches; at most one default is allowed per API.
	Group []string `yaml:"group,omitempty" json:"group,omitempty"`

	// Use references a pipeline-level authentication entry by id. Missing
	// fields are filled in from the referenced entry.
	Use string `yaml:"use,omitempty" json:"use,omitempty"`
}

// HasGroup reports whether the entry is scoped to one or more groups.
func (a *AuthenticationConfig) HasGroup() bool {
	return len(a.Group) > 0
}

// CircuitBreakerConfig describes one circuit breaker entry for an API.
type CircuitBreakerConfig struct {
	// Timeout is the per-request timeout before a call counts as failed.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// ResetTimeout is the open duration before the circuit half-opens.
	ResetTimeout Duration `yaml:"resetTimeout,omitempty" json:"resetTimeout,omitempty"`

	// MaxFailures is the failure count that opens the circuit.
	MaxFailures int `yaml:"maxFailures,omitempty" json:"maxFailures,omitempty"`

	// Group restricts the entry to requests matching any named group.
	Group []string `yaml:"group,omitempty" json:"group,omitempty"`

	// Handler ids invoked on state transitions, resolved via the plugin
	// registry.
	OnOpen     string `yaml:"onOpen,omitempty" json:"onOpen,omitempty"`
	OnClose    string `yaml:"onClose,omitempty" json:"onClose,omitempty"`
	OnRejected string `yaml:"onRejected,omitempty" json:"onRejected,omitempty"`

	// DisableStats suppresses metrics for this breaker.
	DisableStats bool `yaml:"disableStats,omitempty" json:"disableStats,omitempty"`
}

// HasGroup reports whether the entry is scoped to one or more groups.
func (c *CircuitBreakerConfig) HasGroup() bool {
	return len(c.Group) > 0
}

// ApplyDefaults fills unset breaker fields with their defaults.
func (c *CircuitBreakerConfig) ApplyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = Duration(DefaultBreakerTimeout)
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = Duration(DefaultBreakerResetTimeout)
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultBreakerMaxFailures
	}
}

// RateLimitConfig configures per-API rate limiting.
type RateLimitConfig struct {
	// Requests is the number of requests allowed per window.
	Requests int `yaml:"requests" json:"requests"`

	// Window is the limiting window.
	Window Duration `yaml:"window,omitempty" json:"window,omitempty"`

	// Burst is the maximum burst size. Defaults to Requests.
	Burst int `yaml:"burst,omitempty" json:"burst,omitempty"`

	// KeyGen names the keygen plugin used to derive the limiting key.
	// Empty applies one shared limit for the whole API.
	KeyGen string `yaml:"keyGen,omitempty" json:"keyGen,omitempty"`
}

// Validate validates document-level constraints. Per-API validation is
// performed separately during configure so that one bad API does not
// abort the others.
func (c *GatewayConfig) Validate() error {
	if c.Listen == "" {
		c.Listen = ":8080"
	}

	seen := make(map[string]bool, len(c.APIs))
	for i := range c.APIs {
		path := c.APIs[i].Path
		if seen[path] {
			return fmt.Errorf("api %s: %w", path, ErrDuplicatePath)
		}
		seen[path] = true
	}
	return nil
}

// Validate validates a single API config. The default-entry invariant
// (at most one group-less authentication and circuit breaker entry) is
// enforced by the stage sorters so that only the offending kind is
// omitted from the pipeline.
func (a *APIConfig) Validate() error {
	if a.Path == "" || !strings.HasPrefix(a.Path, "/") {
		return fmt.Errorf("%w: path must begin with /", ErrInvalidConfig)
	}
	if a.Proxy.Target == "" {
		return fmt.Errorf("%w: proxy target is required", ErrInvalidConfig)
	}
	if _, err := url.Parse(a.Proxy.Target); err != nil {
		return fmt.Errorf("%w: proxy target: %v", ErrInvalidConfig, err)
	}
	if a.Proxy.Path == "" {
		a.Proxy.Path = a.Path
	}

	groups := make(map[string]bool, len(a.Groups))
	for _, g := range a.Groups {
		if g.Name == "" {
			return fmt.Errorf("%w: group without name", ErrInvalidConfig)
		}
		if groups[g.Name] {
			return fmt.Errorf("%w: duplicate group %s", ErrInvalidConfig, g.Name)
		}
		groups[g.Name] = true
		for _, p := range g.Predicates {
			if p.URL == "" {
				continue
			}
			if _, err := regexp.Compile(p.URL); err != nil {
				return fmt.Errorf("%w: group %s: %v", ErrInvalidConfig, g.Name, err)
			}
		}
	}

	for i := range a.Authentication {
		for _, name := range a.Authentication[i].Group {
			if !groups[name] {
				return fmt.Errorf("%w: authentication references unknown group %s", ErrInvalidConfig, name)
			}
		}
	}

	for i := range a.CircuitBreaker {
		entry := &a.CircuitBreaker[i]
		entry.ApplyDefaults()
		for _, name := range entry.Group {
			if !groups[name] {
				return fmt.Errorf("%w: circuitBreaker references unknown group %s", ErrInvalidConfig, name)
			}
		}
	}

	if a.RateLimit != nil {
		if a.RateLimit.Requests <= 0 {
			return fmt.Errorf("%w: rateLimit requests must be positive", ErrInvalidConfig)
		}
		if a.RateLimit.Window <= 0 {
			a.RateLimit.Window = Duration(time.Minute)
		}
		if a.RateLimit.Burst <= 0 {
			a.RateLimit.Burst = a.RateLimit.Requests
		}
	}

	return nil
}
