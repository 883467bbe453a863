// Package pipeline assembles the per-API middleware chain: request
// log, stats, circuit breakers, authenticators, rate limit, proxy.
package pipeline

import (
	"net/http"

	"github.com/gatewd/gatewd/internal/auth"
	"github.com/gatewd/gatewd/internal/breaker"
	"github.com/gatewd/gatewd/internal/config"
	"github.com/gatewd/gatewd/internal/group"
	"github.com/gatewd/gatewd/internal/observability"
	"github.com/gatewd/gatewd/internal/plugin"
	"github.com/gatewd/gatewd/internal/proxy"
	"github.com/gatewd/gatewd/internal/ratelimit"
	"github.com/gatewd/gatewd/internal/requestlog"
	"github.com/gatewd/gatewd/internal/store"
)

// Middleware is one pipeline stage.
type Middleware func(http.Handler) http.Handler

// Assembler builds per-API pipelines.
type Assembler struct {
	registry    *plugin.Registry
	store       store.Store
	authBuilder *auth.Builder
	logger      observability.Logger
	transport   http.RoundTripper
}

// AssemblerOption is a functional option for configuring the assembler.
type AssemblerOption func(*Assembler)

// WithAssemblerLogger sets the logger.
func WithAssemblerLogger(logger observability.Logger) AssemblerOption {
	return func(a *Assembler) {
		a.logger = logger
	}
}

// WithTransport sets the proxy transport, used by tests.
func WithTransport(transport http.RoundTripper) AssemblerOption {
	return func(a *Assembler) {
		a.transport = transport
	}
}

// NewAssembler creates a pipeline assembler.
func NewAssembler(registry *plugin.Registry, st store.Store, opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		registry: registry,
		store:    st,
		logger:   observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(a)
	}

	a.authBuilder = auth.NewBuilder(registry, auth.WithBuilderLogger(a.logger))

	return a
}

// Build composes the pipeline for one API. The returned handler is
// mounted under the API path prefix. Category order is fixed: request
// log, stats, circuit breakers, authentication, rate limit, proxy; inside the
// breaker and auth categories the default entry sorts last.
func (a *Assembler) Build(api config.APIConfig, shared map[string]config.AuthenticationConfig) (http.Handler, error) {
	matcher, err := group.NewMatcher(api.Groups)
	if err != nil {
		return nil, err
	}

	proxyOpts := []proxy.Option{proxy.WithLogger(a.logger)}
	if a.transport != nil {
		proxyOpts = append(proxyOpts, proxy.WithTransport(a.transport))
	}
	upstream, err := proxy.NewUpstream(api.Proxy, proxyOpts...)
	if err != nil {
		return nil, err
	}

	var middlewares []Middleware

	if api.RequestLog {
		middlewares = append(middlewares, requestlog.Middleware(api.Path, a.logger))
	}

	if api.Stats {
		middlewares = append(middlewares, statsMiddleware(api.Path))
	}

	middlewares = append(middlewares, a.breakerStages(api, matcher)...)

	for _, stage := range a.authBuilder.Build(api.Path, api.Authentication, shared, matcher) {
		middlewares = append(middlewares, Middleware(stage))
	}

	if stage := a.rateLimitStage(api); stage != nil {
		middlewares = append(middlewares, stage)
	}

	// Apply in reverse so the chain executes in declaration order.
	handler := http.Handler(upstream)
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}

	return handler, nil
}

// breakerStages builds one stage per resolved breaker config. All
// stages for the API share their runtime state through the store.
func (a *Assembler) breakerStages(api config.APIConfig, matcher *group.Matcher) []Middleware {
	sorted, err := breaker.SortConfigs(api.CircuitBreaker)
	if err != nil {
		a.logger.Error("rejecting circuit breaker config",
			observability.String("api", api.Path),
			observability.Error(err),
		)
		return nil
	}

	var stages []Middleware
	for _, cfg := range sorted {
		opts := []breaker.Option{breaker.WithLogger(a.logger)}

		resolved := true
		for _, h := range []struct {
			id  string
			opt func(breaker.Handler) breaker.Option
		}{
			{cfg.OnOpen, breaker.WithOnOpen},
			{cfg.OnClose, breaker.WithOnClose},
			{cfg.OnRejected, breaker.WithOnRejected},
		} {
			if h.id == "" {
				continue
			}
			handler, err := a.loadBreakerHandler(h.id)
			if err != nil {
				a.logger.Error("skipping circuit breaker stage",
					observability.String("api", api.Path),
					observability.String("handler", h.id),
					observability.Error(err),
				)
				resolved = false
				break
			}
			opts = append(opts, h.opt(handler))
		}
		if !resolved {
			continue
		}

		br := breaker.New(api.Path, cfg, a.store, opts...)

		stage := Middleware(br.Middleware)
		if filter := matcher.AllowFilter(cfg.Group); filter != nil {
			stage = conditional(filter, stage)
		}
		stages = append(stages, stage)
	}

	return stages
}

// loadBreakerHandler resolves a transition handler id via the plugin
// registry.
func (a *Assembler) loadBreakerHandler(id string) (breaker.Handler, error) {
	h, err := a.registry.Load(plugin.KindBreakerHandler, plugin.Reference{Name: id})
	if err != nil {
		return nil, err
	}
	handler, ok := h.(breaker.Handler)
	if !ok {
		return nil, plugin.ErrNotFound
	}
	return handler, nil
}

// rateLimitStage builds the rate limiting stage, nil when not
// configured. A keygen that fails to load skips the stage.
func (a *Assembler) rateLimitStage(api config.APIConfig) Middleware {
	cfg := api.RateLimit
	if cfg == nil {
		return nil
	}

	opts := []ratelimit.LimiterOption{ratelimit.WithLimiterLogger(a.logger)}

	if cfg.KeyGen != "" {
		h, err := a.registry.Load(plugin.KindRateLimitKeyGen, plugin.Reference{Name: cfg.KeyGen})
		if err != nil {
			a.logger.Error("skipping rate limit stage",
				observability.String("api", api.Path),
				observability.String("keygen", cfg.KeyGen),
				observability.Error(err),
			)
			return nil
		}
		kg, ok := h.(ratelimit.KeyGen)
		if !ok {
			a.logger.Error("skipping rate limit stage: plugin is not a keygen",
				observability.String("api", api.Path),
				observability.String("keygen", cfg.KeyGen),
			)
			return nil
		}
		opts = append(opts, ratelimit.WithKeyGen(kg))
	}

	limiter := ratelimit.NewLimiter(cfg, opts...)
	return limiter.Middleware
}

// conditional bypasses the stage when the group filter rejects the
// request; the request reaches the next stage unchanged.
func conditional(filter group.Filter, stage Middleware) Middleware {
	return func(next http.Handler) http.Handler {
		applied := stage(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if filter(r) {
				applied.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
