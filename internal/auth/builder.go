package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gatewd/gatewd/internal/config"
	"github.com/gatewd/gatewd/internal/group"
	"github.com/gatewd/gatewd/internal/observability"
	"github.com/gatewd/gatewd/internal/plugin"
	"github.com/gatewd/gatewd/internal/requestlog"
)

// ErrMultipleDefaults is returned when an API carries more than one
// group-less authentication entry.
var ErrMultipleDefaults = errors.New("more than one default authentication entry")

// SortConfigs orders authentication entries so group-scoped entries are
// evaluated first and the single general (group-less) entry acts as
// the catch-all at the end. More than one general entry rejects the
// list.
func SortConfigs(configs []config.AuthenticationConfig) ([]config.AuthenticationConfig, error) {
	var scoped, general []config.AuthenticationConfig

	for _, c := range configs {
		if c.HasGroup() {
			scoped = append(scoped, c)
		} else {
			general = append(general, c)
		}
	}

	if len(general) > 1 {
		return nil, ErrMultipleDefaults
	}

	return append(scoped, general...), nil
}

// ResolveUse fills missing fields of the entry from the referenced
// pipeline-level entry. An unresolved reference is a fatal
// configuration error for the stage.
func ResolveUse(entry config.AuthenticationConfig, shared map[string]config.AuthenticationConfig) (config.AuthenticationConfig, error) {
	if entry.Use == "" {
		return entry, nil
	}

	ref, ok := shared[entry.Use]
	if !ok {
		return entry, fmt.Errorf("%w: %s", config.ErrUnresolvedUse, entry.Use)
	}

	if entry.Strategy.Name == "" {
		entry.Strategy.Name = ref.Strategy.Name
	}
	if len(ref.Strategy.Options) > 0 {
		merged := make(map[string]interface{}, len(ref.Strategy.Options)+len(entry.Strategy.Options))
		for k, v := range ref.Strategy.Options {
			merged[k] = v
		}
		for k, v := range entry.Strategy.Options {
			merged[k] = v
		}
		entry.Strategy.Options = merged
	}
	if len(entry.Group) == 0 {
		entry.Group = ref.Group
	}

	return entry, nil
}

// Builder turns an API's authentication config list into an ordered,
// group-scoped chain of authenticator handlers.
type Builder struct {
	registry *plugin.Registry
	logger   observability.Logger

	// Live strategies keyed by (api path, index) so repeat configures
	// do not collide.
	mu         sync.Mutex
	strategies map[string]Strategy
}

// BuilderOption is a functional option for configuring the builder.
type BuilderOption func(*Builder)

// WithBuilderLogger sets the logger.
func WithBuilderLogger(logger observability.Logger) BuilderOption {
	return func(b *Builder) {
		b.logger = logger
	}
}

// NewBuilder creates an auth stage builder backed by the plugin
// registry.
func NewBuilder(registry *plugin.Registry, opts ...BuilderOption) *Builder {
	b := &Builder{
		registry:   registry,
		logger:     observability.NopLogger(),
		strategies: make(map[string]Strategy),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Build returns the ordered middleware chain for the API's
// authentication entries. A load failure skips only that stage; an
// invalid list (two general entries) installs no auth stage at all.
func (b *Builder) Build(
	apiPath string,
	configs []config.AuthenticationConfig,
	shared map[string]config.AuthenticationConfig,
	matcher *group.Matcher,
) []func(http.Handler) http.Handler {
	sorted, err := SortConfigs(configs)
	if err != nil {
		b.logger.Error("rejecting authentication config",
			observability.String("api", apiPath),
			observability.Error(err),
		)
		return nil
	}

	var stages []func(http.Handler) http.Handler
	for i, entry := range sorted {
		resolved, err := ResolveUse(entry, shared)
		if err != nil {
			b.logger.Error("skipping authentication stage",
				observability.String("api", apiPath),
				observability.Int("index", i),
				observability.Error(err),
			)
			continue
		}

		handler, err := b.registry.Load(plugin.KindAuthStrategy, plugin.Reference{
			Name:    resolved.Strategy.Name,
			Options: resolved.Strategy.Options,
		})
		if err != nil {
			b.logger.Error("skipping authentication stage",
				observability.String("api", apiPath),
				observability.String("strategy", resolved.Strategy.Name),
				observability.Error(err),
			)
			continue
		}

		strategy, ok := handler.(Strategy)
		if !ok {
			b.logger.Error("skipping authentication stage: plugin is not a strategy",
				observability.String("api", apiPath),
				observability.String("strategy", resolved.Strategy.Name),
			)
			continue
		}

		key := fmt.Sprintf("%s#%d", apiPath, i)
		b.register(key, strategy)

		stage := b.stage(strategy, resolved.Strategy.Name)
		if filter := matcher.AllowFilter(resolved.Group); filter != nil {
			groups := matcher.Filter(resolved.Group)
			names := make([]string, len(groups))
			for j, g := range groups {
				names[j] = g.Name
			}
			b.logger.Debug("authentication stage scoped to groups",
				observability.String("api", apiPath),
				observability.String("strategy", resolved.Strategy.Name),
				observability.Strings("groups", names),
			)
			stage = gated(filter, stage)
		}

		stages = append(stages, stage)
	}

	return stages
}

// register stores the live strategy under its unique key.
func (b *Builder) register(key string, s Strategy) {
	b.mu.Lock()
	b.strategies[key] = s
	b.mu.Unlock()
}

// Strategy returns the registered strategy for the key, for
// diagnostics.
func (b *Builder) Strategy(key string) Strategy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.strategies[key]
}

// stage wraps a strategy into a pipeline middleware. Success marks the
// request log and proceeds; failure marks it and responds with the
// strategy's error. Sessions are disabled; failures are raised, never
// redirected.
func (b *Builder) stage(strategy Strategy, name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := strategy.Authenticate(r)
			if err != nil {
				if rec := requestlog.FromContext(r.Context()); rec != nil {
					rec.MarkAuthentication(requestlog.AuthFail)
				}
				b.logger.Debug("authentication failed",
					observability.String("strategy", name),
					observability.String("path", r.URL.Path),
					observability.Error(err),
				)
				status, message := statusFor(err)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
				return
			}

			if rec := requestlog.FromContext(r.Context()); rec != nil {
				rec.MarkAuthentication(requestlog.AuthSuccess)
			}

			ctx := ContextWithIdentity(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// gated bypasses the stage when the group filter rejects the request.
func gated(filter group.Filter, stage func(http.Handler) http.Handler) func(http.Handler) http.Handler {
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
