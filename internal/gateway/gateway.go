// Package gateway owns the HTTP listener, the route table and the
// configure/start/stop lifecycle.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gatewd/gatewd/internal/config"
	"github.com/gatewd/gatewd/internal/observability"
	"github.com/gatewd/gatewd/internal/pipeline"
	"github.com/gatewd/gatewd/internal/store"
)

// State represents the gateway lifecycle state.
type State int32

const (
	// StateStopped indicates the gateway is stopped.
	StateStopped State = iota
	// StateStarting indicates the gateway is starting.
	StateStarting
	// StateRunning indicates the gateway is running.
	StateRunning
	// StateStopping indicates the gateway is stopping.
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// mountedAPI is one configured API with its assembled pipeline.
type mountedAPI struct {
	path    string
	handler http.Handler
}

// routeTable is the immutable prefix-matched route set. A reconfigure
// builds a fresh table and swaps it atomically.
type routeTable struct {
	apis []*mountedAPI
}

// match returns the handler for the longest matching path prefix.
func (t *routeTable) match(path string) http.Handler {
	var best *mountedAPI
	for _, api := range t.apis {
		if !matchesPrefix(path, api.path) {
			continue
		}
		if best == nil || len(api.path) > len(best.path) {
			best = api
		}
	}
	if best == nil {
		return nil
	}
	return best.handler
}

// matchesPrefix reports whether path falls under the prefix on a
// segment boundary.
func matchesPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	return strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}

// Gateway is the API gateway server.
type Gateway struct {
	logger    observability.Logger
	store     store.Store
	assembler *pipeline.Assembler
	engine    *gin.Engine
	server    *http.Server

	table atomic.Value // *routeTable

	state           atomic.Int32
	startTime       time.Time
	configureMu     sync.Mutex
	shutdownTimeout time.Duration
}

// Option is a functional option for configuring the gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithShutdownTimeout sets the drain timeout for Stop.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		g.shutdownTimeout = timeout
	}
}

// New creates a gateway backed by the given state store and pipeline
// assembler.
func New(st store.Store, assembler *pipeline.Assembler, opts ...Option) (*Gateway, error) {
	if st == nil {
		return nil, errors.New("state store is required")
	}
	if assembler == nil {
		return nil, errors.New("pipeline assembler is required")
	}

	g := &Gateway{
		logger:          observability.NopLogger(),
		store:           st,
		assembler:       assembler,
		shutdownTimeout: 30 * time.Second,
	}

	for _, opt := range opts {
		opt(g)
	}

	g.table.Store(&routeTable{})
	g.state.Store(int32(StateStopped))

	return g, nil
}

// Configure builds per-API pipelines from the configuration and swaps
// the route table. It is the only mutating operation on the route
// table and never runs concurrently with itself. An error on one API
// is logged and does not abort the others.
func (g *Gateway) Configure(cfg *config.GatewayConfig) error {
	g.configureMu.Lock()
	defer g.configureMu.Unlock()

	if err := cfg.Validate(); err != nil {
		return err
	}

	table := &routeTable{apis: make([]*mountedAPI, 0, len(cfg.APIs))}

	for i := range cfg.APIs {
		api := cfg.APIs[i]

		if err := api.Validate(); err != nil {
			g.logger.Error("skipping api",
				observability.String("api", api.Path),
				observability.Error(err),
			)
			continue
		}

		handler, err := g.assembler.Build(api, cfg.Pipeline.Authentication)
		if err != nil {
			g.logger.Error("skipping api",
				observability.String("api", api.Path),
				observability.Error(err),
			)
			continue
		}

		// Configure resets the breaker state for the path: closed, zero
		// failures, no pending probe.
		if err := g.store.Remove(context.Background(), api.Path); err != nil {
			g.logger.Error("failed to reset breaker state",
				observability.String("api", api.Path),
				observability.Error(err),
			)
		}

		table.apis = append(table.apis, &mountedAPI{path: api.Path, handler: handler})

		g.logger.Info("configured api",
			observability.String("api", api.Path),
			observability.String("target", api.Proxy.Target),
			observability.Int("authentication", len(api.Authentication)),
			observability.Int("circuit_breakers", len(api.CircuitBreaker)),
		)
	}

	g.table.Store(table)

	g.logger.Info("gateway configured",
		observability.Int("apis", len(table.apis)),
	)

	return nil
}

// Handler returns the root handler serving the current route table.
func (g *Gateway) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		table := g.table.Load().(*routeTable)

		handler := table.match(r.URL.Path)
		if handler == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"not found","message":"no matching api"}`)
			return
		}

		handler.ServeHTTP(w, r)
	})
}

// Start begins accepting connections on addr.
func (g *Gateway) Start(ctx context.Context, addr string) error {
	if !g.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("gateway is not in stopped state")
	}

	gin.SetMode(gin.ReleaseMode)
	g.engine = gin.New()
	g.engine.Use(gin.Recovery())
	g.engine.NoRoute(gin.WrapH(g.Handler()))

	g.server = &http.Server{
		Addr:              addr,
		Handler:           g.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		g.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to create listener: %w", err)
	}

	go func() {
		if err := g.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("listener terminated", observability.Error(err))
		}
	}()

	g.startTime = time.Now()
	g.state.Store(int32(StateRunning))

	g.logger.Info("gateway started",
		observability.String("addr", addr),
	)

	return nil
}

// Stop closes the listener and drains in-flight requests.
func (g *Gateway) Stop(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return fmt.Errorf("gateway is not running")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.shutdownTimeout)
		defer cancel()
	}

	err := g.server.Shutdown(ctx)

	g.state.Store(int32(StateStopped))

	g.logger.Info("gateway stopped")

	return err
}

// State returns the current lifecycle state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// IsRunning reports whether the gateway is accepting connections.
func (g *Gateway) IsRunning() bool {
	return g.State() == StateRunning
}

// Uptime returns the time since the gateway started.
func (g *Gateway) Uptime() time.Duration {
	if g.startTime.IsZero() {
		return 0
	}
	return time.Since(g.startTime)
}
