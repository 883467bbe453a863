package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewd/gatewd/internal/auth"
	"github.com/gatewd/gatewd/internal/config"
	"github.com/gatewd/gatewd/internal/pipeline"
	"github.com/gatewd/gatewd/internal/plugin"
	"github.com/gatewd/gatewd/internal/store"
)

// headerStrategy authenticates requests carrying the expected value in
// the configured header.
type headerStrategy struct {
	header string
	expect string
}

func (s *headerStrategy) Authenticate(r *http.Request) (*auth.Identity, error) {
	if r.Header.Get(s.header) != s.expect {
		return nil, &auth.Error{Status: http.StatusUnauthorized, Message: "invalid credentials"}
	}
	return &auth.Identity{Subject: s.expect}, nil
}

func testRegistry() *plugin.Registry {
	registry := plugin.NewRegistry()
	registry.Register(plugin.KindAuthStrategy, "header", func(options map[string]interface{}) (interface{}, error) {
		header, _ := options["header"].(string)
		if header == "" {
			header = "X-Auth"
		}
		expect, _ := options["expect"].(string)
		return &headerStrategy{header: header, expect: expect}, nil
	})
	return registry
}

func newGateway(t *testing.T) *Gateway {
	t.Helper()

	st := store.NewMemoryStore()
	assembler := pipeline.NewAssembler(testRegistry(), st)

	gw, err := New(st, assembler)
	require.NoError(t, err)
	return gw
}

// echoUpstream mimics the test upstream: GET /get echoes the query
// arguments, /post accepts only POST.
func echoUpstream(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/get":
			if r.Method != http.MethodGet {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			args := make(map[string]string)
			for k, v := range r.URL.Query() {
				args[k] = v[0]
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"args": args})
		case "/post":
			if r.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	return srv
}

func TestGateway_HappyProxy(t *testing.T) {
	srv := echoUpstream(t)
	gw := newGateway(t)

	require.NoError(t, gw.Configure(&config.GatewayConfig{
		APIs: []config.APIConfig{
			{Path: "/test", Proxy: config.ProxyConfig{Target: srv.URL}},
		},
	}))

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/test/get?arg=1", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Args map[string]string `json:"args"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "1", body.Args["arg"])
}

func TestGateway_MethodFilter(t *testing.T) {
	srv := echoUpstream(t)
	gw := newGateway(t)

	require.NoError(t, gw.Configure(&config.GatewayConfig{
		APIs: []config.APIConfig{
			{Path: "/test", Proxy: config.ProxyConfig{Target: srv.URL, Methods: []string{"GET"}}},
		},
	}))

	// The upstream path is POST-only but the gateway allows only GET.
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/test/post", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestGateway_RateLimit(t *testing.T) {
	srv := echoUpstream(t)
	gw := newGateway(t)

	require.NoError(t, gw.Configure(&config.GatewayConfig{
		APIs: []config.APIConfig{
			{
				Path:      "/limited",
				Proxy:     config.ProxyConfig{Target: srv.URL},
				RateLimit: &config.RateLimitConfig{Requests: 1, Window: config.Duration(time.Minute)},
			},
		},
	}))

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/limited/get?arg=1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/limited/get?arg=1", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Too many requests, please try again later.", rec.Body.String())
}

func TestGateway_BreakerTrip(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	gw := newGateway(t)
	require.NoError(t, gw.Configure(&config.GatewayConfig{
		APIs: []config.APIConfig{
			{
				Path:  "/flaky",
				Proxy: config.ProxyConfig{Target: srv.URL},
				CircuitBreaker: []config.CircuitBreakerConfig{
					{
						MaxFailures:  3,
						Timeout:      config.Duration(100 * time.Millisecond),
						ResetTimeout: config.Duration(50 * time.Millisecond),
					},
				},
			},
		},
	}))

	// Three failures trip the breaker; each was forwarded.
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		gw.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/flaky/get", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	}
	require.Equal(t, int32(3), calls.Load())

	// The fourth request fast-fails without reaching the upstream.
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/flaky/get", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "CircuitBreaker open", rec.Body.String())
	assert.Equal(t, int32(3), calls.Load())

	// After the reset timeout the probe closes the recovered circuit.
	fail.Store(false)
	time.Sleep(80 * time.Millisecond)

	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/flaky/get", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGateway_GroupScopedAuthentication(t *testing.T) {
	srv := echoUpstream(t)
	gw := newGateway(t)

	require.NoError(t, gw.Configure(&config.GatewayConfig{
		APIs: []config.APIConfig{
			{
				Path:  "/api",
				Proxy: config.ProxyConfig{Target: srv.URL},
				Groups: []config.GroupConfig{
					{Name: "admins", Predicates: []config.PredicateConfig{{URL: "^/api/admin"}}},
				},
				Authentication: []config.AuthenticationConfig{
					{
						Strategy: config.StrategyRef{Name: "header", Options: map[string]interface{}{
							"header": "X-Admin", "expect": "admin-token",
						}},
						Group: []string{"admins"},
					},
					{
						Strategy: config.StrategyRef{Name: "header", Options: map[string]interface{}{
							"header": "X-Auth", "expect": "user-token",
						}},
					},
				},
			},
		},
	}))

	do := func(path string, headers map[string]string) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", path, nil)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		gw.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	user := map[string]string{"X-Auth": "user-token"}
	admin := map[string]string{"X-Admin": "admin-token"}
	both := map[string]string{"X-Auth": "user-token", "X-Admin": "admin-token"}

	// Admin paths run the admin authenticator first: a plain user is
	// rejected there even with valid user credentials.
	assert.Equal(t, http.StatusUnauthorized, do("/api/admin/x", nil))
	assert.Equal(t, http.StatusUnauthorized, do("/api/admin/x", user))
	assert.Equal(t, http.StatusNotFound, do("/api/admin/x", both), "both stages pass; the upstream has no /admin/x")

	// Non-admin paths bypass the admin stage and run only the default
	// authenticator.
	assert.Equal(t, http.StatusUnauthorized, do("/api/get", nil))
	assert.Equal(t, http.StatusUnauthorized, do("/api/get", admin))
	assert.Equal(t, http.StatusOK, do("/api/get", user))
}

func TestGateway_UnknownPathResponds404(t *testing.T) {
	gw := newGateway(t)
	require.NoError(t, gw.Configure(&config.GatewayConfig{}))

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGateway_PrefixMatchesOnSegmentBoundary(t *testing.T) {
	srv := echoUpstream(t)
	gw := newGateway(t)

	require.NoError(t, gw.Configure(&config.GatewayConfig{
		APIs: []config.APIConfig{
			{Path: "/test", Proxy: config.ProxyConfig{Target: srv.URL}},
		},
	}))

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/testing/get", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "/testing must not match the /test prefix")
}

func TestGateway_LongestPrefixWins(t *testing.T) {
	outer := echoUpstream(t)
	inner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	t.Cleanup(inner.Close)

	gw := newGateway(t)
	require.NoError(t, gw.Configure(&config.GatewayConfig{
		APIs: []config.APIConfig{
			{Path: "/svc", Proxy: config.ProxyConfig{Target: outer.URL}},
			{Path: "/svc/inner", Proxy: config.ProxyConfig{Target: inner.URL}},
		},
	}))

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/svc/inner/x", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestGateway_BadAPIIsSkippedOthersContinue(t *testing.T) {
	srv := echoUpstream(t)
	gw := newGateway(t)

	require.NoError(t, gw.Configure(&config.GatewayConfig{
		APIs: []config.APIConfig{
			{Path: "bad-path", Proxy: config.ProxyConfig{Target: srv.URL}},
			{Path: "/good", Proxy: config.ProxyConfig{Target: srv.URL}},
		},
	}))

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/good/get", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGateway_ReconfigureSwapsRouteTable(t *testing.T) {
	srv := echoUpstream(t)
	gw := newGateway(t)

	require.NoError(t, gw.Configure(&config.GatewayConfig{
		APIs: []config.APIConfig{
			{Path: "/old", Proxy: config.ProxyConfig{Target: srv.URL}},
		},
	}))

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/old/get", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, gw.Configure(&config.GatewayConfig{
		APIs: []config.APIConfig{
			{Path: "/new", Proxy: config.ProxyConfig{Target: srv.URL}},
		},
	}))

	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/old/get", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/new/get", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGateway_ReconfigureResetsBreakerState(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	gw := newGateway(t)
	cfg := &config.GatewayConfig{
		APIs: []config.APIConfig{
			{
				Path:  "/flaky",
				Proxy: config.ProxyConfig{Target: srv.URL},
				CircuitBreaker: []config.CircuitBreakerConfig{
					{MaxFailures: 1, ResetTimeout: config.Duration(time.Hour)},
				},
			},
		},
	}
	require.NoError(t, gw.Configure(cfg))

	// Trip the breaker.
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/flaky/get", nil))
	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/flaky/get", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// Reconfiguring resets the circuit to closed with a zero counter.
	fail.Store(false)
	require.NoError(t, gw.Configure(cfg))

	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/flaky/get", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGateway_StartAndStop(t *testing.T) {
	srv := echoUpstream(t)
	gw := newGateway(t)

	require.NoError(t, gw.Configure(&config.GatewayConfig{
		APIs: []config.APIConfig{
			{Path: "/test", Proxy: config.ProxyConfig{Target: srv.URL}},
		},
	}))

	ctx := context.Background()
	require.NoError(t, gw.Start(ctx, "127.0.0.1:0"))
	assert.True(t, gw.IsRunning())

	// Start is not reentrant while running.
	require.Error(t, gw.Start(ctx, "127.0.0.1:0"))

	require.NoError(t, gw.Stop(ctx))
	assert.Equal(t, StateStopped, gw.State())

	// Stop on a stopped gateway errors.
	require.Error(t, gw.Stop(ctx))
}

func TestGateway_DuplicatePathsRejected(t *testing.T) {
	gw := newGateway(t)

	err := gw.Configure(&config.GatewayConfig{
		APIs: []config.APIConfig{
			{Path: "/a", Proxy: config.ProxyConfig{Target: "http://x"}},
			{Path: "/a", Proxy: config.ProxyConfig{Target: "http://y"}},
		},
	})
	require.Error(t, err)
}
