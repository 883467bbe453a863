// Package proxy forwards gateway requests to the configured upstream.
package proxy

import (
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gatewd/gatewd/internal/config"
	"github.com/gatewd/gatewd/internal/observability"
)

// hopHeaders are headers that should not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Upstream proxies requests for one API to its target, stripping the
// configured mount prefix.
type Upstream struct {
	target  *url.URL
	mount   string
	methods map[string]bool
	logger  observability.Logger
	proxy   *httputil.ReverseProxy
}

// Option is a functional option for configuring the upstream.
type Option func(*Upstream)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(u *Upstream) {
		u.logger = logger
	}
}

// WithTransport sets the forwarding transport.
func WithTransport(transport http.RoundTripper) Option {
	return func(u *Upstream) {
		u.proxy.Transport = transport
	}
}

// NewUpstream creates the proxy stage for an API.
func NewUpstream(cfg config.ProxyConfig, opts ...Option) (*Upstream, error) {
	target, err := url.Parse(cfg.Target)
	if err != nil {
		return nil, err
	}

	u := &Upstream{
		target: target,
		mount:  strings.TrimSuffix(cfg.Path, "/"),
		logger: observability.NopLogger(),
	}

	if len(cfg.Methods) > 0 {
		u.methods = make(map[string]bool, len(cfg.Methods))
		for _, m := range cfg.Methods {
			u.methods[strings.ToUpper(m)] = true
		}
	}

	u.proxy = &httputil.ReverseProxy{
		Director:      u.director,
		ErrorHandler:  u.errorHandler,
		FlushInterval: -1,
	}

	for _, opt := range opts {
		opt(u)
	}

	return u, nil
}

// ServeHTTP implements http.Handler.
func (u *Upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if u.methods != nil && !u.methods[r.Method] {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	u.proxy.ServeHTTP(w, r)
}

// director rewrites the request for the upstream: mount stripping,
// hop-by-hop removal, forwarding headers. The method and remaining
// path are never rewritten.
func (u *Upstream) director(req *http.Request) {
	path := req.URL.Path
	if u.mount != "" && strings.HasPrefix(path, u.mount) {
		path = strings.TrimPrefix(path, u.mount)
		if path == "" {
			path = "/"
		}
	}

	req.URL.Scheme = u.target.Scheme
	req.URL.Host = u.target.Host
	req.URL.Path = singleJoin(u.target.Path, path)

	for _, h := range hopHeaders {
		req.Header.Del(h)
	}

	// X-Forwarded-For is left to httputil.ReverseProxy, which appends the
	// client address to any prior value after the director runs.

	if req.TLS != nil {
		req.Header.Set("X-Forwarded-Proto", "https")
	} else {
		req.Header.Set("X-Forwarded-Proto", "http")
	}
	req.Header.Set("X-Forwarded-Host", req.Host)

	req.Host = u.target.Host
}

// singleJoin joins two path segments with exactly one slash.
func singleJoin(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// errorHandler responds 502 when the upstream is unreachable. A
// cancelled client context gets no body; the connection is already
// gone.
func (u *Upstream) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil {
		return
	}

	u.logger.Error("upstream error",
		observability.String("path", r.URL.Path),
		observability.String("method", r.Method),
		observability.Error(err),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = io.WriteString(w, `{"error":"bad gateway","message":"failed to proxy request"}`)
}
