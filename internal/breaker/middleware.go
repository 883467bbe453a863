package breaker

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gatewd/gatewd/internal/observability"
	"github.com/gatewd/gatewd/internal/store"
)

// Client-facing bodies. Exact text matters for compatibility.
const (
	openBody    = "CircuitBreaker open"
	timeoutBody = "CircuitBreaker timeout"
)

// guardedWriter serializes access to the response between the
// downstream handler and the breaker timeout path. Once the timeout
// has written its response, downstream writes are discarded.
type guardedWriter struct {
	w http.ResponseWriter

	mu          sync.Mutex
	status      int
	wroteHeader bool
	timedOut    bool
}

func (gw *guardedWriter) Header() http.Header {
	return gw.w.Header()
}

func (gw *guardedWriter) WriteHeader(status int) {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	if gw.timedOut || gw.wroteHeader {
		return
	}
	gw.wroteHeader = true
	gw.status = status
	gw.w.WriteHeader(status)
}

func (gw *guardedWriter) Write(b []byte) (int, error) {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	if gw.timedOut {
		return len(b), nil
	}
	if !gw.wroteHeader {
		gw.wroteHeader = true
		gw.status = http.StatusOK
	}
	return gw.w.Write(b)
}

// timeout writes the 504 response unless the downstream handler
// already started responding. Returns whether the timeout response
// was written.
func (gw *guardedWriter) timeout() bool {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	if gw.wroteHeader {
		return false
	}
	gw.timedOut = true
	gw.w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	gw.w.WriteHeader(http.StatusGatewayTimeout)
	_, _ = io.WriteString(gw.w, timeoutBody)
	return true
}

// Status returns the captured downstream status, zero if none was
// written.
func (gw *guardedWriter) Status() int {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.status
}

// Middleware wraps the downstream handler in the breaker gate:
// fast-fail while open, single probe while half-open, failure counting
// on 5xx and timeouts.
func (b *Breaker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		state, err := b.state(ctx)
		if err != nil {
			// Fail open: the hot path must not depend on the store.
			b.logger.Error("breaker state unavailable, failing open",
				observability.String("path", b.path),
				observability.Error(err),
			)
			next.ServeHTTP(w, r)
			return
		}

		if state == store.StateOpen {
			b.reject(w)
			return
		}

		probe := false
		if state == store.StateHalfOpen {
			prior, err := b.store.SetHalfOpenPending(ctx, b.path, true)
			if err != nil {
				b.logger.Error("probe slot unavailable, failing open",
					observability.String("path", b.path),
					observability.Error(err),
				)
				next.ServeHTTP(w, r)
				return
			}
			if prior {
				// Another request is already probing.
				b.reject(w)
				return
			}
			probe = true
		}

		gw := &guardedWriter{w: w}
		done := make(chan struct{})
		timer := time.NewTimer(b.cfg.Timeout.Duration())
		defer timer.Stop()

		go func() {
			defer close(done)
			next.ServeHTTP(gw, r)
		}()

		select {
		case <-done:
			status := gw.Status()
			if status >= http.StatusInternalServerError {
				b.observeFailure(r, probe)
			} else {
				b.HandleSuccess(context.WithoutCancel(ctx))
			}

		case <-timer.C:
			if gw.timeout() {
				b.events.OnTimeout(b.path)
				b.observeFailure(r, probe)
			} else {
				// The response raced the timer and won; classify it.
				<-done
				if gw.Status() >= http.StatusInternalServerError {
					b.observeFailure(r, probe)
				} else {
					b.HandleSuccess(context.WithoutCancel(ctx))
				}
			}

		case <-ctx.Done():
			// Client gone: the upstream call is cancelled through the
			// request context and counts as neither success nor
			// failure. An unresolved probe releases its slot.
			if probe {
				released := context.WithoutCancel(ctx)
				if _, err := b.store.SetHalfOpenPending(released, b.path, false); err != nil {
					b.logger.Error("failed to release probe slot", observability.Error(err))
				}
			}
			<-done
		}
	})
}

// observeFailure clears the probe slot if needed and counts the
// failure. Store calls are detached from request cancellation so a
// client disconnecting mid-observation cannot lose the count.
func (b *Breaker) observeFailure(r *http.Request, probe bool) {
	ctx := context.WithoutCancel(r.Context())
	if probe {
		if _, err := b.store.SetHalfOpenPending(ctx, b.path, false); err != nil {
			b.logger.Error("failed to clear probe slot", observability.Error(err))
		}
	}
	b.HandleFailure(ctx, probe)
}

// reject fast-fails the request with the open response.
func (b *Breaker) reject(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = io.WriteString(w, openBody)
	b.rejected()
}
