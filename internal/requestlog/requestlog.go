// Package requestlog carries a per-request log record through the
// pipeline and emits one structured entry per request.
package requestlog

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatewd/gatewd/internal/observability"
)

// Authentication outcomes recorded by auth stages.
const (
	AuthSuccess = "success"
	AuthFail    = "fail"
)

// Record is the mutable per-request log record. It lives on the request
// context; stages mark it as they run.
type Record struct {
	mu sync.Mutex

	// ID is the generated request id, also returned to the client.
	ID string

	// API is the matched API path prefix.
	API string

	// Authentication is the auth outcome: "success", "fail" or empty
	// when no authenticator ran.
	Authentication string

	start time.Time
}

// MarkAuthentication records the authentication outcome.
func (rec *Record) MarkAuthentication(outcome string) {
	rec.mu.Lock()
	rec.Authentication = outcome
	rec.mu.Unlock()
}

// AuthenticationOutcome returns the recorded outcome.
func (rec *Record) AuthenticationOutcome() string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.Authentication
}

type contextKey struct{}

// FromContext returns the record on the context, or nil.
func FromContext(ctx context.Context) *Record {
	rec, _ := ctx.Value(contextKey{}).(*Record)
	return rec
}

// ContextWithRecord attaches the record to the context.
func ContextWithRecord(ctx context.Context, rec *Record) context.Context {
	return context.WithValue(ctx, contextKey{}, rec)
}

// statusWriter captures the response status for the completion entry.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Middleware initializes the record for each request and logs a
// completion entry once the pipeline finishes.
func Middleware(apiPath string, logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &Record{
				ID:    uuid.NewString(),
				API:   apiPath,
				start: time.Now(),
			}

			w.Header().Set("X-Request-Id", rec.ID)

			sw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r.WithContext(ContextWithRecord(r.Context(), rec)))

			status := sw.status
			if status == 0 {
				status = http.StatusOK
			}

			logger.Info("request completed",
				observability.String("request_id", rec.ID),
				observability.String("api", rec.API),
				observability.String("method", r.Method),
				observability.String("path", r.URL.Path),
				observability.Int("status", status),
				observability.String("authentication", rec.AuthenticationOutcome()),
				observability.Duration("duration", time.Since(rec.start)),
			)
		})
	}
}
