package pipeline

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for API traffic.
var (
	apiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_api_requests_total",
			Help: "Total number of requests per API and status",
		},
		[]string{"api", "status"},
	)

	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_api_request_duration_seconds",
			Help:    "Request duration per API in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"api"},
	)
)

// metricsWriter captures the status for the counters.
type metricsWriter struct {
	http.ResponseWriter
	status int
}

func (w *metricsWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *metricsWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// statsMiddleware counts requests and durations for one API.
func statsMiddleware(apiPath string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			mw := &metricsWriter{ResponseWriter: w}

			next.ServeHTTP(mw, r)

			status := mw.status
			if status == 0 {
				status = http.StatusOK
			}
			apiRequestsTotal.WithLabelValues(apiPath, strconv.Itoa(status)).Inc()
			apiRequestDuration.WithLabelValues(apiPath).Observe(time.Since(start).Seconds())
		})
	}
}
