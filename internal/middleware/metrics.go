package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/cartnotify-backend/internal/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	StatusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.StatusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Metrics records request counts, latency and errors. The endpoint label is the chi route
// pattern so path parameters do not explode the label set.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, StatusCode: http.StatusOK}

		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}
		status := strconv.Itoa(rec.StatusCode)

		metrics.HttpRequestsTotal.WithLabelValues(endpoint, status, r.Method).Inc()
		metrics.HttpRequestDuration.WithLabelValues(endpoint, r.Method).Observe(time.Since(start).Seconds())
		if rec.StatusCode >= 400 && rec.StatusCode < 600 {
			metrics.HttpErrorsTotal.WithLabelValues(endpoint, status, r.Method).Inc()
		}
	})
}
