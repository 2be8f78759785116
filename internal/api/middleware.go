package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/kalambet/pictag/internal/telemetry"
)

// RequestMetrics records request counts and latency by method and
// status code.
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		telemetry.RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		telemetry.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
