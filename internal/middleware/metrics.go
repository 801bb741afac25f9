package middleware

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/dws/internal/app/metrics"
)

// MetricsMiddleware records request count, latency and in-flight gauges.
func MetricsMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return metrics.InstrumentHandler(next)
	}
}
