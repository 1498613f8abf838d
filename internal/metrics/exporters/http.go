// Package exporters exposes the metrics over Prometheus HTTP and as
// periodic SSE events.
package exporters

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPHandler serves every promauto-registered metric.
func HTTPHandler() http.Handler {
	return promhttp.Handler()
}
