package exporters

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/smazurov/alterego/internal/metrics"
)

func TestHTTPHandler(t *testing.T) {
	metrics.RecordProbe("not_ready")

	w := httptest.NewRecorder()
	HTTPHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if body := w.Body.String(); !strings.Contains(body, `alterego_readiness_probes_total{outcome="not_ready"}`) {
		t.Error("expected readiness probe counter in response")
	}
}
