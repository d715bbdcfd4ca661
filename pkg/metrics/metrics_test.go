package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	_ "github.com/Sternrassler/safety-proxy/pkg/cache"
	_ "github.com/Sternrassler/safety-proxy/pkg/connectivity"
	_ "github.com/Sternrassler/safety-proxy/pkg/lifecycle"
	_ "github.com/Sternrassler/safety-proxy/pkg/router"
	_ "github.com/Sternrassler/safety-proxy/pkg/syncer"

	"github.com/Sternrassler/safety-proxy/pkg/metrics"
)

func TestRegistry(t *testing.T) {
	if metrics.Registry != prometheus.DefaultRegisterer {
		t.Error("Registry should be the default Prometheus registerer")
	}
	if metrics.Gatherer != prometheus.DefaultGatherer {
		t.Error("Gatherer should be the default Prometheus gatherer")
	}
}

// Metrics without labels are exported before their first update.
func TestHandler_ExposesMetrics(t *testing.T) {
	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)

	for _, name := range []string{
		"safety_cache_misses_total",
		"safety_cache_regions_deleted_total",
		"safety_connectivity_online",
		"safety_router_cache_write_failures_total",
		"safety_sync_backoff_seconds",
		"safety_lifecycle_ready",
		"safety_lifecycle_upgrade_duration_seconds",
		"safety_emergency_mode",
	} {
		if !strings.Contains(string(body), "# TYPE "+name+" ") {
			t.Errorf("metric %s not exposed", name)
		}
	}
}
