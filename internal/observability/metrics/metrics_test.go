package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	return string(body)
}

func TestHandlerRendersUpgradeMetrics(t *testing.T) {
	ObserveUpdate("civic", "added")
	ObserveUpgrade("civic", "installed", 2*time.Second, 42)
	ObserveUpgrade("civic", "failed", 10*time.Minute, 0)

	out := scrape(t)
	for _, want := range []string{
		`ivis_plugin_updates_total{outcome="added",plugin="civic"} 1`,
		`ivis_plugin_upgrades_total{outcome="installed",plugin="civic"} 1`,
		`ivis_plugin_upgrades_total{outcome="failed",plugin="civic"} 1`,
		`ivis_plugin_rows_loaded_total{plugin="civic"} 42`,
		`ivis_plugin_upgrade_duration_seconds_bucket{plugin="civic",le="5"} 1`,
		`ivis_plugin_upgrade_duration_seconds_bucket{plugin="civic",le="900"} 2`,
		`ivis_plugin_upgrade_duration_seconds_count{plugin="civic"} 2`,
		`go_goroutines`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestObserveJob(t *testing.T) {
	ObserveJob("skipped")
	ObserveJob("skipped")
	if out := scrape(t); !strings.Contains(out, `ivis_upgrade_jobs_total{status="skipped"} 2`) {
		t.Fatalf("missing job counter in:\n%s", out)
	}
}
