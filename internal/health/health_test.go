package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestNewMonitorOverallReturnsUnknown(t *testing.T) {
	m := NewMonitor()
	if got := m.Overall(); got != Unknown {
		t.Fatalf("Overall() on empty monitor = %q, want %q", got, Unknown)
	}
}

func TestOverallReturnsWorstStatus(t *testing.T) {
	m := NewMonitor()
	m.Update(ComponentSteam, Healthy, "")
	m.Update(ComponentCatalog, Degraded, "serving stale releases")
	m.Update(ComponentSupervisor, Healthy, "")

	if got := m.Overall(); got != Degraded {
		t.Fatalf("Overall() = %q, want %q", got, Degraded)
	}

	m.Update(ComponentCatalog, Healthy, "")
	if got := m.Overall(); got != Healthy {
		t.Fatalf("Overall() after recovery = %q, want %q", got, Healthy)
	}
}

func TestUpdateCoercesInvalidStatus(t *testing.T) {
	m := NewMonitor()
	m.Update("test", Status("invalid"), "bad value")

	c, ok := m.Get("test")
	if !ok {
		t.Fatal("component not found after Update")
	}
	if c.Status != Unhealthy {
		t.Fatalf("Status = %q, want %q", c.Status, Unhealthy)
	}
}

func TestReportConsistentUnderConcurrentUpdates(t *testing.T) {
	m := NewMonitor()
	m.Update(ComponentCatalog, Healthy, "")

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				m.Update(ComponentCatalog, Degraded, "stale")
			} else {
				m.Update(ComponentCatalog, Healthy, "")
			}
		}()
		go func() {
			defer wg.Done()
			r := m.Report()
			if len(r.Checks) != 1 || r.Status != r.Checks[0].Status {
				t.Errorf("report inconsistency: %+v", r)
			}
		}()
	}
	wg.Wait()
}

func TestReportUptime(t *testing.T) {
	m := NewMonitor()
	m.now = func() time.Time { return m.started.Add(90 * time.Second) }
	if got := m.Report().UptimeSeconds; got != 90 {
		t.Fatalf("UptimeSeconds = %d, want 90", got)
	}
}

func TestReportChecksSortedByName(t *testing.T) {
	m := NewMonitor()
	m.Update(ComponentWatcher, Healthy, "")
	m.Update(ComponentCatalog, Healthy, "")
	m.Update(ComponentSteam, Degraded, "no config.vdf")

	all := m.Report().Checks
	if len(all) != 3 {
		t.Fatalf("Report() returned %d checks, want 3", len(all))
	}
	if all[0].Name != ComponentCatalog || all[2].Name != ComponentWatcher {
		t.Fatalf("unexpected order: %+v", all)
	}
}

func TestServeHTTP(t *testing.T) {
	m := NewMonitor()
	m.Update(ComponentCatalog, Degraded, "stale")

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("degraded status code = %d, want 200", rec.Code)
	}
	var body Report
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != Degraded || len(body.Checks) != 1 {
		t.Fatalf("unexpected body: %+v", body)
	}

	m.Update(ComponentSteam, Unhealthy, "install root not found")
	rec = httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy status code = %d, want 503", rec.Code)
	}
}
