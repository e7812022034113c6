// Package health tracks the status of the service's long-running parts
// (Steam install root, release catalog, supervisor loop, install dir
// watcher) and serves it on /healthz.
package health

import (
	"cmp"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/decky-wine-cellar/wine-cask/internal/logging"
)

var log = logging.L("health")

type Status string

const (
	Unknown   Status = "unknown"
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// Component names reported by the service.
const (
	ComponentCatalog    = "catalog"
	ComponentSteam      = "steam"
	ComponentSupervisor = "supervisor"
	ComponentWatcher    = "watcher"
)

// severity orders statuses from best to worst. Unknown ranks worst so a
// component that never reported cannot hide behind healthy peers.
var severity = map[Status]int{
	Healthy:   0,
	Degraded:  1,
	Unhealthy: 2,
	Unknown:   3,
}

func (s Status) IsValid() bool {
	_, ok := severity[s]
	return ok
}

// Check is the latest report for one component.
type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Report is a consistent snapshot of every check.
type Report struct {
	Status        Status  `json:"status"`
	UptimeSeconds int64   `json:"uptimeSeconds"`
	Checks        []Check `json:"checks"`
}

type Monitor struct {
	mu      sync.RWMutex
	checks  map[string]Check
	started time.Time
	now     func() time.Time
}

func NewMonitor() *Monitor {
	return &Monitor{
		checks:  make(map[string]Check),
		started: time.Now(),
		now:     time.Now,
	}
}

// Update records a component's status. An invalid status is stored as
// Unhealthy. Only transitions are logged.
func (m *Monitor) Update(name string, status Status, message string) {
	if !status.IsValid() {
		status = Unhealthy
	}
	m.mu.Lock()
	prev, seen := m.checks[name]
	m.checks[name] = Check{Name: name, Status: status, Message: message, UpdatedAt: m.now()}
	m.mu.Unlock()

	switch {
	case seen && prev.Status == status:
	case status == Healthy && seen:
		log.Info("component recovered", "component", name)
	case status != Healthy:
		log.Warn("component health changed", "component", name, "status", string(status), "message", message)
	}
}

func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall is the worst status across all checks, or Unknown before any
// component has reported.
func (m *Monitor) Overall() Status {
	return m.Report().Status
}

// Report returns every check sorted by name together with the overall
// status, taken under one lock.
func (m *Monitor) Report() Report {
	m.mu.RLock()
	checks := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		checks = append(checks, c)
	}
	uptime := m.now().Sub(m.started)
	m.mu.RUnlock()

	slices.SortFunc(checks, func(a, b Check) int { return cmp.Compare(a.Name, b.Name) })
	return Report{
		Status:        worst(checks),
		UptimeSeconds: int64(uptime / time.Second),
		Checks:        checks,
	}
}

func worst(checks []Check) Status {
	if len(checks) == 0 {
		return Unknown
	}
	result := Healthy
	for _, c := range checks {
		if severity[c.Status] > severity[result] {
			result = c.Status
		}
	}
	return result
}

// ServeHTTP writes the report as JSON. Only Unhealthy answers 503; a
// degraded service is still usable.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	report := m.Report()
	w.Header().Set("Content-Type", "application/json")
	if report.Status == Unhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(report); err != nil {
		log.Debug("health response write failed", logging.KeyError, err)
	}
}
