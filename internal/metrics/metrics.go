// Package metrics exposes install, catalog and session counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Catalog fetch outcomes.
const (
	CatalogFresh   = "fresh"   // served from a cache file inside the TTL
	CatalogFetched = "fetched" // fetched from the network and persisted
	CatalogEmpty   = "empty"   // upstream returned no releases
	CatalogStale   = "stale"   // network failed, stale cache served
	CatalogMissing = "missing" // network failed, no cache to fall back to
)

// Install and uninstall results.
const (
	ResultCompleted = "completed"
	ResultCancelled = "cancelled"
	ResultFailed    = "failed"
	ResultRejected  = "rejected"
)

// Metrics is what the engine reports. Implementations must be safe for
// concurrent use.
type Metrics interface {
	IncCatalogFetch(flavor, outcome string)
	IncInstall(flavor, result string)
	IncUninstall(result string)
	AddDownloadBytes(n int)
	ObserveExtractSeconds(seconds float64)
	SetQueueDepth(n int)
	SetSessions(n int)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncCatalogFetch(string, string) {}
func (Noop) IncInstall(string, string)      {}
func (Noop) IncUninstall(string)            {}
func (Noop) AddDownloadBytes(int)           {}
func (Noop) ObserveExtractSeconds(float64)  {}
func (Noop) SetQueueDepth(int)              {}
func (Noop) SetSessions(int)                {}

// Prom implements Metrics backed by Prometheus collectors on its own registry.
type Prom struct {
	registry      *prometheus.Registry
	catalog       *prometheus.CounterVec
	installs      *prometheus.CounterVec
	uninstalls    *prometheus.CounterVec
	downloadBytes prometheus.Counter
	extract       prometheus.Histogram
	queueDepth    prometheus.Gauge
	sessions      prometheus.Gauge
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		catalog: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_fetches_total",
			Help:      "Release catalog lookups by flavor and outcome",
		}, []string{"flavor", "outcome"}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "installs_total",
			Help:      "Install jobs by flavor and result",
		}, []string{"flavor", "result"}),
		uninstalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uninstalls_total",
			Help:      "Uninstall requests by result",
		}, []string{"result"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Archive bytes downloaded",
		}),
		extract: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "extract_duration_seconds",
			Help:      "Time spent unpacking archives",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_queue_depth",
			Help:      "Tasks waiting in the queue",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Connected UI sessions",
		}),
	}
	p.registry.MustRegister(
		p.catalog, p.installs, p.uninstalls, p.downloadBytes, p.extract, p.queueDepth, p.sessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

func (p *Prom) IncCatalogFetch(flavor, outcome string) {
	p.catalog.WithLabelValues(flavor, outcome).Inc()
}

func (p *Prom) IncInstall(flavor, result string) {
	p.installs.WithLabelValues(flavor, result).Inc()
}

func (p *Prom) IncUninstall(result string) {
	p.uninstalls.WithLabelValues(result).Inc()
}

func (p *Prom) AddDownloadBytes(n int) {
	p.downloadBytes.Add(float64(n))
}

func (p *Prom) ObserveExtractSeconds(seconds float64) {
	p.extract.Observe(seconds)
}

func (p *Prom) SetQueueDepth(n int) {
	p.queueDepth.Set(float64(n))
}

func (p *Prom) SetSessions(n int) {
	p.sessions.Set(float64(n))
}

// Registry exposes the underlying registry for tests and extra collectors.
func (p *Prom) Registry() *prometheus.Registry {
	return p.registry
}

// Handler returns an HTTP handler for /metrics.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
