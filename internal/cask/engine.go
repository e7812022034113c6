// Package cask is the install/uninstall engine: it reconciles installed tools
// against the filesystem, the host registry and the release catalogs, runs
// queued tasks one at a time and fans every state change out to sessions.
package cask

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/decky-wine-cellar/wine-cask/internal/catalog"
	"github.com/decky-wine-cellar/wine-cask/internal/flavor"
	"github.com/decky-wine-cellar/wine-cask/internal/health"
	"github.com/decky-wine-cellar/wine-cask/internal/httputil"
	"github.com/decky-wine-cellar/wine-cask/internal/logging"
	"github.com/decky-wine-cellar/wine-cask/internal/metrics"
	"github.com/decky-wine-cellar/wine-cask/internal/state"
	"github.com/decky-wine-cellar/wine-cask/internal/steam"
	"github.com/decky-wine-cellar/wine-cask/internal/workerpool"
	"github.com/decky-wine-cellar/wine-cask/pkg/api"
)

var log = logging.L("cask")

var (
	ErrNoInstallableAsset = errors.New("release has no supported archive asset")
	ErrUnknownFlavor      = errors.New("unknown flavor")
	ErrPackageLayout      = errors.New("archive does not contain exactly one package directory")
	ErrToolNotFound       = errors.New("compatibility tool not found")
	ErrAmbiguousTool      = errors.New("compatibility tool is not uniquely identified")
	ErrInsufficientSpace  = errors.New("not enough free disk space")
	ErrDownloadStalled    = errors.New("download stalled")
)

// Broadcaster fans a message out to every connected session.
type Broadcaster interface {
	Broadcast(msg api.Message)
}

// NopBroadcaster drops every message. Used when no sessions can exist.
type NopBroadcaster struct{}

func (NopBroadcaster) Broadcast(api.Message) {}

// Host is the Steam install the engine manages.
type Host interface {
	CompatToolsDir() (string, error)
	ListCompatTools() ([]steam.Descriptor, error)
	CompatToolMapping() (map[uint64]string, error)
	InstalledGames() ([]steam.Game, error)
}

// Catalog serves release lists per flavor.
type Catalog interface {
	Get(ctx context.Context, src flavor.Source, force bool) catalog.Result
}

type Options struct {
	Store       *state.Store
	Host        Host
	Catalog     Catalog
	Broadcaster Broadcaster
	// Extractor runs archive extraction. It should have a single worker.
	Extractor *workerpool.Pool
	HTTPClient *http.Client
	// DownloadRetry applies to establishing the download, never mid-stream.
	DownloadRetry httputil.RetryConfig
	RuntimeDir    string

	IdleBackoff         time.Duration
	DownloadIdleTimeout time.Duration
	// MinFreeSpaceFactor times the asset size must be free on the install
	// filesystem before downloading. Zero disables the check.
	MinFreeSpaceFactor float64
	// DiskFree reports free bytes on the filesystem holding path.
	DiskFree func(path string) (uint64, error)

	Metrics metrics.Metrics
	Health  *health.Monitor
	Now     func() time.Time
}

// Engine owns the task queue and the install pipeline.
type Engine struct {
	store       *state.Store
	host        Host
	catalog     Catalog
	broadcaster Broadcaster
	extractor   *workerpool.Pool
	httpClient  *http.Client
	retry       httputil.RetryConfig
	runtimeDir  string

	idleBackoff  time.Duration
	idleTimeout  time.Duration
	freeFactor   float64
	diskFree     func(string) (uint64, error)
	metrics      metrics.Metrics
	health       *health.Monitor
	now          func() time.Time
	wake         chan struct{}
	reconcileDue atomic.Bool

	// reconcileMu serializes whole reconcile passes, scan through write.
	reconcileMu sync.Mutex
}

func New(opts Options) *Engine {
	e := &Engine{
		store:       opts.Store,
		host:        opts.Host,
		catalog:     opts.Catalog,
		broadcaster: opts.Broadcaster,
		extractor:   opts.Extractor,
		httpClient:  opts.HTTPClient,
		retry:       opts.DownloadRetry,
		runtimeDir:  opts.RuntimeDir,
		idleBackoff: opts.IdleBackoff,
		idleTimeout: opts.DownloadIdleTimeout,
		freeFactor:  opts.MinFreeSpaceFactor,
		diskFree:    opts.DiskFree,
		metrics:     opts.Metrics,
		health:      opts.Health,
		now:         opts.Now,
		wake:        make(chan struct{}, 1),
	}
	if e.store == nil {
		e.store = state.New()
	}
	if e.broadcaster == nil {
		e.broadcaster = NopBroadcaster{}
	}
	if e.httpClient == nil {
		e.httpClient = &http.Client{}
	}
	if e.idleBackoff <= 0 {
		e.idleBackoff = 250 * time.Millisecond
	}
	if e.idleTimeout <= 0 {
		e.idleTimeout = 60 * time.Second
	}
	if e.diskFree == nil {
		e.diskFree = diskFree
	}
	if e.metrics == nil {
		e.metrics = metrics.Noop{}
	}
	if e.health == nil {
		e.health = health.NewMonitor()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Store exposes the shared state.
func (e *Engine) Store() *state.Store {
	return e.store
}

// Snapshot returns the current serializable state.
func (e *Engine) Snapshot() *api.AppState {
	return e.store.Snapshot()
}

func (e *Engine) broadcastState() {
	e.broadcaster.Broadcast(api.NewStateUpdate(e.store.Snapshot()))
}

func (e *Engine) notify(text string) {
	log.Info("notification", "text", text)
	e.broadcaster.Broadcast(api.NewNotification(text))
}

// signal wakes the supervisor without blocking.
func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// withContext attaches the engine logger, extended with keyvals, to ctx.
func withContext(ctx context.Context, keyvals ...any) context.Context {
	return logging.NewContext(ctx, log.With(keyvals...))
}
