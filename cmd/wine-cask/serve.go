package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/decky-wine-cellar/wine-cask/internal/cask"
	"github.com/decky-wine-cellar/wine-cask/internal/catalog"
	"github.com/decky-wine-cellar/wine-cask/internal/config"
	"github.com/decky-wine-cellar/wine-cask/internal/github"
	"github.com/decky-wine-cellar/wine-cask/internal/health"
	"github.com/decky-wine-cellar/wine-cask/internal/httputil"
	"github.com/decky-wine-cellar/wine-cask/internal/logging"
	"github.com/decky-wine-cellar/wine-cask/internal/metrics"
	"github.com/decky-wine-cellar/wine-cask/internal/session"
	"github.com/decky-wine-cellar/wine-cask/internal/state"
	"github.com/decky-wine-cellar/wine-cask/internal/steam"
	"github.com/decky-wine-cellar/wine-cask/internal/watcher"
	"github.com/decky-wine-cellar/wine-cask/internal/workerpool"
	"github.com/decky-wine-cellar/wine-cask/pkg/api"
)

var log = logging.L("main")

const (
	logMaxSizeMB    = 10
	logMaxBackups   = 3
	shutdownTimeout = 5 * time.Second
	// listenerHeadroom leaves room for health and metrics scrapes when every
	// session slot is taken.
	listenerHeadroom = 2
)

func loadConfig(listenAddr string) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	return cfg, nil
}

// initLogging tees the log to stdout and a rotating file. The returned closer
// is nil when the file could not be opened.
func initLogging(cfg *config.Config, stdout io.Writer) io.Closer {
	rw, err := logging.NewRotatingWriter(cfg.LogPath(), logMaxSizeMB, logMaxBackups)
	if err != nil {
		logging.Init(cfg.LogFormat, cfg.LogLevel, stdout)
		log.Warn("failed to open log file, logging to stdout only", "path", cfg.LogPath(), logging.KeyError, err)
		return nil
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, logging.TeeWriter(stdout, rw))
	return rw
}

func runService(listenAddr string) error {
	cfg, err := loadConfig(listenAddr)
	if err != nil {
		return err
	}
	if closer := initLogging(cfg, os.Stdout); closer != nil {
		defer closer.Close()
	}
	for _, verr := range cfg.Validate() {
		log.Warn("config validation", logging.KeyError, verr)
	}
	log.Info("starting wine-cask", "version", version, "listen", cfg.ListenAddr, "runtimeDir", cfg.RuntimeDir)

	if err := os.MkdirAll(cfg.RuntimeDir, 0o755); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}
	root, err := steam.FindRoot(cfg.UserHome)
	if err != nil {
		return err
	}
	host := steam.New(root)
	installDir, err := host.CompatToolsDir()
	if err != nil {
		return err
	}

	mon := health.NewMonitor()
	prom := metrics.NewProm("winecask")
	pool := workerpool.New("extract", 1, 4)

	var engine *cask.Engine
	hub := session.NewHub(session.Options{
		Handler: session.HandlerFunc(func(ctx context.Context, msg api.Message) {
			engine.HandleMessage(ctx, msg)
		}),
		Metrics:     prom,
		MaxSessions: cfg.MaxSessions,
	})
	engine = cask.New(cask.Options{
		Store:               state.New(),
		Host:                host,
		Catalog:             newCatalog(cfg, mon, prom),
		Broadcaster:         hub,
		Extractor:           pool,
		HTTPClient:          &http.Client{},
		DownloadRetry:       httputil.DefaultRetryConfig(),
		RuntimeDir:          cfg.RuntimeDir,
		IdleBackoff:         cfg.IdleBackoff,
		DownloadIdleTimeout: cfg.DownloadIdleTimeout,
		MinFreeSpaceFactor:  cfg.MinFreeSpaceFactor,
		Metrics:             prom,
		Health:              mon,
	})

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/healthz", mon)
	r.Method(http.MethodGet, "/metrics", prom.Handler())
	r.Handle("/ws", hub)
	r.Handle("/", hub)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	ln = netutil.LimitListener(ln, cfg.MaxSessions+listenerHeadroom)
	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return engine.Run(gctx)
	})
	if cfg.WatchInstallDir {
		w, err := watcher.New(watcher.Options{Dir: installDir, OnChange: engine.RequestReconcile, Health: mon})
		if err != nil {
			log.Warn("install dir watcher disabled", logging.KeyError, err)
			mon.Update(health.ComponentWatcher, health.Degraded, err.Error())
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		hub.Close()
		err := srv.Shutdown(shutdownCtx)
		pool.Shutdown(shutdownCtx)
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error("service stopped with error", logging.KeyError, err)
		return err
	}
	log.Info("service stopped")
	return nil
}

func newCatalog(cfg *config.Config, mon *health.Monitor, m metrics.Metrics) *catalog.Cache {
	gh := github.NewClient(cfg.GitHubAPIURL, &http.Client{Timeout: 30 * time.Second})
	gh.SetRetry(httputil.DefaultRetryConfig())
	return catalog.New(catalog.Options{
		Dir:     cfg.RuntimeDir,
		TTL:     cfg.CatalogTTL,
		Fetcher: gh,
		Health:  mon,
		Metrics: m,
	})
}
