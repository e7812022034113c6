// Package catalog keeps a per-flavor disk cache of upstream releases.
//
// A cache file is fresh while its modification time is inside the TTL. When
// the network is unavailable the last persisted list is served regardless of
// age, so the UI keeps working offline after the first successful fetch.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/decky-wine-cellar/wine-cask/internal/flavor"
	"github.com/decky-wine-cellar/wine-cask/internal/health"
	"github.com/decky-wine-cellar/wine-cask/internal/logging"
	"github.com/decky-wine-cellar/wine-cask/internal/metrics"
	"github.com/decky-wine-cellar/wine-cask/pkg/api"
)

var log = logging.L("catalog")

// DefaultTTL is how long a cache file is trusted without refetching.
const DefaultTTL = 23*time.Hour + 30*time.Minute

// Fetcher lists every release of a repository.
type Fetcher interface {
	ListAllReleases(ctx context.Context, owner, repository string) ([]api.Release, error)
}

// Result is the outcome of one lookup. CheckedAt is zero when the lookup did
// not establish a new "last checked" time.
type Result struct {
	Releases  []api.Release
	CheckedAt time.Time
	Stale     bool
}

type Options struct {
	Dir     string
	TTL     time.Duration
	Fetcher Fetcher
	Health  *health.Monitor
	Metrics metrics.Metrics
	Now     func() time.Time
}

// Cache serves release lists from disk or the network.
type Cache struct {
	dir     string
	ttl     time.Duration
	fetcher Fetcher
	health  *health.Monitor
	metrics metrics.Metrics
	now     func() time.Time
}

func New(opts Options) *Cache {
	c := &Cache{
		dir:     opts.Dir,
		ttl:     opts.TTL,
		fetcher: opts.Fetcher,
		health:  opts.Health,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.metrics == nil {
		c.metrics = metrics.Noop{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Path returns the cache file for src.
func (c *Cache) Path(src flavor.Source) string {
	return filepath.Join(c.dir, fmt.Sprintf("github_releases_%s_%s_cache.json", src.Owner, src.Repository))
}

// Get returns src's releases. Unless force is set, a fresh non-empty cache
// file short-circuits the network. Errors are never returned: a failed fetch
// falls back to whatever the cache file holds, or an empty result.
func (c *Cache) Get(ctx context.Context, src flavor.Source, force bool) Result {
	path := c.Path(src)
	name := string(src.Flavor)

	if !force {
		if res, ok := c.readFresh(path, src); ok {
			c.metrics.IncCatalogFetch(name, metrics.CatalogFresh)
			return res
		}
	}

	releases, err := c.fetcher.ListAllReleases(ctx, src.Owner, src.Repository)
	if err != nil {
		return c.fallback(path, src, err)
	}
	c.markHealthy()

	if len(releases) == 0 {
		log.Warn("no releases found", "owner", src.Owner, "repository", src.Repository)
		c.metrics.IncCatalogFetch(name, metrics.CatalogEmpty)
		return Result{}
	}

	if err := c.write(path, releases); err != nil {
		log.Error("failed to persist release cache", "path", path, logging.KeyError, err)
	}
	c.metrics.IncCatalogFetch(name, metrics.CatalogFetched)
	log.Info("fetched releases", logging.KeyFlavor, name, "count", len(releases))
	return Result{Releases: releases, CheckedAt: c.now()}
}

func (c *Cache) readFresh(path string, src flavor.Source) (Result, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return Result{}, false
	}
	if c.now().Sub(info.ModTime()) >= c.ttl {
		log.Debug("release cache expired", "path", path, "age", c.now().Sub(info.ModTime()))
		return Result{}, false
	}

	releases, err := c.read(path)
	if err != nil {
		log.Warn("release cache unreadable, refetching", "path", path, logging.KeyError, err)
		return Result{}, false
	}
	if len(releases) == 0 {
		log.Warn("release cache is empty, treating as corrupt", "owner", src.Owner, "repository", src.Repository)
		return Result{}, false
	}
	return Result{Releases: releases, CheckedAt: info.ModTime()}, true
}

func (c *Cache) fallback(path string, src flavor.Source, fetchErr error) Result {
	name := string(src.Flavor)
	info, statErr := os.Stat(path)
	if statErr != nil {
		if !errors.Is(statErr, fs.ErrNotExist) {
			log.Warn("cannot stat release cache", "path", path, logging.KeyError, statErr)
		}
		log.Error("failed to fetch releases and no cache is available",
			"owner", src.Owner, "repository", src.Repository, logging.KeyError, fetchErr)
		c.metrics.IncCatalogFetch(name, metrics.CatalogMissing)
		c.markDegraded(fmt.Sprintf("%s: %v", name, fetchErr))
		return Result{}
	}

	releases, err := c.read(path)
	if err != nil {
		log.Error("failed to fetch releases and cache is unreadable",
			"owner", src.Owner, "repository", src.Repository, logging.KeyError, err)
		c.metrics.IncCatalogFetch(name, metrics.CatalogMissing)
		c.markDegraded(fmt.Sprintf("%s: %v", name, fetchErr))
		return Result{}
	}

	log.Warn("failed to fetch releases, serving stale cache",
		"owner", src.Owner, "repository", src.Repository,
		"cachedAt", info.ModTime(), logging.KeyError, fetchErr)
	c.metrics.IncCatalogFetch(name, metrics.CatalogStale)
	c.markDegraded(fmt.Sprintf("%s: serving releases cached at %s", name, info.ModTime().Format(time.RFC3339)))
	return Result{Releases: releases, CheckedAt: info.ModTime(), Stale: true}
}

func (c *Cache) read(path string) ([]api.Release, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var releases []api.Release
	if err := json.Unmarshal(data, &releases); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return releases, nil
}

// write replaces the cache file through a rename so a crash never leaves a
// half-written list behind.
func (c *Cache) write(path string, releases []api.Release) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(releases)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (c *Cache) markHealthy() {
	if c.health != nil {
		c.health.Update(health.ComponentCatalog, health.Healthy, "")
	}
}

func (c *Cache) markDegraded(msg string) {
	if c.health != nil {
		c.health.Update(health.ComponentCatalog, health.Degraded, msg)
	}
}
