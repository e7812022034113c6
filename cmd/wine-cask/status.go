package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/decky-wine-cellar/wine-cask/internal/cask"
	"github.com/decky-wine-cellar/wine-cask/internal/health"
	"github.com/decky-wine-cellar/wine-cask/internal/logging"
	"github.com/decky-wine-cellar/wine-cask/internal/metrics"
	"github.com/decky-wine-cellar/wine-cask/internal/steam"
	"github.com/decky-wine-cellar/wine-cask/pkg/api"
)

type statusReport struct {
	SteamRoot  string         `yaml:"steam_root"`
	InstallDir string         `yaml:"install_dir"`
	LastCheck  string         `yaml:"last_check,omitempty"`
	Installed  []toolReport   `yaml:"installed"`
	Available  map[string]int `yaml:"available_releases"`
}

type toolReport struct {
	Name    string   `yaml:"name"`
	Display string   `yaml:"display_name"`
	Flavor  string   `yaml:"flavor"`
	Release string   `yaml:"release,omitempty"`
	Path    string   `yaml:"path"`
	UsedBy  []string `yaml:"used_by_games,omitempty"`
}

// printStatus reconciles once against the cached catalogs and writes the
// result. Catalogs older than the TTL are refetched.
func printStatus(ctx context.Context, out io.Writer) error {
	cfg, err := loadConfig("")
	if err != nil {
		return err
	}
	logging.Init(cfg.LogFormat, "warn", os.Stderr)

	root, err := steam.FindRoot(cfg.UserHome)
	if err != nil {
		return err
	}
	host := steam.New(root)
	installDir, err := host.CompatToolsDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.RuntimeDir, 0o755); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}

	engine := cask.New(cask.Options{
		Host:    host,
		Catalog: newCatalog(cfg, health.NewMonitor(), metrics.Noop{}),
	})
	engine.CheckForUpdates(ctx, false)

	report := buildReport(root, installDir, engine.Snapshot())
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(report); err != nil {
		return err
	}
	return enc.Close()
}

func buildReport(root, installDir string, snap *api.AppState) statusReport {
	report := statusReport{
		SteamRoot:  root,
		InstallDir: installDir,
		Installed:  make([]toolReport, 0, len(snap.InstalledCompatibilityTools)),
		Available:  make(map[string]int, len(snap.AvailableFlavors)),
	}
	if snap.UpdaterLastCheck != nil {
		report.LastCheck = time.Unix(int64(*snap.UpdaterLastCheck), 0).UTC().Format(time.RFC3339)
	}
	for _, t := range snap.InstalledCompatibilityTools {
		tr := toolReport{
			Name:    t.InternalName,
			Display: t.DisplayName,
			Flavor:  string(t.Flavor),
			Path:    t.Path,
			UsedBy:  t.UsedByGames,
		}
		if t.GitHubRelease != nil {
			tr.Release = t.GitHubRelease.TagName
		}
		report.Installed = append(report.Installed, tr)
	}
	for _, f := range snap.AvailableFlavors {
		report.Available[string(f.Flavor)] = len(f.Releases)
	}
	return report
}
