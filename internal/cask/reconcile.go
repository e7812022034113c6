package cask

import (
	"context"
	"fmt"

	"github.com/decky-wine-cellar/wine-cask/internal/flavor"
	"github.com/decky-wine-cellar/wine-cask/internal/health"
	"github.com/decky-wine-cellar/wine-cask/internal/state"
	"github.com/decky-wine-cellar/wine-cask/internal/steam"
	"github.com/decky-wine-cellar/wine-cask/pkg/api"
)

// Reconcile rebuilds the installed tool list from disk, flags tools the host
// has not registered yet, links tools to catalog releases and recomputes each
// flavor's not-installed releases. All filesystem reads happen before the
// state lock is taken, so passes are serialized end to end; a pass that
// scanned before an install finished can never overwrite a later one. On a
// scan failure the state is left untouched.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()

	descs, err := e.host.ListCompatTools()
	if err != nil {
		e.health.Update(health.ComponentSteam, health.Unhealthy, err.Error())
		return fmt.Errorf("scan compatibility tools: %w", err)
	}
	e.health.Update(health.ComponentSteam, health.Healthy, "")

	registry, known := e.store.Registry()
	registered := make(map[string]bool, len(registry))
	for _, r := range registry {
		registered[r.ToolName] = true
	}

	usage := e.gameUsage()
	catalogs := e.store.Catalogs()

	tools := make([]api.SteamCompatibilityTool, 0, len(descs))
	for _, d := range descs {
		tool := api.SteamCompatibilityTool{
			Path:            d.Path,
			DisplayName:     d.DisplayName,
			InternalName:    d.InternalName,
			UsedByGames:     usage.usedBy(d.InternalName, d.DisplayName),
			RequiresRestart: known && !registered[d.InternalName],
			Flavor:          api.FlavorUnknown,
		}
		tools = append(tools, tool)
	}

	available := make([]api.FlavorCatalog, 0, len(catalogs))
	for _, cat := range catalogs {
		src, ok := flavor.Lookup(cat.Flavor)
		if !ok {
			continue
		}
		notInstalled := make([]api.Release, 0, len(cat.Releases))
		for _, rel := range cat.Releases {
			installed := false
			for i := range tools {
				if !src.Matches(tools[i].InternalName, tools[i].DisplayName, rel.TagName) {
					continue
				}
				installed = true
				if tools[i].Flavor == api.FlavorUnknown {
					r := rel
					tools[i].Flavor = cat.Flavor
					tools[i].GitHubRelease = &r
				}
			}
			if !installed {
				notInstalled = append(notInstalled, rel)
			}
		}
		available = append(available, api.FlavorCatalog{Flavor: cat.Flavor, Releases: notInstalled})
	}

	e.store.Update(func(s *state.State) {
		s.Installed = tools
		s.AvailableFlavors = available
	})
	log.Debug("reconciled", "installed", len(tools), "flavors", len(available))
	return nil
}

// ReportRegistry records the host's tool registry, reconciles and broadcasts.
// A nil registry keeps the previous one.
func (e *Engine) ReportRegistry(ctx context.Context, registry []api.SteamClientCompatToolInfo) {
	if registry != nil {
		reg := append([]api.SteamClientCompatToolInfo{}, registry...)
		e.store.Update(func(s *state.State) { s.Registry = reg })
	}
	if err := e.Reconcile(ctx); err != nil {
		log.Error("reconcile failed", "error", err)
	}
	e.broadcastState()
}

// RequestReconcile asks the supervisor to reconcile once it is idle.
func (e *Engine) RequestReconcile() {
	e.reconcileDue.Store(true)
	e.signal()
}

type gameUsage struct {
	mapping map[uint64]string
	games   []steam.Game
}

// gameUsage reads the compat-tool mapping and installed games once per pass.
// Either failing degrades to no usage information.
func (e *Engine) gameUsage() gameUsage {
	mapping, err := e.host.CompatToolMapping()
	if err != nil {
		log.Warn("failed to get compatibility tool mappings", "error", err)
		mapping = nil
	}
	games, err := e.host.InstalledGames()
	if err != nil {
		log.Warn("failed to get list of installed games", "error", err)
		games = nil
	}
	return gameUsage{mapping: mapping, games: games}
}

func (u gameUsage) usedBy(internalName, displayName string) []string {
	out := []string{}
	for _, g := range u.games {
		name, ok := u.mapping[g.AppID]
		if ok && (name == displayName || name == internalName) {
			out = append(out, g.Name)
		}
	}
	return out
}
