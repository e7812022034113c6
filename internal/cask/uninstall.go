package cask

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/decky-wine-cellar/wine-cask/internal/logging"
	"github.com/decky-wine-cellar/wine-cask/internal/metrics"
	"github.com/decky-wine-cellar/wine-cask/pkg/api"
)

// Uninstall removes the tracked tool matching path, internal name and display
// name, then reconciles and broadcasts. Anything other than exactly one match
// is rejected with a notification and the filesystem is left alone.
func (e *Engine) Uninstall(ctx context.Context, req api.Uninstall) error {
	tool := req.SteamCompatibilityTool
	ctx = withContext(ctx, logging.KeyFlavor, req.Flavor, "tool", tool.InternalName)
	logger := logging.FromContext(ctx)

	var matches []api.SteamCompatibilityTool
	for _, t := range e.store.Installed() {
		if t.Path == tool.Path && t.InternalName == tool.InternalName && t.DisplayName == tool.DisplayName {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		e.metrics.IncUninstall(metrics.ResultRejected)
		e.notify(fmt.Sprintf("Compatibility tool not found: %s", tool.DisplayName))
		return ErrToolNotFound
	case 1:
	default:
		e.metrics.IncUninstall(metrics.ResultRejected)
		e.notify(fmt.Sprintf("Invalid number of matching tools found: %d", len(matches)))
		return ErrAmbiguousTool
	}

	target := matches[0].Path
	dir, err := e.host.CompatToolsDir()
	if err != nil {
		logger.Error("compat tools dir unavailable", logging.KeyError, err)
		e.metrics.IncUninstall(metrics.ResultFailed)
		e.notify(fmt.Sprintf("Error during uninstallation: %v", err))
		return err
	}
	if !within(dir, target) {
		logger.Warn("refusing to remove path outside compat tools dir", "path", target)
		e.metrics.IncUninstall(metrics.ResultRejected)
		e.notify(fmt.Sprintf("Compatibility tool not found: %s", tool.DisplayName))
		return ErrToolNotFound
	}

	if err := os.RemoveAll(target); err != nil {
		logger.Error("uninstall failed", logging.KeyError, err)
		e.metrics.IncUninstall(metrics.ResultFailed)
		e.notify(fmt.Sprintf("Error during uninstallation: %v", err))
		return err
	}
	logger.Info("uninstalled", "path", target)
	e.metrics.IncUninstall(metrics.ResultCompleted)

	if err := e.Reconcile(ctx); err != nil {
		logger.Error("reconcile after uninstall failed", logging.KeyError, err)
	}
	e.broadcastState()
	return nil
}

// within reports whether p is strictly below dir.
func within(dir, p string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(p))
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
