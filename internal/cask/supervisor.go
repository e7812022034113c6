package cask

import (
	"context"
	"errors"
	"time"

	"github.com/decky-wine-cellar/wine-cask/internal/flavor"
	"github.com/decky-wine-cellar/wine-cask/internal/health"
	"github.com/decky-wine-cellar/wine-cask/internal/logging"
	"github.com/decky-wine-cellar/wine-cask/internal/state"
	"github.com/decky-wine-cellar/wine-cask/pkg/api"
)

// Run refreshes every catalog, reconciles, then executes queued tasks one at
// a time until ctx is done. It is the only caller of Install, Uninstall and
// CheckForUpdates for queued work, so at most one install is ever in flight.
func (e *Engine) Run(ctx context.Context) error {
	log.Info("supervisor starting")
	e.health.Update(health.ComponentSupervisor, health.Healthy, "")
	defer e.health.Update(health.ComponentSupervisor, health.Unknown, "stopped")

	e.CheckForUpdates(ctx, true)

	timer := time.NewTimer(e.idleBackoff)
	defer timer.Stop()
	for {
		if ctx.Err() != nil {
			log.Info("supervisor stopped")
			return nil
		}
		task, ok := e.store.Pop()
		if ok {
			e.metrics.SetQueueDepth(e.store.QueueLen())
			e.runTask(ctx, task)
			continue
		}
		if e.reconcileDue.Swap(false) {
			if err := e.Reconcile(ctx); err != nil {
				log.Error("reconcile failed", logging.KeyError, err)
			}
			e.broadcastState()
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(e.idleBackoff)
		select {
		case <-ctx.Done():
		case <-e.wake:
		case <-timer.C:
		}
	}
}

func (e *Engine) runTask(ctx context.Context, task api.Task) {
	ctx = withContext(ctx, logging.KeyTaskType, task.Type)
	start := time.Now()
	var err error
	switch task.Type {
	case api.TaskInstallCompatibilityTool:
		if task.Install == nil {
			e.notify(msgBadTask)
			return
		}
		err = e.Install(ctx, *task.Install)
	case api.TaskUninstallCompatibilityTool:
		if task.Uninstall == nil {
			e.notify(msgBadTask)
			return
		}
		err = e.Uninstall(ctx, *task.Uninstall)
	case api.TaskCheckForFlavorUpdates:
		e.CheckForUpdates(ctx, true)
	default:
		logging.FromContext(ctx).Warn("unexpected queued task")
		return
	}
	logger := logging.FromContext(ctx)
	switch {
	case err == nil:
		logger.Debug("task finished", logging.KeyDurationMs, time.Since(start).Milliseconds())
	case errors.Is(err, context.Canceled):
		logger.Info("task cancelled")
	default:
		logger.Warn("task failed", logging.KeyError, err)
	}
}

// CheckForUpdates refreshes every flavor's catalog, records the newest
// successful check time and reconciles. The updater state is Checking for
// the duration and every transition is broadcast.
func (e *Engine) CheckForUpdates(ctx context.Context, force bool) {
	e.store.Update(func(s *state.State) { s.UpdaterState = api.UpdaterChecking })
	e.broadcastState()

	sources := flavor.All()
	catalogs := make([]api.FlavorCatalog, 0, len(sources))
	var checked time.Time
	for _, src := range sources {
		res := e.catalog.Get(ctx, src, force)
		releases := res.Releases
		if releases == nil {
			releases = []api.Release{}
		}
		catalogs = append(catalogs, api.FlavorCatalog{Flavor: src.Flavor, Releases: releases})
		if res.CheckedAt.After(checked) {
			checked = res.CheckedAt
		}
	}

	e.store.Update(func(s *state.State) {
		s.Catalogs = catalogs
		if !checked.IsZero() {
			ts := uint64(checked.Unix())
			s.LastCheck = &ts
		}
	})
	if err := e.Reconcile(ctx); err != nil {
		log.Error("reconcile failed", logging.KeyError, err)
	}
	e.store.Update(func(s *state.State) { s.UpdaterState = api.UpdaterIdle })
	e.broadcastState()
}
