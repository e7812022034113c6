// Package watcher notices tools added to or removed from the compat tools
// directory behind the service's back.
package watcher

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/decky-wine-cellar/wine-cask/internal/health"
	"github.com/decky-wine-cellar/wine-cask/internal/logging"
)

var log = logging.L("watcher")

// DefaultDebounce coalesces a burst of events into one callback.
const DefaultDebounce = time.Second

type Options struct {
	Dir      string
	Debounce time.Duration
	// OnChange runs on the watcher goroutine once a burst settles.
	OnChange func()
	Health   *health.Monitor
}

// Watcher watches the immediate children of one directory.
type Watcher struct {
	dir      string
	debounce time.Duration
	onChange func()
	health   *health.Monitor
	fsw      *fsnotify.Watcher
}

func New(opts Options) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(opts.Dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", opts.Dir, err)
	}
	w := &Watcher{
		dir:      opts.Dir,
		debounce: opts.Debounce,
		onChange: opts.OnChange,
		health:   opts.Health,
		fsw:      fsw,
	}
	if w.debounce <= 0 {
		w.debounce = DefaultDebounce
	}
	if w.onChange == nil {
		w.onChange = func() {}
	}
	if w.health == nil {
		w.health = health.NewMonitor()
	}
	return w, nil
}

// Run delivers debounced change callbacks until ctx is done, then closes the
// underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	log.Info("watching compat tools dir", "path", w.dir)
	w.health.Update(health.ComponentWatcher, health.Healthy, "")

	timer := time.NewTimer(w.debounce)
	stop(timer)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				w.health.Update(health.ComponentWatcher, health.Unhealthy, "event channel closed")
				return nil
			}
			if !relevant(event) {
				continue
			}
			log.Debug("compat tools dir changed", "path", event.Name, "op", event.Op.String())
			stop(timer)
			timer.Reset(w.debounce)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch error", logging.KeyError, err)
			w.health.Update(health.ComponentWatcher, health.Degraded, err.Error())
		case <-timer.C:
			w.onChange()
		}
	}
}

// stop disarms t and drains a fire that was not received.
func stop(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func relevant(event fsnotify.Event) bool {
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Write)
}
