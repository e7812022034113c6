// Package state owns the service's shared AppState behind a single mutex.
//
// Every mutation goes through Update or one of the queue/job helpers. Readers
// take a Snapshot, which copies everything it returns, so callers can
// serialize it after the lock is released. Releases are treated as immutable
// once fetched and may be shared between snapshots.
package state

import (
	"slices"
	"sync"

	"github.com/decky-wine-cellar/wine-cask/pkg/api"
)

// State is the full in-memory model. Registry and Catalogs never leave the
// process.
type State struct {
	Queue            []api.Task
	InProgress       *api.QueueCompatibilityTool
	Installed        []api.SteamCompatibilityTool
	AvailableFlavors []api.FlavorCatalog
	UpdaterState     api.UpdaterState
	LastCheck        *uint64

	// Registry is the host's reported tool list; nil until a UI reports it.
	Registry []api.SteamClientCompatToolInfo
	// Catalogs holds every known release per flavor.
	Catalogs []api.FlavorCatalog
}

type Store struct {
	mu sync.Mutex
	s  State
}

func New() *Store {
	return &Store{s: State{UpdaterState: api.UpdaterIdle}}
}

// Update runs fn with the lock held. fn must not block.
func (st *Store) Update(fn func(*State)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(&st.s)
}

// Snapshot returns a copy of the serializable part of the state.
func (st *Store) Snapshot() *api.AppState {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := &api.AppState{
		AvailableFlavors:            cloneCatalogs(st.s.AvailableFlavors),
		InstalledCompatibilityTools: cloneTools(st.s.Installed),
		TaskQueue:                   slices.Clone(st.s.Queue),
		UpdaterState:                st.s.UpdaterState,
	}
	if out.TaskQueue == nil {
		out.TaskQueue = []api.Task{}
	}
	if st.s.InProgress != nil {
		job := *st.s.InProgress
		out.InProgress = &job
	}
	if st.s.LastCheck != nil {
		v := *st.s.LastCheck
		out.UpdaterLastCheck = &v
	}
	return out
}

// Installed returns a copy of the installed tools.
func (st *Store) Installed() []api.SteamCompatibilityTool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return cloneTools(st.s.Installed)
}

// Registry returns the host registry and whether one has been reported.
func (st *Store) Registry() ([]api.SteamClientCompatToolInfo, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.s.Registry == nil {
		return nil, false
	}
	return slices.Clone(st.s.Registry), true
}

// Catalogs returns a copy of the per-flavor release lists.
func (st *Store) Catalogs() []api.FlavorCatalog {
	st.mu.Lock()
	defer st.mu.Unlock()
	return cloneCatalogs(st.s.Catalogs)
}

// Push appends a task to the queue and returns the new depth.
func (st *Store) Push(t api.Task) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.Queue = append(st.s.Queue, t)
	return len(st.s.Queue)
}

// Pop removes and returns the oldest task.
func (st *Store) Pop() (api.Task, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.s.Queue) == 0 {
		return api.Task{}, false
	}
	t := st.s.Queue[0]
	st.s.Queue = slices.Delete(st.s.Queue, 0, 1)
	return t, true
}

// RemoveFirst deletes the first queued task matching pred.
func (st *Store) RemoveFirst(pred func(api.Task) bool) (api.Task, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	i := slices.IndexFunc(st.s.Queue, pred)
	if i < 0 {
		return api.Task{}, false
	}
	t := st.s.Queue[i]
	st.s.Queue = slices.Delete(st.s.Queue, i, i+1)
	return t, true
}

func (st *Store) QueueLen() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.s.Queue)
}

// Job returns a copy of the in-progress install, if any.
func (st *Store) Job() (api.QueueCompatibilityTool, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.s.InProgress == nil {
		return api.QueueCompatibilityTool{}, false
	}
	return *st.s.InProgress, true
}

// SetJob installs job as the in-progress install.
func (st *Store) SetJob(job api.QueueCompatibilityTool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.InProgress = &job
}

// ClearJob removes the in-progress install.
func (st *Store) ClearJob() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.InProgress = nil
}

// MarkCancelling flags the in-progress install for cancellation. It reports
// false when nothing is in progress.
func (st *Store) MarkCancelling() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.s.InProgress == nil {
		return false
	}
	st.s.InProgress.State = api.JobCancelling
	return true
}

func cloneTools(in []api.SteamCompatibilityTool) []api.SteamCompatibilityTool {
	out := make([]api.SteamCompatibilityTool, len(in))
	for i, t := range in {
		t.UsedByGames = slices.Clone(t.UsedByGames)
		if t.UsedByGames == nil {
			t.UsedByGames = []string{}
		}
		out[i] = t
	}
	return out
}

func cloneCatalogs(in []api.FlavorCatalog) []api.FlavorCatalog {
	out := make([]api.FlavorCatalog, len(in))
	for i, c := range in {
		c.Releases = slices.Clone(c.Releases)
		if c.Releases == nil {
			c.Releases = []api.Release{}
		}
		out[i] = c
	}
	return out
}
