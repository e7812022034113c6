package cask

import (
	"context"

	"github.com/decky-wine-cellar/wine-cask/internal/logging"
	"github.com/decky-wine-cellar/wine-cask/internal/metrics"
	"github.com/decky-wine-cellar/wine-cask/pkg/api"
)

const (
	msgBadTask          = "Error: Something went wrong with the task request"
	msgCancelledQueued  = "Cancelled: Compatibility tool installation removed from queue"
	msgCancellingActive = "Cancelling: Compatibility tool installation in progress"
	msgCancelNotFound   = "Not Found: Compatibility tool not found in queue"
)

// HandleMessage applies one inbound session message. Requests are never
// answered directly; every effect reaches sessions through the broadcaster.
func (e *Engine) HandleMessage(ctx context.Context, msg api.Message) {
	switch msg.Type {
	case api.MessageRequestState:
		e.ReportRegistry(ctx, msg.AvailableCompatTools)
	case api.MessageTask:
		if msg.Task == nil {
			e.notify(msgBadTask)
			return
		}
		e.handleTask(ctx, *msg.Task)
	default:
		logging.FromContext(ctx).Debug("ignoring message", "type", msg.Type)
	}
}

func (e *Engine) handleTask(ctx context.Context, task api.Task) {
	switch task.Type {
	case api.TaskInstallCompatibilityTool:
		if task.Install == nil {
			e.notify(msgBadTask)
			return
		}
		e.Enqueue(task)
	case api.TaskCancelCompatibilityToolInstall:
		if task.Install == nil {
			e.notify(msgBadTask)
			return
		}
		e.Cancel(ctx, *task.Install)
	case api.TaskUninstallCompatibilityTool:
		if task.Uninstall == nil {
			e.notify(msgBadTask)
			return
		}
		e.Enqueue(task)
	case api.TaskCheckForFlavorUpdates:
		e.Enqueue(task)
	default:
		logging.FromContext(ctx).Warn("unknown task type", logging.KeyTaskType, task.Type)
		e.notify(msgBadTask)
	}
}

// Enqueue appends a task, broadcasts the new queue and wakes the supervisor.
func (e *Engine) Enqueue(task api.Task) {
	depth := e.store.Push(task)
	e.metrics.SetQueueDepth(depth)
	log.Info("task queued", logging.KeyTaskType, task.Type, "depth", depth)
	e.broadcastState()
	e.signal()
}

// Cancel removes the first queued install of the same release. Failing that
// it flags the running install for cancellation; the download loop observes
// the flag at its next chunk.
func (e *Engine) Cancel(ctx context.Context, req api.Install) {
	_, removed := e.store.RemoveFirst(func(t api.Task) bool {
		return t.Install != nil && t.Install.Release.URL == req.Release.URL
	})
	if removed {
		e.metrics.SetQueueDepth(e.store.QueueLen())
		e.metrics.IncInstall(string(req.Flavor), metrics.ResultCancelled)
		e.broadcastState()
		e.notify(msgCancelledQueued)
		return
	}
	if e.store.MarkCancelling() {
		logging.FromContext(ctx).Info("cancelling install in progress", logging.KeyRelease, req.Release.TagName)
		e.notify(msgCancellingActive)
		return
	}
	e.notify(msgCancelNotFound)
}
