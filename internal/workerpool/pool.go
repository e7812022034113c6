// Package workerpool runs blocking work such as archive extraction on a
// fixed set of goroutines, away from the session handlers and the
// supervisor loop.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/decky-wine-cellar/wine-cask/internal/logging"
)

var log = logging.L("workerpool")

var (
	ErrStopped   = errors.New("worker pool stopped")
	ErrQueueFull = errors.New("worker pool queue full")
)

type job struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// Pool is a bounded goroutine pool with a fixed-size queue.
type Pool struct {
	name      string
	jobs      chan job
	mu        sync.RWMutex
	stop      bool
	closeOnce sync.Once

	// inflight counts accepted jobs that have not finished.
	inflight sync.WaitGroup
}

// New starts a pool with the given number of workers and queue slots.
func New(name string, workers, queueSize int) *Pool {
	workers = max(workers, 1)
	queueSize = max(queueSize, 1)

	p := &Pool{name: name, jobs: make(chan job, queueSize)}
	for range workers {
		go p.work()
	}
	log.Debug("worker pool started", "pool", name, "workers", workers, "queueSize", queueSize)
	return p
}

// Do runs fn on a worker and waits for its result. A full queue or stopped
// pool fails immediately. If ctx ends first Do returns ctx.Err(); fn sees
// its context cancelled and its result is discarded. A panic in fn comes
// back as an error.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	j := job{ctx: taskCtx, fn: fn, done: make(chan error, 1)}
	if err := p.enqueue(j); err != nil {
		return err
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) enqueue(j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stop {
		return ErrStopped
	}
	p.inflight.Add(1)
	select {
	case p.jobs <- j:
		return nil
	default:
		p.inflight.Done()
		log.Warn("worker pool queue full, task rejected", "pool", p.name)
		return ErrQueueFull
	}
}

// Shutdown rejects new work and waits for accepted jobs, bounded by ctx.
// Workers exit once the queue is drained.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.stop = true
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		log.Debug("worker pool drained", "pool", p.name)
	case <-ctx.Done():
		log.Warn("worker pool drain timed out", "pool", p.name)
	}
	p.closeOnce.Do(func() { close(p.jobs) })
}

func (p *Pool) work() {
	for j := range p.jobs {
		j.done <- p.run(j)
		p.inflight.Done()
	}
}

func (p *Pool) run(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "pool", p.name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	if err := j.ctx.Err(); err != nil {
		return err
	}
	return j.fn(j.ctx)
}
