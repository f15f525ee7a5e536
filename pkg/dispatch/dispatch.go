// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

// Package dispatch implements the bounded worker group that processes fully
// read requests. Admission control uses two thresholds derived from the
// current worker count: above "full" the request is admitted but marked for
// the lightest possible handling; above "over-full" it is rejected outright.
// Shedding load early is preferred over unbounded queueing.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eapache/queue"
	gwerrors "github.com/wayfinder/Wayfinder-Server-sub016/pkg/errors"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/metrics"
)

// Task is one unit of work: a fully read request owned by a connection. The
// worker calls Execute exactly once; lightweight requests should skip
// anything optional. Execute must not panic past its own frame — the worker
// recovers and logs, terminating only the offending request.
type Task interface {
	Execute(ctx context.Context, lightweight bool)
}

// workItem wraps a task with admission-control accounting.
type workItem struct {
	task        Task
	enqueuedAt  time.Time
	lightweight bool
}

// Config holds worker group configuration.
type Config struct {
	// MinWorkers is the number of workers kept alive when idle.
	MinWorkers int

	// MaxWorkers bounds lazy worker growth.
	MaxWorkers int

	// QueueFullFactor: full = QueueFullFactor × current workers.
	QueueFullFactor float64

	// QueueOverFullFactor: overFull = full × QueueOverFullFactor.
	QueueOverFullFactor float64

	// IdleTimeout retires workers above MinWorkers after this long without work.
	IdleTimeout time.Duration

	// Logger for worker events.
	Logger *slog.Logger

	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics
}

// Group is a bounded pool of worker goroutines fed from a FIFO queue.
type Group struct {
	cfg     Config
	logger  *slog.Logger
	mu      sync.Mutex
	pending *queue.Queue
	workers int
	idle    int
	closed  bool
	wake    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a worker group. Workers are spawned lazily as work arrives.
func New(cfg Config) *Group {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 2
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers * 8
	}
	if cfg.QueueFullFactor <= 0 {
		cfg.QueueFullFactor = 4
	}
	if cfg.QueueOverFullFactor <= 0 {
		cfg.QueueOverFullFactor = 2
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Group{
		cfg:     cfg,
		logger:  cfg.Logger,
		pending: queue.New(),
		wake:    make(chan struct{}, cfg.MaxWorkers),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < cfg.MinWorkers; i++ {
		g.spawnLocked()
	}

	return g
}

// thresholds computes the admission-control bounds for the current worker
// count. Caller holds g.mu.
func (g *Group) thresholds() (full, overFull int) {
	full = int(g.cfg.QueueFullFactor * float64(g.workers))
	if full < 1 {
		full = 1
	}
	overFull = int(float64(full) * g.cfg.QueueOverFullFactor)
	if overFull <= full {
		overFull = full + 1
	}
	return full, overFull
}

// Submit offers a task to the group. It returns ErrOverloaded when the queue
// is at or above the over-full threshold; the caller then sends a minimal
// server-busy reply and closes the connection without invoking any business
// logic. A task admitted at or above the full threshold is marked lightweight.
func (g *Group) Submit(t Task) error {
	g.mu.Lock()

	if g.closed {
		g.mu.Unlock()
		return gwerrors.ErrConnectionClosed
	}

	depth := g.pending.Length()
	full, overFull := g.thresholds()

	if depth >= overFull {
		g.mu.Unlock()
		if g.cfg.Metrics != nil {
			g.cfg.Metrics.OverloadRejections.Inc()
		}
		return gwerrors.ErrOverloaded
	}

	item := &workItem{
		task:        t,
		enqueuedAt:  time.Now(),
		lightweight: depth >= full,
	}
	g.pending.Add(item)

	if g.idle == 0 && g.workers < g.cfg.MaxWorkers {
		g.spawnLocked()
	}
	g.mu.Unlock()

	if item.lightweight && g.cfg.Metrics != nil {
		g.cfg.Metrics.LightweightRequests.Inc()
	}
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.QueueDepth.Set(float64(depth + 1))
	}

	select {
	case g.wake <- struct{}{}:
	default:
	}

	return nil
}

// spawnLocked starts a new worker. Caller holds g.mu.
func (g *Group) spawnLocked() {
	g.workers++
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.WorkersActive.Set(float64(g.workers))
	}
	g.wg.Add(1)
	go g.worker()
}

// worker drains the queue, retiring after IdleTimeout when above MinWorkers.
func (g *Group) worker() {
	defer g.wg.Done()

	idleTimer := time.NewTimer(g.cfg.IdleTimeout)
	defer idleTimer.Stop()

	for {
		item := g.take()
		if item != nil {
			g.run(item)
			continue
		}

		// Queue empty: wait for work, shutdown, or idle retirement.
		g.mu.Lock()
		g.idle++
		g.mu.Unlock()

		if !idleTimer.Stop() {
			select {
			case <-idleTimer.C:
			default:
			}
		}
		idleTimer.Reset(g.cfg.IdleTimeout)

		select {
		case <-g.ctx.Done():
			g.retire(false)
			return
		case <-g.wake:
			g.mu.Lock()
			g.idle--
			g.mu.Unlock()
		case <-idleTimer.C:
			if g.retire(true) {
				return
			}
		}
	}
}

// take pops the next work item, or nil when the queue is empty.
func (g *Group) take() *workItem {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending.Length() == 0 {
		return nil
	}
	item := g.pending.Remove().(*workItem)
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.QueueDepth.Set(float64(g.pending.Length()))
	}
	return item
}

// retire removes this worker from the pool. When respectMin is set the
// worker stays alive if the pool is already at its minimum.
func (g *Group) retire(respectMin bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if respectMin && g.workers <= g.cfg.MinWorkers {
		g.idle--
		return false
	}

	g.idle--
	g.workers--
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.WorkersActive.Set(float64(g.workers))
	}
	return true
}

// run executes one work item, recovering panics so a programmer error
// terminates only the offending request.
func (g *Group) run(item *workItem) {
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.QueueWait.Observe(time.Since(item.enqueuedAt).Seconds())
	}

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("worker recovered from panic",
				slog.Any("panic", r))
		}
	}()

	item.task.Execute(g.ctx, item.lightweight)
}

// Stats returns the current worker count and queue depth.
func (g *Group) Stats() (workers, queued int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.workers, g.pending.Length()
}

// Close stops accepting work, cancels the worker context, and waits for
// workers to finish their current tasks.
func (g *Group) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	g.cancel()
	g.wg.Wait()
	return nil
}
