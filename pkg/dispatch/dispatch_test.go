// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	gwerrors "github.com/wayfinder/Wayfinder-Server-sub016/pkg/errors"
)

type funcTask func(ctx context.Context, lightweight bool)

func (f funcTask) Execute(ctx context.Context, lightweight bool) { f(ctx, lightweight) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// singleWorkerGroup returns a group with exactly one worker plus a task that
// is already executing and blocks until release is closed.
func singleWorkerGroup(t *testing.T, fullFactor, overFactor float64) (*Group, chan struct{}) {
	t.Helper()

	g := New(Config{
		MinWorkers:          1,
		MaxWorkers:          1,
		QueueFullFactor:     fullFactor,
		QueueOverFullFactor: overFactor,
		Logger:              testLogger(),
	})
	t.Cleanup(func() { g.Close() })

	started := make(chan struct{})
	release := make(chan struct{})
	if err := g.Submit(funcTask(func(context.Context, bool) {
		close(started)
		<-release
	})); err != nil {
		t.Fatalf("submit blocker: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("blocking task never started")
	}
	return g, release
}

func TestSubmitOverloadThreshold(t *testing.T) {
	// full = 2x1 = 2, overFull = 2x2 = 4.
	g, release := singleWorkerGroup(t, 2, 2)

	var mu sync.Mutex
	var lightweights []bool

	for i := 0; i < 4; i++ {
		err := g.Submit(funcTask(func(_ context.Context, lw bool) {
			mu.Lock()
			lightweights = append(lightweights, lw)
			mu.Unlock()
		}))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	// Queue depth is now 4, at the over-full threshold.
	err := g.Submit(funcTask(func(context.Context, bool) {}))
	if !errors.Is(err, gwerrors.ErrOverloaded) {
		t.Fatalf("submit over threshold = %v, want ErrOverloaded", err)
	}

	close(release)

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(lightweights)
		mu.Unlock()
		if n == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of 4 tasks ran", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Submissions 1 and 2 were below the full threshold; 3 and 4 above it.
	mu.Lock()
	defer mu.Unlock()
	want := []bool{false, false, true, true}
	for i, lw := range lightweights {
		if lw != want[i] {
			t.Fatalf("lightweight flags = %v, want %v", lightweights, want)
		}
	}
}

func TestTasksRunInSubmissionOrder(t *testing.T) {
	g, release := singleWorkerGroup(t, 100, 100)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	const n = 10
	for i := 0; i < n; i++ {
		i := i
		if err := g.Submit(funcTask(func(context.Context, bool) {
			mu.Lock()
			order = append(order, i)
			if len(order) == n {
				close(done)
			}
			mu.Unlock()
		})); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks did not complete")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("execution order = %v, want ascending", order)
		}
	}
}

func TestWorkerGrowth(t *testing.T) {
	g := New(Config{
		MinWorkers: 1,
		MaxWorkers: 4,
		Logger:     testLogger(),
	})
	defer g.Close()

	release := make(chan struct{})
	// Submitting each task only after the previous one is running forces a
	// spawn per submission: every live worker is provably busy.
	for i := 0; i < 3; i++ {
		started := make(chan struct{})
		if err := g.Submit(funcTask(func(context.Context, bool) {
			close(started)
			<-release
		})); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatalf("task %d never started", i)
		}
	}

	workers, _ := g.Stats()
	if workers < 3 {
		t.Fatalf("workers = %d, want at least 3", workers)
	}
	close(release)
}

func TestPanicDoesNotKillPool(t *testing.T) {
	g := New(Config{
		MinWorkers: 1,
		MaxWorkers: 1,
		Logger:     testLogger(),
	})
	defer g.Close()

	if err := g.Submit(funcTask(func(context.Context, bool) {
		panic("request handler bug")
	})); err != nil {
		t.Fatalf("submit panicking task: %v", err)
	}

	ran := make(chan struct{})
	if err := g.Submit(funcTask(func(context.Context, bool) {
		close(ran)
	})); err != nil {
		t.Fatalf("submit follow-up: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("pool dead after panic")
	}
}

func TestCloseWaitsForRunningTask(t *testing.T) {
	g := New(Config{
		MinWorkers: 1,
		MaxWorkers: 1,
		Logger:     testLogger(),
	})

	started := make(chan struct{})
	finished := make(chan struct{})
	if err := g.Submit(funcTask(func(context.Context, bool) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		close(finished)
	})); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started

	if err := g.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-finished:
	default:
		t.Fatal("Close returned before the running task finished")
	}

	if err := g.Submit(funcTask(func(context.Context, bool) {})); !errors.Is(err, gwerrors.ErrConnectionClosed) {
		t.Fatalf("submit after close = %v, want ErrConnectionClosed", err)
	}
}

func TestIdleWorkersRetire(t *testing.T) {
	g := New(Config{
		MinWorkers:  1,
		MaxWorkers:  4,
		IdleTimeout: 50 * time.Millisecond,
		Logger:      testLogger(),
	})
	defer g.Close()

	release := make(chan struct{})
	for i := 0; i < 4; i++ {
		g.Submit(funcTask(func(context.Context, bool) { <-release }))
	}
	close(release)

	deadline := time.Now().Add(5 * time.Second)
	for {
		workers, _ := g.Stats()
		if workers == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("workers = %d after idle period, want 1", workers)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
