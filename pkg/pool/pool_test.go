// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

// pipeDialer hands out one side of a fresh pipe per dial, counting dials.
type pipeDialer struct {
	dials atomic.Int64
}

func (d *pipeDialer) dial(ctx context.Context) (net.Conn, error) {
	d.dials.Add(1)
	client, server := net.Pipe()
	go func() {
		// Keep the peer alive so pooled connections stay usable.
		buf := make([]byte, 64)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()
	return client, nil
}

func TestGetDialsAndReleaseReuses(t *testing.T) {
	d := &pipeDialer{}
	p := New(d.dial, Config{MaxIdle: 2, MaxActive: 2})
	defer p.Close()

	conn, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := conn.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	again, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	defer again.Release()

	if got := d.dials.Load(); got != 1 {
		t.Fatalf("dials = %d, want 1 (released conn must be reused)", got)
	}
}

func TestDiscardForcesRedial(t *testing.T) {
	d := &pipeDialer{}
	p := New(d.dial, Config{MaxIdle: 2, MaxActive: 2})
	defer p.Close()

	conn, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	conn.Discard()

	again, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("get after discard: %v", err)
	}
	defer again.Release()

	if got := d.dials.Load(); got != 2 {
		t.Fatalf("dials = %d, want 2 (discarded conn must not be reused)", got)
	}
}

func TestMaxActiveExhaustion(t *testing.T) {
	d := &pipeDialer{}
	p := New(d.dial, Config{MaxIdle: 1, MaxActive: 1})
	defer p.Close()

	conn, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if _, err := p.Get(context.Background()); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("exhausted err = %v, want ErrPoolExhausted", err)
	}

	conn.Release()
	again, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("get after release: %v", err)
	}
	again.Release()
}

func TestWaitTimeoutUnblocksOnRelease(t *testing.T) {
	d := &pipeDialer{}
	p := New(d.dial, Config{MaxIdle: 1, MaxActive: 1, WaitTimeout: 2 * time.Second})
	defer p.Close()

	conn, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	got := make(chan error, 1)
	go func() {
		c, err := p.Get(context.Background())
		if err == nil {
			c.Release()
		}
		got <- err
	}()

	time.Sleep(20 * time.Millisecond)
	conn.Release()

	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("waiting Get = %v, want nil after release", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiting Get never unblocked")
	}
}

func TestIdleTimeoutInvalidatesConn(t *testing.T) {
	d := &pipeDialer{}
	p := New(d.dial, Config{MaxIdle: 2, MaxActive: 2, IdleTimeout: 20 * time.Millisecond})
	defer p.Close()

	conn, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	conn.Release()

	time.Sleep(50 * time.Millisecond)

	again, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("get after idle window: %v", err)
	}
	again.Release()

	if got := d.dials.Load(); got != 2 {
		t.Fatalf("dials = %d, want 2 (stale idle conn must be replaced)", got)
	}
}

func TestGetAfterClose(t *testing.T) {
	d := &pipeDialer{}
	p := New(d.dial, Config{MaxIdle: 1})
	p.Close()

	if _, err := p.Get(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("get after close = %v, want ErrPoolClosed", err)
	}
}
