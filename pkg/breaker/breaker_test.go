// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"errors"
	"testing"
	"time"
)

var errBackend = errors.New("backend failure")

func failing() error { return errBackend }
func succeeding() error { return nil }

func TestOpensAfterMaxFailures(t *testing.T) {
	cb := New(Config{MaxFailures: 3, ResetTimeout: time.Minute, SuccessThreshold: 1})

	for i := 0; i < 3; i++ {
		if err := cb.Call(failing); !errors.Is(err, errBackend) {
			t.Fatalf("call %d err = %v, want backend error", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want Open", cb.State())
	}

	if err := cb.Call(succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("open-circuit err = %v, want ErrCircuitOpen", err)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{MaxFailures: 3, ResetTimeout: time.Minute, SuccessThreshold: 1})

	cb.Call(failing)
	cb.Call(failing)
	cb.Call(succeeding)
	cb.Call(failing)
	cb.Call(failing)

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want Closed (success must reset the count)", cb.State())
	}
}

func TestHalfOpenRecovery(t *testing.T) {
	cb := New(Config{MaxFailures: 1, ResetTimeout: 20 * time.Millisecond, SuccessThreshold: 2})

	cb.Call(failing)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want Open", cb.State())
	}

	time.Sleep(40 * time.Millisecond)

	// First probe moves Open to HalfOpen and succeeds.
	if err := cb.Call(succeeding); err != nil {
		t.Fatalf("probe call: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want HalfOpen after one success", cb.State())
	}

	if err := cb.Call(succeeding); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want Closed after success threshold", cb.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := New(Config{MaxFailures: 1, ResetTimeout: 20 * time.Millisecond, SuccessThreshold: 2})

	cb.Call(failing)
	time.Sleep(40 * time.Millisecond)

	if err := cb.Call(failing); !errors.Is(err, errBackend) {
		t.Fatalf("probe err = %v, want backend error", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want Open after half-open failure", cb.State())
	}
}

func TestStateChangeCallback(t *testing.T) {
	cb := New(Config{MaxFailures: 1, ResetTimeout: time.Minute, SuccessThreshold: 1})

	transitions := make(chan [2]State, 4)
	cb.OnStateChange(func(from, to State) {
		transitions <- [2]State{from, to}
	})

	cb.Call(failing)

	select {
	case tr := <-transitions:
		if tr[0] != StateClosed || tr[1] != StateOpen {
			t.Fatalf("transition = %v -> %v, want Closed -> Open", tr[0], tr[1])
		}
	case <-time.After(time.Second):
		t.Fatal("state change callback never fired")
	}
}
