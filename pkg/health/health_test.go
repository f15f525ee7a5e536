// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestEvaluateAggregates(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("good", func(ctx context.Context) error { return nil })
	c.Register("bad", func(ctx context.Context) error { return errors.New("down") })

	status, checks := c.Evaluate(context.Background())
	if status != StatusDegraded {
		t.Fatalf("status = %v, want degraded", status)
	}
	if len(checks) != 2 {
		t.Fatalf("got %d checks, want 2", len(checks))
	}
	// Name order is deterministic.
	if checks[0].Name != "bad" || checks[1].Name != "good" {
		t.Fatalf("check order = %s, %s", checks[0].Name, checks[1].Name)
	}
	if checks[0].Status != StatusUnhealthy || checks[0].Message != "down" {
		t.Fatalf("bad check = %+v", checks[0])
	}
}

func TestResultsAreCached(t *testing.T) {
	var runs atomic.Int64
	c := NewChecker(time.Minute)
	c.Register("counted", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	c.Evaluate(context.Background())
	c.Evaluate(context.Background())

	if got := runs.Load(); got != 1 {
		t.Fatalf("check ran %d times within TTL, want 1", got)
	}
}

func TestCacheExpires(t *testing.T) {
	var runs atomic.Int64
	c := NewChecker(10 * time.Millisecond)
	c.Register("counted", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	c.Evaluate(context.Background())
	time.Sleep(30 * time.Millisecond)
	c.Evaluate(context.Background())

	if got := runs.Load(); got != 2 {
		t.Fatalf("check ran %d times across TTL windows, want 2", got)
	}
}

func TestHandlerDegradedStillAnswers200(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("bad", func(ctx context.Context) error { return errors.New("down") })

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != 200 {
		t.Fatalf("health status code = %d, want 200 for degraded", rec.Code)
	}

	var body struct {
		Status Status  `json:"status"`
		Checks []Check `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != StatusDegraded || len(body.Checks) != 1 {
		t.Fatalf("body = %+v", body)
	}
}

func TestReadinessRejectsDegraded(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("bad", func(ctx context.Context) error { return errors.New("down") })

	rec := httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest("GET", "/ready", nil))

	if rec.Code != 503 {
		t.Fatalf("readiness status code = %d, want 503", rec.Code)
	}
}

func TestLiveness(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest("GET", "/live", nil))
	if rec.Code != 200 {
		t.Fatalf("liveness status code = %d, want 200", rec.Code)
	}
}
