// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

// Package health exposes liveness and readiness probes over HTTP. Individual
// checks are registered by the composition root; results are cached briefly
// so probe scrapes do not hammer downstream dependencies.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status classifies an individual check or the aggregate.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is one evaluated probe result.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// CheckFunc evaluates one dependency. A nil error is healthy.
type CheckFunc func(ctx context.Context) error

// Checker aggregates registered checks with per-check result caching.
type Checker struct {
	mu     sync.Mutex
	checks map[string]CheckFunc
	cache  map[string]*Check
	ttl    time.Duration
}

// NewChecker builds a checker whose results stay cached for ttl.
func NewChecker(ttl time.Duration) *Checker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Checker{
		checks: make(map[string]CheckFunc),
		cache:  make(map[string]*Check),
		ttl:    ttl,
	}
}

// Register adds a named check. Re-registering a name replaces the check and
// drops its cached result.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
	delete(c.cache, name)
}

// Evaluate runs every check (or serves its cached result) and returns the
// aggregate status plus per-check detail in name order.
func (c *Checker) Evaluate(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	overall := StatusHealthy
	results := make([]Check, 0, len(names))

	for _, name := range names {
		if cached, ok := c.cache[name]; ok && time.Since(cached.LastChecked) < c.ttl {
			results = append(results, *cached)
			if cached.Status != StatusHealthy {
				overall = StatusDegraded
			}
			continue
		}

		start := time.Now()
		err := c.checks[name](ctx)

		result := &Check{
			Name:        name,
			Status:      StatusHealthy,
			LastChecked: time.Now(),
			Duration:    time.Since(start),
		}
		if err != nil {
			result.Status = StatusUnhealthy
			result.Message = err.Error()
			overall = StatusDegraded
		}

		c.cache[name] = result
		results = append(results, *result)
	}

	return overall, results
}

type probeResponse struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks,omitempty"`
}

// Handler serves the full health report. Degraded still answers 200 so load
// balancers keep routing while one dependency wobbles.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Evaluate(ctx)

		w.Header().Set("Content-Type", "application/json")
		if status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(probeResponse{Status: status, Checks: checks})
	}
}

// ReadinessHandler answers 503 on any non-healthy aggregate; use for probes
// that gate traffic admission.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Evaluate(ctx)

		w.Header().Set("Content-Type", "application/json")
		if status != StatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(probeResponse{Status: status, Checks: checks})
	}
}

// LivenessHandler reports that the process is responsive at all.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(probeResponse{Status: StatusHealthy})
	}
}
