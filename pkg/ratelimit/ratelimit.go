// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles connection attempts per peer address using a
// token bucket per peer.
package ratelimit

import (
	"sync"
	"time"

	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/errors"
)

// bucket is a token bucket refilled lazily on access.
type bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastSeen   time.Time
}

func newBucket(capacity, refillRate float64) *bucket {
	now := time.Now()
	return &bucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: now,
		lastSeen:   now,
	}
}

func (b *bucket) take(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
	b.lastSeen = now

	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

func (b *bucket) seen() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeen
}

// Limiter tracks a token bucket per peer. Peers idle longer than the stale
// window are evicted periodically.
type Limiter struct {
	mu         sync.RWMutex
	peers      map[string]*bucket
	capacity   float64
	refillRate float64
	maxPeers   int
	staleAfter time.Duration
	done       chan struct{}
	closeOnce  sync.Once
}

// NewLimiter returns a limiter allowing burst connections immediately and
// refillRate connections per second sustained, per peer. maxPeers bounds the
// tracking table; once full, unknown peers are refused.
func NewLimiter(burst int64, refillRate float64, maxPeers int) *Limiter {
	if maxPeers <= 0 {
		maxPeers = 10000
	}
	l := &Limiter{
		peers:      make(map[string]*bucket),
		capacity:   float64(burst),
		refillRate: refillRate,
		maxPeers:   maxPeers,
		staleAfter: 10 * time.Minute,
		done:       make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether the peer may open another connection. A nil error
// means yes; errors.ErrRateLimited means the peer is throttled or the
// tracking table is full.
func (l *Limiter) Allow(peer string) error {
	l.mu.RLock()
	b, ok := l.peers[peer]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		b, ok = l.peers[peer]
		if !ok {
			if len(l.peers) >= l.maxPeers {
				l.mu.Unlock()
				return errors.ErrRateLimited
			}
			b = newBucket(l.capacity, l.refillRate)
			l.peers[peer] = b
		}
		l.mu.Unlock()
	}

	if !b.take(1) {
		return errors.ErrRateLimited
	}
	return nil
}

// Peers returns the number of tracked peers.
func (l *Limiter) Peers() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.peers)
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-l.staleAfter)
			l.mu.Lock()
			for peer, b := range l.peers {
				if b.seen().Before(cutoff) {
					delete(l.peers, peer)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Close stops the background cleanup.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}
