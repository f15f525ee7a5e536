// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

// Package pool provides connection pooling for user-module backend connections.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

var (
	// ErrPoolClosed is returned when the pool is closed.
	ErrPoolClosed = errors.New("connection pool is closed")
	// ErrPoolExhausted is returned when no connections are available.
	ErrPoolExhausted = errors.New("connection pool exhausted")
)

// Config holds connection pool configuration.
type Config struct {
	// MaxIdle is the maximum number of idle connections in the pool.
	MaxIdle int
	// MaxActive is the maximum number of active connections.
	// If 0, there is no limit.
	MaxActive int
	// IdleTimeout is the maximum time a connection can sit idle before being closed.
	IdleTimeout time.Duration
	// MaxConnLifetime is the maximum time a connection can be alive.
	MaxConnLifetime time.Duration
	// DialTimeout is the timeout for establishing new connections.
	DialTimeout time.Duration
	// WaitTimeout is the maximum time to wait for a connection when pool is exhausted.
	// If 0, returns error immediately.
	WaitTimeout time.Duration
}

// BackendConn wraps a net.Conn to the user-module backend with pool metadata.
type BackendConn struct {
	net.Conn
	createdAt  time.Time
	returnedAt time.Time
	pool       *Pool
}

// Release returns the connection to the pool for reuse.
func (c *BackendConn) Release() error {
	return c.pool.put(c, false)
}

// Discard drops the connection from the pool and closes it. Used after a
// protocol error leaves the connection in an unknown state.
func (c *BackendConn) Discard() error {
	return c.pool.put(c, true)
}

// DialFunc is a function that creates a new backend connection.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Pool is a bounded backend connection pool.
type Pool struct {
	mu       sync.Mutex
	idle     []*BackendConn
	active   int
	dialFunc DialFunc
	config   Config
	closed   bool
	waitChan chan struct{}
	done     chan struct{}
}

// New creates a new connection pool.
func New(dialFunc DialFunc, config Config) *Pool {
	if config.MaxIdle <= 0 {
		config.MaxIdle = 10
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = 5 * time.Minute
	}
	if config.MaxConnLifetime == 0 {
		config.MaxConnLifetime = 30 * time.Minute
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 10 * time.Second
	}

	p := &Pool{
		dialFunc: dialFunc,
		config:   config,
		waitChan: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	go p.cleanIdleConnections()

	return p
}

// Get retrieves a connection from the pool or dials a new one.
func (p *Pool) Get(ctx context.Context) (*BackendConn, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	// Prefer the most recently returned idle connection.
	for len(p.idle) > 0 {
		conn := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]

		if p.isValid(conn, time.Now()) {
			p.active++
			p.mu.Unlock()
			return conn, nil
		}

		conn.Conn.Close()
	}

	if p.config.MaxActive > 0 && p.active >= p.config.MaxActive {
		p.mu.Unlock()

		if p.config.WaitTimeout > 0 {
			timer := time.NewTimer(p.config.WaitTimeout)
			defer timer.Stop()

			select {
			case <-p.waitChan:
				return p.Get(ctx)
			case <-timer.C:
				return nil, ErrPoolExhausted
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		return nil, ErrPoolExhausted
	}

	p.active++
	p.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, p.config.DialTimeout)
	defer cancel()

	rawConn, err := p.dialFunc(dialCtx)
	if err != nil {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		return nil, fmt.Errorf("failed to dial backend: %w", err)
	}

	return &BackendConn{
		Conn:      rawConn,
		createdAt: time.Now(),
		pool:      p,
	}, nil
}

// put returns a connection to the pool, or closes it when broken is set.
func (p *Pool) put(conn *BackendConn, broken bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.active--

	if broken || p.closed || !p.isValid(conn, time.Now()) {
		return conn.Conn.Close()
	}

	if len(p.idle) >= p.config.MaxIdle {
		return conn.Conn.Close()
	}

	conn.returnedAt = time.Now()
	p.idle = append(p.idle, conn)

	// Notify waiting goroutines
	select {
	case p.waitChan <- struct{}{}:
	default:
	}

	return nil
}

// isValid checks lifetime and idle bounds.
func (p *Pool) isValid(conn *BackendConn, now time.Time) bool {
	if p.config.MaxConnLifetime > 0 && now.Sub(conn.createdAt) > p.config.MaxConnLifetime {
		return false
	}
	if p.config.IdleTimeout > 0 && !conn.returnedAt.IsZero() && now.Sub(conn.returnedAt) > p.config.IdleTimeout {
		return false
	}
	return true
}

// cleanIdleConnections periodically closes idle connections that have exceeded IdleTimeout.
func (p *Pool) cleanIdleConnections() {
	ticker := time.NewTicker(p.config.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}

		var kept []*BackendConn
		now := time.Now()

		for _, conn := range p.idle {
			if p.isValid(conn, now) {
				kept = append(kept, conn)
			} else {
				conn.Conn.Close()
			}
		}

		p.idle = kept
		p.mu.Unlock()
	}
}

// Close closes the pool and all idle connections.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	close(p.done)

	for _, conn := range p.idle {
		conn.Conn.Close()
	}
	p.idle = nil

	return nil
}

// Stats returns pool statistics.
func (p *Pool) Stats() (idle, active int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), p.active
}
