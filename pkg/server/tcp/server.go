// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

// Package tcp serves the framed request protocol over raw TCP. A single
// multiplexer goroutine owns every socket and drives the per-connection
// state machines off epoll readiness; decoded requests run on the shared
// dispatch group, and workers hand finished replies back to the multiplexer
// through a wake pipe.
package tcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/auth"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/dispatch"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/frame"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/handler"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/metrics"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/ratelimit"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/session"
)

const transportName = "tcp"

const (
	defaultSTXScanBudget    = 64
	defaultRequestTimeout   = 30 * time.Second
	defaultKeepaliveTimeout = 2 * time.Minute
	defaultDrainTimeout     = 10 * time.Second
	defaultMaxConnections   = 65536
	listenBacklog           = 512
	waitIntervalMsec        = 500
)

// Config carries the listener settings.
type Config struct {
	Address          string
	MaxPayload       uint32
	STXScanBudget    int
	RequestTimeout   time.Duration
	KeepaliveTimeout time.Duration
	DrainTimeout     time.Duration
	MaxConnections   int

	// Optional collaborators.
	Metrics *metrics.Metrics
	Limiter *ratelimit.Limiter
}

func (c *Config) setDefaults() {
	if c.MaxPayload == 0 {
		c.MaxPayload = frame.DefaultMaxPayload
	}
	if c.STXScanBudget <= 0 {
		c.STXScanBudget = defaultSTXScanBudget
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = defaultKeepaliveTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaultMaxConnections
	}
}

// Server multiplexes every client connection on one event loop.
type Server struct {
	config  Config
	logger  *slog.Logger
	auth    *auth.Authenticator
	handler handler.Handler
	workers *dispatch.Group

	listenFD int
	addr     *net.TCPAddr
	poll     *poller

	mu            sync.Mutex
	conns         map[int]*Conn
	pendingWrites []*Conn
	closing       bool
}

// New builds a server. Listen must be called before Serve.
func New(cfg Config, authn *auth.Authenticator, h handler.Handler, workers *dispatch.Group, logger *slog.Logger) *Server {
	cfg.setDefaults()
	return &Server{
		config:   cfg,
		logger:   logger,
		auth:     authn,
		handler:  h,
		workers:  workers,
		listenFD: -1,
		conns:    make(map[int]*Conn),
	}
}

// Listen binds the configured address with a non-blocking listen socket.
func (s *Server) Listen() error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.config.Address, err)
	}

	fd, sa, err := listenSockaddr(tcpAddr)
	if err != nil {
		return err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("setsockopt reuseaddr: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind %s: %w", s.config.Address, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen %s: %w", s.config.Address, err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("getsockname: %w", err)
	}

	s.listenFD = fd
	s.addr = sockaddrToTCP(bound)
	return nil
}

// listenSockaddr creates the listen socket for the address family.
func listenSockaddr(addr *net.TCPAddr) (int, unix.Sockaddr, error) {
	ip := addr.IP
	if ip4 := ip.To4(); ip4 != nil || ip == nil {
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return -1, nil, fmt.Errorf("socket: %w", err)
		}
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if ip4 := ip.To4(); ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return fd, sa, nil
	}

	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, fmt.Errorf("socket: %w", err)
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], ip.To16())
	return fd, sa, nil
}

func sockaddrToTCP(sa unix.Sockaddr) *net.TCPAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	default:
		return nil
	}
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Serve runs the event loop until ctx is cancelled, then drains in-flight
// connections within the drain timeout.
func (s *Server) Serve(ctx context.Context) error {
	if s.listenFD < 0 {
		return fmt.Errorf("serve: not listening")
	}

	poll, err := newPoller()
	if err != nil {
		return err
	}
	s.poll = poll
	defer poll.close()

	if err := poll.add(s.listenFD, true, false); err != nil {
		return err
	}

	// Cancellation interrupts a blocked wait immediately.
	wakeCtx, stopWaker := context.WithCancel(ctx)
	defer stopWaker()
	go func() {
		<-wakeCtx.Done()
		poll.wake()
	}()

	s.logger.Info("tcp server started", slog.String("address", s.addr.String()))

	events := make([]unix.EpollEvent, 128)
	var drainUntil time.Time

	for {
		if ctx.Err() != nil && drainUntil.IsZero() {
			s.beginDrain()
			drainUntil = time.Now().Add(s.config.DrainTimeout)
		}

		if !drainUntil.IsZero() {
			s.mu.Lock()
			remaining := len(s.conns)
			s.mu.Unlock()
			if remaining == 0 || time.Now().After(drainUntil) {
				s.closeAll()
				s.logger.Info("tcp server stopped")
				return nil
			}
		}

		n, err := poll.wait(events, waitIntervalMsec)
		if err != nil {
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			ev := events[i].Events

			switch fd {
			case poll.wakefd:
				poll.drainWake()
				s.flushPendingWrites()
			case s.listenFD:
				s.acceptReady()
			default:
				s.connReady(fd, ev)
			}
		}

		s.sweepDeadlines()
	}
}

// beginDrain stops accepting new connections.
func (s *Server) beginDrain() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.poll.remove(s.listenFD)
	unix.Close(s.listenFD)
	s.listenFD = -1
	s.logger.Info("tcp server draining")
}

// acceptReady drains the accept queue.
func (s *Server) acceptReady() {
	for {
		fd, sa, err := unix.Accept4(s.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				return
			}
			s.logger.Warn("accept failed", slog.String("error", err.Error()))
			return
		}

		remote := sockaddrToTCP(sa)

		if s.config.Limiter != nil {
			if err := s.config.Limiter.Allow(remote.IP.String()); err != nil {
				unix.Close(fd)
				s.logger.Debug("connection rate limited",
					slog.String("remote", remote.String()))
				if m := s.config.Metrics; m != nil {
					m.RateLimitedPeers.WithLabelValues(transportName).Inc()
				}
				continue
			}
		}

		s.mu.Lock()
		atCapacity := len(s.conns) >= s.config.MaxConnections
		s.mu.Unlock()
		if atCapacity {
			unix.Close(fd)
			s.logger.Warn("connection refused, at capacity",
				slog.String("remote", remote.String()))
			if m := s.config.Metrics; m != nil {
				m.ConnectionErrors.WithLabelValues(transportName, "capacity").Inc()
			}
			continue
		}

		unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		sess := session.New(remote)
		conn := newConn(fd, s, sess)

		s.mu.Lock()
		s.conns[fd] = conn
		s.mu.Unlock()

		if err := s.poll.add(fd, true, false); err != nil {
			s.mu.Lock()
			delete(s.conns, fd)
			s.mu.Unlock()
			unix.Close(fd)
			s.logger.Warn("poller registration failed", slog.String("error", err.Error()))
			continue
		}

		s.logger.Debug("connection accepted",
			slog.String("session", sess.ID),
			slog.String("remote", remote.String()))
		if m := s.config.Metrics; m != nil {
			m.ActiveConnections.WithLabelValues(transportName).Inc()
			m.TotalConnections.WithLabelValues(transportName, "accepted").Inc()
		}
	}
}

// connReady dispatches one readiness event to its connection.
func (s *Server) connReady(fd int, ev uint32) {
	s.mu.Lock()
	conn, ok := s.conns[fd]
	s.mu.Unlock()
	if !ok {
		// Stale event for an already-closed descriptor.
		return
	}

	readable := ev&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0
	writable := ev&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0

	if !conn.HandleIO(readable, writable) {
		s.closeConn(conn)
	}
}

// sweepDeadlines times out idle and stuck connections.
func (s *Server) sweepDeadlines() {
	now := time.Now()

	s.mu.Lock()
	var expired []*Conn
	for _, c := range s.conns {
		if now.After(c.deadline) {
			expired = append(expired, c)
		}
	}
	s.mu.Unlock()

	for _, c := range expired {
		c.Timedout()
		s.closeConn(c)
	}
}

// closeConn tears one connection down and records its outcome.
func (s *Server) closeConn(c *Conn) {
	s.mu.Lock()
	if _, ok := s.conns[c.fd]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, c.fd)
	state := c.state
	s.mu.Unlock()

	s.poll.remove(c.fd)
	unix.Close(c.fd)
	c.sess.Clear()

	outcome := "ok"
	if state != stateDone {
		outcome = "error"
	}
	s.logger.Debug("connection closed",
		slog.String("session", c.sess.ID),
		slog.String("outcome", outcome))

	if m := s.config.Metrics; m != nil {
		m.ActiveConnections.WithLabelValues(transportName).Dec()
		m.TotalConnections.WithLabelValues(transportName, outcome).Inc()
		m.ConnectionDuration.WithLabelValues(transportName).Observe(time.Since(c.opened).Seconds())
	}
}

// closeAll force-closes whatever is left after the drain window.
func (s *Server) closeAll() {
	s.mu.Lock()
	left := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		left = append(left, c)
	}
	s.mu.Unlock()

	for _, c := range left {
		s.closeConn(c)
	}
	if s.listenFD >= 0 {
		unix.Close(s.listenFD)
		s.listenFD = -1
	}
}

// ConnCount reports the live connection count.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Readiness interest changes. Modify failures mean the descriptor already
// died; the next sweep or event reaps it.

func (s *Server) unarm(c *Conn) {
	s.poll.modify(c.fd, false, false)
}

func (s *Server) armRead(c *Conn) {
	s.poll.modify(c.fd, true, false)
}

func (s *Server) armWrite(c *Conn) {
	s.poll.modify(c.fd, false, true)
}

// requestWrite queues a write-interest flip on behalf of a worker goroutine
// and wakes the multiplexer to apply it.
func (s *Server) requestWrite(c *Conn) {
	s.mu.Lock()
	s.pendingWrites = append(s.pendingWrites, c)
	s.mu.Unlock()
	s.poll.wake()
}

// flushPendingWrites applies queued interest flips on the multiplexer
// goroutine.
func (s *Server) flushPendingWrites() {
	s.mu.Lock()
	pending := s.pendingWrites
	s.pendingWrites = nil
	s.mu.Unlock()

	for _, c := range pending {
		s.mu.Lock()
		live := s.conns[c.fd] == c
		s.mu.Unlock()
		if live {
			s.armWrite(c)
		}
	}
}
