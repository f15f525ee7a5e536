// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

// Package httptunnel serves the framed request protocol tunneled through
// HTTP for clients behind proxies that only pass web traffic. Each POST body
// carries exactly one frame, byte-identical to the raw TCP encoding; the
// response body carries the reply frame with an explicit Content-Length.
//
// Sessions outlive individual HTTP requests: replies that issue a session
// key register the session in a keyed registry, and later requests carrying
// that key resume it, so the authentication fast path works the same as on
// a kept-alive TCP connection.
package httptunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/auth"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/dispatch"
	gwerrors "github.com/wayfinder/Wayfinder-Server-sub016/pkg/errors"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/frame"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/handler"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/metrics"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/param"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/session"
)

const transportName = "http_tunnel"

const (
	defaultRequestTimeout  = 30 * time.Second
	defaultSessionIdle     = 5 * time.Minute
	defaultShutdownTimeout = 30 * time.Second
)

// Config holds tunnel server settings.
type Config struct {
	Address         string
	MaxPayload      uint32
	RequestTimeout  time.Duration
	SessionIdle     time.Duration
	ShutdownTimeout time.Duration
	TLSConfig       *tls.Config

	Metrics *metrics.Metrics
}

func (c *Config) setDefaults() {
	if c.MaxPayload == 0 {
		c.MaxPayload = frame.DefaultMaxPayload
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.SessionIdle <= 0 {
		c.SessionIdle = defaultSessionIdle
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
}

// Server is the HTTP tunnel transport.
type Server struct {
	config  Config
	logger  *slog.Logger
	auth    *auth.Authenticator
	handler handler.Handler
	workers *dispatch.Group

	server *http.Server

	mu       sync.Mutex
	sessions map[string]*tunnelSession
}

type tunnelSession struct {
	sess     *session.Session
	lastUsed time.Time
}

// New builds a tunnel server sharing the authenticator, business handler and
// dispatch group with the raw TCP transport.
func New(cfg Config, authn *auth.Authenticator, h handler.Handler, workers *dispatch.Group, logger *slog.Logger) *Server {
	cfg.setDefaults()
	s := &Server{
		config:   cfg,
		logger:   logger,
		auth:     authn,
		handler:  h,
		workers:  workers,
		sessions: make(map[string]*tunnelSession),
	}
	s.server = &http.Server{
		Addr:      cfg.Address,
		Handler:   http.HandlerFunc(s.serveHTTP),
		TLSConfig: cfg.TLSConfig,
	}
	return s
}

// Listen serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("http tunnel started", slog.String("address", s.server.Addr))

	evictDone := make(chan struct{})
	go s.evictLoop(ctx, evictDone)

	errCh := make(chan error, 1)
	go func() {
		if s.server.TLSConfig != nil {
			errCh <- s.server.ListenAndServeTLS("", "")
		} else {
			errCh <- s.server.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		err := s.server.Shutdown(shutdownCtx)
		<-evictDone
		if err != nil {
			s.logger.Error("http tunnel shutdown failed", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("http tunnel stopped")
		return nil

	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// tunnelTask carries one tunneled request through the shared dispatch group.
type tunnelTask struct {
	srv  *Server
	req  *param.Request
	sess *session.Session

	status param.Status
	blk    *param.Block
	done   chan struct{}
}

// Execute implements dispatch.Task.
func (t *tunnelTask) Execute(ctx context.Context, lightweight bool) {
	defer close(t.done)

	outcome := t.srv.auth.Authenticate(ctx, t.req, t.sess)
	if !outcome.Authorized {
		t.status = outcome.Status
		t.blk = outcome.ReplyParams
		if m := t.srv.config.Metrics; m != nil {
			m.AuthFailures.WithLabelValues(transportName, t.status.String()).Inc()
		}
		return
	}

	blk, status, err := t.srv.handler.Handle(ctx, t.req, t.sess)
	if err != nil {
		t.srv.logger.Error("handler failed",
			slog.String("session", t.sess.ID),
			slog.Int("request_type", int(t.req.Type)),
			slog.String("error", err.Error()))
		t.status = param.StatusNotOK
		t.blk = outcome.ReplyParams
		return
	}

	t.status = status
	t.blk = mergeParams(outcome.ReplyParams, blk)
}

func mergeParams(authBlk, handlerBlk *param.Block) *param.Block {
	if authBlk == nil || authBlk.Len() == 0 {
		return handlerBlk
	}
	if handlerBlk == nil {
		return authBlk
	}
	merged := &param.Block{}
	for _, p := range authBlk.Params() {
		merged.Append(p)
	}
	for _, p := range handlerBlk.Params() {
		merged.Append(p)
	}
	return merged
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "tunnel accepts POST only", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(frame.HeaderSize)+int64(s.config.MaxPayload)))
	if err != nil {
		http.Error(w, "body too large or unreadable", http.StatusRequestEntityTooLarge)
		return
	}
	if len(body) < frame.HeaderSize {
		http.Error(w, "truncated frame", http.StatusBadRequest)
		return
	}

	hdr, err := frame.DecodeHeader(body[:frame.HeaderSize], s.config.MaxPayload)
	if err != nil {
		if m := s.config.Metrics; m != nil {
			m.FramingErrors.WithLabelValues(transportName, "framing").Inc()
		}
		http.Error(w, "bad frame header", http.StatusBadRequest)
		return
	}
	if len(body) != frame.HeaderSize+int(hdr.Length) {
		http.Error(w, "frame length mismatch", http.StatusBadRequest)
		return
	}

	if m := s.config.Metrics; m != nil {
		m.FramesTotal.WithLabelValues(transportName, "in").Inc()
		m.FrameSize.WithLabelValues(transportName).Observe(float64(len(body)))
	}

	payload := frame.Deobfuscate(body[frame.HeaderSize:])
	req, err := param.ParseRequest(payload, hdr.Version)
	if err != nil {
		s.writeReply(w, hdr.Version, param.StatusParamBlockInvalid, nil, http.StatusOK, start)
		return
	}

	sess := s.resumeSession(req, r.RemoteAddr)
	sess.Touch()

	if m := s.config.Metrics; m != nil {
		m.AuthAttempts.WithLabelValues(transportName).Inc()
	}

	task := &tunnelTask{srv: s, req: req, sess: sess, done: make(chan struct{})}
	if err := s.workers.Submit(task); err != nil {
		if errors.Is(err, gwerrors.ErrOverloaded) {
			blk := &param.Block{}
			blk.AddString(param.IDStatusMessage, "server busy, retry later")
			s.writeReply(w, hdr.Version, param.StatusNotOK, blk, http.StatusServiceUnavailable, start)
			return
		}
		http.Error(w, "dispatch failed", http.StatusInternalServerError)
		return
	}

	select {
	case <-task.done:
	case <-time.After(s.config.RequestTimeout):
		s.writeReply(w, hdr.Version, param.StatusRequestTimeout, nil, http.StatusOK, start)
		return
	case <-r.Context().Done():
		return
	}

	s.registerSession(task.blk, sess)
	s.writeReply(w, hdr.Version, task.status, task.blk, http.StatusOK, start)
}

// writeReply frames the reply and sends it with an explicit Content-Length.
func (s *Server) writeReply(w http.ResponseWriter, version byte, status param.Status, blk *param.Block, httpStatus int, start time.Time) {
	out := frame.Encode(param.EncodeReply(status, blk), version)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(httpStatus)
	w.Write(out)

	if m := s.config.Metrics; m != nil {
		m.FramesTotal.WithLabelValues(transportName, "out").Inc()
		m.ReplySize.WithLabelValues(transportName).Observe(float64(len(out)))
		m.RequestsTotal.WithLabelValues(transportName, status.String()).Inc()
		m.RequestDuration.WithLabelValues(transportName).Observe(time.Since(start).Seconds())
	}
}

// resumeSession finds the session matching the request's session key, or
// creates a fresh one for this peer.
func (s *Server) resumeSession(req *param.Request, remoteAddr string) *session.Session {
	if key, ok := req.Params.GetString(param.IDSessionKey); ok && key != "" {
		s.mu.Lock()
		if ts, found := s.sessions[key]; found {
			ts.lastUsed = time.Now()
			s.mu.Unlock()
			return ts.sess
		}
		s.mu.Unlock()
	}

	host, port, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host, port = remoteAddr, "0"
	}
	p, _ := strconv.Atoi(port)
	return session.New(&net.TCPAddr{IP: net.ParseIP(host), Port: p})
}

// registerSession stores the session under a freshly issued key so the next
// tunneled request can resume it.
func (s *Server) registerSession(blk *param.Block, sess *session.Session) {
	if blk == nil {
		return
	}
	key, ok := blk.GetString(param.IDNewSessionKey)
	if !ok || key == "" {
		return
	}
	s.mu.Lock()
	s.sessions[key] = &tunnelSession{sess: sess, lastUsed: time.Now()}
	s.mu.Unlock()
}

// SessionCount reports the registered session count.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// evictLoop drops sessions idle past the configured window.
func (s *Server) evictLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	interval := s.config.SessionIdle / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.config.SessionIdle)
			s.mu.Lock()
			for key, ts := range s.sessions {
				if ts.lastUsed.Before(cutoff) {
					ts.sess.Clear()
					delete(s.sessions, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Handler exposes the tunnel endpoint for mounting on an external mux, used
// by tests.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveHTTP)
}
