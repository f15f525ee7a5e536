// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

// Package session holds per-logical-identity state spanning the frames of a
// reused connection: the bound user, session key, peer address, and lifecycle
// flags.
package session

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/directory"
)

// Session is the durable identity state of one connection. It is created on
// accept and survives frame boundaries while the connection is reused.
//
// Mutation of identity and the callDone flag is confined to the single worker
// that owns the connection's work item at any moment; the mutex guards the
// crossings between the worker and the multiplexer's timeout sweep.
type Session struct {
	// ID is a unique identifier for this session, used in logs.
	ID string

	// RemoteAddr is the client's network address.
	RemoteAddr net.Addr

	mu           sync.Mutex
	identity     *directory.User
	sessionKey   string
	callDone     bool
	lastActivity time.Time
	logPrefix    string
}

// New creates a session for a freshly accepted connection.
func New(remote net.Addr) *Session {
	id := uuid.New().String()
	return &Session{
		ID:           id,
		RemoteAddr:   remote,
		lastActivity: time.Now(),
		logPrefix:    fmt.Sprintf("[%s %s]", id[:8], remote),
	}
}

// Identity returns the bound user snapshot, or nil when unauthenticated.
func (s *Session) Identity() *directory.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Bind sets the resolved user for this session.
func (s *Session) Bind(u *directory.User) {
	s.mu.Lock()
	s.identity = u
	s.mu.Unlock()
}

// ClearIdentity drops the bound user snapshot.
func (s *Session) ClearIdentity() {
	s.mu.Lock()
	s.identity = nil
	s.mu.Unlock()
}

// Key returns the current session key, empty until one is issued.
func (s *Session) Key() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionKey
}

// IssueKey generates and stores a fresh session key, returning it. The key is
// handed back to the client in reply parameters and accepted on later frames
// as a fast-path identity proof.
func (s *Session) IssueKey() string {
	key := uuid.New().String()
	s.mu.Lock()
	s.sessionKey = key
	s.mu.Unlock()
	return key
}

// SetCallDone marks that no further requests may be offered on this
// connection once the current reply is flushed.
func (s *Session) SetCallDone() {
	s.mu.Lock()
	s.callDone = true
	s.mu.Unlock()
}

// CallDone reports whether the session refuses further requests.
func (s *Session) CallDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callDone
}

// Touch updates the last activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the last activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// LogPrefix returns the stable log prefix for this session.
func (s *Session) LogPrefix() string {
	return s.logPrefix
}

// Clear resets identity, session key and the callDone flag. Used when a
// connection is explicitly reset without closing.
func (s *Session) Clear() {
	s.mu.Lock()
	s.identity = nil
	s.sessionKey = ""
	s.callDone = false
	s.mu.Unlock()
}
