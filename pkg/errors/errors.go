// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the navigation gateway.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrFraming indicates a malformed frame (bad start marker or header).
	ErrFraming = errors.New("framing error")

	// ErrFrameTooLarge indicates a frame whose declared payload length
	// exceeds the configured ceiling.
	ErrFrameTooLarge = errors.New("frame exceeds maximum payload size")

	// ErrUnauthorized indicates authentication or authorization failure.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTimeout indicates an operation timeout.
	ErrTimeout = errors.New("timeout")

	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrOverloaded indicates the dispatcher rejected work due to admission control.
	ErrOverloaded = errors.New("server overloaded")

	// ErrRateLimited indicates rate limit exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrDirectoryUnavailable indicates the user directory backend is unavailable.
	ErrDirectoryUnavailable = errors.New("user directory unavailable")

	// ErrParamBlockInvalid indicates a parameter block that could not be decoded.
	ErrParamBlockInvalid = errors.New("invalid parameter block")
)

// GatewayError wraps an error with connection context.
type GatewayError struct {
	Op         string // Operation that failed
	Transport  string // Transport (tcp, httptunnel)
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Transport, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Transport, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// New creates a new GatewayError.
func New(op, transport, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &GatewayError{
		Op:         op,
		Transport:  transport,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
