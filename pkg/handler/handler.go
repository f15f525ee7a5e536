// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

// Package handler defines the business-handler contract consumed by the
// gateway. The core decodes and authenticates a request, then hands it here
// opaquely; the semantic content of individual request types (routing,
// search, favorites, ...) lives behind this interface.
package handler

import (
	"context"

	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/param"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/session"
)

// Handler processes one authenticated, decoded request and produces the
// reply parameter block plus a status code. Implementations may block on
// downstream services; the dispatcher's worker pool absorbs that latency.
//
// Errors returned here are mapped by the worker to a NOT_OK reply; they
// never abort the connection without a framed reply.
type Handler interface {
	Handle(ctx context.Context, req *param.Request, sess *session.Session) (*param.Block, param.Status, error)
}

// Func adapts a plain function to the Handler interface.
type Func func(ctx context.Context, req *param.Request, sess *session.Session) (*param.Block, param.Status, error)

// Handle implements Handler.
func (f Func) Handle(ctx context.Context, req *param.Request, sess *session.Session) (*param.Block, param.Status, error) {
	return f(ctx, req, sess)
}

// Noop is a Handler that acknowledges every request with an empty OK reply.
// Useful for testing the transport and authentication layers in isolation.
type Noop struct{}

var _ Handler = (*Noop)(nil)

// Handle implements Handler.
func (Noop) Handle(ctx context.Context, req *param.Request, sess *session.Session) (*param.Block, param.Status, error) {
	return &param.Block{}, param.StatusOK, nil
}
