// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/param"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/session"
)

// Logging wraps a Handler and logs every request with its outcome and
// duration.
type Logging struct {
	next   Handler
	logger *slog.Logger
}

// NewLogging creates a logging handler wrapper.
func NewLogging(next Handler, logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logging{next: next, logger: logger}
}

// Handle implements Handler.
func (h *Logging) Handle(ctx context.Context, req *param.Request, sess *session.Session) (*param.Block, param.Status, error) {
	start := time.Now()

	reply, status, err := h.next.Handle(ctx, req, sess)

	attrs := []any{
		slog.String("session", sess.ID),
		slog.Int("request_type", int(req.Type)),
		slog.String("status", status.String()),
		slog.Duration("duration", time.Since(start)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		h.logger.Warn("request failed", attrs...)
	} else {
		h.logger.Debug("request handled", attrs...)
	}

	return reply, status, err
}
