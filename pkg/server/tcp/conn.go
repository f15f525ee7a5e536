// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	gwerrors "github.com/wayfinder/Wayfinder-Server-sub016/pkg/errors"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/frame"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/param"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/session"
)

// ioState is the connection's position in the request/reply cycle.
type ioState int

const (
	stateReadingSTX ioState = iota
	stateReadingHeader
	stateReadingBody
	stateProcessing
	stateWritingReply
	stateDone
	stateError
)

func (s ioState) String() string {
	switch s {
	case stateReadingSTX:
		return "reading_stx"
	case stateReadingHeader:
		return "reading_header"
	case stateReadingBody:
		return "reading_body"
	case stateProcessing:
		return "processing"
	case stateWritingReply:
		return "writing_reply"
	case stateDone:
		return "done"
	case stateError:
		return "error"
	default:
		return "unknown"
	}
}

// Conn is one client connection: the I/O state machine plus its session.
// All socket I/O happens on the multiplexer goroutine through HandleIO;
// workers only touch the decoded request and the assembled reply buffer.
// The mutex guards the fields crossed by both.
type Conn struct {
	fd   int
	srv  *Server
	sess *session.Session

	state       ioState
	acc         *frame.Accumulator
	drain       *frame.Drainer
	hdr         frame.Header
	req         *param.Request
	requestSize int
	replySize   int

	// stxBudget bounds how much garbage is scanned before the start marker.
	stxBudget int

	opened   time.Time
	deadline time.Time

	// closeAfterReply disables reuse once the pending reply is flushed.
	closeAfterReply bool
}

// newConn wraps an accepted non-blocking socket.
func newConn(fd int, srv *Server, sess *session.Session) *Conn {
	c := &Conn{
		fd:        fd,
		srv:       srv,
		sess:      sess,
		state:     stateReadingSTX,
		acc:       frame.NewAccumulator(1),
		stxBudget: srv.config.STXScanBudget,
		opened:    time.Now(),
		deadline:  time.Now().Add(srv.config.RequestTimeout),
	}
	c.acc.Reset(1)
	return c
}

// Session returns the connection's session.
func (c *Conn) Session() *session.Session {
	return c.sess
}

// HandleIO advances the state machine on a readiness notification. It runs
// only on the multiplexer goroutine and never blocks: partial I/O suspends
// the current state until the next notification. Returning false closes the
// connection.
func (c *Conn) HandleIO(readable, writable bool) bool {
	c.srv.mu.Lock()
	state := c.state
	c.srv.mu.Unlock()

	switch state {
	case stateReadingSTX, stateReadingHeader, stateReadingBody:
		if !readable {
			return true
		}
		return c.readStep()

	case stateWritingReply:
		if !writable {
			return true
		}
		return c.writeStep()

	case stateProcessing:
		// Not re-entered while a worker owns the request.
		return true

	default:
		return false
	}
}

// readStep consumes whatever bytes the socket has, feeding the current
// accumulator and advancing through the read states.
func (c *Conn) readStep() bool {
	for {
		n, err := unix.Read(c.fd, c.acc.Window())
		if err != nil {
			if err == unix.EAGAIN {
				return true // suspend until next readiness
			}
			if err == unix.EINTR {
				continue
			}
			c.fail("read", err)
			return false
		}
		if n == 0 {
			// Peer closed. Mid-frame this is an error; between frames on a
			// reused connection it is a normal end of stream.
			if c.state == stateReadingSTX && c.acc.BytesNeeded() == 1 {
				c.transition(stateDone)
			} else {
				c.fail("read", gwerrors.ErrConnectionClosed)
			}
			return false
		}

		c.acc.Advance(n)

		if !c.advanceRead() {
			return false
		}

		c.srv.mu.Lock()
		suspended := c.state == stateProcessing || c.state == stateWritingReply
		c.srv.mu.Unlock()
		if suspended {
			return true
		}
	}
}

// advanceRead reacts to a completed accumulator unit for the current state.
func (c *Conn) advanceRead() bool {
	switch c.state {
	case stateReadingSTX:
		if !c.acc.IsComplete() {
			return true
		}
		b := c.acc.Bytes()[0]
		if b != frame.STX {
			c.stxBudget--
			if c.stxBudget <= 0 {
				c.fail("scan_stx", gwerrors.ErrFraming)
				return false
			}
			c.acc.Reset(1)
			return true
		}
		c.acc.Reset(frame.HeaderSize)
		c.acc.Feed([]byte{frame.STX})
		c.transition(stateReadingHeader)
		return true

	case stateReadingHeader:
		if !c.acc.IsComplete() {
			return true
		}
		hdr, err := frame.DecodeHeader(c.acc.Bytes(), c.srv.config.MaxPayload)
		if err != nil {
			// Oversized or malformed: rejected before any body allocation.
			c.fail("decode_header", err)
			return false
		}
		c.hdr = hdr
		c.requestSize = frame.HeaderSize + int(hdr.Length)
		c.acc.Reset(int(hdr.Length))
		c.transition(stateReadingBody)
		return c.advanceRead() // a zero-length body is already complete

	case stateReadingBody:
		if !c.acc.IsComplete() {
			return true
		}
		return c.finishRead()

	default:
		return true
	}
}

// finishRead decodes the completed frame and hands the connection to the
// dispatcher.
func (c *Conn) finishRead() bool {
	payload := frame.Deobfuscate(c.acc.Bytes())

	if m := c.srv.config.Metrics; m != nil {
		m.FramesTotal.WithLabelValues(transportName, "in").Inc()
		m.FrameSize.WithLabelValues(transportName).Observe(float64(c.requestSize))
	}

	req, err := param.ParseRequest(payload, c.hdr.Version)
	if err != nil {
		// The frame itself was valid, so the client still gets a framed
		// reply before the connection closes.
		c.srv.logger.Warn("parameter block rejected",
			slog.String("session", c.sess.ID),
			slog.String("error", err.Error()))
		c.queueReply(param.EncodeReply(param.StatusParamBlockInvalid, nil), true)
		return true
	}

	c.req = req
	c.sess.Touch()
	c.transition(stateProcessing)
	c.srv.unarm(c)

	if err := c.srv.workers.Submit(c); err != nil {
		if errors.Is(err, gwerrors.ErrOverloaded) {
			// Backpressure: minimal busy reply, no reuse, no business logic.
			c.srv.logger.Warn("request shed by admission control",
				slog.String("session", c.sess.ID))
			c.queueReply(param.EncodeReply(param.StatusNotOK, busyParams()), true)
			return true
		}
		c.fail("dispatch", err)
		return false
	}
	return true
}

// busyParams builds the reply parameters of an overload rejection.
func busyParams() *param.Block {
	blk := &param.Block{}
	blk.AddString(param.IDStatusMessage, "server busy, retry later")
	return blk
}

// Execute implements dispatch.Task: authenticate, run the business handler,
// and queue the reply. Runs on a worker goroutine.
func (c *Conn) Execute(ctx context.Context, lightweight bool) {
	req := c.req
	start := time.Now()

	if m := c.srv.config.Metrics; m != nil {
		m.AuthAttempts.WithLabelValues(transportName).Inc()
	}

	outcome := c.srv.auth.Authenticate(ctx, req, c.sess)

	var (
		status param.Status
		blk    *param.Block
	)

	if !outcome.Authorized {
		status = outcome.Status
		blk = outcome.ReplyParams
		if m := c.srv.config.Metrics; m != nil {
			m.AuthFailures.WithLabelValues(transportName, status.String()).Inc()
		}
	} else {
		handlerBlk, handlerStatus, err := c.srv.handler.Handle(ctx, req, c.sess)
		if err != nil {
			// Business failures become a framed NOT_OK reply, never a
			// dropped connection.
			c.srv.logger.Error("handler failed",
				slog.String("session", c.sess.ID),
				slog.Int("request_type", int(req.Type)),
				slog.String("error", err.Error()))
			status = param.StatusNotOK
			blk = outcome.ReplyParams
		} else {
			status = handlerStatus
			blk = mergeParams(outcome.ReplyParams, handlerBlk)
		}
	}

	if m := c.srv.config.Metrics; m != nil {
		m.RequestsTotal.WithLabelValues(transportName, status.String()).Inc()
		m.RequestDuration.WithLabelValues(transportName).Observe(time.Since(start).Seconds())
	}

	// Under load, shed the keep-alive: the reply still goes out, but the
	// connection is not offered another request.
	noReuse := lightweight || !outcome.Authorized || c.sess.CallDone()

	c.queueReplyFromWorker(param.EncodeReply(status, blk), noReuse)
}

// mergeParams appends the handler's reply parameters after the
// authentication out-of-band parameters (session key, quotas, redirects).
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

// queueReply assembles the reply frame and switches to the writing state.
// Called on the multiplexer goroutine.
func (c *Conn) queueReply(payload []byte, noReuse bool) {
	out := frame.Encode(payload, c.hdr.Version)

	c.srv.mu.Lock()
	c.drain = frame.NewDrainer(out)
	c.replySize = len(out)
	c.closeAfterReply = noReuse
	c.state = stateWritingReply
	c.deadline = time.Now().Add(c.srv.config.RequestTimeout)
	c.srv.mu.Unlock()

	c.srv.armWrite(c)
}

// queueReplyFromWorker is queueReply for worker goroutines: the readiness
// interest change must be applied by the multiplexer, so the connection is
// parked on the server's pending list and the poller woken.
func (c *Conn) queueReplyFromWorker(payload []byte, noReuse bool) {
	out := frame.Encode(payload, c.hdr.Version)

	c.srv.mu.Lock()
	if c.state != stateProcessing {
		// Timed out or closed while the worker ran; drop the reply.
		c.srv.mu.Unlock()
		return
	}
	c.drain = frame.NewDrainer(out)
	c.replySize = len(out)
	c.closeAfterReply = noReuse
	c.state = stateWritingReply
	c.deadline = time.Now().Add(c.srv.config.RequestTimeout)
	c.srv.mu.Unlock()

	c.srv.requestWrite(c)
}

// writeStep flushes the pending reply across non-blocking writes.
func (c *Conn) writeStep() bool {
	for !c.drain.IsComplete() {
		n, err := unix.Write(c.fd, c.drain.Remaining())
		if err != nil {
			if err == unix.EAGAIN {
				return true // suspend until next writability
			}
			if err == unix.EINTR {
				continue
			}
			c.fail("write", err)
			return false
		}
		c.drain.Advance(n)
	}

	if m := c.srv.config.Metrics; m != nil {
		m.FramesTotal.WithLabelValues(transportName, "out").Inc()
		m.ReplySize.WithLabelValues(transportName).Observe(float64(c.replySize))
	}

	if c.closeAfterReply || c.sess.CallDone() {
		c.transition(stateDone)
		return false
	}

	c.reset()
	return true
}

// reset re-arms the connection for the next frame of a reused connection.
// No request state bleeds across the boundary.
func (c *Conn) reset() {
	c.srv.mu.Lock()
	c.state = stateReadingSTX
	c.acc.Reset(1)
	c.drain = nil
	c.req = nil
	c.hdr = frame.Header{}
	c.requestSize = 0
	c.replySize = 0
	c.stxBudget = c.srv.config.STXScanBudget
	// Kept-alive connections wait longer for the next frame.
	c.deadline = time.Now().Add(c.srv.config.KeepaliveTimeout)
	c.srv.mu.Unlock()

	c.srv.armRead(c)
}

// Timedout force-transitions any non-terminal state to error. Driven by the
// multiplexer's deadline sweep.
func (c *Conn) Timedout() {
	c.srv.mu.Lock()
	terminal := c.state == stateDone || c.state == stateError
	if !terminal {
		c.state = stateError
	}
	c.srv.mu.Unlock()

	if !terminal {
		c.srv.logger.Debug("connection timed out",
			slog.String("session", c.sess.ID))
		if m := c.srv.config.Metrics; m != nil {
			m.ConnectionErrors.WithLabelValues(transportName, "timeout").Inc()
		}
	}
}

// transition records a state change.
func (c *Conn) transition(next ioState) {
	c.srv.mu.Lock()
	c.state = next
	c.srv.mu.Unlock()
}

// fail records an error transition with its cause.
func (c *Conn) fail(op string, err error) {
	c.transition(stateError)
	c.srv.logger.Debug("connection error",
		slog.String("session", c.sess.ID),
		slog.String("op", op),
		slog.String("state", c.state.String()),
		slog.String("error", err.Error()))

	if m := c.srv.config.Metrics; m != nil {
		kind := "io"
		if errors.Is(err, gwerrors.ErrFraming) || errors.Is(err, gwerrors.ErrFrameTooLarge) {
			kind = "framing"
			m.FramingErrors.WithLabelValues(transportName, kind).Inc()
		}
		m.ConnectionErrors.WithLabelValues(transportName, kind).Inc()
	}
}
