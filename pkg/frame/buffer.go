// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

package frame

// Accumulator collects a fixed number of bytes across any number of partial
// reads. The connection state machine feeds it raw bytes and asks whether the
// current unit (header or body) is complete, so it never tracks raw offsets
// itself.
type Accumulator struct {
	buf    []byte
	filled int
}

// NewAccumulator returns an accumulator expecting exactly n bytes.
func NewAccumulator(n int) *Accumulator {
	return &Accumulator{buf: make([]byte, n)}
}

// Reset re-arms the accumulator for n bytes, reusing the backing array when
// large enough.
func (a *Accumulator) Reset(n int) {
	if cap(a.buf) >= n {
		a.buf = a.buf[:n]
	} else {
		a.buf = make([]byte, n)
	}
	a.filled = 0
}

// BytesNeeded returns how many more bytes are required to complete the unit.
func (a *Accumulator) BytesNeeded() int {
	return len(a.buf) - a.filled
}

// Feed copies as much of p as fits and returns the number of bytes consumed.
func (a *Accumulator) Feed(p []byte) int {
	n := copy(a.buf[a.filled:], p)
	a.filled += n
	return n
}

// Window returns the writable tail of the buffer, for direct read calls.
func (a *Accumulator) Window() []byte {
	return a.buf[a.filled:]
}

// Advance records n bytes written directly into Window.
func (a *Accumulator) Advance(n int) {
	a.filled += n
}

// IsComplete reports whether the expected byte count has been collected.
func (a *Accumulator) IsComplete() bool {
	return a.filled == len(a.buf)
}

// Bytes returns the collected bytes. Valid only once IsComplete is true.
func (a *Accumulator) Bytes() []byte {
	return a.buf[:a.filled]
}

// Drainer tracks progress writing a fully assembled frame across partial
// writes. The symmetric counterpart of Accumulator for the reply path.
type Drainer struct {
	buf     []byte
	written int
}

// NewDrainer wraps an assembled frame for partial writing.
func NewDrainer(buf []byte) *Drainer {
	return &Drainer{buf: buf}
}

// Remaining returns the bytes still to be written.
func (d *Drainer) Remaining() []byte {
	return d.buf[d.written:]
}

// Advance records n bytes successfully written.
func (d *Drainer) Advance(n int) {
	d.written += n
}

// IsComplete reports whether the whole frame has been flushed.
func (d *Drainer) IsComplete() bool {
	return d.written == len(d.buf)
}

// Len returns the total frame size in bytes.
func (d *Drainer) Len() int {
	return len(d.buf)
}
