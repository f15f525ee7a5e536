// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

// Package frame implements the binary frame codec for the navigation protocol.
//
// A frame is laid out as:
//
//	STX(1) | length(4, big-endian, payload bytes) | version(1) | payload(length, obfuscated)
//
// Replies use the identical layout. When tunneled over HTTP the same bytes are
// carried as the request/response body.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/errors"
)

const (
	// STX is the fixed start-of-frame marker.
	STX byte = 0x02

	// HeaderSize is the size of the frame header in bytes: STX + length + version.
	HeaderSize = 6

	// DefaultMaxPayload is the default ceiling on declared payload length.
	// Frames above it are rejected before any body allocation.
	DefaultMaxPayload = 1 << 20
)

// Header is a decoded frame header.
type Header struct {
	Magic   byte
	Length  uint32
	Version byte
}

// EncodeHeader encodes a frame header for a payload of the given length.
func EncodeHeader(payloadLen uint32, version byte) [HeaderSize]byte {
	var h [HeaderSize]byte
	h[0] = STX
	binary.BigEndian.PutUint32(h[1:5], payloadLen)
	h[5] = version
	return h
}

// DecodeHeader decodes a frame header, validating the start marker and the
// declared payload length against maxPayload. maxPayload <= 0 selects
// DefaultMaxPayload.
func DecodeHeader(buf []byte, maxPayload uint32) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: short header (%d bytes)", errors.ErrFraming, len(buf))
	}
	if buf[0] != STX {
		return Header{}, fmt.Errorf("%w: bad start marker 0x%02x", errors.ErrFraming, buf[0])
	}
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}

	h := Header{
		Magic:   buf[0],
		Length:  binary.BigEndian.Uint32(buf[1:5]),
		Version: buf[5],
	}

	if h.Length > maxPayload {
		return Header{}, fmt.Errorf("%w: declared %d, max %d", errors.ErrFrameTooLarge, h.Length, maxPayload)
	}

	return h, nil
}

// Encode assembles a complete frame around the given payload. The payload is
// obfuscated in place.
func Encode(payload []byte, version byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	h := EncodeHeader(uint32(len(payload)), version)
	copy(out, h[:])
	copy(out[HeaderSize:], payload)
	Obfuscate(out[HeaderSize:])
	return out
}

// pad is the fixed obfuscation pad, cycled over the payload.
var pad = [16]byte{
	0x57, 0x61, 0x79, 0x66, 0x1b, 0xa5, 0x3c, 0xe7,
	0x90, 0x4d, 0x2f, 0xd8, 0x61, 0x0e, 0xb3, 0x7a,
}

// Obfuscate applies the reversible, keyless byte transform to buf in place
// and returns buf. The transform is an involution: applying it twice yields
// the original bytes, so Deobfuscate is the same operation.
//
// This is a legacy wire-compatibility transform, NOT encryption. It provides
// no confidentiality and must never be treated as a security boundary.
func Obfuscate(buf []byte) []byte {
	for i := range buf {
		buf[i] ^= pad[i&0x0f]
	}
	return buf
}

// Deobfuscate reverses Obfuscate. Deobfuscate(Obfuscate(x)) == x for all x,
// including the empty slice.
func Deobfuscate(buf []byte) []byte {
	return Obfuscate(buf)
}
