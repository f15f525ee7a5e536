// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

package param

import (
	"encoding/binary"
	"fmt"

	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/errors"
)

// Well-known parameter IDs. The gateway interprets only this small set for
// authentication; everything else passes through to the business handler.
const (
	IDLicenseKey        uint16 = 0x0001
	IDOldLicenseKey     uint16 = 0x0002
	IDSessionKey        uint16 = 0x0003
	IDLogin             uint16 = 0x0004
	IDPassword          uint16 = 0x0005
	IDUIN               uint16 = 0x0006
	IDUserID            uint16 = 0x0007
	IDClientType        uint16 = 0x0008
	IDProgramVersion    uint16 = 0x0009
	IDNewSessionKey     uint16 = 0x000a
	IDRedirectURL       uint16 = 0x000b
	IDServerList        uint16 = 0x000c
	IDTransactionsLeft  uint16 = 0x000d
	IDReactivationToken uint16 = 0x000e
	IDNewLogin          uint16 = 0x000f
	IDNewPassword       uint16 = 0x0010
	IDStatusMessage     uint16 = 0x0011
)

// Status is a wire status code surfaced to clients in every reply.
type Status uint16

const (
	StatusOK Status = iota
	StatusNotOK
	StatusUnauthorizedUser
	StatusRequestTimeout
	StatusExpiredUser
	StatusRedirect
	StatusWFTypeTooHighLow
	StatusParamBlockInvalid
	StatusExtendedError
)

// String returns the symbolic name of the status code.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotOK:
		return "NOT_OK"
	case StatusUnauthorizedUser:
		return "UNAUTHORIZED_USER"
	case StatusRequestTimeout:
		return "REQUEST_TIMEOUT"
	case StatusExpiredUser:
		return "EXPIRED_USER"
	case StatusRedirect:
		return "REDIRECT"
	case StatusWFTypeTooHighLow:
		return "WF_TYPE_TOO_HIGH_LOW"
	case StatusParamBlockInvalid:
		return "PARAMBLOCK_INVALID"
	case StatusExtendedError:
		return "EXTENDED_ERROR"
	default:
		return fmt.Sprintf("STATUS_%d", uint16(s))
	}
}

// Request type tags with gateway-level meaning. All other tags are opaque to
// the core and routed straight to the business handler.
const (
	// RequestLicenseChange marks an explicit changed-device (license
	// rotation) request.
	RequestLicenseChange uint16 = 0x0010
)

// Request is one fully decoded request frame: a type tag, the protocol
// version from the frame header, and the parameter block. It is immutable
// after decode.
type Request struct {
	Type    uint16
	Version byte
	Params  *Block
}

// ParseRequest decodes a deobfuscated frame payload. The payload starts with
// a 2-byte big-endian request type followed by the parameter block.
func ParseRequest(payload []byte, version byte) (*Request, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: payload too short for request type", errors.ErrParamBlockInvalid)
	}
	blk, err := Decode(payload[2:])
	if err != nil {
		return nil, err
	}
	return &Request{
		Type:    binary.BigEndian.Uint16(payload[0:2]),
		Version: version,
		Params:  blk,
	}, nil
}

// EncodeRequest serializes a request payload (type tag + block). Used by the
// directory client and by tests driving the server end to end.
func EncodeRequest(reqType uint16, blk *Block) []byte {
	var body []byte
	if blk != nil {
		body = blk.Encode()
	}
	out := make([]byte, 2, 2+len(body))
	binary.BigEndian.PutUint16(out, reqType)
	return append(out, body...)
}

// Reply is a decoded reply payload: a status code plus reply parameters.
type Reply struct {
	Status Status
	Params *Block
}

// EncodeReply serializes a reply payload: status(2, BE) | parameter block.
func EncodeReply(status Status, blk *Block) []byte {
	var body []byte
	if blk != nil {
		body = blk.Encode()
	}
	out := make([]byte, 2, 2+len(body))
	binary.BigEndian.PutUint16(out, uint16(status))
	return append(out, body...)
}

// ParseReply decodes a deobfuscated reply payload.
func ParseReply(payload []byte) (*Reply, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: payload too short for status", errors.ErrParamBlockInvalid)
	}
	blk, err := Decode(payload[2:])
	if err != nil {
		return nil, err
	}
	return &Reply{
		Status: Status(binary.BigEndian.Uint16(payload[0:2])),
		Params: blk,
	}, nil
}
