// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

// Package param implements the parameter block encoding carried inside a
// frame payload: an ordered sequence of (id, type, length, value) tuples.
// IDs need not be unique within a block; repeated IDs represent multi-valued
// parameters. Unknown IDs survive a decode/encode round trip untouched.
package param

import (
	"encoding/binary"
	"fmt"

	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/errors"
)

// Type identifies the value type of a parameter tuple.
type Type byte

const (
	TypeByte Type = iota + 1
	TypeUint16
	TypeUint32
	TypeString
	TypeByteArray
	TypeUint16Array
	TypeUint32Array
	TypeStringArray
)

// String returns a readable name for the type.
func (t Type) String() string {
	switch t {
	case TypeByte:
		return "byte"
	case TypeUint16:
		return "uint16"
	case TypeUint32:
		return "uint32"
	case TypeString:
		return "string"
	case TypeByteArray:
		return "byte_array"
	case TypeUint16Array:
		return "uint16_array"
	case TypeUint32Array:
		return "uint32_array"
	case TypeStringArray:
		return "string_array"
	default:
		return "unknown"
	}
}

// Param is one decoded tuple. Value holds the raw encoded bytes; typed
// accessors on Block interpret them.
type Param struct {
	ID    uint16
	Type  Type
	Value []byte
}

// Block is an ordered parameter collection. The zero value is an empty block
// ready for use.
type Block struct {
	params []Param
}

// Len returns the number of tuples in the block.
func (b *Block) Len() int {
	return len(b.params)
}

// Params returns the tuples in wire order.
func (b *Block) Params() []Param {
	return b.params
}

// Has reports whether at least one tuple with the given ID is present.
func (b *Block) Has(id uint16) bool {
	for _, p := range b.params {
		if p.ID == id {
			return true
		}
	}
	return false
}

// find returns the first tuple with the given ID.
func (b *Block) find(id uint16) (Param, bool) {
	for _, p := range b.params {
		if p.ID == id {
			return p, true
		}
	}
	return Param{}, false
}

// All returns every tuple carrying the given ID, preserving order.
func (b *Block) All(id uint16) []Param {
	var out []Param
	for _, p := range b.params {
		if p.ID == id {
			out = append(out, p)
		}
	}
	return out
}

// Append appends an already-built tuple, preserving its type and raw value.
func (b *Block) Append(p Param) {
	b.params = append(b.params, p)
}

// AddByte appends a byte parameter.
func (b *Block) AddByte(id uint16, v byte) {
	b.params = append(b.params, Param{ID: id, Type: TypeByte, Value: []byte{v}})
}

// AddUint16 appends a uint16 parameter.
func (b *Block) AddUint16(id uint16, v uint16) {
	val := make([]byte, 2)
	binary.BigEndian.PutUint16(val, v)
	b.params = append(b.params, Param{ID: id, Type: TypeUint16, Value: val})
}

// AddUint32 appends a uint32 parameter.
func (b *Block) AddUint32(id uint16, v uint32) {
	val := make([]byte, 4)
	binary.BigEndian.PutUint32(val, v)
	b.params = append(b.params, Param{ID: id, Type: TypeUint32, Value: val})
}

// AddString appends a string parameter.
func (b *Block) AddString(id uint16, v string) {
	b.params = append(b.params, Param{ID: id, Type: TypeString, Value: []byte(v)})
}

// AddByteArray appends a raw byte-array parameter.
func (b *Block) AddByteArray(id uint16, v []byte) {
	b.params = append(b.params, Param{ID: id, Type: TypeByteArray, Value: append([]byte(nil), v...)})
}

// AddUint32Array appends a uint32 array parameter.
func (b *Block) AddUint32Array(id uint16, vs []uint32) {
	val := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.BigEndian.PutUint32(val[i*4:], v)
	}
	b.params = append(b.params, Param{ID: id, Type: TypeUint32Array, Value: val})
}

// AddStringArray appends a string array parameter. Each element is encoded as
// a 2-byte big-endian length followed by its bytes.
func (b *Block) AddStringArray(id uint16, vs []string) {
	var val []byte
	for _, v := range vs {
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(v)))
		val = append(val, l[:]...)
		val = append(val, v...)
	}
	b.params = append(b.params, Param{ID: id, Type: TypeStringArray, Value: val})
}

// GetByte returns the first byte parameter with the given ID.
func (b *Block) GetByte(id uint16) (byte, bool) {
	p, ok := b.find(id)
	if !ok || p.Type != TypeByte || len(p.Value) != 1 {
		return 0, false
	}
	return p.Value[0], true
}

// GetUint16 returns the first uint16 parameter with the given ID.
func (b *Block) GetUint16(id uint16) (uint16, bool) {
	p, ok := b.find(id)
	if !ok || p.Type != TypeUint16 || len(p.Value) != 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(p.Value), true
}

// GetUint32 returns the first uint32 parameter with the given ID.
func (b *Block) GetUint32(id uint16) (uint32, bool) {
	p, ok := b.find(id)
	if !ok || p.Type != TypeUint32 || len(p.Value) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(p.Value), true
}

// GetString returns the first string parameter with the given ID.
func (b *Block) GetString(id uint16) (string, bool) {
	p, ok := b.find(id)
	if !ok || p.Type != TypeString {
		return "", false
	}
	return string(p.Value), true
}

// GetByteArray returns the first byte-array parameter with the given ID.
func (b *Block) GetByteArray(id uint16) ([]byte, bool) {
	p, ok := b.find(id)
	if !ok || p.Type != TypeByteArray {
		return nil, false
	}
	return p.Value, true
}

// GetStringArray decodes the first string-array parameter with the given ID.
func (b *Block) GetStringArray(id uint16) ([]string, bool) {
	p, ok := b.find(id)
	if !ok || p.Type != TypeStringArray {
		return nil, false
	}
	var out []string
	val := p.Value
	for len(val) >= 2 {
		n := int(binary.BigEndian.Uint16(val))
		val = val[2:]
		if n > len(val) {
			return nil, false
		}
		out = append(out, string(val[:n]))
		val = val[n:]
	}
	if len(val) != 0 {
		return nil, false
	}
	return out, true
}

// Encode serializes the block in wire order. Each tuple is encoded as
// id(2, BE) | type(1) | length(2, BE) | value(length).
func (b *Block) Encode() []byte {
	size := 0
	for _, p := range b.params {
		size += 5 + len(p.Value)
	}
	out := make([]byte, 0, size)
	for _, p := range b.params {
		var hdr [5]byte
		binary.BigEndian.PutUint16(hdr[0:2], p.ID)
		hdr[2] = byte(p.Type)
		binary.BigEndian.PutUint16(hdr[3:5], uint16(len(p.Value)))
		out = append(out, hdr[:]...)
		out = append(out, p.Value...)
	}
	return out
}

// Decode parses a serialized parameter block, preserving tuple order and
// duplicate IDs. Tuples with unrecognized type codes are kept verbatim so a
// re-encode reproduces the original bytes.
func Decode(buf []byte) (*Block, error) {
	b := &Block{}
	for len(buf) > 0 {
		if len(buf) < 5 {
			return nil, fmt.Errorf("%w: truncated tuple header (%d bytes)", errors.ErrParamBlockInvalid, len(buf))
		}
		id := binary.BigEndian.Uint16(buf[0:2])
		typ := Type(buf[2])
		length := int(binary.BigEndian.Uint16(buf[3:5]))
		buf = buf[5:]
		if length > len(buf) {
			return nil, fmt.Errorf("%w: tuple %d declares %d bytes, %d remain", errors.ErrParamBlockInvalid, id, length, len(buf))
		}
		b.params = append(b.params, Param{
			ID:    id,
			Type:  typ,
			Value: append([]byte(nil), buf[:length]...),
		})
		buf = buf[length:]
	}
	return b, nil
}
