// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

package param

import (
	"bytes"
	"errors"
	"testing"

	gwerrors "github.com/wayfinder/Wayfinder-Server-sub016/pkg/errors"
)

func TestBlockOrderAndDuplicates(t *testing.T) {
	b := &Block{}
	b.AddString(IDLogin, "alice")
	b.AddUint32(IDServerList, 100)
	b.AddUint32(IDServerList, 200)
	b.AddByte(IDClientType, 7)

	dec, err := Decode(b.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if dec.Len() != 4 {
		t.Fatalf("Len = %d, want 4", dec.Len())
	}

	// Wire order preserved.
	wantIDs := []uint16{IDLogin, IDServerList, IDServerList, IDClientType}
	for i, p := range dec.Params() {
		if p.ID != wantIDs[i] {
			t.Errorf("param %d: ID = %d, want %d", i, p.ID, wantIDs[i])
		}
	}

	// Multi-valued lookup returns both, in order.
	servers := dec.All(IDServerList)
	if len(servers) != 2 {
		t.Fatalf("All(IDServerList) = %d entries, want 2", len(servers))
	}
}

func TestTypedAccessors(t *testing.T) {
	b := &Block{}
	b.AddByte(1, 0x7f)
	b.AddUint16(2, 513)
	b.AddUint32(3, 70000)
	b.AddString(4, "license-abc")
	b.AddByteArray(5, []byte{9, 9, 9})
	b.AddUint32Array(6, []uint32{1, 2, 3})
	b.AddStringArray(7, []string{"a", "bc", ""})

	dec, err := Decode(b.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if v, ok := dec.GetByte(1); !ok || v != 0x7f {
		t.Errorf("GetByte = %v %v", v, ok)
	}
	if v, ok := dec.GetUint16(2); !ok || v != 513 {
		t.Errorf("GetUint16 = %v %v", v, ok)
	}
	if v, ok := dec.GetUint32(3); !ok || v != 70000 {
		t.Errorf("GetUint32 = %v %v", v, ok)
	}
	if v, ok := dec.GetString(4); !ok || v != "license-abc" {
		t.Errorf("GetString = %q %v", v, ok)
	}
	if v, ok := dec.GetByteArray(5); !ok || !bytes.Equal(v, []byte{9, 9, 9}) {
		t.Errorf("GetByteArray = %v %v", v, ok)
	}
	if v, ok := dec.GetStringArray(7); !ok || len(v) != 3 || v[1] != "bc" {
		t.Errorf("GetStringArray = %v %v", v, ok)
	}

	// Type mismatch fails the lookup rather than reinterpreting bytes.
	if _, ok := dec.GetString(1); ok {
		t.Error("GetString on a byte param should fail")
	}
	if _, ok := dec.GetUint32(99); ok {
		t.Error("lookup of absent ID should fail")
	}
}

func TestUnknownTypePreserved(t *testing.T) {
	// Hand-build a tuple with a type code the gateway does not know.
	raw := []byte{0x00, 0x63, 0x2a, 0x00, 0x02, 0xde, 0xad}

	dec, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if dec.Len() != 1 {
		t.Fatalf("Len = %d, want 1", dec.Len())
	}
	if !bytes.Equal(dec.Encode(), raw) {
		t.Error("unknown tuple did not survive a decode/encode round trip")
	}
}

func TestDecodeTruncated(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"short tuple header", []byte{0x00, 0x01, 0x04}},
		{"declared length too long", []byte{0x00, 0x01, 0x04, 0x00, 0x05, 'a', 'b'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.raw); !errors.Is(err, gwerrors.ErrParamBlockInvalid) {
				t.Errorf("err = %v, want ErrParamBlockInvalid", err)
			}
		})
	}
}

func TestRequestRoundTrip(t *testing.T) {
	b := &Block{}
	b.AddString(IDLicenseKey, "IMEI:350123450000001")
	b.AddByte(IDClientType, 2)

	payload := EncodeRequest(0x0042, b)
	req, err := ParseRequest(payload, 11)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}

	if req.Type != 0x0042 {
		t.Errorf("Type = 0x%04x, want 0x0042", req.Type)
	}
	if req.Version != 11 {
		t.Errorf("Version = %d, want 11", req.Version)
	}
	if key, ok := req.Params.GetString(IDLicenseKey); !ok || key != "IMEI:350123450000001" {
		t.Errorf("license key = %q %v", key, ok)
	}
}

func TestReplyRoundTrip(t *testing.T) {
	b := &Block{}
	b.AddString(IDRedirectURL, "nav2.example.com:7655")

	rep, err := ParseReply(EncodeReply(StatusRedirect, b))
	if err != nil {
		t.Fatalf("ParseReply: %v", err)
	}
	if rep.Status != StatusRedirect {
		t.Errorf("Status = %v, want REDIRECT", rep.Status)
	}
	if url, ok := rep.Params.GetString(IDRedirectURL); !ok || url != "nav2.example.com:7655" {
		t.Errorf("redirect = %q %v", url, ok)
	}
}

func TestParseRequestTooShort(t *testing.T) {
	if _, err := ParseRequest([]byte{0x01}, 1); !errors.Is(err, gwerrors.ErrParamBlockInvalid) {
		t.Errorf("err = %v, want ErrParamBlockInvalid", err)
	}
}

func TestStatusString(t *testing.T) {
	if StatusUnauthorizedUser.String() != "UNAUTHORIZED_USER" {
		t.Errorf("got %q", StatusUnauthorizedUser.String())
	}
	if Status(999).String() != "STATUS_999" {
		t.Errorf("got %q", Status(999).String())
	}
}
