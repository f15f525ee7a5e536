// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

package httptunnel

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/auth"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/directory"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/dispatch"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/frame"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/handler"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/param"
)

const testRequestType uint16 = 0x0042

func newTunnel(t *testing.T) (*Server, *directory.Memory, *httptest.Server) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := directory.NewMemory()

	authn := auth.New(dir, auth.Config{
		Defaults: directory.Defaults{
			Subscription:     directory.SubscriptionTrial,
			TransactionsLeft: -1,
		},
		DirectoryTimeout: time.Second,
	}, logger)

	workers := dispatch.New(dispatch.Config{
		MinWorkers: 1,
		MaxWorkers: 4,
		Logger:     logger,
	})
	t.Cleanup(func() { workers.Close() })

	srv := New(Config{}, authn, handler.Noop{}, workers, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return srv, dir, ts
}

func postFrame(t *testing.T, url string, body []byte) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/octet-stream", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, out
}

func decodeReply(t *testing.T, body []byte) *param.Reply {
	t.Helper()
	if len(body) < frame.HeaderSize {
		t.Fatalf("reply body too short: %d bytes", len(body))
	}
	h, err := frame.DecodeHeader(body[:frame.HeaderSize], 0)
	if err != nil {
		t.Fatalf("decode reply header: %v", err)
	}
	if len(body) != frame.HeaderSize+int(h.Length) {
		t.Fatalf("reply length mismatch: body %d, declared %d", len(body), h.Length)
	}
	reply, err := param.ParseReply(frame.Deobfuscate(body[frame.HeaderSize:]))
	if err != nil {
		t.Fatalf("parse reply: %v", err)
	}
	return reply
}

func loginFrame(login, password string) []byte {
	blk := &param.Block{}
	blk.AddString(param.IDLogin, login)
	blk.AddString(param.IDPassword, password)
	blk.AddByte(param.IDClientType, 1)
	blk.AddUint32(param.IDProgramVersion, 100)
	return frame.Encode(param.EncodeRequest(testRequestType, blk), 1)
}

func TestTunnelCredentialsLogin(t *testing.T) {
	_, dir, ts := newTunnel(t)
	dir.Seed(directory.User{
		Login:            "alice",
		Subscription:     directory.SubscriptionGold,
		TransactionsLeft: -1,
		ExpiresAt:        time.Now().Add(time.Hour),
	}, "secret")

	resp, body := postFrame(t, ts.URL, loginFrame("alice", "secret"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("http status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Length"); got == "" {
		t.Fatal("missing Content-Length")
	}

	reply := decodeReply(t, body)
	if reply.Status != param.StatusOK {
		t.Fatalf("status = %v, want OK", reply.Status)
	}
	if _, ok := reply.Params.GetString(param.IDNewSessionKey); !ok {
		t.Fatal("reply missing session key")
	}
}

func TestTunnelSessionResume(t *testing.T) {
	srv, dir, ts := newTunnel(t)
	dir.Seed(directory.User{
		Login:            "bob",
		Subscription:     directory.SubscriptionGold,
		TransactionsLeft: -1,
		ExpiresAt:        time.Now().Add(time.Hour),
	}, "pw")

	_, body := postFrame(t, ts.URL, loginFrame("bob", "pw"))
	first := decodeReply(t, body)
	if first.Status != param.StatusOK {
		t.Fatalf("first status = %v, want OK", first.Status)
	}
	key, ok := first.Params.GetString(param.IDNewSessionKey)
	if !ok {
		t.Fatal("first reply missing session key")
	}
	if srv.SessionCount() != 1 {
		t.Fatalf("SessionCount = %d, want 1", srv.SessionCount())
	}

	// The follow-up request rides the issued key with no credentials at all.
	blk := &param.Block{}
	blk.AddString(param.IDSessionKey, key)
	_, body = postFrame(t, ts.URL, frame.Encode(param.EncodeRequest(testRequestType, blk), 1))

	second := decodeReply(t, body)
	if second.Status != param.StatusOK {
		t.Fatalf("resume status = %v, want OK", second.Status)
	}
}

func TestTunnelRejectsGet(t *testing.T) {
	_, _, ts := newTunnel(t)

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("http status = %d, want 405", resp.StatusCode)
	}
}

func TestTunnelBadFrame(t *testing.T) {
	_, _, ts := newTunnel(t)

	resp, _ := postFrame(t, ts.URL, []byte{0x99, 0x00, 0x00})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("http status = %d, want 400", resp.StatusCode)
	}
}

func TestTunnelLengthMismatch(t *testing.T) {
	_, _, ts := newTunnel(t)

	// Valid header, body shorter than declared.
	full := loginFrame("x", "y")
	resp, _ := postFrame(t, ts.URL, full[:len(full)-2])
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("http status = %d, want 400", resp.StatusCode)
	}
}

func TestTunnelMalformedParamBlock(t *testing.T) {
	_, _, ts := newTunnel(t)

	payload := []byte{
		0x00, 0x42,
		0x00, 0x04,
		byte(param.TypeString),
		0x00, 0x40,
		'x',
	}
	resp, body := postFrame(t, ts.URL, frame.Encode(payload, 1))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("http status = %d, want 200", resp.StatusCode)
	}
	reply := decodeReply(t, body)
	if reply.Status != param.StatusParamBlockInvalid {
		t.Fatalf("status = %v, want PARAMBLOCK_INVALID", reply.Status)
	}
}
