// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/breaker"
	gwerrors "github.com/wayfinder/Wayfinder-Server-sub016/pkg/errors"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/frame"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/param"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/pool"
)

// fakeBackend answers directory RPCs over the frame protocol, backed by an
// in-memory store. It stands in for the user-module backend.
type fakeBackend struct {
	ln    net.Listener
	store *Memory
}

func startBackend(t *testing.T) *fakeBackend {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	b := &fakeBackend{ln: ln, store: NewMemory()}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go b.serve(conn)
		}
	}()
	return b
}

func (b *fakeBackend) serve(conn net.Conn) {
	defer conn.Close()
	for {
		hdr := make([]byte, frame.HeaderSize)
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return
		}
		h, err := frame.DecodeHeader(hdr, 0)
		if err != nil {
			return
		}
		body := make([]byte, h.Length)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		req, err := param.ParseRequest(frame.Deobfuscate(body), h.Version)
		if err != nil {
			return
		}

		status, blk := b.handle(req)
		if _, err := conn.Write(frame.Encode(param.EncodeReply(status, blk), h.Version)); err != nil {
			return
		}
	}
}

func failReply(reason string) (param.Status, *param.Block) {
	blk := &param.Block{}
	blk.AddString(idFailureReason, reason)
	return param.StatusNotOK, blk
}

func (b *fakeBackend) handle(req *param.Request) (param.Status, *param.Block) {
	ctx := context.Background()
	blk := &param.Block{}

	switch req.Type {
	case reqResolveByLicense:
		keys, _ := req.Params.GetStringArray(param.IDLicenseKey)
		users, _ := b.store.ResolveByLicense(ctx, keys)
		for _, u := range users {
			blk.AddByteArray(idUser, encodeUser(u))
		}
		return param.StatusOK, blk

	case reqResolveByCredentials:
		login, _ := req.Params.GetString(param.IDLogin)
		password, _ := req.Params.GetString(param.IDPassword)
		u, err := b.store.ResolveByCredentials(ctx, login, password)
		if err != nil {
			return failReply(reasonBadCredentials)
		}
		blk.AddByteArray(idUser, encodeUser(u))
		return param.StatusOK, blk

	case reqResolveByIdentifier:
		ident, _ := req.Params.GetString(idIdentifier)
		u, err := b.store.ResolveByIdentifier(ctx, ident)
		if err != nil {
			return failReply(reasonNoSuchUser)
		}
		blk.AddByteArray(idUser, encodeUser(u))
		return param.StatusOK, blk

	case reqCreateAccount:
		key, _ := req.Params.GetString(param.IDLicenseKey)
		sub, _ := req.Params.GetByte(idSubscription)
		trialSecs, _ := req.Params.GetUint32(idTrialDuration)
		tx, _ := req.Params.GetUint32(idTransactions)
		u, err := b.store.CreateAccount(ctx, key, Defaults{
			Subscription:     SubscriptionLevel(sub),
			TrialDuration:    time.Duration(trialSecs) * time.Second,
			TransactionsLeft: int32(tx),
		})
		if err != nil {
			return failReply(reasonLicenseInUse)
		}
		blk.AddByteArray(idUser, encodeUser(u))
		return param.StatusOK, blk

	case reqRebindLicense:
		id, _ := req.Params.GetUint32(param.IDUserID)
		oldKey, _ := req.Params.GetString(param.IDOldLicenseKey)
		newKey, _ := req.Params.GetString(idNewLicenseKeyDir)
		if err := b.store.RebindLicense(ctx, id, oldKey, newKey); err != nil {
			if errors.Is(err, ErrLicenseInUse) {
				return failReply(reasonLicenseInUse)
			}
			return failReply(reasonNoSuchUser)
		}
		return param.StatusOK, blk

	case reqStartTrial:
		id, _ := req.Params.GetUint32(param.IDUserID)
		secs, _ := req.Params.GetUint32(idTrialDuration)
		u, err := b.store.StartTrial(ctx, id, time.Duration(secs)*time.Second)
		if err != nil {
			return failReply(reasonNoSuchUser)
		}
		blk.AddByteArray(idUser, encodeUser(u))
		return param.StatusOK, blk

	case reqConsumeTransaction:
		id, _ := req.Params.GetUint32(param.IDUserID)
		left, err := b.store.ConsumeTransaction(ctx, id)
		if err != nil {
			return failReply(reasonNoSuchUser)
		}
		blk.AddUint32(idRemaining, uint32(left))
		return param.StatusOK, blk

	default:
		return failReply("")
	}
}

func newTestClient(t *testing.T, addr string) *Client {
	t.Helper()
	c := NewClient(ClientConfig{
		Address:     addr,
		CallTimeout: 2 * time.Second,
		Pool: pool.Config{
			MaxIdle:     2,
			MaxActive:   4,
			DialTimeout: time.Second,
		},
		Breaker: breaker.Config{
			MaxFailures:      3,
			ResetTimeout:     time.Minute,
			SuccessThreshold: 1,
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientResolveByLicense(t *testing.T) {
	b := startBackend(t)
	b.store.Seed(User{
		Login:            "remote1",
		LicenseKeys:      []string{"RK-1"},
		Subscription:     SubscriptionGold,
		TrialStarted:     true,
		EarthRight:       true,
		TransactionsLeft: 5,
		ExpiresAt:        time.Now().Add(time.Hour).Truncate(time.Second),
	}, "pw")
	b.store.Seed(User{Login: "remote2", LicenseKeys: []string{"RK-1"}}, "pw")

	c := newTestClient(t, b.ln.Addr().String())

	users, err := c.ResolveByLicense(context.Background(), []string{"RK-1"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("got %d users, want 2", len(users))
	}

	var u *User
	for _, cand := range users {
		if cand.Login == "remote1" {
			u = cand
		}
	}
	if u == nil {
		t.Fatal("remote1 missing from reply")
	}
	if !u.HoldsLicense("RK-1") || u.Subscription != SubscriptionGold {
		t.Fatalf("user fields lost in transit: %+v", u)
	}
	if !u.TrialStarted || !u.EarthRight || u.TransactionsLeft != 5 {
		t.Fatalf("user flags lost in transit: %+v", u)
	}
	if u.ExpiresAt.IsZero() {
		t.Fatal("expiry lost in transit")
	}
}

func TestClientResolveByCredentials(t *testing.T) {
	b := startBackend(t)
	b.store.Seed(User{Login: "remote"}, "secret")
	c := newTestClient(t, b.ln.Addr().String())

	u, err := c.ResolveByCredentials(context.Background(), "remote", "secret")
	if err != nil || u.Login != "remote" {
		t.Fatalf("resolve = %v, %v", u, err)
	}

	if _, err := c.ResolveByCredentials(context.Background(), "remote", "wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("bad password err = %v, want ErrBadCredentials", err)
	}
}

func TestClientCreateAccount(t *testing.T) {
	b := startBackend(t)
	c := newTestClient(t, b.ln.Addr().String())

	u, err := c.CreateAccount(context.Background(), "NEW-KEY", Defaults{
		Subscription:  SubscriptionTrial,
		TrialDuration: time.Hour,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if u.Login == "" || !u.HoldsLicense("NEW-KEY") {
		t.Fatalf("created user incomplete: %+v", u)
	}

	if _, err := c.CreateAccount(context.Background(), "NEW-KEY", Defaults{}); !errors.Is(err, ErrLicenseInUse) {
		t.Fatalf("duplicate create err = %v, want ErrLicenseInUse", err)
	}
}

func TestClientRebindAndConsume(t *testing.T) {
	b := startBackend(t)
	u := b.store.Seed(User{Login: "remote", LicenseKeys: []string{"OLD"}, TransactionsLeft: 2}, "pw")
	c := newTestClient(t, b.ln.Addr().String())

	if err := c.RebindLicense(context.Background(), u.ID, "OLD", "NEW"); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	after, err := c.ResolveByIdentifier(context.Background(), "remote")
	if err != nil || !after.HoldsLicense("NEW") {
		t.Fatalf("after rebind = %v, %v", after, err)
	}

	left, err := c.ConsumeTransaction(context.Background(), u.ID)
	if err != nil || left != 1 {
		t.Fatalf("consume = %d, %v, want 1", left, err)
	}
}

func TestClientBreakerOpensWhenBackendDown(t *testing.T) {
	// Grab a port and close it so dials are refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := newTestClient(t, addr)

	for i := 0; i < 3; i++ {
		if _, err := c.ResolveByIdentifier(context.Background(), "anyone"); err == nil {
			t.Fatalf("call %d succeeded against dead backend", i)
		}
	}

	// The breaker is open now; failures short-circuit to unavailable.
	_, err = c.ResolveByIdentifier(context.Background(), "anyone")
	if !errors.Is(err, gwerrors.ErrDirectoryUnavailable) {
		t.Fatalf("open-circuit err = %v, want ErrDirectoryUnavailable", err)
	}
}
