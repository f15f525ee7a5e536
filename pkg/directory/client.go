// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/breaker"
	gwerrors "github.com/wayfinder/Wayfinder-Server-sub016/pkg/errors"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/frame"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/param"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/pool"
)

// Directory RPC request types, carried in the frame payload's type tag.
const (
	reqResolveByLicense     uint16 = 0x0101
	reqResolveByCredentials uint16 = 0x0102
	reqResolveByIdentifier  uint16 = 0x0103
	reqCreateAccount        uint16 = 0x0104
	reqRebindLicense        uint16 = 0x0105
	reqStartTrial           uint16 = 0x0106
	reqConsumeTransaction   uint16 = 0x0107
)

// Directory-specific parameter IDs, outside the client-facing ID range.
const (
	idUser             uint16 = 0x0101 // repeated: one encoded user block per match
	idSubscription     uint16 = 0x0102
	idExpiresAt        uint16 = 0x0103 // unix seconds
	idTransactions     uint16 = 0x0104
	idTransactionDays  uint16 = 0x0105
	idFlags            uint16 = 0x0106 // bit0 trialStarted, bit1 earthRight
	idTrialDuration    uint16 = 0x0107 // seconds
	idRemaining        uint16 = 0x0108
	idFailureReason    uint16 = 0x0109
	idIdentifier       uint16 = 0x010a
	idNewLicenseKeyDir uint16 = 0x010b
)

// Failure reasons carried by StatusNotOK replies.
const (
	reasonNoSuchUser     = "no_such_user"
	reasonBadCredentials = "bad_credentials"
	reasonLicenseInUse   = "license_in_use"
)

// protocolVersion is the frame version spoken to the user-module backend.
const protocolVersion byte = 1

// ClientConfig holds remote directory client configuration.
type ClientConfig struct {
	// Address is the user-module backend address (host:port).
	Address string

	// CallTimeout bounds a single directory round trip.
	CallTimeout time.Duration

	// Pool configures the backend connection pool.
	Pool pool.Config

	// Breaker configures the circuit breaker around backend calls.
	Breaker breaker.Config

	// Logger for client events.
	Logger *slog.Logger
}

// Client is a Directory implementation speaking the parameter-block protocol
// to a remote user-module backend, with pooled connections and a circuit
// breaker. Open circuit or exhausted pool surface as ErrDirectoryUnavailable,
// which the authenticator maps to a retry-later status.
type Client struct {
	config ClientConfig
	pool   *pool.Pool
	cb     *breaker.CircuitBreaker
	logger *slog.Logger
}

var _ Directory = (*Client)(nil)

// NewClient creates a remote directory client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 5 * time.Second
	}

	c := &Client{
		config: cfg,
		cb:     breaker.New(cfg.Breaker),
		logger: cfg.Logger,
	}

	c.pool = pool.New(func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", cfg.Address)
	}, cfg.Pool)

	c.cb.OnStateChange(func(from, to breaker.State) {
		c.logger.Warn("directory circuit breaker state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
	})

	return c
}

// Close releases the client's pooled connections.
func (c *Client) Close() error {
	return c.pool.Close()
}

// roundTrip performs one framed request/reply exchange with the backend.
func (c *Client) roundTrip(ctx context.Context, reqType uint16, blk *param.Block) (*param.Reply, error) {
	var reply *param.Reply

	err := c.cb.Call(func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
		defer cancel()

		conn, err := c.pool.Get(callCtx)
		if err != nil {
			return err
		}

		deadline, ok := callCtx.Deadline()
		if ok {
			conn.SetDeadline(deadline)
		}

		out := frame.Encode(param.EncodeRequest(reqType, blk), protocolVersion)
		if _, err := conn.Write(out); err != nil {
			conn.Discard()
			return fmt.Errorf("directory write: %w", err)
		}

		var hdr [frame.HeaderSize]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			conn.Discard()
			return fmt.Errorf("directory read header: %w", err)
		}
		h, err := frame.DecodeHeader(hdr[:], 0)
		if err != nil {
			conn.Discard()
			return err
		}

		body := make([]byte, h.Length)
		if _, err := io.ReadFull(conn, body); err != nil {
			conn.Discard()
			return fmt.Errorf("directory read body: %w", err)
		}

		rep, err := param.ParseReply(frame.Deobfuscate(body))
		if err != nil {
			conn.Discard()
			return err
		}

		conn.Release()
		reply = rep
		return nil
	})

	if err != nil {
		switch {
		case err == breaker.ErrCircuitOpen, err == pool.ErrPoolExhausted, err == pool.ErrPoolClosed:
			return nil, fmt.Errorf("%w: %v", gwerrors.ErrDirectoryUnavailable, err)
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%w: %v", gwerrors.ErrTimeout, err)
		default:
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, fmt.Errorf("%w: %v", gwerrors.ErrTimeout, err)
			}
			return nil, err
		}
	}

	return reply, nil
}

// failureError maps a NOT_OK reply's failure reason to a sentinel error.
func failureError(rep *param.Reply) error {
	reason, _ := rep.Params.GetString(idFailureReason)
	switch reason {
	case reasonNoSuchUser:
		return ErrNoSuchUser
	case reasonBadCredentials:
		return ErrBadCredentials
	case reasonLicenseInUse:
		return ErrLicenseInUse
	default:
		return fmt.Errorf("directory replied %s (%s)", rep.Status, reason)
	}
}

func (c *Client) ResolveByLicense(ctx context.Context, keys []string) ([]*User, error) {
	blk := &param.Block{}
	blk.AddStringArray(param.IDLicenseKey, keys)

	rep, err := c.roundTrip(ctx, reqResolveByLicense, blk)
	if err != nil {
		return nil, err
	}
	if rep.Status != param.StatusOK {
		return nil, failureError(rep)
	}

	var users []*User
	for _, p := range rep.Params.All(idUser) {
		u, err := decodeUser(p.Value)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

func (c *Client) ResolveByCredentials(ctx context.Context, login, password string) (*User, error) {
	blk := &param.Block{}
	blk.AddString(param.IDLogin, login)
	blk.AddString(param.IDPassword, password)

	return c.singleUser(ctx, reqResolveByCredentials, blk)
}

func (c *Client) ResolveByIdentifier(ctx context.Context, identifier string) (*User, error) {
	blk := &param.Block{}
	blk.AddString(idIdentifier, identifier)

	return c.singleUser(ctx, reqResolveByIdentifier, blk)
}

func (c *Client) CreateAccount(ctx context.Context, licenseKey string, defaults Defaults) (*User, error) {
	blk := &param.Block{}
	blk.AddString(param.IDLicenseKey, licenseKey)
	blk.AddByte(idSubscription, byte(defaults.Subscription))
	blk.AddUint32(idTrialDuration, uint32(defaults.TrialDuration/time.Second))
	blk.AddUint32(idTransactions, uint32(defaults.TransactionsLeft))
	blk.AddUint32(idTransactionDays, uint32(defaults.TransactionDays))

	return c.singleUser(ctx, reqCreateAccount, blk)
}

func (c *Client) RebindLicense(ctx context.Context, userID uint32, oldKey, newKey string) error {
	blk := &param.Block{}
	blk.AddUint32(param.IDUserID, userID)
	blk.AddString(param.IDOldLicenseKey, oldKey)
	blk.AddString(idNewLicenseKeyDir, newKey)

	rep, err := c.roundTrip(ctx, reqRebindLicense, blk)
	if err != nil {
		return err
	}
	if rep.Status != param.StatusOK {
		return failureError(rep)
	}
	return nil
}

func (c *Client) StartTrial(ctx context.Context, userID uint32, duration time.Duration) (*User, error) {
	blk := &param.Block{}
	blk.AddUint32(param.IDUserID, userID)
	blk.AddUint32(idTrialDuration, uint32(duration/time.Second))

	return c.singleUser(ctx, reqStartTrial, blk)
}

func (c *Client) ConsumeTransaction(ctx context.Context, userID uint32) (int32, error) {
	blk := &param.Block{}
	blk.AddUint32(param.IDUserID, userID)

	rep, err := c.roundTrip(ctx, reqConsumeTransaction, blk)
	if err != nil {
		return 0, err
	}
	if rep.Status != param.StatusOK {
		return 0, failureError(rep)
	}
	remaining, _ := rep.Params.GetUint32(idRemaining)
	return int32(remaining), nil
}

// singleUser performs a round trip whose OK reply carries exactly one user.
func (c *Client) singleUser(ctx context.Context, reqType uint16, blk *param.Block) (*User, error) {
	rep, err := c.roundTrip(ctx, reqType, blk)
	if err != nil {
		return nil, err
	}
	if rep.Status != param.StatusOK {
		return nil, failureError(rep)
	}
	raw, ok := rep.Params.GetByteArray(idUser)
	if !ok {
		return nil, fmt.Errorf("directory reply missing user block")
	}
	return decodeUser(raw)
}

// encodeUser serializes a user snapshot as a nested parameter block. Shared
// with the test harness standing in for the backend.
func encodeUser(u *User) []byte {
	blk := &param.Block{}
	blk.AddUint32(param.IDUserID, u.ID)
	blk.AddString(param.IDUIN, u.UIN)
	blk.AddString(param.IDLogin, u.Login)
	blk.AddStringArray(param.IDLicenseKey, u.LicenseKeys)
	blk.AddByte(idSubscription, byte(u.Subscription))
	if !u.ExpiresAt.IsZero() {
		blk.AddUint32(idExpiresAt, uint32(u.ExpiresAt.Unix()))
	}
	blk.AddUint32(idTransactions, uint32(u.TransactionsLeft))
	blk.AddUint32(idTransactionDays, uint32(u.TransactionDays))

	var flags byte
	if u.TrialStarted {
		flags |= 1
	}
	if u.EarthRight {
		flags |= 2
	}
	blk.AddByte(idFlags, flags)

	if u.ReactivationToken != "" {
		blk.AddString(param.IDReactivationToken, u.ReactivationToken)
	}
	return blk.Encode()
}

// decodeUser parses a nested user block.
func decodeUser(raw []byte) (*User, error) {
	blk, err := param.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("user block: %w", err)
	}

	u := &User{}
	u.ID, _ = blk.GetUint32(param.IDUserID)
	u.UIN, _ = blk.GetString(param.IDUIN)
	u.Login, _ = blk.GetString(param.IDLogin)
	u.LicenseKeys, _ = blk.GetStringArray(param.IDLicenseKey)

	if sub, ok := blk.GetByte(idSubscription); ok {
		u.Subscription = SubscriptionLevel(sub)
	}
	if exp, ok := blk.GetUint32(idExpiresAt); ok {
		u.ExpiresAt = time.Unix(int64(exp), 0)
	}
	if tx, ok := blk.GetUint32(idTransactions); ok {
		u.TransactionsLeft = int32(tx)
	}
	if td, ok := blk.GetUint32(idTransactionDays); ok {
		u.TransactionDays = int32(td)
	}
	if flags, ok := blk.GetByte(idFlags); ok {
		u.TrialStarted = flags&1 != 0
		u.EarthRight = flags&2 != 0
	}
	u.ReactivationToken, _ = blk.GetString(param.IDReactivationToken)

	return u, nil
}
