// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

// Package auth resolves identity and authorization for one decoded request
// against a session. The historical deep if/else ladder is expressed as an
// ordered chain of strategies sharing a common contract; the first strategy
// returning a final outcome wins. Identity resolution is followed by an
// ordered post-check pipeline (redirect, version lock, quotas, expiry).
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/directory"
	gwerrors "github.com/wayfinder/Wayfinder-Server-sub016/pkg/errors"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/param"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/session"
)

// Outcome is the result of authenticating one request. Computed fresh per
// request, never persisted.
type Outcome struct {
	Authorized  bool
	Status      param.Status
	Message     string
	Identity    *directory.User
	ReplyParams *param.Block
}

// Attempt carries one request, its session, and the identity material
// extracted from the parameter block. Strategies consume it read-only except
// for the skipPostChecks marker.
type Attempt struct {
	Request *param.Request
	Session *session.Session

	LicenseKey     string
	OldLicenseKey  string
	SessionKey     string
	Login          string
	Password       string
	UIN            string
	UserID         uint32
	ClientType     byte
	ProgramVersion uint32

	skipPostChecks bool
}

// Identifier returns the claimed user identifier: login, UIN, or numeric ID,
// in that preference order. Empty when none was supplied.
func (a *Attempt) Identifier() string {
	if a.Login != "" {
		return a.Login
	}
	if a.UIN != "" {
		return a.UIN
	}
	if a.UserID != 0 {
		return strconv.FormatUint(uint64(a.UserID), 10)
	}
	return ""
}

// Strategy is one link of the authentication chain. It returns its outcome
// and true when the decision is final; (zero, false) means fall through to
// the next strategy.
type Strategy interface {
	Name() string
	Authenticate(ctx context.Context, a *Attempt) (Outcome, bool)
}

// ExternalResult is the verdict of an external auth scheme.
type ExternalResult int

const (
	// ExternalContinue falls through to normal authentication.
	ExternalContinue ExternalResult = iota
	// ExternalAuthorized accepts the request.
	ExternalAuthorized
	// ExternalUnauthorized rejects the request.
	ExternalUnauthorized
)

// ExternalScheme authenticates client types that carry their own identity
// proof (e.g. web-login tokens) instead of the device license flow.
type ExternalScheme interface {
	Authenticate(ctx context.Context, a *Attempt) (Outcome, ExternalResult)
}

// Config holds authentication policy.
type Config struct {
	// RedirectURL, when set, sheds every client to the given address.
	RedirectURL string

	// UpgradeURL is returned to clients rejected by the version lock.
	UpgradeURL string

	// MinVersions maps client type to the minimum accepted program version.
	MinVersions map[byte]uint32

	// MinSubscriptions maps client type to the subscription level it demands.
	MinSubscriptions map[byte]directory.SubscriptionLevel

	// WFIDClientTypes marks client variants that authenticate via web login;
	// they are never auto-provisioned from a bare license key.
	WFIDClientTypes map[byte]bool

	// Defaults configures auto-provisioned ("who-am-I") accounts.
	Defaults directory.Defaults

	// TrialDuration is the trial granted by the bootstrap check.
	TrialDuration time.Duration

	// DirectoryTimeout bounds each user-directory call.
	DirectoryTimeout time.Duration
}

// Authenticator evaluates the strategy chain and post-check pipeline.
type Authenticator struct {
	dir        directory.Directory
	cfg        Config
	logger     *slog.Logger
	external   map[byte]ExternalScheme
	strategies []Strategy
	checks     []postCheck
}

// New creates an Authenticator over the given user directory.
func New(dir directory.Directory, cfg Config, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DirectoryTimeout == 0 {
		cfg.DirectoryTimeout = 5 * time.Second
	}
	if cfg.TrialDuration == 0 {
		cfg.TrialDuration = 30 * 24 * time.Hour
	}

	a := &Authenticator{
		dir:      dir,
		cfg:      cfg,
		logger:   logger,
		external: make(map[byte]ExternalScheme),
	}

	// Precedence is fixed; see the wire protocol notes in DESIGN.md.
	a.strategies = []Strategy{
		&externalHeaderStrategy{a},
		&sessionKeyStrategy{a},
		&changedDeviceStrategy{a},
		&identityLicenseStrategy{a},
		&credentialsStrategy{a},
		&licenseOnlyStrategy{a},
		&rejectStrategy{},
	}

	a.checks = []postCheck{
		{"forced_redirect", a.checkForcedRedirect},
		{"version_lock", a.checkVersionLock},
		{"reactivation_token", a.checkReactivationToken},
		{"trial_bootstrap", a.checkTrialBootstrap},
		{"subscription_bounds", a.checkSubscriptionBounds},
		{"transaction_quota", a.checkTransactionQuota},
		{"account_expiry", a.checkAccountExpiry},
	}

	return a
}

// RegisterExternal binds an external auth scheme to a client type.
func (a *Authenticator) RegisterExternal(clientType byte, scheme ExternalScheme) {
	a.external[clientType] = scheme
}

// Authenticate resolves identity and authorization for one decoded request.
// It never panics across this boundary and never returns a raw downstream
// error: every failure is expressed through the outcome's status code.
func (a *Authenticator) Authenticate(ctx context.Context, req *param.Request, sess *session.Session) Outcome {
	attempt := newAttempt(req, sess)

	var out Outcome
	for _, s := range a.strategies {
		var done bool
		out, done = s.Authenticate(ctx, attempt)
		if done {
			if out.Authorized {
				a.logger.Debug("authenticated",
					slog.String("session", sess.ID),
					slog.String("strategy", s.Name()))
			}
			break
		}
	}

	if out.ReplyParams == nil {
		out.ReplyParams = &param.Block{}
	}

	if !out.Authorized {
		sess.ClearIdentity()
		return out
	}

	sess.Bind(out.Identity)

	// Issue a session key on first successful authentication so the client
	// can take the fast path on later frames of a reused connection.
	if sess.Key() == "" {
		out.ReplyParams.AddString(param.IDNewSessionKey, sess.IssueKey())
	}

	if attempt.skipPostChecks {
		return out
	}

	for _, c := range a.checks {
		if cont := c.fn(ctx, attempt, &out); !cont {
			a.logger.Info("post-check rejected request",
				slog.String("session", sess.ID),
				slog.String("check", c.name),
				slog.String("status", out.Status.String()))
			out.Authorized = false
			out.Identity = nil
			sess.ClearIdentity()
			break
		}
	}

	return out
}

// postCheck is one link of the ordered post-check pipeline. fn returns false
// to stop the pipeline; it must set the outcome's status first.
type postCheck struct {
	name string
	fn   func(ctx context.Context, a *Attempt, out *Outcome) bool
}

// newAttempt extracts the small fixed set of auth parameters the core
// interprets; everything else in the block remains opaque.
func newAttempt(req *param.Request, sess *session.Session) *Attempt {
	a := &Attempt{Request: req, Session: sess}
	p := req.Params

	a.LicenseKey, _ = p.GetString(param.IDLicenseKey)
	a.OldLicenseKey, _ = p.GetString(param.IDOldLicenseKey)
	a.SessionKey, _ = p.GetString(param.IDSessionKey)
	a.Login, _ = p.GetString(param.IDLogin)
	a.Password, _ = p.GetString(param.IDPassword)
	a.UIN, _ = p.GetString(param.IDUIN)
	a.UserID, _ = p.GetUint32(param.IDUserID)
	a.ClientType, _ = p.GetByte(param.IDClientType)
	a.ProgramVersion, _ = p.GetUint32(param.IDProgramVersion)

	return a
}

// dirCtx derives a bounded context for one directory call.
func (a *Authenticator) dirCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.cfg.DirectoryTimeout)
}

// directoryFailure maps a downstream error to the status the client sees:
// timeouts and unavailability become REQUEST_TIMEOUT (retry later), anything
// else NOT_OK. Failures are never silently swallowed.
func (a *Authenticator) directoryFailure(sess *session.Session, op string, err error) Outcome {
	status := param.StatusNotOK
	if errors.Is(err, gwerrors.ErrTimeout) ||
		errors.Is(err, gwerrors.ErrDirectoryUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) {
		status = param.StatusRequestTimeout
	}

	a.logger.Error("user directory call failed",
		slog.String("session", sess.ID),
		slog.String("op", op),
		slog.String("error", err.Error()))

	return Outcome{
		Authorized: false,
		Status:     status,
		Message:    "user directory failure",
	}
}

func unauthorized(message string) Outcome {
	return Outcome{
		Authorized: false,
		Status:     param.StatusUnauthorizedUser,
		Message:    message,
	}
}
