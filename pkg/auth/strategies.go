// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/directory"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/param"
)

// externalHeaderStrategy delegates to a registered external auth scheme when
// the request's client type matches one. The scheme's verdict is final unless
// it explicitly falls through.
type externalHeaderStrategy struct{ a *Authenticator }

func (s *externalHeaderStrategy) Name() string { return "external_header" }

func (s *externalHeaderStrategy) Authenticate(ctx context.Context, at *Attempt) (Outcome, bool) {
	scheme, ok := s.a.external[at.ClientType]
	if !ok {
		return Outcome{}, false
	}

	out, result := scheme.Authenticate(ctx, at)
	switch result {
	case ExternalAuthorized:
		out.Authorized = true
		if out.Status == 0 {
			out.Status = param.StatusOK
		}
		return out, true
	case ExternalUnauthorized:
		out.Authorized = false
		if out.Status == 0 {
			out.Status = param.StatusUnauthorizedUser
		}
		return out, true
	default:
		return Outcome{}, false
	}
}

// sessionKeyStrategy is the fast path for kept-alive connections: a bound
// identity plus a matching session key is accepted without consulting the
// directory. Post-checks already ran when the key was issued.
type sessionKeyStrategy struct{ a *Authenticator }

func (s *sessionKeyStrategy) Name() string { return "session_key" }

func (s *sessionKeyStrategy) Authenticate(ctx context.Context, at *Attempt) (Outcome, bool) {
	identity := at.Session.Identity()
	if identity == nil || at.SessionKey == "" {
		return Outcome{}, false
	}
	if at.SessionKey != at.Session.Key() {
		return Outcome{}, false
	}

	at.skipPostChecks = true
	return Outcome{
		Authorized: true,
		Status:     param.StatusOK,
		Identity:   identity,
	}, true
}

// changedDeviceStrategy handles explicit license rotation requests carrying
// both the old and the new key, reconciling them three ways:
//
//   - both keys resolve to the same account: refresh the binding;
//   - old key bound, new key free: move the account to the new key;
//   - new key bound to a different account: reject;
//   - neither key bound: provision a fresh account on the new key.
type changedDeviceStrategy struct{ a *Authenticator }

func (s *changedDeviceStrategy) Name() string { return "changed_device" }

func (s *changedDeviceStrategy) Authenticate(ctx context.Context, at *Attempt) (Outcome, bool) {
	if at.Request.Type != param.RequestLicenseChange || at.OldLicenseKey == "" || at.LicenseKey == "" {
		return Outcome{}, false
	}

	dctx, cancel := s.a.dirCtx(ctx)
	defer cancel()

	oldUsers, err := s.a.dir.ResolveByLicense(dctx, []string{at.OldLicenseKey})
	if err != nil {
		return s.a.directoryFailure(at.Session, "resolve_old_license", err), true
	}
	newUsers, err := s.a.dir.ResolveByLicense(dctx, []string{at.LicenseKey})
	if err != nil {
		return s.a.directoryFailure(at.Session, "resolve_new_license", err), true
	}

	switch {
	case len(newUsers) == 1 && len(oldUsers) == 1 && newUsers[0].ID == oldUsers[0].ID:
		// Rotation already applied; accept as-is.
		return Outcome{Authorized: true, Status: param.StatusOK, Identity: newUsers[0]}, true

	case len(newUsers) > 0:
		return unauthorized("new license key bound to another account"), true

	case len(oldUsers) == 1:
		u := oldUsers[0]
		if err := s.a.dir.RebindLicense(dctx, u.ID, at.OldLicenseKey, at.LicenseKey); err != nil {
			if errors.Is(err, directory.ErrLicenseInUse) {
				return unauthorized("new license key bound to another account"), true
			}
			return s.a.directoryFailure(at.Session, "rebind_license", err), true
		}
		s.a.logger.Info("license rotated",
			slog.String("session", at.Session.ID),
			slog.Uint64("user", uint64(u.ID)))
		return Outcome{Authorized: true, Status: param.StatusOK, Identity: u}, true

	case len(oldUsers) > 1:
		return unauthorized("old license key ambiguous"), true

	default:
		// Neither key known: who-am-I provisioning on the new key.
		return s.a.provision(dctx, at), true
	}
}

// identityLicenseStrategy authenticates a claimed identifier (login, numeric
// ID, or UIN) together with a license key.
type identityLicenseStrategy struct{ a *Authenticator }

func (s *identityLicenseStrategy) Name() string { return "identity_license" }

func (s *identityLicenseStrategy) Authenticate(ctx context.Context, at *Attempt) (Outcome, bool) {
	claimed := at.Identifier()
	if claimed == "" || at.LicenseKey == "" {
		return Outcome{}, false
	}

	dctx, cancel := s.a.dirCtx(ctx)
	defer cancel()

	users, err := s.a.dir.ResolveByLicense(dctx, []string{at.LicenseKey})
	if err != nil {
		return s.a.directoryFailure(at.Session, "resolve_license", err), true
	}

	switch len(users) {
	case 1:
		u := users[0]
		if claimed != u.Login && claimed != u.UIN && at.UserID != u.ID {
			// The hardware identity wins over the claimed identifier.
			s.a.logger.Info("claimed identity rebound to license owner",
				slog.String("session", at.Session.ID),
				slog.String("claimed", claimed),
				slog.String("resolved", u.Login))
		}
		return Outcome{Authorized: true, Status: param.StatusOK, Identity: u}, true

	case 0:
		return s.a.provision(dctx, at), true

	default:
		// Shared key: the claimed account must actually hold it.
		u, err := s.a.dir.ResolveByIdentifier(dctx, claimed)
		if err != nil {
			if errors.Is(err, directory.ErrNoSuchUser) {
				return unauthorized("claimed identity unknown"), true
			}
			return s.a.directoryFailure(at.Session, "resolve_identifier", err), true
		}
		if !u.HoldsLicense(at.LicenseKey) {
			return unauthorized("claimed identity does not hold license key"), true
		}
		return Outcome{Authorized: true, Status: param.StatusOK, Identity: u}, true
	}
}

// credentialsStrategy verifies a login/password pair against the directory.
type credentialsStrategy struct{ a *Authenticator }

func (s *credentialsStrategy) Name() string { return "credentials" }

func (s *credentialsStrategy) Authenticate(ctx context.Context, at *Attempt) (Outcome, bool) {
	if at.Login == "" || at.Password == "" {
		return Outcome{}, false
	}

	dctx, cancel := s.a.dirCtx(ctx)
	defer cancel()

	u, err := s.a.dir.ResolveByCredentials(dctx, at.Login, at.Password)
	if err != nil {
		if errors.Is(err, directory.ErrBadCredentials) {
			return unauthorized("bad credentials"), true
		}
		return s.a.directoryFailure(at.Session, "resolve_credentials", err), true
	}

	return Outcome{Authorized: true, Status: param.StatusOK, Identity: u}, true
}

// licenseOnlyStrategy is who-am-I resolution from bare hardware identity.
type licenseOnlyStrategy struct{ a *Authenticator }

func (s *licenseOnlyStrategy) Name() string { return "license_only" }

func (s *licenseOnlyStrategy) Authenticate(ctx context.Context, at *Attempt) (Outcome, bool) {
	if at.LicenseKey == "" {
		return Outcome{}, false
	}

	dctx, cancel := s.a.dirCtx(ctx)
	defer cancel()

	users, err := s.a.dir.ResolveByLicense(dctx, []string{at.LicenseKey})
	if err != nil {
		return s.a.directoryFailure(at.Session, "resolve_license", err), true
	}

	switch len(users) {
	case 1:
		return Outcome{Authorized: true, Status: param.StatusOK, Identity: users[0]}, true

	case 0:
		if s.a.cfg.WFIDClientTypes[at.ClientType] {
			// Web-login clients are never provisioned from a license key.
			return unauthorized("unknown license key"), true
		}
		return s.a.provision(dctx, at), true

	default:
		// Ambiguous without a claimed identifier.
		return unauthorized("license key bound to multiple accounts"), true
	}
}

// rejectStrategy terminates the chain: no usable identity material.
type rejectStrategy struct{}

func (s *rejectStrategy) Name() string { return "reject" }

func (s *rejectStrategy) Authenticate(ctx context.Context, at *Attempt) (Outcome, bool) {
	return unauthorized("no usable identity material"), true
}

// provision creates a new account bound to the attempt's license key and
// returns the who-am-I outcome carrying the assigned login and UIN.
func (a *Authenticator) provision(ctx context.Context, at *Attempt) Outcome {
	u, err := a.dir.CreateAccount(ctx, at.LicenseKey, a.cfg.Defaults)
	if err != nil {
		if errors.Is(err, directory.ErrLicenseInUse) {
			// Lost a race with a concurrent provisioning; resolve again.
			users, rerr := a.dir.ResolveByLicense(ctx, []string{at.LicenseKey})
			if rerr == nil && len(users) == 1 {
				return Outcome{Authorized: true, Status: param.StatusOK, Identity: users[0]}
			}
			return unauthorized("license key contention")
		}
		return a.directoryFailure(at.Session, "create_account", err)
	}

	a.logger.Info("account auto-provisioned",
		slog.String("session", at.Session.ID),
		slog.String("login", u.Login),
		slog.String("uin", u.UIN))

	reply := &param.Block{}
	reply.AddString(param.IDNewLogin, u.Login)
	reply.AddString(param.IDUIN, u.UIN)

	return Outcome{
		Authorized:  true,
		Status:      param.StatusOK,
		Identity:    u,
		ReplyParams: reply,
	}
}
