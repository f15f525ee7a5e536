// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"time"

	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/param"
)

// The post-check pipeline runs after identity resolution, in a fixed order.
// Each check returns false to stop the pipeline, having set the outcome's
// status and any reply parameters; an earlier rejection short-circuits later
// checks. The caller clears the session identity on rejection.

// checkForcedRedirect sheds clients to an alternate address when the server
// is being drained.
func (a *Authenticator) checkForcedRedirect(ctx context.Context, at *Attempt, out *Outcome) bool {
	if a.cfg.RedirectURL == "" {
		return true
	}
	out.Status = param.StatusRedirect
	out.Message = "server redirecting clients"
	out.ReplyParams.AddString(param.IDRedirectURL, a.cfg.RedirectURL)
	return false
}

// checkVersionLock rejects client builds older than the per-client-type
// minimum, pointing them at the upgrade location.
func (a *Authenticator) checkVersionLock(ctx context.Context, at *Attempt, out *Outcome) bool {
	min, ok := a.cfg.MinVersions[at.ClientType]
	if !ok || at.ProgramVersion >= min {
		return true
	}
	out.Status = param.StatusExtendedError
	out.Message = "client version below minimum"
	if a.cfg.UpgradeURL != "" {
		out.ReplyParams.AddString(param.IDRedirectURL, a.cfg.UpgradeURL)
	}
	return false
}

// checkReactivationToken blocks accounts that have a pending reactivation
// token, handing the token back so the client can complete the flow.
func (a *Authenticator) checkReactivationToken(ctx context.Context, at *Attempt, out *Outcome) bool {
	if out.Identity == nil || out.Identity.ReactivationToken == "" {
		return true
	}
	out.Status = param.StatusExtendedError
	out.Message = "reactivation pending"
	out.ReplyParams.AddString(param.IDReactivationToken, out.Identity.ReactivationToken)
	return false
}

// checkTrialBootstrap starts the trial period and grants the earth right on
// an account's first authenticated request.
func (a *Authenticator) checkTrialBootstrap(ctx context.Context, at *Attempt, out *Outcome) bool {
	u := out.Identity
	if u == nil || u.TrialStarted {
		return true
	}

	dctx, cancel := a.dirCtx(ctx)
	defer cancel()

	updated, err := a.dir.StartTrial(dctx, u.ID, a.cfg.TrialDuration)
	if err != nil {
		*out = a.directoryFailure(at.Session, "start_trial", err)
		out.ReplyParams = &param.Block{}
		return false
	}

	out.Identity = updated
	at.Session.Bind(updated)
	return true
}

// checkSubscriptionBounds rejects accounts whose subscription level is below
// what the client type demands.
func (a *Authenticator) checkSubscriptionBounds(ctx context.Context, at *Attempt, out *Outcome) bool {
	required, ok := a.cfg.MinSubscriptions[at.ClientType]
	if !ok || out.Identity == nil || out.Identity.Subscription >= required {
		return true
	}
	out.Status = param.StatusWFTypeTooHighLow
	out.Message = "subscription level out of bounds for client type"
	return false
}

// checkTransactionQuota consumes one transaction from the account's quota.
// A negative quota means unlimited; an exhausted quota rejects the request.
func (a *Authenticator) checkTransactionQuota(ctx context.Context, at *Attempt, out *Outcome) bool {
	u := out.Identity
	if u == nil || u.TransactionsLeft < 0 {
		return true
	}
	if u.TransactionsLeft == 0 {
		out.Status = param.StatusExpiredUser
		out.Message = "transaction quota exhausted"
		return false
	}

	dctx, cancel := a.dirCtx(ctx)
	defer cancel()

	remaining, err := a.dir.ConsumeTransaction(dctx, u.ID)
	if err != nil {
		*out = a.directoryFailure(at.Session, "consume_transaction", err)
		out.ReplyParams = &param.Block{}
		return false
	}

	out.ReplyParams.AddUint32(param.IDTransactionsLeft, uint32(remaining))
	return true
}

// checkAccountExpiry rejects accounts past their expiry time.
func (a *Authenticator) checkAccountExpiry(ctx context.Context, at *Attempt, out *Outcome) bool {
	if out.Identity == nil || !out.Identity.Expired(time.Now()) {
		return true
	}
	out.Status = param.StatusExpiredUser
	out.Message = "account expired"
	return false
}
