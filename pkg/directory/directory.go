// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

// Package directory defines the user-directory collaborator contract: the
// narrow query/command surface the gateway needs to resolve identity material
// (license keys, credentials) into user accounts. Storage and billing live
// behind this interface.
package directory

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoSuchUser indicates the identity material matched no account.
	ErrNoSuchUser = errors.New("no such user")

	// ErrBadCredentials indicates a login/password mismatch.
	ErrBadCredentials = errors.New("bad credentials")

	// ErrLicenseInUse indicates a license key already bound to another account.
	ErrLicenseInUse = errors.New("license key bound to another account")
)

// SubscriptionLevel orders client entitlements. A client type demands a
// minimum level; accounts below it are rejected.
type SubscriptionLevel uint8

const (
	SubscriptionTrial SubscriptionLevel = iota
	SubscriptionSilver
	SubscriptionGold
	SubscriptionIron
)

// User is an immutable account snapshot as seen by the gateway. Mutations go
// through Directory commands; the snapshot is re-fetched afterwards when the
// caller needs fresh state.
type User struct {
	ID                uint32
	UIN               string
	Login             string
	LicenseKeys       []string
	Subscription      SubscriptionLevel
	TrialStarted      bool
	EarthRight        bool
	ExpiresAt         time.Time
	TransactionsLeft  int32
	TransactionDays   int32
	ReactivationToken string
}

// HoldsLicense reports whether the account is bound to the given key.
func (u *User) HoldsLicense(key string) bool {
	for _, k := range u.LicenseKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Expired reports whether the account has passed its expiry time.
func (u *User) Expired(now time.Time) bool {
	return !u.ExpiresAt.IsZero() && now.After(u.ExpiresAt)
}

// Defaults carries account defaults for auto-provisioned ("who-am-I") users.
type Defaults struct {
	Subscription     SubscriptionLevel
	TrialDuration    time.Duration
	TransactionsLeft int32
	TransactionDays  int32
}

// Directory is the user-directory collaborator. All calls may block on a
// remote backend; they honor ctx deadlines and return wrapped errors on
// downstream failure.
type Directory interface {
	// ResolveByLicense returns every account bound to any of the given keys.
	ResolveByLicense(ctx context.Context, keys []string) ([]*User, error)

	// ResolveByCredentials verifies a login/password pair and returns the
	// account on success, ErrBadCredentials on mismatch.
	ResolveByCredentials(ctx context.Context, login, password string) (*User, error)

	// ResolveByIdentifier looks up an account by login, numeric ID, or UIN.
	ResolveByIdentifier(ctx context.Context, identifier string) (*User, error)

	// CreateAccount provisions a new account bound to the license key.
	CreateAccount(ctx context.Context, licenseKey string, defaults Defaults) (*User, error)

	// RebindLicense moves a user's binding from oldKey to newKey.
	RebindLicense(ctx context.Context, userID uint32, oldKey, newKey string) error

	// StartTrial marks the trial started and grants the earth right.
	StartTrial(ctx context.Context, userID uint32, duration time.Duration) (*User, error)

	// ConsumeTransaction decrements the account's transaction quota and
	// returns the remaining count.
	ConsumeTransaction(ctx context.Context, userID uint32) (int32, error)
}
