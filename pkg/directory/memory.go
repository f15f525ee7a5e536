// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Memory is a concurrent in-memory Directory. It backs single-node
// deployments and tests; production setups point the gateway at a remote
// user-module backend through Client instead.
type Memory struct {
	mu        sync.RWMutex
	nextID    uint32
	users     map[uint32]*User
	passwords map[uint32]string
}

var _ Directory = (*Memory)(nil)

// NewMemory creates an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{
		nextID:    1,
		users:     make(map[uint32]*User),
		passwords: make(map[uint32]string),
	}
}

// Seed inserts an account with the given password, assigning an ID if unset.
// Intended for tests and bootstrap fixtures.
func (m *Memory) Seed(u User, password string) *User {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u.ID == 0 {
		u.ID = m.nextID
	}
	if u.ID >= m.nextID {
		m.nextID = u.ID + 1
	}
	if u.UIN == "" {
		u.UIN = fmt.Sprintf("WF%08d", u.ID)
	}
	stored := u
	m.users[u.ID] = &stored
	m.passwords[u.ID] = password
	return snapshot(&stored)
}

// snapshot copies a user so callers never share the stored struct.
func snapshot(u *User) *User {
	c := *u
	c.LicenseKeys = append([]string(nil), u.LicenseKeys...)
	return &c
}

func (m *Memory) ResolveByLicense(ctx context.Context, keys []string) ([]*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*User
	seen := make(map[uint32]bool)
	for _, key := range keys {
		for _, u := range m.users {
			if !seen[u.ID] && u.HoldsLicense(key) {
				seen[u.ID] = true
				out = append(out, snapshot(u))
			}
		}
	}
	return out, nil
}

func (m *Memory) ResolveByCredentials(ctx context.Context, login, password string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if u.Login == login {
			if m.passwords[u.ID] != password {
				return nil, ErrBadCredentials
			}
			return snapshot(u), nil
		}
	}
	return nil, ErrBadCredentials
}

func (m *Memory) ResolveByIdentifier(ctx context.Context, identifier string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if u.Login == identifier || u.UIN == identifier {
			return snapshot(u), nil
		}
	}
	if id, err := strconv.ParseUint(identifier, 10, 32); err == nil {
		if u, ok := m.users[uint32(id)]; ok {
			return snapshot(u), nil
		}
	}
	return nil, ErrNoSuchUser
}

func (m *Memory) CreateAccount(ctx context.Context, licenseKey string, defaults Defaults) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.HoldsLicense(licenseKey) {
			return nil, ErrLicenseInUse
		}
	}

	id := m.nextID
	m.nextID++
	u := &User{
		ID:               id,
		UIN:              fmt.Sprintf("WF%08d", id),
		Login:            fmt.Sprintf("wf%d", id),
		LicenseKeys:      []string{licenseKey},
		Subscription:     defaults.Subscription,
		TransactionsLeft: defaults.TransactionsLeft,
		TransactionDays:  defaults.TransactionDays,
	}
	if defaults.TrialDuration > 0 {
		u.ExpiresAt = time.Now().Add(defaults.TrialDuration)
	}
	m.users[id] = u
	return snapshot(u), nil
}

func (m *Memory) RebindLicense(ctx context.Context, userID uint32, oldKey, newKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.ID != userID && u.HoldsLicense(newKey) {
			return ErrLicenseInUse
		}
	}

	u, ok := m.users[userID]
	if !ok {
		return ErrNoSuchUser
	}

	keys := make([]string, 0, len(u.LicenseKeys))
	for _, k := range u.LicenseKeys {
		if k != oldKey {
			keys = append(keys, k)
		}
	}
	u.LicenseKeys = append(keys, newKey)
	return nil
}

func (m *Memory) StartTrial(ctx context.Context, userID uint32, duration time.Duration) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return nil, ErrNoSuchUser
	}
	u.TrialStarted = true
	u.EarthRight = true
	if duration > 0 {
		u.ExpiresAt = time.Now().Add(duration)
	}
	return snapshot(u), nil
}

func (m *Memory) ConsumeTransaction(ctx context.Context, userID uint32) (int32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return 0, ErrNoSuchUser
	}
	if u.TransactionsLeft <= 0 {
		return 0, nil
	}
	u.TransactionsLeft--
	return u.TransactionsLeft, nil
}
