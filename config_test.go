// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

package wayfinder

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig(env.Options{Prefix: "WFGATEWAY_TEST_DEFAULTS_"})
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.TCPAddress != ":4850" {
		t.Errorf("TCPAddress = %q, want :4850", cfg.TCPAddress)
	}
	if cfg.MaxPayload != 1048576 {
		t.Errorf("MaxPayload = %d, want 1048576", cfg.MaxPayload)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %v, want 30s", cfg.RequestTimeout)
	}
	if cfg.TLSConfig != nil {
		t.Error("TLSConfig set without a keypair")
	}
}

func TestNewConfigFromEnvironment(t *testing.T) {
	t.Setenv("WFGATEWAY_TCP_ADDRESS", ":9999")
	t.Setenv("WFGATEWAY_DIRECTORY_ADDRESS", "users.internal:4900")
	t.Setenv("WFGATEWAY_RATE_LIMIT_REFILL", "2.5")

	cfg, err := NewConfig(env.Options{Prefix: "WFGATEWAY_"})
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.TCPAddress != ":9999" {
		t.Errorf("TCPAddress = %q, want :9999", cfg.TCPAddress)
	}
	if cfg.DirectoryAddress != "users.internal:4900" {
		t.Errorf("DirectoryAddress = %q", cfg.DirectoryAddress)
	}
	if cfg.RateLimitRefill != 2.5 {
		t.Errorf("RateLimitRefill = %v, want 2.5", cfg.RateLimitRefill)
	}
}

func TestNewConfigRejectsHalfTLS(t *testing.T) {
	t.Setenv("WFGATEWAY_CERT_FILE", "/tmp/cert.pem")

	if _, err := NewConfig(env.Options{Prefix: "WFGATEWAY_"}); err == nil {
		t.Fatal("expected error for cert without key")
	}
}
