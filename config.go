// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

// Package wayfinder holds the environment-driven configuration shared by the
// gateway binaries.
package wayfinder

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full gateway configuration, parsed from the environment.
// Field groups map onto the transports and collaborators wired in cmd.
type Config struct {
	// Listeners
	TCPAddress    string `env:"TCP_ADDRESS"    envDefault:":4850"`
	TunnelAddress string `env:"TUNNEL_ADDRESS" envDefault:""`

	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`

	// Frame protocol
	MaxPayload    uint32 `env:"MAX_PAYLOAD"     envDefault:"1048576"`
	STXScanBudget int    `env:"STX_SCAN_BUDGET" envDefault:"64"`

	// Connection limits and timeouts
	MaxConnections   int           `env:"MAX_CONNECTIONS"   envDefault:"65536"`
	MaxGoroutines    int           `env:"MAX_GOROUTINES"    envDefault:"50000"`
	RequestTimeout   time.Duration `env:"REQUEST_TIMEOUT"   envDefault:"30s"`
	KeepaliveTimeout time.Duration `env:"KEEPALIVE_TIMEOUT" envDefault:"2m"`
	DrainTimeout     time.Duration `env:"DRAIN_TIMEOUT"     envDefault:"10s"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT"  envDefault:"30s"`

	// Dispatcher
	MinWorkers          int           `env:"MIN_WORKERS"            envDefault:"4"`
	MaxWorkers          int           `env:"MAX_WORKERS"            envDefault:"64"`
	QueueFullFactor     float64       `env:"QUEUE_FULL_FACTOR"      envDefault:"4"`
	QueueOverFullFactor float64       `env:"QUEUE_OVER_FULL_FACTOR" envDefault:"2"`
	WorkerIdleTimeout   time.Duration `env:"WORKER_IDLE_TIMEOUT"    envDefault:"1m"`

	// Authentication policy
	RedirectURL      string        `env:"REDIRECT_URL"      envDefault:""`
	UpgradeURL       string        `env:"UPGRADE_URL"       envDefault:""`
	TrialDuration    time.Duration `env:"TRIAL_DURATION"    envDefault:"720h"`
	DirectoryTimeout time.Duration `env:"DIRECTORY_TIMEOUT" envDefault:"5s"`

	// User directory backend. Empty address selects the in-memory directory.
	DirectoryAddress string `env:"DIRECTORY_ADDRESS" envDefault:""`

	// Backend connection pool
	PoolMaxIdle     int           `env:"POOL_MAX_IDLE"     envDefault:"16"`
	PoolMaxActive   int           `env:"POOL_MAX_ACTIVE"   envDefault:"128"`
	PoolIdleTimeout time.Duration `env:"POOL_IDLE_TIMEOUT" envDefault:"5m"`
	PoolWaitTimeout time.Duration `env:"POOL_WAIT_TIMEOUT" envDefault:"5s"`

	// Backend circuit breaker
	BreakerMaxFailures      int           `env:"BREAKER_MAX_FAILURES"      envDefault:"5"`
	BreakerResetTimeout     time.Duration `env:"BREAKER_RESET_TIMEOUT"     envDefault:"60s"`
	BreakerSuccessThreshold int           `env:"BREAKER_SUCCESS_THRESHOLD" envDefault:"2"`

	// Per-peer accept rate limiting
	RateLimitBurst    int64   `env:"RATE_LIMIT_BURST"     envDefault:"20"`
	RateLimitRefill   float64 `env:"RATE_LIMIT_REFILL"    envDefault:"5"`
	RateLimitMaxPeers int     `env:"RATE_LIMIT_MAX_PEERS" envDefault:"100000"`

	// HTTP tunnel session registry
	TunnelSessionIdle time.Duration `env:"TUNNEL_SESSION_IDLE" envDefault:"5m"`

	// TLS for the HTTP tunnel. Both must be set to enable TLS.
	CertFile string `env:"CERT_FILE" envDefault:""`
	KeyFile  string `env:"KEY_FILE"  envDefault:""`

	TLSConfig *tls.Config
}

// NewConfig parses a Config from the environment, loading the tunnel TLS
// keypair when one is configured.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}

	if c.CertFile != "" || c.KeyFile != "" {
		if c.CertFile == "" || c.KeyFile == "" {
			return Config{}, fmt.Errorf("TLS requires both CERT_FILE and KEY_FILE")
		}
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return Config{}, fmt.Errorf("load TLS keypair: %w", err)
		}
		c.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	return c, nil
}
