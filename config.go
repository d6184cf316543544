package tokenx

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultLifetime      = 10 * time.Minute
	defaultRefreshMargin = time.Minute
	defaultClockSkew     = 30 * time.Second
	defaultMinRefresh    = 5 * time.Minute
	defaultHTTPTimeout   = 5 * time.Second
	defaultGoogleIssuer  = "https://accounts.google.com"
	defaultNameClaimType = "name"
	defaultRoleClaimType = "role"
	defaultRetainedKeys  = 1
	defaultRedisPrefix   = "tokenx"
	defaultRedisTimeout  = 500 * time.Millisecond
)

// IssuerConfig collects the caching policy of an Issuer.
type IssuerConfig struct {
	// Lifetime is the validity window stamped on every minted token.
	Lifetime time.Duration
	// RefreshMargin is how close to expiry a cached token may get before it is re-minted.
	RefreshMargin time.Duration
	// MaxEntries bounds the cache. Zero keeps every descriptor ever requested.
	MaxEntries int
	// SweepInterval periodically drops expired entries from an unbounded cache.
	SweepInterval time.Duration
	// SingleFlight makes concurrent callers for the same descriptor share one mint.
	SingleFlight bool
}

// normalize sets default values for optional fields.
func (c *IssuerConfig) normalize() {
	if c.Lifetime <= 0 {
		c.Lifetime = defaultLifetime
	}
	if c.RefreshMargin <= 0 {
		c.RefreshMargin = defaultRefreshMargin
	}
}

// validate ensures the issuer configuration is usable.
func (c IssuerConfig) validate() error {
	switch {
	case c.RefreshMargin >= c.Lifetime:
		return fmt.Errorf("refresh margin %v must be shorter than lifetime %v", c.RefreshMargin, c.Lifetime)
	case c.MaxEntries < 0:
		return errors.New("max entries must not be negative")
	case c.SweepInterval < 0:
		return errors.New("sweep interval must not be negative")
	case c.MaxEntries > 0 && c.SweepInterval > 0:
		return errors.New("sweep interval only applies to an unbounded cache")
	}
	return nil
}

// Options converts the configuration into issuer options.
func (c IssuerConfig) Options() []IssuerOption {
	opts := []IssuerOption{
		WithLifetime(c.Lifetime),
		WithRefreshMargin(c.RefreshMargin),
		WithSingleFlight(c.SingleFlight),
	}
	if c.MaxEntries > 0 {
		opts = append(opts, WithMaxEntries(c.MaxEntries))
	}
	if c.SweepInterval > 0 {
		opts = append(opts, WithSweepInterval(c.SweepInterval))
	}
	return opts
}

// RemoteKeysConfig describes a JWKS endpoint used for verification.
type RemoteKeysConfig struct {
	URL         string
	MinRefresh  time.Duration
	HTTPTimeout time.Duration
}

// normalize sets default values for optional fields.
func (c *RemoteKeysConfig) normalize() {
	if c.MinRefresh <= 0 {
		c.MinRefresh = defaultMinRefresh
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
}

// validate ensures the remote key configuration is usable.
func (c RemoteKeysConfig) validate() error {
	if c.URL == "" {
		return errors.New("jwks url is required")
	}
	return nil
}

// RedisStoreConfig configures a Redis-backed token store.
type RedisStoreConfig struct {
	// Prefix namespaces cache keys, e.g. "tokenx" yields "tokenx:<fingerprint>".
	Prefix string
	// Timeout bounds each Redis round trip.
	Timeout time.Duration
	Logger  *slog.Logger
}

// normalize sets default values for optional fields.
func (c *RedisStoreConfig) normalize() {
	if c.Prefix == "" {
		c.Prefix = defaultRedisPrefix
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultRedisTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
