package tokenx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"
	"google.golang.org/api/impersonate"
)

var googleValidate = idtoken.Validate

// TokenFactory allows callers to override how Google identity tokens are minted.
type TokenFactory func(context.Context, string, GoogleParams) (oauth2.TokenSource, error)

// GoogleParams selects the identity a Google token is minted for.
type GoogleParams struct {
	ServiceAccount string
	IncludeEmail   bool
	Delegates      []string
}

// GoogleSignerConfig defines how Google identity tokens are obtained.
type GoogleSignerConfig struct {
	ServiceAccount string
	IncludeEmail   bool
	Delegates      []string
	TokenFactory   TokenFactory
	HTTPTimeout    time.Duration
	Logger         *slog.Logger

	// EarlyExpiry replaces a cached Google token once it has less than this
	// left. Keep it at or above the issuer lifetime plus refresh margin.
	EarlyExpiry time.Duration
}

// GoogleSigner is a Signer whose tokens are minted and signed by Google.
// The token payload is owned by Google, so descriptors may only choose the
// audience; descriptors carrying claims are rejected. Token sources are
// cached per (audience, service account, include email, delegates).
type GoogleSigner struct {
	mu          sync.RWMutex
	factory     TokenFactory
	entries     map[googleKey]*googleSource
	defaults    GoogleParams
	timeout     time.Duration
	earlyExpiry time.Duration
	logger      *slog.Logger
}

// googleSource pairs the factory's source with the early-refreshing cache over it.
type googleSource struct {
	base  oauth2.TokenSource
	reuse oauth2.TokenSource
}

type googleKey struct {
	Audience       string
	ServiceAccount string
	IncludeEmail   bool
	Delegates      string
}

// NewGoogleSigner constructs a GoogleSigner using the supplied defaults.
func NewGoogleSigner(cfg GoogleSignerConfig) *GoogleSigner {
	factory := cfg.TokenFactory
	if factory == nil {
		factory = defaultFactory
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	earlyExpiry := cfg.EarlyExpiry
	if earlyExpiry <= 0 {
		earlyExpiry = defaultLifetime + defaultRefreshMargin
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GoogleSigner{
		factory:     factory,
		earlyExpiry: earlyExpiry,
		entries:     make(map[googleKey]*googleSource),
		defaults: GoogleParams{
			ServiceAccount: cfg.ServiceAccount,
			IncludeEmail:   cfg.IncludeEmail,
			Delegates:      append([]string(nil), cfg.Delegates...),
		},
		timeout: timeout,
		logger:  logger,
	}
}

// Issue implements Signer.
func (g *GoogleSigner) Issue(ctx context.Context, d TokenDescriptor, params ValidationParameters) (string, error) {
	token, _, err := g.IssueWithExpiry(ctx, d, params)
	return token, err
}

// IssueWithExpiry implements ExpiringSigner. Google decides the token's
// lifetime, so the returned expiry may fall inside d.Window. A cached token
// that ends inside the window is replaced once; a token already expired at
// the window's start is rejected.
func (g *GoogleSigner) IssueWithExpiry(ctx context.Context, d TokenDescriptor, params ValidationParameters) (string, time.Time, error) {
	if strings.TrimSpace(d.Audience) == "" {
		return "", time.Time{}, newError(ErrCodeSigning, errors.New("audience is required"))
	}
	if len(d.Claims) > 0 {
		return "", time.Time{}, newError(ErrCodeUnsupportedClaim, fmt.Errorf("google identity tokens cannot carry %d custom claims", len(d.Claims)))
	}

	key := googleKey{
		Audience:       d.Audience,
		ServiceAccount: g.defaults.ServiceAccount,
		IncludeEmail:   g.defaults.IncludeEmail,
		Delegates:      strings.Join(g.defaults.Delegates, ","),
	}
	source, err := g.getOrCreate(ctx, key)
	if err != nil {
		return "", time.Time{}, newError(ErrCodeSigning, err)
	}
	tok, err := source.reuse.Token()
	if err != nil {
		return "", time.Time{}, newError(ErrCodeSigning, fmt.Errorf("fetch token: %w", err))
	}
	if endsWithin(d.Window, tok.Expiry) {
		if tok, err = g.refresh(key, source); err != nil {
			return "", time.Time{}, newError(ErrCodeSigning, fmt.Errorf("refresh token: %w", err))
		}
	}
	if tok.AccessToken == "" {
		return "", time.Time{}, newError(ErrCodeSigning, errors.New("empty access token returned"))
	}

	if params.Audience == "" {
		params.Audience = d.Audience
	}
	claims, err := g.Validate(ctx, tok.AccessToken, params)
	if err != nil {
		return "", time.Time{}, newError(ErrCodeSelfValidation, fmt.Errorf("%v", err))
	}
	expiry := claims.ExpiresAt
	if !tok.Expiry.IsZero() && tok.Expiry.Before(expiry) {
		expiry = tok.Expiry
	}
	if start := d.Window.NotBefore; !start.IsZero() && !expiry.After(start) {
		return "", time.Time{}, newError(ErrCodeSigning, fmt.Errorf("identity token expired at %s, before the window starts at %s",
			expiry.Format(time.RFC3339), start.Format(time.RFC3339)))
	}
	g.logger.Debug("google identity token obtained",
		slog.String("audience", d.Audience),
		slog.String("service_account", key.ServiceAccount),
		slog.Time("expires_at", expiry),
	)
	return tok.AccessToken, expiry, nil
}

// endsWithin reports whether expiry falls before the window ends.
func endsWithin(w Window, expiry time.Time) bool {
	return !w.NotAfter.IsZero() && !expiry.IsZero() && expiry.Before(w.NotAfter)
}

// refresh bypasses the cached token and reseeds the cache with a fresh one.
func (g *GoogleSigner) refresh(key googleKey, source *googleSource) (*oauth2.Token, error) {
	tok, err := source.base.Token()
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.entries[key] = &googleSource{
		base:  source.base,
		reuse: oauth2.ReuseTokenSourceWithExpiry(tok, source.base, g.earlyExpiry),
	}
	g.mu.Unlock()
	return tok, nil
}

// Validate implements Signer using Google's published certificates.
func (g *GoogleSigner) Validate(ctx context.Context, token string, params ValidationParameters) (*Claims, error) {
	if token == "" {
		return nil, newError(ErrCodeInvalidToken, errors.New("token is empty"))
	}
	params.normalize()
	validateCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	payload, err := googleValidate(validateCtx, token, params.Audience)
	if err != nil {
		return nil, mapGoogleError(err)
	}
	issuer := params.Issuer
	if issuer == "" {
		issuer = defaultGoogleIssuer
	}
	if !strings.EqualFold(payload.Issuer, issuer) {
		return nil, newError(ErrCodeInvalidIssuer, fmt.Errorf("issuer mismatch: got %s, want %s", payload.Issuer, issuer))
	}
	return claimsFromGooglePayload(payload, params), nil
}

func (g *GoogleSigner) getOrCreate(ctx context.Context, key googleKey) (*googleSource, error) {
	g.mu.RLock()
	source, ok := g.entries[key]
	g.mu.RUnlock()
	if ok {
		return source, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if source, ok = g.entries[key]; ok {
		return source, nil
	}

	params := GoogleParams{
		ServiceAccount: key.ServiceAccount,
		IncludeEmail:   key.IncludeEmail,
		Delegates:      append([]string(nil), g.defaults.Delegates...),
	}
	ts, err := g.factory(context.WithoutCancel(ctx), key.Audience, params)
	if err != nil {
		return nil, err
	}
	source = &googleSource{base: ts, reuse: oauth2.ReuseTokenSourceWithExpiry(nil, ts, g.earlyExpiry)}
	g.entries[key] = source
	return source, nil
}

func defaultFactory(ctx context.Context, audience string, params GoogleParams) (oauth2.TokenSource, error) {
	if params.ServiceAccount != "" {
		cfg := impersonate.IDTokenConfig{
			Audience:        audience,
			TargetPrincipal: params.ServiceAccount,
			IncludeEmail:    params.IncludeEmail,
			Delegates:       params.Delegates,
		}
		return impersonate.IDTokenSource(ctx, cfg)
	}
	return idtoken.NewTokenSource(ctx, audience)
}

func claimsFromGooglePayload(payload *idtoken.Payload, params ValidationParameters) *Claims {
	var audience []string
	if aud := payload.Audience; aud != "" {
		audience = []string{aud}
	}
	claims := &Claims{
		Subject:   payload.Subject,
		Issuer:    payload.Issuer,
		Audience:  audience,
		ExpiresAt: time.Unix(payload.Expires, 0).UTC(),
		IssuedAt:  time.Unix(payload.IssuedAt, 0).UTC(),
	}
	if payload.Claims != nil {
		claims.CustomClaims = make(map[string]any, len(payload.Claims))
		for k, v := range payload.Claims {
			claims.CustomClaims[k] = v
		}
		if names := normalizeStrings(payload.Claims[params.NameClaimType]); len(names) > 0 {
			claims.Name = names[0]
		} else if email, ok := payload.Claims["email"].(string); ok {
			claims.Name = strings.ToLower(email)
		}
		claims.Roles = normalizeStrings(payload.Claims[params.RoleClaimType])
		claims.Scopes = normalizeStrings(payload.Claims["scope"])
	}
	return claims
}

// googleErrorCodes maps idtoken.Validate failure messages onto error codes.
var googleErrorCodes = []struct {
	fragment string
	code     ErrorCode
}{
	{"audience provided does not match", ErrCodeInvalidAudience},
	{"token expired", ErrCodeExpired},
	{"could not find matching cert", ErrCodeInvalidToken},
	{"invalid token", ErrCodeInvalidToken},
	{"unable to decode JWT", ErrCodeInvalidToken},
}

func mapGoogleError(err error) error {
	msg := err.Error()
	for _, entry := range googleErrorCodes {
		if strings.Contains(msg, entry.fragment) {
			return newError(entry.code, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newError(ErrCodeKeysUnavailable, err)
	}
	return newError(ErrCodeInvalidToken, err)
}
