package tokenx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Signer mints and validates signed tokens.
type Signer interface {
	// Issue signs a token for the descriptor and checks it against params before returning it.
	Issue(ctx context.Context, d TokenDescriptor, params ValidationParameters) (string, error)
	// Validate verifies a previously issued token.
	Validate(ctx context.Context, token string, params ValidationParameters) (*Claims, error)
}

// ExpiringSigner is a Signer whose tokens may expire before the requested
// window ends. The Issuer caches such tokens only until the reported expiry.
type ExpiringSigner interface {
	Signer
	IssueWithExpiry(ctx context.Context, d TokenDescriptor, params ValidationParameters) (string, time.Time, error)
}

// KeySigner signs tokens with a local credential.
type KeySigner struct {
	mu      sync.RWMutex
	active  *Credential
	retired []*Credential
	retain  int
	now     func() time.Time
	logger  *slog.Logger
}

// SignerOption customizes a KeySigner.
type SignerOption func(*KeySigner)

// WithSignerClock overrides the time source used for iat and validation.
func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *KeySigner) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSignerLogger sets the logger used by the signer.
func WithSignerLogger(logger *slog.Logger) SignerOption {
	return func(s *KeySigner) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRetainedKeys sets how many rotated-out credentials keep validating tokens.
func WithRetainedKeys(n int) SignerOption {
	return func(s *KeySigner) {
		if n >= 0 {
			s.retain = n
		}
	}
}

// NewKeySigner constructs a signer around the given credential.
func NewKeySigner(cred *Credential, opts ...SignerOption) (*KeySigner, error) {
	if cred == nil {
		return nil, newError(ErrCodeInvalidArgument, errors.New("signing credential is required"))
	}
	s := &KeySigner{
		active: cred,
		retain: defaultRetainedKeys,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue implements Signer. The token's iat is the window's not-before when
// set, otherwise the signer's clock.
func (s *KeySigner) Issue(ctx context.Context, d TokenDescriptor, params ValidationParameters) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cred := s.credential()
	issuedAt := d.Window.NotBefore
	if issuedAt.IsZero() {
		issuedAt = s.now()
	}

	token, err := s.build(d, issuedAt)
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(token, jwt.WithKey(cred.alg, cred.private))
	if err != nil {
		return "", newError(ErrCodeSigning, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	set := jwk.NewSet()
	if err := set.AddKey(cred.public); err != nil {
		return "", newError(ErrCodeSigning, fmt.Errorf("add key: %w", err))
	}
	params.normalize()
	// Checked as of the issue instant so a caller clock that differs from
	// the signer's cannot fail a freshly minted token.
	at := func() time.Time { return issuedAt }
	if _, err := s.validate(string(signed), params, set, at); err != nil {
		// Flattened so the failure only matches ErrSigning.
		return "", newError(ErrCodeSelfValidation, fmt.Errorf("%v", err))
	}

	s.logger.Debug("token signed",
		slog.String("kid", cred.KeyID()),
		slog.String("jti", token.JwtID()),
		slog.String("audience", d.Audience),
		slog.Time("expires_at", d.Window.NotAfter),
	)
	return string(signed), nil
}

func (s *KeySigner) build(d TokenDescriptor, issuedAt time.Time) (jwt.Token, error) {
	if d.Window.NotAfter.IsZero() {
		return nil, newError(ErrCodeSigning, errors.New("validity window has no expiry"))
	}
	if !d.Window.NotBefore.IsZero() && !d.Window.NotAfter.After(d.Window.NotBefore) {
		return nil, newError(ErrCodeSigning, fmt.Errorf("validity window ends at %s before it starts", d.Window.NotAfter.Format(time.RFC3339)))
	}
	order, grouped, err := groupClaims(d.Claims)
	if err != nil {
		return nil, err
	}

	builder := jwt.NewBuilder().
		Issuer(d.Issuer).
		IssuedAt(issuedAt).
		Expiration(d.Window.NotAfter).
		JwtID(uuid.NewString())
	if d.Audience != "" {
		builder = builder.Audience([]string{d.Audience})
	}
	if !d.Window.NotBefore.IsZero() {
		builder = builder.NotBefore(d.Window.NotBefore)
	}
	for _, name := range order {
		values := grouped[name]
		if len(values) == 1 {
			builder = builder.Claim(name, values[0])
			continue
		}
		builder = builder.Claim(name, values)
	}

	token, err := builder.Build()
	if err != nil {
		return nil, newError(ErrCodeUnsupportedClaim, err)
	}
	return token, nil
}

// Validate implements Signer. Tokens are checked against params.Keys, or
// against the signer's current and retained public keys when Keys is nil.
func (s *KeySigner) Validate(ctx context.Context, token string, params ValidationParameters) (*Claims, error) {
	params.normalize()
	var source KeySource = s
	if params.Keys != nil {
		source = params.Keys
	}
	set, err := source.KeySet(ctx)
	if err != nil {
		var keyErr *Error
		if errors.As(err, &keyErr) {
			return nil, err
		}
		return nil, newError(ErrCodeKeysUnavailable, err)
	}
	return s.validate(token, params, set, s.now)
}

func (s *KeySigner) validate(token string, params ValidationParameters, set jwk.Set, now func() time.Time) (*Claims, error) {
	if token == "" {
		return nil, newError(ErrCodeInvalidToken, errors.New("token is empty"))
	}
	parsed, err := jwt.Parse([]byte(token), jwt.WithKeySet(set), jwt.WithValidate(false))
	if err != nil {
		return nil, newError(ErrCodeInvalidToken, err)
	}

	validateOpts := []jwt.ValidateOption{
		jwt.WithAcceptableSkew(params.ClockSkew),
		jwt.WithClock(jwt.ClockFunc(now)),
	}
	if params.Issuer != "" {
		validateOpts = append(validateOpts, jwt.WithIssuer(params.Issuer))
	}
	if params.Audience != "" {
		validateOpts = append(validateOpts, jwt.WithAudience(params.Audience))
	}
	if err := jwt.Validate(parsed, validateOpts...); err != nil {
		return nil, classifyValidationError(err)
	}
	return extractClaims(parsed, params), nil
}

// Rotate makes cred the active credential. In-flight Issue calls finish with
// the credential they started with; the previous credential keeps
// validating tokens while it is retained.
func (s *KeySigner) Rotate(cred *Credential) error {
	if cred == nil {
		return newError(ErrCodeInvalidArgument, errors.New("signing credential is required"))
	}
	s.mu.Lock()
	previous := s.active
	s.active = cred
	s.retired = append([]*Credential{previous}, s.retired...)
	if len(s.retired) > s.retain {
		s.retired = s.retired[:s.retain]
	}
	s.mu.Unlock()

	s.logger.Info("signing credential rotated",
		slog.String("kid", cred.KeyID()),
		slog.String("previous_kid", previous.KeyID()),
	)
	return nil
}

// PublicKeys returns the active and retained verification keys.
func (s *KeySigner) PublicKeys() jwk.Set {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := jwk.NewSet()
	_ = set.AddKey(s.active.public)
	for _, cred := range s.retired {
		if cred.KeyID() == s.active.KeyID() {
			continue
		}
		_ = set.AddKey(cred.public)
	}
	return set
}

// KeySet implements KeySource.
func (s *KeySigner) KeySet(context.Context) (jwk.Set, error) {
	return s.PublicKeys(), nil
}

// KeySetHandler serves the signer's public keys as a JWKS document.
func (s *KeySigner) KeySetHandler() http.Handler {
	return keySetHandler{source: s}
}

func (s *KeySigner) credential() *Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func classifyValidationError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrInvalidIssuer()):
		return newError(ErrCodeInvalidIssuer, err)
	case errors.Is(err, jwt.ErrInvalidAudience()):
		return newError(ErrCodeInvalidAudience, err)
	case errors.Is(err, jwt.ErrTokenExpired()):
		return newError(ErrCodeExpired, err)
	case errors.Is(err, jwt.ErrTokenNotYetValid()), errors.Is(err, jwt.ErrInvalidIssuedAt()):
		return newError(ErrCodeNotYetValid, err)
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "token expired") || strings.Contains(lower, `"exp" not satisfied`):
		return newError(ErrCodeExpired, err)
	case strings.Contains(lower, `"nbf" not satisfied`):
		return newError(ErrCodeNotYetValid, err)
	}
	return newError(ErrCodeInvalidToken, err)
}
