package tokenx

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newRSAKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func selfSignedCert(t testing.TB, key crypto.Signer) *x509.Certificate {
	t.Helper()
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		t.Fatalf("serial: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "idsrv3test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}

func newTestCredential(t testing.TB, opts ...CredentialOption) *Credential {
	t.Helper()
	key := newRSAKey(t)
	cred, err := NewCredential(key, selfSignedCert(t, key), opts...)
	if err != nil {
		t.Fatalf("NewCredential: %v", err)
	}
	return cred
}

func exampleDescriptor() TokenDescriptor {
	return TokenDescriptor{
		Claims: []Claim{
			{Name: "name", Value: "idServer"},
			{Name: "role", Value: "IdentityAdminManager"},
			{Name: "scope", Value: "idserver"},
			{Name: "scope", Value: "api"},
		},
		Issuer:   "https://issuer",
		Audience: "https://issuer/resources",
	}
}

func exampleParams() ValidationParameters {
	return ValidationParameters{
		Audience:      "https://issuer/resources",
		Issuer:        "https://issuer",
		NameClaimType: "name",
		RoleClaimType: "role",
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingSigner wraps a Signer, counting Issue calls and optionally failing
// or blocking them.
type countingSigner struct {
	Signer
	calls   atomic.Int32
	mu      sync.Mutex
	err     error
	entered chan struct{}
	release chan struct{}
}

func (c *countingSigner) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *countingSigner) Issue(ctx context.Context, d TokenDescriptor, params ValidationParameters) (string, error) {
	c.calls.Add(1)
	if c.entered != nil {
		select {
		case c.entered <- struct{}{}:
		default:
		}
	}
	if c.release != nil {
		<-c.release
	}
	c.mu.Lock()
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return "", err
	}
	return c.Signer.Issue(ctx, d, params)
}
