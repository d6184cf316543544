package tokenx

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Credential pairs a private signing key with its certificate.
// A Credential is immutable once built.
type Credential struct {
	private jwk.Key
	public  jwk.Key
	alg     jwa.SignatureAlgorithm
	cert    *x509.Certificate
}

// CredentialOption customizes NewCredential.
type CredentialOption func(*credentialOptions)

type credentialOptions struct {
	alg   jwa.SignatureAlgorithm
	keyID string
}

// WithAlgorithm overrides the algorithm inferred from the key type.
func WithAlgorithm(alg jwa.SignatureAlgorithm) CredentialOption {
	return func(o *credentialOptions) {
		o.alg = alg
	}
}

// WithKeyID overrides the certificate thumbprint used as key id.
func WithKeyID(kid string) CredentialOption {
	return func(o *credentialOptions) {
		o.keyID = kid
	}
}

// NewCredential builds a credential from a private key and the certificate
// carrying its public half. The public key is taken from the certificate.
func NewCredential(key crypto.Signer, cert *x509.Certificate, opts ...CredentialOption) (*Credential, error) {
	if key == nil {
		return nil, newError(ErrCodeInvalidArgument, errors.New("private key is required"))
	}
	if cert == nil {
		return nil, newError(ErrCodeInvalidArgument, errors.New("certificate is required"))
	}

	var o credentialOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.alg == "" {
		alg, err := inferAlgorithm(key)
		if err != nil {
			return nil, newError(ErrCodeInvalidArgument, err)
		}
		o.alg = alg
	}
	if o.keyID == "" {
		o.keyID = thumbprint(cert)
	}

	private, err := jwk.FromRaw(key)
	if err != nil {
		return nil, newError(ErrCodeInvalidArgument, fmt.Errorf("private key: %w", err))
	}
	public, err := jwk.FromRaw(cert.PublicKey)
	if err != nil {
		return nil, newError(ErrCodeInvalidArgument, fmt.Errorf("certificate public key: %w", err))
	}
	for _, k := range []jwk.Key{private, public} {
		if err := k.Set(jwk.KeyIDKey, o.keyID); err != nil {
			return nil, newError(ErrCodeInvalidArgument, fmt.Errorf("set kid: %w", err))
		}
		if err := k.Set(jwk.AlgorithmKey, o.alg); err != nil {
			return nil, newError(ErrCodeInvalidArgument, fmt.Errorf("set alg: %w", err))
		}
	}
	if err := public.Set(jwk.KeyUsageKey, jwk.ForSignature); err != nil {
		return nil, newError(ErrCodeInvalidArgument, fmt.Errorf("set use: %w", err))
	}

	return &Credential{private: private, public: public, alg: o.alg, cert: cert}, nil
}

// LoadCredential parses a PEM encoded private key and certificate.
func LoadCredential(keyPEM, certPEM []byte, opts ...CredentialOption) (*Credential, error) {
	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, newError(ErrCodeInvalidArgument, err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, newError(ErrCodeInvalidArgument, errors.New("no PEM certificate found"))
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, newError(ErrCodeInvalidArgument, fmt.Errorf("parse certificate: %w", err))
	}
	return NewCredential(key, cert, opts...)
}

// LoadCredentialFiles reads a PEM key and certificate from disk.
func LoadCredentialFiles(keyPath, certPath string, opts ...CredentialOption) (*Credential, error) {
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, newError(ErrCodeInvalidArgument, fmt.Errorf("read key: %w", err))
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, newError(ErrCodeInvalidArgument, fmt.Errorf("read certificate: %w", err))
	}
	return LoadCredential(keyPEM, certPEM, opts...)
}

// KeyID returns the key id stamped into token headers.
func (c *Credential) KeyID() string {
	return c.public.KeyID()
}

// Algorithm returns the signature algorithm.
func (c *Credential) Algorithm() jwa.SignatureAlgorithm {
	return c.alg
}

// PublicKey returns the verification key.
func (c *Credential) PublicKey() jwk.Key {
	return c.public
}

// Certificate returns the certificate the credential was built from.
func (c *Credential) Certificate() *x509.Certificate {
	return c.cert
}

func inferAlgorithm(key crypto.Signer) (jwa.SignatureAlgorithm, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return jwa.RS256, nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return jwa.ES256, nil
		case elliptic.P384():
			return jwa.ES384, nil
		case elliptic.P521():
			return jwa.ES512, nil
		}
		return "", fmt.Errorf("unsupported curve %s", k.Curve.Params().Name)
	case ed25519.PrivateKey:
		return jwa.EdDSA, nil
	}
	return "", fmt.Errorf("unsupported key type %T", key)
}

func parsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM private key found")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs8 key: %w", err)
		}
		signer, ok := parsed.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported pkcs8 key %T", parsed)
		}
		return signer, nil
	}
	return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
}

// thumbprint is the x5t value of the certificate.
func thumbprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
