package tokenx

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"time"
)

// Claim is a single name/value assertion carried by a token.
type Claim struct {
	Name  string
	Value string
}

// Window is the validity window embedded in a token.
type Window struct {
	NotBefore time.Time
	NotAfter  time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.NotBefore) && t.Before(w.NotAfter)
}

// TokenDescriptor describes what a token asserts and how long it is valid.
type TokenDescriptor struct {
	Claims   []Claim
	Issuer   string
	Audience string
	Window   Window
}

// Fingerprint returns a deterministic cache key for the descriptor.
//
// The key covers the claim list (order-insensitive), the issuer and the
// audience. The validity window is excluded: it is stamped by the issuer
// each time a token is minted.
func Fingerprint(d TokenDescriptor) string {
	claims := append([]Claim(nil), d.Claims...)
	sort.Slice(claims, func(i, j int) bool {
		if claims[i].Name != claims[j].Name {
			return claims[i].Name < claims[j].Name
		}
		return claims[i].Value < claims[j].Value
	})

	h := sha256.New()
	writeField(h, d.Issuer)
	writeField(h, d.Audience)
	for _, c := range claims {
		writeField(h, c.Name)
		writeField(h, c.Value)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	fmt.Fprintf(h, "%d:%s;", len(s), s)
}

// ValidationParameters describes how an issued token must be validated.
type ValidationParameters struct {
	Audience      string
	Issuer        string
	NameClaimType string
	RoleClaimType string
	// Keys supplies the verification keys. Nil means the signer's own keys.
	Keys      KeySource
	ClockSkew time.Duration
}

// normalize sets default values for optional fields.
func (p *ValidationParameters) normalize() {
	if p.NameClaimType == "" {
		p.NameClaimType = defaultNameClaimType
	}
	if p.RoleClaimType == "" {
		p.RoleClaimType = defaultRoleClaimType
	}
	if p.ClockSkew <= 0 {
		p.ClockSkew = defaultClockSkew
	}
}

var registeredClaims = map[string]struct{}{
	"iss": {},
	"aud": {},
	"exp": {},
	"nbf": {},
	"iat": {},
	"jti": {},
}

// groupClaims folds repeated claim names into arrays, keeping first-seen order.
func groupClaims(claims []Claim) ([]string, map[string][]string, error) {
	order := make([]string, 0, len(claims))
	grouped := make(map[string][]string, len(claims))
	for _, c := range claims {
		if c.Name == "" {
			return nil, nil, newError(ErrCodeUnsupportedClaim, fmt.Errorf("claim with empty name"))
		}
		if _, reserved := registeredClaims[c.Name]; reserved {
			return nil, nil, newError(ErrCodeUnsupportedClaim, fmt.Errorf("claim %q is set by the signer", c.Name))
		}
		if _, seen := grouped[c.Name]; !seen {
			order = append(order, c.Name)
		}
		grouped[c.Name] = append(grouped[c.Name], c.Value)
	}
	return order, grouped, nil
}
