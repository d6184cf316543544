package tokenx

import (
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Claims represents the validated contents of a token.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	NotBefore time.Time
	IssuedAt  time.Time
	JWTID     string

	Name         string
	Roles        []string
	Scopes       []string
	CustomClaims map[string]any
}

func extractClaims(token jwt.Token, params ValidationParameters) *Claims {
	var audience []string
	if audList := token.Audience(); len(audList) > 0 {
		audience = append([]string(nil), audList...)
	}
	claims := &Claims{
		Subject:   token.Subject(),
		Issuer:    token.Issuer(),
		Audience:  audience,
		ExpiresAt: token.Expiration(),
		NotBefore: token.NotBefore(),
		IssuedAt:  token.IssuedAt(),
		JWTID:     token.JwtID(),
	}

	private := token.PrivateClaims()
	if len(private) > 0 {
		claims.CustomClaims = make(map[string]any, len(private))
		for k, v := range private {
			claims.CustomClaims[k] = v
		}
	}
	if names := normalizeStrings(private[params.NameClaimType]); len(names) > 0 {
		claims.Name = names[0]
	}
	claims.Roles = normalizeStrings(private[params.RoleClaimType])
	claims.Scopes = normalizeStrings(private["scope"])
	return claims
}

// normalizeStrings accepts a single string or a JSON array of strings.
func normalizeStrings(value any) []string {
	switch v := value.(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
		return nil
	default:
		return nil
	}
}
