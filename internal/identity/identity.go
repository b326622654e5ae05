// Package identity issues and verifies the HS256 bearer tokens connectors
// present to each other. Verified tokens become policy participant agents.
package identity

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"connector/internal/policy"
)

type Claims struct {
	jwt.RegisteredClaims
	Participant map[string]any    `json:"participant,omitempty"`
	Roles       []string          `json:"roles,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

type Issuer struct {
	Secret  string
	Subject string
	Claims  map[string]any
	Roles   []string
	TTL     time.Duration
	Now     func() time.Time
}

// Token mints a token for audience.
func (i Issuer) Token(audience string) (string, error) {
	if strings.TrimSpace(i.Secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now
	if i.Now != nil {
		now = i.Now
	}
	ttl := i.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	issued := now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   i.Subject,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
		},
		Participant: i.Claims,
		Roles:       i.Roles,
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.Secret))
}

// Verify parses token and returns the agent it describes.
func Verify(token, secret string) (policy.ParticipantAgent, []string, error) {
	if strings.TrimSpace(secret) == "" {
		return policy.ParticipantAgent{}, nil, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return policy.ParticipantAgent{}, nil, err
	}
	if !parsed.Valid {
		return policy.ParticipantAgent{}, nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return policy.ParticipantAgent{}, nil, errors.New("subject claim required")
	}
	return policy.ParticipantAgent{
		Identity:   claims.Subject,
		Claims:     claims.Participant,
		Attributes: claims.Attributes,
	}, claims.Roles, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}
