// Package auth verifies bearer tokens presented to the operator-facing
// admin surface (the dashboard feed and any future admin endpoints). It is
// deliberately separate from the sibling ACL: the ACL governs node-to-node
// traffic by source IP per the spec's Non-goals, while this package governs
// human/operator access to observational endpoints.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ErrInvalidToken indicates the token failed signature checks or had malformed claims.
var ErrInvalidToken = errors.New("invalid token")

// ErrExpiredToken signals that the token's expiry is in the past.
var ErrExpiredToken = errors.New("token expired")

// TokenClaims captures the minimal claim set used for admin authorisation.
type TokenClaims struct {
	Subject   string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

type claims struct {
	jwt.RegisteredClaims
}

// Verifier validates compact HS256 JWTs signed with the node's admin secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewVerifier constructs a verifier for the supplied shared secret and clock skew allowance.
func NewVerifier(secret string, leeway time.Duration) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("admin secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &Verifier{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

// Verify parses the token and validates the signature and expiry.
func (v *Verifier) Verify(token string) (*TokenClaims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("verifier not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	parsed := &claims{}
	_, err := jwt.ParseWithClaims(token, parsed, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	}, jwt.WithLeeway(v.leeway))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(parsed.Subject) == "" {
		return nil, ErrInvalidToken
	}

	result := &TokenClaims{Subject: parsed.Subject}
	if parsed.ExpiresAt != nil {
		result.ExpiresAt = parsed.ExpiresAt.Time
	}
	if parsed.IssuedAt != nil {
		result.IssuedAt = parsed.IssuedAt.Time
	}
	return result, nil
}

// WithClock replaces the verifier's stored clock. Verify does not read it:
// expiry is checked by the JWT library against the current wall-clock time.
func (v *Verifier) WithClock(clock func() time.Time) {
	if clock == nil || v == nil {
		return
	}
	v.now = clock
}

// Issue mints a signed token for the given subject and TTL. Used by the
// admin CLI / ops tooling to hand out dashboard tokens; not part of the
// node's own HTTP surface.
func Issue(secret, subject string, ttl time.Duration) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("admin secret must not be empty")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString([]byte(secret))
}
