package dashboard

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/lionheart1022/stream-observer/internal/auth"
)

// Authenticator validates an inbound websocket upgrade request and
// returns the logical client identifier to tag its feed with.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// AllowAllAuthenticator admits every connection unauthenticated. Useful
// for local development when no admin token is configured.
type AllowAllAuthenticator struct{}

// Authenticate implements Authenticator.
func (AllowAllAuthenticator) Authenticate(*http.Request) (string, error) {
	return "", nil
}

// jwtAuthenticator validates the operator's bearer token against the
// node's admin secret before allowing a dashboard feed connection.
type jwtAuthenticator struct {
	verifier *auth.Verifier
}

// NewJWTAuthenticator builds an Authenticator backed by the shared admin secret.
func NewJWTAuthenticator(secret string) (Authenticator, error) {
	verifier, err := auth.NewVerifier(secret, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &jwtAuthenticator{verifier: verifier}, nil
}

// Authenticate validates the incoming token and returns the logical client identifier.
func (a *jwtAuthenticator) Authenticate(r *http.Request) (string, error) {
	if a == nil || a.verifier == nil {
		return "", errors.New("verifier not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return "", errors.New("missing auth token")
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
