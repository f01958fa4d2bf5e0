// Package auth defines the narrow authentication boundary of the delivery
// subsystem. The gateway hands an opaque bearer credential to an
// Authenticator and gets back an identity; policy lives elsewhere.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Identity struct {
	UserID   string
	TenantID string
	Roles    []string
}

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// StaticAuthenticator maps fixed tokens to identities. Used in tests and
// single-user dev deployments.
type StaticAuthenticator struct {
	tokens map[string]Identity
}

func NewStaticAuthenticator(tokens map[string]Identity) *StaticAuthenticator {
	cp := make(map[string]Identity, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &StaticAuthenticator{tokens: cp}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (Identity, error) {
	if a == nil || token == "" {
		return Identity{}, ErrUnauthenticated
	}
	id, ok := a.tokens[token]
	if !ok {
		return Identity{}, ErrUnauthenticated
	}
	return id, nil
}

// TokenFromRequest extracts the bearer credential from an Authorization
// header or, for transports that cannot set headers (EventSource), from the
// "token" query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
		return h
	}
	return r.URL.Query().Get("token")
}
