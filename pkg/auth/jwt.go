package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// JWTAuthenticator validates HS256 bearer tokens. Claims: "sub" is the user
// id, "tenant" the tenant id, "roles" an optional string list.
type JWTAuthenticator struct {
	secret []byte
}

func NewJWTAuthenticator(secret string) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	return &JWTAuthenticator{secret: []byte(secret)}, nil
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (Identity, error) {
	if a == nil || token == "" {
		return Identity{}, ErrUnauthenticated
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, ErrUnauthenticated
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, errors.Wrap(ErrUnauthenticated, "token has no subject")
	}
	tenant, _ := claims["tenant"].(string)

	var roles []string
	if raw, ok := claims["roles"].([]any); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
	}
	return Identity{UserID: sub, TenantID: tenant, Roles: roles}, nil
}
