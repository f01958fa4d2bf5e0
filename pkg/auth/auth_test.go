package auth

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestStaticAuthenticator(t *testing.T) {
	a := NewStaticAuthenticator(map[string]Identity{
		"tok-1": {UserID: "u1", TenantID: "t1"},
	})

	id, err := a.Authenticate(context.Background(), "tok-1")
	require.NoError(t, err)
	require.Equal(t, "u1", id.UserID)

	_, err = a.Authenticate(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnauthenticated)

	_, err = a.Authenticate(context.Background(), "")
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestJWTAuthenticator(t *testing.T) {
	a, err := NewJWTAuthenticator("secret")
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    "u1",
		"tenant": "t1",
		"roles":  []string{"member"},
	})
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	id, err := a.Authenticate(context.Background(), signed)
	require.NoError(t, err)
	require.Equal(t, "u1", id.UserID)
	require.Equal(t, "t1", id.TenantID)
	require.Equal(t, []string{"member"}, id.Roles)

	forged, err := token.SignedString([]byte("other"))
	require.NoError(t, err)
	_, err = a.Authenticate(context.Background(), forged)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc")
	require.Equal(t, "abc", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/events?token=xyz", nil)
	require.Equal(t, "xyz", TokenFromRequest(r))
}
