package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"crew-chat-service/internal/errs"
)

func TestAuthenticateRoundTrip(t *testing.T) {
	a := NewJWTAuthenticator("secret")
	token, err := a.Issue(42, time.Hour)
	require.NoError(t, err)

	userID, err := a.Authenticate(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, int64(42), userID)
}

func TestAuthenticateRejects(t *testing.T) {
	a := NewJWTAuthenticator("secret")

	expired, err := a.Issue(42, -time.Minute)
	require.NoError(t, err)
	_, err = a.Authenticate(context.Background(), expired)
	require.ErrorIs(t, err, errs.ErrUnauthenticated)

	foreign, err := NewJWTAuthenticator("other").Issue(42, time.Hour)
	require.NoError(t, err)
	_, err = a.Authenticate(context.Background(), foreign)
	require.ErrorIs(t, err, errs.ErrUnauthenticated)

	named, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "bob"}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = a.Authenticate(context.Background(), named)
	require.ErrorIs(t, err, errs.ErrUnauthenticated)
}
