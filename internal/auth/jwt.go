// Package auth verifies HS256 tokens locally when no auth-service is configured.
package auth

import (
	"context"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"crew-chat-service/internal/errs"
)

// JWTAuthenticator validates tokens signed with a shared secret. The user id
// is the numeric "sub" claim.
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator constructs a JWTAuthenticator.
func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (int64, error) {
	tok, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return 0, errs.New(errs.ErrUnauthenticated, "invalid token")
	}

	sub, err := tok.Claims.GetSubject()
	if err != nil || sub == "" {
		return 0, errs.New(errs.ErrUnauthenticated, "token has no subject")
	}
	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || userID <= 0 {
		return 0, errs.New(errs.ErrUnauthenticated, "token subject %q is not a user id", sub)
	}
	return userID, nil
}

// Issue signs a token for userID. Used by tests and the debug routes.
func (a *JWTAuthenticator) Issue(userID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
