package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// TokenVerifier validates a bearer token and resolves the user identity it
// was issued for. Tokens come from the external auth service; this service
// only verifies them.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (int, error)
}

// JWTVerifier verifies HMAC-signed JWTs against the shared secret.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier constructs a JWTVerifier.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses and validates the token, returning the user id claim.
func (v *JWTVerifier) Verify(_ context.Context, token string) (int, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return 0, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return 0, ErrInvalidToken
	}

	userID, ok := claims["user_id"].(float64)
	if !ok || userID == 0 {
		return 0, ErrInvalidToken
	}
	return int(userID), nil
}
