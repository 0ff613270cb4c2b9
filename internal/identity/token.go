package identity

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired is returned when a JWT bearer token is already past its exp claim.
var ErrTokenExpired = errors.New("token expired")

// ValidateToken rejects empty tokens and JWTs whose exp claim has passed.
// Signatures are not verified; the server does that. Opaque (non-JWT) tokens
// are accepted as-is because only the server can judge them.
func ValidateToken(token string, now time.Time) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("token is required")
	}
	exp, ok := TokenExpiry(token)
	if !ok {
		return nil
	}
	if !now.Before(exp) {
		return ErrTokenExpired
	}
	return nil
}

// TokenExpiry returns the exp claim of an unverified JWT.
func TokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(token), claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
