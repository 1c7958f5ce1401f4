// Package tokenclock decides whether a bearer token has expired by reading its
// exp claim. Signatures are not verified here; that is the server's job.
package tokenclock

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoExpiry = errors.New("token has no exp claim")

type Clock struct {
	Now func() time.Time
}

var System = Clock{Now: time.Now}

// IsExpired reports whether token is expired according to the system clock.
func IsExpired(token string) bool {
	return System.IsExpired(token)
}

// IsExpired fails closed: any token that cannot be decoded, or that lacks an
// exp claim, is expired.
func (c Clock) IsExpired(token string) bool {
	exp, err := ExpiresAt(token)
	if err != nil {
		return true
	}
	return exp.Unix() < c.now().Unix()
}

func (c Clock) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// ExpiresAt decodes the exp claim without verifying the signature.
func ExpiresAt(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("decode token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("read exp: %w", err)
	}
	if exp == nil {
		return time.Time{}, ErrNoExpiry
	}
	return exp.Time, nil
}
