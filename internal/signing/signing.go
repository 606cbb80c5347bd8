// Package signing issues and verifies time-limited tokens for file stream
// and preview URLs.
package signing

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers expired, malformed, and tampered tokens.
var ErrInvalidToken = errors.New("invalid or expired token")

type claims struct {
	Resource string `json:"res"`
	jwt.RegisteredClaims
}

// Signer mints and checks HMAC-signed resource tokens.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

// New creates a Signer. The TTL applies to every minted token.
func New(secret string, ttl time.Duration) *Signer {
	return &Signer{secret: []byte(secret), ttl: ttl}
}

// Sign mints a token granting access to one resource until the TTL expires.
func (s *Signer) Sign(resource string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Resource: resource,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})

	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks a token and returns the resource it grants access to.
func (s *Signer) Verify(tokenString string) (string, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c,
		func(t *jwt.Token) (interface{}, error) {
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	if c.Resource == "" {
		return "", ErrInvalidToken
	}
	return c.Resource, nil
}
