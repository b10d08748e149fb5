// Package bearer mints and validates the short-lived HS256 bearer tokens
// exchanged between this master and the agents it dispatches to, both
// signed with the shared distributed.auth-token secret.
package bearer

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const ttl = 5 * time.Minute

// Mint signs a fresh token with secret for use as an Authorization: Bearer
// header. Callers mint one per outbound request rather than caching it,
// since the ttl is short and secret rotation must not require a restart.
func Mint(secret string) (string, error) {
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("mint bearer token: %w", err)
	}
	return token, nil
}

// Validate parses and verifies a bearer token minted by Mint against secret.
func Validate(token, secret string) error {
	_, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return fmt.Errorf("validate bearer token: %w", err)
	}
	return nil
}
