package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "latchkey"

// signToken mints the bearer for a stored session. The token id is the session
// id, so verification alone never grants access: Resolve still loads the row
// and honors revocation.
func signToken(key []byte, sessionID, userID string, issuedAt, expiresAt time.Time) (string, error) {
	if len(key) == 0 {
		return "", fmt.Errorf("signing key is required")
	}
	claims := jwt.RegisteredClaims{
		ID:        sessionID,
		Subject:   userID,
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// parseToken verifies the bearer signature and returns the session id it names.
func parseToken(key []byte, bearer string) (string, error) {
	if len(key) == 0 {
		return "", fmt.Errorf("signing key is required")
	}
	claims := jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(bearer, &claims, func(t *jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return "", fmt.Errorf("parse session token: %w", err)
	}
	if claims.ID == "" {
		return "", fmt.Errorf("session token missing id")
	}
	return claims.ID, nil
}
