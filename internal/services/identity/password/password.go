// Package password hashes and verifies password credentials.
package password

import (
	"fmt"

	apperrors "github.com/louisbranch/latchkey/internal/platform/errors"
	"golang.org/x/crypto/bcrypt"
)

// MinLength is the only strength gate the service applies.
const MinLength = 8

// ErrTooShort indicates a new password below the minimum length.
var ErrTooShort = apperrors.New(apperrors.CodePasswordTooShort, "password must be at least 8 characters")

// Hash derives a bcrypt hash for a new password after the length gate.
func Hash(plaintext string) (string, error) {
	if len(plaintext) < MinLength {
		return "", ErrTooShort
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Verify reports whether plaintext matches the stored hash.
//
// Callers collapse a false result into the generic invalid-credentials
// failure; this function never reveals which side mismatched.
func Verify(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
