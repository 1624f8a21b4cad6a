// Package totp implements time-based one-time codes and recovery codes.
package totp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// Period is the TOTP time-step length in seconds.
	Period = 30
	// Digits is the code length presented to authenticator apps.
	Digits = otp.DigitsSix
	// SecretSize is the shared-secret length in bytes.
	SecretSize = 32
	// Skew is the number of adjacent time steps accepted around the current one.
	Skew = 1
	// RecoveryCodeCount is the number of codes issued per set.
	RecoveryCodeCount = 10
	recoveryCodeBytes = 10
)

// Key holds a freshly generated shared secret and its provisioning URI.
type Key struct {
	Secret          string
	ProvisioningURI string
}

// GenerateKey creates a new shared secret for the given account.
//
// The secret is returned to the caller exactly once; it is persisted in a
// pending state until the user confirms possession with a valid code.
func GenerateKey(issuer, accountName string) (Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Period:      Period,
		SecretSize:  SecretSize,
		Digits:      Digits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return Key{}, fmt.Errorf("generate totp key: %w", err)
	}
	return Key{Secret: key.Secret(), ProvisioningURI: key.URL()}, nil
}

// Step returns the TOTP time step for the given instant.
func Step(at time.Time) int64 {
	return at.UTC().Unix() / Period
}

// MatchCode checks the code against the secret for the current step and the
// immediately adjacent steps, tolerating clock drift.
//
// It returns the matched step so callers can enforce per-secret replay
// prevention: a stored secret must never accept the same step twice.
func MatchCode(secret, code string, at time.Time) (int64, bool) {
	code = strings.TrimSpace(code)
	if code == "" {
		return 0, false
	}
	current := Step(at)
	for offset := int64(-Skew); offset <= Skew; offset++ {
		step := current + offset
		expected, err := totp.GenerateCodeCustom(secret, time.Unix(step*Period, 0).UTC(), totp.ValidateOpts{
			Period:    Period,
			Digits:    Digits,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return step, true
		}
	}
	return 0, false
}

// GenerateRecoveryCodes mints a fresh set of single-use fallback codes.
//
// Plaintext codes are returned once; only the hashes are ever stored.
func GenerateRecoveryCodes(n int) (plain []string, hashes []string, err error) {
	plain = make([]string, 0, n)
	hashes = make([]string, 0, n)
	for i := 0; i < n; i++ {
		raw := make([]byte, recoveryCodeBytes)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, fmt.Errorf("generate recovery code: %w", err)
		}
		code := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw))
		code = code[:4] + "-" + code[4:8] + "-" + code[8:12] + "-" + code[12:16]
		plain = append(plain, code)
		hashes = append(hashes, HashRecoveryCode(code))
	}
	return plain, hashes, nil
}

// HashRecoveryCode normalizes and hashes a recovery code for storage or lookup.
func HashRecoveryCode(code string) string {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
