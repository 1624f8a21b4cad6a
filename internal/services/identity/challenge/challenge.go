// Package challenge defines the short-lived ceremony challenge ledger.
//
// A challenge is created when a ceremony starts, consumed exactly once when it
// finishes, and garbage-collected after expiry whether or not it was consumed.
package challenge

import (
	"time"

	"github.com/louisbranch/latchkey/internal/platform/config"
)

// Purpose describes what a challenge authorizes.
type Purpose string

const (
	// PurposePasskeyRegistration guards a passkey attestation ceremony.
	PurposePasskeyRegistration Purpose = "passkey_registration"
	// PurposePasskeyLogin guards a passkey assertion ceremony.
	PurposePasskeyLogin Purpose = "passkey_login"
	// PurposeTotpSetup holds a pending TOTP secret awaiting confirmation.
	PurposeTotpSetup Purpose = "totp_setup"
)

// IsValid reports whether the purpose is a supported value.
func (p Purpose) IsValid() bool {
	switch p {
	case PurposePasskeyRegistration, PurposePasskeyLogin, PurposeTotpSetup:
		return true
	default:
		return false
	}
}

// Config controls challenge lifetimes.
type Config struct {
	CeremonyTTL time.Duration `env:"LATCHKEY_CHALLENGE_TTL"       envDefault:"5m"`
	SetupTTL    time.Duration `env:"LATCHKEY_TOTP_SETUP_TTL"      envDefault:"5m"`
	SweepEvery  time.Duration `env:"LATCHKEY_CHALLENGE_SWEEP"     envDefault:"5m"`
}

// LoadConfigFromEnv returns challenge configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{CeremonyTTL: 5 * time.Minute, SetupTTL: 5 * time.Minute, SweepEvery: 5 * time.Minute}
	}
	if cfg.CeremonyTTL <= 0 {
		cfg.CeremonyTTL = 5 * time.Minute
	}
	if cfg.SetupTTL <= 0 {
		cfg.SetupTTL = 5 * time.Minute
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = 5 * time.Minute
	}
	return cfg
}
