package mfa

import (
	"time"

	"github.com/louisbranch/latchkey/internal/platform/config"
)

// Config controls the pending-login window and its attempt budget.
type Config struct {
	PendingTTL    time.Duration `env:"LATCHKEY_MFA_PENDING_TTL"    envDefault:"90s"`
	AttemptBudget int           `env:"LATCHKEY_MFA_ATTEMPT_BUDGET" envDefault:"5"`
	SweepEvery    time.Duration `env:"LATCHKEY_MFA_SWEEP"          envDefault:"5m"`
}

// LoadConfigFromEnv returns orchestrator configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{PendingTTL: 90 * time.Second, AttemptBudget: 5, SweepEvery: 5 * time.Minute}
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 90 * time.Second
	}
	if cfg.AttemptBudget <= 0 {
		cfg.AttemptBudget = 5
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = 5 * time.Minute
	}
	return cfg
}
