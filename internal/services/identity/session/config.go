package session

import (
	"time"

	"github.com/louisbranch/latchkey/internal/platform/config"
)

// Config controls session lifetimes and bearer signing.
type Config struct {
	TTL        time.Duration `env:"LATCHKEY_SESSION_TTL"         envDefault:"720h"`
	IdleLimit  time.Duration `env:"LATCHKEY_SESSION_IDLE_LIMIT"  envDefault:"72h"`
	SweepEvery time.Duration `env:"LATCHKEY_SESSION_SWEEP"       envDefault:"1h"`
	SigningKey string        `env:"LATCHKEY_SESSION_SIGNING_KEY"`
}

// LoadConfigFromEnv returns session configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{TTL: 720 * time.Hour, IdleLimit: 72 * time.Hour, SweepEvery: time.Hour}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 720 * time.Hour
	}
	if cfg.IdleLimit <= 0 {
		cfg.IdleLimit = 72 * time.Hour
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = time.Hour
	}
	return cfg
}
