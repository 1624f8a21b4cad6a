package ceremony

import (
	"github.com/louisbranch/latchkey/internal/platform/config"
)

// Config controls WebAuthn relying party settings.
type Config struct {
	RPDisplayName string   `env:"LATCHKEY_WEBAUTHN_RP_DISPLAY_NAME" envDefault:"Latchkey"`
	RPID          string   `env:"LATCHKEY_WEBAUTHN_RP_ID"           envDefault:"localhost"`
	RPOrigins     []string `env:"LATCHKEY_WEBAUTHN_RP_ORIGINS"      envSeparator:","`
}

// LoadConfigFromEnv returns relying party configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{
			RPDisplayName: "Latchkey",
			RPID:          "localhost",
			RPOrigins:     []string{"http://localhost:8086"},
		}
	}
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = "Latchkey"
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{"http://localhost:8086"}
	}
	return cfg
}
