package link

import (
	"strings"
	"time"

	"github.com/louisbranch/latchkey/internal/platform/config"
)

// Provider describes an external OAuth provider endpoint set.
type Provider struct {
	Name         string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	Scopes       []string
}

// Config holds provider redirect configuration.
type Config struct {
	Providers  map[string]Provider
	StateTTL   time.Duration
	SweepEvery time.Duration
}

type linkEnv struct {
	StateTTL           time.Duration `env:"LATCHKEY_PROVIDER_STATE_TTL"          envDefault:"15m"`
	SweepEvery         time.Duration `env:"LATCHKEY_PROVIDER_STATE_SWEEP"        envDefault:"15m"`
	GoogleClientID     string        `env:"LATCHKEY_GOOGLE_CLIENT_ID"`
	GoogleClientSecret string        `env:"LATCHKEY_GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURI  string        `env:"LATCHKEY_GOOGLE_REDIRECT_URI"`
	GoogleScopes       []string      `env:"LATCHKEY_GOOGLE_SCOPES"               envSeparator:","`
	GitHubClientID     string        `env:"LATCHKEY_GITHUB_CLIENT_ID"`
	GitHubClientSecret string        `env:"LATCHKEY_GITHUB_CLIENT_SECRET"`
	GitHubRedirectURI  string        `env:"LATCHKEY_GITHUB_REDIRECT_URI"`
	GitHubScopes       []string      `env:"LATCHKEY_GITHUB_SCOPES"               envSeparator:","`
}

// LoadConfigFromEnv loads provider redirect configuration from environment
// variables. Providers missing credentials are left out of the map.
func LoadConfigFromEnv() Config {
	var raw linkEnv
	if err := config.ParseEnv(&raw); err != nil {
		return Config{StateTTL: 15 * time.Minute, SweepEvery: 15 * time.Minute}
	}
	cfg := Config{
		Providers:  buildProviders(raw),
		StateTTL:   raw.StateTTL,
		SweepEvery: raw.SweepEvery,
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 15 * time.Minute
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = 15 * time.Minute
	}
	return cfg
}

func buildProviders(raw linkEnv) map[string]Provider {
	providers := make(map[string]Provider)
	if raw.GoogleClientID != "" && raw.GoogleClientSecret != "" && raw.GoogleRedirectURI != "" {
		scopes := trimCSV(raw.GoogleScopes)
		if len(scopes) == 0 {
			scopes = []string{"openid", "email", "profile"}
		}
		providers["google"] = Provider{
			Name:         "Google",
			ClientID:     raw.GoogleClientID,
			ClientSecret: raw.GoogleClientSecret,
			RedirectURI:  raw.GoogleRedirectURI,
			AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:     "https://oauth2.googleapis.com/token",
			UserInfoURL:  "https://openidconnect.googleapis.com/v1/userinfo",
			Scopes:       scopes,
		}
	}
	if raw.GitHubClientID != "" && raw.GitHubClientSecret != "" && raw.GitHubRedirectURI != "" {
		scopes := trimCSV(raw.GitHubScopes)
		if len(scopes) == 0 {
			scopes = []string{"read:user", "user:email"}
		}
		providers["github"] = Provider{
			Name:         "GitHub",
			ClientID:     raw.GitHubClientID,
			ClientSecret: raw.GitHubClientSecret,
			RedirectURI:  raw.GitHubRedirectURI,
			AuthURL:      "https://github.com/login/oauth/authorize",
			TokenURL:     "https://github.com/login/oauth/access_token",
			UserInfoURL:  "https://api.github.com/user",
			Scopes:       scopes,
		}
	}
	if len(providers) == 0 {
		return nil
	}
	return providers
}

func trimCSV(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			result = append(result, v)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
