// Package identity wires flags and environment into the identity server.
package identity

import (
	"context"
	"flag"
	"log"
	"strings"

	"github.com/louisbranch/latchkey/internal/platform/otel"
	"github.com/louisbranch/latchkey/internal/services/identity/app"
)

// Config holds identity command configuration.
type Config struct {
	Addr string
}

// EnvLookup returns the value for a key when present.
type EnvLookup func(string) (string, bool)

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string, lookup EnvLookup) (Config, error) {
	cfg := Config{
		Addr: envOrDefault(lookup, []string{"LATCHKEY_HTTP_ADDR"}, "localhost:8086"),
	}

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The identity HTTP server address")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the identity server, with tracing when configured.
func Run(ctx context.Context, cfg Config) error {
	shutdown, err := otel.Setup(ctx, "identity")
	if err != nil {
		log.Printf("otel setup: %v", err)
	} else {
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Printf("otel shutdown: %v", err)
			}
		}()
	}

	return app.Run(ctx, cfg.Addr, log.Default())
}

func envOrDefault(lookup EnvLookup, keys []string, fallback string) string {
	for _, key := range keys {
		if lookup == nil {
			break
		}
		value, ok := lookup(key)
		if ok {
			trimmed := strings.TrimSpace(value)
			if trimmed != "" {
				return trimmed
			}
		}
	}
	return fallback
}
