// Package app assembles and hosts the identity service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	identityhttp "github.com/louisbranch/latchkey/internal/services/identity/api/http"
	"github.com/louisbranch/latchkey/internal/services/identity/account"
	"github.com/louisbranch/latchkey/internal/services/identity/ceremony"
	"github.com/louisbranch/latchkey/internal/services/identity/challenge"
	"github.com/louisbranch/latchkey/internal/services/identity/link"
	"github.com/louisbranch/latchkey/internal/services/identity/mfa"
	"github.com/louisbranch/latchkey/internal/services/identity/session"
	"github.com/louisbranch/latchkey/internal/services/identity/storage/sqlite"
	"github.com/louisbranch/latchkey/internal/services/identity/totp"
)

// Server hosts the identity HTTP service and its cleanup loops.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	store      *sqlite.Store
	sessions   *session.Manager
	providers  *link.Flow
	logger     *log.Logger

	challengeConfig challenge.Config
	mfaConfig       mfa.Config
	sessionConfig   session.Config
	linkConfig      link.Config
}

// New creates a configured identity server listening on the provided address.
func New(addr string, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.Default()
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	store, err := openStore()
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	sessionConfig := session.LoadConfigFromEnv()
	sessions, err := session.NewManager(store, sessionConfig)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("build session manager: %w", err)
	}

	mfaConfig := mfa.LoadConfigFromEnv()
	logins, err := mfa.NewOrchestrator(mfa.Stores{
		Users:         store,
		Passwords:     store,
		Totps:         store,
		RecoveryCodes: store,
		PendingLogins: store,
	}, sessions, mfaConfig)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("build login orchestrator: %w", err)
	}

	ceremonies := ceremony.NewVerifier(ceremony.Stores{
		Users:      store,
		Passwords:  store,
		Passkeys:   store,
		Links:      store,
		Challenges: store,
	}, sessions)

	totps, err := totp.NewService(totp.Stores{
		Users:         store,
		Totps:         store,
		RecoveryCodes: store,
		Challenges:    store,
	})
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("build totp service: %w", err)
	}

	linker, err := link.NewLinker(link.Stores{
		Users:     store,
		Passwords: store,
		Passkeys:  store,
		Links:     store,
		States:    store,
	})
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("build linker: %w", err)
	}
	providers, err := link.NewFlow(linker, sessions)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("build provider flow: %w", err)
	}

	accounts, err := account.NewService(account.Stores{Users: store, Passwords: store}, sessions)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("build account service: %w", err)
	}

	mux := http.NewServeMux()
	api := identityhttp.NewServer(identityhttp.Services{
		Accounts:   accounts,
		Logins:     logins,
		Ceremonies: ceremonies,
		Totps:      totps,
		Sessions:   sessions,
		Links:      linker,
		Providers:  providers,
		Users:      store,
		Statistics: store,
	}, logger)
	api.RegisterRoutes(mux)

	return &Server{
		listener:        listener,
		httpServer:      &http.Server{Handler: mux},
		store:           store,
		sessions:        sessions,
		providers:       providers,
		logger:          logger,
		challengeConfig: challenge.LoadConfigFromEnv(),
		mfaConfig:       mfaConfig,
		sessionConfig:   sessionConfig,
		linkConfig:      link.LoadConfigFromEnv(),
	}, nil
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves an identity server until the context ends.
func Run(ctx context.Context, addr string, logger *log.Logger) error {
	server, err := New(addr, logger)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the server and blocks until it stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.closeStore()

	s.startCleanup(serverCtx)

	s.logger.Printf("identity server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}

	select {
	case <-ctx.Done():
		shutdown()
		err := <-serveErr
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

// startCleanup runs the expiry sweeps for transient records: challenges,
// pending logins, provider states, and dead sessions.
func (s *Server) startCleanup(ctx context.Context) {
	runTicker(ctx, s.challengeConfig.SweepEvery, func(now time.Time) {
		if err := s.store.DeleteExpiredChallenges(ctx, now); err != nil {
			s.logger.Printf("sweep challenges: %v", err)
		}
	})
	runTicker(ctx, s.mfaConfig.SweepEvery, func(now time.Time) {
		if err := s.store.DeleteExpiredPendingLogins(ctx, now); err != nil {
			s.logger.Printf("sweep pending logins: %v", err)
		}
	})
	runTicker(ctx, s.sessionConfig.SweepEvery, func(now time.Time) {
		if err := s.sessions.Sweep(ctx); err != nil {
			s.logger.Printf("sweep sessions: %v", err)
		}
	})
	runTicker(ctx, s.linkConfig.SweepEvery, func(now time.Time) {
		if err := s.providers.Sweep(ctx, now); err != nil {
			s.logger.Printf("sweep provider states: %v", err)
		}
	})
}

func runTicker(ctx context.Context, interval time.Duration, sweep func(now time.Time)) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case tick := <-ticker.C:
				sweep(tick.UTC())
			}
		}
	}()
}

func openStore() (*sqlite.Store, error) {
	path := strings.TrimSpace(os.Getenv("LATCHKEY_DB_PATH"))
	if path == "" {
		path = filepath.Join("data", "identity.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open identity sqlite store: %w", err)
	}
	return store, nil
}

func (s *Server) closeStore() {
	if s == nil {
		return
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Printf("close identity store: %v", err)
		}
	}
}
