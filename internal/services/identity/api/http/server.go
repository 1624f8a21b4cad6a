// Package http exposes the identity service as a JSON API.
package http

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/latchkey/internal/platform/errors"
	"github.com/louisbranch/latchkey/internal/platform/requestctx"
	"github.com/louisbranch/latchkey/internal/services/identity/account"
	"github.com/louisbranch/latchkey/internal/services/identity/ceremony"
	"github.com/louisbranch/latchkey/internal/services/identity/link"
	"github.com/louisbranch/latchkey/internal/services/identity/mfa"
	"github.com/louisbranch/latchkey/internal/services/identity/session"
	"github.com/louisbranch/latchkey/internal/services/identity/storage"
	"github.com/louisbranch/latchkey/internal/services/identity/totp"
)

// Services bundles the domain services the boundary exposes.
type Services struct {
	Accounts   *account.Service
	Logins     *mfa.Orchestrator
	Ceremonies *ceremony.Verifier
	Totps      *totp.Service
	Sessions   *session.Manager
	Links      *link.Linker
	Providers  *link.Flow
	Users      storage.UserStore
	Statistics storage.StatisticsStore
}

// Server hosts the identity JSON endpoints.
type Server struct {
	services Services
	logger   *log.Logger
	tracer   trace.Tracer
}

// NewServer builds a server over the given services.
func NewServer(services Services, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		services: services,
		logger:   logger,
		tracer:   otel.Tracer("latchkey/identity/api"),
	}
}

// RegisterRoutes registers identity HTTP endpoints on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	if mux == nil {
		return
	}

	mux.HandleFunc("/identity", s.handleAccount)
	mux.HandleFunc("/identity/signup", s.handleSignup)
	mux.HandleFunc("/identity/login", s.handleLogin)
	mux.HandleFunc("/identity/login/second-factor", s.handleSecondFactor)
	mux.HandleFunc("/identity/passkeys", s.handlePasskeys)
	mux.HandleFunc("/identity/passkeys/", s.handlePasskeyRoutes)
	mux.HandleFunc("/identity/totp", s.handleTotpStatus)
	mux.HandleFunc("/identity/totp/", s.handleTotpRoutes)
	mux.HandleFunc("/identity/sessions", s.handleSessions)
	mux.HandleFunc("/identity/sessions/", s.handleSessionRoutes)
	mux.HandleFunc("/identity/links", s.handleLinks)
	mux.HandleFunc("/identity/links/", s.handleLinkRoutes)
	mux.HandleFunc("/identity/providers/", s.handleProviderRoutes)
	mux.HandleFunc("/identity/password", s.handlePassword)
	mux.HandleFunc("/identity/status", s.handleStatus)
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

// device captures the caller's client descriptor for session records.
func device(r *http.Request) session.Device {
	return session.Device{
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
	}
}

// bearerToken extracts the Authorization bearer value, empty when absent.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// authenticate resolves the bearer token to a live session and stamps the
// caller identity into the request context. It refreshes last-active time.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
	token := bearerToken(r)
	if token == "" {
		writeJSONError(w, http.StatusUnauthorized, string(apperrors.CodeSessionNotFound), "authentication required")
		return nil, false
	}
	record, err := s.services.Sessions.Resolve(r.Context(), token)
	if err != nil {
		s.logger.Printf("session resolve failed: %v", err)
		writeJSONError(w, http.StatusUnauthorized, string(apperrors.CodeSessionNotFound), "authentication required")
		return nil, false
	}
	if err := s.services.Sessions.Touch(r.Context(), record.ID); err != nil {
		s.logger.Printf("session touch failed: %v", err)
	}
	ctx := requestctx.WithUserID(r.Context(), record.UserID)
	ctx = requestctx.WithSessionID(ctx, record.ID)
	return r.WithContext(ctx), true
}

// maybeAuthenticate is authenticate without the failure response; provider
// start works both logged in (link flow) and logged out (login flow).
func (s *Server) maybeAuthenticate(r *http.Request) *http.Request {
	token := bearerToken(r)
	if token == "" {
		return r
	}
	record, err := s.services.Sessions.Resolve(r.Context(), token)
	if err != nil {
		return r
	}
	ctx := requestctx.WithUserID(r.Context(), record.UserID)
	ctx = requestctx.WithSessionID(ctx, record.ID)
	return r.WithContext(ctx)
}

func decodeJSON(r *http.Request, into any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(into)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// writeError maps a domain error onto the wire. Credential, ceremony, and
// challenge-lifecycle failures collapse to a generic message so callers cannot
// probe which step failed; the distinct cause is logged server-side.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	switch code {
	case apperrors.CodeInvalidCredentials,
		apperrors.CodeCeremonyVerificationFailed,
		apperrors.CodeCounterReplay,
		apperrors.CodeNoSuchCredential,
		apperrors.CodeChallengeExpired,
		apperrors.CodeChallengeConsumed:
		s.logger.Printf("authentication failure: %v", err)
		writeJSONError(w, http.StatusUnauthorized, string(apperrors.CodeInvalidCredentials), "authentication failed")
		return
	case apperrors.CodeUnknown:
		s.logger.Printf("internal error: %v", err)
		writeJSONError(w, http.StatusInternalServerError, string(code), "internal error")
		return
	}
	writeJSONError(w, code.HTTPStatus(), string(code), err.Error())
}
