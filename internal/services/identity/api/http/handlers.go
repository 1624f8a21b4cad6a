package http

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/louisbranch/latchkey/internal/platform/errors"
	"github.com/louisbranch/latchkey/internal/platform/requestctx"
	"github.com/louisbranch/latchkey/internal/services/identity/account"
	"github.com/louisbranch/latchkey/internal/services/identity/mfa"
	"github.com/louisbranch/latchkey/internal/services/identity/storage"
	"github.com/louisbranch/latchkey/internal/services/identity/user"
)

type userView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

func viewUser(u user.User) userView {
	return userView{ID: u.ID, Username: u.Username, Email: u.Email}
}

type sessionView struct {
	ID           string     `json:"id"`
	UserAgent    string     `json:"user_agent,omitempty"`
	RemoteAddr   string     `json:"remote_addr,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActiveAt time.Time  `json:"last_active_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Current      bool       `json:"current,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

func viewSession(record storage.Session, current bool) sessionView {
	return sessionView{
		ID:           record.ID,
		UserAgent:    record.UserAgent,
		RemoteAddr:   record.RemoteAddr,
		CreatedAt:    record.CreatedAt,
		LastActiveAt: record.LastActiveAt,
		ExpiresAt:    record.ExpiresAt,
		Current:      current,
		RevokedAt:    record.RevokedAt,
	}
}

type loginResponse struct {
	RequiresSecondFactor bool         `json:"requires_second_factor"`
	PendingToken         string       `json:"pending_token,omitempty"`
	Token                string       `json:"token,omitempty"`
	Session              *sessionView `json:"session,omitempty"`
	User                 *userView    `json:"user,omitempty"`
	RecoveryCodeUsed     bool         `json:"recovery_code_used,omitempty"`
}

func viewLogin(result mfa.Result) loginResponse {
	if result.State == mfa.StateAwaitingSecondFactor {
		return loginResponse{RequiresSecondFactor: true, PendingToken: result.PendingToken}
	}
	sessionView := viewSession(result.Session.Session, true)
	userView := viewUser(result.User)
	return loginResponse{
		Token:            result.Session.Token,
		Session:          &sessionView,
		User:             &userView,
		RecoveryCodeUsed: result.RecoveryCodeUsed,
	}
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	ctx, span := s.tracer.Start(r.Context(), "identity.account.delete")
	defer span.End()

	if err := s.services.Accounts.Delete(ctx, requestctx.UserIDFromContext(ctx)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, span := s.tracer.Start(r.Context(), "identity.signup")
	defer span.End()

	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(apperrors.CodeUnknown), "invalid request body")
		return
	}

	created, issued, err := s.services.Accounts.Signup(ctx, account.SignupInput{
		Username: body.Username,
		Email:    body.Email,
		Password: body.Password,
	}, device(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	sessionView := viewSession(issued.Session, true)
	userView := viewUser(created)
	writeJSON(w, http.StatusCreated, loginResponse{
		Token:   issued.Token,
		Session: &sessionView,
		User:    &userView,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, span := s.tracer.Start(r.Context(), "identity.login")
	defer span.End()

	var body struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(apperrors.CodeUnknown), "invalid request body")
		return
	}

	result, err := s.services.Logins.SubmitPrimary(ctx, body.Identifier, body.Password, device(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewLogin(result))
}

func (s *Server) handleSecondFactor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, span := s.tracer.Start(r.Context(), "identity.login.second_factor")
	defer span.End()

	var body struct {
		PendingToken string `json:"pending_token"`
		Code         string `json:"code"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(apperrors.CodeUnknown), "invalid request body")
		return
	}

	result, err := s.services.Logins.SubmitSecondFactor(ctx, body.PendingToken, body.Code, device(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewLogin(result))
}

type passkeyView struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

func (s *Server) handlePasskeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	ctx, span := s.tracer.Start(r.Context(), "identity.passkeys.list")
	defer span.End()

	credentials, err := s.services.Ceremonies.ListPasskeys(ctx, requestctx.UserIDFromContext(ctx))
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]passkeyView, 0, len(credentials))
	for _, credential := range credentials {
		views = append(views, passkeyView{
			ID:         credential.CredentialID,
			Name:       credential.Name,
			CreatedAt:  credential.CreatedAt,
			LastUsedAt: credential.LastUsedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"passkeys": views})
}

func (s *Server) handlePasskeyRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/identity/passkeys/")
	parts := strings.Split(path, "/")

	switch {
	case len(parts) == 2 && parts[0] == "register" && parts[1] == "begin":
		s.handlePasskeyRegisterBegin(w, r)
	case len(parts) == 2 && parts[0] == "register" && parts[1] == "finish":
		s.handlePasskeyRegisterFinish(w, r)
	case len(parts) == 2 && parts[0] == "login" && parts[1] == "begin":
		s.handlePasskeyLoginBegin(w, r)
	case len(parts) == 2 && parts[0] == "login" && parts[1] == "finish":
		s.handlePasskeyLoginFinish(w, r)
	case len(parts) == 2 && parts[1] == "rename":
		s.handlePasskeyRename(w, r, parts[0])
	case len(parts) == 1 && parts[0] != "":
		s.handlePasskeyDelete(w, r, parts[0])
	default:
		http.NotFound(w, r)
	}
}

type begunResponse struct {
	ChallengeID string          `json:"challenge_id"`
	Options     json.RawMessage `json:"options"`
}

func (s *Server) handlePasskeyRegisterBegin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	ctx, span := s.tracer.Start(r.Context(), "identity.passkeys.register.begin")
	defer span.End()

	var body struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(apperrors.CodeUnknown), "invalid request body")
		return
	}

	begun, err := s.services.Ceremonies.BeginRegistration(ctx, requestctx.UserIDFromContext(ctx), body.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, begunResponse{ChallengeID: begun.ChallengeID, Options: begun.OptionsJSON})
}

func (s *Server) handlePasskeyRegisterFinish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	ctx, span := s.tracer.Start(r.Context(), "identity.passkeys.register.finish")
	defer span.End()

	var body struct {
		ChallengeID string          `json:"challenge_id"`
		Response    json.RawMessage `json:"response"`
		Name        string          `json:"name"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(apperrors.CodeUnknown), "invalid request body")
		return
	}

	registered, err := s.services.Ceremonies.FinishRegistration(ctx, body.ChallengeID, body.Response, body.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"credential_id": registered.CredentialID,
		"name":          registered.Name,
	})
}

func (s *Server) handlePasskeyLoginBegin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, span := s.tracer.Start(r.Context(), "identity.passkeys.login.begin")
	defer span.End()

	var body struct {
		Identifier string `json:"identifier"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(apperrors.CodeUnknown), "invalid request body")
		return
	}

	begun, err := s.services.Ceremonies.BeginLogin(ctx, body.Identifier)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, begunResponse{ChallengeID: begun.ChallengeID, Options: begun.OptionsJSON})
}

func (s *Server) handlePasskeyLoginFinish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, span := s.tracer.Start(r.Context(), "identity.passkeys.login.finish")
	defer span.End()

	var body struct {
		ChallengeID string          `json:"challenge_id"`
		Response    json.RawMessage `json:"response"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(apperrors.CodeUnknown), "invalid request body")
		return
	}

	loggedIn, err := s.services.Ceremonies.FinishLogin(ctx, body.ChallengeID, body.Response, device(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	sessionView := viewSession(loggedIn.Session.Session, true)
	userView := viewUser(loggedIn.User)
	writeJSON(w, http.StatusOK, loginResponse{
		Token:   loggedIn.Session.Token,
		Session: &sessionView,
		User:    &userView,
	})
}

func (s *Server) handlePasskeyRename(w http.ResponseWriter, r *http.Request, credentialID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	ctx, span := s.tracer.Start(r.Context(), "identity.passkeys.rename")
	defer span.End()

	var body struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(apperrors.CodeUnknown), "invalid request body")
		return
	}

	if err := s.services.Ceremonies.RenamePasskey(ctx, requestctx.UserIDFromContext(ctx), credentialID, body.Name); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePasskeyDelete(w http.ResponseWriter, r *http.Request, credentialID string) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	ctx, span := s.tracer.Start(r.Context(), "identity.passkeys.delete")
	defer span.End()

	if err := s.services.Ceremonies.DeletePasskey(ctx, requestctx.UserIDFromContext(ctx), credentialID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTotpStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	ctx, span := s.tracer.Start(r.Context(), "identity.totp.status")
	defer span.End()

	status, err := s.services.Totps.GetStatus(ctx, requestctx.UserIDFromContext(ctx))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":                  status.Enabled,
		"recovery_codes_remaining": status.RecoveryCodesRemaining,
	})
}

func (s *Server) handleTotpRoutes(w http.ResponseWriter, r *http.Request) {
	action := strings.TrimPrefix(r.URL.Path, "/identity/totp/")
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	switch action {
	case "setup":
		s.handleTotpSetup(w, r)
	case "enable":
		s.handleTotpEnable(w, r)
	case "disable":
		s.handleTotpDisable(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleTotpSetup(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "identity.totp.setup")
	defer span.End()

	setup, err := s.services.Totps.BeginSetup(ctx, requestctx.UserIDFromContext(ctx))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"challenge_id":     setup.ChallengeID,
		"secret":           setup.Secret,
		"provisioning_uri": setup.ProvisioningURI,
	})
}

func (s *Server) handleTotpEnable(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "identity.totp.enable")
	defer span.End()

	var body struct {
		ChallengeID string `json:"challenge_id"`
		Code        string `json:"code"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(apperrors.CodeUnknown), "invalid request body")
		return
	}

	enabled, err := s.services.Totps.Enable(ctx, requestctx.UserIDFromContext(ctx), body.ChallengeID, body.Code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recovery_codes": enabled.RecoveryCodes})
}

func (s *Server) handleTotpDisable(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "identity.totp.disable")
	defer span.End()

	var body struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(apperrors.CodeUnknown), "invalid request body")
		return
	}

	if err := s.services.Totps.Disable(ctx, requestctx.UserIDFromContext(ctx), body.Code); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	ctx, span := s.tracer.Start(r.Context(), "identity.sessions.list")
	defer span.End()

	entries, err := s.services.Sessions.List(ctx, requestctx.UserIDFromContext(ctx), requestctx.SessionIDFromContext(ctx))
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]sessionView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, viewSession(entry.Session, entry.IsCurrent))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimPrefix(r.URL.Path, "/identity/sessions/")
	if target == "revoke-others" {
		s.handleRevokeOthers(w, r)
		return
	}
	s.handleSessionRevoke(w, r, target)
}

func (s *Server) handleRevokeOthers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	ctx, span := s.tracer.Start(r.Context(), "identity.sessions.revoke_others")
	defer span.End()

	count, err := s.services.Sessions.RevokeAllOthers(ctx, requestctx.UserIDFromContext(ctx), requestctx.SessionIDFromContext(ctx))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"revoked": count})
}

func (s *Server) handleSessionRevoke(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	ctx, span := s.tracer.Start(r.Context(), "identity.sessions.revoke")
	defer span.End()

	// Ownership check: only the caller's own sessions are addressable.
	entries, err := s.services.Sessions.List(ctx, requestctx.UserIDFromContext(ctx), requestctx.SessionIDFromContext(ctx))
	if err != nil {
		s.writeError(w, err)
		return
	}
	owned := false
	for _, entry := range entries {
		if entry.Session.ID == sessionID {
			owned = true
			break
		}
	}
	if !owned {
		writeJSONError(w, http.StatusNotFound, string(apperrors.CodeSessionNotFound), "session not found")
		return
	}

	if err := s.services.Sessions.Revoke(ctx, sessionID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type linkView struct {
	Provider  string    `json:"provider"`
	Subject   string    `json:"subject"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleLinks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	ctx, span := s.tracer.Start(r.Context(), "identity.links.list")
	defer span.End()

	links, err := s.services.Links.List(ctx, requestctx.UserIDFromContext(ctx))
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]linkView, 0, len(links))
	for _, linked := range links {
		views = append(views, linkView{
			Provider:  linked.Provider,
			Subject:   linked.Subject,
			Email:     linked.Email,
			CreatedAt: linked.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"links": views})
}

func (s *Server) handleLinkRoutes(w http.ResponseWriter, r *http.Request) {
	provider := strings.TrimPrefix(r.URL.Path, "/identity/links/")
	if r.Method != http.MethodDelete || provider == "" {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	ctx, span := s.tracer.Start(r.Context(), "identity.links.unlink")
	defer span.End()

	if err := s.services.Links.Unlink(ctx, requestctx.UserIDFromContext(ctx), provider); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProviderRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/identity/providers/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	providerID, action := parts[0], parts[1]

	switch action {
	case "start":
		s.handleProviderStart(w, r, providerID)
	case "callback":
		s.handleProviderCallback(w, r, providerID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleProviderStart(w http.ResponseWriter, r *http.Request, providerID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r = s.maybeAuthenticate(r)
	ctx, span := s.tracer.Start(r.Context(), "identity.providers.start")
	defer span.End()

	redirectURI := strings.TrimSpace(r.URL.Query().Get("redirect_uri"))
	started, err := s.services.Providers.Begin(ctx, providerID, requestctx.UserIDFromContext(ctx), redirectURI)
	if err != nil {
		s.writeError(w, err)
		return
	}
	http.Redirect(w, r, started.AuthURL, http.StatusFound)
}

func (s *Server) handleProviderCallback(w http.ResponseWriter, r *http.Request, providerID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, span := s.tracer.Start(r.Context(), "identity.providers.callback")
	defer span.End()

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		writeJSONError(w, http.StatusBadRequest, errParam, r.URL.Query().Get("error_description"))
		return
	}

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	done, err := s.services.Providers.Complete(ctx, providerID, code, state, device(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	if done.RedirectURI != "" {
		redirectURL, err := url.Parse(done.RedirectURI)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, string(apperrors.CodeUnknown), "invalid redirect uri")
			return
		}
		query := redirectURL.Query()
		query.Set("provider", providerID)
		if done.Linked {
			query.Set("linked", "true")
		} else {
			query.Set("token", done.Session.Token)
		}
		redirectURL.RawQuery = query.Encode()
		http.Redirect(w, r, redirectURL.String(), http.StatusFound)
		return
	}

	if done.Linked {
		writeJSON(w, http.StatusOK, map[string]any{
			"linked":   true,
			"provider": done.Link.Provider,
			"subject":  done.Link.Subject,
		})
		return
	}
	sessionView := viewSession(done.Session.Session, true)
	userView := viewUser(done.User)
	writeJSON(w, http.StatusOK, loginResponse{
		Token:   done.Session.Token,
		Session: &sessionView,
		User:    &userView,
	})
}

func (s *Server) handlePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	ctx, span := s.tracer.Start(r.Context(), "identity.password.change")
	defer span.End()

	var body struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(apperrors.CodeUnknown), "invalid request body")
		return
	}

	if err := s.services.Accounts.ChangePassword(ctx, requestctx.UserIDFromContext(ctx), body.CurrentPassword, body.NewPassword); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	ctx, span := s.tracer.Start(r.Context(), "identity.status")
	defer span.End()

	caller, err := s.services.Users.GetUser(ctx, requestctx.UserIDFromContext(ctx))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if caller.Role != user.RoleAdmin {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, string(apperrors.CodeUnknown), "since must be RFC 3339")
			return
		}
		since = &parsed
	}

	stats, err := s.services.Statistics.GetIdentityStatistics(ctx, since)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"users":         stats.UserCount,
		"live_sessions": stats.LiveSessionCount,
		"passkeys":      stats.PasskeyCount,
	})
}
