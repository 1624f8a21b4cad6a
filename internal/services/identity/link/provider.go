package link

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/louisbranch/latchkey/internal/platform/errors"
	"github.com/louisbranch/latchkey/internal/services/identity/session"
	"github.com/louisbranch/latchkey/internal/services/identity/storage"
	"github.com/louisbranch/latchkey/internal/services/identity/user"
)

// ErrUnknownProvider indicates the provider id is not configured.
var ErrUnknownProvider = apperrors.New(apperrors.CodeNotFound, "unknown provider")

// ErrStateInvalid indicates the redirect state is missing, expired, or bound
// to a different provider.
var ErrStateInvalid = apperrors.New(apperrors.CodeChallengeExpired, "redirect state is invalid or expired")

// ErrExchangeFailed indicates the provider rejected the code exchange or the
// profile fetch.
var ErrExchangeFailed = apperrors.New(apperrors.CodeCeremonyVerificationFailed, "provider exchange failed")

// Started carries the authorization URL the client must visit.
type Started struct {
	AuthURL string
	State   string
}

// Completed is the outcome of a provider callback. Linked is set when the
// flow was started by an authenticated user; otherwise Session carries a
// fresh login.
type Completed struct {
	Linked      bool
	Link        storage.LinkedAccount
	User        user.User
	Session     session.Issued
	RedirectURI string
}

// Flow drives the provider redirect dance: PKCE start, state tracking, code
// exchange, and the final link or login.
type Flow struct {
	linker     *Linker
	sessions   *session.Manager
	httpClient *http.Client
}

// NewFlow builds a redirect flow on top of an existing linker.
func NewFlow(linker *Linker, sessions *session.Manager) (*Flow, error) {
	if linker == nil || sessions == nil {
		return nil, fmt.Errorf("link: linker and sessions are required")
	}
	if linker.stores.States == nil {
		return nil, fmt.Errorf("link: provider state store is required")
	}
	return &Flow{
		linker:     linker,
		sessions:   sessions,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Begin starts a redirect for the provider. userID is empty for the login
// flow and set when an authenticated user is linking a new provider.
func (f *Flow) Begin(ctx context.Context, providerID, userID, redirectURI string) (Started, error) {
	provider, ok := f.linker.config.Providers[providerID]
	if !ok {
		return Started{}, ErrUnknownProvider
	}

	verifier, err := generateToken(48)
	if err != nil {
		return Started{}, fmt.Errorf("generate code verifier: %w", err)
	}
	stateValue, err := generateToken(32)
	if err != nil {
		return Started{}, fmt.Errorf("generate state: %w", err)
	}

	now := f.linker.now()
	err = f.linker.stores.States.PutProviderState(ctx, storage.ProviderState{
		State:        stateValue,
		Provider:     providerID,
		UserID:       userID,
		RedirectURI:  strings.TrimSpace(redirectURI),
		CodeVerifier: verifier,
		CreatedAt:    now,
		ExpiresAt:    now.Add(f.linker.config.StateTTL),
	})
	if err != nil {
		return Started{}, fmt.Errorf("put provider state: %w", err)
	}

	query := url.Values{}
	query.Set("response_type", "code")
	query.Set("client_id", provider.ClientID)
	query.Set("redirect_uri", provider.RedirectURI)
	query.Set("scope", strings.Join(provider.Scopes, " "))
	query.Set("state", stateValue)
	query.Set("code_challenge", computeS256Challenge(verifier))
	query.Set("code_challenge_method", "S256")

	authURL, err := url.Parse(provider.AuthURL)
	if err != nil {
		return Started{}, fmt.Errorf("parse provider auth url: %w", err)
	}
	authURL.RawQuery = query.Encode()
	return Started{AuthURL: authURL.String(), State: stateValue}, nil
}

// Complete handles the provider callback. The state record is removed before
// any exchange so a replayed callback cannot reuse it.
func (f *Flow) Complete(ctx context.Context, providerID, code, stateValue string, device session.Device) (Completed, error) {
	provider, ok := f.linker.config.Providers[providerID]
	if !ok {
		return Completed{}, ErrUnknownProvider
	}
	if code == "" || stateValue == "" {
		return Completed{}, ErrStateInvalid
	}

	state, err := f.linker.stores.States.GetProviderState(ctx, stateValue)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return Completed{}, ErrStateInvalid
		}
		return Completed{}, fmt.Errorf("get provider state: %w", err)
	}
	if err := f.linker.stores.States.DeleteProviderState(ctx, stateValue); err != nil {
		return Completed{}, fmt.Errorf("delete provider state: %w", err)
	}
	now := f.linker.now()
	if state.Provider != providerID || !now.Before(state.ExpiresAt) {
		return Completed{}, ErrStateInvalid
	}

	token, err := f.exchangeToken(ctx, provider, code, state.CodeVerifier)
	if err != nil {
		return Completed{}, err
	}
	profile, err := f.fetchProfile(ctx, provider, token)
	if err != nil {
		return Completed{}, err
	}

	if state.UserID != "" {
		linked, err := f.linker.Link(ctx, state.UserID, providerID, profile.Subject, profile.Email)
		if err != nil {
			return Completed{}, err
		}
		return Completed{Linked: true, Link: linked, RedirectURI: state.RedirectURI}, nil
	}
	done, err := f.login(ctx, providerID, profile, device)
	if err != nil {
		return Completed{}, err
	}
	done.RedirectURI = state.RedirectURI
	return done, nil
}

// Sweep removes expired redirect state records.
func (f *Flow) Sweep(ctx context.Context, now time.Time) error {
	return f.linker.stores.States.DeleteExpiredProviderStates(ctx, now.UTC())
}

// login resolves or provisions the user behind the provider subject and
// issues a session.
func (f *Flow) login(ctx context.Context, providerID string, profile providerProfile, device session.Device) (Completed, error) {
	var account user.User
	existing, err := f.linker.stores.Links.GetLinkedAccountBySubject(ctx, providerID, profile.Subject)
	switch {
	case err == nil:
		account, err = f.linker.stores.Users.GetUser(ctx, existing.UserID)
		if err != nil {
			return Completed{}, fmt.Errorf("get user: %w", err)
		}
	case apperrors.HasCode(err, apperrors.CodeNotFound):
		account, err = f.provisionUser(ctx, providerID, profile)
		if err != nil {
			return Completed{}, err
		}
	default:
		return Completed{}, fmt.Errorf("get linked account by subject: %w", err)
	}

	issued, err := f.sessions.Issue(ctx, account.ID, device)
	if err != nil {
		return Completed{}, fmt.Errorf("issue session: %w", err)
	}
	return Completed{User: account, Session: issued}, nil
}

func (f *Flow) provisionUser(ctx context.Context, providerID string, profile providerProfile) (user.User, error) {
	base := usernameForSubject(providerID, profile.Subject)
	username := base
	for attempt := 0; ; attempt++ {
		created, err := user.CreateUser(user.CreateUserInput{Username: username, Email: profile.Email}, f.linker.clock, f.linker.idGenerator)
		if err != nil {
			return user.User{}, fmt.Errorf("create user: %w", err)
		}
		err = f.linker.stores.Users.PutUser(ctx, created)
		if err == nil {
			if _, err := f.linker.Link(ctx, created.ID, providerID, profile.Subject, profile.Email); err != nil {
				return user.User{}, err
			}
			return created, nil
		}
		if !apperrors.HasCode(err, apperrors.CodeUserUsernameTaken) || attempt >= 2 {
			return user.User{}, fmt.Errorf("put user: %w", err)
		}
		suffix, serr := generateToken(2)
		if serr != nil {
			return user.User{}, fmt.Errorf("generate username suffix: %w", serr)
		}
		username = truncate(base, 27) + "-" + suffix
	}
}

type providerToken struct {
	AccessToken string
}

func (f *Flow) exchangeToken(ctx context.Context, provider Provider, code, codeVerifier string) (providerToken, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", provider.RedirectURI)
	form.Set("client_id", provider.ClientID)
	form.Set("client_secret", provider.ClientSecret)
	form.Set("code_verifier", codeVerifier)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return providerToken{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return providerToken{}, ErrExchangeFailed
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return providerToken{}, ErrExchangeFailed
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return providerToken{}, ErrExchangeFailed
	}
	if payload.AccessToken == "" {
		return providerToken{}, ErrExchangeFailed
	}
	return providerToken{AccessToken: payload.AccessToken}, nil
}

type providerProfile struct {
	Subject string
	Email   string
}

func (f *Flow) fetchProfile(ctx context.Context, provider Provider, token providerToken) (providerProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.UserInfoURL, nil)
	if err != nil {
		return providerProfile{}, fmt.Errorf("build profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return providerProfile{}, ErrExchangeFailed
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return providerProfile{}, ErrExchangeFailed
	}

	if strings.EqualFold(provider.Name, "Google") {
		var payload struct {
			Sub   string `json:"sub"`
			Email string `json:"email"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Sub == "" {
			return providerProfile{}, ErrExchangeFailed
		}
		return providerProfile{Subject: payload.Sub, Email: payload.Email}, nil
	}

	var payload struct {
		ID    int64  `json:"id"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.ID == 0 {
		return providerProfile{}, ErrExchangeFailed
	}
	return providerProfile{Subject: strconv.FormatInt(payload.ID, 10), Email: payload.Email}, nil
}

// usernameForSubject derives a valid username for a provisioned account.
func usernameForSubject(providerID, subject string) string {
	cleaned := make([]rune, 0, len(subject))
	for _, r := range strings.ToLower(subject) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			cleaned = append(cleaned, r)
		default:
			cleaned = append(cleaned, '-')
		}
	}
	name := truncate(strings.ToLower(providerID)+"-"+string(cleaned), 32)
	return name
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func computeS256Challenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

func generateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
