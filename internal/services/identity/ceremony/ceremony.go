// Package ceremony runs WebAuthn passkey registration and login ceremonies.
//
// Each ceremony is anchored to a single-use challenge: begin stores the
// WebAuthn session data as the challenge payload, finish consumes the
// challenge exactly once before any cryptographic validation runs.
package ceremony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	apperrors "github.com/louisbranch/latchkey/internal/platform/errors"
	"github.com/louisbranch/latchkey/internal/platform/id"
	"github.com/louisbranch/latchkey/internal/services/identity/challenge"
	"github.com/louisbranch/latchkey/internal/services/identity/password"
	"github.com/louisbranch/latchkey/internal/services/identity/session"
	"github.com/louisbranch/latchkey/internal/services/identity/storage"
	"github.com/louisbranch/latchkey/internal/services/identity/user"
)

// ErrVerificationFailed hides the specific reason an attestation or assertion
// was rejected.
var ErrVerificationFailed = apperrors.New(apperrors.CodeCeremonyVerificationFailed, "ceremony verification failed")

// ErrChallengeExpired indicates a ceremony that outlived its challenge.
var ErrChallengeExpired = apperrors.New(apperrors.CodeChallengeExpired, "challenge expired")

// ErrCounterReplay indicates an assertion whose sign counter did not advance.
var ErrCounterReplay = apperrors.New(apperrors.CodeCounterReplay, "sign counter did not advance")

// ErrLastFactor indicates a removal that would leave the user unable to log in.
var ErrLastFactor = apperrors.New(apperrors.CodeInvariantViolation, "cannot remove the last usable login factor")

type provider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
	ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error)
}

type parser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultParser struct{}

func (defaultParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// Stores bundles the persistence surfaces the verifier needs.
type Stores struct {
	Users      storage.UserStore
	Passwords  storage.PasswordStore
	Passkeys   storage.PasskeyStore
	Links      storage.LinkedAccountStore
	Challenges storage.ChallengeStore
}

// Verifier runs passkey ceremonies end to end.
type Verifier struct {
	stores          Stores
	sessions        *session.Manager
	webAuthn        provider
	webAuthnInitErr error
	parser          parser
	challengeConfig challenge.Config
	clock           func() time.Time
	idGenerator     func() (string, error)
}

// NewVerifier builds a verifier from environment relying-party settings.
func NewVerifier(stores Stores, sessions *session.Manager) *Verifier {
	config := LoadConfigFromEnv()
	webAuthn, err := webauthn.New(&webauthn.Config{
		RPDisplayName: config.RPDisplayName,
		RPID:          config.RPID,
		RPOrigins:     config.RPOrigins,
	})
	return &Verifier{
		stores:          stores,
		sessions:        sessions,
		webAuthn:        webAuthn,
		webAuthnInitErr: err,
		parser:          defaultParser{},
		challengeConfig: challenge.LoadConfigFromEnv(),
		clock:           time.Now,
		idGenerator:     id.NewID,
	}
}

// Begun is the client-facing half of a started ceremony.
type Begun struct {
	ChallengeID string
	OptionsJSON json.RawMessage
}

// Registered describes a stored passkey credential.
type Registered struct {
	CredentialID string
	Name         string
}

// LoggedIn is the result of a finished login ceremony.
type LoggedIn struct {
	User    user.User
	Session session.Issued
}

// BeginRegistration starts an attestation ceremony for a logged-in user.
//
// When the user has a password it must be re-proved here: a stolen session
// alone is not enough to enroll a new credential.
func (v *Verifier) BeginRegistration(ctx context.Context, userID, passwordProof string) (Begun, error) {
	if err := v.ready(); err != nil {
		return Begun{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Begun{}, fmt.Errorf("user id is required")
	}

	baseUser, err := v.stores.Users.GetUser(ctx, userID)
	if err != nil {
		return Begun{}, fmt.Errorf("load user: %w", err)
	}
	if err := v.requirePasswordProof(ctx, userID, passwordProof); err != nil {
		return Begun{}, err
	}

	webUser, err := v.loadWebAuthnUser(ctx, baseUser)
	if err != nil {
		return Begun{}, fmt.Errorf("load passkey user: %w", err)
	}

	options := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(webUser.credentials) > 0 {
		options = append(options, webauthn.WithExclusions(webauthn.Credentials(webUser.credentials).CredentialDescriptors()))
	}

	creation, sessionData, err := v.webAuthn.BeginRegistration(webUser, options...)
	if err != nil {
		return Begun{}, fmt.Errorf("begin registration: %w", err)
	}
	return v.storeBegun(ctx, challenge.PurposePasskeyRegistration, baseUser.ID, sessionData, creation)
}

// FinishRegistration validates an attestation response and stores the credential.
func (v *Verifier) FinishRegistration(ctx context.Context, challengeID string, responseJSON []byte, name string) (Registered, error) {
	if err := v.ready(); err != nil {
		return Registered{}, err
	}
	if len(responseJSON) == 0 {
		return Registered{}, fmt.Errorf("credential response is required")
	}

	record, sessionData, err := v.consumeCeremony(ctx, challengeID, challenge.PurposePasskeyRegistration)
	if err != nil {
		return Registered{}, err
	}
	if record.UserID == "" {
		return Registered{}, fmt.Errorf("registration challenge missing user id")
	}

	baseUser, err := v.stores.Users.GetUser(ctx, record.UserID)
	if err != nil {
		return Registered{}, fmt.Errorf("load user: %w", err)
	}
	webUser, err := v.loadWebAuthnUser(ctx, baseUser)
	if err != nil {
		return Registered{}, fmt.Errorf("load passkey user: %w", err)
	}

	parsed, err := v.parser.ParseCredentialCreationResponseBytes(responseJSON)
	if err != nil {
		return Registered{}, ErrVerificationFailed
	}
	credential, err := v.webAuthn.CreateCredential(webUser, sessionData, parsed)
	if err != nil {
		return Registered{}, ErrVerificationFailed
	}

	credentialJSON, err := json.Marshal(credential)
	if err != nil {
		return Registered{}, fmt.Errorf("encode credential: %w", err)
	}
	now := v.now()
	credentialID := encodeCredentialID(credential.ID)
	name = strings.TrimSpace(name)
	if name == "" {
		name = "passkey"
	}
	err = v.stores.Passkeys.PutPasskeyCredential(ctx, storage.PasskeyCredential{
		CredentialID:   credentialID,
		UserID:         baseUser.ID,
		Name:           name,
		CredentialJSON: string(credentialJSON),
		SignCount:      credential.Authenticator.SignCount,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return Registered{}, fmt.Errorf("store credential: %w", err)
	}
	return Registered{CredentialID: credentialID, Name: name}, nil
}

// BeginLogin starts an assertion ceremony. With an identifier the challenge is
// bound to that user's credentials; without one the ceremony is discoverable
// and the authenticator names the user.
func (v *Verifier) BeginLogin(ctx context.Context, identifier string) (Begun, error) {
	if err := v.ready(); err != nil {
		return Begun{}, err
	}

	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		assertion, sessionData, err := v.webAuthn.BeginDiscoverableLogin()
		if err != nil {
			return Begun{}, fmt.Errorf("begin discoverable login: %w", err)
		}
		return v.storeBegun(ctx, challenge.PurposePasskeyLogin, "", sessionData, assertion)
	}

	baseUser, err := v.resolveIdentifier(ctx, identifier)
	if err != nil {
		return Begun{}, err
	}
	webUser, err := v.loadWebAuthnUser(ctx, baseUser)
	if err != nil {
		return Begun{}, fmt.Errorf("load passkey user: %w", err)
	}
	if len(webUser.credentials) == 0 {
		return Begun{}, ErrVerificationFailed
	}
	assertion, sessionData, err := v.webAuthn.BeginLogin(webUser)
	if err != nil {
		return Begun{}, fmt.Errorf("begin login: %w", err)
	}
	return v.storeBegun(ctx, challenge.PurposePasskeyLogin, baseUser.ID, sessionData, assertion)
}

// FinishLogin validates an assertion, enforces the sign-counter invariant, and
// issues a session.
//
// Sign counters must strictly increase whenever either side reports a nonzero
// value; a stale counter is treated as a cloned-authenticator signal and the
// assertion is rejected even though its signature verified.
func (v *Verifier) FinishLogin(ctx context.Context, challengeID string, responseJSON []byte, device session.Device) (LoggedIn, error) {
	if err := v.ready(); err != nil {
		return LoggedIn{}, err
	}
	if len(responseJSON) == 0 {
		return LoggedIn{}, fmt.Errorf("credential response is required")
	}

	record, sessionData, err := v.consumeCeremony(ctx, challengeID, challenge.PurposePasskeyLogin)
	if err != nil {
		return LoggedIn{}, err
	}

	parsed, err := v.parser.ParseCredentialRequestResponseBytes(responseJSON)
	if err != nil {
		return LoggedIn{}, ErrVerificationFailed
	}

	// A bound challenge names its user up front and must validate against that
	// user's credentials; only a discoverable challenge resolves the user from
	// the assertion's handle.
	var webUser *webAuthnUser
	var validatedCredential *webauthn.Credential
	if record.UserID != "" {
		baseUser, err := v.stores.Users.GetUser(ctx, record.UserID)
		if err != nil {
			return LoggedIn{}, fmt.Errorf("load user: %w", err)
		}
		webUser, err = v.loadWebAuthnUser(ctx, baseUser)
		if err != nil {
			return LoggedIn{}, fmt.Errorf("load passkey user: %w", err)
		}
		validatedCredential, err = v.webAuthn.ValidateLogin(webUser, sessionData, parsed)
		if err != nil {
			return LoggedIn{}, ErrVerificationFailed
		}
	} else {
		validatedUser, credential, err := v.webAuthn.ValidatePasskeyLogin(v.userHandler(ctx), sessionData, parsed)
		if err != nil {
			return LoggedIn{}, ErrVerificationFailed
		}
		typed, ok := validatedUser.(*webAuthnUser)
		if !ok {
			return LoggedIn{}, fmt.Errorf("passkey user type mismatch")
		}
		webUser = typed
		validatedCredential = credential
	}

	credentialID := encodeCredentialID(validatedCredential.ID)
	stored, err := v.stores.Passkeys.GetPasskeyCredential(ctx, credentialID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return LoggedIn{}, ErrVerificationFailed
		}
		return LoggedIn{}, fmt.Errorf("load credential: %w", err)
	}

	credentialJSON, err := json.Marshal(validatedCredential)
	if err != nil {
		return LoggedIn{}, fmt.Errorf("encode credential: %w", err)
	}
	now := v.now()
	newCount := validatedCredential.Authenticator.SignCount
	if newCount == 0 && stored.SignCount == 0 {
		// The authenticator maintains no counter; there is nothing to advance,
		// only credential state and last-use to refresh.
		stored.CredentialJSON = string(credentialJSON)
		stored.UpdatedAt = now
		stored.LastUsedAt = &now
		if err := v.stores.Passkeys.PutPasskeyCredential(ctx, stored); err != nil {
			return LoggedIn{}, fmt.Errorf("update credential: %w", err)
		}
	} else {
		if newCount <= stored.SignCount {
			return LoggedIn{}, ErrCounterReplay
		}
		err = v.stores.Passkeys.AdvancePasskeySignCount(ctx, credentialID, stored.SignCount, newCount, string(credentialJSON), now)
		if err != nil {
			if apperrors.HasCode(err, apperrors.CodeCounterReplay) {
				return LoggedIn{}, ErrCounterReplay
			}
			return LoggedIn{}, fmt.Errorf("advance sign counter: %w", err)
		}
	}

	issued, err := v.sessions.Issue(ctx, webUser.user.ID, device)
	if err != nil {
		return LoggedIn{}, fmt.Errorf("issue session: %w", err)
	}
	return LoggedIn{User: webUser.user, Session: issued}, nil
}

// ListPasskeys returns the user's stored credentials.
func (v *Verifier) ListPasskeys(ctx context.Context, userID string) ([]storage.PasskeyCredential, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}
	return v.stores.Passkeys.ListPasskeyCredentials(ctx, userID)
}

// RenamePasskey changes a credential's friendly name.
func (v *Verifier) RenamePasskey(ctx context.Context, userID, credentialID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("passkey name is required")
	}
	return v.stores.Passkeys.RenamePasskeyCredential(ctx, userID, credentialID, name, v.now())
}

// DeletePasskey removes a credential unless that would strand the account.
//
// The user must keep a password, another passkey, or a linked account; losing
// all three would make the account permanently unreachable.
func (v *Verifier) DeletePasskey(ctx context.Context, userID, credentialID string) error {
	userID = strings.TrimSpace(userID)
	credentialID = strings.TrimSpace(credentialID)
	if userID == "" || credentialID == "" {
		return fmt.Errorf("user id and credential id are required")
	}

	remaining, err := v.stores.Passkeys.ListPasskeyCredentials(ctx, userID)
	if err != nil {
		return fmt.Errorf("list credentials: %w", err)
	}
	others := 0
	owned := false
	for _, credential := range remaining {
		if credential.CredentialID == credentialID {
			owned = true
			continue
		}
		others++
	}
	if !owned {
		return storage.ErrNotFound
	}
	if others == 0 {
		hasOther, err := v.hasOtherLoginFactor(ctx, userID)
		if err != nil {
			return err
		}
		if !hasOther {
			return ErrLastFactor
		}
	}
	return v.stores.Passkeys.DeletePasskeyCredential(ctx, userID, credentialID)
}

func (v *Verifier) hasOtherLoginFactor(ctx context.Context, userID string) (bool, error) {
	_, err := v.stores.Passwords.GetPassword(ctx, userID)
	if err == nil {
		return true, nil
	}
	if !apperrors.HasCode(err, apperrors.CodeNotFound) {
		return false, fmt.Errorf("load password: %w", err)
	}
	links, err := v.stores.Links.ListLinkedAccounts(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("list linked accounts: %w", err)
	}
	return len(links) > 0, nil
}

func (v *Verifier) requirePasswordProof(ctx context.Context, userID, proof string) error {
	credential, err := v.stores.Passwords.GetPassword(ctx, userID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return nil
		}
		return fmt.Errorf("load password: %w", err)
	}
	if !password.Verify(credential.Hash, proof) {
		return apperrors.New(apperrors.CodeInvalidCredentials, "invalid credentials")
	}
	return nil
}

// resolveIdentifier maps a username or verified email to a user. Unknown
// identifiers collapse to the generic verification failure so login probes
// cannot enumerate accounts.
func (v *Verifier) resolveIdentifier(ctx context.Context, identifier string) (user.User, error) {
	baseUser, err := v.stores.Users.GetUserByUsername(ctx, identifier)
	if err == nil {
		return baseUser, nil
	}
	if !apperrors.HasCode(err, apperrors.CodeNotFound) {
		return user.User{}, fmt.Errorf("load user: %w", err)
	}
	baseUser, err = v.stores.Users.GetUserByEmail(ctx, identifier)
	if err == nil {
		return baseUser, nil
	}
	if !apperrors.HasCode(err, apperrors.CodeNotFound) {
		return user.User{}, fmt.Errorf("load user: %w", err)
	}
	return user.User{}, ErrVerificationFailed
}

func (v *Verifier) storeBegun(ctx context.Context, purpose challenge.Purpose, userID string, sessionData *webauthn.SessionData, options any) (Begun, error) {
	if sessionData == nil {
		return Begun{}, fmt.Errorf("session data is required")
	}
	payload, err := json.Marshal(sessionData)
	if err != nil {
		return Begun{}, fmt.Errorf("encode session data: %w", err)
	}
	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return Begun{}, fmt.Errorf("encode ceremony options: %w", err)
	}

	challengeID, err := v.newID()
	if err != nil {
		return Begun{}, fmt.Errorf("create challenge id: %w", err)
	}
	now := v.now()
	err = v.stores.Challenges.PutChallenge(ctx, storage.Challenge{
		ID:          challengeID,
		Purpose:     string(purpose),
		UserID:      userID,
		PayloadJSON: string(payload),
		CreatedAt:   now,
		ExpiresAt:   now.Add(v.challengeConfig.CeremonyTTL),
	})
	if err != nil {
		return Begun{}, fmt.Errorf("store challenge: %w", err)
	}
	return Begun{ChallengeID: challengeID, OptionsJSON: optionsJSON}, nil
}

// consumeCeremony consumes the challenge before any validation so a response
// replayed against the same challenge fails regardless of outcome.
func (v *Verifier) consumeCeremony(ctx context.Context, challengeID string, purpose challenge.Purpose) (storage.Challenge, webauthn.SessionData, error) {
	challengeID = strings.TrimSpace(challengeID)
	if challengeID == "" {
		return storage.Challenge{}, webauthn.SessionData{}, fmt.Errorf("challenge id is required")
	}

	record, err := v.stores.Challenges.ConsumeChallenge(ctx, challengeID, v.now())
	if err != nil {
		return storage.Challenge{}, webauthn.SessionData{}, err
	}
	if record.Purpose != string(purpose) {
		return storage.Challenge{}, webauthn.SessionData{}, ErrVerificationFailed
	}
	if !v.now().Before(record.ExpiresAt) {
		return storage.Challenge{}, webauthn.SessionData{}, ErrChallengeExpired
	}

	var sessionData webauthn.SessionData
	if err := json.Unmarshal([]byte(record.PayloadJSON), &sessionData); err != nil {
		return storage.Challenge{}, webauthn.SessionData{}, fmt.Errorf("decode session data: %w", err)
	}
	return record, sessionData, nil
}

type webAuthnUser struct {
	user        user.User
	credentials []webauthn.Credential
}

func (u *webAuthnUser) WebAuthnID() []byte {
	return []byte(u.user.ID)
}

func (u *webAuthnUser) WebAuthnName() string {
	return u.user.Username
}

func (u *webAuthnUser) WebAuthnDisplayName() string {
	return u.user.Username
}

func (u *webAuthnUser) WebAuthnIcon() string {
	return ""
}

func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func (v *Verifier) loadWebAuthnUser(ctx context.Context, base user.User) (*webAuthnUser, error) {
	records, err := v.stores.Passkeys.ListPasskeyCredentials(ctx, base.ID)
	if err != nil {
		return nil, err
	}
	credentials, err := decodeStoredCredentials(records)
	if err != nil {
		return nil, err
	}
	return &webAuthnUser{user: base, credentials: credentials}, nil
}

func decodeStoredCredentials(records []storage.PasskeyCredential) ([]webauthn.Credential, error) {
	if len(records) == 0 {
		return nil, nil
	}
	credentials := make([]webauthn.Credential, 0, len(records))
	for _, record := range records {
		var credential webauthn.Credential
		if err := json.Unmarshal([]byte(record.CredentialJSON), &credential); err != nil {
			return nil, fmt.Errorf("decode credential %s: %w", record.CredentialID, err)
		}
		credentials = append(credentials, credential)
	}
	return credentials, nil
}

func (v *Verifier) userHandler(ctx context.Context) webauthn.DiscoverableUserHandler {
	return func(_, userHandle []byte) (webauthn.User, error) {
		userID := string(userHandle)
		if strings.TrimSpace(userID) == "" {
			return nil, fmt.Errorf("user handle is required")
		}
		baseUser, err := v.stores.Users.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		return v.loadWebAuthnUser(ctx, baseUser)
	}
}

func (v *Verifier) ready() error {
	if v.stores.Users == nil || v.stores.Passkeys == nil || v.stores.Challenges == nil {
		return fmt.Errorf("ceremony stores are not configured")
	}
	if v.webAuthnInitErr != nil || v.webAuthn == nil {
		return fmt.Errorf("webauthn configuration is not available")
	}
	if v.parser == nil {
		return fmt.Errorf("credential parser is not configured")
	}
	if v.sessions == nil {
		return fmt.Errorf("session manager is not configured")
	}
	return nil
}

func (v *Verifier) now() time.Time {
	if v.clock != nil {
		return v.clock().UTC()
	}
	return time.Now().UTC()
}

func (v *Verifier) newID() (string, error) {
	if v.idGenerator != nil {
		return v.idGenerator()
	}
	return id.NewID()
}

func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}
