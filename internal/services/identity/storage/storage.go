// Package storage defines the persistence contracts for the identity service.
package storage

import (
	"context"
	"time"

	"github.com/louisbranch/latchkey/internal/platform/errors"
	"github.com/louisbranch/latchkey/internal/services/identity/user"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// ErrUsernameTaken indicates a signup collided with an existing username.
var ErrUsernameTaken = errors.New(errors.CodeUserUsernameTaken, "username is already taken")

// ErrChallengeConsumed indicates a challenge was already consumed.
var ErrChallengeConsumed = errors.New(errors.CodeChallengeConsumed, "challenge already consumed")

// ErrStaleCounter indicates a passkey sign counter that did not strictly increase.
var ErrStaleCounter = errors.New(errors.CodeCounterReplay, "sign counter did not advance")

// ErrStaleStep indicates a TOTP step at or behind the last accepted one.
var ErrStaleStep = errors.New(errors.CodeCounterReplay, "totp step already accepted")

// ErrAttemptsExhausted indicates a pending login ran out of second-factor attempts.
var ErrAttemptsExhausted = errors.New(errors.CodeRateLimited, "second factor attempts exhausted")

// UserStore persists identity user records.
type UserStore interface {
	PutUser(ctx context.Context, u user.User) error
	GetUser(ctx context.Context, userID string) (user.User, error)
	GetUserByUsername(ctx context.Context, username string) (user.User, error)
	GetUserByEmail(ctx context.Context, email string) (user.User, error)
	DeleteUser(ctx context.Context, userID string) error
}

// PasswordCredential stores a salted password hash for a user.
type PasswordCredential struct {
	UserID    string
	Hash      string
	UpdatedAt time.Time
}

// PasswordStore persists password credentials. A user has zero or one.
type PasswordStore interface {
	PutPassword(ctx context.Context, credential PasswordCredential) error
	GetPassword(ctx context.Context, userID string) (PasswordCredential, error)
	DeletePassword(ctx context.Context, userID string) error
}

// PasskeyCredential stores a WebAuthn credential for a user.
type PasskeyCredential struct {
	CredentialID   string
	UserID         string
	Name           string
	CredentialJSON string
	SignCount      uint32
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastUsedAt     *time.Time
}

// PasskeyStore persists WebAuthn credential data.
type PasskeyStore interface {
	PutPasskeyCredential(ctx context.Context, credential PasskeyCredential) error
	GetPasskeyCredential(ctx context.Context, credentialID string) (PasskeyCredential, error)
	ListPasskeyCredentials(ctx context.Context, userID string) ([]PasskeyCredential, error)
	RenamePasskeyCredential(ctx context.Context, userID, credentialID, name string, now time.Time) error
	DeletePasskeyCredential(ctx context.Context, userID, credentialID string) error
	// AdvancePasskeySignCount is a compare-and-set from the previously stored
	// counter. It returns ErrStaleCounter when the stored counter moved, which
	// covers both a lost race and a cloned-authenticator replay.
	AdvancePasskeySignCount(ctx context.Context, credentialID string, from, to uint32, credentialJSON string, usedAt time.Time) error
}

// TotpCredential stores an enabled TOTP shared secret.
type TotpCredential struct {
	UserID    string
	Secret    string
	Enabled   bool
	LastStep  int64
	CreatedAt time.Time
	EnabledAt *time.Time
}

// TotpStore persists TOTP secrets. A user has zero or one active secret.
type TotpStore interface {
	PutTotpCredential(ctx context.Context, credential TotpCredential) error
	GetTotpCredential(ctx context.Context, userID string) (TotpCredential, error)
	DeleteTotpCredential(ctx context.Context, userID string) error
	// AdvanceTotpStep is a compare-and-set on the last accepted time step so a
	// code is never accepted twice for the same secret.
	AdvanceTotpStep(ctx context.Context, userID string, from, to int64) error
}

// RecoveryCode stores the hash of a single-use fallback code.
type RecoveryCode struct {
	ID         string
	UserID     string
	CodeHash   string
	CreatedAt  time.Time
	ConsumedAt *time.Time
}

// RecoveryCodeStore persists recovery-code sets.
type RecoveryCodeStore interface {
	// ReplaceRecoveryCodes discards any previous set for the user and stores
	// the new one in a single transaction.
	ReplaceRecoveryCodes(ctx context.Context, userID string, codes []RecoveryCode) error
	ListRecoveryCodes(ctx context.Context, userID string) ([]RecoveryCode, error)
	// ConsumeRecoveryCode marks one code consumed; it fails with ErrNotFound
	// when the code is missing or was already consumed.
	ConsumeRecoveryCode(ctx context.Context, id string, now time.Time) error
	DeleteRecoveryCodes(ctx context.Context, userID string) error
	CountUnconsumedRecoveryCodes(ctx context.Context, userID string) (int, error)
}

// LinkedAccount stores a third-party identity association.
type LinkedAccount struct {
	ID        string
	UserID    string
	Provider  string
	Subject   string
	Email     string
	CreatedAt time.Time
}

// LinkedAccountStore persists third-party account links.
type LinkedAccountStore interface {
	PutLinkedAccount(ctx context.Context, link LinkedAccount) error
	GetLinkedAccount(ctx context.Context, userID, provider string) (LinkedAccount, error)
	GetLinkedAccountBySubject(ctx context.Context, provider, subject string) (LinkedAccount, error)
	ListLinkedAccounts(ctx context.Context, userID string) ([]LinkedAccount, error)
	DeleteLinkedAccount(ctx context.Context, userID, provider string) error
}

// Challenge stores a single-use ceremony challenge.
//
// UserID is empty for discoverable passkey login, where the user is not known
// until the assertion names a credential.
type Challenge struct {
	ID          string
	Purpose     string
	UserID      string
	PayloadJSON string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ConsumedAt  *time.Time
}

// ChallengeStore persists ceremony challenges.
type ChallengeStore interface {
	PutChallenge(ctx context.Context, c Challenge) error
	GetChallenge(ctx context.Context, id string) (Challenge, error)
	// ConsumeChallenge flips the challenge to consumed in one check-and-set
	// step and returns the consumed record. It fails with ErrChallengeConsumed
	// when another finisher won the race.
	ConsumeChallenge(ctx context.Context, id string, now time.Time) (Challenge, error)
	DeleteExpiredChallenges(ctx context.Context, now time.Time) error
}

// Session stores an authenticated session bound to a device descriptor.
type Session struct {
	ID           string
	UserID       string
	UserAgent    string
	RemoteAddr   string
	CreatedAt    time.Time
	LastActiveAt time.Time
	ExpiresAt    time.Time
	RevokedAt    *time.Time
}

// SessionStore persists authenticated sessions.
type SessionStore interface {
	PutSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context, userID string) ([]Session, error)
	// RevokeSession is idempotent; revocation is sticky and wins races with
	// concurrent refreshes.
	RevokeSession(ctx context.Context, id string, now time.Time) error
	// RevokeOtherSessions revokes every live session for the user except the
	// one named, in a single statement; the except set is fixed at call time.
	RevokeOtherSessions(ctx context.Context, userID, exceptID string, now time.Time) (int64, error)
	RevokeUserSessions(ctx context.Context, userID string, now time.Time) error
	// TouchSession refreshes last-active without touching revocation state.
	TouchSession(ctx context.Context, id string, lastActive time.Time) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) error
}

// PendingLogin stores a login attempt that passed the primary factor and is
// waiting on a second factor.
type PendingLogin struct {
	ID         string
	UserID     string
	Attempts   int
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// PendingLoginStore persists pending-auth tokens.
type PendingLoginStore interface {
	PutPendingLogin(ctx context.Context, p PendingLogin) error
	GetPendingLogin(ctx context.Context, id string) (PendingLogin, error)
	// SpendPendingLoginAttempt atomically increments the attempt counter while
	// it is below max; it fails with ErrAttemptsExhausted once the budget is
	// spent and with ErrNotFound for consumed or missing tokens.
	SpendPendingLoginAttempt(ctx context.Context, id string, max int) error
	// ConsumePendingLogin marks the token used in one check-and-set step.
	ConsumePendingLogin(ctx context.Context, id string, now time.Time) error
	DeletePendingLogin(ctx context.Context, id string) error
	DeleteExpiredPendingLogins(ctx context.Context, now time.Time) error
}

// ProviderState stores a third-party redirect flow in progress.
type ProviderState struct {
	State        string
	Provider     string
	UserID       string
	RedirectURI  string
	CodeVerifier string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// ProviderStateStore persists provider redirect state records.
type ProviderStateStore interface {
	PutProviderState(ctx context.Context, s ProviderState) error
	GetProviderState(ctx context.Context, state string) (ProviderState, error)
	DeleteProviderState(ctx context.Context, state string) error
	DeleteExpiredProviderStates(ctx context.Context, now time.Time) error
}

// IdentityStatistics contains aggregate counts across identity data.
type IdentityStatistics struct {
	UserCount        int64
	LiveSessionCount int64
	PasskeyCount     int64
}

// StatisticsStore provides aggregate identity statistics.
type StatisticsStore interface {
	// GetIdentityStatistics returns aggregate counts.
	// When since is nil, counts are for all time.
	GetIdentityStatistics(ctx context.Context, since *time.Time) (IdentityStatistics, error)
}
