// Package mfa orchestrates the password login state machine.
//
// A login either completes on the primary factor or parks in a short-lived
// pending state until exactly one valid second factor arrives. Passkey login
// never enters this machine.
package mfa

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/latchkey/internal/platform/errors"
	"github.com/louisbranch/latchkey/internal/platform/id"
	"github.com/louisbranch/latchkey/internal/services/identity/password"
	"github.com/louisbranch/latchkey/internal/services/identity/session"
	"github.com/louisbranch/latchkey/internal/services/identity/storage"
	"github.com/louisbranch/latchkey/internal/services/identity/totp"
	"github.com/louisbranch/latchkey/internal/services/identity/user"
)

// ErrInvalidCredentials is the single failure every credential mismatch
// collapses into: unknown identifier, wrong password, bad or replayed code.
var ErrInvalidCredentials = apperrors.New(apperrors.CodeInvalidCredentials, "invalid credentials")

// ErrRateLimited indicates the second-factor attempt budget is spent.
var ErrRateLimited = apperrors.New(apperrors.CodeRateLimited, "too many second factor attempts")

// State names where a login stands after a submission.
type State string

const (
	// StateAuthenticated means a session was issued.
	StateAuthenticated State = "authenticated"
	// StateAwaitingSecondFactor means a pending token was issued instead.
	StateAwaitingSecondFactor State = "awaiting_second_factor"
)

// Result is the outcome of a login submission.
type Result struct {
	State            State
	User             user.User
	Session          session.Issued
	PendingToken     string
	RecoveryCodeUsed bool
}

// Stores bundles the persistence surfaces the orchestrator needs.
type Stores struct {
	Users         storage.UserStore
	Passwords     storage.PasswordStore
	Totps         storage.TotpStore
	RecoveryCodes storage.RecoveryCodeStore
	PendingLogins storage.PendingLoginStore
}

// Orchestrator drives password logins through their second factor.
type Orchestrator struct {
	stores      Stores
	sessions    *session.Manager
	config      Config
	clock       func() time.Time
	idGenerator func() (string, error)
}

// dummyHash keeps the bcrypt comparison in the unknown-identifier path so
// response timing does not reveal whether an account exists.
var dummyHash, _ = password.Hash("latchkey-timing-equalizer")

// NewOrchestrator returns an orchestrator over the given stores.
func NewOrchestrator(stores Stores, sessions *session.Manager, config Config) (*Orchestrator, error) {
	if stores.Users == nil || stores.Passwords == nil || stores.Totps == nil ||
		stores.RecoveryCodes == nil || stores.PendingLogins == nil {
		return nil, fmt.Errorf("mfa stores are required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if config.PendingTTL <= 0 || config.AttemptBudget <= 0 {
		return nil, fmt.Errorf("pending ttl and attempt budget must be positive")
	}
	return &Orchestrator{
		stores:      stores,
		sessions:    sessions,
		config:      config,
		clock:       time.Now,
		idGenerator: id.NewID,
	}, nil
}

// SubmitPrimary checks the identifier and password. Without an enabled second
// factor it finishes the login; with one it parks the login behind a pending
// token that SubmitSecondFactor must redeem.
func (o *Orchestrator) SubmitPrimary(ctx context.Context, identifier, secret string, device session.Device) (Result, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || secret == "" {
		return Result{}, ErrInvalidCredentials
	}

	baseUser, err := o.resolveIdentifier(ctx, identifier)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			password.Verify(dummyHash, secret)
			return Result{}, ErrInvalidCredentials
		}
		return Result{}, err
	}
	credential, err := o.stores.Passwords.GetPassword(ctx, baseUser.ID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			password.Verify(dummyHash, secret)
			return Result{}, ErrInvalidCredentials
		}
		return Result{}, fmt.Errorf("load password: %w", err)
	}
	if !password.Verify(credential.Hash, secret) {
		return Result{}, ErrInvalidCredentials
	}

	enabled, err := o.totpEnabled(ctx, baseUser.ID)
	if err != nil {
		return Result{}, err
	}
	if !enabled {
		issued, err := o.sessions.Issue(ctx, baseUser.ID, device)
		if err != nil {
			return Result{}, fmt.Errorf("issue session: %w", err)
		}
		return Result{State: StateAuthenticated, User: baseUser, Session: issued}, nil
	}

	pendingID, err := o.newID()
	if err != nil {
		return Result{}, fmt.Errorf("create pending token: %w", err)
	}
	now := o.now()
	err = o.stores.PendingLogins.PutPendingLogin(ctx, storage.PendingLogin{
		ID:        pendingID,
		UserID:    baseUser.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(o.config.PendingTTL),
	})
	if err != nil {
		return Result{}, fmt.Errorf("store pending login: %w", err)
	}
	return Result{State: StateAwaitingSecondFactor, User: baseUser, PendingToken: pendingID}, nil
}

// SubmitSecondFactor redeems a pending token with a TOTP or recovery code.
//
// The attempt is spent before the code is checked, so a wrong guess always
// consumes budget. The code is tried as TOTP first, then against the user's
// unconsumed recovery codes.
func (o *Orchestrator) SubmitSecondFactor(ctx context.Context, pendingToken, code string, device session.Device) (Result, error) {
	pendingToken = strings.TrimSpace(pendingToken)
	if pendingToken == "" || strings.TrimSpace(code) == "" {
		return Result{}, ErrInvalidCredentials
	}

	pending, err := o.stores.PendingLogins.GetPendingLogin(ctx, pendingToken)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return Result{}, ErrInvalidCredentials
		}
		return Result{}, fmt.Errorf("load pending login: %w", err)
	}
	now := o.now()
	if !now.Before(pending.ExpiresAt) {
		_ = o.stores.PendingLogins.DeletePendingLogin(ctx, pendingToken)
		return Result{}, ErrInvalidCredentials
	}

	if err := o.stores.PendingLogins.SpendPendingLoginAttempt(ctx, pendingToken, o.config.AttemptBudget); err != nil {
		switch {
		case apperrors.HasCode(err, apperrors.CodeRateLimited):
			return Result{}, ErrRateLimited
		case apperrors.HasCode(err, apperrors.CodeNotFound):
			return Result{}, ErrInvalidCredentials
		default:
			return Result{}, fmt.Errorf("spend attempt: %w", err)
		}
	}

	recoveryUsed, err := o.checkSecondFactor(ctx, pending.UserID, code)
	if err != nil {
		return Result{}, err
	}

	if err := o.stores.PendingLogins.ConsumePendingLogin(ctx, pendingToken, o.now()); err != nil {
		// A racing submission already redeemed the token.
		return Result{}, ErrInvalidCredentials
	}

	baseUser, err := o.stores.Users.GetUser(ctx, pending.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("load user: %w", err)
	}
	issued, err := o.sessions.Issue(ctx, pending.UserID, device)
	if err != nil {
		return Result{}, fmt.Errorf("issue session: %w", err)
	}
	return Result{
		State:            StateAuthenticated,
		User:             baseUser,
		Session:          issued,
		RecoveryCodeUsed: recoveryUsed,
	}, nil
}

// checkSecondFactor validates the code as TOTP first, then as a recovery code.
// The reported bool is true when a recovery code was consumed.
func (o *Orchestrator) checkSecondFactor(ctx context.Context, userID, code string) (bool, error) {
	credential, err := o.stores.Totps.GetTotpCredential(ctx, userID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return false, ErrInvalidCredentials
		}
		return false, fmt.Errorf("load totp credential: %w", err)
	}
	if !credential.Enabled {
		return false, ErrInvalidCredentials
	}

	if step, ok := totp.MatchCode(credential.Secret, code, o.now()); ok {
		if step <= credential.LastStep {
			return false, ErrInvalidCredentials
		}
		if err := o.stores.Totps.AdvanceTotpStep(ctx, userID, credential.LastStep, step); err != nil {
			// Lost the step CAS: the same code was redeemed concurrently.
			if apperrors.HasCode(err, apperrors.CodeCounterReplay) {
				return false, ErrInvalidCredentials
			}
			return false, fmt.Errorf("advance totp step: %w", err)
		}
		return false, nil
	}

	return o.consumeRecoveryCode(ctx, userID, code)
}

func (o *Orchestrator) consumeRecoveryCode(ctx context.Context, userID, code string) (bool, error) {
	hash := totp.HashRecoveryCode(code)
	codes, err := o.stores.RecoveryCodes.ListRecoveryCodes(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("list recovery codes: %w", err)
	}
	for _, record := range codes {
		if record.ConsumedAt != nil || record.CodeHash != hash {
			continue
		}
		if err := o.stores.RecoveryCodes.ConsumeRecoveryCode(ctx, record.ID, o.now()); err != nil {
			if apperrors.HasCode(err, apperrors.CodeNotFound) {
				return false, ErrInvalidCredentials
			}
			return false, fmt.Errorf("consume recovery code: %w", err)
		}
		return true, nil
	}
	return false, ErrInvalidCredentials
}

func (o *Orchestrator) totpEnabled(ctx context.Context, userID string) (bool, error) {
	credential, err := o.stores.Totps.GetTotpCredential(ctx, userID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load totp credential: %w", err)
	}
	return credential.Enabled, nil
}

// resolveIdentifier maps a username or verified email to a user.
func (o *Orchestrator) resolveIdentifier(ctx context.Context, identifier string) (user.User, error) {
	baseUser, err := o.stores.Users.GetUserByUsername(ctx, identifier)
	if err == nil {
		return baseUser, nil
	}
	if !apperrors.HasCode(err, apperrors.CodeNotFound) {
		return user.User{}, fmt.Errorf("load user: %w", err)
	}
	return o.stores.Users.GetUserByEmail(ctx, identifier)
}

func (o *Orchestrator) now() time.Time {
	if o.clock != nil {
		return o.clock().UTC()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) newID() (string, error) {
	if o.idGenerator != nil {
		return o.idGenerator()
	}
	return id.NewID()
}
