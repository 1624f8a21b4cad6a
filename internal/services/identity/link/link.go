// Package link manages third-party account links and the provider redirect
// flow that establishes them.
package link

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/latchkey/internal/platform/errors"
	"github.com/louisbranch/latchkey/internal/platform/id"
	"github.com/louisbranch/latchkey/internal/services/identity/storage"
)

// ErrAlreadyLinkedElsewhere indicates the provider subject is claimed by a
// different user. The caller must not learn which one.
var ErrAlreadyLinkedElsewhere = apperrors.New(apperrors.CodeAlreadyLinkedElsewhere, "account is already linked to another user")

// ErrLinkNotFound indicates no link exists for the given user and provider.
var ErrLinkNotFound = apperrors.New(apperrors.CodeLinkNotFound, "linked account not found")

// ErrLastFactor indicates the unlink would leave the user without a usable
// login factor.
var ErrLastFactor = apperrors.New(apperrors.CodeInvariantViolation, "cannot remove the last usable login factor")

// Stores groups the persistence interfaces the linker needs.
type Stores struct {
	Users     storage.UserStore
	Passwords storage.PasswordStore
	Passkeys  storage.PasskeyStore
	Links     storage.LinkedAccountStore
	States    storage.ProviderStateStore
}

// Linker binds and unbinds external provider accounts.
type Linker struct {
	stores      Stores
	config      Config
	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewLinker builds a linker with the default clock and id generator.
func NewLinker(stores Stores) (*Linker, error) {
	if stores.Users == nil || stores.Passwords == nil || stores.Passkeys == nil || stores.Links == nil {
		return nil, fmt.Errorf("link: missing store")
	}
	return &Linker{
		stores:      stores,
		config:      LoadConfigFromEnv(),
		clock:       time.Now,
		idGenerator: id.NewID,
	}, nil
}

// Link binds (provider, subject) to the user.
//
// A subject already claimed by another user is rejected; relinking the same
// subject to its current owner refreshes the email. A user relinking the same
// provider with a new subject replaces the old binding.
func (l *Linker) Link(ctx context.Context, userID, provider, subject, email string) (storage.LinkedAccount, error) {
	provider = strings.TrimSpace(provider)
	subject = strings.TrimSpace(subject)
	if userID == "" || provider == "" || subject == "" {
		return storage.LinkedAccount{}, fmt.Errorf("link: user, provider, and subject are required")
	}
	if _, err := l.stores.Users.GetUser(ctx, userID); err != nil {
		return storage.LinkedAccount{}, fmt.Errorf("get user: %w", err)
	}

	claimed, err := l.stores.Links.GetLinkedAccountBySubject(ctx, provider, subject)
	switch {
	case err == nil:
		if claimed.UserID != userID {
			return storage.LinkedAccount{}, ErrAlreadyLinkedElsewhere
		}
	case apperrors.HasCode(err, apperrors.CodeNotFound):
	default:
		return storage.LinkedAccount{}, fmt.Errorf("get linked account by subject: %w", err)
	}

	record := storage.LinkedAccount{
		UserID:    userID,
		Provider:  provider,
		Subject:   subject,
		Email:     strings.ToLower(strings.TrimSpace(email)),
		CreatedAt: l.now(),
	}
	existing, err := l.stores.Links.GetLinkedAccount(ctx, userID, provider)
	switch {
	case err == nil:
		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
	case apperrors.HasCode(err, apperrors.CodeNotFound):
		record.ID, err = l.newID()
		if err != nil {
			return storage.LinkedAccount{}, fmt.Errorf("generate link id: %w", err)
		}
	default:
		return storage.LinkedAccount{}, fmt.Errorf("get linked account: %w", err)
	}

	if err := l.stores.Links.PutLinkedAccount(ctx, record); err != nil {
		return storage.LinkedAccount{}, fmt.Errorf("put linked account: %w", err)
	}
	return record, nil
}

// Unlink removes the user's binding for the provider.
//
// The user must retain a password or a passkey afterwards; other linked
// accounts do not count as a remaining factor here.
func (l *Linker) Unlink(ctx context.Context, userID, provider string) error {
	provider = strings.TrimSpace(provider)
	if _, err := l.stores.Links.GetLinkedAccount(ctx, userID, provider); err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return ErrLinkNotFound
		}
		return fmt.Errorf("get linked account: %w", err)
	}

	ok, err := l.hasPrimaryFactor(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLastFactor
	}

	if err := l.stores.Links.DeleteLinkedAccount(ctx, userID, provider); err != nil {
		return fmt.Errorf("delete linked account: %w", err)
	}
	return nil
}

// List returns the user's linked accounts.
func (l *Linker) List(ctx context.Context, userID string) ([]storage.LinkedAccount, error) {
	links, err := l.stores.Links.ListLinkedAccounts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list linked accounts: %w", err)
	}
	return links, nil
}

func (l *Linker) hasPrimaryFactor(ctx context.Context, userID string) (bool, error) {
	_, err := l.stores.Passwords.GetPassword(ctx, userID)
	switch {
	case err == nil:
		return true, nil
	case apperrors.HasCode(err, apperrors.CodeNotFound):
	default:
		return false, fmt.Errorf("get password: %w", err)
	}
	credentials, err := l.stores.Passkeys.ListPasskeyCredentials(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("list passkeys: %w", err)
	}
	return len(credentials) > 0, nil
}

func (l *Linker) now() time.Time {
	if l.clock != nil {
		return l.clock().UTC()
	}
	return time.Now().UTC()
}

func (l *Linker) newID() (string, error) {
	if l.idGenerator != nil {
		return l.idGenerator()
	}
	return id.NewID()
}
