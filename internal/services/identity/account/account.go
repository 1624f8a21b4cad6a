// Package account covers signup and account-level maintenance: password
// changes and account deletion.
package account

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/louisbranch/latchkey/internal/platform/errors"
	"github.com/louisbranch/latchkey/internal/platform/id"
	"github.com/louisbranch/latchkey/internal/services/identity/password"
	"github.com/louisbranch/latchkey/internal/services/identity/session"
	"github.com/louisbranch/latchkey/internal/services/identity/storage"
	"github.com/louisbranch/latchkey/internal/services/identity/user"
)

// ErrInvalidCredentials indicates the current-password proof failed.
var ErrInvalidCredentials = apperrors.New(apperrors.CodeInvalidCredentials, "authentication failed")

// Stores groups the persistence interfaces the account service needs.
type Stores struct {
	Users     storage.UserStore
	Passwords storage.PasswordStore
}

// Service handles signup, password changes, and account deletion.
type Service struct {
	stores      Stores
	sessions    *session.Manager
	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewService builds an account service with the default clock and id
// generator.
func NewService(stores Stores, sessions *session.Manager) (*Service, error) {
	if stores.Users == nil || stores.Passwords == nil {
		return nil, fmt.Errorf("account: missing store")
	}
	if sessions == nil {
		return nil, fmt.Errorf("account: session manager is required")
	}
	return &Service{
		stores:      stores,
		sessions:    sessions,
		clock:       time.Now,
		idGenerator: id.NewID,
	}, nil
}

// SignupInput carries the signup request. Email and Password are optional; a
// user without a password can only log in through a passkey or a linked
// account established later.
type SignupInput struct {
	Username string
	Email    string
	Password string
}

// Signup creates the user and, when a password is supplied, its credential,
// then issues a first session.
func (s *Service) Signup(ctx context.Context, input SignupInput, device session.Device) (user.User, session.Issued, error) {
	created, err := user.CreateUser(user.CreateUserInput{Username: input.Username, Email: input.Email}, s.clock, s.idGenerator)
	if err != nil {
		return user.User{}, session.Issued{}, err
	}

	var hash string
	if input.Password != "" {
		hash, err = password.Hash(input.Password)
		if err != nil {
			return user.User{}, session.Issued{}, err
		}
	}

	if err := s.stores.Users.PutUser(ctx, created); err != nil {
		return user.User{}, session.Issued{}, fmt.Errorf("put user: %w", err)
	}
	if hash != "" {
		err := s.stores.Passwords.PutPassword(ctx, storage.PasswordCredential{
			UserID:    created.ID,
			Hash:      hash,
			UpdatedAt: s.now(),
		})
		if err != nil {
			return user.User{}, session.Issued{}, fmt.Errorf("put password: %w", err)
		}
	}

	issued, err := s.sessions.Issue(ctx, created.ID, device)
	if err != nil {
		return user.User{}, session.Issued{}, fmt.Errorf("issue session: %w", err)
	}
	return created, issued, nil
}

// ChangePassword replaces the user's password after a current-password proof.
// A user without an existing password sets one without a proof.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	existing, err := s.stores.Passwords.GetPassword(ctx, userID)
	switch {
	case err == nil:
		if !password.Verify(existing.Hash, current) {
			return ErrInvalidCredentials
		}
	case apperrors.HasCode(err, apperrors.CodeNotFound):
	default:
		return fmt.Errorf("get password: %w", err)
	}

	hash, err := password.Hash(next)
	if err != nil {
		return err
	}
	err = s.stores.Passwords.PutPassword(ctx, storage.PasswordCredential{
		UserID:    userID,
		Hash:      hash,
		UpdatedAt: s.now(),
	})
	if err != nil {
		return fmt.Errorf("put password: %w", err)
	}
	return nil
}

// Delete revokes every session for the user and removes the account. Stored
// credentials, links, and challenges go with it through foreign-key cascade.
func (s *Service) Delete(ctx context.Context, userID string) error {
	if _, err := s.stores.Users.GetUser(ctx, userID); err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	if err := s.sessions.RevokeAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	if err := s.stores.Users.DeleteUser(ctx, userID); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

func (s *Service) now() time.Time {
	if s.clock != nil {
		return s.clock().UTC()
	}
	return time.Now().UTC()
}
