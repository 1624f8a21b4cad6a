package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/latchkey/internal/services/identity/storage"
	"github.com/louisbranch/latchkey/internal/services/identity/user"
)

const userColumns = "id, username, email, email_verified_at, role, created_at, updated_at"

// PutUser inserts or updates a user record.
func (s *Store) PutUser(ctx context.Context, u user.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(u.Username) == "" {
		return fmt.Errorf("username is required")
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO users (id, username, email, email_verified_at, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			email = excluded.email,
			email_verified_at = excluded.email_verified_at,
			role = excluded.role,
			updated_at = excluded.updated_at`,
		u.ID, u.Username, u.Email, toNullMillis(u.EmailVerifiedAt), string(u.Role),
		toMillis(u.CreatedAt), toMillis(u.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err, "users.username") {
			return storage.ErrUsernameTaken
		}
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// GetUser resolves a user by id.
func (s *Store) GetUser(ctx context.Context, userID string) (user.User, error) {
	return s.getUserWhere(ctx, "id = ?", strings.TrimSpace(userID))
}

// GetUserByUsername resolves a user by normalized username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (user.User, error) {
	return s.getUserWhere(ctx, "username = ?", strings.ToLower(strings.TrimSpace(username)))
}

// GetUserByEmail resolves a user by verified email address.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (user.User, error) {
	return s.getUserWhere(ctx, "email = ? AND email_verified_at IS NOT NULL", strings.ToLower(strings.TrimSpace(email)))
}

func (s *Store) getUserWhere(ctx context.Context, where string, arg string) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}
	if err := s.ensureDB(); err != nil {
		return user.User{}, err
	}
	if arg == "" {
		return user.User{}, fmt.Errorf("lookup value is required")
	}

	var (
		u          user.User
		role       string
		verifiedAt sql.NullInt64
		createdAt  int64
		updatedAt  int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE "+where, arg,
	).Scan(&u.ID, &u.Username, &u.Email, &verifiedAt, &role, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user.User{}, storage.ErrNotFound
		}
		return user.User{}, fmt.Errorf("get user: %w", err)
	}

	u.Role = user.Role(role)
	u.EmailVerifiedAt = fromNullMillis(verifiedAt)
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return u, nil
}

// DeleteUser removes the user row; credentials and sessions cascade.
//
// Callers revoke live sessions before deleting so bearers observe revocation
// rather than a dangling reference.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, "DELETE FROM users WHERE id = ?", userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete user rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	return strings.Contains(message, "UNIQUE constraint failed") && strings.Contains(message, constraint)
}
