package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/latchkey/internal/services/identity/storage"
)

// PutPassword stores or replaces the user's password hash.
func (s *Store) PutPassword(ctx context.Context, credential storage.PasswordCredential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(credential.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(credential.Hash) == "" {
		return fmt.Errorf("password hash is required")
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO password_credentials (user_id, password_hash, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			password_hash = excluded.password_hash,
			updated_at = excluded.updated_at`,
		credential.UserID, credential.Hash, toMillis(credential.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put password: %w", err)
	}
	return nil
}

// GetPassword fetches the user's password credential.
func (s *Store) GetPassword(ctx context.Context, userID string) (storage.PasswordCredential, error) {
	if err := ctx.Err(); err != nil {
		return storage.PasswordCredential{}, err
	}
	if err := s.ensureDB(); err != nil {
		return storage.PasswordCredential{}, err
	}
	if strings.TrimSpace(userID) == "" {
		return storage.PasswordCredential{}, fmt.Errorf("user id is required")
	}

	var (
		credential storage.PasswordCredential
		updatedAt  int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT user_id, password_hash, updated_at FROM password_credentials WHERE user_id = ?",
		userID,
	).Scan(&credential.UserID, &credential.Hash, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PasswordCredential{}, storage.ErrNotFound
		}
		return storage.PasswordCredential{}, fmt.Errorf("get password: %w", err)
	}
	credential.UpdatedAt = fromMillis(updatedAt)
	return credential, nil
}

// DeletePassword removes the user's password credential.
func (s *Store) DeletePassword(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, "DELETE FROM password_credentials WHERE user_id = ?", userID)
	if err != nil {
		return fmt.Errorf("delete password: %w", err)
	}
	return nil
}

// PutTotpCredential stores or replaces the user's TOTP secret.
func (s *Store) PutTotpCredential(ctx context.Context, credential storage.TotpCredential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(credential.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(credential.Secret) == "" {
		return fmt.Errorf("totp secret is required")
	}

	enabled := 0
	if credential.Enabled {
		enabled = 1
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO totp_credentials (user_id, secret, enabled, last_step, created_at, enabled_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			secret = excluded.secret,
			enabled = excluded.enabled,
			last_step = excluded.last_step,
			enabled_at = excluded.enabled_at`,
		credential.UserID, credential.Secret, enabled, credential.LastStep,
		toMillis(credential.CreatedAt), toNullMillis(credential.EnabledAt),
	)
	if err != nil {
		return fmt.Errorf("put totp credential: %w", err)
	}
	return nil
}

// GetTotpCredential fetches the user's TOTP secret.
func (s *Store) GetTotpCredential(ctx context.Context, userID string) (storage.TotpCredential, error) {
	if err := ctx.Err(); err != nil {
		return storage.TotpCredential{}, err
	}
	if err := s.ensureDB(); err != nil {
		return storage.TotpCredential{}, err
	}
	if strings.TrimSpace(userID) == "" {
		return storage.TotpCredential{}, fmt.Errorf("user id is required")
	}

	var (
		credential storage.TotpCredential
		enabled    int
		createdAt  int64
		enabledAt  sql.NullInt64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT user_id, secret, enabled, last_step, created_at, enabled_at FROM totp_credentials WHERE user_id = ?",
		userID,
	).Scan(&credential.UserID, &credential.Secret, &enabled, &credential.LastStep, &createdAt, &enabledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.TotpCredential{}, storage.ErrNotFound
		}
		return storage.TotpCredential{}, fmt.Errorf("get totp credential: %w", err)
	}
	credential.Enabled = enabled != 0
	credential.CreatedAt = fromMillis(createdAt)
	credential.EnabledAt = fromNullMillis(enabledAt)
	return credential, nil
}

// DeleteTotpCredential destroys the user's TOTP secret.
func (s *Store) DeleteTotpCredential(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, "DELETE FROM totp_credentials WHERE user_id = ?", userID)
	if err != nil {
		return fmt.Errorf("delete totp credential: %w", err)
	}
	return nil
}

// AdvanceTotpStep moves the last accepted step forward in one check-and-set.
//
// Two concurrent submissions of the same code race on the same from value;
// exactly one wins, the other observes ErrStaleStep.
func (s *Store) AdvanceTotpStep(ctx context.Context, userID string, from, to int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	if to <= from {
		return storage.ErrStaleStep
	}

	result, err := s.sqlDB.ExecContext(ctx,
		"UPDATE totp_credentials SET last_step = ? WHERE user_id = ? AND last_step = ?",
		to, userID, from,
	)
	if err != nil {
		return fmt.Errorf("advance totp step: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance totp step rows: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetTotpCredential(ctx, userID); getErr != nil {
			return getErr
		}
		return storage.ErrStaleStep
	}
	return nil
}

// ReplaceRecoveryCodes swaps the user's recovery set atomically.
func (s *Store) ReplaceRecoveryCodes(ctx context.Context, userID string, codes []storage.RecoveryCode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace recovery codes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM recovery_codes WHERE user_id = ?", userID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear recovery codes: %w", err)
	}
	for _, code := range codes {
		if strings.TrimSpace(code.ID) == "" || strings.TrimSpace(code.CodeHash) == "" {
			_ = tx.Rollback()
			return fmt.Errorf("recovery code id and hash are required")
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO recovery_codes (id, user_id, code_hash, created_at, consumed_at) VALUES (?, ?, ?, ?, ?)",
			code.ID, userID, code.CodeHash, toMillis(code.CreatedAt), toNullMillis(code.ConsumedAt),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert recovery code: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit recovery codes: %w", err)
	}
	return nil
}

// ListRecoveryCodes returns every stored code for the user, consumed or not.
func (s *Store) ListRecoveryCodes(ctx context.Context, userID string) ([]storage.RecoveryCode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ensureDB(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT id, user_id, code_hash, created_at, consumed_at FROM recovery_codes WHERE user_id = ? ORDER BY created_at, id",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list recovery codes: %w", err)
	}
	defer rows.Close()

	codes := make([]storage.RecoveryCode, 0)
	for rows.Next() {
		var (
			code       storage.RecoveryCode
			createdAt  int64
			consumedAt sql.NullInt64
		)
		if err := rows.Scan(&code.ID, &code.UserID, &code.CodeHash, &createdAt, &consumedAt); err != nil {
			return nil, fmt.Errorf("scan recovery code: %w", err)
		}
		code.CreatedAt = fromMillis(createdAt)
		code.ConsumedAt = fromNullMillis(consumedAt)
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// ConsumeRecoveryCode marks a code used exactly once.
func (s *Store) ConsumeRecoveryCode(ctx context.Context, id string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("recovery code id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		"UPDATE recovery_codes SET consumed_at = ? WHERE id = ? AND consumed_at IS NULL",
		toMillis(now), id,
	)
	if err != nil {
		return fmt.Errorf("consume recovery code: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume recovery code rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteRecoveryCodes destroys the user's recovery set.
func (s *Store) DeleteRecoveryCodes(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, "DELETE FROM recovery_codes WHERE user_id = ?", userID)
	if err != nil {
		return fmt.Errorf("delete recovery codes: %w", err)
	}
	return nil
}

// CountUnconsumedRecoveryCodes reports how many fallback codes remain.
func (s *Store) CountUnconsumedRecoveryCodes(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.ensureDB(); err != nil {
		return 0, err
	}
	if strings.TrimSpace(userID) == "" {
		return 0, fmt.Errorf("user id is required")
	}

	var count int
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM recovery_codes WHERE user_id = ? AND consumed_at IS NULL",
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count recovery codes: %w", err)
	}
	return count, nil
}

// PutLinkedAccount upserts a third-party link for the user.
func (s *Store) PutLinkedAccount(ctx context.Context, link storage.LinkedAccount) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(link.ID) == "" {
		return fmt.Errorf("link id is required")
	}
	if strings.TrimSpace(link.UserID) == "" || strings.TrimSpace(link.Provider) == "" || strings.TrimSpace(link.Subject) == "" {
		return fmt.Errorf("user id, provider, and subject are required")
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO linked_accounts (id, user_id, provider, subject, email, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET
			subject = excluded.subject,
			email = excluded.email`,
		link.ID, link.UserID, link.Provider, link.Subject, link.Email, toMillis(link.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put linked account: %w", err)
	}
	return nil
}

// GetLinkedAccount fetches the user's link for a provider.
func (s *Store) GetLinkedAccount(ctx context.Context, userID, provider string) (storage.LinkedAccount, error) {
	return s.getLinkedAccountWhere(ctx, "user_id = ? AND provider = ?", userID, provider)
}

// GetLinkedAccountBySubject fetches whichever user holds the provider subject.
func (s *Store) GetLinkedAccountBySubject(ctx context.Context, provider, subject string) (storage.LinkedAccount, error) {
	return s.getLinkedAccountWhere(ctx, "provider = ? AND subject = ?", provider, subject)
}

func (s *Store) getLinkedAccountWhere(ctx context.Context, where string, args ...any) (storage.LinkedAccount, error) {
	if err := ctx.Err(); err != nil {
		return storage.LinkedAccount{}, err
	}
	if err := s.ensureDB(); err != nil {
		return storage.LinkedAccount{}, err
	}

	var (
		link      storage.LinkedAccount
		createdAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT id, user_id, provider, subject, email, created_at FROM linked_accounts WHERE "+where,
		args...,
	).Scan(&link.ID, &link.UserID, &link.Provider, &link.Subject, &link.Email, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.LinkedAccount{}, storage.ErrNotFound
		}
		return storage.LinkedAccount{}, fmt.Errorf("get linked account: %w", err)
	}
	link.CreatedAt = fromMillis(createdAt)
	return link, nil
}

// ListLinkedAccounts returns every provider link for the user.
func (s *Store) ListLinkedAccounts(ctx context.Context, userID string) ([]storage.LinkedAccount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ensureDB(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT id, user_id, provider, subject, email, created_at FROM linked_accounts WHERE user_id = ? ORDER BY provider",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list linked accounts: %w", err)
	}
	defer rows.Close()

	links := make([]storage.LinkedAccount, 0)
	for rows.Next() {
		var (
			link      storage.LinkedAccount
			createdAt int64
		)
		if err := rows.Scan(&link.ID, &link.UserID, &link.Provider, &link.Subject, &link.Email, &createdAt); err != nil {
			return nil, fmt.Errorf("scan linked account: %w", err)
		}
		link.CreatedAt = fromMillis(createdAt)
		links = append(links, link)
	}
	return links, rows.Err()
}

// DeleteLinkedAccount removes the user's link for a provider.
func (s *Store) DeleteLinkedAccount(ctx context.Context, userID, provider string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(provider) == "" {
		return fmt.Errorf("user id and provider are required")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM linked_accounts WHERE user_id = ? AND provider = ?",
		userID, provider,
	)
	if err != nil {
		return fmt.Errorf("delete linked account: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete linked account rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
