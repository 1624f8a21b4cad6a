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

const passkeyColumns = "credential_id, user_id, name, credential_json, sign_count, created_at, updated_at, last_used_at"

// PutPasskeyCredential inserts or updates a stored WebAuthn credential.
func (s *Store) PutPasskeyCredential(ctx context.Context, credential storage.PasskeyCredential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(credential.CredentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(credential.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(credential.CredentialJSON) == "" {
		return fmt.Errorf("credential json is required")
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO passkey_credentials (credential_id, user_id, name, credential_json, sign_count, created_at, updated_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(credential_id) DO UPDATE SET
			name = excluded.name,
			credential_json = excluded.credential_json,
			sign_count = excluded.sign_count,
			updated_at = excluded.updated_at,
			last_used_at = excluded.last_used_at`,
		credential.CredentialID, credential.UserID, credential.Name, credential.CredentialJSON,
		int64(credential.SignCount), toMillis(credential.CreatedAt), toMillis(credential.UpdatedAt),
		toNullMillis(credential.LastUsedAt),
	)
	if err != nil {
		return fmt.Errorf("put passkey: %w", err)
	}
	return nil
}

// GetPasskeyCredential fetches a stored WebAuthn credential.
func (s *Store) GetPasskeyCredential(ctx context.Context, credentialID string) (storage.PasskeyCredential, error) {
	if err := ctx.Err(); err != nil {
		return storage.PasskeyCredential{}, err
	}
	if err := s.ensureDB(); err != nil {
		return storage.PasskeyCredential{}, err
	}
	if strings.TrimSpace(credentialID) == "" {
		return storage.PasskeyCredential{}, fmt.Errorf("credential id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT "+passkeyColumns+" FROM passkey_credentials WHERE credential_id = ?",
		credentialID,
	)
	credential, err := scanPasskey(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PasskeyCredential{}, storage.ErrNotFound
		}
		return storage.PasskeyCredential{}, fmt.Errorf("get passkey: %w", err)
	}
	return credential, nil
}

// ListPasskeyCredentials returns passkeys for a user.
func (s *Store) ListPasskeyCredentials(ctx context.Context, userID string) ([]storage.PasskeyCredential, error) {
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
		"SELECT "+passkeyColumns+" FROM passkey_credentials WHERE user_id = ? ORDER BY created_at, credential_id",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list passkeys: %w", err)
	}
	defer rows.Close()

	credentials := make([]storage.PasskeyCredential, 0)
	for rows.Next() {
		credential, err := scanPasskey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan passkey: %w", err)
		}
		credentials = append(credentials, credential)
	}
	return credentials, rows.Err()
}

// RenamePasskeyCredential updates the friendly name shown in settings.
func (s *Store) RenamePasskeyCredential(ctx context.Context, userID, credentialID, name string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("user id and credential id are required")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		"UPDATE passkey_credentials SET name = ?, updated_at = ? WHERE credential_id = ? AND user_id = ?",
		name, toMillis(now), credentialID, userID,
	)
	if err != nil {
		return fmt.Errorf("rename passkey: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rename passkey rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeletePasskeyCredential removes a passkey owned by the user.
func (s *Store) DeletePasskeyCredential(ctx context.Context, userID, credentialID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("user id and credential id are required")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM passkey_credentials WHERE credential_id = ? AND user_id = ?",
		credentialID, userID,
	)
	if err != nil {
		return fmt.Errorf("delete passkey: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete passkey rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// AdvancePasskeySignCount advances the counter in one check-and-set.
//
// Two concurrent assertions that both observed the stored counter race here;
// exactly one wins, the other observes ErrStaleCounter and its ceremony fails.
func (s *Store) AdvancePasskeySignCount(ctx context.Context, credentialID string, from, to uint32, credentialJSON string, usedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if to <= from {
		return storage.ErrStaleCounter
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE passkey_credentials
		SET sign_count = ?, credential_json = ?, updated_at = ?, last_used_at = ?
		WHERE credential_id = ? AND sign_count = ?`,
		int64(to), credentialJSON, toMillis(usedAt), toMillis(usedAt), credentialID, int64(from),
	)
	if err != nil {
		return fmt.Errorf("advance sign count: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance sign count rows: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetPasskeyCredential(ctx, credentialID); getErr != nil {
			return getErr
		}
		return storage.ErrStaleCounter
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPasskey(row rowScanner) (storage.PasskeyCredential, error) {
	var (
		credential storage.PasskeyCredential
		signCount  int64
		createdAt  int64
		updatedAt  int64
		lastUsedAt sql.NullInt64
	)
	err := row.Scan(&credential.CredentialID, &credential.UserID, &credential.Name,
		&credential.CredentialJSON, &signCount, &createdAt, &updatedAt, &lastUsedAt)
	if err != nil {
		return storage.PasskeyCredential{}, err
	}
	credential.SignCount = uint32(signCount)
	credential.CreatedAt = fromMillis(createdAt)
	credential.UpdatedAt = fromMillis(updatedAt)
	credential.LastUsedAt = fromNullMillis(lastUsedAt)
	return credential, nil
}
