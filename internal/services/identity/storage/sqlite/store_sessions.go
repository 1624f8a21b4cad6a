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

const sessionColumns = "id, user_id, user_agent, remote_addr, created_at, last_active_at, expires_at, revoked_at"

// PutSession stores a session record.
func (s *Store) PutSession(ctx context.Context, session storage.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(session.UserID) == "" {
		return fmt.Errorf("user id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, user_agent, remote_addr, created_at, last_active_at, expires_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.UserAgent, session.RemoteAddr,
		toMillis(session.CreatedAt), toMillis(session.LastActiveAt), toMillis(session.ExpiresAt),
		toNullMillis(session.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// GetSession fetches a session by id, revoked or not.
func (s *Store) GetSession(ctx context.Context, id string) (storage.Session, error) {
	if err := ctx.Err(); err != nil {
		return storage.Session{}, err
	}
	if err := s.ensureDB(); err != nil {
		return storage.Session{}, err
	}
	if strings.TrimSpace(id) == "" {
		return storage.Session{}, fmt.Errorf("session id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id,
	)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Session{}, storage.ErrNotFound
		}
		return storage.Session{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// ListSessions returns every stored session for the user, newest first.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]storage.Session, error) {
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
		"SELECT "+sessionColumns+" FROM sessions WHERE user_id = ? ORDER BY created_at DESC, id",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]storage.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// RevokeSession marks a session revoked. Already-revoked sessions stay revoked
// with their original revocation time.
func (s *Store) RevokeSession(ctx context.Context, id string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("session id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		"UPDATE sessions SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL",
		toMillis(now), id,
	)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke session rows: %w", err)
	}
	if affected == 0 {
		// Idempotent for already-revoked rows; missing rows surface as not found.
		if _, getErr := s.GetSession(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// RevokeOtherSessions revokes all live sessions for the user except one.
//
// The single UPDATE fixes the except set at call time: a session issued after
// the statement runs is untouched, and the excepted session is never revoked
// even when two calls race.
func (s *Store) RevokeOtherSessions(ctx context.Context, userID, exceptID string, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.ensureDB(); err != nil {
		return 0, err
	}
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(exceptID) == "" {
		return 0, fmt.Errorf("user id and except session id are required")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		"UPDATE sessions SET revoked_at = ? WHERE user_id = ? AND id != ? AND revoked_at IS NULL",
		toMillis(now), userID, exceptID,
	)
	if err != nil {
		return 0, fmt.Errorf("revoke other sessions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke other sessions rows: %w", err)
	}
	return affected, nil
}

// RevokeUserSessions revokes every live session for the user.
func (s *Store) RevokeUserSessions(ctx context.Context, userID string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx,
		"UPDATE sessions SET revoked_at = ? WHERE user_id = ? AND revoked_at IS NULL",
		toMillis(now), userID,
	)
	if err != nil {
		return fmt.Errorf("revoke user sessions: %w", err)
	}
	return nil
}

// TouchSession refreshes last-active without touching revocation state, so a
// refresh that loses a race with a revoke still leaves the session revoked.
func (s *Store) TouchSession(ctx context.Context, id string, lastActive time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("session id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		"UPDATE sessions SET last_active_at = ? WHERE id = ?",
		toMillis(lastActive), id,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch session rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteExpiredSessions garbage-collects sessions past their absolute expiry.
// Liveness never depends on this sweep; reads treat expired rows as dead.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at <= ?", toMillis(now))
	if err != nil {
		return fmt.Errorf("delete expired sessions: %w", err)
	}
	return nil
}

func scanSession(row rowScanner) (storage.Session, error) {
	var (
		session      storage.Session
		createdAt    int64
		lastActiveAt int64
		expiresAt    int64
		revokedAt    sql.NullInt64
	)
	err := row.Scan(&session.ID, &session.UserID, &session.UserAgent, &session.RemoteAddr,
		&createdAt, &lastActiveAt, &expiresAt, &revokedAt)
	if err != nil {
		return storage.Session{}, err
	}
	session.CreatedAt = fromMillis(createdAt)
	session.LastActiveAt = fromMillis(lastActiveAt)
	session.ExpiresAt = fromMillis(expiresAt)
	session.RevokedAt = fromNullMillis(revokedAt)
	return session, nil
}

// GetIdentityStatistics returns aggregate counts.
// When since is nil, counts are for all time.
func (s *Store) GetIdentityStatistics(ctx context.Context, since *time.Time) (storage.IdentityStatistics, error) {
	if err := ctx.Err(); err != nil {
		return storage.IdentityStatistics{}, err
	}
	if err := s.ensureDB(); err != nil {
		return storage.IdentityStatistics{}, err
	}

	var cutoff int64
	if since != nil {
		cutoff = toMillis(*since)
	}

	var stats storage.IdentityStatistics
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM users WHERE created_at >= ?", cutoff,
	).Scan(&stats.UserCount)
	if err != nil {
		return storage.IdentityStatistics{}, fmt.Errorf("count users: %w", err)
	}
	err = s.sqlDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sessions WHERE revoked_at IS NULL AND expires_at > ? AND created_at >= ?",
		toMillis(time.Now()), cutoff,
	).Scan(&stats.LiveSessionCount)
	if err != nil {
		return storage.IdentityStatistics{}, fmt.Errorf("count sessions: %w", err)
	}
	err = s.sqlDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM passkey_credentials WHERE created_at >= ?", cutoff,
	).Scan(&stats.PasskeyCount)
	if err != nil {
		return storage.IdentityStatistics{}, fmt.Errorf("count passkeys: %w", err)
	}
	return stats, nil
}
