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

const challengeColumns = "id, purpose, user_id, payload_json, created_at, expires_at, consumed_at"

// PutChallenge stores a ceremony challenge.
func (s *Store) PutChallenge(ctx context.Context, c storage.Challenge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("challenge id is required")
	}
	if strings.TrimSpace(c.Purpose) == "" {
		return fmt.Errorf("challenge purpose is required")
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO challenges (id, purpose, user_id, payload_json, created_at, expires_at, consumed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Purpose, c.UserID, c.PayloadJSON, toMillis(c.CreatedAt), toMillis(c.ExpiresAt),
		toNullMillis(c.ConsumedAt),
	)
	if err != nil {
		return fmt.Errorf("put challenge: %w", err)
	}
	return nil
}

// GetChallenge fetches a challenge without consuming it.
func (s *Store) GetChallenge(ctx context.Context, id string) (storage.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return storage.Challenge{}, err
	}
	if err := s.ensureDB(); err != nil {
		return storage.Challenge{}, err
	}
	if strings.TrimSpace(id) == "" {
		return storage.Challenge{}, fmt.Errorf("challenge id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT "+challengeColumns+" FROM challenges WHERE id = ?", id,
	)
	c, err := scanChallenge(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Challenge{}, storage.ErrNotFound
		}
		return storage.Challenge{}, fmt.Errorf("get challenge: %w", err)
	}
	return c, nil
}

// ConsumeChallenge flips an unconsumed challenge to consumed exactly once.
//
// The update is the serialization point: when two finishers race on the same
// challenge only one sees a row flip, the other gets ErrChallengeConsumed.
func (s *Store) ConsumeChallenge(ctx context.Context, id string, now time.Time) (storage.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return storage.Challenge{}, err
	}
	if err := s.ensureDB(); err != nil {
		return storage.Challenge{}, err
	}
	if strings.TrimSpace(id) == "" {
		return storage.Challenge{}, fmt.Errorf("challenge id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		"UPDATE challenges SET consumed_at = ? WHERE id = ? AND consumed_at IS NULL",
		toMillis(now), id,
	)
	if err != nil {
		return storage.Challenge{}, fmt.Errorf("consume challenge: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.Challenge{}, fmt.Errorf("consume challenge rows: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetChallenge(ctx, id); getErr != nil {
			return storage.Challenge{}, getErr
		}
		return storage.Challenge{}, storage.ErrChallengeConsumed
	}
	return s.GetChallenge(ctx, id)
}

// DeleteExpiredChallenges garbage-collects past-expiry challenges.
func (s *Store) DeleteExpiredChallenges(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, "DELETE FROM challenges WHERE expires_at <= ?", toMillis(now))
	if err != nil {
		return fmt.Errorf("delete expired challenges: %w", err)
	}
	return nil
}

func scanChallenge(row rowScanner) (storage.Challenge, error) {
	var (
		c          storage.Challenge
		createdAt  int64
		expiresAt  int64
		consumedAt sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.Purpose, &c.UserID, &c.PayloadJSON, &createdAt, &expiresAt, &consumedAt)
	if err != nil {
		return storage.Challenge{}, err
	}
	c.CreatedAt = fromMillis(createdAt)
	c.ExpiresAt = fromMillis(expiresAt)
	c.ConsumedAt = fromNullMillis(consumedAt)
	return c, nil
}

// PutPendingLogin stores a pending-auth token record.
func (s *Store) PutPendingLogin(ctx context.Context, p storage.PendingLogin) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("pending login id is required")
	}
	if strings.TrimSpace(p.UserID) == "" {
		return fmt.Errorf("user id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO pending_logins (id, user_id, attempts, created_at, expires_at, consumed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Attempts, toMillis(p.CreatedAt), toMillis(p.ExpiresAt), toNullMillis(p.ConsumedAt),
	)
	if err != nil {
		return fmt.Errorf("put pending login: %w", err)
	}
	return nil
}

// GetPendingLogin fetches a pending-auth token record.
func (s *Store) GetPendingLogin(ctx context.Context, id string) (storage.PendingLogin, error) {
	if err := ctx.Err(); err != nil {
		return storage.PendingLogin{}, err
	}
	if err := s.ensureDB(); err != nil {
		return storage.PendingLogin{}, err
	}
	if strings.TrimSpace(id) == "" {
		return storage.PendingLogin{}, fmt.Errorf("pending login id is required")
	}

	var (
		p          storage.PendingLogin
		createdAt  int64
		expiresAt  int64
		consumedAt sql.NullInt64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT id, user_id, attempts, created_at, expires_at, consumed_at FROM pending_logins WHERE id = ?",
		id,
	).Scan(&p.ID, &p.UserID, &p.Attempts, &createdAt, &expiresAt, &consumedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PendingLogin{}, storage.ErrNotFound
		}
		return storage.PendingLogin{}, fmt.Errorf("get pending login: %w", err)
	}
	p.CreatedAt = fromMillis(createdAt)
	p.ExpiresAt = fromMillis(expiresAt)
	p.ConsumedAt = fromNullMillis(consumedAt)
	return p, nil
}

// SpendPendingLoginAttempt charges one second-factor attempt against the token.
func (s *Store) SpendPendingLoginAttempt(ctx context.Context, id string, max int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("pending login id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		"UPDATE pending_logins SET attempts = attempts + 1 WHERE id = ? AND consumed_at IS NULL AND attempts < ?",
		id, max,
	)
	if err != nil {
		return fmt.Errorf("spend pending login attempt: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("spend pending login attempt rows: %w", err)
	}
	if affected == 0 {
		p, getErr := s.GetPendingLogin(ctx, id)
		if getErr != nil {
			return getErr
		}
		if p.ConsumedAt != nil {
			return storage.ErrNotFound
		}
		return storage.ErrAttemptsExhausted
	}
	return nil
}

// ConsumePendingLogin marks the token used exactly once.
func (s *Store) ConsumePendingLogin(ctx context.Context, id string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("pending login id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		"UPDATE pending_logins SET consumed_at = ? WHERE id = ? AND consumed_at IS NULL",
		toMillis(now), id,
	)
	if err != nil {
		return fmt.Errorf("consume pending login: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume pending login rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeletePendingLogin invalidates the token immediately.
func (s *Store) DeletePendingLogin(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("pending login id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, "DELETE FROM pending_logins WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete pending login: %w", err)
	}
	return nil
}

// DeleteExpiredPendingLogins garbage-collects expired tokens.
func (s *Store) DeleteExpiredPendingLogins(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, "DELETE FROM pending_logins WHERE expires_at <= ?", toMillis(now))
	if err != nil {
		return fmt.Errorf("delete expired pending logins: %w", err)
	}
	return nil
}

// PutProviderState stores a redirect flow in progress.
func (s *Store) PutProviderState(ctx context.Context, state storage.ProviderState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(state.State) == "" || strings.TrimSpace(state.Provider) == "" {
		return fmt.Errorf("state and provider are required")
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO provider_states (state, provider, user_id, redirect_uri, code_verifier, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		state.State, state.Provider, state.UserID, state.RedirectURI, state.CodeVerifier,
		toMillis(state.CreatedAt), toMillis(state.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("put provider state: %w", err)
	}
	return nil
}

// GetProviderState fetches a redirect flow record.
func (s *Store) GetProviderState(ctx context.Context, stateValue string) (storage.ProviderState, error) {
	if err := ctx.Err(); err != nil {
		return storage.ProviderState{}, err
	}
	if err := s.ensureDB(); err != nil {
		return storage.ProviderState{}, err
	}
	if strings.TrimSpace(stateValue) == "" {
		return storage.ProviderState{}, fmt.Errorf("state is required")
	}

	var (
		state     storage.ProviderState
		createdAt int64
		expiresAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT state, provider, user_id, redirect_uri, code_verifier, created_at, expires_at FROM provider_states WHERE state = ?",
		stateValue,
	).Scan(&state.State, &state.Provider, &state.UserID, &state.RedirectURI, &state.CodeVerifier, &createdAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ProviderState{}, storage.ErrNotFound
		}
		return storage.ProviderState{}, fmt.Errorf("get provider state: %w", err)
	}
	state.CreatedAt = fromMillis(createdAt)
	state.ExpiresAt = fromMillis(expiresAt)
	return state, nil
}

// DeleteProviderState removes a redirect flow record.
func (s *Store) DeleteProviderState(ctx context.Context, stateValue string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(stateValue) == "" {
		return fmt.Errorf("state is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, "DELETE FROM provider_states WHERE state = ?", stateValue)
	if err != nil {
		return fmt.Errorf("delete provider state: %w", err)
	}
	return nil
}

// DeleteExpiredProviderStates garbage-collects abandoned redirect flows.
func (s *Store) DeleteExpiredProviderStates(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, "DELETE FROM provider_states WHERE expires_at <= ?", toMillis(now))
	if err != nil {
		return fmt.Errorf("delete expired provider states: %w", err)
	}
	return nil
}
