// Package session issues and resolves authenticated session bearers.
//
// A bearer is a signed token whose id is the stored session row, so every
// resolution consults storage and revocation is observed immediately.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/latchkey/internal/platform/errors"
	"github.com/louisbranch/latchkey/internal/platform/id"
	"github.com/louisbranch/latchkey/internal/services/identity/storage"
)

// ErrSessionNotFound hides whether a rejected bearer was unknown, revoked,
// expired, or idle too long.
var ErrSessionNotFound = apperrors.New(apperrors.CodeSessionNotFound, "session not found")

// Device describes the client a session was issued to.
type Device struct {
	UserAgent  string
	RemoteAddr string
}

// Issued is the result of creating a session.
type Issued struct {
	Token   string
	Session storage.Session
}

// Entry is one session in a user-facing listing.
type Entry struct {
	Session   storage.Session
	IsCurrent bool
}

// Manager owns the session lifecycle: issue, list, refresh, revoke.
type Manager struct {
	store       storage.SessionStore
	config      Config
	signingKey  []byte
	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewManager returns a session manager backed by the given store.
func NewManager(store storage.SessionStore, config Config) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if strings.TrimSpace(config.SigningKey) == "" {
		return nil, fmt.Errorf("session signing key is required")
	}
	if config.TTL <= 0 || config.IdleLimit <= 0 {
		return nil, fmt.Errorf("session lifetimes must be positive")
	}
	return &Manager{
		store:       store,
		config:      config,
		signingKey:  []byte(config.SigningKey),
		clock:       time.Now,
		idGenerator: id.NewID,
	}, nil
}

// Issue creates a session for the user and returns its bearer token.
func (m *Manager) Issue(ctx context.Context, userID string, device Device) (Issued, error) {
	if strings.TrimSpace(userID) == "" {
		return Issued{}, fmt.Errorf("user id is required")
	}

	sessionID, err := m.newID()
	if err != nil {
		return Issued{}, fmt.Errorf("create session id: %w", err)
	}
	now := m.now()
	record := storage.Session{
		ID:           sessionID,
		UserID:       userID,
		UserAgent:    device.UserAgent,
		RemoteAddr:   device.RemoteAddr,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(m.config.TTL),
	}
	if err := m.store.PutSession(ctx, record); err != nil {
		return Issued{}, fmt.Errorf("store session: %w", err)
	}

	token, err := signToken(m.signingKey, sessionID, userID, now, record.ExpiresAt)
	if err != nil {
		return Issued{}, err
	}
	return Issued{Token: token, Session: record}, nil
}

// Resolve verifies a bearer and loads its live session.
//
// Revoked, expired, and idle-exceeded sessions all collapse to
// ErrSessionNotFound so a probing caller learns nothing about the row.
func (m *Manager) Resolve(ctx context.Context, bearer string) (storage.Session, error) {
	sessionID, err := parseToken(m.signingKey, strings.TrimSpace(bearer))
	if err != nil {
		return storage.Session{}, ErrSessionNotFound
	}

	record, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return storage.Session{}, ErrSessionNotFound
		}
		return storage.Session{}, fmt.Errorf("load session: %w", err)
	}
	if !m.alive(record, m.now()) {
		return storage.Session{}, ErrSessionNotFound
	}
	return record, nil
}

// Touch refreshes the session's last-active time. It never resurrects a dead
// session: the liveness check runs first and revocation is sticky in storage.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	record, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("load session: %w", err)
	}
	now := m.now()
	if !m.alive(record, now) {
		return ErrSessionNotFound
	}
	if err := m.store.TouchSession(ctx, sessionID, now); err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// List returns the user's live sessions, newest first, flagging the caller's own.
func (m *Manager) List(ctx context.Context, userID, currentSessionID string) ([]Entry, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}
	records, err := m.store.ListSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	now := m.now()
	entries := make([]Entry, 0, len(records))
	for _, record := range records {
		if !m.alive(record, now) {
			continue
		}
		entries = append(entries, Entry{
			Session:   record,
			IsCurrent: record.ID == currentSessionID,
		})
	}
	return entries, nil
}

// Revoke marks a session revoked. Revoking twice keeps the first revocation.
func (m *Manager) Revoke(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if err := m.store.RevokeSession(ctx, sessionID, m.now()); err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// RevokeAllOthers revokes every live session for the user except the caller's
// own and reports how many were revoked. Sessions issued after the call starts
// are untouched.
func (m *Manager) RevokeAllOthers(ctx context.Context, userID, exceptSessionID string) (int64, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(exceptSessionID) == "" {
		return 0, fmt.Errorf("user id and current session id are required")
	}
	count, err := m.store.RevokeOtherSessions(ctx, userID, exceptSessionID, m.now())
	if err != nil {
		return 0, fmt.Errorf("revoke other sessions: %w", err)
	}
	return count, nil
}

// RevokeAllForUser revokes every live session for the user, the caller's included.
func (m *Manager) RevokeAllForUser(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	if err := m.store.RevokeUserSessions(ctx, userID, m.now()); err != nil {
		return fmt.Errorf("revoke user sessions: %w", err)
	}
	return nil
}

// Sweep garbage-collects sessions past their absolute expiry.
func (m *Manager) Sweep(ctx context.Context) error {
	return m.store.DeleteExpiredSessions(ctx, m.now())
}

// alive reports whether a session is usable at the given instant. A session
// dies at its absolute expiry, at revocation, or after the idle limit since
// its last activity, whichever comes first.
func (m *Manager) alive(record storage.Session, now time.Time) bool {
	if record.RevokedAt != nil {
		return false
	}
	if !now.Before(record.ExpiresAt) {
		return false
	}
	if now.Sub(record.LastActiveAt) > m.config.IdleLimit {
		return false
	}
	return true
}

func (m *Manager) now() time.Time {
	if m.clock != nil {
		return m.clock().UTC()
	}
	return time.Now().UTC()
}

func (m *Manager) newID() (string, error) {
	if m.idGenerator != nil {
		return m.idGenerator()
	}
	return id.NewID()
}
