package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/louisbranch/latchkey/internal/services/identity/storage"
)

func TestNewManagerRequiresStoreAndKey(t *testing.T) {
	if _, err := NewManager(nil, testConfig()); err == nil {
		t.Fatal("expected error for nil store")
	}
	cfg := testConfig()
	cfg.SigningKey = " "
	if _, err := NewManager(newFakeSessionStore(), cfg); err == nil {
		t.Fatal("expected error for empty signing key")
	}
}

func TestIssueResolveRoundTrip(t *testing.T) {
	store := newFakeSessionStore()
	manager := newTestManager(t, store)

	issued, err := manager.Issue(context.Background(), "user-1", Device{UserAgent: "cli", RemoteAddr: "127.0.0.1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if issued.Token == "" || issued.Session.ID == "" {
		t.Fatalf("expected token and session, got %+v", issued)
	}
	if issued.Session.UserAgent != "cli" {
		t.Fatalf("expected device recorded, got %+v", issued.Session)
	}

	resolved, err := manager.Resolve(context.Background(), issued.Token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.ID != issued.Session.ID || resolved.UserID != "user-1" {
		t.Fatalf("unexpected session: %+v", resolved)
	}
}

func TestResolveRejectsGarbageToken(t *testing.T) {
	manager := newTestManager(t, newFakeSessionStore())

	if _, err := manager.Resolve(context.Background(), "not-a-token"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}

func TestResolveRejectsForeignSignature(t *testing.T) {
	store := newFakeSessionStore()
	manager := newTestManager(t, store)

	issued, err := manager.Issue(context.Background(), "user-1", Device{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	cfg := testConfig()
	cfg.SigningKey = "another-key-entirely-0123456789"
	other, err := NewManager(store, cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := other.Resolve(context.Background(), issued.Token); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}

func TestResolveRejectsRevokedSession(t *testing.T) {
	store := newFakeSessionStore()
	manager := newTestManager(t, store)

	issued, err := manager.Issue(context.Background(), "user-1", Device{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := manager.Revoke(context.Background(), issued.Session.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := manager.Resolve(context.Background(), issued.Token); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}

func TestResolveRejectsIdleSession(t *testing.T) {
	store := newFakeSessionStore()
	manager := newTestManager(t, store)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	manager.clock = func() time.Time { return start }

	issued, err := manager.Issue(context.Background(), "user-1", Device{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	manager.clock = func() time.Time { return start.Add(manager.config.IdleLimit + time.Minute) }
	if _, err := manager.Resolve(context.Background(), issued.Token); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}

func TestResolveRejectsExpiredSession(t *testing.T) {
	store := newFakeSessionStore()
	manager := newTestManager(t, store)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	manager.clock = func() time.Time { return start }

	issued, err := manager.Issue(context.Background(), "user-1", Device{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Keep the row looking active so only the absolute expiry can reject it.
	record := store.sessions[issued.Session.ID]
	record.LastActiveAt = start.Add(manager.config.TTL)
	store.sessions[issued.Session.ID] = record

	manager.clock = func() time.Time { return start.Add(manager.config.TTL) }
	if _, err := manager.Resolve(context.Background(), issued.Token); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}

func TestTouchRefreshesLastActive(t *testing.T) {
	store := newFakeSessionStore()
	manager := newTestManager(t, store)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	manager.clock = func() time.Time { return start }

	issued, err := manager.Issue(context.Background(), "user-1", Device{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	later := start.Add(time.Hour)
	manager.clock = func() time.Time { return later }
	if err := manager.Touch(context.Background(), issued.Session.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if got := store.sessions[issued.Session.ID].LastActiveAt; !got.Equal(later) {
		t.Fatalf("expected refreshed last active, got %v", got)
	}
}

func TestTouchNeverResurrects(t *testing.T) {
	store := newFakeSessionStore()
	manager := newTestManager(t, store)

	issued, err := manager.Issue(context.Background(), "user-1", Device{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := manager.Revoke(context.Background(), issued.Session.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := manager.Touch(context.Background(), issued.Session.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}

func TestListFlagsCurrentAndSkipsDead(t *testing.T) {
	store := newFakeSessionStore()
	manager := newTestManager(t, store)

	current, err := manager.Issue(context.Background(), "user-1", Device{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	other, err := manager.Issue(context.Background(), "user-1", Device{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	revoked, err := manager.Issue(context.Background(), "user-1", Device{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := manager.Revoke(context.Background(), revoked.Session.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	entries, err := manager.List(context.Background(), "user-1", current.Session.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 live sessions, got %d", len(entries))
	}
	for _, entry := range entries {
		switch entry.Session.ID {
		case current.Session.ID:
			if !entry.IsCurrent {
				t.Fatal("expected current flag on caller session")
			}
		case other.Session.ID:
			if entry.IsCurrent {
				t.Fatal("unexpected current flag")
			}
		default:
			t.Fatalf("unexpected session %s", entry.Session.ID)
		}
	}
}

func TestRevokeAllOthersKeepsCaller(t *testing.T) {
	store := newFakeSessionStore()
	manager := newTestManager(t, store)

	current, err := manager.Issue(context.Background(), "user-1", Device{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := manager.Issue(context.Background(), "user-1", Device{}); err != nil {
			t.Fatalf("issue: %v", err)
		}
	}

	count, err := manager.RevokeAllOthers(context.Background(), "user-1", current.Session.ID)
	if err != nil {
		t.Fatalf("revoke all others: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 revoked, got %d", count)
	}
	if store.sessions[current.Session.ID].RevokedAt != nil {
		t.Fatal("expected caller session to stay live")
	}
}

func TestRevokeMissingSession(t *testing.T) {
	manager := newTestManager(t, newFakeSessionStore())

	if err := manager.Revoke(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}

func newTestManager(t *testing.T, store storage.SessionStore) *Manager {
	t.Helper()
	manager, err := NewManager(store, testConfig())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return manager
}

func testConfig() Config {
	return Config{
		TTL:        720 * time.Hour,
		IdleLimit:  72 * time.Hour,
		SweepEvery: time.Hour,
		SigningKey: "test-signing-key-0123456789abcdef",
	}
}

type fakeSessionStore struct {
	sessions map[string]storage.Session
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]storage.Session)}
}

func (f *fakeSessionStore) PutSession(_ context.Context, s storage.Session) error {
	f.sessions[s.ID] = s
	return nil
}

func (f *fakeSessionStore) GetSession(_ context.Context, id string) (storage.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return storage.Session{}, storage.ErrNotFound
	}
	return s, nil
}

func (f *fakeSessionStore) ListSessions(_ context.Context, userID string) ([]storage.Session, error) {
	var out []storage.Session
	for _, s := range f.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSessionStore) RevokeSession(_ context.Context, id string, now time.Time) error {
	s, ok := f.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	if s.RevokedAt == nil {
		s.RevokedAt = &now
		f.sessions[id] = s
	}
	return nil
}

func (f *fakeSessionStore) RevokeOtherSessions(_ context.Context, userID, exceptID string, now time.Time) (int64, error) {
	var count int64
	for id, s := range f.sessions {
		if s.UserID != userID || id == exceptID || s.RevokedAt != nil {
			continue
		}
		s.RevokedAt = &now
		f.sessions[id] = s
		count++
	}
	return count, nil
}

func (f *fakeSessionStore) RevokeUserSessions(_ context.Context, userID string, now time.Time) error {
	for id, s := range f.sessions {
		if s.UserID == userID && s.RevokedAt == nil {
			s.RevokedAt = &now
			f.sessions[id] = s
		}
	}
	return nil
}

func (f *fakeSessionStore) TouchSession(_ context.Context, id string, lastActive time.Time) error {
	s, ok := f.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	s.LastActiveAt = lastActive
	f.sessions[id] = s
	return nil
}

func (f *fakeSessionStore) DeleteExpiredSessions(_ context.Context, now time.Time) error {
	for id, s := range f.sessions {
		if !s.ExpiresAt.After(now) {
			delete(f.sessions, id)
		}
	}
	return nil
}
