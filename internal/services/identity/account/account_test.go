package account

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	apperrors "github.com/louisbranch/latchkey/internal/platform/errors"
	"github.com/louisbranch/latchkey/internal/services/identity/password"
	"github.com/louisbranch/latchkey/internal/services/identity/session"
	"github.com/louisbranch/latchkey/internal/services/identity/storage"
	"github.com/louisbranch/latchkey/internal/services/identity/user"
)

func TestSignupCreatesUserPasswordSession(t *testing.T) {
	env := newAccountEnv(t)

	created, issued, err := env.service.Signup(context.Background(), SignupInput{
		Username: "Alpha",
		Email:    "Alpha@Example.com",
		Password: "correct-horse",
	}, session.Device{UserAgent: "cli"})
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if created.Username != "alpha" || created.Email != "alpha@example.com" {
		t.Fatalf("unexpected user: %+v", created)
	}
	if issued.Token == "" || issued.Session.UserID != created.ID {
		t.Fatalf("unexpected session: %+v", issued)
	}
	credential, ok := env.passwords.credentials[created.ID]
	if !ok || !password.Verify(credential.Hash, "correct-horse") {
		t.Fatal("expected stored password credential")
	}
}

func TestSignupWithoutPassword(t *testing.T) {
	env := newAccountEnv(t)

	created, issued, err := env.service.Signup(context.Background(), SignupInput{Username: "alpha"}, session.Device{})
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if issued.Token == "" {
		t.Fatal("expected session token")
	}
	if _, ok := env.passwords.credentials[created.ID]; ok {
		t.Fatal("expected no password credential")
	}
}

func TestSignupRejectsInvalidUsername(t *testing.T) {
	env := newAccountEnv(t)

	_, _, err := env.service.Signup(context.Background(), SignupInput{Username: "a"}, session.Device{})
	if !errors.Is(err, user.ErrInvalidUsername) {
		t.Fatalf("expected invalid username, got %v", err)
	}
	if len(env.users.users) != 0 {
		t.Fatal("expected no user stored")
	}
}

func TestSignupRejectsShortPassword(t *testing.T) {
	env := newAccountEnv(t)

	_, _, err := env.service.Signup(context.Background(), SignupInput{Username: "alpha", Password: "short"}, session.Device{})
	if !errors.Is(err, password.ErrTooShort) {
		t.Fatalf("expected too short, got %v", err)
	}
	if len(env.users.users) != 0 {
		t.Fatal("expected no user stored")
	}
}

func TestSignupRejectsTakenUsername(t *testing.T) {
	env := newAccountEnv(t)
	env.users.users["user-1"] = user.User{ID: "user-1", Username: "alpha"}

	_, _, err := env.service.Signup(context.Background(), SignupInput{Username: "alpha"}, session.Device{})
	if !apperrors.HasCode(err, apperrors.CodeUserUsernameTaken) {
		t.Fatalf("expected username taken, got %v", err)
	}
}

func TestChangePasswordRequiresProof(t *testing.T) {
	env := newAccountEnv(t)
	env.seedPassword(t, "user-1", "correct-horse")

	err := env.service.ChangePassword(context.Background(), "user-1", "wrong-guess", "new-password")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if !password.Verify(env.passwords.credentials["user-1"].Hash, "correct-horse") {
		t.Fatal("expected original password retained")
	}
}

func TestChangePasswordReplacesHash(t *testing.T) {
	env := newAccountEnv(t)
	env.seedPassword(t, "user-1", "correct-horse")

	if err := env.service.ChangePassword(context.Background(), "user-1", "correct-horse", "new-password"); err != nil {
		t.Fatalf("change password: %v", err)
	}
	if !password.Verify(env.passwords.credentials["user-1"].Hash, "new-password") {
		t.Fatal("expected new password stored")
	}
}

func TestChangePasswordSetsFirstPassword(t *testing.T) {
	env := newAccountEnv(t)

	if err := env.service.ChangePassword(context.Background(), "user-1", "", "new-password"); err != nil {
		t.Fatalf("change password: %v", err)
	}
	if !password.Verify(env.passwords.credentials["user-1"].Hash, "new-password") {
		t.Fatal("expected password stored")
	}
}

func TestChangePasswordRejectsShortReplacement(t *testing.T) {
	env := newAccountEnv(t)
	env.seedPassword(t, "user-1", "correct-horse")

	err := env.service.ChangePassword(context.Background(), "user-1", "correct-horse", "short")
	if !errors.Is(err, password.ErrTooShort) {
		t.Fatalf("expected too short, got %v", err)
	}
}

func TestDeleteRevokesSessionsAndRemovesUser(t *testing.T) {
	env := newAccountEnv(t)
	env.users.users["user-1"] = user.User{ID: "user-1", Username: "alpha"}
	issued, err := env.service.sessions.Issue(context.Background(), "user-1", session.Device{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if err := env.service.Delete(context.Background(), "user-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := env.users.users["user-1"]; ok {
		t.Fatal("expected user removed")
	}
	stored := env.sessions.sessions[issued.Session.ID]
	if stored.RevokedAt == nil {
		t.Fatal("expected session revoked")
	}
}

func TestDeleteMissingUser(t *testing.T) {
	env := newAccountEnv(t)

	err := env.service.Delete(context.Background(), "user-1")
	if !apperrors.HasCode(err, apperrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

type accountEnv struct {
	service   *Service
	users     *fakeUserStore
	passwords *fakePasswordStore
	sessions  *fakeSessionStore
}

func newAccountEnv(t *testing.T) *accountEnv {
	t.Helper()
	env := &accountEnv{
		users:     &fakeUserStore{users: make(map[string]user.User)},
		passwords: &fakePasswordStore{credentials: make(map[string]storage.PasswordCredential)},
		sessions:  &fakeSessionStore{sessions: make(map[string]storage.Session)},
	}
	manager, err := session.NewManager(env.sessions, session.Config{
		TTL:        720 * time.Hour,
		IdleLimit:  72 * time.Hour,
		SweepEvery: time.Hour,
		SigningKey: "test-signing-key-0123456789abcdef",
	})
	if err != nil {
		t.Fatalf("new session manager: %v", err)
	}
	service, err := NewService(Stores{Users: env.users, Passwords: env.passwords}, manager)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	counter := 0
	service.idGenerator = func() (string, error) {
		counter++
		return fmt.Sprintf("id-%d", counter), nil
	}
	env.service = service
	return env
}

func (env *accountEnv) seedPassword(t *testing.T, userID, plaintext string) {
	t.Helper()
	hash, err := password.Hash(plaintext)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	env.passwords.credentials[userID] = storage.PasswordCredential{UserID: userID, Hash: hash}
}

type fakeUserStore struct {
	users map[string]user.User
}

func (f *fakeUserStore) PutUser(_ context.Context, u user.User) error {
	for _, existing := range f.users {
		if existing.Username == u.Username && existing.ID != u.ID {
			return storage.ErrUsernameTaken
		}
	}
	f.users[u.ID] = u
	return nil
}

func (f *fakeUserStore) GetUser(_ context.Context, userID string) (user.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (f *fakeUserStore) GetUserByUsername(_ context.Context, username string) (user.User, error) {
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return user.User{}, storage.ErrNotFound
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (user.User, error) {
	for _, u := range f.users {
		if u.Email == email && u.EmailVerifiedAt != nil {
			return u, nil
		}
	}
	return user.User{}, storage.ErrNotFound
}

func (f *fakeUserStore) DeleteUser(_ context.Context, userID string) error {
	if _, ok := f.users[userID]; !ok {
		return storage.ErrNotFound
	}
	delete(f.users, userID)
	return nil
}

type fakePasswordStore struct {
	credentials map[string]storage.PasswordCredential
}

func (f *fakePasswordStore) PutPassword(_ context.Context, credential storage.PasswordCredential) error {
	f.credentials[credential.UserID] = credential
	return nil
}

func (f *fakePasswordStore) GetPassword(_ context.Context, userID string) (storage.PasswordCredential, error) {
	credential, ok := f.credentials[userID]
	if !ok {
		return storage.PasswordCredential{}, storage.ErrNotFound
	}
	return credential, nil
}

func (f *fakePasswordStore) DeletePassword(_ context.Context, userID string) error {
	delete(f.credentials, userID)
	return nil
}

type fakeSessionStore struct {
	sessions map[string]storage.Session
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
	out := make([]storage.Session, 0)
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
		if s.UserID == userID && id != exceptID && s.RevokedAt == nil {
			s.RevokedAt = &now
			f.sessions[id] = s
			count++
		}
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
