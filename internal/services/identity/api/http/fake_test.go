package http

import (
	"context"
	"sync"
	"time"

	"github.com/louisbranch/latchkey/internal/services/identity/storage"
	"github.com/louisbranch/latchkey/internal/services/identity/user"
)

// fakeStore is an in-memory stand-in for the SQLite store, covering every
// persistence interface the boundary needs.
type fakeStore struct {
	mu            sync.Mutex
	users         map[string]user.User
	passwords     map[string]storage.PasswordCredential
	passkeys      map[string]storage.PasskeyCredential
	totps         map[string]storage.TotpCredential
	recoveryCodes map[string]storage.RecoveryCode
	links         map[string]storage.LinkedAccount
	challenges    map[string]storage.Challenge
	sessions      map[string]storage.Session
	pending       map[string]storage.PendingLogin
	states        map[string]storage.ProviderState
	stats         storage.IdentityStatistics
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:         make(map[string]user.User),
		passwords:     make(map[string]storage.PasswordCredential),
		passkeys:      make(map[string]storage.PasskeyCredential),
		totps:         make(map[string]storage.TotpCredential),
		recoveryCodes: make(map[string]storage.RecoveryCode),
		links:         make(map[string]storage.LinkedAccount),
		challenges:    make(map[string]storage.Challenge),
		sessions:      make(map[string]storage.Session),
		pending:       make(map[string]storage.PendingLogin),
		states:        make(map[string]storage.ProviderState),
	}
}

func (f *fakeStore) PutUser(_ context.Context, u user.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.Username == u.Username && existing.ID != u.ID {
			return storage.ErrUsernameTaken
		}
	}
	f.users[u.ID] = u
	return nil
}

func (f *fakeStore) GetUser(_ context.Context, userID string) (user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) GetUserByUsername(_ context.Context, username string) (user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return user.User{}, storage.ErrNotFound
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email && u.EmailVerifiedAt != nil {
			return u, nil
		}
	}
	return user.User{}, storage.ErrNotFound
}

func (f *fakeStore) DeleteUser(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[userID]; !ok {
		return storage.ErrNotFound
	}
	delete(f.users, userID)
	delete(f.passwords, userID)
	delete(f.totps, userID)
	return nil
}

func (f *fakeStore) PutPassword(_ context.Context, credential storage.PasswordCredential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passwords[credential.UserID] = credential
	return nil
}

func (f *fakeStore) GetPassword(_ context.Context, userID string) (storage.PasswordCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	credential, ok := f.passwords[userID]
	if !ok {
		return storage.PasswordCredential{}, storage.ErrNotFound
	}
	return credential, nil
}

func (f *fakeStore) DeletePassword(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.passwords, userID)
	return nil
}

func (f *fakeStore) PutPasskeyCredential(_ context.Context, credential storage.PasskeyCredential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passkeys[credential.CredentialID] = credential
	return nil
}

func (f *fakeStore) GetPasskeyCredential(_ context.Context, credentialID string) (storage.PasskeyCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	credential, ok := f.passkeys[credentialID]
	if !ok {
		return storage.PasskeyCredential{}, storage.ErrNotFound
	}
	return credential, nil
}

func (f *fakeStore) ListPasskeyCredentials(_ context.Context, userID string) ([]storage.PasskeyCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.PasskeyCredential, 0)
	for _, credential := range f.passkeys {
		if credential.UserID == userID {
			out = append(out, credential)
		}
	}
	return out, nil
}

func (f *fakeStore) RenamePasskeyCredential(_ context.Context, userID, credentialID, name string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	credential, ok := f.passkeys[credentialID]
	if !ok || credential.UserID != userID {
		return storage.ErrNotFound
	}
	credential.Name = name
	credential.UpdatedAt = now
	f.passkeys[credentialID] = credential
	return nil
}

func (f *fakeStore) DeletePasskeyCredential(_ context.Context, userID, credentialID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	credential, ok := f.passkeys[credentialID]
	if !ok || credential.UserID != userID {
		return storage.ErrNotFound
	}
	delete(f.passkeys, credentialID)
	return nil
}

func (f *fakeStore) AdvancePasskeySignCount(_ context.Context, credentialID string, from, to uint32, credentialJSON string, usedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	credential, ok := f.passkeys[credentialID]
	if !ok {
		return storage.ErrNotFound
	}
	if credential.SignCount != from {
		return storage.ErrStaleCounter
	}
	credential.SignCount = to
	credential.CredentialJSON = credentialJSON
	credential.LastUsedAt = &usedAt
	f.passkeys[credentialID] = credential
	return nil
}

func (f *fakeStore) PutTotpCredential(_ context.Context, credential storage.TotpCredential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.totps[credential.UserID] = credential
	return nil
}

func (f *fakeStore) GetTotpCredential(_ context.Context, userID string) (storage.TotpCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	credential, ok := f.totps[userID]
	if !ok {
		return storage.TotpCredential{}, storage.ErrNotFound
	}
	return credential, nil
}

func (f *fakeStore) DeleteTotpCredential(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.totps, userID)
	return nil
}

func (f *fakeStore) AdvanceTotpStep(_ context.Context, userID string, from, to int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	credential, ok := f.totps[userID]
	if !ok {
		return storage.ErrNotFound
	}
	if credential.LastStep != from {
		return storage.ErrStaleStep
	}
	credential.LastStep = to
	f.totps[userID] = credential
	return nil
}

func (f *fakeStore) ReplaceRecoveryCodes(_ context.Context, userID string, codes []storage.RecoveryCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, code := range f.recoveryCodes {
		if code.UserID == userID {
			delete(f.recoveryCodes, id)
		}
	}
	for _, code := range codes {
		f.recoveryCodes[code.ID] = code
	}
	return nil
}

func (f *fakeStore) ListRecoveryCodes(_ context.Context, userID string) ([]storage.RecoveryCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.RecoveryCode, 0)
	for _, code := range f.recoveryCodes {
		if code.UserID == userID {
			out = append(out, code)
		}
	}
	return out, nil
}

func (f *fakeStore) ConsumeRecoveryCode(_ context.Context, id string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	code, ok := f.recoveryCodes[id]
	if !ok || code.ConsumedAt != nil {
		return storage.ErrNotFound
	}
	code.ConsumedAt = &now
	f.recoveryCodes[id] = code
	return nil
}

func (f *fakeStore) DeleteRecoveryCodes(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, code := range f.recoveryCodes {
		if code.UserID == userID {
			delete(f.recoveryCodes, id)
		}
	}
	return nil
}

func (f *fakeStore) CountUnconsumedRecoveryCodes(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, code := range f.recoveryCodes {
		if code.UserID == userID && code.ConsumedAt == nil {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) PutLinkedAccount(_ context.Context, link storage.LinkedAccount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links[link.UserID+"/"+link.Provider] = link
	return nil
}

func (f *fakeStore) GetLinkedAccount(_ context.Context, userID, provider string) (storage.LinkedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	link, ok := f.links[userID+"/"+provider]
	if !ok {
		return storage.LinkedAccount{}, storage.ErrNotFound
	}
	return link, nil
}

func (f *fakeStore) GetLinkedAccountBySubject(_ context.Context, provider, subject string) (storage.LinkedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, link := range f.links {
		if link.Provider == provider && link.Subject == subject {
			return link, nil
		}
	}
	return storage.LinkedAccount{}, storage.ErrNotFound
}

func (f *fakeStore) ListLinkedAccounts(_ context.Context, userID string) ([]storage.LinkedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.LinkedAccount, 0)
	for _, link := range f.links {
		if link.UserID == userID {
			out = append(out, link)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteLinkedAccount(_ context.Context, userID, provider string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := userID + "/" + provider
	if _, ok := f.links[key]; !ok {
		return storage.ErrNotFound
	}
	delete(f.links, key)
	return nil
}

func (f *fakeStore) PutChallenge(_ context.Context, c storage.Challenge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.challenges[c.ID] = c
	return nil
}

func (f *fakeStore) GetChallenge(_ context.Context, id string) (storage.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.challenges[id]
	if !ok {
		return storage.Challenge{}, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) ConsumeChallenge(_ context.Context, id string, now time.Time) (storage.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.challenges[id]
	if !ok {
		return storage.Challenge{}, storage.ErrNotFound
	}
	if c.ConsumedAt != nil {
		return storage.Challenge{}, storage.ErrChallengeConsumed
	}
	c.ConsumedAt = &now
	f.challenges[id] = c
	return c, nil
}

func (f *fakeStore) DeleteExpiredChallenges(_ context.Context, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, c := range f.challenges {
		if !c.ExpiresAt.After(now) {
			delete(f.challenges, id)
		}
	}
	return nil
}

func (f *fakeStore) PutSession(_ context.Context, s storage.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, id string) (storage.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return storage.Session{}, storage.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) ListSessions(_ context.Context, userID string) ([]storage.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.Session, 0)
	for _, s := range f.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) RevokeSession(_ context.Context, id string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
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

func (f *fakeStore) RevokeOtherSessions(_ context.Context, userID, exceptID string, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
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

func (f *fakeStore) RevokeUserSessions(_ context.Context, userID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, s := range f.sessions {
		if s.UserID == userID && s.RevokedAt == nil {
			s.RevokedAt = &now
			f.sessions[id] = s
		}
	}
	return nil
}

func (f *fakeStore) TouchSession(_ context.Context, id string, lastActive time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	s.LastActiveAt = lastActive
	f.sessions[id] = s
	return nil
}

func (f *fakeStore) DeleteExpiredSessions(_ context.Context, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, s := range f.sessions {
		if !s.ExpiresAt.After(now) {
			delete(f.sessions, id)
		}
	}
	return nil
}

func (f *fakeStore) PutPendingLogin(_ context.Context, p storage.PendingLogin) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[p.ID] = p
	return nil
}

func (f *fakeStore) GetPendingLogin(_ context.Context, id string) (storage.PendingLogin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[id]
	if !ok {
		return storage.PendingLogin{}, storage.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) SpendPendingLoginAttempt(_ context.Context, id string, max int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[id]
	if !ok || p.ConsumedAt != nil {
		return storage.ErrNotFound
	}
	if p.Attempts >= max {
		return storage.ErrAttemptsExhausted
	}
	p.Attempts++
	f.pending[id] = p
	return nil
}

func (f *fakeStore) ConsumePendingLogin(_ context.Context, id string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[id]
	if !ok || p.ConsumedAt != nil {
		return storage.ErrNotFound
	}
	p.ConsumedAt = &now
	f.pending[id] = p
	return nil
}

func (f *fakeStore) DeletePendingLogin(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, id)
	return nil
}

func (f *fakeStore) DeleteExpiredPendingLogins(_ context.Context, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, p := range f.pending {
		if !p.ExpiresAt.After(now) {
			delete(f.pending, id)
		}
	}
	return nil
}

func (f *fakeStore) PutProviderState(_ context.Context, s storage.ProviderState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[s.State] = s
	return nil
}

func (f *fakeStore) GetProviderState(_ context.Context, state string) (storage.ProviderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.states[state]
	if !ok {
		return storage.ProviderState{}, storage.ErrNotFound
	}
	return record, nil
}

func (f *fakeStore) DeleteProviderState(_ context.Context, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, state)
	return nil
}

func (f *fakeStore) DeleteExpiredProviderStates(_ context.Context, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for state, record := range f.states {
		if !record.ExpiresAt.After(now) {
			delete(f.states, state)
		}
	}
	return nil
}

func (f *fakeStore) GetIdentityStatistics(_ context.Context, _ *time.Time) (storage.IdentityStatistics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, nil
}
