package totp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pquerna/otp"
	pqtotp "github.com/pquerna/otp/totp"

	apperrors "github.com/louisbranch/latchkey/internal/platform/errors"
	"github.com/louisbranch/latchkey/internal/services/identity/storage"
	"github.com/louisbranch/latchkey/internal/services/identity/user"
)

func TestBeginSetupStoresChallenge(t *testing.T) {
	env := newServiceEnv(t)
	env.users.users["user-1"] = user.User{ID: "user-1", Username: "alpha"}

	setup, err := env.service.BeginSetup(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("begin setup: %v", err)
	}
	if setup.Secret == "" || setup.ProvisioningURI == "" || setup.ChallengeID == "" {
		t.Fatalf("incomplete setup: %+v", setup)
	}

	record, ok := env.challenges.challenges[setup.ChallengeID]
	if !ok {
		t.Fatal("expected stored challenge")
	}
	if record.Purpose != "totp_setup" || record.UserID != "user-1" {
		t.Fatalf("unexpected challenge: %+v", record)
	}
	if _, ok := env.totps.credentials["user-1"]; ok {
		t.Fatal("expected no credential before enable")
	}
}

func TestBeginSetupAlreadyEnabled(t *testing.T) {
	env := newServiceEnv(t)
	env.users.users["user-1"] = user.User{ID: "user-1", Username: "alpha"}
	env.totps.credentials["user-1"] = storage.TotpCredential{UserID: "user-1", Secret: "s", Enabled: true}

	_, err := env.service.BeginSetup(context.Background(), "user-1")
	if !errors.Is(err, ErrAlreadyEnabled) {
		t.Fatalf("expected already enabled, got %v", err)
	}
}

func TestEnableActivatesCredential(t *testing.T) {
	env := newServiceEnv(t)
	env.users.users["user-1"] = user.User{ID: "user-1", Username: "alpha"}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	env.service.clock = func() time.Time { return now }

	setup, err := env.service.BeginSetup(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("begin setup: %v", err)
	}

	enabled, err := env.service.Enable(context.Background(), "user-1", setup.ChallengeID, serviceCode(t, setup.Secret, now))
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if len(enabled.RecoveryCodes) != RecoveryCodeCount {
		t.Fatalf("expected %d recovery codes, got %d", RecoveryCodeCount, len(enabled.RecoveryCodes))
	}

	credential := env.totps.credentials["user-1"]
	if !credential.Enabled || credential.Secret != setup.Secret || credential.LastStep != Step(now) {
		t.Fatalf("unexpected credential: %+v", credential)
	}
	stored, err := env.recovery.ListRecoveryCodes(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list recovery codes: %v", err)
	}
	if len(stored) != RecoveryCodeCount {
		t.Fatalf("expected %d stored hashes, got %d", RecoveryCodeCount, len(stored))
	}
	for _, record := range stored {
		if record.CodeHash == "" || record.ConsumedAt != nil {
			t.Fatalf("unexpected stored code: %+v", record)
		}
	}
}

func TestEnableWrongCodeBurnsChallenge(t *testing.T) {
	env := newServiceEnv(t)
	env.users.users["user-1"] = user.User{ID: "user-1", Username: "alpha"}

	setup, err := env.service.BeginSetup(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("begin setup: %v", err)
	}

	_, err = env.service.Enable(context.Background(), "user-1", setup.ChallengeID, "zzzzzz")
	if !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected invalid code, got %v", err)
	}

	// The challenge was consumed before validation; a retry needs a new setup.
	_, err = env.service.Enable(context.Background(), "user-1", setup.ChallengeID, "zzzzzz")
	if !apperrors.HasCode(err, apperrors.CodeChallengeConsumed) {
		t.Fatalf("expected challenge consumed, got %v", err)
	}
}

func TestEnableExpiredSetup(t *testing.T) {
	env := newServiceEnv(t)
	env.users.users["user-1"] = user.User{ID: "user-1", Username: "alpha"}
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	env.service.clock = func() time.Time { return start }

	setup, err := env.service.BeginSetup(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("begin setup: %v", err)
	}

	late := start.Add(time.Hour)
	env.service.clock = func() time.Time { return late }
	_, err = env.service.Enable(context.Background(), "user-1", setup.ChallengeID, serviceCode(t, setup.Secret, late))
	if !errors.Is(err, ErrSetupExpired) {
		t.Fatalf("expected setup expired, got %v", err)
	}
}

func TestDisableWithTotpCode(t *testing.T) {
	env := newServiceEnv(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	env.service.clock = func() time.Time { return now }
	env.totps.credentials["user-1"] = storage.TotpCredential{
		UserID: "user-1", Secret: serviceSecret, Enabled: true, LastStep: 0,
	}
	env.recovery.codes["rc-1"] = storage.RecoveryCode{ID: "rc-1", UserID: "user-1", CodeHash: "h"}

	if err := env.service.Disable(context.Background(), "user-1", serviceCode(t, serviceSecret, now)); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, ok := env.totps.credentials["user-1"]; ok {
		t.Fatal("expected credential deleted")
	}
	if len(env.recovery.codes) != 0 {
		t.Fatal("expected recovery codes deleted")
	}
}

func TestDisableWithRecoveryCode(t *testing.T) {
	env := newServiceEnv(t)
	code := "abcd-efgh-ijkl-mnop"
	env.totps.credentials["user-1"] = storage.TotpCredential{
		UserID: "user-1", Secret: serviceSecret, Enabled: true,
	}
	env.recovery.codes["rc-1"] = storage.RecoveryCode{
		ID: "rc-1", UserID: "user-1", CodeHash: HashRecoveryCode(code),
	}

	if err := env.service.Disable(context.Background(), "user-1", code); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, ok := env.totps.credentials["user-1"]; ok {
		t.Fatal("expected credential deleted")
	}
}

func TestDisableWrongCode(t *testing.T) {
	env := newServiceEnv(t)
	env.totps.credentials["user-1"] = storage.TotpCredential{
		UserID: "user-1", Secret: serviceSecret, Enabled: true,
	}

	err := env.service.Disable(context.Background(), "user-1", "zzzzzz")
	if !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected invalid code, got %v", err)
	}
	if _, ok := env.totps.credentials["user-1"]; !ok {
		t.Fatal("expected credential retained")
	}
}

func TestDisableNotEnabled(t *testing.T) {
	env := newServiceEnv(t)

	err := env.service.Disable(context.Background(), "user-1", "zzzzzz")
	if !errors.Is(err, ErrNotEnabled) {
		t.Fatalf("expected not enabled, got %v", err)
	}
}

func TestGetStatus(t *testing.T) {
	env := newServiceEnv(t)

	status, err := env.service.GetStatus(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.Enabled {
		t.Fatal("expected disabled status")
	}

	env.totps.credentials["user-1"] = storage.TotpCredential{UserID: "user-1", Secret: serviceSecret, Enabled: true}
	env.recovery.codes["rc-1"] = storage.RecoveryCode{ID: "rc-1", UserID: "user-1", CodeHash: "h1"}
	consumed := time.Now()
	env.recovery.codes["rc-2"] = storage.RecoveryCode{ID: "rc-2", UserID: "user-1", CodeHash: "h2", ConsumedAt: &consumed}

	status, err = env.service.GetStatus(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if !status.Enabled || status.RecoveryCodesRemaining != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

const serviceSecret = "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"

func serviceCode(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := pqtotp.GenerateCodeCustom(secret, at, pqtotp.ValidateOpts{
		Period:    Period,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	return code
}

type serviceEnv struct {
	service    *Service
	users      *fakeUserStore
	totps      *fakeTotpStore
	recovery   *fakeRecoveryCodeStore
	challenges *fakeChallengeStore
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()
	env := &serviceEnv{
		users:      &fakeUserStore{users: make(map[string]user.User)},
		totps:      &fakeTotpStore{credentials: make(map[string]storage.TotpCredential)},
		recovery:   &fakeRecoveryCodeStore{codes: make(map[string]storage.RecoveryCode)},
		challenges: &fakeChallengeStore{challenges: make(map[string]storage.Challenge)},
	}
	service, err := NewService(Stores{
		Users:         env.users,
		Totps:         env.totps,
		RecoveryCodes: env.recovery,
		Challenges:    env.challenges,
	})
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

type fakeUserStore struct {
	users map[string]user.User
}

func (f *fakeUserStore) PutUser(_ context.Context, u user.User) error {
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
	delete(f.users, userID)
	return nil
}

type fakeTotpStore struct {
	credentials map[string]storage.TotpCredential
}

func (f *fakeTotpStore) PutTotpCredential(_ context.Context, credential storage.TotpCredential) error {
	f.credentials[credential.UserID] = credential
	return nil
}

func (f *fakeTotpStore) GetTotpCredential(_ context.Context, userID string) (storage.TotpCredential, error) {
	credential, ok := f.credentials[userID]
	if !ok {
		return storage.TotpCredential{}, storage.ErrNotFound
	}
	return credential, nil
}

func (f *fakeTotpStore) DeleteTotpCredential(_ context.Context, userID string) error {
	delete(f.credentials, userID)
	return nil
}

func (f *fakeTotpStore) AdvanceTotpStep(_ context.Context, userID string, from, to int64) error {
	credential, ok := f.credentials[userID]
	if !ok {
		return storage.ErrNotFound
	}
	if credential.LastStep != from {
		return storage.ErrStaleStep
	}
	credential.LastStep = to
	f.credentials[userID] = credential
	return nil
}

type fakeRecoveryCodeStore struct {
	codes map[string]storage.RecoveryCode
}

func (f *fakeRecoveryCodeStore) ReplaceRecoveryCodes(_ context.Context, userID string, codes []storage.RecoveryCode) error {
	for id, code := range f.codes {
		if code.UserID == userID {
			delete(f.codes, id)
		}
	}
	for _, code := range codes {
		f.codes[code.ID] = code
	}
	return nil
}

func (f *fakeRecoveryCodeStore) ListRecoveryCodes(_ context.Context, userID string) ([]storage.RecoveryCode, error) {
	out := make([]storage.RecoveryCode, 0)
	for _, code := range f.codes {
		if code.UserID == userID {
			out = append(out, code)
		}
	}
	return out, nil
}

func (f *fakeRecoveryCodeStore) ConsumeRecoveryCode(_ context.Context, id string, now time.Time) error {
	code, ok := f.codes[id]
	if !ok || code.ConsumedAt != nil {
		return storage.ErrNotFound
	}
	code.ConsumedAt = &now
	f.codes[id] = code
	return nil
}

func (f *fakeRecoveryCodeStore) DeleteRecoveryCodes(_ context.Context, userID string) error {
	for id, code := range f.codes {
		if code.UserID == userID {
			delete(f.codes, id)
		}
	}
	return nil
}

func (f *fakeRecoveryCodeStore) CountUnconsumedRecoveryCodes(_ context.Context, userID string) (int, error) {
	count := 0
	for _, code := range f.codes {
		if code.UserID == userID && code.ConsumedAt == nil {
			count++
		}
	}
	return count, nil
}

type fakeChallengeStore struct {
	challenges map[string]storage.Challenge
}

func (f *fakeChallengeStore) PutChallenge(_ context.Context, c storage.Challenge) error {
	f.challenges[c.ID] = c
	return nil
}

func (f *fakeChallengeStore) GetChallenge(_ context.Context, id string) (storage.Challenge, error) {
	c, ok := f.challenges[id]
	if !ok {
		return storage.Challenge{}, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeChallengeStore) ConsumeChallenge(_ context.Context, id string, now time.Time) (storage.Challenge, error) {
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

func (f *fakeChallengeStore) DeleteExpiredChallenges(_ context.Context, now time.Time) error {
	for id, c := range f.challenges {
		if !c.ExpiresAt.After(now) {
			delete(f.challenges, id)
		}
	}
	return nil
}
