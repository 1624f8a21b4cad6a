package totp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/latchkey/internal/platform/config"

	apperrors "github.com/louisbranch/latchkey/internal/platform/errors"
	"github.com/louisbranch/latchkey/internal/platform/id"
	"github.com/louisbranch/latchkey/internal/services/identity/challenge"
	"github.com/louisbranch/latchkey/internal/services/identity/storage"
)

// ErrAlreadyEnabled indicates a setup attempt while TOTP is already active.
var ErrAlreadyEnabled = apperrors.New(apperrors.CodeTotpAlreadyEnabled, "totp is already enabled")

// ErrNotEnabled indicates an operation that needs an active TOTP credential.
var ErrNotEnabled = apperrors.New(apperrors.CodeTotpNotEnabled, "totp is not enabled")

// ErrInvalidCode indicates a code that matched neither the secret nor an
// unconsumed recovery code.
var ErrInvalidCode = apperrors.New(apperrors.CodeInvalidCredentials, "invalid credentials")

// ErrSetupExpired indicates an enable attempt after the setup window closed.
var ErrSetupExpired = apperrors.New(apperrors.CodeChallengeExpired, "totp setup expired")

// Config controls TOTP provisioning.
type Config struct {
	Issuer string `env:"LATCHKEY_TOTP_ISSUER" envDefault:"Latchkey"`
}

// LoadConfigFromEnv returns TOTP configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{Issuer: "Latchkey"}
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "Latchkey"
	}
	return cfg
}

// Stores bundles the persistence surfaces the service needs.
type Stores struct {
	Users         storage.UserStore
	Totps         storage.TotpStore
	RecoveryCodes storage.RecoveryCodeStore
	Challenges    storage.ChallengeStore
}

// Service runs the TOTP enrollment lifecycle.
//
// A secret is never active on generation: it waits in a setup challenge until
// the user proves possession with a live code, and only then is it persisted
// as an enabled credential alongside a fresh recovery-code set.
type Service struct {
	stores          Stores
	config          Config
	challengeConfig challenge.Config
	clock           func() time.Time
	idGenerator     func() (string, error)
}

// NewService returns a TOTP service with environment configuration.
func NewService(stores Stores) (*Service, error) {
	if stores.Users == nil || stores.Totps == nil || stores.RecoveryCodes == nil || stores.Challenges == nil {
		return nil, fmt.Errorf("totp stores are required")
	}
	return &Service{
		stores:          stores,
		config:          LoadConfigFromEnv(),
		challengeConfig: challenge.LoadConfigFromEnv(),
		clock:           time.Now,
		idGenerator:     id.NewID,
	}, nil
}

// Setup holds the one-time provisioning material for a pending secret.
type Setup struct {
	ChallengeID     string
	Secret          string
	ProvisioningURI string
}

// Enabled is the result of confirming a pending secret.
type Enabled struct {
	RecoveryCodes []string
}

// Status describes the user's TOTP state.
type Status struct {
	Enabled                bool
	RecoveryCodesRemaining int
}

type setupPayload struct {
	Secret string `json:"secret"`
}

// BeginSetup generates a pending secret for the user.
//
// The plaintext secret and provisioning URI are returned exactly once here;
// only the setup challenge holds them until Enable confirms possession.
func (s *Service) BeginSetup(ctx context.Context, userID string) (Setup, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Setup{}, fmt.Errorf("user id is required")
	}
	baseUser, err := s.stores.Users.GetUser(ctx, userID)
	if err != nil {
		return Setup{}, fmt.Errorf("load user: %w", err)
	}
	if enabled, err := s.enabled(ctx, userID); err != nil {
		return Setup{}, err
	} else if enabled {
		return Setup{}, ErrAlreadyEnabled
	}

	key, err := GenerateKey(s.config.Issuer, baseUser.Username)
	if err != nil {
		return Setup{}, err
	}
	payload, err := json.Marshal(setupPayload{Secret: key.Secret})
	if err != nil {
		return Setup{}, fmt.Errorf("encode setup payload: %w", err)
	}

	challengeID, err := s.newID()
	if err != nil {
		return Setup{}, fmt.Errorf("create challenge id: %w", err)
	}
	now := s.now()
	err = s.stores.Challenges.PutChallenge(ctx, storage.Challenge{
		ID:          challengeID,
		Purpose:     string(challenge.PurposeTotpSetup),
		UserID:      userID,
		PayloadJSON: string(payload),
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.challengeConfig.SetupTTL),
	})
	if err != nil {
		return Setup{}, fmt.Errorf("store setup challenge: %w", err)
	}
	return Setup{ChallengeID: challengeID, Secret: key.Secret, ProvisioningURI: key.ProvisioningURI}, nil
}

// Enable confirms the pending secret with a live code and activates TOTP.
//
// Activation always mints a fresh recovery-code set; any previous set is
// discarded. The plaintext codes are returned once and never stored.
func (s *Service) Enable(ctx context.Context, userID, challengeID, code string) (Enabled, error) {
	userID = strings.TrimSpace(userID)
	challengeID = strings.TrimSpace(challengeID)
	if userID == "" || challengeID == "" {
		return Enabled{}, fmt.Errorf("user id and challenge id are required")
	}
	if enabled, err := s.enabled(ctx, userID); err != nil {
		return Enabled{}, err
	} else if enabled {
		return Enabled{}, ErrAlreadyEnabled
	}

	record, err := s.stores.Challenges.ConsumeChallenge(ctx, challengeID, s.now())
	if err != nil {
		return Enabled{}, err
	}
	if record.Purpose != string(challenge.PurposeTotpSetup) || record.UserID != userID {
		return Enabled{}, ErrInvalidCode
	}
	if !s.now().Before(record.ExpiresAt) {
		return Enabled{}, ErrSetupExpired
	}

	var payload setupPayload
	if err := json.Unmarshal([]byte(record.PayloadJSON), &payload); err != nil {
		return Enabled{}, fmt.Errorf("decode setup payload: %w", err)
	}
	now := s.now()
	step, ok := MatchCode(payload.Secret, code, now)
	if !ok {
		return Enabled{}, ErrInvalidCode
	}

	err = s.stores.Totps.PutTotpCredential(ctx, storage.TotpCredential{
		UserID:    userID,
		Secret:    payload.Secret,
		Enabled:   true,
		LastStep:  step,
		CreatedAt: now,
		EnabledAt: &now,
	})
	if err != nil {
		return Enabled{}, fmt.Errorf("store totp credential: %w", err)
	}

	plain, hashes, err := GenerateRecoveryCodes(RecoveryCodeCount)
	if err != nil {
		return Enabled{}, err
	}
	codes := make([]storage.RecoveryCode, 0, len(hashes))
	for _, hash := range hashes {
		codeID, err := s.newID()
		if err != nil {
			return Enabled{}, fmt.Errorf("create recovery code id: %w", err)
		}
		codes = append(codes, storage.RecoveryCode{
			ID:        codeID,
			UserID:    userID,
			CodeHash:  hash,
			CreatedAt: now,
		})
	}
	if err := s.stores.RecoveryCodes.ReplaceRecoveryCodes(ctx, userID, codes); err != nil {
		return Enabled{}, fmt.Errorf("store recovery codes: %w", err)
	}
	return Enabled{RecoveryCodes: plain}, nil
}

// Disable turns TOTP off after one last proof of possession.
//
// The code may be a live TOTP code or an unconsumed recovery code; either way
// the secret and the whole recovery set are deleted together.
func (s *Service) Disable(ctx context.Context, userID, code string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	credential, err := s.stores.Totps.GetTotpCredential(ctx, userID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return ErrNotEnabled
		}
		return fmt.Errorf("load totp credential: %w", err)
	}
	if !credential.Enabled {
		return ErrNotEnabled
	}

	if err := s.proveCode(ctx, credential, code); err != nil {
		return err
	}
	if err := s.stores.RecoveryCodes.DeleteRecoveryCodes(ctx, userID); err != nil {
		return fmt.Errorf("delete recovery codes: %w", err)
	}
	if err := s.stores.Totps.DeleteTotpCredential(ctx, userID); err != nil {
		return fmt.Errorf("delete totp credential: %w", err)
	}
	return nil
}

// GetStatus reports whether TOTP is enabled and how many recovery codes remain.
func (s *Service) GetStatus(ctx context.Context, userID string) (Status, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Status{}, fmt.Errorf("user id is required")
	}
	enabled, err := s.enabled(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	if !enabled {
		return Status{Enabled: false}, nil
	}
	remaining, err := s.stores.RecoveryCodes.CountUnconsumedRecoveryCodes(ctx, userID)
	if err != nil {
		return Status{}, fmt.Errorf("count recovery codes: %w", err)
	}
	return Status{Enabled: true, RecoveryCodesRemaining: remaining}, nil
}

// proveCode accepts a live TOTP code (advancing the step guard) or consumes a
// recovery code.
func (s *Service) proveCode(ctx context.Context, credential storage.TotpCredential, code string) error {
	if step, ok := MatchCode(credential.Secret, code, s.now()); ok {
		if step <= credential.LastStep {
			return ErrInvalidCode
		}
		if err := s.stores.Totps.AdvanceTotpStep(ctx, credential.UserID, credential.LastStep, step); err != nil {
			if apperrors.HasCode(err, apperrors.CodeCounterReplay) {
				return ErrInvalidCode
			}
			return fmt.Errorf("advance totp step: %w", err)
		}
		return nil
	}

	hash := HashRecoveryCode(code)
	codes, err := s.stores.RecoveryCodes.ListRecoveryCodes(ctx, credential.UserID)
	if err != nil {
		return fmt.Errorf("list recovery codes: %w", err)
	}
	for _, record := range codes {
		if record.ConsumedAt != nil || record.CodeHash != hash {
			continue
		}
		if err := s.stores.RecoveryCodes.ConsumeRecoveryCode(ctx, record.ID, s.now()); err != nil {
			if apperrors.HasCode(err, apperrors.CodeNotFound) {
				return ErrInvalidCode
			}
			return fmt.Errorf("consume recovery code: %w", err)
		}
		return nil
	}
	return ErrInvalidCode
}

func (s *Service) enabled(ctx context.Context, userID string) (bool, error) {
	credential, err := s.stores.Totps.GetTotpCredential(ctx, userID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load totp credential: %w", err)
	}
	return credential.Enabled, nil
}

func (s *Service) now() time.Time {
	if s.clock != nil {
		return s.clock().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) newID() (string, error) {
	if s.idGenerator != nil {
		return s.idGenerator()
	}
	return id.NewID()
}
