// Package user provides identity user records.
package user

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/louisbranch/latchkey/internal/platform/errors"
	"github.com/louisbranch/latchkey/internal/platform/id"
)

var (
	// ErrEmptyUsername indicates a missing username.
	ErrEmptyUsername = apperrors.New(apperrors.CodeUserEmptyUsername, "username is required")
	// ErrInvalidUsername indicates a username that does not match the required format.
	ErrInvalidUsername = apperrors.New(apperrors.CodeUserInvalidUsername, "username must be 3-32 lowercase alphanumeric, dot, dash, or underscore characters")
	// ErrInvalidEmail indicates an email that does not look like an address.
	ErrInvalidEmail = apperrors.New(apperrors.CodeUserInvalidEmail, "email must contain a local part and a domain")

	usernamePattern = regexp.MustCompile(`^[a-z0-9_.\-]{3,32}$`)
	emailPattern    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// Role describes the access level of a user.
type Role string

const (
	// RoleUser is the default role for signed-up accounts.
	RoleUser Role = "user"
	// RoleAdmin marks operator accounts.
	RoleAdmin Role = "admin"
)

// IsValid reports whether the role is a supported value.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAdmin
}

// User represents a stable identity record that owns credentials and sessions.
type User struct {
	ID              string
	Username        string
	Email           string
	EmailVerifiedAt *time.Time
	Role            Role
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EmailVerified reports whether the user's email has been verified.
func (u User) EmailVerified() bool {
	return u.EmailVerifiedAt != nil
}

// CreateUserInput describes the metadata needed to create a user.
type CreateUserInput struct {
	Username string
	Email    string
	Role     Role
}

// ValidateUsername enforces the canonical username constraints used across
// login, session listing, and linking.
func ValidateUsername(s string) error {
	if !usernamePattern.MatchString(s) {
		return ErrInvalidUsername
	}
	return nil
}

// ValidateEmail enforces a minimal shape check; deliverability is not verified here.
func ValidateEmail(s string) error {
	if !emailPattern.MatchString(s) {
		return ErrInvalidEmail
	}
	return nil
}

// CreateUser creates a durable user identity from validated input.
//
// This is the single point where untrusted signup data becomes a stable
// identity referenced by credentials and sessions.
func CreateUser(input CreateUserInput, now func() time.Time, idGenerator func() (string, error)) (User, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreateUserInput(input)
	if err != nil {
		return User{}, err
	}

	userID, err := idGenerator()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	createdAt := now().UTC()
	return User{
		ID:        userID,
		Username:  normalized.Username,
		Email:     normalized.Email,
		Role:      normalized.Role,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}, nil
}

// NormalizeCreateUserInput trims and normalizes input before validation.
func NormalizeCreateUserInput(input CreateUserInput) (CreateUserInput, error) {
	input.Username = strings.ToLower(strings.TrimSpace(input.Username))
	if input.Username == "" {
		return CreateUserInput{}, ErrEmptyUsername
	}
	if err := ValidateUsername(input.Username); err != nil {
		return CreateUserInput{}, err
	}
	input.Email = strings.ToLower(strings.TrimSpace(input.Email))
	if input.Email != "" {
		if err := ValidateEmail(input.Email); err != nil {
			return CreateUserInput{}, err
		}
	}
	if input.Role == "" {
		input.Role = RoleUser
	}
	if !input.Role.IsValid() {
		input.Role = RoleUser
	}
	return input, nil
}
