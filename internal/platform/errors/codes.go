package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// User errors
	CodeUserEmptyUsername   Code = "USER_EMPTY_USERNAME"
	CodeUserInvalidUsername Code = "USER_INVALID_USERNAME"
	CodeUserInvalidEmail    Code = "USER_INVALID_EMAIL"
	CodeUserUsernameTaken   Code = "USER_USERNAME_TAKEN"

	// Credential errors
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
	CodePasswordTooShort   Code = "PASSWORD_TOO_SHORT"
	CodeInvariantViolation Code = "INVARIANT_VIOLATION"

	// Challenge errors
	CodeChallengeExpired  Code = "CHALLENGE_EXPIRED"
	CodeChallengeConsumed Code = "CHALLENGE_CONSUMED"

	// Ceremony errors
	CodeCeremonyVerificationFailed Code = "CEREMONY_VERIFICATION_FAILED"
	CodeCounterReplay              Code = "COUNTER_REPLAY"
	CodeNoSuchCredential           Code = "NO_SUCH_CREDENTIAL"

	// Second-factor errors
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeTotpNotEnabled     Code = "TOTP_NOT_ENABLED"
	CodeTotpAlreadyEnabled Code = "TOTP_ALREADY_ENABLED"

	// Linked-account errors
	CodeAlreadyLinkedElsewhere Code = "ALREADY_LINKED_ELSEWHERE"
	CodeLinkNotFound           Code = "LINK_NOT_FOUND"

	// Session errors
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	// Bad request - validation failures, bad input
	case CodeUserEmptyUsername,
		CodeUserInvalidUsername,
		CodeUserInvalidEmail,
		CodePasswordTooShort,
		CodeChallengeExpired,
		CodeTotpNotEnabled,
		CodeTotpAlreadyEnabled:
		return http.StatusBadRequest

	// Unauthorized - failed authentication, collapsed ceremony failures
	case CodeInvalidCredentials,
		CodeCeremonyVerificationFailed,
		CodeCounterReplay,
		CodeNoSuchCredential:
		return http.StatusUnauthorized

	// Conflict - state disagreements the caller can act on
	case CodeChallengeConsumed,
		CodeInvariantViolation,
		CodeAlreadyLinkedElsewhere,
		CodeUserUsernameTaken:
		return http.StatusConflict

	case CodeRateLimited:
		return http.StatusTooManyRequests

	case CodeNotFound,
		CodeSessionNotFound,
		CodeLinkNotFound:
		return http.StatusNotFound

	default:
		return http.StatusInternalServerError
	}
}
