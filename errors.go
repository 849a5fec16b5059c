package identity

import (
	"errors"
	"sort"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	goerrors "github.com/goliatone/go-errors"
)

// ErrNoEmptyString is returned when hashing an empty password
var ErrNoEmptyString = goerrors.New("password must not be empty", goerrors.CategoryBadInput)

// ErrMismatchedHashAndPassword is the internal credential mismatch error
var ErrMismatchedHashAndPassword = goerrors.New("credentials do not match", goerrors.CategoryAuth).
	WithTextCode("CREDENTIALS_MISMATCH")

// ErrAuthenticationFailed is the single outcome for unknown handle, wrong
// password, disabled account, or login cooldown. Callers must not be able
// to tell these apart.
var ErrAuthenticationFailed = goerrors.New("authentication failed", goerrors.CategoryAuth).
	WithTextCode("AUTHENTICATION_FAILED")

// ErrAccountPending is returned by the token authenticator when a pending
// account tries to log in and the host disallows it.
var ErrAccountPending = goerrors.New("account is pending activation", goerrors.CategoryAuth).
	WithTextCode("ACCOUNT_PENDING")

// ErrInvalidCode covers activation codes that are unknown, spent, or
// expired, without telling which.
var ErrInvalidCode = goerrors.New("invalid activation code", goerrors.CategoryNotFound).
	WithTextCode("INVALID_ACTIVATION_CODE")

// ErrInvalidToken covers reset tokens that are unknown, spent, or expired,
// without telling which.
var ErrInvalidToken = goerrors.New("invalid or expired password reset token", goerrors.CategoryNotFound).
	WithTextCode("INVALID_RESET_TOKEN")

// ErrTokenExpired is returned when a session token is past its expiry
var ErrTokenExpired = goerrors.New("session token expired", goerrors.CategoryAuth).
	WithTextCode("TOKEN_EXPIRED")

// ErrTokenMalformed is returned when a session token fails to parse or verify
var ErrTokenMalformed = goerrors.New("session token is malformed", goerrors.CategoryAuth).
	WithTextCode("TOKEN_MALFORMED")

// ErrUnableToDecodeSession is returned when token claims cannot be decoded
var ErrUnableToDecodeSession = goerrors.New("unable to decode session claims", goerrors.CategoryAuth).
	WithTextCode("SESSION_DECODE_FAILED")

// statusAuthError maps a user status to an authentication outcome. A
// disabled account fails exactly like a wrong password.
func statusAuthError(status UserStatus) error {
	if status == UserStatusDisabled {
		return ErrAuthenticationFailed
	}
	return nil
}

// FieldErrors maps a field name to the reason it failed validation. A
// request can fail on several fields at once; validation never stops at
// the first error within a schema.
type FieldErrors map[string]string

// Error implements the error interface so validation failures can travel
// through error returns without losing the per-field breakdown.
func (e FieldErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}

	fields := make([]string, 0, len(e))
	for field := range e {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	return "validation failed: " + strings.Join(fields, ", ")
}

// AsFieldErrors extracts the field error map from an error chain.
func AsFieldErrors(err error) (FieldErrors, bool) {
	var fe FieldErrors
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// FormatValidationErrorToMap flattens an ozzo validation error into a
// field error map.
func FormatValidationErrorToMap(err error) FieldErrors {
	if err == nil {
		return nil
	}

	var ve validation.Errors
	if errors.As(err, &ve) {
		out := FieldErrors{}
		for field, ferr := range ve {
			out[field] = ferr.Error()
		}
		return out
	}

	return FieldErrors{"form": err.Error()}
}

// IsUniqueViolation reports whether err is a storage-level uniqueness
// conflict. The pre-check in the validation layer is only advisory; under
// concurrent writes the unique index is authoritative and surfaces here.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint") ||
		strings.Contains(msg, "Duplicate entry")
}

// uniqueViolationField guesses which handle column a uniqueness conflict
// came from so the race surfaces as the same field error the synchronous
// pre-check would have produced.
func uniqueViolationField(err error) string {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "username") {
		return "username"
	}
	if strings.Contains(msg, "email") {
		return "email"
	}
	return "handle"
}

// conflictToFieldErrors translates a commit-time uniqueness conflict into
// the equivalent validation failure.
func conflictToFieldErrors(err error) FieldErrors {
	return FieldErrors{uniqueViolationField(err): msgAlreadyRegistered}
}

// Messages reported by the validation layer. Hosts that need localization
// can match on these.
const (
	msgAlreadyRegistered = "already registered"
	msgNoSuchAccount     = "no account registered under that email"
	msgPasswordMismatch  = "passwords must match"
	msgInvalidCSRF       = "invalid CSRF token"
	msgInvalidPhone      = "invalid phone number"
)
