package identity

import (
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// HandleStrategy selects which field a user types to identify themselves
// at login, and with it which validation schema variants are active.
type HandleStrategy string

const (
	// HandleUsername logs users in by username; email is still collected.
	HandleUsername HandleStrategy = "username"
	// HandleEmail logs users in by email; no username is collected.
	HandleEmail HandleStrategy = "email"
	// HandleUsernameEmail logs users in by username and also accepts the
	// email as an identifier.
	HandleUsernameEmail HandleStrategy = "username+email"
)

// CollectsUsername reports whether the strategy stores a username handle.
func (h HandleStrategy) CollectsUsername() bool {
	return h == HandleUsername || h == HandleUsernameEmail
}

// Valid reports whether the strategy is a known configuration value.
func (h HandleStrategy) Valid() bool {
	switch h {
	case HandleUsername, HandleEmail, HandleUsernameEmail:
		return true
	default:
		return false
	}
}

// Config binds the module's behavior at startup. It replaces runtime
// registry lookups: resolve it once, pass it explicitly.
type Config struct {
	// Handle is the active handle strategy.
	Handle HandleStrategy
	// MinPasswordLength is enforced by the validation layer. Default 4.
	MinPasswordLength int
	// ActivationRequired creates accounts as pending with an activation
	// code instead of active.
	ActivationRequired bool
	// AllowPendingLogin lets pending accounts obtain session tokens.
	AllowPendingLogin bool
	// ActivationTTL bounds activation code validity. Zero means no expiry.
	ActivationTTL time.Duration
	// ResetTTL bounds reset token validity. Default 24h.
	ResetTTL time.Duration
	// MaxLoginAttempts before the cooldown window refuses logins. Default 5.
	MaxLoginAttempts int
	// LoginCooldown is the attempt-counting window. Default 24h.
	LoginCooldown time.Duration
	// DefaultRole assigned to registered users. Default guest.
	DefaultRole UserRole
	// DefaultRegion for phone number parsing. Default US.
	DefaultRegion string
	// Debug enables payload dumps through the configured logger.
	Debug bool
}

// Normalize applies defaults in place.
func (c *Config) Normalize() {
	if c.Handle == "" {
		c.Handle = HandleUsername
	}
	// accepted alias, same schema set
	if c.Handle == "email+username" {
		c.Handle = HandleUsernameEmail
	}
	if c.MinPasswordLength <= 0 {
		c.MinPasswordLength = 4
	}
	if c.ResetTTL <= 0 {
		c.ResetTTL = 24 * time.Hour
	}
	if c.MaxLoginAttempts <= 0 {
		c.MaxLoginAttempts = 5
	}
	if c.LoginCooldown <= 0 {
		c.LoginCooldown = 24 * time.Hour
	}
	if c.DefaultRole == "" {
		c.DefaultRole = RoleGuest
	}
	if c.DefaultRegion == "" {
		c.DefaultRegion = "US"
	}
}

// Validate reports configuration errors. These are fatal at startup and
// never recovered at request time.
func (c Config) Validate() error {
	if !c.Handle.Valid() {
		return goerrors.New("invalid handle strategy", goerrors.CategoryValidation).
			WithTextCode("INVALID_HANDLE_STRATEGY").
			WithMetadata(map[string]any{"handle": string(c.Handle)})
	}
	return nil
}
