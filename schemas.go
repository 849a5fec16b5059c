package identity

import (
	"context"
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/nyaruka/phonenumbers"
)

const maxPasswordLength = 100

// FieldCSRFToken is the field key used for CSRF verification failures.
const FieldCSRFToken = "_token"

// UniquenessStore is the live query surface the validation layer needs
// from the identity store. Username matching is exact and case sensitive,
// email matching is case insensitive.
type UniquenessStore interface {
	UsernameExists(ctx context.Context, username string) (bool, error)
	EmailExists(ctx context.Context, email string) (bool, error)
}

// SchemaSet is the validation engine: one validation unit per lifecycle
// operation, with rules selected by the active handle strategy at
// construction time. Each unit validates and normalizes a request in
// place and reports field-level errors; all fields are checked before
// returning. The error return is reserved for store failures, which
// propagate unmodified.
type SchemaSet struct {
	cfg   Config
	store UniquenessStore
	csrf  CSRFVerifier
}

// SchemaOption customizes SchemaSet construction.
type SchemaOption func(*SchemaSet)

// WithCSRFVerifier merges an opaque CSRF check into every validation unit.
func WithCSRFVerifier(v CSRFVerifier) SchemaOption {
	return func(s *SchemaSet) {
		s.csrf = v
	}
}

// NewSchemaSet resolves the validation schema variants for the configured
// strategy. Invalid configuration fails here, at startup.
func NewSchemaSet(cfg Config, store UniquenessStore, opts ...SchemaOption) (*SchemaSet, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if store == nil {
		return nil, goerrors.New("identity store is required", goerrors.CategoryValidation).
			WithTextCode("MISSING_IDENTITY_STORE")
	}

	s := &SchemaSet{cfg: cfg, store: store}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s, nil
}

// Config returns the configuration the schema set was bound to.
func (s *SchemaSet) Config() Config {
	return s.cfg
}

// LoginRequest is the login payload. Handle is free text; existence is an
// authentication-time concern, never checked here.
type LoginRequest struct {
	CSRFToken string `form:"_token" json:"_token"`
	Handle    string `form:"handle" json:"handle"`
	Password  string `form:"password" json:"password"`
}

// ValidateLogin checks format only: a non-empty handle (a syntactically
// valid email under the email strategy) and a password of minimum length.
func (s *SchemaSet) ValidateLogin(ctx context.Context, req *LoginRequest) (FieldErrors, error) {
	req.Handle = strings.TrimSpace(req.Handle)

	handleRules := []validation.Rule{validation.Required}
	if s.cfg.Handle == HandleEmail {
		handleRules = append(handleRules, is.Email)
	}

	err := validation.ValidateStruct(req,
		validation.Field(&req.Handle, handleRules...),
		validation.Field(&req.Password,
			validation.Required,
			validation.Length(s.cfg.MinPasswordLength, maxPasswordLength),
		),
	)

	return s.finish(ctx, req.CSRFToken, FormatValidationErrorToMap(err), nil)
}

// RegisterRequest is the registration payload.
type RegisterRequest struct {
	CSRFToken       string `form:"_token" json:"_token"`
	Username        string `form:"username" json:"username"`
	Email           string `form:"email" json:"email"`
	Password        string `form:"password" json:"password"`
	PasswordConfirm string `form:"password_confirm" json:"password_confirm"`
	// UseHashid derives the new user's ID deterministically from the email.
	UseHashid bool `form:"-" json:"-"`
}

// ValidateRegister checks the handle fields for syntax and uniqueness and
// the double-entry password pair. Uniqueness here is a user-facing
// pre-check; the storage unique index remains authoritative under
// concurrent registrations.
func (s *SchemaSet) ValidateRegister(ctx context.Context, req *RegisterRequest) (FieldErrors, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)

	var infra error
	rules := []*validation.FieldRules{}

	if s.cfg.Handle.CollectsUsername() {
		rules = append(rules, validation.Field(&req.Username,
			validation.Required,
			validation.By(s.uniqueUsername(ctx, &infra)),
		))
	}

	rules = append(rules,
		validation.Field(&req.Email,
			validation.Required,
			is.Email,
			validation.By(s.uniqueEmail(ctx, &infra)),
		),
		validation.Field(&req.Password,
			validation.Required,
			validation.Length(s.cfg.MinPasswordLength, maxPasswordLength),
		),
		validation.Field(&req.PasswordConfirm,
			validation.Required,
			validation.By(ValidateStringEquals(req.Password)),
		),
	)

	err := validation.ValidateStruct(req, rules...)

	return s.finish(ctx, req.CSRFToken, FormatValidationErrorToMap(err), infra)
}

// ForgotPasswordRequest asks for a reset token by account email.
type ForgotPasswordRequest struct {
	CSRFToken string `form:"_token" json:"_token"`
	Email     string `form:"email" json:"email"`
}

// ValidateForgotPassword requires a syntactically valid email that is
// already registered, the inverse of registration's uniqueness check.
func (s *SchemaSet) ValidateForgotPassword(ctx context.Context, req *ForgotPasswordRequest) (FieldErrors, error) {
	req.Email = strings.TrimSpace(req.Email)

	var infra error
	err := validation.ValidateStruct(req,
		validation.Field(&req.Email,
			validation.Required,
			is.Email,
			validation.By(s.emailMustExist(ctx, &infra)),
		),
	)

	return s.finish(ctx, req.CSRFToken, FormatValidationErrorToMap(err), infra)
}

// ResetPasswordRequest carries the new password pair. Handle is
// informational only and never attacker-settable.
type ResetPasswordRequest struct {
	CSRFToken       string `form:"_token" json:"_token"`
	Handle          string `form:"handle" json:"handle"`
	Password        string `form:"password" json:"password"`
	PasswordConfirm string `form:"password_confirm" json:"password_confirm"`
}

// ValidateResetPassword checks the double-entry password pair.
func (s *SchemaSet) ValidateResetPassword(ctx context.Context, req *ResetPasswordRequest) (FieldErrors, error) {
	err := validation.ValidateStruct(req,
		validation.Field(&req.Password,
			validation.Required,
			validation.Length(s.cfg.MinPasswordLength, maxPasswordLength),
		),
		validation.Field(&req.PasswordConfirm,
			validation.Required,
			validation.By(ValidateStringEquals(req.Password)),
		),
	)

	return s.finish(ctx, req.CSRFToken, FormatValidationErrorToMap(err), nil)
}

// ProfileRequest edits a user's own account. The handle field is
// informational; email and password are optional on submit.
type ProfileRequest struct {
	CSRFToken       string `form:"_token" json:"_token"`
	Handle          string `form:"handle" json:"handle"`
	Email           string `form:"email" json:"email"`
	Phone           string `form:"phone_number" json:"phone_number"`
	Password        string `form:"password" json:"password"`
	PasswordConfirm string `form:"password_confirm" json:"password_confirm"`
}

// ValidateProfile checks email syntax when an email is submitted and the
// password pair when a password is submitted. Email uniqueness against
// other records is enforced by the lifecycle service inside the update
// transaction, not here.
func (s *SchemaSet) ValidateProfile(ctx context.Context, req *ProfileRequest) (FieldErrors, error) {
	req.Email = strings.TrimSpace(req.Email)

	err := validation.ValidateStruct(req,
		validation.Field(&req.Email, is.Email),
		validation.Field(&req.Password,
			validation.Length(s.cfg.MinPasswordLength, maxPasswordLength),
		),
		validation.Field(&req.PasswordConfirm,
			validation.By(ValidateStringEquals(req.Password)),
		),
	)

	errs := FormatValidationErrorToMap(err)
	errs = s.normalizePhone(&req.Phone, errs)

	return s.finish(ctx, req.CSRFToken, errs, nil)
}

// AdminUserRequest creates or edits an account on a user's behalf. A
// superset of registration, except the password is optional.
type AdminUserRequest struct {
	CSRFToken       string   `form:"_token" json:"_token"`
	Username        string   `form:"username" json:"username"`
	Email           string   `form:"email" json:"email"`
	Phone           string   `form:"phone_number" json:"phone_number"`
	Role            UserRole `form:"role" json:"role"`
	Password        string   `form:"password" json:"password"`
	PasswordConfirm string   `form:"password_confirm" json:"password_confirm"`
}

// ValidateAdminUser mirrors ValidateRegister but allows creating the
// account without a password.
func (s *SchemaSet) ValidateAdminUser(ctx context.Context, req *AdminUserRequest) (FieldErrors, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)

	var infra error
	rules := []*validation.FieldRules{}

	if s.cfg.Handle.CollectsUsername() {
		rules = append(rules, validation.Field(&req.Username,
			validation.Required,
			validation.By(s.uniqueUsername(ctx, &infra)),
		))
	}

	rules = append(rules,
		validation.Field(&req.Email,
			validation.Required,
			is.Email,
			validation.By(s.uniqueEmail(ctx, &infra)),
		),
		validation.Field(&req.Role,
			validation.In(RoleGuest, RoleMember, RoleAdmin),
		),
		validation.Field(&req.Password,
			validation.Length(s.cfg.MinPasswordLength, maxPasswordLength),
		),
		validation.Field(&req.PasswordConfirm,
			validation.By(ValidateStringEquals(req.Password)),
		),
	)

	err := validation.ValidateStruct(req, rules...)

	errs := FormatValidationErrorToMap(err)
	errs = s.normalizePhone(&req.Phone, errs)

	return s.finish(ctx, req.CSRFToken, errs, infra)
}

// ValidateStringEquals will check that both values match
func ValidateStringEquals(str string) validation.RuleFunc {
	return func(value interface{}) error {
		s, _ := value.(string)
		if s != str {
			return errors.New(msgPasswordMismatch)
		}
		return nil
	}
}

func (s *SchemaSet) uniqueUsername(ctx context.Context, infra *error) validation.RuleFunc {
	return func(value interface{}) error {
		username, _ := value.(string)
		if username == "" || *infra != nil {
			return nil
		}

		exists, err := s.store.UsernameExists(ctx, username)
		if err != nil {
			*infra = err
			return nil
		}
		if exists {
			return errors.New(msgAlreadyRegistered)
		}
		return nil
	}
}

func (s *SchemaSet) uniqueEmail(ctx context.Context, infra *error) validation.RuleFunc {
	return func(value interface{}) error {
		email, _ := value.(string)
		if email == "" || *infra != nil {
			return nil
		}

		exists, err := s.store.EmailExists(ctx, email)
		if err != nil {
			*infra = err
			return nil
		}
		if exists {
			return errors.New(msgAlreadyRegistered)
		}
		return nil
	}
}

func (s *SchemaSet) emailMustExist(ctx context.Context, infra *error) validation.RuleFunc {
	return func(value interface{}) error {
		email, _ := value.(string)
		if email == "" || *infra != nil {
			return nil
		}

		exists, err := s.store.EmailExists(ctx, email)
		if err != nil {
			*infra = err
			return nil
		}
		if !exists {
			return errors.New(msgNoSuchAccount)
		}
		return nil
	}
}

// normalizePhone rewrites the phone in place to E.164 when parseable.
func (s *SchemaSet) normalizePhone(phone *string, errs FieldErrors) FieldErrors {
	raw := strings.TrimSpace(*phone)
	if raw == "" {
		*phone = ""
		return errs
	}

	num, err := phonenumbers.Parse(raw, s.cfg.DefaultRegion)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		if errs == nil {
			errs = FieldErrors{}
		}
		errs["phone_number"] = msgInvalidPhone
		return errs
	}

	*phone = phonenumbers.Format(num, phonenumbers.E164)
	return errs
}

// finish merges the CSRF verdict and settles the (FieldErrors, error)
// contract: infra failures propagate unmodified, empty maps become nil.
func (s *SchemaSet) finish(ctx context.Context, token string, errs FieldErrors, infra error) (FieldErrors, error) {
	if infra != nil {
		return nil, infra
	}

	if s.csrf != nil {
		if err := s.csrf.Verify(ctx, token); err != nil {
			if errs == nil {
				errs = FieldErrors{}
			}
			errs[FieldCSRFToken] = msgInvalidCSRF
		}
	}

	if len(errs) == 0 {
		return nil, nil
	}
	return errs, nil
}
