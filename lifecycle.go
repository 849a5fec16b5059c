package identity

import (
	"context"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const lifecycleOpTimeout = time.Second * 10

// LifecycleService drives the account lifecycle: registration, activation,
// authentication, password recovery, and profile edits. Every mutation
// runs inside a transaction; validation failures come back as FieldErrors
// so a host can render them next to the offending field.
type LifecycleService struct {
	repo     RepositoryManager
	cfg      Config
	schemas  *SchemaSet
	notifier Notifier
	activity ActivitySink
	logger   Logger
	csrf     CSRFVerifier
	now      func() time.Time
}

// LifecycleOption customizes the lifecycle service.
type LifecycleOption func(*LifecycleService)

// WithNotifier sets the out-of-band delivery channel for activation codes
// and reset tokens.
func WithNotifier(n Notifier) LifecycleOption {
	return func(s *LifecycleService) {
		s.notifier = normalizeNotifier(n)
	}
}

// WithActivitySink sets the audit event consumer.
func WithActivitySink(sink ActivitySink) LifecycleOption {
	return func(s *LifecycleService) {
		s.activity = normalizeActivitySink(sink)
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger Logger) LifecycleOption {
	return func(s *LifecycleService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLifecycleCSRFVerifier merges a CSRF check into every validation.
func WithLifecycleCSRFVerifier(v CSRFVerifier) LifecycleOption {
	return func(s *LifecycleService) {
		s.csrf = v
	}
}

// WithClock injects a custom clock, used by expiry checks.
func WithClock(clock func() time.Time) LifecycleOption {
	return func(s *LifecycleService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewLifecycleService wires the lifecycle core over a repository manager.
// Configuration is normalized and validated here; an unknown handle
// strategy fails construction.
func NewLifecycleService(repo RepositoryManager, cfg Config, opts ...LifecycleOption) (*LifecycleService, error) {
	if repo == nil {
		return nil, goerrors.New("repository manager is required", goerrors.CategoryValidation).
			WithTextCode("MISSING_REPOSITORY_MANAGER")
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &LifecycleService{
		repo:     repo,
		cfg:      cfg,
		notifier: noopNotifier{},
		activity: noopActivitySink{},
		logger:   defLogger{},
		now:      time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	schemaOpts := []SchemaOption{}
	if s.csrf != nil {
		schemaOpts = append(schemaOpts, WithCSRFVerifier(s.csrf))
	}

	schemas, err := NewSchemaSet(s.cfg, repo.Users(), schemaOpts...)
	if err != nil {
		return nil, err
	}
	s.schemas = schemas

	return s, nil
}

// Config returns the configuration the service was built with.
func (s *LifecycleService) Config() Config {
	return s.cfg
}

// Schemas exposes the bound validation engine, mainly so hosts can
// validate a payload without committing to the operation.
func (s *LifecycleService) Schemas() *SchemaSet {
	return s.schemas
}

// Register creates an account from a registration payload. When
// activation is required the account starts pending and an activation
// code goes out through the notifier; otherwise it starts active. A
// handle collision detected at commit time surfaces as the same field
// error the synchronous pre-check produces.
func (s *LifecycleService) Register(ctx context.Context, req *RegisterRequest) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, lifecycleOpTimeout)
	defer cancel()

	errs, err := s.schemas.ValidateRegister(ctx, req)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "registration validation failed")
	}
	if errs != nil {
		return nil, errs
	}

	s.debugPayload("register", redactRegister(*req))

	hash, err := HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	user := &User{
		Email:        req.Email,
		PasswordHash: hash,
		Role:         s.cfg.DefaultRole,
		Status:       UserStatusActive,
	}

	if s.cfg.Handle.CollectsUsername() {
		user.Username = req.Username
	}

	if s.cfg.ActivationRequired {
		user.Status = UserStatusPending
	}

	if req.UseHashid {
		id, err := hashid.NewUUID(req.Email)
		if err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "unable to derive user id")
		}
		user.ID = id
	}

	var activation *Activation

	err = s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := s.repo.Users().RegisterTx(ctx, tx, user); err != nil {
			if IsUniqueViolation(err) {
				return conflictToFieldErrors(err)
			}
			return goerrors.Wrap(err, goerrors.CategoryOperation, "unable to create user")
		}

		if s.cfg.ActivationRequired {
			activation, err = s.repo.Activations().IssueTx(ctx, tx, user.ID, s.cfg.ActivationTTL)
			if err != nil {
				return goerrors.Wrap(err, goerrors.CategoryOperation, "unable to issue activation")
			}
		}

		return nil
	})

	if err != nil {
		if fe, ok := AsFieldErrors(err); ok {
			return nil, fe
		}
		return nil, err
	}

	if activation != nil {
		s.deliverActivation(user.Email, activation.Code)
	}

	s.recordActivity(ctx, ActivityEvent{
		EventType: ActivityEventUserRegistered,
		Actor:     ActorRef{ID: user.ID.String(), Type: "user"},
		UserID:    user.ID.String(),
		ToStatus:  user.Status,
	})

	return user, nil
}

// RegisterAdmin creates an account on someone's behalf. The password is
// optional; without one the record gets a random throwaway hash, so the
// account can only be entered through a password reset.
func (s *LifecycleService) RegisterAdmin(ctx context.Context, actor ActorRef, req *AdminUserRequest) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, lifecycleOpTimeout)
	defer cancel()

	errs, err := s.schemas.ValidateAdminUser(ctx, req)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "admin user validation failed")
	}
	if errs != nil {
		return nil, errs
	}

	s.debugPayload("register_admin", redactAdminUser(*req))

	hash := RandomPasswordHash()
	if req.Password != "" {
		hash, err = HashPassword(req.Password)
		if err != nil {
			return nil, err
		}
	}

	user := &User{
		Email:        req.Email,
		Phone:        req.Phone,
		PasswordHash: hash,
		Role:         req.Role,
		Status:       UserStatusActive,
	}

	if s.cfg.Handle.CollectsUsername() {
		user.Username = req.Username
	}

	err = s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := s.repo.Users().RegisterTx(ctx, tx, user); err != nil {
			if IsUniqueViolation(err) {
				return conflictToFieldErrors(err)
			}
			return goerrors.Wrap(err, goerrors.CategoryOperation, "unable to create user")
		}
		return nil
	})

	if err != nil {
		if fe, ok := AsFieldErrors(err); ok {
			return nil, fe
		}
		return nil, err
	}

	s.recordActivity(ctx, ActivityEvent{
		EventType: ActivityEventUserRegistered,
		Actor:     actor,
		UserID:    user.ID.String(),
		ToStatus:  user.Status,
	})

	return user, nil
}

// Activate spends an activation code and moves the account from pending
// to active. Unknown, already spent, and expired codes all report
// ErrInvalidCode; the caller learns nothing else.
func (s *LifecycleService) Activate(ctx context.Context, code string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, lifecycleOpTimeout)
	defer cancel()

	if code == "" {
		return nil, ErrInvalidCode
	}

	var user *User
	var from UserStatus

	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		activation, err := s.repo.Activations().ConsumeTx(ctx, tx, code)
		if err != nil {
			if repository.IsRecordNotFound(err) {
				return ErrInvalidCode
			}
			return goerrors.Wrap(err, goerrors.CategoryOperation, "unable to consume activation")
		}

		if activation.Expired(s.now()) {
			return ErrInvalidCode
		}

		record, err := s.repo.Users().GetRecordTx(ctx, tx, activation.UserID)
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryOperation, "unable to load user for activation")
		}

		record.EnsureStatus()
		from = record.Status

		if record.Status == UserStatusPending {
			record, err = s.repo.Users().UpdateStatusTx(ctx, tx, record.ID, UserStatusActive)
			if err != nil {
				return goerrors.Wrap(err, goerrors.CategoryOperation, "unable to activate user")
			}
		}

		user = record
		return nil
	})

	if err != nil {
		return nil, err
	}

	s.recordActivity(ctx, ActivityEvent{
		EventType:  ActivityEventUserActivated,
		Actor:      ActorRef{ID: user.ID.String(), Type: "user"},
		UserID:     user.ID.String(),
		FromStatus: from,
		ToStatus:   user.Status,
	})

	return user, nil
}

// Authenticate verifies a handle/password pair and returns the matching
// identity. Unknown handle, wrong password, disabled account, and login
// cooldown all fail with the single ErrAuthenticationFailed; timing aside,
// a caller cannot tell which. A pending account that presents the right
// password is returned with its status intact, what to do with it is the
// caller's policy.
func (s *LifecycleService) Authenticate(ctx context.Context, handle, password string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, lifecycleOpTimeout)
	defer cancel()

	user, err := s.repo.Users().GetByHandle(ctx, s.cfg.Handle, handle)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			s.recordLoginFailure(ctx, handle, nil)
			return nil, ErrAuthenticationFailed
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "unable to look up identity")
	}

	user.EnsureStatus()
	if err := statusAuthError(user.Status); err != nil {
		s.recordLoginFailure(ctx, handle, user)
		return nil, err
	}

	if user.LoginAttemptAt != nil && IsOutsideThreshold(*user.LoginAttemptAt, s.cfg.LoginCooldown) {
		user.LoginAttempts = 0
	}

	if user.LoginAttempts >= s.cfg.MaxLoginAttempts {
		s.recordLoginFailure(ctx, handle, user)
		return nil, ErrAuthenticationFailed
	}

	if err := ComparePasswordAndHash(password, user.PasswordHash); err != nil {
		if terr := s.repo.Users().TrackAttemptedLogin(ctx, user); terr != nil {
			s.logger.Error("track attempted login error: %v", terr)
		}
		s.recordLoginFailure(ctx, handle, user)
		return nil, ErrAuthenticationFailed
	}

	if err := s.repo.Users().TrackSuccessfulLogin(ctx, user); err != nil {
		s.logger.Error("track successful login error: %v", err)
	}

	s.recordActivity(ctx, ActivityEvent{
		EventType: ActivityEventLoginSuccess,
		Actor:     ActorRef{ID: user.ID.String(), Type: "user"},
		UserID:    user.ID.String(),
	})

	return user, nil
}

// ForgotPassword issues a single-use reset token for the account behind
// the email and hands it to the notifier. The returned record carries the
// token for hosts that deliver it themselves.
func (s *LifecycleService) ForgotPassword(ctx context.Context, req *ForgotPasswordRequest) (*PasswordReset, error) {
	ctx, cancel := context.WithTimeout(ctx, lifecycleOpTimeout)
	defer cancel()

	errs, err := s.schemas.ValidateForgotPassword(ctx, req)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "forgot password validation failed")
	}
	if errs != nil {
		return nil, errs
	}

	var reset *PasswordReset

	err = s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		user, err := s.repo.Users().GetByEmailTx(ctx, tx, req.Email)
		if err != nil {
			if repository.IsRecordNotFound(err) {
				return FieldErrors{"email": msgNoSuchAccount}
			}
			return goerrors.Wrap(err, goerrors.CategoryOperation, "unable to look up account")
		}

		reset, err = s.repo.PasswordResets().IssueTx(ctx, tx, user)
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryOperation, "unable to issue reset token")
		}

		return nil
	})

	if err != nil {
		if fe, ok := AsFieldErrors(err); ok {
			return nil, fe
		}
		return nil, err
	}

	s.deliverResetToken(reset.Email, reset.Token())

	s.recordActivity(ctx, ActivityEvent{
		EventType: ActivityEventPasswordResetStart,
		UserID:    resetUserID(reset),
	})

	return reset, nil
}

// ResetPassword consumes a reset token and replaces the account password.
// Malformed, unknown, replayed, and expired tokens all report
// ErrInvalidToken.
func (s *LifecycleService) ResetPassword(ctx context.Context, token string, req *ResetPasswordRequest) error {
	ctx, cancel := context.WithTimeout(ctx, lifecycleOpTimeout)
	defer cancel()

	errs, err := s.schemas.ValidateResetPassword(ctx, req)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "reset password validation failed")
	}
	if errs != nil {
		return errs
	}

	tokenID, err := uuid.Parse(token)
	if err != nil {
		return ErrInvalidToken
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		return err
	}

	var reset *PasswordReset

	err = s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		reset, err = s.repo.PasswordResets().ConsumeTx(ctx, tx, tokenID)
		if err != nil {
			if repository.IsRecordNotFound(err) {
				return ErrInvalidToken
			}
			return goerrors.Wrap(err, goerrors.CategoryOperation, "unable to consume reset token")
		}

		if reset.CreatedAt == nil || s.now().After(reset.CreatedAt.Add(s.cfg.ResetTTL)) {
			return ErrInvalidToken
		}

		if reset.UserID == nil {
			return goerrors.New("reset token has no user", goerrors.CategoryInternal)
		}

		if err := s.repo.Users().UpdatePasswordTx(ctx, tx, *reset.UserID, hash); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryOperation, "unable to update password")
		}

		return nil
	})

	if err != nil {
		return err
	}

	s.recordActivity(ctx, ActivityEvent{
		EventType: ActivityEventPasswordReset,
		UserID:    resetUserID(reset),
	})

	return nil
}

// UpdateProfile applies a profile edit to the given account: email, phone,
// and password, each only when submitted. An email change is checked for
// collision against other records inside the transaction, with the unique
// index backstopping the race.
func (s *LifecycleService) UpdateProfile(ctx context.Context, user *User, req *ProfileRequest) (*User, error) {
	if user == nil {
		return nil, goerrors.New("profile update requires a user", goerrors.CategoryBadInput)
	}

	ctx, cancel := context.WithTimeout(ctx, lifecycleOpTimeout)
	defer cancel()

	errs, err := s.schemas.ValidateProfile(ctx, req)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "profile validation failed")
	}
	if errs != nil {
		return nil, errs
	}

	s.debugPayload("profile", redactProfile(*req))

	updated := *user

	err = s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if req.Email != "" && !strings.EqualFold(req.Email, user.Email) {
			exists, err := s.repo.Users().EmailExistsExceptTx(ctx, tx, req.Email, user.ID)
			if err != nil {
				return goerrors.Wrap(err, goerrors.CategoryOperation, "unable to check email")
			}
			if exists {
				return FieldErrors{"email": msgAlreadyRegistered}
			}

			if err := s.repo.Users().UpdateEmailTx(ctx, tx, user.ID, req.Email); err != nil {
				if IsUniqueViolation(err) {
					return FieldErrors{"email": msgAlreadyRegistered}
				}
				return goerrors.Wrap(err, goerrors.CategoryOperation, "unable to update email")
			}
			updated.Email = req.Email
		}

		if req.Phone != "" && req.Phone != user.Phone {
			if err := s.repo.Users().UpdatePhoneTx(ctx, tx, user.ID, req.Phone); err != nil {
				return goerrors.Wrap(err, goerrors.CategoryOperation, "unable to update phone")
			}
			updated.Phone = req.Phone
		}

		if req.Password != "" {
			hash, err := HashPassword(req.Password)
			if err != nil {
				return err
			}
			if err := s.repo.Users().UpdatePasswordTx(ctx, tx, user.ID, hash); err != nil {
				return goerrors.Wrap(err, goerrors.CategoryOperation, "unable to update password")
			}
			updated.PasswordHash = hash
		}

		return nil
	})

	if err != nil {
		if fe, ok := AsFieldErrors(err); ok {
			return nil, fe
		}
		return nil, err
	}

	s.recordActivity(ctx, ActivityEvent{
		EventType: ActivityEventProfileUpdated,
		Actor:     ActorRef{ID: user.ID.String(), Type: "user"},
		UserID:    user.ID.String(),
	})

	return &updated, nil
}

// Disable transitions the account to disabled through the state machine.
func (s *LifecycleService) Disable(ctx context.Context, actor ActorRef, user *User, opts ...TransitionOption) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, lifecycleOpTimeout)
	defer cancel()
	return s.repo.Users().Disable(ctx, actor, user, opts...)
}

// Reinstate transitions a disabled account back to active.
func (s *LifecycleService) Reinstate(ctx context.Context, actor ActorRef, user *User, opts ...TransitionOption) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, lifecycleOpTimeout)
	defer cancel()
	return s.repo.Users().Reinstate(ctx, actor, user, opts...)
}

func (s *LifecycleService) deliverActivation(recipient, code string) {
	go func() {
		if err := s.notifier.ActivationCode(context.Background(), recipient, code); err != nil {
			s.logger.Warn("activation delivery error: %v", err)
		}
	}()
}

func (s *LifecycleService) deliverResetToken(recipient, token string) {
	go func() {
		if err := s.notifier.PasswordResetToken(context.Background(), recipient, token); err != nil {
			s.logger.Warn("reset token delivery error: %v", err)
		}
	}()
}

func (s *LifecycleService) recordLoginFailure(ctx context.Context, handle string, user *User) {
	event := ActivityEvent{
		EventType: ActivityEventLoginFailure,
		Metadata:  map[string]any{"handle": handle},
	}
	if user != nil {
		event.UserID = user.ID.String()
	}
	s.recordActivity(ctx, event)
}

func (s *LifecycleService) recordActivity(ctx context.Context, event ActivityEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}
	if err := s.activity.Record(ctx, event); err != nil {
		s.logger.Warn("activity sink error: %v", err)
	}
}

func (s *LifecycleService) debugPayload(op string, payload any) {
	if !s.cfg.Debug {
		return
	}
	s.logger.Debug("%s payload: %s", op, print.MaybePrettyJSON(payload))
}

func resetUserID(reset *PasswordReset) string {
	if reset == nil || reset.UserID == nil {
		return ""
	}
	return reset.UserID.String()
}

func redactRegister(req RegisterRequest) RegisterRequest {
	req.Password = ""
	req.PasswordConfirm = ""
	return req
}

func redactAdminUser(req AdminUserRequest) AdminUserRequest {
	req.Password = ""
	req.PasswordConfirm = ""
	return req
}

func redactProfile(req ProfileRequest) ProfileRequest {
	req.Password = ""
	req.PasswordConfirm = ""
	return req
}

