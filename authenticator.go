package identity

import (
	"context"

	goerrors "github.com/goliatone/go-errors"
)

// Auther turns verified credentials into signed session tokens. It wraps
// the lifecycle service's Authenticate, applies the pending-login policy,
// and embeds the account's authorization principals into the token.
type Auther struct {
	lifecycle    *LifecycleService
	groups       Groups
	tokenService TokenService
	logger       Logger
}

// NewAuthenticator returns a new Authenticator over the lifecycle core.
func NewAuthenticator(lifecycle *LifecycleService, groups Groups, tokens TokenService) *Auther {
	return &Auther{
		lifecycle:    lifecycle,
		groups:       groups,
		tokenService: tokens,
		logger:       defLogger{},
	}
}

// WithLogger overrides the default logger.
func (s *Auther) WithLogger(logger Logger) *Auther {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// TokenService returns the TokenService instance used by this Authenticator
func (s *Auther) TokenService() TokenService {
	return s.tokenService
}

// Login verifies the handle/password pair and returns a signed session
// token. A pending account is refused with ErrAccountPending unless the
// configuration allows pending logins.
func (s *Auther) Login(ctx context.Context, handle, password string) (string, error) {
	user, err := s.lifecycle.Authenticate(ctx, handle, password)
	if err != nil {
		s.logger.Error("Login authenticate error: %v", err)
		return "", err
	}

	user.EnsureStatus()
	if user.Status == UserStatusPending && !s.lifecycle.Config().AllowPendingLogin {
		s.logger.Warn("Login blocked, account pending activation: %s", user.ID)
		return "", ErrAccountPending
	}

	identity, err := s.identityFromUser(ctx, user)
	if err != nil {
		s.logger.Error("Login principal resolution error: %v", err)
		return "", err
	}

	return s.tokenService.Generate(identity)
}

// SessionClaims validates a raw session token and returns its claims.
func (s *Auther) SessionClaims(raw string) (AuthClaims, error) {
	claims, err := s.tokenService.Validate(raw)
	if err != nil {
		s.logger.Error("SessionClaims validation failed: %v", err)
		return nil, err
	}
	return claims, nil
}

func (s *Auther) identityFromUser(ctx context.Context, user *User) (Identity, error) {
	if len(user.Groups) == 0 && s.groups != nil {
		groups, err := s.groups.ListByUser(ctx, user.ID)
		if err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "unable to resolve group memberships")
		}
		user.Groups = groups
	}

	return NewIdentityFromUser(user), nil
}
