package identity_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	identity "github.com/helioslabs/go-identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerPayload() *identity.RegisterRequest {
	return &identity.RegisterRequest{
		Username:        "peperone",
		Email:           "peperone@example.com",
		Password:        "sup3rs3cret",
		PasswordConfirm: "sup3rs3cret",
	}
}

func TestLifecycleRegister(t *testing.T) {
	svc, _ := newService(t, identity.Config{Handle: identity.HandleUsername})

	ctx := context.Background()

	user, err := svc.Register(ctx, registerPayload())
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, user.ID)
	assert.Equal(t, "peperone", user.Username)
	assert.Equal(t, "peperone@example.com", user.Email)
	assert.Equal(t, identity.UserStatusActive, user.Status)
	assert.Equal(t, identity.RoleGuest, user.Role)
	assert.NoError(t, identity.ComparePasswordAndHash("sup3rs3cret", user.PasswordHash))

	t.Run("validation failures come back as field errors", func(t *testing.T) {
		req := registerPayload()
		req.Email = "not-an-email"
		req.PasswordConfirm = "different"

		_, err := svc.Register(ctx, req)
		fe, ok := identity.AsFieldErrors(err)
		require.True(t, ok)
		assert.Contains(t, fe, "email")
		assert.Contains(t, fe, "password_confirm")
	})

	t.Run("duplicate handle is a field error", func(t *testing.T) {
		req := registerPayload()
		req.Username = "someone-else"

		_, err := svc.Register(ctx, req)
		fe, ok := identity.AsFieldErrors(err)
		require.True(t, ok)
		assert.Equal(t, "already registered", fe["email"])
	})
}

func TestLifecycleRegisterDeterministicID(t *testing.T) {
	svc, _ := newService(t, identity.Config{Handle: identity.HandleEmail})

	req := registerPayload()
	req.Username = ""
	req.UseHashid = true

	user, err := svc.Register(context.Background(), req)
	require.NoError(t, err)

	expected, err := hashid.NewUUID(req.Email)
	require.NoError(t, err)
	assert.Equal(t, expected, user.ID)
}

func TestLifecycleActivationFlow(t *testing.T) {
	notifier := newCaptureNotifier()
	svc, _ := newService(t, identity.Config{
		Handle:             identity.HandleUsername,
		ActivationRequired: true,
	}, identity.WithNotifier(notifier))

	ctx := context.Background()

	user, err := svc.Register(ctx, registerPayload())
	require.NoError(t, err)
	assert.Equal(t, identity.UserStatusPending, user.Status)

	code := notifier.waitForCode(t)
	require.NotEmpty(t, code)

	activated, err := svc.Activate(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, user.ID, activated.ID)
	assert.Equal(t, identity.UserStatusActive, activated.Status)

	t.Run("a code activates exactly once", func(t *testing.T) {
		_, err := svc.Activate(ctx, code)
		assert.ErrorIs(t, err, identity.ErrInvalidCode)
	})

	t.Run("unknown code", func(t *testing.T) {
		_, err := svc.Activate(ctx, "nope")
		assert.ErrorIs(t, err, identity.ErrInvalidCode)
	})

	t.Run("empty code", func(t *testing.T) {
		_, err := svc.Activate(ctx, "")
		assert.ErrorIs(t, err, identity.ErrInvalidCode)
	})
}

func TestLifecycleActivationExpiry(t *testing.T) {
	notifier := newCaptureNotifier()
	svc, _ := newService(t, identity.Config{
		Handle:             identity.HandleUsername,
		ActivationRequired: true,
		ActivationTTL:      time.Hour,
	},
		identity.WithNotifier(notifier),
		identity.WithClock(func() time.Time {
			return time.Now().Add(2 * time.Hour)
		}),
	)

	ctx := context.Background()

	_, err := svc.Register(ctx, registerPayload())
	require.NoError(t, err)

	code := notifier.waitForCode(t)

	_, err = svc.Activate(ctx, code)
	assert.ErrorIs(t, err, identity.ErrInvalidCode)
}

func TestLifecycleAuthenticate(t *testing.T) {
	svc, repo := newService(t, identity.Config{Handle: identity.HandleUsername})

	ctx := context.Background()

	_, err := svc.Register(ctx, registerPayload())
	require.NoError(t, err)

	t.Run("valid credentials", func(t *testing.T) {
		user, err := svc.Authenticate(ctx, "peperone", "sup3rs3cret")
		require.NoError(t, err)
		assert.Equal(t, "peperone", user.Username)
	})

	t.Run("unknown handle and wrong password fail alike", func(t *testing.T) {
		_, unknownErr := svc.Authenticate(ctx, "nobody", "sup3rs3cret")
		_, wrongErr := svc.Authenticate(ctx, "peperone", "wrong-password")

		assert.ErrorIs(t, unknownErr, identity.ErrAuthenticationFailed)
		assert.ErrorIs(t, wrongErr, identity.ErrAuthenticationFailed)
		assert.Equal(t, unknownErr.Error(), wrongErr.Error())
	})

	t.Run("failed attempts are tracked", func(t *testing.T) {
		user, err := repo.Users().GetByUsername(ctx, "peperone")
		require.NoError(t, err)
		assert.Positive(t, user.LoginAttempts)
	})

	t.Run("success clears the attempt counter", func(t *testing.T) {
		_, err := svc.Authenticate(ctx, "peperone", "sup3rs3cret")
		require.NoError(t, err)

		user, err := repo.Users().GetByUsername(ctx, "peperone")
		require.NoError(t, err)
		assert.Zero(t, user.LoginAttempts)
		assert.NotNil(t, user.LoggedInAt)
	})

	t.Run("disabled account fails like a wrong password", func(t *testing.T) {
		user, err := repo.Users().GetByUsername(ctx, "peperone")
		require.NoError(t, err)

		_, err = repo.Users().Disable(ctx, identity.ActorRef{Type: "system"}, user)
		require.NoError(t, err)

		_, err = svc.Authenticate(ctx, "peperone", "sup3rs3cret")
		assert.ErrorIs(t, err, identity.ErrAuthenticationFailed)
	})
}

func TestLifecycleAuthenticateCooldown(t *testing.T) {
	svc, _ := newService(t, identity.Config{
		Handle:           identity.HandleUsername,
		MaxLoginAttempts: 2,
	})

	ctx := context.Background()

	_, err := svc.Register(ctx, registerPayload())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := svc.Authenticate(ctx, "peperone", "wrong-password")
		assert.ErrorIs(t, err, identity.ErrAuthenticationFailed)
	}

	// the right password no longer helps inside the cooldown window
	_, err = svc.Authenticate(ctx, "peperone", "sup3rs3cret")
	assert.ErrorIs(t, err, identity.ErrAuthenticationFailed)
}

func TestLifecycleAuthenticateCooldownLapse(t *testing.T) {
	db := setupDB(t)
	repo := identity.NewRepositoryManager(db)
	svc, err := identity.NewLifecycleService(repo, identity.Config{
		Handle:           identity.HandleUsername,
		MaxLoginAttempts: 2,
		LoginCooldown:    time.Hour,
	})
	require.NoError(t, err)

	ctx := context.Background()

	user, err := svc.Register(ctx, registerPayload())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := svc.Authenticate(ctx, "peperone", "wrong-password")
		assert.ErrorIs(t, err, identity.ErrAuthenticationFailed)
	}

	// age the last attempt past the cooldown window
	past := time.Now().Add(-2 * time.Hour)
	_, err = db.NewUpdate().Model((*identity.User)(nil)).
		Set("login_attempt_at = ?", past).
		Where("id = ?", user.ID).
		Exec(ctx)
	require.NoError(t, err)

	// a failure after the window restarts the counter at one
	_, err = svc.Authenticate(ctx, "peperone", "wrong-password")
	assert.ErrorIs(t, err, identity.ErrAuthenticationFailed)

	reloaded, err := repo.Users().GetByUsername(ctx, "peperone")
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.LoginAttempts)

	// still under the limit, so the right password gets in
	got, err := svc.Authenticate(ctx, "peperone", "sup3rs3cret")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
}

func TestLifecyclePendingAuthenticate(t *testing.T) {
	svc, _ := newService(t, identity.Config{
		Handle:             identity.HandleUsername,
		ActivationRequired: true,
	})

	ctx := context.Background()

	_, err := svc.Register(ctx, registerPayload())
	require.NoError(t, err)

	// the core surfaces the pending status; refusing it is token-layer policy
	user, err := svc.Authenticate(ctx, "peperone", "sup3rs3cret")
	require.NoError(t, err)
	assert.Equal(t, identity.UserStatusPending, user.Status)
}

func TestLifecycleForgotAndResetPassword(t *testing.T) {
	notifier := newCaptureNotifier()
	svc, _ := newService(t, identity.Config{Handle: identity.HandleUsername},
		identity.WithNotifier(notifier))

	ctx := context.Background()

	_, err := svc.Register(ctx, registerPayload())
	require.NoError(t, err)

	reset, err := svc.ForgotPassword(ctx, &identity.ForgotPasswordRequest{
		Email: "peperone@example.com",
	})
	require.NoError(t, err)

	token := notifier.waitForToken(t)
	assert.Equal(t, reset.Token(), token)

	err = svc.ResetPassword(ctx, token, &identity.ResetPasswordRequest{
		Password:        "n3wp4ssw0rd",
		PasswordConfirm: "n3wp4ssw0rd",
	})
	require.NoError(t, err)

	t.Run("old password stops working", func(t *testing.T) {
		_, err := svc.Authenticate(ctx, "peperone", "sup3rs3cret")
		assert.ErrorIs(t, err, identity.ErrAuthenticationFailed)
	})

	t.Run("new password works", func(t *testing.T) {
		_, err := svc.Authenticate(ctx, "peperone", "n3wp4ssw0rd")
		assert.NoError(t, err)
	})

	t.Run("a token resets exactly once", func(t *testing.T) {
		err := svc.ResetPassword(ctx, token, &identity.ResetPasswordRequest{
			Password:        "an0ther0ne",
			PasswordConfirm: "an0ther0ne",
		})
		assert.ErrorIs(t, err, identity.ErrInvalidToken)
	})

	t.Run("malformed token", func(t *testing.T) {
		err := svc.ResetPassword(ctx, "not-a-uuid", &identity.ResetPasswordRequest{
			Password:        "an0ther0ne",
			PasswordConfirm: "an0ther0ne",
		})
		assert.ErrorIs(t, err, identity.ErrInvalidToken)
	})

	t.Run("mismatched pair is a field error", func(t *testing.T) {
		err := svc.ResetPassword(ctx, token, &identity.ResetPasswordRequest{
			Password:        "an0ther0ne",
			PasswordConfirm: "different",
		})
		fe, ok := identity.AsFieldErrors(err)
		require.True(t, ok)
		assert.Contains(t, fe, "password_confirm")
	})

	t.Run("unknown email is a field error", func(t *testing.T) {
		_, err := svc.ForgotPassword(ctx, &identity.ForgotPasswordRequest{
			Email: "nobody@example.com",
		})
		fe, ok := identity.AsFieldErrors(err)
		require.True(t, ok)
		assert.Equal(t, "no account registered under that email", fe["email"])
	})
}

func TestLifecycleResetPasswordExpiry(t *testing.T) {
	notifier := newCaptureNotifier()
	svc, _ := newService(t, identity.Config{
		Handle:   identity.HandleUsername,
		ResetTTL: time.Hour,
	},
		identity.WithNotifier(notifier),
		identity.WithClock(func() time.Time { return time.Now().Add(2 * time.Hour) }),
	)

	ctx := context.Background()

	_, err := svc.Register(ctx, registerPayload())
	require.NoError(t, err)

	_, err = svc.ForgotPassword(ctx, &identity.ForgotPasswordRequest{
		Email: "peperone@example.com",
	})
	require.NoError(t, err)

	token := notifier.waitForToken(t)

	err = svc.ResetPassword(ctx, token, &identity.ResetPasswordRequest{
		Password:        "n3wp4ssw0rd",
		PasswordConfirm: "n3wp4ssw0rd",
	})
	assert.ErrorIs(t, err, identity.ErrInvalidToken)
}

func TestLifecycleUpdateProfile(t *testing.T) {
	svc, repo := newService(t, identity.Config{Handle: identity.HandleUsername})

	ctx := context.Background()

	user, err := svc.Register(ctx, registerPayload())
	require.NoError(t, err)

	t.Run("email change", func(t *testing.T) {
		updated, err := svc.UpdateProfile(ctx, user, &identity.ProfileRequest{
			Email: "renamed@example.com",
		})
		require.NoError(t, err)
		assert.Equal(t, "renamed@example.com", updated.Email)

		reloaded, err := repo.Users().GetByEmail(ctx, "renamed@example.com")
		require.NoError(t, err)
		assert.Equal(t, user.ID, reloaded.ID)
		user = reloaded
	})

	t.Run("phone change", func(t *testing.T) {
		updated, err := svc.UpdateProfile(ctx, user, &identity.ProfileRequest{
			Phone: "(212) 555-0175",
		})
		require.NoError(t, err)
		assert.Equal(t, "+12125550175", updated.Phone)
	})

	t.Run("password change", func(t *testing.T) {
		_, err := svc.UpdateProfile(ctx, user, &identity.ProfileRequest{
			Password:        "n3wp4ssw0rd",
			PasswordConfirm: "n3wp4ssw0rd",
		})
		require.NoError(t, err)

		_, err = svc.Authenticate(ctx, "peperone", "n3wp4ssw0rd")
		assert.NoError(t, err)
	})

	t.Run("email collision with another account", func(t *testing.T) {
		other := registerPayload()
		other.Username = "other"
		other.Email = "other@example.com"
		_, err := svc.Register(ctx, other)
		require.NoError(t, err)

		_, err = svc.UpdateProfile(ctx, user, &identity.ProfileRequest{
			Email: "other@example.com",
		})
		fe, ok := identity.AsFieldErrors(err)
		require.True(t, ok)
		assert.Equal(t, "already registered", fe["email"])
	})

	t.Run("nil user", func(t *testing.T) {
		_, err := svc.UpdateProfile(ctx, nil, &identity.ProfileRequest{})
		assert.Error(t, err)
	})
}

func TestLifecycleRegisterAdmin(t *testing.T) {
	svc, _ := newService(t, identity.Config{Handle: identity.HandleUsername})

	ctx := context.Background()
	actor := identity.ActorRef{ID: "admin-1", Type: "user"}

	t.Run("without a password", func(t *testing.T) {
		user, err := svc.RegisterAdmin(ctx, actor, &identity.AdminUserRequest{
			Username: "created",
			Email:    "created@example.com",
			Role:     identity.RoleMember,
		})
		require.NoError(t, err)

		assert.Equal(t, identity.UserStatusActive, user.Status)
		assert.Equal(t, identity.RoleMember, user.Role)
		require.NotEmpty(t, user.PasswordHash)

		// no guessable password can open the account
		_, err = svc.Authenticate(ctx, "created", "password")
		assert.ErrorIs(t, err, identity.ErrAuthenticationFailed)
	})

	t.Run("with a password", func(t *testing.T) {
		_, err := svc.RegisterAdmin(ctx, actor, &identity.AdminUserRequest{
			Username:        "keyed",
			Email:           "keyed@example.com",
			Role:            identity.RoleAdmin,
			Password:        "sup3rs3cret",
			PasswordConfirm: "sup3rs3cret",
		})
		require.NoError(t, err)

		user, err := svc.Authenticate(ctx, "keyed", "sup3rs3cret")
		require.NoError(t, err)
		assert.Equal(t, identity.RoleAdmin, user.Role)
	})

	t.Run("duplicate email is a field error", func(t *testing.T) {
		_, err := svc.RegisterAdmin(ctx, actor, &identity.AdminUserRequest{
			Username: "duped",
			Email:    "created@example.com",
		})
		fe, ok := identity.AsFieldErrors(err)
		require.True(t, ok)
		assert.Contains(t, fe, "email")
	})
}

func TestLifecycleConcurrentRegistration(t *testing.T) {
	svc, _ := newService(t, identity.Config{Handle: identity.HandleUsername})

	payloads := []*identity.RegisterRequest{
		{
			Username:        "first",
			Email:           "race@example.com",
			Password:        "sup3rs3cret",
			PasswordConfirm: "sup3rs3cret",
		},
		{
			Username:        "second",
			Email:           "race@example.com",
			Password:        "sup3rs3cret",
			PasswordConfirm: "sup3rs3cret",
		},
	}

	var wg sync.WaitGroup
	results := make([]error, len(payloads))

	for i, req := range payloads {
		wg.Add(1)
		go func(i int, req *identity.RegisterRequest) {
			defer wg.Done()
			_, results[i] = svc.Register(context.Background(), req)
		}(i, req)
	}
	wg.Wait()

	var successes, conflicts int
	for _, err := range results {
		if err == nil {
			successes++
			continue
		}
		fe, ok := identity.AsFieldErrors(err)
		require.True(t, ok, "unexpected error: %v", err)
		assert.Contains(t, fe, "email")
		conflicts++
	}

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)
}

func TestLifecycleActivityEvents(t *testing.T) {
	var mu sync.Mutex
	var events []identity.ActivityEvent
	sink := identity.ActivitySinkFunc(func(_ context.Context, event identity.ActivityEvent) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event)
		return nil
	})

	svc, _ := newService(t, identity.Config{Handle: identity.HandleUsername},
		identity.WithActivitySink(sink))

	ctx := context.Background()

	_, err := svc.Register(ctx, registerPayload())
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, "peperone", "wrong-password")
	require.Error(t, err)

	_, err = svc.Authenticate(ctx, "peperone", "sup3rs3cret")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()

	types := make([]identity.ActivityEventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.EventType)
	}

	assert.Contains(t, types, identity.ActivityEventUserRegistered)
	assert.Contains(t, types, identity.ActivityEventLoginFailure)
	assert.Contains(t, types, identity.ActivityEventLoginSuccess)
}
