package identity_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	identity "github.com/helioslabs/go-identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-signing-key")

func testUserIdentity() identity.Identity {
	return identity.NewIdentityFromUser(&identity.User{
		ID:       uuid.New(),
		Username: "peperone",
		Email:    "peperone@example.com",
		Role:     identity.RoleMember,
		Status:   identity.UserStatusActive,
		Groups:   []*identity.Group{{Name: "staff"}},
	})
}

func TestTokenServiceGenerateAndValidate(t *testing.T) {
	ts := identity.NewTokenService(testSigningKey, 1, "go-identity", jwt.ClaimStrings{"web"}, nil)

	ident := testUserIdentity()
	token, err := ts.Generate(ident)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := ts.Validate(token)
	require.NoError(t, err)

	assert.Equal(t, ident.ID(), claims.UserID())
	assert.Equal(t, identity.RoleMember, claims.Role())
	assert.Contains(t, claims.Principals(), "group:staff")
	assert.Contains(t, claims.Principals(), "user:"+ident.ID())
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.Expires(), time.Minute)

	t.Run("nil identity", func(t *testing.T) {
		_, err := ts.Generate(nil)
		assert.Error(t, err)
	})
}

func TestTokenServiceValidateRejects(t *testing.T) {
	ts := identity.NewTokenService(testSigningKey, 1, "go-identity", jwt.ClaimStrings{"web"}, nil)

	t.Run("garbage token", func(t *testing.T) {
		_, err := ts.Validate("not.a.token")
		assert.Error(t, err)
	})

	t.Run("wrong signing key", func(t *testing.T) {
		other := identity.NewTokenService([]byte("other-key"), 1, "go-identity", jwt.ClaimStrings{"web"}, nil)
		token, err := other.Generate(testUserIdentity())
		require.NoError(t, err)

		_, err = ts.Validate(token)
		assert.Error(t, err)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := identity.NewTokenService(testSigningKey, 1, "someone-else", jwt.ClaimStrings{"web"}, nil)
		token, err := other.Generate(testUserIdentity())
		require.NoError(t, err)

		_, err = ts.Validate(token)
		assert.Error(t, err)
	})

	t.Run("wrong audience", func(t *testing.T) {
		other := identity.NewTokenService(testSigningKey, 1, "go-identity", jwt.ClaimStrings{"mobile"}, nil)
		token, err := other.Generate(testUserIdentity())
		require.NoError(t, err)

		_, err = ts.Validate(token)
		assert.Error(t, err)
	})

	t.Run("expired token", func(t *testing.T) {
		now := time.Now()
		claims := &identity.JWTClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "go-identity",
				Audience:  jwt.ClaimStrings{"web"},
				Subject:   "user-id",
				IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Hour)),
				ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
			},
		}

		token, err := ts.SignClaims(claims)
		require.NoError(t, err)

		_, err = ts.Validate(token)
		assert.ErrorIs(t, err, identity.ErrTokenExpired)
	})
}

func TestTokenServiceSignClaims(t *testing.T) {
	ts := identity.NewTokenService(testSigningKey, 1, "", nil, nil)

	_, err := ts.SignClaims(nil)
	assert.Error(t, err)
}
