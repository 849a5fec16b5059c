package identity_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	identity "github.com/helioslabs/go-identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserContext(t *testing.T) {
	ctx := context.Background()

	_, ok := identity.FromContext(ctx)
	assert.False(t, ok)

	user := &identity.User{ID: uuid.New()}
	ctx = identity.WithContext(ctx, user)

	got, ok := identity.FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, user.ID, got.ID)
}

func TestClaimsContext(t *testing.T) {
	ctx := context.Background()

	_, ok := identity.GetClaims(ctx)
	assert.False(t, ok)
	assert.False(t, identity.IsAtLeast(ctx, identity.RoleGuest))

	claims := &identity.JWTClaims{UserRole: identity.RoleMember}
	ctx = identity.WithClaimsContext(ctx, claims)

	got, ok := identity.GetClaims(ctx)
	require.True(t, ok)
	assert.Equal(t, identity.RoleMember, got.Role())

	assert.True(t, identity.IsAtLeast(ctx, identity.RoleMember))
	assert.False(t, identity.IsAtLeast(ctx, identity.RoleAdmin))
}
