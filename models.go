package identity

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// UserRole is the user's role
type UserRole = string

const (
	// RoleGuest is a guest role (ie. view)
	RoleGuest UserRole = "guest"
	// RoleMember is a member (i.e. view, edit)
	RoleMember UserRole = "member"
	// RoleAdmin is an admin role (i.e. view, edit, create)
	RoleAdmin UserRole = "admin"
)

// UserStatus tracks where an account is in its lifecycle.
type UserStatus = string

const (
	// UserStatusPending is a registered account awaiting activation
	UserStatusPending UserStatus = "pending"
	// UserStatusActive is a fully usable account
	UserStatusActive UserStatus = "active"
	// UserStatusDisabled is an account that may not authenticate
	UserStatusDisabled UserStatus = "disabled"
)

// User is the identity record. Username is the login handle under the
// username strategy and is unique with exact, case sensitive matching.
// Email is unique case insensitively; the storage layer is expected to
// carry a unique index over lower(email).
type User struct {
	bun.BaseModel  `bun:"table:users,alias:usr"`
	ID             uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Role           UserRole   `bun:"user_role,notnull" json:"user_role,omitempty"`
	Username       string     `bun:"username,nullzero,unique" json:"username,omitempty"`
	Email          string     `bun:"email,notnull,unique" json:"email,omitempty"`
	Phone          string     `bun:"phone_number" json:"phone_number,omitempty"`
	PasswordHash   string     `bun:"password_hash" json:"password_hash,omitempty"`
	Status         UserStatus `bun:"status,notnull" json:"status,omitempty"`
	Groups         []*Group   `bun:"m2m:user_groups,join:User=Group" json:"groups,omitempty"`
	LoginAttempts  int        `bun:"login_attempts" json:"login_attempts,omitempty"`
	LoginAttemptAt *time.Time `bun:"login_attempt_at" json:"login_attempt_at,omitempty"`
	LoggedInAt     *time.Time `bun:"loggedin_at" json:"loggedin_at,omitempty"`
	CreatedAt      *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt      *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
	DeletedAt      *time.Time `bun:"deleted_at,soft_delete,nullzero" json:"deleted_at,omitempty"`
}

// EnsureStatus defaults a blank status to active
func (u *User) EnsureStatus() {
	if u.Status == "" {
		u.Status = UserStatusActive
	}
}

// Principals derives the authorization principals for a user from its
// group memberships, e.g. ["group:staff", "user:<id>"].
func (u *User) Principals() []string {
	if u == nil {
		return nil
	}

	principals := make([]string, 0, len(u.Groups)+1)
	for _, g := range u.Groups {
		if g != nil && g.Name != "" {
			principals = append(principals, "group:"+g.Name)
		}
	}

	return append(principals, "user:"+u.ID.String())
}

// Group is a named collection of users, administered outside this module
// and referenced read-only for membership checks.
type Group struct {
	bun.BaseModel `bun:"table:groups,alias:grp"`
	ID            uuid.UUID `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Name          string    `bun:"name,notnull,unique" json:"name,omitempty"`
	Description   string    `bun:"description" json:"description,omitempty"`
}

// UserGroup joins users to groups.
type UserGroup struct {
	bun.BaseModel `bun:"table:user_groups,alias:ug"`
	UserID        uuid.UUID `bun:"user_id,pk,type:uuid" json:"user_id,omitempty"`
	User          *User     `bun:"rel:belongs-to,join:user_id=id" json:"user,omitempty"`
	GroupID       uuid.UUID `bun:"group_id,pk,type:uuid" json:"group_id,omitempty"`
	Group         *Group    `bun:"rel:belongs-to,join:group_id=id" json:"group,omitempty"`
}

// RegisterModels registers the many-to-many join models with bun. Call
// once per bun.DB before using group relations.
func RegisterModels(db *bun.DB) {
	db.RegisterModel((*UserGroup)(nil))
}

// Activation is a pending account confirmation with its single-use code.
type Activation struct {
	bun.BaseModel `bun:"table:activations,alias:act"`
	ID            uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	UserID        uuid.UUID  `bun:"user_id,notnull,type:uuid" json:"user_id,omitempty"`
	User          *User      `bun:"rel:belongs-to,join:user_id=id" json:"user,omitempty"`
	Code          string     `bun:"code,notnull,unique" json:"code,omitempty"`
	ValidUntil    *time.Time `bun:"valid_until,nullzero" json:"valid_until,omitempty"`
	SpentAt       *time.Time `bun:"spent_at,nullzero" json:"spent_at,omitempty"`
	CreatedAt     *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
}

// Expired reports whether the activation's optional expiry has passed.
func (a *Activation) Expired(now time.Time) bool {
	return a.ValidUntil != nil && now.After(*a.ValidUntil)
}

// NewActivationCode returns a random single-use activation code.
func NewActivationCode() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the platform source is broken
		panic("identity: unable to read random bytes: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

const (
	// ResetRequestedStatus is an issued, not yet consumed reset token
	ResetRequestedStatus = "requested"
	// ResetChangedStatus is a consumed reset token
	ResetChangedStatus = "changed"
)

// PasswordReset is a single-use password reset token bound to a user.
// The record ID doubles as the opaque token handed to the notifier.
type PasswordReset struct {
	bun.BaseModel `bun:"table:password_resets,alias:pwdr"`
	ID            uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	UserID        *uuid.UUID `bun:"user_id,notnull" json:"user_id,omitempty"`
	User          *User      `bun:"rel:belongs-to,join:user_id=id" json:"user,omitempty"`
	Status        string     `bun:"status,notnull" json:"status,omitempty"`
	Email         string     `bun:"email,notnull" json:"email,omitempty"`
	ResetedAt     *time.Time `bun:"reseted_at,nullzero" json:"reseted_at,omitempty"`
	CreatedAt     *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt     *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
	DeletedAt     *time.Time `bun:"deleted_at,soft_delete,nullzero" json:"deleted_at,omitempty"`
}

// Token returns the opaque reset token for this record.
func (r *PasswordReset) Token() string {
	return r.ID.String()
}
