package identity

import (
	"context"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// consumeActivationSQL spends a code if and only if it is still unspent.
// Two concurrent consumers race on the conditional update and exactly one
// sees a row back.
var consumeActivationSQL = `UPDATE "activations"
SET "spent_at" = ?
WHERE "code" = ?
AND "spent_at" IS NULL
RETURNING "id", "user_id", "code", "valid_until", "spent_at", "created_at";`

// consumePasswordResetSQL is the same conditional consume for reset
// tokens, keyed by record ID and the requested status.
var consumePasswordResetSQL = `UPDATE "password_resets"
SET "status" = ?, "reseted_at" = ?, "updated_at" = CURRENT_TIMESTAMP
WHERE "id" = ?
AND "status" = ?
AND "deleted_at" IS NULL
RETURNING "id", "user_id", "email", "status", "reseted_at", "created_at", "updated_at", "deleted_at";`

// Activations is the ledger of pending account confirmations.
type Activations interface {
	repository.Repository[*Activation]

	Issue(ctx context.Context, userID uuid.UUID, ttl time.Duration) (*Activation, error)
	IssueTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, ttl time.Duration) (*Activation, error)
	Consume(ctx context.Context, code string) (*Activation, error)
	ConsumeTx(ctx context.Context, tx bun.IDB, code string) (*Activation, error)
}

type activations struct {
	repository.Repository[*Activation]
	db *bun.DB
}

var _ Activations = (*activations)(nil)

// NewActivationsRepository builds the bun-backed activation ledger.
func NewActivationsRepository(db *bun.DB) Activations {
	repo := repository.NewRepository[*Activation](db, repository.ModelHandlers[*Activation]{
		NewRecord: func() *Activation { return &Activation{} },
		GetID: func(record *Activation) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return record.ID
		},
		SetID: func(record *Activation, id uuid.UUID) {
			record.ID = id
		},
		GetIdentifier: func() string {
			return "code"
		},
	})

	return &activations{Repository: repo, db: db}
}

func (a *activations) Issue(ctx context.Context, userID uuid.UUID, ttl time.Duration) (*Activation, error) {
	return a.IssueTx(ctx, a.db, userID, ttl)
}

// IssueTx creates a fresh single-use code for the user. A zero ttl means
// the code never expires.
func (a *activations) IssueTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, ttl time.Duration) (*Activation, error) {
	now := time.Now()
	record := &Activation{
		ID:        uuid.New(),
		UserID:    userID,
		Code:      NewActivationCode(),
		CreatedAt: &now,
	}

	if ttl > 0 {
		validUntil := now.Add(ttl)
		record.ValidUntil = &validUntil
	}

	if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
		return nil, err
	}

	return record, nil
}

func (a *activations) Consume(ctx context.Context, code string) (*Activation, error) {
	return a.ConsumeTx(ctx, a.db, code)
}

// ConsumeTx atomically spends the code. Unknown or already spent codes
// report not-found; the caller decides how much to reveal.
func (a *activations) ConsumeTx(ctx context.Context, tx bun.IDB, code string) (*Activation, error) {
	record := &Activation{}
	now := time.Now()

	err := tx.NewRaw(consumeActivationSQL, now, code).Scan(ctx, record)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, repository.NewRecordNotFound().
				WithMetadata(map[string]any{"code": code})
		}
		return nil, err
	}

	return record, nil
}

// PasswordResets is the ledger of issued reset tokens.
type PasswordResets interface {
	repository.Repository[*PasswordReset]

	IssueTx(ctx context.Context, tx bun.IDB, user *User) (*PasswordReset, error)
	ConsumeTx(ctx context.Context, tx bun.IDB, token uuid.UUID) (*PasswordReset, error)
}

type passwordResets struct {
	repository.Repository[*PasswordReset]
	db *bun.DB
}

var _ PasswordResets = (*passwordResets)(nil)

// NewPasswordResetsRepository builds the bun-backed reset token ledger.
func NewPasswordResetsRepository(db *bun.DB) PasswordResets {
	repo := repository.NewRepository[*PasswordReset](db, repository.ModelHandlers[*PasswordReset]{
		NewRecord: func() *PasswordReset {
			return &PasswordReset{}
		},
		GetID: func(record *PasswordReset) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return record.ID
		},
		SetID: func(record *PasswordReset, id uuid.UUID) {
			record.ID = id
		},
		GetIdentifier: func() string {
			return "email"
		},
	})

	return &passwordResets{Repository: repo, db: db}
}

// IssueTx creates a requested reset bound to the user. The record ID is
// the token delivered out-of-band.
func (p *passwordResets) IssueTx(ctx context.Context, tx bun.IDB, user *User) (*PasswordReset, error) {
	now := time.Now()
	record := &PasswordReset{
		ID:        uuid.New(),
		UserID:    &user.ID,
		Email:     user.Email,
		Status:    ResetRequestedStatus,
		CreatedAt: &now,
	}

	if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
		return nil, err
	}

	return record, nil
}

// ConsumeTx atomically flips a requested token to changed. Replays and
// unknown tokens report not-found.
func (p *passwordResets) ConsumeTx(ctx context.Context, tx bun.IDB, token uuid.UUID) (*PasswordReset, error) {
	record := &PasswordReset{}
	now := time.Now()

	err := tx.NewRaw(consumePasswordResetSQL, ResetChangedStatus, now, token, ResetRequestedStatus).
		Scan(ctx, record)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, repository.NewRecordNotFound().
				WithMetadata(map[string]any{"token": token.String()})
		}
		return nil, err
	}

	return record, nil
}
