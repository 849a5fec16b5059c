package identity

import (
	"context"
	"database/sql"
	"errors"
	"log"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// RepositoryManager exposes all repositories
type RepositoryManager interface {
	repository.Validator
	repository.TransactionManager
	Users() Users
	Activations() Activations
	PasswordResets() PasswordResets
	Groups() Groups
}

type mngr struct {
	db             *bun.DB
	users          Users
	activations    Activations
	passwordResets PasswordResets
	groups         Groups
}

// NewRepositoryManager wires every repository over a shared bun.DB.
func NewRepositoryManager(db *bun.DB, opts ...UsersOption) RepositoryManager {
	RegisterModels(db)

	return &mngr{
		db:             db,
		users:          NewUsersRepository(db, opts...),
		activations:    NewActivationsRepository(db),
		passwordResets: NewPasswordResetsRepository(db),
		groups:         NewGroupsRepository(db),
	}
}

func (m mngr) Validate() error {
	if m.users == nil {
		return errors.New("repository users should be initialized")
	}

	if m.activations == nil {
		return errors.New("repository activations should be initialized")
	}

	if m.passwordResets == nil {
		return errors.New("repository passwordResets should be initialized")
	}

	if m.groups == nil {
		return errors.New("repository groups should be initialized")
	}

	return nil
}

func (m mngr) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

func (m mngr) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.db.RunInTx(ctx, opts, f)
	}
}

func (m mngr) Users() Users {
	return m.users
}

func (m mngr) Activations() Activations {
	return m.activations
}

func (m mngr) PasswordResets() PasswordResets {
	return m.passwordResets
}

func (m mngr) Groups() Groups {
	return m.groups
}
