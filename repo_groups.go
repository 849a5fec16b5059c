package identity

import (
	"context"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Groups is the read-only membership surface. Group administration lives
// outside this module.
type Groups interface {
	GetByName(ctx context.Context, name string) (*Group, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*Group, error)
}

type groups struct {
	db *bun.DB
}

var _ Groups = (*groups)(nil)

// NewGroupsRepository builds the bun-backed group reader.
func NewGroupsRepository(db *bun.DB) Groups {
	return &groups{db: db}
}

func (g *groups) GetByName(ctx context.Context, name string) (*Group, error) {
	record := &Group{}
	err := g.db.NewSelect().Model(record).
		Where("?TableAlias.name = ?", name).
		Limit(1).
		Scan(ctx)

	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, repository.NewRecordNotFound().
				WithMetadata(map[string]any{"name": name})
		}
		return nil, err
	}

	return record, nil
}

func (g *groups) ListByUser(ctx context.Context, userID uuid.UUID) ([]*Group, error) {
	var records []*Group
	err := g.db.NewSelect().Model(&records).
		Join("JOIN user_groups AS ug ON ug.group_id = grp.id").
		Where("ug.user_id = ?", userID).
		OrderExpr("grp.name ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	return records, nil
}
