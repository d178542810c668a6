package db

import (
	"context"
	"strings"
	"time"

	"hxat/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PrincipalRepository struct {
	db *gorm.DB
}

func NewPrincipalRepository(db *gorm.DB) *PrincipalRepository {
	return &PrincipalRepository{db: db}
}

func (r *PrincipalRepository) Find(ctx context.Context, scopeKey, anonymousID string) (*domain.Principal, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model PrincipalModel
	err := r.db.WithContext(ctx).
		First(&model, "scope_key = ? AND anonymous_id = ?", scopeKey, anonymousID).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &domain.Principal{
		ID:          model.ID,
		ScopeKey:    model.ScopeKey,
		AnonymousID: model.AnonymousID,
		Name:        model.Name,
		Roles:       domain.ParseRoles(model.Roles),
		CreatedAt:   model.CreatedAt,
	}, nil
}

// FindOrCreate relies on the (scope_key, anonymous_id) unique index so that
// concurrent first launches converge on one row.
func (r *PrincipalRepository) FindOrCreate(ctx context.Context, p domain.Principal) (*domain.Principal, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	model := PrincipalModel{
		ID:          p.ID,
		ScopeKey:    p.ScopeKey,
		AnonymousID: p.AnonymousID,
		Name:        p.Name,
		Roles:       strings.Join(p.Roles, ","),
		CreatedAt:   p.CreatedAt,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "scope_key"}, {Name: "anonymous_id"}}, DoNothing: true}).
		Create(&model).Error
	if err != nil {
		return nil, err
	}
	return r.Find(ctx, p.ScopeKey, p.AnonymousID)
}
