package db

import (
	"context"
	"time"

	"hxat/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AssignmentRepository struct {
	db *gorm.DB
}

func NewAssignmentRepository(db *gorm.DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

type assignmentRow struct {
	AssignmentModel
	ContextID string
}

// GetByID loads the assignment together with the context id of the course
// that owns it.
func (r *AssignmentRepository) GetByID(ctx context.Context, assignmentID string) (*domain.Assignment, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var row assignmentRow
	err := r.db.WithContext(ctx).
		Table("assignments").
		Select("assignments.*, courses.context_id AS context_id").
		Joins("LEFT JOIN courses ON courses.id = assignments.course_id").
		Where("assignments.id = ?", assignmentID).
		Take(&row).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &domain.Assignment{
		ID:        row.ID,
		CourseID:  row.CourseID,
		ContextID: row.ContextID,
		Name:      row.Name,
		Backend: domain.AssignmentBackendConfig{
			BaseURL: row.BackendURL,
			APIKey:  row.BackendAPIKey,
			Secret:  row.BackendSecret,
		},
		CreatedAt: row.CreatedAt,
	}, nil
}

func (r *AssignmentRepository) Create(ctx context.Context, a domain.Assignment) (*domain.Assignment, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	model := AssignmentModel{
		ID:            a.ID,
		CourseID:      a.CourseID,
		Name:          a.Name,
		BackendURL:    a.Backend.BaseURL,
		BackendAPIKey: a.Backend.APIKey,
		BackendSecret: a.Backend.Secret,
		CreatedAt:     a.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return nil, err
	}
	return r.GetByID(ctx, a.ID)
}

type ResourceLinkRepository struct {
	db *gorm.DB
}

func NewResourceLinkRepository(db *gorm.DB) *ResourceLinkRepository {
	return &ResourceLinkRepository{db: db}
}

func (r *ResourceLinkRepository) GetByResourceLinkID(ctx context.Context, resourceLinkID string) (*domain.ResourceLinkTarget, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model ResourceLinkTargetModel
	if err := r.db.WithContext(ctx).First(&model, "resource_link_id = ?", resourceLinkID).Error; err != nil {
		return nil, notFound(err)
	}
	return &domain.ResourceLinkTarget{
		ResourceLinkID: model.ResourceLinkID,
		AssignmentID:   model.AssignmentID,
		TargetObjectID: model.TargetObjectID,
	}, nil
}

// Put sets the starting resource for a resource link, replacing any
// previous mapping.
func (r *ResourceLinkRepository) Put(ctx context.Context, link domain.ResourceLinkTarget) error {
	if r.db == nil {
		return errDBUnavailable
	}
	model := ResourceLinkTargetModel{
		ResourceLinkID: link.ResourceLinkID,
		AssignmentID:   link.AssignmentID,
		TargetObjectID: link.TargetObjectID,
		UpdatedAt:      time.Now().UTC(),
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "resource_link_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"assignment_id", "target_object_id", "updated_at"}),
	}).Create(&model).Error
}

var (
	_ domain.CourseRepository       = (*CourseRepository)(nil)
	_ domain.PrincipalRepository    = (*PrincipalRepository)(nil)
	_ domain.AssignmentRepository   = (*AssignmentRepository)(nil)
	_ domain.ResourceLinkRepository = (*ResourceLinkRepository)(nil)
)
