package db

import (
	"context"
	"time"

	"hxat/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CourseRepository struct {
	db *gorm.DB
}

func NewCourseRepository(db *gorm.DB) *CourseRepository {
	return &CourseRepository{db: db}
}

func (r *CourseRepository) GetByContextID(ctx context.Context, contextID string) (*domain.Course, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model CourseModel
	if err := r.db.WithContext(ctx).First(&model, "context_id = ?", contextID).Error; err != nil {
		return nil, notFound(err)
	}
	return courseFromModel(model), nil
}

// Create inserts the course unless one already exists for the context id;
// either way the stored row is returned.
func (r *CourseRepository) Create(ctx context.Context, course domain.Course) (*domain.Course, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	if course.ID == "" {
		course.ID = uuid.NewString()
	}
	if course.CreatedAt.IsZero() {
		course.CreatedAt = time.Now().UTC()
	}
	model := CourseModel{
		ID:        course.ID,
		ContextID: course.ContextID,
		Name:      course.Name,
		CreatedAt: course.CreatedAt,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "context_id"}}, DoNothing: true}).
		Create(&model).Error
	if err != nil {
		return nil, err
	}
	return r.GetByContextID(ctx, course.ContextID)
}

func (r *CourseRepository) AddAdmin(ctx context.Context, courseID, principalID string) error {
	if r.db == nil {
		return errDBUnavailable
	}
	model := CourseAdminModel{CourseID: courseID, PrincipalID: principalID, CreatedAt: time.Now().UTC()}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error
}

func courseFromModel(m CourseModel) *domain.Course {
	return &domain.Course{
		ID:        m.ID,
		ContextID: m.ContextID,
		Name:      m.Name,
		CreatedAt: m.CreatedAt,
	}
}
