package db

import "time"

type CourseModel struct {
	ID        string    `gorm:"primaryKey"`
	ContextID string    `gorm:"uniqueIndex;not null"`
	Name      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (CourseModel) TableName() string { return "courses" }

type CourseAdminModel struct {
	CourseID    string    `gorm:"primaryKey"`
	PrincipalID string    `gorm:"primaryKey"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (CourseAdminModel) TableName() string { return "course_admins" }

type PrincipalModel struct {
	ID          string `gorm:"primaryKey"`
	ScopeKey    string `gorm:"uniqueIndex:idx_principal_scope;not null"`
	AnonymousID string `gorm:"uniqueIndex:idx_principal_scope;not null"`
	Name        string `gorm:"not null"`
	Roles       string
	CreatedAt   time.Time `gorm:"not null"`
}

func (PrincipalModel) TableName() string { return "principals" }

type AssignmentModel struct {
	ID            string `gorm:"primaryKey"`
	CourseID      string `gorm:"index;not null"`
	Name          string `gorm:"not null"`
	BackendURL    string
	BackendAPIKey string
	BackendSecret string
	CreatedAt     time.Time `gorm:"not null"`
}

func (AssignmentModel) TableName() string { return "assignments" }

type ResourceLinkTargetModel struct {
	ResourceLinkID string    `gorm:"primaryKey"`
	AssignmentID   string    `gorm:"index;not null"`
	TargetObjectID string    `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (ResourceLinkTargetModel) TableName() string { return "resource_link_targets" }
