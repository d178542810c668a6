package domain

import (
	"context"
	"time"
)

type Course struct {
	ID        string
	ContextID string
	Name      string
	CreatedAt time.Time
}

// Principal is a platform user as known to the tool. Users are unique per
// (ScopeKey, AnonymousID).
type Principal struct {
	ID          string
	ScopeKey    string
	AnonymousID string
	Name        string
	Roles       RoleSet
	CreatedAt   time.Time
}

// AssignmentBackendConfig identifies the annotation store instance and
// credentials used for one assignment.
type AssignmentBackendConfig struct {
	BaseURL string
	APIKey  string
	Secret  string
}

func (c AssignmentBackendConfig) IsZero() bool {
	return c.BaseURL == ""
}

type Assignment struct {
	ID        string
	CourseID  string
	ContextID string
	Name      string
	Backend   AssignmentBackendConfig
	CreatedAt time.Time
}

// ResourceLinkTarget maps a platform resource link to the assignment and
// target object a launch should open.
type ResourceLinkTarget struct {
	ResourceLinkID string
	AssignmentID   string
	TargetObjectID string
}

type CourseRepository interface {
	GetByContextID(ctx context.Context, contextID string) (*Course, error)
	Create(ctx context.Context, course Course) (*Course, error)
	AddAdmin(ctx context.Context, courseID, principalID string) error
}

type PrincipalRepository interface {
	Find(ctx context.Context, scopeKey, anonymousID string) (*Principal, error)
	// FindOrCreate is idempotent per (scope, anonymous id).
	FindOrCreate(ctx context.Context, p Principal) (*Principal, error)
}

type AssignmentRepository interface {
	GetByID(ctx context.Context, assignmentID string) (*Assignment, error)
}

type ResourceLinkRepository interface {
	GetByResourceLinkID(ctx context.Context, resourceLinkID string) (*ResourceLinkTarget, error)
}
