package memstore

import (
	"context"
	"sync"
	"time"

	"hxat/internal/domain"

	"github.com/google/uuid"
)

// Store is an in-process implementation of the course, principal,
// assignment and resource link repositories.
type Store struct {
	mu          sync.Mutex
	courses     map[string]domain.Course
	admins      map[string]map[string]bool
	principals  map[string]domain.Principal
	assignments map[string]domain.Assignment
	links       map[string]domain.ResourceLinkTarget
}

func New() *Store {
	return &Store{
		courses:     make(map[string]domain.Course),
		admins:      make(map[string]map[string]bool),
		principals:  make(map[string]domain.Principal),
		assignments: make(map[string]domain.Assignment),
		links:       make(map[string]domain.ResourceLinkTarget),
	}
}

func (s *Store) GetByContextID(_ context.Context, contextID string) (*domain.Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	course, ok := s.courses[contextID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &course, nil
}

func (s *Store) Create(_ context.Context, course domain.Course) (*domain.Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.courses[course.ContextID]; ok {
		return &existing, nil
	}
	if course.ID == "" {
		course.ID = uuid.NewString()
	}
	if course.CreatedAt.IsZero() {
		course.CreatedAt = time.Now().UTC()
	}
	s.courses[course.ContextID] = course
	return &course, nil
}

func (s *Store) AddAdmin(_ context.Context, courseID, principalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.admins[courseID] == nil {
		s.admins[courseID] = make(map[string]bool)
	}
	s.admins[courseID][principalID] = true
	return nil
}

func (s *Store) IsAdmin(courseID, principalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admins[courseID][principalID]
}

// Principals returns a view of the store satisfying domain.PrincipalRepository.
func (s *Store) Principals() *Principals {
	return &Principals{s: s}
}

type Principals struct {
	s *Store
}

func principalKey(scopeKey, anonymousID string) string {
	return scopeKey + "\x00" + anonymousID
}

func (p *Principals) Find(_ context.Context, scopeKey, anonymousID string) (*domain.Principal, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	principal, ok := p.s.principals[principalKey(scopeKey, anonymousID)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &principal, nil
}

func (p *Principals) FindOrCreate(_ context.Context, principal domain.Principal) (*domain.Principal, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	key := principalKey(principal.ScopeKey, principal.AnonymousID)
	if existing, ok := p.s.principals[key]; ok {
		return &existing, nil
	}
	if principal.ID == "" {
		principal.ID = uuid.NewString()
	}
	if principal.CreatedAt.IsZero() {
		principal.CreatedAt = time.Now().UTC()
	}
	p.s.principals[key] = principal
	return &principal, nil
}

func (p *Principals) Count() int {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return len(p.s.principals)
}

func (s *Store) PutAssignment(a domain.Assignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[a.ID] = a
}

func (s *Store) GetByID(_ context.Context, assignmentID string) (*domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[assignmentID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &a, nil
}

func (s *Store) PutResourceLink(link domain.ResourceLinkTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[link.ResourceLinkID] = link
}

func (s *Store) GetByResourceLinkID(_ context.Context, resourceLinkID string) (*domain.ResourceLinkTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[resourceLinkID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &link, nil
}

var (
	_ domain.CourseRepository       = (*Store)(nil)
	_ domain.AssignmentRepository   = (*Store)(nil)
	_ domain.ResourceLinkRepository = (*Store)(nil)
	_ domain.PrincipalRepository    = (*Principals)(nil)
)
