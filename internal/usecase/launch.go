package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"hxat/internal/config"
	"hxat/internal/domain"
	"hxat/internal/infra/lti"

	"github.com/google/uuid"
)

const (
	LaunchOutcomeAuthorized = "authorized"
	LaunchOutcomeRejected   = "rejected"
	LaunchOutcomeError      = "error"
)

// SignatureValidator verifies a signed launch and returns tenant id and
// consumer key.
type SignatureValidator interface {
	Validate(ctx context.Context, req lti.LaunchRequest) (tenantID, consumerKey string, err error)
}

type LaunchRequest struct {
	Method       string
	URL          *url.URL
	Params       domain.Params
	ClientIP     string
	SessionToken string
}

type LaunchResult struct {
	SessionToken string
	Record       domain.LaunchRecord
	Course       *domain.Course
	Principal    *domain.Principal
	RedirectURL  string
}

type LaunchOrchestrator struct {
	Validator     SignatureValidator
	Sessions      domain.SessionStore
	Launches      *LaunchSessionStore
	Courses       domain.CourseRepository
	Principals    domain.PrincipalRepository
	ResourceLinks domain.ResourceLinkRepository
	Metrics       Metrics
	NewToken      func() (string, error)
	Now           func() time.Time

	AdminRoles           []string
	AnonymousUsers       []string
	MultiTenantPlatforms []string
	IdentityScope        string
	ResourcePath         string
	AdminHubPath         string
}

func NewLaunchOrchestrator(cfg config.Config, validator SignatureValidator, sessions domain.SessionStore, courses domain.CourseRepository, principals domain.PrincipalRepository, links domain.ResourceLinkRepository, newToken func() (string, error)) *LaunchOrchestrator {
	return &LaunchOrchestrator{
		Validator:            validator,
		Sessions:             sessions,
		Launches:             NewLaunchSessionStore(cfg.Session.MaxLaunches),
		Courses:              courses,
		Principals:           principals,
		ResourceLinks:        links,
		Metrics:              NopMetrics{},
		NewToken:             newToken,
		Now:                  time.Now,
		AdminRoles:           cfg.LTI.AdminRoles,
		AnonymousUsers:       cfg.LTI.AnonymousUsers,
		MultiTenantPlatforms: cfg.LTI.MultiTenantPlatforms,
		IdentityScope:        cfg.LTI.IdentityScope,
		ResourcePath:         cfg.LTI.ResourcePath,
		AdminHubPath:         cfg.LTI.AdminHubPath,
	}
}

func (uc *LaunchOrchestrator) Execute(ctx context.Context, req LaunchRequest) (*LaunchResult, error) {
	res, err := uc.execute(ctx, req)
	switch {
	case err == nil:
		uc.metrics().Launch(LaunchOutcomeAuthorized)
	case IsLaunchRejection(err):
		uc.metrics().Launch(LaunchOutcomeRejected)
	default:
		uc.metrics().Launch(LaunchOutcomeError)
	}
	return res, err
}

func (uc *LaunchOrchestrator) execute(ctx context.Context, req LaunchRequest) (*LaunchResult, error) {
	tenantID, consumerKey, err := uc.Validator.Validate(ctx, lti.LaunchRequest{Method: req.Method, URL: req.URL, Params: req.Params})
	if err != nil {
		return nil, err
	}

	params := req.Params
	if mt := params.Get(domain.ParamMessageType); mt != domain.MessageTypeBasicLaunch {
		return nil, domain.MissingParam(domain.ParamMessageType)
	}
	launchID := strings.TrimSpace(params.Get(domain.ParamResourceLinkID))
	if launchID == "" {
		return nil, domain.MissingParam(domain.ParamResourceLinkID)
	}
	if strings.TrimSpace(tenantID) == "" {
		return nil, domain.MissingParam(domain.ParamContextID)
	}
	principalID := params.Get(domain.ParamUserID)
	displayName, err := uc.displayName(params, principalID)
	if err != nil {
		return nil, err
	}

	roles := domain.ParseRoles(params.Get(domain.ParamRoles))
	rec := domain.LaunchRecord{
		LaunchID:    launchID,
		ConsumerKey: consumerKey,
		TenantID:    tenantID,
		PrincipalID: principalID,
		ScopeKey:    ScopeKey(uc.IdentityScope, uc.MultiTenantPlatforms, params),
		DisplayName: displayName,
		Roles:       roles,
		Staff:       roles.Intersects(uc.AdminRoles),
		Params:      params,
		CreatedAt:   uc.now().UTC(),
		ClientIP:    req.ClientIP,
	}
	if uc.ResourceLinks != nil {
		link, err := uc.ResourceLinks.GetByResourceLinkID(ctx, launchID)
		switch {
		case err == nil:
			rec.CollectionID = link.AssignmentID
			rec.TargetObjectID = link.TargetObjectID
		case errors.Is(err, domain.ErrNotFound):
		default:
			return nil, fmt.Errorf("resolve resource link: %w", err)
		}
	}

	token := req.SessionToken
	if token == "" {
		if token, err = uc.NewToken(); err != nil {
			return nil, fmt.Errorf("new session token: %w", err)
		}
	}
	err = uc.Sessions.Update(ctx, token, func(sess *domain.LaunchSession) error {
		uc.Launches.Put(sess, launchID, rec)
		sess.LoggedIP = req.ClientIP
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update launch session: %w", err)
	}

	principal, err := uc.Principals.FindOrCreate(ctx, domain.Principal{
		ScopeKey:    rec.ScopeKey,
		AnonymousID: principalID,
		Name:        displayName,
		Roles:       roles,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve principal: %w", err)
	}

	course, err := uc.resolveCourse(ctx, rec, params)
	if err != nil {
		return nil, err
	}
	if rec.Staff {
		if err := uc.Courses.AddAdmin(ctx, course.ID, principal.ID); err != nil {
			return nil, fmt.Errorf("add course admin: %w", err)
		}
	}

	return &LaunchResult{
		SessionToken: token,
		Record:       rec,
		Course:       course,
		Principal:    principal,
		RedirectURL:  uc.redirectURL(rec, token),
	}, nil
}

func (uc *LaunchOrchestrator) displayName(params domain.Params, principalID string) (string, error) {
	for _, key := range []string{domain.ParamPersonSourcedID, domain.ParamPersonNameFull} {
		if v := strings.TrimSpace(params.Get(key)); v != "" {
			return v, nil
		}
	}
	for _, anon := range uc.AnonymousUsers {
		if principalID == anon {
			return "Anonymous", nil
		}
	}
	return "", domain.MissingParam(domain.ParamPersonNameFull)
}

func (uc *LaunchOrchestrator) resolveCourse(ctx context.Context, rec domain.LaunchRecord, params domain.Params) (*domain.Course, error) {
	course, err := uc.Courses.GetByContextID(ctx, rec.TenantID)
	if err == nil {
		return course, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("resolve course: %w", err)
	}
	if !rec.Staff {
		return nil, fmt.Errorf("course %q not supported: %w", rec.TenantID, domain.ErrPlatform)
	}
	name := strings.TrimSpace(params.Get(domain.ParamContextTitle))
	if name == "" {
		name = "noname-" + uuid.NewString()
	}
	created, err := uc.Courses.Create(ctx, domain.Course{
		ContextID: rec.TenantID,
		Name:      name,
		CreatedAt: uc.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("create course: %w", err)
	}
	return created, nil
}

func (uc *LaunchOrchestrator) redirectURL(rec domain.LaunchRecord, token string) string {
	q := url.Values{}
	q.Set(domain.ParamResourceLinkID, rec.LaunchID)
	q.Set("utm_source", token)
	path := uc.AdminHubPath
	if rec.CollectionID != "" && rec.TargetObjectID != "" {
		path = fmt.Sprintf(uc.ResourcePath, url.PathEscape(rec.CollectionID), url.PathEscape(rec.TargetObjectID))
	}
	return path + "?" + q.Encode()
}

func (uc *LaunchOrchestrator) metrics() Metrics {
	if uc.Metrics == nil {
		return NopMetrics{}
	}
	return uc.Metrics
}

func (uc *LaunchOrchestrator) now() time.Time {
	if uc.Now == nil {
		return time.Now()
	}
	return uc.Now()
}

// ScopeKey derives the key under which a principal is unique. In auto mode
// the tool consumer instance scopes identity only for known multi-tenant
// platforms.
func ScopeKey(mode string, multiTenant []string, params domain.Params) string {
	contextID := params.Get(domain.ParamContextID)
	guid := strings.TrimSpace(params.Get(domain.ParamConsumerInstanceID))
	switch mode {
	case config.IdentityScopeCourse:
		return "course:" + contextID
	case config.IdentityScopeInstance:
		if guid != "" {
			return "instance:" + guid
		}
		return "course:" + contextID
	}
	if guid == "" {
		return "course:" + contextID
	}
	product := strings.ToLower(params.Get(domain.ParamConsumerProductCode))
	for _, p := range multiTenant {
		if strings.ToLower(p) == product {
			return "instance:" + guid
		}
	}
	return "course:" + contextID
}

// IsLaunchRejection reports whether err is one of the classified launch
// failures rather than an unexpected error.
func IsLaunchRejection(err error) bool {
	for _, target := range []error{
		domain.ErrInvalidSignature,
		domain.ErrUnknownConsumer,
		domain.ErrStaleTimestamp,
		domain.ErrNonceReused,
		domain.ErrMissingRequiredParam,
		domain.ErrPlatform,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
