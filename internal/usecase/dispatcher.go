package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"hxat/internal/config"
	"hxat/internal/domain"

	"github.com/sirupsen/logrus"
)

const (
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeContextMismatch    = "CONTEXT_MISMATCH"
	CodeAssignmentMismatch = "ASSIGNMENT_MISMATCH"
	CodeCreatorMismatch    = "CREATOR_MISMATCH"
)

// ParticipationScore is reported to the platform once a principal has
// annotated an assignment.
const ParticipationScore = 1.0

// AnnotationStore is the outbound proxy to one annotation store flavour.
type AnnotationStore interface {
	Do(ctx context.Context, req domain.StoreRequest) (*domain.StoreResponse, error)
	ParseEnvelope(body []byte) (domain.AnnotationEnvelope, error)
	ParseSearch(query url.Values) domain.SearchFilter
	SearchQuery(filter domain.SearchFilter, limit int) url.Values
	SearchTotal(body []byte) (int, bool)
}

// SideEffectSink accepts fire-and-forget work. Neither method can fail the
// caller.
type SideEffectSink interface {
	SubmitGrade(job GradeJob)
	Publish(group string, msg domain.NotificationMessage)
}

type DispatchRequest struct {
	Op           domain.StoreOperation
	AnnotationID string
	Query        url.Values
	Body         []byte
	Launch       domain.LaunchRecord
}

type AnnotationDispatcher struct {
	Store       AnnotationStore
	Assignments domain.AssignmentRepository
	SideEffects SideEffectSink
	Metrics     Metrics
	Log         logrus.FieldLogger

	DefaultBackend         domain.AssignmentBackendConfig
	SearchTimeout          time.Duration
	MutationTimeout        time.Duration
	StrictAssignmentCourse bool
}

func NewAnnotationDispatcher(cfg config.Config, store AnnotationStore, assignments domain.AssignmentRepository, sink SideEffectSink, log logrus.FieldLogger) *AnnotationDispatcher {
	baseURL, apiKey, secret := cfg.DefaultBackend()
	return &AnnotationDispatcher{
		Store:       store,
		Assignments: assignments,
		SideEffects: sink,
		Metrics:     NopMetrics{},
		Log:         log,
		DefaultBackend: domain.AssignmentBackendConfig{
			BaseURL: baseURL,
			APIKey:  apiKey,
			Secret:  secret,
		},
		SearchTimeout:          cfg.AnnotationStore.SearchTimeout,
		MutationTimeout:        cfg.AnnotationStore.MutationTimeout,
		StrictAssignmentCourse: cfg.AnnotationStore.StrictAssignmentCourse,
	}
}

// Dispatch verifies the request against the launch and proxies it. Any
// backend response, including non-2xx, is returned for pass-through.
func (d *AnnotationDispatcher) Dispatch(ctx context.Context, req DispatchRequest) (*domain.StoreResponse, error) {
	rec := req.Launch
	filter := d.Store.ParseSearch(req.Query)

	var env domain.AnnotationEnvelope
	contextID, collectionID := filter.ContextID, filter.CollectionID
	if req.Op == domain.OpCreate || req.Op == domain.OpUpdate {
		var err error
		env, err = d.Store.ParseEnvelope(req.Body)
		if err != nil {
			return nil, &domain.VerificationError{Code: CodeInvalidPayload, Reason: "annotation body is not valid JSON"}
		}
		if filter.ContextID != "" && filter.ContextID != env.ContextID {
			return nil, &domain.VerificationError{Code: CodeContextMismatch, Reason: "query and payload context differ"}
		}
		contextID = env.ContextID
		if env.CollectionID != "" {
			collectionID = env.CollectionID
		}
	}

	if contextID == "" || contextID != rec.TenantID {
		return nil, &domain.VerificationError{Code: CodeContextMismatch, Reason: "context does not match launch"}
	}
	backend, err := d.resolveBackend(ctx, rec, collectionID)
	if err != nil {
		return nil, err
	}
	if (req.Op == domain.OpCreate || req.Op == domain.OpUpdate) && !rec.Staff && env.CreatorID != rec.PrincipalID {
		return nil, &domain.VerificationError{Code: CodeCreatorMismatch, Reason: "creator does not match launch principal"}
	}

	storeReq := domain.StoreRequest{
		Op:           req.Op,
		AnnotationID: req.AnnotationID,
		Query:        req.Query,
		Body:         req.Body,
		Backend:      backend,
		PrincipalID:  rec.PrincipalID,
		Elevated:     rec.Staff && req.Op == domain.OpSearch,
		Timeout:      d.timeoutFor(req.Op),
	}
	resp, err := d.do(ctx, storeReq)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return resp, nil
	}

	switch {
	case req.Op == domain.OpCreate:
		d.submitGrade(rec, collectionID)
	case req.Op == domain.OpSearch && filter.IncludesUser(rec.PrincipalID):
		if total, ok := d.Store.SearchTotal(resp.Body); ok && total > 0 {
			d.submitGrade(rec, collectionID)
		}
	}
	if req.Op.Mutates() {
		d.notify(rec, req.Op, req.AnnotationID, env, resp)
	}
	return resp, nil
}

// GradeMe searches the launch's own annotations and, when there are any,
// queues a participation grade. It reports whether a grade was queued.
func (d *AnnotationDispatcher) GradeMe(ctx context.Context, rec domain.LaunchRecord) (bool, error) {
	if !rec.ExpectsGrade() {
		return false, nil
	}
	backend, err := d.resolveBackend(ctx, rec, rec.CollectionID)
	if err != nil {
		return false, err
	}
	query := d.Store.SearchQuery(domain.SearchFilter{
		ContextID:    rec.TenantID,
		CollectionID: rec.CollectionID,
		SourceID:     rec.TargetObjectID,
		UserIDs:      []string{rec.PrincipalID},
	}, 1)
	resp, err := d.do(ctx, domain.StoreRequest{
		Op:          domain.OpSearch,
		Query:       query,
		Backend:     backend,
		PrincipalID: rec.PrincipalID,
		Timeout:     d.timeoutFor(domain.OpSearch),
	})
	if err != nil {
		return false, err
	}
	if !resp.OK() {
		return false, nil
	}
	if total, ok := d.Store.SearchTotal(resp.Body); !ok || total == 0 {
		return false, nil
	}
	d.submitGrade(rec, rec.CollectionID)
	return true, nil
}

func (d *AnnotationDispatcher) resolveBackend(ctx context.Context, rec domain.LaunchRecord, assignmentID string) (domain.AssignmentBackendConfig, error) {
	if assignmentID == "" || d.Assignments == nil {
		return d.DefaultBackend, nil
	}
	assignment, err := d.Assignments.GetByID(ctx, assignmentID)
	if errors.Is(err, domain.ErrNotFound) {
		return d.DefaultBackend, nil
	}
	if err != nil {
		return domain.AssignmentBackendConfig{}, fmt.Errorf("resolve assignment %s: %w", assignmentID, err)
	}
	if assignment.ContextID != rec.TenantID {
		if d.StrictAssignmentCourse {
			return domain.AssignmentBackendConfig{}, &domain.VerificationError{Code: CodeAssignmentMismatch, Reason: "assignment belongs to another course"}
		}
		d.logger().WithFields(logrus.Fields{
			"assignment_id": assignmentID,
			"tenant_id":     rec.TenantID,
			"course":        assignment.ContextID,
		}).Warn("assignment course does not match launch")
	}
	if assignment.Backend.IsZero() {
		return d.DefaultBackend, nil
	}
	return assignment.Backend, nil
}

func (d *AnnotationDispatcher) do(ctx context.Context, req domain.StoreRequest) (*domain.StoreResponse, error) {
	resp, err := d.Store.Do(ctx, req)
	switch {
	case errors.Is(err, domain.ErrBackendTimeout):
		d.metrics().StoreRequest(string(req.Op), "timeout")
		return nil, err
	case err != nil:
		d.metrics().StoreRequest(string(req.Op), "error")
		return nil, err
	}
	d.metrics().StoreRequest(string(req.Op), strconv.Itoa(resp.Status))
	return resp, nil
}

func (d *AnnotationDispatcher) timeoutFor(op domain.StoreOperation) time.Duration {
	if op == domain.OpSearch || op == domain.OpRead {
		return d.SearchTimeout
	}
	return d.MutationTimeout
}

func (d *AnnotationDispatcher) submitGrade(rec domain.LaunchRecord, assignmentID string) {
	if d.SideEffects == nil || !rec.ExpectsGrade() {
		return
	}
	d.SideEffects.SubmitGrade(GradeJob{Launch: rec, AssignmentID: assignmentID, Score: ParticipationScore})
}

func (d *AnnotationDispatcher) notify(rec domain.LaunchRecord, op domain.StoreOperation, annotationID string, reqEnv domain.AnnotationEnvelope, resp *domain.StoreResponse) {
	typ, ok := domain.NotificationTypeFor(op)
	if !ok || d.SideEffects == nil {
		return
	}
	env := reqEnv
	if len(resp.Body) > 0 {
		if parsed, err := d.Store.ParseEnvelope(resp.Body); err == nil && parsed.CollectionID != "" {
			env = parsed
		}
	}
	collection, target := env.CollectionID, env.TargetSourceID
	if collection == "" {
		collection = rec.CollectionID
	}
	if target == "" {
		target = rec.TargetObjectID
	}
	if env.ID != "" {
		annotationID = env.ID
	}
	log := d.logger().WithFields(logrus.Fields{"op": op, "annotation_id": annotationID})
	if collection == "" || target == "" {
		log.Debug("no target for notification; skipping")
		return
	}
	payload := env.Raw
	if len(payload) == 0 {
		payload = resp.Body
	}
	group := domain.NotificationGroup(rec.TenantID, collection, target)
	log.WithField("group", group).Debug("publishing notification")
	d.SideEffects.Publish(group, domain.NotificationMessage{
		Type:    typ,
		Message: string(payload),
	})
}

func (d *AnnotationDispatcher) metrics() Metrics {
	if d.Metrics == nil {
		return NopMetrics{}
	}
	return d.Metrics
}

func (d *AnnotationDispatcher) logger() logrus.FieldLogger {
	if d.Log == nil {
		return logrus.StandardLogger()
	}
	return d.Log
}
