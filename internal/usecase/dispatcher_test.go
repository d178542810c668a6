package usecase

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hxat/internal/config"
	"hxat/internal/domain"
	"hxat/internal/infra/annostore"
	"hxat/internal/infra/memstore"
	"hxat/pkg/logger"
)

type recordingSink struct {
	mu     sync.Mutex
	grades []GradeJob
	groups []string
	msgs   []domain.NotificationMessage
}

func (s *recordingSink) SubmitGrade(job GradeJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grades = append(s.grades, job)
}

func (s *recordingSink) Publish(group string, msg domain.NotificationMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups = append(s.groups, group)
	s.msgs = append(s.msgs, msg)
}

type backendStub struct {
	srv   *httptest.Server
	calls atomic.Int32
	last  atomic.Value
}

func newBackendStub(t *testing.T, handler http.HandlerFunc) *backendStub {
	t.Helper()
	b := &backendStub{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.calls.Add(1)
		b.last.Store(r.URL.String())
		handler(w, r)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

type dispatchFixture struct {
	d     *AnnotationDispatcher
	store *memstore.Store
	sink  *recordingSink
}

func newDispatchFixture(t *testing.T, defaultURL string) dispatchFixture {
	t.Helper()
	cfg := config.Default()
	cfg.AnnotationStore.URL = defaultURL
	cfg.AnnotationStore.APIKey = "default-key"
	cfg.AnnotationStore.Secret = "default-secret"
	cfg.AnnotationStore.SearchTimeout = 200 * time.Millisecond
	client, err := annostore.NewClient(cfg.AnnotationStore, nil)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	store := memstore.New()
	sink := &recordingSink{}
	d := NewAnnotationDispatcher(cfg, client, store, sink, logger.Discard())
	return dispatchFixture{d: d, store: store, sink: sink}
}

func learnerLaunch(withOutcome bool) domain.LaunchRecord {
	rec := domain.LaunchRecord{
		LaunchID:       "link-1",
		TenantID:       "courseA",
		PrincipalID:    "user-1",
		CollectionID:   "asg-1",
		TargetObjectID: "7",
	}
	if withOutcome {
		rec.Params = domain.Params{
			{Key: domain.ParamOutcomeServiceURL, Value: "https://lms.example.com/outcomes"},
			{Key: domain.ParamResultSourcedID, Value: "sourced-1"},
		}
	}
	return rec
}

const createBody = `{"id":"a1","platform":{"context_id":"courseA","collection_id":"asg-1","target_source_id":"7"},"creator":{"id":"user-1"}}`

func okJSON(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}

func TestDispatchRejectsContextMismatchWithoutOutboundCall(t *testing.T) {
	b := newBackendStub(t, okJSON(`{}`))
	f := newDispatchFixture(t, b.srv.URL)

	cases := map[string]DispatchRequest{
		"search":  {Op: domain.OpSearch, Query: url.Values{"context_id": {"courseB"}}},
		"missing": {Op: domain.OpSearch, Query: url.Values{}},
		"create":  {Op: domain.OpCreate, Body: []byte(`{"platform":{"context_id":"courseB"},"creator":{"id":"user-1"}}`)},
		"delete":  {Op: domain.OpDelete, AnnotationID: "a1", Query: url.Values{"context_id": {"other"}}},
	}
	for name, req := range cases {
		req.Launch = learnerLaunch(true)
		_, err := f.d.Dispatch(context.Background(), req)
		ve, ok := domain.IsVerificationError(err)
		if !ok || ve.Code != CodeContextMismatch {
			t.Fatalf("%s: expected context mismatch, got %v", name, err)
		}
	}
	if got := b.calls.Load(); got != 0 {
		t.Fatalf("expected no outbound calls, got %d", got)
	}
}

func TestDispatchSearchFallsBackToDefaultBackend(t *testing.T) {
	b := newBackendStub(t, okJSON(`{"total":0,"rows":[]}`))
	f := newDispatchFixture(t, b.srv.URL)

	resp, err := f.d.Dispatch(context.Background(), DispatchRequest{
		Op:     domain.OpSearch,
		Query:  url.Values{"context_id": {"courseA"}, "collection_id": {"unknown-assignment"}},
		Launch: learnerLaunch(true),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Status != http.StatusOK || b.calls.Load() != 1 {
		t.Fatalf("expected proxied search, got status %d calls %d", resp.Status, b.calls.Load())
	}
	if len(f.sink.grades) != 0 {
		t.Fatal("empty search must not trigger a grade")
	}
}

func TestDispatchUsesAssignmentBackend(t *testing.T) {
	def := newBackendStub(t, okJSON(`{}`))
	own := newBackendStub(t, okJSON(`{"total":1}`))
	f := newDispatchFixture(t, def.srv.URL)
	f.store.PutAssignment(domain.Assignment{
		ID:        "asg-1",
		ContextID: "courseA",
		Backend:   domain.AssignmentBackendConfig{BaseURL: own.srv.URL, APIKey: "k", Secret: "s"},
	})

	_, err := f.d.Dispatch(context.Background(), DispatchRequest{
		Op:     domain.OpSearch,
		Query:  url.Values{"context_id": {"courseA"}, "collection_id": {"asg-1"}, "userid": {"user-1"}},
		Launch: learnerLaunch(true),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if def.calls.Load() != 0 || own.calls.Load() != 1 {
		t.Fatalf("expected assignment backend, got default=%d own=%d", def.calls.Load(), own.calls.Load())
	}
	if len(f.sink.grades) != 1 {
		t.Fatalf("own non-empty search must trigger one grade, got %d", len(f.sink.grades))
	}
}

func TestDispatchAssignmentCourseMismatch(t *testing.T) {
	b := newBackendStub(t, okJSON(`{}`))
	f := newDispatchFixture(t, b.srv.URL)
	f.store.PutAssignment(domain.Assignment{ID: "asg-1", ContextID: "courseB"})
	req := DispatchRequest{
		Op:     domain.OpSearch,
		Query:  url.Values{"context_id": {"courseA"}, "collection_id": {"asg-1"}},
		Launch: learnerLaunch(false),
	}

	_, err := f.d.Dispatch(context.Background(), req)
	if ve, ok := domain.IsVerificationError(err); !ok || ve.Code != CodeAssignmentMismatch {
		t.Fatalf("expected assignment mismatch, got %v", err)
	}
	if b.calls.Load() != 0 {
		t.Fatal("strict mismatch must not reach the backend")
	}

	f.d.StrictAssignmentCourse = false
	if _, err := f.d.Dispatch(context.Background(), req); err != nil {
		t.Fatalf("soft mismatch should proxy: %v", err)
	}
	if b.calls.Load() != 1 {
		t.Fatal("expected one call in soft mode")
	}
}

func TestDispatchCreatorCheck(t *testing.T) {
	b := newBackendStub(t, okJSON(createBody))
	f := newDispatchFixture(t, b.srv.URL)
	body := []byte(`{"platform":{"context_id":"courseA","collection_id":"asg-1","target_source_id":"7"},"creator":{"id":"someone-else"}}`)

	_, err := f.d.Dispatch(context.Background(), DispatchRequest{Op: domain.OpCreate, Body: body, Launch: learnerLaunch(false)})
	if ve, ok := domain.IsVerificationError(err); !ok || ve.Code != CodeCreatorMismatch {
		t.Fatalf("expected creator mismatch, got %v", err)
	}
	if b.calls.Load() != 0 {
		t.Fatal("rejected create must not reach the backend")
	}

	staff := learnerLaunch(false)
	staff.Staff = true
	resp, err := f.d.Dispatch(context.Background(), DispatchRequest{Op: domain.OpCreate, Body: body, Launch: staff})
	if err != nil || !resp.OK() {
		t.Fatalf("staff create should proxy: %v", err)
	}
	if b.calls.Load() != 1 {
		t.Fatalf("expected one outbound call, got %d", b.calls.Load())
	}
}

func TestDispatchCreateGradesOnlyWithOutcomeService(t *testing.T) {
	b := newBackendStub(t, okJSON(createBody))
	f := newDispatchFixture(t, b.srv.URL)

	if _, err := f.d.Dispatch(context.Background(), DispatchRequest{Op: domain.OpCreate, Body: []byte(createBody), Launch: learnerLaunch(false)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(f.sink.grades) != 0 {
		t.Fatal("launch without outcome service must not grade")
	}
	if _, err := f.d.Dispatch(context.Background(), DispatchRequest{Op: domain.OpCreate, Body: []byte(createBody), Launch: learnerLaunch(true)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(f.sink.grades) != 1 || f.sink.grades[0].Score != ParticipationScore || f.sink.grades[0].AssignmentID != "asg-1" {
		t.Fatalf("expected exactly one grade, got %+v", f.sink.grades)
	}
}

func TestDispatchPublishesNotificationOnMutation(t *testing.T) {
	b := newBackendStub(t, okJSON(createBody))
	f := newDispatchFixture(t, b.srv.URL)

	if _, err := f.d.Dispatch(context.Background(), DispatchRequest{Op: domain.OpCreate, Body: []byte(createBody), Launch: learnerLaunch(false)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(f.sink.groups) != 1 || f.sink.groups[0] != "courseA--asg-1--7" {
		t.Fatalf("unexpected groups %v", f.sink.groups)
	}
	if f.sink.msgs[0].Type != domain.NotificationCreated || f.sink.msgs[0].Message != createBody {
		t.Fatalf("unexpected message %+v", f.sink.msgs[0])
	}

	if _, err := f.d.Dispatch(context.Background(), DispatchRequest{
		Op:           domain.OpDelete,
		AnnotationID: "a1",
		Query:        url.Values{"context_id": {"courseA"}},
		Launch:       learnerLaunch(false),
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(f.sink.msgs) != 2 || f.sink.msgs[1].Type != domain.NotificationDeleted {
		t.Fatalf("expected delete notification, got %+v", f.sink.msgs)
	}
}

func TestDispatchNotifiesWithRequestPayloadWhenResponseIsBare(t *testing.T) {
	b := newBackendStub(t, okJSON(`{"status":"updated"}`))
	f := newDispatchFixture(t, b.srv.URL)

	if _, err := f.d.Dispatch(context.Background(), DispatchRequest{
		Op:           domain.OpUpdate,
		AnnotationID: "a1",
		Body:         []byte(createBody),
		Launch:       learnerLaunch(false),
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(f.sink.msgs) != 1 || f.sink.msgs[0].Type != domain.NotificationUpdated {
		t.Fatalf("expected one update notification, got %+v", f.sink.msgs)
	}
	if f.sink.msgs[0].Message != createBody {
		t.Fatalf("subscribers must receive the annotation, got %q", f.sink.msgs[0].Message)
	}
}

func TestDispatchPassesThroughBackendErrors(t *testing.T) {
	b := newBackendStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"detail":"conflict"}`)
	})
	f := newDispatchFixture(t, b.srv.URL)

	resp, err := f.d.Dispatch(context.Background(), DispatchRequest{Op: domain.OpCreate, Body: []byte(createBody), Launch: learnerLaunch(true)})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Status != http.StatusConflict || string(resp.Body) != `{"detail":"conflict"}` {
		t.Fatalf("expected verbatim response, got %d %s", resp.Status, resp.Body)
	}
	if len(f.sink.grades) != 0 || len(f.sink.msgs) != 0 {
		t.Fatal("failed create must not trigger side effects")
	}
}

func TestDispatchSearchTimeout(t *testing.T) {
	release := make(chan struct{})
	b := newBackendStub(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	f := newDispatchFixture(t, b.srv.URL)
	f.d.SearchTimeout = 50 * time.Millisecond

	_, err := f.d.Dispatch(context.Background(), DispatchRequest{
		Op:     domain.OpSearch,
		Query:  url.Values{"context_id": {"courseA"}, "userid": {"user-1"}},
		Launch: learnerLaunch(true),
	})
	if !errors.Is(err, domain.ErrBackendTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if len(f.sink.msgs) != 0 || len(f.sink.grades) != 0 {
		t.Fatal("timed out request must not trigger side effects")
	}
}

func TestGradeMe(t *testing.T) {
	b := newBackendStub(t, okJSON(`{"total":3}`))
	f := newDispatchFixture(t, b.srv.URL)

	sent, err := f.d.GradeMe(context.Background(), learnerLaunch(false))
	if err != nil || sent {
		t.Fatalf("no outcome service: expected false, got %v %v", sent, err)
	}
	if b.calls.Load() != 0 {
		t.Fatal("grade me without outcome service must not search")
	}

	sent, err = f.d.GradeMe(context.Background(), learnerLaunch(true))
	if err != nil || !sent {
		t.Fatalf("expected grade sent, got %v %v", sent, err)
	}
	q, _ := url.ParseQuery(mustQuery(t, b.last.Load().(string)))
	if q.Get("userid") != "user-1" || q.Get("context_id") != "courseA" || q.Get("source_id") != "7" {
		t.Fatalf("unexpected synthesized search %v", q)
	}
}

func mustQuery(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return u.RawQuery
}
