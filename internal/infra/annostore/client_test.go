package annostore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"hxat/internal/config"
	"hxat/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

var tokenNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// parseStoreToken verifies a token the way the annotation store does.
func parseStoreToken(token, secret string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time { return tokenNow }))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func newTestClient(t *testing.T, kind string) *Client {
	t.Helper()
	cfg := config.Default().AnnotationStore
	cfg.Kind = kind
	c, err := NewClient(cfg, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	c.Now = func() time.Time { return tokenNow }
	return c
}

func TestCatchpySearchForwardsQueryAndToken(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery, gotAuth = r.URL.Path, r.URL.RawQuery, r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"total":2,"rows":[]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, config.BackendCatchpy)
	q := c.SearchQuery(domain.SearchFilter{ContextID: "courseA", UserIDs: []string{"u1"}}, 10)
	resp, err := c.Do(context.Background(), domain.StoreRequest{
		Op:          domain.OpSearch,
		Query:       q,
		Backend:     domain.AssignmentBackendConfig{BaseURL: srv.URL + "/", APIKey: "key", Secret: "s3cret"},
		PrincipalID: "u1",
		Timeout:     time.Second,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if gotPath != "/annos/" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	parsed, _ := url.ParseQuery(gotQuery)
	if parsed.Get("context_id") != "courseA" || parsed.Get("userid") != "u1" {
		t.Fatalf("unexpected query %s", gotQuery)
	}
	if !strings.HasPrefix(gotAuth, "token ") {
		t.Fatalf("expected token auth header, got %q", gotAuth)
	}
	claims, err := parseStoreToken(strings.TrimPrefix(gotAuth, "token "), "s3cret")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if claims.Subject != "u1" || claims.ConsumerKey != "key" || claims.TTL != 60 {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if total, ok := c.SearchTotal(resp.Body); !ok || total != 2 {
		t.Fatalf("expected total 2, got %d %v", total, ok)
	}
}

func TestAnnotatorRoutesAndHeader(t *testing.T) {
	var gotMethod, gotPath, gotToken, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotMethod, gotPath, gotToken, gotBody = r.Method, r.URL.Path, r.Header.Get("x-annotator-auth-token"), string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, config.BackendAnnotator)
	_, err := c.Do(context.Background(), domain.StoreRequest{
		Op:           domain.OpUpdate,
		AnnotationID: "42",
		Body:         []byte(`{"id":42}`),
		Backend:      domain.AssignmentBackendConfig{BaseURL: srv.URL, APIKey: "key", Secret: "s"},
		PrincipalID:  "u1",
		Elevated:     true,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/update/42" || gotBody != `{"id":42}` {
		t.Fatalf("unexpected request %s %s %s", gotMethod, gotPath, gotBody)
	}
	claims, err := parseStoreToken(gotToken, "s")
	if err != nil || claims.TTL != 300 {
		t.Fatalf("expected elevated token, got %+v %v", claims, err)
	}
}

func TestClientTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, config.BackendCatchpy)
	_, err := c.Do(context.Background(), domain.StoreRequest{
		Op:      domain.OpCreate,
		Body:    []byte(`{}`),
		Backend: domain.AssignmentBackendConfig{BaseURL: srv.URL, Secret: "s"},
		Timeout: 50 * time.Millisecond,
	})
	if !errors.Is(err, domain.ErrBackendTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if err.Error() == "" || !strings.HasPrefix(err.Error(), "request timeout") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestClientUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := newTestClient(t, config.BackendCatchpy)
	_, err := c.Do(context.Background(), domain.StoreRequest{
		Op:      domain.OpSearch,
		Backend: domain.AssignmentBackendConfig{BaseURL: base, Secret: "s"},
		Timeout: time.Second,
	})
	if !errors.Is(err, domain.ErrBackendUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestParseEnvelopeVariants(t *testing.T) {
	cp, _ := NewBackend(config.BackendCatchpy)
	env, err := cp.ParseEnvelope([]byte(`{"id":"a1","platform":{"context_id":"c","collection_id":"col","target_source_id":"7"},"creator":{"id":"u1"},"permissions":{"can_read":[]}}`))
	if err != nil {
		t.Fatalf("catchpy: %v", err)
	}
	if env.ContextID != "c" || env.CollectionID != "col" || env.TargetSourceID != "7" || env.CreatorID != "u1" {
		t.Fatalf("unexpected catchpy envelope %+v", env)
	}

	an, _ := NewBackend(config.BackendAnnotator)
	env, err = an.ParseEnvelope([]byte(`{"id":9,"contextId":"c","collectionId":"col","uri":12,"user":{"id":"u2"},"permissions":{"read":["u2"]}}`))
	if err != nil {
		t.Fatalf("annotator: %v", err)
	}
	if env.ID != "9" || env.TargetSourceID != "12" || env.CreatorID != "u2" || string(env.Raw) == "" {
		t.Fatalf("unexpected annotator envelope %+v", env)
	}

	f := an.ParseSearch(url.Values{"contextId": {"c"}, "userid": {"u1", "u2"}})
	if f.ContextID != "c" || !f.IncludesUser("u2") {
		t.Fatalf("unexpected filter %+v", f)
	}

	if _, err := NewBackend("hypothesis"); err == nil {
		t.Fatal("expected unknown backend to fail")
	}
}

func TestMintTokenRequiresSecret(t *testing.T) {
	if _, err := MintToken("key", "", "u1", time.Minute, tokenNow); err == nil {
		t.Fatal("expected error without secret")
	}
}
