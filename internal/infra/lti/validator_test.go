package lti

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"hxat/internal/domain"
)

type memNonces struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (m *memNonces) Remember(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = map[string]bool{}
	}
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func launchParams() domain.Params {
	return domain.Params{
		{Key: domain.ParamMessageType, Value: domain.MessageTypeBasicLaunch},
		{Key: "lti_version", Value: "LTI-1p0"},
		{Key: domain.ParamResourceLinkID, Value: "link-1"},
		{Key: domain.ParamContextID, Value: "courseA"},
		{Key: domain.ParamUserID, Value: "user-1"},
		{Key: domain.ParamPersonNameFull, Value: "Ada Lovelace"},
		{Key: domain.ParamRoles, Value: "Learner"},
	}
}

func signedLaunch(t *testing.T, rawURL, key, secret string) LaunchRequest {
	t.Helper()
	params, err := SignRequest("POST", rawURL, key, secret, launchParams(), fixedNow)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	u, _ := url.Parse(rawURL)
	return LaunchRequest{Method: "POST", URL: u, Params: params}
}

func newTestValidator(secrets SecretResolver) *Validator {
	return NewValidator(secrets, 5*time.Minute, 10*time.Minute,
		WithClock(func() time.Time { return fixedNow }),
		WithNonceStore(&memNonces{}))
}

func TestBaseStringNormalizesParams(t *testing.T) {
	params := domain.Params{{Key: "b", Value: "x y"}, {Key: "a", Value: "1"}, {Key: paramSignature, Value: "ignored"}}
	got := BaseString("post", "http://example.com/launch", params)
	want := "POST&http%3A%2F%2Fexample.com%2Flaunch&a%3D1%26b%3Dx%2520y"
	if got != want {
		t.Fatalf("base string mismatch\n got %s\nwant %s", got, want)
	}
}

func TestBaseURIDropsDefaultPortAndQuery(t *testing.T) {
	u, _ := url.Parse("HTTP://Example.COM:80/lti/launch?course=1#frag")
	if got := BaseURI(u); got != "http://example.com/lti/launch" {
		t.Fatalf("unexpected base uri %s", got)
	}
	u, _ = url.Parse("https://example.com:8443/x")
	if got := BaseURI(u); got != "https://example.com:8443/x" {
		t.Fatalf("unexpected base uri %s", got)
	}
}

func TestValidateAcceptsTenantSecret(t *testing.T) {
	secrets := NewStaticSecrets(map[string]string{"courseA": "tenant-secret"}, "default-key", "default-secret")
	req := signedLaunch(t, "https://tool.example.com/lti/launch", "any-key", "tenant-secret")

	tenant, key, err := newTestValidator(secrets).Validate(context.Background(), req)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if tenant != "courseA" || key != "any-key" {
		t.Fatalf("unexpected tenant/key %s/%s", tenant, key)
	}
}

func TestValidateFallsBackToDefaultConsumer(t *testing.T) {
	secrets := NewStaticSecrets(nil, "default-key", "default-secret")
	req := signedLaunch(t, "https://tool.example.com/lti/launch", "default-key", "default-secret")
	if _, _, err := newTestValidator(secrets).Validate(context.Background(), req); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateUnknownConsumer(t *testing.T) {
	secrets := NewStaticSecrets(nil, "default-key", "default-secret")
	req := signedLaunch(t, "https://tool.example.com/lti/launch", "other-key", "default-secret")
	_, _, err := newTestValidator(secrets).Validate(context.Background(), req)
	if !errors.Is(err, domain.ErrUnknownConsumer) {
		t.Fatalf("expected unknown consumer, got %v", err)
	}
}

func TestValidateRejectsEverySignatureMutation(t *testing.T) {
	secrets := NewStaticSecrets(map[string]string{"courseA": "tenant-secret"}, "", "")
	req := signedLaunch(t, "https://tool.example.com/lti/launch", "key", "tenant-secret")
	idx := -1
	for i, p := range req.Params {
		if p.Key == paramSignature {
			idx = i
		}
	}
	original := req.Params[idx].Value
	for pos := 0; pos < len(original); pos++ {
		mutated := []byte(original)
		if mutated[pos] == 'A' {
			mutated[pos] = 'B'
		} else {
			mutated[pos] = 'A'
		}
		params := append(domain.Params(nil), req.Params...)
		params[idx] = domain.Param{Key: paramSignature, Value: string(mutated)}
		v := newTestValidator(secrets)
		_, _, err := v.Validate(context.Background(), LaunchRequest{Method: req.Method, URL: req.URL, Params: params})
		if !errors.Is(err, domain.ErrInvalidSignature) {
			t.Fatalf("mutation at %d: expected invalid signature, got %v", pos, err)
		}
	}
}

func TestValidateIgnoresQueryString(t *testing.T) {
	secrets := NewStaticSecrets(map[string]string{"courseA": "tenant-secret"}, "", "")
	req := signedLaunch(t, "https://tool.example.com/lti/launch", "key", "tenant-secret")
	withQuery, _ := url.Parse("https://tool.example.com/lti/launch?resource_link_id=link-1")
	req.URL = withQuery
	if _, _, err := newTestValidator(secrets).Validate(context.Background(), req); err != nil {
		t.Fatalf("validate with query: %v", err)
	}
	if req.URL.RawQuery != "resource_link_id=link-1" {
		t.Fatalf("query string must be preserved, got %q", req.URL.RawQuery)
	}
}

func TestValidateMissingParams(t *testing.T) {
	secrets := NewStaticSecrets(nil, "k", "s")
	u, _ := url.Parse("https://tool.example.com/lti/launch")
	cases := map[string]domain.Params{
		domain.ParamConsumerKey: {{Key: domain.ParamUserID, Value: "u"}, {Key: paramSignature, Value: "x"}},
		domain.ParamUserID:      {{Key: domain.ParamConsumerKey, Value: "k"}, {Key: paramSignature, Value: "x"}},
		paramSignature:          {{Key: domain.ParamConsumerKey, Value: "k"}, {Key: domain.ParamUserID, Value: "u"}},
	}
	for name, params := range cases {
		_, _, err := newTestValidator(secrets).Validate(context.Background(), LaunchRequest{Method: "POST", URL: u, Params: params})
		var perr *domain.ParamError
		if !errors.As(err, &perr) || perr.Param != name {
			t.Fatalf("%s: expected missing param error, got %v", name, err)
		}
		if !errors.Is(err, domain.ErrMissingRequiredParam) {
			t.Fatalf("%s: expected ErrMissingRequiredParam", name)
		}
	}
}

func TestValidateRejectsReplayedNonce(t *testing.T) {
	secrets := NewStaticSecrets(nil, "k", "s")
	req := signedLaunch(t, "https://tool.example.com/lti/launch", "k", "s")
	v := newTestValidator(secrets)
	if _, _, err := v.Validate(context.Background(), req); err != nil {
		t.Fatalf("first launch: %v", err)
	}
	if _, _, err := v.Validate(context.Background(), req); !errors.Is(err, domain.ErrNonceReused) {
		t.Fatalf("expected nonce reuse, got %v", err)
	}
}

func TestValidateRejectsStaleTimestamp(t *testing.T) {
	secrets := NewStaticSecrets(nil, "k", "s")
	req := signedLaunch(t, "https://tool.example.com/lti/launch", "k", "s")
	v := NewValidator(secrets, time.Minute, time.Minute, WithClock(func() time.Time { return fixedNow.Add(time.Hour) }))
	if _, _, err := v.Validate(context.Background(), req); !errors.Is(err, domain.ErrStaleTimestamp) {
		t.Fatalf("expected stale timestamp, got %v", err)
	}
}

func TestParseFormKeepsOrder(t *testing.T) {
	params, err := ParseForm("z=1&a=hello+world&m=%2Fpath")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(params) != 3 || params[0].Key != "z" || params[1].Value != "hello world" || params[2].Value != "/path" {
		t.Fatalf("unexpected params %#v", params)
	}
}
