package lti

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"hxat/internal/config"
	"hxat/internal/domain"
)

// SecretResolver returns the shared secret for a consumer key within a
// tenant. known is false when neither a tenant secret nor the default
// consumer matched; the returned secret is then a dummy.
type SecretResolver interface {
	Resolve(consumerKey, tenantID string) (secret string, known bool)
}

type StaticSecrets struct {
	tenants       map[string]string
	defaultKey    string
	defaultSecret string
	dummy         string
}

func NewStaticSecrets(tenants map[string]string, defaultKey, defaultSecret string) *StaticSecrets {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("lti: read random: %v", err))
	}
	copied := make(map[string]string, len(tenants))
	for k, v := range tenants {
		copied[k] = v
	}
	return &StaticSecrets{
		tenants:       copied,
		defaultKey:    defaultKey,
		defaultSecret: defaultSecret,
		dummy:         hex.EncodeToString(buf),
	}
}

func NewSecretsFromConfig(cfg config.Config) *StaticSecrets {
	return NewStaticSecrets(cfg.LTI.TenantSecrets, cfg.LTI.ConsumerKey, cfg.LTI.Secret)
}

func (s *StaticSecrets) Resolve(consumerKey, tenantID string) (string, bool) {
	if secret, ok := s.tenants[tenantID]; ok && secret != "" {
		return secret, true
	}
	// config keys are case-folded when loaded from YAML
	if secret, ok := s.tenants[strings.ToLower(tenantID)]; ok && secret != "" {
		return secret, true
	}
	if s.defaultKey != "" && subtle.ConstantTimeCompare([]byte(consumerKey), []byte(s.defaultKey)) == 1 {
		return s.defaultSecret, true
	}
	return s.dummy, false
}

// LaunchRequest is the normalized view of an inbound signed POST.
type LaunchRequest struct {
	Method string
	URL    *url.URL
	Params domain.Params
}

type Validator struct {
	secrets  SecretResolver
	nonces   domain.NonceStore
	window   time.Duration
	nonceTTL time.Duration
	now      func() time.Time
}

type ValidatorOption func(*Validator)

func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) {
		if now != nil {
			v.now = now
		}
	}
}

func WithNonceStore(store domain.NonceStore) ValidatorOption {
	return func(v *Validator) {
		v.nonces = store
	}
}

func NewValidator(secrets SecretResolver, window, nonceTTL time.Duration, opts ...ValidatorOption) *Validator {
	v := &Validator{
		secrets:  secrets,
		window:   window,
		nonceTTL: nonceTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks the OAuth signature of a launch and returns the tenant id
// and consumer key. The query string of req.URL is not part of the
// signature: platforms copy GET parameters into the body without signing
// them as query parameters.
func (v *Validator) Validate(ctx context.Context, req LaunchRequest) (tenantID, consumerKey string, err error) {
	consumerKey = strings.TrimSpace(req.Params.Get(domain.ParamConsumerKey))
	if consumerKey == "" {
		return "", "", domain.MissingParam(domain.ParamConsumerKey)
	}
	if strings.TrimSpace(req.Params.Get(domain.ParamUserID)) == "" {
		return "", "", domain.MissingParam(domain.ParamUserID)
	}
	supplied := req.Params.Get(paramSignature)
	if supplied == "" {
		return "", "", domain.MissingParam(paramSignature)
	}
	tenantID = req.Params.Get(domain.ParamContextID)

	secret, known := v.secrets.Resolve(consumerKey, tenantID)
	method := req.Params.Get(paramSignatureMethod)
	if method == "" {
		method = MethodHMACSHA1
	}
	u := *req.URL
	u.RawQuery = ""
	u.Fragment = ""
	expected, signErr := Sign(method, BaseString(req.Method, BaseURI(&u), req.Params), secret)
	match := signErr == nil && subtle.ConstantTimeCompare([]byte(expected), []byte(supplied)) == 1
	if !known {
		return "", "", fmt.Errorf("consumer %q: %w", consumerKey, domain.ErrUnknownConsumer)
	}
	if !match {
		return "", "", domain.ErrInvalidSignature
	}

	if err := v.checkTimestamp(req.Params.Get(paramTimestamp)); err != nil {
		return "", "", err
	}
	if err := v.checkNonce(ctx, consumerKey, req.Params.Get(paramNonce)); err != nil {
		return "", "", err
	}
	return tenantID, consumerKey, nil
}

func (v *Validator) checkTimestamp(raw string) error {
	if v.window <= 0 {
		return nil
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return domain.ErrStaleTimestamp
	}
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.window {
		return domain.ErrStaleTimestamp
	}
	return nil
}

func (v *Validator) checkNonce(ctx context.Context, consumerKey, nonce string) error {
	if v.nonces == nil {
		return nil
	}
	if nonce == "" {
		return domain.MissingParam(paramNonce)
	}
	fresh, err := v.nonces.Remember(ctx, "nonce:"+consumerKey+":"+nonce, v.nonceTTL)
	if err != nil {
		return fmt.Errorf("nonce store: %w", err)
	}
	if !fresh {
		return domain.ErrNonceReused
	}
	return nil
}
