package annostore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"hxat/internal/config"
	"hxat/internal/domain"
)

const maxResponseBytes = 16 << 20

// Client proxies verified requests to an annotation store. The instance
// (base URL and credentials) travels with each request; the API flavour is
// fixed per client.
type Client struct {
	Backend
	HTTP        *http.Client
	TokenTTL    time.Duration
	ElevatedTTL time.Duration
	Now         func() time.Time
}

func NewClient(cfg config.AnnotationStoreConfig, httpClient *http.Client) (*Client, error) {
	backend, err := NewBackend(cfg.Kind)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		Backend:     backend,
		HTTP:        httpClient,
		TokenTTL:    cfg.TokenTTL,
		ElevatedTTL: cfg.ElevatedTokenTTL,
		Now:         time.Now,
	}, nil
}

func (c *Client) Do(ctx context.Context, req domain.StoreRequest) (*domain.StoreResponse, error) {
	if req.Backend.BaseURL == "" {
		return nil, fmt.Errorf("annotation store url not configured: %w", domain.ErrBackendUnavailable)
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	method, path := c.Route(req.Op, req.AnnotationID)
	target := strings.TrimRight(req.Backend.BaseURL, "/") + path
	if req.Op == domain.OpSearch && len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	ttl := c.TokenTTL
	if req.Elevated && c.ElevatedTTL > 0 {
		ttl = c.ElevatedTTL
	}
	token, err := MintToken(req.Backend.APIKey, req.Backend.Secret, req.PrincipalID, ttl, c.now())
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if req.Op == domain.OpCreate || req.Op == domain.OpUpdate {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	name, value := c.AuthHeader(token)
	httpReq.Header.Set(name, value)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classify(ctx, err)
	}
	return &domain.StoreResponse{
		Status:      resp.StatusCode,
		Body:        payload,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

func (c *Client) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrBackendTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", domain.ErrBackendTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
}
