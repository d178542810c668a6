package http

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"hxat/internal/domain"
	"hxat/internal/infra/session"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
	sessionQuery    = "utm_source"
	launchIDQuery   = "resource_link_id"
)

func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)

		c.Next()

		entry := log.WithFields(logrus.Fields{
			"request_id": id,
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request completed")
			return
		}
		entry.Debug("request completed")
	}
}

func (s *Server) logger(c *gin.Context) logrus.FieldLogger {
	return s.log.WithField("request_id", c.GetString(requestIDKey))
}

// enforceRateLimit counts the request against a per-tenant bucket for the
// route. It reports whether the handler may continue.
func (s *Server) enforceRateLimit(c *gin.Context, routeID, tenantID string) bool {
	if s.rateLimiter == nil || s.rateLimitRequests <= 0 {
		return true
	}
	if tenantID == "" {
		tenantID = "ip:" + c.ClientIP()
	}
	key := domain.RateLimitKey(tenantID, routeID)
	decision, err := s.rateLimiter.Allow(c.Request.Context(), key, s.rateLimitRequests, s.rateLimitWindow)
	if err != nil {
		if s.rateLimitFailClosed {
			writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMIT_UNAVAILABLE", "rate limiter unavailable")
			return false
		}
		s.logger(c).WithError(err).Warn("rate limiter unavailable; allowing request")
		return true
	}
	writeRateLimitHeaders(c, decision)
	if !decision.Allowed {
		writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
		return false
	}
	return true
}

func writeRateLimitHeaders(c *gin.Context, decision domain.RateLimitDecision) {
	if decision.Limit > 0 {
		c.Header("RateLimit-Limit", strconv.Itoa(decision.Limit))
	}
	if decision.Remaining >= 0 {
		c.Header("RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	}
	if !decision.ResetAt.IsZero() {
		c.Header("RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		if !decision.Allowed {
			retryAfter := decision.RetryAfter(time.Now())
			c.Header("Retry-After", strconv.FormatInt(int64(retryAfter/time.Second), 10))
		}
	}
}

// sessionToken prefers the cookie and falls back to the utm_source query
// parameter echoed by the launch redirect, for iframes without cookies.
func (s *Server) sessionToken(c *gin.Context) string {
	if token, err := c.Cookie(s.cfg.Session.CookieName); err == nil && token != "" {
		return token
	}
	return strings.TrimSpace(c.Query(sessionQuery))
}

// reusableSession returns the cookie token only when it names a live
// session this server issued. Anything else gets a freshly minted token.
func (s *Server) reusableSession(c *gin.Context) string {
	token, err := c.Cookie(s.cfg.Session.CookieName)
	if err != nil || !session.ValidToken(token) || s.sessions == nil {
		return ""
	}
	if _, err := s.sessions.Load(c.Request.Context(), token); err != nil {
		return ""
	}
	return token
}

// storeQuery is the caller's query minus the gateway's own session params.
func storeQuery(c *gin.Context) url.Values {
	query := c.Request.URL.Query()
	query.Del(sessionQuery)
	query.Del(launchIDQuery)
	return query
}

// currentLaunch resolves the launch record named by resource_link_id in the
// caller's session. Every lookup failure is ErrInvalidLaunchSession.
func (s *Server) currentLaunch(c *gin.Context) (domain.LaunchRecord, error) {
	token := s.sessionToken(c)
	launchID := strings.TrimSpace(c.Query(launchIDQuery))
	if token == "" || launchID == "" {
		return domain.LaunchRecord{}, domain.ErrInvalidLaunchSession
	}
	sess, err := s.sessions.Load(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.LaunchRecord{}, domain.ErrInvalidLaunchSession
		}
		return domain.LaunchRecord{}, err
	}
	return s.launches.Get(sess, launchID)
}

// launchURL rebuilds the URL the platform signed. Behind a proxy the
// forwarded scheme and host are used when trusted, and public_base_url
// overrides both.
func (s *Server) launchURL(c *gin.Context) *url.URL {
	u := *c.Request.URL
	u.Scheme = "http"
	if c.Request.TLS != nil {
		u.Scheme = "https"
	}
	u.Host = c.Request.Host
	if s.cfg.Server.TrustProxyHeaders {
		if proto := firstHeaderValue(c.GetHeader("X-Forwarded-Proto")); proto != "" {
			u.Scheme = strings.ToLower(proto)
		}
		if host := firstHeaderValue(c.GetHeader("X-Forwarded-Host")); host != "" {
			u.Host = host
		}
	}
	if base := s.cfg.Server.PublicBaseURL; base != "" {
		if parsed, err := url.Parse(base); err == nil && parsed.Host != "" {
			u.Scheme = parsed.Scheme
			u.Host = parsed.Host
		}
	}
	return &u
}

func firstHeaderValue(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}
