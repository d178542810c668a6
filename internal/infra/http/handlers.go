package http

import (
	"errors"
	"net/http"
	"strings"

	"hxat/internal/domain"
	"hxat/internal/infra/lti"
	"hxat/internal/usecase"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const maxLaunchBody = 1 << 20

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type timeoutResponse struct {
	Error string `json:"error"`
}

type gradeMeResponse struct {
	GradeRequestSent bool `json:"grade_request_sent"`
}

func (s *Server) handleLaunch(c *gin.Context) {
	if s.launch == nil {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxLaunchBody)
	raw, err := c.GetRawData()
	if err != nil {
		c.String(http.StatusBadRequest, "invalid launch request")
		return
	}
	params, err := lti.ParseForm(string(raw))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid launch request")
		return
	}
	if !s.enforceRateLimit(c, "lti:launch", params.Get(domain.ParamContextID)) {
		return
	}

	res, err := s.launch.Execute(c.Request.Context(), usecase.LaunchRequest{
		Method:       c.Request.Method,
		URL:          s.launchURL(c),
		Params:       params,
		ClientIP:     c.ClientIP(),
		SessionToken: s.reusableSession(c),
	})
	if err != nil {
		s.writeLaunchError(c, params, err)
		return
	}

	c.SetSameSite(http.SameSiteNoneMode)
	c.SetCookie(s.cfg.Session.CookieName, res.SessionToken, int(s.cfg.Session.TTL.Seconds()), "/", "", s.cfg.Session.CookieSecure, true)
	s.logger(c).WithFields(logrus.Fields{
		"tenant_id":    res.Record.TenantID,
		"principal_id": res.Record.PrincipalID,
		"launch_id":    res.Record.LaunchID,
		"staff":        res.Record.Staff,
	}).Info("launch authorized")
	c.Redirect(http.StatusFound, res.RedirectURL)
}

// writeLaunchError answers with a minimal text body. Unexpected failures
// are logged with request metadata and the non-secret launch params.
func (s *Server) writeLaunchError(c *gin.Context, params domain.Params, err error) {
	status, message := launchStatus(err)
	entry := s.logger(c).WithError(err).WithFields(logrus.Fields{
		"tenant_id": params.Get(domain.ParamContextID),
		"launch_id": params.Get(domain.ParamResourceLinkID),
		"status":    status,
	})
	if status == http.StatusInternalServerError {
		entry.WithFields(logrus.Fields{
			"referrer":   c.Request.Referer(),
			"user_agent": c.Request.UserAgent(),
			"method":     c.Request.Method,
			"params":     safeParams(params),
		}).Error("launch failed")
	} else {
		entry.Warn("launch rejected")
	}
	c.String(status, message)
}

func launchStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidSignature),
		errors.Is(err, domain.ErrUnknownConsumer),
		errors.Is(err, domain.ErrStaleTimestamp),
		errors.Is(err, domain.ErrNonceReused):
		return http.StatusForbidden, "launch could not be authenticated"
	case errors.Is(err, domain.ErrMissingRequiredParam):
		return http.StatusBadRequest, "launch is missing required parameters"
	case errors.Is(err, domain.ErrPlatform):
		return http.StatusFailedDependency, "course not supported"
	default:
		return http.StatusInternalServerError, "launch failed"
	}
}

func safeParams(params domain.Params) map[string]string {
	out := make(map[string]string, len(params))
	for _, p := range params {
		if p.Key == "oauth_signature" {
			continue
		}
		out[p.Key] = p.Value
	}
	return out
}

func (s *Server) handleAnnotation(op domain.StoreOperation) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.dispatcher == nil || s.sessions == nil {
			writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
			return
		}
		rec, err := s.currentLaunch(c)
		if err != nil {
			writeError(c, err)
			return
		}
		if !s.enforceRateLimit(c, "annotation:"+string(op), rec.TenantID) {
			return
		}
		var body []byte
		if op == domain.OpCreate || op == domain.OpUpdate {
			if body, err = c.GetRawData(); err != nil {
				writeErrorCode(c, http.StatusBadRequest, usecase.CodeInvalidPayload, "invalid body")
				return
			}
		}
		resp, err := s.dispatcher.Dispatch(c.Request.Context(), usecase.DispatchRequest{
			Op:           op,
			AnnotationID: c.Param("id"),
			Query:        storeQuery(c),
			Body:         body,
			Launch:       rec,
		})
		if err != nil {
			s.writeStoreError(c, op, rec, err)
			return
		}
		contentType := resp.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		c.Data(resp.Status, contentType, resp.Body)
	}
}

func (s *Server) handleGradeMe(c *gin.Context) {
	if s.dispatcher == nil || s.sessions == nil {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
		return
	}
	rec, err := s.currentLaunch(c)
	if err != nil {
		writeError(c, err)
		return
	}
	sent, err := s.dispatcher.GradeMe(c.Request.Context(), rec)
	if err != nil {
		s.writeStoreError(c, domain.OpSearch, rec, err)
		return
	}
	c.JSON(http.StatusOK, gradeMeResponse{GradeRequestSent: sent})
}

func (s *Server) writeStoreError(c *gin.Context, op domain.StoreOperation, rec domain.LaunchRecord, err error) {
	entry := s.logger(c).WithError(err).WithFields(logrus.Fields{
		"op":           op,
		"tenant_id":    rec.TenantID,
		"principal_id": rec.PrincipalID,
	})
	if errors.Is(err, domain.ErrBackendTimeout) {
		entry.Warn("annotation store timeout")
		c.JSON(http.StatusGatewayTimeout, timeoutResponse{Error: domain.ErrBackendTimeout.Error()})
		return
	}
	if _, ok := domain.IsVerificationError(err); ok {
		entry.Warn("annotation request rejected")
	} else {
		entry.Error("annotation request failed")
	}
	writeError(c, err)
}

func writeError(c *gin.Context, err error) {
	status, code, message := http.StatusInternalServerError, "INTERNAL", "internal error"
	if ve, ok := domain.IsVerificationError(err); ok {
		writeErrorCode(c, http.StatusBadRequest, ve.Code, ve.Reason)
		return
	}
	switch {
	case errors.Is(err, domain.ErrInvalidSignature), errors.Is(err, domain.ErrUnknownConsumer):
		status, code, message = http.StatusForbidden, "INVALID_SIGNATURE", err.Error()
	case errors.Is(err, domain.ErrStaleTimestamp), errors.Is(err, domain.ErrNonceReused):
		status, code, message = http.StatusForbidden, "REPLAYED_LAUNCH", err.Error()
	case errors.Is(err, domain.ErrMissingRequiredParam):
		status, code, message = http.StatusBadRequest, "MISSING_PARAM", err.Error()
	case errors.Is(err, domain.ErrInvalidLaunchSession):
		status, code, message = http.StatusBadRequest, "INVALID_LAUNCH_SESSION", domain.ErrInvalidLaunchSession.Error()
	case errors.Is(err, domain.ErrForbidden):
		status, code, message = http.StatusBadRequest, "FORBIDDEN", "forbidden"
	case errors.Is(err, domain.ErrPlatform):
		status, code, message = http.StatusFailedDependency, "PLATFORM_ERROR", "course not supported"
	case errors.Is(err, domain.ErrBackendTimeout):
		status, code, message = http.StatusGatewayTimeout, "BACKEND_TIMEOUT", domain.ErrBackendTimeout.Error()
	case errors.Is(err, domain.ErrBackendUnavailable):
		status, code, message = http.StatusBadGateway, "BACKEND_UNAVAILABLE", domain.ErrBackendUnavailable.Error()
	case errors.Is(err, domain.ErrNotFound):
		status, code, message = http.StatusNotFound, "NOT_FOUND", "not found"
	}
	writeErrorCode(c, status, code, message)
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{
		Code:    code,
		Message: strings.TrimSpace(message),
	})
}
