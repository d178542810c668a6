package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"hxat/internal/config"
	"hxat/internal/domain"
	"hxat/internal/usecase"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type Server struct {
	cfg config.Config
	r   *gin.Engine
	log logrus.FieldLogger

	launch        *usecase.LaunchOrchestrator
	dispatcher    *usecase.AnnotationDispatcher
	notifications *usecase.NotificationAuthorizer
	broker        domain.Broker
	sessions      domain.SessionStore
	launches      *usecase.LaunchSessionStore
	metrics       *Metrics
	health        HealthInfo

	rateLimiter         domain.RateLimiter
	rateLimitRequests   int
	rateLimitWindow     time.Duration
	rateLimitFailClosed bool
}

// HealthInfo names the persistence modes reported by /healthz.
type HealthInfo struct {
	DBMode      string
	SessionMode string
	Ping        func(ctx context.Context) error
}

type ServerDeps struct {
	Launch        *usecase.LaunchOrchestrator
	Dispatcher    *usecase.AnnotationDispatcher
	Notifications *usecase.NotificationAuthorizer
	Broker        domain.Broker
	Sessions      domain.SessionStore
	Launches      *usecase.LaunchSessionStore
	Metrics       *Metrics
	RateLimiter   domain.RateLimiter
	Log           logrus.FieldLogger
	Health        HealthInfo
}

func NewServerWithDeps(cfg config.Config, deps ServerDeps) *Server {
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		cfg:           cfg,
		r:             r,
		log:           deps.Log,
		launch:        deps.Launch,
		dispatcher:    deps.Dispatcher,
		notifications: deps.Notifications,
		broker:        deps.Broker,
		sessions:      deps.Sessions,
		launches:      deps.Launches,
		metrics:       deps.Metrics,
		health:        deps.Health,
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.launches == nil {
		s.launches = usecase.NewLaunchSessionStore(cfg.Session.MaxLaunches)
	}
	if s.notifications == nil && s.sessions != nil {
		s.notifications = &usecase.NotificationAuthorizer{Sessions: s.sessions, Launches: s.launches}
	}
	s.initRateLimit(deps.RateLimiter)
	r.Use(requestLogger(s.log))
	if mw := corsMiddleware(cfg.CORS); mw != nil {
		r.Use(mw)
	}
	s.routes()
	return s
}

func (s *Server) initRateLimit(limiter domain.RateLimiter) {
	s.rateLimiter = limiter
	s.rateLimitRequests = s.cfg.RateLimit.Requests
	s.rateLimitWindow = s.cfg.RateLimitWindow()
	s.rateLimitFailClosed = s.cfg.RateLimit.FailClosed
}

func (s *Server) routes() {
	s.r.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	s.r.POST(s.cfg.LTI.LaunchPath, s.handleLaunch)

	store := s.r.Group("/annotation_store")
	{
		store.GET("/api", s.handleAnnotation(domain.OpSearch))
		store.POST("/api", s.handleAnnotation(domain.OpCreate))
		store.GET("/api/:id", s.handleAnnotation(domain.OpRead))
		store.PUT("/api/:id", s.handleAnnotation(domain.OpUpdate))
		store.DELETE("/api/:id", s.handleAnnotation(domain.OpDelete))
		store.GET("/grade/me", s.handleGradeMe)
	}

	if s.cfg.Notification.Enabled {
		s.r.GET("/notification/:group/", s.handleNotification)
	}

	s.r.NoRoute(func(c *gin.Context) {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
}

func (s *Server) Handler() http.Handler {
	return s.r
}

func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok", "db": orDefault(s.health.DBMode, "no-db"), "session": orDefault(s.health.SessionMode, "memory")}
	if s.health.Ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

func corsMiddleware(cfg config.CORSConfig) gin.HandlerFunc {
	if len(cfg.AllowedOrigins) == 0 {
		return nil
	}
	corsCfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		ExposeHeaders:    []string{"X-Request-ID"},
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           time.Duration(cfg.MaxAge) * time.Second,
	}
	for _, origin := range cfg.AllowedOrigins {
		if strings.TrimSpace(origin) == "*" {
			corsCfg.AllowAllOrigins = true
		}
	}
	if !corsCfg.AllowAllOrigins {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	return cors.New(corsCfg)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
