package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"hxat/internal/config"
	"hxat/internal/domain"
	"hxat/internal/infra/annostore"
	"hxat/internal/infra/db"
	httpinfra "hxat/internal/infra/http"
	"hxat/internal/infra/lti"
	"hxat/internal/infra/memstore"
	"hxat/internal/infra/outcomes"
	"hxat/internal/infra/pubsub"
	"hxat/internal/infra/ratelimit"
	"hxat/internal/infra/session"
	"hxat/internal/usecase"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	redisPingTimeout = 5 * time.Second
	rateLimitPrefix  = "hxat:ratelimit:"
	noncePrefix      = "hxat:nonce:"
	outboundTimeout  = 30 * time.Second
)

// repositories groups the persistence the launch and dispatch paths need.
type repositories struct {
	courses     domain.CourseRepository
	principals  domain.PrincipalRepository
	assignments domain.AssignmentRepository
	links       domain.ResourceLinkRepository
}

// app owns every long lived component started by serve.
type app struct {
	server  *httpinfra.Server
	effects *usecase.SideEffects
	store   *db.Store
	redis   *redis.Client
	log     logrus.FieldLogger
}

func newApp(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*app, error) {
	store, err := db.NewStore(cfg, log)
	if err != nil {
		return nil, err
	}
	a := &app{store: store, log: log}
	repos, dbMode := newRepositories(store)

	var (
		sessions    domain.SessionStore
		nonces      domain.NonceStore
		limiter     domain.RateLimiter
		broker      domain.Broker
		sessionMode = "memory"
	)
	if cfg.Redis.Addr != "" {
		client, err := connectRedis(ctx, cfg.Redis)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.redis = client
		sessionMode = "redis"
		sessions = session.NewRedisStore(client, cfg.Session.KeyPrefix, cfg.Session.TTL)
		nonces = ratelimit.NewRedisNonceStore(client, noncePrefix)
		if limiter, err = ratelimit.NewRedisLimiter(client, rateLimitPrefix, nil); err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
		broker = pubsub.NewRedisBroker(client, cfg.Notification.ChannelPrefix)
	} else {
		log.Warn("redis.addr not set; sessions, nonces and notifications are process local")
		memCfg := ratelimit.MemoryLimiterConfig{MaxKeys: cfg.RateLimit.MaxKeys}
		sessions = session.NewMemoryStore(cfg.Session.TTL, nil)
		nonces = ratelimit.NewMemoryNonceStore(memCfg)
		limiter = ratelimit.NewMemoryLimiter(memCfg)
		broker = pubsub.NewMemoryBroker()
	}

	metrics := httpinfra.NewMetrics()
	secrets := lti.NewSecretsFromConfig(cfg)
	validator := lti.NewValidator(secrets, cfg.LTI.TimestampWindow, cfg.LTI.NonceTTL, lti.WithNonceStore(nonces))

	launch := usecase.NewLaunchOrchestrator(cfg, validator, sessions, repos.courses, repos.principals, repos.links, session.NewToken)
	launch.Metrics = metrics

	outbound := &http.Client{Timeout: outboundTimeout}
	annotations, err := annostore.NewClient(cfg.AnnotationStore, outbound)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.effects = usecase.NewSideEffects(outcomes.NewClient(secrets, outbound), broker, log, metrics, usecase.SideEffectsConfig{
		GradeWorkers: cfg.Grade.Workers,
		GradeQueue:   cfg.Grade.QueueSize,
		GradeTimeout: cfg.Grade.Timeout,
		NotifyQueue:  cfg.Notification.QueueSize,
	})
	dispatcher := usecase.NewAnnotationDispatcher(cfg, annotations, repos.assignments, a.effects, log)
	dispatcher.Metrics = metrics

	a.server = httpinfra.NewServerWithDeps(cfg, httpinfra.ServerDeps{
		Launch:      launch,
		Dispatcher:  dispatcher,
		Broker:      broker,
		Sessions:    sessions,
		Launches:    launch.Launches,
		Metrics:     metrics,
		RateLimiter: limiter,
		Log:         log,
		Health: httpinfra.HealthInfo{
			DBMode:      dbMode,
			SessionMode: sessionMode,
			Ping:        a.ping,
		},
	})
	log.WithFields(logrus.Fields{
		"db":            dbMode,
		"session":       sessionMode,
		"backend":       cfg.AnnotationStore.Kind,
		"notifications": cfg.Notification.Enabled,
	}).Info("hxat components ready")
	return a, nil
}

func newRepositories(store *db.Store) (repositories, string) {
	if store.Enabled() {
		return repositories{
			courses:     db.NewCourseRepository(store.DB),
			principals:  db.NewPrincipalRepository(store.DB),
			assignments: db.NewAssignmentRepository(store.DB),
			links:       db.NewResourceLinkRepository(store.DB),
		}, "db"
	}
	mem := memstore.New()
	return repositories{
		courses:     mem,
		principals:  mem.Principals(),
		assignments: mem,
		links:       mem,
	}, "no-db"
}

func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

func (a *app) ping(ctx context.Context) error {
	if a.store.Enabled() {
		if err := a.store.Ping(ctx); err != nil {
			return err
		}
	}
	if a.redis != nil {
		return a.redis.Ping(ctx).Err()
	}
	return nil
}

// Close drains queued side effects before releasing connections.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.effects != nil {
		if err := a.effects.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain side effects: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}
