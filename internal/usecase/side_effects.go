package usecase

import (
	"context"
	"sync"
	"time"

	"hxat/internal/domain"

	"github.com/sirupsen/logrus"
)

const (
	SideEffectGrade        = "grade_passback"
	SideEffectNotification = "notification_publish"
)

// GradeSender posts a score to the platform's outcome service.
type GradeSender interface {
	SendGrade(ctx context.Context, rec domain.LaunchRecord, score float64) error
}

type GradeJob struct {
	Launch       domain.LaunchRecord
	AssignmentID string
	Score        float64
}

type notifyJob struct {
	group string
	msg   domain.NotificationMessage
}

type SideEffectsConfig struct {
	GradeWorkers   int
	GradeQueue     int
	GradeTimeout   time.Duration
	NotifyQueue    int
	PublishTimeout time.Duration
}

// SideEffects runs grade passback and notification publishes off the
// request path. Submit methods never block and return nothing: a full
// queue or a failed job is logged and counted only. Notifications are
// published by a single worker so one publisher's messages keep their order.
type SideEffects struct {
	grades  GradeSender
	broker  domain.Broker
	log     logrus.FieldLogger
	metrics Metrics
	cfg     SideEffectsConfig

	gradeQ  chan GradeJob
	notifyQ chan notifyJob
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

func NewSideEffects(grades GradeSender, broker domain.Broker, log logrus.FieldLogger, metrics Metrics, cfg SideEffectsConfig) *SideEffects {
	if cfg.GradeWorkers <= 0 {
		cfg.GradeWorkers = 1
	}
	if cfg.GradeQueue <= 0 {
		cfg.GradeQueue = 64
	}
	if cfg.NotifyQueue <= 0 {
		cfg.NotifyQueue = 256
	}
	if cfg.GradeTimeout <= 0 {
		cfg.GradeTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	s := &SideEffects{
		grades:  grades,
		broker:  broker,
		log:     log,
		metrics: metrics,
		cfg:     cfg,
		gradeQ:  make(chan GradeJob, cfg.GradeQueue),
		notifyQ: make(chan notifyJob, cfg.NotifyQueue),
	}
	for i := 0; i < cfg.GradeWorkers; i++ {
		s.wg.Add(1)
		go s.gradeWorker()
	}
	s.wg.Add(1)
	go s.notifyWorker()
	return s
}

func (s *SideEffects) SubmitGrade(job GradeJob) {
	if s == nil || s.grades == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.gradeQ <- job:
	default:
		s.metrics.SideEffectFailed(SideEffectGrade)
		s.gradeLogger(job).Warn("grade passback queue full; dropping")
	}
}

func (s *SideEffects) Publish(group string, msg domain.NotificationMessage) {
	if s == nil || s.broker == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.notifyQ <- notifyJob{group: group, msg: msg}:
	default:
		s.metrics.SideEffectFailed(SideEffectNotification)
		s.log.WithField("group", group).Warn("notification queue full; dropping")
	}
}

// Close stops accepting work and waits for queued jobs or ctx.
func (s *SideEffects) Close(ctx context.Context) error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.gradeQ)
		close(s.notifyQ)
		s.mu.Unlock()
	})
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SideEffects) gradeWorker() {
	defer s.wg.Done()
	for job := range s.gradeQ {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GradeTimeout)
		err := s.grades.SendGrade(ctx, job.Launch, job.Score)
		cancel()
		if err != nil {
			s.metrics.SideEffectFailed(SideEffectGrade)
			s.gradeLogger(job).WithError(err).Error("grade passback failed")
			continue
		}
		s.gradeLogger(job).Debug("grade passback sent")
	}
}

func (s *SideEffects) notifyWorker() {
	defer s.wg.Done()
	for job := range s.notifyQ {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
		err := s.broker.Publish(ctx, job.group, job.msg)
		cancel()
		if err != nil {
			s.metrics.SideEffectFailed(SideEffectNotification)
			s.log.WithError(err).WithFields(logrus.Fields{
				"group": job.group,
				"type":  job.msg.Type,
			}).Error(domain.ErrNotificationPublish.Error())
			continue
		}
		s.metrics.NotificationPublished()
	}
}

func (s *SideEffects) gradeLogger(job GradeJob) logrus.FieldLogger {
	return s.log.WithFields(logrus.Fields{
		"principal_id":  job.Launch.PrincipalID,
		"tenant_id":     job.Launch.TenantID,
		"assignment_id": job.AssignmentID,
		"score":         job.Score,
	})
}
