package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"posbridge/internal/audit"
	"posbridge/internal/broker"
)

// SessionExpirer fails sessions that stayed pending for too long.
type SessionExpirer interface {
	ExpirePending(ctx context.Context, maxAge time.Duration) []string
	Counts() map[broker.Status]int
}

// AuditLog is the part of the audit store the scheduler maintains.
type AuditLog interface {
	Append(rec audit.Record) error
	RunGC() error
}

// Reporter sends operator messages. A disabled reporter drops them.
type Reporter interface {
	Enabled() bool
	SendMessage(ctx context.Context, text string) error
}

// Scheduler manages all cron jobs.
type Scheduler struct {
	cron       *cron.Cron
	sessions   SessionExpirer
	audit      AuditLog
	reporter   Reporter
	sessionTTL time.Duration
	logger     *zap.Logger
}

// New creates a new cron scheduler.
func New(sessions SessionExpirer, auditLog AuditLog, reporter Reporter, sessionTTL time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:       cron.New(cron.WithSeconds()),
		sessions:   sessions,
		audit:      auditLog,
		reporter:   reporter,
		sessionTTL: sessionTTL,
		logger:     logger,
	}
}

// Start registers and starts all cron jobs.
func (s *Scheduler) Start() error {
	s.logger.Info("Starting cron scheduler...")

	jobs := []struct {
		spec string
		name string
		run  func()
	}{
		// Expire stale sessions - every minute
		{"0 * * * * *", "expire sessions", s.expireSessions},
		// Audit value log GC - every hour
		{"0 30 * * * *", "audit gc", s.auditGC},
		// Daily status report - at 23:45
		{"0 45 23 * * *", "daily status report", s.dailyStatusReport},
	}

	for _, job := range jobs {
		job := job
		if _, err := s.cron.AddFunc(job.spec, func() {
			s.logger.Debug("Running: " + job.name)
			job.run()
		}); err != nil {
			return fmt.Errorf("register %s: %w", job.name, err)
		}
	}

	s.cron.Start()
	s.logger.Info("Cron scheduler started", zap.Int("jobs", len(s.cron.Entries())))
	return nil
}

// Stop stops the scheduler. The returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// ── Session expiry ──

func (s *Scheduler) expireSessions() {
	defer s.recoverFromPanic("expireSessions")

	if s.sessionTTL <= 0 {
		return
	}

	expired := s.sessions.ExpirePending(context.Background(), s.sessionTTL)
	for _, orderID := range expired {
		err := s.audit.Append(audit.Record{
			OrderID: orderID,
			Kind:    audit.KindExpired,
			Source:  "scheduler",
			Detail:  fmt.Sprintf("pending longer than %s", s.sessionTTL),
		})
		if err != nil {
			s.logger.Warn("Failed to audit expired session", zap.String("order_id", orderID), zap.Error(err))
		}
	}

	if len(expired) > 0 {
		s.logger.Info("Expired pending payment sessions", zap.Int("count", len(expired)))
	}
}

// ── Audit maintenance ──

func (s *Scheduler) auditGC() {
	defer s.recoverFromPanic("auditGC")

	if err := s.audit.RunGC(); err != nil {
		s.logger.Warn("Audit GC failed", zap.Error(err))
	}
}

// ── Reports ──

func (s *Scheduler) dailyStatusReport() {
	defer s.recoverFromPanic("dailyStatusReport")

	if s.reporter == nil || !s.reporter.Enabled() {
		return
	}

	counts := s.sessions.Counts()
	msg := fmt.Sprintf("📊 <b>Daily payment report</b>\n\n"+
		"📅 %s\n"+
		"✅ Paid: %d\n"+
		"❌ Failed: %d\n"+
		"⏳ Pending: %d",
		time.Now().Format("2006-01-02"),
		counts[broker.StatusPaid],
		counts[broker.StatusFailed],
		counts[broker.StatusPending],
	)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.reporter.SendMessage(ctx, msg); err != nil {
		s.logger.Warn("Failed to send daily report", zap.Error(err))
	}
}

func (s *Scheduler) recoverFromPanic(jobName string) {
	if r := recover(); r != nil {
		s.logger.Error("Cron job panicked", zap.String("job", jobName), zap.Any("error", r))
	}
}
