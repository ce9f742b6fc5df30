package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-notify-escalation/internal/application/sms"
	"github.com/go-notify-escalation/internal/config"
	"github.com/go-notify-escalation/internal/domain"
	"github.com/go-notify-escalation/internal/infrastructure/metrics"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// NotificationStore is the escalation view of the notification backend.
// Every mutation is conditional on sms_sent_at still being null.
type NotificationStore interface {
	ListDueForEscalation(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error)
	ClaimEscalation(ctx context.Context, notificationID string, now, staleBefore time.Time) (bool, error)
	CompleteEscalation(ctx context.Context, notificationID string, sentAt time.Time, messageID string) (bool, error)
	ReleaseEscalation(ctx context.Context, notificationID, reason string, at time.Time) error
	AbandonEscalation(ctx context.Context, notificationID, reason string, at time.Time) error
	// HoldEscalation stores messageID on a row whose SMS went out but whose
	// completion could not be written. Held rows are never claimed again.
	HoldEscalation(ctx context.Context, notificationID, messageID, reason string, at time.Time) error
}

const (
	recordMaxAttempts    = 3
	defaultRecordBackoff = 250 * time.Millisecond
)

type Directory interface {
	Get(ctx context.Context, userID string) (*domain.User, error)
}

type SMSClient interface {
	SendSMS(ctx context.Context, phone, body string) sms.Result
	FormatEscalationBody(firstName, title, body string) string
	CheckConfiguration(ctx context.Context) error
}

// TickReport summarises one pass over the due notifications.
type TickReport struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration_ns"`
	Candidates int           `json:"candidates"`
	Sent       int           `json:"sent"`
	Failed     int           `json:"failed"`
	Abandoned  int           `json:"abandoned"`
	Skipped    int           `json:"skipped"`
}

type Status struct {
	Running        bool        `json:"running"`
	TickInProgress bool        `json:"tick_in_progress"`
	Interval       string      `json:"interval"`
	LastRunAt      *time.Time  `json:"last_run_at,omitempty"`
	LastDuration   string      `json:"last_duration,omitempty"`
	LastReport     *TickReport `json:"last_report,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
	NextRunAt      *time.Time  `json:"next_run_at,omitempty"`
}

// Stats are cumulative since process start.
type Stats struct {
	Ticks        int64 `json:"ticks"`
	SkippedTicks int64 `json:"skipped_ticks"`
	FailedTicks  int64 `json:"failed_ticks"`
	Candidates   int64 `json:"candidates"`
	Sent         int64 `json:"sent"`
	Failed       int64 `json:"failed"`
	Abandoned    int64 `json:"abandoned"`
	Skipped      int64 `json:"skipped"`
}

type Scheduler interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	ForceCheck(ctx context.Context) (TickReport, error)
	Tick(ctx context.Context) (TickReport, error)
	Status() Status
	Stats() Stats
}

type result int

const (
	resultSent result = iota
	resultFailed
	resultAbandoned
	resultSkipped
)

func (r result) String() string {
	switch r {
	case resultSent:
		return "sent"
	case resultFailed:
		return "failed"
	case resultAbandoned:
		return "abandoned"
	case resultSkipped:
		return "skipped"
	}
	return "unknown"
}

type scheduler struct {
	store     NotificationStore
	directory Directory
	sms       SMSClient
	cfg       config.EscalationConfig
	metrics   *metrics.Metrics
	log       *zap.Logger
	now       func() time.Time

	recordBackoff time.Duration

	tickMu sync.Mutex // held for the whole tick
	inTick atomic.Bool

	mu       sync.Mutex
	cron     *cron.Cron
	entry    cron.EntryID
	stopping bool
	last     *TickReport
	lastErr  string
	totals   Stats
}

func NewScheduler(store NotificationStore, directory Directory, smsClient SMSClient,
	cfg config.EscalationConfig, m *metrics.Metrics, log *zap.Logger) Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = time.Hour
	}
	return &scheduler{
		store:     store,
		directory: directory,
		sms:       smsClient,
		cfg:       cfg,
		metrics:   m,
		log:       log,
		now:       time.Now,

		recordBackoff: defaultRecordBackoff,
	}
}

// Start schedules ticks every cfg.Interval. It refuses to run without a
// working SMS configuration so the engine stays push-only.
func (s *scheduler) Start(ctx context.Context) error {
	if err := s.sms.CheckConfiguration(ctx); err != nil {
		return fmt.Errorf("escalation scheduler not started: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	cl := cronLogger{s.log.Sugar()}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	entry, err := c.AddFunc("@every "+s.cfg.Interval.String(), s.runScheduled)
	if err != nil {
		return fmt.Errorf("schedule escalation tick: %w", err)
	}
	c.Start()
	s.cron, s.entry, s.stopping = c, entry, false
	s.log.Info("escalation scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("batch_size", s.cfg.BatchSize),
		zap.Int("max_attempts", s.cfg.MaxAttempts),
		zap.Duration("max_age", s.cfg.MaxAge))
	return nil
}

// Stop removes the timer and waits for an in-flight tick to finish, or for ctx.
func (s *scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.stopping = true
	s.mu.Unlock()

	var cronDone <-chan struct{}
	if c != nil {
		cronDone = c.Stop().Done()
	} else {
		closed := make(chan struct{})
		close(closed)
		cronDone = closed
	}
	tickDone := make(chan struct{})
	go func() {
		s.tickMu.Lock()
		s.tickMu.Unlock()
		close(tickDone)
	}()

	for cronDone != nil || tickDone != nil {
		select {
		case <-cronDone:
			cronDone = nil
		case <-tickDone:
			tickDone = nil
		case <-ctx.Done():
			return fmt.Errorf("stop escalation scheduler: %w", ctx.Err())
		}
	}
	if c != nil {
		s.log.Info("escalation scheduler stopped")
	}
	return nil
}

func (s *scheduler) runScheduled() {
	if _, err := s.Tick(context.Background()); err != nil {
		if errors.Is(err, domain.ErrTickInProgress) {
			s.log.Debug("escalation tick skipped, previous tick still running")
			return
		}
		s.log.Error("escalation tick failed", zap.Error(err))
	}
}

// ForceCheck runs one tick now.
func (s *scheduler) ForceCheck(ctx context.Context) (TickReport, error) {
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if stopping {
		return TickReport{}, domain.ErrSchedulerStopped
	}
	if err := s.sms.CheckConfiguration(ctx); err != nil {
		return TickReport{}, err
	}
	return s.Tick(ctx)
}

// Tick escalates every due notification once. Overlapping calls return
// ErrTickInProgress instead of running concurrently.
func (s *scheduler) Tick(ctx context.Context) (TickReport, error) {
	if !s.tickMu.TryLock() {
		s.mu.Lock()
		s.totals.SkippedTicks++
		s.mu.Unlock()
		return TickReport{}, domain.ErrTickInProgress
	}
	defer s.tickMu.Unlock()
	s.inTick.Store(true)
	defer s.inTick.Store(false)

	report := TickReport{StartedAt: s.now().UTC()}
	rows, err := s.store.ListDueForEscalation(ctx, report.StartedAt, s.cfg.BatchSize)
	if err != nil {
		err = fmt.Errorf("list due notifications: %w", err)
		s.finish(report, err)
		return report, err
	}
	report.Candidates = len(rows)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.cfg.Concurrency)
	for i := range rows {
		g.Go(func() error {
			r := s.escalate(ctx, &rows[i])
			s.metrics.EscalationRow(r.String())
			mu.Lock()
			defer mu.Unlock()
			switch r {
			case resultSent:
				report.Sent++
			case resultFailed:
				report.Failed++
			case resultAbandoned:
				report.Abandoned++
			case resultSkipped:
				report.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = s.now().Sub(report.StartedAt)
	s.finish(report, nil)
	if report.Candidates > 0 {
		s.log.Info("escalation tick",
			zap.Int("candidates", report.Candidates),
			zap.Int("sent", report.Sent),
			zap.Int("failed", report.Failed),
			zap.Int("abandoned", report.Abandoned),
			zap.Int("skipped", report.Skipped),
			zap.Duration("duration", report.Duration))
	}
	return report, nil
}

func (s *scheduler) finish(r TickReport, err error) {
	s.metrics.EscalationTick(r.Duration)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &r
	s.lastErr = ""
	s.totals.Ticks++
	if err != nil {
		s.lastErr = err.Error()
		s.totals.FailedTicks++
		return
	}
	s.totals.Candidates += int64(r.Candidates)
	s.totals.Sent += int64(r.Sent)
	s.totals.Failed += int64(r.Failed)
	s.totals.Abandoned += int64(r.Abandoned)
	s.totals.Skipped += int64(r.Skipped)
}

// escalate handles one candidate: abandon, or claim, send and record.
func (s *scheduler) escalate(ctx context.Context, n *domain.Notification) result {
	now := s.now().UTC()
	log := s.log.With(zap.String("notification_id", n.NotificationID), zap.String("user_id", n.UserID))

	if reason := s.abandonReason(n, now); reason != "" {
		return s.abandon(ctx, log, n, reason)
	}

	claimed, err := s.store.ClaimEscalation(ctx, n.NotificationID, now, now.Add(-s.cfg.ClaimTTL))
	if err != nil {
		log.Warn("claim escalation failed", zap.Error(err))
		return resultFailed
	}
	if !claimed {
		log.Debug("escalation already claimed, read or sent")
		return resultSkipped
	}

	user, err := s.directory.Get(ctx, n.UserID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return s.abandon(ctx, log, n, "recipient not found")
	case err != nil:
		return s.release(ctx, log, n, "resolve recipient: "+err.Error())
	case user.Enable != 1:
		return s.abandon(ctx, log, n, "recipient disabled")
	case user.Phone == "":
		return s.abandon(ctx, log, n, "recipient has no phone number")
	}

	body := s.sms.FormatEscalationBody(user.FirstName, n.Title, n.Body)
	res := s.sms.SendSMS(ctx, user.Phone, body)
	if !res.Success {
		if errors.Is(res.Err, domain.ErrBadRequest) {
			return s.abandon(ctx, log, n, res.Err.Error())
		}
		return s.release(ctx, log, n, errString(res.Err))
	}

	// The SMS is out; record it even if the caller has gone away.
	recordCtx := context.WithoutCancel(ctx)
	first, err := s.complete(recordCtx, n.NotificationID, res.ProviderMessageID)
	switch {
	case err != nil:
		log.Error("sms sent but not recorded", zap.String("message_id", res.ProviderMessageID), zap.Error(err))
		if herr := s.store.HoldEscalation(recordCtx, n.NotificationID, res.ProviderMessageID,
			"sms sent but not recorded: "+err.Error(), s.now().UTC()); herr != nil {
			log.Error("hold escalation failed", zap.String("message_id", res.ProviderMessageID), zap.Error(herr))
		}
	case !first:
		log.Warn("sms already recorded for notification", zap.String("message_id", res.ProviderMessageID))
	default:
		log.Info("escalated to sms", zap.String("message_id", res.ProviderMessageID))
	}
	return resultSent
}

// complete records the send, retrying with exponential backoff.
func (s *scheduler) complete(ctx context.Context, notificationID, messageID string) (bool, error) {
	var lastErr error
	for attempt := 1; attempt <= recordMaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := s.recordBackoff * time.Duration(1<<(attempt-2))
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(backoff):
			}
		}
		first, err := s.store.CompleteEscalation(ctx, notificationID, s.now().UTC(), messageID)
		if err == nil {
			return first, nil
		}
		lastErr = err
		s.log.Warn("record sms failed",
			zap.String("notification_id", notificationID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return false, fmt.Errorf("record sms after %d attempts: %w", recordMaxAttempts, lastErr)
}

func (s *scheduler) abandonReason(n *domain.Notification, now time.Time) string {
	if s.cfg.MaxAttempts > 0 && n.SMSAttempts >= s.cfg.MaxAttempts {
		return fmt.Sprintf("gave up after %d attempts: %s", n.SMSAttempts, n.SMSLastError)
	}
	if s.cfg.MaxAge > 0 && n.SMSScheduledAt != nil && now.Sub(*n.SMSScheduledAt) > s.cfg.MaxAge {
		return fmt.Sprintf("overdue by more than %s", s.cfg.MaxAge)
	}
	return ""
}

func (s *scheduler) abandon(ctx context.Context, log *zap.Logger, n *domain.Notification, reason string) result {
	if err := s.store.AbandonEscalation(ctx, n.NotificationID, reason, s.now().UTC()); err != nil {
		log.Error("abandon escalation failed", zap.String("reason", reason), zap.Error(err))
		return resultFailed
	}
	log.Warn("escalation abandoned", zap.String("reason", reason), zap.Int("attempts", n.SMSAttempts))
	return resultAbandoned
}

func (s *scheduler) release(ctx context.Context, log *zap.Logger, n *domain.Notification, reason string) result {
	if err := s.store.ReleaseEscalation(context.WithoutCancel(ctx), n.NotificationID, reason, s.now().UTC()); err != nil {
		log.Error("release escalation failed", zap.Error(err))
	}
	log.Warn("sms escalation failed, will retry", zap.String("reason", reason), zap.Int("attempt", n.SMSAttempts+1))
	return resultFailed
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func (s *scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running:        s.cron != nil,
		TickInProgress: s.inTick.Load(),
		Interval:       s.cfg.Interval.String(),
		LastError:      s.lastErr,
	}
	if s.last != nil {
		r := *s.last
		st.LastRunAt = &r.StartedAt
		st.LastDuration = r.Duration.String()
		st.LastReport = &r
	}
	if s.cron != nil {
		if next := s.cron.Entry(s.entry).Next; !next.IsZero() {
			st.NextRunAt = &next
		}
	}
	return st
}

func (s *scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals
}

// cronLogger routes cron's own logging into zap. Wake-ups are debug noise.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
