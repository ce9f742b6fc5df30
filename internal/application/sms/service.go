package sms

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-notify-escalation/internal/config"
	"github.com/go-notify-escalation/internal/domain"
	"github.com/go-notify-escalation/internal/infrastructure/metrics"
	"github.com/go-notify-escalation/internal/pkg/validate"
	"go.uber.org/zap"
)

const (
	fieldSent   = "sent"
	fieldFailed = "failed"
	ellipsis    = "..."
)

// Publisher is the SMS transport. *sns.Sender satisfies it.
type Publisher interface {
	Publish(ctx context.Context, phone, message string) (string, error)
	CheckCredentials(ctx context.Context) error
}

// Counter stores per-period usage counters.
type Counter interface {
	Incr(ctx context.Context, period, field string, expireAt time.Time) (int64, error)
	Get(ctx context.Context, period string) (map[string]int64, error)
}

// Result is the outcome of one SendSMS call.
type Result struct {
	Success           bool
	ProviderMessageID string
	Err               error
}

// Usage reports SMS counters for the current calendar month.
type Usage struct {
	Period        string `json:"period"`
	Sent          int64  `json:"sent"`
	Failed        int64  `json:"failed"`
	Quota         int    `json:"quota"`
	QuotaExceeded bool   `json:"quota_exceeded"`
}

type Service interface {
	SendSMS(ctx context.Context, phone, body string) Result
	FormatEscalationBody(firstName, title, body string) string
	CheckConfiguration(ctx context.Context) error
	UsageStats(ctx context.Context) (Usage, error)
}

type service struct {
	publisher Publisher
	counter   Counter
	cfg       config.SMSConfig
	metrics   *metrics.Metrics
	log       *zap.Logger
	now       func() time.Time
}

// NewService builds the SMS client. publisher may be nil when SMS is disabled;
// counter falls back to process memory when nil.
func NewService(publisher Publisher, counter Counter, cfg config.SMSConfig, m *metrics.Metrics, log *zap.Logger) Service {
	if counter == nil {
		counter = NewMemoryCounter()
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 160
	}
	return &service{
		publisher: publisher,
		counter:   counter,
		cfg:       cfg,
		metrics:   m,
		log:       log,
		now:       time.Now,
	}
}

func (s *service) SendSMS(ctx context.Context, phone, body string) Result {
	if err := s.configured(); err != nil {
		return Result{Err: err}
	}
	if err := validate.Var(phone, "required,e164"); err != nil {
		s.record(ctx, fieldFailed)
		return Result{Err: fmt.Errorf("invalid phone number: %w", domain.ErrBadRequest)}
	}
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	msgID, err := s.publisher.Publish(ctx, phone, body)
	if err != nil {
		s.record(ctx, fieldFailed)
		return Result{Err: fmt.Errorf("publish sms: %w", err)}
	}
	if sent := s.record(ctx, fieldSent); s.cfg.MonthlyQuota > 0 && sent >= int64(s.cfg.MonthlyQuota) {
		s.log.Warn("monthly SMS quota reached",
			zap.Int64("sent", sent), zap.Int("quota", s.cfg.MonthlyQuota))
	}
	return Result{Success: true, ProviderMessageID: msgID}
}

// FormatEscalationBody renders the escalation text. Whitespace is collapsed and
// the result never exceeds the configured length in runes.
func (s *service) FormatEscalationBody(firstName, title, body string) string {
	return formatBody(firstName, title, body, s.cfg.MaxLength)
}

func formatBody(firstName, title, body string, max int) string {
	var b strings.Builder
	if name := collapse(firstName); name != "" {
		b.WriteString("Hi " + name + ", ")
	}
	title, body = collapse(title), collapse(body)
	switch {
	case title != "" && body != "":
		b.WriteString(title + ": " + body)
	default:
		b.WriteString(title + body)
	}
	return truncate(b.String(), max)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	keep := max - utf8.RuneCountInString(ellipsis)
	if keep <= 0 {
		return string([]rune(s)[:max])
	}
	return strings.TrimRight(string([]rune(s)[:keep]), " ") + ellipsis
}

// CheckConfiguration reports whether SMS can be sent at all.
func (s *service) CheckConfiguration(ctx context.Context) error {
	if err := s.configured(); err != nil {
		return err
	}
	if err := s.publisher.CheckCredentials(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSMSNotConfigured, err)
	}
	return nil
}

func (s *service) configured() error {
	if !s.cfg.Enabled {
		return fmt.Errorf("sms disabled: %w", domain.ErrSMSNotConfigured)
	}
	if s.publisher == nil {
		return fmt.Errorf("no sms transport: %w", domain.ErrSMSNotConfigured)
	}
	return nil
}

func (s *service) UsageStats(ctx context.Context) (Usage, error) {
	period := periodOf(s.now())
	counts, err := s.counter.Get(ctx, period)
	if err != nil {
		return Usage{}, fmt.Errorf("load sms usage: %w", err)
	}
	u := Usage{
		Period: period,
		Sent:   counts[fieldSent],
		Failed: counts[fieldFailed],
		Quota:  s.cfg.MonthlyQuota,
	}
	u.QuotaExceeded = u.Quota > 0 && u.Sent >= int64(u.Quota)
	return u, nil
}

// record bumps a usage counter. Counter failures never fail the send.
func (s *service) record(ctx context.Context, field string) int64 {
	s.metrics.SMS(field)
	now := s.now()
	n, err := s.counter.Incr(context.WithoutCancel(ctx), periodOf(now), field, periodExpiry(now))
	if err != nil {
		s.log.Warn("sms usage counter update failed", zap.String("field", field), zap.Error(err))
	}
	return n
}

func periodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// periodExpiry keeps a month's counters through the following month.
func periodExpiry(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m+2, 1, 0, 0, 0, 0, time.UTC)
}
