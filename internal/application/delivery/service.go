package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-notify-escalation/internal/domain"
	"github.com/go-notify-escalation/internal/infrastructure/metrics"
	"github.com/go-notify-escalation/internal/pkg/id"
	"github.com/go-notify-escalation/internal/pkg/validate"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	testTitle = "Test notification"
	testBody  = "Push notifications are working on this device."
)

// NotificationStore is the part of the notification backend the coordinator writes.
type NotificationStore interface {
	CreateBatch(ctx context.Context, ns []domain.Notification) error
	Get(ctx context.Context, notificationID string) (*domain.Notification, error)
	MarkPushDelivered(ctx context.Context, notificationID string, at time.Time) (bool, error)
	MarkOpened(ctx context.Context, notificationID string, at time.Time) error
	MarkRead(ctx context.Context, notificationID string, at time.Time) error
	ListForUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error)
	Stats(ctx context.Context, userID string) (domain.DeliveryStats, error)
}

type SubscriptionStore interface {
	ActiveForUser(ctx context.Context, userID string) ([]domain.PushSubscription, error)
	Deactivate(ctx context.Context, endpoint string) error
}

// Directory resolves recipient specs to user ids.
type Directory interface {
	Get(ctx context.Context, userID string) (*domain.User, error)
	ListIDsByRole(ctx context.Context, role string) ([]string, error)
	ListIDsByCohort(ctx context.Context, cohortID string) ([]string, error)
}

// PushGateway makes one delivery attempt. *webpush.Gateway satisfies it.
type PushGateway interface {
	Deliver(ctx context.Context, sub domain.PushSubscription, payload domain.PushPayload) domain.DeliveryOutcome
}

type Config struct {
	Concurrency     int
	EscalationDelay time.Duration
	ListLimit       int
}

type Service interface {
	Notify(ctx context.Context, req domain.NotifyRequest) (*domain.NotifyResult, error)
	SendTest(ctx context.Context, userID string) (*domain.NotifyResult, error)
	MarkDelivered(ctx context.Context, notificationID string)
	MarkOpened(ctx context.Context, notificationID string)
	MarkRead(ctx context.Context, notificationID, userID string) (*domain.Notification, error)
	ListForUser(ctx context.Context, userID string, unreadOnly bool) ([]domain.Notification, error)
	Stats(ctx context.Context, userID string) (domain.DeliveryStats, error)
}

type service struct {
	notifications NotificationStore
	subscriptions SubscriptionStore
	directory     Directory
	push          PushGateway
	cfg           Config
	metrics       *metrics.Metrics
	log           *zap.Logger
	now           func() time.Time
}

func NewService(notifications NotificationStore, subscriptions SubscriptionStore, directory Directory,
	push PushGateway, cfg Config, m *metrics.Metrics, log *zap.Logger) Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 100
	}
	return &service{
		notifications: notifications,
		subscriptions: subscriptions,
		directory:     directory,
		push:          push,
		cfg:           cfg,
		metrics:       m,
		log:           log,
		now:           time.Now,
	}
}

// Notify persists one notification per resolved recipient, then attempts push
// delivery. Delivery failures are counted in the result, never returned.
func (s *service) Notify(ctx context.Context, req domain.NotifyRequest) (*domain.NotifyResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
	}
	channel, err := domain.ParseChannel(req.Channel)
	if err != nil {
		return nil, err
	}
	priority, err := domain.ParsePriority(req.Priority)
	if err != nil {
		return nil, err
	}
	userIDs, err := s.resolve(ctx, req.Recipients)
	if err != nil {
		return nil, err
	}
	if len(userIDs) == 0 {
		return nil, fmt.Errorf("%s %q: %w", req.Recipients.Kind, recipientRef(req.Recipients), domain.ErrNoRecipientsFound)
	}

	now := s.now().UTC()
	ns := make([]domain.Notification, len(userIDs))
	ids := make([]string, len(userIDs))
	for i, uid := range userIDs {
		ns[i] = domain.Notification{
			NotificationID: id.New(),
			UserID:         uid,
			Title:          req.Title,
			Body:           req.Body,
			Channel:        channel,
			Priority:       priority,
			TargetURL:      req.TargetURL,
			SMSScheduledAt: channel.SMSScheduleAt(now, s.cfg.EscalationDelay),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		ids[i] = ns[i].NotificationID
	}
	if err := s.notifications.CreateBatch(ctx, ns); err != nil {
		return nil, fmt.Errorf("persist %d notifications: %w", len(ns), err)
	}
	s.metrics.NotificationsCreated(string(channel), len(ns))

	res := &domain.NotifyResult{Created: len(ns), NotificationIDs: ids}
	if channel.AllowsPush() {
		// rows are committed; a disconnecting caller must not cut the fan-out short
		s.fanOut(context.WithoutCancel(ctx), ns, res)
	}
	s.log.Info("notify",
		zap.String("recipients", string(req.Recipients.Kind)),
		zap.String("channel", string(channel)),
		zap.Int("created", res.Created),
		zap.Int("attempts", res.Attempts),
		zap.Int("delivered", res.Delivered),
		zap.Int("failed", res.Failed),
		zap.Int("gone", res.Gone),
		zap.Int("unreachable", res.Unreachable))
	return res, nil
}

func (s *service) SendTest(ctx context.Context, userID string) (*domain.NotifyResult, error) {
	return s.Notify(ctx, domain.NotifyRequest{
		Recipients: domain.RecipientSpec{Kind: domain.RecipientUser, UserID: userID},
		Title:      testTitle,
		Body:       testBody,
		Channel:    string(domain.ChannelPush),
	})
}

// resolve returns the de-duplicated, sorted recipient ids.
func (s *service) resolve(ctx context.Context, spec domain.RecipientSpec) ([]string, error) {
	var ids []string
	switch spec.Kind {
	case domain.RecipientUser:
		u, err := s.directory.Get(ctx, spec.UserID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, nil
			}
			return nil, fmt.Errorf("resolve user: %w", err)
		}
		if u.Enable == 1 {
			ids = []string{u.UserID}
		}
	case domain.RecipientCohort:
		list, err := s.directory.ListIDsByCohort(ctx, spec.CohortID)
		if err != nil {
			return nil, fmt.Errorf("resolve cohort: %w", err)
		}
		ids = list
	case domain.RecipientRole:
		list, err := s.directory.ListIDsByRole(ctx, spec.Role)
		if err != nil {
			return nil, fmt.Errorf("resolve role: %w", err)
		}
		ids = list
	default:
		return nil, fmt.Errorf("unknown recipient kind %q: %w", spec.Kind, domain.ErrBadRequest)
	}
	return dedupe(ids), nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, uid := range ids {
		if uid == "" {
			continue
		}
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

func recipientRef(spec domain.RecipientSpec) string {
	switch spec.Kind {
	case domain.RecipientUser:
		return spec.UserID
	case domain.RecipientCohort:
		return spec.CohortID
	case domain.RecipientRole:
		return spec.Role
	}
	return ""
}

type unit struct {
	n   *domain.Notification
	sub domain.PushSubscription
}

// fanOut runs in two bounded phases: subscription lookup per recipient, then
// one delivery per (notification, subscription) pair.
func (s *service) fanOut(ctx context.Context, ns []domain.Notification, res *domain.NotifyResult) {
	subs := make([][]domain.PushSubscription, len(ns))
	var lookups errgroup.Group
	lookups.SetLimit(s.cfg.Concurrency)
	for i := range ns {
		lookups.Go(func() error {
			list, err := s.subscriptions.ActiveForUser(ctx, ns[i].UserID)
			if err != nil {
				s.log.Warn("load subscriptions failed", zap.String("user_id", ns[i].UserID), zap.Error(err))
				return nil
			}
			subs[i] = list
			return nil
		})
	}
	_ = lookups.Wait()

	var units []unit
	for i := range ns {
		if len(subs[i]) == 0 {
			res.Unreachable++
			continue
		}
		for _, sub := range subs[i] {
			units = append(units, unit{n: &ns[i], sub: sub})
		}
	}
	res.Attempts = len(units)

	var (
		mu         sync.Mutex
		deliveries errgroup.Group
	)
	deliveries.SetLimit(s.cfg.Concurrency)
	for _, u := range units {
		deliveries.Go(func() error {
			kind := s.deliver(ctx, u)
			mu.Lock()
			defer mu.Unlock()
			switch kind {
			case domain.Delivered:
				res.Delivered++
			case domain.PermanentlyGone:
				res.Gone++
				res.Failed++
			case domain.TransientFailure:
				res.Failed++
			}
			return nil
		})
	}
	_ = deliveries.Wait()
}

func (s *service) deliver(ctx context.Context, u unit) domain.OutcomeKind {
	out := s.push.Deliver(ctx, u.sub, domain.PayloadFor(u.n))
	s.metrics.PushAttempt(out.Kind.String())
	log := s.log.With(
		zap.String("notification_id", u.n.NotificationID),
		zap.String("subscription_id", u.sub.SubscriptionID))

	switch out.Kind {
	case domain.Delivered:
		if _, err := s.notifications.MarkPushDelivered(ctx, u.n.NotificationID, s.now().UTC()); err != nil {
			log.Warn("record push delivery failed", zap.Error(err))
		}
	case domain.PermanentlyGone:
		if err := s.subscriptions.Deactivate(ctx, u.sub.Endpoint); err != nil {
			log.Warn("deactivate gone subscription failed", zap.Error(err))
		} else {
			s.metrics.SubscriptionPruned()
			log.Info("subscription gone, deactivated", zap.Int("status", out.StatusCode))
		}
	case domain.TransientFailure:
		log.Debug("push attempt failed", zap.String("reason", out.Reason), zap.Int("status", out.StatusCode))
	}
	return out.Kind
}

// MarkDelivered records a device-reported delivery. Unknown ids are ignored.
func (s *service) MarkDelivered(ctx context.Context, notificationID string) {
	if _, err := s.notifications.MarkPushDelivered(ctx, notificationID, s.now().UTC()); err != nil {
		s.log.Debug("mark delivered ignored", zap.String("notification_id", notificationID), zap.Error(err))
	}
}

// MarkOpened records a device-reported open. Unknown ids are ignored.
func (s *service) MarkOpened(ctx context.Context, notificationID string) {
	if err := s.notifications.MarkOpened(ctx, notificationID, s.now().UTC()); err != nil {
		s.log.Debug("mark opened ignored", zap.String("notification_id", notificationID), zap.Error(err))
	}
}

func (s *service) MarkRead(ctx context.Context, notificationID, userID string) (*domain.Notification, error) {
	n, err := s.notifications.Get(ctx, notificationID)
	if err != nil {
		return nil, err
	}
	if n.UserID != userID {
		return nil, fmt.Errorf("forbidden: %w", domain.ErrForbidden)
	}
	if err := s.notifications.MarkRead(ctx, notificationID, s.now().UTC()); err != nil {
		return nil, err
	}
	return s.notifications.Get(ctx, notificationID)
}

func (s *service) ListForUser(ctx context.Context, userID string, unreadOnly bool) ([]domain.Notification, error) {
	ns, err := s.notifications.ListForUser(ctx, userID, unreadOnly, s.cfg.ListLimit)
	if err != nil {
		return nil, err
	}
	if ns == nil {
		ns = []domain.Notification{}
	}
	return ns, nil
}

// Stats returns counters for userID, or for everyone when userID is empty.
func (s *service) Stats(ctx context.Context, userID string) (domain.DeliveryStats, error) {
	return s.notifications.Stats(ctx, userID)
}
