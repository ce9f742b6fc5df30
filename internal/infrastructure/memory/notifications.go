package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-notify-escalation/internal/domain"
)

// NotificationStore keeps notifications in process memory. It honours the
// same conditional-write semantics as the database backends.
type NotificationStore struct {
	mu       sync.Mutex
	rows     map[string]*domain.Notification
	failNext error
}

func NewNotificationStore() *NotificationStore {
	return &NotificationStore{rows: make(map[string]*domain.Notification)}
}

// FailNextCreate makes the next CreateBatch fail with err and write nothing.
func (s *NotificationStore) FailNextCreate(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

func (s *NotificationStore) CreateBatch(_ context.Context, ns []domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		return err
	}
	seen := make(map[string]bool, len(ns))
	for i := range ns {
		id := ns[i].NotificationID
		if _, ok := s.rows[id]; ok || seen[id] {
			return fmt.Errorf("notification %s exists: %w", id, domain.ErrConflict)
		}
		seen[id] = true
	}
	for i := range ns {
		n := ns[i]
		s.rows[n.NotificationID] = &n
	}
	return nil
}

func (s *NotificationStore) Get(_ context.Context, notificationID string) (*domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.rows[notificationID]
	if !ok {
		return nil, fmt.Errorf("notification not found: %w", domain.ErrNotFound)
	}
	cp := *n
	return &cp, nil
}

func (s *NotificationStore) MarkPushDelivered(_ context.Context, notificationID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.rows[notificationID]
	if !ok || n.PushDeliveredAt != nil {
		return false, nil
	}
	n.PushDeliveredAt = &at
	n.UpdatedAt = at
	return true, nil
}

func (s *NotificationStore) MarkOpened(_ context.Context, notificationID string, at time.Time) error {
	return s.update(notificationID, func(n *domain.Notification) {
		markRead(n, at)
		if n.OpenedAt == nil {
			n.OpenedAt = &at
		}
		if n.PushDeliveredAt == nil {
			n.PushDeliveredAt = &at
		}
	})
}

func (s *NotificationStore) MarkRead(_ context.Context, notificationID string, at time.Time) error {
	return s.update(notificationID, func(n *domain.Notification) { markRead(n, at) })
}

func markRead(n *domain.Notification, at time.Time) {
	n.Read = true
	if n.ReadAt == nil {
		n.ReadAt = &at
	}
	n.UpdatedAt = at
}

func (s *NotificationStore) update(notificationID string, fn func(*domain.Notification)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.rows[notificationID]
	if !ok {
		return fmt.Errorf("notification not found: %w", domain.ErrNotFound)
	}
	fn(n)
	return nil
}

func (s *NotificationStore) ListForUser(_ context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Notification
	for _, n := range s.rows {
		if n.UserID == userID && (!unreadOnly || !n.Read) {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *NotificationStore) Stats(_ context.Context, userID string) (domain.DeliveryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats domain.DeliveryStats
	for _, n := range s.rows {
		if userID == "" || n.UserID == userID {
			stats.Add(n)
		}
	}
	return stats, nil
}

func (s *NotificationStore) ListDueForEscalation(_ context.Context, now time.Time, limit int) ([]domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Notification
	for _, n := range s.rows {
		if n.EscalationDue(now) {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SMSScheduledAt.Before(*out[j].SMSScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *NotificationStore) ClaimEscalation(_ context.Context, notificationID string, now, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.rows[notificationID]
	if !ok || n.SMSSentAt != nil || n.SMSAbandonedAt != nil || n.Read || n.SMSMessageID != "" {
		return false, nil
	}
	if n.SMSClaimedAt != nil && n.SMSClaimedAt.After(staleBefore) {
		return false, nil
	}
	n.SMSClaimedAt = &now
	n.UpdatedAt = now
	return true, nil
}

func (s *NotificationStore) CompleteEscalation(_ context.Context, notificationID string, sentAt time.Time, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.rows[notificationID]
	if !ok || n.SMSSentAt != nil {
		return false, nil
	}
	n.SMSSentAt = &sentAt
	n.SMSMessageID = messageID
	n.SMSAttempts++
	n.SMSClaimedAt = nil
	n.SMSLastError = ""
	n.UpdatedAt = sentAt
	return true, nil
}

func (s *NotificationStore) ReleaseEscalation(_ context.Context, notificationID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.rows[notificationID]; ok && n.SMSSentAt == nil {
		n.SMSAttempts++
		n.SMSLastError = reason
		n.SMSClaimedAt = nil
		n.UpdatedAt = at
	}
	return nil
}

func (s *NotificationStore) AbandonEscalation(_ context.Context, notificationID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.rows[notificationID]; ok && n.SMSSentAt == nil {
		n.SMSAbandonedAt = &at
		n.SMSLastError = reason
		n.SMSClaimedAt = nil
		n.UpdatedAt = at
	}
	return nil
}

func (s *NotificationStore) HoldEscalation(_ context.Context, notificationID, messageID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.rows[notificationID]; ok && n.SMSSentAt == nil {
		n.SMSMessageID = messageID
		n.SMSAttempts++
		n.SMSLastError = reason
		n.SMSClaimedAt = nil
		n.UpdatedAt = at
	}
	return nil
}

// Count returns the number of stored notifications.
func (s *NotificationStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}
