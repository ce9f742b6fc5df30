package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-notify-escalation/internal/domain"
)

// SubscriptionStore keeps push subscriptions keyed by endpoint hash.
type SubscriptionStore struct {
	mu   sync.Mutex
	rows map[string]*domain.PushSubscription
}

func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{rows: make(map[string]*domain.PushSubscription)}
}

func (s *SubscriptionStore) Upsert(_ context.Context, sub *domain.PushSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	key := domain.SubscriptionKey(sub.Endpoint)
	row, ok := s.rows[key]
	if !ok {
		row = &domain.PushSubscription{SubscriptionID: key, Endpoint: sub.Endpoint, CreatedAt: now}
		s.rows[key] = row
	}
	row.UserID = sub.UserID
	row.P256dh = sub.P256dh
	row.Auth = sub.Auth
	row.UserAgent = sub.UserAgent
	row.Active = true
	row.UpdatedAt = now
	*sub = *row
	return nil
}

func (s *SubscriptionStore) Deactivate(_ context.Context, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[domain.SubscriptionKey(endpoint)]; ok {
		row.Active = false
		row.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *SubscriptionStore) DeactivateForUser(_ context.Context, userID, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[domain.SubscriptionKey(endpoint)]
	if !ok || row.UserID != userID {
		return fmt.Errorf("subscription not found: %w", domain.ErrNotFound)
	}
	row.Active = false
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *SubscriptionStore) DeleteAllForUser(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, row := range s.rows {
		if row.UserID == userID {
			delete(s.rows, key)
			n++
		}
	}
	return n, nil
}

func (s *SubscriptionStore) ListForUser(_ context.Context, userID string) ([]domain.PushSubscription, error) {
	return s.list(userID, false), nil
}

func (s *SubscriptionStore) ActiveForUser(_ context.Context, userID string) ([]domain.PushSubscription, error) {
	return s.list(userID, true), nil
}

func (s *SubscriptionStore) list(userID string, activeOnly bool) []domain.PushSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PushSubscription
	for _, row := range s.rows {
		if row.UserID == userID && (!activeOnly || row.Active) {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}
