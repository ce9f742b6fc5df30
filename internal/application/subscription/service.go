package subscription

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/go-notify-escalation/internal/domain"
	"github.com/go-notify-escalation/internal/pkg/validate"
)

const (
	p256dhLen = 65 // uncompressed P-256 point
	authLen   = 16
)

// Store is implemented by every subscription backend.
type Store interface {
	Upsert(ctx context.Context, sub *domain.PushSubscription) error
	Deactivate(ctx context.Context, endpoint string) error
	DeactivateForUser(ctx context.Context, userID, endpoint string) error
	DeleteAllForUser(ctx context.Context, userID string) (int, error)
	ListForUser(ctx context.Context, userID string) ([]domain.PushSubscription, error)
	ActiveForUser(ctx context.Context, userID string) ([]domain.PushSubscription, error)
}

type Service interface {
	Subscribe(ctx context.Context, userID string, req domain.SubscribeRequest) (*domain.PushSubscription, error)
	Unsubscribe(ctx context.Context, userID, endpoint string) error
	Clean(ctx context.Context, userID string) (int, error)
	List(ctx context.Context, userID string) ([]domain.PushSubscription, error)
}

type service struct {
	store Store
}

func NewService(store Store) Service {
	return &service{store: store}
}

func (s *service) Subscribe(ctx context.Context, userID string, req domain.SubscribeRequest) (*domain.PushSubscription, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
	}
	if err := checkKey("p256dh", req.Keys.P256dh, p256dhLen); err != nil {
		return nil, err
	}
	if err := checkKey("auth", req.Keys.Auth, authLen); err != nil {
		return nil, err
	}
	sub := &domain.PushSubscription{
		UserID:    userID,
		Endpoint:  req.Endpoint,
		P256dh:    req.Keys.P256dh,
		Auth:      req.Keys.Auth,
		UserAgent: req.UserAgent,
	}
	if err := s.store.Upsert(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Unsubscribe deactivates the caller's own endpoint. The row is kept.
func (s *service) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("endpoint is required: %w", domain.ErrBadRequest)
	}
	return s.store.DeactivateForUser(ctx, userID, endpoint)
}

// Clean removes every subscription of userID and returns how many were deleted.
func (s *service) Clean(ctx context.Context, userID string) (int, error) {
	return s.store.DeleteAllForUser(ctx, userID)
}

func (s *service) List(ctx context.Context, userID string) ([]domain.PushSubscription, error) {
	subs, err := s.store.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if subs == nil {
		subs = []domain.PushSubscription{}
	}
	return subs, nil
}

// checkKey accepts the base64 variants browsers emit and checks the decoded length.
func checkKey(name, value string, want int) error {
	raw, err := decodeKey(value)
	if err != nil {
		return fmt.Errorf("keys.%s is not base64: %w", name, domain.ErrBadRequest)
	}
	if len(raw) != want {
		return fmt.Errorf("keys.%s must decode to %d bytes, got %d: %w", name, want, len(raw), domain.ErrBadRequest)
	}
	return nil
}

func decodeKey(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	if raw, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
