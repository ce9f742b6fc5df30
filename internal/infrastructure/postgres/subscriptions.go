package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-notify-escalation/internal/domain"
)

const subscriptionColumns = `subscription_id, user_id, endpoint, p256dh, auth, user_agent, active, created_at, updated_at`

// SubscriptionRepo stores push subscriptions in Postgres.
type SubscriptionRepo struct {
	db *sql.DB
}

func NewSubscriptionRepo(db *sql.DB) *SubscriptionRepo {
	return &SubscriptionRepo{db: db}
}

// Upsert inserts the subscription or, when the endpoint exists, reassigns it
// to sub.UserID and reactivates it.
func (r *SubscriptionRepo) Upsert(ctx context.Context, sub *domain.PushSubscription) error {
	now := time.Now().UTC()
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO push_subscriptions (`+subscriptionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $7)
		 ON CONFLICT (endpoint) DO UPDATE SET
		   user_id = EXCLUDED.user_id, p256dh = EXCLUDED.p256dh, auth = EXCLUDED.auth,
		   user_agent = EXCLUDED.user_agent, active = TRUE, updated_at = EXCLUDED.updated_at
		 RETURNING subscription_id, active, created_at, updated_at`,
		domain.SubscriptionKey(sub.Endpoint), sub.UserID, sub.Endpoint, sub.P256dh, sub.Auth, sub.UserAgent, now,
	).Scan(&sub.SubscriptionID, &sub.Active, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// Deactivate flags the endpoint inactive. Unknown endpoints are ignored.
func (r *SubscriptionRepo) Deactivate(ctx context.Context, endpoint string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE push_subscriptions SET active = FALSE, updated_at = NOW() WHERE endpoint = $1`, endpoint)
	return err
}

// DeactivateForUser deactivates endpoint only if userID owns it.
func (r *SubscriptionRepo) DeactivateForUser(ctx context.Context, userID, endpoint string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE push_subscriptions SET active = FALSE, updated_at = NOW() WHERE endpoint = $1 AND user_id = $2`,
		endpoint, userID)
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("subscription not found: %w", domain.ErrNotFound)
	}
	return nil
}

// DeleteAllForUser hard-deletes every subscription of userID and returns the count.
func (r *SubscriptionRepo) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *SubscriptionRepo) ListForUser(ctx context.Context, userID string) ([]domain.PushSubscription, error) {
	return r.list(ctx, `SELECT `+subscriptionColumns+` FROM push_subscriptions WHERE user_id = $1 ORDER BY created_at`, userID)
}

func (r *SubscriptionRepo) ActiveForUser(ctx context.Context, userID string) ([]domain.PushSubscription, error) {
	return r.list(ctx, `SELECT `+subscriptionColumns+` FROM push_subscriptions WHERE user_id = $1 AND active ORDER BY created_at`, userID)
}

func (r *SubscriptionRepo) list(ctx context.Context, query, userID string) ([]domain.PushSubscription, error) {
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []domain.PushSubscription
	for rows.Next() {
		var s domain.PushSubscription
		if err := rows.Scan(&s.SubscriptionID, &s.UserID, &s.Endpoint, &s.P256dh, &s.Auth,
			&s.UserAgent, &s.Active, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}
