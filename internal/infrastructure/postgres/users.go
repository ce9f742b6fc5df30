package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-notify-escalation/internal/domain"
)

// UserRepo reads the portal's users table as a recipient directory.
type UserRepo struct {
	db *sql.DB
}

func NewUserRepo(db *sql.DB) *UserRepo {
	return &UserRepo{db: db}
}

func (r *UserRepo) Get(ctx context.Context, userID string) (*domain.User, error) {
	var u domain.User
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, first_name, last_name, COALESCE(phone, ''), role, COALESCE(cohort_id, ''), enable
		 FROM users WHERE user_id = $1`, userID,
	).Scan(&u.UserID, &u.FirstName, &u.LastName, &u.Phone, &u.Role, &u.CohortID, &u.Enable)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user not found: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListIDsByRole returns the ids of enabled users holding role.
func (r *UserRepo) ListIDsByRole(ctx context.Context, role string) ([]string, error) {
	return r.ids(ctx, `SELECT user_id FROM users WHERE role = $1 AND enable = 1 ORDER BY user_id`, role)
}

// ListIDsByCohort returns the ids of enabled users in cohortID.
func (r *UserRepo) ListIDsByCohort(ctx context.Context, cohortID string) ([]string, error) {
	return r.ids(ctx, `SELECT user_id FROM users WHERE cohort_id = $1 AND enable = 1 ORDER BY user_id`, cohortID)
}

func (r *UserRepo) ids(ctx context.Context, query, arg string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
