package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/go-notify-escalation/internal/domain"
)

// UserDirectory is an in-memory recipient directory.
type UserDirectory struct {
	mu    sync.RWMutex
	users map[string]domain.User
}

func NewUserDirectory(users ...domain.User) *UserDirectory {
	d := &UserDirectory{users: make(map[string]domain.User, len(users))}
	for _, u := range users {
		d.users[u.UserID] = u
	}
	return d
}

// LoadUserDirectory seeds a directory from a JSON array of users. An empty
// path yields an empty directory.
func LoadUserDirectory(path string) (*UserDirectory, error) {
	if path == "" {
		return NewUserDirectory(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	var users []domain.User
	if err := json.Unmarshal(raw, &users); err != nil {
		return nil, fmt.Errorf("decode users file %s: %w", path, err)
	}
	for i, u := range users {
		if u.UserID == "" {
			return nil, fmt.Errorf("users file %s: entry %d has no id", path, i)
		}
	}
	return NewUserDirectory(users...), nil
}

func (d *UserDirectory) Get(_ context.Context, userID string) (*domain.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok {
		return nil, fmt.Errorf("user not found: %w", domain.ErrNotFound)
	}
	return &u, nil
}

func (d *UserDirectory) ListIDsByRole(_ context.Context, role string) ([]string, error) {
	return d.ids(func(u domain.User) bool { return u.Role == role }), nil
}

func (d *UserDirectory) ListIDsByCohort(_ context.Context, cohortID string) ([]string, error) {
	return d.ids(func(u domain.User) bool { return u.CohortID == cohortID }), nil
}

func (d *UserDirectory) ids(match func(domain.User) bool) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var ids []string
	for _, u := range d.users {
		if u.Enable == 1 && match(u) {
			ids = append(ids, u.UserID)
		}
	}
	sort.Strings(ids)
	return ids
}
