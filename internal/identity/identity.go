// Package identity resolves student ids to display names and emails.
package identity

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("user not found")

// User is the slice of a host-application user record this service reads.
type User struct {
	ID    string `json:"id" db:"id"`
	Name  string `json:"name" db:"name"`
	Email string `json:"email" db:"email"`
}

// Label is the human-readable identifier shown to reviewers: email when
// known, then name, then the raw id.
func (u *User) Label() string {
	switch {
	case u.Email != "":
		return u.Email
	case u.Name != "":
		return u.Name
	default:
		return u.ID
	}
}

// Directory looks users up by id.
type Directory interface {
	FindUserByID(ctx context.Context, id string) (*User, error)
}

// MemoryDirectory is an in-memory Directory for demo mode and tests.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewMemoryDirectory(users ...User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]User, len(users))}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

// Put adds or replaces a user.
func (d *MemoryDirectory) Put(u User) {
	d.mu.Lock()
	d.users[u.ID] = u
	d.mu.Unlock()
}

func (d *MemoryDirectory) FindUserByID(_ context.Context, id string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}
