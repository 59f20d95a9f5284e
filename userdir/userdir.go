// Package userdir answers whether a username exists, backed by SQLite,
// PostgreSQL or a fixed in-memory list.
package userdir

import (
	"context"
	"errors"
	"sync"
)

// ErrUserExists is returned by AddUser for a taken username.
var ErrUserExists = errors.New("userdir: user already exists")

// ErrInvalidUsername is returned by AddUser for an empty username.
var ErrInvalidUsername = errors.New("userdir: username is required")

// Directory is a user directory that can also be seeded.
type Directory interface {
	UserExists(ctx context.Context, username string) (bool, error)
	AddUser(ctx context.Context, username, email string) error
	Close() error
}

// Static is an in-memory Directory.
type Static struct {
	mu    sync.RWMutex
	users map[string]string
}

var _ Directory = (*Static)(nil)

// NewStatic returns a Static directory holding usernames.
func NewStatic(usernames ...string) *Static {
	s := &Static{users: make(map[string]string, len(usernames))}
	for _, u := range usernames {
		if u != "" {
			s.users[u] = ""
		}
	}
	return s
}

// UserExists reports whether username was registered.
func (s *Static) UserExists(_ context.Context, username string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[username]
	return ok, nil
}

// AddUser registers username with email, or returns ErrUserExists.
func (s *Static) AddUser(_ context.Context, username, email string) error {
	if username == "" {
		return ErrInvalidUsername
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; ok {
		return ErrUserExists
	}
	s.users[username] = email
	return nil
}

// Close is a no-op.
func (s *Static) Close() error { return nil }
