// Package directory resolves forum usernames to notification profiles.
package directory

import (
	"context"
	"errors"
	"strings"
	"sync"

	"scoparia/internal/model"
)

// ErrNotFound is returned when no profile matches a username.
var ErrNotFound = errors.New("user not found")

// Directory resolves a username or user id to a profile. Username lookups
// are case-insensitive.
type Directory interface {
	Resolve(ctx context.Context, username string) (*model.UserProfile, error)
	ResolveID(ctx context.Context, userID int64) (*model.UserProfile, error)
}

// Static is an in-memory Directory built once per invocation.
type Static struct {
	mu     sync.RWMutex
	byID   map[int64]model.UserProfile
	byName map[string]int64
}

// NewStatic creates a directory holding users.
func NewStatic(users []model.UserProfile) *Static {
	s := &Static{
		byID:   make(map[int64]model.UserProfile, len(users)),
		byName: make(map[string]int64, len(users)),
	}
	s.Overlay(users...)
	return s
}

// Overlay adds users, replacing existing profiles with the same user id.
func (s *Static) Overlay(users ...model.UserProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range users {
		if old, ok := s.byID[u.UserID]; ok {
			k := strings.ToLower(old.Username)
			if s.byName[k] == u.UserID {
				delete(s.byName, k)
			}
		}
		s.byID[u.UserID] = u
		s.byName[strings.ToLower(u.Username)] = u.UserID
	}
}

// Len returns the number of profiles.
func (s *Static) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Resolve returns a copy of the profile registered under username.
func (s *Static) Resolve(_ context.Context, username string) (*model.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, ErrNotFound
	}
	return s.lookup(id)
}

// ResolveID returns a copy of the profile of userID.
func (s *Static) ResolveID(_ context.Context, userID int64) (*model.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookup(userID)
}

func (s *Static) lookup(id int64) (*model.UserProfile, error) {
	p, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	p.Channels.Apprise.URLs = append([]string(nil), p.Channels.Apprise.URLs...)
	return &p, nil
}
