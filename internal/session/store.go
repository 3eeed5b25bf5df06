// Package session keeps per-conversation slot state in memory. Each
// conversation serializes its own turns; different conversations never
// block each other.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kpichat/kpichat/internal/dialogue"
)

var ErrNotFound = errors.New("session: conversation not found")

type conversation struct {
	mu        sync.Mutex
	ctx       dialogue.QueryContext
	updatedAt time.Time
}

// Store is the in-memory conversation registry.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*conversation
	now           func() time.Time
}

func NewStore() *Store {
	return &Store{
		conversations: make(map[string]*conversation),
		now:           time.Now,
	}
}

// Create registers a fresh conversation and returns its identifier.
func (s *Store) Create() string {
	id := uuid.NewString()
	s.mu.Lock()
	s.conversations[id] = &conversation{updatedAt: s.now()}
	s.mu.Unlock()
	return id
}

// Snapshot returns a copy of the conversation's current context.
func (s *Store) Snapshot(id string) (dialogue.QueryContext, error) {
	s.mu.RLock()
	conv, ok := s.conversations[id]
	s.mu.RUnlock()
	if !ok {
		return dialogue.QueryContext{}, ErrNotFound
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return conv.ctx.Clone(), nil
}

// WithTurn runs fn under the conversation's lock. fn receives the current
// context and returns the context to store; returning an error leaves the
// stored context unchanged. Turns on the same conversation are strictly
// ordered.
func (s *Store) WithTurn(ctx context.Context, id string, fn func(dialogue.QueryContext) (dialogue.QueryContext, error)) error {
	s.mu.RLock()
	conv, ok := s.conversations[id]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	next, err := fn(conv.ctx.Clone())
	if err != nil {
		return err
	}
	conv.ctx = next
	conv.updatedAt = s.now()
	return nil
}

// Delete drops a conversation. Deleting an unknown id is a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.conversations, id)
	s.mu.Unlock()
}

// Len reports the number of live conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// PurgeIdle drops conversations untouched for longer than maxIdle and
// returns how many were removed. Meant to run from a janitor goroutine.
func (s *Store) PurgeIdle(maxIdle time.Duration) int {
	cutoff := s.now().Add(-maxIdle)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, conv := range s.conversations {
		conv.mu.Lock()
		stale := conv.updatedAt.Before(cutoff)
		conv.mu.Unlock()
		if stale {
			delete(s.conversations, id)
			removed++
		}
	}
	return removed
}
