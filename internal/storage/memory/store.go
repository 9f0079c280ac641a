// Package memory provides an in-memory storage.Store for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tjfontaine/polyglot-chat-backend/internal/storage"
)

// Store is an in-memory implementation of storage.Store
type Store struct {
	mu          sync.RWMutex
	checkpoints map[string][]*storage.Checkpoint
	threads     map[string]*storage.Thread
	users       map[string]*storage.User
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		checkpoints: make(map[string][]*storage.Checkpoint),
		threads:     make(map[string]*storage.Thread),
		users:       make(map[string]*storage.User),
	}
}

func (s *Store) AppendCheckpoint(ctx context.Context, cp *storage.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	stored := *cp
	s.checkpoints[cp.ThreadID] = append(s.checkpoints[cp.ThreadID], &stored)
	return nil
}

func (s *Store) ListCheckpoints(ctx context.Context, threadID string) ([]*storage.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.checkpoints[threadID]
	out := make([]*storage.Checkpoint, len(src))
	for i, cp := range src {
		c := *cp
		out[i] = &c
	}
	return out, nil
}

func (s *Store) LatestCheckpoint(ctx context.Context, threadID string) (*storage.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.checkpoints[threadID]
	if len(src) == 0 {
		return nil, nil
	}
	c := *src[len(src)-1]
	return &c, nil
}

func (s *Store) DeleteCheckpoints(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.checkpoints, threadID)
	return nil
}

func (s *Store) CreateThread(ctx context.Context, thread *storage.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.threads[thread.ID]; exists {
		return fmt.Errorf("thread %s already exists", thread.ID)
	}
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now().UTC()
	}
	t := *thread
	s.threads[thread.ID] = &t
	return nil
}

func (s *Store) GetThread(ctx context.Context, id string) (*storage.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	thread, exists := s.threads[id]
	if !exists {
		return nil, fmt.Errorf("thread %s: %w", id, storage.ErrNotFound)
	}
	t := *thread
	return &t, nil
}

func (s *Store) ListThreads(ctx context.Context, opts storage.ListOptions) ([]*storage.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := strings.ToLower(opts.Query)
	result := []*storage.Thread{}
	for _, thread := range s.threads {
		if thread.UserID != opts.UserID {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(thread.Title), query) {
			continue
		}
		t := *thread
		result = append(result, &t)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	start := max(opts.Offset, 0)
	if start >= len(result) {
		return []*storage.Thread{}, nil
	}
	end := len(result)
	if opts.Limit > 0 && opts.Limit < end-start {
		end = start + opts.Limit
	}
	return result[start:end], nil
}

func (s *Store) UpdateThreadTitle(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, exists := s.threads[id]
	if !exists {
		return fmt.Errorf("thread %s: %w", id, storage.ErrNotFound)
	}
	thread.Title = title
	return nil
}

func (s *Store) DeleteThread(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.threads[id]; !exists {
		return fmt.Errorf("thread %s: %w", id, storage.ErrNotFound)
	}
	delete(s.threads, id)
	return nil
}

func (s *Store) Owns(ctx context.Context, threadID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	thread, exists := s.threads[threadID]
	return exists && thread.UserID == userID, nil
}

func (s *Store) EnsureUser(ctx context.Context, user *storage.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.ID]; exists {
		return nil
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	u := *user
	s.users[user.ID] = &u
	return nil
}

// User returns a stored principal, for tests.
func (s *Store) User(id string) (*storage.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

func (s *Store) Close() error {
	return nil
}
