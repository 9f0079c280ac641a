// Package storage defines the persistence ports used by the chat backend:
// agent checkpoints keyed by thread, thread metadata rows and principals.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Checkpoint is one immutable snapshot of agent state for a thread.
// Payload and Metadata are opaque JSON documents owned by the writer.
type Checkpoint struct {
	ID        string          `json:"id" db:"id"`
	ThreadID  string          `json:"thread_id" db:"thread_id"`
	ParentID  string          `json:"parent_id,omitempty" db:"parent_id"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	Metadata  json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// CheckpointStore is an ordered-append store of checkpoints keyed by thread.
type CheckpointStore interface {
	// AppendCheckpoint persists a checkpoint after all previously appended ones.
	AppendCheckpoint(ctx context.Context, cp *Checkpoint) error

	// ListCheckpoints returns all checkpoints for a thread in append order.
	ListCheckpoints(ctx context.Context, threadID string) ([]*Checkpoint, error)

	// LatestCheckpoint returns the most recently appended checkpoint, or nil when the thread has none.
	LatestCheckpoint(ctx context.Context, threadID string) (*Checkpoint, error)

	// DeleteCheckpoints removes every checkpoint for a thread.
	DeleteCheckpoints(ctx context.Context, threadID string) error
}

// Thread is a conversation owned by exactly one principal.
type Thread struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Title     string    `json:"thread_title" db:"thread_title"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ListOptions filters and paginates thread listings.
type ListOptions struct {
	UserID string
	// Query restricts results to titles containing it, case-insensitively.
	Query  string
	Limit  int
	Offset int
}

// ThreadStore persists thread metadata rows.
type ThreadStore interface {
	CreateThread(ctx context.Context, thread *Thread) error
	GetThread(ctx context.Context, id string) (*Thread, error)
	ListThreads(ctx context.Context, opts ListOptions) ([]*Thread, error)
	UpdateThreadTitle(ctx context.Context, id, title string) error
	DeleteThread(ctx context.Context, id string) error

	// Owns reports whether threadID exists and belongs to userID.
	Owns(ctx context.Context, threadID, userID string) (bool, error)
}

// User is an authenticated principal known to the backend.
type User struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email,omitempty" db:"email"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// UserStore persists principals.
type UserStore interface {
	// EnsureUser inserts the user if no row with its ID exists.
	EnsureUser(ctx context.Context, user *User) error
}

// Store is the full persistence surface of the service.
type Store interface {
	CheckpointStore
	ThreadStore
	UserStore
	Close() error
}
