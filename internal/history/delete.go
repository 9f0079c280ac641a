package history

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tjfontaine/polyglot-chat-backend/internal/storage"
)

// DeleteStatus is the outcome of a history deletion.
type DeleteStatus string

const (
	StatusSuccess DeleteStatus = "success"
	StatusError   DeleteStatus = "error"
)

// DefaultDeleteAttempts bounds delete-then-verify rounds.
const DefaultDeleteAttempts = 3

// DeleteResult reports what a deletion achieved.
type DeleteResult struct {
	Status  DeleteStatus `json:"status"`
	Message string       `json:"message"`
	// Found is the number of checkpoints present before deletion.
	Found int `json:"-"`
	// Remaining is the number still present when deletion gave up.
	Remaining int `json:"-"`
}

// OK reports whether every checkpoint is gone.
func (r DeleteResult) OK() bool {
	return r.Status == StatusSuccess
}

// Deleter removes a thread's checkpoints and re-lists to confirm nothing remains.
type Deleter struct {
	store    storage.CheckpointStore
	attempts int
	logger   *slog.Logger
}

// NewDeleter creates a Deleter. attempts < 1 means DefaultDeleteAttempts.
func NewDeleter(store storage.CheckpointStore, attempts int, logger *slog.Logger) *Deleter {
	if attempts < 1 {
		attempts = DefaultDeleteAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deleter{store: store, attempts: attempts, logger: logger}
}

// Delete runs up to the configured number of delete+verify rounds.
func (d *Deleter) Delete(ctx context.Context, threadID string) DeleteResult {
	before, err := d.store.ListCheckpoints(ctx, threadID)
	if err != nil {
		return d.failed(threadID, err)
	}
	if len(before) == 0 {
		d.logger.Info("no history found", slog.String("thread_id", threadID))
		return DeleteResult{
			Status:  StatusSuccess,
			Message: fmt.Sprintf("No history found for thread %s.", threadID),
		}
	}

	remaining := len(before)
	for attempt := 1; attempt <= d.attempts; attempt++ {
		if err := d.store.DeleteCheckpoints(ctx, threadID); err != nil {
			return d.failed(threadID, err)
		}

		after, err := d.store.ListCheckpoints(ctx, threadID)
		if err != nil {
			return d.failed(threadID, err)
		}
		remaining = len(after)

		if remaining == 0 {
			d.logger.Info("deleted thread history",
				slog.String("thread_id", threadID),
				slog.Int("checkpoints", len(before)),
				slog.Int("attempt", attempt))
			return DeleteResult{
				Status:  StatusSuccess,
				Message: fmt.Sprintf("Deleted %d messages from thread %s.", len(before), threadID),
				Found:   len(before),
			}
		}

		d.logger.Warn("checkpoints remain after delete, retrying",
			slog.String("thread_id", threadID),
			slog.Int("attempt", attempt),
			slog.Int("remaining", remaining))
	}

	msg := fmt.Sprintf("Failed to delete all history for thread %s after %d attempts. %d checkpoints remain.",
		threadID, d.attempts, remaining)
	d.logger.Error(msg, slog.String("thread_id", threadID))
	return DeleteResult{
		Status:    StatusError,
		Message:   msg,
		Found:     len(before),
		Remaining: remaining,
	}
}

func (d *Deleter) failed(threadID string, err error) DeleteResult {
	d.logger.Error("error deleting chat history",
		slog.String("thread_id", threadID),
		slog.String("error", err.Error()))
	return DeleteResult{
		Status:  StatusError,
		Message: fmt.Sprintf("An error occurred while deleting history: %v", err),
	}
}
