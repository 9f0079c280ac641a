// Package threads manages conversation rows: creation, listing, search,
// LLM-generated titles and verified deletion.
package threads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/tjfontaine/polyglot-chat-backend/internal/domain"
	"github.com/tjfontaine/polyglot-chat-backend/internal/history"
	"github.com/tjfontaine/polyglot-chat-backend/internal/storage"
)

const (
	// DefaultTitle names threads created without a title.
	DefaultTitle = "New Chat"

	// MaxTitleLength caps generated titles, in characters.
	MaxTitleLength = 50

	DefaultPageSize = 20
	MaxPageSize     = 100
	// MaxPage bounds page so the row offset stays far from overflowing.
	MaxPage = 1_000_000

	titleTemperature = 0.1
)

const titlePrompt = "Create a single, concise title under 50 characters based ONLY on the first user message below. " +
	"Keep it very short, clear, and descriptive. Do not add extra words or variations. " +
	"Strictly output only the title text without quotes or extra explanation.\n\n" +
	"User message: %s\n\nTitle:"

// Completer produces a plain-text completion for a prompt.
type Completer interface {
	Complete(ctx context.Context, model, prompt string, temperature float64) (string, error)
}

// Service implements the thread operations on top of a ThreadStore.
type Service struct {
	store      storage.ThreadStore
	deleter    *history.Deleter
	completer  Completer
	titleModel string
	logger     *slog.Logger
}

// NewService creates a Service. completer may be nil, in which case title
// generation fails with a server error.
func NewService(store storage.ThreadStore, deleter *history.Deleter, completer Completer, titleModel string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      store,
		deleter:    deleter,
		completer:  completer,
		titleModel: titleModel,
		logger:     logger,
	}
}

// Create starts a new thread owned by userID.
func (s *Service) Create(ctx context.Context, userID, title string) (*storage.Thread, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}
	thread := &storage.Thread{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateThread(ctx, thread); err != nil {
		return nil, domain.ErrServer("failed to create thread").WithCause(err)
	}
	s.logger.Info("thread created", slog.String("thread_id", thread.ID), slog.String("user_id", userID))
	return thread, nil
}

// Search returns userID's threads whose title contains query, newest first.
func (s *Service) Search(ctx context.Context, userID, query string) ([]*storage.Thread, error) {
	threads, err := s.store.ListThreads(ctx, storage.ListOptions{UserID: userID, Query: query})
	if err != nil {
		return nil, domain.ErrServer("failed to search threads").WithCause(err)
	}
	return nonNil(threads), nil
}

// List returns one page of userID's threads, newest first. Pages start at 1;
// a page beyond MaxPage is rejected.
func (s *Service) List(ctx context.Context, userID string, page, limit int) ([]*storage.Thread, error) {
	if page < 1 {
		page = 1
	}
	if page > MaxPage {
		return nil, domain.ErrInvalidRequest(fmt.Sprintf("page must be at most %d", MaxPage))
	}
	if limit < 1 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	threads, err := s.store.ListThreads(ctx, storage.ListOptions{
		UserID: userID,
		Limit:  limit,
		Offset: (page - 1) * limit,
	})
	if err != nil {
		return nil, domain.ErrServer("failed to list threads").WithCause(err)
	}
	return nonNil(threads), nil
}

// UpdateTitle asks the model for a title summarizing message and stores it.
func (s *Service) UpdateTitle(ctx context.Context, threadID, message string) (string, error) {
	if s.completer == nil {
		return "", domain.ErrServer("LLM error: title model not configured")
	}

	raw, err := s.completer.Complete(ctx, s.titleModel, fmt.Sprintf(titlePrompt, message), titleTemperature)
	if err != nil {
		s.logger.Error("title generation failed", slog.String("thread_id", threadID), slog.String("error", err.Error()))
		return "", domain.ErrServer(fmt.Sprintf("LLM error: %s", domain.AsAPIError(err).Message)).WithCause(err)
	}

	title := truncate(strings.TrimSpace(raw), MaxTitleLength)
	if title == "" {
		return "", domain.ErrInvalidRequest("Failed to generate title.")
	}

	if err := s.store.UpdateThreadTitle(ctx, threadID, title); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", domain.ErrNotFound("Thread not found or update failed.")
		}
		return "", domain.ErrServer("failed to update thread title").WithCause(err)
	}
	return title, nil
}

// Delete removes the thread's history and then its row. The row is kept when
// history deletion cannot be verified.
func (s *Service) Delete(ctx context.Context, threadID string) error {
	if res := s.deleter.Delete(ctx, threadID); !res.OK() {
		return domain.ErrServer("Internal Server Error while deleting thread").
			WithCode(domain.ErrorCodeDeletionIncomplete).
			WithCause(errors.New(res.Message))
	}
	if err := s.store.DeleteThread(ctx, threadID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.ErrNotFound("Thread not found.")
		}
		return domain.ErrServer("Internal Server Error while deleting thread").WithCause(err)
	}
	s.logger.Info("thread deleted", slog.String("thread_id", threadID))
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:n]))
}

func nonNil(threads []*storage.Thread) []*storage.Thread {
	if threads == nil {
		return []*storage.Thread{}
	}
	return threads
}
