package stream

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/polyglot-chat-backend/internal/agent"
	"github.com/tjfontaine/polyglot-chat-backend/internal/domain"
)

// DefaultChunkDelay is the pause after each content chunk.
const DefaultChunkDelay = 50 * time.Millisecond

// Framer turns agent steps into the stream protocol:
//
//	stream_start, (tool_calls | content_chunk)*, final_response, stream_end
//
// or, on failure, stream_start, ..., error.
type Framer struct {
	delay  atomic.Int64
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewFramer creates a Framer pacing chunks by delay. A negative delay is treated as zero.
func NewFramer(delay time.Duration, logger *slog.Logger) *Framer {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Framer{
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	f.SetChunkDelay(delay)
	return f
}

// SetChunkDelay changes the pacing delay for chunks emitted from now on.
func (f *Framer) SetChunkDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	f.delay.Store(int64(d))
}

// ChunkDelay returns the current pacing delay.
func (f *Framer) ChunkDelay() time.Duration {
	return time.Duration(f.delay.Load())
}

// Run consumes events and emits frames in order until a final answer, an
// error step, or the channel closing. It returns an emit error or ctx.Err();
// error steps are reported as a frame, not as a return value.
func (f *Framer) Run(ctx context.Context, threadID string, events <-chan agent.StepEvent, emit EmitFunc) error {
	messageID := f.newID()
	frame := func(t FrameType) Frame {
		return Frame{Type: t, ThreadID: threadID, MessageID: messageID, Timestamp: f.now()}
	}

	if err := emit(frame(FrameStreamStart)); err != nil {
		return err
	}

	var (
		accumulated string
		toolCalls   []domain.ToolCall
	)

loop:
	for {
		var (
			ev agent.StepEvent
			ok bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok = <-events:
		}
		if !ok {
			break loop
		}

		if ev.Err != nil {
			return f.fail(threadID, frame(FrameError), ev.Err, emit)
		}

		info, err := agent.ExtractResponse(ev)
		if err != nil {
			return f.fail(threadID, frame(FrameError), err, emit)
		}

		if info.IsToolCall && len(info.ToolCalls) > 0 {
			toolCalls = append(toolCalls, info.ToolCalls...)
			fr := frame(FrameToolCalls)
			fr.ToolCalls = info.ToolCalls
			if err := emit(fr); err != nil {
				return err
			}
		}

		if info.Content != "" && info.Content != accumulated {
			suffix := info.Content
			if strings.HasPrefix(info.Content, accumulated) {
				suffix = info.Content[len(accumulated):]
			}
			for _, chunk := range Chunk(suffix) {
				fr := frame(FrameContentChunk)
				fr.Content = chunk
				if err := emit(fr); err != nil {
					return err
				}
				if err := f.pause(ctx); err != nil {
					return err
				}
			}
			accumulated = info.Content
		}

		if info.IsFinal {
			fr := frame(FrameFinalResponse)
			fr.Content = info.Content
			fr.ToolCalls = toolCalls
			if err := emit(fr); err != nil {
				return err
			}
			break loop
		}
	}

	return emit(frame(FrameStreamEnd))
}

func (f *Framer) fail(threadID string, fr Frame, cause error, emit EmitFunc) error {
	apiErr := domain.AsAPIError(cause)
	f.logger.Warn("stream terminated with error",
		slog.String("thread_id", threadID),
		slog.String("error", cause.Error()))
	fr.Error = apiErr.Message
	return emit(fr)
}

func (f *Framer) pause(ctx context.Context) error {
	d := f.ChunkDelay()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
