package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tjfontaine/polyglot-chat-backend/internal/agent"
	"github.com/tjfontaine/polyglot-chat-backend/internal/auth"
	"github.com/tjfontaine/polyglot-chat-backend/internal/chat"
	"github.com/tjfontaine/polyglot-chat-backend/internal/history"
	"github.com/tjfontaine/polyglot-chat-backend/internal/server"
	"github.com/tjfontaine/polyglot-chat-backend/internal/storage"
	"github.com/tjfontaine/polyglot-chat-backend/internal/storage/memory"
	"github.com/tjfontaine/polyglot-chat-backend/internal/stream"
	"github.com/tjfontaine/polyglot-chat-backend/internal/threads"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// tokenVerifier accepts any token and uses it as the user ID.
type tokenVerifier struct{}

func (tokenVerifier) Verify(ctx context.Context, token string) (auth.Principal, error) {
	if token == "invalid" {
		return auth.Principal{}, fmt.Errorf("%w: invalid token: bad signature", auth.ErrUnauthorized)
	}
	return auth.Principal{UserID: token, Email: token + "@example.com"}, nil
}

type titleCompleter struct{}

func (titleCompleter) Complete(ctx context.Context, model, prompt string, temperature float64) (string, error) {
	return " Sourdough Basics \n", nil
}

type fixture struct {
	store  *memory.Store
	router http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithRunner(t, agent.NewScriptedRunner(nil))
}

func newFixtureWithRunner(t *testing.T, runner agent.Runner) *fixture {
	t.Helper()
	store := memory.New()
	framer := stream.NewFramer(0, discard)
	deleter := history.NewDeleter(store, 3, discard)

	h := NewHandler(Deps{
		Chat:           chat.NewService(runner, framer, discard),
		Mock:           chat.NewService(agent.NewScriptedRunner(nil), framer, discard),
		Threads:        threads.NewService(store, deleter, titleCompleter{}, "title-model", discard),
		Ownership:      store,
		Reconstructor:  history.NewReconstructor(store, discard),
		Deleter:        deleter,
		AppName:        "Chat Backend API",
		Version:        "1.2.3",
		AllowedOrigins: []string{"http://localhost:3000"},
		Logger:         discard,
	})

	srv := server.New(server.Options{Port: 0}, discard)
	h.Mount(srv.Router, "/api/v1", server.AuthMiddleware(tokenVerifier{}, store), time.Minute)

	ctx := context.Background()
	_ = store.CreateThread(ctx, &storage.Thread{ID: "t-alice", UserID: "alice", Title: "Paris trip", CreatedAt: time.Now().UTC()})
	_ = store.CreateThread(ctx, &storage.Thread{ID: "t-bob", UserID: "bob", Title: "Bob's thread", CreatedAt: time.Now().UTC()})

	return &fixture{store: store, router: srv.Router}
}

func (f *fixture) do(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+user)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func detail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body server.ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %v (%s)", err, rec.Body.String())
	}
	return body.Detail
}

func TestRootAndHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "GET", "/", "", "")
	var root RootResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &root)
	if rec.Code != http.StatusOK || root.Version != "1.2.3" || root.Message != "Chat Backend API" {
		t.Errorf("GET / = %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, "GET", "/api/v1/health", "", "")
	var health HealthResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &health)
	if rec.Code != http.StatusOK || health.Status != "healthy" || health.Timestamp.IsZero() {
		t.Errorf("GET /health = %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, "GET", "/protected-route", "alice", "")
	if !strings.Contains(rec.Body.String(), "Hello, alice@example.com.") {
		t.Errorf("GET /protected-route = %s", rec.Body.String())
	}
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name       string
		user       string
		body       string
		wantStatus int
		wantDetail string
	}{
		{"owner", "alice", `{"message":"hi","thread_id":"t-alice"}`, http.StatusOK, ""},
		{"not owner", "alice", `{"message":"hi","thread_id":"t-bob"}`, http.StatusForbidden, "You do not have access to this thread."},
		{"unknown thread", "alice", `{"message":"hi","thread_id":"nope"}`, http.StatusForbidden, "You do not have access to this thread."},
		{"no token", "", `{"message":"hi","thread_id":"t-alice"}`, http.StatusUnauthorized, "Not authenticated"},
		{"bad token", "invalid", `{"message":"hi","thread_id":"t-alice"}`, http.StatusUnauthorized, "Invalid token: bad signature"},
		{"empty message", "alice", `{"message":"","thread_id":"t-alice"}`, http.StatusBadRequest, "message must be at least 1 characters"},
		{"long message", "alice", fmt.Sprintf(`{"message":%q,"thread_id":"t-alice"}`, strings.Repeat("a", MaxMessageLength+1)), http.StatusBadRequest, "message must be at most 10000 characters"},
		{"long thread id", "alice", fmt.Sprintf(`{"message":"hi","thread_id":%q}`, strings.Repeat("t", MaxThreadIDLength+1)), http.StatusBadRequest, "thread_id must be at most 100 characters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, "POST", "/api/v1/message", tt.user, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantDetail != "" {
				if got := detail(t, rec); got != tt.wantDetail {
					t.Errorf("detail = %q, want %q", got, tt.wantDetail)
				}
				return
			}

			var resp chat.Response
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("response is not JSON: %v", err)
			}
			if !strings.HasPrefix(resp.Response, "This is a mock response") || len(resp.ToolCalls) != 1 || resp.ThreadID != "t-alice" {
				t.Errorf("response = %+v", resp)
			}
		})
	}

	if rec := f.do(t, "POST", "/api/v1/message", "alice", `{not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rec.Code)
	}
}

func readSSE(t *testing.T, body io.Reader) []stream.Frame {
	t.Helper()
	var frames []stream.Frame
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var f stream.Frame
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f); err != nil {
			t.Fatalf("frame is not JSON: %v", err)
		}
		frames = append(frames, f)
	}
	return frames
}

func TestStream(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/api/v1/message/stream", "alice", `{"message":"hi","thread_id":"t-alice"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	frames := readSSE(t, rec.Body)
	if len(frames) < 4 || frames[0].Type != stream.FrameStreamStart || frames[len(frames)-1].Type != stream.FrameStreamEnd {
		t.Fatalf("frames = %+v", frames)
	}

	if rec := f.do(t, "POST", "/api/v1/message/stream", "alice", `{"message":"hi","thread_id":"t-bob"}`); rec.Code != http.StatusForbidden {
		t.Errorf("foreign thread status = %d, want 403", rec.Code)
	}
	if rec := f.do(t, "POST", "/api/v1/message/stream", "", `{"message":"hi","thread_id":"t-alice"}`); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", rec.Code)
	}
}

func TestStreamMock(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/api/v1/message/stream/mock", "", `{"message":"ping","thread_id":"anything"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}

	frames := readSSE(t, rec.Body)
	var final stream.Frame
	for _, fr := range frames {
		if fr.Type == stream.FrameFinalResponse {
			final = fr
		}
	}
	if !strings.Contains(final.Content, `"ping"`) {
		t.Errorf("final response = %q", final.Content)
	}

	if rec := f.do(t, "POST", "/api/v1/message/stream/mock", "", `{"message":"","thread_id":"x"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid mock request status = %d, want 400", rec.Code)
	}
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.store.AppendCheckpoint(ctx, &storage.Checkpoint{
		ID:       "c1",
		ThreadID: "t-alice",
		Payload: []byte(`{"channel_values":{"messages":[
			{"type":"human","content":"Hello","id":"h1","additional_kwargs":{"timestamp":"2025-01-01T10:00:00Z"}},
			{"type":"ai","content":"Hi there!","id":"a1","additional_kwargs":{"timestamp":"2025-01-01T10:00:01Z"}}
		]}}`),
	})

	rec := f.do(t, "GET", "/api/v1/history/t-alice", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	var h history.History
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatalf("history is not JSON: %v", err)
	}
	if h.ThreadID != "t-alice" || h.TotalMessages != 2 || h.Messages[0].Content != "Hello" {
		t.Errorf("history = %+v", h)
	}

	if rec := f.do(t, "GET", "/api/v1/history/t-alice", "bob", ""); rec.Code != http.StatusForbidden {
		t.Errorf("foreign history status = %d, want 403", rec.Code)
	}

	rec = f.do(t, "DELETE", "/api/v1/history/t-alice", "alice", "")
	var res history.DeleteResult
	_ = json.Unmarshal(rec.Body.Bytes(), &res)
	if rec.Code != http.StatusOK || res.Status != history.StatusSuccess || res.Message != "Deleted 1 messages from thread t-alice." {
		t.Errorf("DELETE /history = %d %s", rec.Code, rec.Body.String())
	}

	if _, err := f.store.GetThread(ctx, "t-alice"); err != nil {
		t.Errorf("clearing history must keep the thread: %v", err)
	}
}

func TestThreads(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/api/v1/thread", "alice", "")
	var created storage.Thread
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	if rec.Code != http.StatusOK || created.Title != threads.DefaultTitle || created.UserID != "alice" {
		t.Fatalf("POST /thread = %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, "POST", "/api/v1/thread", "alice", `{"thread_title":"Paris museums"}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Paris museums") {
		t.Fatalf("POST /thread with title = %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, "GET", "/api/v1/search?query=paris", "alice", "")
	var found []storage.Thread
	_ = json.Unmarshal(rec.Body.Bytes(), &found)
	if rec.Code != http.StatusOK || len(found) != 2 {
		t.Errorf("GET /search = %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, "GET", "/api/v1/search", "alice", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("search without query status = %d, want 400", rec.Code)
	}

	rec = f.do(t, "GET", "/api/v1/titles?page=1&limit=2", "alice", "")
	var page []storage.Thread
	_ = json.Unmarshal(rec.Body.Bytes(), &page)
	if rec.Code != http.StatusOK || len(page) != 2 {
		t.Errorf("GET /titles = %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, "GET", "/api/v1/titles?page=9223372036854775807", "alice", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("GET /titles huge page = %d, want 400", rec.Code)
	}
	if rec := f.do(t, "GET", "/api/v1/titles?page=x", "alice", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad page status = %d, want 400", rec.Code)
	}

	rec = f.do(t, "GET", "/api/v1/titles", "bob", "")
	var bobs []storage.Thread
	_ = json.Unmarshal(rec.Body.Bytes(), &bobs)
	if len(bobs) != 1 || bobs[0].ID != "t-bob" {
		t.Errorf("bob sees %+v", bobs)
	}
}

func TestUpdateThreadTitle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/api/v1/update_thread_title", "alice", `{"thread_id":"t-alice","message":"How do I bake sourdough?"}`)
	var resp TitleUpdateResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if rec.Code != http.StatusOK || resp.NewTitle != "Sourdough Basics" || resp.ThreadID != "t-alice" {
		t.Fatalf("POST /update_thread_title = %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, "POST", "/api/v1/update_thread_title", "alice", `{"thread_id":"t-bob","message":"x"}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("foreign title update status = %d, want 403", rec.Code)
	}
}

func TestDeleteThread(t *testing.T) {
	f := newFixture(t)
	_ = f.store.AppendCheckpoint(context.Background(), &storage.Checkpoint{ID: "c1", ThreadID: "t-alice", Payload: []byte(`{}`)})

	if rec := f.do(t, "DELETE", "/api/v1/delete/t-alice", "bob", ""); rec.Code != http.StatusForbidden {
		t.Errorf("foreign delete status = %d, want 403", rec.Code)
	}

	rec := f.do(t, "DELETE", "/api/v1/delete/t-alice", "alice", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	if cps, _ := f.store.ListCheckpoints(context.Background(), "t-alice"); len(cps) != 0 {
		t.Errorf("checkpoints remain: %d", len(cps))
	}
	if rec := f.do(t, "GET", "/api/v1/history/t-alice", "alice", ""); rec.Code != http.StatusForbidden {
		t.Errorf("deleted thread history status = %d, want 403", rec.Code)
	}
}

func TestWebSocket(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/message/ws?thread_id=t-alice"
	header := http.Header{"Authorization": []string{"Bearer alice"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(WSMessage{Message: ""}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	var fr stream.Frame
	if err := conn.ReadJSON(&fr); err != nil || fr.Type != stream.FrameError {
		t.Fatalf("invalid message frame = %+v, %v", fr, err)
	}

	if err := conn.WriteJSON(WSMessage{Message: "hello"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	var types []stream.FrameType
	for {
		var fr stream.Frame
		if err := conn.ReadJSON(&fr); err != nil {
			t.Fatalf("ReadJSON() error = %v after %v", err, types)
		}
		types = append(types, fr.Type)
		if fr.Type == stream.FrameStreamEnd || fr.Type == stream.FrameError {
			break
		}
	}
	if types[0] != stream.FrameStreamStart || types[len(types)-1] != stream.FrameStreamEnd {
		t.Errorf("frames = %v", types)
	}

	_, resp, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/message/ws?thread_id=t-bob", header)
	if err == nil {
		t.Fatal("Dial() to a foreign thread should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("foreign thread response = %+v", resp)
	}
}

// blockingRunner produces nothing until ctx is done and records the cancellation.
type blockingRunner struct {
	started   chan struct{}
	cancelled chan struct{}
}

func (b *blockingRunner) Run(ctx context.Context, message, threadID string) <-chan agent.StepEvent {
	out := make(chan agent.StepEvent)
	go func() {
		defer close(out)
		close(b.started)
		<-ctx.Done()
		close(b.cancelled)
	}()
	return out
}

func TestWebSocket_DisconnectCancelsRun(t *testing.T) {
	runner := &blockingRunner{started: make(chan struct{}), cancelled: make(chan struct{})}
	f := newFixtureWithRunner(t, runner)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/message/ws?thread_id=t-alice"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": []string{"Bearer alice"}})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(WSMessage{Message: "hello"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	var fr stream.Frame
	if err := conn.ReadJSON(&fr); err != nil || fr.Type != stream.FrameStreamStart {
		t.Fatalf("first frame = %+v, %v", fr, err)
	}
	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("runner never started")
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	select {
	case <-runner.cancelled:
	case <-time.After(3 * time.Second):
		t.Fatal("runner still running after the client disconnected")
	}
}

func TestWebSocket_InvalidJSON(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/message/ws?thread_id=t-alice"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": []string{"Bearer alice"}})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	var fr stream.Frame
	if err := conn.ReadJSON(&fr); err != nil || fr.Type != stream.FrameError {
		t.Fatalf("frame = %+v, %v", fr, err)
	}

	// The connection stays usable after a bad message.
	if err := conn.WriteJSON(WSMessage{Message: "hello"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if err := conn.ReadJSON(&fr); err != nil || fr.Type != stream.FrameStreamStart {
		t.Fatalf("frame = %+v, %v", fr, err)
	}
}
