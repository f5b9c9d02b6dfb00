package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"matteragent/internal/agent"
	"matteragent/internal/models"
	"matteragent/internal/tools"
)

type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.ChatSession
	appended []models.SessionEvent
}

func newMemoryStore() *memoryStore {
	return &memoryStore{sessions: map[string]*models.ChatSession{}}
}

func (m *memoryStore) key(userID, sessionID, appName string) string {
	return userID + "/" + QualifyApp(appName) + "/" + sessionID
}

func (m *memoryStore) EnsureSession(ctx context.Context, userID, sessionID, appName string) (*models.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.key(userID, sessionID, appName)
	if s, ok := m.sessions[key]; ok {
		return s, nil
	}
	s := &models.ChatSession{
		UserID:    userID,
		SessionID: sessionID,
		AppName:   QualifyApp(appName),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	m.sessions[key] = s
	return s, nil
}

func (m *memoryStore) GetSession(ctx context.Context, userID, sessionID, appName string) (*models.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[m.key(userID, sessionID, appName)]; ok {
		return s, nil
	}
	return nil, mongo.ErrNoDocuments
}

func (m *memoryStore) ListSessions(ctx context.Context, userID, appName string) ([]SessionSummary, error) {
	return nil, nil
}

func (m *memoryStore) AppendEvents(ctx context.Context, userID, sessionID, appName string, events []models.SessionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.key(userID, sessionID, appName)
	if s, ok := m.sessions[key]; ok {
		s.Events = append(s.Events, events...)
	}
	m.appended = append(m.appended, events...)
	return nil
}

func (m *memoryStore) DeleteSession(ctx context.Context, userID, sessionID, appName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, m.key(userID, sessionID, appName))
	return nil
}

func (m *memoryStore) appendedEvents() []models.SessionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SessionEvent, len(m.appended))
	copy(out, m.appended)
	return out
}

func newTestRelay(t *testing.T, store SessionStore, events []agent.Event) (*StreamRelay, *AgentCacheService) {
	t.Helper()
	cache := newTestCache()
	registry := tools.NewRegistry(filepath.Join(t.TempDir(), "absent.yaml"))
	resolver := tools.NewResolver(registry)
	relay := NewStreamRelay(cache, store, resolver,
		func(appName string, descriptors []tools.Descriptor) (AgentHandle, error) {
			return &fakeAgent{events: events}, nil
		})
	return relay, cache
}

func collectFrames(t *testing.T, relay *StreamRelay, req *models.ChatRequest) []models.StreamFrame {
	t.Helper()
	var frames []models.StreamFrame
	err := relay.Stream(context.Background(), "u1", req, func(f models.StreamFrame) error {
		frames = append(frames, f)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	return frames
}

func TestStreamEmitsMetaFirstAndDoneLast(t *testing.T) {
	relay, _ := newTestRelay(t, newMemoryStore(), []agent.Event{
		{Type: agent.EventText, Text: "hi", Partial: true},
		{Type: agent.EventText, Text: "hi", TurnComplete: true},
	})

	frames := collectFrames(t, relay, &models.ChatRequest{Query: "hello", SessionID: "s1"})
	if len(frames) < 2 {
		t.Fatalf("got %d frames, want at least 2", len(frames))
	}
	if frames[0].Type != models.FrameMeta {
		t.Errorf("first frame is %q, want meta", frames[0].Type)
	}
	if frames[0].SessionID != "s1" {
		t.Errorf("meta session id %q, want s1", frames[0].SessionID)
	}
	if frames[len(frames)-1].Type != models.FrameDone {
		t.Errorf("last frame is %q, want done", frames[len(frames)-1].Type)
	}
}

func TestStreamGeneratesSessionIDWhenMissing(t *testing.T) {
	relay, _ := newTestRelay(t, newMemoryStore(), []agent.Event{
		{Type: agent.EventText, Text: "ok", TurnComplete: true},
	})

	frames := collectFrames(t, relay, &models.ChatRequest{Query: "hello"})
	if frames[0].Type != models.FrameMeta || frames[0].SessionID == "" {
		t.Errorf("meta frame must carry a generated session id, got %+v", frames[0])
	}
}

func TestStreamComputesSuffixDeltas(t *testing.T) {
	relay, _ := newTestRelay(t, newMemoryStore(), []agent.Event{
		{Type: agent.EventText, Text: "Hel", Partial: true},
		{Type: agent.EventText, Text: "Hello", Partial: true},
		{Type: agent.EventText, Text: "Hello world", TurnComplete: true},
	})

	frames := collectFrames(t, relay, &models.ChatRequest{Query: "q", SessionID: "s1"})

	var deltas []string
	for _, f := range frames {
		if f.Type == models.FrameDelta {
			deltas = append(deltas, f.Text)
		}
	}
	want := []string{"Hel", "lo", " world"}
	if len(deltas) != len(want) {
		t.Fatalf("got %d deltas %v, want %v", len(deltas), deltas, want)
	}
	for i := range want {
		if deltas[i] != want[i] {
			t.Errorf("delta[%d] = %q, want %q", i, deltas[i], want[i])
		}
	}
}

func TestStreamRelaysNonSupersetTextWhole(t *testing.T) {
	// When a new response segment does not extend the accumulated text,
	// the whole segment goes out and accumulation continues.
	relay, _ := newTestRelay(t, newMemoryStore(), []agent.Event{
		{Type: agent.EventText, Text: "abc", Partial: true},
		{Type: agent.EventText, Text: "xyz", Partial: true},
		{Type: agent.EventText, Text: "abcxyz", TurnComplete: true},
	})

	frames := collectFrames(t, relay, &models.ChatRequest{Query: "q", SessionID: "s1"})

	var deltas []string
	for _, f := range frames {
		if f.Type == models.FrameDelta {
			deltas = append(deltas, f.Text)
		}
	}
	want := []string{"abc", "xyz"}
	if len(deltas) != len(want) {
		t.Fatalf("got deltas %v, want %v", deltas, want)
	}
	for i := range want {
		if deltas[i] != want[i] {
			t.Errorf("delta[%d] = %q, want %q", i, deltas[i], want[i])
		}
	}
}

func TestStreamRelaysToolFramesInOrder(t *testing.T) {
	args := map[string]interface{}{"query": "go"}
	relay, _ := newTestRelay(t, newMemoryStore(), []agent.Event{
		{Type: agent.EventToolCall, ToolName: "search", ToolArgs: args},
		{Type: agent.EventToolResult, ToolName: "search", ToolResult: "results"},
		{Type: agent.EventText, Text: "found it", TurnComplete: true},
	})

	frames := collectFrames(t, relay, &models.ChatRequest{Query: "q", SessionID: "s1"})

	types := make([]string, len(frames))
	for i, f := range frames {
		types[i] = f.Type
	}
	want := []string{models.FrameMeta, models.FrameToolCall, models.FrameToolResult, models.FrameDelta, models.FrameDone}
	if len(types) != len(want) {
		t.Fatalf("frame types %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("frame types %v, want %v", types, want)
		}
	}
	if frames[1].Name != "search" || frames[1].Args["query"] != "go" {
		t.Errorf("tool_call frame payload wrong: %+v", frames[1])
	}
	if frames[2].Result != "results" {
		t.Errorf("tool_result frame payload wrong: %+v", frames[2])
	}
}

func TestStreamEmitsErrorFrameAndStops(t *testing.T) {
	relay, _ := newTestRelay(t, newMemoryStore(), []agent.Event{
		{Type: agent.EventText, Text: "par", Partial: true},
		{Type: agent.EventError, Err: errors.New("provider exploded")},
	})

	var frames []models.StreamFrame
	relay.Stream(context.Background(), "u1", &models.ChatRequest{Query: "q", SessionID: "s1"}, func(f models.StreamFrame) error {
		frames = append(frames, f)
		return nil
	})

	last := frames[len(frames)-1]
	if last.Type != models.FrameError {
		t.Fatalf("last frame %q, want error", last.Type)
	}
	if last.Error == "" {
		t.Error("error frame must carry a message")
	}
	for _, f := range frames {
		if f.Type == models.FrameDone {
			t.Error("done must not follow an error")
		}
	}
}

func TestStreamReleasesActiveMarkOnExit(t *testing.T) {
	store := newMemoryStore()
	relay, cache := newTestRelay(t, store, []agent.Event{
		{Type: agent.EventText, Text: "ok", TurnComplete: true},
	})

	collectFrames(t, relay, &models.ChatRequest{Query: "q", SessionID: "s1"})

	if status := cache.Status(); status.ActiveSessions != 0 {
		t.Errorf("active sessions %d after stream end, want 0", status.ActiveSessions)
	}
}

func TestStreamPersistsTurnFragments(t *testing.T) {
	store := newMemoryStore()
	relay, _ := newTestRelay(t, store, []agent.Event{
		{Type: agent.EventToolCall, ToolName: "search", ToolArgs: map[string]interface{}{}},
		{Type: agent.EventToolResult, ToolName: "search", ToolResult: "r"},
		{Type: agent.EventText, Text: "answer", TurnComplete: true},
	})

	collectFrames(t, relay, &models.ChatRequest{Query: "question", SessionID: "s1"})

	events := store.appendedEvents()
	if len(events) != 4 {
		t.Fatalf("persisted %d fragments, want 4", len(events))
	}
	if events[0].Role != "user" || events[0].Text != "question" {
		t.Errorf("first fragment should be the user turn: %+v", events[0])
	}
	if len(events[1].ToolCalls) != 1 {
		t.Errorf("second fragment should carry the tool call: %+v", events[1])
	}
	if events[2].Role != "user" || len(events[2].ToolResults) != 1 {
		t.Errorf("tool result fragment keeps the raw user role: %+v", events[2])
	}
	if events[3].Role != "assistant" || events[3].Text != "answer" {
		t.Errorf("final fragment should be the assistant text: %+v", events[3])
	}
}

// interruptibleAgent streams partial text until its context is cancelled
// and signals when its producer goroutine has exited.
type interruptibleAgent struct {
	exited chan struct{}
}

func (a *interruptibleAgent) Run(ctx context.Context, history []map[string]interface{}, userText string) <-chan agent.Event {
	ch := make(chan agent.Event, 16)
	go func() {
		defer close(a.exited)
		defer close(ch)
		text := ""
		for {
			text += "x"
			select {
			case ch <- agent.Event{Type: agent.EventText, Text: text, Partial: true}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (a *interruptibleAgent) Close() error { return nil }

func TestStreamReleasesProducerWhenClientDisconnects(t *testing.T) {
	cache := newTestCache()
	registry := tools.NewRegistry(filepath.Join(t.TempDir(), "absent.yaml"))
	resolver := tools.NewResolver(registry)
	fa := &interruptibleAgent{exited: make(chan struct{})}
	relay := NewStreamRelay(cache, newMemoryStore(), resolver,
		func(appName string, descriptors []tools.Descriptor) (AgentHandle, error) {
			return fa, nil
		})

	// A failing emit stands in for a dropped client connection.
	sent := 0
	err := relay.Stream(context.Background(), "u1", &models.ChatRequest{Query: "q", SessionID: "s1"}, func(f models.StreamFrame) error {
		sent++
		if sent > 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	if err == nil {
		t.Fatal("Stream should surface the write failure")
	}

	select {
	case <-fa.exited:
	case <-time.After(2 * time.Second):
		t.Fatal("agent producer still running after the stream ended")
	}
}

type brokenStore struct {
	SessionStore
}

func (b *brokenStore) EnsureSession(ctx context.Context, userID, sessionID, appName string) (*models.ChatSession, error) {
	return nil, errors.New("persistence unavailable")
}

func TestStreamWithholdsSessionIDWhenPersistenceFails(t *testing.T) {
	relay, _ := newTestRelay(t, &brokenStore{newMemoryStore()}, nil)

	var frames []models.StreamFrame
	err := relay.Stream(context.Background(), "u1", &models.ChatRequest{Query: "q"}, func(f models.StreamFrame) error {
		frames = append(frames, f)
		return nil
	})
	if err == nil {
		t.Fatal("Stream should report the persistence failure")
	}
	if len(frames) != 1 || frames[0].Type != models.FrameError {
		t.Fatalf("frames %+v, want a single error frame", frames)
	}
	// The minted session id must not reach the client when the session was
	// never created at the store.
	if frames[0].SessionID != "" {
		t.Errorf("error frame leaks session id %q", frames[0].SessionID)
	}
}

func TestStreamReusesAgentAcrossTurns(t *testing.T) {
	store := newMemoryStore()
	cache := newTestCache()
	registry := tools.NewRegistry(filepath.Join(t.TempDir(), "absent.yaml"))
	resolver := tools.NewResolver(registry)

	builds := 0
	relay := NewStreamRelay(cache, store, resolver,
		func(appName string, descriptors []tools.Descriptor) (AgentHandle, error) {
			builds++
			return &fakeAgent{events: []agent.Event{{Type: agent.EventText, Text: "ok", TurnComplete: true}}}, nil
		})

	req := &models.ChatRequest{Query: "q", SessionID: "s1", SelectedTools: []string{"preset-search"}}
	collectFrames(t, relay, req)
	collectFrames(t, relay, req)
	if builds != 1 {
		t.Errorf("agent built %d times across identical turns, want 1", builds)
	}

	// Changing the selection forces a rebuild.
	req2 := &models.ChatRequest{Query: "q", SessionID: "s1"}
	collectFrames(t, relay, req2)
	if builds != 2 {
		t.Errorf("agent built %d times after selection change, want 2", builds)
	}
}
