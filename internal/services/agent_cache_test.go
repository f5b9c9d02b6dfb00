package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"matteragent/internal/agent"
)

type fakeAgent struct {
	mu     sync.Mutex
	closed int
	events []agent.Event
}

func (f *fakeAgent) Run(ctx context.Context, history []map[string]interface{}, userText string) <-chan agent.Event {
	ch := make(chan agent.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch
}

func (f *fakeAgent) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeAgent) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestCache() *AgentCacheService {
	return NewAgentCacheService(30*time.Minute, 10*time.Minute, time.Second)
}

func countingBuilder(builds *int, a *fakeAgent) BuildFunc {
	return func() (AgentHandle, error) {
		*builds++
		return a, nil
	}
}

func TestGetOrCreateReusesAgentForSameFingerprint(t *testing.T) {
	cache := newTestCache()
	fp := NewFingerprint([]string{"preset-search"}, nil, "default")

	builds := 0
	first := &fakeAgent{}

	h1, err := cache.GetOrCreate("u1", "s1", fp, countingBuilder(&builds, first))
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	h2, err := cache.GetOrCreate("u1", "s1", fp, countingBuilder(&builds, &fakeAgent{}))
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	if h1 != h2 {
		t.Error("expected the same agent handle on fingerprint match")
	}
	if builds != 1 {
		t.Errorf("expected 1 build, got %d", builds)
	}
	if first.closeCount() != 0 {
		t.Errorf("agent closed %d times, want 0", first.closeCount())
	}
}

func TestGetOrCreateRebuildsOnFingerprintChange(t *testing.T) {
	cache := newTestCache()
	old := &fakeAgent{}
	replacement := &fakeAgent{}
	builds := 0

	fp1 := NewFingerprint([]string{"preset-search"}, nil, "default")
	if _, err := cache.GetOrCreate("u1", "s1", fp1, countingBuilder(&builds, old)); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	fp2 := NewFingerprint([]string{"preset-search", "preset-calculator"}, nil, "default")
	h, err := cache.GetOrCreate("u1", "s1", fp2, countingBuilder(&builds, replacement))
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	if h != replacement {
		t.Error("expected the replacement agent after fingerprint change")
	}
	if old.closeCount() != 1 {
		t.Errorf("stale agent closed %d times, want exactly 1", old.closeCount())
	}
	if cache.Size() != 1 {
		t.Errorf("cache size %d, want 1", cache.Size())
	}
}

func TestDistinctSessionsGetDistinctAgents(t *testing.T) {
	cache := newTestCache()
	fp := NewFingerprint(nil, nil, "default")

	a1 := &fakeAgent{}
	a2 := &fakeAgent{}
	h1, _ := cache.GetOrCreate("u1", "s1", fp, func() (AgentHandle, error) { return a1, nil })
	h2, _ := cache.GetOrCreate("u1", "s2", fp, func() (AgentHandle, error) { return a2, nil })

	if h1 == h2 {
		t.Error("different sessions must not share an agent")
	}
	if cache.Size() != 2 {
		t.Errorf("cache size %d, want 2", cache.Size())
	}
}

func TestCleanupReapsIdleAgents(t *testing.T) {
	cache := newTestCache()
	fp := NewFingerprint(nil, nil, "default")
	a := &fakeAgent{}
	if _, err := cache.GetOrCreate("u1", "s1", fp, func() (AgentHandle, error) { return a, nil }); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	cache.mu.Lock()
	cache.entries[SessionKey("u1", "s1")].lastAccess = time.Now().Add(-time.Hour)
	cache.mu.Unlock()

	cleaned, skipped := cache.Cleanup()
	if cleaned != 1 || skipped != 0 {
		t.Errorf("Cleanup = (%d, %d), want (1, 0)", cleaned, skipped)
	}
	if a.closeCount() != 1 {
		t.Errorf("reaped agent closed %d times, want 1", a.closeCount())
	}
	if cache.Size() != 0 {
		t.Errorf("cache size %d after reap, want 0", cache.Size())
	}
}

func TestCleanupLeavesFreshAgentsAlone(t *testing.T) {
	cache := newTestCache()
	a := &fakeAgent{}
	cache.GetOrCreate("u1", "s1", NewFingerprint(nil, nil, "default"), func() (AgentHandle, error) { return a, nil })

	cleaned, skipped := cache.Cleanup()
	if cleaned != 0 || skipped != 0 {
		t.Errorf("Cleanup = (%d, %d), want (0, 0)", cleaned, skipped)
	}
	if a.closeCount() != 0 {
		t.Error("fresh agent must not be closed")
	}
}

func TestCleanupSkipsActiveSessions(t *testing.T) {
	cache := newTestCache()
	a := &fakeAgent{}
	cache.GetOrCreate("u1", "s1", NewFingerprint(nil, nil, "default"), func() (AgentHandle, error) { return a, nil })

	cache.MarkActive("u1", "s1")
	cache.mu.Lock()
	cache.entries[SessionKey("u1", "s1")].lastAccess = time.Now().Add(-time.Hour)
	cache.mu.Unlock()

	cleaned, skipped := cache.Cleanup()
	if cleaned != 0 || skipped != 1 {
		t.Errorf("Cleanup = (%d, %d), want (0, 1)", cleaned, skipped)
	}
	if a.closeCount() != 0 {
		t.Error("active agent must never be closed by the reaper")
	}

	// Once the stream releases the session it becomes reapable again.
	cache.MarkInactive("u1", "s1")
	cache.mu.Lock()
	cache.entries[SessionKey("u1", "s1")].lastAccess = time.Now().Add(-time.Hour)
	cache.mu.Unlock()

	cleaned, skipped = cache.Cleanup()
	if cleaned != 1 || skipped != 0 {
		t.Errorf("Cleanup after release = (%d, %d), want (1, 0)", cleaned, skipped)
	}
}

func TestMarkActiveNests(t *testing.T) {
	cache := newTestCache()
	a := &fakeAgent{}
	cache.GetOrCreate("u1", "s1", NewFingerprint(nil, nil, "default"), func() (AgentHandle, error) { return a, nil })

	cache.MarkActive("u1", "s1")
	cache.MarkActive("u1", "s1")
	cache.MarkInactive("u1", "s1")

	cache.mu.Lock()
	cache.entries[SessionKey("u1", "s1")].lastAccess = time.Now().Add(-time.Hour)
	cache.mu.Unlock()

	if cleaned, _ := cache.Cleanup(); cleaned != 0 {
		t.Error("session with an outstanding active mark was reaped")
	}

	cache.MarkInactive("u1", "s1")
	cache.mu.Lock()
	cache.entries[SessionKey("u1", "s1")].lastAccess = time.Now().Add(-time.Hour)
	cache.mu.Unlock()

	if cleaned, _ := cache.Cleanup(); cleaned != 1 {
		t.Error("fully released session was not reaped")
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	cache := newTestCache()
	a := &fakeAgent{}
	cache.GetOrCreate("u1", "s1", NewFingerprint(nil, nil, "default"), func() (AgentHandle, error) { return a, nil })

	cache.mu.Lock()
	cache.entries[SessionKey("u1", "s1")].lastAccess = time.Now().Add(-time.Hour)
	cache.mu.Unlock()

	cache.Cleanup()
	cleaned, skipped := cache.Cleanup()
	if cleaned != 0 || skipped != 0 {
		t.Errorf("second Cleanup = (%d, %d), want (0, 0)", cleaned, skipped)
	}
	if a.closeCount() != 1 {
		t.Errorf("agent closed %d times across repeated cleanups, want 1", a.closeCount())
	}
}

func TestEvictRespectsActiveSessions(t *testing.T) {
	cache := newTestCache()
	a := &fakeAgent{}
	cache.GetOrCreate("u1", "s1", NewFingerprint(nil, nil, "default"), func() (AgentHandle, error) { return a, nil })

	cache.MarkActive("u1", "s1")
	if cache.Evict("u1", "s1") {
		t.Error("Evict removed an actively streaming session")
	}
	cache.MarkInactive("u1", "s1")
	if !cache.Evict("u1", "s1") {
		t.Error("Evict failed on an idle session")
	}
	if a.closeCount() != 1 {
		t.Errorf("evicted agent closed %d times, want 1", a.closeCount())
	}
}

func TestStatusReportsIdleAndActive(t *testing.T) {
	cache := newTestCache()
	cache.GetOrCreate("u1", "s1", NewFingerprint(nil, nil, "support"), func() (AgentHandle, error) { return &fakeAgent{}, nil })
	cache.MarkActive("u1", "s1")

	status := cache.Status()
	if status.Size != 1 {
		t.Fatalf("status size %d, want 1", status.Size)
	}
	if status.ActiveSessions != 1 {
		t.Errorf("active sessions %d, want 1", status.ActiveSessions)
	}
	session := status.Sessions[0]
	if session.Key != SessionKey("u1", "s1") {
		t.Errorf("unexpected session key %q", session.Key)
	}
	if session.App != "support" {
		t.Errorf("session app %q, want support", session.App)
	}
	if !session.Active {
		t.Error("session should be reported active")
	}
	if session.IdleSeconds < 0 {
		t.Errorf("negative idle time %f", session.IdleSeconds)
	}
}

func TestShutdownClosesAllAgents(t *testing.T) {
	cache := newTestCache()
	a1 := &fakeAgent{}
	a2 := &fakeAgent{}
	cache.GetOrCreate("u1", "s1", NewFingerprint(nil, nil, "default"), func() (AgentHandle, error) { return a1, nil })
	cache.GetOrCreate("u2", "s2", NewFingerprint(nil, nil, "default"), func() (AgentHandle, error) { return a2, nil })

	cache.Start()
	cache.Shutdown()

	if a1.closeCount() != 1 || a2.closeCount() != 1 {
		t.Errorf("close counts (%d, %d), want (1, 1)", a1.closeCount(), a2.closeCount())
	}
	if cache.Size() != 0 {
		t.Errorf("cache size %d after shutdown, want 0", cache.Size())
	}
}

func TestGetOrCreateBuildErrorLeavesNoEntry(t *testing.T) {
	cache := newTestCache()
	_, err := cache.GetOrCreate("u1", "s1", NewFingerprint(nil, nil, "default"), func() (AgentHandle, error) {
		return nil, context.DeadlineExceeded
	})
	if err == nil {
		t.Fatal("expected build error to propagate")
	}
	if cache.Size() != 0 {
		t.Errorf("cache size %d after failed build, want 0", cache.Size())
	}
}
