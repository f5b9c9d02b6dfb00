package services

import (
	"context"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"matteragent/internal/agent"
)

// Cache timing defaults, overridable through the service constructor.
const (
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSweepInterval = 10 * time.Minute
	DefaultCloseTimeout  = 10 * time.Second
)

// AgentHandle is the cache's view of a built agent. The concrete type is
// *agent.Agent in production; tests substitute fakes.
type AgentHandle interface {
	Run(ctx context.Context, history []map[string]interface{}, userText string) <-chan agent.Event
	Close() error
}

// BuildFunc constructs a fresh agent for a cache miss or fingerprint change.
type BuildFunc func() (AgentHandle, error)

// cacheEntry is one cached session agent with its reuse bookkeeping.
type cacheEntry struct {
	agent       AgentHandle
	fingerprint Fingerprint
	createdAt   time.Time
	lastAccess  time.Time
}

// SessionStatus describes one cached agent for introspection.
type SessionStatus struct {
	Key             string  `json:"session_key"`
	App             string  `json:"app"`
	IdleSeconds     float64 `json:"idle_seconds"`
	EvictionSeconds float64 `json:"eviction_in_seconds"`
	Active          bool    `json:"active"`
}

// CacheStatus is the full introspection snapshot.
type CacheStatus struct {
	Size           int             `json:"cached_agents"`
	ActiveSessions int             `json:"active_sessions"`
	IdleTimeout    float64         `json:"idle_timeout_seconds"`
	Sessions       []SessionStatus `json:"sessions"`
}

// AgentCacheService owns every live agent, keyed by user and session. It
// reuses agents across turns when the tool configuration is unchanged,
// rebuilds them when it changes, and reaps them after idle timeout. Agents
// whose sessions are actively streaming are never reaped.
type AgentCacheService struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	active  map[string]int

	idleTimeout   time.Duration
	sweepInterval time.Duration
	closeTimeout  time.Duration

	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewAgentCacheService creates the cache. The reaper does not run until
// Start is called.
func NewAgentCacheService(idleTimeout, sweepInterval, closeTimeout time.Duration) *AgentCacheService {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if closeTimeout <= 0 {
		closeTimeout = DefaultCloseTimeout
	}
	return &AgentCacheService{
		entries:       make(map[string]*cacheEntry),
		active:        make(map[string]int),
		idleTimeout:   idleTimeout,
		sweepInterval: sweepInterval,
		closeTimeout:  closeTimeout,
		done:          make(chan struct{}),
	}
}

// SessionKey builds the cache key for a user's session.
func SessionKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// GetOrCreate returns the cached agent for the session when its fingerprint
// matches, otherwise closes the stale agent and builds a replacement. The
// lock is held across build so concurrent requests for one session cannot
// race two builds.
func (s *AgentCacheService) GetOrCreate(userID, sessionID string, fp Fingerprint, build BuildFunc) (AgentHandle, error) {
	key := SessionKey(userID, sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, exists := s.entries[key]; exists {
		if entry.fingerprint.Equal(fp) {
			entry.lastAccess = time.Now()
			log.Printf("♻️ Reusing agent for session %s", key)
			return entry.agent, nil
		}
		log.Printf("🔄 Tool config changed for session %s, rebuilding agent", key)
		s.closeWithTimeout(key, entry.agent)
		delete(s.entries, key)
		if m := GetMetrics(); m != nil {
			m.RecordAgentBuilt("rebuild")
		}
	} else if m := GetMetrics(); m != nil {
		m.RecordAgentBuilt("new")
	}

	built, err := build()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s.entries[key] = &cacheEntry{
		agent:       built,
		fingerprint: fp,
		createdAt:   now,
		lastAccess:  now,
	}
	return built, nil
}

// Touch refreshes the last-access time so a long turn is not judged idle
// by its start time.
func (s *AgentCacheService) Touch(userID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, exists := s.entries[SessionKey(userID, sessionID)]; exists {
		entry.lastAccess = time.Now()
	}
}

// MarkActive shields a session's agent from reaping while it streams.
// Calls nest: each MarkActive needs a matching MarkInactive.
func (s *AgentCacheService) MarkActive(userID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[SessionKey(userID, sessionID)]++
}

// MarkInactive releases the streaming shield and refreshes last access.
func (s *AgentCacheService) MarkInactive(userID, sessionID string) {
	key := SessionKey(userID, sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[key] <= 1 {
		delete(s.active, key)
	} else {
		s.active[key]--
	}
	if entry, exists := s.entries[key]; exists {
		entry.lastAccess = time.Now()
	}
}

// Evict closes and removes one session's agent regardless of idle time,
// unless it is actively streaming.
func (s *AgentCacheService) Evict(userID, sessionID string) bool {
	key := SessionKey(userID, sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[key] > 0 {
		return false
	}
	entry, exists := s.entries[key]
	if !exists {
		return false
	}
	s.closeWithTimeout(key, entry.agent)
	delete(s.entries, key)
	return true
}

// Cleanup removes every agent idle past the timeout. Active sessions are
// skipped no matter how long ago their last access was. Returns the number
// of agents cleaned and the number of idle-but-active agents skipped.
func (s *AgentCacheService) Cleanup() (cleaned, skipped int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, entry := range s.entries {
		if now.Sub(entry.lastAccess) < s.idleTimeout {
			continue
		}
		if s.active[key] > 0 {
			skipped++
			continue
		}
		s.closeWithTimeout(key, entry.agent)
		delete(s.entries, key)
		cleaned++
		log.Printf("🧹 Reaped idle agent for session %s", key)
	}
	if cleaned > 0 || skipped > 0 {
		log.Printf("🧹 Cleaned up %d idle agents (%d skipped as active), %d remaining", cleaned, skipped, len(s.entries))
		if m := GetMetrics(); m != nil {
			m.RecordAgentsReaped(cleaned)
		}
	}
	return cleaned, skipped
}

// Status reports a snapshot of the cache for the introspection endpoint.
func (s *AgentCacheService) Status() CacheStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	status := CacheStatus{
		Size:           len(s.entries),
		ActiveSessions: len(s.active),
		IdleTimeout:    s.idleTimeout.Seconds(),
		Sessions:       make([]SessionStatus, 0, len(s.entries)),
	}
	for key, entry := range s.entries {
		idle := now.Sub(entry.lastAccess)
		eviction := s.idleTimeout - idle
		if eviction < 0 {
			eviction = 0
		}
		status.Sessions = append(status.Sessions, SessionStatus{
			Key:             key,
			App:             entry.fingerprint.AppName(),
			IdleSeconds:     idle.Seconds(),
			EvictionSeconds: eviction.Seconds(),
			Active:          s.active[key] > 0,
		})
	}
	return status
}

// Size returns the number of cached agents.
func (s *AgentCacheService) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start launches the periodic reaper. A panic in one sweep is logged and
// the loop keeps running.
func (s *AgentCacheService) Start() {
	s.ticker = time.NewTicker(s.sweepInterval)
	s.wg.Add(1)
	go s.reapLoop()
	log.Printf("🧹 Agent reaper started (sweep %v, idle timeout %v)", s.sweepInterval, s.idleTimeout)
}

func (s *AgentCacheService) reapLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.ticker.C:
			s.sweep()
		}
	}
}

func (s *AgentCacheService) sweep() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Agent reaper panic recovered: %v\n%s", r, debug.Stack())
		}
	}()
	s.Cleanup()
}

// Shutdown stops the reaper and closes every cached agent.
func (s *AgentCacheService) Shutdown() {
	close(s.done)
	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.entries {
		s.closeWithTimeout(key, entry.agent)
	}
	s.entries = make(map[string]*cacheEntry)
	log.Println("🧹 Agent cache shutdown complete")
}

// closeWithTimeout closes an agent without letting a wedged tool connection
// block the caller indefinitely. Caller holds the lock; close runs in a
// goroutine so the wait is bounded.
func (s *AgentCacheService) closeWithTimeout(key string, h AgentHandle) {
	doneCh := make(chan error, 1)
	go func() {
		doneCh <- h.Close()
	}()
	select {
	case err := <-doneCh:
		if err != nil {
			log.Printf("⚠️ Failed to close agent for session %s: %v", key, err)
		}
	case <-time.After(s.closeTimeout):
		log.Printf("⚠️ Agent close timed out for session %s after %v", key, s.closeTimeout)
	}
}
