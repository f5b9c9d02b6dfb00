package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"matteragent/internal/agent"
	"matteragent/internal/logging"
	"matteragent/internal/models"
	"matteragent/internal/tools"
)

// EmitFunc delivers one frame to the client. Returning an error aborts the
// relay; the client is treated as gone.
type EmitFunc func(models.StreamFrame) error

// BuildAgentFunc constructs an agent for an app and its resolved tool
// endpoints. Wired to the agent factory in production.
type BuildAgentFunc func(appName string, descriptors []tools.Descriptor) (AgentHandle, error)

// StreamRelay turns one chat request into a typed frame stream. It resolves
// the tool selection, obtains the session agent from the cache, pumps the
// agent's events into frames, and persists the turn's fragments.
type StreamRelay struct {
	cache    *AgentCacheService
	store    SessionStore
	resolver *tools.Resolver
	build    BuildAgentFunc
}

func NewStreamRelay(cache *AgentCacheService, store SessionStore, resolver *tools.Resolver, build BuildAgentFunc) *StreamRelay {
	return &StreamRelay{
		cache:    cache,
		store:    store,
		resolver: resolver,
		build:    build,
	}
}

// Stream runs one chat turn. Once the session exists, the meta frame goes
// out before any other frame, so clients always learn the session id first.
func (r *StreamRelay) Stream(ctx context.Context, userID string, req *models.ChatRequest, emit EmitFunc) error {
	start := time.Now()
	if m := GetMetrics(); m != nil {
		m.RecordStreamStart()
		defer m.RecordStreamEnd()
	}

	// The agent's producer goroutine parks on this context once the event
	// channel is abandoned. Cancelling on every exit path releases it when
	// the client disconnects mid-turn.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	appName := req.AppName
	if appName == "" {
		appName = tools.DefaultApp
	}

	turnLog := logging.WithTurn(userID, sessionID, appName)

	// The session must exist at the persistence port before its id is
	// handed to the client. The meta frame is still the first frame on
	// every successful path.
	session, err := r.store.EnsureSession(ctx, userID, sessionID, appName)
	if err != nil {
		return r.fail(emit, "failed to load session", err)
	}

	if err := emit(models.StreamFrame{Type: models.FrameMeta, SessionID: sessionID}); err != nil {
		return err
	}

	descriptors := r.resolver.ResolveSelection(req.SelectedTools, req.CustomTools, appName, userID)
	fp := NewFingerprint(req.SelectedTools, req.CustomTools, appName)

	handle, err := r.cache.GetOrCreate(userID, sessionID, fp, func() (AgentHandle, error) {
		return r.build(appName, descriptors)
	})
	if err != nil {
		return r.fail(emit, "failed to build agent", err)
	}

	// The agent must survive the whole stream: the reaper skips active
	// sessions, and the defer guarantees release on every exit path.
	r.cache.MarkActive(userID, sessionID)
	defer r.cache.MarkInactive(userID, sessionID)

	userText := composeUserText(req)
	history := ModelMessages(session.Events)

	fragments := []models.SessionEvent{{
		Role:      "user",
		Text:      userText,
		Timestamp: time.Now().Unix(),
	}}
	defer func() {
		// Persist with a fresh context: the request context is often
		// already cancelled when the client disconnects mid-turn.
		persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.store.AppendEvents(persistCtx, userID, sessionID, appName, fragments); err != nil {
			turnLog.Error("failed to persist turn", "error", err)
		}
	}()

	accumulated := ""
	lastCallID := ""
	for ev := range handle.Run(ctx, history, userText) {
		switch ev.Type {
		case agent.EventToolCall:
			if m := GetMetrics(); m != nil {
				m.RecordToolCall(ev.ToolName)
			}
			lastCallID = uuid.New().String()
			fragments = append(fragments, models.SessionEvent{
				Role: "assistant",
				ToolCalls: []models.ToolCall{{
					ID:        lastCallID,
					Name:      ev.ToolName,
					Args:      ev.ToolArgs,
					Timestamp: time.Now().Unix(),
				}},
				Timestamp: time.Now().Unix(),
			})
			if err := emit(models.StreamFrame{
				Type:      models.FrameToolCall,
				SessionID: sessionID,
				Name:      ev.ToolName,
				Args:      ev.ToolArgs,
			}); err != nil {
				return err
			}

		case agent.EventToolResult:
			// The runtime tags result fragments with the user role; the
			// history layer reattributes them to the assistant.
			fragments = append(fragments, models.SessionEvent{
				Role: "user",
				ToolResults: []models.ToolResult{{
					ID:        lastCallID,
					Name:      ev.ToolName,
					Result:    ev.ToolResult,
					Timestamp: time.Now().Unix(),
				}},
				Timestamp: time.Now().Unix(),
			})
			if err := emit(models.StreamFrame{
				Type:      models.FrameToolResult,
				SessionID: sessionID,
				Name:      ev.ToolName,
				Result:    ev.ToolResult,
			}); err != nil {
				return err
			}

		case agent.EventText:
			if ev.Partial {
				delta := ""
				if strings.HasPrefix(ev.Text, accumulated) {
					delta = ev.Text[len(accumulated):]
					accumulated = ev.Text
				} else {
					// The event is not a superset of what we sent: a new
					// response segment started. Relay it whole.
					delta = ev.Text
					accumulated += ev.Text
				}
				if delta != "" {
					if err := emit(models.StreamFrame{Type: models.FrameDelta, SessionID: sessionID, Text: delta}); err != nil {
						return err
					}
				}
				continue
			}

			// Final text of the turn: flush whatever the partials have not
			// already covered.
			remainder := ""
			if strings.HasPrefix(ev.Text, accumulated) {
				remainder = ev.Text[len(accumulated):]
			} else if accumulated == "" {
				remainder = ev.Text
			}
			if remainder != "" {
				if err := emit(models.StreamFrame{Type: models.FrameDelta, SessionID: sessionID, Text: remainder}); err != nil {
					return err
				}
			}
			fragments = append(fragments, models.SessionEvent{
				Role:      "assistant",
				Text:      ev.Text,
				Timestamp: time.Now().Unix(),
			})

		case agent.EventError:
			if m := GetMetrics(); m != nil {
				m.RecordChatError("agent")
			}
			turnLog.Error("agent turn failed", "error", ev.Err)
			return emit(models.StreamFrame{
				Type:      models.FrameError,
				SessionID: sessionID,
				Error:     ev.Err.Error(),
			})
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if m := GetMetrics(); m != nil {
		m.RecordChatLatency(time.Since(start).Seconds())
	}
	return emit(models.StreamFrame{Type: models.FrameDone, SessionID: sessionID})
}

// fail reports a pre-stream failure as an error frame.
func (r *StreamRelay) fail(emit EmitFunc, msg string, err error) error {
	if m := GetMetrics(); m != nil {
		m.RecordChatError("setup")
	}
	log.Printf("❌ %s: %v", msg, err)
	emitErr := emit(models.StreamFrame{Type: models.FrameError, Error: fmt.Sprintf("%s: %v", msg, err)})
	if emitErr != nil {
		return emitErr
	}
	return err
}

// composeUserText folds attached file URLs and the requested response
// language into the user's message.
func composeUserText(req *models.ChatRequest) string {
	var sb strings.Builder
	sb.WriteString(req.Query)
	if len(req.FileURLs) > 0 {
		sb.WriteString("\n\nAttached files:")
		for _, url := range req.FileURLs {
			sb.WriteString("\n- ")
			sb.WriteString(url)
		}
	}
	if req.Language != "" {
		sb.WriteString("\n\nRespond in ")
		sb.WriteString(req.Language)
		sb.WriteString(".")
	}
	return sb.String()
}
