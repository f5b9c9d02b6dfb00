package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

// maxToolIterations bounds the model→tool→model loop within one turn.
const maxToolIterations = 10

// ModelBinding identifies the OpenAI-compatible chat endpoint an agent
// sends its completions to.
type ModelBinding struct {
	Name    string
	BaseURL string
	APIKey  string
}

// Agent is a running conversational instance bound to a specific tool set
// and system prompt. It streams response events for one turn at a time and
// must be closed to release its tool client connections.
type Agent struct {
	appName      string
	label        string
	systemPrompt string
	model        ModelBinding

	servers   []*toolServer
	toolIndex map[string]*toolServer
	specs     []map[string]interface{}

	httpClient  *http.Client
	readTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// toolCallAccumulator collects one streamed tool call across SSE chunks.
// Arguments arrive as string fragments and are only parsed once complete.
type toolCallAccumulator struct {
	ID        string
	Type      string
	Name      string
	Arguments strings.Builder
}

// Run submits one user turn and returns a live event stream. The channel is
// closed when the turn finishes, errors out, or ctx is cancelled. Text
// events carry the full accumulated text so far; the final text event has
// Partial=false and TurnComplete=true.
func (a *Agent) Run(ctx context.Context, history []map[string]interface{}, userText string) <-chan Event {
	events := make(chan Event, 16)

	go func() {
		defer close(events)

		messages := make([]map[string]interface{}, 0, len(history)+2)
		messages = append(messages, map[string]interface{}{
			"role":    "system",
			"content": a.systemPrompt,
		})
		messages = append(messages, history...)
		messages = append(messages, map[string]interface{}{
			"role":    "user",
			"content": userText,
		})

		var accumulated strings.Builder

		for iteration := 0; iteration < maxToolIterations; iteration++ {
			content, toolCalls, err := a.streamCompletion(ctx, messages, &accumulated, events)
			if err != nil {
				send(ctx, events, Event{Type: EventError, Err: err})
				return
			}

			if len(toolCalls) == 0 {
				send(ctx, events, Event{
					Type:         EventText,
					Text:         accumulated.String(),
					Partial:      false,
					TurnComplete: true,
				})
				return
			}

			// Echo the assistant tool-call message back into the
			// conversation, then execute each call and feed the results in.
			assistantMsg := map[string]interface{}{
				"role":       "assistant",
				"tool_calls": []interface{}{},
			}
			if content != "" {
				assistantMsg["content"] = content
			}
			var tcList []interface{}
			for _, acc := range toolCalls {
				tcList = append(tcList, map[string]interface{}{
					"id":   acc.ID,
					"type": "function",
					"function": map[string]interface{}{
						"name":      acc.Name,
						"arguments": acc.Arguments.String(),
					},
				})
			}
			assistantMsg["tool_calls"] = tcList
			messages = append(messages, assistantMsg)

			for _, acc := range toolCalls {
				args := map[string]interface{}{}
				if raw := acc.Arguments.String(); raw != "" {
					if err := json.Unmarshal([]byte(raw), &args); err != nil {
						log.Printf("⚠️ Tool %s arguments are not valid JSON: %v", acc.Name, err)
					}
				}

				if !send(ctx, events, Event{Type: EventToolCall, ToolName: acc.Name, ToolArgs: args}) {
					return
				}

				result := a.executeTool(ctx, acc.Name, args)

				if !send(ctx, events, Event{Type: EventToolResult, ToolName: acc.Name, ToolResult: result}) {
					return
				}

				resultJSON, _ := json.Marshal(result)
				messages = append(messages, map[string]interface{}{
					"role":         "tool",
					"tool_call_id": acc.ID,
					"name":         acc.Name,
					"content":      string(resultJSON),
				})
			}
		}

		send(ctx, events, Event{
			Type: EventError,
			Err:  fmt.Errorf("turn exceeded %d tool iterations", maxToolIterations),
		})
	}()

	return events
}

// streamCompletion runs one streamed chat completion, emitting partial text
// events as content arrives. It returns the content of this completion and
// any accumulated tool calls.
func (a *Agent) streamCompletion(ctx context.Context, messages []map[string]interface{}, accumulated *strings.Builder, events chan<- Event) (string, []*toolCallAccumulator, error) {
	reqBody := map[string]interface{}{
		"model":    a.model.Name,
		"messages": messages,
		"stream":   true,
	}
	if len(a.specs) > 0 {
		reqBody["tools"] = a.specs
	}

	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.model.BaseURL+"/chat/completions", bytes.NewBuffer(encoded))
	if err != nil {
		return "", nil, fmt.Errorf("failed to build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if a.model.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.model.APIKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	// 1MB buffer: large tool-call arguments overflow the 64KB default.
	const maxCapacity = 1024 * 1024
	buf := make([]byte, maxCapacity)
	scanner.Buffer(buf, maxCapacity)

	var content strings.Builder
	toolCallsMap := make(map[int]*toolCallAccumulator)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk map[string]interface{}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		choices, ok := chunk["choices"].([]interface{})
		if !ok || len(choices) == 0 {
			continue
		}
		choice, ok := choices[0].(map[string]interface{})
		if !ok {
			continue
		}
		delta, ok := choice["delta"].(map[string]interface{})
		if !ok {
			continue
		}

		if text, ok := delta["content"].(string); ok && text != "" {
			content.WriteString(text)
			accumulated.WriteString(text)
			if !send(ctx, events, Event{Type: EventText, Text: accumulated.String(), Partial: true}) {
				return "", nil, ctx.Err()
			}
		}

		if toolCallsData, ok := delta["tool_calls"].([]interface{}); ok {
			for _, tc := range toolCallsData {
				toolCallChunk, ok := tc.(map[string]interface{})
				if !ok {
					continue
				}
				var index int
				if idx, ok := toolCallChunk["index"].(float64); ok {
					index = int(idx)
				}
				if _, exists := toolCallsMap[index]; !exists {
					toolCallsMap[index] = &toolCallAccumulator{}
				}
				acc := toolCallsMap[index]
				if id, ok := toolCallChunk["id"].(string); ok && id != "" {
					acc.ID = id
				}
				if typ, ok := toolCallChunk["type"].(string); ok && typ != "" {
					acc.Type = typ
				}
				if function, ok := toolCallChunk["function"].(map[string]interface{}); ok {
					if name, ok := function["name"].(string); ok && name != "" {
						acc.Name = name
					}
					if args, ok := function["arguments"].(string); ok {
						acc.Arguments.WriteString(args)
					}
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", nil, fmt.Errorf("completion stream read failed: %w", err)
	}

	var toolCalls []*toolCallAccumulator
	for index := 0; index < len(toolCallsMap); index++ {
		if acc, ok := toolCallsMap[index]; ok && acc.Name != "" {
			toolCalls = append(toolCalls, acc)
		}
	}

	return content.String(), toolCalls, nil
}

// executeTool routes one call to the owning MCP server. Failures become the
// tool's result text rather than turn errors: the model sees what went
// wrong and can adjust.
func (a *Agent) executeTool(ctx context.Context, name string, args map[string]interface{}) interface{} {
	server, ok := a.toolIndex[name]
	if !ok {
		log.Printf("⚠️ Model requested unknown tool %q", name)
		return fmt.Sprintf("tool %q is not available", name)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.readTimeout)
	defer cancel()

	text, err := server.call(callCtx, name, args)
	if err != nil {
		log.Printf("❌ Tool %s failed: %v", name, err)
		return fmt.Sprintf("tool call failed: %v", err)
	}

	// Prefer structured results when the server returned JSON.
	var structured interface{}
	if json.Unmarshal([]byte(text), &structured) == nil {
		return structured
	}
	return text
}

// Close releases all underlying tool client connections. Safe to call more
// than once; only the first call does the work.
func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		for _, server := range a.servers {
			if err := server.close(); err != nil {
				log.Printf("⚠️ Failed to close tool endpoint %s: %v", server.descriptor.URL, err)
				a.closeErr = err
			}
		}
		log.Printf("✅ Agent for app %s closed (%d tool endpoints)", a.appName, len(a.servers))
	})
	return a.closeErr
}

// send delivers an event unless ctx is already cancelled.
func send(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
