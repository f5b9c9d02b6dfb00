package agent

// EventType discriminates agent stream events.
type EventType string

const (
	// EventText carries the full accumulated assistant text so far.
	// Partial=false marks the turn-complete text event.
	EventText EventType = "text"
	// EventToolCall announces a tool invocation the model requested.
	EventToolCall EventType = "tool_call"
	// EventToolResult carries the outcome of a tool invocation.
	EventToolResult EventType = "tool_result"
	// EventError terminates the stream with a turn-level failure.
	EventError EventType = "error"
)

// Event is one element of an agent turn's event stream.
type Event struct {
	Type EventType

	// Text events. Text is the full accumulated text, not a delta: the
	// upstream source may resend overlapping prefixes, so delta extraction
	// is the consumer's job.
	Text         string
	Partial      bool
	TurnComplete bool

	// Tool events
	ToolName   string
	ToolArgs   map[string]interface{}
	ToolResult interface{}

	// Error events
	Err error
}
