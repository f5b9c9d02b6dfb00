package models

// CustomToolConfig is a caller-supplied MCP endpoint.
// Transport must be "http" or "sse".
type CustomToolConfig struct {
	URL       string `json:"url"`
	Transport string `json:"transport"`
}

// ChatRequest is the body of POST /chat/stream.
// The user id always comes from the verified JWT, never from the body.
type ChatRequest struct {
	Query         string             `json:"query"`
	SessionID     string             `json:"session_id,omitempty"`
	SelectedTools []string           `json:"selected_tools,omitempty"`
	CustomTools   []CustomToolConfig `json:"custom_tools,omitempty"`
	AppName       string             `json:"app_name,omitempty"`
	FileURLs      []string           `json:"file_urls,omitempty"`
	Language      string             `json:"language,omitempty"`
}

// Frame types on the SSE stream, in the order a client can expect them:
// meta always first, then any mix of tool_call/tool_result/delta, then a
// single done or error.
const (
	FrameMeta       = "meta"
	FrameToolCall   = "tool_call"
	FrameToolResult = "tool_result"
	FrameDelta      = "delta"
	FrameDone       = "done"
	FrameError      = "error"
)

// StreamFrame is one JSON frame on the SSE stream.
type StreamFrame struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Args      map[string]interface{} `json:"args,omitempty"`
	Result    interface{}            `json:"result,omitempty"`
	Text      string                 `json:"text,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// ContentPart is one piece of message content in the history view.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolCall records one tool invocation.
type ToolCall struct {
	ID        string                 `json:"id" bson:"id"`
	Name      string                 `json:"name" bson:"name"`
	Args      map[string]interface{} `json:"args" bson:"args"`
	Timestamp int64                  `json:"timestamp" bson:"timestamp"`
}

// ToolResult records the outcome of one tool invocation.
type ToolResult struct {
	ID        string      `json:"id" bson:"id"`
	Name      string      `json:"name" bson:"name"`
	Result    interface{} `json:"result" bson:"result"`
	Timestamp int64       `json:"timestamp" bson:"timestamp"`
}

// HistoryMessage is one coalesced message in the history view.
// Consecutive same-role raw fragments are merged into a single message;
// tool results always belong to the assistant message.
type HistoryMessage struct {
	Role        string        `json:"role"`
	Content     []ContentPart `json:"content"`
	ToolCalls   []ToolCall    `json:"toolCalls"`
	ToolResults []ToolResult  `json:"toolResults"`
	Timestamp   int64         `json:"timestamp"`
}
