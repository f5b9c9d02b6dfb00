package models

import "time"

// SessionEvent is one raw turn fragment as persisted.
// The role tag is the role the upstream runtime reported; tool results may
// arrive tagged "user" and are reattributed to the assistant at read time.
type SessionEvent struct {
	Role        string       `bson:"role" json:"role"`
	Text        string       `bson:"text,omitempty" json:"text,omitempty"`
	ToolCalls   []ToolCall   `bson:"toolCalls,omitempty" json:"toolCalls,omitempty"`
	ToolResults []ToolResult `bson:"toolResults,omitempty" json:"toolResults,omitempty"`
	Timestamp   int64        `bson:"timestamp" json:"timestamp"`
}

// ChatSession is one persisted conversation session.
// AppName is the application-qualified namespace ("chatbot_<app>"), so
// different applications' sessions never collide.
type ChatSession struct {
	UserID    string         `bson:"userId" json:"userId"`
	SessionID string         `bson:"sessionId" json:"sessionId"`
	AppName   string         `bson:"appName" json:"appName"`
	Events    []SessionEvent `bson:"events" json:"events"`
	CreatedAt time.Time      `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time      `bson:"updatedAt" json:"updatedAt"`
}
