package protocol

import (
	"encoding/json"
	"time"
)

// MessageType identifies a wire message.
type MessageType string

// Client -> server message types.
const (
	TypeUserMessage      MessageType = "user_message"
	TypeApprovalResponse MessageType = "approval_response"
	TypeInterrupt        MessageType = "interrupt"
	TypeClearSession     MessageType = "clear_session"
)

// Server -> client message types.
const (
	TypeAssistantText   MessageType = "assistant_text"
	TypeThinking        MessageType = "thinking"
	TypeToolUse         MessageType = "tool_use"
	TypeToolResult      MessageType = "tool_result"
	TypeApprovalRequest MessageType = "approval_request"
	TypeResult          MessageType = "result"
	TypeError           MessageType = "error"
	TypeStatus          MessageType = "status"
	TypeHistory         MessageType = "history"
)

// Status values carried in a status message.
const (
	StatusConnected      = "connected"
	StatusThinking       = "thinking"
	StatusInterrupted    = "interrupted"
	StatusDone           = "done"
	StatusError          = "error"
	StatusSessionCleared = "session_cleared"
)

// Message is the wire envelope exchanged over the WebSocket connection.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// LogEntry is one persisted record of the session's append-only message
// log. Replaying entries in order reproduces the durable message sequence
// seen by the original connection.
type LogEntry struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Durable reports whether messages of the given type belong in the
// persisted log. Status, history and approval_request are ephemeral.
func Durable(t MessageType) bool {
	switch t {
	case TypeStatus, TypeHistory, TypeApprovalRequest:
		return false
	}
	return true
}

// UserMessagePayload carries the user's prompt and optional attachment
// paths.
type UserMessagePayload struct {
	Content   string   `json:"content"`
	FilePaths []string `json:"file_paths,omitempty"`
}

// ApprovalResponsePayload carries the client's decision for a pending
// tool approval.
type ApprovalResponsePayload struct {
	Approved      bool            `json:"approved"`
	Reason        string          `json:"reason,omitempty"`
	ModifiedInput json.RawMessage `json:"modified_input,omitempty"`
}

// AssistantTextPayload carries one assistant text block.
type AssistantTextPayload struct {
	Text string `json:"text"`
}

// ThinkingPayload carries one extended-thinking block.
type ThinkingPayload struct {
	Thinking string `json:"thinking"`
}

// ToolUsePayload announces a tool invocation proposed by the agent.
type ToolUsePayload struct {
	ToolUseID string          `json:"tool_use_id"`
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
}

// ToolResultPayload carries the outcome of a tool invocation.
type ToolResultPayload struct {
	ToolUseID string `json:"tool_use_id"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error"`
}

// ApprovalRequestPayload asks the client to approve or deny a proposed
// tool invocation.
type ApprovalRequestPayload struct {
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
}

// ResultPayload carries the terminal cost/usage summary of one turn.
type ResultPayload struct {
	Cost  float64                `json:"cost"`
	Usage map[string]interface{} `json:"usage,omitempty"`
}

// ErrorPayload reports a turn-level failure to the client.
type ErrorPayload struct {
	Message string `json:"message"`
}

// StatusPayload reports a session lifecycle status. SessionID is set on
// connected and session_cleared statuses.
type StatusPayload struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id,omitempty"`
}

// HistoryPayload replays the persisted log to a reconnecting client.
type HistoryPayload struct {
	Messages []LogEntry `json:"messages"`
}

// NewMessage marshals payload into a wire envelope. Marshalling of the
// payload structs above cannot fail, so errors are swallowed into an
// empty data field.
func NewMessage(t MessageType, payload interface{}) Message {
	if payload == nil {
		return Message{Type: t}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{Type: t}
	}
	return Message{Type: t, Data: data}
}
