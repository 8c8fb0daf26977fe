// Package executor defines the binding through which a session drives
// one agent turn: a cancellable, finite stream of turn events, plus the
// permission callback consulted before any tool runs.
package executor

import (
	"context"
	"encoding/json"
)

// EventType identifies one kind of turn event.
type EventType string

const (
	EventTextDelta  EventType = "text_delta"
	EventThinking   EventType = "thinking"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventTurnResult EventType = "turn_result"
	EventTurnError  EventType = "turn_error"
)

// Event is one element of a turn's event stream. Fields are populated
// according to Type.
type Event struct {
	Type EventType

	// EventTextDelta / EventThinking
	Text     string
	Thinking string

	// EventToolUse / EventToolResult
	ToolUseID string
	ToolName  string
	ToolInput json.RawMessage
	Result    string
	IsError   bool

	// EventTurnResult
	CostUSD float64
	Usage   map[string]interface{}

	// EventTurnError
	Err error
}

// Binding is one session's handle on the agent-execution engine. A
// binding carries conversation context across turns; it is created
// lazily, torn down on error or clear, and recreated on next use.
// At most one turn may be in flight per binding.
type Binding interface {
	// StartTurn begins a turn for the given prompt. The returned
	// channel yields the turn's events in order and is closed when the
	// turn finishes, fails, or is interrupted. The stream is not
	// restartable mid-turn.
	StartTurn(ctx context.Context, prompt string) (<-chan Event, error)

	// Interrupt asks the engine to abandon the in-flight turn.
	// Cancellation is cooperative; remaining events may still arrive
	// before the stream closes.
	Interrupt(ctx context.Context) error

	// Close releases the binding. The binding must not be reused.
	Close() error
}

// Factory creates bindings on demand, one per session. The permission
// func is supplied by the owning session: its approval flow decides
// whether a proposed tool invocation may run.
type Factory interface {
	NewBinding(sessionID string, perm PermissionFunc) (Binding, error)
}

// DecisionBehavior tags a permission decision.
type DecisionBehavior string

const (
	BehaviorAllow DecisionBehavior = "allow"
	BehaviorDeny  DecisionBehavior = "deny"
)

// Decision is the tagged result of a tool permission check. Denial is a
// value, never an error.
type Decision struct {
	Behavior     DecisionBehavior
	UpdatedInput json.RawMessage
	Reason       string
}

// Allow permits the tool invocation with its proposed input.
func Allow() Decision {
	return Decision{Behavior: BehaviorAllow}
}

// AllowWithInput permits the invocation with a replacement input.
func AllowWithInput(input json.RawMessage) Decision {
	return Decision{Behavior: BehaviorAllow, UpdatedInput: input}
}

// Deny blocks the invocation with a reason reported to the model.
func Deny(reason string) Decision {
	return Decision{Behavior: BehaviorDeny, Reason: reason}
}

// PermissionFunc decides whether a proposed tool invocation may run.
// It may block (e.g. waiting on human approval); implementations must
// honor ctx cancellation.
type PermissionFunc func(ctx context.Context, toolName string, toolInput json.RawMessage) Decision

// ToolDefinition describes one tool advertised to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// ToolRunner executes tools on behalf of a binding. Tool semantics are
// external to the orchestrator; a nil runner advertises no tools.
type ToolRunner interface {
	Definitions() []ToolDefinition
	Run(ctx context.Context, name string, input json.RawMessage) (string, error)
}
