package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ScriptStep is one action of a scripted turn. Either Emit is sent
// verbatim, or Tool proposes an invocation that is routed through the
// session's permission func like a real engine would.
type ScriptStep struct {
	Emit *Event
	Tool *ScriptedTool
}

// ScriptedTool describes a scripted tool invocation: the tool_use event
// it produces and the result emitted when the invocation is approved.
// An empty ID gets a minted tool_use id.
type ScriptedTool struct {
	ID     string
	Name   string
	Input  json.RawMessage
	Output string
}

// ScriptedBinding replays pre-recorded turns. It exists for tests and
// local development without an API key.
type ScriptedBinding struct {
	perm PermissionFunc

	mu         sync.Mutex
	turns      [][]ScriptStep
	prompts    []string
	turnCancel context.CancelFunc
	closed     bool
}

// ScriptedFactory hands every session its own ScriptedBinding replaying
// the same turns.
type ScriptedFactory struct {
	Turns [][]ScriptStep

	mu       sync.Mutex
	bindings map[string]*ScriptedBinding
}

// NewBinding implements Factory.
func (f *ScriptedFactory) NewBinding(sessionID string, perm PermissionFunc) (Binding, error) {
	if perm == nil {
		return nil, errors.New("permission func is required")
	}
	b := &ScriptedBinding{
		perm:  perm,
		turns: append([][]ScriptStep(nil), f.Turns...),
	}
	f.mu.Lock()
	if f.bindings == nil {
		f.bindings = make(map[string]*ScriptedBinding)
	}
	f.bindings[sessionID] = b
	f.mu.Unlock()
	return b, nil
}

// Binding returns the binding created for a session, if any.
func (f *ScriptedFactory) Binding(sessionID string) *ScriptedBinding {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bindings[sessionID]
}

// Prompts returns the prompts this binding has received, in order.
func (b *ScriptedBinding) Prompts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.prompts...)
}

// Closed reports whether Close has been called.
func (b *ScriptedBinding) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// StartTurn implements Binding.
func (b *ScriptedBinding) StartTurn(ctx context.Context, prompt string) (<-chan Event, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("binding is closed")
	}
	if b.turnCancel != nil {
		b.mu.Unlock()
		return nil, errors.New("a turn is already in flight")
	}
	b.prompts = append(b.prompts, prompt)

	var script []ScriptStep
	if len(b.turns) > 0 {
		script = b.turns[0]
		b.turns = b.turns[1:]
	}

	turnCtx, cancel := context.WithCancel(ctx)
	b.turnCancel = cancel
	b.mu.Unlock()

	events := make(chan Event)
	go func() {
		defer func() {
			b.mu.Lock()
			b.turnCancel = nil
			b.mu.Unlock()
			cancel()
			close(events)
		}()
		b.replay(turnCtx, script, events)
	}()

	return events, nil
}

func (b *ScriptedBinding) replay(ctx context.Context, script []ScriptStep, events chan<- Event) {
	send := func(ev Event) bool {
		return sendEvent(ctx, events, ev)
	}

	for _, step := range script {
		if ctx.Err() != nil {
			return
		}

		if step.Emit != nil {
			if !send(*step.Emit) {
				return
			}
			continue
		}

		tool := step.Tool
		if tool == nil {
			continue
		}
		toolID := tool.ID
		if toolID == "" {
			toolID = NewToolUseID()
		}
		if !send(Event{Type: EventToolUse, ToolUseID: toolID, ToolName: tool.Name, ToolInput: tool.Input}) {
			return
		}

		decision := b.perm(ctx, tool.Name, tool.Input)
		if ctx.Err() != nil {
			return
		}

		result := Event{Type: EventToolResult, ToolUseID: toolID}
		if decision.Behavior == BehaviorDeny {
			result.Result = decision.Reason
			result.IsError = true
		} else {
			result.Result = tool.Output
		}
		if !send(result) {
			return
		}
	}
}

// Interrupt implements Binding.
func (b *ScriptedBinding) Interrupt(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.turnCancel != nil {
		b.turnCancel()
	}
	return nil
}

// Close implements Binding.
func (b *ScriptedBinding) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.turnCancel != nil {
		b.turnCancel()
		b.turnCancel = nil
	}
	b.closed = true
	return nil
}
