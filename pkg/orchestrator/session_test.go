package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/loom/pkg/approval"
	"github.com/harun/loom/pkg/executor"
	"github.com/harun/loom/pkg/protocol"
	"github.com/harun/loom/pkg/store"
)

// fakeConn records every outbound message. holdStatus, when set, blocks
// the sender of that status message until release is closed, which lets
// tests freeze a session mid-transition.
type fakeConn struct {
	mu   sync.Mutex
	msgs []protocol.Message

	holdStatus string
	held       chan struct{}
	release    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{}
}

func (c *fakeConn) holdOnStatus(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holdStatus = status
	c.held = make(chan struct{})
	c.release = make(chan struct{})
}

func (c *fakeConn) Send(msg protocol.Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	hold := false
	var held, release chan struct{}
	if msg.Type == protocol.TypeStatus && c.holdStatus != "" {
		var payload protocol.StatusPayload
		if json.Unmarshal(msg.Data, &payload) == nil && payload.Status == c.holdStatus {
			hold = true
			held = c.held
			release = c.release
			c.holdStatus = ""
		}
	}
	c.mu.Unlock()

	if hold {
		close(held)
		<-release
	}
	return nil
}

func (c *fakeConn) snapshot() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.msgs...)
}

func (c *fakeConn) types() []protocol.MessageType {
	var out []protocol.MessageType
	for _, msg := range c.snapshot() {
		out = append(out, msg.Type)
	}
	return out
}

// await polls until a message satisfying pred arrives.
func (c *fakeConn) await(t *testing.T, pred func(protocol.Message) bool) protocol.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, msg := range c.snapshot() {
			if pred(msg) {
				return msg
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("message never arrived; got %v", c.types())
	return protocol.Message{}
}

func (c *fakeConn) awaitStatus(t *testing.T, status string) {
	t.Helper()
	c.await(t, func(msg protocol.Message) bool {
		if msg.Type != protocol.TypeStatus {
			return false
		}
		var payload protocol.StatusPayload
		return json.Unmarshal(msg.Data, &payload) == nil && payload.Status == status
	})
}

func (c *fakeConn) awaitType(t *testing.T, msgType protocol.MessageType) protocol.Message {
	t.Helper()
	return c.await(t, func(msg protocol.Message) bool { return msg.Type == msgType })
}

func newTestRegistry(t *testing.T, factory executor.Factory, approvalTimeout time.Duration) (*Registry, *store.SQLiteStore) {
	t.Helper()

	st, err := store.NewSQLiteStore(store.Config{
		DBPath: filepath.Join(t.TempDir(), "sessions.db"),
		TTL:    6 * time.Hour,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry, err := NewRegistry(RegistryConfig{
		Store:           st,
		Factory:         factory,
		SessionTTL:      6 * time.Hour,
		ApprovalTimeout: approvalTimeout,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)
	return registry, st
}

func userMessage(content string) protocol.Message {
	return protocol.NewMessage(protocol.TypeUserMessage, protocol.UserMessagePayload{Content: content})
}

func approvalResponse(approved bool, reason string) protocol.Message {
	return protocol.NewMessage(protocol.TypeApprovalResponse, protocol.ApprovalResponsePayload{Approved: approved, Reason: reason})
}

func TestSession_FullTurn(t *testing.T) {
	ctx := context.Background()

	factory := &executor.ScriptedFactory{
		Turns: [][]executor.ScriptStep{
			{
				{Tool: &executor.ScriptedTool{ID: "toolu_1", Name: "read_file", Input: json.RawMessage(`{"path":"a.txt"}`), Output: "contents"}},
				{Emit: &executor.Event{Type: executor.EventTextDelta, Text: "here it is"}},
				{Emit: &executor.Event{Type: executor.EventTurnResult, CostUSD: 0.02}},
			},
		},
	}
	registry, st := newTestRegistry(t, factory, time.Minute)

	conn := newFakeConn()
	session, err := registry.CreateOrRestore(ctx, conn, "")
	require.NoError(t, err)

	session.HandleMessage(ctx, userMessage("show me a.txt"))

	conn.awaitType(t, protocol.TypeApprovalRequest)
	session.HandleMessage(ctx, approvalResponse(true, ""))
	conn.awaitStatus(t, protocol.StatusDone)

	t.Run("should emit protocol messages in order", func(t *testing.T) {
		types := conn.types()
		assert.Equal(t, []protocol.MessageType{
			protocol.TypeUserMessage,
			protocol.TypeStatus, // thinking
			protocol.TypeToolUse,
			protocol.TypeApprovalRequest,
			protocol.TypeToolResult,
			protocol.TypeAssistantText,
			protocol.TypeResult,
			protocol.TypeStatus, // done
		}, types)
	})

	t.Run("should persist only durable messages", func(t *testing.T) {
		log, err := st.ReadMessages(ctx, session.ID())
		require.NoError(t, err)

		var logged []protocol.MessageType
		for _, entry := range log {
			logged = append(logged, entry.Type)
		}
		assert.Equal(t, []protocol.MessageType{
			protocol.TypeUserMessage,
			protocol.TypeToolUse,
			protocol.TypeToolResult,
			protocol.TypeAssistantText,
			protocol.TypeResult,
		}, logged)
	})

	t.Run("should report successful tool result", func(t *testing.T) {
		msg := conn.awaitType(t, protocol.TypeToolResult)
		var payload protocol.ToolResultPayload
		require.NoError(t, json.Unmarshal(msg.Data, &payload))
		assert.Equal(t, "toolu_1", payload.ToolUseID)
		assert.Equal(t, "contents", payload.Result)
		assert.False(t, payload.IsError)
	})
}

func TestSession_ApprovalDenied(t *testing.T) {
	ctx := context.Background()

	factory := &executor.ScriptedFactory{
		Turns: [][]executor.ScriptStep{
			{
				{Tool: &executor.ScriptedTool{ID: "toolu_1", Name: "exec", Input: json.RawMessage(`{"command":"rm -rf /"}`), Output: "never"}},
				{Emit: &executor.Event{Type: executor.EventTurnResult}},
			},
		},
	}
	registry, _ := newTestRegistry(t, factory, time.Minute)

	conn := newFakeConn()
	session, err := registry.CreateOrRestore(ctx, conn, "")
	require.NoError(t, err)

	session.HandleMessage(ctx, userMessage("clean up"))
	conn.awaitType(t, protocol.TypeApprovalRequest)
	session.HandleMessage(ctx, approvalResponse(false, ""))
	conn.awaitStatus(t, protocol.StatusDone)

	msg := conn.awaitType(t, protocol.TypeToolResult)
	var payload protocol.ToolResultPayload
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.True(t, payload.IsError)
	assert.Equal(t, approval.ReasonDenied, payload.Result)
}

func TestSession_ApprovalTimeout(t *testing.T) {
	ctx := context.Background()

	factory := &executor.ScriptedFactory{
		Turns: [][]executor.ScriptStep{
			{
				{Tool: &executor.ScriptedTool{ID: "toolu_1", Name: "exec", Input: json.RawMessage(`{}`), Output: "never"}},
				{Emit: &executor.Event{Type: executor.EventTurnResult}},
			},
		},
	}
	registry, _ := newTestRegistry(t, factory, 30*time.Millisecond)

	conn := newFakeConn()
	session, err := registry.CreateOrRestore(ctx, conn, "")
	require.NoError(t, err)

	session.HandleMessage(ctx, userMessage("do something"))
	conn.awaitStatus(t, protocol.StatusDone)

	msg := conn.awaitType(t, protocol.TypeToolResult)
	var payload protocol.ToolResultPayload
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.True(t, payload.IsError)
	assert.Equal(t, approval.ReasonTimeout, payload.Result)

	t.Run("late response after timeout is ignored", func(t *testing.T) {
		session.HandleMessage(ctx, approvalResponse(true, ""))
		// Nothing to assert beyond no panic and no extra tool result.
		time.Sleep(20 * time.Millisecond)
		var results int
		for _, m := range conn.snapshot() {
			if m.Type == protocol.TypeToolResult {
				results++
			}
		}
		assert.Equal(t, 1, results)
	})
}

func TestSession_InterruptDuringApproval(t *testing.T) {
	ctx := context.Background()

	factory := &executor.ScriptedFactory{
		Turns: [][]executor.ScriptStep{
			{
				{Tool: &executor.ScriptedTool{ID: "toolu_1", Name: "exec", Input: json.RawMessage(`{}`), Output: "never"}},
				{Emit: &executor.Event{Type: executor.EventTurnResult}},
			},
		},
	}
	registry, _ := newTestRegistry(t, factory, time.Minute)

	conn := newFakeConn()
	session, err := registry.CreateOrRestore(ctx, conn, "")
	require.NoError(t, err)

	session.HandleMessage(ctx, userMessage("do something"))
	conn.awaitType(t, protocol.TypeApprovalRequest)

	session.HandleMessage(ctx, protocol.NewMessage(protocol.TypeInterrupt, nil))
	conn.awaitStatus(t, protocol.StatusInterrupted)
}

func TestSession_DeferredMessage(t *testing.T) {
	ctx := context.Background()

	heldTool := []executor.ScriptStep{
		{Tool: &executor.ScriptedTool{ID: "toolu_1", Name: "exec", Input: json.RawMessage(`{}`), Output: "ok"}},
		{Emit: &executor.Event{Type: executor.EventTurnResult}},
	}
	finalTurn := []executor.ScriptStep{
		{Emit: &executor.Event{Type: executor.EventTextDelta, Text: "answered"}},
		{Emit: &executor.Event{Type: executor.EventTurnResult}},
	}
	factory := &executor.ScriptedFactory{Turns: [][]executor.ScriptStep{heldTool, finalTurn}}
	registry, st := newTestRegistry(t, factory, time.Minute)

	conn := newFakeConn()
	session, err := registry.CreateOrRestore(ctx, conn, "")
	require.NoError(t, err)

	// Freeze the turn teardown so both replacement messages land while
	// the first turn is still processing.
	conn.holdOnStatus(protocol.StatusInterrupted)

	session.HandleMessage(ctx, userMessage("first"))
	conn.awaitType(t, protocol.TypeApprovalRequest)

	session.HandleMessage(ctx, userMessage("second"))
	<-conn.held
	session.HandleMessage(ctx, userMessage("third"))
	close(conn.release)

	conn.awaitStatus(t, protocol.StatusDone)

	binding := factory.Binding(session.ID())
	require.NotNil(t, binding)

	t.Run("should replay only the latest deferred message", func(t *testing.T) {
		prompts := binding.Prompts()
		assert.Equal(t, []string{"first", "third"}, prompts)
	})

	t.Run("should persist the replayed message", func(t *testing.T) {
		log, err := st.ReadMessages(ctx, session.ID())
		require.NoError(t, err)

		var contents []string
		for _, e := range log {
			if e.Type == protocol.TypeUserMessage {
				var payload protocol.UserMessagePayload
				require.NoError(t, json.Unmarshal(e.Data, &payload))
				contents = append(contents, payload.Content)
			}
		}
		assert.Equal(t, []string{"first", "third"}, contents)
	})
}

func TestSession_TurnError(t *testing.T) {
	ctx := context.Background()

	factory := &executor.ScriptedFactory{
		Turns: [][]executor.ScriptStep{
			{
				{Emit: &executor.Event{Type: executor.EventTurnError, Err: assert.AnError}},
			},
			{
				{Emit: &executor.Event{Type: executor.EventTextDelta, Text: "recovered"}},
				{Emit: &executor.Event{Type: executor.EventTurnResult}},
			},
		},
	}
	registry, _ := newTestRegistry(t, factory, time.Minute)

	conn := newFakeConn()
	session, err := registry.CreateOrRestore(ctx, conn, "")
	require.NoError(t, err)

	session.HandleMessage(ctx, userMessage("break"))
	conn.awaitStatus(t, protocol.StatusError)
	conn.awaitType(t, protocol.TypeError)

	firstBinding := factory.Binding(session.ID())
	require.NotNil(t, firstBinding)

	awaitClosed(t, firstBinding)

	t.Run("next message gets a fresh binding", func(t *testing.T) {
		session.HandleMessage(ctx, userMessage("again"))
		conn.awaitStatus(t, protocol.StatusDone)

		secondBinding := factory.Binding(session.ID())
		require.NotNil(t, secondBinding)
		assert.NotSame(t, firstBinding, secondBinding)
		assert.Equal(t, []string{"again"}, secondBinding.Prompts())
	})
}

func awaitClosed(t *testing.T, b *executor.ScriptedBinding) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.Closed() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("binding was never closed")
}

func TestSession_Clear(t *testing.T) {
	ctx := context.Background()

	factory := &executor.ScriptedFactory{
		Turns: [][]executor.ScriptStep{
			{
				{Emit: &executor.Event{Type: executor.EventTextDelta, Text: "hi"}},
				{Emit: &executor.Event{Type: executor.EventTurnResult}},
			},
		},
	}
	registry, st := newTestRegistry(t, factory, time.Minute)

	conn := newFakeConn()
	session, err := registry.CreateOrRestore(ctx, conn, "")
	require.NoError(t, err)
	oldID := session.ID()

	session.HandleMessage(ctx, userMessage("hello"))
	conn.awaitStatus(t, protocol.StatusDone)

	session.HandleMessage(ctx, protocol.NewMessage(protocol.TypeClearSession, nil))
	conn.awaitStatus(t, protocol.StatusSessionCleared)

	newID := session.ID()

	t.Run("should rotate the session id", func(t *testing.T) {
		assert.NotEqual(t, oldID, newID)

		msg := conn.await(t, func(m protocol.Message) bool {
			if m.Type != protocol.TypeStatus {
				return false
			}
			var payload protocol.StatusPayload
			return json.Unmarshal(m.Data, &payload) == nil && payload.Status == protocol.StatusSessionCleared
		})
		var payload protocol.StatusPayload
		require.NoError(t, json.Unmarshal(msg.Data, &payload))
		assert.Equal(t, newID, payload.SessionID)
	})

	t.Run("should delete old session data", func(t *testing.T) {
		exists, err := st.MetadataExists(ctx, oldID)
		require.NoError(t, err)
		assert.False(t, exists)

		log, err := st.ReadMessages(ctx, oldID)
		require.NoError(t, err)
		assert.Empty(t, log)
	})

	t.Run("should re-register under the new id", func(t *testing.T) {
		_, ok := registry.Get(oldID)
		assert.False(t, ok)

		got, ok := registry.Get(newID)
		require.True(t, ok)
		assert.Same(t, session, got)
	})

	t.Run("new session starts with empty history and fresh metadata", func(t *testing.T) {
		exists, err := st.MetadataExists(ctx, newID)
		require.NoError(t, err)
		assert.True(t, exists)

		log, err := st.ReadMessages(ctx, newID)
		require.NoError(t, err)
		assert.Empty(t, log)
	})
}

func TestSession_IgnoresJunk(t *testing.T) {
	ctx := context.Background()

	factory := &executor.ScriptedFactory{}
	registry, _ := newTestRegistry(t, factory, time.Minute)

	conn := newFakeConn()
	session, err := registry.CreateOrRestore(ctx, conn, "")
	require.NoError(t, err)

	t.Run("unknown message type is ignored", func(t *testing.T) {
		session.HandleMessage(ctx, protocol.Message{Type: "telemetry", Data: json.RawMessage(`{}`)})
		assert.Empty(t, conn.snapshot())
	})

	t.Run("empty user message is ignored", func(t *testing.T) {
		session.HandleMessage(ctx, userMessage("   "))
		time.Sleep(20 * time.Millisecond)
		assert.Empty(t, conn.snapshot())
	})

	t.Run("approval response with no pending approval is ignored", func(t *testing.T) {
		session.HandleMessage(ctx, approvalResponse(true, ""))
		assert.Empty(t, conn.snapshot())
	})
}
