package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/loom/pkg/executor"
	"github.com/harun/loom/pkg/protocol"
)

func TestRegistry_CreateOrRestore(t *testing.T) {
	ctx := context.Background()

	t.Run("should mint a fresh id when none supplied", func(t *testing.T) {
		registry, st := newTestRegistry(t, &executor.ScriptedFactory{}, time.Minute)

		conn := newFakeConn()
		session, err := registry.CreateOrRestore(ctx, conn, "")
		require.NoError(t, err)

		_, err = uuid.Parse(session.ID())
		assert.NoError(t, err)

		exists, err := st.MetadataExists(ctx, session.ID())
		require.NoError(t, err)
		assert.True(t, exists)

		assert.Equal(t, 1, registry.Count())
	})

	t.Run("should restore a known session id", func(t *testing.T) {
		registry, st := newTestRegistry(t, &executor.ScriptedFactory{}, time.Minute)

		first, err := registry.CreateOrRestore(ctx, newFakeConn(), "")
		require.NoError(t, err)
		id := first.ID()
		first.Close()
		require.Equal(t, 0, registry.Count())

		second, err := registry.CreateOrRestore(ctx, newFakeConn(), id)
		require.NoError(t, err)
		assert.Equal(t, id, second.ID())

		exists, err := st.MetadataExists(ctx, id)
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("should not hijack a session with a live connection", func(t *testing.T) {
		registry, _ := newTestRegistry(t, &executor.ScriptedFactory{}, time.Minute)

		first, err := registry.CreateOrRestore(ctx, newFakeConn(), "")
		require.NoError(t, err)

		second, err := registry.CreateOrRestore(ctx, newFakeConn(), first.ID())
		require.NoError(t, err)
		assert.NotEqual(t, first.ID(), second.ID())
		assert.Equal(t, 2, registry.Count())
	})

	t.Run("should fall back to a fresh id on restore miss", func(t *testing.T) {
		registry, _ := newTestRegistry(t, &executor.ScriptedFactory{}, time.Minute)

		session, err := registry.CreateOrRestore(ctx, newFakeConn(), "nonexistent-session")
		require.NoError(t, err)
		assert.NotEqual(t, "nonexistent-session", session.ID())
	})
}

func TestRegistry_RemoveAndGet(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t, &executor.ScriptedFactory{}, time.Minute)

	session, err := registry.CreateOrRestore(ctx, newFakeConn(), "")
	require.NoError(t, err)

	got, ok := registry.Get(session.ID())
	require.True(t, ok)
	assert.Same(t, session, got)

	session.Close()

	_, ok = registry.Get(session.ID())
	assert.False(t, ok)
	assert.Equal(t, 0, registry.Count())
}

func TestSession_Start(t *testing.T) {
	ctx := context.Background()

	t.Run("should announce connection with effective id", func(t *testing.T) {
		registry, _ := newTestRegistry(t, &executor.ScriptedFactory{}, time.Minute)

		conn := newFakeConn()
		session, err := registry.CreateOrRestore(ctx, conn, "")
		require.NoError(t, err)

		session.Start(ctx)

		msg := conn.awaitType(t, protocol.TypeStatus)
		var payload protocol.StatusPayload
		require.NoError(t, json.Unmarshal(msg.Data, &payload))
		assert.Equal(t, protocol.StatusConnected, payload.Status)
		assert.Equal(t, session.ID(), payload.SessionID)
	})

	t.Run("should skip history when log is empty", func(t *testing.T) {
		registry, _ := newTestRegistry(t, &executor.ScriptedFactory{}, time.Minute)

		conn := newFakeConn()
		session, err := registry.CreateOrRestore(ctx, conn, "")
		require.NoError(t, err)

		session.Start(ctx)

		for _, msg := range conn.snapshot() {
			assert.NotEqual(t, protocol.TypeHistory, msg.Type)
		}
	})

	t.Run("should replay history on reconnect", func(t *testing.T) {
		registry, st := newTestRegistry(t, &executor.ScriptedFactory{}, time.Minute)

		first, err := registry.CreateOrRestore(ctx, newFakeConn(), "")
		require.NoError(t, err)
		id := first.ID()

		entries := []protocol.LogEntry{
			{Type: protocol.TypeUserMessage, Data: json.RawMessage(`{"content":"hi"}`)},
			{Type: protocol.TypeAssistantText, Data: json.RawMessage(`{"text":"hello"}`)},
		}
		for _, e := range entries {
			require.NoError(t, st.AppendMessage(ctx, id, e))
		}
		first.Close()

		conn := newFakeConn()
		second, err := registry.CreateOrRestore(ctx, conn, id)
		require.NoError(t, err)
		require.Equal(t, id, second.ID())

		second.Start(ctx)

		msg := conn.awaitType(t, protocol.TypeHistory)
		var payload protocol.HistoryPayload
		require.NoError(t, json.Unmarshal(msg.Data, &payload))
		require.Len(t, payload.Messages, 2)
		assert.Equal(t, protocol.TypeUserMessage, payload.Messages[0].Type)
		assert.Equal(t, protocol.TypeAssistantText, payload.Messages[1].Type)
	})
}
