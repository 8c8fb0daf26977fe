package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurable(t *testing.T) {
	tests := []struct {
		name     string
		msgType  MessageType
		expected bool
	}{
		{"user message is durable", TypeUserMessage, true},
		{"assistant text is durable", TypeAssistantText, true},
		{"thinking is durable", TypeThinking, true},
		{"tool use is durable", TypeToolUse, true},
		{"tool result is durable", TypeToolResult, true},
		{"result is durable", TypeResult, true},
		{"error is durable", TypeError, true},
		{"status is ephemeral", TypeStatus, false},
		{"history is ephemeral", TypeHistory, false},
		{"approval request is ephemeral", TypeApprovalRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Durable(tt.msgType))
		})
	}
}

func TestParseClientMessage(t *testing.T) {
	t.Run("should parse user message", func(t *testing.T) {
		msg, err := ParseClientMessage([]byte(`{"type":"user_message","data":{"content":"hello"}}`))
		require.NoError(t, err)
		assert.Equal(t, TypeUserMessage, msg.Type)
	})

	t.Run("should parse user message with file paths", func(t *testing.T) {
		msg, err := ParseClientMessage([]byte(`{"type":"user_message","data":{"content":"check","file_paths":["a.txt","b.txt"]}}`))
		require.NoError(t, err)
		assert.Equal(t, TypeUserMessage, msg.Type)
	})

	t.Run("should reject user message without content", func(t *testing.T) {
		_, err := ParseClientMessage([]byte(`{"type":"user_message","data":{}}`))
		assert.Error(t, err)
	})

	t.Run("should parse approval response", func(t *testing.T) {
		msg, err := ParseClientMessage([]byte(`{"type":"approval_response","data":{"approved":true}}`))
		require.NoError(t, err)
		assert.Equal(t, TypeApprovalResponse, msg.Type)
	})

	t.Run("should reject approval response without decision", func(t *testing.T) {
		_, err := ParseClientMessage([]byte(`{"type":"approval_response","data":{"reason":"no"}}`))
		assert.Error(t, err)
	})

	t.Run("should default missing data for interrupt", func(t *testing.T) {
		msg, err := ParseClientMessage([]byte(`{"type":"interrupt"}`))
		require.NoError(t, err)
		assert.Equal(t, TypeInterrupt, msg.Type)
		assert.JSONEq(t, `{}`, string(msg.Data))
	})

	t.Run("should pass through unknown types", func(t *testing.T) {
		msg, err := ParseClientMessage([]byte(`{"type":"telemetry","data":{"x":1}}`))
		require.NoError(t, err)
		assert.Equal(t, MessageType("telemetry"), msg.Type)
	})

	t.Run("should reject malformed json", func(t *testing.T) {
		_, err := ParseClientMessage([]byte(`{"type":`))
		assert.Error(t, err)
	})

	t.Run("should reject frame without type", func(t *testing.T) {
		_, err := ParseClientMessage([]byte(`{"data":{}}`))
		assert.Error(t, err)
	})
}

func TestNewMessage(t *testing.T) {
	t.Run("should marshal payload", func(t *testing.T) {
		msg := NewMessage(TypeStatus, StatusPayload{Status: StatusConnected, SessionID: "abc"})
		assert.Equal(t, TypeStatus, msg.Type)
		assert.JSONEq(t, `{"status":"connected","session_id":"abc"}`, string(msg.Data))
	})

	t.Run("should allow nil payload", func(t *testing.T) {
		msg := NewMessage(TypeInterrupt, nil)
		assert.Equal(t, TypeInterrupt, msg.Type)
		assert.Empty(t, msg.Data)
	})
}
