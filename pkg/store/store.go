// Package store persists session metadata and the append-only message
// log with per-session expiry. The orchestrator consumes it through the
// Store interface; SQLiteStore is the shipped implementation.
package store

import (
	"context"
	"time"

	"github.com/harun/loom/pkg/protocol"
)

// Metadata is the per-session metadata record.
type Metadata struct {
	SessionID  string    `json:"session_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// Store is the durable state contract required by the orchestrator.
// Failures are assumed transient; callers surface them on the
// originating operation without retrying.
type Store interface {
	// AppendMessage appends one log entry and refreshes the session's
	// TTL and last-active timestamp.
	AppendMessage(ctx context.Context, sessionID string, entry protocol.LogEntry) error

	// ReadMessages returns the session's log entries in insertion order.
	ReadMessages(ctx context.Context, sessionID string) ([]protocol.LogEntry, error)

	// WriteMetadata creates or refreshes the session's metadata record
	// with the given TTL.
	WriteMetadata(ctx context.Context, sessionID string, ttl time.Duration) error

	// MetadataExists reports whether a non-expired metadata record
	// exists for the session.
	MetadataExists(ctx context.Context, sessionID string) (bool, error)

	// Delete removes the session's metadata and message log.
	Delete(ctx context.Context, sessionID string) error
}
