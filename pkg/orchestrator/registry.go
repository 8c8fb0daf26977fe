// Package orchestrator owns the per-connection agent session state
// machine and the process-wide registry of live sessions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harun/loom/internal/observability"
	"github.com/harun/loom/pkg/executor"
	"github.com/harun/loom/pkg/protocol"
	"github.com/harun/loom/pkg/store"
)

// Conn is the outbound half of one client connection. Implementations
// must serialize concurrent Send calls.
type Conn interface {
	Send(msg protocol.Message) error
}

// Registry maps session ids to live sessions. Sessions run
// independently; only the map itself is guarded.
type Registry struct {
	store           store.Store
	factory         executor.Factory
	ttl             time.Duration
	approvalTimeout time.Duration
	logger          zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// RegistryConfig holds registry configuration.
type RegistryConfig struct {
	Store           store.Store
	Factory         executor.Factory
	SessionTTL      time.Duration
	ApprovalTimeout time.Duration
	Logger          zerolog.Logger
}

// NewRegistry creates a session registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Factory == nil {
		return nil, errors.New("executor factory is required")
	}
	if cfg.SessionTTL <= 0 {
		return nil, errors.New("session TTL must be positive")
	}
	if cfg.ApprovalTimeout <= 0 {
		return nil, errors.New("approval timeout must be positive")
	}

	return &Registry{
		store:           cfg.Store,
		factory:         cfg.Factory,
		ttl:             cfg.SessionTTL,
		approvalTimeout: cfg.ApprovalTimeout,
		logger:          cfg.Logger,
		sessions:        make(map[string]*Session),
	}, nil
}

// CreateOrRestore registers a session for a new connection. If
// candidateID names a non-expired persisted session its id is reused;
// any restore miss or lookup failure falls back silently to a fresh id.
// The metadata record is always written or refreshed.
func (r *Registry) CreateOrRestore(ctx context.Context, conn Conn, candidateID string) (*Session, error) {
	if conn == nil {
		return nil, errors.New("conn is required")
	}

	id := candidateID
	restored := false

	if id != "" {
		exists, err := r.store.MetadataExists(ctx, id)
		if err != nil {
			r.logger.Warn().Err(err).Str("sessionId", id).Msg("Restore lookup failed, allocating fresh id")
			id = ""
		} else if exists {
			if _, live := r.Get(id); live {
				r.logger.Warn().Str("sessionId", id).Msg("Session already has a live connection, allocating fresh id")
				id = ""
			} else {
				restored = true
			}
		} else {
			r.logger.Info().Str("sessionId", id).Msg("Session not found in store, allocating fresh id")
			id = ""
		}
	}
	if id == "" {
		id = uuid.New().String()
	}

	if err := r.store.WriteMetadata(ctx, id, r.ttl); err != nil {
		return nil, fmt.Errorf("failed to write session metadata: %w", err)
	}

	s := newSession(sessionParams{
		id:              id,
		conn:            conn,
		store:           r.store,
		registry:        r,
		factory:         r.factory,
		ttl:             r.ttl,
		approvalTimeout: r.approvalTimeout,
		logger:          r.logger,
	})

	r.mu.Lock()
	r.sessions[id] = s
	count := len(r.sessions)
	r.mu.Unlock()

	observability.SetActiveSessions(count)
	if restored {
		observability.RecordSessionRestored()
	}

	r.logger.Info().
		Str("sessionId", id).
		Bool("restored", restored).
		Int("totalSessions", count).
		Msg("Session registered")

	return s, nil
}

// Remove drops the in-memory entry. Persisted data is untouched; the
// TTL governs its lifetime.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	count := len(r.sessions)
	r.mu.Unlock()

	observability.SetActiveSessions(count)
	r.logger.Info().Str("sessionId", id).Int("totalSessions", count).Msg("Session removed")
}

// Get returns the live session for an id, if any.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// rekey re-registers a live session under a new id after a clear.
func (r *Registry) rekey(oldID, newID string, s *Session) {
	r.mu.Lock()
	delete(r.sessions, oldID)
	r.sessions[newID] = s
	r.mu.Unlock()
}
