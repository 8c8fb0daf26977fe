package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harun/loom/internal/observability"
	"github.com/harun/loom/pkg/approval"
	"github.com/harun/loom/pkg/executor"
	"github.com/harun/loom/pkg/protocol"
	"github.com/harun/loom/pkg/store"
)

// Session is the per-connection state machine. It owns one connection,
// one lazily created executor binding, at most one pending approval
// gate, and a capacity-one deferred user message. Turn execution is
// strictly serialized: a user message arriving mid-turn interrupts the
// current turn and is replayed once the session returns to idle.
type Session struct {
	conn            Conn
	store           store.Store
	registry        *Registry
	factory         executor.Factory
	ttl             time.Duration
	approvalTimeout time.Duration

	interrupted atomic.Bool

	mu         sync.Mutex
	id         string
	logger     zerolog.Logger
	binding    executor.Binding
	pending    *approval.Gate
	deferred   *protocol.UserMessagePayload
	processing bool
	closed     bool
}

type sessionParams struct {
	id              string
	conn            Conn
	store           store.Store
	registry        *Registry
	factory         executor.Factory
	ttl             time.Duration
	approvalTimeout time.Duration
	logger          zerolog.Logger
}

func newSession(p sessionParams) *Session {
	return &Session{
		conn:            p.conn,
		store:           p.store,
		registry:        p.registry,
		factory:         p.factory,
		ttl:             p.ttl,
		approvalTimeout: p.approvalTimeout,
		id:              p.id,
		logger:          p.logger.With().Str("sessionId", p.id).Logger(),
	}
}

// ID returns the session's current id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Start announces the connection and replays persisted history. Called
// once per connection before the read loop.
func (s *Session) Start(ctx context.Context) {
	s.sendEphemeral(protocol.TypeStatus, protocol.StatusPayload{
		Status:    protocol.StatusConnected,
		SessionID: s.ID(),
	})

	history, err := s.store.ReadMessages(ctx, s.ID())
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load history")
		return
	}
	if len(history) > 0 {
		s.logger.Info().Int("messages", len(history)).Msg("Replaying history")
		s.sendEphemeral(protocol.TypeHistory, protocol.HistoryPayload{Messages: history})
	}
}

// HandleMessage routes one inbound client message. Unknown types are
// silently ignored.
func (s *Session) HandleMessage(ctx context.Context, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeUserMessage:
		var payload protocol.UserMessagePayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			s.logger.Warn().Err(err).Msg("Malformed user message, ignoring")
			return
		}
		s.handleUserMessage(ctx, payload)

	case protocol.TypeApprovalResponse:
		var payload protocol.ApprovalResponsePayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			s.logger.Warn().Err(err).Msg("Malformed approval response, ignoring")
			return
		}
		s.handleApprovalResponse(payload)

	case protocol.TypeInterrupt:
		s.Interrupt(ctx)

	case protocol.TypeClearSession:
		s.Clear(ctx)

	default:
		s.logger.Debug().Str("type", string(msg.Type)).Msg("Ignoring unknown message type")
	}
}

func (s *Session) handleUserMessage(ctx context.Context, payload protocol.UserMessagePayload) {
	if strings.TrimSpace(payload.Content) == "" && len(payload.FilePaths) == 0 {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.processing {
		// Mid-turn message: defer it (last write wins) and interrupt
		// the current turn so the replay starts promptly.
		if s.deferred != nil {
			observability.RecordDeferredReplaced()
			s.logger.Info().Msg("Replacing deferred message")
		}
		s.deferred = &payload
		s.mu.Unlock()
		s.Interrupt(ctx)
		return
	}
	s.processing = true
	s.mu.Unlock()

	go s.runLoop(ctx, payload)
}

// runLoop executes the turn for payload and then replays any message
// deferred while it ran. Exactly one loop runs per session at a time.
func (s *Session) runLoop(ctx context.Context, payload protocol.UserMessagePayload) {
	for {
		s.runTurn(ctx, payload)

		s.mu.Lock()
		next := s.deferred
		s.deferred = nil
		if next == nil || s.closed {
			s.processing = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		s.logger.Info().Msg("Replaying deferred message")
		payload = *next
	}
}

func (s *Session) runTurn(ctx context.Context, payload protocol.UserMessagePayload) {
	s.interrupted.Store(false)
	start := time.Now()

	if err := s.sendDurable(ctx, protocol.TypeUserMessage, payload); err != nil {
		observability.RecordTurn("error", time.Since(start))
		return
	}

	s.sendEphemeral(protocol.TypeStatus, protocol.StatusPayload{Status: protocol.StatusThinking})

	binding, err := s.ensureBinding()
	if err != nil {
		s.reportTurnError(ctx, fmt.Errorf("failed to create executor binding: %w", err))
		observability.RecordTurn("error", time.Since(start))
		return
	}

	events, err := binding.StartTurn(ctx, buildPrompt(payload))
	if err != nil {
		s.reportTurnError(ctx, fmt.Errorf("failed to start turn: %w", err))
		observability.RecordTurn("error", time.Since(start))
		return
	}

	outcome := s.consumeTurn(ctx, binding, events)
	observability.RecordTurn(outcome, time.Since(start))
}

// consumeTurn drains the turn's event stream, translating each event
// into exactly one outbound message. The interrupt flag is checked
// before each event is consumed; when set, the executor is signalled
// and the turn exits early.
func (s *Session) consumeTurn(ctx context.Context, binding executor.Binding, events <-chan executor.Event) string {
	for ev := range events {
		if s.interrupted.Load() {
			_ = binding.Interrupt(ctx)
			s.sendEphemeral(protocol.TypeStatus, protocol.StatusPayload{Status: protocol.StatusInterrupted})
			return "interrupted"
		}

		switch ev.Type {
		case executor.EventTextDelta:
			_ = s.sendDurable(ctx, protocol.TypeAssistantText, protocol.AssistantTextPayload{Text: ev.Text})

		case executor.EventThinking:
			_ = s.sendDurable(ctx, protocol.TypeThinking, protocol.ThinkingPayload{Thinking: ev.Thinking})

		case executor.EventToolUse:
			_ = s.sendDurable(ctx, protocol.TypeToolUse, protocol.ToolUsePayload{
				ToolUseID: ev.ToolUseID,
				ToolName:  ev.ToolName,
				ToolInput: ev.ToolInput,
			})

		case executor.EventToolResult:
			_ = s.sendDurable(ctx, protocol.TypeToolResult, protocol.ToolResultPayload{
				ToolUseID: ev.ToolUseID,
				Result:    ev.Result,
				IsError:   ev.IsError,
			})

		case executor.EventTurnResult:
			observability.RecordTurnCost(ev.CostUSD)
			_ = s.sendDurable(ctx, protocol.TypeResult, protocol.ResultPayload{
				Cost:  ev.CostUSD,
				Usage: ev.Usage,
			})

		case executor.EventTurnError:
			s.reportTurnError(ctx, ev.Err)
			return "error"
		}
	}

	if s.interrupted.Load() {
		s.sendEphemeral(protocol.TypeStatus, protocol.StatusPayload{Status: protocol.StatusInterrupted})
		return "interrupted"
	}

	s.sendEphemeral(protocol.TypeStatus, protocol.StatusPayload{Status: protocol.StatusDone})
	return "done"
}

// reportTurnError surfaces an executor failure to the client and tears
// down the binding so the next message starts from a clean one.
func (s *Session) reportTurnError(ctx context.Context, err error) {
	s.logger.Error().Err(err).Msg("Turn failed")
	_ = s.sendDurable(ctx, protocol.TypeError, protocol.ErrorPayload{Message: err.Error()})
	s.sendEphemeral(protocol.TypeStatus, protocol.StatusPayload{Status: protocol.StatusError})
	s.teardownBinding()
}

// checkPermission is the session's permission callback: it opens an
// approval gate, asks the client, and blocks the turn until the gate
// resolves by response, timeout, or interrupt.
func (s *Session) checkPermission(ctx context.Context, toolName string, toolInput json.RawMessage) executor.Decision {
	if s.interrupted.Load() {
		return executor.Deny(approval.ReasonInterrupted)
	}

	gate := approval.NewGate(toolName, toolInput)

	s.mu.Lock()
	s.pending = gate
	s.mu.Unlock()

	s.logger.Info().Str("tool", toolName).Msg("Requesting approval")
	s.sendEphemeral(protocol.TypeApprovalRequest, protocol.ApprovalRequestPayload{
		ToolName:  toolName,
		ToolInput: toolInput,
	})

	start := time.Now()
	res := gate.Wait(ctx, s.approvalTimeout)

	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()

	observability.RecordApproval(approvalOutcome(res), time.Since(start))

	if res.Approved {
		s.logger.Info().Str("tool", toolName).Msg("Approval granted")
		if len(res.ModifiedInput) > 0 {
			return executor.AllowWithInput(res.ModifiedInput)
		}
		return executor.Allow()
	}

	reason := res.DenyReason
	if reason == "" {
		reason = approval.ReasonDenied
	}
	s.logger.Info().Str("tool", toolName).Str("reason", reason).Msg("Approval denied")
	return executor.Deny(reason)
}

func approvalOutcome(res approval.Resolution) string {
	switch {
	case res.Approved:
		return "approved"
	case res.DenyReason == approval.ReasonTimeout:
		return "timeout"
	case res.DenyReason == approval.ReasonInterrupted:
		return "interrupted"
	default:
		return "denied"
	}
}

func (s *Session) handleApprovalResponse(payload protocol.ApprovalResponsePayload) {
	s.mu.Lock()
	gate := s.pending
	s.mu.Unlock()

	if gate == nil {
		s.logger.Debug().Msg("Approval response with no pending approval, ignoring")
		return
	}

	reason := payload.Reason
	if !payload.Approved && reason == "" {
		reason = approval.ReasonDenied
	}

	// A response arriving after a timeout or interrupt resolution
	// loses the race and is discarded by the gate.
	gate.Resolve(approval.Resolution{
		Approved:      payload.Approved,
		ModifiedInput: payload.ModifiedInput,
		DenyReason:    reason,
	})
}

// Interrupt requests cooperative cancellation of the in-flight turn and
// force-denies any outstanding approval.
func (s *Session) Interrupt(ctx context.Context) {
	s.logger.Info().Msg("Interrupt requested")
	observability.RecordInterrupt()
	s.interrupted.Store(true)

	s.mu.Lock()
	gate := s.pending
	binding := s.binding
	processing := s.processing
	s.mu.Unlock()

	if gate != nil {
		gate.Resolve(approval.Resolution{Approved: false, DenyReason: approval.ReasonInterrupted})
	}
	if binding != nil && processing {
		_ = binding.Interrupt(ctx)
	}
}

// Clear rotates the session id: the executor binding is torn down, the
// old persisted record is deleted, and the live session re-registers
// under a fresh id which is reported to the client.
func (s *Session) Clear(ctx context.Context) {
	s.teardownBinding()

	s.mu.Lock()
	oldID := s.id
	s.mu.Unlock()

	if err := s.store.Delete(ctx, oldID); err != nil {
		s.logger.Error().Err(err).Msg("Failed to delete session data")
		s.sendEphemeral(protocol.TypeError, protocol.ErrorPayload{
			Message: fmt.Sprintf("failed to clear session: %v", err),
		})
		return
	}

	newID := uuid.New().String()
	if err := s.store.WriteMetadata(ctx, newID, s.ttl); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write metadata for new session")
		s.sendEphemeral(protocol.TypeError, protocol.ErrorPayload{
			Message: fmt.Sprintf("failed to clear session: %v", err),
		})
		return
	}

	s.mu.Lock()
	s.id = newID
	s.logger = s.logger.With().Str("sessionId", newID).Logger()
	s.mu.Unlock()

	if s.registry != nil {
		s.registry.rekey(oldID, newID, s)
	}

	observability.RecordSessionCleared()
	s.logger.Info().Str("oldSessionId", oldID).Msg("Session cleared")

	s.sendEphemeral(protocol.TypeStatus, protocol.StatusPayload{
		Status:    protocol.StatusSessionCleared,
		SessionID: newID,
	})
}

// Close ends the session for a closed connection. Persisted state is
// left intact for a later restore.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	gate := s.pending
	binding := s.binding
	s.binding = nil
	id := s.id
	s.mu.Unlock()

	if gate != nil {
		gate.Resolve(approval.Resolution{Approved: false, DenyReason: approval.ReasonInterrupted})
	}
	if binding != nil {
		if err := binding.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Error closing executor binding")
		}
	}
	if s.registry != nil {
		s.registry.Remove(id)
	}

	s.logger.Info().Msg("Session closed")
}

// ensureBinding lazily creates the executor binding.
func (s *Session) ensureBinding() (executor.Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.binding != nil {
		return s.binding, nil
	}

	binding, err := s.factory.NewBinding(s.id, s.checkPermission)
	if err != nil {
		return nil, err
	}
	s.binding = binding
	s.logger.Info().Msg("Executor binding created")
	return binding, nil
}

func (s *Session) teardownBinding() {
	s.mu.Lock()
	binding := s.binding
	s.binding = nil
	s.mu.Unlock()

	if binding != nil {
		if err := binding.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Error closing executor binding")
		}
		s.logger.Info().Msg("Executor binding torn down")
	}
}

// sendDurable appends the message to the persisted log (refreshing the
// session TTL) and then sends it. The append must succeed before the
// message counts as sent; a failure aborts this send only.
func (s *Session) sendDurable(ctx context.Context, t protocol.MessageType, payload interface{}) error {
	msg := protocol.NewMessage(t, payload)
	entry := protocol.LogEntry{Type: t, Data: msg.Data, Timestamp: time.Now().UTC()}

	if err := s.store.AppendMessage(ctx, s.ID(), entry); err != nil {
		s.logger.Error().Err(err).Str("type", string(t)).Msg("Failed to persist message")
		s.sendEphemeral(protocol.TypeError, protocol.ErrorPayload{
			Message: fmt.Sprintf("failed to persist %s message: %v", t, err),
		})
		return err
	}

	if err := s.conn.Send(msg); err != nil {
		s.logger.Warn().Err(err).Str("type", string(t)).Msg("Failed to send message")
		return err
	}
	return nil
}

func (s *Session) sendEphemeral(t protocol.MessageType, payload interface{}) {
	if err := s.conn.Send(protocol.NewMessage(t, payload)); err != nil {
		s.logger.Warn().Err(err).Str("type", string(t)).Msg("Failed to send message")
	}
}

// buildPrompt renders the user's text plus instructions to read any
// attached files with the executor's own tools; file contents are never
// inlined.
func buildPrompt(payload protocol.UserMessagePayload) string {
	if len(payload.FilePaths) == 0 {
		return payload.Content
	}

	var b strings.Builder
	b.WriteString("The user attached the following files. Read them with your file tools before responding:\n")
	for _, path := range payload.FilePaths {
		b.WriteString("- ")
		b.WriteString(path)
		b.WriteString("\n")
	}
	if payload.Content != "" {
		b.WriteString("\n")
		b.WriteString(payload.Content)
	}
	return b.String()
}
