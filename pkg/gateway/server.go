package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/loom/internal/observability"
	"github.com/harun/loom/internal/tracing"
	"github.com/harun/loom/pkg/orchestrator"
	"github.com/harun/loom/pkg/protocol"
)

// Server is the WebSocket front door. Each /ws connection gets one
// orchestrator session; the server owns the connection read loop and
// hands every parsed client message to the session.
type Server struct {
	port           int
	registry       *orchestrator.Registry
	upgrader       websocket.Upgrader
	server         *http.Server
	logger         zerolog.Logger
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	connWG         sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Port     int
	Registry *orchestrator.Registry
	Logger   zerolog.Logger
}

// NewServer creates a new gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}

	return &Server{
		port:     cfg.Port,
		registry: cfg.Registry,
		logger:   cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}, nil
}

// Start starts the server and returns once it is listening.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	s.logger.Info().Int("port", s.port).Msg("Starting gateway server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	// Give the server a moment to start
	time.Sleep(50 * time.Millisecond)

	return nil
}

// Stop gracefully stops the server: new connections are refused, open
// ones are closed, and their read loops are waited on.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All connections drained")
	case <-time.After(10 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// handleWebSocket upgrades the connection and binds it to a session.
// The client may pass ?session_id= to reconnect; an unknown or expired
// id silently falls back to a fresh session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	candidateID := r.URL.Query().Get("session_id")
	connID := newConnectionID()
	wsc := newWSConn(conn)

	connCtx := tracing.NewConnectionContext(context.Background(), r.Header.Get("X-Trace-Id"))
	ctx, cancel := context.WithCancel(connCtx)
	session, err := s.registry.CreateOrRestore(ctx, wsc, candidateID)
	if err != nil {
		s.logger.Error().Err(err).Str("connId", connID).Msg("Failed to create session")
		cancel()
		conn.Close()
		return
	}

	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("connId", connID).Logger()
	logger.Info().
		Str("sessionId", session.ID()).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	session.Start(ctx)

	s.connWG.Add(1)
	go func() {
		defer s.connWG.Done()
		defer cancel()
		s.readLoop(ctx, logger, wsc, session)
	}()
}

// newConnectionID mints a short id identifying one WebSocket connection
// in logs. Session ids can repeat across reconnects; connection ids
// never do.
func newConnectionID() string {
	id, err := gonanoid.New()
	if err != nil {
		return "conn_fallback"
	}
	return "conn_" + id
}

// readLoop pumps client frames into the session until the connection
// drops. Malformed frames get an error message back but do not kill
// the connection.
func (s *Server) readLoop(ctx context.Context, logger zerolog.Logger, wsc *wsConn, session *orchestrator.Session) {
	defer func() {
		wsc.Close()
		session.Close()
		logger.Info().Str("sessionId", session.ID()).Msg("Client disconnected")
	}()

	for {
		_, raw, err := wsc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Error().Err(err).Str("sessionId", session.ID()).Msg("WebSocket error")
			}
			return
		}

		msg, err := protocol.ParseClientMessage(raw)
		if err != nil {
			logger.Warn().Err(err).Msg("Rejected malformed client message")
			_ = wsc.Send(protocol.NewMessage(protocol.TypeError, protocol.ErrorPayload{
				Message: fmt.Sprintf("invalid message: %v", err),
			}))
			continue
		}

		session.HandleMessage(ctx, msg)
	}
}
