package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/harun/loom/internal/observability"
	"github.com/harun/loom/pkg/protocol"
)

// SQLiteStore implements Store on a local SQLite database. Expiry is
// enforced lazily on every read and swept periodically (see Sweeper).
type SQLiteStore struct {
	db     *sql.DB
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

// Config holds SQLite store configuration.
type Config struct {
	DBPath string
	TTL    time.Duration
	Logger zerolog.Logger
}

// NewSQLiteStore opens (creating if needed) the session database.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("session TTL must be positive")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		ttl:    cfg.TTL,
		logger: cfg.Logger.With().Str("component", "store").Logger(),
		now:    time.Now,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", cfg.DBPath).Dur("ttl", cfg.TTL).Msg("Session store initialized")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS session_meta (
			session_id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			last_active INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_meta_expires ON session_meta(expires_at);

		CREATE TABLE IF NOT EXISTS session_messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			type TEXT NOT NULL,
			data TEXT NOT NULL,
			ts INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON session_messages(session_id, seq);
		CREATE INDEX IF NOT EXISTS idx_messages_expires ON session_messages(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AppendMessage appends one log entry and refreshes the session's TTL.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, entry protocol.LogEntry) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}

	start := time.Now()
	defer func() {
		observability.RecordStoreAppend(time.Since(start))
	}()

	now := s.now()
	expiresAt := now.Add(s.ttl)
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = now
	}

	data := entry.Data
	if len(data) == 0 {
		data = []byte("{}")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_messages (session_id, type, data, ts, expires_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, string(entry.Type), string(data), ts.UnixMilli(), expiresAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	// Refresh TTL on the whole session, messages included.
	if _, err := tx.ExecContext(ctx,
		`UPDATE session_meta SET last_active = ?, expires_at = ? WHERE session_id = ?`,
		now.UnixMilli(), expiresAt.UnixMilli(), sessionID,
	); err != nil {
		return fmt.Errorf("failed to refresh metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE session_messages SET expires_at = ? WHERE session_id = ?`,
		expiresAt.UnixMilli(), sessionID,
	); err != nil {
		return fmt.Errorf("failed to refresh message expiry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit append: %w", err)
	}

	s.logger.Debug().
		Str("sessionId", sessionID).
		Str("type", string(entry.Type)).
		Msg("Message appended")

	return nil
}

// ReadMessages returns the session's non-expired log in insertion order.
func (s *SQLiteStore) ReadMessages(ctx context.Context, sessionID string) ([]protocol.LogEntry, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT type, data, ts FROM session_messages
		 WHERE session_id = ? AND expires_at > ?
		 ORDER BY seq ASC`,
		sessionID, s.now().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	defer rows.Close()

	entries := []protocol.LogEntry{}
	for rows.Next() {
		var (
			msgType string
			data    string
			tsMs    int64
		)
		if err := rows.Scan(&msgType, &data, &tsMs); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		entries = append(entries, protocol.LogEntry{
			Type:      protocol.MessageType(msgType),
			Data:      []byte(data),
			Timestamp: time.UnixMilli(tsMs).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}

	return entries, nil
}

// WriteMetadata creates or refreshes the session's metadata record.
func (s *SQLiteStore) WriteMetadata(ctx context.Context, sessionID string, ttl time.Duration) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if ttl <= 0 {
		ttl = s.ttl
	}

	now := s.now()
	expiresAt := now.Add(ttl)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_meta (session_id, created_at, last_active, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET last_active = excluded.last_active, expires_at = excluded.expires_at`,
		sessionID, now.UnixMilli(), now.UnixMilli(), expiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// MetadataExists reports whether a non-expired metadata record exists.
func (s *SQLiteStore) MetadataExists(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, nil
	}

	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM session_meta WHERE session_id = ? AND expires_at > ?`,
		sessionID, s.now().UnixMilli(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check metadata: %w", err)
	}
	return true, nil
}

// Delete removes the session's metadata and message log.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_meta WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	s.logger.Info().Str("sessionId", sessionID).Msg("Session data deleted")
	return nil
}

// PurgeExpired hard-deletes all expired rows and returns the number of
// sessions removed.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int, error) {
	now := s.now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM session_meta WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_messages WHERE expires_at <= ?`, now); err != nil {
		return 0, fmt.Errorf("failed to purge messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}

	purged, _ := res.RowsAffected()
	if purged > 0 {
		s.logger.Info().Int64("sessions", purged).Msg("Expired sessions purged")
	}
	return int(purged), nil
}

// Metadata returns the session's metadata record, or nil if absent or
// expired.
func (s *SQLiteStore) Metadata(ctx context.Context, sessionID string) (*Metadata, error) {
	var (
		createdMs int64
		activeMs  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, last_active FROM session_meta WHERE session_id = ? AND expires_at > ?`,
		sessionID, s.now().UnixMilli(),
	).Scan(&createdMs, &activeMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	return &Metadata{
		SessionID:  sessionID,
		CreatedAt:  time.UnixMilli(createdMs).UTC(),
		LastActive: time.UnixMilli(activeMs).UTC(),
	}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
