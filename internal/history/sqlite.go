package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/omochice/toy-relay-chat/pkg/protocol"
)

// SQLiteStore keeps entries in a SQLite database so history survives
// restarts. Records are stored in their wire form.
type SQLiteStore struct {
	db     *sql.DB
	limit  int
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at dsn. A plain file
// path has its directory created first.
func NewSQLiteStore(dsn string, limit int, logger *slog.Logger) (*SQLiteStore, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// ":memory:" databases exist per connection.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, limit: limit, logger: logger}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// migrate ensures the database schema is up to date
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		received_at INTEGER NOT NULL,
		record TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_received_at ON messages(received_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create messages table: %w", err)
	}
	return nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, e Entry) error {
	record, err := protocol.Encode(e.Message)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (received_at, record) VALUES (?, ?)`,
		e.ReceivedAt.UnixNano(), string(record)); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE id NOT IN (SELECT id FROM messages ORDER BY id DESC LIMIT ?)`,
		s.limit); err != nil {
		return fmt.Errorf("failed to trim messages: %w", err)
	}
	return tx.Commit()
}

// Fetch implements Store.
// Rows that no longer decode are logged and skipped.
func (s *SQLiteStore) Fetch(ctx context.Context, before time.Time) ([]protocol.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, record FROM (
			SELECT id, record FROM messages
			WHERE received_at < ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC`,
		before.UnixNano(), s.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []protocol.Message
	for rows.Next() {
		var (
			id     int64
			record string
		)
		if err := rows.Scan(&id, &record); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg, err := protocol.Decode([]byte(record))
		if err != nil {
			s.logger.Warn("skipping undecodable history record",
				slog.Int64("id", id),
				slog.String("error", err.Error()))
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
