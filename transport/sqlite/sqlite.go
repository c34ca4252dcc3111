// Package sqlite appends fired events to a SQLite journal table. A Publish
// call is one database transaction, so a transacted unit is stored
// completely or not at all.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/drblury/rfbridge/internal/runtime/jsoncodec"
	"github.com/drblury/rfbridge/transport"
)

// TransportName selects the embedded journal.
const TransportName = "sqlite"

// DefaultFilePath is used when no database file is configured.
const DefaultFilePath = "rfbridge_events.db"

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("sqlite: journal is closed")

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT NOT NULL UNIQUE,
	topic TEXT NOT NULL,
	handle TEXT NOT NULL DEFAULT '',
	payload BLOB NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_events_topic ON events(topic, id);
CREATE INDEX IF NOT EXISTS idx_events_handle ON events(handle);
`

func init() {
	Register()
}

// Register adds the sqlite transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQLiteCapabilities)
}

// Build opens the journal named by SQLiteFile.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	j, err := New(ctx, Config{FilePath: cfg.GetSQLiteFile()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: j}, nil
}

// Capabilities describes a durable, publish only journal.
func Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the path to the SQLite database file.
	// Use ":memory:" for an in-memory database (useful for testing).
	FilePath string
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = DefaultFilePath
	}
	return c
}

// dsn enables WAL and a busy timeout for file databases.
func (c Config) dsn() string {
	if c.FilePath == ":memory:" || strings.HasPrefix(c.FilePath, "file:") {
		return c.FilePath
	}
	return c.FilePath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

// Journal is a publish-only watermill Publisher backed by SQLite.
type Journal struct {
	db     *sql.DB
	logger watermill.LoggerAdapter

	mu     sync.RWMutex
	closed bool
}

var (
	_ message.Publisher       = (*Journal)(nil)
	_ transport.JournalReader = (*Journal)(nil)
)

// New opens the database and creates the schema.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Journal, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := sql.Open("sqlite", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", cfg.FilePath, err)
	}
	// one connection keeps ":memory:" a single database and serializes writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}

	logger.Debug("SQLite journal opened", watermill.LogFields{"file": cfg.FilePath})
	return &Journal{db: db, logger: logger}, nil
}

// Publish inserts messages in one transaction. A UUID that is already
// stored is skipped, which makes a retried publish idempotent.
func (j *Journal) Publish(topic string, messages ...*message.Message) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}
	if len(messages) == 0 {
		return nil
	}

	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			j.logger.Error("SQLite rollback failed", err, nil)
		}
	}()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO events (uuid, topic, handle, payload, metadata) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare: %w", err)
	}
	defer stmt.Close()

	for _, msg := range messages {
		metadata, err := jsoncodec.MarshalString(msg.Metadata)
		if err != nil {
			return fmt.Errorf("sqlite: metadata of %s: %w", msg.UUID, err)
		}
		payload := msg.Payload
		if payload == nil {
			payload = []byte{}
		}
		if _, err := stmt.Exec(msg.UUID, topic, msg.Metadata.Get(transport.HandleMetadata), payload, metadata); err != nil {
			return fmt.Errorf("sqlite: insert %s: %w", msg.UUID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// ReadJournal returns up to limit events of topic, oldest first. A
// non-positive limit returns every event.
func (j *Journal) ReadJournal(ctx context.Context, topic string, limit int) ([]transport.JournalEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := j.db.QueryContext(ctx, `SELECT uuid, topic, payload, metadata FROM events WHERE topic = ? ORDER BY id LIMIT ?`, topic, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query: %w", err)
	}
	defer rows.Close()

	var entries []transport.JournalEntry
	for rows.Next() {
		var (
			entry    transport.JournalEntry
			metadata string
		)
		if err := rows.Scan(&entry.UUID, &entry.Topic, &entry.Payload, &metadata); err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		if err := jsoncodec.Unmarshal([]byte(metadata), &entry.Metadata); err != nil {
			return nil, fmt.Errorf("sqlite: metadata of %s: %w", entry.UUID, err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// CountByHandle returns how many events were stored for one activity.
func (j *Journal) CountByHandle(ctx context.Context, handle string) (int64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return 0, ErrClosed
	}
	var n int64
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE handle = ?`, handle).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count: %w", err)
	}
	return n, nil
}

// Close closes the database. It is safe to call more than once.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}
