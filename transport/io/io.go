// Package io appends fired events to a newline-delimited JSON file. Each
// line is one transport.JournalEntry.
package io

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/rfbridge/internal/runtime/jsoncodec"
	"github.com/drblury/rfbridge/transport"
)

const TransportName = "io"

// DefaultFilePath is used when no journal file is configured.
const DefaultFilePath = "rfbridge_events.ndjson"

// maxLine bounds a single journal line when reading back.
const maxLine = 4 << 20

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("io: journal is closed")

// OpenFile allows overriding how the journal file is opened for testing.
var OpenFile = func(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
}

// Register registers the I/O transport with the default registry.
// Importing transport/transports calls it.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.IOCapabilities)
}

// Build opens the journal named by JournalFile.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	path := cfg.GetJournalFile()
	if path == "" {
		path = DefaultFilePath
	}
	j, err := Open(path, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: j}, nil
}

func Capabilities() transport.Capabilities {
	return transport.IOCapabilities
}

// Journal is a publish-only watermill Publisher writing to one file.
type Journal struct {
	path   string
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	file   *os.File
	closed bool
}

var (
	_ message.Publisher       = (*Journal)(nil)
	_ transport.JournalReader = (*Journal)(nil)
)

// Open opens path for appending, creating it when missing.
func Open(path string, logger watermill.LoggerAdapter) (*Journal, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	f, err := OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("io: open %s: %w", path, err)
	}
	return &Journal{path: path, logger: logger, file: f}, nil
}

// Publish encodes every message first and writes the batch with a single
// write call, so a failed encode leaves the file untouched.
func (j *Journal) Publish(topic string, messages ...*message.Message) error {
	var buf bytes.Buffer
	for _, msg := range messages {
		entry := transport.JournalEntry{
			UUID:     msg.UUID,
			Topic:    topic,
			Payload:  msg.Payload,
			Metadata: msg.Metadata,
		}
		if err := jsoncodec.Encode(&buf, entry); err != nil {
			return fmt.Errorf("io: encode %s: %w", msg.UUID, err)
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if buf.Len() == 0 {
		return nil
	}
	if _, err := j.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("io: write %s: %w", j.path, err)
	}
	return nil
}

// ReadJournal scans the file for entries of topic, oldest first. A
// non-positive limit returns every entry. Malformed lines are logged and
// skipped.
func (j *Journal) ReadJournal(ctx context.Context, topic string, limit int) ([]transport.JournalEntry, error) {
	j.mu.Lock()
	closed := j.closed
	j.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	f, err := os.Open(j.path)
	if err != nil {
		return nil, fmt.Errorf("io: open %s: %w", j.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	var entries []transport.JournalEntry
	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var entry transport.JournalEntry
		if err := jsoncodec.Unmarshal(scanner.Bytes(), &entry); err != nil {
			j.logger.Error("Skipping malformed journal line", err, watermill.LogFields{"file": j.path, "line": line})
			continue
		}
		if entry.Topic != topic {
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) == limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("io: read %s: %w", j.path, err)
	}
	return entries, nil
}

// Close syncs and closes the file. It is safe to call more than once.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	syncErr := j.file.Sync()
	if err := j.file.Close(); err != nil {
		return err
	}
	return syncErr
}
