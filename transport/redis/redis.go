// Package redis appends fired events to a Redis stream named after the
// topic. A Publish call is wrapped in MULTI/EXEC so a transacted unit lands
// in the stream as one contiguous block.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	goredis "github.com/redis/go-redis/v9"

	"github.com/drblury/rfbridge/internal/runtime/jsoncodec"
	"github.com/drblury/rfbridge/transport"
)

const TransportName = "redis"

// Stream entry field names.
const (
	FieldUUID     = "uuid"
	FieldHandle   = "handle"
	FieldPayload  = "payload"
	FieldMetadata = "metadata"
)

// PingTimeout bounds the connection check done by Build.
var PingTimeout = 5 * time.Second

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("redis: journal is closed")

// ClientFactory allows overriding client creation for testing.
var ClientFactory = func(opts *goredis.Options) *goredis.Client {
	return goredis.NewClient(opts)
}

func init() {
	Register()
}

// Register adds the redis transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RedisCapabilities)
}

// Build connects to RedisAddr and checks the connection with PING.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	addr := cfg.GetRedisAddr()
	if addr == "" {
		return transport.Transport{}, errors.New("redis: address is required")
	}
	s, err := New(ctx, Options(cfg), logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: s}, nil
}

// Capabilities reports stream durability and ordering per dialog.
func Capabilities() transport.Capabilities {
	return transport.RedisCapabilities
}

// Options maps the transport config onto client options.
func Options(cfg transport.Config) *goredis.Options {
	return &goredis.Options{
		Addr:         cfg.GetRedisAddr(),
		Password:     cfg.GetRedisPassword(),
		DB:           cfg.GetRedisDB(),
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Stream publishes messages with XADD.
type Stream struct {
	client *goredis.Client
	logger watermill.LoggerAdapter

	mu     sync.RWMutex
	closed bool
}

var (
	_ message.Publisher       = (*Stream)(nil)
	_ transport.JournalReader = (*Stream)(nil)
)

// New creates the client and pings the server.
func New(ctx context.Context, opts *goredis.Options, logger watermill.LoggerAdapter) (*Stream, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	client := ClientFactory(opts)

	pingCtx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: connect %s: %w", opts.Addr, err)
	}

	logger.Info("Connected to Redis", watermill.LogFields{"addr": opts.Addr, "db": opts.DB})
	return &Stream{client: client, logger: logger}, nil
}

// Publish appends messages to the stream named topic in one MULTI/EXEC block.
func (s *Stream) Publish(topic string, messages ...*message.Message) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if len(messages) == 0 {
		return nil
	}

	values := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		metadata, err := jsoncodec.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("redis: encode metadata %s: %w", msg.UUID, err)
		}
		values = append(values, map[string]any{
			FieldUUID:     msg.UUID,
			FieldHandle:   msg.Metadata.Get(transport.HandleMetadata),
			FieldPayload:  string(msg.Payload),
			FieldMetadata: string(metadata),
		})
	}

	ctx := messages[0].Context()
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, v := range values {
			pipe.XAdd(ctx, &goredis.XAddArgs{Stream: topic, Values: v})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: xadd %s: %w", topic, err)
	}
	return nil
}

// ReadJournal reads the stream named topic with XRANGE, oldest first. A
// non-positive limit returns every entry.
func (s *Stream) ReadJournal(ctx context.Context, topic string, limit int) ([]transport.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var (
		msgs []goredis.XMessage
		err  error
	)
	if limit > 0 {
		msgs, err = s.client.XRangeN(ctx, topic, "-", "+", int64(limit)).Result()
	} else {
		msgs, err = s.client.XRange(ctx, topic, "-", "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("redis: xrange %s: %w", topic, err)
	}

	entries := make([]transport.JournalEntry, 0, len(msgs))
	for _, m := range msgs {
		entry := transport.JournalEntry{
			UUID:    stringField(m.Values, FieldUUID),
			Topic:   topic,
			Payload: []byte(stringField(m.Values, FieldPayload)),
		}
		if raw := stringField(m.Values, FieldMetadata); raw != "" {
			if err := jsoncodec.Unmarshal([]byte(raw), &entry.Metadata); err != nil {
				s.logger.Error("Skipping malformed metadata", err, watermill.LogFields{"stream": topic, "id": m.ID})
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Len returns the number of entries in the stream named topic.
func (s *Stream) Len(ctx context.Context, topic string) (int64, error) {
	return s.client.XLen(ctx, topic).Result()
}

// Close closes the client. It is safe to call more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

func stringField(values map[string]any, key string) string {
	v, ok := values[key]
	if !ok {
		return ""
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}
