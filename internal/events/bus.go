// Package events publishes the install audit trail (proposals, user
// verdicts, install outcomes) to a Redis stream.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Type names an audited step of the install flow.
type Type string

const (
	TypeDiscovered Type = "discovered"
	TypeProposed   Type = "proposed"
	TypeVerdict    Type = "verdict"
	TypeRefused    Type = "refused"
	TypeInstalled  Type = "installed"
	TypeFailed     Type = "install_failed"
)

// DefaultStream is the stream key used when none is configured.
const DefaultStream = "collator:installs"

// Event is one audit record.
type Event struct {
	ID        string    `json:"id,omitempty"`
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	Source    string    `json:"source,omitempty"`
	Skill     string    `json:"skill,omitempty"`
	Verdict   string    `json:"verdict,omitempty"`
	Success   bool      `json:"success,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher accepts audit events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Bus is a Publisher backed by Redis Streams.
type Bus struct {
	rdb    *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewBus connects to redisURL and verifies the connection.
func NewBus(ctx context.Context, redisURL, stream string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if stream == "" {
		stream = DefaultStream
	}
	return &Bus{rdb: rdb, stream: stream, maxLen: 10000, logger: logger}, nil
}

// Publish appends ev to the stream, trimming it to roughly maxLen entries.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":    string(ev.Type),
			"session": ev.SessionID,
			"data":    string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", b.stream, err)
	}

	b.logger.Debug("published audit event",
		zap.String("type", string(ev.Type)),
		zap.String("session", ev.SessionID),
		zap.String("skill", ev.Skill))
	return nil
}

// Recent returns up to count of the newest events, newest first.
func (b *Bus) Recent(ctx context.Context, count int64) ([]Event, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, b.stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", b.stream, err)
	}
	return decode(msgs), nil
}

// Subscribe streams events published after the call. The channel closes
// when ctx is done.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			if ctx.Err() != nil {
				return
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{b.stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					b.logger.Warn("audit stream read failed", zap.Error(err))
				}
				continue
			}

			for _, r := range results {
				if len(r.Messages) > 0 {
					lastID = r.Messages[len(r.Messages)-1].ID
				}
				for _, ev := range decode(r.Messages) {
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Ping checks the Redis connection.
func (b *Bus) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

func decode(msgs []redis.XMessage) []Event {
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var ev Event
		if json.Unmarshal([]byte(data), &ev) == nil {
			ev.ID = msg.ID
			out = append(out, ev)
		}
	}
	return out
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }
