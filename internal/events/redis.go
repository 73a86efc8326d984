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

// DefaultStream is the Redis stream events are mirrored to.
const DefaultStream = "constellation:events"

// RedisMirror copies bus events into a Redis stream so other processes can
// follow an orchestration.
type RedisMirror struct {
	rdb    *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewRedisMirror connects to Redis and verifies the connection.
func NewRedisMirror(ctx context.Context, redisURL, stream string, logger *zap.Logger) (*RedisMirror, error) {
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
	return &RedisMirror{rdb: rdb, stream: stream, maxLen: 10000, logger: logger}, nil
}

// Write appends one event to the stream.
func (m *RedisMirror) Write(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	err = m.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: m.stream,
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type": string(ev.Type),
			"data": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", m.stream, err)
	}
	return nil
}

// Run drains events into the stream until ctx is done or events closes.
// Write failures are logged and skipped.
func (m *RedisMirror) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := m.Write(ctx, ev); err != nil {
				m.logger.Warn("mirror event", zap.String("type", string(ev.Type)), zap.Error(err))
			}
		}
	}
}

// Tail follows the stream starting after lastID ("$" for new entries only,
// "0" for the whole history). Cancel ctx to stop.
func (m *RedisMirror) Tail(ctx context.Context, lastID string) <-chan Event {
	ch := make(chan Event, 16)
	if lastID == "" {
		lastID = "$"
	}

	go func() {
		defer close(ch)
		for {
			if ctx.Err() != nil {
				return
			}
			results, err := m.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{m.stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					m.logger.Debug("tail read", zap.Error(err))
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev Event
					if json.Unmarshal([]byte(data), &ev) != nil {
						continue
					}
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

// Close shuts down the Redis connection.
func (m *RedisMirror) Close() error {
	return m.rdb.Close()
}
