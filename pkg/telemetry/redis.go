package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/unibuild/unibuild/pkg/engine"
)

// streamWriter is the part of the Redis client the sink uses.
type streamWriter interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisSink appends events to a Redis stream so external consumers can
// follow builds and deployments.
type RedisSink struct {
	client  streamWriter
	stream  string
	maxLen  int64
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRedisSink creates a sink writing to stream through client.
func NewRedisSink(client redis.Cmdable, stream string, maxLen int64, logger zerolog.Logger) *RedisSink {
	return &RedisSink{
		client:  client,
		stream:  stream,
		maxLen:  maxLen,
		timeout: 2 * time.Second,
		logger:  logger.With().Str("component", "redis-sink").Logger(),
	}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Handle writes one event. Errors are logged; the stream is best effort.
func (s *RedisSink) Handle(ev engine.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn().Err(err).Str("type", string(ev.Type)).Msg("Failed to encode event")
		return
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"id":      ev.ID,
			"type":    string(ev.Type),
			"run_id":  ev.RunID,
			"payload": string(payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		s.logger.Warn().Err(err).Str("stream", s.stream).Msg("Failed to append event")
	}
}
