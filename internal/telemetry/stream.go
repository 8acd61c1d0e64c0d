// Package telemetry forwards bus events to external systems: a Redis stream,
// NATS subjects and chat alerts.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nidhogg/nuka-swarm/internal/apperr"
	"github.com/nidhogg/nuka-swarm/internal/bus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StreamSink appends every event to a capped Redis stream.
type StreamSink struct {
	rdb    *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewStreamSink connects to Redis and verifies the connection.
func NewStreamSink(ctx context.Context, redisURL, stream string, maxLen int64, logger *zap.Logger) (*StreamSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("Redis event stream connected", zap.String("stream", stream))
	return &StreamSink{rdb: rdb, stream: stream, maxLen: maxLen, logger: logger}, nil
}

// Handle is a bus.Handler. Errors are transient so the bus redelivers.
func (s *StreamSink) Handle(ctx context.Context, ev bus.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		s.logger.Warn("event data not encodable, dropping",
			zap.String("type", ev.Type), zap.Error(err))
		return nil
	}
	err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"kind":      string(ev.Kind),
			"entity_id": ev.EntityID,
			"type":      ev.Type,
			"seq":       strconv.FormatUint(ev.Seq, 10),
			"timestamp": ev.Time.UnixMilli(),
			"data":      string(data),
		},
	}).Err()
	if err != nil {
		return apperr.Transient(fmt.Errorf("xadd %s: %w", s.stream, err))
	}
	return nil
}

// Close shuts down the Redis connection.
func (s *StreamSink) Close() error {
	return s.rdb.Close()
}
