package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	TypeStockDetected = "STOCK_DETECTED"
	TypeCartOutcome   = "CART_OUTCOME"

	DefaultStream = "stream:gpu_drops"
)

// RedisClient is the subset of the redis client the publisher needs.
type RedisClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// Publisher appends agent events to a redis stream. A nil *Publisher is a
// no-op so the agent runs unchanged without redis.
type Publisher struct {
	redis  RedisClient
	stream string
	logger *slog.Logger
	now    func() time.Time
}

func NewPublisher(client RedisClient, stream string, logger *slog.Logger) *Publisher {
	if stream == "" {
		stream = DefaultStream
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		redis:  client,
		stream: stream,
		logger: logger.With("component", "events"),
		now:    time.Now,
	}
}

// Publish writes one event. aggregateID is the GPU model or product the event
// is about.
func (p *Publisher) Publish(ctx context.Context, eventType, aggregateID string, payload any) error {
	if p == nil {
		return nil
	}

	id := uuid.New()
	created := p.now().UTC()

	data, err := json.Marshal(map[string]any{
		"id":           id.String(),
		"type":         eventType,
		"aggregate_id": aggregateID,
		"timestamp":    created.Format(time.RFC3339),
		"payload":      payload,
		"metadata": map[string]any{
			"source": "gpu-agent",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"data":         string(data),
			"event_type":   eventType,
			"aggregate_id": aggregateID,
			"original_id":  id.String(),
			"timestamp":    fmt.Sprintf("%d", created.UnixNano()),
		},
	}

	streamID, err := p.redis.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}

	p.logger.Debug("event published", "event_type", eventType, "aggregate_id", aggregateID, "stream_id", streamID)
	return nil
}

func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.redis.Close()
}
