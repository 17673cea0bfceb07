package streaming

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/redis-field-engineering/redis-sre-agent/internal/keys"
	"github.com/redis-field-engineering/redis-sre-agent/internal/metrics"
)

// Publisher appends typed events to per-task streams. The stream
// expires with the task.
type Publisher struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

func NewPublisher(client *redis.Client, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, logger: logger, ttl: keys.TTLSeconds * time.Second}
}

// Publish validates and appends one event. The message, when present,
// travels as an extra so the top-level shape stays fixed.
func (p *Publisher) Publish(ctx context.Context, taskID, threadID, updateType, message string, extras map[string]interface{}) error {
	if updateType == "" {
		return fmt.Errorf("publish event: update_type is required")
	}
	merged := make(map[string]interface{}, len(extras)+1)
	for k, v := range extras {
		merged[k] = v
	}
	if message != "" {
		merged["message"] = message
	}

	fields, err := NewEvent(threadID, updateType, merged).Fields()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	stream := keys.TaskStream(taskID)
	pipe := p.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: fields})
	pipe.Expire(ctx, stream, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	metrics.StreamEventsPublished.Inc()
	return nil
}
