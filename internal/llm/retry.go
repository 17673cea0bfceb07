package llm

import (
	"context"
	"errors"
	"net"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/redis-field-engineering/redis-sre-agent/internal/metrics"
)

const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = 500 * time.Millisecond
)

// ChatWithRetry wraps Provider.Chat with bounded exponential backoff
// for transient failures (rate limits, 5xx, network hiccups).
// Structural failures return immediately.
func ChatWithRetry(ctx context.Context, p Provider, req Request, logger *zap.Logger) (Response, error) {
	var lastErr error
	delay := defaultInitialDelay

	for attempt := 1; attempt <= defaultMaxAttempts; attempt++ {
		resp, err := p.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isTransient(err) {
			return Response{}, err
		}
		if attempt == defaultMaxAttempts {
			break
		}
		metrics.LLMRetries.WithLabelValues(req.Model).Inc()
		logger.Warn("Transient LLM failure, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return Response{}, lastErr
}

func isTransient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
