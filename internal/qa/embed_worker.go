package qa

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/redis-field-engineering/redis-sre-agent/internal/keys"
	"github.com/redis-field-engineering/redis-sre-agent/internal/knowledge"
	"github.com/redis-field-engineering/redis-sre-agent/internal/llm"
	"github.com/redis-field-engineering/redis-sre-agent/internal/metrics"
)

// EmbedWorker drains the deferred-embedding queue: for each job it
// loads the record, embeds question and answer, and updates only the
// vector fields. Embedding failure never touches the primary record;
// the job is simply consumed and logged.
type EmbedWorker struct {
	client         *redis.Client
	provider       llm.Provider
	embeddingModel string
	logger         *zap.Logger
}

func NewEmbedWorker(client *redis.Client, provider llm.Provider, embeddingModel string, logger *zap.Logger) *EmbedWorker {
	return &EmbedWorker{
		client:         client,
		provider:       provider,
		embeddingModel: embeddingModel,
		logger:         logger,
	}
}

// Run blocks on the queue until ctx is cancelled.
func (w *EmbedWorker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := w.client.BRPop(ctx, 2*time.Second, keys.QAEmbedQueue).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("Embed queue pop failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(res) < 2 {
			continue
		}
		if err := w.ProcessOne(ctx, res[1]); err != nil {
			w.logger.Warn("Embed job failed",
				zap.String("qa_id", res[1]), zap.Error(err))
		}
	}
}

// ProcessOne embeds one record's question and answer and writes the
// vector fields as raw float32 bytes.
func (w *EmbedWorker) ProcessOne(ctx context.Context, qaID string) error {
	fields, err := w.client.HMGet(ctx, keys.QADoc(qaID), "question", "answer").Result()
	if err != nil {
		metrics.QAEmbedJobs.WithLabelValues("error").Inc()
		return fmt.Errorf("load qa record: %w", err)
	}
	question, _ := fields[0].(string)
	answer, _ := fields[1].(string)
	if question == "" && answer == "" {
		metrics.QAEmbedJobs.WithLabelValues("skipped").Inc()
		return fmt.Errorf("qa record %s missing or empty", qaID)
	}

	vecs, err := w.provider.Embed(ctx, w.embeddingModel, []string{question, answer})
	if err != nil {
		metrics.QAEmbedJobs.WithLabelValues("error").Inc()
		return fmt.Errorf("embed qa record: %w", err)
	}
	if len(vecs) != 2 {
		metrics.QAEmbedJobs.WithLabelValues("error").Inc()
		return fmt.Errorf("embed qa record: expected 2 vectors, got %d", len(vecs))
	}

	err = w.client.HSet(ctx, keys.QADoc(qaID),
		"question_vector", string(knowledge.VectorBytes(vecs[0])),
		"answer_vector", string(knowledge.VectorBytes(vecs[1])),
	).Err()
	if err != nil {
		metrics.QAEmbedJobs.WithLabelValues("error").Inc()
		return fmt.Errorf("write qa vectors: %w", err)
	}
	metrics.QAEmbedJobs.WithLabelValues("ok").Inc()
	return nil
}
