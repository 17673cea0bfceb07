// Package qa records completed question/answer pairs with their
// citations for later retrieval and feedback. Vectors are filled in by
// a deferred background job so recording never blocks on the embedding
// provider.
package qa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/redis-field-engineering/redis-sre-agent/internal/keys"
	"github.com/redis-field-engineering/redis-sre-agent/internal/knowledge"
	"github.com/redis-field-engineering/redis-sre-agent/internal/metrics"
)

// ErrRecordNotFound is returned when a Q&A record doesn't exist.
var ErrRecordNotFound = errors.New("qa record not found")

// Feedback is the user's verdict on an answer.
type Feedback struct {
	Accepted     *bool     `json:"accepted,omitempty"`
	FeedbackText string    `json:"feedback_text,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Record is one stored Q&A pair.
type Record struct {
	ID        string               `json:"id"`
	Question  string               `json:"question"`
	Answer    string               `json:"answer"`
	Citations []knowledge.Citation `json:"citations,omitempty"`
	Feedback  *Feedback            `json:"feedback,omitempty"`
	UserID    string               `json:"user_id,omitempty"`
	ThreadID  string               `json:"thread_id,omitempty"`
	TaskID    string               `json:"task_id,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`

	// HasVectors reports whether the deferred embed job has run.
	HasVectors bool `json:"has_vectors,omitempty"`
}

// Recorder writes Q&A hashes and their membership sets.
type Recorder struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRecorder(client *redis.Client, logger *zap.Logger) *Recorder {
	return &Recorder{client: client, logger: logger}
}

// Record stores the pair, indexes it under thread, user, and task, and
// queues the deferred embedding job.
func (r *Recorder) Record(ctx context.Context, question, answer string, citations []knowledge.Citation, userID, threadID, taskID string) (string, error) {
	qaID := keys.NewID()
	now := time.Now().UTC()

	citationsJSON, err := json.Marshal(citations)
	if err != nil {
		return "", fmt.Errorf("marshal citations: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, keys.QADoc(qaID), map[string]interface{}{
		"question":   question,
		"answer":     answer,
		"citations":  string(citationsJSON),
		"user_id":    userID,
		"thread_id":  threadID,
		"task_id":    taskID,
		"created_at": now.Format(time.RFC3339Nano),
		"updated_at": now.Format(time.RFC3339Nano),
	})
	if threadID != "" {
		pipe.SAdd(ctx, keys.ThreadQA(threadID), qaID)
	}
	if userID != "" {
		pipe.SAdd(ctx, keys.UserQA(userID), qaID)
	}
	if taskID != "" {
		pipe.SAdd(ctx, keys.TaskQA(taskID), qaID)
	}
	pipe.LPush(ctx, keys.QAEmbedQueue, qaID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("record qa: %w", err)
	}

	metrics.QARecorded.Inc()
	r.logger.Info("Recorded Q&A",
		zap.String("qa_id", qaID),
		zap.String("thread_id", threadID),
		zap.Int("citations", len(citations)),
	)
	return qaID, nil
}

// Get loads one record. Vector bytes stay in Redis; only their
// presence is reported.
func (r *Recorder) Get(ctx context.Context, qaID string) (*Record, error) {
	fields, err := r.client.HGetAll(ctx, keys.QADoc(qaID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get qa record: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrRecordNotFound
	}

	rec := &Record{
		ID:         qaID,
		Question:   fields["question"],
		Answer:     fields["answer"],
		UserID:     fields["user_id"],
		ThreadID:   fields["thread_id"],
		TaskID:     fields["task_id"],
		HasVectors: fields["question_vector"] != "" && fields["answer_vector"] != "",
	}
	if t, perr := time.Parse(time.RFC3339Nano, fields["created_at"]); perr == nil {
		rec.CreatedAt = t
	}
	if t, perr := time.Parse(time.RFC3339Nano, fields["updated_at"]); perr == nil {
		rec.UpdatedAt = t
	}
	if raw := fields["citations"]; raw != "" {
		if uerr := json.Unmarshal([]byte(raw), &rec.Citations); uerr != nil {
			r.logger.Warn("Undecodable citations on qa record",
				zap.String("qa_id", qaID), zap.Error(uerr))
		}
	}
	if raw := fields["feedback"]; raw != "" {
		var fb Feedback
		if uerr := json.Unmarshal([]byte(raw), &fb); uerr == nil {
			rec.Feedback = &fb
		}
	}
	return rec, nil
}

// SetFeedback attaches the user verdict to a record.
func (r *Recorder) SetFeedback(ctx context.Context, qaID string, accepted *bool, text string) error {
	exists, err := r.client.Exists(ctx, keys.QADoc(qaID)).Result()
	if err != nil {
		return fmt.Errorf("set qa feedback: %w", err)
	}
	if exists == 0 {
		return ErrRecordNotFound
	}

	blob, err := json.Marshal(Feedback{
		Accepted:     accepted,
		FeedbackText: text,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal qa feedback: %w", err)
	}
	err = r.client.HSet(ctx, keys.QADoc(qaID),
		"feedback", blob,
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("set qa feedback: %w", err)
	}
	return nil
}

// ListByThread returns the Q&A ids recorded for a thread.
func (r *Recorder) ListByThread(ctx context.Context, threadID string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, keys.ThreadQA(threadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list thread qa: %w", err)
	}
	return ids, nil
}

// ListByUser returns the Q&A ids recorded for a user.
func (r *Recorder) ListByUser(ctx context.Context, userID string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, keys.UserQA(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list user qa: %w", err)
	}
	return ids, nil
}
