package llm

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedProvider returns queued responses/errors in order.
type scriptedProvider struct {
	calls     int
	responses []Response
	errs      []error
}

func (s *scriptedProvider) Chat(ctx context.Context, req Request) (Response, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return Response{}, s.errs[i]
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return Response{}, errors.New("script exhausted")
}

func (s *scriptedProvider) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	return nil, nil
}

func TestChatWithRetryRecoversFromRateLimit(t *testing.T) {
	p := &scriptedProvider{
		errs:      []error{&openai.APIError{HTTPStatusCode: 429}, nil},
		responses: []Response{{}, {Message: Message{Role: RoleAssistant, Content: "ok"}}},
	}
	resp, err := ChatWithRetry(context.Background(), p, Request{Model: "m"}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Message.Content)
	assert.Equal(t, 2, p.calls)
}

func TestChatWithRetryStopsOnStructuralError(t *testing.T) {
	structural := &openai.APIError{HTTPStatusCode: 400}
	p := &scriptedProvider{errs: []error{structural}}
	_, err := ChatWithRetry(context.Background(), p, Request{Model: "m"}, zap.NewNop())
	assert.ErrorIs(t, err, structural)
	assert.Equal(t, 1, p.calls)
}

func TestChatWithRetryBounded(t *testing.T) {
	rateLimited := &openai.APIError{HTTPStatusCode: 503}
	p := &scriptedProvider{errs: []error{rateLimited, rateLimited, rateLimited, rateLimited}}
	_, err := ChatWithRetry(context.Background(), p, Request{Model: "m"}, zap.NewNop())
	assert.Error(t, err)
	assert.Equal(t, defaultMaxAttempts, p.calls)
}
