package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/redis-field-engineering/redis-sre-agent/internal/metrics"
)

// OpenAIProvider implements Provider on the OpenAI chat/embeddings API.
// A token-bucket limiter smooths request bursts across concurrent
// workers sharing one client.
type OpenAIProvider struct {
	client  *openai.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewOpenAI builds a provider from the API key and optional base URL
// (for compatible endpoints).
func NewOpenAI(apiKey, baseURL string, logger *zap.Logger) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client:  openai.NewClientWithConfig(cfg),
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		logger:  logger,
	}
}

// Chat performs one chat completion, translating between the provider
// contract and the OpenAI wire types.
func (p *OpenAIProvider) Chat(ctx context.Context, req Request) (Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return Response{}, err
	}

	oreq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, t := range req.Tools {
		oreq.Tools = append(oreq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if req.JSONMode {
		oreq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, oreq)
	if err != nil {
		metrics.LLMRequests.WithLabelValues(req.Model, "error").Inc()
		return Response{}, err
	}
	metrics.LLMRequests.WithLabelValues(req.Model, "ok").Inc()
	if len(resp.Choices) == 0 {
		return Response{}, errors.New("llm: empty choices in response")
	}
	return Response{Message: fromOpenAIMessage(resp.Choices[0].Message)}, nil
}

// Embed returns one vector per input text.
func (p *OpenAIProvider) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		metrics.LLMRequests.WithLabelValues(model, "error").Inc()
		return nil, fmt.Errorf("llm: embeddings: %w", err)
	}
	metrics.LLMRequests.WithLabelValues(model, "ok").Inc()
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func fromOpenAIMessage(m openai.ChatCompletionMessage) Message {
	msg := Message{
		Role:       m.Role,
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return msg
}
