package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisChecker probes the agent's backing Redis. It is critical: every
// store in the service lives there.
type RedisChecker struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisChecker(client *redis.Client, logger *zap.Logger) *RedisChecker {
	return &RedisChecker{client: client, logger: logger}
}

func (c *RedisChecker) Name() string           { return "redis" }
func (c *RedisChecker) IsCritical() bool       { return true }
func (c *RedisChecker) Timeout() time.Duration { return 5 * time.Second }

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "redis unreachable",
			Error:   err.Error(),
		}
	}

	result := CheckResult{Status: StatusHealthy, Message: "redis responding"}
	if info, err := c.client.Info(ctx, "clients").Result(); err == nil {
		result.Details = map[string]interface{}{
			"connected_clients": infoField(info, "connected_clients"),
		}
	}
	return result
}

// KnowledgeIndexChecker verifies the vector index exists. A missing
// index degrades retrieval but the agent still answers, so it is not
// critical.
type KnowledgeIndexChecker struct {
	client    *redis.Client
	indexName string
}

func NewKnowledgeIndexChecker(client *redis.Client, indexName string) *KnowledgeIndexChecker {
	return &KnowledgeIndexChecker{client: client, indexName: indexName}
}

func (c *KnowledgeIndexChecker) Name() string           { return "knowledge_index" }
func (c *KnowledgeIndexChecker) IsCritical() bool       { return false }
func (c *KnowledgeIndexChecker) Timeout() time.Duration { return 5 * time.Second }

func (c *KnowledgeIndexChecker) Check(ctx context.Context) CheckResult {
	if err := c.client.Do(ctx, "FT.INFO", c.indexName).Err(); err != nil {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("index %s not available", c.indexName),
			Error:   err.Error(),
		}
	}
	return CheckResult{Status: StatusHealthy, Message: "index available"}
}

// LLMChecker probes the model endpoint. Critical: no model, no agent.
type LLMChecker struct {
	baseURL string
	client  *http.Client
}

func NewLLMChecker(baseURL string) *LLMChecker {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &LLMChecker{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *LLMChecker) Name() string           { return "llm" }
func (c *LLMChecker) IsCritical() bool       { return true }
func (c *LLMChecker) Timeout() time.Duration { return 8 * time.Second }

func (c *LLMChecker) Check(ctx context.Context) CheckResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "model endpoint unreachable",
			Error:   err.Error(),
		}
	}
	defer resp.Body.Close()

	// 401 without a key still proves the endpoint is up
	if resp.StatusCode >= 500 {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("model endpoint returned %d", resp.StatusCode),
		}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: "model endpoint reachable",
		Details: map[string]interface{}{"status_code": resp.StatusCode},
	}
}

func infoField(info, field string) string {
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, field+":"); ok {
			return v
		}
	}
	return ""
}
