package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubChecker struct {
	name     string
	critical bool
	result   CheckResult
}

func (s *stubChecker) Name() string                        { return s.name }
func (s *stubChecker) IsCritical() bool                    { return s.critical }
func (s *stubChecker) Timeout() time.Duration              { return time.Second }
func (s *stubChecker) Check(context.Context) CheckResult   { return s.result }

func TestManagerOverallHealthy(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.Register(&stubChecker{name: "a", critical: true, result: CheckResult{Status: StatusHealthy}}))
	require.NoError(t, m.Register(&stubChecker{name: "b", result: CheckResult{Status: StatusHealthy}}))

	overall := m.GetOverallHealth(context.Background())
	assert.Equal(t, StatusHealthy, overall.Status)
	assert.True(t, overall.Ready)
	assert.True(t, overall.Live)
}

func TestManagerCriticalFailureNotReady(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.Register(&stubChecker{name: "redis", critical: true, result: CheckResult{Status: StatusUnhealthy}}))

	overall := m.GetOverallHealth(context.Background())
	assert.Equal(t, StatusUnhealthy, overall.Status)
	assert.False(t, overall.Ready)
	assert.True(t, overall.Live, "failing dependencies never fail liveness")
}

func TestManagerNonCriticalFailureDegrades(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.Register(&stubChecker{name: "core", critical: true, result: CheckResult{Status: StatusHealthy}}))
	require.NoError(t, m.Register(&stubChecker{name: "index", result: CheckResult{Status: StatusDegraded}}))

	overall := m.GetOverallHealth(context.Background())
	assert.Equal(t, StatusDegraded, overall.Status)
	assert.True(t, overall.Ready)
}

func TestManagerRejectsDuplicateChecker(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.Register(&stubChecker{name: "a"}))
	assert.Error(t, m.Register(&stubChecker{name: "a"}))
	assert.Error(t, m.Register(&stubChecker{name: ""}))
}

func TestManagerNoCheckersIsUnknown(t *testing.T) {
	m := NewManager(zap.NewNop())
	overall := m.GetOverallHealth(context.Background())
	assert.Equal(t, StatusUnknown, overall.Status)
	assert.False(t, overall.Ready)
}

func TestRedisChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := NewRedisChecker(client, zap.NewNop())
	result := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)

	mr.Close()
	result = c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.NotEmpty(t, result.Error)
}

func TestLLMCheckerAgainstStubEndpoint(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer up.Close()

	c := NewLLMChecker(up.URL)
	result := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status, "auth errors still prove reachability")

	down := NewLLMChecker("http://127.0.0.1:1")
	result = down.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
}

func TestHTTPEndpoints(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.Register(&stubChecker{name: "redis", critical: true, result: CheckResult{Status: StatusUnhealthy}}))

	mux := http.NewServeMux()
	NewHTTPHandler(m, zap.NewNop()).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "unhealthy", body["status"])

	ready, err := http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	ready.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, ready.StatusCode)

	live, err := http.Get(srv.URL + "/health/live")
	require.NoError(t, err)
	live.Body.Close()
	assert.Equal(t, http.StatusOK, live.StatusCode, "liveness never depends on components")
}
