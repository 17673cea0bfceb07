package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/redis-field-engineering/redis-sre-agent/internal/instances"
)

func TestGateMatchesConfigSetOnHosted(t *testing.T) {
	patterns := DefaultRiskPatterns()

	draft := "Since you are on ElastiCache, run CONFIG SET maxmemory-policy allkeys-lru."
	matched := gate(draft, "", patterns)
	assert.Contains(t, matched, "config-set-on-hosted")

	// CONFIG SET on self-managed has no hosted mention and does not gate
	// on that pattern
	selfManaged := "Run CONFIG SET maxmemory-policy allkeys-lru on your server."
	assert.NotContains(t, gate(selfManaged, "", patterns), "config-set-on-hosted")
}

func TestGateConfigSetOnHostedInstanceType(t *testing.T) {
	patterns := DefaultRiskPatterns()

	// the draft alone carries no hosted keyword; the resolved target's
	// variant is what makes CONFIG SET advice risky
	draft := "To fix this, use CONFIG SET maxmemory 2gb and restart the shard."
	assert.Contains(t, gate(draft, instances.TypeEnterprise, patterns), "config-set-on-hosted")
	assert.Contains(t, gate(draft, instances.TypeCloud, patterns), "config-set-on-hosted")
	assert.NotContains(t, gate(draft, instances.TypeOSS, patterns), "config-set-on-hosted")

	// variant without CONFIG SET advice does not gate
	clean := "Memory looks fine on this cluster."
	assert.Empty(t, gate(clean, instances.TypeEnterprise, patterns))

	// keyword match and variant match produce the pattern name once
	both := "On Redis Cloud run CONFIG SET maxmemory 2gb."
	matched := gate(both, instances.TypeCloud, patterns)
	count := 0
	for _, name := range matched {
		if name == "config-set-on-hosted" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestGateMatchesRladminAndURLs(t *testing.T) {
	patterns := DefaultRiskPatterns()

	assert.Contains(t, gate("rladmin status extra all", "", patterns), "rladmin-block")
	assert.Contains(t, gate("see https://redis.io/docs/latest for details", "", patterns), "unverified-url")
	assert.Contains(t, gate("try redis-cli debug sleep 5", "", patterns), "debug-command")
	assert.Contains(t, gate("run DEBUG OBJECT mykey against the node", "", patterns), "debug-command")
}

func TestGateEmptyDraftNeverGates(t *testing.T) {
	assert.Empty(t, gate("", instances.TypeEnterprise, DefaultRiskPatterns()))
}

func TestGateCleanDraft(t *testing.T) {
	clean := "Your memory usage is healthy. No action needed."
	assert.Empty(t, gate(clean, "", DefaultRiskPatterns()))
}

func TestLoadRiskPatternsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "risk_patterns.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
patterns:
  - name: flushall
    pattern: '(?i)\bflushall\b'
    description: never recommend flushing everything
  - name: broken
    pattern: '([unclosed'
    description: uncompilable, skipped
`), 0o644))

	patterns, err := LoadRiskPatterns(path, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, "flushall", patterns[0].Name)
	assert.Contains(t, gate("just run FLUSHALL", "", patterns), "flushall")
}

func TestLoadRiskPatternsMissingFile(t *testing.T) {
	_, err := LoadRiskPatterns("/does/not/exist.yaml", zap.NewNop())
	assert.Error(t, err)
}
