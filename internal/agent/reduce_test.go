package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReduceDeduplicatesActionsAcrossTopics(t *testing.T) {
	shared := Action{Target: "maxmemory-policy", Verb: "set", Args: []string{"allkeys-lru"}}
	recs := []Recommendation{
		{TopicID: "mem-1", Title: "Memory pressure", Severity: SeverityHigh,
			Actions: []Action{shared, {Target: "maxmemory", Verb: "raise", Args: []string{"8gb"}}}},
		{TopicID: "evict-1", Title: "Eviction storm", Severity: SeverityMedium,
			Actions: []Action{shared}},
	}
	out := reduce(nil, recs)
	assert.Equal(t, 1, strings.Count(out, "allkeys-lru"), "shared action appears once")
	assert.Contains(t, out, "raise")
}

func TestReduceActionKeyIgnoresArgOrder(t *testing.T) {
	a := Action{Target: "t", Verb: "v", Args: []string{"b", "a"}}
	b := Action{Target: "t", Verb: "v", Args: []string{"a", "b"}}
	assert.Equal(t, actionKey(a), actionKey(b))

	c := Action{Target: "t", Verb: "v", Args: []string{"a"}}
	assert.NotEqual(t, actionKey(a), actionKey(c))
}

func TestReduceOrdersBySeverity(t *testing.T) {
	recs := []Recommendation{
		{TopicID: "low", Title: "Low issue", Severity: SeverityLow},
		{TopicID: "crit", Title: "Critical issue", Severity: SeverityCritical},
		{TopicID: "med", Title: "Medium issue", Severity: SeverityMedium},
	}
	out := reduce(nil, recs)
	critPos := strings.Index(out, "Critical issue")
	medPos := strings.Index(out, "Medium issue")
	lowPos := strings.Index(out, "Low issue")
	require.True(t, critPos >= 0 && medPos >= 0 && lowPos >= 0)
	assert.Less(t, critPos, medPos)
	assert.Less(t, medPos, lowPos)
}

func TestReduceReportsLeftoverProblems(t *testing.T) {
	problems := []ProblemSpec{
		{ID: "covered", Summary: "covered problem", Category: CategoryMemory, Severity: SeverityHigh},
		{ID: "orphan", Summary: "worker failed on this one", Category: CategoryReplication, Severity: SeverityCritical},
	}
	recs := []Recommendation{{TopicID: "covered", Title: "Handled", Severity: SeverityHigh}}

	out := reduce(problems, recs)
	assert.Contains(t, out, "Needs further investigation")
	assert.Contains(t, out, "worker failed on this one")
	assert.Contains(t, out, "initial assessment only")
	assert.NotContains(t, out, "What I'm seeing: covered problem")
}

func TestSeverityRank(t *testing.T) {
	assert.Less(t, severityRank(SeverityCritical), severityRank(SeverityHigh))
	assert.Less(t, severityRank(SeverityHigh), severityRank(SeverityMedium))
	assert.Less(t, severityRank(SeverityMedium), severityRank(SeverityLow))
	assert.Less(t, severityRank(SeverityLow), severityRank(SeverityInfo))
	assert.Equal(t, severityRank(SeverityMedium), severityRank("unheard-of"))
}
