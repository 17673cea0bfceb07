package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"

	"github.com/redis-field-engineering/redis-sre-agent/internal/metrics"
)

// Cache holds tool outputs per instance scope, keyed by tool name and
// an argument fingerprint. Process-local; built at startup, torn down
// with the process.
type Cache struct {
	mu     sync.RWMutex
	scopes map[string]map[string]ResultEnvelope
	hits   uint64
	misses uint64
}

// Stats is a point-in-time cache summary.
type Stats struct {
	Hits            uint64         `json:"hits"`
	Misses          uint64         `json:"misses"`
	EntriesPerScope map[string]int `json:"entries_per_scope"`
	TotalEntries    int            `json:"total_entries"`
}

func NewCache() *Cache {
	return &Cache{scopes: make(map[string]map[string]ResultEnvelope)}
}

// fingerprint derives a stable hash over tool name and arguments.
// Key order is canonicalized so logically equal argument maps collide.
func fingerprint(tool string, args map[string]interface{}) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(tool))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{0})
		blob, err := json.Marshal(args[k])
		if err != nil {
			continue
		}
		h.Write(blob)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns a cached envelope. Scope "__all__" searches every scope.
// Entries that fail an integrity round-trip are evicted silently.
func (c *Cache) Get(scope, tool string, args map[string]interface{}) (ResultEnvelope, bool) {
	fp := fingerprint(tool, args)

	c.mu.RLock()
	env, ok := c.lookup(scope, fp)
	c.mu.RUnlock()

	if ok && !envelopeIntact(env) {
		c.mu.Lock()
		c.evict(scope, fp)
		c.misses++
		c.mu.Unlock()
		metrics.ToolCacheMisses.Inc()
		return ResultEnvelope{}, false
	}

	c.mu.Lock()
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()

	if ok {
		metrics.ToolCacheHits.Inc()
	} else {
		metrics.ToolCacheMisses.Inc()
	}
	return env, ok
}

func (c *Cache) lookup(scope, fp string) (ResultEnvelope, bool) {
	if scope == ScopeAll {
		for _, entries := range c.scopes {
			if env, ok := entries[fp]; ok {
				return env, true
			}
		}
		return ResultEnvelope{}, false
	}
	env, ok := c.scopes[scope][fp]
	return env, ok
}

func (c *Cache) evict(scope, fp string) {
	if scope == ScopeAll {
		for _, entries := range c.scopes {
			delete(entries, fp)
		}
		return
	}
	delete(c.scopes[scope], fp)
}

// envelopeIntact rejects entries whose payload can no longer be
// serialized, the process-local analogue of a corrupt cache row.
func envelopeIntact(env ResultEnvelope) bool {
	if env.Name == "" || env.Status == "" {
		return false
	}
	_, err := json.Marshal(env.Data)
	return err == nil
}

// Put stores a successful envelope under the scope.
func (c *Cache) Put(scope string, env ResultEnvelope, args map[string]interface{}) {
	if scope == ScopeAll {
		return
	}
	fp := fingerprint(env.Name, args)
	c.mu.Lock()
	if c.scopes[scope] == nil {
		c.scopes[scope] = make(map[string]ResultEnvelope)
	}
	c.scopes[scope][fp] = env
	c.mu.Unlock()
}

// ClearScope drops every entry for one instance scope.
func (c *Cache) ClearScope(scope string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.scopes[scope])
	delete(c.scopes, scope)
	return n
}

// ClearAll drops everything across scopes.
func (c *Cache) ClearAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, entries := range c.scopes {
		n += len(entries)
	}
	c.scopes = make(map[string]map[string]ResultEnvelope)
	return n
}

// Stats reports hit/miss counters and per-scope entry counts.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Stats{
		Hits:            c.hits,
		Misses:          c.misses,
		EntriesPerScope: make(map[string]int, len(c.scopes)),
	}
	for scope, entries := range c.scopes {
		s.EntriesPerScope[scope] = len(entries)
		s.TotalEntries += len(entries)
	}
	return s
}
