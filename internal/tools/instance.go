package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RegisterInstanceTools adds diagnostics against the resolved target
// instance. The client is already connected to the target; plaintext
// connection details never pass through tool arguments or envelopes.
func RegisterInstanceTools(m *Manager, client *redis.Client, instanceName string) {
	m.Register(Definition{
		Name:        "get_instance_info",
		Description: fmt.Sprintf("Run INFO on the %s instance. Optionally restrict to one section (server, clients, memory, persistence, stats, replication, cpu, keyspace).", instanceName),
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"section": map[string]interface{}{
					"type":        "string",
					"description": "INFO section to fetch; omit for everything",
				},
			},
		},
		Cacheable: true,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			section, _ := args["section"].(string)
			var raw string
			var err error
			if section != "" {
				raw, err = client.Info(ctx, section).Result()
			} else {
				raw, err = client.Info(ctx).Result()
			}
			if err != nil {
				return nil, fmt.Errorf("INFO: %w", err)
			}
			return parseInfo(raw), nil
		},
	})

	m.Register(Definition{
		Name:        "get_slowlog",
		Description: fmt.Sprintf("Fetch recent SLOWLOG entries from the %s instance.", instanceName),
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"count": map[string]interface{}{
					"type":        "integer",
					"description": "Number of entries to fetch (default 10)",
				},
			},
		},
		Cacheable: true,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			count := int64(10)
			if n, ok := args["count"].(float64); ok && n > 0 {
				count = int64(n)
			}
			entries, err := client.SlowLogGet(ctx, count).Result()
			if err != nil {
				return nil, fmt.Errorf("SLOWLOG GET: %w", err)
			}
			out := make([]map[string]interface{}, 0, len(entries))
			for _, e := range entries {
				out = append(out, map[string]interface{}{
					"id":          e.ID,
					"time":        e.Time.UTC().Format("2006-01-02T15:04:05Z"),
					"duration_us": e.Duration.Microseconds(),
					"args":        e.Args,
				})
			}
			return out, nil
		},
	})

	m.Register(Definition{
		Name:        "get_config",
		Description: fmt.Sprintf("Read configuration parameters from the %s instance via CONFIG GET.", instanceName),
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"pattern": map[string]interface{}{
					"type":        "string",
					"description": "Glob pattern of parameter names, e.g. \"maxmemory*\" (default \"*\")",
				},
			},
		},
		Cacheable: true,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			pattern, _ := args["pattern"].(string)
			if pattern == "" {
				pattern = "*"
			}
			vals, err := client.ConfigGet(ctx, pattern).Result()
			if err != nil {
				return nil, fmt.Errorf("CONFIG GET: %w", err)
			}
			return vals, nil
		},
	})

	m.Register(Definition{
		Name:        "get_keyspace_summary",
		Description: fmt.Sprintf("Summarize keyspace size on the %s instance: DBSIZE plus per-db keyspace stats.", instanceName),
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
		Cacheable: true,
		Handler: func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
			size, err := client.DBSize(ctx).Result()
			if err != nil {
				return nil, fmt.Errorf("DBSIZE: %w", err)
			}
			raw, err := client.Info(ctx, "keyspace").Result()
			if err != nil {
				return nil, fmt.Errorf("INFO keyspace: %w", err)
			}
			return map[string]interface{}{
				"dbsize":   size,
				"keyspace": parseInfo(raw),
			}, nil
		},
	})
}

// parseInfo converts INFO's "key:value" lines into a section-keyed map.
func parseInfo(raw string) map[string]map[string]string {
	out := make(map[string]map[string]string)
	section := "general"
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			section = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "#")))
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		if out[section] == nil {
			out[section] = make(map[string]string)
		}
		out[section][line[:idx]] = line[idx+1:]
	}
	return out
}
