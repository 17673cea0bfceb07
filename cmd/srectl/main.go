// srectl is the operator CLI for the SRE agent's stores: threads,
// tasks, the tool cache, and the knowledge base.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/redis-field-engineering/redis-sre-agent/internal/config"
	"github.com/redis-field-engineering/redis-sre-agent/internal/knowledge"
	"github.com/redis-field-engineering/redis-sre-agent/internal/task"
	"github.com/redis-field-engineering/redis-sre-agent/internal/thread"
	"github.com/redis-field-engineering/redis-sre-agent/internal/tools"
)

// app carries the lazily-built dependencies shared by all commands.
type app struct {
	cfg       *config.Config
	client    *redis.Client
	threads   *thread.Store
	tasks     *task.Store
	knowledge *knowledge.Service
	cache     *tools.Cache
	logger    *zap.Logger
}

func (a *app) connect() error {
	if a.client != nil {
		return nil
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	logger := zap.NewNop()

	a.cfg = cfg
	a.client = redis.NewClient(opts)
	a.threads = thread.NewStore(a.client, nil, cfg.Models.Mini, logger)
	a.tasks = task.NewStore(a.client, logger)
	a.knowledge = knowledge.NewService(a.client, nil, nil, cfg.Models.Embedding, logger)
	a.cache = tools.NewCache()
	a.logger = logger
	return nil
}

func (a *app) close() {
	if a.client != nil {
		_ = a.client.Close()
	}
}

func emitJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	a := &app{}
	defer a.close()

	root := &cobra.Command{
		Use:           "srectl",
		Short:         "Operate the SRE agent's threads, tasks, cache, and knowledge base",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.connect()
		},
	}

	root.AddCommand(
		newThreadCommand(a),
		newTaskCommand(a),
		newCacheCommand(a),
		newKnowledgeCommand(a),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
