package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/redis-field-engineering/redis-sre-agent/internal/tools"
)

func newCacheCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clear the tool-output cache",
		Long: "The tool-output cache is process-local: these commands act on the\n" +
			"cache of the invoking process, not on a running server's.",
	}
	cmd.AddCommand(newCacheStats(a), newCacheClear(a))
	return cmd
}

func newCacheStats(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache hit/miss counters and entry counts per scope",
		RunE: func(*cobra.Command, []string) error {
			stats := a.cache.Stats()
			if asJSON {
				return emitJSON(stats)
			}
			fmt.Printf("hits:    %d\n", stats.Hits)
			fmt.Printf("misses:  %d\n", stats.Misses)
			fmt.Printf("entries: %d\n", stats.TotalEntries)
			for scope, n := range stats.EntriesPerScope {
				fmt.Printf("  %-24s %d\n", scope, n)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func newCacheClear(a *app) *cobra.Command {
	var (
		instance string
		all      bool
	)
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cached tool outputs for one instance scope or all",
		RunE: func(*cobra.Command, []string) error {
			switch {
			case all:
				n := a.cache.ClearAll()
				fmt.Printf("cleared %d entries across all scopes\n", n)
			case instance != "":
				n := a.cache.ClearScope(instance)
				fmt.Printf("cleared %d entries for scope %s\n", n, instance)
			default:
				return fmt.Errorf("one of --instance or --all is required")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&instance, "instance", "", "instance scope to clear")
	cmd.Flags().BoolVar(&all, "all", false, fmt.Sprintf("clear every scope (including %q)", tools.ScopeAll))
	return cmd
}
