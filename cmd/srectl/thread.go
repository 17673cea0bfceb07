package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/redis-field-engineering/redis-sre-agent/internal/thread"
)

func newThreadCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thread",
		Short: "Inspect and manage conversation threads",
	}
	cmd.AddCommand(newThreadList(a), newThreadSources(a), newThreadDelete(a))
	return cmd
}

func newThreadList(a *app) *cobra.Command {
	var (
		userID  string
		limit   int
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List threads, most recently updated first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := a.threads.List(cmd.Context(), thread.ListFilter{UserID: userID}, limit, 0)
			if err != nil {
				return err
			}

			type row struct {
				ThreadID string `json:"thread_id"`
				Subject  string `json:"subject,omitempty"`
				UserID   string `json:"user_id,omitempty"`
				Updated  string `json:"updated_at,omitempty"`
				Messages int    `json:"messages"`
			}
			rows := make([]row, 0, len(ids))
			for _, id := range ids {
				th, gerr := a.threads.Get(cmd.Context(), id)
				if gerr != nil {
					continue
				}
				rows = append(rows, row{
					ThreadID: id,
					Subject:  th.Metadata.Subject,
					UserID:   th.Metadata.UserID,
					Updated:  th.Metadata.UpdatedAt.Format("2006-01-02 15:04:05"),
					Messages: len(th.Messages),
				})
			}

			if asJSON {
				return emitJSON(rows)
			}
			if len(rows) == 0 {
				fmt.Println("no threads")
				return nil
			}
			for _, r := range rows {
				subject := r.Subject
				if subject == "" {
					subject = "(no subject)"
				}
				fmt.Printf("%s  %-20s  %3d msgs  %s\n", r.ThreadID, r.Updated, r.Messages, subject)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "only threads for this user")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum threads to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func newThreadSources(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sources THREAD_ID",
		Short: "Show knowledge sources cited in a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, err := a.threads.ListSources(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return emitJSON(sources)
			}
			if len(sources) == 0 {
				fmt.Println("no sources recorded")
				return nil
			}
			for _, src := range sources {
				title, _ := src["title"].(string)
				source, _ := src["source"].(string)
				fmt.Printf("%s  %s\n", title, source)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func newThreadDelete(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete THREAD_ID",
		Short: "Delete a thread and its key family",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.threads.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted thread %s\n", args[0])
			return nil
		},
	}
}
