package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTaskCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and manage agent tasks",
	}
	cmd.AddCommand(newTaskList(a), newTaskGet(a), newTaskDelete(a))
	return cmd
}

func newTaskList(a *app) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list THREAD_ID",
		Short: "List a thread's tasks, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := a.tasks.ListByThread(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}

			type row struct {
				TaskID  string `json:"task_id"`
				Status  string `json:"status"`
				Updated string `json:"updated_at,omitempty"`
				Updates int    `json:"updates"`
			}
			rows := make([]row, 0, len(ids))
			for _, id := range ids {
				state, gerr := a.tasks.Get(cmd.Context(), id)
				if gerr != nil {
					continue
				}
				rows = append(rows, row{
					TaskID:  id,
					Status:  state.Status,
					Updated: state.UpdatedAt.Format("2006-01-02 15:04:05"),
					Updates: len(state.Updates),
				})
			}

			if asJSON {
				return emitJSON(rows)
			}
			if len(rows) == 0 {
				fmt.Println("no tasks")
				return nil
			}
			for _, r := range rows {
				fmt.Printf("%s  %-12s  %-20s  %d updates\n", r.TaskID, r.Status, r.Updated, r.Updates)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum tasks to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func newTaskGet(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "get TASK_ID",
		Short: "Show one task's status, updates, and result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := a.tasks.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return emitJSON(state)
			}

			fmt.Printf("task:    %s\n", state.ID)
			fmt.Printf("thread:  %s\n", state.ThreadID)
			fmt.Printf("status:  %s\n", state.Status)
			if state.ErrorMessage != "" {
				fmt.Printf("error:   %s\n", state.ErrorMessage)
			}
			for _, u := range state.Updates {
				fmt.Printf("  [%s] %-18s %s\n",
					u.Timestamp.Format("15:04:05"), u.Type, u.Message)
			}
			if resp, ok := state.Result["response"].(string); ok && resp != "" {
				fmt.Printf("\n%s\n", resp)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func newTaskDelete(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete TASK_ID",
		Short: "Delete a task and its stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.tasks.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted task %s\n", args[0])
			return nil
		},
	}
}
