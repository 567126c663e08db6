package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"crewly/internal/db"
	"crewly/internal/tasks"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksShowCmd)
	tasksCmd.AddCommand(tasksAddCmd)
	tasksCmd.AddCommand(tasksCompleteCmd)

	tasksListCmd.Flags().String("status", "", "Filter by status (open, in_progress, blocked, paused, completed)")
	tasksListCmd.Flags().String("role", "", "Filter by required role")
	tasksListCmd.Flags().Int("limit", 0, "Limit the number of tasks listed")

	tasksAddCmd.Flags().String("priority", db.PriorityMedium, "Task priority (critical, high, medium, low)")
	tasksAddCmd.Flags().String("role", "", "Required agent role")
	tasksAddCmd.Flags().String("project", "", "Project path the task targets")
	tasksAddCmd.Flags().StringSlice("depends-on", nil, "Task IDs that must complete first")
	tasksAddCmd.Flags().Int("max-iterations", 0, "Per-task continuation ceiling (0 uses the global default)")

	tasksShowCmd.Flags().Bool("json", false, "Emit the task as JSON instead of rendered markdown")

	tasksCompleteCmd.Flags().Bool("skip-gates", false, "Complete without running quality gates")
	tasksCompleteCmd.Flags().String("summary", "", "Completion summary recorded with the task")
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and manage the task queue",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, closeStore, err := openRepo()
		if err != nil {
			return err
		}
		defer closeStore()

		status, _ := cmd.Flags().GetString("status")
		role, _ := cmd.Flags().GetString("role")
		limit, _ := cmd.Flags().GetInt("limit")

		list, err := repo.List(db.TaskFilter{Status: status, Role: role, Limit: limit})
		if err != nil {
			return err
		}
		if len(list) == 0 {
			cmd.Println("No tasks found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tROLE\tITER\tTITLE")
		for _, t := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
				t.ID, t.Status, t.Priority, t.RequiredRole,
				t.Iterations, t.MaxIterations, t.Title)
		}
		return w.Flush()
	},
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show one task with its gate history and learnings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, closeStore, err := openRepo()
		if err != nil {
			return err
		}
		defer closeStore()

		t, err := repo.Get(args[0])
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			cmd.Println(taskJSON(t))
			return nil
		}
		snapshots, _ := repo.GateSnapshots(t.ID)
		learnings, _ := repo.Learnings(t.ID, 5)

		md := renderTaskMarkdown(t, snapshots, learnings)
		out, err := renderMarkdown(md)
		if err != nil {
			// Fallback to plain text
			cmd.Print(md)
			return nil
		}
		cmd.Print(out)
		return nil
	},
}

var tasksAddCmd = &cobra.Command{
	Use:   "add <title> [description]",
	Short: "Add a task to the queue",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, closeStore, err := openRepo()
		if err != nil {
			return err
		}
		defer closeStore()

		description := ""
		if len(args) > 1 {
			description = args[1]
		}
		t := tasks.NewTask(args[0], description)
		t.Priority, _ = cmd.Flags().GetString("priority")
		t.RequiredRole, _ = cmd.Flags().GetString("role")
		t.ProjectPath, _ = cmd.Flags().GetString("project")
		t.Dependencies, _ = cmd.Flags().GetStringSlice("depends-on")
		if n, _ := cmd.Flags().GetInt("max-iterations"); n > 0 {
			t.MaxIterations = n
		}
		if err := repo.Save(t); err != nil {
			return err
		}
		cmd.Printf("Created task %s\n", t.ID)
		return nil
	},
}

var tasksCompleteCmd = &cobra.Command{
	Use:   "complete <task-id>",
	Short: "Complete a task, running its quality gates first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		completer, closeStore, err := openCompleter()
		if err != nil {
			return err
		}
		defer closeStore()

		skipGates, _ := cmd.Flags().GetBool("skip-gates")
		summary, _ := cmd.Flags().GetString("summary")

		res, err := completer.CompleteTask(cmd.Context(), args[0], tasks.CompleteOptions{
			SkipGates: skipGates,
			Summary:   summary,
		})
		if err != nil {
			return err
		}
		if !res.Success {
			cmd.Printf("Task %s not completed: %s\n", res.TaskID, res.Message)
			if len(res.FailedGates) > 0 {
				cmd.Printf("Failed gates: %s\n", strings.Join(res.FailedGates, ", "))
			}
			exit(exitGateFailed)
			return nil
		}
		cmd.Printf("Task %s completed (%d/%d iterations).\n",
			res.TaskID, res.Iterations, res.MaxIterations)
		return nil
	},
}

// renderMarkdown is swappable in tests; glamour probes the terminal.
var renderMarkdown = func(md string) (string, error) {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return "", err
	}
	return renderer.Render(md)
}

func renderTaskMarkdown(t *db.Task, snapshots []db.GateSnapshot, learnings []db.Learning) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", t.Title)
	fmt.Fprintf(&b, "**ID:** `%s`  \n**Status:** %s  \n**Priority:** %s\n\n", t.ID, t.Status, t.Priority)
	if t.RequiredRole != "" {
		fmt.Fprintf(&b, "**Role:** %s\n\n", t.RequiredRole)
	}
	if len(t.Dependencies) > 0 {
		fmt.Fprintf(&b, "**Depends on:** %s\n\n", strings.Join(t.Dependencies, ", "))
	}
	fmt.Fprintf(&b, "**Iterations:** %d/%d\n\n", t.Iterations, t.MaxIterations)
	if t.Description != "" {
		fmt.Fprintf(&b, "## Description\n\n%s\n\n", t.Description)
	}
	if len(snapshots) > 0 {
		b.WriteString("## Last gate run\n\n")
		for _, s := range snapshots {
			mark := "✅"
			if !s.Passed {
				mark = "❌"
			}
			fmt.Fprintf(&b, "- %s %s (%dms)\n", mark, s.Name, s.DurationMs)
		}
		b.WriteString("\n")
	}
	if len(learnings) > 0 {
		b.WriteString("## Learnings\n\n")
		for _, l := range learnings {
			fmt.Fprintf(&b, "- %s\n", l.Content)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// taskJSON renders a task for --json style output elsewhere.
func taskJSON(t *db.Task) string {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
