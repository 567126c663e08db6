package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"crewly/internal/git"
	"crewly/internal/improve"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(improveCmd)
	improveCmd.AddCommand(improvePlanCmd)
	improveCmd.AddCommand(improveExecuteCmd)
	improveCmd.AddCommand(improveStatusCmd)
	improveCmd.AddCommand(improveHistoryCmd)
	improveCmd.AddCommand(improveCancelCmd)

	improveCmd.PersistentFlags().String("workdir", ".", "Tree the improvement targets")
	improveHistoryCmd.Flags().Int("limit", 10, "Number of history entries to show")
}

var improveCmd = &cobra.Command{
	Use:   "improve",
	Short: "Plan and apply self-improvements with crash-safe rollback",
	Long: `Self-improvements mutate the orchestrator's own files behind a
persisted marker: a backup is taken before any write, validation runs
afterwards, and an interrupted flow is settled by the next startup.`,
}

// openDriver builds an improve driver rooted at the flagged workdir.
var openDriver = func(cmd *cobra.Command) *improve.Driver {
	cfg := improve.ConfigFromViper()
	cfg.WorkDir, _ = cmd.Flags().GetString("workdir")
	return improve.New(cfg, improve.Deps{Git: git.NewClient()})
}

var improvePlanCmd = &cobra.Command{
	Use:   "plan <plan.json>",
	Short: "Record a proposed improvement without touching any file",
	Long: `Reads a plan file describing the changes and creates the marker in
the planning phase. The plan file is JSON:

  {
    "description": "tune checker intervals",
    "changes": [
      {"file": "config.yaml", "type": "modify", "content": "..."}
    ]
  }

Exits with code 2 when the plan is invalid.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var req improve.PlanRequest
		if err := json.Unmarshal(data, &req); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Invalid plan file: %v\n", err)
			exit(exitValidation)
			return nil
		}

		m, err := openDriver(cmd).Plan(req)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Plan rejected: %v\n", err)
			exit(exitValidation)
			return nil
		}
		cmd.Printf("Planned improvement %s (risk: %s, restart needed: %t)\n",
			m.ID, m.RiskLevel, m.RequiresRestart)
		cmd.Printf("Targets: %s\n", strings.Join(m.TargetFiles, ", "))
		return nil
	},
}

var improveExecuteCmd = &cobra.Command{
	Use:   "execute",
	Short: "Back up, apply, and validate the planned improvement",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openDriver(cmd).Execute(cmd.Context())
		if err != nil {
			if m != nil && m.Rollback != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Apply failed; changes rolled back (marker %s): %v\n", m.ID, err)
				exit(exitValidation)
				return nil
			}
			return err
		}
		restart := "no restart needed"
		if m.RequiresRestart {
			restart = "restart required"
		}
		cmd.Printf("Improvement %s applied %d changes (%s). Validation runs on next startup.\n",
			m.ID, len(m.Changes), restart)
		return nil
	},
}

var improveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the pending improvement, if any",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openDriver(cmd).Status()
		if err != nil {
			return err
		}
		if m == nil {
			cmd.Println("No pending improvement.")
			return nil
		}
		cmd.Printf("Marker:   %s\n", m.ID)
		cmd.Printf("Phase:    %s\n", m.Phase)
		cmd.Printf("Risk:     %s\n", m.RiskLevel)
		cmd.Printf("Restarts: %d\n", m.RestartCount)
		cmd.Printf("Targets:  %s\n", strings.Join(m.TargetFiles, ", "))
		cmd.Printf("Since:    %s\n", m.CreatedAt.Format("2006-01-02 15:04:05"))
		if m.Error != "" {
			cmd.Printf("Error:    %s\n", m.Error)
		}
		return nil
	},
}

var improveHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List settled improvements, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		markers, err := openDriver(cmd).History(limit)
		if err != nil {
			return err
		}
		if len(markers) == 0 {
			cmd.Println("No improvement history.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPHASE\tRISK\tRESTARTS\tUPDATED\tDESCRIPTION")
		for _, m := range markers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				m.ID, m.Phase, m.RiskLevel, m.RestartCount,
				m.UpdatedAt.Format("2006-01-02 15:04"), m.Description)
		}
		return w.Flush()
	},
}

var improveCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the pending improvement before it touches any file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openDriver(cmd).Cancel(cmd.Context()); err != nil {
			return err
		}
		cmd.Println("Improvement cancelled.")
		return nil
	},
}
