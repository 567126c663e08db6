package main

import (
	"crewly/internal/tasks"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(assignCmd)
	assignCmd.Flags().String("role", "", "Only consider tasks requiring this role")
	assignCmd.Flags().String("project", "", "Only consider tasks for this project path")
	assignCmd.Flags().Bool("dry-run", false, "Show the task that would be assigned without assigning it")
}

var assignCmd = &cobra.Command{
	Use:   "assign <session-ref>",
	Short: "Assign the next eligible task to a session",
	Long: `Picks the highest-priority eligible task whose dependencies are all
completed and binds it to the given session, injecting the kickoff
prompt. With --dry-run the pick is shown but nothing changes.`,
	Args: cobra.ExactArgs(1),
	RunE: runAssign,
}

func runAssign(cmd *cobra.Command, args []string) error {
	repo, closeStore, err := openRepo()
	if err != nil {
		return err
	}
	defer closeStore()

	sessions, err := openSessions()
	if err != nil {
		return err
	}

	assigner := tasks.NewAssigner(repo, sessions, tasks.NewMatcher(tasks.LoadRules()),
		nil, nil, nil, tasks.ConfigFromViper())

	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		role, _ := cmd.Flags().GetString("role")
		project, _ := cmd.Flags().GetString("project")
		t, err := assigner.FindNextTask(role, project)
		if err != nil {
			return err
		}
		if t == nil {
			cmd.Println("No eligible task.")
			return nil
		}
		cmd.Printf("Would assign %s (%s, priority %s)\n", t.ID, t.Title, t.Priority)
		return nil
	}

	t, err := assigner.AssignNext(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if t == nil {
		cmd.Println("No eligible task.")
		return nil
	}
	cmd.Printf("Assigned %s (%s) to %s\n", t.ID, t.Title, args[0])
	return nil
}
