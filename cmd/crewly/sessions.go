package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.Flags().Bool("all", false, "Include stopped and completed sessions")
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List agent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		sm, err := openSessions()
		if err != nil {
			return fmt.Errorf("could not create session manager: %w", err)
		}
		states, err := sm.List()
		if err != nil {
			return fmt.Errorf("could not list sessions: %w", err)
		}

		all, _ := cmd.Flags().GetBool("all")
		repo, closeStore, err := openRepo()
		if err != nil {
			return err
		}
		defer closeStore()

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "REF\tAGENT\tROLE\tSTATUS\tUPTIME\tCPU\tMEM\tTASK")
		shown := 0
		for _, st := range states {
			if !all && st.Status != "running" {
				continue
			}
			taskID := "-"
			if t, err := repo.CurrentForSession(st.Ref); err == nil && t != nil {
				taskID = t.ID
			}
			cpu, mem := processUsage(st.PID)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				st.Ref, st.AgentID, st.Role, st.Status,
				time.Since(st.StartTime).Round(time.Second), cpu, mem, taskID)
			shown++
		}
		w.Flush()
		if shown == 0 {
			cmd.Println("No sessions found.")
		}
		return nil
	},
}

// processUsage samples CPU and resident memory for a session's process.
func processUsage(pid int) (string, string) {
	cpu, mem := "N/A", "N/A"
	if pid <= 0 {
		return cpu, mem
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return cpu, mem
	}
	if pct, err := p.CPUPercent(); err == nil {
		cpu = fmt.Sprintf("%.1f%%", pct)
	}
	if info, err := p.MemoryInfo(); err == nil {
		mem = fmt.Sprintf("%dMB", info.RSS/1024/1024)
	}
	return cpu, mem
}
