package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"crewly/internal/budget"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(budgetCmd)
	budgetCmd.AddCommand(budgetStatusCmd)
	budgetCmd.AddCommand(budgetUsageCmd)

	budgetUsageCmd.Flags().String("period", "day", "Usage window: day, week, or month")
}

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Inspect per-agent spend against configured limits",
}

var budgetStatusCmd = &cobra.Command{
	Use:   "status <agent-id>",
	Short: "Show an agent's standing against its configured limits",
	Long: `Shows the agent's spend against each configured limit and the
estimated runway. Exits with code 3 when the agent is over budget.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		guard, err := openGuard()
		if err != nil {
			return err
		}
		st, err := guard.Check(args[0])
		if err != nil {
			return err
		}
		cmd.Printf("Agent:    %s\n", args[0])
		cmd.Printf("Spent:    $%.2f\n", st.DailyUsed)
		if st.DailyLimit > 0 {
			cmd.Printf("Limit:    $%.2f (%.0f%% used)\n", st.DailyLimit, st.DailyUsed/st.DailyLimit*100)
		} else {
			cmd.Println("Limit:    unlimited")
		}
		if st.WeeklyLimit > 0 {
			cmd.Printf("Week:     $%.2f of $%.2f\n", st.WeeklyUsed, st.WeeklyLimit)
		}
		if st.MonthlyLimit > 0 {
			cmd.Printf("Month:    $%.2f of $%.2f\n", st.MonthlyUsed, st.MonthlyLimit)
		}
		if st.EstimatedRunway != "" {
			cmd.Printf("Runway:   %s\n", st.EstimatedRunway)
		}
		if !st.WithinBudget {
			cmd.Println("\nOVER BUDGET — continuations for this agent are paused.")
			exit(exitBudgetExceeded)
		}
		return nil
	},
}

var budgetUsageCmd = &cobra.Command{
	Use:   "usage <agent-id>",
	Short: "Summarize an agent's usage over a period",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		guard, err := openGuard()
		if err != nil {
			return err
		}
		period, _ := cmd.Flags().GetString("period")
		sum, err := guard.Usage(args[0], budget.Period(period))
		if err != nil {
			return err
		}

		cmd.Printf("Usage for %s (%s):\n\n", args[0], period)
		cmd.Printf("  Operations:    %d\n", sum.Operations)
		cmd.Printf("  Input tokens:  %d\n", sum.InputTokens)
		cmd.Printf("  Output tokens: %d\n", sum.OutputTokens)
		cmd.Printf("  Total cost:    $%.4f\n", sum.Cost)

		if len(sum.ByModel) > 0 {
			cmd.Println("\nBy model:")
			printCostBreakdown(cmd, sum.ByModel)
		}
		if len(sum.ByOperation) > 0 {
			cmd.Println("\nBy operation:")
			printCostBreakdown(cmd, sum.ByOperation)
		}
		return nil
	},
}

func printCostBreakdown(cmd *cobra.Command, costs map[string]float64) {
	keys := make([]string, 0, len(costs))
	for k := range costs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return costs[keys[i]] > costs[keys[j]] })

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s\t$%.4f\n", k, costs[k])
	}
	w.Flush()
}
