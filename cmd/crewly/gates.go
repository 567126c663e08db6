package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"crewly/internal/gates"
	"crewly/internal/git"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(gatesCmd)
	gatesCmd.Flags().String("path", ".", "Project path to run the gates in")
	gatesCmd.Flags().StringSlice("gate", nil, "Run only the named gates (repeatable)")
	gatesCmd.Flags().Bool("skip-optional", false, "Run required gates only")
	gatesCmd.Flags().Bool("json", false, "Emit the raw results as JSON")
}

var gatesCmd = &cobra.Command{
	Use:   "gates",
	Short: "Run the quality gates for a project",
	Long: `Runs the project's quality gates (from .crewly-gates.yaml, or the
built-in defaults) and reports each result. Exits with code 4 when a
required gate fails.`,
	RunE: runGates,
}

func runGates(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("path")
	names, _ := cmd.Flags().GetStringSlice("gate")
	skipOptional, _ := cmd.Flags().GetBool("skip-optional")
	asJSON, _ := cmd.Flags().GetBool("json")

	runner := gates.NewRunner(git.NewClient())
	results, err := runner.RunAll(cmd.Context(), path, gates.Options{
		GateNames:    names,
		SkipOptional: skipOptional,
	})
	if err != nil {
		return fmt.Errorf("gate run failed: %w", err)
	}

	if asJSON {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(data))
	} else {
		printGateResults(cmd, results)
	}

	if !results.AllRequiredPassed {
		exit(exitGateFailed)
	}
	return nil
}

func printGateResults(cmd *cobra.Command, results *gates.RunResults) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GATE\tREQUIRED\tRESULT\tDURATION")
	for _, r := range results.Results {
		status := "PASS"
		if !r.Passed {
			status = "FAIL"
		}
		required := "yes"
		if !r.Required {
			required = "no"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			r.Name, required, status, (time.Duration(r.DurationMs) * time.Millisecond).String())
	}
	w.Flush()

	if failed := results.FailedRequired(); len(failed) > 0 {
		cmd.Printf("\nRequired gates failed: %s\n", strings.Join(failed, ", "))
	} else {
		cmd.Println("\nAll required gates passed.")
	}
}
