package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samogod/tagtrain/pkg/database"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var runsStatus string

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "Query the run tracking database",
	Long:  `List tracked training runs, or the per-epoch metrics of one run`,
	Args:  cobra.MaximumNArgs(1),
	Run:   runRuns,
}

func init() {
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "filter by status (running, completed, failed, cancelled)")
	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) {
	if len(args) > 0 && runsStatus != "" {
		color.Red("Error: --status applies to the run list, not to a single run")
		cmd.Help()
		os.Exit(1)
	}

	orch := newOrchestrator()
	defer orch.Close()

	db := orch.GetDB()
	if db == nil || !db.IsEnabled() {
		color.Red("Error: Database is not enabled. Please enable it in config.yaml")
		orch.Close()
		os.Exit(1)
	}

	if len(args) == 1 {
		printEpochs(db, args[0])
		return
	}

	runs, err := db.QueryRuns(strings.ToLower(runsStatus))
	if err != nil {
		color.Red("Failed to query database: %v", err)
		orch.Close()
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, color.CyanString("RUN_ID\tSTATUS\tBEST_EPOCH\tBEST_F1\tTEST_F1\tSTARTED\tFINISHED"))
	fmt.Fprintln(w, strings.Repeat("-", 110))

	for _, r := range runs {
		finished := "-"
		if r.FinishedAt != nil {
			finished = r.FinishedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%.4f\t%.4f\t%s\t%s\n",
			r.ID,
			statusColor(r.Status)(r.Status),
			r.BestEpoch+1,
			r.BestF1,
			r.TestF1,
			r.StartedAt.Format("2006-01-02 15:04:05"),
			finished,
		)
	}
	w.Flush()

	color.Green("\nTotal runs: %d", len(runs))
}

func printEpochs(db *database.DB, runID string) {
	epochs, err := db.QueryEpochs(runID)
	if err != nil {
		color.Red("Failed to query database: %v", err)
		os.Exit(1)
	}

	if len(epochs) == 0 {
		color.Yellow("[INF] Run %s has no recorded epochs.", runID)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, color.CyanString("EPOCH\tLR\tTRAIN_LOSS\tVALID_LOSS\tACCURACY\tF1\tDURATION"))
	fmt.Fprintln(w, strings.Repeat("-", 90))

	for _, e := range epochs {
		fmt.Fprintf(w, "%d\t%.6g\t%.4f\t%.4f\t%.4f\t%.4f\t%v\n",
			e.Epoch+1,
			e.LearningRate,
			e.TrainLoss,
			e.ValidLoss,
			e.ValidAccuracy,
			e.ValidF1,
			e.Duration.Round(time.Millisecond),
		)
	}
	w.Flush()

	color.Green("\nTotal epochs: %d", len(epochs))
}

func statusColor(status string) func(string, ...interface{}) string {
	switch status {
	case database.StatusFailed:
		return color.RedString
	case database.StatusCancelled, database.StatusRunning:
		return color.YellowString
	}
	return color.GreenString
}
