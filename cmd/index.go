package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index <metrics.jsonl>",
	Short: "Index a run's epoch metrics into Elasticsearch",
	Args:  cobra.ExactArgs(1),
	Run:   runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) {
	orch := newOrchestrator()
	defer orch.Close()

	es := orch.GetElastic()
	if es == nil {
		color.Red("Error: Elasticsearch is not enabled or not reachable. Please check the elastic section of config.yaml")
		orch.Close()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats, err := es.IndexJSONLinesFile(ctx, args[0])
	if err != nil {
		color.Red("Indexing failed: %v", err)
		orch.Close()
		os.Exit(1)
	}

	if stats.Failed > 0 {
		color.Yellow("[WARN] Indexed %d documents into %s, %d failed", stats.Indexed, es.Index(), stats.Failed)
		orch.Close()
		os.Exit(1)
	}
	if !silent {
		color.Green("[INF] Indexed %d documents into %s", stats.Indexed, es.Index())
	}
}
