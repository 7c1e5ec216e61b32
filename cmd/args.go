package cmd

import (
	"fmt"
	"os"

	"github.com/samogod/tagtrain/pkg/hparams"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	argsCheck bool
	argsCfg   *hparams.TrainingConfiguration
)

var argsCmd = &cobra.Command{
	Use:   "args [flags]",
	Short: "Print the canonical argument list",
	Long: `Parse the training flags and print them back in canonical order,
one "--flag value" pair per flag, defaults included. With --check the
referenced paths are resolved as well.`,
	Example: `  tagtrain args -train data/train.conll -lr 0.01
  tagtrain args --check -train data/train.conll -valid data/valid.conll ...`,
	Args: cobra.NoArgs,
	Run:  runArgs,
}

func init() {
	argsCfg = hparams.RegisterFlags(argsCmd.Flags())
	argsCmd.Flags().BoolVar(&argsCheck, "check", false, "also check that every referenced path exists")
	rootCmd.AddCommand(argsCmd)
}

func runArgs(cmd *cobra.Command, args []string) {
	Verbose = verbose
	if verbose {
		setDebugLogFunctions()
	}

	line, err := checkArgs(argsCfg, argsCheck)
	if err != nil {
		color.Red("Invalid configuration: %v", err)
		os.Exit(1)
	}

	fmt.Fprintln(cmd.OutOrStdout(), line)

	if !silent {
		fmt.Fprintln(cmd.ErrOrStderr(), color.HiBlackString("fingerprint %s", argsCfg.Fingerprint()))
	}
}

// checkArgs validates cfg, resolves its paths when check is set and
// returns the canonical command line.
func checkArgs(cfg *hparams.TrainingConfiguration, check bool) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if check {
		if err := cfg.Resolve(); err != nil {
			return "", fmt.Errorf("unresolved path: %w", err)
		}
	}
	return cfg.CommandLine(), nil
}
