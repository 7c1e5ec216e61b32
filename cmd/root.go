package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samogod/tagtrain/pkg/config"
	"github.com/samogod/tagtrain/pkg/database"
	"github.com/samogod/tagtrain/pkg/dataset"
	"github.com/samogod/tagtrain/pkg/elastic"
	"github.com/samogod/tagtrain/pkg/embedding"
	"github.com/samogod/tagtrain/pkg/hparams"
	"github.com/samogod/tagtrain/pkg/session"
	"github.com/samogod/tagtrain/pkg/trainer"
	"github.com/samogod/tagtrain/pkg/vocab"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	configFile string
	silent     bool
	verbose    bool
	dryRun     bool

	trainCfg *hparams.TrainingConfiguration
)

var Verbose bool

var rootCmd = &cobra.Command{
	Use:   "tagtrain",
	Short: "sequence tagger training runner",
	Long:  `trains a character-CNN sequence tagger from a flag-described configuration and tracks its runs`,
	Args:  cobra.NoArgs,
	Run:   runTrain,
}

func Execute() {
	args := hparams.NormalizeArgs(os.Args[1:], commandFlagSets()...)
	rootCmd.SetArgs(args)

	hasSilentFlag := false
	for _, arg := range args {
		if arg == "--silent" || arg == "--silent=true" {
			hasSilentFlag = true
		}
	}

	if !hasSilentFlag {
		printBanner()
	}

	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

// commandFlagSets collects every flag set whose long flags also accept a
// single dash.
func commandFlagSets() []*pflag.FlagSet {
	sets := []*pflag.FlagSet{rootCmd.PersistentFlags(), rootCmd.Flags()}
	for _, c := range rootCmd.Commands() {
		sets = append(sets, c.Flags())
	}
	return sets
}

func DebugLog(format string, args ...interface{}) {
	if Verbose {
		fmt.Fprintf(os.Stderr, "[DBG] "+format+"\n", args...)
	}
}

func setDebugLogFunctions() {
	config.DebugLog = DebugLog
	trainer.DebugLog = DebugLog
	session.DebugLog = DebugLog
	database.DebugLog = DebugLog
	elastic.DebugLog = DebugLog
	embedding.DebugLog = DebugLog
	dataset.DebugLog = DebugLog
	hparams.DebugLog = DebugLog
	vocab.DebugLog = DebugLog
}

func init() {
	rootCmd.SetHelpTemplate(`Usage:
  {{.UseLine}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}

{{if .HasAvailableSubCommands}}Commands:{{range .Commands}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}

{{end}}Flags:
DATA:
   -train, -valid, -test string   training / validation / test data files (CoNLL)
   -wvp, -cvp, -tvp string        word / character / tag vocabulary pickles
   -embedding string              random, a vectors file, or a scheme name (default "random")

MODEL:
   -clpw int                      max characters per word (default 20)
   -nwe int                       word embedding dimension (default 100)
   -nf int                        convolution filter count (default 30)
   -ks int                        convolution kernel size (default 3)
   -nhiddens int                  hidden layer size (default 200)
   -nlayers int                   hidden layer count (default 1)
   -nts int                       tag space size (default 50)
   -edp, -odp float               embedding / output dropout (default 0.5)
   -rdp pair                      recurrent dropout, "a,b" or "a" (default 0.5,0.5)

TRAINING:
   -nce int                       negative samples per token (default 5)
   -nepochs int                   epoch count (default 50)
   -lr float                      learning rate (default 0.001)
   -bc int                        batch size (default 32)
   -lds int                       decay the learning rate every lds epochs (default 1)
   -ldr float                     learning rate decay factor (default 1)
   -op_name string                sgd, momentum, nag, adagrad, rmsprop, adam (default "adam")

OUTPUT:
   -lp string                     log file path
   -silent                        silent mode - no banner or extra output
   -dry-run                       validate, load data and build the model without training

CONFIGURATION:
   -c, -config string             config file path (default: config.yaml)
   -v, -verbose                   enable verbose/debug output
{{if .HasAvailableSubCommands}}
Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`)

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default: config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVar(&silent, "silent", false, "silent mode - no banner or extra output")

	trainCfg = hparams.RegisterFlags(rootCmd.Flags())
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate, load data and build the model without training")

	rootCmd.AddCommand(versionCmd)
}

// newOrchestrator wires debug hooks and loads the environment config.
func newOrchestrator() *trainer.Orchestrator {
	Verbose = verbose
	if verbose {
		setDebugLogFunctions()
	}

	orch, err := trainer.NewOrchestrator(configFile, trainer.NewLogger(os.Stderr, verbose))
	if err != nil {
		color.Red("Failed to initialize orchestrator: %v", err)
		os.Exit(1)
	}
	return orch
}

func runTrain(cmd *cobra.Command, args []string) {
	if cmd.Flags().NFlag() == 0 {
		cmd.Help()
		os.Exit(1)
	}

	if err := trainCfg.Validate(); err != nil {
		color.Red("Invalid configuration: %v", err)
		os.Exit(1)
	}

	orch := newOrchestrator()
	defer orch.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := orch.Run(ctx, *trainCfg, trainer.RunOptions{DryRun: dryRun})
	if err != nil {
		color.Red("Run %s %s: %v", result.RunID, result.State, err)
		orch.Close()
		os.Exit(1)
	}

	if silent {
		return
	}

	if result.DryRun {
		color.Green("\nDry run passed: %d parameters, %d/%d/%d sentences, %d of %d words pretrained",
			result.Data.Parameters,
			result.Data.Train.Sentences, result.Data.Valid.Sentences, result.Data.Test.Sentences,
			result.Data.PretrainedWords, result.Data.Words)
		return
	}

	color.Green("\nRun %s completed in %v", result.RunID, result.Duration.Round(time.Second))
	color.Cyan("Best epoch %d: valid F1 %.4f, accuracy %.4f",
		result.BestEpoch+1, result.BestValid.F1, result.BestValid.Accuracy)
	color.Cyan("Test: F1 %.4f (P %.4f, R %.4f), accuracy %.4f",
		result.Test.F1, result.Test.Precision, result.Test.Recall, result.Test.Accuracy)
	fmt.Println(color.HiBlackString("Run directory: %s", result.Dir))
}

func printBanner() {
	banner := color.CyanString(`
┌┬┐┌─┐┌─┐┌┬┐┬─┐┌─┐┬┌┐┌
 │ ├─┤│ ┬ │ ├┬┘├─┤││││
 ┴ ┴ ┴└─┘ ┴ ┴└─┴ ┴┴┘└┘  @samogod
`)
	info := color.HiBlackString("sequence tagger training runner")
	fmt.Fprintln(os.Stderr, banner)
	fmt.Fprintln(os.Stderr, info)
	fmt.Fprintln(os.Stderr)
}
