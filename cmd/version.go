package cmd

import (
	"fmt"
	"strings"

	"github.com/samogod/tagtrain/pkg/trainer"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const (
	Version   = "0.3.0"
	BuildDate = "2025-11-14"
	Author    = "samogod"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long:  "Display version, build date and the host facts recorded with each run",
	Run: func(cmd *cobra.Command, args []string) {
		printVersionInfo()
	},
}

func printVersionInfo() {
	host := trainer.Host()

	color.Green("Current Version:    %s", Version)
	fmt.Printf("Build Date:         %s\n", BuildDate)
	fmt.Printf("Go:                 %s %s/%s\n", host.GoVersion, host.OS, host.Arch)
	fmt.Printf("CPU:                %s (%d cores, %d threads)\n", host.CPU, host.Cores, host.Threads)
	if verbose && len(host.Features) > 0 {
		fmt.Printf("Features:           %s\n", strings.Join(host.Features, " "))
	}
	fmt.Println()
}
