package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fxmonitor",
	Short: "Supervises a game server: perf history, trace routing and scheduled restarts.",
	Long: `fxmonitor polls the child server's perf endpoint into a bounded history,
routes the child's trace stream and restarts the child on a configured schedule.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(NewCmdRun())
	rootCmd.AddCommand(NewCmdSummary())
	rootCmd.AddCommand(NewCmdNextRestart())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
