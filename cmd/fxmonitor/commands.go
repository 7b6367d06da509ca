package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/oarkflow/fxmonitor"
)

func NewCmdRun() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the monitor until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fxmonitor.Serve(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the yaml, json or toml configuration file.")
	return cmd
}

// SummaryFlags select the history file and thread to summarize.
type SummaryFlags struct {
	ConfigPath  string
	HistoryFile string
	Thread      string
	JSON        bool
}

func NewCmdSummary() *cobra.Command {
	flags := &SummaryFlags{Thread: fxmonitor.PerfMainThread}
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print the tick time distribution stored in a perf history file.",
		Example: `  fxmonitor summary --config config.yaml --thread svNetwork
  fxmonitor summary --history ./data/perf_history.json --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSummary(cmd.OutOrStdout(), flags)
		},
	}
	cmd.Flags().StringVarP(&flags.ConfigPath, "config", "c", "", "Configuration file; its perf settings are used.")
	cmd.Flags().StringVar(&flags.HistoryFile, "history", "", "History file, overrides the configured one.")
	cmd.Flags().StringVarP(&flags.Thread, "thread", "t", flags.Thread, "Thread to summarize: "+strings.Join(fxmonitor.PerfThreadNames, ", "))
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "Output the summary as JSON.")
	return cmd
}

func runSummary(w io.Writer, flags *SummaryFlags) error {
	opts, err := historyOptions(flags.ConfigPath)
	if err != nil {
		return err
	}
	if flags.HistoryFile != "" {
		opts.File = flags.HistoryFile
	}
	history, err := fxmonitor.ReadHistory(opts, nil)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	summary, err := history.Summary(flags.Thread)
	if err != nil {
		return err
	}
	if flags.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	fmt.Fprintf(w, "thread %s: %d ticks over %d samples (%s to %s), median clients %.1f\n",
		summary.Thread, summary.TotalTicks, summary.Samples,
		summary.From.Format(time.DateTime), summary.To.Format(time.DateTime), summary.MedianClients)
	for i, f := range summary.Frequencies {
		bound := fmt.Sprintf("#%d", i)
		if i < len(summary.Boundaries) {
			bound = summary.Boundaries[i]
		}
		fmt.Fprintf(w, "  le %-8s %6.2f%%\n", bound, f*100)
	}
	return nil
}

func historyOptions(configPath string) (fxmonitor.HistoryOptions, error) {
	if configPath == "" {
		return fxmonitor.HistoryOptions{File: "./data/perf_history.json"}, nil
	}
	cfg, err := fxmonitor.LoadConfig(configPath)
	if err != nil {
		return fxmonitor.HistoryOptions{}, err
	}
	return cfg.PerfHistoryOptions(), nil
}

func NewCmdNextRestart() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "next-restart",
		Short: "Print the next restart from the configured schedule.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := fxmonitor.LoadConfig(configPath)
			if err != nil {
				return err
			}
			valid, invalid := fxmonitor.ParseSchedule(cfg.Restarter.Schedule)
			for _, bad := range invalid {
				fmt.Fprintf(cmd.ErrOrStderr(), "ignoring invalid entry %q\n", bad)
			}
			at, label, ok := fxmonitor.NextScheduledRestart(valid, time.Now())
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "no restart scheduled")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s, in %s)\n", label, at.Format(time.DateTime), time.Until(at).Round(time.Minute))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the configuration file.")
	return cmd
}
