package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath   string
	outputFormat string
	rootCmd      = &cobra.Command{
		Use:   "tbench-orch",
		Short: "Terminal-bench runner - schedules repeated benchmark runs",
		Long: `tbench-orch accepts zipped terminal-bench task definitions, runs each one
many times through Harbor, retries transient infrastructure failures and
aggregates pass/fail counts per task.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
