package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "hakaiqc",
	Short: "Quality control of oceanographic sample data",
	Long: `hakaiqc runs QARTOD-style tests over oceanographic sample tables, aggregates
the outcomes into a single flag per sample and variable, and merges them with
archived and reviewer flags. It works on files directly or keeps datasets in
SQLite or PostgreSQL behind a REST API for review.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (text or json)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
