package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/record"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/stats"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/tableio"
)

var (
	statsFile      string
	statsSheet     string
	statsOut       string
	statsVariables []string
	statsGroupBy   []string
	statsGrid      string
	statsSite      string
	statsDepth     string
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Compute descriptive statistics of a sample file",
}

var pooledCmd = &cobra.Command{
	Use:   "pooled",
	Short: "Pooled standard deviation of replicate samples",
	RunE:  runPooled,
}

var interannualCmd = &cobra.Command{
	Use:   "interannual",
	Short: "Interannual mean and spread per calendar window, site and depth",
	RunE:  runInterannual,
}

func init() {
	statsCmd.PersistentFlags().StringVar(&statsFile, "file", "", "CSV or XLSX sample file")
	statsCmd.PersistentFlags().StringVar(&statsSheet, "sheet", "", "XLSX worksheet (default: first sheet)")
	statsCmd.PersistentFlags().StringVar(&statsOut, "out", "", "output CSV file (default: stdout)")
	statsCmd.PersistentFlags().StringSliceVar(&statsVariables, "variables", nil, "variables to summarize")
	_ = statsCmd.MarkPersistentFlagRequired("file")
	_ = statsCmd.MarkPersistentFlagRequired("variables")

	pooledCmd.Flags().StringSliceVar(&statsGroupBy, "group-by", []string{"site_id", "line_out_depth", "collected"}, "columns identifying replicate samples")

	interannualCmd.Flags().StringVar(&statsGrid, "grid", stats.DefaultGrid, "ISO-8601 window width")
	interannualCmd.Flags().StringVar(&statsSite, "site", "site_id", "site column")
	interannualCmd.Flags().StringVar(&statsDepth, "depth", "line_out_depth", "depth column")

	statsCmd.AddCommand(pooledCmd, interannualCmd)
	rootCmd.AddCommand(statsCmd)
}

func runPooled(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	t, err := tableio.ReadFile(statsFile, tableio.Options{
		Key:         cfg.QC.Key,
		TimeColumns: []string{cfg.QC.Axes.Time},
		Sheet:       statsSheet,
	})
	if err != nil {
		return err
	}

	out := record.New("variable", "pooled_std", "groups", "replicated_groups")
	for _, v := range statsVariables {
		groups, err := stats.Summarize(t, v, statsGroupBy)
		if err != nil {
			return err
		}
		replicated := 0
		for _, g := range groups {
			if g.Count > 1 {
				replicated++
			}
		}
		out.Append(record.Row{
			"variable":          v,
			"pooled_std":        stats.PooledStd(groups),
			"groups":            len(groups),
			"replicated_groups": replicated,
		})
	}
	return writeStats(cmd.OutOrStdout(), out)
}

func runInterannual(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	t, err := tableio.ReadFile(statsFile, tableio.Options{
		Key:         cfg.QC.Key,
		TimeColumns: []string{cfg.QC.Axes.Time},
		Sheet:       statsSheet,
	})
	if err != nil {
		return err
	}

	rows, err := stats.Interannual(t, stats.InterannualOptions{
		Site:      statsSite,
		Depth:     statsDepth,
		Time:      cfg.QC.Axes.Time,
		Variables: statsVariables,
		Grid:      statsGrid,
	})
	if err != nil {
		return err
	}

	out := record.New("", "site", "depth", "variable", "day_of_year", "mean", "std", "years")
	for _, r := range rows {
		out.Append(record.Row{
			"site":        r.Site,
			"depth":       r.Depth,
			"variable":    r.Variable,
			"day_of_year": r.DayOfYear,
			"mean":        r.Mean,
			"std":         r.Std,
			"years":       r.Years,
		})
	}
	return writeStats(cmd.OutOrStdout(), out)
}

// writeStats writes t to --out or to w. NaN statistics become empty cells.
func writeStats(w io.Writer, t *record.Table) error {
	if statsOut == "" {
		return tableio.WriteCSV(w, t)
	}
	if !strings.EqualFold(filepath.Ext(statsOut), ".csv") {
		return fmt.Errorf("statistics are written as CSV, got %s", statsOut)
	}
	f, err := os.Create(statsOut)
	if err != nil {
		return fmt.Errorf("creating %s: %w", statsOut, err)
	}
	defer f.Close() //nolint:errcheck
	return tableio.WriteCSV(f, t)
}
