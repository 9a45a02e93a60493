package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/flags"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/merge"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/qc"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/record"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/tableio"
)

var (
	qcFile        string
	qcTests       string
	qcLimits      string
	qcOut         string
	qcKey         string
	qcSheet       string
	qcFlagsOnly   bool
	qcFillOnly    bool
	qcTestColumns bool
	qcFill        bool
)

var qcCmd = &cobra.Command{
	Use:   "qc",
	Short: "Run automated QC on a sample file",
	Long: `qc runs the configured tests over a CSV or XLSX sample file and writes the
file back with a level 1 outcome and a flag column per tested variable. Flags
already in the file are replaced unless --fill-only is set.`,
	RunE: runQC,
}

func init() {
	qcCmd.Flags().StringVar(&qcFile, "file", "", "CSV or XLSX file to check")
	qcCmd.Flags().StringVar(&qcTests, "tests", "", "YAML test configuration (default: qc.test_config or built-in nutrients)")
	qcCmd.Flags().StringVar(&qcLimits, "limits", "", "variable,limit CSV of detection limits")
	qcCmd.Flags().StringVar(&qcOut, "out", "", "output CSV file (default: stdout)")
	qcCmd.Flags().StringVar(&qcKey, "key", "", "sample identifier column (default: qc.key)")
	qcCmd.Flags().StringVar(&qcSheet, "sheet", "", "XLSX worksheet (default: first sheet)")
	qcCmd.Flags().BoolVar(&qcFlagsOnly, "flags-only", false, "write only the key, comments and flag columns")
	qcCmd.Flags().BoolVar(&qcFillOnly, "fill-only", false, "keep flags already in the file")
	qcCmd.Flags().BoolVar(&qcTestColumns, "test-columns", false, "include per-test outcome columns")
	qcCmd.Flags().BoolVar(&qcFill, "fill", false, "write NA and 9 for empty flag columns")
	_ = qcCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(qcCmd)
}

// fileQC describes one offline QC run.
type fileQC struct {
	Tests       *qc.Config
	Options     qc.Options
	Resolver    flags.ColumnResolver
	Precedence  []string
	Workers     int
	TestColumns bool
	FlagsOnly   bool
	Fill        bool
}

func runQC(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if qcTests != "" {
		cfg.QC.TestConfig = qcTests
	}
	if qcLimits != "" {
		cfg.QC.DetectionLimits = qcLimits
	}
	if qcKey != "" {
		cfg.QC.Key = qcKey
	}
	if qcFillOnly {
		cfg.QC.FillOnly = true
	}
	if qcFlagsOnly && qcOut != "" && !strings.EqualFold(filepath.Ext(qcOut), ".csv") {
		return fmt.Errorf("flag files are written as CSV, got %s", qcOut)
	}

	tests, err := cfg.QC.LoadTests()
	if err != nil {
		return err
	}
	t, err := tableio.ReadFile(qcFile, tableio.Options{
		Key:         cfg.QC.Key,
		TimeColumns: []string{cfg.QC.Axes.Time},
		Sheet:       qcSheet,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	out, err := fileQC{
		Tests:       tests,
		Options:     cfg.QC.Options(),
		Resolver:    cfg.QC.Resolver(),
		Precedence:  cfg.QC.Precedence(),
		Workers:     cfg.QC.Workers,
		TestColumns: qcTestColumns,
		FlagsOnly:   qcFlagsOnly,
		Fill:        qcFill,
	}.Run(ctx, t, slog.Default())
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if qcOut != "" {
		f, err := os.Create(qcOut)
		if err != nil {
			return fmt.Errorf("creating %s: %w", qcOut, err)
		}
		defer f.Close() //nolint:errcheck
		w = f
	}
	if err := tableio.WriteCSV(w, out); err != nil {
		return err
	}
	slog.Info("qc complete", "file", qcFile, "rows", out.Len(), "out", qcOut)
	return nil
}

// Run checks t and merges the automated flags with the flags already in t in
// precedence order.
func (q fileQC) Run(ctx context.Context, t *record.Table, logger *slog.Logger) (*record.Table, error) {
	if t.Key == "" || !t.HasColumn(t.Key) {
		return nil, fmt.Errorf("table has no key column %q", t.Key)
	}
	p := qc.NewPipeline(q.Resolver, logger)
	p.SetWorkers(q.Workers)
	out, err := p.Run(ctx, t, q.Tests, qc.RunOptions{Options: q.Options, TestColumns: q.TestColumns})
	if err != nil {
		return nil, err
	}

	var variables []string
	for _, v := range q.Tests.Variables() {
		if t.HasColumn(v) {
			variables = append(variables, v)
		}
	}
	automatedCols := p.FlagColumns(variables)
	if q.TestColumns {
		for _, c := range out.Columns() {
			if !t.HasColumn(c) {
				automatedCols = append(automatedCols, c)
			}
		}
	}
	automated := out.Select(automatedCols...)

	precedence := q.Precedence
	if len(precedence) == 0 {
		precedence = merge.DefaultPrecedence
	}
	resolved, err := merge.ResolveNamed(t.Key, precedence, map[string]*record.Table{
		merge.Stored:    t,
		merge.Automated: automated,
	})
	if err != nil {
		return nil, err
	}

	// Keep the input column order with new columns last.
	cols := t.Columns()
	for _, c := range out.Columns() {
		if !t.HasColumn(c) {
			cols = append(cols, c)
		}
	}
	resolved = resolved.Select(cols...)

	if q.FlagsOnly {
		resolved = tableio.FlagColumns(resolved)
	}
	if q.Fill {
		qc.FillMissingFlags(resolved)
	}
	return resolved, nil
}
