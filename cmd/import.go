package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/review"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/store"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/tableio"
)

var (
	impDataset string
	impFile    string
	impKey     string
	impSheet   string
	impRunQC   bool
	impScope   string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a CSV or XLSX sample file into a stored dataset",
	Long: `import reads a sample file and upserts its rows into a dataset keyed on the
sample identifier. Flags already present in the file become the stored flag
layer. With --run-qc, automated QC runs on the dataset after the import.`,
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringVar(&impDataset, "dataset", "", "dataset name")
	importCmd.Flags().StringVar(&impFile, "file", "", "CSV or XLSX file to import")
	importCmd.Flags().StringVar(&impKey, "key", "", "sample identifier column (default: qc.key)")
	importCmd.Flags().StringVar(&impSheet, "sheet", "", "XLSX worksheet (default: first sheet)")
	importCmd.Flags().BoolVar(&impRunQC, "run-qc", false, "run automated QC after importing")
	importCmd.Flags().StringVar(&impScope, "scope", string(review.ScopeUnknown), "QC scope with --run-qc (all or unknown)")
	_ = importCmd.MarkFlagRequired("dataset")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if impKey == "" {
		impKey = cfg.QC.Key
	}

	t, err := tableio.ReadFile(impFile, tableio.Options{
		Key:         impKey,
		TimeColumns: []string{cfg.QC.Axes.Time},
		Sheet:       impSheet,
	})
	if err != nil {
		return err
	}
	if !t.HasColumn(impKey) {
		return fmt.Errorf("%s has no key column %q", impFile, impKey)
	}

	s, err := store.Open(cfg.Storage.Driver, cfg.DSN())
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck

	svc, err := newReviewService(cfg, s)
	if err != nil {
		return err
	}

	// Support context cancellation via signals.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	n, err := svc.Import(ctx, impDataset, t)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %s records into %s\n", formatNumber(n), impDataset)

	if !impRunQC {
		return nil
	}
	res, err := svc.RunQC(ctx, impDataset, review.QCRequest{Scope: review.Scope(impScope)})
	if err != nil {
		return err
	}
	slog.Info("automated qc complete", "dataset", impDataset, "batch_id", res.BatchID)
	fmt.Fprintf(cmd.OutOrStdout(), "QC %s: %d of %d records changed (batch %s)\n",
		res.Scope, res.Changed, res.Rows, res.BatchID)
	return nil
}
