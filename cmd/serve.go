package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/api"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/config"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/events"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/review"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/store"
)

var (
	listenAddr    string
	storageDriver string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve stored datasets and the review API (default command)",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().StringVar(&storageDriver, "storage-driver", "", "storage driver (overrides config)")
	rootCmd.AddCommand(serveCmd)

	// Make serve the default command.
	rootCmd.RunE = runServe
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Apply flag overrides.
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}

	slog.Info("starting hakaiqc",
		"listen_addr", cfg.ListenAddr,
		"storage_driver", cfg.Storage.Driver,
		"fill_only", cfg.QC.FillOnly,
	)

	s, err := store.Open(cfg.Storage.Driver, cfg.DSN())
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck

	slog.Info("database ready", "driver", cfg.Storage.Driver)

	svc, err := newReviewService(cfg, s)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := api.NewServer(s, svc, slog.Default())
	srv.SetVersion(Version)
	storagePath := cfg.DSN()
	if cfg.Storage.Driver == "postgres" {
		storagePath = redactDSN(storagePath)
	}
	srv.SetStorageInfo(cfg.Storage.Driver, storagePath)

	slog.Info("hakaiqc ready", "addr", cfg.ListenAddr, "variables", svc.Variables())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.ListenAddr) })

	waitErr := g.Wait()
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		slog.Error("hakaiqc exited with error", "error", waitErr)
	}

	// Always run graceful cleanup, even on error.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	_ = s.Close()

	slog.Info("hakaiqc shutdown complete")
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return nil
}

// newReviewService builds the review service from the qc section of cfg.
func newReviewService(cfg *config.Config, s store.Store) (*review.Service, error) {
	tests, err := cfg.QC.LoadTests()
	if err != nil {
		return nil, fmt.Errorf("loading qc tests: %w", err)
	}
	logger := slog.Default()
	return review.NewService(s, events.NewHub(logger), review.Settings{
		Tests:      tests,
		Options:    cfg.QC.Options(),
		Resolver:   cfg.QC.Resolver(),
		Precedence: cfg.QC.Precedence(),
		Workers:    cfg.QC.Workers,
	}, logger), nil
}

// loadConfig sets up logging and loads the configuration. log_format from the
// config file applies unless --log-format was given.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	setupLogging()
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if cfg.LogFormat != "" && !cmd.Flags().Changed("log-format") {
		logFormat = cfg.LogFormat
		setupLogging()
	}
	return cfg, nil
}

func setupLogging() {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	if logFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// redactDSN masks the password in a PostgreSQL DSN for safe display.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return dsn
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
