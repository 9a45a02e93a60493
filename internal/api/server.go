// Package api serves datasets, automated QC runs and reviewer flags over a JSON
// HTTP API with a websocket stream of review events.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/review"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/store"
)

// Server is the REST API server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	logger     *slog.Logger
}

// NewServer creates a new API server with all routes registered.
func NewServer(s store.Store, svc *review.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		Store:     s,
		Review:    svc,
		Logger:    logger,
		StartTime: time.Now(),
	}

	var handler http.Handler = h.routes()

	// Apply middleware (outermost runs first).
	handler = ContentType(handler)
	handler = SecurityHeaders(handler)
	handler = CORS("")(handler) // Empty string disables CORS headers.
	handler = Logger(logger)(handler)
	handler = RequestID(handler)
	handler = Recovery(logger)(handler)

	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // Automated QC of a large dataset is synchronous.
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, handlers: h, logger: logger}
}

func (h *Handlers) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.HandleFunc("GET /api/v1/datasets", h.ListDatasets)
	mux.HandleFunc("GET /api/v1/datasets/{dataset}", h.GetDataset)
	mux.HandleFunc("GET /api/v1/datasets/{dataset}/records", h.GetRecords)
	mux.HandleFunc("POST /api/v1/datasets/{dataset}/qc", h.RunQC)
	mux.HandleFunc("POST /api/v1/datasets/{dataset}/flags", h.ApplyFlags)
	mux.HandleFunc("GET /api/v1/datasets/{dataset}/flags/summary", h.GetFlagSummary)
	mux.HandleFunc("GET /api/v1/datasets/{dataset}/casts", h.GetCastFlags)
	mux.HandleFunc("GET /api/v1/datasets/{dataset}/statistics/pooled", h.GetPooledStd)
	mux.HandleFunc("GET /api/v1/datasets/{dataset}/statistics/interannual", h.GetInterannual)
	mux.HandleFunc("GET /api/v1/datasets/{dataset}/events", h.StreamEvents)
	return mux
}

// ListenAndServe starts the HTTP server. Blocks until context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer.Addr = addr
	s.logger.Info("api server starting", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// SetVersion sets the version string for the health endpoint.
func (s *Server) SetVersion(v string) { s.handlers.Version = v }

// SetStorageInfo sets storage driver and path for the health endpoint.
func (s *Server) SetStorageInfo(driver, path string) {
	s.handlers.StorageDriver = driver
	s.handlers.StoragePath = path
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
