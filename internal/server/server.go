// Package server assembles the HTTP server: storage engine, multipart store,
// middleware chain, and the S3 routing table.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/ShadowArcanist/maxio/internal/auth"
	"github.com/ShadowArcanist/maxio/internal/config"
	"github.com/ShadowArcanist/maxio/internal/metrics"
	"github.com/ShadowArcanist/maxio/internal/middleware"
	"github.com/ShadowArcanist/maxio/internal/multipart"
	"github.com/ShadowArcanist/maxio/internal/storage"
	"github.com/ShadowArcanist/maxio/pkg/s3compat"
)

const shutdownTimeout = 30 * time.Second

// Server is the assembled S3 service.
type Server struct {
	cfg        *config.Config
	store      *storage.FilesystemStore
	uploads    *multipart.Store
	httpServer *http.Server
}

// New wires up the server from configuration.
func New(cfg *config.Config) (*Server, error) {
	store, err := storage.NewFilesystemStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	uploads, err := multipart.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize multipart store: %w", err)
	}

	srv := &Server{cfg: cfg, store: store, uploads: uploads}
	srv.httpServer = &http.Server{
		Addr:    cfg.Listen,
		Handler: srv.buildHandler(),
	}
	return srv, nil
}

// buildHandler assembles the middleware chain and routing table. Health and
// metrics endpoints bypass SigV4; everything else is authenticated.
func (s *Server) buildHandler() http.Handler {
	router := mux.NewRouter()
	router.Use(middleware.RequestID())
	router.Use(middleware.Logging())

	if s.cfg.Metrics.Enable {
		manager := metrics.NewManager()
		router.Use(manager.Middleware())
		router.Handle(s.cfg.Metrics.Path, manager.Handler()).Methods(http.MethodGet)
	}

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)

	verifier := &auth.Verifier{
		AccessKey: s.cfg.Auth.AccessKey,
		SecretKey: s.cfg.Auth.SecretKey,
		Region:    s.cfg.Region,
	}
	s3Router := router.PathPrefix("/").Subrouter()
	s3Router.Use(middleware.SigV4Auth(verifier))

	handler := s3compat.NewHandler(s.store, s.uploads, s.cfg.Region)
	handler.RegisterRoutes(s3Router)

	return handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{}))(router)
}

// recoveryLogger routes panic reports through logrus.
type recoveryLogger struct{}

func (recoveryLogger) Println(v ...interface{}) {
	logrus.Error(append([]interface{}{"Recovered from panic:"}, v...)...)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReady verifies the storage root is still reachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ListBuckets(r.Context()); err != nil {
		logrus.WithError(err).Error("Readiness check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Start runs the server until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("listen", s.cfg.Listen).Info("S3 API server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.uploads.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Graceful shutdown failed")
	}
	if err := s.uploads.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close multipart store")
	}
	return nil
}

// Handler exposes the assembled HTTP handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
