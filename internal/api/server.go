// Package api exposes scans, detections and key usage over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/leak-sentinel/internal/cache"
	"github.com/raaihank/leak-sentinel/internal/config"
	"github.com/raaihank/leak-sentinel/internal/logger"
	"github.com/raaihank/leak-sentinel/internal/metrics"
	"github.com/raaihank/leak-sentinel/internal/quota"
	"github.com/raaihank/leak-sentinel/internal/scan"
	"github.com/raaihank/leak-sentinel/internal/store"
	"github.com/raaihank/leak-sentinel/internal/websocket"
)

// Version is reported by /info.
const Version = "0.1.0"

// ScanService starts and stops scans.
type ScanService interface {
	Start(ctx context.Context, req scan.Request) (string, error)
	Cancel(scanID string) error
	Running() []string
	DefaultRequest() scan.Request
}

// ScanReader reads persisted scans.
type ScanReader interface {
	GetScan(ctx context.Context, id string) (*store.Scan, error)
	ListScans(ctx context.Context, limit int) ([]store.Scan, error)
	Leaks(ctx context.Context, scanID string) ([]store.Leak, error)
	Reports(ctx context.Context, scanID string) ([]store.Report, error)
	Stats(ctx context.Context) (*store.Stats, error)
}

// KeyPool reports and resets search key usage.
type KeyPool interface {
	Stats() []quota.KeyStats
	Available() int
	Reset()
}

// CacheReader reports seen-URL cache usage.
type CacheReader interface {
	GetStats(ctx context.Context) (*cache.Stats, error)
}

// Mailer sends a test report email.
type Mailer interface {
	SendTest(ctx context.Context) error
}

// Deps holds the collaborators served by the API. Cache, Mailer, Hub and
// Metrics may be nil.
type Deps struct {
	Scanner ScanService
	Store   ScanReader
	Keys    KeyPool
	Cache   CacheReader
	Mailer  Mailer
	Hub     *websocket.Hub
	Metrics *metrics.Metrics
}

// Server represents the HTTP API server
type Server struct {
	config *config.Config
	logger *logger.Logger
	deps   Deps
	router *mux.Router
	server *http.Server
}

// New creates a new API server instance
func New(cfg *config.Config, deps Deps, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}

	s := &Server{
		config: cfg,
		logger: log.WithComponent("api"),
		deps:   deps,
		router: mux.NewRouter(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	if s.deps.Hub != nil && s.config.WebSocket.Enabled {
		s.router.HandleFunc(s.config.WebSocket.Path, s.deps.Hub.HandleWebSocket).Methods(http.MethodGet)
	}
	if s.deps.Metrics != nil && s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	apiRouter := s.router.PathPrefix("/api").Subrouter()
	apiRouter.Use(s.loggingMiddleware)
	apiRouter.HandleFunc("/scans", s.handleStartScan).Methods(http.MethodPost)
	apiRouter.HandleFunc("/scans", s.handleListScans).Methods(http.MethodGet)
	apiRouter.HandleFunc("/scans/{id}", s.handleGetScan).Methods(http.MethodGet)
	apiRouter.HandleFunc("/scans/{id}", s.handleCancelScan).Methods(http.MethodDelete)
	apiRouter.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	apiRouter.HandleFunc("/keys", s.handleKeys).Methods(http.MethodGet)
	apiRouter.HandleFunc("/keys/reset", s.handleResetKeys).Methods(http.MethodPost)
	apiRouter.HandleFunc("/test-email", s.handleTestEmail).Methods(http.MethodPost)
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting leak-sentinel API server",
		zap.Int("port", s.config.Server.Port),
		zap.Bool("websocket", s.deps.Hub != nil && s.config.WebSocket.Enabled),
		zap.Bool("metrics", s.deps.Metrics != nil && s.config.Metrics.Enabled),
	)
	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping leak-sentinel API server")
	return s.server.Shutdown(ctx)
}
