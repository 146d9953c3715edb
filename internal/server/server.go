// Package server exposes the playback source over a small HTTP control API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/zsiec/stitch/internal/catalog"
	"github.com/zsiec/stitch/internal/config"
	apperrors "github.com/zsiec/stitch/internal/errors"
	"github.com/zsiec/stitch/internal/health"
	"github.com/zsiec/stitch/internal/logger"
	"github.com/zsiec/stitch/internal/sink"
	"github.com/zsiec/stitch/internal/splitmux"
)

// Player is the part of the source the API drives.
type Player interface {
	Status() splitmux.Status
	Parts() []splitmux.PartInfo
	Position() (time.Duration, bool)
	Seek(req splitmux.SeekRequest) error
	AddFragment(f splitmux.Fragment) error
}

// StatsSource reports per-port sink statistics.
type StatsSource interface {
	Stats() []sink.Stats
}

// Options carries the optional collaborators of a Server.
type Options struct {
	Sinks   StatsSource
	Catalog catalog.Catalog
	Health  *health.Manager
	Logger  logger.Logger
}

// Server is the HTTP control API.
type Server struct {
	config       *config.ServerConfig
	router       *mux.Router
	httpServer   *http.Server
	log          logger.Logger
	player       Player
	sinks        StatsSource
	catalog      catalog.Catalog
	healthMgr    *health.Manager
	errorHandler *apperrors.ErrorHandler
	seekLimiter  *rate.Limiter
	seqnum       uint32

	additionalRoutes []func(*mux.Router)
	routesReady      bool
}

// New creates a server for player. Routes are set up on first use.
func New(cfg *config.ServerConfig, player Player, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.NewNullLogger()
	}
	log = log.WithField("component", "server")
	healthMgr := opts.Health
	if healthMgr == nil {
		healthMgr = health.NewManager(log)
	}

	limit := rate.Limit(cfg.SeekRate)
	if cfg.SeekRate <= 0 {
		limit = rate.Inf
	}
	burst := cfg.SeekBurst
	if burst < 1 {
		burst = 1
	}

	// Catalog locations are paths, passed percent-encoded in one segment.
	router := mux.NewRouter().UseEncodedPath()

	return &Server{
		config:       cfg,
		router:       router,
		log:          log,
		player:       player,
		sinks:        opts.Sinks,
		catalog:      opts.Catalog,
		healthMgr:    healthMgr,
		errorHandler: apperrors.NewErrorHandler(log),
		seekLimiter:  rate.NewLimiter(limit, burst),
		seqnum:       uint32(time.Now().Unix()),
	}
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", ln.Addr().String()).Info("Starting control API")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown stops the server within the configured shutdown timeout.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.log.Info("Control API stopped")
	return nil
}

// Handler returns the router with every route registered.
func (s *Server) Handler() http.Handler {
	if !s.routesReady {
		s.setupRoutes()
		s.routesReady = true
	}
	return s.router
}

// RegisterRoutes adds handlers, for example a metrics endpoint. It must be
// called before Start.
func (s *Server) RegisterRoutes(registerFunc func(*mux.Router)) {
	s.additionalRoutes = append(s.additionalRoutes, registerFunc)
}

func (s *Server) setupRoutes() {
	s.router.Use(logger.RequestLoggerMiddleware(s.log))
	s.router.Use(s.errorHandler.Middleware)
	s.router.Use(metricsMiddleware)
	s.router.Use(corsMiddleware)

	hh := health.NewHandler(s.healthMgr)
	s.router.HandleFunc("/health", hh.HandleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", hh.HandleReady).Methods(http.MethodGet)
	s.router.HandleFunc("/live", hh.HandleLive).Methods(http.MethodGet)
	s.router.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/parts", s.handleParts).Methods(http.MethodGet)
	api.HandleFunc("/seek", s.handleSeek).Methods(http.MethodPost)
	api.HandleFunc("/fragments", s.handleAddFragment).Methods(http.MethodPost)
	api.HandleFunc("/catalog", s.handleCatalogList).Methods(http.MethodGet)
	api.HandleFunc("/catalog/{location:.+}", s.handleCatalogForget).Methods(http.MethodDelete)

	for _, register := range s.additionalRoutes {
		register(s.router)
	}

	s.router.NotFoundHandler = http.HandlerFunc(s.errorHandler.HandleNotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.errorHandler.HandleMethodNotAllowed)
}

func (s *Server) nextSeqnum() uint32 {
	return atomic.AddUint32(&s.seqnum, 1)
}
