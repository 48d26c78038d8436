// Package server exposes the risk scorer and the ledger over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"txguard/internal/config"
	"txguard/internal/metrics"
	"txguard/internal/service"
)

// Pinger is implemented by stores that can report their connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server owns the router and the HTTP listener lifecycle.
type Server struct {
	cfg     config.ServerConfig
	svc     *service.Service
	health  Pinger
	limiter *rate.Limiter
	router  *gin.Engine
	httpSrv *http.Server
	logger  zerolog.Logger
	now     func() time.Time
}

// New wires the routes. health may be nil.
func New(cfg config.ServerConfig, svc *service.Service, health Pinger, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		svc:     svc,
		health:  health,
		limiter: rate.NewLimiter(rate.Limit(cfg.AppendRate), cfg.AppendBurst),
		router:  gin.New(),
		logger:  logger.With().Str("component", "http").Logger(),
		now:     time.Now,
	}
	s.setupRoutes()
	return s
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(recovery(s.logger), requestLogger(s.logger), metrics.Middleware())

	s.router.GET("/healthz", s.healthz)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/version", s.versionInfo)

	v1 := s.router.Group("/v1")
	s.registerRiskRoutes(v1.Group("/risk"))
	s.registerLedgerRoutes(v1.Group("/ledger"))
	v1.POST("/transactions", s.processTransaction)
}

// Run serves until ctx is cancelled or the listener fails, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("starting http server")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown gracefully terminates active connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	s.logger.Info().Msg("shutting down http server")
	return s.httpSrv.Shutdown(ctx)
}
