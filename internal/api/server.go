// Package api serves backtests, payoff analyses and saved runs over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/contactkeval/option-lab/internal/backtest/engine"
	"github.com/contactkeval/option-lab/internal/data"
	"github.com/contactkeval/option-lab/internal/logger"
	"github.com/contactkeval/option-lab/internal/store"
)

// Server serves HTTP requests for the backtest service.
type Server struct {
	defaults engine.Config
	prov     data.Provider
	store    *store.Store
	limiter  *rate.Limiter
	validate *validator.Validate
	router   *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithStore saves every backtest and enables the runs endpoints.
func WithStore(s *store.Store) Option {
	return func(server *Server) { server.store = s }
}

// WithRateLimit limits the compute endpoints to r requests per second with
// the given burst.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(server *Server) { server.limiter = rate.NewLimiter(r, burst) }
}

// NewServer creates a server whose requests start from defaults and read
// market data from prov.
func NewServer(defaults engine.Config, prov data.Provider, opts ...Option) *Server {
	server := &Server{
		defaults: defaults,
		prov:     prov,
		limiter:  rate.NewLimiter(10, 20),
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(server)
	}
	server.setupRouter()
	return server
}

func (server *Server) setupRouter() {
	if logger.Verbosity() < logger.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger)

	router.GET("/health", server.health)

	v1 := router.Group("/v1")
	v1.POST("/backtest", server.rateLimit, server.backtest)
	v1.POST("/payoff", server.rateLimit, server.payoff)
	v1.GET("/runs", server.listRuns)
	v1.GET("/runs/:id", server.getRun)

	server.router = router
}

// Handler returns the HTTP handler.
func (server *Server) Handler() http.Handler { return server.router }

// Start serves on addr until ctx is canceled, then shuts down gracefully.
func (server *Server) Start(ctx context.Context, addr string, readTimeout, writeTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("starting REST server on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Infof("shutting down REST server")
		return srv.Shutdown(shutdownCtx)
	}
}

func (server *Server) rateLimit(c *gin.Context) {
	if !server.limiter.Allow() {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
		return
	}
	c.Next()
}

func requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()
	logger.Dbg().
		Str("event", "http_request").
		Str("method", c.Request.Method).
		Str("path", c.FullPath()).
		Int("status", c.Writer.Status()).
		Dur("took", time.Since(start)).
		Msg("")
}

func errorResponse(err error) gin.H {
	return gin.H{"error": err.Error()}
}
