// Package api provides the HTTP ingress for scheduling and inspecting pulses.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/reeve/reeve/internal/common/config"
	"github.com/reeve/reeve/internal/common/httpmw"
	"github.com/reeve/reeve/internal/common/logger"
	"github.com/reeve/reeve/internal/pulse/daemon"
	"github.com/reeve/reeve/internal/pulse/queue"
)

// ErrMissingToken rejects server construction without a bearer token; an
// unauthenticated scheduling surface is not a valid deployment.
var ErrMissingToken = errors.New("api token must be configured")

// DaemonStatus reports the scheduling loop state for the status endpoint.
type DaemonStatus interface {
	Status() daemon.Status
}

// Server is the HTTP API server.
type Server struct {
	cfg    *config.Config
	queue  *queue.Queue
	daemon DaemonStatus
	logger *logger.Logger
	router *gin.Engine
	http   *http.Server
}

// NewServer creates the API server. The daemon status provider may be nil
// when running without an embedded daemon.
func NewServer(cfg *config.Config, q *queue.Queue, d DaemonStatus, log *logger.Logger) (*Server, error) {
	if cfg.Server.Token == "" {
		return nil, ErrMissingToken
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:    cfg,
		queue:  q,
		daemon: d,
		logger: log.WithComponent("api"),
		router: gin.New(),
	}
	s.setupRoutes()
	return s, nil
}

// Router returns the HTTP router.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestID())
	s.router.Use(httpmw.RequestLogger(s.logger, "pulse-api"))
	s.router.Use(httpmw.OtelTracing("pulse-api"))

	// Health stays reachable without credentials for probes.
	s.router.GET("/api/health", s.handleHealth)

	authed := s.router.Group("/api")
	authed.Use(s.bearerAuth())
	{
		authed.GET("/status", s.handleStatus)
		authed.POST("/pulse/schedule", s.handleSchedule)
		authed.GET("/pulse/upcoming", s.handleUpcoming)
	}
}

// bearerAuth distinguishes a missing credential (401) from a wrong one (403).
func (s *Server) bearerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Server.Token)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.Server.WriteTimeoutDuration(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Surface an immediate bind failure instead of logging it from a goroutine.
	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
	}

	s.logger.Info("api server listening", zap.String("addr", s.http.Addr))
	return nil
}

// Stop shuts down the listener gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
