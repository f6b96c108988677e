// Package ops serves the operational HTTP surface: health aggregation,
// Prometheus metrics, cross-tenant call lookups and the error handler's
// admin endpoints.
package ops

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dev.callstream.pipeline/internal/messaging/dlq"
	"dev.callstream.pipeline/internal/search"
)

// Config holds the ops server settings.
type Config struct {
	Host           string
	Port           string
	Mode           string // gin mode: "debug", "release" or "test"
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestLogging bool
}

// DefaultConfig returns the ops server defaults.
func DefaultConfig() Config {
	return Config{
		Host:         "0.0.0.0",
		Port:         "8080",
		Mode:         gin.ReleaseMode,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// Checker probes one dependency (broker, database, search engine). A nil
// error means healthy.
type Checker func(ctx context.Context) error

// Snapshot returns one component's observable state for the health report.
type Snapshot func() any

// ErrorAdmin is the slice of the error handler the admin endpoints drive.
type ErrorAdmin interface {
	Counters() dlq.Counters
	Health() dlq.Health
	ListPending() []*dlq.PendingRetry
	ListResolved() []*dlq.RetryOutcome
	Discard(ctx context.Context, id, reason string) error
	PurgeResolved() int
}

// CallFinder is the admin, cross-tenant slice of the search engine.
type CallFinder interface {
	ValidateCallIDExists(ctx context.Context, callID string) (bool, error)
	SearchByCallID(ctx context.Context, callID string) (*search.Result, error)
}

// Server is the operational HTTP server.
type Server struct {
	config Config
	log    *logrus.Logger

	checkers   map[string]Checker
	snapshots  map[string]Snapshot
	errorAdmin ErrorAdmin
	calls      CallFinder
	metrics    http.Handler

	engine *gin.Engine
	server *http.Server

	mu      sync.Mutex
	running bool
}

// Option configures the server.
type Option func(*Server)

// WithChecker registers a dependency probe included in /healthz.
func WithChecker(name string, check Checker) Option {
	return func(s *Server) {
		s.checkers[name] = check
	}
}

// WithSnapshot registers a component state reported by /healthz.
func WithSnapshot(name string, snapshot Snapshot) Option {
	return func(s *Server) {
		s.snapshots[name] = snapshot
	}
}

// WithErrorAdmin wires the error handler admin endpoints.
func WithErrorAdmin(admin ErrorAdmin) Option {
	return func(s *Server) {
		s.errorAdmin = admin
	}
}

// WithCallFinder wires the cross-tenant call lookup endpoints.
func WithCallFinder(finder CallFinder) Option {
	return func(s *Server) {
		s.calls = finder
	}
}

// WithMetricsHandler serves the given handler on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// NewServer creates the ops server. Routes for unconfigured dependencies
// are simply not registered.
func NewServer(config Config, log *logrus.Logger, opts ...Option) *Server {
	if log == nil {
		log = logrus.New()
	}
	s := &Server{
		config:    config,
		log:       log,
		checkers:  make(map[string]Checker),
		snapshots: make(map[string]Snapshot),
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(config.Mode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	if config.RequestLogging {
		engine.Use(s.requestLogger())
	}
	s.engine = engine
	s.registerRoutes()
	return s
}

// Engine exposes the gin engine, mainly for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"took_ms": time.Since(start).Milliseconds(),
		}).Debug("Request handled")
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.getHealth)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics))
	}

	opsGroup := s.engine.Group("/ops")
	if s.calls != nil {
		opsGroup.GET("/calls/:callId", s.getCall)
	}
	if s.errorAdmin != nil {
		opsGroup.GET("/errors", s.getErrors)
		opsGroup.GET("/errors/pending", s.getPendingErrors)
		opsGroup.GET("/errors/resolved", s.getResolvedErrors)
		opsGroup.POST("/errors/pending/:id/discard", s.discardError)
		opsGroup.POST("/errors/resolved/purge", s.purgeResolved)
	}
}

// getHealth aggregates dependency probes and component snapshots. Any
// failing probe or unhealthy error handler turns the whole report 503.
func (s *Server) getHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	healthy := true
	deps := make(map[string]string, len(s.checkers))
	for name, check := range s.checkers {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			healthy = false
			continue
		}
		deps[name] = "ok"
	}

	components := make(map[string]any, len(s.snapshots))
	for name, snapshot := range s.snapshots {
		components[name] = snapshot()
	}
	if s.errorAdmin != nil {
		errHealth := s.errorAdmin.Health()
		components["errorHandler"] = errHealth
		if errHealth.Status != "healthy" {
			healthy = false
		}
	}

	status := http.StatusOK
	statusText := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		statusText = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":       statusText,
		"dependencies": deps,
		"components":   components,
		"timestamp":    time.Now().UTC(),
	})
}

// getCall is the admin cross-tenant lookup used by operations tooling.
func (s *Server) getCall(c *gin.Context) {
	callID := c.Param("callId")

	exists, err := s.calls.ValidateCallIDExists(c.Request.Context(), callID)
	if err != nil {
		s.respondError(c, http.StatusBadGateway, "SEARCH_UNAVAILABLE", err)
		return
	}
	if !exists {
		s.respondError(c, http.StatusNotFound, "CALL_NOT_FOUND",
			fmt.Errorf("call %s is not indexed", callID))
		return
	}

	result, err := s.calls.SearchByCallID(c.Request.Context(), callID)
	if err != nil {
		s.respondError(c, http.StatusBadGateway, "SEARCH_UNAVAILABLE", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"callId": callID,
		"total":  result.Total,
		"hits":   result.Hits,
		"tookMs": result.TookMS,
	})
}

func (s *Server) getErrors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"counters": s.errorAdmin.Counters(),
		"health":   s.errorAdmin.Health(),
	})
}

func (s *Server) getPendingErrors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": s.errorAdmin.ListPending()})
}

func (s *Server) getResolvedErrors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"resolved": s.errorAdmin.ListResolved()})
}

func (s *Server) discardError(c *gin.Context) {
	id := c.Param("id")
	reason := c.Query("reason")
	if reason == "" {
		reason = "discarded via ops endpoint"
	}
	if err := s.errorAdmin.Discard(c.Request.Context(), id, reason); err != nil {
		s.respondError(c, http.StatusNotFound, "RETRY_NOT_FOUND", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"discarded": id})
}

func (s *Server) purgeResolved(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"purged": s.errorAdmin.PurgeResolved()})
}

// respondError writes the structured error shape interactive callers rely
// on: a stable code, the message, the path and a timestamp.
func (s *Server) respondError(c *gin.Context, status int, code string, err error) {
	c.JSON(status, gin.H{
		"code":      code,
		"error":     err.Error(),
		"path":      c.Request.URL.Path,
		"timestamp": time.Now().UTC(),
	})
}

// Start runs the HTTP server until Shutdown. It blocks; callers run it in
// its own goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("ops server already running")
	}
	s.server = &http.Server{
		Addr:         s.config.Addr(),
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	s.running = true
	s.mu.Unlock()

	s.log.WithField("addr", s.config.Addr()).Info("Starting ops server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("ops server error: %w", err)
	}
	return nil
}

// Shutdown stops the server, letting in-flight requests finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.running = false
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
