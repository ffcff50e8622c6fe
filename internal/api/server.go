// Package api is the HTTP surface of the pipeline: the scheduler's public
// API, operator actions, inbound webhooks and the metrics endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"convpipe/internal/domain"
	"convpipe/internal/metrics"
)

const apiPrefix = "/api"

// Scheduler is the public surface of the outbound scheduler.
type Scheduler interface {
	Schedule(ctx context.Context, req domain.ScheduleRequest) (*domain.ScheduledMessage, error)
	Cancel(ctx context.Context, req domain.CancelRequest) (int, error)
	List(ctx context.Context, f domain.ScheduleFilter) ([]domain.ScheduledMessage, error)
	Stats(ctx context.Context, tenant string) (domain.ScheduleStats, error)
}

// Operator covers the human-facing conversation actions.
type Operator interface {
	OperatorSend(ctx context.Context, convID, operator, body string) (domain.Message, error)
	SetResponderEnabled(ctx context.Context, convID string, enabled bool) error
}

type ContextBuilder interface {
	BuildContext(ctx context.Context, convID string) (string, error)
}

type TenantSummarizer interface {
	SummarizeTenant(ctx context.Context, tenant string) (*domain.TenantSummary, error)
}

type ConversationReader interface {
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
}

// WebhookMount is a transport that serves its own webhook routes.
type WebhookMount interface {
	RegisterRoutes(r gin.IRouter, path string)
}

// Config wires the server. Nil collaborators leave their routes unmounted.
type Config struct {
	Addr          string
	APIKey        string // empty disables auth on /api
	InboundSecret string // empty disables POST /api/inbound
	DefaultTenant string
	MetricsPath   string // empty disables the metrics endpoint

	Scheduler     Scheduler
	Operator      Operator
	Context       ContextBuilder
	Tenants       TenantSummarizer
	Conversations ConversationReader
	Inbound       domain.MessageBus

	Webhooks map[string]WebhookMount // path -> transport

	Logger *slog.Logger
}

type Server struct {
	cfg    Config
	engine *gin.Engine
	logger *slog.Logger
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DefaultTenant == "" {
		cfg.DefaultTenant = "default"
	}
	s := &Server{cfg: cfg, logger: cfg.Logger}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())
	s.registerRoutes(engine)
	s.engine = engine
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.logger.Info("api server starting", "addr", s.cfg.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}
}

func (s *Server) registerRoutes(engine *gin.Engine) {
	engine.GET("/healthz", s.health)
	if s.cfg.MetricsPath != "" {
		engine.GET(s.cfg.MetricsPath, gin.WrapF(metrics.Collector.Handler()))
	}
	for path, wh := range s.cfg.Webhooks {
		wh.RegisterRoutes(engine, path)
	}
	if s.cfg.Inbound != nil && s.cfg.InboundSecret != "" {
		// Signed, so it sits outside the API key group.
		engine.POST(apiPrefix+"/inbound", s.inbound)
	}

	api := engine.Group(apiPrefix, s.authMiddleware())
	if s.cfg.Scheduler != nil {
		api.POST("/scheduled", s.schedule)
		api.GET("/scheduled", s.listScheduled)
		api.GET("/scheduled/stats", s.scheduledStats)
		api.DELETE("/scheduled/:id", s.cancelByID)
		api.POST("/scheduled/cancel", s.cancel)
	}
	if s.cfg.Conversations != nil {
		api.GET("/conversations/:id", s.getConversation)
	}
	if s.cfg.Operator != nil {
		api.PUT("/conversations/:id/responder", s.setResponder)
		api.POST("/conversations/:id/messages", s.operatorSend)
	}
	if s.cfg.Context != nil {
		api.GET("/conversations/:id/context", s.conversationContext)
	}
	if s.cfg.Tenants != nil {
		api.POST("/tenants/:tenant/summary", s.summarizeTenant)
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.APIKey == "" {
			c.Next()
			return
		}
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			token = c.Query("token")
		}
		if token != s.cfg.APIKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("api request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// abortWithError maps domain errors onto HTTP status codes.
func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidSchedule), errors.Is(err, domain.ErrInvalidSummary):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case domain.IsVersionConflict(err):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
