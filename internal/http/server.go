// Package http serves the gatewarden REST API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gatewarden/internal/approval"
	"github.com/fyrsmithlabs/gatewarden/internal/audit"
	"github.com/fyrsmithlabs/gatewarden/internal/documents"
	"github.com/fyrsmithlabs/gatewarden/internal/evidence"
	"github.com/fyrsmithlabs/gatewarden/internal/logging"
	"github.com/fyrsmithlabs/gatewarden/internal/orchestrator"
	"github.com/fyrsmithlabs/gatewarden/internal/policy"
	"github.com/fyrsmithlabs/gatewarden/internal/rules"
	"github.com/fyrsmithlabs/gatewarden/internal/scenarios"
)

// Services are the components the API exposes.
type Services struct {
	Orchestrator *orchestrator.Orchestrator
	Approvals    *approval.Queue
	Ledger       *audit.Ledger
	Evidence     *evidence.Exporter
	Policy       *policy.Gateway
	Documents    *documents.Store
	Rules        *rules.Engine
}

func (s Services) validate() error {
	switch {
	case s.Orchestrator == nil:
		return errors.New("orchestrator is required")
	case s.Approvals == nil:
		return errors.New("approval queue is required")
	case s.Ledger == nil:
		return errors.New("ledger is required")
	case s.Evidence == nil:
		return errors.New("evidence exporter is required")
	case s.Policy == nil:
		return errors.New("policy gateway is required")
	case s.Documents == nil:
		return errors.New("document store is required")
	case s.Rules == nil:
		return errors.New("rule engine is required")
	}
	return nil
}

// Server provides the HTTP endpoints.
type Server struct {
	echo   *echo.Echo
	svc    Services
	logger *zap.Logger
	config *Config
	now    func() time.Time
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
	// Metrics enables the otel request instruments.
	Metrics bool
}

// NewServer creates a new HTTP server.
func NewServer(svc Services, logger *zap.Logger, cfg *Config) (*Server, error) {
	if err := svc.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8080,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger, e.DefaultHTTPErrorHandler)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(fmt.Sprintf("%dM", documents.MaxSize/(1<<20)+1)))
	if cfg.Metrics {
		e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			ctx := logging.WithRequestID(c.Request().Context(), c.Response().Header().Get(echo.HeaderXRequestID))
			c.SetRequest(c.Request().WithContext(ctx))
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request", append(logging.ContextFields(ctx),
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
			)...)

			return err
		}
	})

	s := &Server{
		echo:   e,
		svc:    svc,
		logger: logger,
		config: cfg,
		now:    time.Now,
	}
	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")

	v1.POST("/runs", s.handleStartRun)
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.GET("/demo", s.handleListScenarios)
	v1.POST("/demo/:name", s.handleDemo)

	v1.GET("/approvals", s.handleListApprovals)
	v1.GET("/approvals/:id", s.handleGetApproval)
	v1.POST("/approvals/:id/approve", s.handleResolve(true))
	v1.POST("/approvals/:id/reject", s.handleResolve(false))

	v1.GET("/ledger", s.handleLedger)
	v1.GET("/ledger/verify", s.handleVerify)
	v1.GET("/evidence", s.handleEvidence)

	v1.GET("/policy", s.handleGetPolicy)
	v1.PUT("/policy", s.handlePutPolicy)

	v1.POST("/documents", s.handleUpload)
	v1.GET("/documents", s.handleListDocuments)
	v1.DELETE("/documents/:id", s.handleDeleteDocument)
	v1.POST("/documents/:id/extract", s.handleExtractText)
	v1.POST("/documents/:id/rules", s.handleParseRules)

	v1.GET("/rules", s.handleRules)
	v1.GET("/rules/active", s.handleActiveRules)
	v1.GET("/baseline", s.handleBaseline)
	v1.POST("/baseline/:id/conflicts", s.handleDetectConflicts)
	v1.GET("/conflicts", s.handleConflicts)
	v1.POST("/conflicts/:id/resolve", s.handleResolveConflict)
}

// handleHealth reports liveness plus the active policy and queue depth.
func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	pending, err := s.svc.Approvals.PendingCount(ctx)
	if err != nil {
		return err
	}
	seq, _ := s.svc.Ledger.Head()
	pol := s.svc.Policy.Policy()
	return c.JSON(http.StatusOK, HealthResponse{
		Status:           "ok",
		Version:          s.config.Version,
		PolicyID:         pol.PolicyID,
		PolicyVersion:    pol.PolicyVersion,
		LedgerHead:       seq,
		PendingApprovals: pending,
	})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidConfiguration),
		errors.Is(err, policy.ErrInvalidPolicy),
		errors.Is(err, rules.ErrInvalidResolution),
		errors.Is(err, documents.ErrUnsupportedType),
		errors.Is(err, documents.ErrInvalidDocument),
		errors.Is(err, evidence.ErrUnknownFormat):
		return http.StatusBadRequest
	case errors.Is(err, documents.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, orchestrator.ErrRunNotFound),
		errors.Is(err, approval.ErrUnknownApprovalID),
		errors.Is(err, documents.ErrNotFound),
		errors.Is(err, rules.ErrConflictNotFound),
		errors.Is(err, rules.ErrBaselineNotFound),
		errors.Is(err, scenarios.ErrUnknownScenario):
		return http.StatusNotFound
	case errors.Is(err, approval.ErrAlreadyResolved):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// errorHandler turns domain errors into echo.HTTPErrors before echo
// renders them. Unmapped errors are logged and reported as 500.
func errorHandler(logger *zap.Logger, next echo.HTTPErrorHandler) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		var he *echo.HTTPError
		if !errors.As(err, &he) {
			code := statusFor(err)
			if code == http.StatusInternalServerError {
				logger.Error("request failed",
					zap.String("method", c.Request().Method),
					zap.String("path", c.Path()),
					zap.Error(err))
			}
			he = echo.NewHTTPError(code, err.Error()).SetInternal(err)
		}
		next(he, c)
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}
