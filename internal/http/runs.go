package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gatewarden/internal/approval"
	"github.com/fyrsmithlabs/gatewarden/internal/orchestrator"
	"github.com/fyrsmithlabs/gatewarden/internal/scenarios"
)

func (s *Server) handleStartRun(c echo.Context) error {
	var cfg orchestrator.RunConfig
	if err := c.Bind(&cfg); err != nil {
		s.logger.Warn("invalid run request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return s.start(c, cfg)
}

// start runs cfg and answers with the snapshot. A run that aborted on an
// infrastructure error is still returned alongside the failure.
func (s *Server) start(c echo.Context, cfg orchestrator.RunConfig) error {
	run, err := s.svc.Orchestrator.Start(c.Request().Context(), cfg)
	if err != nil {
		if run == nil {
			return err
		}
		s.logger.Error("run aborted", zap.String("run_id", run.ID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, run)
	}
	return c.JSON(http.StatusCreated, run)
}

func (s *Server) handleListRuns(c echo.Context) error {
	f := orchestrator.RunFilter{
		ActorID:   c.QueryParam("actor"),
		SessionID: c.QueryParam("session"),
		Active:    c.QueryParam("active") == "true",
	}
	runs, err := s.svc.Orchestrator.List(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) handleGetRun(c echo.Context) error {
	run, err := s.svc.Orchestrator.CurrentState(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleListScenarios(c echo.Context) error {
	all, err := scenarios.All()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, all)
}

// handleDemo starts a built-in scenario, by number or name.
func (s *Server) handleDemo(c echo.Context) error {
	sc, err := scenarios.Lookup(c.Param("name"))
	if err != nil {
		return err
	}
	var req DemoRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ActorID != "" {
		sc.Run.ActorID = req.ActorID
	}
	if req.SessionID != "" {
		sc.Run.SessionID = req.SessionID
	}
	s.logger.Info("starting demo scenario", zap.String("scenario", sc.Name))
	return s.start(c, sc.Run)
}

func (s *Server) handleListApprovals(c echo.Context) error {
	f := approval.ListFilter{
		Status:  approval.Status(c.QueryParam("status")),
		Action:  c.QueryParam("tool"),
		ActorID: c.QueryParam("actor"),
		RunID:   c.QueryParam("run"),
	}
	switch f.Status {
	case "", approval.StatusPending, approval.StatusResolved:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "status must be pending or resolved")
	}
	reqs, err := s.svc.Approvals.List(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, reqs)
}

func (s *Server) handleGetApproval(c echo.Context) error {
	req, err := s.svc.Approvals.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, req)
}

// handleResolve records a human decision and answers with the resumed run.
func (s *Server) handleResolve(approved bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body ResolveRequest
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if body.Resolver == "" {
			body.Resolver = "api"
		}
		run, err := s.svc.Orchestrator.ResolveApproval(c.Request().Context(), c.Param("id"), approved, body.Resolver, body.Comment)
		if err != nil {
			if run == nil {
				return err
			}
			s.logger.Error("resumed run aborted", zap.String("run_id", run.ID), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, run)
		}
		return c.JSON(http.StatusOK, run)
	}
}
