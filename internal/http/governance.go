package http

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gatewarden/internal/audit"
	"github.com/fyrsmithlabs/gatewarden/internal/evidence"
	"github.com/fyrsmithlabs/gatewarden/internal/gate"
	"github.com/fyrsmithlabs/gatewarden/internal/policy"
)

// ParseTime accepts RFC 3339 timestamps or plain dates (UTC midnight).
// The empty string is the zero time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

func queryTime(c echo.Context, name string) (time.Time, error) {
	t, err := ParseTime(c.QueryParam(name))
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s: %v", name, err))
	}
	return t, nil
}

func queryInt(c echo.Context, name string) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s must be a non-negative integer", name))
	}
	return n, nil
}

// handleLedger serves one page of ledger entries.
func (s *Server) handleLedger(c echo.Context) error {
	f := audit.Filter{
		ActorID:  c.QueryParam("actor"),
		RunID:    c.QueryParam("run"),
		Text:     c.QueryParam("q"),
	}
	if d := c.QueryParam("decision"); d != "" {
		f.Decision = gate.Decision(strings.ToUpper(d))
		if !f.Decision.Known() {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown decision %q", d))
		}
	}
	if g := c.QueryParam("gate"); g != "" {
		parsed, err := gate.Parse(g)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		f.Gate = parsed
	}
	var err error
	if f.Since, err = queryTime(c, "since"); err != nil {
		return err
	}
	if f.Until, err = queryTime(c, "until"); err != nil {
		return err
	}
	if f.Offset, err = queryInt(c, "offset"); err != nil {
		return err
	}
	if f.Limit, err = queryInt(c, "limit"); err != nil {
		return err
	}

	page, err := s.svc.Ledger.Query(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

func (s *Server) handleVerify(c echo.Context) error {
	res, err := s.svc.Ledger.Verify(c.Request().Context())
	if err != nil {
		return err
	}
	if !res.Valid {
		s.logger.Warn("ledger chain broken",
			zap.Uint64("broken_at", res.BrokenAt),
			zap.String("reason", res.Reason))
	}
	return c.JSON(http.StatusOK, res)
}

// handleEvidence exports a sealed evidence pack as a download.
func (s *Server) handleEvidence(c echo.Context) error {
	format, err := evidence.ParseFormat(c.QueryParam("format"))
	if err != nil {
		return err
	}
	req := evidence.Request{RunID: c.QueryParam("run")}
	if req.Since, err = queryTime(c, "since"); err != nil {
		return err
	}
	if req.Until, err = queryTime(c, "until"); err != nil {
		return err
	}

	pack, err := s.svc.Evidence.Export(c.Request().Context(), req)
	if err != nil {
		return err
	}
	data, err := evidence.Encode(pack, format)
	if err != nil {
		return err
	}

	contentType := echo.MIMEApplicationJSON
	if format == evidence.FormatYAML {
		contentType = "application/yaml"
	}
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=%q", evidence.FileName(pack.ExportTimestamp, format)))
	return c.Blob(http.StatusOK, contentType, data)
}

func (s *Server) handleGetPolicy(c echo.Context) error {
	return c.JSON(http.StatusOK, PolicyResponse{Path: s.svc.Policy.Path(), Policy: s.svc.Policy.Policy()})
}

// handlePutPolicy installs a new policy and, when the gateway is file
// backed, writes it back so a restart keeps it.
func (s *Server) handlePutPolicy(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reading request body")
	}
	p, err := policy.Parse(body)
	if err != nil {
		return err
	}
	if err := s.svc.Policy.Replace(p); err != nil {
		return err
	}
	if path := s.svc.Policy.Path(); path != "" {
		if err := policy.Save(path, p); err != nil {
			return err
		}
	}
	s.logger.Info("policy updated via api",
		zap.String("policy_id", p.PolicyID),
		zap.String("policy_version", p.PolicyVersion))
	return c.JSON(http.StatusOK, PolicyResponse{Path: s.svc.Policy.Path(), Policy: s.svc.Policy.Policy()})
}
