package http

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/gatewarden/internal/documents"
)

// handleUpload accepts a multipart "file" field or a JSON UploadRequest.
func (s *Server) handleUpload(c echo.Context) error {
	ctx := c.Request().Context()

	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		fh, err := c.FormFile("file")
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
		}
		f, err := fh.Open()
		if err != nil {
			return err
		}
		defer f.Close()
		content, err := io.ReadAll(io.LimitReader(f, documents.MaxSize+1))
		if err != nil {
			return err
		}
		contentType := fh.Header.Get(echo.HeaderContentType)
		if contentType == echo.MIMEOctetStream {
			// Browsers and curl send this when they do not know; let the
			// file name decide.
			contentType = ""
		}
		doc, err := s.svc.Documents.Add(ctx, fh.Filename, contentType, content)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, doc)
	}

	var req UploadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	doc, err := s.svc.Documents.Add(ctx, req.Name, req.ContentType, []byte(req.Content))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, doc)
}

func (s *Server) handleListDocuments(c echo.Context) error {
	docs, err := s.svc.Documents.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, docs)
}

func (s *Server) handleDeleteDocument(c echo.Context) error {
	if err := s.svc.Documents.Remove(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// handleExtractText decodes the document body. A decode failure is
// reported as 400 and also leaves the document in status error.
func (s *Server) handleExtractText(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	text, err := s.svc.Documents.ExtractText(ctx, id)
	if err != nil {
		return err
	}
	doc, err := s.svc.Documents.Get(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ExtractResponse{Document: doc, Text: text})
}

// handleParseRules extracts rules from one document. primary defaults to
// true; primary=false forces the keyword fallback.
func (s *Server) handleParseRules(c echo.Context) error {
	usePrimary := true
	if v := c.QueryParam("primary"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "primary must be true or false")
		}
		usePrimary = b
	}
	rules, err := s.svc.Rules.ParseRules(c.Request().Context(), c.Param("id"), usePrimary)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rules)
}

// handleRules returns documents, extracted rules and conflicts together.
func (s *Server) handleRules(c echo.Context) error {
	snap, err := s.svc.Rules.Snapshot(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleActiveRules(c echo.Context) error {
	return c.JSON(http.StatusOK, s.svc.Rules.ActiveRules())
}

func (s *Server) handleBaseline(c echo.Context) error {
	return c.JSON(http.StatusOK, s.svc.Rules.Baseline())
}

func (s *Server) handleDetectConflicts(c echo.Context) error {
	conflicts, err := s.svc.Rules.DetectConflicts(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conflicts)
}

func (s *Server) handleConflicts(c echo.Context) error {
	return c.JSON(http.StatusOK, s.svc.Rules.Conflicts())
}

func (s *Server) handleResolveConflict(c echo.Context) error {
	var req ConflictResolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	conflict, err := s.svc.Rules.Resolve(c.Request().Context(), c.Param("id"), req.Resolution, req.Notes)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conflict)
}
