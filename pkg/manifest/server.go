package manifest

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

// Server serves a directory laid out as workflows/ and templates/ over the
// manifest listing and content routes. Descriptors are computed on every
// listing, so edits on disk are visible immediately.
type Server struct {
	dir    string
	logger zerolog.Logger
}

// NewServer creates a Server for dir.
func NewServer(dir string, logger zerolog.Logger) *Server {
	return &Server{
		dir:    dir,
		logger: logger.With().Str("component", "manifest-server").Logger(),
	}
}

// Register adds the manifest routes to e.
func (s *Server) Register(e *echo.Echo) {
	e.GET(RouteList, s.handleList)
	e.GET(RouteFile, s.handleFile)
}

// Handler returns a standalone echo handler with tracing and recovery.
func (s *Server) Handler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("froyoflow-manifests"))
	s.Register(e)
	return e
}

func (s *Server) handleList(c echo.Context) error {
	var listing Listing
	var err error

	if listing.Workflows, err = DescribeDir(filepath.Join(s.dir, string(CategoryWorkflows))); err != nil {
		s.logger.Error().Err(err).Msg("Failed to list workflows")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list workflows")
	}
	if listing.Templates, err = DescribeDir(filepath.Join(s.dir, string(CategoryTemplates))); err != nil {
		s.logger.Error().Err(err).Msg("Failed to list templates")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list templates")
	}
	return c.JSON(http.StatusOK, listing)
}

func (s *Server) handleFile(c echo.Context) error {
	name := c.Param("filename")
	if err := ValidateName(name); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	category := Category(c.QueryParam("category"))
	if category == "" {
		category = CategoryWorkflows
	}
	if !category.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown category "+string(category))
	}

	content, err := os.ReadFile(filepath.Join(s.dir, string(category), name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return echo.NewHTTPError(http.StatusNotFound, "manifest not found")
		}
		s.logger.Error().Err(err).Str("name", name).Msg("Failed to read manifest")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read manifest")
	}
	return c.Blob(http.StatusOK, "application/octet-stream", content)
}
