package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/openfroyo/froyoflow/pkg/engine"
	"github.com/openfroyo/froyoflow/pkg/remote/protocol"
)

// Handler returns the HTTP surface of the executor.
func (s *Server) Handler() http.Handler { return s.echo }

// Echo returns the underlying echo instance.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleHTTPError

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("froyoflow-executor"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug().
				Str("method", v.Method).
				Str("path", v.URIPath).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("Request handled")
			return nil
		},
	}))

	e.POST(protocol.RouteBegin, s.handleBegin)
	e.POST(protocol.RouteExecute, s.handleExecute)
	e.GET(protocol.RouteState, s.handleState)
	e.POST(protocol.RouteEnd, s.handleEnd)
	e.GET(protocol.RouteActions, s.handleListActions)
	e.GET(protocol.RouteAction, s.handleDescribeAction)
	e.GET(protocol.RouteHealth, s.handleHealth)
	e.GET(protocol.RouteMetrics, echo.WrapHandler(s.metrics.Handler()))

	return e
}

func (s *Server) handleBegin(c echo.Context) error {
	var req protocol.BeginRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, badRequest(err))
	}

	resp, err := s.Begin(c.Request().Context(), &req)
	if err != nil {
		return c.JSON(protocol.StatusCode(resp.Error.Code), resp)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleExecute(c echo.Context) error {
	var req protocol.ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, badRequest(err))
	}

	resp, err := s.Execute(c.Request().Context(), c.Param("id"), &req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleState(c echo.Context) error {
	resp, err := s.PollState(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleEnd(c echo.Context) error {
	resp, err := s.End(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListActions(c echo.Context) error {
	return c.JSON(http.StatusOK, protocol.ActionList{Actions: s.registry.List()})
}

func (s *Server) handleDescribeAction(c echo.Context) error {
	meta, err := s.registry.Describe(c.Param("name"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, meta)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, protocol.Health{
		Status:     "ok",
		ExecutorID: s.cfg.ExecutorID,
		Sessions:   s.cache.Len(),
		Version:    s.cfg.Version,
	})
}

// handleHTTPError renders router and binding errors in the protocol's
// error shape.
func (s *Server) handleHTTPError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code := engine.ErrCodeInternal
		switch he.Code {
		case http.StatusNotFound, http.StatusMethodNotAllowed:
			code = engine.ErrCodeNotFound
		case http.StatusBadRequest, http.StatusUnsupportedMediaType:
			code = engine.ErrCodeValidation
		}
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok {
			msg = m
		}
		_ = c.JSON(he.Code, protocol.ErrorResponse{Error: &protocol.Error{Code: code, Message: msg}})
		return
	}

	s.logger.Error().Err(err).Str("path", c.Path()).Msg("Unhandled executor error")
	_ = writeError(c, err)
}

func writeError(c echo.Context, err error) error {
	wire := protocol.FromError(err)
	return c.JSON(protocol.StatusCode(wire.Code), protocol.ErrorResponse{Error: wire})
}

func badRequest(err error) error {
	return engine.NewPermanentError("invalid request body", err).WithCode(engine.ErrCodeValidation)
}
