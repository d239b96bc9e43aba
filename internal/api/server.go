// Package api serves the catalog over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"feedcatalog/internal/catalog"
	"feedcatalog/internal/ingest"
	"feedcatalog/internal/metrics"
	"feedcatalog/internal/search"
)

type Server struct {
	echo   *echo.Echo
	db     *gorm.DB
	engine *search.Engine
	sched  *ingest.Scheduler
	store  *catalog.Store
}

func NewServer(db *gorm.DB, engine *search.Engine, sched *ingest.Scheduler) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestMetrics)

	s := &Server{echo: e, db: db, engine: engine, sched: sched, store: catalog.NewStore(db)}
	s.registerHandlers()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) Start(addr string) error {
	logrus.WithField("addr", addr).Info("Starting HTTP server")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func requestMetrics(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		status := c.Response().Status
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
		}
		metrics.RecordRequest(c.Request().Method, c.Path(), status)
		return err
	}
}

// writeError maps domain errors onto status codes.
func writeError(c echo.Context, err error) error {
	var qe *search.QueryError
	switch {
	case errors.As(err, &qe):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": qe.Error(), "field": qe.Field})
	case errors.Is(err, ingest.ErrRunInProgress):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, ingest.ErrShopDisabled):
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, ingest.ErrShopNotFound), errors.Is(err, search.ErrGroupNotFound),
		errors.Is(err, search.ErrProductNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		logrus.WithError(err).WithField("path", c.Path()).Error("Request failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
