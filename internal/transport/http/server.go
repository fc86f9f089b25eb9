// Package http provides the HTTP servers of the ingestion service.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/ingestor/internal/config"
	"github.com/xiaot623/gogo/ingestor/internal/service"
	"github.com/xiaot623/gogo/ingestor/internal/transport/http/internalapi"
	"github.com/xiaot623/gogo/ingestor/internal/transport/http/otlp"
	v1 "github.com/xiaot623/gogo/ingestor/internal/transport/http/v1"
)

// NewExternalServer creates and configures the external-facing HTTP server.
// This server accepts native JSON event batches and OTLP exports.
func NewExternalServer(svc *service.Service, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.BodyLimit(cfg.MaxBodySize))

	// Handlers
	v1Handler := v1.NewHandler(svc)
	otlpHandler := otlp.NewHandler(svc, cfg.MaxBodyBytes())

	// Register Routes
	v1Handler.RegisterRoutes(e)
	otlpHandler.RegisterRoutes(e)

	return e
}

// NewInternalServer creates and configures the internal-facing HTTP server.
// This server handles project administration and exposes metrics.
func NewInternalServer(svc *service.Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// Handlers
	internalHandler := internalapi.NewHandler(svc)

	// Register Routes
	internalHandler.RegisterRoutes(e)

	return e
}
