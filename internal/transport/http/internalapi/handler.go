// Package internalapi provides HTTP handlers for the internal admin API:
// project and rule management, run read-back and metrics.
package internalapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaot623/gogo/ingestor/internal/domain"
	"github.com/xiaot623/gogo/ingestor/internal/service"
)

// Handler handles internal HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new internal API handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers internal routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Projects
	e.POST("/internal/projects", h.CreateProject)
	e.PUT("/internal/projects/:project_id/rules/:type", h.SetIngestionRule)

	// Run read-back
	e.GET("/internal/projects/:project_id/runs/:run_id", h.GetRun)
	e.GET("/internal/projects/:project_id/runs/:run_id/logs", h.ListLogs)
	e.GET("/internal/projects/:project_id/users/:external_id", h.GetExternalUser)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})
}

func errorStatus(err error) int {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrProjectNotFound), errors.Is(err, domain.ErrRunNotFound),
		errors.Is(err, domain.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicate):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
