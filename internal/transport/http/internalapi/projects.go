package internalapi

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/ingestor/internal/service"
)

// CreateProject registers a project.
// POST /internal/projects
func (h *Handler) CreateProject(c echo.Context) error {
	var req service.CreateProjectRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	project, err := h.service.CreateProject(c.Request().Context(), req)
	if err != nil {
		return c.JSON(errorStatus(err), map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, project)
}

// SetIngestionRule installs a rego module as a project's rule. The body is
// the raw module text.
// PUT /internal/projects/:project_id/rules/:type
func (h *Handler) SetIngestionRule(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if len(body) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "rule is required"})
	}

	rule, err := h.service.SetIngestionRule(c.Request().Context(), c.Param("project_id"), c.Param("type"), string(body))
	if err != nil {
		return c.JSON(errorStatus(err), map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, rule)
}
