package internalapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/ingestor/internal/domain"
)

// GetRun reads back a stored run.
// GET /internal/projects/:project_id/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.service.GetRun(c.Request().Context(), c.Param("project_id"), c.Param("run_id"))
	if err != nil {
		return c.JSON(errorStatus(err), map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, run)
}

// ListLogs reads back the logs attached to a run.
// GET /internal/projects/:project_id/runs/:run_id/logs
func (h *Handler) ListLogs(c echo.Context) error {
	logs, err := h.service.ListLogs(c.Request().Context(), c.Param("project_id"), c.Param("run_id"))
	if err != nil {
		return c.JSON(errorStatus(err), map[string]string{"error": err.Error()})
	}
	if logs == nil {
		logs = []domain.Log{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"logs": logs,
	})
}

// GetExternalUser reads back an end user and its last known props.
// GET /internal/projects/:project_id/users/:external_id
func (h *Handler) GetExternalUser(c echo.Context) error {
	user, err := h.service.GetExternalUser(c.Request().Context(), c.Param("project_id"), c.Param("external_id"))
	if err != nil {
		return c.JSON(errorStatus(err), map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, user)
}
