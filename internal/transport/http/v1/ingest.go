package v1

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/ingestor/internal/domain"
	"github.com/xiaot623/gogo/ingestor/internal/service"
	"github.com/xiaot623/gogo/ingestor/internal/transport/http/auth"
)

// IngestRequest is the body of the ingestion endpoint. Events holds a
// single event object or an array of them.
type IngestRequest struct {
	Events json.RawMessage `json:"events"`
}

// IngestResponse lists one result per submitted event.
type IngestResponse struct {
	Results []domain.Result `json:"results"`
}

// IngestEvents records a batch of run events.
// POST /v1/runs/ingest
func (h *Handler) IngestEvents(c echo.Context) error {
	ctx := c.Request().Context()

	key := c.Param("project_id")
	if key == "" {
		key = auth.Bearer(c.Request())
	}
	project, err := h.service.ResolveProject(ctx, key)
	if err != nil {
		status, msg := auth.Status(err)
		return c.JSON(status, map[string]string{"error": msg})
	}

	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	events, err := decodeEvents(req.Events)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	results := h.service.ProcessRaw(ctx, service.SourceNative, project.ID, events)
	if results == nil {
		results = []domain.Result{}
	}
	return c.JSON(http.StatusOK, IngestResponse{Results: results})
}

var errMissingEvents = errors.New("missing events payload")

// decodeEvents accepts a single event object or an array of events.
func decodeEvents(raw json.RawMessage) ([]map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, errMissingEvents
	}

	if raw[0] == '[' {
		var events []map[string]any
		if err := json.Unmarshal(raw, &events); err != nil {
			return nil, err
		}
		return events, nil
	}

	var event map[string]any
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, err
	}
	return []map[string]any{event}, nil
}
