// Package otlp serves the OTLP/HTTP protobuf export endpoints.
package otlp

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/labstack/echo/v4"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/proto"

	"github.com/xiaot623/gogo/ingestor/internal/adapter/otlp"
	"github.com/xiaot623/gogo/ingestor/internal/domain"
	"github.com/xiaot623/gogo/ingestor/internal/metrics"
	"github.com/xiaot623/gogo/ingestor/internal/service"
	"github.com/xiaot623/gogo/ingestor/internal/transport/http/auth"
)

// Handler handles OTLP export requests.
type Handler struct {
	service *service.Service
	maxBody int64
}

// NewHandler creates a new OTLP handler. maxBody caps the decompressed
// request size; zero disables the cap.
func NewHandler(service *service.Service, maxBody int64) *Handler {
	return &Handler{service: service, maxBody: maxBody}
}

// RegisterRoutes registers the OTLP routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/traces", h.Traces)
	e.POST("/v1/logs", h.Logs)
	e.POST("/v1/metrics", h.Metrics)
}

// Traces ingests an ExportTraceServiceRequest.
// POST /v1/traces
func (h *Handler) Traces(c echo.Context) error {
	return h.export(c, otlp.SignalTraces, otlp.DecodeTraceExport, &coltracepb.ExportTraceServiceResponse{})
}

// Logs ingests an ExportLogsServiceRequest.
// POST /v1/logs
func (h *Handler) Logs(c echo.Context) error {
	return h.export(c, otlp.SignalLogs, otlp.DecodeLogsExport, &collogspb.ExportLogsServiceResponse{})
}

// Metrics acknowledges an ExportMetricsServiceRequest. Metrics are decoded
// for validation and counted but not stored.
// POST /v1/metrics
func (h *Handler) Metrics(c echo.Context) error {
	body, status, msg := h.readBody(c, otlp.SignalMetrics)
	if status != http.StatusOK {
		return h.fail(c, otlp.SignalMetrics, status, msg)
	}
	count, err := otlp.DecodeMetricsExport(body)
	if err != nil {
		return h.fail(c, otlp.SignalMetrics, http.StatusBadRequest, err.Error())
	}
	clog.FromContext(c.Request().Context()).Info("received otlp metrics", "metrics", count)
	return h.respond(c, otlp.SignalMetrics, &colmetricspb.ExportMetricsServiceResponse{})
}

type decodeFunc func([]byte) ([]domain.Event, error)

func (h *Handler) export(c echo.Context, signal otlp.Signal, decode decodeFunc, resp proto.Message) error {
	ctx := c.Request().Context()

	body, status, msg := h.readBody(c, signal)
	if status != http.StatusOK {
		return h.fail(c, signal, status, msg)
	}
	events, err := decode(body)
	if err != nil {
		return h.fail(c, signal, http.StatusBadRequest, err.Error())
	}

	project, err := h.service.ResolveFirstProject(ctx,
		c.Request().Header.Get(auth.ProjectKeyHeader),
		auth.Bearer(c.Request()),
		otlp.ProjectKeyHint(events),
	)
	if err != nil {
		status, msg := auth.Status(err)
		return h.fail(c, signal, status, msg)
	}

	clog.FromContext(ctx).With("project_id", project.ID, "signal", signal).
		Info("received otlp export", "events", len(events))
	h.service.IngestOTLP(ctx, project.ID, events)

	return h.respond(c, signal, resp)
}

// readBody checks the media type and returns the decompressed body.
func (h *Handler) readBody(c echo.Context, signal otlp.Signal) ([]byte, int, string) {
	req := c.Request()
	if !strings.HasPrefix(req.Header.Get(echo.HeaderContentType), otlp.ContentType) {
		return nil, http.StatusUnsupportedMediaType, "Unsupported Content-Type"
	}

	raw, err := io.ReadAll(req.Body)
	if err != nil {
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			return nil, httpErr.Code, http.StatusText(httpErr.Code)
		}
		return nil, http.StatusBadRequest, err.Error()
	}
	body, err := otlp.Decompress(signal, raw, req.Header.Get(echo.HeaderContentEncoding), h.maxBody)
	if errors.Is(err, otlp.ErrBodyTooLarge) {
		return nil, http.StatusRequestEntityTooLarge, err.Error()
	}
	if err != nil {
		return nil, http.StatusBadRequest, err.Error()
	}
	return body, http.StatusOK, ""
}

func (h *Handler) respond(c echo.Context, signal otlp.Signal, resp proto.Message) error {
	data, err := proto.Marshal(resp)
	if err != nil {
		return h.fail(c, signal, http.StatusInternalServerError, err.Error())
	}
	metrics.OTLPRequests.WithLabelValues(string(signal), strconv.Itoa(http.StatusOK)).Inc()
	return c.Blob(http.StatusOK, otlp.ContentType, data)
}

func (h *Handler) fail(c echo.Context, signal otlp.Signal, status int, msg string) error {
	metrics.OTLPRequests.WithLabelValues(string(signal), strconv.Itoa(status)).Inc()
	return c.JSON(status, map[string]string{"error": msg})
}
