package otlp

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"

	"github.com/xiaot623/gogo/ingestor/internal/adapter/errreport"
	"github.com/xiaot623/gogo/ingestor/internal/config"
	"github.com/xiaot623/gogo/ingestor/internal/domain"
	"github.com/xiaot623/gogo/ingestor/internal/repository"
	"github.com/xiaot623/gogo/ingestor/internal/service"
	"github.com/xiaot623/gogo/ingestor/policy"
	"github.com/xiaot623/gogo/ingestor/tests/helpers"
)

const projectID = "9d1e2f3a-4b5c-4d6e-8f70-8192a3b4c5d6"

const testMaxBody = 64 << 10

func newTestHandler(t *testing.T) (*Handler, repository.Store) {
	cfg := &config.Config{ParentRetryDelay: 10 * time.Millisecond}
	db := helpers.NewTestSQLiteStore(t)
	helpers.SeedProject(t, db, projectID)
	reporter := errreport.ReporterFunc(func(context.Context, error, map[string]any) {})
	return NewHandler(service.New(db, policy.NewEvaluator(), reporter, nil, cfg), testMaxBody), db
}

func stringAttr(k, v string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}}}
}

func traceExport(t *testing.T, attrs ...*commonpb.KeyValue) []byte {
	t.Helper()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	req := &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			ScopeSpans: []*tracepb.ScopeSpans{{
				Spans: []*tracepb.Span{{
					TraceId:           bytes.Repeat([]byte{1}, 16),
					SpanId:            []byte{0xa, 0xb, 0xc, 0xd, 1, 2, 3, 4},
					Name:              "lookup",
					StartTimeUnixNano: uint64(start.UnixNano()),
					EndTimeUnixNano:   uint64(start.Add(time.Second).UnixNano()),
					Attributes:        append([]*commonpb.KeyValue{stringAttr("gen_ai.tool.name", "search")}, attrs...),
				}},
			}},
		}},
	}
	data, err := proto.Marshal(req)
	require.NoError(t, err)
	return data
}

func post(t *testing.T, h echo.HandlerFunc, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/traces", bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	if err := h(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return rec
}

func TestTracesIngestsSpan(t *testing.T) {
	h, db := newTestHandler(t)

	rec := post(t, h.Traces, traceExport(t), map[string]string{
		"Content-Type":       "application/x-protobuf",
		"lunary-project-key": "pk-" + projectID,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/x-protobuf", rec.Header().Get("Content-Type"))

	var resp coltracepb.ExportTraceServiceResponse
	require.NoError(t, proto.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.GetPartialSuccess())

	run, err := db.GetRunByID(t.Context(), projectID, "0a0b0c0d01020304")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, domain.RunTypeTool, run.Type)
	assert.Equal(t, "search", run.Name)
	assert.Equal(t, domain.RunStatusSuccess, run.Status)
}

func TestTracesProjectKeyFromPayload(t *testing.T) {
	h, db := newTestHandler(t)

	rec := post(t, h.Traces, traceExport(t, stringAttr("lunary.project_key", "sk-"+projectID)),
		map[string]string{"Content-Type": "application/x-protobuf"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	run, err := db.GetRunByID(t.Context(), projectID, "0a0b0c0d01020304")
	require.NoError(t, err)
	assert.NotNil(t, run)
}

func TestTracesGzip(t *testing.T) {
	h, _ := newTestHandler(t)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(traceExport(t))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	rec := post(t, h.Traces, buf.Bytes(), map[string]string{
		"Content-Type":     "application/x-protobuf",
		"Content-Encoding": "gzip",
		"Authorization":    "Bearer pk-" + projectID,
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestTracesGzipOverLimit(t *testing.T) {
	h, _ := newTestHandler(t)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(bytes.Repeat([]byte{0}, 4*testMaxBody))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.Less(t, buf.Len(), testMaxBody)

	rec := post(t, h.Traces, buf.Bytes(), map[string]string{
		"Content-Type":     "application/x-protobuf",
		"Content-Encoding": "gzip",
		"Authorization":    "Bearer pk-" + projectID,
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())
}

func TestExportErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    []byte
		headers map[string]string
		want    int
	}{
		{
			name:    "json content type",
			body:    []byte(`{}`),
			headers: map[string]string{"Content-Type": "application/json", "Authorization": "Bearer pk-" + projectID},
			want:    http.StatusUnsupportedMediaType,
		},
		{
			name:    "malformed protobuf",
			body:    []byte{0xff, 0xff, 0xff},
			headers: map[string]string{"Content-Type": "application/x-protobuf", "Authorization": "Bearer pk-" + projectID},
			want:    http.StatusBadRequest,
		},
		{
			name:    "unknown encoding",
			body:    []byte{1},
			headers: map[string]string{"Content-Type": "application/x-protobuf", "Content-Encoding": "br"},
			want:    http.StatusBadRequest,
		},
		{
			name:    "no project key",
			body:    nil,
			headers: map[string]string{"Content-Type": "application/x-protobuf"},
			want:    http.StatusUnauthorized,
		},
		{
			name:    "unknown project key",
			body:    nil,
			headers: map[string]string{"Content-Type": "application/x-protobuf", "lunary-project-key": "nope"},
			want:    http.StatusPaymentRequired,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(t)
			rec := post(t, h.Traces, tt.body, tt.headers)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestLogsAndMetricsAcknowledge(t *testing.T) {
	h, _ := newTestHandler(t)
	headers := map[string]string{"Content-Type": "application/x-protobuf", "Authorization": "Bearer pk-" + projectID}

	rec := post(t, h.Logs, nil, headers)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = post(t, h.Metrics, nil, headers)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}
