package otlp

import (
	"strings"

	"github.com/google/uuid"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	"google.golang.org/protobuf/proto"

	"github.com/xiaot623/gogo/ingestor/internal/domain"
)

// DecodeLogsExport decodes an ExportLogsServiceRequest. Only gen_ai.*
// event records are mapped; everything else is acknowledged and dropped.
func DecodeLogsExport(data []byte) ([]domain.Event, error) {
	var req collogspb.ExportLogsServiceRequest
	if err := proto.Unmarshal(data, &req); err != nil {
		return nil, &DecodeError{Signal: SignalLogs, Err: err}
	}

	var events []domain.Event
	for _, rl := range req.GetResourceLogs() {
		resource := attributesOf(rl.GetResource().GetAttributes())
		for _, sl := range rl.GetScopeLogs() {
			for _, record := range sl.GetLogRecords() {
				events = append(events, LogEvents(record, resource)...)
			}
		}
	}
	return events, nil
}

// LogEvents maps one log record:
//   - gen_ai.choice with a finish reason ends the llm run of its span
//   - gen_ai.tool.message becomes a tool start/end pair under its span
//   - other gen_ai.* records become log lines attached to their span
func LogEvents(record *logspb.LogRecord, resource Attributes) []domain.Event {
	attrs := merge(resource, attributesOf(record.GetAttributes()))

	name := record.GetEventName()
	if name == "" {
		name = attrs.String("event.name")
	}
	if !strings.HasPrefix(name, "gen_ai.") {
		return nil
	}

	ts := nanosToTime(record.GetTimeUnixNano())
	if ts.IsZero() {
		ts = nanosToTime(record.GetObservedTimeUnixNano())
	}
	if ts.IsZero() {
		return nil
	}

	spanID := hexID(record.GetSpanId())
	body := parseJSONString(anyValue(record.GetBody()))
	bodyMap, _ := body.(map[string]any)
	metadata := spanMetadata(attrs)

	switch name {
	case "gen_ai.choice":
		finishReason := attrs.String("gen_ai.choice.finish_reason", "finish_reason")
		if finishReason == "" && bodyMap != nil {
			finishReason, _ = bodyMap["finish_reason"].(string)
		}
		if finishReason == "" || spanID == "" {
			break
		}
		output := body
		if msg, ok := bodyMap["message"]; ok {
			output = msg
		}
		if metadata == nil {
			metadata = make(map[string]any)
		}
		metadata["finishReasons"] = []any{finishReason}
		return []domain.Event{{
			Type:      domain.RunTypeLLM,
			Event:     domain.EventEnd,
			RunID:     spanID,
			Timestamp: ts,
			Output:    marshal(output),
			Metadata:  metadata,
		}}

	case "gen_ai.tool.message":
		runID := attrs.String("gen_ai.tool.call.id")
		if runID == "" && bodyMap != nil {
			runID, _ = bodyMap["id"].(string)
		}
		if runID == "" {
			runID = uuid.NewString()
		}
		output := body
		if content, ok := bodyMap["content"]; ok {
			output = content
		}
		toolName := attrs.String("gen_ai.tool.name")
		if toolName == "" {
			toolName = "tool"
		}
		start := domain.Event{
			Type:        domain.RunTypeTool,
			Event:       domain.EventStart,
			RunID:       runID,
			ParentRunID: spanID,
			Timestamp:   ts,
			Name:        toolName,
			Metadata:    metadata,
		}
		end := start
		end.Event = domain.EventEnd
		end.Output = marshal(output)
		return []domain.Event{start, end}
	}

	if spanID == "" {
		return nil
	}
	extra := map[string]any{"event": name}
	if role := messageRole(name); role != "" {
		extra["role"] = role
	}
	for k, v := range metadata {
		extra[k] = v
	}
	return []domain.Event{{
		Type:        domain.RunTypeLog,
		Event:       domain.EventName(logLevel(record)),
		ParentRunID: spanID,
		Timestamp:   ts,
		Message:     marshal(body),
		Extra:       extra,
	}}
}

func messageRole(name string) string {
	if !strings.HasSuffix(name, ".message") {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(name, "gen_ai."), ".message")
}

func logLevel(record *logspb.LogRecord) string {
	if s := strings.ToLower(record.GetSeverityText()); s != "" {
		return s
	}
	switch n := record.GetSeverityNumber(); {
	case n >= logspb.SeverityNumber_SEVERITY_NUMBER_ERROR:
		return "error"
	case n >= logspb.SeverityNumber_SEVERITY_NUMBER_WARN:
		return "warn"
	case n >= logspb.SeverityNumber_SEVERITY_NUMBER_INFO:
		return "info"
	case n > logspb.SeverityNumber_SEVERITY_NUMBER_UNSPECIFIED:
		return "debug"
	}
	return "info"
}
