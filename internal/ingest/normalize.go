// Package ingest turns raw ingestion payloads into ordered canonical events.
package ingest

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/xiaot623/gogo/ingestor/internal/domain"
)

// timestampLayouts are tried in order for string timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// Normalize cleans and validates one raw event. Keys are converted from
// snake_case to camelCase at every depth before fields are resolved. A
// missing timestamp defaults to now.
func Normalize(raw map[string]any, now time.Time) (domain.Event, error) {
	if raw == nil {
		return domain.Event{}, &domain.ValidationError{Field: "event", Reason: "is empty"}
	}
	m, _ := toCamel(raw).(map[string]any)

	var ev domain.Event
	ev.Type = domain.RunType(str(m["type"]))
	ev.Event = domain.EventName(str(m["event"]))
	if ev.Event == "" && ev.Type == domain.RunTypeLog {
		ev.Event = domain.EventName(str(m["level"]))
	}
	ev.RunID = idString(m["runId"])
	ev.ParentRunID = idString(m["parentRunId"])
	ev.Name = str(m["name"])
	ev.UserID = idString(m["userId"])
	ev.Runtime = str(m["runtime"])
	ev.AppID = str(m["appId"])
	ev.ThreadTags = stringList(m["threadTags"])

	ts, err := parseTimestamp(m["timestamp"], now)
	if err != nil {
		return domain.Event{}, err
	}
	ev.Timestamp = ts

	if ev.Input, err = rawJSON(m["input"]); err != nil {
		return domain.Event{}, &domain.ValidationError{Field: "input", Reason: err.Error()}
	}
	if ev.Output, err = rawJSON(m["output"]); err != nil {
		return domain.Event{}, &domain.ValidationError{Field: "output", Reason: err.Error()}
	}
	if ev.Message, err = rawJSON(m["message"]); err != nil {
		return domain.Event{}, &domain.ValidationError{Field: "message", Reason: err.Error()}
	}

	ev.Params = object(m["params"])
	ev.Extra = object(m["extra"])
	ev.Metadata = object(m["metadata"])
	ev.Feedback = object(m["feedback"])
	ev.UserProps = object(m["userProps"])
	ev.TokensUsage = tokensUsage(m["tokensUsage"])
	ev.Error = eventError(m["error"])

	ev.Tags = stringList(m["tags"])
	ev.TemplateVersionID = str(m["templateVersionId"])
	if ev.TemplateVersionID == "" {
		ev.TemplateVersionID = idString(m["templateId"])
	}

	return Clean(ev)
}

// Clean applies the legacy field rules and validates required fields on an
// already typed event. The OTLP adapter output goes through here too.
func Clean(ev domain.Event) (domain.Event, error) {
	if ev.Type == "" {
		return ev, &domain.ValidationError{Field: "type", Reason: "is required"}
	}
	if !ev.Type.Valid() {
		return ev, &domain.ValidationError{Field: "type", Reason: fmt.Sprintf("%q is not a known run type", ev.Type)}
	}
	if ev.Event == "" {
		return ev, &domain.ValidationError{Field: "event", Reason: "is required"}
	}
	if ev.Type != domain.RunTypeLog {
		if !ev.Event.Valid() {
			return ev, &domain.ValidationError{Field: "event", Reason: fmt.Sprintf("%q is not a known event", ev.Event)}
		}
		if ev.RunID == "" {
			return ev, &domain.ValidationError{Field: "runId", Reason: "is required"}
		}
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	// Aliases read the metadata before it is flattened.
	if len(ev.Tags) == 0 && ev.Metadata != nil {
		ev.Tags = stringList(ev.Metadata["tags"])
	}
	if ev.TemplateVersionID == "" && ev.Metadata != nil {
		ev.TemplateVersionID = idString(ev.Metadata["templateId"])
	}
	if ev.Params == nil && ev.Extra != nil {
		ev.Params = ev.Extra
	}

	ev.Name = strings.Replace(ev.Name, "models/", "", 1)
	ev.Metadata = cleanMetadata(ev.Metadata)
	return ev, nil
}

// toCamel rewrites map keys from snake_case or kebab-case to camelCase recursively.
func toCamel(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[camelKey(k)] = toCamel(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = toCamel(val)
		}
		return out
	default:
		return v
	}
}

func camelKey(k string) string {
	if !strings.ContainsAny(k, "_-") {
		return k
	}
	var b strings.Builder
	b.Grow(len(k))
	runes := []rune(k)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if (r == '_' || r == '-') && i+1 < len(runes) && unicode.IsLetter(runes[i+1]) {
			b.WriteRune(unicode.ToUpper(runes[i+1]))
			i++
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// cleanMetadata keeps first-level scalars and arrays of scalars. Anything
// else is kept as a key with a null value.
func cleanMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case []any:
			arr := make([]any, len(t))
			for i, el := range t {
				if isScalar(el) {
					arr[i] = el
				}
			}
			out[k] = arr
		case []string:
			arr := make([]any, len(t))
			for i, el := range t {
				arr[i] = el
			}
			out[k] = arr
		default:
			if isScalar(v) {
				out[k] = v
			} else {
				out[k] = nil
			}
		}
	}
	return out
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, float64, float32, int, int64, int32, json.Number:
		return true
	}
	return false
}

func parseTimestamp(v any, now time.Time) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return now.UTC(), nil
	case float64:
		return time.UnixMilli(int64(t)).UTC(), nil
	case json.Number:
		ms, err := t.Float64()
		if err != nil {
			return time.Time{}, &domain.ValidationError{Field: "timestamp", Reason: "is not a valid date"}
		}
		return time.UnixMilli(int64(ms)).UTC(), nil
	case string:
		if t == "" {
			return now.UTC(), nil
		}
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC(), nil
			}
		}
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
	}
	return time.Time{}, &domain.ValidationError{Field: "timestamp", Reason: "is not a valid date"}
}

func rawJSON(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// idString accepts string ids and integral numeric ids.
func idString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == math.Trunc(t) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	}
	return ""
}

func object(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// stringList accepts a single string or a list; non-string entries are dropped.
func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []any:
		var out []string
		for _, el := range t {
			if s, ok := el.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func tokensUsage(v any) *domain.TokensUsage {
	m := object(v)
	if m == nil {
		return nil
	}
	usage := &domain.TokensUsage{
		Prompt:       firstInt(m, "prompt", "promptTokens", "input", "inputTokens"),
		Completion:   firstInt(m, "completion", "completionTokens", "output", "outputTokens"),
		PromptCached: firstInt(m, "promptCached", "cachedTokens"),
	}
	if usage.Prompt == nil && usage.Completion == nil && usage.PromptCached == nil {
		return nil
	}
	return usage
}

func firstInt(m map[string]any, keys ...string) *int64 {
	for _, k := range keys {
		switch t := m[k].(type) {
		case float64:
			n := int64(t)
			return &n
		case json.Number:
			if n, err := t.Int64(); err == nil {
				return &n
			}
		case string:
			if n, err := strconv.ParseInt(t, 10, 64); err == nil {
				return &n
			}
		}
	}
	return nil
}

func eventError(v any) *domain.ErrorPayload {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return &domain.ErrorPayload{Message: t}
	case map[string]any:
		e := &domain.ErrorPayload{
			Message: str(t["message"]),
			Stack:   str(t["stack"]),
			Code:    idString(t["code"]),
		}
		if e.Message == "" && e.Stack == "" && e.Code == "" {
			return nil
		}
		return e
	}
	return nil
}
