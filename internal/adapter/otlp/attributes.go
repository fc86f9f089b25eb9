// Package otlp decodes OTLP/HTTP protobuf export requests into canonical
// ingestion events.
package otlp

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
)

// Attributes is a flattened OTLP attribute bag. Values are string, bool,
// int64, float64, []any or map[string]any.
type Attributes map[string]any

func attributesOf(kvs []*commonpb.KeyValue) Attributes {
	out := make(Attributes, len(kvs))
	for _, kv := range kvs {
		if kv == nil {
			continue
		}
		out[kv.GetKey()] = anyValue(kv.GetValue())
	}
	return out
}

// merge returns span attributes layered over resource attributes.
func merge(resource, span Attributes) Attributes {
	out := make(Attributes, len(resource)+len(span))
	for k, v := range resource {
		out[k] = v
	}
	for k, v := range span {
		out[k] = v
	}
	return out
}

func anyValue(v *commonpb.AnyValue) any {
	if v == nil {
		return nil
	}
	switch t := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return t.StringValue
	case *commonpb.AnyValue_BoolValue:
		return t.BoolValue
	case *commonpb.AnyValue_IntValue:
		return t.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return t.DoubleValue
	case *commonpb.AnyValue_BytesValue:
		return base64.StdEncoding.EncodeToString(t.BytesValue)
	case *commonpb.AnyValue_ArrayValue:
		values := t.ArrayValue.GetValues()
		out := make([]any, len(values))
		for i, el := range values {
			out[i] = anyValue(el)
		}
		return out
	case *commonpb.AnyValue_KvlistValue:
		out := make(map[string]any, len(t.KvlistValue.GetValues()))
		for _, kv := range t.KvlistValue.GetValues() {
			out[kv.GetKey()] = anyValue(kv.GetValue())
		}
		return out
	}
	return nil
}

// String returns the first candidate key holding a non-empty value,
// formatted as a string.
func (a Attributes) String(keys ...string) string {
	for _, k := range keys {
		switch t := a[k].(type) {
		case string:
			if t != "" {
				return t
			}
		case int64:
			return strconv.FormatInt(t, 10)
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(t)
		}
	}
	return ""
}

// Int returns the first candidate key holding a number or a numeric string.
func (a Attributes) Int(keys ...string) *int64 {
	for _, k := range keys {
		switch t := a[k].(type) {
		case int64:
			return &t
		case float64:
			if !math.IsNaN(t) {
				n := int64(t)
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

// Value returns the first candidate key that is present.
func (a Attributes) Value(keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := a[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// JSON returns the first present candidate, decoding string values that
// hold a JSON document.
func (a Attributes) JSON(keys ...string) (any, bool) {
	v, ok := a.Value(keys...)
	if !ok {
		return nil, false
	}
	return parseJSONString(v), true
}

// parseJSONString decodes strings that look like a JSON object or array.
func parseJSONString(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return v
	}
	var out any
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return v
	}
	return out
}

func hexID(id []byte) string {
	if len(id) == 0 {
		return ""
	}
	for _, b := range id {
		if b != 0 {
			return hex.EncodeToString(id)
		}
	}
	return ""
}

// snakeToCamel converts a dotted or snake_case attribute suffix.
func snakeToCamel(s string) string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '_' || r == '.' })
	if len(parts) == 0 {
		return s
	}
	var b strings.Builder
	b.WriteString(parts[0])
	for _, p := range parts[1:] {
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}
