package otlp

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"

	"github.com/xiaot623/gogo/ingestor/internal/domain"
)

var opNameToType = map[string]domain.RunType{
	"chat":             domain.RunTypeLLM,
	"text_completion":  domain.RunTypeLLM,
	"generate_content": domain.RunTypeLLM,
	"embeddings":       domain.RunTypeEmbed,
	"execute_tool":     domain.RunTypeTool,
	"create_agent":     domain.RunTypeAgent,
	"invoke_agent":     domain.RunTypeAgent,
}

// Candidate keys per semantic field, in precedence order.
var (
	toolNameKeys     = []string{"gen_ai.tool.name"}
	agentNameKeys    = []string{"agent_name", "gen_ai.agent.name"}
	messageListKeys  = []string{"events", "all_messages_events", "messages_events"}
	promptTokenKeys  = []string{"gen_ai.usage.input_tokens", "gen_ai.usage.prompt_tokens", "llm.usage.prompt_tokens", "prompt_tokens", "input_tokens"}
	complTokenKeys   = []string{"gen_ai.usage.output_tokens", "gen_ai.usage.completion_tokens", "llm.usage.completion_tokens", "completion_tokens", "output_tokens"}
	totalTokenKeys   = []string{"gen_ai.usage.total_tokens", "llm.usage.total_tokens", "total_tokens"}
	cachedTokenKeys  = []string{"gen_ai.usage.prompt_tokens_cached", "gen_ai.usage.cache_read_input_tokens", "gen_ai.usage.cached_tokens"}
	userIDKeys       = []string{"user.id", "enduser.id", "lunary.user_id"}
	projectKeyKeys   = []string{"lunary.project_key", "project_key"}
	toolInputKeys    = []string{"tool_arguments", "gen_ai.tool.call.arguments"}
	toolOutputKeys   = []string{"tool_response", "tool_output", "gen_ai.tool.call.result"}
	agentOutputKeys  = []string{"final_result"}
	errorMessageKeys = []string{"error.message", "exception.message"}
)

const (
	requestPrefix    = "gen_ai.request."
	responsePrefix   = "gen_ai.response."
	promptPrefix     = "gen_ai.prompt."
	completionPrefix = "gen_ai.completion."
)

// DecodeTraceExport decodes an ExportTraceServiceRequest and maps every
// span to a start event followed by an end or error event.
func DecodeTraceExport(data []byte) ([]domain.Event, error) {
	var req coltracepb.ExportTraceServiceRequest
	if err := proto.Unmarshal(data, &req); err != nil {
		return nil, &DecodeError{Signal: SignalTraces, Err: err}
	}

	var events []domain.Event
	for _, rs := range req.GetResourceSpans() {
		resource := attributesOf(rs.GetResource().GetAttributes())
		for _, ss := range rs.GetScopeSpans() {
			for _, span := range ss.GetSpans() {
				events = append(events, SpanEvents(span, resource)...)
			}
		}
	}
	return events, nil
}

// SpanEvents maps one span to exactly two events.
func SpanEvents(span *tracepb.Span, resource Attributes) []domain.Event {
	attrs := merge(resource, attributesOf(span.GetAttributes()))

	runID := hexID(span.GetSpanId())
	if runID == "" {
		runID = uuid.NewString()
	}
	parentRunID := hexID(span.GetParentSpanId())
	runType := classify(attrs)

	input, output := extractMessages(span, attrs, runType)
	params := requestParams(attrs)
	metadata := spanMetadata(attrs)

	start := nanosToTime(span.GetStartTimeUnixNano())
	end := nanosToTime(span.GetEndTimeUnixNano())
	if start.IsZero() {
		start = end
	}
	if end.IsZero() {
		end = start
	}

	base := domain.Event{
		Type:        runType,
		RunID:       runID,
		ParentRunID: parentRunID,
		Name:        spanName(span, attrs, runType),
		UserID:      attrs.String(userIDKeys...),
	}

	startEvent := base
	startEvent.Event = domain.EventStart
	startEvent.Timestamp = start
	startEvent.Input = marshal(input)
	startEvent.Params = params
	startEvent.Metadata = metadata

	endEvent := base
	endEvent.Timestamp = end
	endMetadata := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		endMetadata[k] = v
	}
	endMetadata["duration_ms"] = float64(end.Sub(start)) / float64(time.Millisecond)
	endEvent.Metadata = endMetadata

	if span.GetStatus().GetCode() == tracepb.Status_STATUS_CODE_ERROR {
		endEvent.Event = domain.EventError
		endEvent.Error = spanError(span, attrs)
	} else {
		endEvent.Event = domain.EventEnd
		endEvent.Output = marshal(output)
		endEvent.TokensUsage = tokenUsage(attrs)
	}

	return []domain.Event{startEvent, endEvent}
}

// classify picks the run type: tool name, then agent name, then the
// operation name table, then chain.
func classify(attrs Attributes) domain.RunType {
	if attrs.String(toolNameKeys...) != "" {
		return domain.RunTypeTool
	}
	if attrs.String(agentNameKeys...) != "" {
		return domain.RunTypeAgent
	}
	if t, ok := opNameToType[attrs.String("gen_ai.operation.name")]; ok {
		return t
	}
	return domain.RunTypeChain
}

func spanName(span *tracepb.Span, attrs Attributes, runType domain.RunType) string {
	var name string
	switch runType {
	case domain.RunTypeTool:
		name = attrs.String(toolNameKeys...)
	case domain.RunTypeAgent:
		name = attrs.String(agentNameKeys...)
	case domain.RunTypeLLM, domain.RunTypeEmbed:
		name = attrs.String("gen_ai.request.model", "gen_ai.response.model")
	}
	if name == "" {
		name = attrs.String("span_name")
	}
	if name == "" {
		name = span.GetName()
	}
	return strings.Replace(name, "models/", "", 1)
}

// extractMessages resolves input and output in precedence order: indexed
// prompt/completion attributes, a JSON message-event list attribute, then
// structured span events. Tool and chain spans fall back to raw attributes.
func extractMessages(span *tracepb.Span, attrs Attributes, runType domain.RunType) (input, output any) {
	prompts := indexedMessages(attrs, promptPrefix)
	completions := indexedMessages(attrs, completionPrefix)
	if len(prompts) > 0 || len(completions) > 0 {
		input, output = listOrNil(prompts), listOrNil(completions)
	} else if list, ok := messageEventList(attrs); ok {
		input, output = splitMessageEvents(list)
	} else {
		input, output = spanEventMessages(span.GetEvents())
	}

	switch runType {
	case domain.RunTypeTool:
		if input == nil {
			input, _ = attrs.JSON(toolInputKeys...)
		}
		if output == nil {
			output, _ = attrs.JSON(toolOutputKeys...)
		}
	case domain.RunTypeAgent:
		if output == nil {
			output, _ = attrs.JSON(agentOutputKeys...)
		}
	case domain.RunTypeChain:
		if input == nil {
			if tools, ok := attrs.JSON("tools"); ok {
				input = map[string]any{"tools": tools}
			}
		}
	}
	return input, output
}

// indexedMessages collects prefix.N.field attributes into an ordered list.
func indexedMessages(attrs Attributes, prefix string) []any {
	byIndex := make(map[int]map[string]any)
	for k, v := range attrs {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		idxStr, field, ok := strings.Cut(rest, ".")
		if !ok {
			continue
		}
		idx, err := strconv.Atoi(idxStr)
		if err != nil || field == "finish_reason" {
			continue
		}
		msg, ok := byIndex[idx]
		if !ok {
			msg = make(map[string]any)
			byIndex[idx] = msg
		}
		msg[snakeToCamel(field)] = parseJSONString(v)
	}
	if len(byIndex) == 0 {
		return nil
	}

	indexes := make([]int, 0, len(byIndex))
	for idx := range byIndex {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	out := make([]any, 0, len(indexes))
	for _, idx := range indexes {
		out = append(out, byIndex[idx])
	}
	return out
}

func messageEventList(attrs Attributes) ([]any, bool) {
	v, ok := attrs.JSON(messageListKeys...)
	if !ok {
		return nil, false
	}
	list, ok := v.([]any)
	return list, ok && len(list) > 0
}

// splitMessageEvents treats gen_ai.choice entries (or entries wrapping a
// message) as output and the rest as input.
func splitMessageEvents(list []any) (input, output any) {
	var in, out []any
	for _, el := range list {
		m, ok := el.(map[string]any)
		if !ok {
			in = append(in, el)
			continue
		}
		name, _ := m["event.name"].(string)
		if msg, has := m["message"]; name == "gen_ai.choice" || (has && m["role"] == nil) {
			if has {
				out = append(out, msg)
			} else {
				out = append(out, m)
			}
			continue
		}
		in = append(in, m)
	}
	return listOrNil(in), unwrapSingle(out)
}

// spanEventMessages reads gen_ai.<role>.message, gen_ai.choice and the
// older gen_ai.content.prompt/completion span events.
func spanEventMessages(events []*tracepb.Span_Event) (input, output any) {
	var in, out []any
	for _, ev := range events {
		name := ev.GetName()
		attrs := attributesOf(ev.GetAttributes())
		switch {
		case name == "gen_ai.content.prompt":
			if content := attrs.String("gen_ai.prompt"); content != "" {
				in = append(in, map[string]any{"role": "user", "content": parseJSONString(content)})
			}
		case name == "gen_ai.content.completion":
			if content := attrs.String("gen_ai.completion"); content != "" {
				out = append(out, map[string]any{"role": "assistant", "content": parseJSONString(content)})
			}
		case name == "gen_ai.choice":
			if msg, ok := attrs.JSON("message", "gen_ai.message"); ok {
				out = append(out, msg)
			} else if content, ok := attrs.JSON("gen_ai.message.content", "content"); ok {
				out = append(out, map[string]any{"role": "assistant", "content": content})
			}
		case strings.HasPrefix(name, "gen_ai.") && strings.HasSuffix(name, ".message"):
			role := strings.TrimSuffix(strings.TrimPrefix(name, "gen_ai."), ".message")
			content, ok := attrs.JSON("gen_ai.message.content", "content")
			if !ok {
				continue
			}
			msg := map[string]any{"role": role, "content": content}
			if role == "assistant" || role == "tool" {
				out = append(out, msg)
			} else {
				in = append(in, msg)
			}
		}
	}
	return listOrNil(in), unwrapSingle(out)
}

func requestParams(attrs Attributes) map[string]any {
	var params map[string]any
	for k, v := range attrs {
		if !strings.HasPrefix(k, requestPrefix) {
			continue
		}
		if params == nil {
			params = make(map[string]any)
		}
		switch sub := strings.TrimPrefix(k, requestPrefix); sub {
		case "stop_sequences":
			params["stop"] = v
		default:
			params[snakeToCamel(sub)] = v
		}
	}
	return params
}

func spanMetadata(attrs Attributes) map[string]any {
	metadata := make(map[string]any)
	for k, v := range attrs {
		if !strings.HasPrefix(k, responsePrefix) {
			continue
		}
		switch sub := strings.TrimPrefix(k, responsePrefix); sub {
		case "model":
			metadata["modelResponse"] = v
		case "finish_reasons":
			metadata["finishReasons"] = v
		case "id":
			metadata["responseId"] = v
		default:
			metadata[snakeToCamel(sub)] = v
		}
	}
	set := func(key string, candidates ...string) {
		if v, ok := attrs.Value(candidates...); ok {
			metadata[key] = v
		}
	}
	set("system", "gen_ai.system", "gen_ai.provider.name")
	set("conversationId", "gen_ai.conversation.id")
	set("toolCallId", "gen_ai.tool.call.id")
	set("project_key", projectKeyKeys...)
	if len(metadata) == 0 {
		return nil
	}
	return metadata
}

// tokenUsage reads prompt and completion counts, filling a missing side
// from the total.
func tokenUsage(attrs Attributes) *domain.TokensUsage {
	prompt := attrs.Int(promptTokenKeys...)
	completion := attrs.Int(complTokenKeys...)
	cached := attrs.Int(cachedTokenKeys...)
	if total := attrs.Int(totalTokenKeys...); total != nil {
		if prompt == nil && completion != nil {
			n := *total - *completion
			prompt = &n
		} else if completion == nil && prompt != nil {
			n := *total - *prompt
			completion = &n
		}
	}
	if prompt == nil && completion == nil && cached == nil {
		return nil
	}
	return &domain.TokensUsage{Prompt: prompt, Completion: completion, PromptCached: cached}
}

// spanError builds the error payload from the span status, error
// attributes and the first exception span event.
func spanError(span *tracepb.Span, attrs Attributes) *domain.ErrorPayload {
	e := &domain.ErrorPayload{
		Message: span.GetStatus().GetMessage(),
		Code:    attrs.String("error.type"),
		Stack:   attrs.String("error.stack"),
	}
	if e.Message == "" {
		e.Message = attrs.String(errorMessageKeys...)
	}
	for _, ev := range span.GetEvents() {
		if ev.GetName() != "exception" {
			continue
		}
		exc := attributesOf(ev.GetAttributes())
		if e.Message == "" {
			e.Message = exc.String("exception.message")
		}
		if e.Stack == "" {
			e.Stack = exc.String("exception.stacktrace")
		}
		if e.Code == "" {
			e.Code = exc.String("exception.type")
		}
		break
	}
	if e.Message == "" {
		e.Message = "span " + span.GetName() + " failed"
	}
	return e
}

func nanosToTime(ns uint64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(ns)).UTC()
}

func marshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func listOrNil(list []any) any {
	if len(list) == 0 {
		return nil
	}
	return list
}

func unwrapSingle(list []any) any {
	switch len(list) {
	case 0:
		return nil
	case 1:
		return list[0]
	default:
		return list
	}
}
