// Package domain defines the core domain models for the ingestion service.
package domain

// RunType is the kind of traced execution unit a run represents.
type RunType string

const (
	RunTypeLLM         RunType = "llm"
	RunTypeChain       RunType = "chain"
	RunTypeAgent       RunType = "agent"
	RunTypeTool        RunType = "tool"
	RunTypeEmbed       RunType = "embed"
	RunTypeRetriever   RunType = "retriever"
	RunTypeLog         RunType = "log"
	RunTypeCustomEvent RunType = "custom-event"
	RunTypeThread      RunType = "thread"
	RunTypeChat        RunType = "chat"
)

// Valid reports whether t is a run type accepted on the wire.
func (t RunType) Valid() bool {
	switch t {
	case RunTypeLLM, RunTypeChain, RunTypeAgent, RunTypeTool, RunTypeEmbed, RunTypeRetriever,
		RunTypeLog, RunTypeCustomEvent, RunTypeThread, RunTypeChat:
		return true
	}
	return false
}

// EventName is the lifecycle notification carried by an event.
type EventName string

const (
	EventStart       EventName = "start"
	EventEnd         EventName = "end"
	EventError       EventName = "error"
	EventFeedback    EventName = "feedback"
	EventUpdate      EventName = "update"
	EventChat        EventName = "chat"
	EventCustomEvent EventName = "custom-event"
)

// Valid reports whether e is a known run lifecycle event. Log events carry
// a level in this field instead and are not checked against this set.
func (e EventName) Valid() bool {
	switch e {
	case EventStart, EventEnd, EventError, EventFeedback, EventUpdate, EventChat, EventCustomEvent:
		return true
	}
	return false
}

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunStatusStarted RunStatus = "started"
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
)

// RuleTypeFiltering is the ingestion rule type that decides payload redaction.
const RuleTypeFiltering = "filtering"

// RedactedSentinel replaces input and output of events rejected by a filtering rule.
const RedactedSentinel = "__NOT_INGESTED__"
