package otlp

import "fmt"

// Signal names an OTLP signal family.
type Signal string

const (
	SignalTraces  Signal = "traces"
	SignalLogs    Signal = "logs"
	SignalMetrics Signal = "metrics"
)

// DecodeError reports a request body that is not a valid export request.
// It fails the whole HTTP request; no part of the payload is processed.
type DecodeError struct {
	Signal Signal
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s export: %v", e.Signal, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
