package otlp

import (
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	"google.golang.org/protobuf/proto"
)

// DecodeMetricsExport validates an ExportMetricsServiceRequest and returns
// the number of metrics it carries. Metrics are acknowledged, not ingested.
func DecodeMetricsExport(data []byte) (int, error) {
	var req colmetricspb.ExportMetricsServiceRequest
	if err := proto.Unmarshal(data, &req); err != nil {
		return 0, &DecodeError{Signal: SignalMetrics, Err: err}
	}

	count := 0
	for _, rm := range req.GetResourceMetrics() {
		for _, sm := range rm.GetScopeMetrics() {
			count += len(sm.GetMetrics())
		}
	}
	return count, nil
}
