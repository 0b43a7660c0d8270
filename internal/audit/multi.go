package audit

import "context"

// MultiSink fans a batch out to every underlying Sink, used when the
// gateway runs a durable ClickHouse sink (for the export/analytics surface)
// alongside the in-process MemorySink the `/admin/audit` read endpoints
// query directly. A failure in one sink does not block the others.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink fans writes out to every sink in order.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) AppendBatch(ctx context.Context, records []Record) error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.AppendBatch(ctx, records); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
