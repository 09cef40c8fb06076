package lode

import (
	"context"

	"github.com/pithecene-io/tributary/metrics"
	"github.com/pithecene-io/tributary/policy"
	"github.com/pithecene-io/tributary/types"
)

// InstrumentedSink wraps a policy.Sink and counts write outcomes on a
// metrics collector. It works with any sink, not only Lode ones.
type InstrumentedSink struct {
	inner     policy.Sink
	collector *metrics.Collector
}

// NewInstrumentedSink wraps a sink with metrics instrumentation.
func NewInstrumentedSink(inner policy.Sink, collector *metrics.Collector) *InstrumentedSink {
	return &InstrumentedSink{inner: inner, collector: collector}
}

// WriteEvents delegates to the inner sink and records success or failure.
func (s *InstrumentedSink) WriteEvents(ctx context.Context, events []types.Event) error {
	err := s.inner.WriteEvents(ctx, events)
	if err != nil {
		s.collector.IncSinkWriteFailure()
	} else {
		s.collector.IncSinkWriteSuccess()
	}
	return err
}

// Close delegates to the inner sink.
func (s *InstrumentedSink) Close() error {
	return s.inner.Close()
}

var _ policy.Sink = (*InstrumentedSink)(nil)
