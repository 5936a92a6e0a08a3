package tracing

import (
	"context"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	db "compmon/debug"
)

// spanSink serializes exports into a SpanExporter that may not tolerate
// concurrent ExportSpans calls (the jaeger agent exporter does not), and
// keeps counts so a load/start run can report how many spans it shipped.
type spanSink struct {
	mu      sync.Mutex
	svc     string
	exp     sdktrace.SpanExporter
	nspans  uint64
	nfailed uint64
	closed  bool
}

func newSpanSink(svc string, exp sdktrace.SpanExporter) *spanSink {
	return &spanSink{svc: svc, exp: exp}
}

func (s *spanSink) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if err := s.exp.ExportSpans(ctx, spans); err != nil {
		s.nfailed += uint64(len(spans))
		db.DPrintf(db.TRACING_ERR, "%v: export %d spans err %v", s.svc, len(spans), err)
		return err
	}
	s.nspans += uint64(len(spans))
	db.DPrintf(db.TRACING, "%v: exported %d spans (total %d)", s.svc, len(spans), s.nspans)
	return nil
}

func (s *spanSink) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	db.DPrintf(db.TRACING, "%v: shutdown after %d spans, %d failed", s.svc, s.nspans, s.nfailed)
	return s.exp.Shutdown(ctx)
}

// Counts of spans handed to the exporter and of spans it rejected.
func (s *spanSink) counts() (uint64, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nspans, s.nfailed
}
