package tracing_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"compmon/util/tracing"
)

func TestExportCounts(t *testing.T) {
	mem := tracetest.NewInMemoryExporter()
	tr, err := tracing.InitExporter("test", mem, 1.0)
	assert.Nil(t, err)

	const N = 16
	var wg sync.WaitGroup
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, span := tr.StartTopLevelSpan("load")
			span.End()
		}()
	}
	wg.Wait()
	tr.Flush()

	assert.Len(t, mem.GetSpans(), N)
	n, nfailed := tr.Exported()
	assert.Equal(t, uint64(N), n)
	assert.Equal(t, uint64(0), nfailed)
	assert.Nil(t, tr.Shutdown())
}

type failExporter struct{}

func (failExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	return errors.New("agent unreachable")
}

func (failExporter) Shutdown(ctx context.Context) error {
	return nil
}

func TestExportFailureCounted(t *testing.T) {
	tr, err := tracing.InitExporter("test", failExporter{}, 1.0)
	assert.Nil(t, err)
	_, span := tr.StartTopLevelSpan("start")
	span.End()
	n, nfailed := tr.Exported()
	assert.Equal(t, uint64(0), n)
	assert.Equal(t, uint64(1), nfailed)
	assert.Nil(t, tr.Shutdown())
}

func TestNoopTracerExportsNothing(t *testing.T) {
	tr := tracing.NewTracer(sdktrace.NewTracerProvider().Tracer("noop"))
	n, nfailed := tr.Exported()
	assert.Equal(t, uint64(0), n)
	assert.Equal(t, uint64(0), nfailed)
	assert.Nil(t, tr.Shutdown())
}
