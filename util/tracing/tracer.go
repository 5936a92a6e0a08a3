package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.14.0"
	"go.opentelemetry.io/otel/trace"

	db "compmon/debug"
)

const (
	SAMPLE_RATIO = 0.001
)

type Tracer struct {
	t    trace.Tracer
	tp   *sdktrace.TracerProvider
	sink *spanSink
}

func NewTracer(t trace.Tracer) *Tracer {
	return &Tracer{
		t: t,
	}
}

// NoopTracer records nothing unless a global provider was installed.
func NoopTracer(name string) *Tracer {
	return NewTracer(otel.Tracer(name))
}

func (t *Tracer) StartContextSpan(ctx context.Context, name string, kv ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.t.Start(ctx, name, trace.WithAttributes(kv...))
}

func (t *Tracer) StartTopLevelSpan(name string) (context.Context, trace.Span) {
	return t.t.Start(context.TODO(), name)
}

// Force flush all spans to jaeger.
func (t *Tracer) Flush() {
	if t.tp == nil {
		return
	}
	if err := t.tp.ForceFlush(context.TODO()); err != nil {
		db.DPrintf(db.ERROR, "Error flushing traces %v", err)
	}
}

// Exported returns how many spans reached the exporter and how many
// it rejected. Both are zero for a tracer without an exporter.
func (t *Tracer) Exported() (uint64, uint64) {
	if t.sink == nil {
		return 0, 0
	}
	return t.sink.counts()
}

func (t *Tracer) Shutdown() error {
	if t.tp == nil {
		return nil
	}
	return t.tp.Shutdown(context.TODO())
}

func newJaegerExporter(host string) (*jaeger.Exporter, error) {
	return jaeger.New(
		jaeger.WithAgentEndpoint(
			jaeger.WithAgentHost(host),
		),
	)
}

// Init installs a jaeger-backed provider as the global tracer provider.
func Init(svcname string, jaegerhost string, ratio float64) (*Tracer, error) {
	exp, err := newJaegerExporter(jaegerhost)
	if err != nil {
		return nil, err
	}
	t, err := InitExporter(svcname, exp, ratio)
	if err != nil {
		return nil, err
	}
	db.DPrintf(db.ALWAYS, "tracing %v to %v", svcname, jaegerhost)
	return t, nil
}

// InitExporter installs a provider that synchronously ships sampled
// spans to exp as the global tracer provider.
func InitExporter(svcname string, exp sdktrace.SpanExporter, ratio float64) (*Tracer, error) {
	sink := newSpanSink(svcname, exp)
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	res, err := resource.New(context.TODO(), resource.WithAttributes(semconv.ServiceNameKey.String(svcname)))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sampler),
		sdktrace.WithSyncer(sink),
		sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return &Tracer{t: otel.Tracer(svcname), tp: tp, sink: sink}, nil
}
