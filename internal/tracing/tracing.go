// Package tracing builds the jaeger tracer every cmd/* binary installs as
// the opentracing global tracer, the same Const(1)-sampled,
// log-every-span configuration jocko's cmd/jocko/main.go used for its
// broker and server processes.
package tracing

import (
	"io"

	"github.com/opentracing/opentracing-go"
	jaeger "github.com/uber/jaeger-client-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	jaegerlog "github.com/uber/jaeger-client-go/log"
	"github.com/uber/jaeger-lib/metrics"
)

// New constructs a jaeger tracer for service and returns it along with the
// io.Closer that flushes it at shutdown. Callers install it with
// opentracing.SetGlobalTracer before starting any work that opens spans.
func New(service string) (opentracing.Tracer, io.Closer, error) {
	cfg := jaegercfg.Configuration{
		Sampler: &jaegercfg.SamplerConfig{
			Type:  jaeger.SamplerTypeConst,
			Param: 1,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LogSpans: true,
		},
	}
	return cfg.New(
		service,
		jaegercfg.Logger(jaegerlog.StdLogger),
		jaegercfg.Metrics(metrics.NullFactory),
	)
}
