// Package telemetry wires OpenTelemetry tracing for the gateway: the global
// tracer provider, inbound and outbound HTTP instrumentation and span helpers.
package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"
	"go.opentelemetry.io/otel/trace"

	"gravitas/pkg/config"
	"gravitas/pkg/logging"
)

const DefaultServiceName = "gravitas"

// Options control the tracer provider. An empty Endpoint keeps spans in
// process; they are still sampled so trace ids reach the logs.
type Options struct {
	Service  string
	Endpoint string
	Headers  map[string]string
	Timeout  time.Duration
	Insecure bool
	// Required turns an exporter construction failure into an error
	// instead of a warning.
	Required bool
	Sampler  sdktrace.Sampler
}

// OptionsFromEnv reads the standard OTEL_* variables plus OTEL_REQUIRED.
func OptionsFromEnv(service string) Options {
	return Options{
		Service:  service,
		Endpoint: config.Env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		Headers:  parseHeaders(config.Env("OTEL_EXPORTER_OTLP_HEADERS", "")),
		Timeout:  config.EnvDuration("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", 5, time.Second),
		Insecure: config.EnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		Required: config.EnvBool("OTEL_REQUIRED", false),
		Sampler:  parseSampler(config.Env("OTEL_TRACES_SAMPLER", ""), config.Env("OTEL_TRACES_SAMPLER_ARG", "")),
	}
}

type Option func(*setup)

type setup struct{ log logrus.FieldLogger }

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *setup) { s.log = log }
}

// Init is Setup with OptionsFromEnv.
func Init(ctx context.Context, service string, opts ...Option) (func(context.Context) error, error) {
	s := setup{}
	for _, o := range opts {
		o(&s)
	}
	return Setup(ctx, OptionsFromEnv(service), s.log)
}

// Setup installs the global tracer provider and W3C propagators and returns
// the provider's shutdown func.
func Setup(ctx context.Context, o Options, log logrus.FieldLogger) (func(context.Context) error, error) {
	log = logging.OrDiscard(log)
	if o.Service = strings.TrimSpace(o.Service); o.Service == "" {
		o.Service = DefaultServiceName
	}
	if o.Sampler == nil {
		o.Sampler = sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(o.Service)))
	if err != nil {
		res = resource.Default()
	}
	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res), sdktrace.WithSampler(o.Sampler)}

	if o.Endpoint != "" {
		exp, err := newExporter(ctx, o)
		switch {
		case err != nil && o.Required:
			return nil, err
		case err != nil:
			log.WithError(err).Warn("otel exporter disabled")
		default:
			tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
			log.WithField("endpoint", o.Endpoint).Info("otel exporter enabled")
		}
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, o Options) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(o.Endpoint)}
	if o.Timeout > 0 {
		opts = append(opts, otlptracehttp.WithTimeout(o.Timeout))
	}
	if o.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(o.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(o.Headers))
	}
	return otlptracehttp.New(ctx, opts...)
}

// parseSampler follows OTEL_TRACES_SAMPLER. Unknown names get the SDK
// default of parent based with the given ratio.
func parseSampler(name, arg string) sdktrace.Sampler {
	ratio := 1.0
	if v, err := strconv.ParseFloat(strings.TrimSpace(arg), 64); err == nil {
		ratio = min(max(v, 0), 1)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(ratio)
	case "parentbased_always_off":
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// parseHeaders reads "k1=v1,k2=v2"; pairs without a key are skipped.
func parseHeaders(raw string) map[string]string {
	var out map[string]string
	for _, pair := range config.SplitList(raw) {
		k, v, ok := strings.Cut(pair, "=")
		if k = strings.TrimSpace(k); !ok || k == "" {
			continue
		}
		if out == nil {
			out = map[string]string{}
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

// StartSpan opens a span on the gravitas tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(DefaultServiceName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan marks span failed when err is set, then ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// HTTPMiddleware opens a server span per request.
func HTTPMiddleware(service string) func(http.Handler) http.Handler {
	if service = strings.TrimSpace(service); service == "" {
		service = DefaultServiceName
	}
	return otelhttp.NewMiddleware(service)
}

// InstrumentClient propagates trace context on client's requests. A nil
// client gets a fresh one with a five second timeout.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}
