package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestParseSampler(t *testing.T) {
	cases := map[[2]string]string{
		{"always_on", ""}:               "AlwaysOnSampler",
		{" ALWAYS_OFF ", ""}:            "AlwaysOffSampler",
		{"traceidratio", "0.25"}:        "TraceIDRatioBased{0.25}",
		{"traceidratio", "7"}:           "AlwaysOnSampler",
		{"parentbased_always_off", ""}:  "ParentBased{root:AlwaysOffSampler",
		{"", "-3"}:                      "ParentBased{root:TraceIDRatioBased{0}",
		{"something_else", "not-a-num"}: "ParentBased{root:AlwaysOnSampler",
	}
	for in, want := range cases {
		assert.Contains(t, parseSampler(in[0], in[1]).Description(), want, in)
	}
}

func TestParseHeaders(t *testing.T) {
	assert.Nil(t, parseHeaders(""))
	assert.Nil(t, parseHeaders("novalue, =orphan"))
	assert.Equal(t,
		map[string]string{"Authorization": "Bearer x=y", "x-team": "governance", "empty": ""},
		parseHeaders(" Authorization=Bearer x=y , x-team = governance,empty="))
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "k=v")
	t.Setenv("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", "0")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	t.Setenv("OTEL_REQUIRED", "yes")
	t.Setenv("OTEL_TRACES_SAMPLER", "always_off")

	o := OptionsFromEnv("gateway")
	assert.Equal(t, "gateway", o.Service)
	assert.Equal(t, "collector:4318", o.Endpoint)
	assert.Equal(t, map[string]string{"k": "v"}, o.Headers)
	assert.Equal(t, 5*time.Second, o.Timeout)
	assert.True(t, o.Insecure)
	assert.True(t, o.Required)
	assert.Equal(t, "AlwaysOffSampler", o.Sampler.Description())
}

func TestSetupWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := Init(context.Background(), "  ")
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	_, span := StartSpan(context.Background(), "noop")
	assert.True(t, span.SpanContext().IsValid(), "local provider must sample")
	span.End()

	_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok)
}

func TestSetupWithExporter(t *testing.T) {
	shutdown, err := Setup(context.Background(), Options{
		Endpoint: "127.0.0.1:4318",
		Insecure: true,
		Timeout:  time.Second,
		Headers:  map[string]string{"x-tenant": "ops"},
	}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = shutdown(ctx)
}

func TestEndSpanRecordsFailure(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "gateway.dispatch", attribute.String("unit", "echo"))
	EndSpan(span, errors.New("unit crashed"))
	_, clean := StartSpan(context.Background(), "gateway.authorize")
	EndSpan(clean, nil)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "gateway.dispatch", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "unit crashed", spans[0].Status().Description)
	assert.Contains(t, spans[0].Attributes(), attribute.String("unit", "echo"))
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
}

func TestHTTPInstrumentation(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	_, err := Setup(context.Background(), Options{}, nil)
	require.NoError(t, err)
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	var seen trace.SpanContext
	srv := httptest.NewServer(HTTPMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = trace.SpanContextFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))
	defer srv.Close()

	client := InstrumentClient(nil)
	assert.Equal(t, 5*time.Second, client.Timeout)
	ctx, parent := tp.Tracer("test").Start(context.Background(), "caller")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	parent.End()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, parent.SpanContext().TraceID(), seen.TraceID(), "trace id must cross the wire")
	assert.GreaterOrEqual(t, len(rec.Ended()), 3)
}
