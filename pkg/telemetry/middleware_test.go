package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTracedRouter(t *testing.T) (*gin.Engine, *tracetest.SpanRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	r := gin.New()
	r.Use(GinMiddleware("terrainstream"))
	r.GET("/api/v1/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/v1/height", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/api/v1/stats", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	return r, rec
}

func TestGinMiddlewareSkipsHealthChecks(t *testing.T) {
	r, rec := newTracedRouter(t)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/healthz", nil))

	if n := len(rec.Ended()); n != 0 {
		t.Fatalf("got %d spans for health check, want 0", n)
	}
}

func TestGinMiddlewareNotFoundIsNotAnError(t *testing.T) {
	r, rec := newTracedRouter(t)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/height?x=100&z=200", nil))

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	span := spans[0]
	if got := span.Name(); got != "GET /api/v1/height" {
		t.Fatalf("span name = %q", got)
	}
	if span.Status().Code != codes.Unset {
		t.Fatalf("status = %v want Unset", span.Status())
	}

	attrs := make(map[attribute.Key]string)
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	if attrs["terrain.x"] != "100" || attrs["terrain.z"] != "200" {
		t.Fatalf("terrain attributes = %v", attrs)
	}
	if _, ok := attrs["terrain.tier"]; ok {
		t.Fatalf("unexpected terrain.tier attribute")
	}
}

func TestGinMiddlewareServerError(t *testing.T) {
	r, rec := newTracedRouter(t)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Fatalf("status = %v want Error", spans[0].Status())
	}
}
