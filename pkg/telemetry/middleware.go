package telemetry

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/jaennil/terrainstream"

// untraced paths are health checks, scrapes and the long-lived event stream
var untraced = map[string]struct{}{
	"/api/v1/healthz": {},
	"/api/v1/events":  {},
	"/metrics":        {},
}

// terrainParams are query parameters copied onto the request span.
var terrainParams = []string{"tier", "x", "z"}

// GinMiddleware starts a server span per terrain API request. Client errors
// such as a height that is not available yet leave the span status unset;
// only 5xx responses mark it as failed.
func GinMiddleware(serviceName string) gin.HandlerFunc {
	tracer := otel.Tracer(tracerName)
	propagator := otel.GetTextMapPropagator

	return func(c *gin.Context) {
		if _, skip := untraced[c.Request.URL.Path]; skip {
			c.Next()
			return
		}

		ctx := propagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, c.Request.Method+" "+c.FullPath(),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(requestAttributes(c, serviceName)...),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		propagator().Inject(ctx, propagation.HeaderCarrier(c.Writer.Header()))

		c.Next()

		finishSpan(span, c)
	}
}

func requestAttributes(c *gin.Context, serviceName string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.HTTPRequestMethodKey.String(c.Request.Method),
		semconv.HTTPRoute(c.FullPath()),
		semconv.URLPath(c.Request.URL.Path),
		semconv.ClientAddress(c.ClientIP()),
		semconv.UserAgentOriginal(c.Request.UserAgent()),
	}
	query := c.Request.URL.Query()
	for _, name := range terrainParams {
		if v := query.Get(name); v != "" {
			attrs = append(attrs, attribute.String("terrain."+name, v))
		}
	}
	return attrs
}

func finishSpan(span trace.Span, c *gin.Context) {
	status := c.Writer.Status()
	span.SetAttributes(
		semconv.HTTPResponseStatusCode(status),
		attribute.Int("http.response.size", c.Writer.Size()),
	)
	if last := c.Errors.Last(); last != nil {
		span.RecordError(last)
	}
	if status >= 500 {
		span.SetStatus(codes.Error, c.Errors.String())
	}
}

// SpanFromContext returns the request span started by GinMiddleware, or a
// non-recording span when tracing is off.
func SpanFromContext(c *gin.Context) trace.Span {
	return trace.SpanFromContext(c.Request.Context())
}
