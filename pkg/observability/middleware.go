package observability

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
)

// GinMiddleware opens a server span per request. Liveness probes and metrics
// scrapes are not traced.
func GinMiddleware(serviceName string, tp trace.TracerProvider) gin.HandlerFunc {
	opts := []otelgin.Option{
		otelgin.WithFilter(func(r *http.Request) bool {
			switch r.URL.Path {
			case "/healthz", "/metrics":
				return false
			}
			return true
		}),
	}
	if tp != nil {
		opts = append(opts, otelgin.WithTracerProvider(tp))
	}
	return otelgin.Middleware(serviceName, opts...)
}

// TraceStep runs handler inside a child span named name.
func TraceStep(t Tracing, name string, handler gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := t.StartSpan(c.Request.Context(), name)
		defer span.End()
		c.Request = c.Request.WithContext(ctx)
		handler(c)
		if status := c.Writer.Status(); status >= http.StatusInternalServerError {
			RecordSpanError(ctx, fmt.Errorf("%s answered %d", name, status))
		}
	}
}
