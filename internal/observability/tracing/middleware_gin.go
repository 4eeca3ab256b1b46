package tracing

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/cobro/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// routeResources maps a route prefix to the span attribute naming its :id.
var routeResources = []struct {
	prefix string
	key    string
}{
	{"/api/schedules/:id", "cobro.schedule_id"},
	{"/api/collection-jobs/:id", "cobro.collection_job_id"},
	{"/api/customers/:id", "cobro.customer_id"},
}

// GinMiddleware instruments inbound HTTP requests. Spans carry the operator
// and, once the handler resolved it, the schedule, job or customer addressed.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("cobro/http")
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+strings.ToUpper(c.Request.Method), trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			if member, err := baggage.NewMember("request_id", requestID); err == nil {
				if bag, err := baggage.New(member); err == nil {
					ctx = baggage.ContextWithBaggage(ctx, bag)
				}
			}
			span.SetAttributes(attribute.String("request_id", requestID))
		}

		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		span.SetName("HTTP " + strings.ToUpper(c.Request.Method) + " " + route)
		span.SetAttributes(SafeAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.Int64("http.server_duration_ms", time.Since(start).Milliseconds()),
			attribute.String("cobro.actor", c.GetString("actor")),
		)...)

		// Ids are snowflakes, which the PAN mask would eat. An id the handler
		// rejected may be anything, so only resolved ones are recorded.
		if status < http.StatusBadRequest {
			if attr, ok := routeResource(route, c.Param("id")); ok {
				span.SetAttributes(attr)
			}
		}

		switch {
		case status == http.StatusTooManyRequests:
			span.AddEvent("rate_limited")
		case status >= http.StatusInternalServerError:
			if lastErr := c.Errors.Last(); lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, "request error")
		}
	}
}

func routeResource(route, id string) (attribute.KeyValue, bool) {
	if id == "" {
		return attribute.KeyValue{}, false
	}
	for _, r := range routeResources {
		if strings.HasPrefix(route, r.prefix) {
			return attribute.String(r.key, id), true
		}
	}
	return attribute.KeyValue{}, false
}
