package observability

import (
	"context"
	"encoding/binary"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"finitefield.org/colour-visualiser/internal/platform/requestctx"
)

const cloudTraceHeader = "X-Cloud-Trace-Context"

var tracer = otel.Tracer("finitefield.org/colour-visualiser")

// StartSpan starts an internal span for work such as mask resolution or an export.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))
}

// EndSpan records err, if any, and ends span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceMiddleware continues the trace named by the load balancer's X-Cloud-Trace-Context
// header, starts a server span, and puts the trace ids on the request context.
func TraceMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if remote, ok := parseCloudTrace(r.Header.Get(cloudTraceHeader)); ok {
				ctx = trace.ContextWithRemoteSpanContext(ctx, remote)
			}
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
				))
			defer span.End()

			sc := span.SpanContext()
			ctx = requestctx.WithTrace(ctx, requestctx.TraceInfo{
				TraceID:   sc.TraceID().String(),
				SpanID:    sc.SpanID().String(),
				Sampled:   sc.IsSampled(),
				ProjectID: projectID,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// parseCloudTrace reads "TRACE_ID/SPAN_ID;o=OPTIONS", where TRACE_ID is 32 hex digits
// and SPAN_ID is decimal.
func parseCloudTrace(header string) (trace.SpanContext, bool) {
	traceHex, rest, found := strings.Cut(strings.TrimSpace(header), "/")
	if !found {
		return trace.SpanContext{}, false
	}
	traceID, err := trace.TraceIDFromHex(traceHex)
	if err != nil {
		return trace.SpanContext{}, false
	}
	spanDec, options, _ := strings.Cut(rest, ";")
	n, err := strconv.ParseUint(strings.TrimSpace(spanDec), 10, 64)
	if err != nil || n == 0 {
		return trace.SpanContext{}, false
	}
	var spanID trace.SpanID
	binary.BigEndian.PutUint64(spanID[:], n)

	var flags trace.TraceFlags
	if strings.TrimSpace(options) == "o=1" {
		flags = trace.FlagsSampled
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	}), true
}
