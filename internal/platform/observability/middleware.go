package observability

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"finitefield.org/colour-visualiser/internal/platform/httpx"
	"finitefield.org/colour-visualiser/internal/platform/requestctx"
)

// InjectLoggerMiddleware puts logger on every request context.
func InjectLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(r.Context(), logger)))
		})
	}
}

// RequestLoggerMiddleware writes one line per request when it completes. The session,
// wizard step and variant come from the request's WizardNote, which the session
// middleware and the wizard handlers fill in further down the chain.
func RequestLoggerMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, note := requestctx.WithWizardNote(r.Context())
			logger := requestctx.Logger(ctx).With(
				zap.String("request_id", middleware.GetReqID(ctx)),
				zap.String("method", SanitizeMethod(r.Method)),
			)
			if info, ok := requestctx.Trace(ctx); ok && info.ProjectID != "" && info.TraceID != "" {
				logger = logger.With(zap.String("logging.googleapis.com/trace",
					fmt.Sprintf("projects/%s/traces/%s", info.ProjectID, info.TraceID)))
			}
			ctx = requestctx.WithLogger(ctx, logger)
			r = r.WithContext(ctx)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			defer func() {
				p := recover()
				status := rec.status
				if p != nil {
					status = http.StatusInternalServerError
				}
				route := routePattern(r)
				annotateSpan(trace.SpanFromContext(ctx), route, status, note)

				fields := []zap.Field{
					zap.String("route", route),
					zap.Int("status", status),
					zap.Duration("latency", time.Since(start)),
					zap.Int64("bytes", rec.bytes),
				}
				if note.SessionID != "" {
					fields = append(fields, zap.String("session_id", SanitizeSessionID(note.SessionID)))
				}
				if note.Step != "" {
					fields = append(fields, zap.String("step", note.Step))
				}
				if note.Variant != "" {
					fields = append(fields, zap.String("variant", SanitizeAttr(note.Variant)))
				}
				if r.Header.Get("HX-Request") == "true" {
					fields = append(fields, zap.Bool("htmx", true))
				}
				switch {
				case status >= http.StatusInternalServerError:
					logger.Error("request", fields...)
				case status >= http.StatusBadRequest:
					logger.Warn("request", fields...)
				default:
					logger.Info("request", fields...)
				}
				if p != nil {
					panic(p)
				}
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

// RecoveryMiddleware turns a panic into a 500 JSON error after logging the stack.
func RecoveryMiddleware(fallback *zap.Logger) func(http.Handler) http.Handler {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				logger := requestctx.Logger(r.Context())
				if logger == requestctx.NoopLogger() {
					logger = fallback
				}
				logger.Error("panic recovered", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
				httpx.WriteError(r.Context(), w, httpx.NewError(httpx.CodeInternal, "internal server error", http.StatusInternalServerError))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func annotateSpan(span trace.Span, route string, status int, note *requestctx.WizardNote) {
	if !span.IsRecording() {
		return
	}
	attrs := []attribute.KeyValue{
		semconv.HTTPRoute(route),
		semconv.HTTPResponseStatusCode(status),
	}
	if note.Step != "" {
		attrs = append(attrs, attribute.String("visualiser.step", note.Step))
	}
	if note.Variant != "" {
		attrs = append(attrs, attribute.String("visualiser.variant", SanitizeAttr(note.Variant)))
	}
	span.SetAttributes(attrs...)
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
}

// routePattern returns the matched chi pattern, or the raw path when nothing matched.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return SanitizeRoute(pattern)
		}
	}
	return SanitizeRoute(r.URL.Path)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
	bytes  int64
}

func (s *statusRecorder) WriteHeader(status int) {
	if !s.wrote {
		s.status = status
		s.wrote = true
	}
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wrote = true
	n, err := s.ResponseWriter.Write(b)
	s.bytes += int64(n)
	return n, err
}
