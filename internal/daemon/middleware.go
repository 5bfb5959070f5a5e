package daemon

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"agentcrew/internal/logging"
	"agentcrew/internal/telemetry"
)

const requestIDHeader = "X-Request-ID"

// requestMiddleware assigns a correlation id, opens a server span, and
// records request logs and metrics once the mux has resolved the route.
func requestMiddleware(logger *slog.Logger, metrics *telemetry.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)

		ctx := logging.WithRequestID(r.Context(), reqID)
		ctx, span := telemetry.Tracer().Start(ctx, "http "+r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
				attribute.String("http.request_id", reqID),
			),
		)
		defer span.End()

		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		req := r.WithContext(ctx)
		next.ServeHTTP(wrapped, req)
		duration := time.Since(start)

		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		span.SetName(route)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", wrapped.statusCode),
		)
		if wrapped.statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(wrapped.statusCode))
		}
		metrics.RecordHTTPRequest(r.Method, route, wrapped.statusCode, duration)

		level := slog.LevelDebug
		if wrapped.statusCode >= http.StatusInternalServerError {
			level = slog.LevelError
		} else if wrapped.statusCode >= http.StatusBadRequest {
			level = slog.LevelWarn
		}
		logging.WithContext(ctx, logger).Log(ctx, level, "http request",
			logging.Args(
				logging.String("method", r.Method),
				logging.String("route", route),
				logging.Int("status", wrapped.statusCode),
				logging.Int64("duration_ms", duration.Milliseconds()),
			)...,
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
	wrote      bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.statusCode = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(p)
}

// Flush keeps the event stream working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
