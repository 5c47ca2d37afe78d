package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const RequestIDHeader = "X-Request-Id"

// HTTPObserver records request metrics. *metrics.Metrics implements it.
type HTTPObserver interface {
	ObserveHTTP(method, route string, status int, d time.Duration)
}

const ctxRequestInfoKey contextKey = "request_info"

// requestInfo is filled in by inner middleware so the outer request log can report it.
type requestInfo struct {
	userID int64
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequestLog assigns a request id, opens a server span, and logs and measures every
// request. The route label is the matched ServeMux pattern, so ids in paths do not
// explode metric cardinality.
func RequestLog(logger *slog.Logger, obs HTTPObserver) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	tracer := otel.Tracer("github.com/stockpoints/backend/internal/middleware")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := r.Header.Get(RequestIDHeader)
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, reqID)

			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attribute.String("http.request_id", reqID)))
			defer span.End()

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			info := &requestInfo{}
			ctx = context.WithValue(ctx, ctxRequestInfoKey, info)
			r = r.WithContext(ctx)
			next.ServeHTTP(rec, r)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			elapsed := time.Since(start)
			span.SetAttributes(attribute.Int("http.status_code", rec.status), attribute.String("http.route", route))
			if obs != nil {
				obs.ObserveHTTP(r.Method, route, rec.status, elapsed)
			}
			level := slog.LevelInfo
			if rec.status >= 500 {
				level = slog.LevelError
			}
			logger.Log(ctx, level, "http request",
				"request_id", reqID, "method", r.Method, "path", r.URL.Path, "route", route,
				"status", rec.status, "duration_ms", elapsed.Milliseconds(), "user_id", info.userID)
		})
	}
}
