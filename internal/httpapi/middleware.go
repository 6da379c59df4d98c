package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/tracing"
)

type ctxKey int

const requestIDKey ctxKey = iota

// RequestIDFrom returns the request id assigned by Middleware, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Middleware assigns each request an id, echoes it in X-Request-ID and
// wraps the handler in a server span.
func Middleware(logger *zap.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := extractRequestID(r)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)

		ctx, span := tracing.StartServerSpan(r.Context(), r.Method, r.URL.Path)
		defer span.End()
		span.SetAttributes(attribute.String("request.id", id))
		ctx = context.WithValue(ctx, requestIDKey, id)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		logger.Debug("Request handled",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// extractRequestID honours X-Request-ID, then the W3C traceparent trace id.
func extractRequestID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Request-ID")); id != "" && len(id) <= 128 {
		return id
	}
	if tp := r.Header.Get("traceparent"); tp != "" {
		if parts := strings.Split(tp, "-"); len(parts) >= 2 {
			return parts[1]
		}
	}
	return ""
}
