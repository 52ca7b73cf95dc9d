package middleware

import (
	"net/http"

	"github.com/phrazzld/banksync/internal/api/shared"
	"github.com/phrazzld/banksync/internal/platform/logger"
)

// TraceMiddleware adds a trace ID to the request context and makes it the
// request id that logger.FromContext attaches to every log line.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.SetTraceID(r.Context())
		ctx = logger.WithRequestID(ctx, shared.GetTraceID(ctx))

		logger.FromContext(ctx).Debug("request started",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
