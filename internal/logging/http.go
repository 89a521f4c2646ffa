package logging

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type scopeKey struct{}

// scope is what Middleware attaches to a request context.
type scope struct {
	requestID string
	log       *zap.Logger
}

// FromContext returns the request logger, or a plain child of L.
func FromContext(ctx context.Context) *zap.Logger {
	if s, ok := ctx.Value(scopeKey{}).(scope); ok {
		return s.log
	}
	return With()
}

// RequestID returns the request ID set by Middleware, or "".
func RequestID(ctx context.Context) string {
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s.requestID
}

// statusRecorder keeps the status and body size of a response. It
// forwards Flush so event streams keep working behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	n, err := s.ResponseWriter.Write(b)
	s.bytes += int64(n)
	return n, err
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware tags each request with an X-Request-ID (the caller's, or a new
// UUID), stores a request-scoped logger in the context and logs completion.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		log := With(zap.String("request_id", id))
		r = r.WithContext(context.WithValue(r.Context(), scopeKey{}, scope{requestID: id, log: log}))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Int64("bytes", rec.bytes),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
