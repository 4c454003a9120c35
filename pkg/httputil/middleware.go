package httputil

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/medflow/provenance-backend/pkg/actor"
	"github.com/medflow/provenance-backend/pkg/logger"
	"github.com/medflow/provenance-backend/pkg/messaging"
)

type contextKey string

const (
	RequestIDKey contextKey = "request_id"
)

// Headers set by the API gateway after it authenticated the caller
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserEmail = "X-User-Email"
	HeaderUserRole  = "X-User-Role"
)

// RequestID middleware adds a request ID to each request
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		// events published while serving the request carry its id
		ctx = messaging.WithCorrelationID(ctx, requestID)
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Actor middleware attaches the calling user to the request context. The
// gateway's X-User-ID header wins; otherwise a bearer token is verified with
// parser. A request with neither carries no actor, and an invalid token is
// rejected with 401. parser may be nil to accept gateway headers only.
func Actor(parser *actor.TokenParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if userID := r.Header.Get(HeaderUserID); userID != "" {
				a := &actor.Actor{
					ID:       userID,
					Email:    r.Header.Get(HeaderUserEmail),
					RoleName: r.Header.Get(HeaderUserRole),
				}
				next.ServeHTTP(w, r.WithContext(actor.WithActor(r.Context(), a)))
				return
			}

			if token, ok := actor.BearerToken(r.Header.Get("Authorization")); ok && parser != nil {
				a, err := parser.Parse(token)
				if err != nil {
					Error(w, err)
					return
				}
				next.ServeHTTP(w, r.WithContext(actor.WithActor(r.Context(), a)))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Logger middleware logs HTTP requests
func Logger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			actorID := ""
			if a := actor.FromContext(r.Context()); a != nil {
				actorID = a.ID
			}

			log.Info().
				Str("request_id", GetRequestID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.statusCode).
				Dur("duration", time.Since(start)).
				Str("actor", actorID).
				Str("remote_addr", r.RemoteAddr).
				Msg("HTTP request")
		})
	}
}

// Recoverer middleware recovers from panics
func Recoverer(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.WithRequestID(GetRequestID(r.Context())).Error().
						Interface("panic", err).
						Str("path", r.URL.Path).
						Msg("panic recovered")

					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}
