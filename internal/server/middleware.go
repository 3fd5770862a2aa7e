package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/leonletto/chatcore/internal/identity"
	"github.com/leonletto/chatcore/internal/metrics"
	"github.com/leonletto/chatcore/internal/presence"
	"github.com/leonletto/chatcore/internal/transport"
)

// ActorHeader carries the id of the acting user. The daemon sits behind the
// forum application, which has already authenticated the user.
const ActorHeader = "X-User-ID"

// RequestIDHeader is echoed back on every response.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestID assigns each request a uuid, reusing one supplied by the caller.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = identity.GenerateRequestID()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// GetRequestID returns the request id set by RequestID.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Logger returns a request logging middleware using zerolog.
func Logger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ev := logger.Info()
				if ww.Status() >= http.StatusInternalServerError {
					ev = logger.Warn()
				}
				ev.Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", GetRequestID(r.Context())).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// Metrics records request counts and latency per route pattern.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		// Route patterns keep label cardinality bounded.
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// ActorFromRequest parses the actor header.
func ActorFromRequest(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.Header.Get(ActorHeader), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// RequireActor rejects requests without a valid actor and records the actor
// as present.
func RequireActor(tracker presence.Tracker, logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromRequest(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing or invalid "+ActorHeader+" header")
				return
			}
			if tracker != nil {
				if err := tracker.Touch(r.Context(), actor); err != nil {
					logger.Debug().Err(err).Int64("user_id", actor).Msg("presence touch failed")
				}
			}
			ctx := transport.WithActor(transport.WithTransport(r.Context(), transport.TransportHTTP), actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
