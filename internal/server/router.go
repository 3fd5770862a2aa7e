// Package server exposes the chat engine over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/leonletto/chatcore/internal/archive"
	"github.com/leonletto/chatcore/internal/membership"
	"github.com/leonletto/chatcore/internal/message"
	"github.com/leonletto/chatcore/internal/mover"
	"github.com/leonletto/chatcore/internal/presence"
	"github.com/leonletto/chatcore/internal/store"
)

const maxBodyBytes = 1 << 20

// Deps are the services the HTTP API drives.
type Deps struct {
	DB         *store.DB
	Creator    *message.Creator
	Updater    *message.Updater
	Mover      *mover.Mover
	Archive    *archive.Service
	Membership *membership.Service
	Presence   presence.Tracker

	// RateLimiter throttles the API routes per actor. Nil disables it.
	RateLimiter *UserRateLimiter

	// WebSocket is mounted at /ws when set.
	WebSocket http.Handler
	Logger    zerolog.Logger
}

type handler struct {
	Deps
}

// NewRouter creates and configures the HTTP router.
func NewRouter(d Deps) *chi.Mux {
	h := &handler{Deps: d}
	r := chi.NewRouter()

	r.Use(Metrics)
	r.Use(RequestID)
	r.Use(Logger(d.Logger))
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.health)

	r.Group(func(r chi.Router) {
		r.Use(RequireActor(d.Presence, d.Logger))
		if d.WebSocket != nil {
			r.Handle("/ws", d.WebSocket)
		}

		r.Group(func(r chi.Router) {
			r.Use(chimw.RequestSize(maxBodyBytes))
			r.Use(RateLimit(d.RateLimiter))
			r.Post("/channels/{channelID}/messages", h.createMessage)
			r.Put("/messages/{messageID}", h.updateMessage)
			r.Post("/channels/{channelID}/read", h.markRead)
			r.Post("/channels/{channelID}/move", h.moveMessages)
			r.Post("/channels/{channelID}/archive", h.requestArchive)
			r.Get("/channels/{channelID}/archive", h.archiveStatus)
		})
	})

	return r
}

// New wraps the router in an http.Server.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.DB.Ping(ctx); err != nil {
		h.Logger.Warn().Err(err).Msg("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
