package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/starford/ansuz/internal/sse"
	"github.com/starford/ansuz/internal/syncservice"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// broker, if non-nil, receives change events and is mounted at GET /events
// inside the auth group.
func NewRouter(svc *syncservice.Service, authEnabled bool, token string, broker *sse.Broker) chi.Router {
	h := NewHandler(svc, broker)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Sync.
	r.Post("/sync", h.SyncVault)
	r.Post("/sync/note", h.SyncNote)

	// Cards.
	r.Get("/cards/pull", h.Pull)
	r.Get("/cards/due", h.DueCards)
	r.Post("/cards/{noteID}/{clozeIndex}/grade", h.Grade)

	// Extraction diagnostics.
	r.Get("/notes/*", h.Diagnostics)

	// SSE endpoint (protected by same auth middleware).
	if broker != nil {
		r.Get("/events", broker.ServeHTTP)
	}

	return r
}
