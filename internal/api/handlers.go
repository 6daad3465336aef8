package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/sse"
	"github.com/starford/ansuz/internal/syncservice"
)

// Handler holds API route handlers.
type Handler struct {
	svc    *syncservice.Service
	events *sse.Broker // may be nil
}

// NewHandler creates a new Handler.
func NewHandler(svc *syncservice.Service, events *sse.Broker) *Handler {
	return &Handler{svc: svc, events: events}
}

// notePath extracts the vault-relative path from the URL (everything after
// the wildcard mount). Supports encoded slashes from OpenAPI clients
// (e.g. topics%2Fnote.md).
func notePath(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// SyncVault handles POST /api/sync.
//
//	@Summary		Reconcile every vault file against the card store
//	@Tags			sync
//	@Produce		json
//	@Success		200	{object}	VaultSyncResponse
//	@Security		BearerAuth
//	@Router			/sync [post]
func (h *Handler) SyncVault(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.SyncVault(r.Context())
	if err != nil {
		slog.Error("vault sync failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, VaultSyncResponse{
		Synced:  out.Synced,
		Skipped: out.Skipped,
		Removed: out.Removed,
		Failed:  out.Failed,
	})
}

// SyncNote handles POST /api/sync/note.
//
//	@Summary		Reconcile a single vault file
//	@Tags			sync
//	@Accept			json
//	@Produce		json
//	@Param			body	body		SyncNoteRequest	true	"File to sync"
//	@Success		200		{object}	SyncNoteResponse
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sync/note [post]
func (h *Handler) SyncNote(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req SyncNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}

	out, err := h.svc.SyncPath(r.Context(), req.Path)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("note sync failed", slog.String("path", req.Path), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	if h.events != nil && !out.Skipped {
		h.events.PublishNoteEvent("synced", req.Path)
	}
	writeJSON(w, http.StatusOK, SyncNoteResponse{
		Path:        req.Path,
		Skipped:     out.Skipped,
		Inserted:    out.Inserted,
		Updated:     out.Updated,
		Penalized:   out.Penalized,
		SoftDeleted: out.SoftDeleted,
	})
}

// Pull handles GET /api/cards/pull.
//
//	@Summary		Pull card changes since a cursor
//	@Tags			cards
//	@Produce		json
//	@Param			collection	query		string	false	"Restrict to one collection"
//	@Param			since		query		string	false	"RFC 3339 cursor from a previous pull"
//	@Success		200			{object}	PullResponse
//	@Failure		400			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/cards/pull [get]
func (h *Handler) Pull(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	collection := q.Get("collection")

	var since *time.Time
	if raw := q.Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid 'since' timestamp"))
			return
		}
		since = &ts
	}

	cards, cursor, err := h.svc.Pull(r.Context(), collection, since)
	if err != nil {
		slog.Error("pull failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if cards == nil {
		cards = []models.Card{}
	}
	writeJSON(w, http.StatusOK, PullResponse{Cards: cards, Cursor: cursor})
}

// DueCards handles GET /api/cards/due.
//
//	@Summary		List cards due for review
//	@Tags			cards
//	@Produce		json
//	@Param			collection	query		string	false	"Restrict to one collection"
//	@Param			limit		query		int		false	"Max cards returned"
//	@Success		200			{object}	DueResponse
//	@Security		BearerAuth
//	@Router			/cards/due [get]
func (h *Handler) DueCards(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	cards, err := h.svc.DueCards(r.Context(), q.Get("collection"), limit)
	if err != nil {
		slog.Error("due cards failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if cards == nil {
		cards = []models.Card{}
	}
	writeJSON(w, http.StatusOK, DueResponse{Cards: cards})
}

// Grade handles POST /api/cards/{noteID}/{clozeIndex}/grade.
//
//	@Summary		Grade a card and advance its schedule
//	@Tags			cards
//	@Accept			json
//	@Produce		json
//	@Param			noteID		path		string			true	"Note id"
//	@Param			clozeIndex	path		int				true	"Cloze id within the note"
//	@Param			body		body		GradeRequest	true	"Review grade"
//	@Success		200			{object}	models.Card
//	@Failure		400			{object}	errResponse
//	@Failure		404			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/cards/{noteID}/{clozeIndex}/grade [post]
func (h *Handler) Grade(w http.ResponseWriter, r *http.Request) {
	noteID := chi.URLParam(r, "noteID")
	clozeIndex, err := strconv.Atoi(chi.URLParam(r, "clozeIndex"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid cloze index"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req GradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}

	card, err := h.svc.Grade(r.Context(), noteID, clozeIndex, models.Grade(req.Grade), req.DurationMS)
	if err != nil {
		switch {
		case errors.Is(err, apperr.ErrInvalidGrade):
			writeJSON(w, http.StatusBadRequest, errorBody("grade must be between 1 and 4"))
		case errors.Is(err, apperr.ErrNotFound):
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		default:
			slog.Error("grade failed",
				slog.String("note_id", noteID),
				slog.Int("cloze_index", clozeIndex),
				slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	if h.events != nil {
		ref := map[string]any{"note_id": noteID, "cloze_index": clozeIndex}
		h.events.Publish(sse.Event{Type: "review.graded", Data: ref})
		h.events.Publish(sse.Event{Type: "card.updated", Data: ref})
	}
	writeJSON(w, http.StatusOK, card)
}

// Diagnostics handles GET /api/notes/*.
//
//	@Summary		Extraction diagnostics for one vault file
//	@Tags			notes
//	@Produce		json
//	@Param			path	path		string	true	"Vault-relative path"
//	@Success		200		{object}	DiagnosticsResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{path} [get]
func (h *Handler) Diagnostics(w http.ResponseWriter, r *http.Request) {
	path := notePath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	res, err := h.svc.Diagnostics(r.Context(), path)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("diagnostics failed", slog.String("path", path), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, DiagnosticsResponse{Path: path, Result: res})
}
