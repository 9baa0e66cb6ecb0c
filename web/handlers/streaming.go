package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alienxp03/soulsync/internal/progress"
)

// maxStreamDuration bounds a single SSE connection.
const maxStreamDuration = 30 * time.Minute

// handleSimulationEvents streams a session's progress using Server-Sent Events.
func (h *Handler) handleSimulationEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.stream(w, r, progress.NewSessionProjector(h.storage, id, userID(r)), "session_id", id)
}

// handleTournamentEvents streams a tournament's progress using Server-Sent Events.
func (h *Handler) handleTournamentEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.stream(w, r, progress.NewTournamentProjector(h.storage, id, userID(r)), "tournament_id", id)
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, p progress.Projector, idKey, id string) {
	slog.Debug("New event stream connection", idKey, id, "remote_addr", r.RemoteAddr)

	if _, ok := w.(http.Flusher); !ok {
		slog.Error("Streaming unsupported: ResponseWriter does not implement http.Flusher")
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx, cancel := context.WithTimeout(r.Context(), maxStreamDuration)
	defer cancel()

	if err := progress.Stream(ctx, p, w, h.streamInterval()); err != nil {
		slog.Debug("Event stream closed", idKey, id, "error", err)
		return
	}
	slog.Debug("Event stream finished", idKey, id)
}
