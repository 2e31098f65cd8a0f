// Package api exposes the monitoring HTTP surface: inbox status, queue
// depth and dead-letter browsing, plus the health and metrics endpoints.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"log/slog"

	"github.com/go-chi/chi/v5"

	"go.mailroom.tech/internal/inbox"
	"go.mailroom.tech/internal/worker"
)

// maxDeadLetterPage caps the dead-letter browse page size
const maxDeadLetterPage = 1000

// Handlers serves the monitoring API
type Handlers struct {
	store        inbox.Store
	orchestrator *worker.Orchestrator
}

// NewHandlers creates the monitoring handlers
func NewHandlers(store inbox.Store, orchestrator *worker.Orchestrator) *Handlers {
	return &Handlers{store: store, orchestrator: orchestrator}
}

// inboxView is the per-inbox status payload
type inboxView struct {
	worker.InboxStatus
	Metrics *inbox.HealthMetrics `json:"metrics,omitempty"`
}

// ListInboxes handles GET /api/inboxes
func (h *Handlers) ListInboxes(w http.ResponseWriter, r *http.Request) {
	statuses := h.orchestrator.Inboxes()
	views := make([]inboxView, 0, len(statuses))
	for _, status := range statuses {
		views = append(views, h.view(r, status))
	}
	writeJSON(w, http.StatusOK, views)
}

// GetInbox handles GET /api/inboxes/{name}
func (h *Handlers) GetInbox(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	status, ok := h.orchestrator.GetInbox(name)
	if !ok {
		writeError(w, http.StatusNotFound, "inbox not found")
		return
	}
	writeJSON(w, http.StatusOK, h.view(r, status))
}

// GetDeadLetters handles GET /api/inboxes/{name}/dead-letters?max=N
func (h *Handlers) GetDeadLetters(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := h.orchestrator.GetInbox(name); !ok {
		writeError(w, http.StatusNotFound, "inbox not found")
		return
	}

	max := 100
	if raw := r.URL.Query().Get("max"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "max must be a positive integer")
			return
		}
		max = parsed
	}
	if max > maxDeadLetterPage {
		max = maxDeadLetterPage
	}

	letters, err := h.store.ReadDeadLetters(r.Context(), name, max)
	if err != nil {
		slog.Error("Failed to read dead letters", "inbox", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read dead letters")
		return
	}
	if letters == nil {
		letters = []*inbox.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, letters)
}

func (h *Handlers) view(r *http.Request, status worker.InboxStatus) inboxView {
	view := inboxView{InboxStatus: status}

	hm, err := h.store.HealthMetrics(r.Context(), status.Name)
	if err != nil {
		slog.Debug("Health metrics unavailable", "inbox", status.Name, "error", err)
		return view
	}
	view.Metrics = hm
	return view
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
