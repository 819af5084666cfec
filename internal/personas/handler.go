package personas

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aitherapy/chat-platform/pkg/logging"
)

// Handler serves the persona roster. Listing is public so the landing page
// can render companions before login; system prompts never leave the server.
type Handler struct {
	repo   Repository
	logger *logging.Logger
}

func NewHandler(repo Repository, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{repo: repo, logger: logger}
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	roster, err := h.repo.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list personas", "error", err)
		http.Error(w, "failed to list personas", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"personas": roster})
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid persona id", http.StatusBadRequest)
		return
	}
	p, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "persona not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to load persona", "error", err, "id", id)
		http.Error(w, "failed to load persona", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(p)
}

type updateRequest struct {
	Name         string `json:"name"`
	Tagline      string `json:"tagline"`
	SystemPrompt string `json:"system_prompt"`
	SortOrder    int    `json:"sort_order"`
}

// HandleUpdate rewrites a persona. System prompts are accepted here but
// never echoed back in responses.
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid persona id", http.StatusBadRequest)
		return
	}
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.SystemPrompt == "" {
		http.Error(w, "name and system_prompt are required", http.StatusBadRequest)
		return
	}
	p := Persona{
		ID:           id,
		Name:         req.Name,
		Tagline:      req.Tagline,
		SystemPrompt: req.SystemPrompt,
		SortOrder:    req.SortOrder,
	}
	if err := h.repo.Update(r.Context(), p); err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "persona not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to update persona", "error", err, "id", id)
		http.Error(w, "failed to update persona", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"updated": true, "id": id})
}
