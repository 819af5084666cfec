package continuity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aitherapy/chat-platform/internal/identity"
	"github.com/aitherapy/chat-platform/pkg/logging"
)

// ProviderRedirector builds the identity provider's hosted sign-in URL,
// carrying the decorated return URL as the post-login destination.
type ProviderRedirector struct {
	SignInURL string
}

func (p ProviderRedirector) SignInWithRedirect(_ context.Context, returnURL string) (string, error) {
	u, err := url.Parse(p.SignInURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("redirect_to", returnURL)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Handler exposes the continuity lifecycle over HTTP. Each request names the
// visitor it acts for; the registry maps visitors to managers.
type Handler struct {
	registry *Registry
	verifier *identity.Verifier
	redirect Redirector
	logger   *logging.Logger
}

func NewHandler(registry *Registry, verifier *identity.Verifier, redirect Redirector, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		registry: registry,
		verifier: verifier,
		redirect: redirect,
		logger:   logger,
	}
}

type draftPayload struct {
	PersonaName string `json:"persona_name"`
	MessageText string `json:"message_text,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func toPayload(d *PendingDraft) *draftPayload {
	if d == nil {
		return nil
	}
	return &draftPayload{
		PersonaName: d.PersonaName,
		MessageText: d.MessageText,
		CreatedAt:   d.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// HandleBeginLogin captures the visitor's draft and returns the provider URL
// the client should navigate to. The draft is durable before this responds.
func (h *Handler) HandleBeginLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VisitorID   string `json:"visitor_id"`
		PersonaName string `json:"persona_name"`
		MessageText string `json:"message_text"`
		ReturnURL   string `json:"return_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.VisitorID == "" || req.PersonaName == "" || req.ReturnURL == "" {
		http.Error(w, "visitor_id, persona_name and return_url are required", http.StatusBadRequest)
		return
	}

	mgr := h.registry.Manager(req.VisitorID)
	target, err := mgr.BeginExternalLogin(r.Context(), req.PersonaName, req.MessageText, req.ReturnURL, h.redirect)
	if err != nil {
		h.logger.Error("begin login failed", "error", err, "visitor_id", req.VisitorID)
		http.Error(w, "failed to begin login", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"redirect_url": target})
}

// HandleResolve recovers the pending draft after the provider redirect. The
// client posts the URL it landed on; the response carries the recovered
// draft (if any) and the same URL with the pending parameters stripped.
func (h *Handler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VisitorID string `json:"visitor_id"`
		URL       string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.VisitorID == "" {
		http.Error(w, "visitor_id is required", http.StatusBadRequest)
		return
	}

	query := url.Values{}
	cleanURL := req.URL
	if req.URL != "" {
		parsed, err := url.Parse(req.URL)
		if err != nil {
			http.Error(w, "invalid url", http.StatusBadRequest)
			return
		}
		query = parsed.Query()
		cleanURL, err = StripDraftParams(req.URL)
		if err != nil {
			http.Error(w, "invalid url", http.StatusBadRequest)
			return
		}
	}

	mgr := h.registry.Manager(req.VisitorID)
	h.adoptSession(r, mgr)

	draft, err := mgr.ResolveAfterReturn(r.Context(), query)
	if err != nil {
		h.logger.Error("draft resolve failed", "error", err, "visitor_id", req.VisitorID)
		http.Error(w, "failed to resolve draft", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"draft":     toPayload(draft),
		"clean_url": cleanURL,
	})
}

// HandleConsume hands the pending draft over exactly once. The consume call
// itself must carry a valid bearer token; a manager left authenticated by an
// earlier request is not enough, or knowing a visitor id would suffice to
// take that visitor's draft. Repeat calls return a null draft.
func (h *Handler) HandleConsume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VisitorID string `json:"visitor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.VisitorID == "" {
		http.Error(w, "visitor_id is required", http.StatusBadRequest)
		return
	}

	token, ok := identity.TokenFromHeader(r.Header.Get("Authorization"))
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	sess, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	mgr := h.registry.Manager(req.VisitorID)
	mgr.SetAuthenticated(r.Context(), token, sess.UserID)

	draft, err := mgr.ConsumeDraftOnceAuthenticated(r.Context())
	if err != nil {
		if err == ErrNotAuthenticated {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		h.logger.Error("draft consume failed", "error", err, "visitor_id", req.VisitorID)
		http.Error(w, "failed to consume draft", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"draft": toPayload(draft)})
}

// HandleSelectPersona sets the visitor's active persona. Without force an
// existing different selection is kept and reported back.
func (h *Handler) HandleSelectPersona(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VisitorID string `json:"visitor_id"`
		PersonaID string `json:"persona_id"`
		Force     bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.VisitorID == "" || req.PersonaID == "" {
		http.Error(w, "visitor_id and persona_id are required", http.StatusBadRequest)
		return
	}

	mgr := h.registry.Manager(req.VisitorID)
	changed := mgr.SetSelectedPersona(req.PersonaID, req.Force)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"changed":  changed,
		"selected": mgr.SelectedPersona(),
	})
}

// HandleSession reports the visitor's session snapshot. A bearer token, when
// present and valid, refreshes the session and its entitlement first.
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	visitorID := r.URL.Query().Get("visitor")
	if visitorID == "" {
		http.Error(w, "visitor parameter required", http.StatusBadRequest)
		return
	}

	mgr := h.registry.Manager(visitorID)
	h.adoptSession(r, mgr)
	sess := mgr.Session()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"is_logged_in": sess.Authenticated,
		"is_pro":       sess.Entitled,
		"draft_state":  mgr.DraftState().String(),
	})
}

// adoptSession verifies the request's bearer token (if any) and records the
// login on the manager. Returns true when the manager ends up authenticated.
func (h *Handler) adoptSession(r *http.Request, mgr *Manager) bool {
	token, ok := identity.TokenFromHeader(r.Header.Get("Authorization"))
	if !ok || strings.TrimSpace(token) == "" {
		return mgr.Session().Authenticated
	}
	sess, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		h.logger.Debug("session token rejected", "error", err)
		return mgr.Session().Authenticated
	}
	mgr.SetAuthenticated(r.Context(), token, sess.UserID)
	return true
}
