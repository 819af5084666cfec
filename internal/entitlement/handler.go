package entitlement

import (
	"encoding/json"
	"net/http"

	"github.com/aitherapy/chat-platform/internal/http/middleware"
	"github.com/aitherapy/chat-platform/pkg/logging"
)

// Handler answers entitlement lookups for the logged-in user. It expects to
// sit behind middleware.RequireSession.
type Handler struct {
	checker Checker
	logger  *logging.Logger
}

func NewHandler(checker Checker, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{checker: checker, logger: logger}
}

// HandleGet returns the caller's pro status. A lookup failure reads as free
// tier rather than an error; entitlement is never load-bearing for safety.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	entitled := false
	if h.checker != nil {
		var err error
		entitled, err = h.checker.IsEntitled(r.Context(), sess.UserID)
		if err != nil {
			h.logger.Warn("entitlement lookup failed", "error", err, "user_id", sess.UserID)
			entitled = false
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"user_id": sess.UserID,
		"is_pro":  entitled,
	})
}
