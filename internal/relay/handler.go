package relay

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/aitherapy/chat-platform/internal/identity"
	"github.com/aitherapy/chat-platform/internal/observability/metrics"
	"github.com/aitherapy/chat-platform/pkg/logging"
)

// Handler is the authenticated HTTP front of the relay. The session check
// happens before anything else; an unauthenticated request never reaches
// the provider.
type Handler struct {
	verifier *identity.Verifier
	client   *Client
	defaults Defaults
	metrics  *metrics.RelayMetrics
	logger   *logging.Logger
}

func NewHandler(verifier *identity.Verifier, client *Client, defaults Defaults, m *metrics.RelayMetrics, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		verifier: verifier,
		client:   client,
		defaults: defaults,
		metrics:  m,
		logger:   logger,
	}
}

// HandleTurn relays one chat turn. Client fields outside the allow list are
// dropped; provider errors pass through with their original status and body.
func (h *Handler) HandleTurn(w http.ResponseWriter, r *http.Request) {
	token, ok := identity.TokenFromHeader(r.Header.Get("Authorization"))
	if !ok {
		h.metrics.ObserveTurn("unauthenticated")
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	sess, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		h.metrics.ObserveTurn("unauthenticated")
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}

	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.metrics.ObserveTurn("bad_request")
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Messages) == 0 {
		h.metrics.ObserveTurn("bad_request")
		http.Error(w, "messages are required", http.StatusBadRequest)
		return
	}
	for _, msg := range req.Messages {
		if msg.Role == "" || strings.TrimSpace(msg.Content) == "" {
			h.metrics.ObserveTurn("bad_request")
			http.Error(w, "each message needs a role and content", http.StatusBadRequest)
			return
		}
	}

	if !h.client.Configured() {
		h.logger.Error("relay misconfigured: no provider credential", "user_id", sess.UserID)
		h.metrics.ObserveTurn("misconfigured")
		http.Error(w, "relay is not configured", http.StatusInternalServerError)
		return
	}

	payload := h.defaults.apply(req)
	start := time.Now()
	result, err := h.client.Complete(r.Context(), payload)
	if err != nil {
		h.logger.Error("upstream call failed", "error", err, "model", payload.Model)
		h.metrics.ObserveTurn("upstream_error")
		http.Error(w, "failed to reach model provider", http.StatusBadGateway)
		return
	}
	h.metrics.ObserveUpstreamLatency(payload.Model, time.Since(start).Seconds())

	if !result.OK() {
		// The provider's own status and body go back untouched.
		h.metrics.ObserveTurn("upstream_rejected")
		ct := result.ContentType
		if ct == "" {
			ct = "application/json"
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(result.StatusCode)
		_, _ = w.Write(result.Body)
		return
	}

	reply, model := replyFromResult(result, payload.Model)
	h.metrics.ObserveTurn("success")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(TurnResponse{Reply: reply, Model: model})
}

// replyFromResult extracts the assistant text, falling back to the apology
// when the provider returned a 2xx with nothing usable in it.
func replyFromResult(result *UpstreamResult, requestedModel string) (string, string) {
	model := requestedModel
	completion, err := result.Completion()
	if err != nil {
		return FallbackReply, model
	}
	if completion.Model != "" {
		model = completion.Model
	}
	if len(completion.Choices) == 0 {
		return FallbackReply, model
	}
	content := completion.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return FallbackReply, model
	}
	return content, model
}
