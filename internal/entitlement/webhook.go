package entitlement

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aitherapy/chat-platform/pkg/logging"
)

// WebhookHandler mirrors the billing provider's subscription lifecycle
// events into the subscriptions table.
type WebhookHandler struct {
	secret string
	store  *Store
	logger *logging.Logger
}

func NewWebhookHandler(secret string, store *Store, logger *logging.Logger) *WebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookHandler{secret: secret, store: store, logger: logger}
}

// webhookEvent is the provider's event envelope.
type webhookEvent struct {
	Event struct {
		Type           string   `json:"type"`
		AppUserID      string   `json:"app_user_id"`
		EntitlementIDs []string `json:"entitlement_ids"`
		ExpirationAtMS int64    `json:"expiration_at_ms"`
	} `json:"event"`
}

// Handle processes one billing webhook delivery. Signature verification is
// skipped only when no secret is configured (local development).
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 65536))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	if h.secret != "" {
		sig := r.Header.Get("X-Signature")
		if !h.verifySignature(body, sig) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	var evt webhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if evt.Event.AppUserID == "" {
		http.Error(w, "missing app_user_id", http.StatusBadRequest)
		return
	}

	if !h.touchesPro(evt.Event.EntitlementIDs) {
		h.logger.Info("billing webhook: ignoring event without pro entitlement",
			"type", evt.Event.Type, "user_id", evt.Event.AppUserID)
		h.acknowledge(w)
		return
	}

	switch evt.Event.Type {
	case "INITIAL_PURCHASE", "RENEWAL", "UNCANCELLATION", "PRODUCT_CHANGE":
		h.activate(r.Context(), evt)
	case "CANCELLATION", "EXPIRATION", "BILLING_ISSUE":
		h.deactivate(r.Context(), evt)
	default:
		h.logger.Info("billing webhook: unhandled event", "type", evt.Event.Type)
	}

	h.acknowledge(w)
}

func (h *WebhookHandler) activate(ctx context.Context, evt webhookEvent) {
	var expiresAt *time.Time
	if evt.Event.ExpirationAtMS > 0 {
		t := time.UnixMilli(evt.Event.ExpirationAtMS).UTC()
		expiresAt = &t
	}
	if err := h.store.Activate(ctx, evt.Event.AppUserID, expiresAt); err != nil {
		h.logger.Error("billing webhook: activate failed", "error", err, "user_id", evt.Event.AppUserID)
		return
	}
	h.logger.Info("billing webhook: pro activated", "user_id", evt.Event.AppUserID, "type", evt.Event.Type)
}

func (h *WebhookHandler) deactivate(ctx context.Context, evt webhookEvent) {
	if err := h.store.Deactivate(ctx, evt.Event.AppUserID); err != nil {
		h.logger.Error("billing webhook: deactivate failed", "error", err, "user_id", evt.Event.AppUserID)
		return
	}
	h.logger.Info("billing webhook: pro deactivated", "user_id", evt.Event.AppUserID, "type", evt.Event.Type)
}

func (h *WebhookHandler) touchesPro(ids []string) bool {
	for _, id := range ids {
		if strings.EqualFold(id, ProEntitlement) {
			return true
		}
	}
	return false
}

func (h *WebhookHandler) verifySignature(payload []byte, sig string) bool {
	if sig == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

func (h *WebhookHandler) acknowledge(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"received":true}`))
}
