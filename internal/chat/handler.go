package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/aitherapy/chat-platform/internal/identity"
	"github.com/aitherapy/chat-platform/internal/personas"
	"github.com/aitherapy/chat-platform/internal/relay"
	"github.com/aitherapy/chat-platform/pkg/logging"
)

// historyWindow is how many prior turns accompany each completion request.
const historyWindow = 40

// Replier generates one assistant reply for a conversation.
type Replier interface {
	Reply(ctx context.Context, messages []relay.ChatMessage) (string, error)
}

// TranscriptLog is the slice of transcript storage the handler uses.
type TranscriptLog interface {
	Append(ctx context.Context, conversationID string, msg TranscriptMessage) error
	List(ctx context.Context, conversationID string, limit int64) ([]TranscriptMessage, error)
}

// Handler carries authenticated chat sessions over WebSocket, with plain
// HTTP fallbacks for sending and history.
type Handler struct {
	verifier   *identity.Verifier
	replier    Replier
	personas   personas.Repository
	transcript TranscriptLog
	logger     *logging.Logger

	mu       sync.RWMutex
	sessions map[string]*wsConn // conversationID -> active connection
}

type wsConn struct {
	conn *websocket.Conn
	done chan struct{}
}

// InboundMessage is what the client sends over the socket.
type InboundMessage struct {
	Type      string `json:"type"` // "message", "ping"
	PersonaID int    `json:"persona_id"`
	Text      string `json:"text"`
}

// OutboundMessage is what the server sends back.
type OutboundMessage struct {
	Type      string           `json:"type"` // "message", "typing", "history", "error", "pong"
	Text      string           `json:"text,omitempty"`
	Role      string           `json:"role,omitempty"`
	Timestamp string           `json:"timestamp,omitempty"`
	Messages  []HistoryMessage `json:"messages,omitempty"`
}

// HistoryMessage is a simplified message for history responses.
type HistoryMessage struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

func NewHandler(verifier *identity.Verifier, replier Replier, repo personas.Repository, transcript TranscriptLog, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		verifier:   verifier,
		replier:    replier,
		personas:   repo,
		transcript: transcript,
		logger:     logger,
		sessions:   make(map[string]*wsConn),
	}
}

// HandleWebSocket upgrades to WebSocket and handles real-time messaging.
// The session token rides in the "token" query parameter because browser
// WebSocket clients cannot set an Authorization header.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.Handler(func(conn *websocket.Conn) {
		h.serveWS(conn, r)
	}).ServeHTTP(w, r)
}

func (h *Handler) serveWS(conn *websocket.Conn, r *http.Request) {
	sess, err := h.verifier.Verify(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		_ = websocket.JSON.Send(conn, OutboundMessage{Type: "error", Text: "authentication required"})
		return
	}

	h.logger.Info("chat: connection opened", "user_id", sess.UserID)

	var registered []string
	defer func() {
		h.mu.Lock()
		for _, convID := range registered {
			delete(h.sessions, convID)
		}
		h.mu.Unlock()
	}()

	for {
		var msg InboundMessage
		if err := websocket.JSON.Receive(conn, &msg); err != nil {
			h.logger.Debug("chat: connection closed", "user_id", sess.UserID, "error", err)
			return
		}

		if msg.Type == "ping" {
			_ = websocket.JSON.Send(conn, OutboundMessage{Type: "pong"})
			continue
		}
		if msg.Type != "message" || strings.TrimSpace(msg.Text) == "" {
			continue
		}

		convID := ConversationID(sess.UserID, msg.PersonaID)
		h.mu.Lock()
		if _, ok := h.sessions[convID]; !ok {
			h.sessions[convID] = &wsConn{conn: conn, done: make(chan struct{})}
			registered = append(registered, convID)
		}
		h.mu.Unlock()

		reply, err := h.processMessage(r.Context(), sess.UserID, msg.PersonaID, msg.Text)
		if err != nil {
			h.sendToSession(convID, OutboundMessage{Type: "error", Text: "Sorry, something went wrong. Please try again."})
			continue
		}
		h.sendToSession(convID, OutboundMessage{
			Type:      "message",
			Role:      relay.RoleAssistant,
			Text:      reply,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// processMessage stores the user turn, builds the model context, and stores
// the assistant reply before returning it.
func (h *Handler) processMessage(ctx context.Context, userID string, personaID int, text string) (string, error) {
	persona, err := h.personas.GetByID(ctx, personaID)
	if err != nil {
		return "", err
	}

	convID := ConversationID(userID, personaID)
	if err := h.transcript.Append(ctx, convID, TranscriptMessage{
		Role:      relay.RoleUser,
		PersonaID: personaID,
		Body:      text,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		h.logger.Warn("chat: failed to store user message", "error", err)
	}

	h.sendToSession(convID, OutboundMessage{Type: "typing"})

	history, err := h.transcript.List(ctx, convID, historyWindow)
	if err != nil {
		h.logger.Warn("chat: failed to load history", "error", err)
	}

	messages := make([]relay.ChatMessage, 0, len(history)+2)
	messages = append(messages, relay.ChatMessage{Role: relay.RoleSystem, Content: persona.SystemPrompt})
	for _, m := range history {
		messages = append(messages, relay.ChatMessage{Role: m.Role, Content: m.Body})
	}
	// The loaded history normally ends with the user turn appended above;
	// when that write failed, the current message must still reach the model.
	if n := len(history); n == 0 || history[n-1].Role != relay.RoleUser || history[n-1].Body != text {
		messages = append(messages, relay.ChatMessage{Role: relay.RoleUser, Content: text})
	}

	reply, err := h.replier.Reply(ctx, messages)
	if err != nil {
		h.logger.Error("chat: reply generation failed", "error", err, "user_id", userID, "persona_id", personaID)
		return "", err
	}

	if err := h.transcript.Append(ctx, convID, TranscriptMessage{
		Role:      relay.RoleAssistant,
		PersonaID: personaID,
		Body:      reply,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		h.logger.Warn("chat: failed to store assistant message", "error", err)
	}
	return reply, nil
}

func (h *Handler) sendToSession(convID string, msg OutboundMessage) {
	h.mu.RLock()
	wsc, ok := h.sessions[convID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	_ = websocket.JSON.Send(wsc.conn, msg)
}

func (h *Handler) authenticate(r *http.Request) (*identity.Session, bool) {
	token, ok := identity.TokenFromHeader(r.Header.Get("Authorization"))
	if !ok {
		return nil, false
	}
	sess, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		return nil, false
	}
	return sess, true
}

// HandleMessage is the HTTP fallback for sending a message.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.authenticate(r)
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var req struct {
		PersonaID int    `json:"persona_id"`
		Text      string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PersonaID == 0 || strings.TrimSpace(req.Text) == "" {
		http.Error(w, "persona_id and text are required", http.StatusBadRequest)
		return
	}

	reply, err := h.processMessage(r.Context(), sess.UserID, req.PersonaID, req.Text)
	if err != nil {
		if errors.Is(err, personas.ErrNotFound) {
			http.Error(w, "persona not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to generate reply", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"reply": reply,
		"role":  relay.RoleAssistant,
	})
}

// HandleHistory returns the transcript for one persona conversation.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.authenticate(r)
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	personaID, err := strconv.Atoi(r.URL.Query().Get("persona"))
	if err != nil || personaID <= 0 {
		http.Error(w, "persona parameter required", http.StatusBadRequest)
		return
	}

	msgs, err := h.transcript.List(r.Context(), ConversationID(sess.UserID, personaID), 100)
	if err != nil {
		h.logger.Error("chat: failed to load history", "error", err)
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}

	history := make([]HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, HistoryMessage{
			Role:      m.Role,
			Text:      m.Body,
			Timestamp: m.Timestamp.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"messages": history})
}
