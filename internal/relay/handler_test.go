package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aitherapy/chat-platform/internal/identity"
	"github.com/aitherapy/chat-platform/internal/observability/metrics"
)

const testSecret = "relay-test-secret"

var testDefaults = Defaults{
	Model:       "MiniMaxAI/MiniMax-M2.5",
	Temperature: 0.7,
	MaxTokens:   1024,
	TopP:        0.9,
}

// upstreamStub is a fake provider that records how many calls it received
// and the last payload it saw.
type upstreamStub struct {
	server   *httptest.Server
	calls    atomic.Int64
	lastBody atomic.Value // []byte

	status int
	body   string
}

func newUpstreamStub(t *testing.T, status int, body string) *upstreamStub {
	t.Helper()
	stub := &upstreamStub{status: status, body: body}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.calls.Add(1)
		raw, _ := io.ReadAll(r.Body)
		stub.lastBody.Store(raw)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(stub.status)
		_, _ = w.Write([]byte(stub.body))
	}))
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *upstreamStub) payload(t *testing.T) map[string]any {
	t.Helper()
	raw, _ := s.lastBody.Load().([]byte)
	require.NotEmpty(t, raw)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func newTestHandler(t *testing.T, upstream *upstreamStub, apiKey string) *Handler {
	t.Helper()
	verifier := identity.NewVerifier(identity.Config{HMACSecret: testSecret})
	client := NewClient(upstream.server.URL, apiKey, 5*time.Second)
	m := metrics.NewRelayMetrics(prometheus.NewRegistry())
	return NewHandler(verifier, client, testDefaults, m, nil)
}

func authHeader(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func relayTurn(t *testing.T, h *Handler, body string, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/relay", bytes.NewReader([]byte(body)))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.HandleTurn(rec, req)
	return rec
}

const validTurn = `{"messages":[{"role":"user","content":"I had a hard week"}]}`

const okCompletion = `{"model":"MiniMaxAI/MiniMax-M2.5","choices":[{"message":{"role":"assistant","content":"I'm here with you. Tell me more."}}]}`

func TestHandleTurnRejectsMissingTokenBeforeUpstream(t *testing.T) {
	upstream := newUpstreamStub(t, http.StatusOK, okCompletion)
	h := newTestHandler(t, upstream, "key")

	rec := relayTurn(t, h, validTurn, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, int64(0), upstream.calls.Load(), "provider must not be called for unauthenticated requests")
}

func TestHandleTurnRejectsInvalidTokenBeforeUpstream(t *testing.T) {
	upstream := newUpstreamStub(t, http.StatusOK, okCompletion)
	h := newTestHandler(t, upstream, "key")

	rec := relayTurn(t, h, validTurn, "Bearer not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, int64(0), upstream.calls.Load())
}

func TestHandleTurnForwardsWithDefaults(t *testing.T) {
	upstream := newUpstreamStub(t, http.StatusOK, okCompletion)
	h := newTestHandler(t, upstream, "key")

	rec := relayTurn(t, h, validTurn, authHeader(t))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TurnResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "I'm here with you. Tell me more.", resp.Reply)
	assert.Equal(t, "MiniMaxAI/MiniMax-M2.5", resp.Model)

	sent := upstream.payload(t)
	assert.Equal(t, "MiniMaxAI/MiniMax-M2.5", sent["model"])
	assert.Equal(t, 0.7, sent["temperature"])
	assert.Equal(t, float64(1024), sent["max_tokens"])
	assert.Equal(t, 0.9, sent["top_p"])
}

func TestHandleTurnHonorsClientOverrides(t *testing.T) {
	upstream := newUpstreamStub(t, http.StatusOK, okCompletion)
	h := newTestHandler(t, upstream, "key")

	body := `{"model":"other/model","messages":[{"role":"user","content":"hi"}],"temperature":0.2,"max_tokens":64,"top_p":0.5}`
	rec := relayTurn(t, h, body, authHeader(t))
	require.Equal(t, http.StatusOK, rec.Code)

	sent := upstream.payload(t)
	assert.Equal(t, "other/model", sent["model"])
	assert.Equal(t, 0.2, sent["temperature"])
	assert.Equal(t, float64(64), sent["max_tokens"])
	assert.Equal(t, 0.5, sent["top_p"])
}

func TestHandleTurnDropsUnknownFields(t *testing.T) {
	upstream := newUpstreamStub(t, http.StatusOK, okCompletion)
	h := newTestHandler(t, upstream, "key")

	body := `{"messages":[{"role":"user","content":"hi"}],"stream":true,"api_key":"sneaky","tools":[{"name":"x"}]}`
	rec := relayTurn(t, h, body, authHeader(t))
	require.Equal(t, http.StatusOK, rec.Code, "unknown fields are dropped, not rejected")

	sent := upstream.payload(t)
	_, hasStream := sent["stream"]
	_, hasKey := sent["api_key"]
	_, hasTools := sent["tools"]
	assert.False(t, hasStream)
	assert.False(t, hasKey)
	assert.False(t, hasTools)
}

func TestHandleTurnMissingCredentialIsServerError(t *testing.T) {
	upstream := newUpstreamStub(t, http.StatusOK, okCompletion)
	h := newTestHandler(t, upstream, "")

	rec := relayTurn(t, h, validTurn, authHeader(t))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, int64(0), upstream.calls.Load())
}

func TestHandleTurnPassesThroughUpstreamErrors(t *testing.T) {
	const upstreamBody = `{"error":{"message":"rate limit exceeded","type":"rate_limit"}}`
	upstream := newUpstreamStub(t, http.StatusTooManyRequests, upstreamBody)
	h := newTestHandler(t, upstream, "key")

	rec := relayTurn(t, h, validTurn, authHeader(t))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, upstreamBody, rec.Body.String())
}

func TestHandleTurnEmptyChoicesFallsBackToApology(t *testing.T) {
	upstream := newUpstreamStub(t, http.StatusOK, `{"model":"m","choices":[]}`)
	h := newTestHandler(t, upstream, "key")

	rec := relayTurn(t, h, validTurn, authHeader(t))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TurnResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, FallbackReply, resp.Reply)
}

func TestHandleTurnMalformedCompletionFallsBackToApology(t *testing.T) {
	upstream := newUpstreamStub(t, http.StatusOK, `{{{not json`)
	h := newTestHandler(t, upstream, "key")

	rec := relayTurn(t, h, validTurn, authHeader(t))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TurnResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, FallbackReply, resp.Reply)
}

func TestHandleTurnValidatesBody(t *testing.T) {
	upstream := newUpstreamStub(t, http.StatusOK, okCompletion)
	h := newTestHandler(t, upstream, "key")

	cases := map[string]string{
		"not json":      `{{{`,
		"no messages":   `{"messages":[]}`,
		"missing role":  `{"messages":[{"content":"hi"}]}`,
		"blank content": `{"messages":[{"role":"user","content":"  "}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := relayTurn(t, h, body, authHeader(t))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Equal(t, int64(0), upstream.calls.Load())
}

func TestServiceReply(t *testing.T) {
	upstream := newUpstreamStub(t, http.StatusOK, okCompletion)
	client := NewClient(upstream.server.URL, "key", 5*time.Second)
	svc := NewService(client, testDefaults)

	reply, err := svc.Reply(context.Background(), []ChatMessage{{Role: RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "I'm here with you. Tell me more.", reply)
}

func TestServiceReplyUpstreamError(t *testing.T) {
	upstream := newUpstreamStub(t, http.StatusServiceUnavailable, `{"error":"down"}`)
	client := NewClient(upstream.server.URL, "key", 5*time.Second)
	svc := NewService(client, testDefaults)

	_, err := svc.Reply(context.Background(), []ChatMessage{{Role: RoleUser, Content: "hi"}})
	assert.Error(t, err)
}
