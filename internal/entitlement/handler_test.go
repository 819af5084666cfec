package entitlement

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"

	"github.com/aitherapy/chat-platform/internal/http/middleware"
	"github.com/aitherapy/chat-platform/internal/identity"
)

const handlerSecret = "entitlement-test-secret"

func entitlementToken(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(handlerSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return "Bearer " + signed
}

func TestHandleGetReportsProStatus(t *testing.T) {
	store, mock := newMockStore(t)
	verifier := identity.NewVerifier(identity.Config{HMACSecret: handlerSecret})
	handler := middleware.RequireSession(verifier)(http.HandlerFunc(NewHandler(store, nil).HandleGet))

	mock.ExpectQuery("SELECT 1 FROM subscriptions").
		WithArgs("user-1", ProEntitlement).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(1))

	req := httptest.NewRequest(http.MethodGet, "/v1/entitlement", nil)
	req.Header.Set("Authorization", entitlementToken(t, "user-1"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		UserID string `json:"user_id"`
		IsPro  bool   `json:"is_pro"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.UserID != "user-1" || !resp.IsPro {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHandleGetRequiresSession(t *testing.T) {
	store, _ := newMockStore(t)
	verifier := identity.NewVerifier(identity.Config{HMACSecret: handlerSecret})
	handler := middleware.RequireSession(verifier)(http.HandlerFunc(NewHandler(store, nil).HandleGet))

	req := httptest.NewRequest(http.MethodGet, "/v1/entitlement", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleGetLookupFailureReadsAsFree(t *testing.T) {
	store, mock := newMockStore(t)
	verifier := identity.NewVerifier(identity.Config{HMACSecret: handlerSecret})
	handler := middleware.RequireSession(verifier)(http.HandlerFunc(NewHandler(store, nil).HandleGet))

	mock.ExpectQuery("SELECT 1 FROM subscriptions").
		WithArgs("user-1", ProEntitlement).
		WillReturnError(sqlmock.ErrCancelled)

	req := httptest.NewRequest(http.MethodGet, "/v1/entitlement", nil)
	req.Header.Set("Authorization", entitlementToken(t, "user-1"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		IsPro bool `json:"is_pro"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.IsPro {
		t.Fatal("expected lookup failure to read as free tier")
	}
}
