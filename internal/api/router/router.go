// Package router wires every HTTP surface of the platform into one chi mux.
package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aitherapy/chat-platform/internal/chat"
	"github.com/aitherapy/chat-platform/internal/continuity"
	"github.com/aitherapy/chat-platform/internal/entitlement"
	httpmiddleware "github.com/aitherapy/chat-platform/internal/http/middleware"
	"github.com/aitherapy/chat-platform/internal/identity"
	"github.com/aitherapy/chat-platform/internal/personas"
	"github.com/aitherapy/chat-platform/internal/relay"
	"github.com/aitherapy/chat-platform/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger *logging.Logger

	Verifier           *identity.Verifier
	ContinuityHandler  *continuity.Handler
	RelayHandler       *relay.Handler
	PersonasHandler    *personas.Handler
	EntitlementHandler *entitlement.Handler
	BillingWebhook     *entitlement.WebhookHandler
	ChatHandler        *chat.Handler

	MetricsHandler     http.Handler
	CORSAllowedOrigins []string

	// Relay rate limiting, per client IP.
	RelayRatePerSecond float64
	RelayRateBurst     int

	// Admin token secret for persona management. Empty disables the routes.
	AdminJWTSecret string
}

// New creates a new chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints: health, metrics, roster, webhooks, continuity.
	r.Group(func(public chi.Router) {
		public.Get("/health", handleHealth)
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.PersonasHandler != nil {
			public.Route("/v1/personas", func(r chi.Router) {
				r.Get("/", cfg.PersonasHandler.HandleList)
				r.Get("/{id}", cfg.PersonasHandler.HandleGet)
			})
		}
		if cfg.BillingWebhook != nil {
			public.Post("/webhooks/billing", cfg.BillingWebhook.Handle)
		}
		// Continuity endpoints are public: they serve the visitor across the
		// login boundary, and the consume step checks the token itself.
		if cfg.ContinuityHandler != nil {
			public.Route("/v1/continuity", func(r chi.Router) {
				r.Post("/begin-login", cfg.ContinuityHandler.HandleBeginLogin)
				r.Post("/resolve", cfg.ContinuityHandler.HandleResolve)
				r.Post("/consume", cfg.ContinuityHandler.HandleConsume)
				r.Post("/persona", cfg.ContinuityHandler.HandleSelectPersona)
				r.Get("/session", cfg.ContinuityHandler.HandleSession)
			})
		}
		// Chat carries its own authentication: the websocket token rides in
		// a query parameter, and the HTTP fallbacks verify the bearer token
		// themselves.
		if cfg.ChatHandler != nil {
			public.Get("/v1/chat/ws", cfg.ChatHandler.HandleWebSocket)
			public.Post("/v1/chat/message", cfg.ChatHandler.HandleMessage)
			public.Get("/v1/chat/history", cfg.ChatHandler.HandleHistory)
		}
	})

	// The relay authenticates in the handler itself so an unauthenticated
	// request is rejected before any request body work; rate limiting still
	// wraps it here.
	if cfg.RelayHandler != nil {
		r.Group(func(limited chi.Router) {
			if cfg.RelayRatePerSecond > 0 {
				limited.Use(httpmiddleware.RateLimit(cfg.RelayRatePerSecond, cfg.RelayRateBurst))
			}
			limited.Post("/v1/chat/relay", cfg.RelayHandler.HandleTurn)
		})
	}

	// Persona editing is reserved for operators with an admin token.
	if cfg.PersonasHandler != nil && cfg.AdminJWTSecret != "" {
		r.Group(func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminJWTSecret))
			admin.Put("/v1/personas/{id}", cfg.PersonasHandler.HandleUpdate)
		})
	}

	// Endpoints that rely on the session middleware's context.
	if cfg.Verifier != nil && cfg.EntitlementHandler != nil {
		r.Group(func(private chi.Router) {
			private.Use(httpmiddleware.RequireSession(cfg.Verifier))
			private.Get("/v1/entitlement", cfg.EntitlementHandler.HandleGet)
		})
	}

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
