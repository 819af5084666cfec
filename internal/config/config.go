package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Identity provider JWT verification. HMAC secret for locally issued
	// tokens, JWKS URL for provider-signed RS256 tokens.
	SessionJWTSecret string
	SessionJWKSURL   string
	SessionIssuer    string
	SessionAudience  string

	// Hosted sign-in page of the identity provider.
	AuthSignInURL string

	// Upstream model API (OpenAI-compatible chat completions).
	ModelAPIURL     string
	ModelAPIKey     string
	ChatModel       string
	ChatTemperature float64
	ChatMaxTokens   int
	ChatTopP        float64
	UpstreamTimeout time.Duration

	// Pending-draft staleness window for the continuity manager.
	DraftTTL time.Duration

	BillingWebhookSecret string
	AdminJWTSecret       string

	CORSAllowedOrigins []string
	RelayRatePerSecond float64
	RelayRateBurst     int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		SessionJWTSecret: getEnv("SESSION_JWT_SECRET", ""),
		SessionJWKSURL:   getEnv("SESSION_JWKS_URL", ""),
		SessionIssuer:    getEnv("SESSION_ISSUER", ""),
		SessionAudience:  getEnv("SESSION_AUDIENCE", ""),

		AuthSignInURL: getEnv("AUTH_SIGNIN_URL", ""),

		ModelAPIURL:     getEnv("MODEL_API_URL", "https://api.together.xyz/v1/chat/completions"),
		ModelAPIKey:     getEnv("MODEL_API_KEY", ""),
		ChatModel:       getEnv("CHAT_MODEL", "MiniMaxAI/MiniMax-M2.5"),
		ChatTemperature: getEnvAsFloat("CHAT_TEMPERATURE", 0.7),
		ChatMaxTokens:   getEnvAsInt("CHAT_MAX_TOKENS", 1024),
		ChatTopP:        getEnvAsFloat("CHAT_TOP_P", 0.9),
		UpstreamTimeout: getEnvAsDuration("UPSTREAM_TIMEOUT", 60*time.Second),

		DraftTTL: getEnvAsDuration("DRAFT_TTL", 10*time.Minute),

		BillingWebhookSecret: getEnv("BILLING_WEBHOOK_SECRET", ""),
		AdminJWTSecret:       getEnv("ADMIN_JWT_SECRET", ""),

		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", nil),
		RelayRatePerSecond: getEnvAsFloat("RELAY_RATE_PER_SECOND", 2),
		RelayRateBurst:     getEnvAsInt("RELAY_RATE_BURST", 10),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
