package config

import (
	"os"
	"strings"
	"time"
)

// OAuth captures provider application settings for the provisioning flow.
type OAuth struct {
	ClientID     string
	ClientSecret string
	AuthorizeURL string
	TokenURL     string
	// UserScopes is the minimal read-only scope set for phase A; ActorScopes
	// is the elevated org-level set requested during admin escalation.
	UserScopes  []string
	ActorScopes []string
	// StateSecret signs the round-tripped OAuth state. Never shared with the
	// provider or the connecting client.
	StateSecret string
}

// Redis captures the durable tenant record store settings.
// An empty Addr selects the in-memory store.
type Redis struct {
	Addr     string
	Password string
	DB       int
}

// Kafka captures the optional ops event publisher settings.
// Empty Brokers disables publishing.
type Kafka struct {
	Brokers string
	Topic   string
}

// Server captures relay level configuration.
type Server struct {
	Addr          string
	PublicBaseURL string
	Environment   string
	// WebhookSecret enables HMAC verification on the ingress when non-empty.
	WebhookSecret string
	// UpstreamAPIURL is the base URL of the issue tracker's API.
	UpstreamAPIURL string

	TokenRefreshBuffer time.Duration
	RelayCallTimeout   time.Duration

	OAuth OAuth
	Redis Redis
	Kafka Kafka
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	cfg := Server{
		Addr:               envOr("HOOKBRIDGE_ADDR", ":8080"),
		PublicBaseURL:      envOr("HOOKBRIDGE_PUBLIC_URL", "http://localhost:8080"),
		Environment:        envOr("HOOKBRIDGE_ENV", "development"),
		WebhookSecret:      os.Getenv("HOOKBRIDGE_WEBHOOK_SECRET"),
		UpstreamAPIURL:     envOr("HOOKBRIDGE_UPSTREAM_API_URL", "https://api.tracker.dev"),
		TokenRefreshBuffer: durationOr("HOOKBRIDGE_TOKEN_REFRESH_BUFFER", 5*time.Minute),
		RelayCallTimeout:   durationOr("HOOKBRIDGE_RELAY_CALL_TIMEOUT", 30*time.Second),
		OAuth: OAuth{
			ClientID:     os.Getenv("HOOKBRIDGE_OAUTH_CLIENT_ID"),
			ClientSecret: os.Getenv("HOOKBRIDGE_OAUTH_CLIENT_SECRET"),
			AuthorizeURL: envOr("HOOKBRIDGE_OAUTH_AUTHORIZE_URL", "https://tracker.dev/oauth/authorize"),
			TokenURL:     envOr("HOOKBRIDGE_OAUTH_TOKEN_URL", "https://api.tracker.dev/oauth/token"),
			UserScopes:   scopesOr("HOOKBRIDGE_OAUTH_USER_SCOPES", []string{"read"}),
			ActorScopes:  scopesOr("HOOKBRIDGE_OAUTH_ACTOR_SCOPES", []string{"read", "write", "app:assignable", "app:mentionable"}),
			StateSecret:  envOr("HOOKBRIDGE_STATE_SECRET", "dev-state-secret-change-in-production"),
		},
		Redis: Redis{
			Addr:     os.Getenv("HOOKBRIDGE_REDIS_ADDR"),
			Password: os.Getenv("HOOKBRIDGE_REDIS_PASSWORD"),
		},
		Kafka: Kafka{
			Brokers: os.Getenv("HOOKBRIDGE_KAFKA_BROKERS"),
			Topic:   envOr("HOOKBRIDGE_KAFKA_TOPIC", "hookbridge.events"),
		},
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func scopesOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		scopes := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				scopes = append(scopes, s)
			}
		}
		if len(scopes) > 0 {
			return scopes
		}
	}
	return fallback
}
