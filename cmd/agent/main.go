package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hookbridge/internal/platform/logger"
	"hookbridge/pkg/protocol"
	"hookbridge/pkg/tunnel"
)

// main runs a minimal local connector: it opens the tunnel, logs every
// delivered webhook, and stays up until interrupted. Real agent processes
// embed pkg/tunnel the same way and attach their own webhook handler.
func main() {
	log := logger.New()

	client, err := tunnel.New(tunnel.Config{
		ServerURL:      envOr("HOOKBRIDGE_SERVER_URL", "http://localhost:8080"),
		OrganizationID: os.Getenv("HOOKBRIDGE_ORG_ID"),
		UserID:         os.Getenv("HOOKBRIDGE_USER_ID"),
		Email:          os.Getenv("HOOKBRIDGE_EMAIL"),
		Logger:         log,
		OnWebhook: func(payload *protocol.WebhookPayload) {
			log.Info("webhook received",
				"bytes", len(payload.Body),
				"event", payload.Headers["X-Webhook-Event"],
			)
		},
	})
	if err != nil {
		log.Error("invalid agent configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		log.Error("failed to open tunnel", "error", err)
		os.Exit(1)
	}
	log.Info("tunnel connected")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	client.Disconnect()
	log.Info("agent stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
