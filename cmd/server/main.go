package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hookbridge/internal/broker"
	brokerMetrics "hookbridge/internal/broker/metrics"
	"hookbridge/internal/broker/store"
	"hookbridge/internal/events"
	"hookbridge/internal/oauth"
	"hookbridge/internal/platform/config"
	"hookbridge/internal/platform/health"
	"hookbridge/internal/platform/logger"
	redisplatform "hookbridge/internal/platform/redis"
	httptransport "hookbridge/internal/transport/http"
	"hookbridge/internal/tunnel"
	"hookbridge/internal/upstream"
	"hookbridge/internal/webhook"
)

// main wires high-level dependencies and keeps the server lifecycle small.
// Business logic lives in the internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	log.Info("initializing hookbridge relay",
		"addr", cfg.Addr,
		"environment", cfg.Environment,
		"upstream", cfg.UpstreamAPIURL,
	)

	healthHandler := health.New(cfg.Environment)

	// Tenant record store: redis when configured, in-memory otherwise.
	var tenants store.TenantStore
	redisClient, err := redisplatform.New(cfg.Redis)
	if err != nil {
		log.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		tenants = store.NewRedis(redisClient)
		healthHandler.RegisterCheck("redis", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return redisClient.Health(ctx)
		})
		log.Info("using redis tenant store", "addr", cfg.Redis.Addr)
	} else {
		tenants = store.NewInMemory()
		log.Warn("redis not configured, tenant records are in-memory only")
	}

	// Ops event publisher: kafka when configured, no-op otherwise.
	var publisher events.Publisher = events.Nop{}
	if cfg.Kafka.Brokers != "" {
		kafka, err := events.NewKafka(cfg.Kafka, log)
		if err != nil {
			log.Error("kafka connection failed", "error", err)
			os.Exit(1)
		}
		defer kafka.Close()
		publisher = kafka
		healthHandler.RegisterCheck("kafka", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return kafka.Health(ctx)
		})
		log.Info("publishing ops events to kafka", "topic", cfg.Kafka.Topic)
	}

	api := upstream.NewHTTPClient(cfg, log)
	metrics := brokerMetrics.New()

	registry := broker.NewRegistry(func(tenantID string) *broker.Broker {
		return broker.New(tenantID, tenants, api,
			broker.WithLogger(log),
			broker.WithMetrics(metrics),
			broker.WithEvents(publisher),
			broker.WithRefreshBuffer(cfg.TokenRefreshBuffer),
		)
	})

	oauthController, err := oauth.NewController(cfg.OAuth, cfg.PublicBaseURL, api, registry, log)
	if err != nil {
		log.Error("failed to initialize oauth controller", "error", err)
		os.Exit(1)
	}

	router := httptransport.NewRouter(httptransport.Deps{
		Webhook: webhook.NewHandler(registry, cfg.WebhookSecret, log, webhook.NewMetrics()),
		Tunnel:  tunnel.NewHandler(registry, cfg.RelayCallTimeout, log),
		OAuth:   oauthController,
		Health:  healthHandler,
	}, log)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("starting http server", "addr", cfg.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	if redisClient != nil {
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				redisClient.RecordPoolStats()
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
