/**
 * @description
 * This is the main entry point for the payment-service. It loads configuration,
 * connects PostgreSQL, Redis and RabbitMQ, builds the ledger client and the core
 * application services, starts the outbox dispatcher and cron jobs, and serves
 * the HTTP API until it receives SIGINT or SIGTERM.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Shared rate limiting and stream fan-out.
 * - github.com/prometheus/client_golang: Metrics registry and /metrics handler.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - pkg/rabbitmq, pkg/solanaledger: Broker and ledger clients.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/transfa/payment-service/internal/api"
	"github.com/transfa/payment-service/internal/app"
	"github.com/transfa/payment-service/internal/config"
	"github.com/transfa/payment-service/internal/hub"
	"github.com/transfa/payment-service/internal/store"
	"github.com/transfa/payment-service/pkg/rabbitmq"
	"github.com/transfa/payment-service/pkg/solanaledger"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found, using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url must be configured\" env=DATABASE_URL")
	}
	log.Printf("level=info component=bootstrap msg=\"starting payment-service\" port=%s", cfg.ServerPort)

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	repository := store.NewPostgresRepository(dbpool)
	if cfg.AutoMigrate {
		migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
		if err := repository.ApplySchema(migrateCtx); err != nil {
			cancelMigrate()
			log.Fatalf("level=fatal component=bootstrap msg=\"schema migration failed\" err=%v", err)
		}
		cancelMigrate()
		log.Println("level=info component=bootstrap msg=\"schema applied\"")
	}

	redisClient := connectRedis(cfg)
	if redisClient != nil {
		defer redisClient.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := app.NewMetrics(registry)

	streams := hub.New(hub.Config{
		MaxPerPayment: cfg.StreamMaxPerPayment,
		Heartbeat:     cfg.StreamHeartbeat(),
		IdleTimeout:   cfg.StreamIdleTimeout(),
	}, metrics)

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	if cfg.StreamFanout == config.StreamFanoutRedis && redisClient != nil {
		relay := hub.NewRedisRelay(redisClient, cfg.RedisPrefix+":"+hub.DefaultRelayChannel, streams)
		streams.SetRelay(relay)
		go func() {
			if err := relay.Run(rootCtx); err != nil && rootCtx.Err() == nil {
				log.Printf("level=error component=hub msg=\"redis relay stopped\" err=%v", err)
			}
		}()
		log.Println("level=info component=bootstrap msg=\"stream fan-out via redis\"")
	}

	var pollLimiter app.RateLimiter
	sweepers := map[string]app.Sweeper{}
	if cfg.RateLimitBackend == config.RateLimitBackendRedis && redisClient != nil {
		pollLimiter = app.NewRedisRateLimiter(redisClient, cfg.RedisPrefix, "poll_status", cfg.PollRateLimit, cfg.PollRateWindow())
	} else {
		memoryLimiter := app.NewFixedWindowLimiter(cfg.PollRateLimit, cfg.PollRateWindow())
		pollLimiter = memoryLimiter
		sweepers["poll_rate_limiter"] = memoryLimiter
	}

	var publisher rabbitmq.Publisher = &rabbitmq.FallbackPublisher{}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; outbox events stay pending\" env=RABBITMQ_URL")
	} else if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		publisher = producer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}
	defer publisher.Close()

	ledger := solanaledger.New(cfg.SolanaRPCURL, cfg.LedgerRPS, cfg.LedgerBurst)
	cache := app.NewVerificationCache(cfg.VerificationCacheTTL())
	sweepers["verification_cache"] = cache

	outbox := app.NewOutboxPublisher(repository, metrics)
	paymentService := app.NewService(repository, ledger, outbox, streams, metrics)
	verifier := app.NewVerifier(repository, ledger, cache, outbox, streams, metrics)
	poller := app.NewStatusPoller(paymentService, verifier, repository, pollLimiter, metrics, cfg.BulkStatusMaxIDs)
	ingestor := app.NewWebhookIngestor(cfg.WebhookSecret, paymentService, verifier)

	dispatcher := app.NewOutboxDispatcher(repository, publisher, cfg.OutboxExchange, cfg.OutboxBatchSize, cfg.OutboxPollInterval(), metrics)
	go dispatcher.Run(rootCtx)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	scheduler := app.NewScheduler(app.NewJobs(repository, verifier, sweepers, logger), logger, cfg)
	scheduler.Start()

	handlers := api.NewPaymentHandlers(paymentService, poller, ingestor, streams)
	router := chi.NewRouter()
	router.Mount("/", api.PaymentRoutes(handlers, api.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins(),
		SessionSecret:  cfg.SessionSecret,
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Open streams never finish on their own, so close them before draining.
	streams.CloseAll(hub.ReasonShutdown)
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	cancelRoot()
	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		log.Println("level=warn component=scheduler msg=\"jobs still running at shutdown\"")
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

func connectRedis(cfg config.Config) *redis.Client {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return nil
	}
	options, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; using in-process fallbacks\" err=%v", err)
		return nil
	}

	client := redis.NewClient(options)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; using in-process fallbacks\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
