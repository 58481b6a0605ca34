/**
 * @description
 * This is the main entry point for the promo-service HTTP server. It is
 * responsible for initializing all dependencies: configuration, the database
 * connection pool, the Redis client backing the redemption lock and rate
 * limiter, the RabbitMQ producer, metrics, the core service, and the API
 * router. It then starts the HTTP server with graceful shutdown.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5/pgxpool: PostgreSQL connection pool.
 * - github.com/redis/go-redis/v9: Redis client.
 * - github.com/prometheus/client_golang/prometheus: Metrics registry.
 * - internal/*: All the service's internal packages.
 */

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/mbelyco/promo-service/internal/api"
	"github.com/mbelyco/promo-service/internal/app"
	"github.com/mbelyco/promo-service/internal/config"
	"github.com/mbelyco/promo-service/internal/metrics"
	"github.com/mbelyco/promo-service/internal/store"
	"github.com/mbelyco/promo-service/pkg/rabbitmq"
)

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=server msg=\"could not load config\" err=%v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatalf("level=fatal component=server msg=\"DATABASE_URL is required\"")
	}
	if cfg.RedisURL == "" {
		log.Fatalf("level=fatal component=server msg=\"REDIS_URL is required\"")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := mustConnectDB(ctx, cfg.DatabaseURL)
	defer pool.Close()

	redisClient := mustConnectRedis(ctx, cfg.RedisURL)
	defer redisClient.Close()

	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		// Without the broker no disbursement job can be enqueued, so the
		// gateway cannot accept redemptions. Fail hard.
		log.Fatalf("level=fatal component=server msg=\"could not connect to rabbitmq\" err=%v", err)
	}
	defer producer.Close()

	// Declare and bind the durable work queue before accepting traffic. A job
	// published to the topic exchange with no bound queue is dropped without
	// an error, so a redemption accepted before the first worker run would
	// otherwise never pay out.
	if err := producer.DeclareQueue(cfg.EventsExchange, cfg.DisbursementQueue, app.JobRoutingKey); err != nil {
		log.Fatalf("level=fatal component=server msg=\"could not declare disbursement queue\" err=%v", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	repo := store.NewPostgresRepository(pool)
	locker := app.NewRedisRedemptionLock(redisClient, time.Duration(cfg.LockTTLSeconds)*time.Second)
	limiter := app.NewRedisRateLimiter(redisClient, "")
	audit := app.NewEventAuditEmitter(producer, cfg.EventsExchange)

	service := app.NewService(repo, locker, limiter, producer, audit, m, app.ServiceConfig{
		RateLimit:       cfg.USSDRateLimit,
		RateLimitWindow: time.Duration(cfg.USSDRateLimitWindowSeconds) * time.Second,
		EventsExchange:  cfg.EventsExchange,
	})

	handler := api.NewHandler(service, api.HandlerConfig{
		SigningSecret:   cfg.USSDSigningSecret,
		SignatureHeader: cfg.USSDSignatureHeader,
		SubscriptionKey: cfg.MomoSubscriptionKey,
	})
	router := api.NewRouter(handler, m, api.RouterConfig{
		USSDAllowlist:    config.SplitAllowlist(cfg.USSDIPAllowlist),
		WebhookAllowlist: config.SplitAllowlist(cfg.WebhookIPAllowlist),
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("level=info component=server msg=\"starting http server\" port=%s signature_verification=%t", cfg.ServerPort, cfg.SignatureVerificationEnabled())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("level=fatal component=server msg=\"http server failed\" err=%v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("level=info component=server msg=\"shutdown signal received\"")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=error component=server msg=\"graceful shutdown failed\" err=%v", err)
	}
	log.Printf("level=info component=server msg=\"server stopped\"")
}

func mustConnectDB(ctx context.Context, databaseURL string) *pgxpool.Pool {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=server msg=\"invalid DATABASE_URL\" err=%v", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	// Simple protocol sidesteps prepared-statement caching issues behind
	// connection poolers such as pgbouncer.
	poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Fatalf("level=fatal component=server msg=\"could not create database pool\" err=%v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("level=fatal component=server msg=\"could not reach database\" err=%v", err)
	}
	log.Printf("level=info component=server msg=\"database connection established\"")
	return pool
}

func mustConnectRedis(ctx context.Context, redisURL string) *redis.Client {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatalf("level=fatal component=server msg=\"invalid REDIS_URL\" err=%v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("level=fatal component=server msg=\"could not reach redis\" err=%v", err)
	}
	log.Printf("level=info component=server msg=\"redis connection established\"")
	return client
}
