/**
 * @description
 * This is the main entry point for the disbursement worker. It consumes
 * disbursement jobs from the durable queue and executes payouts through the
 * configured strategy: the MTN MoMo API when live credentials are present,
 * otherwise a sandbox simulation. Failed jobs are retried with exponential
 * backoff and dead-lettered once the attempt budget is spent.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5/pgxpool: PostgreSQL connection pool.
 * - internal/*, pkg/*: The service's internal packages and clients.
 */

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbelyco/promo-service/internal/app"
	"github.com/mbelyco/promo-service/internal/config"
	"github.com/mbelyco/promo-service/internal/metrics"
	"github.com/mbelyco/promo-service/internal/store"
	"github.com/mbelyco/promo-service/pkg/momoclient"
	"github.com/mbelyco/promo-service/pkg/rabbitmq"
)

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=worker msg=\"could not load config\" err=%v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatalf("level=fatal component=worker msg=\"DATABASE_URL is required\"")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := mustConnectDB(ctx, cfg.DatabaseURL)
	defer pool.Close()

	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=worker msg=\"could not connect rabbitmq producer\" err=%v", err)
	}
	defer producer.Close()

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=worker msg=\"could not connect rabbitmq consumer\" err=%v", err)
	}
	defer consumer.Close()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	repo := store.NewPostgresRepository(pool)

	var disburser app.Disburser
	if cfg.LiveMode() {
		client := momoclient.NewClient(cfg.MomoBaseURL, cfg.MomoAPIUser, cfg.MomoAPIKey, cfg.MomoSubscriptionKey, cfg.MomoTargetEnv)
		disburser = app.NewMomoDisburser(repo, client)
	} else {
		disburser = app.NewSandboxDisburser(repo)
	}
	log.Printf("level=info component=worker msg=\"disbursement mode resolved\" mode=%s", disburser.Mode())

	worker := app.NewDisbursementWorker(repo, disburser, cfg.MomoReferencePrefix, m)
	deadLetter := app.NewDeadLetterHook(producer, cfg.EventsExchange, m, app.LogAlerter{})

	// The dead-letter queue is declared up front so dead-lettered payloads are
	// retained even before an operator ever attaches to it.
	if err := consumer.DeclareQueue(cfg.EventsExchange, cfg.DisbursementDLQ, app.DLQRoutingKey); err != nil {
		log.Fatalf("level=fatal component=worker msg=\"could not declare dead-letter queue\" err=%v", err)
	}

	policy := rabbitmq.RetryPolicy{
		MaxAttempts: cfg.JobMaxAttempts,
		BackoffBase: time.Duration(cfg.JobBackoffBaseMs) * time.Millisecond,
	}
	err = consumer.ConsumeWithRetry(
		ctx,
		cfg.EventsExchange,
		cfg.DisbursementQueue,
		app.JobRoutingKey,
		cfg.WorkerConcurrency,
		policy,
		producer,
		deadLetter,
		worker.HandleJob,
	)
	if err != nil {
		log.Fatalf("level=fatal component=worker msg=\"could not start consumer\" err=%v", err)
	}
	log.Printf("level=info component=worker msg=\"worker started\" queue=%s concurrency=%d max_attempts=%d", cfg.DisbursementQueue, cfg.WorkerConcurrency, policy.MaxAttempts)

	<-ctx.Done()
	log.Printf("level=info component=worker msg=\"shutdown signal received; draining\"")
	// Give in-flight handlers a moment to finish before the connections close.
	time.Sleep(2 * time.Second)
	log.Printf("level=info component=worker msg=\"worker stopped\"")
}

func mustConnectDB(ctx context.Context, databaseURL string) *pgxpool.Pool {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=worker msg=\"invalid DATABASE_URL\" err=%v", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Fatalf("level=fatal component=worker msg=\"could not create database pool\" err=%v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("level=fatal component=worker msg=\"could not reach database\" err=%v", err)
	}
	log.Printf("level=info component=worker msg=\"database connection established\"")
	return pool
}
