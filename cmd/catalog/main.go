package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"feedcatalog/internal/api"
	"feedcatalog/internal/db"
	"feedcatalog/internal/feed"
	"feedcatalog/internal/grpcapi"
	"feedcatalog/internal/ingest"
	"feedcatalog/internal/kafka"
	"feedcatalog/internal/notification"
	"feedcatalog/internal/search"
	"feedcatalog/pkg/config"
	"feedcatalog/pkg/logger"
)

func main() {
	logger.Init(os.Getenv("LOG_LEVEL"))

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.LogLevel)

	dbConn, err := db.Setup(cfg.DB, cfg.Feeds)
	if err != nil {
		logrus.Fatalf("Failed to set up database: %v", err)
	}

	fetcher := feed.NewFetcher(feed.FetchConfig{
		Timeout:       cfg.Fetch.Timeout,
		MaxRetries:    cfg.Fetch.MaxRetries,
		RetryWait:     cfg.Fetch.RetryWait,
		RetryMaxWait:  cfg.Fetch.RetryMaxWait,
		RatePerSecond: cfg.Fetch.RatePerSecond,
	})
	runner := ingest.NewRunner(dbConn, fetcher, ingest.RunnerConfig{
		MissingItemPolicy: cfg.Ingest.MissingItemPolicy,
		DefaultCurrency:   cfg.Fetch.DefaultCurrency,
	})
	sched := ingest.NewScheduler(dbConn, runner, ingest.SchedulerConfig{
		MaxConcurrentRuns: cfg.Ingest.MaxConcurrentRuns,
		LeaseTTL:          cfg.Ingest.LeaseTTL,
	}).WithAlerter(notification.NewEmailService(cfg.Alert))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Kafka.Enabled {
		producer, err := kafka.SetupProducer(cfg.Kafka.Brokers)
		if err != nil {
			logrus.Fatalf("Failed to start Kafka producer: %v", err)
		}
		publisher := kafka.NewRunPublisher(producer, cfg.Kafka.RunsTopic)
		defer publisher.Close()
		sched.WithPublisher(publisher)

		consumer, err := kafka.SetupConsumer(cfg.Kafka.Brokers)
		if err != nil {
			logrus.Fatalf("Failed to start Kafka consumer: %v", err)
		}
		defer consumer.Close()
		triggers := kafka.NewTriggerConsumer(consumer, cfg.Kafka.TriggersTopic, dbConn, sched)
		go func() {
			if err := triggers.Run(ctx); err != nil {
				logrus.WithError(err).Error("Trigger consumer stopped")
			}
		}()
	}

	if err := sched.StartCron(cfg.Ingest.Schedule, cfg.Ingest.ReconcileSchedule); err != nil {
		logrus.Fatalf("Failed to schedule runs: %v", err)
	}

	engine := search.NewEngine(dbConn, cfg.Search)

	httpServer := api.NewServer(dbConn, engine, sched)
	go func() {
		if err := httpServer.Start(":" + cfg.HTTPPort); err != nil {
			logrus.WithError(err).Error("HTTP server failed")
			stop()
		}
	}()

	grpcServer, lis, err := grpcapi.Listen(cfg.GRPCPort, grpcapi.NewServer(engine, sched))
	if err != nil {
		logrus.Fatalf("Failed to start gRPC server: %v", err)
	}
	go func() {
		logrus.WithField("port", cfg.GRPCPort).Info("Starting gRPC server")
		if err := grpcServer.Serve(lis); err != nil {
			logrus.WithError(err).Error("gRPC server failed")
			stop()
		}
	}()

	logrus.Info("Application started")
	<-ctx.Done()

	logrus.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	grpcServer.GracefulStop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP shutdown incomplete")
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Runs still active at shutdown")
	}
}
