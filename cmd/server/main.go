// Package main provides the exchange oracle server entry point.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/exchange-oracle/internal/api"
	"github.com/exchange-oracle/internal/config"
	"github.com/exchange-oracle/internal/cron"
	"github.com/exchange-oracle/internal/gateway"
	"github.com/exchange-oracle/internal/logging"
	"github.com/exchange-oracle/internal/storage"
	"github.com/exchange-oracle/internal/webhook"
)

func main() {
	fmt.Println("Exchange Oracle")
	log.Println("Server starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")
	defer func() { _ = logger.Sync() }()

	// Connect to Postgres and apply migrations
	logger.Info("Connecting to Postgres...")
	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	if err := storage.RunMigrations(cfg.Database.Postgres.URL()); err != nil {
		logger.WithError(err).Fatal("Failed to run migrations")
	}

	// Connect to Redis for the incoming webhook dedup fast path
	logger.Info("Connecting to Redis...")
	dedupCache, err := storage.NewDedupCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer func() { _ = dedupCache.Close() }()

	// ClickHouse audit trail is optional; fall back to a no-op recorder
	var auditor storage.Auditor = storage.NopAuditor{}
	if cfg.Database.ClickHouse.Enabled() {
		logger.Info("Connecting to ClickHouse...")
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer func() { _ = clickhouse.Close() }()

		auditRepo := storage.NewAuditRepository(clickhouse, logger)
		if err := auditRepo.EnsureAuditSchema(context.Background()); err != nil {
			logger.WithError(err).Fatal("Failed to prepare audit schema")
		}
		auditor = auditRepo
	} else {
		logger.Info("Audit store not configured, transitions will not be recorded")
	}

	logger.Info("Database connections established")

	// Repositories
	escrowRepo := storage.NewEscrowRepository(postgres)
	projectRepo := storage.NewProjectRepository(postgres)
	taskRepo := storage.NewTaskRepository(postgres)
	jobRepo := storage.NewJobRepository(postgres)
	assignmentRepo := storage.NewAssignmentRepository(postgres)
	webhookRepo := storage.NewWebhookRepository(postgres)

	// Gateways
	logger.Info("Initializing ledger gateway...")
	ledger, err := gateway.NewEthereumLedger(&gateway.EthereumLedgerConfig{
		RPCURLs:       cfg.Chains.RPCURLs,
		PrivateKeyHex: cfg.Chains.PrivateKey,
		Timeout:       cfg.Chains.GatewayTimeout,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize ledger gateway")
	}
	defer ledger.Close()

	platform := gateway.NewHTTPPlatform(&cfg.Platform, logger)
	manifests := gateway.NewManifestClient(cfg.Platform.RequestTimeout)

	// Webhook exchange
	signer, err := webhook.NewSigner(cfg.Chains.PrivateKey)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load signing key")
	}
	logger.WithField("address", signer.Address()).Info("Webhook signer ready")

	dispatcher, err := webhook.NewDispatcher(postgres, webhookRepo, signer, cfg.Oracles, cfg.Webhook, auditor, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create webhook dispatcher")
	}
	defer dispatcher.Close()

	receiver := webhook.NewReceiver(postgres, webhookRepo, dedupCache, cfg.Oracles, logger)
	handlers := webhook.NewHandlers(postgres, escrowRepo, jobRepo, assignmentRepo, ledger, manifests, auditor, logger)
	handlers.RegisterAll(receiver)

	platformReceiver := webhook.NewPlatformReceiver(postgres, jobRepo, assignmentRepo,
		cfg.Platform.WebhookSecret, cfg.Platform.AssignmentTTL, auditor, logger)

	// Reconciliation jobs
	manager, err := cron.NewManager(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create cron manager")
	}

	jobs := []cron.Job{
		cron.NewEscrowCreationJob(postgres, escrowRepo, projectRepo, taskRepo, jobRepo, webhookRepo,
			ledger, platform, manifests, cfg.Cron.EscrowCreationInterval, cfg.Webhook.BatchSize, auditor, logger),
		cron.NewEscrowValidationJob(postgres, escrowRepo, webhookRepo, ledger,
			cfg.Cron.EscrowValidationInterval, cfg.Webhook.BatchSize, cfg.Validation.MaxAttempts, auditor, logger),
		cron.NewTaskCreationJob(postgres, projectRepo, taskRepo, jobRepo, platform,
			cfg.Cron.TaskCreationInterval, cfg.Webhook.BatchSize, auditor, logger),
		cron.NewCompletedTasksJob(postgres, projectRepo, taskRepo, jobRepo, assignmentRepo, webhookRepo,
			platform, cfg.Cron.CompletedTasksInterval, cfg.Webhook.BatchSize, auditor, logger),
		cron.NewCompletedProjectsJob(postgres, projectRepo, taskRepo,
			cfg.Cron.CompletedProjectsInterval, cfg.Webhook.BatchSize, auditor, logger),
		cron.NewCompletedEscrowsJob(postgres, projectRepo, webhookRepo, ledger,
			cfg.Cron.CompletedEscrowsInterval, cfg.Webhook.BatchSize, auditor, logger),
		cron.NewAssignmentsJob(postgres, assignmentRepo,
			cfg.Cron.AssignmentsInterval, cfg.Webhook.BatchSize, auditor, logger),
		cron.NewOutgoingWebhooksJob(dispatcher, cfg.Cron.OutgoingWebhooksInterval, logger),
	}
	for _, job := range jobs {
		if err := manager.Register(job); err != nil {
			logger.WithError(err).WithField("job", job.Name()).Fatal("Failed to register cron job")
		}
	}
	manager.Start()
	defer manager.Stop()

	// HTTP server
	server := api.NewServer(&cfg.Server, receiver, platformReceiver, webhookRepo, logger)

	serverErrors := make(chan error, 1)
	go func() {
		logger.WithFields(map[string]interface{}{
			"host": cfg.Server.Host,
			"port": cfg.Server.Port,
		}).Info("Starting HTTP server")
		serverErrors <- server.Start()
	}()

	// Wait for shutdown signal or server failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.WithError(err).Error("Server error")
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Graceful shutdown failed")
	}
	logger.Info("Server stopped")
}
