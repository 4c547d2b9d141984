package main

import (
	"context"
	"strings"

	"gatewaycredits/internal/handlers"
	"gatewaycredits/internal/reconcile"
	bursarstripe "gatewaycredits/internal/stripe"
	"gatewaycredits/internal/tiers"
	"gatewaycredits/pkg/auth"
	"gatewaycredits/pkg/config"
	"gatewaycredits/pkg/database"
	"gatewaycredits/pkg/events"
	"gatewaycredits/pkg/logging"
	"gatewaycredits/pkg/monitoring"
	"gatewaycredits/pkg/redis"
	"gatewaycredits/pkg/server"
	"gatewaycredits/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("bursar")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Bursar (Credit Ledger API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")
	stripeKey := config.RequireEnv("STRIPE_SECRET_KEY")
	webhookSecret := config.RequireEnv("STRIPE_WEBHOOK_SECRET")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if config.GetEnvBool("DB_APPLY_SCHEMA", false) {
		if err := database.ApplySchema(context.Background(), db, logger); err != nil {
			logger.WithError(err).Fatal("Failed to apply database schema")
		}
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("bursar", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bursar", version.Version, version.GitCommit)

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":          dbURL,
		"JWT_SECRET":            jwtSecret,
		"STRIPE_WEBHOOK_SECRET": webhookSecret,
	}))

	// Create custom ledger metrics
	metrics := &handlers.BursarMetrics{
		WebhookEvents:            metricsCollector.NewCounter("webhook_events_total", "Stripe webhook events processed", []string{"event_type", "outcome"}),
		WebhookSignatureFailures: metricsCollector.NewCounter("webhook_signature_failures_total", "Webhook signature verification failures", []string{"provider"}),
		LedgerWrites:             metricsCollector.NewCounter("ledger_writes_total", "Credit ledger writes", []string{"kind", "status"}),
		AutoTopupCharges:         metricsCollector.NewCounter("auto_topup_charges_total", "Automatic top-up charges", []string{"outcome"}),
	}
	metrics.DBQueries, metrics.DBDuration, metrics.DBConnections = metricsCollector.CreateDatabaseMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stripe client
	payments := bursarstripe.NewClient(bursarstripe.Config{
		SecretKey: stripeKey,
		Logger:    logger,
	})

	// Kafka credit-event producer (optional)
	var producer *events.Producer
	if brokers := config.GetEnv("KAFKA_BROKERS", ""); brokers != "" {
		topic := config.GetEnv("CREDIT_EVENTS_TOPIC", "billing.credit_events")
		p, err := events.NewProducer(strings.Split(brokers, ","), topic, logger)
		if err != nil {
			logger.WithError(err).Error("Failed to create Kafka producer, credit events disabled")
		} else {
			producer = p
			defer producer.Close()
			healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(producer.Client()))
		}
	}

	// Redis wallet-cache invalidation (optional)
	var invalidator *handlers.WalletInvalidator
	if redisAddr := config.GetEnv("REDIS_ADDR", ""); redisAddr != "" {
		client, err := redis.NewClient(ctx, redis.Config{
			Addr:     redisAddr,
			Username: config.GetEnv("REDIS_USERNAME", ""),
			Password: config.GetEnv("REDIS_PASSWORD", ""),
			DB:       config.GetEnvInt("REDIS_DB", 0),
		})
		if err != nil {
			logger.WithError(err).Error("Failed to connect to Redis, wallet invalidation disabled")
		} else {
			channel := config.GetEnv("WALLET_INVALIDATION_CHANNEL", "bursar.wallet_invalidations")
			invalidator = handlers.NewWalletInvalidator(client, channel, logger)
		}
	}

	schedule := tiers.DefaultSchedule()
	if err := schedule.Validate(); err != nil {
		logger.WithError(err).Fatal("Tier schedule misconfigured")
	}

	// Initialize handlers
	handlers.Init(handlers.Config{
		DB:          db,
		Logger:      logger,
		Metrics:     metrics,
		Schedule:    schedule,
		FeePolicy:   reconcile.FeePolicyFromEnv(),
		Payments:    payments,
		Producer:    producer,
		Invalidator: invalidator,
	})

	// Initialize and start JobManager for background ledger tasks
	jobManager := handlers.NewJobManager(db, logger)
	jobManager.Start(ctx)
	defer jobManager.Stop()

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "bursar", healthChecker, metricsCollector)

	// API routes (root level - nginx adds /api/credits/ prefix)
	{
		// Authentication required endpoints
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			protected.GET("/credits/balance", handlers.GetBalance)
			protected.GET("/credits/ledger", handlers.GetLedger)
			protected.GET("/credits/tier", handlers.GetTierStatus)
			protected.GET("/credits/tiers", handlers.GetTierSchedule)
			protected.POST("/credits/topup", handlers.CreateTopupCheckout)
			protected.POST("/credits/charge-saved", handlers.ChargeSaved)
			protected.GET("/credits/auto-topup", handlers.GetAutoTopupConfig)
			protected.PUT("/credits/auto-topup", handlers.ConfigureAutoTopup)
			protected.DELETE("/credits/auto-topup", handlers.DisableAutoTopup)
		}

		// Webhook endpoints (no auth required; signature-verified)
		router.POST("/webhooks/stripe", handlers.HandleStripeWebhook)

		// Service-to-service endpoints
		serviceAPI := router.Group("")
		serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
		{
			serviceAPI.GET("/internal/balance", handlers.GetBalanceInternal)
		}
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("bursar", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
