package main

import (
	"context"

	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/internal/handlers"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/internal/ledger"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/internal/stripe"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/auth"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/config"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/database"
	dbsql "github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/database/sql"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/logging"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/monitoring"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/server"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/version"
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

	// Connect to database and apply schema
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if err := database.ApplySchema(context.Background(), db, dbsql.Content, "schema", logger); err != nil {
		logger.WithError(err).Fatal("Failed to apply database schema")
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("bursar", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bursar", version.Version, version.GitCommit)

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbURL,
		"JWT_SECRET":   jwtSecret,
	}))

	// Create custom billing metrics
	metrics := &handlers.BursarMetrics{
		LedgerOperations: metricsCollector.NewCounter("ledger_operations_total", "Ledger operations performed", []string{"operation", "outcome"}),
		KillSwitchChecks: metricsCollector.NewCounter("kill_switch_checks_total", "Kill switch session checks", []string{"verdict"}),
		TopupOperations:  metricsCollector.NewCounter("topup_operations_total", "Card topup operations", []string{"status"}),
		ExpiredHolds:     metricsCollector.NewCounter("expired_holds_total", "Session holds expired by the sweeper", []string{}).WithLabelValues(),
	}

	// Create database and Kafka metrics
	metrics.DBQueries, metrics.DBDuration, metrics.DBConnections = metricsCollector.CreateDatabaseMetrics()
	metrics.KafkaMessages, metrics.KafkaDuration = metricsCollector.CreateKafkaMetrics()

	// Credit engine
	svc := ledger.New(db, logger, ledger.ConfigFromEnv())

	// Stripe is optional: without keys, top-up endpoints report unavailable
	// while the rest of the ledger keeps working.
	var stripeClient *stripe.Client
	if stripeKey := config.GetEnv("STRIPE_SECRET_KEY", ""); stripeKey != "" {
		stripeClient = stripe.NewClient(stripe.Config{
			SecretKey:     stripeKey,
			WebhookSecret: config.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
			Logger:        logger,
		})
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set, card topups disabled")
	}

	// Initialize handlers
	handlers.Init(db, logger, metrics, svc, stripeClient)

	// Initialize and start JobManager for background billing tasks
	jobManager := handlers.NewJobManager(db, logger, svc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobManager.Start(ctx)
	defer jobManager.Stop()

	healthChecker.AddCheck("kafka", monitoring.KafkaConsumerHealthCheck(jobManager.KafkaClient()))

	logger.Info("JobManager started - background billing jobs active")

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "bursar", healthChecker, metricsCollector)

	// API routes (root level - nginx adds /api/billing/ prefix)
	{
		// Authentication required endpoints
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			protected.GET("/credits/balance", handlers.GetBalance)
			protected.GET("/credits/ledger", handlers.GetLedger)
			protected.POST("/credits/topup/checkout", handlers.CreateTopupCheckout)
		}

		// Webhook endpoints (no auth required, signature-verified)
		router.POST("/webhooks/stripe", handlers.StripeWebhook)

		// Ledger operations (service-to-service)
		serviceAPI := router.Group("")
		serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
		{
			serviceAPI.POST("/credits/deduct", handlers.DeductCredits)
			serviceAPI.POST("/credits/credit", handlers.CreditBalance)
			serviceAPI.POST("/sessions/reserve", handlers.ReserveSession)
			serviceAPI.POST("/sessions/commit", handlers.CommitSession)
			serviceAPI.POST("/sessions/release", handlers.ReleaseSession)
			serviceAPI.POST("/sessions/check", handlers.CheckSession)
		}
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("bursar", "18003")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
