package main

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"agentworks/internal/batcher"
	"agentworks/internal/eventlog"
	"agentworks/internal/handlers"
	"agentworks/internal/hub"
	"agentworks/internal/ingest"
	"agentworks/internal/maintenance"
	"agentworks/internal/metrics"
	"agentworks/internal/reservation"
	"agentworks/pkg/auth"
	"agentworks/pkg/config"
	"agentworks/pkg/database"
	"agentworks/pkg/kafka"
	"agentworks/pkg/logging"
	"agentworks/pkg/monitoring"
	"agentworks/pkg/redis"
	"agentworks/pkg/server"
	"agentworks/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("semaphore")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Semaphore (Agent Delivery Fabric)")

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("semaphore", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("semaphore", version.Version, version.GitCommit)
	serviceMetrics := metrics.New(metricsCollector)

	// Database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = config.RequireEnv("DATABASE_URL")
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	workers, workerCtx := errgroup.WithContext(ctx)

	// Durable event log with its cleanup lease. Redis is optional: without it
	// the cleanup job runs in single-process mode.
	logStore := eventlog.NewStore(db, eventlog.ConfigFromEnv(), logger)
	if err := logStore.EnsureSchema(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to ensure event log schema")
	}

	var cleanupLease *redis.Lease
	if redisURL := config.GetEnv("REDIS_URL", ""); redisURL != "" {
		redisClient, err := redis.NewClientFromURL(ctx, redisURL)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redisClient.Close()
		cleanupLease = redis.NewLease(redisClient, "semaphore:eventlog:cleanup", uuid.NewString(), 2*time.Minute)
		healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	}
	cleanup := eventlog.NewCleanupJob(logStore, cleanupLease, logger)
	workers.Go(func() error {
		cleanup.Run(workerCtx)
		return nil
	})

	// Agent registry backs channel authorization.
	resolver := handlers.NewAgentResolver(db, logger)
	if err := resolver.EnsureSchema(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to ensure agent registry schema")
	}

	// Hub
	hubOpts := hub.Options{
		MaxPendingAcks:       config.GetEnvInt("WS_MAX_PENDING_ACKS", 100),
		MaxConcurrentReplays: config.GetEnvInt("WS_MAX_CONCURRENT_REPLAYS", 2),
		HeartbeatInterval:    config.GetEnvSeconds("WS_HEARTBEAT_INTERVAL_SECONDS", 30*time.Second),
		HeartbeatTimeout:     config.GetEnvSeconds("WS_HEARTBEAT_TIMEOUT_SECONDS", 90*time.Second),
		ServerVersion:        version.Version,
	}
	fabric := hub.New(hubOpts, logStore, resolver, serviceMetrics, logger)
	workers.Go(func() error {
		fabric.RunHeartbeat(workerCtx)
		return nil
	})

	// Lifecycle coordinator gates new connections and subscriptions.
	coordinator := maintenance.NewCoordinator(fabric, logger)
	fabric.SetAcceptGate(coordinator.Accepting)

	// Reservations
	reservationStore := reservation.NewStore(db)
	if err := reservationStore.EnsureSchema(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to ensure reservation schema")
	}
	engine := reservation.NewEngine(reservationStore, fabric, logger)
	workers.Go(func() error {
		engine.RunSweeper(workerCtx)
		return nil
	})

	// Kafka ingest
	brokers := strings.Split(config.RequireEnv("KAFKA_BROKERS"), ",")
	groupID := config.GetEnv("KAFKA_GROUP_ID", "semaphore-group")
	clientID := config.GetEnv("KAFKA_CLIENT_ID", "semaphore")

	consumer, err := kafka.NewConsumer(brokers, groupID, clientID, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize Kafka consumer")
	}
	defer consumer.Close()

	bridge := ingest.New(fabric, batcher.Options{
		BatchWindow:       time.Duration(config.GetEnvInt("INGEST_BATCH_WINDOW_MS", 100)) * time.Millisecond,
		MaxEventsPerBatch: config.GetEnvInt("INGEST_MAX_EVENTS_PER_BATCH", 50),
	}, serviceMetrics.BatcherDropped, logger)
	consumer.AddHandler(ingest.Topic, bridge.Handler())

	workers.Go(func() error {
		if err := consumer.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.WithError(err).Error("Kafka consumer error")
		}
		return nil
	})

	// Health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("kafka", monitoring.KafkaConsumerHealthCheck(consumer.GetClient()))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"KAFKA_BROKERS": strings.Join(brokers, ","),
		"DATABASE_URL":  dbConfig.URL,
	}))

	jwtSecret := []byte(config.RequireEnv("JWT_SECRET"))
	serviceToken := config.RequireEnv("SERVICE_TOKEN")
	h := handlers.New(fabric, engine, coordinator, jwtSecret, logger)

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "semaphore", healthChecker, metricsCollector)

	// WebSocket routes
	router.GET("/ws", h.HandleWebSocket)
	router.GET("/agents/:id/ws", h.HandleAgentWebSocket)
	router.GET("/ws/stats", h.HandleStats)

	// Reservation API behind the lifecycle gate
	api := router.Group("/", coordinator.Middleware())
	api.POST("/reservations", h.HandleAcquireReservation)
	api.DELETE("/reservations/:id", h.HandleReleaseReservation)
	api.GET("/reservations", h.HandleListReservations)
	api.GET("/reservations/conflicts", h.HandleListConflicts)
	api.POST("/reservations/conflicts/:id/resolve", h.HandleResolveConflict)

	// Admin routes with service auth
	admin := router.Group("/admin")
	admin.Use(auth.ServiceAuthMiddleware(serviceToken))
	admin.GET("/maintenance", h.HandleMaintenanceState)
	admin.POST("/maintenance/enter", h.HandleEnterMaintenance)
	admin.POST("/maintenance/drain", h.HandleStartDraining)
	admin.POST("/maintenance/exit", h.HandleExitMaintenance)

	router.NoRoute(h.HandleNotFound)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("semaphore", "18010")
	err = server.Start(serverConfig, router, logger, func(context.Context) {
		fabric.CloseAll(maintenance.CloseCodeDraining, maintenance.ReasonDraining)
		bridge.Stop()
		cancel()
		_ = workers.Wait()
	})
	if err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
