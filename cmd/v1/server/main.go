package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	lkauth "github.com/livekit/protocol/auth"

	"github.com/ovmeet/backend/internal/v1/api"
	"github.com/ovmeet/backend/internal/v1/auth"
	"github.com/ovmeet/backend/internal/v1/bus"
	"github.com/ovmeet/backend/internal/v1/config"
	"github.com/ovmeet/backend/internal/v1/health"
	"github.com/ovmeet/backend/internal/v1/lock"
	"github.com/ovmeet/backend/internal/v1/logging"
	"github.com/ovmeet/backend/internal/v1/names"
	"github.com/ovmeet/backend/internal/v1/ratelimit"
	"github.com/ovmeet/backend/internal/v1/recording"
	"github.com/ovmeet/backend/internal/v1/room"
	"github.com/ovmeet/backend/internal/v1/scheduler"
	"github.com/ovmeet/backend/internal/v1/storage"
	"github.com/ovmeet/backend/internal/v1/store"
	"github.com/ovmeet/backend/internal/v1/tracing"
	"github.com/ovmeet/backend/internal/v1/webhook"
	"github.com/ovmeet/backend/pkg/livekit"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode, cfg.LogLevel); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	ctx := context.Background()

	// --- Tracing (Optional) ---
	var traceShutdown func(context.Context) error
	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.Init(ctx, "ovmeet-backend", cfg.OTLPEndpoint)
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		traceShutdown = tp.Shutdown
		slog.Info("✅ Tracing initialized", "endpoint", cfg.OTLPEndpoint)
	}

	// --- Coordination Store ---
	// Unlike the media server, Redis is not optional here: locks, name
	// reservations, and webhook dedupe all live in it.
	st, err := store.NewService(cfg.RedisAddr, store.Options{
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("✅ Redis connected", "addr", cfg.RedisAddr)

	locks := lock.NewService(st)

	// --- Storage ---
	// Recorded media bytes always live in the blob store, whichever provider
	// holds the documents.
	s3cfg := storage.S3Config{
		Bucket:         cfg.S3Bucket,
		Region:         cfg.S3Region,
		Endpoint:       cfg.S3Endpoint,
		KeyPrefix:      cfg.S3KeyPrefix,
		ForcePathStyle: cfg.S3ForcePathStyle,
		AccessKey:      cfg.S3AccessKey,
		SecretKey:      cfg.S3SecretKey,
	}
	s3Client, err := storage.NewS3Client(ctx, s3cfg)
	if err != nil {
		slog.Error("Failed to create S3 client", "error", err)
		os.Exit(1)
	}
	blobs := storage.NewS3BlobStore(s3Client, cfg.S3Bucket)
	if cfg.S3Bucket == "" {
		slog.Warn("⚠️ S3_BUCKET not set; recording media cannot be served until it is configured")
	}

	var provider storage.Provider
	var legacySource storage.Provider
	switch cfg.StorageProvider {
	case "s3":
		provider = storage.NewS3Provider(s3Client, s3cfg)
		slog.Info("✅ Storage provider initialized", "provider", "s3", "bucket", cfg.S3Bucket)
	default:
		mongoProvider, err := storage.NewMongoProvider(ctx, storage.MongoOptions{
			URI:      cfg.MongoURI,
			Database: cfg.MongoDB,
		})
		if err != nil {
			slog.Error("Failed to connect to MongoDB", "error", err)
			os.Exit(1)
		}
		provider = mongoProvider
		// A configured bucket alongside mongodb means a legacy deployment to
		// import from.
		if cfg.S3Bucket != "" {
			legacySource = storage.NewS3Provider(s3Client, s3cfg)
		}
		slog.Info("✅ Storage provider initialized", "provider", "mongodb", "database", cfg.MongoDB)
	}

	// --- Migrations ---
	runner := storage.NewRunner(provider, locks, storage.RunnerOptions{})
	runner.AddMigration(storage.RoomsV1ToV2())
	if legacySource != nil {
		runner.AddImport("legacy_storage_to_mongodb", legacySource)
	}
	if err := runner.Run(ctx); err != nil {
		slog.Error("Migrations failed", "error", err)
		os.Exit(1)
	}

	// --- Media Server Client ---
	lkClient, err := livekit.New(livekit.Config{
		URL:       cfg.LiveKitURL,
		APIKey:    cfg.LiveKitAPIKey,
		APISecret: cfg.LiveKitAPISecret,
	})
	if err != nil {
		slog.Error("Failed to create media server client", "error", err)
		os.Exit(1)
	}

	// --- Domain Services ---
	evBus := bus.NewService(st)
	evBus.Start(ctx)

	nameSvc := names.NewService(st, locks, names.Options{
		ReservationTTL:        cfg.ParticipantNameReservationTTL,
		MaxConcurrentRequests: cfg.ParticipantMaxConcurrentNameRequests,
	})

	recs := recording.NewService(provider.Recordings(), provider.Rooms(), blobs, lkClient, locks, evBus, recording.Options{
		LockTTL:         cfg.RecordingLockTTL,
		StartedTimeout:  cfg.RecordingStartedTimeout,
		StaleAfter:      cfg.RecordingStaleAfter,
		LockGracePeriod: cfg.RecordingOrphanedLockGracePeriod,
	})

	rooms := room.NewService(provider.Rooms(), recs, nameSvc, lkClient, locks, evBus, room.Options{
		MeetingEmptyTimeout:     cfg.MeetingEmptyTimeout,
		MeetingDepartureTimeout: cfg.MeetingDepartureTimeout,
		MinFutureAutoDeletion:   cfg.MinFutureAutoDeletionDate,
		ParticipantTokenTTL:     cfg.ParticipantTokenExpiration,
	})

	authSvc := auth.NewService(provider.Users(), provider.APIKeys(), st, auth.Options{
		JWTSecret:       cfg.JWTSecret,
		AccessTokenTTL:  cfg.AccessTokenExpiration,
		RefreshTokenTTL: cfg.RefreshTokenExpiration,
	})
	// A seeded default password must be rotated on first login.
	mustChange := cfg.InitialAdminPassword == "admin"
	if err := authSvc.SeedAdmin(ctx, cfg.InitialAdminUser, cfg.InitialAdminPassword, mustChange); err != nil {
		slog.Error("Failed to seed admin user", "error", err)
		os.Exit(1)
	}

	// --- Webhooks ---
	dispatcher := webhook.NewDispatcher(provider.Config(), locks, webhook.Options{
		MaxAttempts: cfg.WebhookMaxAttempts,
		BaseBackoff: cfg.WebhookBaseBackoff,
	})
	evBus.SubscribeAll(dispatcher.Dispatch)

	receiver := webhook.NewReceiver(
		lkauth.NewSimpleKeyProvider(cfg.LiveKitAPIKey, cfg.LiveKitAPISecret),
		rooms, recs,
	)

	// --- Scheduled Maintenance ---
	sched := scheduler.NewService(locks)
	tasks := []scheduler.Task{
		{Name: "room_gc", Spec: "@every " + cfg.RoomGCInterval.String(), Run: rooms.RunGC},
		{Name: "recording_stale_cleanup", Spec: "@every " + cfg.RecordingStaleCleanupInterval.String(), Run: recs.AbortStale},
		{Name: "recording_lock_gc", Spec: "@every " + cfg.RecordingLockGCInterval.String(), Run: recs.ReleaseOrphanedLocks},
	}
	for _, task := range tasks {
		if err := sched.Register(task); err != nil {
			slog.Error("Failed to register scheduled task", "task", task.Name, "error", err)
			os.Exit(1)
		}
	}
	if err := sched.Start(ctx); err != nil {
		slog.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// --- Rate Limiting ---
	limiter, err := ratelimit.NewRateLimiter(cfg, st.Client())
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- HTTP Surface ---
	healthHandler := health.NewHandler(st, provider, lkClient)

	router := api.NewRouter(api.Deps{
		Config:       cfg,
		Rooms:        rooms,
		Recordings:   recs,
		Auth:         authSvc,
		GlobalConfig: provider.Config(),
		Dispatcher:   dispatcher,
		Receiver:     receiver,
		Limiter:      limiter,
		Health:       healthHandler,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("API server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	// The context is used to inform the server it has 30 seconds to finish
	// the requests it is currently handling
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	// Stop the event sources before draining their consumers: scheduler and
	// recording timers publish, the bus feeds the dispatcher lanes.
	sched.Stop()
	recs.Close()
	evBus.Close()
	dispatcher.Close()

	if err := st.Close(); err != nil {
		slog.Error("Failed to close Redis connection:", "error", err)
	}
	if err := provider.Close(shutdownCtx); err != nil {
		slog.Error("Failed to close storage provider:", "error", err)
	}
	if traceShutdown != nil {
		if err := traceShutdown(shutdownCtx); err != nil {
			slog.Error("Failed to flush tracing spans:", "error", err)
		}
	}

	slog.Info("Server exiting")
}
