package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/lectern/transcriber/internal/auth"
	"github.com/lectern/transcriber/internal/client"
	"github.com/lectern/transcriber/internal/config"
	"github.com/lectern/transcriber/internal/events"
	"github.com/lectern/transcriber/internal/handler"
	"github.com/lectern/transcriber/internal/logging"
	"github.com/lectern/transcriber/internal/media"
	"github.com/lectern/transcriber/internal/middleware"
	"github.com/lectern/transcriber/internal/model"
	"github.com/lectern/transcriber/internal/queue"
	"github.com/lectern/transcriber/internal/service"
	"github.com/lectern/transcriber/internal/store"
	ws "github.com/lectern/transcriber/internal/websocket"
	"github.com/lectern/transcriber/internal/worker"
	"github.com/lectern/transcriber/pkg/response"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	log := logging.New(cfg.Server.LogLevel, cfg.Server.LogFormat, cfg.Server.Env)

	// Redis backs the default store, the asynq queue and the rate limiter
	var redisClient *redis.Client
	if cfg.Store.Driver == "redis" || cfg.Queue.Backend == "asynq" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.WithError(err).Warn("Redis not available")
		}
	}

	st, err := openStore(cfg, redisClient)
	if err != nil {
		log.WithError(err).Fatal("Failed to open transcript store")
	}

	validate := validator.New()

	q, err := openQueue(cfg, validate, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create queue")
	}

	hub := ws.NewHub(log)
	go hub.Run()
	sink := events.Fanout{events.NewLogSink(log), hub}

	provider := buildProvider(cfg, log)
	audio := media.NewExtractor(&cfg.Media)

	var captions client.CaptionSource
	if cc := client.NewCaptionsClient(&cfg.Fallback); cc.IsConfigured() {
		captions = cc
	} else {
		log.Warn("captions fallback not configured")
	}

	aggregator := service.NewAggregator(st, sink, log)
	sequential := service.NewSequentialRunner(st, audio, provider, captions, sink, log, service.SequentialOptions{
		WorkDir:      cfg.Chunking.WorkDir,
		PollInterval: cfg.Provider.PollInterval,
		PollTimeout:  cfg.Provider.SequentialPollTimeout,
		MinChars:     cfg.Fallback.MinChars,
		MinWords:     cfg.Fallback.MinWords,
	})
	parallel := service.NewParallelRunner(st, audio, q, aggregator, sequential, sink, log, cfg.Chunking.WorkDir, cfg.Chunking.TargetSeconds)
	transcriptService := service.NewTranscriptService(service.Deps{
		Store:      st,
		Queue:      q,
		Audio:      audio,
		Aggregator: aggregator,
		Sequential: sequential,
		Parallel:   parallel,
		Events:     sink,
	}, cfg, log)

	chunkWorker := worker.NewChunkWorker(st, provider, aggregator, sink, log, cfg.Provider.PollInterval, cfg.Provider.PollTimeout)
	if err := q.Start(chunkWorker.Process); err != nil {
		log.WithError(err).Fatal("Failed to start chunk workers")
	}

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		worker.NewJanitor(st, &cfg.Chunking, log).Run(janitorCtx)
	}()

	verifier := buildVerifier(cfg, log)
	transcriptHandler := handler.NewTranscriptHandler(transcriptService, validate)
	authMiddleware := middleware.NewAuthMiddleware(verifier, cfg.JWT.Secret)
	rateLimiter := middleware.NewRateLimiter(redisClient, log)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    10 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		status := fiber.Map{"status": "ok", "store": cfg.Store.Driver, "queue": cfg.Queue.Backend}
		if redisClient != nil {
			if err := redisClient.Ping(c.UserContext()).Err(); err != nil {
				status["status"] = "degraded"
				status["redis"] = err.Error()
			}
		}
		return c.JSON(status)
	})
	app.Get("/auth/verify", authMiddleware.Verify())

	var authenticate fiber.Handler
	if cfg.Gateway.Enabled {
		authenticate = middleware.GatewayAuthMiddleware()
	} else {
		authenticate = authMiddleware.Authenticate()
	}
	api := app.Group("/api", authenticate)

	trigger := rateLimiter.TriggerLimit(cfg.RateLimit.TriggerPerHour)
	transcripts := api.Group("/transcripts")
	transcripts.Get("/:videoId", trigger, transcriptHandler.Get)
	transcripts.Put("/:videoId", transcriptHandler.Import)
	transcripts.Delete("/:videoId", transcriptHandler.Delete)
	transcripts.Post("/:videoId/start", trigger, transcriptHandler.Start)
	transcripts.Get("/:videoId/status", transcriptHandler.Status)
	transcripts.Post("/:videoId/resubmit", trigger, transcriptHandler.Resubmit)

	api.Get("/queue/dead-letters", transcriptHandler.DeadLetters)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/transcripts/:videoId", websocket.New(func(c *websocket.Conn) {
		videoID := c.Params("videoId")
		if !model.ValidVideoID(videoID) {
			c.Close()
			return
		}
		hub.HandleConnection(c, videoID)
	}))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.WithError(err).Error("Server shutdown error")
		}
	}()

	addr := ":" + cfg.Server.Port
	log.WithField("addr", addr).Info("Server starting")
	if err := app.Listen(addr); err != nil {
		log.WithError(err).Error("Server error")
	}

	// planning runs stop before the queue closes under them; workers then
	// drain against a live store
	transcriptService.Shutdown()
	q.Shutdown()
	hub.Stop()
	stopJanitor()
	<-janitorDone
	if verifier != nil {
		verifier.Close()
	}
	if err := st.Close(); err != nil {
		log.WithError(err).Warn("Failed to close store")
	}
	if redisClient != nil {
		redisClient.Close()
	}
	log.Info("Shutdown complete")
}

func openStore(cfg *config.Config, redisClient *redis.Client) (store.TranscriptStore, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.OpenSQLite(cfg.Store.SQLitePath)
	case "redis":
		return store.NewRedisStore(redisClient), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func openQueue(cfg *config.Config, validate *validator.Validate, log *logrus.Logger) (queue.Queue, error) {
	switch cfg.Queue.Backend {
	case "memory":
		log.Warn("using in-memory queue; chunk jobs do not survive a restart")
		return queue.NewMemoryQueue(queue.MemoryQueueOptions{
			Policy:          queue.PolicyFromConfig(&cfg.Queue),
			Concurrency:     cfg.Queue.Concurrency,
			ShutdownTimeout: cfg.Queue.ShutdownTimeout,
		}, validate, log), nil
	case "asynq":
		return queue.NewAsynqQueue(asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, &cfg.Queue, cfg.Server.LogLevel, validate, log), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

// buildProvider layers the AssemblyAI client with optional R2 staging and
// the shared submission rate limit.
func buildProvider(cfg *config.Config, log *logrus.Logger) client.TranscriptionProvider {
	assembly := client.NewAssemblyAIClient(&cfg.Provider)
	if !assembly.IsConfigured() {
		log.Warn("transcription provider not configured; every run will fall back to captions")
	}

	var provider client.TranscriptionProvider = assembly
	if cfg.Provider.UploadVia == "r2" {
		r2, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			log.WithError(err).Warn("R2 staging unavailable, uploading to the provider directly")
		} else {
			provider = client.NewStagedUploadProvider(assembly, r2, cfg.R2.Prefix, log)
		}
	}
	return client.NewRateLimitedProvider(provider, cfg.Provider.RatePerSecond)
}

func buildVerifier(cfg *config.Config, log *logrus.Logger) auth.TokenVerifier {
	if cfg.OIDC.Issuer == "" {
		return nil
	}
	v, err := auth.NewJWKSVerifier(&cfg.OIDC, nil)
	if err != nil {
		log.WithError(err).Warn("OIDC verifier unavailable, falling back to HMAC tokens")
		return nil
	}
	return v
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}
	return response.Error(c, code, response.CodeServiceError, message, nil)
}
