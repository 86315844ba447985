package main

import (
	"cmp"
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/miyog/engine/internal/auth"
	"github.com/miyog/engine/internal/client"
	"github.com/miyog/engine/internal/config"
	"github.com/miyog/engine/internal/engine"
	"github.com/miyog/engine/internal/handler"
	"github.com/miyog/engine/internal/logging"
	"github.com/miyog/engine/internal/media"
	"github.com/miyog/engine/internal/middleware"
	"github.com/miyog/engine/internal/pipeline"
	"github.com/miyog/engine/internal/server"
	"github.com/miyog/engine/internal/service"
	ws "github.com/miyog/engine/internal/websocket"
	"github.com/miyog/engine/internal/worker"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Base().Fatal().Err(err).Msg("failed to load config")
	}
	logging.Configure(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger := logging.WithComponent("server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis not available")
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	store, err := client.NewObjectStore(&cfg.Storage)
	if err != nil {
		fallback := "./data/storage"
		logger.Warn().Err(err).Str("dir", fallback).Msg("object storage not configured, using local directory")
		if store, err = client.NewLocalStore(fallback); err != nil {
			logger.Fatal().Err(err).Msg("failed to create local store")
		}
	}

	ff, err := media.NewExecutor(logging.Base(), media.Options{
		FFmpegPath:  cfg.Render.FFmpegPath,
		FFprobePath: cfg.Render.FFprobePath,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("ffmpeg is required")
	}

	// OIDC is optional; the legacy secret still authenticates when it is set.
	var verifier auth.TokenVerifier
	if cfg.OIDC.Issuer != "" {
		v, err := auth.NewJWKSVerifier(ctx, cfg.OIDC, logging.Base())
		if err != nil {
			logger.Warn().Err(err).Msg("JWKS verifier not initialized")
		} else {
			verifier = v
		}
	}
	authenticator := auth.NewAuthenticator(verifier, cfg.JWT.Secret)

	validate := validator.New()
	hub := ws.NewHub(logging.Base())
	go hub.Run(ctx)

	groqClient := client.NewGroqClient(&cfg.Groq)
	jobService := service.NewJobService(redisClient, asynqClient, store, cfg.Worker, cfg.Storage.SignExpiry)
	scriptService := service.NewScriptService(groqClient)
	uploadService := service.NewUploadService(store, 0)

	apiAuth := middleware.NewAuthMiddleware(authenticator).Authenticate()
	if cfg.Gateway.Enabled {
		logger.Info().Msg("gateway mode enabled, trusting X-User-* headers")
		apiAuth = middleware.GatewayAuthMiddleware()
	}

	app := server.New(server.Deps{
		Tasks:   handler.NewTaskHandler(jobService, validate),
		Scripts: handler.NewScriptHandler(scriptService, validate),
		Uploads: handler.NewUploadHandler(uploadService, validate),
		Auth:    handler.NewAuthHandler(authenticator),
		APIAuth: apiAuth,
		Limiter: middleware.NewRateLimiter(redisClient, logging.WithComponent("ratelimit")),
		Limits:  cfg.RateLimit,
		Hub:     hub,
		Services: map[string]bool{
			"groq":    groqClient.IsConfigured(),
			"storage": cfg.Storage.LocalDir != "" || cfg.Storage.StorageConfigured(),
			"spaces":  cfg.Spaces.VoiceSpace != "" && cfg.Spaces.VideoSpace != "",
			"auth":    verifier != nil || cfg.JWT.Secret != "",
		},
		Ping:   func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		Logger: logging.WithComponent("http"),
	})

	renderEngine := engine.New(ff, ff, store, engine.Options{
		ResolveConcurrency: cfg.Render.ResolveConcurrency,
		FetchTimeout:       cfg.Render.FetchTimeout,
		RestrictLocal:      true,
		LocalRoots:         cfg.Render.LocalRoots,
	}, logging.Base())
	generator := newPipeline(cfg, groqClient, scriptService, store)
	renderWorker := worker.NewRenderWorker(jobService, renderEngine, generator, store, hub, cfg.Render.WorkspaceRoot, logging.Base())

	workerSrv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues:      map[string]int{cmp.Or(cfg.Worker.Queue, "default"): 1},
		Logger:      logging.AsynqLogger{L: logging.WithComponent("asynq")},
		LogLevel:    asynqLevel(cfg.Log.Level),
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeRender, renderWorker.ProcessTask)
	if err := workerSrv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("failed to start worker")
	}

	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Error().Err(err).Msg("server shutdown error")
		}
	}()

	addr := ":" + cfg.Server.Port
	logger.Info().Str("addr", addr).Str("env", cfg.Server.Env).Msg("server starting")
	if err := app.Listen(addr); err != nil {
		logger.Error().Err(err).Msg("server error")
	}

	// Lets in-flight jobs finish within asynq's shutdown timeout.
	workerSrv.Shutdown()
}

func newPipeline(cfg *config.Config, groq *client.GroqClient, scripts *service.ScriptService, store client.ObjectStore) *pipeline.Pipeline {
	l := logging.WithComponent("spaces")
	sp := cfg.Spaces
	return pipeline.New(pipeline.Collaborators{
		Script:    scripts,
		Voice:     pipeline.NewNarrator(pipeline.LazySpace(sp.VoiceSpace, sp.Token, sp.Timeout, l), store, l),
		Aligner:   pipeline.NewWhisperAligner(groq, store, cfg.Render.WorkspaceRoot),
		Optimizer: pipeline.NewOptimizer(pipeline.LazySpace(sp.OptimizerSpace, sp.Token, sp.Timeout, l)),
		Visuals:   pipeline.NewVideoGenerator(pipeline.LazySpace(sp.VideoSpace, sp.Token, sp.Timeout, l), store, sp, l),
	}, logging.Base())
}

func asynqLevel(level string) asynq.LogLevel {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return asynq.InfoLevel
	}
	switch {
	case lvl <= zerolog.DebugLevel:
		return asynq.DebugLevel
	case lvl == zerolog.WarnLevel:
		return asynq.WarnLevel
	case lvl >= zerolog.ErrorLevel:
		return asynq.ErrorLevel
	}
	return asynq.InfoLevel
}
