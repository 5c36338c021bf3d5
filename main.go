package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"crew-chat-service/internal/auth"
	"crew-chat-service/internal/config"
	"crew-chat-service/internal/db"
	"crew-chat-service/internal/directory"
	grpcclient "crew-chat-service/internal/grpc"
	"crew-chat-service/internal/handlers"
	"crew-chat-service/internal/hub"
	"crew-chat-service/internal/idem"
	"crew-chat-service/internal/kafka"
	"crew-chat-service/internal/middleware"
	"crew-chat-service/internal/observability"
	"crew-chat-service/internal/presence"
	"crew-chat-service/internal/rabbitmq"
	"crew-chat-service/internal/repositories"
	"crew-chat-service/internal/session"
	"crew-chat-service/internal/storage"
	"crew-chat-service/internal/stream"
	"crew-chat-service/internal/telemetry"
	"crew-chat-service/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("load config")
	}

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", cfg.ServiceName).
			Logger()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.Env, cfg.TraceSampleRatio)
	if err != nil {
		logger.Fatal().Err(err).Msg("init tracing")
	}

	// Storage: postgres when configured, in-memory otherwise.
	var (
		groupRepo   repositories.GroupRepository
		messageRepo repositories.GroupMessageRepository
	)
	if cfg.DBDSN != "" {
		database, err := db.Connect(ctx, cfg.DBDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to db")
		}
		defer database.Close()
		groupRepo = repositories.NewGroupRepo(database)
		messageRepo = repositories.NewGroupMessageRepo(database)
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		groupRepo = repositories.NewMemoryGroupRepo()
		messageRepo = repositories.NewMemoryGroupMessageRepo()
		logger.Warn().Msg("DB_DSN not set, using in-memory storage")
	}

	idempotency := idem.NewMemory()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("parse REDIS_URL")
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		idempotency = idem.NewRedis(rdb)
		logger.Info().Msg("connected to Redis")
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	logger.Info().
		Str("mode", rabbitmq.PublisherMode(publisher)).
		Str("reason", rabbitmq.PublisherNoopReason(publisher)).
		Msg("event publisher ready")
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRoutingKey, cfg.ServiceName, cfg.Env, logger)

	relays := []hub.Relay{rabbitmq.NewGroupEventRelay(publisher, cfg.EventPrefix)}
	if len(cfg.KafkaBrokers) > 0 {
		writer := kafka.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer writer.Close()
		relays = append(relays, writer)
	}
	topics := hub.NewHub(logger, relays...)
	defer topics.Close()

	var authenticator middleware.Authenticator = auth.NewJWTAuthenticator(cfg.JWTSecret)
	if cfg.AuthGRPCAddr != "" {
		authConn, err := grpcclient.Dial(cfg.AuthGRPCAddr)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to auth grpc")
		}
		defer authConn.Close()
		authenticator = grpcclient.NewAuthClient(authConn)
	}

	var profiles stream.ProfileResolver
	if cfg.UserGRPCAddr != "" {
		userConn, err := grpcclient.Dial(cfg.UserGRPCAddr)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to user grpc")
		}
		defer userConn.Close()
		profiles = grpcclient.NewUserClient(userConn)
	}

	dirOpts := directory.Options{AllowSelfJoin: cfg.AllowSelfJoin}
	if cfg.MinIOEndpoint != "" {
		uploader, err := storage.New(storage.Config{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			UseSSL:    cfg.MinIOUseSSL,
			Bucket:    cfg.MinIOBucket,
			PublicURL: cfg.MinIOPublicURL,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("init minio")
		}
		if err := uploader.EnsureBucket(ctx); err != nil {
			logger.Fatal().Err(err).Msg("ensure minio bucket")
		}
		dirOpts.Uploader = uploader
	}

	dir := directory.New(groupRepo, topics, logger, dirOpts)
	messages := stream.New(messageRepo, dir, topics, logger, stream.Options{
		MaxContentLength: cfg.MaxContentLength,
		Retention:        cfg.Retention,
		Profiles:         profiles,
		Idempotency:      idempotency,
		IdempotencyTTL:   cfg.IdempotencyTTL,
		Alerts:           audit,
	})
	online := presence.NewRegistry(topics, cfg.PresenceTTL, logger)
	dir.OnDelete(messages, online)

	sessions := session.NewRegistry(session.Deps{
		Messages: messages,
		Presence: online,
		Topics:   topics,
		Members:  dir,
		Profiles: profiles,
	}, session.Config{
		QueueSize:         cfg.SessionQueueSize,
		ResyncTimeout:     cfg.ResyncTimeout,
		ResumeGrace:       cfg.ResumeGrace,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, logger)

	go online.Run(ctx, online.TTL()/2)
	go sessions.Run(ctx, cfg.ResumeGrace/4)

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": sessions.Len()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/", middleware.AuthMiddleware(authenticator))
	handlers.NewGroupHandler(dir, audit).Register(api)
	handlers.NewMessageHandler(messages, online, dir, profiles, audit).Register(api)

	router.GET("/ws", ws.NewSessionWebSocketHandler(sessions, authenticator, logger).Handle)
	handlers.RegisterDebugRoutes(router, audit, sessions, cfg.DebugRoutes)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("session shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracing shutdown")
	}
	logger.Info().Msg("server stopped")
}
