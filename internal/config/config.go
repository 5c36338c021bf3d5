package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the service.
type Config struct {
	Port        string
	Env         string
	ServiceName string

	DBDSN    string
	RedisURL string

	// Identity: auth-service over gRPC, or local HS256 verification when
	// AuthGRPCAddr is empty.
	AuthGRPCAddr string
	JWTSecret    string
	UserGRPCAddr string

	AMQPURL         string
	AMQPExchange    string
	AuditRoutingKey string
	EventPrefix     string

	KafkaBrokers []string
	KafkaTopic   string

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool
	MinIOPublicURL string

	OTLPEndpoint     string
	TraceSampleRatio float64

	AllowSelfJoin     bool
	MaxContentLength  int
	Retention         int64
	PresenceTTL       time.Duration
	SessionQueueSize  int
	ResyncTimeout     time.Duration
	ResumeGrace       time.Duration
	HeartbeatInterval time.Duration
	IdempotencyTTL    time.Duration

	DebugRoutes bool
}

// Load reads configuration from environment variables, loading .env first
// when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8083"),
		Env:         getEnv("ENV", "development"),
		ServiceName: getEnv("SERVICE_NAME", "crew-chat-service"),

		DBDSN:    os.Getenv("DB_DSN"),
		RedisURL: os.Getenv("REDIS_URL"),

		AuthGRPCAddr: os.Getenv("AUTH_GRPC_ADDR"),
		JWTSecret:    getEnv("JWT_SECRET", "replace-this-with-a-strong-secret"),
		UserGRPCAddr: os.Getenv("USER_GRPC_ADDR"),

		AMQPURL:         os.Getenv("AMQP_URL"),
		AMQPExchange:    getEnv("AMQP_EXCHANGE", "crew.events"),
		AuditRoutingKey: getEnv("AUDIT_ROUTING_KEY", "audit.crew-chat-service"),
		EventPrefix:     getEnv("EVENT_ROUTING_PREFIX", "groups"),

		KafkaBrokers: splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "group-messages"),

		MinIOEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinIOAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinIOSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinIOBucket:    getEnv("MINIO_BUCKET", "group-images"),
		MinIOUseSSL:    getEnv("MINIO_USE_SSL", "false") == "true",
		MinIOPublicURL: os.Getenv("MINIO_PUBLIC_URL"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		AllowSelfJoin: getEnv("ALLOW_SELF_JOIN", "false") == "true",
		DebugRoutes:   getEnv("DEBUG_ROUTES", "false") == "true",
	}

	var err error
	if cfg.TraceSampleRatio, err = strconv.ParseFloat(getEnv("OTEL_TRACES_SAMPLER_RATIO", "1"), 64); err != nil {
		return nil, fmt.Errorf("OTEL_TRACES_SAMPLER_RATIO: %w", err)
	}
	if cfg.MaxContentLength, err = strconv.Atoi(getEnv("MAX_CONTENT_LENGTH", "4000")); err != nil {
		return nil, fmt.Errorf("MAX_CONTENT_LENGTH: %w", err)
	}
	if cfg.Retention, err = strconv.ParseInt(getEnv("MESSAGE_RETENTION", "0"), 10, 64); err != nil {
		return nil, fmt.Errorf("MESSAGE_RETENTION: %w", err)
	}
	if cfg.SessionQueueSize, err = strconv.Atoi(getEnv("SESSION_QUEUE_SIZE", "256")); err != nil {
		return nil, fmt.Errorf("SESSION_QUEUE_SIZE: %w", err)
	}

	durations := []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"PRESENCE_TTL", "30s", &cfg.PresenceTTL},
		{"RESYNC_TIMEOUT", "10s", &cfg.ResyncTimeout},
		{"RESUME_GRACE", "2m", &cfg.ResumeGrace},
		{"HEARTBEAT_INTERVAL", "10s", &cfg.HeartbeatInterval},
		{"IDEMPOTENCY_TTL", "24h", &cfg.IdempotencyTTL},
	}
	for _, d := range durations {
		if *d.dst, err = time.ParseDuration(getEnv(d.key, d.fallback)); err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
	}

	if cfg.Env == "production" && cfg.DBDSN == "" {
		return nil, fmt.Errorf("DB_DSN is required in production")
	}
	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
