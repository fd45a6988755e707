package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type DBConfig struct {
	DBDSN                   string `envconfig:"DB_DSN" required:"true"`
	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`
}

type SQSConfig struct {
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	ReplayQueueURL     string `envconfig:"REPLAY_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

type WebhookConfig struct {
	DBConfig

	Port          string `envconfig:"PORT" default:"8080"`
	MetricsPort   string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat     string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`

	// support platform REST API
	ChatwootBaseURL         string        `envconfig:"CHATWOOT_BASE_URL" required:"true"`
	ChatwootTimeout         time.Duration `envconfig:"CHATWOOT_TIMEOUT" default:"10s"`
	ChatwootBreakerFailures uint32        `envconfig:"CHATWOOT_BREAKER_FAILURES" default:"5"`
	ChatwootRPS             float64       `envconfig:"CHATWOOT_RPS" default:"10"`
	ChatwootBurst           int           `envconfig:"CHATWOOT_BURST" default:"20"`
	ChatwootMaxAttempts     int           `envconfig:"CHATWOOT_MAX_ATTEMPTS" default:"3"`

	// gateway ingress
	GatewayWebhookSecret  string  `envconfig:"GATEWAY_WEBHOOK_SECRET"`
	GatewayRateLimitRPS   float64 `envconfig:"GATEWAY_RATE_LIMIT_RPS" default:"10"`
	GatewayRateLimitBurst int     `envconfig:"GATEWAY_RATE_LIMIT_BURST" default:"100"`
	GatewayTrustedProxies int     `envconfig:"GATEWAY_TRUSTED_PROXIES" default:"0"`

	// optional message dedup
	RedisAddr     string        `envconfig:"REDIS_ADDR"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	DedupTTL      time.Duration `envconfig:"DEDUP_TTL" default:"24h"`
}

type ReplayWorkerConfig struct {
	DBConfig
	SQSConfig

	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	SQSWaitTime   int32 `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs    int32 `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout int32 `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`

	ReplayConcurrency int `envconfig:"REPLAY_CONCURRENCY" default:"4"`

	ChatwootBaseURL         string        `envconfig:"CHATWOOT_BASE_URL" required:"true"`
	ChatwootTimeout         time.Duration `envconfig:"CHATWOOT_TIMEOUT" default:"10s"`
	ChatwootBreakerFailures uint32        `envconfig:"CHATWOOT_BREAKER_FAILURES" default:"5"`
	ChatwootRPS             float64       `envconfig:"CHATWOOT_RPS" default:"10"`
	ChatwootBurst           int           `envconfig:"CHATWOOT_BURST" default:"20"`
	ChatwootMaxAttempts     int           `envconfig:"CHATWOOT_MAX_ATTEMPTS" default:"3"`

	RedisAddr     string        `envconfig:"REDIS_ADDR"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	DedupTTL      time.Duration `envconfig:"DEDUP_TTL" default:"24h"`
}

type ReplayConfig struct {
	DBConfig
	SQSConfig

	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
}

func LoadWebhook() WebhookConfig {
	var cfg WebhookConfig
	load(&cfg)
	return cfg
}

func LoadReplayWorker() ReplayWorkerConfig {
	var cfg ReplayWorkerConfig
	load(&cfg)
	return cfg
}

func LoadReplay() ReplayConfig {
	var cfg ReplayConfig
	load(&cfg)
	return cfg
}

// load reads an optional .env file, then the environment. Variables already
// set in the environment win over the file.
func load(cfg any) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		panic(err)
	}
	if err := envconfig.Process("", cfg); err != nil {
		panic(err)
	}
}
