package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = "coderoom.db"
	defaultQueueBackend   = "sqlite"
	defaultBusBackend     = "local"
	defaultRedisAddr      = "127.0.0.1:6379"
	defaultQueueName      = "code-run-queue"
	defaultMaxQueued      = 1000
	defaultWorkers        = 2
	defaultExecTimeout    = 5 * time.Second
	defaultLeaseTTL       = 30 * time.Second
	defaultPollInterval   = 500 * time.Millisecond
	defaultMaxAttempts    = 3
	defaultSandbox        = "process"
	defaultDockerBinary   = "docker"
	defaultMaxOutputBytes = 64 << 10

	envListenAddr     = "CODEROOM_LISTEN_ADDR"
	envLogLevel       = "CODEROOM_LOG_LEVEL"
	envQueueBackend   = "CODEROOM_QUEUE_BACKEND"
	envDBPath         = "CODEROOM_DB_PATH"
	envBusBackend     = "CODEROOM_BUS_BACKEND"
	envRedisAddr      = "CODEROOM_REDIS_ADDR"
	envRedisPassword  = "CODEROOM_REDIS_PASSWORD"
	envRedisDB        = "CODEROOM_REDIS_DB"
	envQueueName      = "CODEROOM_QUEUE_NAME"
	envMaxQueued      = "CODEROOM_MAX_QUEUED"
	envWorkers        = "CODEROOM_WORKERS"
	envExecTimeout    = "CODEROOM_EXEC_TIMEOUT"
	envLeaseTTL       = "CODEROOM_LEASE_TTL"
	envPollInterval   = "CODEROOM_POLL_INTERVAL"
	envMaxAttempts    = "CODEROOM_MAX_ATTEMPTS"
	envSandbox        = "CODEROOM_SANDBOX"
	envSandboxWorkDir = "CODEROOM_SANDBOX_WORKDIR"
	envDockerBinary   = "CODEROOM_DOCKER_BIN"
	envMaxOutputBytes = "CODEROOM_MAX_OUTPUT_BYTES"
)

// Backend names accepted by CODEROOM_QUEUE_BACKEND and CODEROOM_BUS_BACKEND.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendLocal  = "local"
)

// Redis holds connection settings shared by the redis queue and bus.
type Redis struct {
	Addr     string
	Password string
	DB       int
}

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	LogLevel   slog.Level

	QueueBackend string
	DBPath       string
	BusBackend   string
	Redis        Redis
	QueueName    string
	MaxQueued    int

	Workers      int
	ExecTimeout  time.Duration
	LeaseTTL     time.Duration
	PollInterval time.Duration
	MaxAttempts  int

	Sandbox        string
	SandboxWorkDir string
	DockerBinary   string
	MaxOutputBytes int
}

// Load reads configuration from environment variables with sensible defaults.
// Unparseable or out-of-range values fall back to the default.
func Load() Config {
	cfg := Config{
		ListenAddr:     getEnv(envListenAddr, defaultListenAddr),
		LogLevel:       slog.LevelInfo,
		QueueBackend:   strings.ToLower(getEnv(envQueueBackend, defaultQueueBackend)),
		DBPath:         getEnv(envDBPath, defaultDBPath),
		BusBackend:     strings.ToLower(getEnv(envBusBackend, defaultBusBackend)),
		QueueName:      getEnv(envQueueName, defaultQueueName),
		MaxQueued:      getInt(envMaxQueued, defaultMaxQueued),
		Workers:        getInt(envWorkers, defaultWorkers),
		ExecTimeout:    getDuration(envExecTimeout, defaultExecTimeout),
		LeaseTTL:       getDuration(envLeaseTTL, defaultLeaseTTL),
		PollInterval:   getDuration(envPollInterval, defaultPollInterval),
		MaxAttempts:    getInt(envMaxAttempts, defaultMaxAttempts),
		Sandbox:        strings.ToLower(getEnv(envSandbox, defaultSandbox)),
		SandboxWorkDir: getEnv(envSandboxWorkDir, os.TempDir()),
		DockerBinary:   getEnv(envDockerBinary, defaultDockerBinary),
		MaxOutputBytes: getInt(envMaxOutputBytes, defaultMaxOutputBytes),
		Redis: Redis{
			Addr:     getEnv(envRedisAddr, defaultRedisAddr),
			Password: getEnv(envRedisPassword, ""),
			DB:       getInt(envRedisDB, 0),
		},
	}

	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	if cfg.MaxQueued < 0 {
		cfg.MaxQueued = defaultMaxQueued
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = defaultExecTimeout
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
