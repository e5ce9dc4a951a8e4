package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		envListenAddr, envLogLevel, envQueueBackend, envDBPath, envBusBackend,
		envRedisAddr, envRedisPassword, envRedisDB, envQueueName, envMaxQueued,
		envWorkers, envExecTimeout, envLeaseTTL, envPollInterval, envMaxAttempts,
		envSandbox, envSandboxWorkDir, envDockerBinary, envMaxOutputBytes,
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.QueueBackend != BackendSQLite {
		t.Errorf("QueueBackend = %q, want %q", cfg.QueueBackend, BackendSQLite)
	}
	if cfg.BusBackend != BackendLocal {
		t.Errorf("BusBackend = %q, want %q", cfg.BusBackend, BackendLocal)
	}
	if cfg.Workers != defaultWorkers {
		t.Errorf("Workers = %d, want %d", cfg.Workers, defaultWorkers)
	}
	if cfg.ExecTimeout != 5*time.Second {
		t.Errorf("ExecTimeout = %v, want 5s", cfg.ExecTimeout)
	}
	if cfg.QueueName != defaultQueueName {
		t.Errorf("QueueName = %q, want %q", cfg.QueueName, defaultQueueName)
	}
	if cfg.Sandbox != defaultSandbox {
		t.Errorf("Sandbox = %q, want %q", cfg.Sandbox, defaultSandbox)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envQueueBackend, "REDIS")
	t.Setenv(envBusBackend, "redis")
	t.Setenv(envRedisAddr, "redis:6379")
	t.Setenv(envRedisDB, "2")
	t.Setenv(envWorkers, "8")
	t.Setenv(envExecTimeout, "10s")
	t.Setenv(envLeaseTTL, "1m")
	t.Setenv(envSandbox, "docker")

	cfg := Load()

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.QueueBackend != BackendRedis {
		t.Errorf("QueueBackend = %q, want %q", cfg.QueueBackend, BackendRedis)
	}
	if cfg.BusBackend != BackendRedis {
		t.Errorf("BusBackend = %q, want %q", cfg.BusBackend, BackendRedis)
	}
	if cfg.Redis.Addr != "redis:6379" || cfg.Redis.DB != 2 {
		t.Errorf("Redis = %+v, want addr redis:6379 db 2", cfg.Redis)
	}
	if cfg.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Workers)
	}
	if cfg.ExecTimeout != 10*time.Second {
		t.Errorf("ExecTimeout = %v, want 10s", cfg.ExecTimeout)
	}
	if cfg.LeaseTTL != time.Minute {
		t.Errorf("LeaseTTL = %v, want 1m", cfg.LeaseTTL)
	}
	if cfg.Sandbox != "docker" {
		t.Errorf("Sandbox = %q, want docker", cfg.Sandbox)
	}
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv(envWorkers, "-3")
	t.Setenv(envExecTimeout, "forever")
	t.Setenv(envMaxQueued, "lots")
	t.Setenv(envPollInterval, "0s")

	cfg := Load()

	if cfg.Workers != defaultWorkers {
		t.Errorf("Workers = %d, want %d", cfg.Workers, defaultWorkers)
	}
	if cfg.ExecTimeout != defaultExecTimeout {
		t.Errorf("ExecTimeout = %v, want %v", cfg.ExecTimeout, defaultExecTimeout)
	}
	if cfg.MaxQueued != defaultMaxQueued {
		t.Errorf("MaxQueued = %d, want %d", cfg.MaxQueued, defaultMaxQueued)
	}
	if cfg.PollInterval != defaultPollInterval {
		t.Errorf("PollInterval = %v, want %v", cfg.PollInterval, defaultPollInterval)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
}
