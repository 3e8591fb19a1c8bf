package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// RedisConfig holds connection settings for the job queue's backing Redis
// instance, parsed from BRAIN_QUEUE_URL.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// Env holds process-level configuration sourced from environment variables,
// distinct from the JSON document (Location/Schedules/Profiles/Nodes) that
// Store owns. See spec §6 "Environment variables".
type Env struct {
	ConfigPath string
	DataDir    string
	LogLevel   string
	QueueURL   string

	Redis RedisConfig

	ServerHost string
	ServerPort int

	VisibilityTimeout time.Duration
	MaxJobAttempts    int
	WorkerCount       int
	FFmpegPath        string
	AlertWebhookURL   string
}

// LoadEnv reads BRAIN_* environment variables, falling back to sane
// defaults for local/dev use (see spec §6).
func LoadEnv() Env {
	queueURL := getEnv("BRAIN_QUEUE_URL", "redis://localhost:6379/0")

	return Env{
		ConfigPath: getEnv("BRAIN_CONFIG_PATH", "./brain.config.json"),
		DataDir:    getEnv("BRAIN_DATA_DIR", "./data"),
		LogLevel:   getEnv("BRAIN_LOG_LEVEL", "info"),
		QueueURL:   queueURL,

		Redis: parseQueueURL(queueURL, getEnvAsInt("BRAIN_REDIS_POOL_SIZE", 10)),

		ServerHost: getEnv("SERVER_HOST", "0.0.0.0"),
		ServerPort: getEnvAsInt("SERVER_PORT", 8080),

		VisibilityTimeout: getEnvAsDuration("BRAIN_JOB_VISIBILITY_TIMEOUT", "10m"),
		MaxJobAttempts:    getEnvAsInt("BRAIN_JOB_MAX_ATTEMPTS", 3),
		WorkerCount:       getEnvAsInt("BRAIN_WORKER_COUNT", 1),
		FFmpegPath:        getEnv("BRAIN_FFMPEG_PATH", "ffmpeg"),
		AlertWebhookURL:   getEnv("BRAIN_ALERT_WEBHOOK_URL", ""),
	}
}

// parseQueueURL turns a redis://[:password@]host:port[/db] URL (the form
// BRAIN_QUEUE_URL carries, per spec §6) into the dial target cache.NewCache
// expects. Falls back to the localhost default on any parse error, since a
// malformed queue URL shouldn't be a silent no-op the way an unused
// decorative field would be.
func parseQueueURL(raw string, poolSize int) RedisConfig {
	cfg := RedisConfig{Host: "localhost", Port: 6379, PoolSize: poolSize}

	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return cfg
	}

	cfg.Host = u.Hostname()
	if p := u.Port(); p != "" {
		if port, err := strconv.Atoi(p); err == nil {
			cfg.Port = port
		}
	}
	if pw, ok := u.User.Password(); ok {
		cfg.Password = pw
	}
	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			cfg.DB = n
		}
	}
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}
