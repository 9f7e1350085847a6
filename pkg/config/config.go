package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendBatch    = "batch"
	BackendPostgres = "postgres"

	NotifySNS   = "sns"
	NotifyAMQP  = "amqp"
	NotifyRedis = "redis"
)

// Config is read once at process start; handlers never re-read the environment.
type Config struct {
	JobDefinition string `json:"job_definition"`
	JobQueue      string `json:"job_queue"`
	OutputBucket  string `json:"output_bucket"`

	NotificationEmail string `json:"notification_email,omitempty"`
	NotificationTopic string `json:"notification_topic_arn,omitempty"`

	BudgetLimit            float64 `json:"budget_limit"`
	BudgetThresholdPercent float64 `json:"budget_threshold_percent"`

	ExecutionBackend string `json:"execution_backend"`
	NotifyBackend    string `json:"notify_backend"`

	DatabaseURL  string `json:"database_url,omitempty"`
	DBMaxConns   int    `json:"db_max_conns"`
	RabbitMQURL  string `json:"rabbitmq_url,omitempty"`
	RedisAddr    string `json:"redis_addr,omitempty"`
	RedisChannel string `json:"redis_channel"`

	Handler            string        `json:"handler,omitempty"`
	HandlerTimeout     time.Duration `json:"-"`
	HandlerTimeoutStr  string        `json:"handler_timeout"`
	AlertRetryAttempts int           `json:"alert_retry_attempts"`

	DispatcherConcurrency int    `json:"dispatcher_concurrency"`
	APIAddr               string `json:"api_addr"`
	MetricsAddr           string `json:"metrics_addr"`
	LogLevel              string `json:"log_level"`

	// invalid numeric values seen by Load, reported by Validate
	parseErrors Problems
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		JobDefinition:     os.Getenv("JOBDEF"),
		JobQueue:          os.Getenv("JOBQUEUE"),
		OutputBucket:      firstNonEmpty(os.Getenv("OUTPUT_BUCKET"), os.Getenv("S3_OUTPUT_BUCKET")),
		NotificationEmail: os.Getenv("NOTIFICATION_EMAIL"),
		NotificationTopic: os.Getenv("NOTIFICATION_TOPIC_ARN"),
		ExecutionBackend:  strings.ToLower(os.Getenv("EXECUTION_BACKEND")),
		NotifyBackend:     strings.ToLower(os.Getenv("NOTIFY_BACKEND")),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RabbitMQURL:       os.Getenv("RABBITMQ_URL"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisChannel:      os.Getenv("REDIS_CHANNEL"),
		Handler:           os.Getenv("HANDLER"),
		HandlerTimeoutStr: os.Getenv("HANDLER_TIMEOUT"),
		APIAddr:           os.Getenv("API_ADDR"),
		MetricsAddr:       os.Getenv("METRICS_ADDR"),
		LogLevel:          strings.ToLower(os.Getenv("LOG_LEVEL")),
	}

	cfg.BudgetLimit = cfg.floatEnv("BUDGET_LIMIT", 5)
	cfg.BudgetThresholdPercent = cfg.floatEnv("BUDGET_THRESHOLD_PERCENT", 95)
	cfg.DBMaxConns = cfg.intEnv("DB_MAX_CONNS", 0)
	cfg.AlertRetryAttempts = cfg.intEnv("ALERT_RETRY_ATTEMPTS", 3)
	cfg.DispatcherConcurrency = cfg.intEnv("DISPATCHER_CONCURRENCY", 10)

	if cfg.ExecutionBackend == "" {
		cfg.ExecutionBackend = BackendBatch
	}
	if cfg.NotifyBackend == "" {
		cfg.NotifyBackend = NotifySNS
	}
	if cfg.RedisChannel == "" {
		cfg.RedisChannel = "batch-gate.notifications"
	}
	if cfg.HandlerTimeoutStr == "" {
		cfg.HandlerTimeoutStr = "15s"
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = ":8080"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":8081"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	// Parse durations; validation is handled separately by Validate().
	if d, err := time.ParseDuration(cfg.HandlerTimeoutStr); err == nil {
		cfg.HandlerTimeout = d
	}

	return cfg
}

func (c *Config) intEnv(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		c.parseErrors = append(c.parseErrors, Problem{Env: name, Reason: "must be an integer"})
		return def
	}
	return n
}

func (c *Config) floatEnv(name string, def float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		c.parseErrors = append(c.parseErrors, Problem{Env: name, Reason: "must be a number"})
		return def
	}
	return f
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	masked.RabbitMQURL = maskSecret(c.RabbitMQURL)
	masked.parseErrors = nil
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if i := strings.Index(s, "://"); i > 0 {
		return s[:i+3] + "***"
	}
	return "***"
}
