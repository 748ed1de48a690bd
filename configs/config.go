// Package config loads process configuration from an optional YAML file with
// environment overrides on top. Environment always wins, so deployments can
// keep secrets out of the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Queue     QueueConfig     `yaml:"queue"`
	Etcd      EtcdConfig      `yaml:"etcd"`
	Job       JobConfig       `yaml:"job"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Log       LogConfig       `yaml:"log"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Notify    NotifyConfig    `yaml:"notify"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Port      int    `yaml:"port"`
	APIPrefix string `yaml:"api_prefix"`
	// RateLimitPerMinute caps requests per client IP. Zero disables.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

type PoolConfig struct {
	Max       int `yaml:"max"`
	Min       int `yaml:"min"`
	AcquireMs int `yaml:"acquire_ms"`
	IdleMs    int `yaml:"idle_ms"`
}

type StoreConfig struct {
	Host     string     `yaml:"host"`
	Port     int        `yaml:"port"`
	Name     string     `yaml:"name"`
	User     string     `yaml:"user"`
	Password string     `yaml:"password"`
	SSLMode  string     `yaml:"ssl_mode"`
	Pool     PoolConfig `yaml:"pool"`
}

// DSN renders the postgres connection string. The pool's acquire budget
// becomes the driver connect_timeout (whole seconds, minimum 1).
func (s StoreConfig) DSN() string {
	connectTimeout := (s.Pool.AcquireMs + 999) / 1000
	if connectTimeout < 1 {
		connectTimeout = 1
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		s.Host, s.Port, s.User, s.Password, s.Name, s.SSLMode, connectTimeout)
}

type QueueConfig struct {
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	Password             string `yaml:"password"`
	DB                   int    `yaml:"db"`
	MaxRetriesPerRequest int    `yaml:"max_retries_per_request"`
}

func (q QueueConfig) Addr() string {
	return fmt.Sprintf("%s:%d", q.Host, q.Port)
}

type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	LeaseTTL  int      `yaml:"lease_ttl"`
}

// JobConfig seeds job fields left unset at creation.
type JobConfig struct {
	MaxRetryAttempts int `yaml:"max_retry_attempts"`
	RetryDelayMs     int `yaml:"retry_delay_ms"`
	TimeoutMs        int `yaml:"timeout_ms"`
}

type LimiterConfig struct {
	Max      int `yaml:"max"`
	WindowMs int `yaml:"window_ms"`
}

type WorkerConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Limiter     LimiterConfig `yaml:"limiter"`
	// StallIntervalMs is how long an unacked delivery stays claimed before
	// another worker may reclaim it.
	StallIntervalMs int `yaml:"stall_interval_ms"`
	GracePeriodMs   int `yaml:"grace_period_ms"`
}

type SchedulerConfig struct {
	PromoteIntervalMs   int `yaml:"promote_interval_ms"`
	ReconcileIntervalMs int `yaml:"reconcile_interval_ms"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	FilePath string `yaml:"file_path"`
	// RetentionHours is floored at 336 (14 days) by Load.
	RetentionHours int `yaml:"retention_hours"`
}

type ArchiveConfig struct {
	// Backend selects where oversized results go: "" (inline only),
	// "local", or "s3".
	Backend        string `yaml:"backend"`
	Dir            string `yaml:"dir"`
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	InlineMaxBytes int    `yaml:"inline_max_bytes"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	StartTLS bool   `yaml:"start_tls"`
}

type NotifyConfig struct {
	SMTP SMTPConfig `yaml:"smtp"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// Load resolves configuration in three layers: built-in defaults, then the
// YAML file at path (when non-empty), then environment variables.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               8080,
			APIPrefix:          "/api/v1",
			RateLimitPerMinute: 300,
		},
		Store: StoreConfig{
			Host:    "localhost",
			Port:    5432,
			Name:    "tempus",
			User:    "tempus",
			SSLMode: "disable",
			Pool:    PoolConfig{Max: 50, Min: 5, AcquireMs: 30000, IdleMs: 10000},
		},
		Queue: QueueConfig{
			Host:                 "localhost",
			Port:                 6379,
			MaxRetriesPerRequest: 3,
		},
		Etcd: EtcdConfig{
			Endpoints: []string{"localhost:2379"},
			LeaseTTL:  15,
		},
		Job: JobConfig{
			MaxRetryAttempts: 3,
			RetryDelayMs:     5000,
			TimeoutMs:        300000,
		},
		Worker: WorkerConfig{
			Concurrency:     5,
			Limiter:         LimiterConfig{Max: 100, WindowMs: 60000},
			StallIntervalMs: 30000,
			GracePeriodMs:   30000,
		},
		Scheduler: SchedulerConfig{
			PromoteIntervalMs:   1000,
			ReconcileIntervalMs: 30000,
		},
		Log: LogConfig{
			Level:          "info",
			RetentionHours: 336,
		},
		Archive: ArchiveConfig{
			Prefix:         "results/",
			Region:         "us-east-1",
			InlineMaxBytes: 8192,
		},
		Notify: NotifyConfig{
			SMTP: SMTPConfig{Host: "localhost", Port: 587, StartTLS: true},
		},
		Tracing: TracingConfig{
			Endpoint:     "localhost:4318",
			Environment:  "development",
			SamplingRate: 1.0,
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnvAsInt("SERVER_PORT", cfg.Server.Port)
	cfg.Server.APIPrefix = getEnv("SERVER_API_PREFIX", cfg.Server.APIPrefix)

	cfg.Store.Host = getEnv("STORE_HOST", cfg.Store.Host)
	cfg.Store.Port = getEnvAsInt("STORE_PORT", cfg.Store.Port)
	cfg.Store.Name = getEnv("STORE_NAME", cfg.Store.Name)
	cfg.Store.User = getEnv("STORE_USER", cfg.Store.User)
	cfg.Store.Password = getEnv("STORE_PASSWORD", cfg.Store.Password)
	cfg.Store.SSLMode = getEnv("STORE_SSL_MODE", cfg.Store.SSLMode)

	cfg.Queue.Host = getEnv("QUEUE_HOST", cfg.Queue.Host)
	cfg.Queue.Port = getEnvAsInt("QUEUE_PORT", cfg.Queue.Port)
	cfg.Queue.Password = getEnv("QUEUE_PASSWORD", cfg.Queue.Password)
	cfg.Queue.DB = getEnvAsInt("QUEUE_DB", cfg.Queue.DB)

	cfg.Etcd.Endpoints = getEnvAsSlice("ETCD_ENDPOINTS", cfg.Etcd.Endpoints)
	cfg.Etcd.LeaseTTL = getEnvAsInt("ETCD_LEASE_TTL", cfg.Etcd.LeaseTTL)

	cfg.Worker.Concurrency = getEnvAsInt("WORKER_CONCURRENCY", cfg.Worker.Concurrency)
	cfg.Worker.Limiter.Max = getEnvAsInt("WORKER_LIMITER_MAX", cfg.Worker.Limiter.Max)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.FilePath = getEnv("LOG_FILE_PATH", cfg.Log.FilePath)

	cfg.Archive.Backend = getEnv("ARCHIVE_BACKEND", cfg.Archive.Backend)
	cfg.Archive.Dir = getEnv("ARCHIVE_DIR", cfg.Archive.Dir)
	cfg.Archive.Bucket = getEnv("ARCHIVE_BUCKET", cfg.Archive.Bucket)
	cfg.Archive.Region = getEnv("ARCHIVE_REGION", cfg.Archive.Region)
	cfg.Archive.Endpoint = getEnv("ARCHIVE_ENDPOINT", cfg.Archive.Endpoint)

	cfg.Notify.SMTP.Host = getEnv("NOTIFY_SMTP_HOST", cfg.Notify.SMTP.Host)
	cfg.Notify.SMTP.Port = getEnvAsInt("NOTIFY_SMTP_PORT", cfg.Notify.SMTP.Port)
	cfg.Notify.SMTP.Username = getEnv("NOTIFY_SMTP_USERNAME", cfg.Notify.SMTP.Username)
	cfg.Notify.SMTP.Password = getEnv("NOTIFY_SMTP_PASSWORD", cfg.Notify.SMTP.Password)
	cfg.Notify.SMTP.From = getEnv("NOTIFY_SMTP_FROM", cfg.Notify.SMTP.From)

	cfg.Tracing.Endpoint = getEnv("TRACING_ENDPOINT", cfg.Tracing.Endpoint)
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive")
	}
	if c.Job.MaxRetryAttempts < 0 || c.Job.MaxRetryAttempts > 10 {
		return fmt.Errorf("job.max_retry_attempts %d out of range", c.Job.MaxRetryAttempts)
	}
	if c.Log.RetentionHours < 336 {
		c.Log.RetentionHours = 336
	}
	switch c.Archive.Backend {
	case "", "local", "s3":
	default:
		return fmt.Errorf("archive.backend %q not recognized", c.Archive.Backend)
	}
	if c.Archive.Backend == "s3" && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket required for the s3 backend")
	}
	if c.Archive.Backend == "local" && c.Archive.Dir == "" {
		return fmt.Errorf("archive.dir required for the local backend")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

func getEnvAsSlice(key string, fallback []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
