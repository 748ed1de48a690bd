package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	config "tempus/configs"
	"tempus/pkg/api"
	"tempus/pkg/calendar"
	"tempus/pkg/clock"
	"tempus/pkg/coordination/etcd"
	"tempus/pkg/executor"
	"tempus/pkg/logger"
	"tempus/pkg/mail"
	tracing "tempus/pkg/observability"
	"tempus/pkg/scheduler"
	"tempus/pkg/storage/postgres"
	"tempus/pkg/storage/redis"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to YAML config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logCfg := logger.DefaultConfig("tempus-api")
	logCfg.Level = cfg.Log.Level
	if cfg.Log.FilePath != "" {
		logCfg.OutputPath = cfg.Log.FilePath
	}
	if _, err := logger.Init(logCfg); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Info("starting up")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	traceCfg := tracing.DefaultConfig("tempus-api")
	traceCfg.Enabled = cfg.Tracing.Enabled
	traceCfg.Endpoint = cfg.Tracing.Endpoint
	traceCfg.Environment = cfg.Tracing.Environment
	traceCfg.SamplingRate = cfg.Tracing.SamplingRate
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Fatal("init tracing failed", zap.Error(err))
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	store, err := postgres.NewStore(cfg.Store.DSN(), postgres.Options{
		MaxOpenConns:    cfg.Store.Pool.Max,
		MaxIdleConns:    cfg.Store.Pool.Min,
		ConnMaxIdleTime: time.Duration(cfg.Store.Pool.IdleMs) * time.Millisecond,
	})
	if err != nil {
		logger.Fatal("postgres init failed", zap.Error(err))
	}
	defer store.Close()
	logger.Info("postgres connected", zap.String("host", cfg.Store.Host))

	queueCfg := redis.DefaultConfig(cfg.Queue.Addr())
	queueCfg.Password = cfg.Queue.Password
	queueCfg.DB = cfg.Queue.DB
	queueCfg.MaxRetries = cfg.Queue.MaxRetriesPerRequest
	queue, err := redis.NewQueue(queueCfg)
	if err != nil {
		logger.Fatal("redis init failed", zap.Error(err))
	}
	defer queue.Close()
	logger.Info("redis connected", zap.String("addr", cfg.Queue.Addr()))

	coord, err := etcd.NewCoordinator(cfg.Etcd.Endpoints, cfg.Etcd.LeaseTTL)
	if err != nil {
		logger.Fatal("etcd init failed", zap.Error(err))
	}
	defer coord.Close()
	logger.Info("etcd connected", zap.Strings("endpoints", cfg.Etcd.Endpoints))

	sender := mail.NewSMTPSender(mail.SMTPConfig{
		Host:     cfg.Notify.SMTP.Host,
		Port:     cfg.Notify.SMTP.Port,
		Username: cfg.Notify.SMTP.Username,
		Password: cfg.Notify.SMTP.Password,
		From:     cfg.Notify.SMTP.From,
		StartTLS: cfg.Notify.SMTP.StartTLS,
	})
	registry := executor.NewRegistry(
		executor.NewHTTP(nil),
		executor.NewWebhook(nil),
		executor.NewScript(),
		executor.NewEmail(sender, cfg.Notify.SMTP.From),
		executor.NewCustom(executor.NewHandlers()),
	)

	planner := scheduler.NewPlanner(store, queue, calendar.New(), clock.Real{}, registry)

	server := api.NewServer(api.Config{
		Port:               cfg.Server.Port,
		APIPrefix:          cfg.Server.APIPrefix,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		Defaults: api.JobDefaults{
			MaxRetries:   cfg.Job.MaxRetryAttempts,
			RetryDelayMs: cfg.Job.RetryDelayMs,
			TimeoutMs:    cfg.Job.TimeoutMs,
		},
		Planner:     planner,
		Store:       store,
		Queue:       queue,
		Coordinator: coord,
	})

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}()
	logger.Info("server started", zap.Int("port", cfg.Server.Port))

	sig := <-sigChan
	logger.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	cancel()
	logger.Info("shutdown complete")
}
