package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	config "tempus/configs"
	"tempus/pkg/calendar"
	"tempus/pkg/clock"
	"tempus/pkg/coordination/etcd"
	"tempus/pkg/executor"
	"tempus/pkg/logger"
	"tempus/pkg/mail"
	"tempus/pkg/notifier"
	tracing "tempus/pkg/observability"
	"tempus/pkg/resilience"
	"tempus/pkg/scheduler"
	"tempus/pkg/storage/postgres"
	"tempus/pkg/storage/redis"
	"tempus/pkg/worker"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to YAML config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logCfg := logger.DefaultConfig("tempus-scheduler")
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

	traceCfg := tracing.DefaultConfig("tempus-scheduler")
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
	queueCfg.StallInterval = time.Duration(cfg.Worker.StallIntervalMs) * time.Millisecond
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

	clk := clock.Real{}
	cal := calendar.New()

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

	planner := scheduler.NewPlanner(store, queue, cal, clk, registry)

	channels := []notifier.Notifier{notifier.NewLogChannel()}
	if cfg.Notify.SMTP.Host != "" {
		breaker := resilience.NewBreaker("email-notify", resilience.DefaultBreakerConfig(), clk)
		channels = append(channels, notifier.NewEmailChannel(store, sender, cfg.Notify.SMTP.From, breaker))
	}
	notif := notifier.NewFanout(channels...)

	// The scheduler finalizes executions whose worker died; it reuses the
	// worker's finisher so retry and notification rules stay in one place.
	fin := worker.NewFinisher(store, queue, planner, notif, clk)

	coreCfg := scheduler.DefaultCoreConfig()
	coreCfg.PromoteInterval = time.Duration(cfg.Scheduler.PromoteIntervalMs) * time.Millisecond
	coreCfg.ReconcileInterval = time.Duration(cfg.Scheduler.ReconcileIntervalMs) * time.Millisecond
	coreCfg.LogRetention = time.Duration(cfg.Log.RetentionHours) * time.Hour

	core := scheduler.NewCore(planner, store, queue, cal, clk, coreCfg)
	core.SetLostFinalizer(fin)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "scheduler-" + uuid.New().String()
	}
	election := coord.NewElection("tempus-leader")

	logger.Info("requesting leadership", zap.String("candidate", hostname))
	if err := election.Campaign(ctx, hostname); err != nil {
		logger.Fatal("election campaign failed", zap.Error(err))
	}
	logger.Info("leadership acquired")

	go core.Run(ctx)
	logger.Info("scheduler loop started")

	sig := <-sigChan
	logger.Info("shutting down", zap.String("signal", sig.String()))

	cancel()

	// Resign so a standby can take over without waiting for the lease TTL.
	if err := election.Resign(context.Background()); err != nil {
		logger.Warn("failed to resign leadership", zap.Error(err))
	}

	logger.Info("shutdown complete")
}
