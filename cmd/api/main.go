package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/timebank/timebank/internal/config"
	"github.com/timebank/timebank/internal/infra"
	"github.com/timebank/timebank/internal/ledger"
	"github.com/timebank/timebank/internal/logging"
	"github.com/timebank/timebank/internal/notification"
	"github.com/timebank/timebank/internal/routes"
	"github.com/timebank/timebank/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited cleanly")
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx := context.Background()
	deps := routes.Deps{Cfg: cfg, Logger: logger}

	switch cfg.LedgerBackend {
	case config.BackendPostgres:
		db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.AppName, cfg.DatabaseMaxConns)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer db.Close()
		deps.DB = db
	case config.BackendSQLite:
		store, err := ledger.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn("close sqlite", "error", err)
			}
		}()
		deps.SQLite = store
	}

	if cfg.RedisURL != "" {
		cache, err := infra.NewRedisClient(ctx, cfg.RedisURL, cfg.AppName)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
		deps.Cache = cache
	}

	notifiers := notification.Fanout{notification.NewLoggerNotifier(logger)}
	if len(cfg.KafkaBrokers) > 0 {
		writer, err := infra.NewKafkaWriter(ctx, cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		kafkaNotifier := notification.NewKafkaNotifier(writer)
		defer func() {
			if err := kafkaNotifier.Close(); err != nil {
				logger.Warn("close kafka writer", "error", err)
			}
		}()
		notifiers = append(notifiers, kafkaNotifier)
	}
	if cfg.AMQPURL != "" {
		conn, ch, err := infra.NewAMQPChannel(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return fmt.Errorf("connect amqp: %w", err)
		}
		defer conn.Close()
		defer ch.Close()
		notifiers = append(notifiers, notification.NewAMQPNotifier(ch, cfg.AMQPExchange))
	}
	deps.Notifier = notifiers

	srv, err := server.New(deps)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
