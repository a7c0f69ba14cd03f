// Package main boots the backend process: configuration, logger, Redis and
// Postgres connections, the HTTP API, one consumer pool per task handler,
// and the rebalancer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/taskworks/backend/internal/config"
	"github.com/taskworks/backend/internal/consumer"
	"github.com/taskworks/backend/internal/domain"
	"github.com/taskworks/backend/internal/httpapi"
	"github.com/taskworks/backend/internal/logger"
	"github.com/taskworks/backend/internal/mqtt"
	core "github.com/taskworks/backend/internal/ports"
	"github.com/taskworks/backend/internal/rebalance"
	"github.com/taskworks/backend/internal/redis"
	"github.com/taskworks/backend/internal/shutdown"
	"github.com/taskworks/backend/internal/storage"
	"github.com/taskworks/backend/internal/tasks"
	"golang.org/x/sync/errgroup"
)

func main() {
	os.Exit(run())
}

// run contains the program logic and returns an exit code. Using this
// pattern ensures defers run and avoids exit-after-defer lint issues.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	logr, err := logger.NewLogrusLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}

	logr.Info("starting application",
		core.Field{Key: "name", Value: cfg.App.Name},
		core.Field{Key: "environment", Value: cfg.App.Environment})

	bus := shutdown.NewBus()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-bus.Done()
		cancel()
	}()

	redisClient, err := redis.NewClient(cfg, logr)
	if err != nil {
		logr.Error("failed to create redis client", core.Field{Key: "error", Value: err})
		return 1
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logr.Error("failed to close redis client", core.Field{Key: "error", Value: err})
		}
	}()

	pingCtx, pingCancel := context.WithTimeout(ctx, cfg.Redis.ConnectTimeout)
	err = redisClient.Ping(pingCtx)
	pingCancel()
	if err != nil {
		logr.Error("redis unreachable at startup", core.Field{Key: "error", Value: err})
		return 1
	}

	pgPool, err := storage.NewPool(ctx, cfg.Postgres.URL)
	if err != nil {
		logr.Error("failed to connect to postgres", core.Field{Key: "error", Value: err})
		return 1
	}
	defer pgPool.Close()
	projects := storage.NewProjectRepository(pgPool, logr)

	metrics := domain.NewMetrics()

	handlers := []core.TaskHandler{
		tasks.NewTypeAHandler(logr),
		tasks.NewTypeBHandler(logr),
	}

	if cfg.MQTT.Broker != "" {
		publisher, err := mqtt.NewPublisher(cfg, logr)
		if err != nil {
			logr.Error("failed to connect mqtt publisher", core.Field{Key: "error", Value: err})
			return 1
		}
		defer publisher.Disconnect(cfg.MQTT.WriteTimeout)
		handlers = append(handlers, tasks.NewNotifyHandler(publisher, cfg.MQTT.Topic, logr))
	}

	api := httpapi.NewServer(cfg, redisClient, projects, metrics, bus, logr)
	rebalancer := rebalance.New(redisClient, bus, logr, metrics)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return trapSignals(gctx, bus, logr)
	})

	g.Go(func() error {
		return api.Run(gctx, cfg.App.ShutdownTimeout)
	})

	for _, handler := range handlers {
		pool := consumer.NewPool(redisClient, handler, cfg.Consumer.MaxConsumerCount, bus, logr, metrics)
		g.Go(func() error {
			return pool.Run(gctx)
		})
	}

	g.Go(func() error {
		return rebalancer.Run(gctx)
	})

	logr.Info("application started",
		core.Field{Key: "pools", Value: len(handlers)},
		core.Field{Key: "consumersPerPool", Value: cfg.Consumer.MaxConsumerCount})

	err = g.Wait()
	// A failed top-level task fails the whole process; make sure every
	// remaining observer sees the stop.
	bus.Trigger()

	if err != nil {
		logr.Error("application failed", core.Field{Key: "error", Value: err})
		return 1
	}

	logr.Info("application shutdown complete")
	return 0
}

// trapSignals flips the shutdown bus on SIGINT/SIGTERM. It returns when a
// signal arrives or the surrounding group is cancelled.
func trapSignals(ctx context.Context, bus *shutdown.Bus, logr core.Logger) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logr.Info("received shutdown signal", core.Field{Key: "signal", Value: sig.String()})
		bus.Trigger()
	case <-ctx.Done():
	}
	return nil
}
