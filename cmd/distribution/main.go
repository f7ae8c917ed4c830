// Command distribution runs either half of the task-distribution core:
// the controller (Control API plus its background loops) or a worker
// runtime, selected by distribution.mode. Grounded on
// internal/execution/server/server.go's New()/Start() shape and
// cmd/services/executor/main.go's signal-driven shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/taskfleet/distribution/internal/distribution/adapters/eventpublisher"
	"github.com/taskfleet/distribution/internal/distribution/adapters/httpapi"
	"github.com/taskfleet/distribution/internal/distribution/adapters/postgres"
	"github.com/taskfleet/distribution/internal/distribution/adapters/registrycache"
	"github.com/taskfleet/distribution/internal/distribution/app/dispatcher"
	"github.com/taskfleet/distribution/internal/distribution/app/heartbeat"
	"github.com/taskfleet/distribution/internal/distribution/app/queue"
	"github.com/taskfleet/distribution/internal/distribution/app/reaper"
	"github.com/taskfleet/distribution/internal/distribution/app/rebalancer"
	"github.com/taskfleet/distribution/internal/distribution/app/registry"
	"github.com/taskfleet/distribution/internal/distribution/app/worker"
	"github.com/taskfleet/distribution/internal/distribution/client"
	"github.com/taskfleet/distribution/internal/distribution/domain"
	"github.com/taskfleet/distribution/pkg/config"
	"github.com/taskfleet/distribution/pkg/database"
	"github.com/taskfleet/distribution/pkg/events"
	"github.com/taskfleet/distribution/pkg/logger"
)

func main() {
	cfg, err := config.Load("distribution")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Logger.ToLoggerConfig())

	var runErr error
	switch cfg.Distribution.Mode {
	case "worker":
		runErr = runWorker(cfg, log)
	default:
		runErr = runController(cfg, log)
	}
	if runErr != nil {
		log.Fatal("distribution process exited with error", "error", runErr)
	}
}

func runController(cfg *config.Config, log logger.Logger) error {
	db, err := database.New(cfg.Database.ToDatabaseConfig())
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if err := db.AutoMigrate(&domain.Device{}, &domain.Task{}, &domain.Assignment{}, &domain.Heartbeat{}); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	log.Info("distribution schema migrated")

	eventBus, err := events.NewKafkaEventBus(cfg.Kafka.ToKafkaConfig())
	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	defer eventBus.Close()
	publisher := eventpublisher.New(eventBus, log)

	store := postgres.New(db)

	cache, err := buildRegistryCache(cfg, log)
	if err != nil {
		return fmt.Errorf("build registry cache: %w", err)
	}

	reg := registry.New(store, cache, publisher, log)
	q := queue.New(store, publisher, log)

	collector := heartbeat.New(heartbeat.Config{
		OfflineTimeout: time.Duration(cfg.Distribution.OfflineTimeoutSeconds) * time.Second,
	}, reg, store, store, q, publisher, log)

	dispatch := dispatcher.New(dispatcher.Config{
		Interval: time.Duration(cfg.Distribution.DispatchIntervalSeconds) * time.Second,
		Policy:   dispatcher.Policy(cfg.Distribution.LoadBalanceStrategy),
		ForceDispatchPriorityThreshold: cfg.Distribution.ForceDispatchThreshold,
	}, reg, q, store, store, publisher, log)

	reap := reaper.New(reaper.Config{
		Interval: time.Duration(cfg.Distribution.ReaperIntervalSeconds) * time.Second,
	}, reg, q, store, publisher, log)

	rebalance := rebalancer.New(reg, q, store, dispatch, publisher, log)

	srv := httpapi.New(httpapi.Deps{
		Host:         cfg.Server.Host,
		Port:         cfg.Distribution.MasterPort,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		APIKey:       cfg.Distribution.APIKey,
		RateLimitRPS:   cfg.Distribution.RateLimitRPS,
		RateLimitBurst: cfg.Distribution.RateLimitBurst,
		Registry:     reg,
		Queue:        q,
		AssignSt:     store,
		HBStore:      store,
		Collector:    collector,
		Dispatch:     dispatch,
		Reap:         reap,
		Rebalance:    rebalance,
		Log:          log,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(context.Background()); err != nil {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case <-quit:
		log.Info("shutting down distribution controller")
	case err := <-errCh:
		log.Error("controller server failed", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// buildRegistryCache wires the optional read-through cache in front of
// ListAvailable. An empty backend means no cache — always correct, just
// slower under load.
func buildRegistryCache(cfg *config.Config, log logger.Logger) (registry.Cache, error) {
	switch cfg.Distribution.RegistryCacheBackend {
	case "redis":
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return registrycache.NewRedisCache(redisClient, log), nil
	case "etcd":
		etcdClient, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Distribution.EtcdEndpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("connect etcd: %w", err)
		}
		return registrycache.NewEtcdCache(etcdClient, log), nil
	default:
		return nil, nil
	}
}

func runWorker(cfg *config.Config, log logger.Logger) error {
	if cfg.Distribution.DeviceID == "" {
		return fmt.Errorf("device_id is required in worker mode")
	}

	baseURL := fmt.Sprintf("http://%s:%d", cfg.Distribution.MasterHost, cfg.Distribution.MasterPort)
	c := client.New(baseURL, cfg.Distribution.APIKey, log)

	device := &domain.Device{
		ID:         cfg.Distribution.DeviceID,
		DeviceType: cfg.Distribution.DeviceType,
		Capabilities: domain.Capabilities{
			MaxConcurrentTasks: cfg.Distribution.ConcurrentTasks,
		},
		MaxConcurrentTasks: cfg.Distribution.ConcurrentTasks,
		Status:             domain.DeviceOnline,
	}

	rt := worker.New(worker.Config{
		Device:             device,
		ConcurrentTasks:    cfg.Distribution.ConcurrentTasks,
		HeartbeatInterval:  time.Duration(cfg.Distribution.HeartbeatIntervalSeconds) * time.Second,
		PullIdleInterval:   time.Duration(cfg.Distribution.PullIdleSeconds) * time.Second,
		MaxConsecutiveErrs: cfg.Distribution.MaxConsecutiveErrors,
	}, c, fetchReportExecutor, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start worker runtime: %w", err)
	}
	log.Info("worker runtime started", "device_id", device.ID)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker runtime")
	cancel()
	rt.Stop()
	return nil
}

// fetchReportExecutor is the default task executor: it pulls the
// third-party analytics report named by the task payload. Wiring a real
// fetch client is left to deployment-specific builds; this default just
// validates the payload shape so the runtime is exercisable standalone.
func fetchReportExecutor(ctx context.Context, task *domain.Task) (string, error) {
	reportID, _ := task.Payload["report_id"].(string)
	if reportID == "" {
		return "", fmt.Errorf("task %d: payload missing report_id", task.ID)
	}
	return fmt.Sprintf(`{"report_id":%q,"fetched_at":%q}`, reportID, time.Now().UTC().Format(time.RFC3339)), nil
}
