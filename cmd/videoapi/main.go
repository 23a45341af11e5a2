// Command videoapi runs the video composition orchestration service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/OMAR3lwafi/video-api-sub001/api"
	"github.com/OMAR3lwafi/video-api-sub001/balancer"
	"github.com/OMAR3lwafi/video-api-sub001/core"
	"github.com/OMAR3lwafi/video-api-sub001/eventbus"
	"github.com/OMAR3lwafi/video-api-sub001/health"
	"github.com/OMAR3lwafi/video-api-sub001/media"
	"github.com/OMAR3lwafi/video-api-sub001/orchestration"
	"github.com/OMAR3lwafi/video-api-sub001/queue"
	"github.com/OMAR3lwafi/video-api-sub001/resilience"
	"github.com/OMAR3lwafi/video-api-sub001/resources"
	"github.com/OMAR3lwafi/video-api-sub001/store"
	"github.com/OMAR3lwafi/video-api-sub001/telemetry"
	"github.com/OMAR3lwafi/video-api-sub001/workflow"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "videoapi: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := core.NewProductionLogger(cfg.Logging, "videoapi")

	var tel core.Telemetry = &core.NoOpTelemetry{}
	if cfg.Telemetry.Enabled {
		provider, err := telemetry.NewOTelProvider(cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(ctx)
		}()
		tel = provider
	}

	bus := eventbus.New(eventbus.Config{
		HistorySize:    cfg.Events.HistorySize,
		DeadLetterSize: cfg.Events.DeadLetterSize,
		Logger:         logger,
		Telemetry:      tel,
	})
	defer bus.Close()

	var jobs store.JobStore
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		if _, err := eventbus.NewRedisTransport(context.Background(), redisClient, bus, &eventbus.RedisTransportConfig{
			Logger: logger,
		}); err != nil {
			return fmt.Errorf("failed to attach event transport: %w", err)
		}

		redisStore, err := store.NewRedisStore(context.Background(), redisClient, &store.RedisStoreConfig{
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("failed to connect job store: %w", err)
		}
		jobs = redisStore
	} else {
		jobs = store.NewMemoryStore(logger)
	}
	defer jobs.Close()

	rm, err := resilience.NewManager(resilience.ManagerConfig{
		FailureThreshold:   cfg.Resilience.FailureThreshold,
		RecoveryTimeout:    cfg.Resilience.RecoveryTimeout.Std(),
		MonitoringPeriod:   cfg.Resilience.MonitoringPeriod.Std(),
		MaxConcurrentCalls: cfg.Resilience.MaxConcurrentCalls,
		QueueSize:          cfg.Resilience.BulkheadQueueSize,
		MaxWaitTime:        cfg.Resilience.BulkheadMaxWaitTime.Std(),
		MetricsInterval:    cfg.Resilience.MetricsInterval.Std(),
		Logger:             logger,
		Telemetry:          tel,
	}, bus)
	if err != nil {
		return err
	}
	defer rm.Close()

	res := resources.NewManager(resources.Config{
		Logger:    logger,
		Telemetry: tel,
	}, bus)
	defer res.Close()
	registerLocalInventory(res)

	lb := balancer.New(balancer.Config{Logger: logger}, bus)
	registerLocalEndpoints(lb, cfg.Server.Port)

	var transcoder core.Transcoder
	if cfg.Transcoder.Fake {
		transcoder = &media.FakeTranscoder{
			Delay:   cfg.Transcoder.FakeDelay.Std(),
			WorkDir: cfg.Transcoder.WorkDir,
		}
	} else {
		transcoder = media.NewCommandTranscoder(media.TranscoderConfig{
			Binary:  cfg.Transcoder.Binary,
			WorkDir: cfg.Transcoder.WorkDir,
			Logger:  logger,
		})
	}

	blobs, err := media.NewLocalBlobStore(media.BlobStoreConfig{
		OutputDir: cfg.Storage.OutputDir,
		Bucket:    cfg.Storage.Bucket,
		BaseURL:   cfg.Storage.BaseURL,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	checker := health.New(health.Config{
		DefaultInterval: cfg.Health.Interval.Std(),
		DefaultTimeout:  cfg.Health.Timeout.Std(),
		DefaultRetries:  cfg.Health.Retries,
		HistorySize:     cfg.Health.HistorySize,
		Logger:          logger,
	}, bus)
	defer checker.Close()
	registerHealthChecks(checker, cfg, jobs, blobs, redisClient)
	checker.Start()

	engine := workflow.NewEngine(workflow.EngineConfig{
		Logger:    logger,
		Telemetry: tel,
	}, bus)

	q := queue.New(queue.Config{
		Concurrency:       cfg.Jobs.MaxConcurrentJobs,
		ProcessingTimeout: cfg.Jobs.ProcessingTimeout.Std(),
		Logger:            logger,
		Telemetry:         tel,
	}, jobs, transcoder, blobs, bus)
	defer q.Close()

	orch := orchestration.New(orchestration.Config{
		QuickThreshold: cfg.Jobs.QuickThreshold.Std(),
		Logger:         logger,
		Telemetry:      tel,
	}, res, lb, engine, q, rm, transcoder, blobs, bus)

	hub, err := api.NewStatusHub(jobs, bus)
	if err != nil {
		return err
	}

	server := api.NewServer(api.Config{Logger: logger}, orch, q, jobs, checker, hub)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  cfg.Server.IdleTimeout.Std(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", map[string]interface{}{
			"operation": "startup",
			"port":      cfg.Server.Port,
			"redis":     cfg.Redis.Enabled,
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("Shutting down", map[string]interface{}{
			"operation": "shutdown",
			"signal":    sig.String(),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	return httpServer.Shutdown(ctx)
}

// registerLocalInventory seeds the single-process deployment with one
// node sized to the host. Clustered deployments register real nodes
// through operational tooling.
func registerLocalInventory(res *resources.Manager) {
	_ = res.RegisterNode(&resources.Node{
		ID:     "local-1",
		Type:   resources.NodeCompute,
		Status: resources.NodeAvailable,
		Capacity: resources.Capacity{
			CPU:           16,
			MemoryGB:      64,
			StorageGB:     512,
			BandwidthMbps: 1000,
		},
	})
	_ = res.RegisterNode(&resources.Node{
		ID:     "local-gpu-1",
		Type:   resources.NodeGPU,
		Status: resources.NodeAvailable,
		Capacity: resources.Capacity{
			CPU:           8,
			MemoryGB:      32,
			StorageGB:     256,
			BandwidthMbps: 1000,
			GPU:           1,
		},
	})
}

func registerLocalEndpoints(lb *balancer.LoadBalancer, port int) {
	_ = lb.RegisterEndpoint(&balancer.Endpoint{
		ID:     "local",
		URL:    fmt.Sprintf("http://localhost:%d", port),
		Type:   "processor",
		Weight: 1,
	})
}

func registerHealthChecks(checker *health.Checker, cfg *core.Config, jobs store.JobStore, blobs core.BlobStore, redisClient *redis.Client) {
	_ = checker.Register(health.CheckConfig{
		Name:     "database",
		Type:     health.CheckCustom,
		Critical: true,
		Custom: func(ctx context.Context) error {
			if redisClient != nil {
				return redisClient.Ping(ctx).Err()
			}
			_, err := jobs.List(ctx, 1)
			return err
		},
	})
	_ = checker.Register(health.CheckConfig{
		Name:     "storage",
		Type:     health.CheckCustom,
		Critical: true,
		Custom:   blobs.HealthCheck,
	})
	if !cfg.Transcoder.Fake {
		_ = checker.Register(health.CheckConfig{
			Name:   "transcoder",
			Type:   health.CheckCommand,
			Target: cfg.Transcoder.Binary + " -version",
		})
	}
}
