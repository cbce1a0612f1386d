package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"execbox/internal/common/cache"
	"execbox/internal/common/db"
	commonmw "execbox/internal/common/http/middleware"
	"execbox/internal/common/mq"
	"execbox/internal/common/storage"
	"execbox/internal/executor/controller"
	"execbox/internal/executor/engine"
	"execbox/internal/executor/fetcher"
	"execbox/internal/executor/observer"
	"execbox/internal/executor/registry"
	"execbox/internal/executor/repository"
	"execbox/internal/executor/service"
	"execbox/internal/executor/workspace"
	"execbox/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConfigPath = "configs/executor.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "executor service stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engineCfg := appCfg.Sandbox.toEngineConfig(appCfg.Executor)
	runner, err := engine.New(engineCfg)
	if err != nil {
		return fmt.Errorf("init runner: %w", err)
	}
	logger.Info(ctx, "process runner ready", zap.String("isolation", engine.Describe(engineCfg)))

	reg, err := registry.New(appCfg.Languages, appCfg.Executor.defaultLimits())
	if err != nil {
		return fmt.Errorf("init registry: %w", err)
	}
	workspaces, err := workspace.NewManager(appCfg.Workspace.Root)
	if err != nil {
		return fmt.Errorf("init workspaces: %w", err)
	}

	slots := mq.NewTokenLimiter(appCfg.Executor.MaxConcurrent)
	logger.Info(ctx, "executor pool ready",
		zap.String("workspace_base", workspaces.Base()),
		zap.Int("slots", slots.Capacity()),
	)

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "execbox",
			Name:      "executor_slots_available",
			Help:      "Child-process slots not currently in use.",
		}, func() float64 { return float64(slots.Available()) }),
	)

	svcCfg := service.Config{
		Registry:   reg,
		Workspaces: workspaces,
		Runner:     runner,
		Slots:      slots,
		Metrics:    observer.NewPrometheusRecorder(metricsRegistry),
		Options:    appCfg.Executor.Service,
	}

	var objects storage.ObjectStorage
	if appCfg.MinIO.Endpoint != "" {
		minioStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			return fmt.Errorf("init minio: %w", err)
		}
		objects = minioStorage
		svcCfg.Objects = minioStorage
	}
	sourceFetcher := fetcher.New(appCfg.Fetcher, nil, objects)
	logger.Info(ctx, "source fetcher ready",
		zap.Int64("max_bytes", sourceFetcher.MaxBytes()),
		zap.Bool("object_storage", objects != nil),
	)
	svcCfg.Fetcher = sourceFetcher

	var redisCache *cache.RedisCache
	if appCfg.Redis.Addr != "" {
		redisCache, err = cache.NewRedisCache(ctx, appCfg.Redis)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		defer func() {
			_ = redisCache.Close()
		}()
		results, err := repository.NewResultRepository(redisCache, appCfg.Result.TTL)
		if err != nil {
			return fmt.Errorf("init result repository: %w", err)
		}
		svcCfg.Results = results
	}

	var history *repository.HistoryRepository
	if appCfg.Database.DSN != "" {
		mysqlDB, err := db.OpenMySQL(ctx, appCfg.Database)
		if err != nil {
			return fmt.Errorf("init database: %w", err)
		}
		defer func() {
			_ = mysqlDB.Close()
		}()
		history = repository.NewHistoryRepository(mysqlDB)
		if redisCache != nil {
			svcCfg.History = repository.NewCachedHistory(history, redisCache, appCfg.History.CacheTTL, appCfg.History.EmptyCacheTTL)
		} else {
			svcCfg.History = history
		}
	}

	var queue *mq.KafkaQueue
	if len(appCfg.Kafka.Brokers) > 0 {
		queue, err = mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
		if err != nil {
			return fmt.Errorf("init kafka: %w", err)
		}
		defer func() {
			_ = queue.Close()
		}()
		svcCfg.Producer = queue
		svcCfg.Publisher = repository.NewMQResultPublisher(queue, appCfg.Executor.Service.Topics.Results)
	}

	svc, err := service.NewService(svcCfg)
	if err != nil {
		return fmt.Errorf("init execution service: %w", err)
	}

	rateLimiter := commonmw.NewClientRateLimiter(appCfg.RateLimit)
	httpServer := buildHTTPServer(appCfg, svc, rateLimiter, metricsRegistry)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info(gctx, "executor http server started", zap.String("addr", appCfg.Server.Addr))
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if queue != nil {
		topics := appCfg.Executor.Service.Topics
		fetchLimiter := mq.NewTokenLimiter(appCfg.Kafka.MaxInFlight)
		if err := queue.Subscribe(gctx, topics.Jobs, svc.HandleMessage, appCfg.Kafka.subscribeOptions(topics.DeadLetter, fetchLimiter)); err != nil {
			return fmt.Errorf("subscribe kafka: %w", err)
		}
		if err := queue.Start(); err != nil {
			return fmt.Errorf("start kafka consumer: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			return queue.Stop()
		})
	}
	if rateLimiter != nil {
		g.Go(func() error {
			rateLimiter.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		every(gctx, appCfg.Workspace.SweepInterval, func() {
			if n, err := workspaces.Sweep(gctx, appCfg.Workspace.MaxAge); err != nil {
				logger.Warn(gctx, "sweep workspaces failed", zap.Error(err))
			} else if n > 0 {
				logger.Info(gctx, "stale workspaces removed", zap.Int("count", n))
			}
		})
		return nil
	})
	if history != nil && appCfg.History.Retention > 0 {
		g.Go(func() error {
			every(gctx, appCfg.History.PruneInterval, func() {
				n, err := history.Prune(gctx, time.Now().Add(-appCfg.History.Retention))
				if err != nil {
					logger.Warn(gctx, "prune history failed", zap.Error(err))
					return
				}
				logger.Info(gctx, "execution history pruned", zap.Int64("rows", n))
			})
			return nil
		})
	}

	err = g.Wait()
	logger.Info(context.Background(), "executor service shut down")
	return err
}

func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func buildHTTPServer(appCfg *AppConfig, svc *service.Service, limiter *commonmw.ClientRateLimiter, metrics *prometheus.Registry) *http.Server {
	router := gin.New()
	router.Use(commonmw.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.RequestLogger())
	router.Use(commonmw.CORSMiddleware(appCfg.CORS))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics, promhttp.HandlerOpts{})))

	auth := commonmw.NewAuthenticator(appCfg.Auth.Secret, appCfg.Auth.Issuer)
	controller.RegisterRoutes(router, controller.NewExecutionController(svc, controller.WithRunDeadline(controller.RunDeadline(appCfg.Server.WriteTimeout))),
		commonmw.AuthMiddleware(auth),
		commonmw.RateLimitMiddleware(limiter),
	)

	return &http.Server{
		Addr:         appCfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  appCfg.Server.ReadTimeout,
		WriteTimeout: appCfg.Server.WriteTimeout,
		IdleTimeout:  appCfg.Server.IdleTimeout,
	}
}
