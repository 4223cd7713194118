package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opexdev/backoffice/libs/health"
	"github.com/opexdev/backoffice/libs/httpmiddleware"
	"github.com/opexdev/backoffice/libs/kafka"
	"github.com/opexdev/backoffice/libs/logging"
	"github.com/opexdev/backoffice/libs/metrics"
	"github.com/opexdev/backoffice/libs/postgres"
	"github.com/opexdev/backoffice/libs/trace"
	"github.com/opexdev/backoffice/services/accountant/internal/cache"
	"github.com/opexdev/backoffice/services/accountant/internal/config"
	"github.com/opexdev/backoffice/services/accountant/internal/consumer"
	"github.com/opexdev/backoffice/services/accountant/internal/handlers"
	"github.com/opexdev/backoffice/services/accountant/internal/outbox"
	"github.com/opexdev/backoffice/services/accountant/internal/publisher"
	"github.com/opexdev/backoffice/services/accountant/internal/service"
	"github.com/opexdev/backoffice/services/accountant/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	serviceMetrics := service.NewMetrics(registry)
	outboxMetrics := outbox.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	pool, err := postgres.Connect(rootCtx, cfg.DB.DSN(), cfg.DB.MaxConns)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := storage.NewPostgresStore(pool, logger)
	if err := store.Migrate(rootCtx); err != nil {
		logger.Error("db migration failed", "error", err)
		os.Exit(1)
	}
	ready.AddCheck("postgres", store.Ping)

	var levels service.UserLevelStore
	var levelCache *cache.UserLevelCache
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		levelCache = cache.NewUserLevelCache(redisClient, cfg.Redis.LevelTTL, cfg.Redis.Prefix)
		levels = levelCache
		ready.AddCheck("redis", levelCache.Ping)
	} else {
		logger.Warn("redis not configured, user levels come from events only")
	}

	pairConfigs := cache.NewPairConfigCache()
	if err := pairConfigs.Load(rootCtx, store); err != nil {
		logger.Error("pair config load failed", "error", err)
		os.Exit(1)
	}
	serviceMetrics.SetCacheSize(pairConfigs.Size())
	pairConfigs.StartAutoRefresh(rootCtx, store, cfg.ConfigRefresh, serviceMetrics, logger)

	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafkaMetrics)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer producer.Close()
	var sink service.ProjectionSink
	if cfg.ProjectionsEnabled {
		projectionProducer := kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger)
		sink = publisher.NewProjectionPublisher(projectionProducer, publisher.Topics{
			RichOrders: cfg.Kafka.Topics.RichOrders,
			RichTrades: cfg.Kafka.Topics.RichTrades,
		}, logger)
	}

	resolver := service.NewConfigResolver(pairConfigs, store, levels, logger, serviceMetrics)
	accountant := service.NewAccountant(
		store,
		service.NewOrderManager(resolver, logger, serviceMetrics),
		service.NewTradeManager(service.NewFeeCalculator(cfg.FeeAccount), logger, serviceMetrics),
		sink,
		logger,
		serviceMetrics,
	)

	wallet := outbox.NewKafkaWalletClient(producer, cfg.Kafka.Topics.WalletTransfer, cfg.Outbox.WalletTimeout)
	outboxPublisher := outbox.NewPublisher(store, wallet, cfg.Outbox.PageSize, logger, outboxMetrics)
	scheduler := outbox.NewScheduler(outboxPublisher, accountant, outbox.SchedulerConfig{
		OutboxInterval: cfg.Outbox.Interval,
		ReplayInterval: cfg.Outbox.ReplayInterval,
		ReplayPageSize: cfg.Outbox.ReplayPageSize,
		RunTimeout:     cfg.Outbox.RunTimeout,
	}, logger, outboxMetrics)

	consumerGroup, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
	if err != nil {
		logger.Error("kafka consumer init failed", "error", err)
		os.Exit(1)
	}
	consumerGroup.WithDLQ(producer, cfg.Kafka.Topics.DeadLetter).WithRetry(cfg.Kafka.MaxAttempts, cfg.Kafka.RetryWindow)
	defer consumerGroup.Close()

	eventConsumer := consumer.NewEventConsumer(accountant, consumer.Topics{
		Orders: cfg.Kafka.Topics.Orders,
		Trades: cfg.Kafka.Topics.Trades,
	}, logger)

	deps := handlers.Deps{
		Orders:   store,
		Outbox:   outboxPublisher,
		Trigger:  scheduler,
		Buffer:   service.NewPendingBuffer(store, logger),
		Configs:  pairConfigs,
		Resolver: resolver,
	}
	if levelCache != nil {
		deps.Levels = levelCache
	}
	httpServer := buildHTTPServer(cfg, handlers.New(deps, logger), ready, registry, logger)

	grpcServer := grpc.NewServer()
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	grpcAddr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logger.Error("grpc listen failed", "error", err)
		os.Exit(1)
	}

	scheduler.Start(rootCtx)
	ready.SetReady(true)

	go func() {
		logger.Info("accountant grpc starting", "addr", grpcAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", "error", err)
		}
	}()

	go func() {
		logger.Info("accountant http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		topics := eventConsumer.Topics()
		logger.Info("accountant consumer starting", "topics", topics)
		if err := consumerGroup.Consume(rootCtx, topics, eventConsumer); err != nil {
			logger.Error("kafka consumer error", "error", err)
		}
	}()

	waitForShutdown(grpcServer, healthServer, httpServer, ready, rootCancel, scheduler, logger)
}

func buildHTTPServer(cfg *config.Config, admin *handlers.Handler, ready *health.Manager, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	admin.Register(router, []byte(cfg.JWTSecret))

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func waitForShutdown(grpcServer *grpc.Server, healthServer *grpchealth.Server, httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, scheduler *outbox.Scheduler, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	cancel()
	scheduler.Wait()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	grpcDone := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(grpcDone)
	}()

	select {
	case <-grpcDone:
	case <-ctx.Done():
		grpcServer.Stop()
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
