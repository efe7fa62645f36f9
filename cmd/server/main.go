package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"purchase-service/config"
	"purchase-service/internal/api"
	"purchase-service/internal/broker"
	"purchase-service/internal/port"
	"purchase-service/internal/redisclient"
	"purchase-service/internal/service"
	"purchase-service/internal/store"
	"purchase-service/internal/store/memory"
	"purchase-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// backend is what the server needs from a storage driver
type backend interface {
	port.Transactor
	Stores() port.Stores
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting purchase service", zap.String("store_driver", cfg.Database.Driver))

	tp, err := util.InitTracer("purchase-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	var (
		db    backend
		ready []func(ctx context.Context) error
	)
	switch cfg.Database.Driver {
	case "memory":
		mem := memory.NewStore()
		user, products := mem.SeedDemo(cfg.Business.DefaultBalance)
		db = mem
		logger.Warn("Using in-memory store, data is lost on restart",
			zap.Int64("demo_user_id", user.ID),
			zap.Int("demo_products", len(products)))
	default:
		isolation, err := store.ParseIsolation(cfg.Database.Isolation)
		if err != nil {
			log.Fatalf("Invalid isolation level: %v", err)
		}
		pg, err := store.NewStore(cfg.Database.URL, isolation)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pg.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = pg.EnsureSchema(ctx)
		cancel()
		if err != nil {
			log.Fatalf("Failed to apply schema: %v", err)
		}
		db = pg
		ready = append(ready, pg.Ping)
		logger.Info("Database connected", zap.String("isolation", isolation.String()))
	}

	handlerCfg := api.HandlerConfig{
		CurrencyScale:  cfg.Business.CurrencyScale,
		IdempotencyTTL: cfg.Business.IdempotencyTTL,
	}

	if cfg.Redis.Enabled {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		handlerCfg.Idempotency = redisClient
		ready = append(ready, redisClient.Ping)
		logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	var publisher service.EventPublisher
	if cfg.Kafka.Enabled {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
		defer producer.Close()
		publisher = broker.NewEventPublisher(producer)
		logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	handlerCfg.Ready = func(ctx context.Context) error {
		for _, check := range ready {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}

	pipeline := service.NewOrderPipeline(db, publisher)
	reader := service.NewOrderReader(db.Stores().Orders)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(pipeline, reader, handlerCfg)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
