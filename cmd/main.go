package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/0097eo/cafe-zuko/internal/handler"
	mid "github.com/0097eo/cafe-zuko/internal/middleware"
	"github.com/0097eo/cafe-zuko/internal/model"
	"github.com/0097eo/cafe-zuko/internal/seed"
	"github.com/0097eo/cafe-zuko/internal/service"
	"github.com/0097eo/cafe-zuko/pkg/cache"
	"github.com/0097eo/cafe-zuko/pkg/config"
	"github.com/0097eo/cafe-zuko/pkg/database"
	"github.com/0097eo/cafe-zuko/pkg/events"
	"github.com/0097eo/cafe-zuko/pkg/jwtutil"
	"github.com/0097eo/cafe-zuko/pkg/logger"
	"github.com/0097eo/cafe-zuko/pkg/mpesa"
	"github.com/0097eo/cafe-zuko/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

const serviceName = "cafe-zuko"

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		// Can't use structured logger yet since it's not initialized
		panic("Failed to load configuration: " + err.Error())
	}

	if err := logger.InitLogger(&logger.LogConfig{
		Level:       cfg.Log.Level,
		Environment: cfg.Server.Env,
		ServiceName: cfg.ServiceName,
	}); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	log := logger.GetLogger()
	defer log.Sync()
	log.Info("Starting service", cfg.LogConfig()...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.InitDB(&cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer database.Close(db)

	if err := database.MigrateModels(db, model.All()...); err != nil {
		log.Fatal("Failed to migrate database", zap.Error(err))
	}
	if err := seed.Run(ctx, db, cfg.Seed, log); err != nil {
		log.Fatal("Failed to seed database", zap.Error(err))
	}

	var store cache.Store = cache.Nop{}
	if cfg.Redis.Addr != "" {
		redisStore, err := cache.NewRedisStore(ctx, cfg.Redis)
		if err != nil {
			log.Warn("Product cache disabled", zap.Error(err))
		} else {
			defer redisStore.Close()
			store = redisStore
			log.Info("Product cache enabled", zap.String("addr", cfg.Redis.Addr))
		}
	}

	var publisher events.Publisher = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		kafka, err := events.NewKafkaPublisher(cfg.Kafka)
		if err != nil {
			log.Warn("Event publishing disabled", zap.Error(err))
		} else {
			defer kafka.Close()
			publisher = kafka
			log.Info("Event publishing enabled", zap.Strings("brokers", cfg.Kafka.Brokers))
		}
	}

	tokens := jwtutil.NewJWTUtil(&jwtutil.JWTConfig{
		SigningKey:      cfg.JWT.SigningKey,
		AccessTokenTTL:  cfg.JWT.AccessTokenTTL,
		RefreshTokenTTL: cfg.JWT.RefreshTokenTTL,
	})

	prometheus.InitMetrics()

	api := handler.New(handler.Services{
		Accounts: service.NewAccountService(db, tokens),
		Catalog:  service.NewCatalogService(db, store),
		Carts:    service.NewCartService(db),
		Orders:   service.NewOrderService(db, publisher),
		Payments: service.NewPaymentService(db, mpesa.NewClient(cfg.Mpesa), publisher),
	}, tokens)

	e := echo.New()
	e.HideBanner = true
	e.Validator = handler.NewValidator()

	// order matters: the request id must be bound before anything logs
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(mid.RequestIDMiddleware)
	e.Use(logger.Middleware())
	e.Use(prometheus.MetricsMiddleware())

	e.GET("/health", handler.HealthCheck(db, cfg.ServiceName))
	e.GET("/metrics", echo.WrapHandler(prometheus.GetPrometheusHandler()))
	api.Register(e)

	go func() {
		log.Info("Starting server", zap.String("port", cfg.Server.Port))
		if err := e.Start(":" + cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}
}
