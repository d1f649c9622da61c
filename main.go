package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"forum-service/internal/config"
	"forum-service/internal/db"
	grpcserver "forum-service/internal/grpc"
	"forum-service/internal/handlers"
	"forum-service/internal/middleware"
	"forum-service/internal/observability"
	"forum-service/internal/rabbitmq"
	"forum-service/internal/repositories"
	"forum-service/internal/telemetry"
	"forum-service/internal/ws"
)

const serviceName = "forum-service"

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, serviceName, cfg.Environment, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal("failed to set up tracing", zap.Error(err))
	}

	database, err := db.Connect(cfg.DatabaseDSN, logger)
	if err != nil {
		logger.Fatal("failed to connect to db", zap.Error(err))
	}
	defer database.Close()

	publisher := rabbitmq.NewPublisher(rabbitmq.Config{URL: cfg.AMQPURL, Exchange: cfg.AMQPExchange, AppID: serviceName}, logger)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	logger.Info("amqp_publisher", zap.String("mode", publisher.Mode()), zap.String("noop_reason", publisher.Reason()))

	audit := telemetry.NewAuditEmitter(publisher, "audit.forum", serviceName, cfg.Environment, logger)

	forumRepo := repositories.NewForumRepo(database)
	messageRepo := repositories.NewForumMessageRepo(database)

	hub := ws.NewHub(logger)
	gateway := ws.NewGateway(hub, forumRepo, ws.GatewayConfig{SendRate: cfg.SendRate, SendBurst: cfg.SendBurst}, logger)
	socketHandler := ws.NewSocketHandler(gateway, logger)
	pollHandler := ws.NewPollHandler(gateway, cfg.PollSessionTTL, logger)
	go pollHandler.Run(ctx)

	messageHandler := handlers.NewForumMessageHandler(forumRepo, messageRepo, audit, logger)

	router := gin.New()

	// middlewares
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(middleware.SenderIdentity(false))

	messageHandler.Register(router)
	router.GET("/ws", socketHandler.Handle)
	pollHandler.Register(router)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	handlers.RegisterDebugRoutes(router, audit, hub, cfg.DebugRoutes)

	health := grpcserver.NewHealthServer(logger)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal("failed to listen for grpc", zap.Error(err))
	}
	go func() {
		if err := health.Serve(lis); err != nil {
			logger.Error("grpc server stopped", zap.Error(err))
		}
	}()

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("http_listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()
	health.SetServing(true)

	<-ctx.Done()
	logger.Info("shutting_down")
	health.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
