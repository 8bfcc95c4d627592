package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/pos-terminal/internal/api"
	"github.com/akylbek/payment-system/pos-terminal/internal/config"
	"github.com/akylbek/payment-system/pos-terminal/internal/events"
	"github.com/akylbek/payment-system/pos-terminal/internal/interfaces"
	"github.com/akylbek/payment-system/pos-terminal/internal/pos"
	"github.com/akylbek/payment-system/pos-terminal/internal/registry"
	"github.com/akylbek/payment-system/pos-terminal/internal/repository"
	"github.com/akylbek/payment-system/pos-terminal/internal/service"
	"github.com/akylbek/payment-system/pos-terminal/internal/telemetry"
	"github.com/akylbek/payment-system/pos-terminal/internal/terminal"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize telemetry
	if err := telemetry.InitTelemetry("pos-terminal", cfg.JaegerEndpoint); err != nil {
		panic(fmt.Sprintf("Failed to initialize telemetry: %v", err))
	}
	defer telemetry.Shutdown(context.Background())

	telemetry.Logger.Info("Starting POS terminal service")

	methods, err := config.LoadMethods(cfg.MethodsFile)
	if err != nil {
		telemetry.Logger.Fatal("Failed to load payment methods", zap.Error(err))
	}

	// Payment lines are persisted only when a database is configured
	var repo interfaces.PaymentLineRepository
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			telemetry.Logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		lineRepo := repository.NewPaymentLineRepository(db)
		if err := lineRepo.InitDB(); err != nil {
			telemetry.Logger.Fatal("Failed to initialize database", zap.Error(err))
		}
		repo = lineRepo
	}

	// Terminals shared between POS processes are locked in Redis
	var locker registry.Locker = registry.LocalLocker{}
	if cfg.RedisURL != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisURL,
		})
		defer redisClient.Close()
		locker = registry.NewRedisLocker(redisClient)
	}

	sinks := events.Multi{events.LogSink{}}

	if cfg.KafkaBrokers != "" {
		kafkaWriter := &kafka.Writer{
			Addr:     kafka.TCP(strings.Split(cfg.KafkaBrokers, ",")...),
			Balancer: &kafka.LeastBytes{},
			Async:    true,
		}
		defer kafkaWriter.Close()
		sinks = append(sinks, events.NewKafkaSink(kafkaWriter))
	}

	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			telemetry.Logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer nc.Close()
		sinks = append(sinks, events.NewNATSSink(nc))
	}

	notices := service.NewNoticeQueue(0)
	reg := registry.New(registry.Options{
		Locker:          locker,
		Sink:            sinks,
		Notifier:        notices,
		ResponseTimeout: cfg.ResponseTimeout,
	})

	opener := terminal.NewWSOpener()
	for _, m := range methods {
		if err := reg.Register(m, opener); err != nil {
			telemetry.Logger.Fatal("Failed to register payment method", zap.String("method_id", m.ID), zap.Error(err))
		}
		telemetry.Logger.Info("Payment method registered",
			zap.String("method_id", m.ID),
			zap.Bool("terminal", m.UsesTerminal()),
			zap.String("connection_mode", string(m.ConnectionMode)),
		)
	}

	orchestrator := service.NewOrchestrator(pos.NewBook(), reg, repo, sinks, notices)

	// Setup HTTP server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.NewRouter(orchestrator),
	}

	// Start server in goroutine
	go func() {
		telemetry.Logger.Info("POS terminal service starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			telemetry.Logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	telemetry.Logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := orchestrator.Shutdown(ctx); err != nil {
		telemetry.Logger.Error("Terminal sessions not released", zap.Error(err))
	}

	telemetry.Logger.Info("Server exited")
}
