package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/papertrade/engine/internal/audit"
	"github.com/papertrade/engine/internal/config"
	"github.com/papertrade/engine/pkg/bus"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger := logrus.WithField("component", "audit-sink-main")
	logger.Info("Starting audit sink...")

	if err := godotenv.Load(); err == nil {
		logger.Info("Loaded environment from .env")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Configuration error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Shutdown signal received")
		cancel()
	}()

	sink, err := audit.NewSink(cfg.AuditDir)
	if err != nil {
		logger.Fatalf("Failed to open audit sink: %v", err)
	}
	defer sink.Close()

	busClient, err := bus.NewClient(&bus.Config{
		URL:      cfg.NatsURL,
		ClientID: "audit-sink",
		Streams:  bus.DefaultStreams(),
	})
	if err != nil {
		logger.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer busClient.Close()

	sub, err := busClient.ConsumeAudit("audit-sink", sink.Persist)
	if err != nil {
		logger.Fatalf("Failed to consume audit stream: %v", err)
	}

	logger.Info("Audit sink started")
	<-ctx.Done()

	logger.Info("Shutting down...")
	if err := sub.Drain(); err != nil {
		logger.Errorf("Consumer drain failed: %v", err)
	}
	busClient.Drain()
	logger.Info("Audit sink stopped")
}
