package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/climateandtech/pdf/internal/config"
	"github.com/climateandtech/pdf/internal/engine"
	"github.com/climateandtech/pdf/internal/natsclient"
	"github.com/climateandtech/pdf/internal/objectstore"
	"github.com/climateandtech/pdf/internal/telemetry"
	"github.com/climateandtech/pdf/internal/worker"
)

func main() {
	// --- Structured Logger ---
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// --- Graceful Shutdown Context ---
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Configuration (env + optional Vault overlay) ---
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration invalid", zap.Error(err))
	}
	if err := config.ApplyVaultSecrets(cfg); err != nil {
		logger.Fatal("Vault secret loading failed", zap.Error(err))
	}

	// --- OpenTelemetry Tracer ---
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		tp, err := telemetry.InitTracer(ctx, "pdf-worker", endpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", endpoint))
		}
	}

	// --- NATS JetStream ---
	nc, err := natsclient.NewClient(cfg.NATS, logger)
	if err != nil {
		logger.Fatal("NATS connection failed", zap.Error(err))
	}
	defer nc.Close()

	// --- Object Store ---
	store, err := objectstore.New(ctx, cfg.S3, logger)
	if err != nil {
		logger.Fatal("object store initialization failed", zap.Error(err))
	}
	if err := store.EnsureBucket(ctx); err != nil {
		logger.Fatal("bucket provisioning failed", zap.Error(err))
	}

	// --- Dispatch Loop ---
	w := worker.New(nc, store, engine.Fallback{}, cfg, logger)
	if err := w.Start(ctx); err != nil {
		logger.Fatal("worker startup failed", zap.Error(err))
	}

	<-ctx.Done()
	logger.Info("worker shut down")
}
