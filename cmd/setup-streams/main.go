// Command setup-streams pre-provisions the request and result streams so
// that operators can create them ahead of the first client or worker. Both
// sides also ensure their streams at startup; running this tool is optional.
package main

import (
	"go.uber.org/zap"

	"github.com/climateandtech/pdf/internal/config"
	"github.com/climateandtech/pdf/internal/natsclient"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration invalid", zap.Error(err))
	}
	if err := config.ApplyVaultSecrets(cfg); err != nil {
		logger.Fatal("Vault secret loading failed", zap.Error(err))
	}

	nc, err := natsclient.NewClient(cfg.NATS, logger)
	if err != nil {
		logger.Fatal("NATS connection failed", zap.Error(err))
	}
	defer nc.Close()

	if err := nc.EnsureStream(natsclient.RequestStreamSpec(cfg.NATS)); err != nil {
		logger.Fatal("request stream provisioning failed", zap.Error(err))
	}
	if err := nc.EnsureStream(natsclient.ResultStreamSpec(cfg.NATS)); err != nil {
		logger.Fatal("result stream provisioning failed", zap.Error(err))
	}

	logger.Info("streams ready",
		zap.String("request_stream", cfg.NATS.RequestStream()),
		zap.String("result_stream", cfg.NATS.ResultStream()),
	)
}
