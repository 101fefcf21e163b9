// Command submit sends one document through the processing pipeline and
// prints the reply as JSON.
//
//	submit -file report.pdf -options '{"do_ocr": true}' -timeout 120
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/climateandtech/pdf/internal/client"
	"github.com/climateandtech/pdf/internal/config"
	"github.com/climateandtech/pdf/internal/envelope"
	"github.com/climateandtech/pdf/internal/natsclient"
	"github.com/climateandtech/pdf/internal/objectstore"
)

func main() {
	var (
		file       = flag.String("file", "", "path of the document to submit")
		optionsStr = flag.String("options", "", "options descriptor as JSON (simple or rich form)")
		timeoutSec = flag.Int("timeout", 0, "reply wait budget in seconds (0 = configured default)")
	)
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: submit -file <path> [-options <json>] [-timeout <seconds>]")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration invalid", zap.Error(err))
	}
	if err := config.ApplyVaultSecrets(cfg); err != nil {
		logger.Fatal("Vault secret loading failed", zap.Error(err))
	}

	var opts json.RawMessage
	if *optionsStr != "" {
		if !json.Valid([]byte(*optionsStr)) {
			logger.Fatal("options descriptor is not valid JSON")
		}
		opts = json.RawMessage(*optionsStr)
	}

	nc, err := natsclient.NewClient(cfg.NATS, logger)
	if err != nil {
		logger.Fatal("NATS connection failed", zap.Error(err))
	}
	defer nc.Close()

	store, err := objectstore.New(ctx, cfg.S3, logger)
	if err != nil {
		logger.Fatal("object store initialization failed", zap.Error(err))
	}
	if err := store.EnsureBucket(ctx); err != nil {
		logger.Fatal("bucket provisioning failed", zap.Error(err))
	}

	c := client.New(nc, store, cfg, logger)
	result, err := c.Submit(ctx, objectstore.FromFile(*file), opts, time.Duration(*timeoutSec)*time.Second)
	if err != nil {
		logger.Error("submit failed",
			zap.String("kind", string(envelope.KindOf(err))),
			zap.Error(err),
		)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
}
