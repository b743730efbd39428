package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"sumo-gps-bridge/internal/config"
	"sumo-gps-bridge/internal/logging"
	"sumo-gps-bridge/internal/web"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./sumo-bridge.yaml", "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("config load failed: %v", err)
	}

	log, err := logging.Setup(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		logrus.Fatalf("logging setup failed: %v", err)
	}
	logs := web.NewLogBuffer(2000)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.WithField("config", configPath).Info("sumo-gps-bridge starting")
	if err := newBridge(cfg, log, logs).run(ctx); err != nil {
		cancel()
		log.WithError(err).Fatal("sumo-gps-bridge failed")
	}
	log.Info("sumo-gps-bridge stopped")
}
