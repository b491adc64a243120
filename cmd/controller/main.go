package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/helmsman-io/helmsman/internal/config"
	"github.com/helmsman-io/helmsman/internal/controller"
	"github.com/helmsman-io/helmsman/internal/monitor"
)

var (
	configPath = flag.String("config", "", "path to YAML config file")
	cluster    = flag.String("cluster", "", "cluster name (overrides config)")
	name       = flag.String("name", "", "controller instance name (overrides config)")
	metricsOff = flag.Bool("no-metrics", false, "disable the metrics endpoint")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadController(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *cluster != "" {
		cfg.Cluster = *cluster
	}
	if *name != "" {
		cfg.Name = *name
	}
	if cfg.Name == "" {
		host, _ := os.Hostname()
		cfg.Name = "controller-" + host
	}
	if cfg.Cluster == "" {
		log.Fatal("cluster name is required (-cluster or config file)")
	}

	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	st, err := config.OpenStore(cfg.Store)
	if err != nil {
		logger.Fatal("store connect failed", zap.Error(err))
	}

	mon := monitor.New()
	ctrl, err := controller.New(st, controller.Config{
		Cluster:             cfg.Cluster,
		Name:                cfg.Name,
		RefreshInterval:     cfg.RefreshInterval,
		LeaderRetryInterval: cfg.LeaderRetryInterval,
		Logger:              logger,
		Sink:                mon,
	})
	if err != nil {
		logger.Fatal("controller init failed", zap.Error(err))
	}

	var exporter *monitor.Exporter
	if !*metricsOff && cfg.MetricsAddr != "" {
		exporter = monitor.NewExporter(cfg.MetricsAddr)
		go func() {
			if err := exporter.Start(); err != nil {
				logger.Warn("metrics exporter stopped", zap.Error(err))
			}
		}()
	}

	ctrl.Start()
	logger.Info("controller running",
		zap.String("cluster", cfg.Cluster), zap.String("name", cfg.Name))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	ctrl.Stop()
	if exporter != nil {
		_ = exporter.Stop()
	}
	if err := st.Close(); err != nil {
		logger.Warn("store close failed", zap.Error(err))
	}
}
