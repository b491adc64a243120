package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/helmsman-io/helmsman/internal/config"
	"github.com/helmsman-io/helmsman/internal/monitor"
	"github.com/helmsman-io/helmsman/internal/participant"
)

var (
	configPath = flag.String("config", "", "path to YAML config file")
	cluster    = flag.String("cluster", "", "cluster name (overrides config)")
	name       = flag.String("name", "", "participant instance name (overrides config)")
	metricsOff = flag.Bool("no-metrics", false, "disable the metrics endpoint")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadParticipant(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *cluster != "" {
		cfg.Cluster = *cluster
	}
	if *name != "" {
		cfg.Name = *name
	}
	if cfg.Cluster == "" || cfg.Name == "" {
		log.Fatal("cluster and instance name are required (-cluster/-name or config file)")
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
	part, err := participant.New(st, participant.Config{
		Cluster:      cfg.Cluster,
		Name:         cfg.Name,
		PoolSize:     cfg.PoolSize,
		GracePeriod:  cfg.GracePeriod,
		PollInterval: cfg.PollInterval,
		Logger:       logger,
		Sink:         mon,
	})
	if err != nil {
		logger.Fatal("participant init failed", zap.Error(err))
	}

	registerStateModels(part)

	var exporter *monitor.Exporter
	if !*metricsOff && cfg.MetricsAddr != "" {
		exporter = monitor.NewExporter(cfg.MetricsAddr)
		go func() {
			if err := exporter.Start(); err != nil {
				logger.Warn("metrics exporter stopped", zap.Error(err))
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = part.Start(ctx)
	cancel()
	if err != nil {
		logger.Fatal("participant start failed", zap.Error(err))
	}
	logger.Info("participant running",
		zap.String("cluster", cfg.Cluster), zap.String("name", cfg.Name))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("signal received, shutting down")
	case <-part.Done():
		logger.Info("participant requested shutdown")
	}

	part.Stop()
	if exporter != nil {
		_ = exporter.Stop()
	}
	if err := st.Close(); err != nil {
		logger.Warn("store close failed", zap.Error(err))
	}
}

// registerStateModels binds the handlers this process serves. The default
// binary ships a logging no-op handler per built-in model so the process is
// usable for smoke testing; real deployments replace this with their own
// factories.
func registerStateModels(p *participant.Participant) {
	for _, name := range []string{"MasterSlave", "OnlineOffline", "LeaderStandby"} {
		p.RegisterStateModel(name, participant.HandlerFactoryFunc(
			func(resource, partition string) participant.Handler {
				return noopHandler{}
			}))
	}
}

type noopHandler struct{}

func (noopHandler) OnTransition(ctx context.Context, t participant.Transition) (string, error) {
	return "", nil
}
