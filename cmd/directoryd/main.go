// Command directoryd runs the participant directory as a standalone service,
// for topologies where suppliers, brokers, and requesters run as separate
// processes against a shared NATS server.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/grocernet/grocernet/internal/bus"
	"github.com/grocernet/grocernet/internal/config"
	"github.com/grocernet/grocernet/internal/directory"
	"github.com/grocernet/grocernet/internal/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		config.InitLogger("info", "console")
		fallback := config.NewLogger("main")
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log := config.NewLogger("directoryd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := bus.Connect(bus.Config{
		URL:    cfg.NATS.URL,
		Prefix: cfg.NATS.SubjectPrefix,
		Name:   "directoryd",
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer b.Close()

	svc := directory.NewService(b, log)
	if err := svc.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start directory service")
	}
	defer svc.Stop()

	if cfg.Monitoring.EnableMetrics {
		metricsServer := metrics.NewServer(cfg.Monitoring.PrometheusPort, log)
		if err := metricsServer.Start(); err != nil {
			log.Error().Err(err).Msg("Failed to start metrics server")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := metricsServer.Shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("Metrics server shutdown failed")
				}
			}()
		}
	}

	log.Info().Msg("Directory service running")
	<-ctx.Done()
	log.Info().Msg("directoryd stopped")
}
