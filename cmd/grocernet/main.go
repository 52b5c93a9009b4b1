// Command grocernet runs a full negotiation topology in one process:
// directory service, suppliers, brokers, and requesters as configured. The
// process exits once every requester's order reaches a terminal state, or on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/grocernet/grocernet/internal/agents"
	"github.com/grocernet/grocernet/internal/bus"
	"github.com/grocernet/grocernet/internal/config"
	"github.com/grocernet/grocernet/internal/directory"
	"github.com/grocernet/grocernet/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

type participant interface {
	Name() string
	Initialize(ctx context.Context) error
	Run(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

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
	log := config.NewLogger("main")
	log.Info().
		Str("environment", cfg.App.Environment).
		Int("suppliers", len(cfg.Suppliers)).
		Int("brokers", len(cfg.Brokers)).
		Int("requesters", len(cfg.Requesters)).
		Msg("Starting grocernet")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := bus.Connect(bus.Config{
		URL:         cfg.NATS.URL,
		Prefix:      cfg.NATS.SubjectPrefix,
		Name:        cfg.App.Name,
		PublishRate: cfg.NATS.PublishRate,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer b.Close()

	if cfg.Directory.Embedded {
		svc := directory.NewService(b, log)
		if err := svc.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start directory service")
		}
		defer svc.Stop()
	}
	dir := directory.NewClient(b, cfg.Directory.RequestTimeout, log)

	if cfg.Monitoring.EnableMetrics {
		metricsServer := metrics.NewServer(cfg.Monitoring.PrometheusPort, log)
		if err := metricsServer.Start(); err != nil {
			log.Error().Err(err).Msg("Failed to start metrics server")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := metricsServer.Shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("Metrics server shutdown failed")
				}
			}()
		}
	}

	inboxSize := cfg.Negotiation.InboxSize
	timeouts := agents.RequesterTimeouts{
		Settle:       cfg.Negotiation.StartupSettle,
		ProposalWait: cfg.Negotiation.ProposalWait,
		ConfirmWait:  cfg.Negotiation.ConfirmWait,
	}

	var participants []participant
	var requesters []*agents.Requester

	for _, sc := range cfg.Suppliers {
		s := agents.NewSupplier(sc.Name, sc.Inventory, b, dir, inboxSize,
			config.NewParticipantLogger(sc.Name, "supplier"))
		participants = append(participants, s)
	}
	for _, bc := range cfg.Brokers {
		br := agents.NewBroker(bc.Name, bc.ServiceFee, bc.Suppliers,
			cfg.Negotiation.QuoteWait, b, dir, inboxSize,
			config.NewParticipantLogger(bc.Name, "broker"))
		participants = append(participants, br)
	}
	for _, rc := range cfg.Requesters {
		r := agents.NewRequester(rc.Name, rc.ShoppingList, rc.Brokers,
			timeouts, b, dir, inboxSize,
			config.NewParticipantLogger(rc.Name, "requester"))
		participants = append(participants, r)
		requesters = append(requesters, r)
	}

	if len(participants) == 0 {
		log.Fatal().Msg("No participants configured")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range participants {
		if err := p.Initialize(gctx); err != nil {
			log.Fatal().Err(err).Str("participant", p.Name()).Msg("Failed to initialize participant")
		}
		g.Go(func() error { return p.Run(gctx) })
	}

	// In the all-in-one topology the process is done when every requester
	// finishes its order.
	if len(requesters) > 0 {
		go func() {
			for _, r := range requesters {
				select {
				case <-r.Done():
				case <-gctx.Done():
					return
				}
			}
			for _, r := range requesters {
				log.Info().
					Str("requester", r.Name()).
					Str("outcome", r.Outcome()).
					Msg("Order finished")
			}
			stop()
		}()
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("Participant loop failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, p := range participants {
		if err := p.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Str("participant", p.Name()).Msg("Participant shutdown failed")
		}
	}
	if err := b.Flush(); err != nil {
		log.Warn().Err(err).Msg("Bus flush failed")
	}

	log.Info().Msg("grocernet stopped")
}
