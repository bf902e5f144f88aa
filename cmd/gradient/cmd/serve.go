package cmd

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/gradient/internal/api"
	"github.com/hugo-lorenzo-mato/gradient/internal/config"
	"github.com/hugo-lorenzo-mato/gradient/internal/events"
	"github.com/hugo-lorenzo-mato/gradient/internal/logging"
	"github.com/hugo-lorenzo-mato/gradient/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the consensus engine's HTTP API.

The server exposes claim, vote and reputation endpoints under /api/v1,
a Server-Sent Events stream at /api/v1/events and Prometheus metrics at
/metrics. Changes to the log level in the config file apply without a
restart.

Examples:
  # Start with defaults (127.0.0.1:8080)
  gradient serve

  # Start on a custom host and port
  gradient serve --host 0.0.0.0 --port 3000`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "",
		"host address to bind to (default from server.host)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0,
		"port to listen on (default from server.port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, loader, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	eventBus := events.New(cfg.Engine.EventBuffer)
	defer eventBus.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := service.NewMetrics(registry)
	if err != nil {
		return err
	}

	rt, err := buildRuntime(ctx, cfg, loader, eventBus, metrics)
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.logger

	if rt.loader.Watch(func(next *config.Config) {
		logger.SetLevel(next.Log.Level)
		logger.Info("configuration reloaded", "log_level", next.Log.Level)
	}, func(err error) {
		logger.Warn("configuration reload rejected", "error", err)
	}) {
		logger.Info("watching config file", "path", rt.loader.ConfigFile())
	}

	host, port := rt.cfg.Server.Host, rt.cfg.Server.Port
	if serveHost != "" {
		host = serveHost
	}
	if servePort != 0 {
		port = servePort
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	server := api.NewServer(rt.engine, eventBus,
		api.WithLogger(logger),
		api.WithMetrics(registry),
		api.WithCORSOrigins(rt.cfg.Server.CORSOrigins),
		api.WithRequestTimeout(rt.cfg.Server.RequestTimeoutDuration()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx, addr)
	})
	g.Go(func() error {
		logAlerts(gctx, eventBus, logger)
		return nil
	})

	err = g.Wait()
	logger.Info("server stopped", "dropped_events", eventBus.DroppedCount())
	return err
}

// logAlerts records priority events in the log until ctx ends.
func logAlerts(ctx context.Context, bus *events.EventBus, logger *logging.Logger) {
	ch := bus.SubscribePriority(
		events.TypeConsensusReached,
		events.TypeTierChanged,
		events.TypeLedgerHalted,
	)
	defer func() {
		// Keep draining so a blocked priority publisher can release the bus lock.
		go func() {
			for range ch {
			}
		}()
		bus.Unsubscribe(ch)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case events.LedgerHaltedEvent:
				logger.Error("ledger halted",
					"agent_id", e.AgentID,
					"projected_score", e.Projected,
					"log_sum", e.LogSum)
			case events.ConsensusReachedEvent:
				logger.Info("consensus reached",
					"claim_id", e.ClaimID,
					"outcome", e.Outcome,
					"gradient", e.Gradient,
					"vote_count", e.VoteCount)
			case events.TierChangedEvent:
				logger.Info("tier changed",
					"agent_id", e.AgentID,
					"from", e.PreviousTier,
					"to", e.NewTier)
			}
		}
	}
}
