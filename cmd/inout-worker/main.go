package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/amqpkit/config"
	"github.com/glimte/amqpkit/contracts"
	"github.com/glimte/amqpkit/health"
	"github.com/glimte/amqpkit/messaging"
	"github.com/glimte/amqpkit/metrics"
	"github.com/glimte/amqpkit/worker"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath  string
		envFiles    []string
		url         string
		exchange    string
		routingKey  string
		queue       string
		replySuffix string
	)

	cmd := &cobra.Command{
		Use:   "inout-worker",
		Short: "Consume a queue and echo every message back through its exchange",
		Long: `inout-worker binds a queue to an exchange, consumes it and publishes a copy of
each message back to the exchange, to the message's reply-to or to the incoming
routing key plus a suffix. It reconnects on its own when the broker goes away.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, envFiles...)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("url") {
				cfg.Broker.URL = url
			}
			if flags.Changed("exchange") {
				cfg.Worker.Exchange = exchange
			}
			if flags.Changed("routing-key") {
				cfg.Worker.RoutingKey = routingKey
			}
			if flags.Changed("queue") {
				cfg.Worker.Queue = queue
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.RequireWorker(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, replySuffix)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	cmd.Flags().StringSliceVar(&envFiles, "env-file", nil, "env files to load (default .env if present)")
	cmd.Flags().StringVarP(&url, "url", "u", "", "broker URL (overrides broker.url)")
	cmd.Flags().StringVarP(&exchange, "exchange", "e", "", "exchange to consume from and publish to")
	cmd.Flags().StringVarP(&routingKey, "routing-key", "k", "", "binding key for the queue")
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "queue name (empty lets the broker name it)")
	cmd.Flags().StringVar(&replySuffix, "reply-suffix", ".reply", "suffix appended to the routing key of responses without reply-to")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, replySuffix string) error {
	logger := cfg.Log.NewLogger(os.Stderr)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(cfg.Metrics.Namespace, reg)

	responder := &echoResponder{replySuffix: replySuffix, logger: logger}
	w, err := worker.NewInOutExchange(
		cfg.Broker.URL,
		cfg.Worker.Exchange,
		cfg.Worker.RoutingKey,
		cfg.Worker.Queue,
		cfg.Worker.ConsumerTag,
		responder.Handle,
		worker.WithLogger(logger),
		worker.WithWaitTimeout(cfg.Broker.WaitTimeout),
		worker.WithRetryInterval(cfg.Worker.RetryInterval),
		worker.WithExchangeKind(contracts.ExchangeKind(cfg.Worker.ExchangeKind)),
		worker.WithDurable(cfg.Worker.Durable),
		worker.WithPrefetch(cfg.Worker.Prefetch),
		worker.WithOutboundCapacity(cfg.Worker.OutboundCapacity),
		worker.WithMetrics(collector),
		worker.WithConnectionOptions(
			messaging.WithHeartbeat(cfg.Broker.Heartbeat),
			messaging.WithConnectTimeout(cfg.Broker.ConnectTimeout),
			messaging.WithConnectionName(cfg.Broker.ConnectionName),
		),
	)
	if err != nil {
		return err
	}
	responder.push = w.PushResponse

	g, ctx := errgroup.WithContext(ctx)

	if err := w.Start(ctx); err != nil {
		return err
	}
	g.Go(w.Wait)

	if cfg.Metrics.Enabled {
		registry := health.NewRegistry()
		registry.Register(health.NewWorkerChecker("worker", w, cfg.Worker.OutboundCapacity/2))
		registry.Register(health.NewBrokerChecker(cfg.Broker.URL, logger))
		registry.SetMetadata("version", version)
		registry.SetMetadata("queue", cfg.Worker.Queue)

		srv := metrics.NewServer(cfg.Metrics.Addr, reg, map[string]http.Handler{
			"/health": health.NewHandler(registry, 5*time.Second),
			"/ready":  health.ReadinessHandler(registry, 5*time.Second),
			"/live":   health.LivenessHandler(),
		})
		g.Go(func() error {
			logger.Info("metrics server listening", "addr", srv.Addr())
			return srv.Start()
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Stop(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		w.Stop()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("worker exited", "pending", w.Pending())
	return nil
}
