package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/amqpkit/config"
	"github.com/glimte/amqpkit/contracts"
	"github.com/glimte/amqpkit/internal/reliability"
	"github.com/glimte/amqpkit/messaging"
)

type tailOptions struct {
	url        string
	queue      string
	exchange   string
	routingKey string
	prefetch   int
	count      int
	retries    int
	retryDelay time.Duration
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &tailOptions{}

	cmd := &cobra.Command{
		Use:   "amqp-tail",
		Short: "Print the messages arriving on a queue",
		Long: `amqp-tail consumes a queue and prints every delivery until interrupted.
With --exchange the queue is declared and bound first; without --queue a
server-named exclusive queue is used.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.url == "" {
				cfg, err := config.Load("")
				if err != nil {
					return err
				}
				opts.url = cfg.Broker.URL
			}
			if opts.queue == "" && opts.exchange == "" {
				return fmt.Errorf("one of --queue or --exchange is required")
			}

			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return tail(ctx, opts, cmd.OutOrStdout(), logger)
		},
	}

	cmd.Flags().StringVarP(&opts.url, "url", "u", "", "broker URL (default from AMQPKIT_BROKER__URL)")
	cmd.Flags().StringVarP(&opts.queue, "queue", "q", "", "queue to consume")
	cmd.Flags().StringVarP(&opts.exchange, "exchange", "e", "", "bind the queue to this exchange first")
	cmd.Flags().StringVarP(&opts.routingKey, "routing-key", "k", "#", "binding key used with --exchange")
	cmd.Flags().IntVar(&opts.prefetch, "prefetch", 0, "basic.qos prefetch count")
	cmd.Flags().IntVarP(&opts.count, "count", "n", 0, "exit after this many messages (0 means no limit)")
	cmd.Flags().IntVar(&opts.retries, "retries", 5, "connect attempts before giving up")
	cmd.Flags().DurationVar(&opts.retryDelay, "retry-delay", 2*time.Second, "delay between connect attempts")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log connection activity")
	return cmd
}

func tail(ctx context.Context, opts *tailOptions, out io.Writer, logger *slog.Logger, connOptions ...messaging.ConnectionOption) error {
	policy := reliability.NewFixedDelay(opts.retryDelay, opts.retries)
	policy.Retryable = messaging.IsRetryable

	options := append([]messaging.ConnectionOption{messaging.WithLogger(logger)}, connOptions...)

	var consumer *messaging.Consumer
	err := reliability.Retry(ctx, policy, func() error {
		c, err := messaging.NewConsumer(ctx, opts.url, options...)
		if err != nil {
			logger.Warn("connect failed", "error", err)
			return err
		}
		consumer = c
		return nil
	})
	if err != nil {
		return err
	}
	defer consumer.Close()

	queue := opts.queue
	if opts.exchange != "" {
		if queue, err = bindQueue(consumer, opts); err != nil {
			return err
		}
	}

	received := 0
	handler := func(ctx context.Context, env *contracts.Envelope) bool {
		printEnvelope(out, env)
		received++
		if opts.count > 0 && received >= opts.count {
			consumer.Stop()
		}
		return true
	}

	subscribeOptions := []messaging.SubscribeOption{messaging.WithPrefetchCount(opts.prefetch)}
	tag, err := consumer.Subscribe(queue, handler, subscribeOptions...)
	if err != nil {
		return err
	}
	logger.Info("tailing queue", "queue", queue, "consumerTag", tag)

	return consumer.Run(ctx)
}

// bindQueue declares the queue on a short-lived channel and binds it to
// the exchange. It returns the queue name, which the broker picks when
// none was given.
func bindQueue(consumer *messaging.Consumer, opts *tailOptions) (string, error) {
	ch, err := consumer.CreateChannel()
	if err != nil {
		return "", err
	}
	defer ch.Close()

	exclusive := opts.queue == ""
	q, err := ch.DeclareQueue(opts.queue, false, exclusive, exclusive)
	if err != nil {
		return "", err
	}
	if err := q.Bind(opts.exchange, opts.routingKey); err != nil {
		return "", err
	}
	return q.Name(), nil
}

func printEnvelope(out io.Writer, env *contracts.Envelope) {
	redelivered := ""
	if env.Redelivered {
		redelivered = " (redelivered)"
	}
	fmt.Fprintf(out, "[%s %s #%d]%s %s\n", env.Exchange, env.RoutingKey, env.DeliveryTag, redelivered, env.Body())
}
