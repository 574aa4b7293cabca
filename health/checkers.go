package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/amqpkit/messaging"
	"github.com/glimte/amqpkit/worker"
)

// DefaultProbeExchange exists on every RabbitMQ vhost.
const DefaultProbeExchange = "amq.direct"

// BrokerChecker dials the broker, opens a channel and passively declares
// a well known exchange. Each check uses its own short-lived connection so
// it never shares frames with a running worker.
type BrokerChecker struct {
	url           string
	probeExchange string
	options       []messaging.ConnectionOption
	logger        *slog.Logger
}

// BrokerCheckerOption configures a BrokerChecker
type BrokerCheckerOption func(*BrokerChecker)

// WithProbeExchange changes the exchange looked up by the check.
func WithProbeExchange(name string) BrokerCheckerOption {
	return func(c *BrokerChecker) {
		c.probeExchange = name
	}
}

// WithConnectionOptions passes options to the probe connection.
func WithConnectionOptions(options ...messaging.ConnectionOption) BrokerCheckerOption {
	return func(c *BrokerChecker) {
		c.options = append(c.options, options...)
	}
}

// NewBrokerChecker creates a new broker health checker
func NewBrokerChecker(url string, logger *slog.Logger, options ...BrokerCheckerOption) *BrokerChecker {
	if logger == nil {
		logger = slog.Default()
	}
	c := &BrokerChecker{
		url:           url,
		probeExchange: DefaultProbeExchange,
		logger:        logger,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	options := append([]messaging.ConnectionOption{messaging.WithLogger(c.logger)}, c.options...)
	conn, err := messaging.Dial(ctx, c.url, options...)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to connect"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer conn.Close()

	ch, err := conn.CreateChannel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to create channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	exists, err := ch.ExchangeExists(c.probeExchange)
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Message = "Exchange check failed"
		result.Error = err.Error()
	case !exists:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Exchange %s not found", c.probeExchange)
	default:
		result.Status = StatusHealthy
		result.Message = "Broker is reachable"
	}

	result.Duration = time.Since(start)
	result.Details["url"] = conn.URL()
	result.Details["channel_max"] = conn.ChannelMax()
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// WorkerStatus is the view of a worker a WorkerChecker needs.
type WorkerStatus interface {
	State() worker.State
	Pending() int
}

// WorkerChecker reports a worker unhealthy while it is not connected and
// degraded while its outbound backlog is above a threshold.
type WorkerChecker struct {
	name             string
	worker           WorkerStatus
	backlogThreshold int
}

// NewWorkerChecker creates a checker for w. backlogThreshold <= 0 disables
// the backlog check.
func NewWorkerChecker(name string, w WorkerStatus, backlogThreshold int) *WorkerChecker {
	return &WorkerChecker{
		name:             name,
		worker:           w,
		backlogThreshold: backlogThreshold,
	}
}

func (c *WorkerChecker) Name() string {
	return c.name
}

func (c *WorkerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.worker.State()
	pending := c.worker.Pending()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"state":   state.String(),
			"pending": pending,
		},
	}

	switch {
	case state != worker.StateConnected:
		result.Status = StatusUnhealthy
		result.Message = "Worker is not connected"
	case c.backlogThreshold > 0 && pending > c.backlogThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Outbound backlog of %d responses", pending)
	default:
		result.Status = StatusHealthy
		result.Message = "Worker is connected"
	}

	result.Duration = time.Since(start)
	return result
}
