package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/papertrade/engine/pkg/types"
)

// Client wraps the NATS connection with engine-specific publish and
// consume helpers. The TRADES stream is the durable trade queue, EVENTS
// carries business events, AUDIT carries the drained outbox.
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *logrus.Entry
	config *Config
}

// Config holds NATS configuration.
type Config struct {
	URL      string
	ClientID string
	Streams  []StreamConfig
}

// StreamConfig defines one JetStream stream.
type StreamConfig struct {
	Name       string
	Subjects   []string
	Retention  nats.RetentionPolicy
	MaxAge     time.Duration
	Duplicates time.Duration
}

// DefaultStreams returns the engine stream set. The trade queue uses
// work-queue retention with a 24h duplicate window for idempotency keys.
func DefaultStreams() []StreamConfig {
	return []StreamConfig{
		{
			Name:       StreamTrades,
			Subjects:   GetStreamSubjects(StreamTrades),
			Retention:  nats.WorkQueuePolicy,
			Duplicates: 24 * time.Hour,
		},
		{
			Name:      StreamEvents,
			Subjects:  GetStreamSubjects(StreamEvents),
			Retention: nats.LimitsPolicy,
			MaxAge:    7 * 24 * time.Hour,
		},
		{
			Name:      StreamAudit,
			Subjects:  GetStreamSubjects(StreamAudit),
			Retention: nats.LimitsPolicy,
			MaxAge:    30 * 24 * time.Hour,
		},
	}
}

// NewClient connects to NATS and ensures the engine streams exist.
func NewClient(config *Config) (*Client, error) {
	logger := logrus.WithField("component", "bus")

	opts := []nats.Option{
		nats.Name(config.ClientID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Errorf("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Errorf("NATS error: %v", err)
		}),
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	client := &Client{
		conn:   conn,
		js:     js,
		logger: logger,
		config: config,
	}

	if err := client.initializeStreams(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize streams: %w", err)
	}

	return client, nil
}

// initializeStreams creates or updates the JetStream streams.
func (c *Client) initializeStreams() error {
	for _, streamConfig := range c.config.Streams {
		config := &nats.StreamConfig{
			Name:       streamConfig.Name,
			Subjects:   streamConfig.Subjects,
			Retention:  streamConfig.Retention,
			MaxAge:     streamConfig.MaxAge,
			Duplicates: streamConfig.Duplicates,
			Storage:    nats.FileStorage,
			Replicas:   1,
		}

		_, err := c.js.StreamInfo(streamConfig.Name)
		if err == nil {
			if _, err = c.js.UpdateStream(config); err != nil {
				return fmt.Errorf("failed to update stream %s: %w", streamConfig.Name, err)
			}
			c.logger.Infof("Updated stream: %s", streamConfig.Name)
		} else {
			if _, err = c.js.AddStream(config); err != nil {
				return fmt.Errorf("failed to create stream %s: %w", streamConfig.Name, err)
			}
			c.logger.Infof("Created stream: %s", streamConfig.Name)
		}
	}

	return nil
}

// Drain flushes pending messages and closes the connection.
func (c *Client) Drain() {
	if c.conn != nil {
		if err := c.conn.Drain(); err != nil {
			c.logger.Errorf("NATS drain failed: %v", err)
			c.conn.Close()
		}
	}
}

// Close closes the NATS connection immediately.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// PublishTrade enqueues a market order for execution. A non-empty
// idempotency key dedupes repeated submissions within the stream's 24h
// duplicate window.
func (c *Client) PublishTrade(msg *types.TradeMessage, idempotencyKey string) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal trade message: %w", err)
	}

	var opts []nats.PubOpt
	if idempotencyKey != "" {
		opts = append(opts, nats.MsgId(idempotencyKey))
	}

	if _, err := c.js.Publish(TradeSubject(msg.TickerID), data, opts...); err != nil {
		return fmt.Errorf("failed to publish trade for order %s: %w", msg.OrderID, err)
	}

	c.logger.Debugf("Enqueued trade %s %s %s", msg.Side, msg.Quantity, msg.TickerID)
	return nil
}

// PublishTradeEvent publishes a trade lifecycle event.
func (c *Client) PublishTradeEvent(ev *types.TradeEvent) error {
	return c.publish(TradeEventSubject(ev.TickerID), ev)
}

// PublishLiquidation publishes a forced-liquidation notice.
func (c *Client) PublishLiquidation(ev *types.LiquidationEvent) error {
	return c.publish(LiquidationSubject(ev.UserID.String()), ev)
}

// PublishRaw publishes pre-marshalled bytes to a subject. The outbox
// drain uses this so payloads written in-transaction go out verbatim.
func (c *Client) PublishRaw(subject string, data []byte) error {
	if _, err := c.js.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// PublishPriceTick fans out a tick on core NATS. Ticks are ephemeral;
// late joiners hydrate from the price store instead of replay.
func (c *Client) PublishPriceTick(tick *types.PriceTick) error {
	data, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("failed to marshal price tick: %w", err)
	}
	if err := c.conn.Publish(PriceSubject(tick.TickerID), data); err != nil {
		return fmt.Errorf("failed to publish tick for %s: %w", tick.TickerID, err)
	}
	return nil
}

// TickHandler processes one decoded price tick.
type TickHandler func(tick *types.PriceTick)

// SubscribePrices subscribes to every ticker's ticks.
func (c *Client) SubscribePrices(handler TickHandler) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(PriceSubjectAll, func(msg *nats.Msg) {
		var tick types.PriceTick
		if err := json.Unmarshal(msg.Data, &tick); err != nil {
			c.logger.Errorf("Dropping malformed tick on %s: %v", msg.Subject, err)
			return
		}
		handler(&tick)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to prices: %w", err)
	}
	c.logger.Info("Subscribed to price ticks")
	return sub, nil
}

// RequestHandler serves one request-reply message; the returned bytes go
// back to the caller's inbox.
type RequestHandler func(data []byte) []byte

// ServeRequests answers request-reply traffic on a core NATS subject.
// Instances share a queue group so each request is served once.
func (c *Client) ServeRequests(subject string, handler RequestHandler) (*nats.Subscription, error) {
	sub, err := c.conn.QueueSubscribe(subject, "intake", func(msg *nats.Msg) {
		if err := msg.Respond(handler(msg.Data)); err != nil {
			c.logger.Errorf("Reply on %s failed: %v", subject, err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serve requests on %s: %w", subject, err)
	}
	c.logger.Infof("Serving requests on %s", subject)
	return sub, nil
}

// TradeHandler executes one dequeued trade message. A returned error
// leaves the message unacknowledged for redelivery.
type TradeHandler func(msg *types.TradeMessage) error

// ConsumeTrades attaches a durable work-queue consumer with prefetch 1 so
// graceful shutdown never strands in-flight executions.
func (c *Client) ConsumeTrades(durable string, handler TradeHandler) (*nats.Subscription, error) {
	sub, err := c.js.QueueSubscribe("trades.>", durable, func(msg *nats.Msg) {
		var trade types.TradeMessage
		if err := json.Unmarshal(msg.Data, &trade); err != nil {
			c.logger.Errorf("Discarding malformed trade message: %v", err)
			_ = msg.Term()
			return
		}
		if err := handler(&trade); err != nil {
			c.logger.Errorf("Trade %s redelivery scheduled: %v", trade.OrderID, err)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	},
		nats.Durable(durable),
		nats.ManualAck(),
		nats.MaxAckPending(1),
		nats.AckWait(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume trade queue: %w", err)
	}

	c.logger.Infof("Consuming trade queue as %s", durable)
	return sub, nil
}

// AuditHandler persists one audit event; ack happens only after it
// returns nil.
type AuditHandler func(subject string, data []byte) error

// ConsumeAudit attaches a durable consumer to the audit stream.
func (c *Client) ConsumeAudit(durable string, handler AuditHandler) (*nats.Subscription, error) {
	sub, err := c.js.Subscribe("audit.>", func(msg *nats.Msg) {
		if err := handler(msg.Subject, msg.Data); err != nil {
			c.logger.Errorf("Audit event on %s not persisted, redelivering: %v", msg.Subject, err)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	},
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckWait(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume audit stream: %w", err)
	}

	c.logger.Infof("Consuming audit stream as %s", durable)
	return sub, nil
}

// publish marshals and publishes through JetStream.
func (c *Client) publish(subject string, data interface{}) error {
	msg, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err = c.js.Publish(subject, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	c.logger.Debugf("Published to %s", subject)
	return nil
}
