package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned when the client has no usable channel
var ErrNotConnected = errors.New("not connected to RabbitMQ")

// Config holds RabbitMQ connection configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string

	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool

	QueueName          string
	QueueDurable       bool
	QueueAutoDelete    bool
	QueueExclusive     bool
	DeadLetterExchange string
	RoutingKey         string

	RetryAttempts     int
	RetryInterval     time.Duration
	Heartbeat         time.Duration
	ConnectionTimeout time.Duration

	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// URL builds the AMQP connection URI
func (c *Config) URL() string {
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
		Password: c.Password,
		Vhost:    vhost,
	}.String()
}

// queueArgs are the arguments the work queue is declared with
func (c *Config) queueArgs() amqp.Table {
	if c.DeadLetterExchange == "" {
		return nil
	}
	// Messages nacked without requeue go to the dead-letter exchange
	return amqp.Table{"x-dead-letter-exchange": c.DeadLetterExchange}
}

// Client owns one connection and one channel to the work queue. A channel
// closed by the broker is reopened on the next Get or Publish.
type Client struct {
	mu      sync.Mutex
	config  *Config
	logger  *slog.Logger
	conn    *amqp.Connection
	channel *amqp.Channel
	healthy bool
	closed  bool
}

// NewClient dials RabbitMQ and declares the exchange and queue
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	c := &Client{
		config: config,
		logger: logger,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.dial(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("queue", c.config.QueueName),
		slog.String("dead_letter_exchange", c.config.DeadLetterExchange),
	)
	return c, nil
}

// dial opens the connection with retries, then the channel. Callers hold mu.
func (c *Client) dial() error {
	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		var conn *amqp.Connection
		conn, err = amqp.DialConfig(c.config.URL(), amqpConfig)
		if err == nil {
			c.conn = conn
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	if err := c.openChannel(); err != nil {
		c.conn.Close()
		return err
	}
	return nil
}

// openChannel opens a channel on the current connection and declares the
// topology. Callers hold mu.
func (c *Client) openChannel() error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := declare(ch, c.config); err != nil {
		ch.Close()
		return fmt.Errorf("failed to setup exchange and queue: %w", err)
	}

	closeChan := make(chan *amqp.Error, 1)
	ch.NotifyClose(closeChan)
	go c.watchClose(ch, closeChan)

	c.channel = ch
	c.healthy = true
	return nil
}

// declare creates the exchange, the queue and their binding
func declare(ch *amqp.Channel, cfg *Config) error {
	if err := ch.ExchangeDeclare(
		cfg.ExchangeName,
		cfg.ExchangeType,
		cfg.ExchangeDurable,
		cfg.ExchangeAutoDelete,
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(
		cfg.QueueName,
		cfg.QueueDurable,
		cfg.QueueAutoDelete,
		cfg.QueueExclusive,
		false, // no-wait
		cfg.queueArgs(),
	); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(cfg.QueueName, cfg.RoutingKey, cfg.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

// watchClose marks the client unhealthy when the broker closes ch
func (c *Client) watchClose(ch *amqp.Channel, closeChan chan *amqp.Error) {
	amqpErr, ok := <-closeChan
	if !ok {
		return
	}

	c.mu.Lock()
	if c.channel == ch {
		c.healthy = false
	}
	c.mu.Unlock()

	c.logger.Error("RabbitMQ channel closed by broker",
		slog.Any("error", amqpErr),
	)
}

// ensureChannel returns a usable channel, reopening it (and the connection
// if needed) after a broker-side close. Callers hold mu.
func (c *Client) ensureChannel() (*amqp.Channel, error) {
	if c.healthy {
		return c.channel, nil
	}
	if c.closed || c.conn == nil {
		return nil, ErrNotConnected
	}

	c.logger.Warn("Reopening RabbitMQ channel")
	var err error
	if c.conn.IsClosed() {
		err = c.dial()
	} else {
		err = c.openChannel()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return c.channel, nil
}

// Get fetches one message without auto-ack. ok is false when the queue is empty.
func (c *Client) Get(ctx context.Context) (amqp.Delivery, bool, error) {
	if err := ctx.Err(); err != nil {
		return amqp.Delivery{}, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.ensureChannel()
	if err != nil {
		return amqp.Delivery{}, false, err
	}

	delivery, ok, err := ch.Get(c.config.QueueName, false)
	if err != nil {
		return amqp.Delivery{}, false, fmt.Errorf("failed to get message: %w", err)
	}
	return delivery, ok, nil
}

// Publish sends msg to the configured exchange, retrying with exponential
// backoff. The channel is reopened between attempts when the broker closed it.
func (c *Client) Publish(ctx context.Context, msg amqp.Publishing) error {
	retries := c.config.PublishRetries
	if retries <= 0 {
		retries = 3
	}
	delay := c.config.PublishRetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	mult := c.config.PublishBackoffMult
	if mult <= 0 {
		mult = 2.0
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
				slog.Int("attempt", attempt),
				slog.Int("max_retries", retries),
				slog.Duration("retry_after", delay),
				slog.Any("error", lastErr),
			)
			select {
			case <-ctx.Done():
				return fmt.Errorf("publish canceled: %w", ctx.Err())
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * mult)
		}

		lastErr = c.publishOnce(ctx, msg)
		if lastErr == nil {
			c.logger.Debug("Message published to RabbitMQ",
				slog.String("message_id", msg.MessageId),
				slog.Int("attempt", attempt+1),
			)
			return nil
		}
	}

	c.logger.Error("Failed to publish message to RabbitMQ after all retries",
		slog.Int("attempts", retries+1),
		slog.Any("error", lastErr),
	)
	return fmt.Errorf("failed to publish message after %d attempts: %w", retries+1, lastErr)
}

func (c *Client) publishOnce(ctx context.Context, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.ensureChannel()
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, c.config.ExchangeName, c.config.RoutingKey, false, false, msg)
}

// IsConnected reports whether the client holds an open channel
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy && c.conn != nil && !c.conn.IsClosed()
}

// Close closes the channel and the connection. The client cannot be reused.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.healthy = false

	c.logger.Info("Closing RabbitMQ connection")

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Warn("Failed to close RabbitMQ channel", slog.Any("error", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			return fmt.Errorf("failed to close RabbitMQ connection: %w", err)
		}
	}
	return nil
}
