package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool
	QueuePrefix        string
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
}

// Client represents a RabbitMQ client
type Client struct {
	config      *Config
	conn        *amqp.Connection
	channel     *amqp.Channel
	logger      *slog.Logger
	closeChan   chan *amqp.Error
	isConnected bool
}

// NewClient creates a new RabbitMQ client
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config:      config,
		logger:      logger,
		closeChan:   make(chan *amqp.Error),
		isConnected: false,
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect() error {
	var err error

	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}

	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(dsn, amqpConfig)
		if err == nil {
			c.logger.Info("Successfully connected to RabbitMQ")
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	// Create channel
	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	// Declare the job exchange and the shared dead-letter queue for
	// terminally failed jobs
	if err := c.setup(); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to setup exchange: %w", err)
	}

	// Monitor connection
	c.closeChan = make(chan *amqp.Error)
	c.channel.NotifyClose(c.closeChan)
	c.isConnected = true

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("queue_prefix", c.config.QueuePrefix),
	)

	return nil
}

// setup declares the exchange and the failed-jobs dead-letter queue
func (c *Client) setup() error {
	err := c.channel.ExchangeDeclare(
		c.config.ExchangeName,       // name
		c.config.ExchangeType,       // type
		c.config.ExchangeDurable,    // durable
		c.config.ExchangeAutoDelete, // auto-deleted
		false,                       // internal
		false,                       // no-wait
		nil,                         // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	failedQueue := c.FailedQueueName()
	if _, err := c.channel.QueueDeclare(failedQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare failed-jobs queue: %w", err)
	}
	if err := c.channel.QueueBind(failedQueue, failedQueue, c.config.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind failed-jobs queue: %w", err)
	}

	resultQueue := c.ResultQueueName()
	if _, err := c.channel.QueueDeclare(resultQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare results queue: %w", err)
	}
	if err := c.channel.QueueBind(resultQueue, resultQueue, c.config.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind results queue: %w", err)
	}

	return nil
}

// JobQueueName returns the queue name for a job type
func (c *Client) JobQueueName(jobType string) string {
	return fmt.Sprintf("%s.jobs.%s", c.config.QueuePrefix, jobType)
}

// FailedQueueName returns the dead-letter queue for terminally failed jobs
func (c *Client) FailedQueueName() string {
	return fmt.Sprintf("%s.jobs.failed", c.config.QueuePrefix)
}

// ResultQueueName returns the queue carrying completion events
func (c *Client) ResultQueueName() string {
	return fmt.Sprintf("%s.jobs.results", c.config.QueuePrefix)
}

// WorkerQueueName returns the presence queue for a worker registration
func (c *Client) WorkerQueueName(workerID string) string {
	return fmt.Sprintf("%s.workers.%s", c.config.QueuePrefix, workerID)
}

// DeclareJobQueue declares and binds the durable queue for a job type.
// Terminal rejections are dead-lettered to the shared failed-jobs queue.
func (c *Client) DeclareJobQueue(jobType string) error {
	if !c.isConnected {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	name := c.JobQueueName(jobType)
	args := amqp.Table{
		"x-dead-letter-exchange":    c.config.ExchangeName,
		"x-dead-letter-routing-key": c.FailedQueueName(),
	}

	if _, err := c.channel.QueueDeclare(name, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}

	if err := c.channel.QueueBind(name, name, c.config.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", name, err)
	}

	return nil
}

// DeclareWorkerQueue declares an auto-delete presence queue for a worker.
// The queue disappears with the connection, which is what makes a dead
// worker visible to the broker.
func (c *Client) DeclareWorkerQueue(workerID string) error {
	if !c.isConnected {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	name := c.WorkerQueueName(workerID)
	if _, err := c.channel.QueueDeclare(name, false, true, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare worker queue %s: %w", name, err)
	}

	return nil
}

// DeleteQueue removes a queue
func (c *Client) DeleteQueue(name string) error {
	if !c.isConnected {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	if _, err := c.channel.QueueDelete(name, false, false, false); err != nil {
		return fmt.Errorf("failed to delete queue %s: %w", name, err)
	}

	return nil
}

// Publish publishes a message to the exchange with the given routing key
func (c *Client) Publish(ctx context.Context, routingKey string, body []byte, headers amqp.Table) error {
	if !c.isConnected {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	err := c.channel.PublishWithContext(
		ctx,
		c.config.ExchangeName, // exchange
		routingKey,            // routing key
		false,                 // mandatory
		false,                 // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			Headers:      headers,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)

	if err != nil {
		c.logger.Error("Failed to publish message to RabbitMQ",
			slog.String("routing_key", routingKey),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.String("routing_key", routingKey),
		slog.Int("body_size", len(body)),
	)

	return nil
}

// Get fetches a single message from the queue without waiting.
// Acknowledgment is manual; ok is false when the queue is empty.
func (c *Client) Get(queue string) (amqp.Delivery, bool, error) {
	if !c.isConnected {
		return amqp.Delivery{}, false, fmt.Errorf("not connected to RabbitMQ")
	}

	delivery, ok, err := c.channel.Get(queue, false)
	if err != nil {
		return amqp.Delivery{}, false, fmt.Errorf("failed to get message from %s: %w", queue, err)
	}

	return delivery, ok, nil
}

// Ack acknowledges a delivery
func (c *Client) Ack(deliveryTag uint64) error {
	if !c.isConnected {
		return fmt.Errorf("not connected to RabbitMQ")
	}
	return c.channel.Ack(deliveryTag, false)
}

// Nack rejects a delivery, optionally requeueing it
func (c *Client) Nack(deliveryTag uint64, requeue bool) error {
	if !c.isConnected {
		return fmt.Errorf("not connected to RabbitMQ")
	}
	return c.channel.Nack(deliveryTag, false, requeue)
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.isConnected = false

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	return c.isConnected && c.conn != nil && !c.conn.IsClosed()
}
