// Package intake consumes attendance-marked events from RabbitMQ and hands
// them to the verification dispatcher.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/attendguard/attendguard/internal/metrics"
	"github.com/attendguard/attendguard/internal/proxy"
)

// ErrMalformed marks a message that can never be processed.
var ErrMalformed = errors.New("malformed attendance message")

// Submitter accepts events for background verification. *proxy.Dispatcher
// is the production Submitter.
type Submitter interface {
	Submit(e *proxy.Event) error
}

// Message is one delivery, decoupled from the amqp types for testing.
type Message struct {
	Body      []byte
	Timestamp time.Time
	Ack       func(multiple bool) error
	Nack      func(multiple, requeue bool) error
}

// Config configures the consumer.
type Config struct {
	URL         string
	Queue       string
	ConsumerTag string
	Prefetch    int
}

// Consumer reads the attendance queue with manual acks.
type Consumer struct {
	cfg    Config
	submit Submitter
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewConsumer creates a consumer. Run connects.
func NewConsumer(cfg Config, submit Submitter, logger *slog.Logger) *Consumer {
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "attendguard"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 32
	}
	return &Consumer{cfg: cfg, submit: submit, logger: logger, now: time.Now}
}

// Run connects, declares the durable queue and processes deliveries until
// ctx is done or the broker closes the channel.
func (c *Consumer) Run(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	c.mu.Lock()
	c.conn, c.ch = conn, ch
	c.mu.Unlock()
	defer c.Close()

	if _, err := ch.QueueDeclare(
		c.cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.cfg.Queue, err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		c.cfg.Queue,
		c.cfg.ConsumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}
	c.logger.Info("attendance consumer started", "queue", c.cfg.Queue, "prefetch", c.cfg.Prefetch)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("attendance consumer stopping")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			c.Handle(Message{
				Body:      d.Body,
				Timestamp: d.Timestamp,
				Ack:       d.Ack,
				Nack:      d.Nack,
			})
		}
	}
}

// Serve calls Run until ctx is done, reconnecting with capped exponential
// backoff after broker failures.
func (c *Consumer) Serve(ctx context.Context) {
	delay := minReconnectDelay
	for {
		started := time.Now()
		err := c.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		delay = reconnectDelay(delay, time.Since(started))
		c.logger.Error("attendance consumer stopped, reconnecting", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

const (
	minReconnectDelay = time.Second
	maxReconnectDelay = 30 * time.Second
	// A connection that stayed up this long counts as recovered.
	healthyRun = time.Minute
)

// reconnectDelay returns the wait before the next reconnect given the
// previous wait and how long the last connection lasted.
func reconnectDelay(prev, ran time.Duration) time.Duration {
	if ran >= healthyRun || prev <= 0 {
		return minReconnectDelay
	}
	return prev
}

// Handle decodes and submits one message, then acks or nacks it. Malformed
// messages are dropped; a full dispatcher sends the message back to the queue.
func (c *Consumer) Handle(m Message) {
	e, err := Decode(m.Body, m.Timestamp, c.now)
	if err != nil {
		metrics.IntakeMessagesTotal.WithLabelValues("malformed").Inc()
		c.logger.Warn("dropping malformed attendance message", "error", err, "bytes", len(m.Body))
		c.settle(m.Nack(false, false))
		return
	}

	if err := c.submit.Submit(e); err != nil {
		metrics.IntakeMessagesTotal.WithLabelValues("requeued").Inc()
		c.logger.Warn("dispatcher busy, requeueing attendance message",
			"session_id", e.SessionID, "student_id", e.StudentID, "error", err)
		c.settle(m.Nack(false, true))
		return
	}

	metrics.IntakeMessagesTotal.WithLabelValues("accepted").Inc()
	c.settle(m.Ack(false))
}

func (c *Consumer) settle(err error) {
	if err != nil {
		c.logger.Error("failed to settle amqp delivery", "error", err)
	}
}

// Decode parses an attendance-marked message. A missing occurredAt falls back
// to the broker timestamp, then to the current time.
func Decode(body []byte, published time.Time, now func() time.Time) (*proxy.Event, error) {
	var e proxy.Event
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = published
		if e.OccurredAt.IsZero() {
			e.OccurredAt = now()
		}
	}
	e.OccurredAt = e.OccurredAt.UTC()
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &e, nil
}

// QueueLength returns the number of ready messages in the queue.
func (c *Consumer) QueueLength() (int, error) {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return 0, errors.New("consumer not connected")
	}
	q, err := ch.QueueDeclarePassive(c.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

// Ping fails when the broker connection is down.
func (c *Consumer) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return errors.New("amqp connection closed")
	}
	return nil
}

// Close cancels the consumer and closes the connection.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		if err := c.ch.Cancel(c.cfg.ConsumerTag, false); err != nil {
			c.logger.Debug("cancel amqp consumer", "error", err)
		}
		_ = c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		if err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
	}
	return nil
}
