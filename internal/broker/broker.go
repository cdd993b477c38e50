// Package broker owns the AMQP side of the notification pipeline: connection
// lifecycle, durable queue declaration, persistent publishing, and the
// prefetch-1 consume stream. A Conn is exclusively owned by the Publisher or
// Worker instance that opened it and is never shared across call sites
// without the internal lock.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"lifeline/internal/config"
)

// heartbeat keeps idle broker connections alive through load balancers.
const heartbeat = 10 * time.Second

// Conn wraps a single AMQP connection and channel with lazy redial. All
// operations are safe for use by one goroutine at a time; the mutex protects
// the reconnect path when the Publisher shares a Conn across request
// goroutines.
type Conn struct {
	cfg    config.BrokerConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// New creates an unconnected Conn. Dial (or the first Publish/Consume) opens
// the connection.
func New(cfg config.BrokerConfig, logger *slog.Logger) *Conn {
	return &Conn{cfg: cfg, logger: logger}
}

// Dial opens the AMQP connection and channel, bounded by the configured
// connect timeout, and declares the notification queue and its dead-letter
// sibling as durable. Declaration is idempotent: redeclaring an existing
// queue with identical arguments is a no-op at the broker.
func (c *Conn) Dial() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialLocked()
}

func (c *Conn) dialLocked() error {
	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}

	conn, err := amqp.DialConfig(c.cfg.URL(), amqp.Config{
		Heartbeat: heartbeat,
		Dial:      amqp.DefaultDial(c.cfg.ConnectTimeout),
	})
	if err != nil {
		return fmt.Errorf("broker: dial %s:%d: %w", c.cfg.Host, c.cfg.Port, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("broker: open channel: %w", err)
	}

	for _, queue := range []string{c.cfg.Queue, c.cfg.DLQName()} {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("broker: declare queue %q: %w", queue, err)
		}
	}

	c.conn = conn
	c.ch = ch

	c.logger.Info("broker connected",
		"host", c.cfg.Host,
		"port", c.cfg.Port,
		"queue", c.cfg.Queue,
	)

	return nil
}

// ensureLocked redials if the connection was never opened or has dropped.
func (c *Conn) ensureLocked() error {
	if c.conn == nil || c.conn.IsClosed() {
		return c.dialLocked()
	}
	return nil
}

// Publish stores body on the named queue, marked persistent so it survives a
// broker restart while queued. The call is bounded by the publish timeout
// (in addition to any deadline already on ctx) and redials a dropped
// connection at most once.
func (c *Conn) Publish(ctx context.Context, queue string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLocked(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()

	err := c.ch.PublishWithContext(ctx,
		"",    // default exchange routes by queue name
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("broker: publish to %q: %w", queue, err)
	}

	return nil
}

// Consume opens a delivery stream from the named queue with the per-channel
// prefetch limited to exactly one unacknowledged message. The returned
// channel closes when the connection drops; callers own redial.
func (c *Conn) Consume(queue string) (<-chan Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLocked(); err != nil {
		return nil, err
	}

	// One in-flight message per connection: bounds worker memory and keeps
	// ordering simple within a connection.
	if err := c.ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("broker: set qos: %w", err)
	}

	raw, err := c.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("broker: consume %q: %w", queue, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for d := range raw {
			out <- &amqpDelivery{d: d}
		}
	}()

	return out, nil
}

// Connected reports whether the underlying AMQP connection is currently open.
// Exposed so the API health endpoint can surface sustained fallback-mode
// operation.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// Close shuts down the channel and connection. Safe to call on an
// unconnected or already-closed Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	if c.ch != nil {
		_ = c.ch.Close()
	}
	if err := c.conn.Close(); err != nil && err != amqp.ErrClosed {
		return fmt.Errorf("broker: close connection: %w", err)
	}

	c.logger.Info("broker connection closed")
	return nil
}
