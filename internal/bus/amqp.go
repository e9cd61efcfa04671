package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig describes the RabbitMQ inbound transport.
type AMQPConfig struct {
	URL      string
	Queue    string
	Prefetch int
	Durable  bool
}

// AMQPConsumer reads inbound envelopes from a RabbitMQ queue with manual acks.
// Malformed and duplicate messages are acked and dropped.
type AMQPConsumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	dedupe *DedupeCache
}

func NewAMQPConsumer(cfg AMQPConfig) (*AMQPConsumer, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is empty")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "clawworker.inbound"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("amqp qos: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqp queue declare: %w", err)
	}
	return &AMQPConsumer{
		conn:   conn,
		ch:     ch,
		queue:  queue,
		dedupe: NewDedupeCache(DefaultDedupeTTL, DefaultDedupeSize),
	}, nil
}

// Run consumes until ctx is cancelled or the channel closes.
func (c *AMQPConsumer) Run(ctx context.Context, h InboundHandler) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}
	slog.Info("bus: amqp consumer started", "queue", c.queue)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			handleRaw(c.dedupe, msg.Body, h)
			if err := msg.Ack(false); err != nil {
				slog.Warn("bus: amqp ack failed", "error", err)
			}
		}
	}
}

func (c *AMQPConsumer) Close() error {
	if c == nil {
		return nil
	}
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
