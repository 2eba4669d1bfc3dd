package forwarder

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"edge-gateway/internal/config"
)

// Publisher sends wire messages to the broker.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
	Close() error
}

// AmqpPublisher publishes persistent JSON messages to a durable queue on the
// default exchange, routing key = queue name. The connection is opened lazily
// and re-opened after a failure, so a broker outage surfaces as publish
// errors the drain backs off on, not as a crash.
type AmqpPublisher struct {
	cfg config.RabbitConfig

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewAmqpPublisher(cfg config.RabbitConfig) *AmqpPublisher {
	return &AmqpPublisher{cfg: cfg}
}

// ensureLocked dials and declares the queue durable, non-exclusive,
// non-auto-delete.
func (p *AmqpPublisher) ensureLocked() error {
	if p.channel != nil && !p.conn.IsClosed() {
		return nil
	}
	p.teardownLocked()

	conn, err := amqp.Dial(p.cfg.URL())
	if err != nil {
		return fmt.Errorf("amqp dial %s:%d: %w", p.cfg.Host, p.cfg.Port, err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := channel.QueueDeclare(p.cfg.QueueName, true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("declare queue %s: %w", p.cfg.QueueName, err)
	}

	p.conn = conn
	p.channel = channel
	return nil
}

func (p *AmqpPublisher) Publish(ctx context.Context, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureLocked(); err != nil {
		return err
	}
	err := p.channel.PublishWithContext(ctx, "", p.cfg.QueueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		// Drop the broken connection; the next publish redials.
		p.teardownLocked()
		return fmt.Errorf("publish to %s: %w", p.cfg.QueueName, err)
	}
	return nil
}

func (p *AmqpPublisher) teardownLocked() {
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

func (p *AmqpPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardownLocked()
	return nil
}
