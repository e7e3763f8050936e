package mq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeadLetterer parks messages that can never be processed.
type DeadLetterer interface {
	PublishToDLQ(ctx context.Context, routingKey string, body []byte, reason string) error
}

type DLQPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	source   string
}

// NewDLQPublisher opens its own connection so a broken consumer channel
// does not take dead lettering down with it.
func NewDLQPublisher(url string, topology Topology, source string) (*DLQPublisher, error) {
	topology = topology.withDefaults()

	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := DeclareDLQ(ch, topology); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &DLQPublisher{
		conn:     conn,
		channel:  ch,
		exchange: topology.DLQExchange,
		source:   source,
	}, nil
}

func (p *DLQPublisher) PublishToDLQ(ctx context.Context, routingKey string, body []byte, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers: amqp.Table{
			"x-original-error": reason,
			"x-failed-at":      p.source,
		},
	})
}

func (p *DLQPublisher) IsConnected() bool {
	return p.conn != nil && !p.conn.IsClosed()
}

func (p *DLQPublisher) Close() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
