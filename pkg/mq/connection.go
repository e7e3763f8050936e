package mq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange    = "iris"
	DefaultQueue       = "iris.dispatch"
	DefaultRoutingKey  = "dispatch.#"
	DefaultDLQExchange = "iris.dlq"
	DefaultDLQQueue    = "iris.dispatch.dlq"
)

// Topology names the exchanges and queues the conductor consumes from.
type Topology struct {
	Exchange    string
	Queue       string
	RoutingKey  string
	DLQExchange string
	DLQQueue    string
}

func (t Topology) withDefaults() Topology {
	if t.Exchange == "" {
		t.Exchange = DefaultExchange
	}
	if t.Queue == "" {
		t.Queue = DefaultQueue
	}
	if t.RoutingKey == "" {
		t.RoutingKey = DefaultRoutingKey
	}
	if t.DLQExchange == "" {
		t.DLQExchange = DefaultDLQExchange
	}
	if t.DLQQueue == "" {
		t.DLQQueue = DefaultDLQQueue
	}
	return t
}

func NewConnection(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

// DeclareInbound declares the topic exchange and the durable inbound queue.
func DeclareInbound(ch *amqp.Channel, t Topology) (amqp.Queue, error) {
	if err := ch.ExchangeDeclare(t.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(t.Queue, true, false, false, false, nil)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, t.RoutingKey, t.Exchange, false, nil); err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to bind queue: %w", err)
	}
	return q, nil
}

// DeclareDLQ declares the dead letter exchange and a queue catching
// everything published to it.
func DeclareDLQ(ch *amqp.Channel, t Topology) error {
	if err := ch.ExchangeDeclare(t.DLQExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLQ exchange: %w", err)
	}
	q, err := ch.QueueDeclare(t.DLQQueue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "#", t.DLQExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind DLQ queue: %w", err)
	}
	return nil
}
