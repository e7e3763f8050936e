package mq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jwalitptl/iris/pkg/logger"
)

const (
	defaultPrefetch         = 10
	defaultReconnectBackoff = time.Second
	maxReconnectBackoff     = 30 * time.Second
)

// Handler processes one message body. Returning an error built with Reject
// dead-letters the message; any other error requeues it.
type Handler func(ctx context.Context, body []byte) error

type rejectError struct {
	err error
}

func (e *rejectError) Error() string { return e.err.Error() }
func (e *rejectError) Unwrap() error { return e.err }

// Reject marks err as unprocessable no matter how often it is redelivered.
func Reject(err error) error {
	if err == nil {
		return nil
	}
	return &rejectError{err: err}
}

func IsRejected(err error) bool {
	var re *rejectError
	return errors.As(err, &re)
}

type ConsumerConfig struct {
	URL              string
	Topology         Topology
	ConsumerTag      string
	Prefetch         int
	ReconnectBackoff time.Duration
}

type Consumer struct {
	config  ConsumerConfig
	handler Handler
	dlq     DeadLetterer
	logger  *logger.Logger
}

func NewConsumer(cfg ConsumerConfig, dlq DeadLetterer, log *logger.Logger) *Consumer {
	cfg.Topology = cfg.Topology.withDefaults()
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaultReconnectBackoff
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "iris-worker"
	}
	return &Consumer{
		config: cfg,
		dlq:    dlq,
		logger: log.WithFields(map[string]interface{}{"component": "mq-consumer", "queue": cfg.Topology.Queue}),
	}
}

func (c *Consumer) SetHandler(h Handler) {
	c.handler = h
}

// Run consumes until ctx is canceled, reconnecting with backoff whenever
// the connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	backoff := c.config.ReconnectBackoff
	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.ZL.Error().Err(err).Dur("backoff", backoff).Msg("Consumer disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	conn, err := NewConnection(c.config.URL)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.config.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}
	q, err := DeclareInbound(ch, c.config.Topology)
	if err != nil {
		return err
	}

	deliveries, err := ch.Consume(q.Name, c.config.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}
	c.logger.ZL.Info().Str("routing_key", c.config.Topology.RoutingKey).Msg("Consumer started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.process(ctx, msg)
		}
	}
}

// process makes sure every delivery is acked or nacked exactly once.
func (c *Consumer) process(ctx context.Context, msg amqp.Delivery) {
	log := c.logger.ZL.With().
		Str("routing_key", msg.RoutingKey).
		Uint64("delivery_tag", msg.DeliveryTag).
		Logger()

	err := c.handle(ctx, msg.Body)
	switch {
	case err == nil:
		if ackErr := msg.Ack(false); ackErr != nil {
			log.Error().Err(ackErr).Msg("Failed to ack message")
		}
	case IsRejected(err):
		log.Warn().Err(err).Msg("Message rejected, sending to DLQ")
		if dlqErr := c.dlq.PublishToDLQ(ctx, msg.RoutingKey, msg.Body, err.Error()); dlqErr != nil {
			log.Error().Err(dlqErr).Msg("Failed to publish to DLQ, requeueing")
			if nackErr := msg.Nack(false, true); nackErr != nil {
				log.Error().Err(nackErr).Msg("Failed to nack message")
			}
			return
		}
		if ackErr := msg.Ack(false); ackErr != nil {
			log.Error().Err(ackErr).Msg("Failed to ack dead-lettered message")
		}
	default:
		log.Error().Err(err).Msg("Handler error, requeueing")
		if nackErr := msg.Nack(false, true); nackErr != nil {
			log.Error().Err(nackErr).Msg("Failed to nack message")
		}
	}
}

// handle turns a handler panic into a rejection so a poison message cannot
// loop forever.
func (c *Consumer) handle(ctx context.Context, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Reject(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return c.handler(ctx, body)
}
