package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/settings-relay/pkg/config"
	"github.com/zoff-tech/settings-relay/schema"
)

const exchangeType = "topic"

// amqpChannel is the subset of *amqp.Channel the broker uses, extracted so
// tests can substitute a mock.
type amqpChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

type amqpConnection interface {
	Channel() (amqpChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

type connAdapter struct {
	conn *amqp.Connection
}

func (a *connAdapter) Channel() (amqpChannel, error) {
	ch, err := a.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (a *connAdapter) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return a.conn.NotifyClose(receiver)
}

func (a *connAdapter) IsClosed() bool { return a.conn.IsClosed() }

func (a *connAdapter) Close() error { return a.conn.Close() }

func dialAmqp(url string) (amqpConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &connAdapter{conn: conn}, nil
}

// RabbitMQBroker owns one connection and one confirm-mode channel. All
// publishes and subscriptions on an instance share that pair; the amqp
// library serializes channel operations internally.
type RabbitMQBroker struct {
	mu       sync.Mutex
	settings *config.BrokerSettings
	logger   zerolog.Logger
	clock    clock.Clock
	tracer   trace.Tracer

	dial     func(url string) (amqpConnection, error)
	conn     amqpConnection
	channel  amqpChannel
	confirms chan amqp.Confirmation

	// pubMu pairs each publish with its confirmation on the shared channel.
	pubMu sync.Mutex
}

// NewRabbitMQBroker builds an unconnected broker client. Call Init before
// publishing or subscribing.
func NewRabbitMQBroker(settings *config.BrokerSettings, logger zerolog.Logger) *RabbitMQBroker {
	return &RabbitMQBroker{
		settings: settings,
		logger:   logger,
		clock:    clock.New(),
		tracer:   otel.Tracer("settings-relay"),
		dial:     dialAmqp,
	}
}

// Init dials the broker and opens the confirm-mode channel. Idempotent:
// a second call on a connected instance is a no-op. There is no automatic
// reconnection; connection-level errors are logged and the caller must
// re-init.
func (r *RabbitMQBroker) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil && r.channel != nil {
		r.logger.Info().Msg("RabbitMQ already initialized")
		return nil
	}

	conn, err := r.dial(r.settings.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	if err := channel.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("%w: confirm mode: %v", ErrConnectionFailed, err)
	}
	confirms := channel.NotifyPublish(make(chan amqp.Confirmation, 1))

	// Connection closures are logged asynchronously; they do not change the
	// broker state.
	notifyClose := conn.NotifyClose(make(chan *amqp.Error))
	go func() {
		for closeErr := range notifyClose {
			r.logger.Warn().Err(closeErr).Msg("RabbitMQ connection closed")
		}
	}()

	r.conn = conn
	r.channel = channel
	r.confirms = confirms

	r.logger.Info().Str("url", r.settings.URL).Msg("connected to RabbitMQ")
	return nil
}

// Publish serializes the envelope and publishes it as a persistent message,
// blocking until the broker confirms receipt. Each call is an independent
// confirmed round trip; there is no local buffering.
func (r *RabbitMQBroker) Publish(ctx context.Context, exchange, routingKey string, env *schema.Envelope) error {
	ctx, span := r.tracer.Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKey.String(exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(routingKey),
		),
	)
	defer span.End()

	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	channel := r.currentChannel()
	if channel == nil {
		err := fmt.Errorf("%w: channel is not initialized", ErrPublishFailed)
		span.RecordError(err)
		return err
	}

	// ExchangeDeclare is idempotent and has no effect if the exchange is
	// already in place.
	if err := channel.ExchangeDeclare(exchange, exchangeType, true, false, false, false, nil); err != nil {
		r.logger.Error().Err(err).Str("exchange", exchange).Msg("failed to declare exchange")
		span.RecordError(err)
		return fmt.Errorf("%w: declare exchange: %v", ErrPublishFailed, err)
	}

	body, err := json.Marshal(env)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: encode envelope: %v", ErrPublishFailed, err)
	}

	if err := channel.Publish(exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.RequestID,
		Timestamp:    time.UnixMilli(env.Timestamp),
		Body:         body,
	}); err != nil {
		r.logger.Error().Err(err).Str("routing_key", routingKey).Msg("failed to publish message")
		span.RecordError(err)
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	select {
	case confirmation, ok := <-r.confirms:
		if !ok || !confirmation.Ack {
			err := fmt.Errorf("%w: message not accepted", ErrPublishRejected)
			r.logger.Error().Err(err).Str("routing_key", routingKey).Msg("publish not confirmed")
			span.RecordError(err)
			return err
		}
	case <-ctx.Done():
		span.RecordError(ctx.Err())
		return fmt.Errorf("%w: %v", ErrPublishFailed, ctx.Err())
	}

	span.SetAttributes(attribute.Int("messaging.message_payload_size_bytes", len(body)))
	return nil
}

// Close shuts the channel, then the connection. Safe to call on a broker
// that was never initialized.
func (r *RabbitMQBroker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			r.logger.Error().Err(err).Msg("failed to close RabbitMQ channel")
			return fmt.Errorf("%w: channel: %v", ErrCloseFailed, err)
		}
		r.channel = nil
	}

	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			r.logger.Error().Err(err).Msg("failed to close RabbitMQ connection")
			return fmt.Errorf("%w: %v", ErrCloseFailed, err)
		}
		r.conn = nil
	}

	r.logger.Info().Msg("RabbitMQ connection closed")
	return nil
}

func (r *RabbitMQBroker) currentChannel() amqpChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channel
}
