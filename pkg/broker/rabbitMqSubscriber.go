package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"

	"github.com/zoff-tech/settings-relay/schema"
)

// Subscribe declares the dead-letter topology first so rejected messages
// always have somewhere to land, then the primary queue pointing at it, and
// starts a consumer goroutine draining deliveries one at a time.
//
// Naming is derived and not configurable: <exchange>.dlx, <queue>.dlq and
// <routingKey>.dead.
func (r *RabbitMQBroker) Subscribe(ctx context.Context, exchange, routingKey, queue string, handler MessageHandler) error {
	channel := r.currentChannel()
	if channel == nil {
		return fmt.Errorf("%w: channel is not initialized", ErrSubscribeFailed)
	}

	dlxExchange := exchange + ".dlx"
	dlqQueue := queue + ".dlq"
	dlqRoutingKey := routingKey + ".dead"

	if err := channel.ExchangeDeclare(dlxExchange, exchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: declare dead-letter exchange: %v", ErrSubscribeFailed, err)
	}
	if _, err := channel.QueueDeclare(dlqQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: declare dead-letter queue: %v", ErrSubscribeFailed, err)
	}
	if err := channel.QueueBind(dlqQueue, dlqRoutingKey, dlxExchange, false, nil); err != nil {
		return fmt.Errorf("%w: bind dead-letter queue: %v", ErrSubscribeFailed, err)
	}

	if err := channel.ExchangeDeclare(exchange, exchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: declare exchange: %v", ErrSubscribeFailed, err)
	}
	if _, err := channel.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    dlxExchange,
		"x-dead-letter-routing-key": dlqRoutingKey,
	}); err != nil {
		return fmt.Errorf("%w: declare queue: %v", ErrSubscribeFailed, err)
	}
	if err := channel.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("%w: bind queue: %v", ErrSubscribeFailed, err)
	}

	// One unacked message at a time keeps in-process retries from
	// interleaving with further deliveries on this queue.
	if err := channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("%w: set qos: %v", ErrSubscribeFailed, err)
	}

	deliveries, err := channel.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSubscribeFailed, err)
	}

	go r.consumeLoop(ctx, queue, deliveries, handler)

	r.logger.Info().Str("queue", queue).Str("routing_key", routingKey).Msg("subscribed to queue")
	return nil
}

func (r *RabbitMQBroker) consumeLoop(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	for delivery := range deliveries {
		if len(delivery.Body) == 0 {
			// Malformed delivery from the broker itself: not acked, left
			// for redelivery or operator intervention.
			r.logger.Error().Str("queue", queue).Msg("invalid message")
			continue
		}
		r.handleWithRetry(ctx, delivery, handler)
	}
	r.logger.Warn().Str("queue", queue).Msg("delivery channel closed")
}

// handleWithRetry drives bounded in-process redelivery on a single broker
// delivery: failures sleep and retry on the same message instead of
// requeueing, and only after MaxRetries attempts is the message nacked
// without requeue so the broker dead-letters it.
func (r *RabbitMQBroker) handleWithRetry(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) {
	attempts := 0

	for attempts < r.settings.MaxRetries {
		err := r.handleOnce(ctx, delivery.Body, handler)
		if err == nil {
			if ackErr := delivery.Ack(false); ackErr != nil {
				r.logger.Error().Err(ackErr).Msg("failed to ack message")
			}
			return
		}

		attempts++
		r.logger.Warn().Err(err).
			Int("attempt", attempts).
			Int("max_retries", r.settings.MaxRetries).
			Msg("message handling failed, retrying")

		if attempts < r.settings.MaxRetries {
			r.clock.Sleep(r.settings.RetryDelay)
		}
	}

	r.logger.Error().
		Int("max_retries", r.settings.MaxRetries).
		Msg("failed to handle message, dead-lettering")

	if nackErr := delivery.Nack(false, false); nackErr != nil {
		r.logger.Error().Err(nackErr).Msg("failed to nack message")
	}
}

func (r *RabbitMQBroker) handleOnce(ctx context.Context, body []byte, handler MessageHandler) error {
	var env schema.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	return handler(ctx, &env)
}
