package broker

import (
	"context"

	"github.com/zoff-tech/settings-relay/schema"
)

// MessageHandler processes one decoded envelope. A non-nil error counts as a
// failed attempt and consumes one retry.
type MessageHandler func(ctx context.Context, env *schema.Envelope) error

// MessageBroker defines the transport operations the reconciliation engine
// depends on.
type MessageBroker interface {
	// Init establishes the connection and confirm-mode channel. Calling it
	// while already connected is a no-op.
	Init(ctx context.Context) error
	// Publish sends the envelope to the exchange and blocks until the broker
	// confirms durable receipt.
	Publish(ctx context.Context, exchange, routingKey string, env *schema.Envelope) error
	// Subscribe sets up the queue and its dead-letter topology, then consumes
	// with manual acknowledgment, feeding each delivery to the handler.
	Subscribe(ctx context.Context, exchange, routingKey, queue string, handler MessageHandler) error
	// Close cleans up the channel and connection.
	Close() error
}
