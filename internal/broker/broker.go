// Package broker abstracts the durable message queue between producers and
// consumers. Implementations: RabbitMQ (AMQP 0.9.1) and an in-process memory
// queue for development and tests.
package broker

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// Routing key patterns bound to the ingest queue.
const (
	BindingData       = "data.#"
	BindingProduction = "production.#"
)

// ContentTypeJSON is the content type of every envelope.
const ContentTypeJSON = "application/json"

// ErrClosed is returned when publishing to or subscribing on a closed broker.
var ErrClosed = eris.New("broker: closed")

// ErrAlreadyResolved is returned when a delivery is acked or nacked twice.
var ErrAlreadyResolved = eris.New("broker: delivery already acked or nacked")

// Message is one queued message.
type Message struct {
	ID            string
	RoutingKey    string
	ContentType   string
	Body          []byte
	Headers       map[string]any
	Timestamp     time.Time
	Redelivered   bool
	DeliveryCount int // 1 on first delivery
}

// Publisher sends durable messages. Publish returns only after the broker
// has accepted the message.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Delivery is a received message awaiting exactly one Ack or Nack.
type Delivery interface {
	Message() Message
	Ack() error
	Nack(requeue bool) error
}

// Subscriber streams deliveries until ctx is cancelled or the broker closes.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan Delivery, error)
}

// Broker is a publisher and subscriber that owns a connection.
type Broker interface {
	Publisher
	Subscriber
	Close() error
}
