// Package broker defines the transport contract the bus is written against.
// Implementations live in sub-packages (amqpbroker, redisbroker); both model
// the AMQP 0-9-1 vocabulary: exchanges, bound queues, publisher confirms,
// per-channel prefetch and explicit ack/nack of deliveries.
package broker

import (
	"context"
	"errors"
)

// ExchangeKind selects how an exchange routes a message to bound queues.
type ExchangeKind string

const (
	// Fanout copies every message to all bound queues, ignoring the routing key.
	Fanout ExchangeKind = "fanout"
	// Direct delivers to queues bound with exactly the message routing key.
	Direct ExchangeKind = "direct"
)

// Queue argument names understood by both transports.
const (
	ArgQueueType          = "x-queue-type"
	ArgDeliveryLimit      = "x-delivery-limit"
	ArgConsumerTimeout    = "x-consumer-timeout"
	ArgMessageTTL         = "x-message-ttl"
	ArgDeadLetterExchange = "x-dead-letter-exchange"
	ArgDeadLetterKey      = "x-dead-letter-routing-key"
)

var (
	// ErrChannelClosed is returned by every operation on a closed channel.
	ErrChannelClosed = errors.New("broker: channel closed")
	// ErrConnectionClosed is returned when the connection is closed and will not recover.
	ErrConnectionClosed = errors.New("broker: connection closed")
	// ErrUnknownDeliveryTag is returned when acking a tag the channel does not hold.
	ErrUnknownDeliveryTag = errors.New("broker: unknown delivery tag")
	// ErrNotFound is returned when publishing to an undeclared exchange.
	ErrNotFound = errors.New("broker: exchange not found")
	// ErrPreconditionFailed is returned when redeclaring an entity with different properties.
	ErrPreconditionFailed = errors.New("broker: precondition failed")
)

// QueueSpec describes a queue declaration.
type QueueSpec struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Args       map[string]any
}

// Message is an outbound message.
type Message struct {
	Body    []byte
	Headers map[string]string
}

// Delivery is an inbound message held by a channel until acked or nacked.
type Delivery struct {
	Tag         uint64
	ConsumerTag string
	Body        []byte
	Headers     map[string]string
	Redelivered bool
}

// Confirmation is a publisher confirm. Multiple confirms every outstanding
// sequence number lower than or equal to Seq.
type Confirmation struct {
	Seq      uint64
	Ack      bool
	Multiple bool
}

// Connection is a single broker connection multiplexing channels.
type Connection interface {
	Channel() (Channel, error)
	Close() error
	IsClosed() bool
}

// Channel is a lightweight session on a Connection. A channel is not meant to
// be shared by unrelated goroutines except for Ack/Nack, which are safe.
type Channel interface {
	ExchangeDeclare(name string, kind ExchangeKind, durable bool) error
	QueueDeclare(spec QueueSpec) error
	QueueBind(queue, exchange, key string) error
	Qos(prefetch int) error

	// Confirm puts the channel in confirm mode. Confirmations for every later
	// publish are sent on the returned channel, in sequence order.
	Confirm() (<-chan Confirmation, error)
	// NextPublishSeqNo is the sequence number the next Publish will be
	// confirmed with. Callers serialize it with Publish.
	NextPublishSeqNo() uint64
	Publish(ctx context.Context, exchange, key string, msg Message) error

	// Consume starts pushing deliveries. The returned channel is closed once
	// the consumer is cancelled or the channel is closed.
	Consume(queue, consumerTag string) (<-chan Delivery, error)
	Ack(tag uint64) error
	Nack(tag uint64, requeue bool) error
	Cancel(consumerTag string) error

	Close() error
	IsClosed() bool
}
