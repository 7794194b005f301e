// Package broker defines the narrow messaging contract the job backbone
// depends on: publish to an exchange/routing-key, and consume from a durable
// queue with ack-on-success and retry-by-returning-an-error semantics. The
// retry ceiling and dead-letter routing live here, not in the consumer.
package broker

import (
	"context"
	"errors"
	"time"
)

// Message is an outbound payload addressed to an exchange and routing key.
type Message struct {
	Exchange      string
	RoutingKey    string
	MessageID     string
	CorrelationID string
	Body          []byte
}

// Delivery is one inbound message handed to a Handler. DeliveryCount starts
// at 1 and increases with every redelivery.
type Delivery struct {
	Queue         string
	MessageID     string
	CorrelationID string
	Body          []byte
	DeliveryCount int
}

// Handler processes one delivery. Returning nil acknowledges the message.
// Returning an error triggers redelivery with delay until the delivery-count
// cap, after which the message is dead-lettered; wrap the error with Fatal to
// dead-letter immediately.
type Handler func(ctx context.Context, d Delivery) error

// Publisher publishes messages to the broker.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Consumer delivers messages from a queue to a handler until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, queue string, h Handler) error
}

// RetryPolicy bounds redelivery. Injected at construction time so different
// consumers can carry different policies.
type RetryPolicy struct {
	MaxDeliveryCount int
	RetryDelay       time.Duration
	// ReclaimMinIdle is how long a delivered-but-unacked entry may sit in
	// another consumer's pending list before a surviving instance takes it
	// over. It must exceed the longest expected handler run, or a slow
	// handler's entry gets handled twice.
	ReclaimMinIdle time.Duration
}

// DefaultRetryPolicy mirrors the platform's queue defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxDeliveryCount: 5, RetryDelay: 30 * time.Second, ReclaimMinIdle: 5 * time.Minute}
}

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as non-retryable: the delivery is routed to the dead-letter
// path without further redelivery attempts.
func Fatal(err error) error { return &fatalError{err: err} }

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// QueueName builds the stream/queue name for an exchange and routing key.
func QueueName(exchange, routingKey string) string {
	return exchange + "." + routingKey
}
