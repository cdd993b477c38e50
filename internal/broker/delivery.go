package broker

import amqp "github.com/rabbitmq/amqp091-go"

// Delivery is a single in-flight message handed to the worker. Wrapping the
// AMQP delivery behind this interface keeps the worker testable without a
// running broker.
//
// Every Delivery must be resolved with exactly one of Ack, NackRequeue, or
// Reject before the consumer proceeds to the next message.
type Delivery interface {
	// Body returns the raw payload bytes.
	Body() []byte

	// Ack signals terminal success; the broker removes the message.
	Ack() error

	// NackRequeue signals a transient failure; the broker redelivers the
	// message to this or another consumer.
	NackRequeue() error

	// Reject signals a terminal failure; the broker drops the message
	// without redelivery.
	Reject() error
}

// amqpDelivery adapts amqp.Delivery to the Delivery interface.
type amqpDelivery struct {
	d amqp.Delivery
}

func (a *amqpDelivery) Body() []byte { return a.d.Body }

func (a *amqpDelivery) Ack() error { return a.d.Ack(false) }

func (a *amqpDelivery) NackRequeue() error { return a.d.Nack(false, true) }

func (a *amqpDelivery) Reject() error { return a.d.Nack(false, false) }
