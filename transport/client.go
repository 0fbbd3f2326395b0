// Package transport defines the Serializer's view of the cloud-facing
// publish/subscribe transport: an opaque client exposing an async publish,
// a non-blocking try-publish, and two distinguishable failure modes --
// "queue full" (retry later) and "client dead" (give up on this client).
// The Serializer depends on telling these apart; they are modeled as two
// distinct error variants rather than collapsed into one.
package transport

import (
	"context"

	"github.com/pkg/errors"
)

// QueueFullError is returned by TryPublish when the client's internal queue
// is full. It carries the rejected request so the caller never has to
// reconstruct it.
type QueueFullError struct {
	Topic   string
	Payload []byte
}

func (e *QueueFullError) Error() string { return "transport: publish queue full" }

// ClientDeadError signals that the transport's I/O loop (eventloop) has
// terminated. It carries the publish that was in flight (or about to be
// sent) when the failure was observed, so the Serializer can recover it
// into the Spool instead of losing it.
type ClientDeadError struct {
	Topic   string
	Payload []byte
	Cause   error
}

func (e *ClientDeadError) Error() string {
	return errors.Wrap(e.Cause, "transport: client dead").Error()
}

func (e *ClientDeadError) Unwrap() error { return e.Cause }

// Client is the opaque publish/subscribe contract the Serializer drives.
// Concrete implementations (the sarama-backed Client, the in-memory MockClient) need
// only honor this interface: the Serializer never otherwise touches the
// transport.
type Client interface {
	// Publish enqueues (topic, payload) asynchronously, returning once the
	// request has been accepted into the client's internal queue (not once
	// it's been acknowledged by the broker). It returns a *ClientDeadError
	// if the client's eventloop has terminated.
	Publish(topic string, payload []byte) error

	// TryPublish is Publish's non-blocking sibling: it returns immediately,
	// with a *QueueFullError if the internal queue has no room, or a
	// *ClientDeadError under the same terminal condition as Publish.
	TryPublish(topic string, payload []byte) error

	// Close releases the client's resources. It gives no delivery guarantee
	// for publishes still in flight: the sarama-backed Client flushes what
	// its producer holds before returning, MockClient has nothing to flush.
	Close() error

	// Subscribe returns a channel of raw message payloads received on
	// topic, used for the cloud-to-device Action stream. The channel is
	// closed once the subscription ends, whether because ctx was
	// cancelled or the client itself died.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
}
