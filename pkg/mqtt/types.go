package mqtt

import (
	"context"
)

// MessageHandler processes one received message. Handlers run on their own
// goroutine, so a slow handler never stalls the connection.
type MessageHandler func(ctx context.Context, topic string, payload []byte)

// Client is a reconnecting MQTT v5 client.
type Client interface {
	// Start dials the broker in the background and returns at once.
	Start(ctx context.Context) error

	Disconnect(ctx context.Context)

	Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error

	// Subscribe routes messages matching the filter to handler. The
	// subscription is replayed after every reconnect.
	Subscribe(ctx context.Context, filter string, qos int, handler MessageHandler) error

	Unsubscribe(ctx context.Context, filter string) error

	// AwaitConnection blocks until the broker accepted the connection or ctx ends.
	AwaitConnection(ctx context.Context) error

	IsConnected() bool
}
