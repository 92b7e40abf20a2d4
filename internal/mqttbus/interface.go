package mqttbus

import "context"

// Bus is the message-bus boundary the bridge publishes through. Only the
// publisher writes to it, and only the poll loop triggers reconnects.
type Bus interface {
	// Connect establishes (or re-establishes) the broker session.
	Connect(ctx context.Context) error

	// Publish writes a single payload. Retained messages are replayed by
	// the broker to new subscribers.
	Publish(topic string, payload []byte, retain bool) error

	IsConnected() bool

	Disconnect()
}
