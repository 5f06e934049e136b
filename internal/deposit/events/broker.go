package events

import "context"

type Message struct {
	Topic   string
	Payload []byte
}

// Broker moves encoded events between processes. Delivery is at-most-once.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topics []string) (<-chan Message, error)
	Close() error
}
