package events

import (
	"context"
	"strings"

	"github.com/nats-io/nats.go"
)

// NatsBroker publishes topics as NATS subjects under an optional prefix, so
// "deposit.credited" with prefix "abepay" goes out on "abepay.deposit.credited".
type NatsBroker struct {
	nc     *nats.Conn
	prefix string
}

func NewNatsBroker(url, prefix string, opts ...nats.Option) (*NatsBroker, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsBroker{nc: nc, prefix: strings.Trim(prefix, ".")}, nil
}

func (b *NatsBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.nc.Publish(b.subject(topic), payload)
}

func (b *NatsBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	out := make(chan Message, 1024)
	subs := make([]*nats.Subscription, 0, len(topics))

	for _, t := range topics {
		sub, err := b.nc.Subscribe(b.subject(t), func(m *nats.Msg) {
			msg := Message{Topic: b.topic(m.Subject), Payload: m.Data}
			// never block the NATS callback
			select {
			case out <- msg:
			default:
			}
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}

	go func() {
		<-ctx.Done()
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
		close(out)
	}()
	return out, nil
}

func (b *NatsBroker) Close() error {
	if b.nc == nil {
		return nil
	}
	err := b.nc.Drain()
	b.nc.Close()
	return err
}

func (b *NatsBroker) subject(topic string) string {
	if b.prefix == "" {
		return topic
	}
	return b.prefix + "." + topic
}

func (b *NatsBroker) topic(subject string) string {
	if b.prefix == "" {
		return subject
	}
	return strings.TrimPrefix(subject, b.prefix+".")
}
