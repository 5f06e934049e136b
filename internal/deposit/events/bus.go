package events

import (
	"context"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"abepay.com/pkg/logger"
)

// BusPublisher encodes events as JSON and publishes them on a Broker.
type BusPublisher struct {
	broker Broker
}

func NewBusPublisher(b Broker) *BusPublisher { return &BusPublisher{broker: b} }

func (p *BusPublisher) Publish(ctx context.Context, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		logger.Error(ctx, "encode deposit event failed", zap.String("correlation_id", e.CorrelationID), zap.Error(err))
		return
	}
	if err := p.broker.Publish(ctx, e.Topic(), payload); err != nil {
		logger.Warn(ctx, "publish deposit event failed",
			zap.String("topic", e.Topic()), zap.String("correlation_id", e.CorrelationID), zap.Error(err))
	}
}

// Watch decodes events from topics and calls fn for each until ctx is done.
func Watch(ctx context.Context, b Broker, topics []string, fn func(context.Context, Event)) error {
	ch, err := b.Subscribe(ctx, topics)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var e Event
			if err := json.Unmarshal(m.Payload, &e); err != nil {
				logger.Warn(ctx, "undecodable deposit event", zap.String("topic", m.Topic), zap.Error(err))
				continue
			}
			fn(ctx, e)
		}
	}
}

// LogOperatorEvents writes attention and orphan events to the log at warn level, where
// the on-call alerting picks them up.
func LogOperatorEvents(ctx context.Context, e Event) {
	switch e.Kind {
	case KindAttention:
		logger.Warn(ctx, "deposit needs operator attention",
			zap.String("correlation_id", e.CorrelationID),
			zap.String("reason", e.AttentionReason),
			zap.String("state", string(e.To)),
			zap.String("account", e.Account))
	case KindOrphan:
		logger.Warn(ctx, "orphan payment notification",
			zap.String("correlation_id", e.CorrelationID),
			zap.String("receipt", e.GatewayReceipt),
			zap.String("source", e.Source),
			zap.String("amount", e.LocalAmount.String()))
	}
}
