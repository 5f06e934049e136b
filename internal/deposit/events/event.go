package events

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"abepay.com/internal/deposit/domain"
)

const (
	TopicTransition = "deposit.transition"
	TopicCredited   = "deposit.credited"
	TopicAttention  = "deposit.attention"
	TopicOrphan     = "deposit.orphan"
)

type Kind string

const (
	KindTransition Kind = "transition"
	KindCredited   Kind = "credited"
	KindAttention  Kind = "attention"
	KindOrphan     Kind = "orphan"
)

// Event is one step in a deposit's life as seen by downstream consumers.
type Event struct {
	Kind             Kind            `json:"kind"`
	CorrelationID    string          `json:"correlation_id"`
	From             domain.State    `json:"from,omitempty"`
	To               domain.State    `json:"to,omitempty"`
	Account          string          `json:"account,omitempty"`
	LocalAmount      decimal.Decimal `json:"local_amount"`
	SettlementAmount decimal.Decimal `json:"settlement_amount"`
	Currency         string          `json:"currency,omitempty"`
	TransferID       string          `json:"transfer_id,omitempty"`
	GatewayReceipt   string          `json:"gateway_receipt,omitempty"`
	AttentionReason  string          `json:"attention_reason,omitempty"`
	Source           string          `json:"source,omitempty"`
	At               time.Time       `json:"at"`
}

func (e Event) Topic() string {
	switch e.Kind {
	case KindCredited:
		return TopicCredited
	case KindAttention:
		return TopicAttention
	case KindOrphan:
		return TopicOrphan
	default:
		return TopicTransition
	}
}

// FromTransition describes d right after it moved out of from. A credited deposit is
// KindCredited, a deposit flagged for an operator is KindAttention. Crediting carries its
// flag only while the transfer is in flight and stays a plain transition.
func FromTransition(from domain.State, d *domain.PendingDeposit) Event {
	e := Event{
		Kind:             KindTransition,
		CorrelationID:    d.CorrelationID,
		From:             from,
		To:               d.State,
		Account:          d.MerchantReference,
		LocalAmount:      d.RequestedLocalAmount,
		SettlementAmount: d.SettlementAmount.Decimal,
		Currency:         d.Currency,
		TransferID:       d.TransferID,
		GatewayReceipt:   d.GatewayReceipt,
		At:               d.UpdatedAt,
	}
	if d.SettledLocalAmount.Valid {
		e.LocalAmount = d.SettledLocalAmount.Decimal
	}
	switch {
	case d.State == domain.StateCredited:
		e.Kind = KindCredited
	case d.NeedsAttention && d.State != domain.StateCrediting:
		e.Kind = KindAttention
		e.AttentionReason = d.AttentionReason
	}
	return e
}

func FromOrphan(o *domain.OrphanNotification) Event {
	return Event{
		Kind:           KindOrphan,
		CorrelationID:  o.CorrelationID,
		Account:        o.AccountReference,
		LocalAmount:    o.Amount.Decimal,
		GatewayReceipt: o.GatewayReceipt,
		Source:         o.Source,
		At:             o.ReceivedAt,
	}
}

// Publisher receives every deposit event. Implementations must not block for long;
// publishing never changes the outcome of a reconciliation.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Fanout hands each event to every publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) {
	for _, p := range f {
		p.Publish(ctx, e)
	}
}
