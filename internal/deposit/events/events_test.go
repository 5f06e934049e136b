package events

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abepay.com/internal/deposit/domain"
)

func creditedDeposit() *domain.PendingDeposit {
	return &domain.PendingDeposit{
		CorrelationID:        "ws_CO_1",
		MerchantReference:    "CR1234567",
		RequestedLocalAmount: decimal.NewFromInt(13000),
		DepositRate:          decimal.NewFromInt(130),
		State:                domain.StateCredited,
		SettledLocalAmount:   decimal.NewNullDecimal(decimal.NewFromInt(13000)),
		SettlementAmount:     decimal.NewNullDecimal(decimal.RequireFromString("100.00")),
		Currency:             "USD",
		TransferID:           "998877",
		GatewayReceipt:       "NLJ7RT61SV",
		UpdatedAt:            time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC),
	}
}

func TestFromTransition_Kinds(t *testing.T) {
	d := creditedDeposit()
	e := FromTransition(domain.StateCrediting, d)
	assert.Equal(t, KindCredited, e.Kind)
	assert.Equal(t, TopicCredited, e.Topic())
	assert.Equal(t, "998877", e.TransferID)
	assert.True(t, decimal.RequireFromString("100").Equal(e.SettlementAmount))

	d.State = domain.StateIndeterminate
	d.NeedsAttention = true
	d.AttentionReason = domain.AttentionVerifyTransfer
	e = FromTransition(domain.StateCrediting, d)
	assert.Equal(t, KindAttention, e.Kind)
	assert.Equal(t, TopicAttention, e.Topic())
	assert.Equal(t, domain.AttentionVerifyTransfer, e.AttentionReason)

	d.State = domain.StateCrediting
	e = FromTransition(domain.StateAwaitingConfirmation, d)
	assert.Equal(t, TopicTransition, e.Topic())

	d.NeedsAttention = false
	e = FromTransition(domain.StateAwaitingConfirmation, d)
	assert.Equal(t, TopicTransition, e.Topic())
}

func TestBusPublisher_RoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemBroker()
	all, err := b.Subscribe(ctx, []string{TopicCredited, TopicOrphan})
	require.NoError(t, err)

	// Watch on its own subscription decodes payloads
	decoded := make(chan Event, 4)
	go func() {
		_ = Watch(ctx, b, []string{TopicCredited}, func(_ context.Context, e Event) { decoded <- e })
	}()
	require.Eventually(t, func() bool {
		b.mu.RLock()
		defer b.mu.RUnlock()
		return len(b.subs[TopicCredited]) == 2
	}, time.Second, 5*time.Millisecond)

	p := NewBusPublisher(b)
	p.Publish(ctx, FromTransition(domain.StateCrediting, creditedDeposit()))
	p.Publish(ctx, FromOrphan(&domain.OrphanNotification{CorrelationID: "ws_CO_X", Source: domain.OrphanSourceSTK}))
	p.Publish(ctx, Event{Kind: KindTransition})

	select {
	case e := <-decoded:
		assert.Equal(t, KindCredited, e.Kind)
		assert.Equal(t, "ws_CO_1", e.CorrelationID)
		assert.Equal(t, domain.StateCredited, e.To)
		assert.True(t, decimal.RequireFromString("100").Equal(e.SettlementAmount))
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	// credited + orphan reach the first subscriber, the plain transition does not
	require.Eventually(t, func() bool { return len(all) == 2 }, time.Second, 5*time.Millisecond)
}

func TestMemBroker_UnsubscribeOnCancel(t *testing.T) {
	b := NewMemBroker()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx, []string{TopicOrphan})
	require.NoError(t, err)

	cancel()
	_, open := <-ch
	assert.False(t, open)

	b.mu.RLock()
	assert.Empty(t, b.subs[TopicOrphan])
	b.mu.RUnlock()
	assert.NoError(t, b.Publish(context.Background(), TopicOrphan, []byte("{}")))
}

type recorder struct{ events []Event }

func (r *recorder) Publish(_ context.Context, e Event) { r.events = append(r.events, e) }

func TestFanout(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Fanout{a, Nop{}, b}.Publish(context.Background(), Event{Kind: KindOrphan})
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestPoint(t *testing.T) {
	d := creditedDeposit()
	p := point(FromTransition(domain.StateCrediting, d))
	assert.Equal(t, measurement, p.Name())

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, "credited", tags["kind"])
	assert.Equal(t, "CREDITED", tags["to"])
	assert.Equal(t, "USD", tags["currency"])

	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, "ws_CO_1", fields["correlation_id"])
	assert.Equal(t, 100.0, fields["settlement_amount"])
	assert.Equal(t, 13000.0, fields["local_amount"])
	assert.Equal(t, d.UpdatedAt, p.Time())
}

func TestNatsBroker(t *testing.T) {
	url := os.Getenv("BRIDGE_TEST_NATS_URL")
	if url == "" {
		t.Skip("BRIDGE_TEST_NATS_URL not set")
	}
	b, err := NewNatsBroker(url, "abepay-test")
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := b.Subscribe(ctx, []string{TopicAttention})
	require.NoError(t, err)
	require.NoError(t, b.nc.Flush())

	require.NoError(t, b.Publish(ctx, TopicAttention, []byte(`{"kind":"attention"}`)))
	select {
	case m := <-ch:
		assert.Equal(t, TopicAttention, m.Topic)
		assert.JSONEq(t, `{"kind":"attention"}`, string(m.Payload))
	case <-ctx.Done():
		t.Fatal("no message from nats")
	}
}
