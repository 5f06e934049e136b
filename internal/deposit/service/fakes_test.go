package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"abepay.com/internal/brokerage"
	"abepay.com/internal/deposit/events"
	"abepay.com/internal/mpesa"
)

type transferCall struct {
	Destination string
	Amount      decimal.Decimal
	Currency    string
}

type fakeTransfer struct {
	mu    sync.Mutex
	calls []transferCall
	err   error
	delay time.Duration
}

func (f *fakeTransfer) Transfer(ctx context.Context, dest string, amount decimal.Decimal, currency string) (brokerage.TransferResult, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, transferCall{Destination: dest, Amount: amount, Currency: currency})
	if f.err != nil {
		return brokerage.TransferResult{}, f.err
	}
	return brokerage.TransferResult{TransferID: fmt.Sprintf("T%d", len(f.calls)), ClientLoginID: dest}, nil
}

func (f *fakeTransfer) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeTransfer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransfer) last() transferCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type fakeGateway struct {
	mu       sync.Mutex
	requests int
	err      error
	nextID   int
	lastRef  string
	lastAmt  decimal.Decimal
	lastMSIS string
}

func (g *fakeGateway) Token(context.Context) (string, error) { return "tok", nil }

func (g *fakeGateway) RequestPayment(_ context.Context, _ string, phone string, amount decimal.Decimal, reference, _ string) (mpesa.PaymentAck, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests++
	if g.err != nil {
		return mpesa.PaymentAck{}, g.err
	}
	g.nextID++
	g.lastRef, g.lastAmt, g.lastMSIS = reference, amount, phone
	return mpesa.PaymentAck{
		CorrelationID:         fmt.Sprintf("ws_CO_%d", g.nextID),
		MerchantCorrelationID: fmt.Sprintf("29115-%d", g.nextID),
		CustomerMessage:       "Success. Request accepted for processing",
	}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *recordingPublisher) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Kind, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}
