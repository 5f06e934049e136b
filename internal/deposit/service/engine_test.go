package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abepay.com/internal/brokerage"
	"abepay.com/internal/deposit/domain"
	"abepay.com/internal/deposit/events"
	"abepay.com/internal/deposit/repo/memory"
	"abepay.com/internal/mpesa"
)

var testRates = domain.Rates{Deposit: decimal.NewFromInt(130), Withdraw: decimal.NewFromInt(124)}

type harness struct {
	store     *memory.Store
	transfer  *fakeTransfer
	gateway   *fakeGateway
	pub       *recordingPublisher
	engine    *Engine
	initiator *Initiator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    memory.New(),
		transfer: &fakeTransfer{},
		gateway:  &fakeGateway{},
		pub:      &recordingPublisher{},
	}
	h.engine = NewEngine(h.store, h.transfer, WithPublisher(h.pub))
	h.engine.finishBackoff = time.Millisecond
	h.initiator = NewInitiator(h.gateway, h.engine, domain.NewRateBook(testRates),
		domain.Limits{Max: decimal.NewFromInt(250000)}, mpesa.DefaultPhoneFormat, "https://bridge.example/api/mpesa/callback")
	return h
}

func (h *harness) initiate(t *testing.T, kes int64, account string) string {
	t.Helper()
	res, err := h.initiator.Initiate(context.Background(), InitiateRequest{
		PhoneNumber:      "0712345678",
		Amount:           decimal.NewFromInt(kes),
		AccountReference: account,
	})
	require.NoError(t, err)
	return res.CorrelationID
}

func paid(id string, kes int64) Notification {
	return Notification{
		CorrelationID:  id,
		Succeeded:      true,
		ResultDesc:     "The service request is processed successfully.",
		SettledAmount:  decimal.NewNullDecimal(decimal.NewFromInt(kes)),
		GatewayReceipt: "NLJ7RT61SV",
		PhoneNumber:    "254712345678",
	}
}

func TestDepositScenario_CR1234567(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.initiator.Initiate(ctx, InitiateRequest{
		PhoneNumber:      "0712 345 678",
		Amount:           decimal.NewFromInt(13000),
		AccountReference: "cr1234567",
	})
	require.NoError(t, err)
	assert.Equal(t, "254712345678", h.gateway.lastMSIS)
	assert.Equal(t, "CR1234567", h.gateway.lastRef)
	assert.Equal(t, "100", res.Quote.SettlementAmount.String())
	assert.Equal(t, domain.StateAwaitingConfirmation, res.Deposit.State)

	out, err := h.engine.Reconcile(ctx, paid(res.CorrelationID, 13000))
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	assert.False(t, out.Orphan)

	d := out.Deposit
	assert.Equal(t, domain.StateCredited, d.State)
	assert.Equal(t, "T1", d.TransferID)
	assert.Equal(t, "NLJ7RT61SV", d.GatewayReceipt)
	assert.True(t, decimal.RequireFromString("100.00").Equal(d.SettlementAmount.Decimal))
	assert.False(t, d.NeedsAttention)
	assert.NotNil(t, d.ResolvedAt)

	require.Equal(t, 1, h.transfer.count())
	call := h.transfer.last()
	assert.Equal(t, "CR1234567", call.Destination)
	assert.Equal(t, "100.00", call.Amount.StringFixed(2))
	assert.Equal(t, "USD", call.Currency)

	audit, err := h.store.Audit(ctx, res.CorrelationID)
	require.NoError(t, err)
	var path []domain.State
	for _, a := range audit {
		path = append(path, a.ToState)
	}
	assert.Equal(t, []domain.State{
		domain.StateInitiated, domain.StateAwaitingConfirmation, domain.StateCrediting, domain.StateCredited,
	}, path)
	assert.Equal(t, []events.Kind{events.KindTransition, events.KindTransition, events.KindCredited}, h.pub.kinds())
}

func TestReconcile_DuplicateDeliveryTransfersOnce(t *testing.T) {
	h := newHarness(t)
	id := h.initiate(t, 1300, "CR1234567")

	first, err := h.engine.Reconcile(context.Background(), paid(id, 1300))
	require.NoError(t, err)
	require.Equal(t, domain.StateCredited, first.Deposit.State)

	second, err := h.engine.Reconcile(context.Background(), paid(id, 1300))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, domain.StateCredited, second.Deposit.State)
	assert.Equal(t, first.Deposit.TransferID, second.Deposit.TransferID)
	assert.Equal(t, 1, h.transfer.count())
}

func TestReconcile_ConcurrentDeliveriesTransferOnce(t *testing.T) {
	h := newHarness(t)
	h.transfer.delay = 20 * time.Millisecond
	id := h.initiate(t, 2600, "CR1234567")

	// a second engine on the same store stands in for another replica
	replica := NewEngine(h.store, h.transfer)

	const n = 16
	var wg sync.WaitGroup
	results := make([]ReconcileResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := h.engine
			if i%2 == 1 {
				e = replica
			}
			results[i], errs[i] = e.Reconcile(context.Background(), paid(id, 2600))
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := range results {
		require.NoError(t, errs[i])
		if !results[i].Duplicate {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, h.transfer.count())

	d, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCredited, d.State)
}

func TestReconcile_OrphanIsNeverCredited(t *testing.T) {
	h := newHarness(t)

	out, err := h.engine.Reconcile(context.Background(), paid("ws_CO_unknown", 5000))
	require.NoError(t, err)
	assert.True(t, out.Orphan)
	assert.Nil(t, out.Deposit)
	assert.Zero(t, h.transfer.count())

	orphans, total, err := h.engine.ListOrphans(context.Background(), 1, 10)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	assert.Equal(t, "ws_CO_unknown", orphans[0].CorrelationID)
	assert.Equal(t, domain.OrphanSourceSTK, orphans[0].Source)
	assert.Equal(t, "5000", orphans[0].Amount.Decimal.String())
	assert.Equal(t, []events.Kind{events.KindOrphan}, h.pub.kinds())

	_, err = h.store.Get(context.Background(), "ws_CO_unknown")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// a redelivery is stored and published once
	out, err = h.engine.Reconcile(context.Background(), paid("ws_CO_unknown", 5000))
	require.NoError(t, err)
	assert.True(t, out.Orphan)
	_, total, err = h.engine.ListOrphans(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Len(t, h.pub.kinds(), 1)
}

func TestReconcile_PaymentFailed(t *testing.T) {
	h := newHarness(t)
	id := h.initiate(t, 1300, "CR1234567")

	out, err := h.engine.Reconcile(context.Background(), Notification{
		CorrelationID: id,
		ResultCode:    1032,
		ResultDesc:    "Request cancelled by user",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, out.Deposit.State)
	assert.Contains(t, out.Deposit.FailureReason, "Request cancelled by user")
	assert.False(t, out.Deposit.NeedsAttention)
	assert.Zero(t, h.transfer.count())
}

func TestReconcile_TerminalStatesAreFinal(t *testing.T) {
	h := newHarness(t)
	id := h.initiate(t, 1300, "CR1234567")
	_, err := h.engine.Reconcile(context.Background(), paid(id, 1300))
	require.NoError(t, err)

	// a late failure notice must not undo a credit
	out, err := h.engine.Reconcile(context.Background(), Notification{CorrelationID: id, ResultCode: 1, ResultDesc: "late"})
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Equal(t, domain.StateCredited, out.Deposit.State)

	// and a failed deposit does not credit on a late success
	id2 := h.initiate(t, 1300, "CR1234567")
	_, err = h.engine.Reconcile(context.Background(), Notification{CorrelationID: id2, ResultCode: 1032, ResultDesc: "cancelled"})
	require.NoError(t, err)
	out, err = h.engine.Reconcile(context.Background(), paid(id2, 1300))
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Equal(t, domain.StateFailed, out.Deposit.State)
	assert.Equal(t, 1, h.transfer.count())
}

func TestReconcile_AccountReference(t *testing.T) {
	t.Run("echoed reference matching the record", func(t *testing.T) {
		h := newHarness(t)
		id := h.initiate(t, 1300, "CR1234567")
		n := paid(id, 1300)
		n.AccountReference = " cr1234567 "

		out, err := h.engine.Reconcile(context.Background(), n)
		require.NoError(t, err)
		assert.Equal(t, domain.StateCredited, out.Deposit.State)
	})

	t.Run("echoed reference naming another account", func(t *testing.T) {
		h := newHarness(t)
		id := h.initiate(t, 1300, "CR1234567")
		n := paid(id, 1300)
		n.AccountReference = "CR7654321"

		out, err := h.engine.Reconcile(context.Background(), n)
		require.NoError(t, err)
		assert.Equal(t, domain.StateRejected, out.Deposit.State)
		assert.True(t, out.Deposit.NeedsAttention)
		assert.Equal(t, domain.AttentionAccountMismatch, out.Deposit.AttentionReason)
		assert.Zero(t, h.transfer.count())
	})

	t.Run("unusable reference", func(t *testing.T) {
		h := newHarness(t)
		id := h.initiate(t, 1300, "CR1234567")
		n := paid(id, 1300)
		n.AccountReference = "not an account"

		out, err := h.engine.Reconcile(context.Background(), n)
		require.NoError(t, err)
		assert.Equal(t, domain.StateFailed, out.Deposit.State)
		assert.Equal(t, domain.AttentionMissingRouting, out.Deposit.AttentionReason)
		assert.Zero(t, h.transfer.count())
	})
}

func TestReconcile_InvalidSettledAmount(t *testing.T) {
	h := newHarness(t)
	id := h.initiate(t, 1300, "CR1234567")
	n := paid(id, 0)
	n.SettledAmount = decimal.NullDecimal{}

	out, err := h.engine.Reconcile(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRejected, out.Deposit.State)
	assert.Equal(t, domain.AttentionInvalidAmount, out.Deposit.AttentionReason)
	assert.Zero(t, h.transfer.count())
}

func TestReconcile_SettledAmountWins(t *testing.T) {
	h := newHarness(t)
	id := h.initiate(t, 13000, "CR1234567")

	out, err := h.engine.Reconcile(context.Background(), paid(id, 6500))
	require.NoError(t, err)
	assert.Equal(t, domain.StateCredited, out.Deposit.State)
	assert.Equal(t, "50.00", h.transfer.last().Amount.StringFixed(2))
	assert.Equal(t, "6500", out.Deposit.SettledLocalAmount.Decimal.String())
}

func TestReconcile_TransferTimeoutIsIndeterminate(t *testing.T) {
	h := newHarness(t)
	h.transfer.setErr(fmt.Errorf("%w: req_id=7: context deadline exceeded", brokerage.ErrTransferTimeout))
	id := h.initiate(t, 1300, "CR1234567")

	out, err := h.engine.Reconcile(context.Background(), paid(id, 1300))
	require.NoError(t, err)
	assert.Equal(t, domain.StateIndeterminate, out.Deposit.State)
	assert.True(t, out.Deposit.NeedsAttention)
	assert.Equal(t, domain.AttentionVerifyTransfer, out.Deposit.AttentionReason)

	// redelivery never retries an unknown transfer
	h.transfer.setErr(nil)
	again, err := h.engine.Reconcile(context.Background(), paid(id, 1300))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, 1, h.transfer.count())

	list, total, err := h.engine.ListAttention(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, id, list[0].CorrelationID)

	_, err = h.engine.ResolveIndeterminate(context.Background(), id, true, "", "ops", "")
	assert.ErrorIs(t, err, ErrMissingTransfer)

	resolved, err := h.engine.ResolveIndeterminate(context.Background(), id, true, "88776655", "ops", "seen in agent statement")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCredited, resolved.State)
	assert.Equal(t, "88776655", resolved.TransferID)
	assert.False(t, resolved.NeedsAttention)
	assert.Equal(t, 1, h.transfer.count())

	_, err = h.engine.ResolveIndeterminate(context.Background(), id, false, "", "ops", "")
	assert.ErrorIs(t, err, ErrNotIndeterminate)
}

func TestReconcile_TransferRejectedThenOperatorRetry(t *testing.T) {
	h := newHarness(t)
	h.transfer.setErr(fmt.Errorf("%w: PaymentAgentTransferError: Client account is disabled.", brokerage.ErrTransferRejected))
	id := h.initiate(t, 1300, "CR1234567")

	out, err := h.engine.Reconcile(context.Background(), paid(id, 1300))
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, out.Deposit.State)
	assert.Equal(t, domain.AttentionRetryTransfer, out.Deposit.AttentionReason)
	assert.Contains(t, out.Deposit.FailureReason, "Client account is disabled")

	// a webhook redelivery is not a retry
	again, err := h.engine.Reconcile(context.Background(), paid(id, 1300))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, 1, h.transfer.count())

	h.transfer.setErr(nil)
	retried, err := h.engine.RetryTransfer(context.Background(), id, "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCredited, retried.State)
	assert.Equal(t, "T2", retried.TransferID)
	assert.Equal(t, "10.00", h.transfer.last().Amount.StringFixed(2))
	assert.Equal(t, 1, h.gateway.requests, "payment is never requested again")

	_, err = h.engine.RetryTransfer(context.Background(), id, "ops")
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestRetryTransfer_NotForGatewayFailures(t *testing.T) {
	h := newHarness(t)
	id := h.initiate(t, 1300, "CR1234567")
	_, err := h.engine.Reconcile(context.Background(), Notification{CorrelationID: id, ResultCode: 1032, ResultDesc: "cancelled"})
	require.NoError(t, err)

	_, err = h.engine.RetryTransfer(context.Background(), id, "ops")
	assert.ErrorIs(t, err, ErrNotRetryable)
	assert.Zero(t, h.transfer.count())
}

func TestReconcile_AuthFailureIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.transfer.setErr(fmt.Errorf("%w: %w", brokerage.ErrTransferNotSent, brokerage.ErrAuthFailure))
	id := h.initiate(t, 1300, "CR1234567")

	out, err := h.engine.Reconcile(context.Background(), paid(id, 1300))
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, out.Deposit.State)
	assert.Equal(t, domain.AttentionRetryTransfer, out.Deposit.AttentionReason)
}

func TestListByState(t *testing.T) {
	h := newHarness(t)
	h.initiate(t, 1300, "CR1234567")
	h.initiate(t, 2600, "CR1234567")

	list, total, err := h.engine.ListByState(context.Background(), domain.StateAwaitingConfirmation, 1, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, list, 1)

	_, _, err = h.engine.ListByState(context.Background(), domain.State("BOGUS"), 1, 10)
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestInitiate_ValidationBeforeGateway(t *testing.T) {
	cases := []struct {
		name string
		req  InitiateRequest
		want error
	}{
		{"bad phone", InitiateRequest{PhoneNumber: "12345", Amount: decimal.NewFromInt(1300), AccountReference: "CR1234567"}, domain.ErrInvalidPhone},
		{"bad account", InitiateRequest{PhoneNumber: "0712345678", Amount: decimal.NewFromInt(1300), AccountReference: "1234"}, domain.ErrInvalidAccount},
		{"zero amount", InitiateRequest{PhoneNumber: "0712345678", Amount: decimal.Zero, AccountReference: "CR1234567"}, domain.ErrInvalidAmount},
		{"below one dollar", InitiateRequest{PhoneNumber: "0712345678", Amount: decimal.NewFromInt(100), AccountReference: "CR1234567"}, domain.ErrAmountOutOfRange},
		{"above max", InitiateRequest{PhoneNumber: "0712345678", Amount: decimal.NewFromInt(250001), AccountReference: "CR1234567"}, domain.ErrAmountOutOfRange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.initiator.Initiate(context.Background(), tc.req)
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, isValidation(err))
			assert.Zero(t, h.gateway.requests)
		})
	}
}

func TestInitiate_GatewayRefusalCreatesNothing(t *testing.T) {
	h := newHarness(t)
	h.gateway.err = &mpesa.GatewayError{Kind: mpesa.ErrGatewayRejected, StatusCode: 400, Description: "Invalid PhoneNumber"}

	_, err := h.initiator.Initiate(context.Background(), InitiateRequest{
		PhoneNumber: "0712345678", Amount: decimal.NewFromInt(1300), AccountReference: "CR1234567",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, mpesa.ErrGatewayRejected))
	assert.Equal(t, "rejected", initiateOutcome(err))

	_, total, err := h.store.ListByState(context.Background(), domain.StateAwaitingConfirmation, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestInitiate_AmountRoundedToWholeUnits(t *testing.T) {
	h := newHarness(t)
	res, err := h.initiator.Initiate(context.Background(), InitiateRequest{
		PhoneNumber: "+254 712 345 678", Amount: decimal.RequireFromString("1300.4"), AccountReference: "CR1234567",
	})
	require.NoError(t, err)
	assert.Equal(t, "1300", h.gateway.lastAmt.String())
	assert.Equal(t, "1300", res.Deposit.RequestedLocalAmount.String())
	assert.Equal(t, "130", res.Deposit.DepositRate.String())
}

func TestQuote(t *testing.T) {
	h := newHarness(t)
	q, err := h.initiator.Quote(domain.DirectionWithdraw, decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, "12400", q.LocalAmount.String())

	_, err = h.initiator.Quote("sideways", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, domain.ErrUnknownDirection)
}

// outcomeWriteFails accepts every transition except the one out of Crediting.
type outcomeWriteFails struct {
	domain.Store
}

func (s outcomeWriteFails) Transition(ctx context.Context, correlationID string, from domain.State, u domain.Update) (*domain.PendingDeposit, error) {
	if from == domain.StateCrediting {
		return nil, errors.New("db down")
	}
	return s.Store.Transition(ctx, correlationID, from, u)
}

func TestReconcile_UnrecordedOutcomeStaysVisible(t *testing.T) {
	h := newHarness(t)
	id := h.initiate(t, 13000, "CR1234567")

	broken := NewEngine(outcomeWriteFails{Store: h.store}, h.transfer, WithPublisher(h.pub))
	broken.finishBackoff = time.Millisecond

	_, err := broken.Reconcile(context.Background(), paid(id, 13000))
	require.Error(t, err)
	require.Equal(t, 1, h.transfer.count())

	d, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCrediting, d.State)
	assert.True(t, d.NeedsAttention)
	assert.Equal(t, domain.AttentionVerifyTransfer, d.AttentionReason)

	list, total, err := h.engine.ListAttention(context.Background(), 1, 10)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	assert.Equal(t, id, list[0].CorrelationID)

	// a redelivery must not transfer again
	again, err := h.engine.Reconcile(context.Background(), paid(id, 13000))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, 1, h.transfer.count())

	_, err = h.engine.RetryTransfer(context.Background(), id, "ops")
	assert.ErrorIs(t, err, ErrNotRetryable)

	resolved, err := h.engine.ResolveIndeterminate(context.Background(), id, true, "T1", "ops", "found in agent statement")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCredited, resolved.State)
	assert.Equal(t, "T1", resolved.TransferID)
	assert.False(t, resolved.NeedsAttention)
	assert.Equal(t, 1, h.transfer.count())
}

func TestRetryTransfer_FlagsWhileInFlight(t *testing.T) {
	h := newHarness(t)
	h.transfer.setErr(fmt.Errorf("%w: account disabled", brokerage.ErrTransferRejected))
	id := h.initiate(t, 1300, "CR1234567")
	_, err := h.engine.Reconcile(context.Background(), paid(id, 1300))
	require.NoError(t, err)

	h.transfer.setErr(nil)
	broken := NewEngine(outcomeWriteFails{Store: h.store}, h.transfer, WithPublisher(h.pub))
	broken.finishBackoff = time.Millisecond
	_, err = broken.RetryTransfer(context.Background(), id, "ops")
	require.Error(t, err)

	d, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCrediting, d.State)
	assert.True(t, d.NeedsAttention)
	assert.Equal(t, domain.AttentionVerifyTransfer, d.AttentionReason)

	failed, err := h.engine.ResolveIndeterminate(context.Background(), id, false, "", "ops", "not in agent statement")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, failed.State)
	assert.Equal(t, domain.AttentionRetryTransfer, failed.AttentionReason)
}
