package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"abepay.com/internal/brokerage"
	"abepay.com/internal/deposit/domain"
	"abepay.com/internal/deposit/events"
	"abepay.com/pkg/logger"
	"abepay.com/pkg/metrics"
	"abepay.com/pkg/trace"
)

const (
	ActorInitiator = "initiator"
	ActorWebhook   = "webhook"
	ActorEngine    = "engine"
)

// Transferer credits a trading account. *brokerage.Client is the production one.
type Transferer interface {
	Transfer(ctx context.Context, destination string, amount decimal.Decimal, currency string) (brokerage.TransferResult, error)
}

// Engine owns every state change of a pending deposit.
type Engine struct {
	store    domain.Store
	transfer Transferer
	locker   Locker
	pub      events.Publisher
	now      func() time.Time

	finishRetries int
	finishBackoff time.Duration
}

type EngineOption func(*Engine)

// WithSharedLocker adds a cross-replica lock on top of the in-process one.
func WithSharedLocker(l Locker) EngineOption {
	return func(e *Engine) { e.locker = chainLocker{local: NewKeyedLocker(), shared: l} }
}

func WithPublisher(p events.Publisher) EngineOption { return func(e *Engine) { e.pub = p } }

func WithClock(now func() time.Time) EngineOption { return func(e *Engine) { e.now = now } }

func NewEngine(store domain.Store, transfer Transferer, opts ...EngineOption) *Engine {
	e := &Engine{
		store:         store,
		transfer:      transfer,
		locker:        chainLocker{local: NewKeyedLocker()},
		pub:           events.Nop{},
		now:           func() time.Time { return time.Now().UTC() },
		finishRetries: 3,
		finishBackoff: 200 * time.Millisecond,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Open records a payment request the gateway has accepted. The record is created
// Initiated and moved to AwaitingConfirmation in one transaction.
func (e *Engine) Open(ctx context.Context, d *domain.PendingDeposit) (*domain.PendingDeposit, error) {
	now := e.now()
	d.State = domain.StateInitiated
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Currency == "" {
		d.Currency = domain.SettlementCurrency
	}

	var out *domain.PendingDeposit
	err := e.store.Transaction(ctx, func(ctx context.Context) error {
		if err := e.store.Create(ctx, d, ActorInitiator, "payment requested"); err != nil {
			return err
		}
		var err error
		out, err = e.store.Transition(ctx, d.CorrelationID, domain.StateInitiated, domain.Update{
			To:    domain.StateAwaitingConfirmation,
			Actor: ActorInitiator,
			Note:  "gateway accepted payment request",
			At:    now,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open deposit %s: %w", d.CorrelationID, err)
	}
	e.after(ctx, domain.StateInitiated, out)
	return out, nil
}

// Reconcile applies a gateway notification. It is idempotent: a notification for a
// deposit that already left AwaitingConfirmation changes nothing and is reported as a
// duplicate. Notifications with no deposit behind them are kept as orphans and never
// credited.
func (e *Engine) Reconcile(ctx context.Context, n Notification) (ReconcileResult, error) {
	if n.CorrelationID == "" {
		return ReconcileResult{}, errors.New("reconcile: notification without correlation id")
	}
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = e.now()
	}
	ctx, span := trace.Tracer("deposit").Start(ctx, "deposit.reconcile", oteltrace.WithAttributes(
		attribute.String("correlation_id", n.CorrelationID),
		attribute.Int("result_code", n.ResultCode),
	))
	defer span.End()

	unlock, err := e.locker.Lock(ctx, n.CorrelationID)
	if err != nil {
		metrics.ReconcileTotal.WithLabelValues("error").Inc()
		return ReconcileResult{}, fmt.Errorf("lock %s: %w", n.CorrelationID, err)
	}
	defer unlock()

	res, outcome, err := e.reconcile(ctx, n)
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	metrics.ReconcileTotal.WithLabelValues(outcome).Inc()
	return res, err
}

func (e *Engine) reconcile(ctx context.Context, n Notification) (ReconcileResult, string, error) {
	d, err := e.store.Get(ctx, n.CorrelationID)
	if errors.Is(err, domain.ErrNotFound) {
		if err := e.RecordOrphan(ctx, n.orphan()); err != nil {
			return ReconcileResult{Orphan: true}, "orphan", err
		}
		return ReconcileResult{Orphan: true}, "orphan", nil
	}
	if err != nil {
		return ReconcileResult{}, "", err
	}

	if d.State != domain.StateAwaitingConfirmation {
		logger.Info(ctx, "duplicate notification ignored",
			zap.String("correlation_id", d.CorrelationID), zap.String("state", string(d.State)))
		return ReconcileResult{Deposit: d, Duplicate: true}, "duplicate", nil
	}

	if !n.Succeeded {
		reason := fmt.Sprintf("payment failed: %d %s", n.ResultCode, n.ResultDesc)
		out, err := e.move(ctx, d, domain.Update{
			To:            domain.StateFailed,
			FailureReason: &reason,
			Actor:         ActorWebhook,
			Note:          reason,
		})
		return e.settled(ctx, d, out, err, "failed")
	}

	ref := n.AccountReference
	if ref == "" {
		ref = d.MerchantReference
	}
	account, err := domain.NormalizeAccount(ref)
	if err != nil {
		out, err := e.flag(ctx, d, domain.StateFailed, domain.AttentionMissingRouting,
			fmt.Sprintf("no usable account reference: %q", ref), n)
		return e.settled(ctx, d, out, err, "failed")
	}
	if recorded, recErr := domain.NormalizeAccount(d.MerchantReference); recErr == nil && account != recorded {
		out, err := e.flag(ctx, d, domain.StateRejected, domain.AttentionAccountMismatch,
			fmt.Sprintf("notification names account %s, deposit was opened for %s", account, recorded), n)
		return e.settled(ctx, d, out, err, "rejected")
	}

	settled := n.SettledAmount.Decimal
	if !n.SettledAmount.Valid || !settled.IsPositive() {
		out, err := e.flag(ctx, d, domain.StateRejected, domain.AttentionInvalidAmount,
			fmt.Sprintf("settled amount missing or not positive: %s", settled), n)
		return e.settled(ctx, d, out, err, "rejected")
	}
	if !settled.Equal(d.RequestedLocalAmount) {
		logger.Warn(ctx, "settled amount differs from requested",
			zap.String("correlation_id", d.CorrelationID),
			zap.String("requested", d.RequestedLocalAmount.String()),
			zap.String("settled", settled.String()))
	}
	settlement, err := domain.Convert(settled, d.DepositRate)
	if err == nil && !settlement.IsPositive() {
		err = fmt.Errorf("%w: %s converts to %s", domain.ErrInvalidAmount, settled, settlement)
	}
	if err != nil {
		out, err := e.flag(ctx, d, domain.StateRejected, domain.AttentionInvalidAmount, err.Error(), n)
		return e.settled(ctx, d, out, err, "rejected")
	}

	// Crediting carries verify_transfer until the outcome is written, so a record left
	// here by a crash or a failed write shows up in the attention queue
	receipt := n.GatewayReceipt
	flagged, verify := true, domain.AttentionVerifyTransfer
	claimed, err := e.move(ctx, d, domain.Update{
		To:                 domain.StateCrediting,
		SettledLocalAmount: &settled,
		SettlementAmount:   &settlement,
		GatewayReceipt:     &receipt,
		NeedsAttention:     &flagged,
		AttentionReason:    &verify,
		Actor:              ActorWebhook,
		Note:               fmt.Sprintf("payment confirmed, receipt %s", receipt),
	})
	if errors.Is(err, domain.ErrStateConflict) {
		cur, gerr := e.store.Get(ctx, d.CorrelationID)
		if gerr != nil {
			return ReconcileResult{}, "", gerr
		}
		return ReconcileResult{Deposit: cur, Duplicate: true}, "duplicate", nil
	}
	if err != nil {
		return ReconcileResult{}, "", err
	}

	out, err := e.credit(ctx, claimed, ActorEngine)
	if err != nil {
		return ReconcileResult{Deposit: out}, "", err
	}
	return ReconcileResult{Deposit: out}, outcomeOf(out), nil
}

// settled maps the result of a single terminal move. Losing the CAS there means another
// delivery got in first.
func (e *Engine) settled(ctx context.Context, d, out *domain.PendingDeposit, err error, outcome string) (ReconcileResult, string, error) {
	if errors.Is(err, domain.ErrStateConflict) {
		cur, gerr := e.store.Get(ctx, d.CorrelationID)
		if gerr != nil {
			return ReconcileResult{}, "", gerr
		}
		return ReconcileResult{Deposit: cur, Duplicate: true}, "duplicate", nil
	}
	if err != nil {
		return ReconcileResult{}, "", err
	}
	return ReconcileResult{Deposit: out}, outcome, nil
}

func (e *Engine) flag(ctx context.Context, d *domain.PendingDeposit, to domain.State, reason, detail string, n Notification) (*domain.PendingDeposit, error) {
	logger.Error(ctx, "deposit flagged for attention",
		zap.String("correlation_id", d.CorrelationID),
		zap.String("reason", reason),
		zap.String("detail", detail),
		zap.String("receipt", n.GatewayReceipt))

	flagged := true
	receipt := n.GatewayReceipt
	u := domain.Update{
		To:              to,
		FailureReason:   &detail,
		NeedsAttention:  &flagged,
		AttentionReason: &reason,
		GatewayReceipt:  &receipt,
		Actor:           ActorWebhook,
		Note:            detail,
	}
	if n.SettledAmount.Valid {
		amt := n.SettledAmount.Decimal
		u.SettledLocalAmount = &amt
	}
	return e.move(ctx, d, u)
}

// credit transfers the settlement amount of a Crediting deposit and records the outcome.
// A transfer whose outcome is unknown is never retried here.
func (e *Engine) credit(ctx context.Context, d *domain.PendingDeposit, actor string) (*domain.PendingDeposit, error) {
	amount := d.SettlementAmount.Decimal
	res, err := e.transfer.Transfer(ctx, d.MerchantReference, amount, d.Currency)

	var u domain.Update
	switch {
	case err == nil:
		id, cleared, none := res.TransferID, false, ""
		u = domain.Update{
			To:              domain.StateCredited,
			TransferID:      &id,
			NeedsAttention:  &cleared,
			AttentionReason: &none,
			Resolve:         true,
			Actor:           actor,
			Note:            fmt.Sprintf("credited %s %s, transfer %s", amount.StringFixed(2), d.Currency, id),
		}
	case errors.Is(err, brokerage.ErrTransferTimeout):
		u = attention(domain.StateIndeterminate, domain.AttentionVerifyTransfer, err.Error(), actor)
	default:
		u = attention(domain.StateFailed, domain.AttentionRetryTransfer, err.Error(), actor)
	}
	if err != nil {
		logger.Error(ctx, "brokerage transfer did not complete",
			zap.String("correlation_id", d.CorrelationID),
			zap.String("account", d.MerchantReference),
			zap.String("amount", amount.StringFixed(2)),
			zap.String("next_state", string(u.To)),
			zap.Error(err))
	}

	out, ferr := e.finish(ctx, d, u)
	if ferr != nil {
		// money may have moved; the record stays Crediting, flagged verify_transfer
		logger.Error(ctx, "record transfer outcome failed",
			zap.String("correlation_id", d.CorrelationID),
			zap.String("intended_state", string(u.To)),
			zap.String("transfer_id", res.TransferID),
			zap.Error(ferr))
		return d, ferr
	}
	if out.State == domain.StateCredited {
		metrics.CreditedAmountTotal.WithLabelValues(out.Currency).Add(amount.InexactFloat64())
		logger.Info(ctx, "deposit credited",
			zap.String("correlation_id", out.CorrelationID),
			zap.String("account", out.MerchantReference),
			zap.String("amount", amount.StringFixed(2)),
			zap.String("transfer_id", out.TransferID))
	}
	return out, nil
}

// finish records the outcome of a transfer that already happened (or may have), so a
// transient store error is retried on a context the caller cannot cancel.
func (e *Engine) finish(ctx context.Context, d *domain.PendingDeposit, u domain.Update) (*domain.PendingDeposit, error) {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 0; attempt <= e.finishRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * e.finishBackoff)
		}
		var out *domain.PendingDeposit
		out, err = e.move(ctx, d, u)
		if err == nil || errors.Is(err, domain.ErrStateConflict) || errors.Is(err, domain.ErrInvalidTransition) {
			return out, err
		}
	}
	return nil, err
}

func attention(to domain.State, reason, detail, actor string) domain.Update {
	flagged := true
	return domain.Update{
		To:              to,
		FailureReason:   &detail,
		NeedsAttention:  &flagged,
		AttentionReason: &reason,
		Actor:           actor,
		Note:            detail,
	}
}

// move is the single place a transition is written.
func (e *Engine) move(ctx context.Context, d *domain.PendingDeposit, u domain.Update) (*domain.PendingDeposit, error) {
	if u.At.IsZero() {
		u.At = e.now()
	}
	out, err := e.store.Transition(ctx, d.CorrelationID, d.State, u)
	if err != nil {
		return nil, err
	}
	e.after(ctx, d.State, out)
	if d.NeedsAttention != out.NeedsAttention {
		e.refreshAttention(ctx)
	}
	return out, nil
}

func (e *Engine) after(ctx context.Context, from domain.State, d *domain.PendingDeposit) {
	metrics.DepositTransitionTotal.WithLabelValues(string(from), string(d.State)).Inc()
	logger.Info(ctx, "deposit transition",
		zap.String("correlation_id", d.CorrelationID),
		zap.String("from", string(from)),
		zap.String("to", string(d.State)),
		zap.Bool("needs_attention", d.NeedsAttention))
	e.pub.Publish(ctx, events.FromTransition(from, d))
}

func (e *Engine) refreshAttention(ctx context.Context) {
	_, total, err := e.store.ListAttention(ctx, 1, 1)
	if err != nil {
		logger.Warn(ctx, "count attention deposits failed", zap.Error(err))
		return
	}
	metrics.AttentionGauge.Set(float64(total))
}

// RefreshAttentionGauge sets the attention gauge from the store.
func (e *Engine) RefreshAttentionGauge(ctx context.Context) { e.refreshAttention(ctx) }

// RecordOrphan keeps a notification nobody asked for. It is logged at error level and
// published; it never leads to a transfer. A redelivered orphan is stored once.
func (e *Engine) RecordOrphan(ctx context.Context, o *domain.OrphanNotification) error {
	if o.ReceivedAt.IsZero() {
		o.ReceivedAt = e.now()
	}
	if err := e.store.SaveOrphan(ctx, o); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			logger.Info(ctx, "orphan notification redelivered",
				zap.String("source", o.Source), zap.String("correlation_id", o.CorrelationID))
			return nil
		}
		return fmt.Errorf("save orphan %s: %w", o.CorrelationID, err)
	}

	metrics.OrphanNotificationTotal.WithLabelValues(o.Source).Inc()
	logger.Error(ctx, "orphan payment notification",
		zap.String("source", o.Source),
		zap.String("correlation_id", o.CorrelationID),
		zap.String("receipt", o.GatewayReceipt),
		zap.String("account", o.AccountReference),
		zap.String("amount", o.Amount.Decimal.String()))
	e.pub.Publish(ctx, events.FromOrphan(o))
	return nil
}

func outcomeOf(d *domain.PendingDeposit) string {
	switch d.State {
	case domain.StateCredited:
		return "credited"
	case domain.StateIndeterminate:
		return "indeterminate"
	case domain.StateFailed:
		return "transfer_failed"
	default:
		return string(d.State)
	}
}
