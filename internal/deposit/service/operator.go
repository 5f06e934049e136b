package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"abepay.com/internal/deposit/domain"
	"abepay.com/pkg/logger"
)

var (
	ErrNotRetryable     = errors.New("deposit is not eligible for a transfer retry")
	ErrNotIndeterminate = errors.New("deposit is not awaiting transfer verification")
	ErrMissingTransfer  = errors.New("a credited resolution needs the observed transfer id")
	ErrUnknownState     = errors.New("unknown deposit state")
)

// RetryTransfer re-runs the brokerage transfer of a Failed deposit whose payment
// succeeded and whose transfer was definitively refused. It never asks the customer to
// pay again.
func (e *Engine) RetryTransfer(ctx context.Context, correlationID, actor string) (*domain.PendingDeposit, error) {
	unlock, err := e.locker.Lock(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := e.store.Get(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	if d.State != domain.StateFailed || !d.NeedsAttention || d.AttentionReason != domain.AttentionRetryTransfer ||
		!d.SettlementAmount.Valid {
		return nil, fmt.Errorf("%w: %s is %s (attention=%q)", ErrNotRetryable, correlationID, d.State, d.AttentionReason)
	}

	flagged, verify := true, domain.AttentionVerifyTransfer
	claimed, err := e.move(ctx, d, domain.Update{
		To:              domain.StateCrediting,
		NeedsAttention:  &flagged,
		AttentionReason: &verify,
		Actor:           actor,
		Note:            "operator retry of brokerage transfer",
	})
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "operator retrying transfer", zap.String("correlation_id", correlationID), zap.String("actor", actor))
	return e.credit(ctx, claimed, actor)
}

// ResolveIndeterminate settles a deposit whose transfer outcome was unknown, after an
// operator checked the brokerage ledger. That covers Indeterminate deposits and Crediting
// ones whose outcome was never recorded. credited=false leaves it Failed and retryable.
func (e *Engine) ResolveIndeterminate(ctx context.Context, correlationID string, credited bool, transferID, actor, note string) (*domain.PendingDeposit, error) {
	if credited && transferID == "" {
		return nil, ErrMissingTransfer
	}
	unlock, err := e.locker.Lock(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := e.store.Get(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	if d.State != domain.StateIndeterminate && d.State != domain.StateCrediting {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotIndeterminate, correlationID, d.State)
	}

	if note == "" {
		note = "operator verified transfer"
	}
	var u domain.Update
	if credited {
		cleared, none := false, ""
		u = domain.Update{
			To:              domain.StateCredited,
			TransferID:      &transferID,
			NeedsAttention:  &cleared,
			AttentionReason: &none,
			Resolve:         true,
			Actor:           actor,
			Note:            note,
		}
	} else {
		u = attention(domain.StateFailed, domain.AttentionRetryTransfer, note, actor)
	}
	out, err := e.move(ctx, d, u)
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "indeterminate deposit resolved",
		zap.String("correlation_id", correlationID), zap.Bool("credited", credited), zap.String("actor", actor))
	return out, nil
}

func (e *Engine) Get(ctx context.Context, correlationID string) (*domain.PendingDeposit, error) {
	return e.store.Get(ctx, correlationID)
}

func (e *Engine) Audit(ctx context.Context, correlationID string) ([]domain.AuditEntry, error) {
	return e.store.Audit(ctx, correlationID)
}

func (e *Engine) ListAttention(ctx context.Context, page, limit int) ([]*domain.PendingDeposit, int64, error) {
	return e.store.ListAttention(ctx, page, limit)
}

func (e *Engine) ListByState(ctx context.Context, state domain.State, page, limit int) ([]*domain.PendingDeposit, int64, error) {
	if !state.Valid() {
		return nil, 0, fmt.Errorf("%w: %q", ErrUnknownState, state)
	}
	return e.store.ListByState(ctx, state, page, limit)
}

func (e *Engine) ListOrphans(ctx context.Context, page, limit int) ([]*domain.OrphanNotification, int64, error) {
	return e.store.ListOrphans(ctx, page, limit)
}
