package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"abepay.com/internal/deposit/domain"
	"abepay.com/pkg/metrics"
	"abepay.com/pkg/orm"
)

func (r *Repo) Create(ctx context.Context, d *domain.PendingDeposit, actor, note string) (err error) {
	defer func(start time.Time) { metrics.ObserveDB("deposit_create", start, err) }(time.Now())

	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	d.UpdatedAt = d.CreatedAt
	row := toRow(d)

	return r.Transaction(ctx, func(txCtx context.Context) error {
		if err := r.getDb(txCtx).Create(row).Error; err != nil {
			if isDuplicate(err) {
				return fmt.Errorf("%w: %s", domain.ErrDuplicate, d.CorrelationID)
			}
			return fmt.Errorf("insert deposit: %w", err)
		}
		return r.getDb(txCtx).Create(&auditRow{
			CorrelationID: d.CorrelationID,
			ToState:       string(d.State),
			Note:          note,
			Actor:         actor,
			CreatedAt:     d.CreatedAt,
		}).Error
	})
}

func (r *Repo) Get(ctx context.Context, correlationID string) (_ *domain.PendingDeposit, err error) {
	defer func(start time.Time) { metrics.ObserveDB("deposit_get", start, err) }(time.Now())

	var row depositRow
	err = r.getDb(ctx).Where("correlation_id = ?", correlationID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, correlationID)
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

// Transition is the compare-and-swap:
//
//	UPDATE pending_deposits SET state = ?, ..., version = version + 1
//	WHERE correlation_id = ? AND state = ?
//
// Zero rows affected means another writer moved the deposit first.
func (r *Repo) Transition(ctx context.Context, correlationID string, from domain.State, u domain.Update) (dep *domain.PendingDeposit, err error) {
	defer func(start time.Time) { metrics.ObserveDB("deposit_transition", start, err) }(time.Now())

	if !domain.CanTransition(from, u.To) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, u.To)
	}
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}

	err = r.Transaction(ctx, func(txCtx context.Context) error {
		res := r.getDb(txCtx).Model(&depositRow{}).
			Where("correlation_id = ? AND state = ?", correlationID, string(from)).
			Updates(updateColumns(u))
		if res.Error != nil {
			return fmt.Errorf("update deposit: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := r.getDb(txCtx).Model(&depositRow{}).Where("correlation_id = ?", correlationID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("%w: %s", domain.ErrNotFound, correlationID)
			}
			return fmt.Errorf("%w: %s not in %s", domain.ErrStateConflict, correlationID, from)
		}

		if err := r.getDb(txCtx).Create(&auditRow{
			CorrelationID: correlationID,
			FromState:     string(from),
			ToState:       string(u.To),
			Note:          u.Note,
			Actor:         u.Actor,
			CreatedAt:     u.At,
		}).Error; err != nil {
			return fmt.Errorf("insert audit: %w", err)
		}

		var row depositRow
		if err := r.getDb(txCtx).Where("correlation_id = ?", correlationID).Take(&row).Error; err != nil {
			return err
		}
		dep = row.toDomain()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dep, nil
}

func updateColumns(u domain.Update) map[string]interface{} {
	cols := map[string]interface{}{
		"state":      string(u.To),
		"updated_at": u.At,
		"version":    gorm.Expr("version + 1"),
	}
	if u.SettledLocalAmount != nil {
		cols["settled_local_amount"] = *u.SettledLocalAmount
	}
	if u.SettlementAmount != nil {
		cols["settlement_amount"] = *u.SettlementAmount
	}
	if u.TransferID != nil {
		cols["transfer_id"] = *u.TransferID
	}
	if u.GatewayReceipt != nil {
		cols["gateway_receipt"] = *u.GatewayReceipt
	}
	if u.FailureReason != nil {
		cols["failure_reason"] = truncate(*u.FailureReason, 512)
	}
	if u.NeedsAttention != nil {
		cols["needs_attention"] = *u.NeedsAttention
	}
	if u.AttentionReason != nil {
		cols["attention_reason"] = *u.AttentionReason
	}
	if u.Resolve {
		cols["resolved_at"] = u.At
	}
	return cols
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (r *Repo) ListAttention(ctx context.Context, page, limit int) ([]*domain.PendingDeposit, int64, error) {
	return r.list(ctx, r.getDb(ctx).Model(&depositRow{}).Where("needs_attention = ?", true).Session(&gorm.Session{}), page, limit)
}

func (r *Repo) ListByState(ctx context.Context, state domain.State, page, limit int) ([]*domain.PendingDeposit, int64, error) {
	return r.list(ctx, r.getDb(ctx).Model(&depositRow{}).Where("state = ?", string(state)).Session(&gorm.Session{}), page, limit)
}

// q must be a Session so Count and Find do not share statement state.
func (r *Repo) list(ctx context.Context, q *gorm.DB, page, limit int) (_ []*domain.PendingDeposit, total int64, err error) {
	defer func(start time.Time) { metrics.ObserveDB("deposit_list", start, err) }(time.Now())

	if err = q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var rows []depositRow
	if err = orm.ApplyPagination(q.Order("created_at DESC"), page, limit).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	out := make([]*domain.PendingDeposit, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, total, nil
}

func (r *Repo) Audit(ctx context.Context, correlationID string) ([]domain.AuditEntry, error) {
	var rows []auditRow
	if err := r.getDb(ctx).Where("correlation_id = ?", correlationID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.AuditEntry, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}
