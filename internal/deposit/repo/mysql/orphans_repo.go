package mysql

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"abepay.com/internal/deposit/domain"
	"abepay.com/pkg/metrics"
	"abepay.com/pkg/orm"
)

func (r *Repo) SaveOrphan(ctx context.Context, o *domain.OrphanNotification) (err error) {
	defer func(start time.Time) { metrics.ObserveDB("orphan_save", start, err) }(time.Now())

	if o.ReceivedAt.IsZero() {
		o.ReceivedAt = time.Now().UTC()
	}
	row := &orphanRow{
		Source:           o.Source,
		CorrelationID:    o.CorrelationID,
		GatewayReceipt:   o.GatewayReceipt,
		Amount:           o.Amount,
		AccountReference: o.AccountReference,
		PhoneNumber:      o.PhoneNumber,
		ResultCode:       o.ResultCode,
		RawPayload:       o.RawPayload,
		ReceivedAt:       o.ReceivedAt,
	}
	if err = r.getDb(ctx).Create(row).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: orphan %s", domain.ErrDuplicate, o.CorrelationID)
		}
		return err
	}
	o.ID = row.ID
	return nil
}

func (r *Repo) ListOrphans(ctx context.Context, page, limit int) ([]*domain.OrphanNotification, int64, error) {
	q := r.getDb(ctx).Model(&orphanRow{}).Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var rows []orphanRow
	if err := orm.ApplyPagination(q.Order("received_at DESC"), page, limit).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	out := make([]*domain.OrphanNotification, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, total, nil
}
