package mysql

import (
	"time"

	"github.com/shopspring/decimal"

	"abepay.com/internal/deposit/domain"
)

type depositRow struct {
	ID                    int64               `gorm:"column:id;primaryKey;autoIncrement"`
	CorrelationID         string              `gorm:"column:correlation_id;type:varchar(64);not null;uniqueIndex:uk_correlation_id"`
	MerchantCorrelationID string              `gorm:"column:merchant_correlation_id;type:varchar(64)"`
	MerchantReference     string              `gorm:"column:merchant_reference;type:varchar(32);not null"`
	PhoneNumber           string              `gorm:"column:phone_number;type:varchar(16);not null"`
	RequestedLocalAmount  decimal.Decimal     `gorm:"column:requested_local_amount;type:decimal(20,2);not null"`
	DepositRate           decimal.Decimal     `gorm:"column:deposit_rate;type:decimal(20,6);not null"`
	State                 string              `gorm:"column:state;type:varchar(32);not null;index:idx_attention_state,priority:2;index:idx_state_created,priority:1"`
	SettledLocalAmount    decimal.NullDecimal `gorm:"column:settled_local_amount;type:decimal(20,2)"`
	SettlementAmount      decimal.NullDecimal `gorm:"column:settlement_amount;type:decimal(20,2)"`
	Currency              string              `gorm:"column:currency;type:varchar(8);not null"`
	TransferID            string              `gorm:"column:transfer_id;type:varchar(64)"`
	GatewayReceipt        string              `gorm:"column:gateway_receipt;type:varchar(32)"`
	FailureReason         string              `gorm:"column:failure_reason;type:varchar(512)"`
	NeedsAttention        bool                `gorm:"column:needs_attention;not null;default:false;index:idx_attention_state,priority:1"`
	AttentionReason       string              `gorm:"column:attention_reason;type:varchar(64)"`
	Version               int64               `gorm:"column:version;not null;default:0"`
	CreatedAt             time.Time           `gorm:"column:created_at;index:idx_state_created,priority:2"`
	UpdatedAt             time.Time           `gorm:"column:updated_at"`
	ResolvedAt            *time.Time          `gorm:"column:resolved_at"`
}

func (depositRow) TableName() string { return "pending_deposits" }

type auditRow struct {
	ID            int64     `gorm:"column:id;primaryKey;autoIncrement"`
	CorrelationID string    `gorm:"column:correlation_id;type:varchar(64);not null;index:idx_audit_correlation"`
	FromState     string    `gorm:"column:from_state;type:varchar(32)"`
	ToState       string    `gorm:"column:to_state;type:varchar(32);not null"`
	Note          string    `gorm:"column:note;type:varchar(512)"`
	Actor         string    `gorm:"column:actor;type:varchar(64);not null"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

func (auditRow) TableName() string { return "deposit_audit" }

type orphanRow struct {
	ID               int64               `gorm:"column:id;primaryKey;autoIncrement"`
	Source           string              `gorm:"column:source;type:varchar(8);not null;uniqueIndex:uk_orphan_source_correlation,priority:1"`
	CorrelationID    string              `gorm:"column:correlation_id;type:varchar(64);uniqueIndex:uk_orphan_source_correlation,priority:2"`
	GatewayReceipt   string              `gorm:"column:gateway_receipt;type:varchar(32)"`
	Amount           decimal.NullDecimal `gorm:"column:amount;type:decimal(20,2)"`
	AccountReference string              `gorm:"column:account_reference;type:varchar(32)"`
	PhoneNumber      string              `gorm:"column:phone_number;type:varchar(16)"`
	ResultCode       int                 `gorm:"column:result_code"`
	RawPayload       string              `gorm:"column:raw_payload;type:text"`
	ReceivedAt       time.Time           `gorm:"column:received_at;index:idx_orphan_received"`
}

func (orphanRow) TableName() string { return "orphan_notifications" }

func toRow(d *domain.PendingDeposit) *depositRow {
	return &depositRow{
		CorrelationID:         d.CorrelationID,
		MerchantCorrelationID: d.MerchantCorrelationID,
		MerchantReference:     d.MerchantReference,
		PhoneNumber:           d.PhoneNumber,
		RequestedLocalAmount:  d.RequestedLocalAmount,
		DepositRate:           d.DepositRate,
		State:                 string(d.State),
		SettledLocalAmount:    d.SettledLocalAmount,
		SettlementAmount:      d.SettlementAmount,
		Currency:              d.Currency,
		TransferID:            d.TransferID,
		GatewayReceipt:        d.GatewayReceipt,
		FailureReason:         d.FailureReason,
		NeedsAttention:        d.NeedsAttention,
		AttentionReason:       d.AttentionReason,
		Version:               d.Version,
		CreatedAt:             d.CreatedAt,
		UpdatedAt:             d.UpdatedAt,
		ResolvedAt:            d.ResolvedAt,
	}
}

func (r *depositRow) toDomain() *domain.PendingDeposit {
	return &domain.PendingDeposit{
		CorrelationID:         r.CorrelationID,
		MerchantCorrelationID: r.MerchantCorrelationID,
		MerchantReference:     r.MerchantReference,
		PhoneNumber:           r.PhoneNumber,
		RequestedLocalAmount:  r.RequestedLocalAmount,
		DepositRate:           r.DepositRate,
		State:                 domain.State(r.State),
		SettledLocalAmount:    r.SettledLocalAmount,
		SettlementAmount:      r.SettlementAmount,
		Currency:              r.Currency,
		TransferID:            r.TransferID,
		GatewayReceipt:        r.GatewayReceipt,
		FailureReason:         r.FailureReason,
		NeedsAttention:        r.NeedsAttention,
		AttentionReason:       r.AttentionReason,
		Version:               r.Version,
		CreatedAt:             r.CreatedAt,
		UpdatedAt:             r.UpdatedAt,
		ResolvedAt:            r.ResolvedAt,
	}
}

func (r *auditRow) toDomain() domain.AuditEntry {
	return domain.AuditEntry{
		ID:            r.ID,
		CorrelationID: r.CorrelationID,
		FromState:     domain.State(r.FromState),
		ToState:       domain.State(r.ToState),
		Note:          r.Note,
		Actor:         r.Actor,
		CreatedAt:     r.CreatedAt,
	}
}

func (r *orphanRow) toDomain() *domain.OrphanNotification {
	return &domain.OrphanNotification{
		ID:               r.ID,
		Source:           r.Source,
		CorrelationID:    r.CorrelationID,
		GatewayReceipt:   r.GatewayReceipt,
		Amount:           r.Amount,
		AccountReference: r.AccountReference,
		PhoneNumber:      r.PhoneNumber,
		ResultCode:       r.ResultCode,
		RawPayload:       r.RawPayload,
		ReceivedAt:       r.ReceivedAt,
	}
}
