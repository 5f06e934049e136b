package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"abepay.com/internal/deposit/domain"
)

// DepositView is the operator's view of a deposit.
type DepositView struct {
	CorrelationID         string           `json:"correlationId"`
	MerchantCorrelationID string           `json:"merchantRequestId,omitempty"`
	AccountReference      string           `json:"accountReference"`
	PhoneNumber           string           `json:"phoneNumber"`
	RequestedAmount       decimal.Decimal  `json:"requestedAmount"`
	DepositRate           decimal.Decimal  `json:"depositRate"`
	State                 domain.State     `json:"state"`
	SettledAmount         *decimal.Decimal `json:"settledAmount,omitempty"`
	SettlementAmount      *decimal.Decimal `json:"settlementAmount,omitempty"`
	Currency              string           `json:"currency"`
	TransferID            string           `json:"transferId,omitempty"`
	GatewayReceipt        string           `json:"receipt,omitempty"`
	FailureReason         string           `json:"failureReason,omitempty"`
	NeedsAttention        bool             `json:"needsAttention"`
	AttentionReason       string           `json:"attentionReason,omitempty"`
	CreatedAt             time.Time        `json:"createdAt"`
	UpdatedAt             time.Time        `json:"updatedAt"`
	ResolvedAt            *time.Time       `json:"resolvedAt,omitempty"`
}

func depositView(d *domain.PendingDeposit) DepositView {
	v := DepositView{
		CorrelationID:         d.CorrelationID,
		MerchantCorrelationID: d.MerchantCorrelationID,
		AccountReference:      d.MerchantReference,
		PhoneNumber:           d.PhoneNumber,
		RequestedAmount:       d.RequestedLocalAmount,
		DepositRate:           d.DepositRate,
		State:                 d.State,
		Currency:              d.Currency,
		TransferID:            d.TransferID,
		GatewayReceipt:        d.GatewayReceipt,
		FailureReason:         d.FailureReason,
		NeedsAttention:        d.NeedsAttention,
		AttentionReason:       d.AttentionReason,
		CreatedAt:             d.CreatedAt,
		UpdatedAt:             d.UpdatedAt,
		ResolvedAt:            d.ResolvedAt,
	}
	if d.SettledLocalAmount.Valid {
		v.SettledAmount = &d.SettledLocalAmount.Decimal
	}
	if d.SettlementAmount.Valid {
		v.SettlementAmount = &d.SettlementAmount.Decimal
	}
	return v
}

// StatusView is what the payer may see about their own deposit.
type StatusView struct {
	CorrelationID    string           `json:"correlationId"`
	State            domain.State     `json:"state"`
	AccountReference string           `json:"accountReference"`
	RequestedAmount  decimal.Decimal  `json:"requestedAmount"`
	SettlementAmount *decimal.Decimal `json:"settlementAmount,omitempty"`
	Currency         string           `json:"currency"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

func statusView(d *domain.PendingDeposit) StatusView {
	v := StatusView{
		CorrelationID:    d.CorrelationID,
		State:            d.State,
		AccountReference: d.MerchantReference,
		RequestedAmount:  d.RequestedLocalAmount,
		Currency:         d.Currency,
		UpdatedAt:        d.UpdatedAt,
	}
	if d.SettlementAmount.Valid {
		v.SettlementAmount = &d.SettlementAmount.Decimal
	}
	return v
}

type OrphanView struct {
	ID               int64            `json:"id"`
	Source           string           `json:"source"`
	CorrelationID    string           `json:"correlationId"`
	GatewayReceipt   string           `json:"receipt,omitempty"`
	Amount           *decimal.Decimal `json:"amount,omitempty"`
	AccountReference string           `json:"accountReference,omitempty"`
	PhoneNumber      string           `json:"phoneNumber,omitempty"`
	ResultCode       int              `json:"resultCode"`
	ReceivedAt       time.Time        `json:"receivedAt"`
}

func orphanView(o *domain.OrphanNotification) OrphanView {
	v := OrphanView{
		ID:               o.ID,
		Source:           o.Source,
		CorrelationID:    o.CorrelationID,
		GatewayReceipt:   o.GatewayReceipt,
		AccountReference: o.AccountReference,
		PhoneNumber:      o.PhoneNumber,
		ResultCode:       o.ResultCode,
		ReceivedAt:       o.ReceivedAt,
	}
	if o.Amount.Valid {
		v.Amount = &o.Amount.Decimal
	}
	return v
}

type PageView struct {
	List  interface{} `json:"list"`
	Total int64       `json:"total"`
	Page  int         `json:"page"`
	Limit int         `json:"limit"`
}
