package service

import (
	"time"

	"github.com/shopspring/decimal"

	"abepay.com/internal/deposit/domain"
	"abepay.com/internal/mpesa"
)

// Notification is a gateway's final word on one payment request.
type Notification struct {
	CorrelationID         string
	MerchantCorrelationID string
	Succeeded             bool
	ResultCode            int
	ResultDesc            string

	SettledAmount    decimal.NullDecimal
	GatewayReceipt   string
	PhoneNumber      string
	AccountReference string // empty when the gateway did not echo one

	RawPayload string
	ReceivedAt time.Time
}

func NotificationFromSTK(cb mpesa.STKCallback, raw []byte) Notification {
	return Notification{
		CorrelationID:         cb.CheckoutRequestID,
		MerchantCorrelationID: cb.MerchantRequestID,
		Succeeded:             cb.Succeeded(),
		ResultCode:            cb.ResultCode,
		ResultDesc:            cb.ResultDesc,
		SettledAmount:         cb.Amount,
		GatewayReceipt:        cb.Receipt,
		PhoneNumber:           cb.PhoneNumber,
		AccountReference:      cb.AccountReference,
		RawPayload:            string(raw),
		ReceivedAt:            time.Now().UTC(),
	}
}

// OrphanFromC2B records a paybill confirmation. These never have a pending deposit.
func OrphanFromC2B(c mpesa.C2BConfirmation, raw []byte) *domain.OrphanNotification {
	return &domain.OrphanNotification{
		Source:           domain.OrphanSourceC2B,
		CorrelationID:    c.TransID,
		GatewayReceipt:   c.TransID,
		Amount:           c.TransAmount,
		AccountReference: c.BillRefNumber,
		PhoneNumber:      c.MSISDN,
		RawPayload:       string(raw),
		ReceivedAt:       time.Now().UTC(),
	}
}

func (n Notification) orphan() *domain.OrphanNotification {
	return &domain.OrphanNotification{
		Source:           domain.OrphanSourceSTK,
		CorrelationID:    n.CorrelationID,
		GatewayReceipt:   n.GatewayReceipt,
		Amount:           n.SettledAmount,
		AccountReference: n.AccountReference,
		PhoneNumber:      n.PhoneNumber,
		ResultCode:       n.ResultCode,
		RawPayload:       n.RawPayload,
		ReceivedAt:       n.ReceivedAt,
	}
}

// ReconcileResult is what Reconcile did with a notification.
type ReconcileResult struct {
	Deposit   *domain.PendingDeposit // nil for orphans
	Duplicate bool
	Orphan    bool
}
