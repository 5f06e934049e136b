package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"abepay.com/internal/bridge/journal"
	"abepay.com/internal/deposit/domain"
	"abepay.com/internal/deposit/service"
	"abepay.com/internal/mpesa"
	"abepay.com/pkg/logger"
	"abepay.com/pkg/safe"
)

const maxWebhookBody = 64 << 10

type Reconciler interface {
	Reconcile(ctx context.Context, n service.Notification) (service.ReconcileResult, error)
	RecordOrphan(ctx context.Context, o *domain.OrphanNotification) error
}

// Recorder keeps a durable copy of each webhook body until settle reports how
// processing ended. *journal.Journal is the production one.
type Recorder interface {
	Record(kind string, body []byte) (settle func(error), err error)
}

// Webhook receives gateway notifications. Every request is answered with the gateway's
// "Accepted" ack, whatever happened while processing it, so the gateway never retries
// into a half-finished credit.
type Webhook struct {
	Engine  Reconciler
	Journal Recorder // optional
	Timeout time.Duration
}

// STKCallback handles POST /api/mpesa/callback.
func (h *Webhook) STKCallback(c *gin.Context) {
	defer c.JSON(http.StatusOK, mpesa.Accepted)
	defer safe.Recover(c.Request.Context(), "stk callback panic")

	raw, settle, ok := h.read(c, journal.KindSTK)
	if !ok {
		return
	}
	procErr := journal.ErrInterrupted
	defer func() { settle(procErr) }()

	// a gateway disconnect must not abort a transfer in flight
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), h.timeout())
	defer cancel()
	procErr = h.handleSTK(ctx, raw)
}

// Validation handles POST /api/mpesa/validation. Paybill payments are never refused.
func (h *Webhook) Validation(c *gin.Context) {
	defer c.JSON(http.StatusOK, mpesa.Accepted)
	defer safe.Recover(c.Request.Context(), "c2b validation panic")

	raw, _ := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	conf, err := mpesa.ParseC2BConfirmation(raw)
	if err != nil {
		logger.Warn(c.Request.Context(), "unreadable c2b validation", zap.Error(err))
		return
	}
	logger.Info(c.Request.Context(), "c2b validation",
		zap.String("trans_id", conf.TransID), zap.String("bill_ref", conf.BillRefNumber))
}

// Confirmation handles POST /api/mpesa/confirmation. A paybill payment made outside an
// STK push has no pending deposit, so it is kept as an orphan for manual reconciliation.
func (h *Webhook) Confirmation(c *gin.Context) {
	defer c.JSON(http.StatusOK, mpesa.Accepted)
	defer safe.Recover(c.Request.Context(), "c2b confirmation panic")

	raw, settle, ok := h.read(c, journal.KindC2B)
	if !ok {
		return
	}
	procErr := journal.ErrInterrupted
	defer func() { settle(procErr) }()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), h.timeout())
	defer cancel()
	procErr = h.handleConfirmation(ctx, raw)
}

// Replay runs a journaled body through the same path as a live delivery. Reconcile is
// idempotent, so bodies that were already processed come back as duplicates.
func (h *Webhook) Replay(ctx context.Context, e journal.Entry) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout())
	defer cancel()
	switch e.Kind {
	case journal.KindSTK:
		return h.handleSTK(ctx, e.Body)
	case journal.KindC2B:
		return h.handleConfirmation(ctx, e.Body)
	default:
		return fmt.Errorf("unknown journal kind %q", e.Kind)
	}
}

// read loads the body and journals it. A journal failure is logged and processing goes on.
func (h *Webhook) read(c *gin.Context, kind string) ([]byte, func(error), bool) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		logger.Error(c.Request.Context(), "read webhook body failed", zap.String("kind", kind), zap.Error(err))
		return nil, nil, false
	}
	settle := func(error) {}
	if h.Journal != nil {
		done, err := h.Journal.Record(kind, raw)
		if err != nil {
			logger.Error(c.Request.Context(), "journal webhook body failed", zap.String("kind", kind), zap.Error(err))
		} else {
			settle = done
		}
	}
	return raw, settle, true
}

// handleSTK returns an error only when a retry could help; a malformed body never will.
func (h *Webhook) handleSTK(ctx context.Context, raw []byte) error {
	cb, err := mpesa.ParseSTKCallback(raw)
	if err != nil {
		logger.Error(ctx, "malformed stk callback", zap.Error(err), zap.ByteString("body", raw))
		return nil
	}

	res, err := h.Engine.Reconcile(ctx, service.NotificationFromSTK(cb, raw))
	if err != nil {
		logger.Error(ctx, "reconcile failed",
			zap.String("correlation_id", cb.CheckoutRequestID), zap.Int("result_code", cb.ResultCode), zap.Error(err))
		return err
	}
	fields := []zap.Field{
		zap.String("correlation_id", cb.CheckoutRequestID),
		zap.Int("result_code", cb.ResultCode),
		zap.Bool("duplicate", res.Duplicate),
		zap.Bool("orphan", res.Orphan),
	}
	if res.Deposit != nil {
		fields = append(fields, zap.String("state", string(res.Deposit.State)))
	}
	logger.Info(ctx, "stk callback processed", fields...)
	return nil
}

func (h *Webhook) handleConfirmation(ctx context.Context, raw []byte) error {
	conf, err := mpesa.ParseC2BConfirmation(raw)
	if err != nil {
		logger.Error(ctx, "malformed c2b confirmation", zap.Error(err), zap.ByteString("body", raw))
		return nil
	}
	if err := h.Engine.RecordOrphan(ctx, service.OrphanFromC2B(conf, raw)); err != nil {
		logger.Error(ctx, "store c2b confirmation failed", zap.String("trans_id", conf.TransID), zap.Error(err))
		return err
	}
	return nil
}

func (h *Webhook) timeout() time.Duration {
	if h.Timeout <= 0 {
		return time.Minute
	}
	return h.Timeout
}
