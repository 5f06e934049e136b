package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"abepay.com/internal/deposit/domain"
	"abepay.com/internal/mpesa"
	"abepay.com/pkg/logger"
	"abepay.com/pkg/metrics"
	"abepay.com/pkg/ratelimit"
)

// PaymentGateway asks a customer's phone to approve a payment. *mpesa.Client is the
// production one.
type PaymentGateway interface {
	Token(ctx context.Context) (string, error)
	RequestPayment(ctx context.Context, token, phone string, amount decimal.Decimal, reference, callbackURL string) (mpesa.PaymentAck, error)
}

type InitiateRequest struct {
	PhoneNumber      string
	Amount           decimal.Decimal
	AccountReference string
}

type InitiateResult struct {
	CorrelationID   string
	CustomerMessage string
	Quote           domain.Quote
	Deposit         *domain.PendingDeposit
}

// Initiator validates a deposit request, asks the gateway for the payment and opens the
// pending deposit once the gateway accepted.
type Initiator struct {
	gateway     PaymentGateway
	engine      *Engine
	rates       *domain.RateBook
	limits      domain.Limits
	phone       mpesa.PhoneFormat
	callbackURL string
}

func NewInitiator(gw PaymentGateway, engine *Engine, rates *domain.RateBook, limits domain.Limits, phone mpesa.PhoneFormat, callbackURL string) *Initiator {
	if phone.CountryCode == "" {
		phone = mpesa.DefaultPhoneFormat
	}
	return &Initiator{
		gateway:     gw,
		engine:      engine,
		rates:       rates,
		limits:      limits,
		phone:       phone,
		callbackURL: callbackURL,
	}
}

// Initiate returns the gateway's correlation id and the quote the deposit is locked to.
// Validation errors come back before any outside call; gateway failures create no
// record.
func (i *Initiator) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	res, err := i.initiate(ctx, req)
	metrics.DepositInitiatedTotal.WithLabelValues(initiateOutcome(err)).Inc()
	return res, err
}

func (i *Initiator) initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	phone, err := i.phone.Normalize(req.PhoneNumber)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("%w: %w", domain.ErrInvalidPhone, err)
	}
	account, err := domain.NormalizeAccount(req.AccountReference)
	if err != nil {
		return InitiateResult{}, err
	}
	rates := i.rates.Current()
	amount, err := domain.NormalizeDepositAmount(req.Amount, i.limits, rates.Deposit)
	if err != nil {
		return InitiateResult{}, err
	}
	quote, err := domain.NewQuote(domain.DirectionDeposit, amount, rates)
	if err != nil {
		return InitiateResult{}, err
	}

	token, err := i.gateway.Token(ctx)
	if err != nil {
		return InitiateResult{}, err
	}
	start := time.Now()
	ack, err := i.gateway.RequestPayment(ctx, token, phone, amount, account, i.callbackURL)
	if err != nil {
		logger.Warn(ctx, "payment request refused",
			zap.String("account", account), zap.String("amount", amount.String()),
			zap.Duration("took", time.Since(start)), zap.Error(err))
		return InitiateResult{}, err
	}

	d, err := i.engine.Open(ctx, &domain.PendingDeposit{
		CorrelationID:         ack.CorrelationID,
		MerchantCorrelationID: ack.MerchantCorrelationID,
		MerchantReference:     account,
		PhoneNumber:           phone,
		RequestedLocalAmount:  amount,
		DepositRate:           rates.Deposit,
		Currency:              quote.Currency,
	})
	if err != nil {
		// the customer already has a prompt on the phone; the webhook will find no record
		logger.Error(ctx, "payment requested but deposit not recorded",
			zap.String("correlation_id", ack.CorrelationID), zap.String("account", account), zap.Error(err))
		return InitiateResult{}, err
	}

	logger.Info(ctx, "deposit initiated",
		zap.String("correlation_id", d.CorrelationID),
		zap.String("account", account),
		zap.String("kes", amount.String()),
		zap.String("usd", quote.SettlementAmount.StringFixed(2)))
	return InitiateResult{
		CorrelationID:   d.CorrelationID,
		CustomerMessage: ack.CustomerMessage,
		Quote:           quote,
		Deposit:         d,
	}, nil
}

// Quote prices an amount at the current rates without touching the gateway.
func (i *Initiator) Quote(dir domain.Direction, amount decimal.Decimal) (domain.Quote, error) {
	return domain.NewQuote(dir, amount, i.rates.Current())
}

func initiateOutcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case isValidation(err):
		return "invalid"
	case errors.Is(err, mpesa.ErrGatewayUnavailable), ratelimit.IsBreakerOpen(err):
		return "unavailable"
	case errors.Is(err, mpesa.ErrGatewayRejected), errors.Is(err, mpesa.ErrAuthFailure):
		return "rejected"
	default:
		return "error"
	}
}

func isValidation(err error) bool {
	return errors.Is(err, domain.ErrInvalidPhone) || errors.Is(err, domain.ErrInvalidAccount) ||
		errors.Is(err, domain.ErrInvalidAmount) || errors.Is(err, domain.ErrAmountOutOfRange)
}
