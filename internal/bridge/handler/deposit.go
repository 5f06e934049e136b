package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"abepay.com/internal/deposit/domain"
	"abepay.com/internal/deposit/service"
	"abepay.com/pkg/common"
	"abepay.com/pkg/logger"
	"abepay.com/pkg/xerr"
)

type Initiator interface {
	Initiate(ctx context.Context, req service.InitiateRequest) (service.InitiateResult, error)
	Quote(dir domain.Direction, amount decimal.Decimal) (domain.Quote, error)
}

type DepositReader interface {
	Get(ctx context.Context, correlationID string) (*domain.PendingDeposit, error)
}

type Deposit struct {
	Initiator Initiator
	Deposits  DepositReader
}

type createDepositReq struct {
	PhoneNumber      string          `json:"phoneNumber"`
	Amount           decimal.Decimal `json:"amount"`
	AccountReference string          `json:"accountReference"`
}

// createDepositResp keeps the payment page's reply shape.
type createDepositResp struct {
	Success       bool          `json:"success"`
	CorrelationID string        `json:"correlationId,omitempty"`
	Message       string        `json:"message,omitempty"`
	Quote         *domain.Quote `json:"quote,omitempty"`
}

// Create handles POST /api/deposits.
func (h *Deposit) Create(c *gin.Context) {
	var req createDepositReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, createDepositResp{Message: "invalid request body"})
		return
	}

	res, err := h.Initiator.Initiate(c.Request.Context(), service.InitiateRequest{
		PhoneNumber:      req.PhoneNumber,
		Amount:           req.Amount,
		AccountReference: req.AccountReference,
	})
	if err != nil {
		err = codeError(err)
		code := xerr.CodeOf(err)
		logger.Warn(c.Request.Context(), "deposit initiation refused", zap.Int("biz_code", code), zap.Error(err))
		c.JSON(xerr.HTTPStatus(code), createDepositResp{Message: xerr.MessageOf(err)})
		return
	}

	msg := res.CustomerMessage
	if msg == "" {
		msg = "Check your phone to approve the payment"
	}
	c.JSON(http.StatusOK, createDepositResp{
		Success:       true,
		CorrelationID: res.CorrelationID,
		Message:       msg,
		Quote:         &res.Quote,
	})
}

// Status handles GET /api/deposits/:correlationId.
func (h *Deposit) Status(c *gin.Context) {
	d, err := h.Deposits.Get(c.Request.Context(), c.Param("correlationId"))
	if err != nil {
		common.FailErr(c, codeError(err))
		return
	}
	common.Success(c, statusView(d))
}

// Quote handles GET /api/quotes?direction=deposit|withdraw&amount=.
func (h *Deposit) Quote(c *gin.Context) {
	dir := domain.Direction(c.DefaultQuery("direction", string(domain.DirectionDeposit)))
	amount, err := decimal.NewFromString(c.Query("amount"))
	if err != nil {
		common.Fail(c, http.StatusBadRequest, xerr.RequestParamsError, "amount must be a number")
		return
	}
	q, err := h.Initiator.Quote(dir, amount)
	if err != nil {
		common.FailErr(c, codeError(err))
		return
	}
	common.Success(c, q)
}
