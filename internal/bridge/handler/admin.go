package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"abepay.com/internal/deposit/domain"
	"abepay.com/internal/mpesa"
	"abepay.com/pkg/common"
	"abepay.com/pkg/logger"
	"abepay.com/pkg/middleware"
	"abepay.com/pkg/orm"
	"abepay.com/pkg/xerr"
)

type Operator interface {
	ListAttention(ctx context.Context, page, limit int) ([]*domain.PendingDeposit, int64, error)
	ListByState(ctx context.Context, state domain.State, page, limit int) ([]*domain.PendingDeposit, int64, error)
	ListOrphans(ctx context.Context, page, limit int) ([]*domain.OrphanNotification, int64, error)
	Get(ctx context.Context, correlationID string) (*domain.PendingDeposit, error)
	Audit(ctx context.Context, correlationID string) ([]domain.AuditEntry, error)
	RetryTransfer(ctx context.Context, correlationID, actor string) (*domain.PendingDeposit, error)
	ResolveIndeterminate(ctx context.Context, correlationID string, credited bool, transferID, actor, note string) (*domain.PendingDeposit, error)
}

type URLRegistrar interface {
	Token(ctx context.Context) (string, error)
	RegisterURLs(ctx context.Context, token, confirmationURL, validationURL string) (mpesa.RegisterAck, error)
}

// Admin is the operator surface. Routes sit behind middleware.BearerToken.
type Admin struct {
	Engine  Operator
	Gateway URLRegistrar
}

const defaultPageSize = 20

// pageArgs reads page and limit. Missing or non-positive values fall back to the first
// page of defaultPageSize; limit is capped at orm.MaxPageSize.
func pageArgs(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.Query("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	switch {
	case limit < 1:
		limit = defaultPageSize
	case limit > orm.MaxPageSize:
		limit = orm.MaxPageSize
	}
	return page, limit
}

func operator(c *gin.Context) string {
	if op := c.GetString(middleware.CtxKeyOperator); op != "" {
		return op
	}
	return "admin"
}

// ListDeposits handles GET /api/admin/deposits?attention=1&state=&page=&limit=.
// Without a state filter it lists flagged deposits.
func (h *Admin) ListDeposits(c *gin.Context) {
	page, limit := pageArgs(c)
	var (
		list  []*domain.PendingDeposit
		total int64
		err   error
	)
	if state := c.Query("state"); state != "" && c.Query("attention") != "1" {
		list, total, err = h.Engine.ListByState(c.Request.Context(), domain.State(state), page, limit)
	} else {
		list, total, err = h.Engine.ListAttention(c.Request.Context(), page, limit)
	}
	if err != nil {
		common.FailErr(c, codeError(err))
		return
	}
	views := make([]DepositView, 0, len(list))
	for _, d := range list {
		views = append(views, depositView(d))
	}
	common.Success(c, PageView{List: views, Total: total, Page: page, Limit: limit})
}

// GetDeposit handles GET /api/admin/deposits/:id, with the audit trail.
func (h *Admin) GetDeposit(c *gin.Context) {
	id := c.Param("id")
	d, err := h.Engine.Get(c.Request.Context(), id)
	if err != nil {
		common.FailErr(c, codeError(err))
		return
	}
	audit, err := h.Engine.Audit(c.Request.Context(), id)
	if err != nil {
		common.FailErr(c, codeError(err))
		return
	}
	common.Success(c, gin.H{"deposit": depositView(d), "audit": audit})
}

// RetryTransfer handles POST /api/admin/deposits/:id/retry-transfer.
func (h *Admin) RetryTransfer(c *gin.Context) {
	d, err := h.Engine.RetryTransfer(c.Request.Context(), c.Param("id"), operator(c))
	if err != nil {
		common.FailErr(c, codeError(err))
		return
	}
	common.Success(c, depositView(d))
}

type resolveReq struct {
	Credited   bool   `json:"credited"`
	TransferID string `json:"transferId"`
	Note       string `json:"note"`
}

// Resolve handles POST /api/admin/deposits/:id/resolve.
func (h *Admin) Resolve(c *gin.Context) {
	var req resolveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, xerr.RequestParamsError, "invalid request body")
		return
	}
	d, err := h.Engine.ResolveIndeterminate(c.Request.Context(), c.Param("id"), req.Credited, req.TransferID, operator(c), req.Note)
	if err != nil {
		common.FailErr(c, codeError(err))
		return
	}
	common.Success(c, depositView(d))
}

// ListOrphans handles GET /api/admin/orphans.
func (h *Admin) ListOrphans(c *gin.Context) {
	page, limit := pageArgs(c)
	list, total, err := h.Engine.ListOrphans(c.Request.Context(), page, limit)
	if err != nil {
		common.FailErr(c, codeError(err))
		return
	}
	views := make([]OrphanView, 0, len(list))
	for _, o := range list {
		views = append(views, orphanView(o))
	}
	common.Success(c, PageView{List: views, Total: total, Page: page, Limit: limit})
}

type registerReq struct {
	ConfirmationURL string `json:"confirmationUrl"`
	ValidationURL   string `json:"validationUrl"`
}

// RegisterURLs handles POST /api/admin/mpesa/register-urls. Empty URLs use the
// configured ones.
func (h *Admin) RegisterURLs(c *gin.Context) {
	var req registerReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			common.Fail(c, http.StatusBadRequest, xerr.RequestParamsError, "invalid request body")
			return
		}
	}
	ctx := c.Request.Context()
	token, err := h.Gateway.Token(ctx)
	if err != nil {
		common.FailErr(c, codeError(err))
		return
	}
	ack, err := h.Gateway.RegisterURLs(ctx, token, req.ConfirmationURL, req.ValidationURL)
	if err != nil {
		common.FailErr(c, codeError(err))
		return
	}
	logger.Info(ctx, "c2b urls registered", zap.String("operator", operator(c)), zap.String("response", ack.ResponseDescription))
	common.Success(c, ack)
}
