package router

import (
	"github.com/gin-gonic/gin"

	"abepay.com/internal/bridge/handler"
)

func Admin(api *gin.RouterGroup, h *handler.Admin, auth gin.HandlerFunc) {
	admin := api.Group("/admin", auth)
	{
		admin.GET("/deposits", h.ListDeposits)
		admin.GET("/deposits/:id", h.GetDeposit)
		admin.POST("/deposits/:id/retry-transfer", h.RetryTransfer)
		admin.POST("/deposits/:id/resolve", h.Resolve)
		admin.GET("/orphans", h.ListOrphans)
		admin.POST("/mpesa/register-urls", h.RegisterURLs)
	}
}
