package router

import (
	"github.com/gin-gonic/gin"

	"abepay.com/internal/bridge/handler"
)

// ResourceInitiate is the sentinel resource guarding payment requests.
const ResourceInitiate = "deposit.initiate"

// Deposit mounts the payer-facing routes. limit runs on every route, guard only on
// initiation.
func Deposit(api *gin.RouterGroup, h *handler.Deposit, limit, guard gin.HandlerFunc) {
	deposits := api.Group("/deposits", limit)
	{
		deposits.POST("", guard, h.Create)
		deposits.GET("/:correlationId", h.Status)
	}
	api.GET("/quotes", limit, h.Quote)
}
