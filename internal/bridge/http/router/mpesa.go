package router

import (
	"github.com/gin-gonic/gin"

	"abepay.com/internal/bridge/handler"
)

// Mpesa mounts the gateway webhooks. They are not rate limited: a dropped callback is
// a deposit nobody credits.
func Mpesa(api *gin.RouterGroup, h *handler.Webhook) {
	mpesa := api.Group("/mpesa")
	{
		mpesa.POST("/callback", h.STKCallback)
		mpesa.POST("/validation", h.Validation)
		mpesa.POST("/confirmation", h.Confirmation)
	}
}
