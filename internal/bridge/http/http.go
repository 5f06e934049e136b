package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"abepay.com/internal/bridge/config"
	"abepay.com/internal/bridge/handler"
	"abepay.com/internal/bridge/http/router"
	"abepay.com/pkg/middleware"
	"abepay.com/pkg/ratelimit"
)

// Handlers are the route targets NewRouter mounts.
type Handlers struct {
	Deposit *handler.Deposit
	Webhook *handler.Webhook
	Admin   *handler.Admin
}

// NewRouter builds the bridge's gin engine. ctx bounds the rate limiter's janitor.
func NewRouter(ctx context.Context, cfg *config.BridgeConfig, h Handlers) *gin.Engine {
	rl := cfg.RateLimit
	if rl.RPS <= 0 {
		rl.RPS = 5
	}
	if rl.Burst <= 0 {
		rl.Burst = 10
	}
	if rl.TTL <= 0 {
		rl.TTL = 10 * time.Minute
	}
	store := ratelimit.NewStore(rate.Limit(rl.RPS), rl.Burst, rl.TTL)
	store.StartJanitor(ctx, time.Minute)

	r := gin.New()
	p := ginprom.NewPrometheus("abepay")
	// keep per-deposit paths out of the label space
	p.ReqCntURLLabelMappingFn = func(c *gin.Context) string {
		if route := c.FullPath(); route != "" {
			return route
		}
		return "unmatched"
	}
	p.Use(r)

	r.Use(
		otelgin.Middleware(cfg.Name),
		middleware.ReqId(),
		corsMiddleware(cfg.HTTP.CorsOrigins),
		middleware.Recover(),
	)
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	api := r.Group("/api")
	router.Deposit(api, h.Deposit, middleware.RateLimit(cfg.Name, store), middleware.Sentinel(cfg.Name, router.ResourceInitiate))
	router.Mpesa(api, h.Webhook)
	router.Admin(api, h.Admin, middleware.BearerToken(cfg.Admin.Token))
	return r
}

// NewServer wraps the router in an http.Server with the configured timeouts.
func NewServer(ctx context.Context, cfg *config.BridgeConfig, h Handlers) *http.Server {
	read, write := cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout
	if read <= 0 {
		read = 10 * time.Second
	}
	// webhooks may wait on a brokerage transfer before answering
	if write <= 0 {
		write = 90 * time.Second
	}
	return &http.Server{
		Addr:           cfg.HTTP.Addr,
		Handler:        NewRouter(ctx, cfg, h),
		ReadTimeout:    read,
		WriteTimeout:   write,
		MaxHeaderBytes: 1 << 20,
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	if len(origins) == 0 {
		return cors.Default()
	}
	c := cors.DefaultConfig()
	c.AllowOrigins = origins
	c.AllowHeaders = append(c.AllowHeaders, "Authorization", "X-Request-Id", "X-Operator")
	return cors.New(c)
}
