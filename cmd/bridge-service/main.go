package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"abepay.com/internal/bridge/app"
	"abepay.com/internal/bridge/config"
	"abepay.com/pkg/bootstrap"
	"abepay.com/pkg/trace"
)

const serviceName = "bridge-service"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := &config.BridgeConfig{}
	bridge := app.New(cfg)

	err := bootstrap.Run(ctx, bootstrap.Options{
		ConfigName:     serviceName,
		ConfigPtr:      cfg,
		NewConfig:      func() interface{} { return &config.BridgeConfig{} },
		OnConfigChange: bridge.OnConfigChange,
		Validate:       func(c interface{}) error { return c.(*config.BridgeConfig).Validate() },
		ServiceName:    func(c interface{}) string { return c.(*config.BridgeConfig).Name },
		LogLevel: func(c interface{}) (string, string) {
			bc := c.(*config.BridgeConfig)
			return bc.LogLevel, bc.LogFile
		},
		InitTracer: func(c interface{}) (func(context.Context) error, error) {
			bc := c.(*config.BridgeConfig)
			return trace.InitTrace(bc.Name, bc.Trace)
		},
		InitSentinel: bootstrap.InitSentinelFromCfg(func(c interface{}) *bootstrap.SentinelCfg {
			return &c.(*config.BridgeConfig).Sentinel
		}),
		BuildHTTP: func(ctx context.Context, _ interface{}) (*http.Server, func(), error) {
			return bridge.Build(ctx)
		},
		MetricsAddr:     func(c interface{}) string { return c.(*config.BridgeConfig).HTTP.MetricsAddr },
		PprofAddr:       func(c interface{}) string { return c.(*config.BridgeConfig).HTTP.PprofAddr },
		ShutdownTimeout: 90 * time.Second,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}
