package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"runtime"
	"strings"
	"time"

	sentinels "github.com/alibaba/sentinel-golang/api"
	"github.com/alibaba/sentinel-golang/core/circuitbreaker"
	"github.com/alibaba/sentinel-golang/core/flow"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"abepay.com/pkg/config"
	"abepay.com/pkg/logger"
	"abepay.com/pkg/safe"
)

// SentinelCfg holds the flow and breaker rules for inbound resources.
type SentinelCfg struct {
	Enabled bool          `mapstructure:"enabled"`
	Flow    FlowSection   `mapstructure:"flow"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

type FlowSection struct {
	Enabled bool       `mapstructure:"enabled"`
	Rules   []FlowRule `mapstructure:"rules"`
}

type FlowRule struct {
	Resource         string  `mapstructure:"resource"`
	Threshold        float64 `mapstructure:"threshold"`
	StatIntervalMs   uint32  `mapstructure:"stat_interval_ms"`
	Strategy         string  `mapstructure:"strategy"`
	Control          string  `mapstructure:"control"`
	MaxQueueWaitMs   uint32  `mapstructure:"max_queue_wait_ms"`
	WarmUpSec        uint32  `mapstructure:"warm_up_sec"`
	WarmUpColdFactor uint32  `mapstructure:"warm_up_cold_factor"`
}

type BreakerConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Rules   []BreakerRule `mapstructure:"rules"`
}

type BreakerRule struct {
	Resource         string  `mapstructure:"resource"`
	Strategy         string  `mapstructure:"strategy"`
	Threshold        float64 `mapstructure:"threshold"`
	StatIntervalMs   uint32  `mapstructure:"stat_interval_ms"`
	MinRequestAmount uint64  `mapstructure:"min_request_amount"`
	RetryTimeoutMs   uint64  `mapstructure:"retry_timeout_ms"`
}

// Options controls the bootstrap process; service-specific bits come in as hooks.
type Options struct {
	// Required: config name and target struct
	ConfigName string
	ConfigPtr  interface{}

	// Optional: hot reload. NewConfig returns an empty value of ConfigPtr's type.
	NewConfig      func() interface{}
	OnConfigChange func(next interface{})

	// Optional: checked right after loading
	Validate func(cfg interface{}) error

	// Required
	ServiceName func(cfg interface{}) string

	// Optional
	LogLevel func(cfg interface{}) (level, file string)

	// Optional: init tracer, return shutdown func
	InitTracer func(cfg interface{}) (func(context.Context) error, error)

	// Optional: init sentinel governance; only called when provided
	InitSentinel func(cfg interface{}) error

	// Required: build the API server. cleanup runs after it has shut down.
	BuildHTTP func(ctx context.Context, cfg interface{}) (srv *http.Server, cleanup func(), err error)

	// Listen addresses; empty skips the listener
	MetricsAddr func(cfg interface{}) string
	PprofAddr   func(cfg interface{}) string

	ShutdownTimeout time.Duration
}

// Run boots an HTTP service: config, logger, tracing, sentinel, the API server plus
// metrics and pprof listeners. It returns once ctx is done and everything has stopped.
func Run(ctx context.Context, opt Options) error {
	if opt.ConfigName == "" || opt.ConfigPtr == nil || opt.ServiceName == nil || opt.BuildHTTP == nil {
		return fmt.Errorf("bootstrap: missing required options")
	}

	if _, err := config.LoadAndWatch(opt.ConfigName, opt.ConfigPtr, opt.NewConfig, opt.OnConfigChange); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opt.Validate != nil {
		if err := opt.Validate(opt.ConfigPtr); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}

	svcName := opt.ServiceName(opt.ConfigPtr)
	level, file := "info", ""
	if opt.LogLevel != nil {
		level, file = opt.LogLevel(opt.ConfigPtr)
	}
	logger.InitWithFile(svcName, level, file)
	defer logger.Sync()

	if opt.InitSentinel != nil {
		if err := opt.InitSentinel(opt.ConfigPtr); err != nil {
			return fmt.Errorf("init sentinel: %w", err)
		}
	}

	var shutdownTracer func(context.Context) error
	if opt.InitTracer != nil {
		var err error
		shutdownTracer, err = opt.InitTracer(opt.ConfigPtr)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
	}

	srv, cleanup, err := opt.BuildHTTP(ctx, opt.ConfigPtr)
	if err != nil {
		return fmt.Errorf("build http: %w", err)
	}

	var side []*http.Server
	if opt.PprofAddr != nil {
		if addr := opt.PprofAddr(opt.ConfigPtr); addr != "" {
			side = append(side, StartPprof(addr))
		}
	}
	if opt.MetricsAddr != nil {
		if addr := opt.MetricsAddr(opt.ConfigPtr); addr != "" {
			side = append(side, StartMetrics(addr))
		}
	}

	errCh := make(chan error, 1)
	safe.Go(func() {
		logger.Info(ctx, "http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	})

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	case runErr = <-errCh:
		logger.Error(context.Background(), "http server error", zap.Error(runErr))
	}

	timeout := opt.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// in-flight webhooks finish their transfer before the process exits
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown", zap.Error(err))
	}
	for _, s := range side {
		_ = s.Shutdown(shutdownCtx)
	}
	if cleanup != nil {
		cleanup()
	}
	if shutdownTracer != nil {
		_ = shutdownTracer(shutdownCtx)
	}
	logger.Info(context.Background(), "service stopped", zap.String("service", svcName))
	return runErr
}

func StartPprof(addr string) *http.Server {
	runtime.SetMutexProfileFraction(10)
	runtime.SetBlockProfileRate(10000)

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return serveSide("pprof", addr, mux)
}

func StartMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return serveSide("metrics", addr, mux)
}

func serveSide(name, addr string, h http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 3 * time.Second,
	}
	safe.Go(func() {
		logger.Info(context.Background(), name+" listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), name+" server error", zap.Error(err))
		}
	})
	return srv
}

// InitSentinelFromCfg builds an InitSentinel hook from a sentinel config.
func InitSentinelFromCfg(getCfg func(cfg interface{}) *SentinelCfg) func(cfg interface{}) error {
	return func(cfg interface{}) error {
		sc := getCfg(cfg)
		if sc == nil || !(sc.Enabled || sc.Flow.Enabled || sc.Breaker.Enabled) {
			return nil
		}
		if err := sentinels.InitDefault(); err != nil {
			return fmt.Errorf("init sentinel: %w", err)
		}

		if sc.Flow.Enabled {
			if rules := flowRules(sc.Flow.Rules); len(rules) > 0 {
				if _, err := flow.LoadRules(rules); err != nil {
					return fmt.Errorf("load flow rules: %w", err)
				}
			}
		}
		if sc.Breaker.Enabled {
			if rules := breakerRules(sc.Breaker.Rules); len(rules) > 0 {
				if _, err := circuitbreaker.LoadRules(rules); err != nil {
					return fmt.Errorf("load circuit breaker rules: %w", err)
				}
			}
		}

		logger.Info(context.Background(), "sentinel rules loaded",
			zap.Int("flow", len(sc.Flow.Rules)), zap.Int("breaker", len(sc.Breaker.Rules)))
		return nil
	}
}

func flowRules(in []FlowRule) []*flow.Rule {
	var out []*flow.Rule
	for _, rule := range in {
		if rule.Resource == "" {
			continue
		}
		r := &flow.Rule{
			Resource:         rule.Resource,
			Threshold:        rule.Threshold,
			StatIntervalInMs: rule.StatIntervalMs,
		}
		switch strings.ToLower(rule.Strategy) {
		case "warmup":
			r.TokenCalculateStrategy = flow.WarmUp
			r.WarmUpPeriodSec = rule.WarmUpSec
			r.WarmUpColdFactor = rule.WarmUpColdFactor
		case "memory_adaptive":
			r.TokenCalculateStrategy = flow.MemoryAdaptive
		default:
			r.TokenCalculateStrategy = flow.Direct
		}

		switch strings.ToLower(rule.Control) {
		case "throttling":
			r.ControlBehavior = flow.Throttling
			r.MaxQueueingTimeMs = rule.MaxQueueWaitMs
		default:
			r.ControlBehavior = flow.Reject
		}
		out = append(out, r)
	}
	return out
}

func breakerRules(in []BreakerRule) []*circuitbreaker.Rule {
	var out []*circuitbreaker.Rule
	for _, rule := range in {
		if rule.Resource == "" {
			continue
		}
		r := &circuitbreaker.Rule{
			Resource:         rule.Resource,
			Threshold:        rule.Threshold,
			StatIntervalMs:   rule.StatIntervalMs,
			MinRequestAmount: rule.MinRequestAmount,
			RetryTimeoutMs:   uint32(rule.RetryTimeoutMs),
		}
		switch strings.ToLower(rule.Strategy) {
		case "error_count":
			r.Strategy = circuitbreaker.ErrorCount
		case "slow_request_ratio":
			r.Strategy = circuitbreaker.SlowRequestRatio
		default:
			r.Strategy = circuitbreaker.ErrorRatio
		}
		out = append(out, r)
	}
	return out
}
