package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"abepay.com/internal/brokerage"
	"abepay.com/internal/deposit/domain"
	"abepay.com/internal/deposit/events"
	"abepay.com/internal/mpesa"
	"abepay.com/pkg/bootstrap"
	"abepay.com/pkg/orm"
	"abepay.com/pkg/ratelimit"
	"abepay.com/pkg/trace"
	"abepay.com/pkg/xredis"
)

// BridgeConfig is config/bridge-service.yaml. Every key can be overridden from the
// environment, e.g. BRIDGE_SERVICE_MPESA_CONSUMER_SECRET.
type BridgeConfig struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	HTTP      HTTPConfig            `mapstructure:"http"`
	Admin     AdminConfig           `mapstructure:"admin"`
	Store     StoreConfig           `mapstructure:"store"`
	Redis     RedisConfig           `mapstructure:"redis"`
	Mpesa     mpesa.Config          `mapstructure:"mpesa"`
	Brokerage brokerage.Config      `mapstructure:"brokerage"`
	Deposit   DepositConfig         `mapstructure:"deposit"`
	Events    EventsConfig          `mapstructure:"events"`
	Trace     trace.Config          `mapstructure:"trace"`
	Breaker   BreakerConfig         `mapstructure:"breaker"`
	RateLimit RateLimitConfig       `mapstructure:"rate_limit"`
	Sentinel  bootstrap.SentinelCfg `mapstructure:"sentinel"`
}

type HTTPConfig struct {
	Addr           string        `mapstructure:"addr"`
	MetricsAddr    string        `mapstructure:"metrics_addr"`
	PprofAddr      string        `mapstructure:"pprof_addr"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
	CorsOrigins    []string      `mapstructure:"cors_origins"`
}

type AdminConfig struct {
	Token string `mapstructure:"token"`
}

type StoreConfig struct {
	Driver      string     `mapstructure:"driver"` // mysql or memory
	AutoMigrate bool       `mapstructure:"auto_migrate"`
	MySQL       orm.Config `mapstructure:"mysql"`
	// webhook bodies are fsynced here before processing; empty disables the journal
	JournalPath string `mapstructure:"journal_path"`
}

type RedisConfig struct {
	xredis.Config `mapstructure:",squash"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	TokenPrefix   string        `mapstructure:"token_prefix"`
	LockPrefix    string        `mapstructure:"lock_prefix"`
}

func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// DepositConfig holds amounts as strings so they reach decimal without a float.
type DepositConfig struct {
	DepositRate  string `mapstructure:"deposit_rate"`
	WithdrawRate string `mapstructure:"withdraw_rate"`
	MinDeposit   string `mapstructure:"min_deposit"`
	MaxDeposit   string `mapstructure:"max_deposit"`
}

func (d DepositConfig) Rates() (domain.Rates, error) {
	dep, err := decimal.NewFromString(d.DepositRate)
	if err != nil {
		return domain.Rates{}, fmt.Errorf("deposit.deposit_rate %q: %w", d.DepositRate, err)
	}
	wd, err := decimal.NewFromString(d.WithdrawRate)
	if err != nil {
		return domain.Rates{}, fmt.Errorf("deposit.withdraw_rate %q: %w", d.WithdrawRate, err)
	}
	r := domain.Rates{Deposit: dep, Withdraw: wd}
	return r, r.Validate()
}

func (d DepositConfig) Limits() (domain.Limits, error) {
	var l domain.Limits
	var err error
	if d.MinDeposit != "" {
		if l.Min, err = decimal.NewFromString(d.MinDeposit); err != nil {
			return l, fmt.Errorf("deposit.min_deposit %q: %w", d.MinDeposit, err)
		}
	}
	l.Max = decimal.NewFromInt(250000)
	if d.MaxDeposit != "" {
		if l.Max, err = decimal.NewFromString(d.MaxDeposit); err != nil {
			return l, fmt.Errorf("deposit.max_deposit %q: %w", d.MaxDeposit, err)
		}
	}
	return l, nil
}

type EventsConfig struct {
	NatsURL       string              `mapstructure:"nats_url"`
	SubjectPrefix string              `mapstructure:"subject_prefix"`
	Influx        events.InfluxConfig `mapstructure:"influx"`
}

type BreakerConfig struct {
	Default ratelimit.Rule            `mapstructure:"default"`
	Rules   map[string]ratelimit.Rule `mapstructure:"rules"`
}

type RateLimitConfig struct {
	RPS   float64       `mapstructure:"rps"`
	Burst int           `mapstructure:"burst"`
	TTL   time.Duration `mapstructure:"ttl"`
}

// Validate checks what the service cannot start without.
func (c *BridgeConfig) Validate() error {
	if c.Name == "" {
		c.Name = "bridge-service"
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if _, err := c.Deposit.Rates(); err != nil {
		return err
	}
	if _, err := c.Deposit.Limits(); err != nil {
		return err
	}
	if c.Mpesa.ShortCode == "" || c.Mpesa.PassKey == "" || c.Mpesa.CallbackURL == "" {
		return fmt.Errorf("mpesa.short_code, mpesa.pass_key and mpesa.callback_url are required")
	}
	if c.Brokerage.AgentToken == "" || c.Brokerage.AgentAccount == "" {
		return fmt.Errorf("brokerage.agent_token and brokerage.agent_account are required")
	}
	switch c.Store.Driver {
	case "mysql":
		if c.Store.MySQL.DSN == "" {
			return fmt.Errorf("store.mysql.dsn is required for the mysql driver")
		}
	case "memory", "":
	default:
		return fmt.Errorf("store.driver %q: want mysql or memory", c.Store.Driver)
	}
	return nil
}
