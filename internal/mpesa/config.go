package mpesa

import "time"

const (
	SandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	ProductionBaseURL = "https://api.safaricom.co.ke"
)

type Config struct {
	Environment     string        `mapstructure:"environment"` // sandbox or production
	BaseURL         string        `mapstructure:"base_url"`    // overrides Environment
	ConsumerKey     string        `mapstructure:"consumer_key"`
	ConsumerSecret  string        `mapstructure:"consumer_secret"`
	ShortCode       string        `mapstructure:"short_code"`
	PassKey         string        `mapstructure:"pass_key"`
	CallbackURL     string        `mapstructure:"callback_url"`
	ConfirmationURL string        `mapstructure:"confirmation_url"`
	ValidationURL   string        `mapstructure:"validation_url"`
	TransactionDesc string        `mapstructure:"transaction_desc"`
	Timeout         time.Duration `mapstructure:"timeout"`
	TokenMargin     time.Duration `mapstructure:"token_margin"` // refresh this long before expiry
	TokenRetries    int           `mapstructure:"token_retries"`
	CountryCode     string        `mapstructure:"country_code"`
	NationalLength  int           `mapstructure:"national_length"`
}

func (c Config) baseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	if c.Environment == "production" {
		return ProductionBaseURL
	}
	return SandboxBaseURL
}

func (c *Config) withDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.TokenMargin <= 0 {
		c.TokenMargin = 60 * time.Second
	}
	if c.TokenRetries < 0 || c.TokenRetries > 2 {
		c.TokenRetries = 2
	}
	if c.TransactionDesc == "" {
		c.TransactionDesc = "Deriv deposit"
	}
}

// PhoneFormat returns the configured phone rules, defaulting to Kenya.
func (c Config) PhoneFormat() PhoneFormat {
	f := DefaultPhoneFormat
	if c.CountryCode != "" {
		f.CountryCode = c.CountryCode
	}
	if c.NationalLength > 0 {
		f.NationalLength = c.NationalLength
	}
	return f
}
