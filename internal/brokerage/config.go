package brokerage

import (
	"net/url"
	"time"
)

const DefaultURL = "wss://ws.derivws.com/websockets/v3"

type Config struct {
	URL             string        `mapstructure:"url"`
	AppID           string        `mapstructure:"app_id"`
	AgentToken      string        `mapstructure:"agent_token"`
	AgentAccount    string        `mapstructure:"agent_account"`
	Currency        string        `mapstructure:"currency"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	TransferTimeout time.Duration `mapstructure:"transfer_timeout"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	Description     string        `mapstructure:"description"`
}

func (c *Config) withDefaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.Currency == "" {
		c.Currency = "USD"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.TransferTimeout <= 0 {
		c.TransferTimeout = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
}

// endpoint appends app_id to the socket URL.
func (c Config) endpoint() (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", err
	}
	if c.AppID != "" {
		q := u.Query()
		q.Set("app_id", c.AppID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
