package brokerage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"abepay.com/pkg/logger"
	"abepay.com/pkg/metrics"
	"abepay.com/pkg/ratelimit"
	"abepay.com/pkg/safe"
	"abepay.com/pkg/trace"
)

const breakerName = "brokerage"

// Authorization is what the authorize call reported about the agent account.
type Authorization struct {
	LoginID  string
	Currency string
	Balance  decimal.Decimal
}

type TransferResult struct {
	TransferID      string
	ClientLoginID   string
	ClientFullName  string
	TransactionTime time.Time
}

// Client moves settlement funds from the payment-agent account to customer accounts.
// It keeps one authorized session and redials lazily after the connection drops.
type Client struct {
	cfg      Config
	dialer   *websocket.Dialer
	breakers *ratelimit.Manager

	mu   sync.Mutex
	sess *Session
	auth Authorization
}

type Option func(*Client)

func WithDialer(d *websocket.Dialer) Option { return func(c *Client) { c.dialer = d } }

func WithBreakers(m *ratelimit.Manager) Option { return func(c *Client) { c.breakers = m } }

func NewClient(cfg Config, opts ...Option) *Client {
	cfg.withDefaults()
	c := &Client{cfg: cfg}
	for _, o := range opts {
		o(c)
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	}
	if c.breakers == nil {
		c.breakers = ratelimit.NewManager(ratelimit.Rule{}, nil, IsConnectFailure)
	}
	return c
}

func (c *Client) Config() Config { return c.cfg }

// Authenticate makes sure an authorized session exists and returns the account it is
// authorized as.
func (c *Client) Authenticate(ctx context.Context) (Authorization, error) {
	if _, err := c.session(ctx); err != nil {
		return Authorization{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth, nil
}

// session returns the live session, dialing and authorizing a new one if needed.
func (c *Client) session(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil && !c.sess.Closed() {
		return c.sess, nil
	}
	c.sess = nil

	var sess *Session
	var auth Authorization
	err := c.breakers.Execute(breakerName, func() error {
		var err error
		sess, auth, err = c.connect(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.sess, c.auth = sess, auth
	safe.Go(func() { sess.keepAlive(c.cfg.PingInterval, c.cfg.RequestTimeout) })
	logger.Info(ctx, "brokerage session authorized", zap.String("loginid", auth.LoginID))
	return sess, nil
}

func (c *Client) connect(ctx context.Context) (*Session, Authorization, error) {
	endpoint, err := c.cfg.endpoint()
	if err != nil {
		return nil, Authorization{}, fmt.Errorf("brokerage url: %w", err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	sess, err := dialSession(dialCtx, c.dialer, endpoint)
	if err != nil {
		return nil, Authorization{}, err
	}

	auth, err := c.authorize(ctx, sess)
	if err != nil {
		_ = sess.Close()
		return nil, Authorization{}, err
	}
	return sess, auth, nil
}

func (c *Client) authorize(ctx context.Context, sess *Session) (Authorization, error) {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	f, err := sess.Call(callCtx, map[string]interface{}{"authorize": c.cfg.AgentToken})
	if err != nil {
		metrics.GatewayRequestDuration.WithLabelValues("authorize", "unavailable").Observe(time.Since(start).Seconds())
		return Authorization{}, fmt.Errorf("authorize: %w", err)
	}
	if f.Error != nil {
		metrics.GatewayRequestDuration.WithLabelValues("authorize", "rejected").Observe(time.Since(start).Seconds())
		return Authorization{}, fmt.Errorf("%w: %w", ErrAuthFailure, f.Error)
	}

	var body struct {
		Authorize struct {
			LoginID  string          `json:"loginid"`
			Currency string          `json:"currency"`
			Balance  decimal.Decimal `json:"balance"`
		} `json:"authorize"`
	}
	if err := json.Unmarshal(f.raw, &body); err != nil {
		return Authorization{}, fmt.Errorf("%w: decode authorize: %v", ErrAuthFailure, err)
	}
	auth := Authorization{
		LoginID:  body.Authorize.LoginID,
		Currency: body.Authorize.Currency,
		Balance:  body.Authorize.Balance,
	}
	if c.cfg.AgentAccount != "" && !strings.EqualFold(auth.LoginID, c.cfg.AgentAccount) {
		metrics.GatewayRequestDuration.WithLabelValues("authorize", "mismatch").Observe(time.Since(start).Seconds())
		return Authorization{}, fmt.Errorf("%w: token belongs to %s, expected %s", ErrAuthFailure, auth.LoginID, c.cfg.AgentAccount)
	}
	metrics.GatewayRequestDuration.WithLabelValues("authorize", "ok").Observe(time.Since(start).Seconds())
	return auth, nil
}

// Transfer sends amount (two decimals) of currency to the destination account.
//
// Errors:
//   - ErrTransferRejected: the API refused it, nothing moved.
//   - ErrTransferNotSent: it never reached the wire (connect or auth failed too, see
//     ErrAuthFailure).
//   - ErrTransferTimeout: it was written and the outcome is unknown.
func (c *Client) Transfer(ctx context.Context, destination string, amount decimal.Decimal, currency string) (TransferResult, error) {
	ctx, span := trace.Tracer("brokerage").Start(ctx, "brokerage.transfer", oteltrace.WithAttributes(
		attribute.String("destination", destination),
		attribute.String("amount", amount.String()),
	))
	defer span.End()

	start := time.Now()
	result, err := c.transfer(ctx, destination, amount, currency)
	outcome := "ok"
	switch {
	case errors.Is(err, ErrTransferRejected):
		outcome = "rejected"
	case errors.Is(err, ErrTransferTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "not_sent"
	}
	metrics.TransferDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (c *Client) transfer(ctx context.Context, destination string, amount decimal.Decimal, currency string) (TransferResult, error) {
	if currency == "" {
		currency = c.cfg.Currency
	}
	if !amount.IsPositive() {
		return TransferResult{}, fmt.Errorf("%w: amount must be positive, got %s", ErrTransferNotSent, amount)
	}

	sess, err := c.session(ctx)
	if err != nil {
		return TransferResult{}, fmt.Errorf("%w: %w", ErrTransferNotSent, err)
	}

	req := map[string]interface{}{
		"paymentagent_transfer": 1,
		"transfer_to":           destination,
		"amount":                json.Number(amount.StringFixed(2)),
		"currency":              currency,
	}
	if c.cfg.Description != "" {
		req["description"] = c.cfg.Description
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.TransferTimeout)
	defer cancel()
	f, err := sess.Call(callCtx, req)
	switch {
	case errors.Is(err, errNotWritten):
		return TransferResult{}, fmt.Errorf("%w: %w", ErrTransferNotSent, err)
	case err != nil:
		logger.Error(ctx, "brokerage transfer outcome unknown",
			zap.String("transfer_to", destination), zap.String("amount", amount.StringFixed(2)), zap.Error(err))
		return TransferResult{}, fmt.Errorf("%w: %w", ErrTransferTimeout, err)
	}
	if f.Error != nil {
		if isAuthError(f.Error.Code) {
			c.drop(sess)
			return TransferResult{}, fmt.Errorf("%w: %w: %w", ErrTransferRejected, ErrAuthFailure, f.Error)
		}
		return TransferResult{}, fmt.Errorf("%w: %w", ErrTransferRejected, f.Error)
	}

	var body struct {
		PaymentAgentTransfer int         `json:"paymentagent_transfer"`
		TransactionID        json.Number `json:"transaction_id"`
		ClientToLoginID      string      `json:"client_to_loginid"`
		ClientToFullName     string      `json:"client_to_full_name"`
	}
	if err := json.Unmarshal(f.raw, &body); err != nil {
		// written and answered, but unreadable: treat as unknown
		return TransferResult{}, fmt.Errorf("%w: decode transfer response: %v", ErrTransferTimeout, err)
	}
	if body.PaymentAgentTransfer != 1 || body.TransactionID == "" {
		return TransferResult{}, fmt.Errorf("%w: unexpected transfer response %s", ErrTransferTimeout, truncate(f.raw, 256))
	}
	return TransferResult{
		TransferID:      body.TransactionID.String(),
		ClientLoginID:   body.ClientToLoginID,
		ClientFullName:  body.ClientToFullName,
		TransactionTime: time.Now().UTC(),
	}, nil
}

// drop forgets sess so the next call authorizes afresh.
func (c *Client) drop(sess *Session) {
	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	c.mu.Unlock()
	_ = sess.Close()
}

func (c *Client) Close() error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()
	if sess != nil {
		return sess.Close()
	}
	return nil
}

func isAuthError(code string) bool {
	switch code {
	case "InvalidToken", "AuthorizationRequired", "InvalidAppID":
		return true
	}
	return false
}

// IsConnectFailure is the breaker classifier for the brokerage. Dial and transport
// failures count against the breaker; a refused token does not mean the endpoint is down.
func IsConnectFailure(err error) bool {
	return err != nil && !errors.Is(err, ErrAuthFailure)
}
