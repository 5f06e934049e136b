package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"abepay.com/pkg/logger"
	"abepay.com/pkg/metrics"
	"abepay.com/pkg/ratelimit"
)

const breakerName = "mpesa"

// Daraja timestamps are East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

// Client talks to the Daraja API.
type Client struct {
	cfg      Config
	hc       *http.Client
	breakers *ratelimit.Manager
	tokens   TokenCache
	sf       singleflight.Group
	now      func() time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.hc = hc } }

// WithTokenCache enables token caching. A nil cache fetches a fresh token per call.
func WithTokenCache(tc TokenCache) Option { return func(c *Client) { c.tokens = tc } }

func WithBreakers(m *ratelimit.Manager) Option { return func(c *Client) { c.breakers = m } }

func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

func NewClient(cfg Config, opts ...Option) *Client {
	cfg.withDefaults()
	c := &Client{cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	if c.hc == nil {
		c.hc = &http.Client{Timeout: cfg.Timeout}
	}
	if c.breakers == nil {
		c.breakers = ratelimit.NewManager(ratelimit.Rule{}, nil, IsUnavailable)
	}
	return c
}

func (c *Client) Config() Config { return c.cfg }

type AccessToken struct {
	Token     string
	ExpiresIn time.Duration
}

// GetAccessToken fetches a new token. Transport failures are retried up to
// Config.TokenRetries extra times; a refusal is returned at once.
func (c *Client) GetAccessToken(ctx context.Context) (AccessToken, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.TokenRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return AccessToken{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, ctx.Err())
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		tok, err := c.fetchToken(ctx)
		if err == nil {
			return tok, nil
		}
		lastErr = err
		if !IsUnavailable(err) || ratelimit.IsBreakerOpen(err) {
			break
		}
		logger.Warn(ctx, "mpesa token fetch failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return AccessToken{}, lastErr
}

func (c *Client) fetchToken(ctx context.Context) (AccessToken, error) {
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	status, raw, err := c.do(ctx, "token", http.MethodGet, "/oauth/v1/generate?grant_type=client_credentials", nil, func(r *http.Request) {
		r.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)
	})
	if err != nil {
		return AccessToken{}, err
	}
	if status < 200 || status > 299 {
		return AccessToken{}, &GatewayError{Kind: ErrAuthFailure, StatusCode: status, Description: describe(raw)}
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.AccessToken == "" {
		return AccessToken{}, &GatewayError{Kind: ErrAuthFailure, StatusCode: status, Description: "token response without access_token"}
	}
	secs, _ := strconv.Atoi(out.ExpiresIn)
	if secs <= 0 {
		secs = 3599
	}
	return AccessToken{Token: out.AccessToken, ExpiresIn: time.Duration(secs) * time.Second}, nil
}

// Token returns a cached token when one is still fresh, otherwise fetches one. Concurrent
// misses share a single fetch.
func (c *Client) Token(ctx context.Context) (string, error) {
	if c.tokens == nil {
		t, err := c.GetAccessToken(ctx)
		return t.Token, err
	}
	key := c.cfg.ConsumerKey
	if tok, ok, err := c.tokens.Get(ctx, key); err == nil && ok {
		return tok, nil
	} else if err != nil {
		logger.Warn(ctx, "mpesa token cache read failed", zap.Error(err))
	}

	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		t, err := c.GetAccessToken(ctx)
		if err != nil {
			return "", err
		}
		if ttl := t.ExpiresIn - c.cfg.TokenMargin; ttl > 0 {
			if err := c.tokens.Set(ctx, key, t.Token, ttl); err != nil {
				logger.Warn(ctx, "mpesa token cache write failed", zap.Error(err))
			}
		}
		return t.Token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// InvalidateToken drops the cached token so the next call fetches a new one.
func (c *Client) InvalidateToken(ctx context.Context) {
	if c.tokens == nil {
		return
	}
	if err := c.tokens.Delete(ctx, c.cfg.ConsumerKey); err != nil {
		logger.Warn(ctx, "mpesa token cache delete failed", zap.Error(err))
	}
}

type PaymentAck struct {
	CorrelationID         string
	MerchantCorrelationID string
	ResponseDescription   string
	CustomerMessage       string
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

// Password is base64(shortcode + passkey + timestamp).
func Password(shortCode, passKey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}

// Timestamp formats t as YYYYMMDDHHmmss in EAT.
func Timestamp(t time.Time) string { return t.In(eat).Format("20060102150405") }

// RequestPayment sends an STK push. amount must be whole local units; phone must already
// be normalized. An empty callbackURL uses Config.CallbackURL.
func (c *Client) RequestPayment(ctx context.Context, token, phone string, amount decimal.Decimal, reference, callbackURL string) (PaymentAck, error) {
	if callbackURL == "" {
		callbackURL = c.cfg.CallbackURL
	}
	ts := Timestamp(c.now())
	body := stkPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.PassKey, ts),
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount.Round(0).IntPart(),
		PartyA:            phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       callbackURL,
		AccountReference:  reference,
		TransactionDesc:   c.cfg.TransactionDesc,
	}

	status, raw, err := c.do(ctx, "stk_push", http.MethodPost, "/mpesa/stkpush/v1/processrequest", body, bearer(token))
	if err != nil {
		return PaymentAck{}, err
	}

	var out stkPushResponse
	_ = json.Unmarshal(raw, &out)

	switch {
	case status == http.StatusUnauthorized:
		c.InvalidateToken(ctx)
		return PaymentAck{}, &GatewayError{Kind: ErrAuthFailure, StatusCode: status, Code: out.ErrorCode, Description: firstNonEmpty(out.ErrorMessage, describe(raw))}
	case status >= 500:
		return PaymentAck{}, &GatewayError{Kind: ErrGatewayUnavailable, StatusCode: status, Code: out.ErrorCode, Description: firstNonEmpty(out.ErrorMessage, describe(raw))}
	case status >= 400:
		return PaymentAck{}, &GatewayError{Kind: ErrGatewayRejected, StatusCode: status, Code: out.ErrorCode, Description: firstNonEmpty(out.ErrorMessage, out.ResponseDescription, describe(raw))}
	case out.ResponseCode != "0":
		return PaymentAck{}, &GatewayError{Kind: ErrGatewayRejected, StatusCode: status, Code: out.ResponseCode, Description: firstNonEmpty(out.ResponseDescription, out.ErrorMessage, "payment request not accepted")}
	case out.CheckoutRequestID == "":
		return PaymentAck{}, &GatewayError{Kind: ErrGatewayRejected, StatusCode: status, Description: "accepted without CheckoutRequestID"}
	}

	return PaymentAck{
		CorrelationID:         out.CheckoutRequestID,
		MerchantCorrelationID: out.MerchantRequestID,
		ResponseDescription:   out.ResponseDescription,
		CustomerMessage:       out.CustomerMessage,
	}, nil
}

type RegisterAck struct {
	OriginatorConversationID string `json:"OriginatorCoversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// RegisterURLs registers the C2B confirmation and validation URLs for the short code.
// Empty URLs fall back to the configured ones.
func (c *Client) RegisterURLs(ctx context.Context, token, confirmationURL, validationURL string) (RegisterAck, error) {
	if confirmationURL == "" {
		confirmationURL = c.cfg.ConfirmationURL
	}
	if validationURL == "" {
		validationURL = c.cfg.ValidationURL
	}
	body := map[string]string{
		"ShortCode":       c.cfg.ShortCode,
		"ResponseType":    "Completed",
		"ConfirmationURL": confirmationURL,
		"ValidationURL":   validationURL,
	}
	status, raw, err := c.do(ctx, "register_urls", http.MethodPost, "/mpesa/c2b/v1/registerurl", body, bearer(token))
	if err != nil {
		return RegisterAck{}, err
	}

	var out RegisterAck
	_ = json.Unmarshal(raw, &out)
	switch {
	case status == http.StatusUnauthorized:
		c.InvalidateToken(ctx)
		return RegisterAck{}, &GatewayError{Kind: ErrAuthFailure, StatusCode: status, Description: describe(raw)}
	case status >= 500:
		return RegisterAck{}, &GatewayError{Kind: ErrGatewayUnavailable, StatusCode: status, Description: describe(raw)}
	case status >= 400:
		return RegisterAck{}, &GatewayError{Kind: ErrGatewayRejected, StatusCode: status, Description: describe(raw)}
	case out.ResponseCode != "" && out.ResponseCode != "0":
		return RegisterAck{}, &GatewayError{Kind: ErrGatewayRejected, StatusCode: status, Code: out.ResponseCode, Description: out.ResponseDescription}
	}
	return out, nil
}

// do sends one request behind the breaker. Only transport failures, timeouts and 5xx
// count against the breaker; the caller classifies every other status.
func (c *Client) do(ctx context.Context, op, method, path string, body interface{}, auth func(*http.Request)) (status int, raw []byte, err error) {
	defer func(start time.Time) {
		result := "ok"
		if err != nil {
			result = "unavailable"
		} else if status >= 400 {
			result = strconv.Itoa(status)
		}
		metrics.GatewayRequestDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
	}(time.Now())

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return 0, nil, fmt.Errorf("encode %s request: %w", op, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	berr := c.breakers.Execute(breakerName, func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.baseURL()+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if auth != nil {
			auth(req)
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, op, err)
		}
		defer resp.Body.Close()

		raw, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		status = resp.StatusCode
		if err != nil {
			return fmt.Errorf("%w: %s: read body: %v", ErrGatewayUnavailable, op, err)
		}
		if status >= 500 {
			return &GatewayError{Kind: ErrGatewayUnavailable, StatusCode: status, Description: describe(raw)}
		}
		return nil
	})

	switch {
	case berr == nil:
		return status, raw, nil
	case ratelimit.IsBreakerOpen(berr):
		return 0, nil, fmt.Errorf("%w: %w", ErrGatewayUnavailable, berr)
	case status >= 500:
		// let the caller build its own error from the body
		return status, raw, nil
	default:
		return 0, nil, berr
	}
}

func bearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

// describe pulls a human message out of an error body, falling back to the raw text.
func describe(raw []byte) string {
	var e struct {
		ErrorMessage        string `json:"errorMessage"`
		ResponseDescription string `json:"ResponseDescription"`
	}
	if json.Unmarshal(raw, &e) == nil {
		if s := firstNonEmpty(e.ErrorMessage, e.ResponseDescription); s != "" {
			return s
		}
	}
	if len(raw) > 256 {
		raw = raw[:256]
	}
	return string(bytes.TrimSpace(raw))
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}
