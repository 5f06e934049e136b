package brokerage

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	agentToken   = "agent-token"
	agentAccount = "CR9000001"

	destOK      = "CR1234567"
	destRefused = "CR0000404"
	destSilent  = "CR0000999"
	destDrop    = "CR0000500"
)

// fakeDeriv answers authorize, ping and paymentagent_transfer frames.
type fakeDeriv struct {
	dials     atomic.Int32
	transfers atomic.Int32
	loginID   string
}

func (f *fakeDeriv) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("app_id") != "1089" {
		http.Error(w, "missing app_id", http.StatusBadRequest)
		return
	}
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.CloseNow()
	f.dials.Add(1)

	ctx := r.Context()
	var writeMu sync.Mutex
	reply := func(v interface{}) {
		b, _ := json.Marshal(v)
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = c.Write(ctx, websocket.MessageText, b)
	}

	for {
		_, msg, err := c.Read(ctx)
		if err != nil {
			return
		}
		var req map[string]interface{}
		if err := json.Unmarshal(msg, &req); err != nil {
			continue
		}
		reqID := req["req_id"]

		switch {
		case req["authorize"] != nil:
			if req["authorize"] != agentToken {
				reply(map[string]interface{}{
					"msg_type": "authorize", "req_id": reqID,
					"error": map[string]string{"code": "InvalidToken", "message": "The token is invalid."},
				})
				continue
			}
			reply(map[string]interface{}{
				"msg_type": "authorize", "req_id": reqID,
				"authorize": map[string]interface{}{"loginid": f.loginID, "currency": "USD", "balance": 5000.5},
			})
		case req["ping"] != nil:
			reply(map[string]interface{}{"msg_type": "ping", "ping": "pong", "req_id": reqID})
		case req["paymentagent_transfer"] != nil:
			f.transfers.Add(1)
			dest, _ := req["transfer_to"].(string)
			amount, _ := req["amount"].(float64)
			switch dest {
			case destRefused:
				reply(map[string]interface{}{
					"msg_type": "paymentagent_transfer", "req_id": reqID,
					"error": map[string]string{"code": "PaymentAgentTransferError", "message": "Client account is disabled."},
				})
			case destSilent:
			case destDrop:
				return
			default:
				// answer later transfers first so callers must match on req_id
				go func(id interface{}, amount float64) {
					time.Sleep(time.Duration(1000-amount) * time.Millisecond / 20)
					reply(map[string]interface{}{
						"msg_type":              "paymentagent_transfer",
						"req_id":                id,
						"paymentagent_transfer": 1,
						"transaction_id":        int64(math.Round(amount * 100)),
						"client_to_loginid":     dest,
						"client_to_full_name":   "Jane Doe",
					})
				}(reqID, amount)
			}
		}
	}
}

func newFake(t *testing.T) (*fakeDeriv, Config) {
	t.Helper()
	f := &fakeDeriv{loginID: agentAccount}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	cfg := Config{
		URL:             "ws" + strings.TrimPrefix(srv.URL, "http"),
		AppID:           "1089",
		AgentToken:      agentToken,
		AgentAccount:    agentAccount,
		RequestTimeout:  2 * time.Second,
		TransferTimeout: 300 * time.Millisecond,
		PingInterval:    time.Hour,
	}
	return f, cfg
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c := NewClient(cfg)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestAuthenticate(t *testing.T) {
	_, cfg := newFake(t)
	c := newTestClient(t, cfg)

	auth, err := c.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, agentAccount, auth.LoginID)
	assert.Equal(t, "USD", auth.Currency)
	assert.True(t, decimal.RequireFromString("5000.5").Equal(auth.Balance))
}

func TestAuthenticate_WrongAccount(t *testing.T) {
	f, cfg := newFake(t)
	f.loginID = "CR7777777"
	c := newTestClient(t, cfg)

	_, err := c.Authenticate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthFailure)
}

func TestAuthenticate_BadToken(t *testing.T) {
	_, cfg := newFake(t)
	cfg.AgentToken = "stolen"
	c := newTestClient(t, cfg)

	_, err := c.Authenticate(context.Background())
	assert.ErrorIs(t, err, ErrAuthFailure)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "InvalidToken", apiErr.Code)
}

func TestTransfer_Success(t *testing.T) {
	f, cfg := newFake(t)
	cfg.TransferTimeout = 2 * time.Second
	c := newTestClient(t, cfg)

	res, err := c.Transfer(context.Background(), destOK, decimal.RequireFromString("100"), "USD")
	require.NoError(t, err)
	assert.Equal(t, "10000", res.TransferID)
	assert.Equal(t, destOK, res.ClientLoginID)
	assert.Equal(t, int32(1), f.transfers.Load())
}

func TestTransfer_MatchesResponsesByReqID(t *testing.T) {
	_, cfg := newFake(t)
	cfg.TransferTimeout = 5 * time.Second
	c := newTestClient(t, cfg)
	_, err := c.Authenticate(context.Background())
	require.NoError(t, err)

	amounts := []string{"10.5", "200", "37.25", "999.99", "1"}
	var wg sync.WaitGroup
	ids := make([]string, len(amounts))
	errs := make([]error, len(amounts))
	for i, a := range amounts {
		wg.Add(1)
		go func(i int, a string) {
			defer wg.Done()
			res, err := c.Transfer(context.Background(), destOK, decimal.RequireFromString(a), "USD")
			ids[i], errs[i] = res.TransferID, err
		}(i, a)
	}
	wg.Wait()

	for i, a := range amounts {
		require.NoError(t, errs[i])
		want := decimal.RequireFromString(a).Mul(decimal.NewFromInt(100)).IntPart()
		assert.Equal(t, decimal.NewFromInt(want).String(), ids[i], "amount %s", a)
	}
}

func TestTransfer_Rejected(t *testing.T) {
	_, cfg := newFake(t)
	c := newTestClient(t, cfg)

	_, err := c.Transfer(context.Background(), destRefused, decimal.RequireFromString("5"), "USD")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransferRejected)
	assert.NotErrorIs(t, err, ErrTransferTimeout)
	assert.Contains(t, err.Error(), "Client account is disabled")
}

func TestTransfer_NoAnswerIsTimeout(t *testing.T) {
	_, cfg := newFake(t)
	c := newTestClient(t, cfg)

	_, err := c.Transfer(context.Background(), destSilent, decimal.RequireFromString("5"), "USD")
	assert.ErrorIs(t, err, ErrTransferTimeout)
}

func TestTransfer_ConnectionLostAfterWriteIsTimeout(t *testing.T) {
	f, cfg := newFake(t)
	cfg.TransferTimeout = 2 * time.Second
	c := newTestClient(t, cfg)

	_, err := c.Transfer(context.Background(), destDrop, decimal.RequireFromString("5"), "USD")
	assert.ErrorIs(t, err, ErrTransferTimeout)

	// next call dials a fresh session
	res, err := c.Transfer(context.Background(), destOK, decimal.RequireFromString("2"), "USD")
	require.NoError(t, err)
	assert.Equal(t, "200", res.TransferID)
	assert.Equal(t, int32(2), f.dials.Load())
}

func TestTransfer_AuthFailureIsNotSent(t *testing.T) {
	f, cfg := newFake(t)
	cfg.AgentToken = "stolen"
	c := newTestClient(t, cfg)

	_, err := c.Transfer(context.Background(), destOK, decimal.RequireFromString("5"), "USD")
	assert.ErrorIs(t, err, ErrTransferNotSent)
	assert.ErrorIs(t, err, ErrAuthFailure)
	assert.Equal(t, int32(0), f.transfers.Load())
}

func TestTransfer_UnreachableIsNotSent(t *testing.T) {
	c := newTestClient(t, Config{URL: "ws://127.0.0.1:1/websockets/v3", AppID: "1089", DialTimeout: 500 * time.Millisecond})

	_, err := c.Transfer(context.Background(), destOK, decimal.RequireFromString("5"), "USD")
	assert.ErrorIs(t, err, ErrTransferNotSent)
	assert.False(t, errors.Is(err, ErrTransferTimeout))
}

func TestSession_Ping(t *testing.T) {
	_, cfg := newFake(t)
	c := newTestClient(t, cfg)
	_, err := c.Authenticate(context.Background())
	require.NoError(t, err)

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	require.NoError(t, sess.Ping(context.Background()))
}

func TestConfig_Endpoint(t *testing.T) {
	cfg := Config{AppID: "1089"}
	cfg.withDefaults()
	ep, err := cfg.endpoint()
	require.NoError(t, err)
	assert.Equal(t, "wss://ws.derivws.com/websockets/v3?app_id=1089", ep)
	assert.Equal(t, 30*time.Second, cfg.TransferTimeout)
	assert.Equal(t, 15*time.Second, cfg.RequestTimeout)
}
