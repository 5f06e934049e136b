package brokerage

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"abepay.com/pkg/logger"
	"abepay.com/pkg/safe"
)

const (
	writeWait = 5 * time.Second
	readLimit = 1 << 20
)

// frame is one decoded response.
type frame struct {
	MsgType string    `json:"msg_type"`
	ReqID   int64     `json:"req_id"`
	Error   *APIError `json:"error"`
	raw     []byte
}

// Session is one websocket connection. Requests carry an increasing req_id and a
// single reader goroutine routes each response back to its caller. Safe for concurrent
// use.
type Session struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan frame

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func dialSession(ctx context.Context, dialer *websocket.Dialer, endpoint string) (*Session, error) {
	conn, resp, err := dialer.DialContext(ctx, endpoint, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	conn.SetReadLimit(readLimit)

	s := &Session{
		conn:    conn,
		pending: make(map[int64]chan frame),
		done:    make(chan struct{}),
	}
	safe.Go(s.readLoop)
	return s, nil
}

func (s *Session) readLoop() {
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.shutdown(err)
			return
		}
		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			logger.Warn(context.Background(), "brokerage frame undecodable", zap.Error(err), zap.ByteString("frame", truncate(msg, 256)))
			continue
		}
		f.raw = msg

		s.mu.Lock()
		ch, ok := s.pending[f.ReqID]
		delete(s.pending, f.ReqID)
		s.mu.Unlock()
		if !ok {
			logger.Debug(context.Background(), "brokerage frame without waiter", zap.String("msg_type", f.MsgType), zap.Int64("req_id", f.ReqID))
			continue
		}
		ch <- f
	}
}

// Call sends req (req_id is set here) and waits for the matching response. It returns
// errNotWritten when nothing reached the wire and errNoAnswer when the request was
// written but no response arrived.
func (s *Session) Call(ctx context.Context, req map[string]interface{}) (frame, error) {
	select {
	case <-s.done:
		return frame{}, fmt.Errorf("%w: %w: %v", errNotWritten, errClosed, s.closeErr)
	default:
	}

	id := s.nextID.Add(1)
	req["req_id"] = id
	payload, err := json.Marshal(req)
	if err != nil {
		return frame{}, fmt.Errorf("%w: encode: %v", errNotWritten, err)
	}

	ch := make(chan frame, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := ctx.Err(); err != nil {
		return frame{}, fmt.Errorf("%w: %v", errNotWritten, err)
	}

	s.writeMu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = s.conn.WriteMessage(websocket.TextMessage, payload)
	s.writeMu.Unlock()
	if err != nil {
		// a failed write may still have flushed part of the frame
		s.shutdown(err)
		return frame{}, fmt.Errorf("%w: write: %v", errNoAnswer, err)
	}

	select {
	case f := <-ch:
		return f, nil
	case <-ctx.Done():
		return frame{}, fmt.Errorf("%w: req_id=%d: %v", errNoAnswer, id, ctx.Err())
	case <-s.done:
		return frame{}, fmt.Errorf("%w: req_id=%d: connection lost: %v", errNoAnswer, id, s.closeErr)
	}
}

// Ping sends a keep-alive and waits for the pong.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.Call(ctx, map[string]interface{}{"ping": 1})
	return err
}

func (s *Session) keepAlive(every, timeout time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			err := s.Ping(ctx)
			cancel()
			if err != nil {
				logger.Warn(ctx, "brokerage ping failed, dropping session", zap.Error(err))
				s.shutdown(err)
				return
			}
		}
	}
}

func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	s.shutdown(errClosed)
	return nil
}

func (s *Session) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		close(s.done)
		_ = s.conn.Close()
	})
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
