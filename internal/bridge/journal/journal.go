package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"abepay.com/pkg/logger"
	"abepay.com/pkg/wal"
)

// Kinds of journaled notifications.
const (
	KindSTK = "stk"
	KindC2B = "c2b"
)

// DefaultCompactEvery is how many settled entries trigger a compaction.
const DefaultCompactEvery = 256

// ErrInterrupted settles an entry whose processing never returned (a panic).
var ErrInterrupted = errors.New("journal: processing interrupted")

// Entry is one webhook body as it arrived.
type Entry struct {
	Kind       string    `json:"kind"`
	Body       []byte    `json:"body"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Journal makes every webhook body durable before it is processed. The gateway is
// always acknowledged, so a crash between the ack and the database write would
// otherwise lose the notification.
//
// Each Record is settled once processing ends. Every CompactEvery settlements the file
// is rewritten with only the entries still worth replaying: those in flight and those
// whose processing failed.
type Journal struct {
	CompactEvery int

	mu       sync.Mutex
	path     string
	w        *wal.Writer
	seq      uint64
	pending  map[uint64][]byte
	retained [][]byte
	settled  int
}

// Open starts journaling to path. Entries already in the file are kept until the next
// compaction carries them over; Recover normally leaves only failed ones behind.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	j := &Journal{CompactEvery: DefaultCompactEvery, path: path, pending: map[uint64][]byte{}}
	if _, err := wal.Replay(path, wal.ReplayOptions{AllowTruncatedTail: true}, func(payload []byte) error {
		j.retained = append(j.retained, slices.Clone(payload))
		return nil
	}); err != nil {
		return nil, fmt.Errorf("read journal %s: %w", path, err)
	}
	w, err := wal.OpenWrite(path, 0)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	j.w = w
	return j, nil
}

// Record appends and fsyncs one body. The returned settle func must be called once
// processing ends; a non-nil error keeps the entry for the next start.
func (j *Journal) Record(kind string, body []byte) (settle func(error), err error) {
	payload, err := json.Marshal(Entry{Kind: kind, Body: body, ReceivedAt: time.Now().UTC()})
	if err != nil {
		return nil, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.AppendSync(payload); err != nil {
		return nil, err
	}
	j.seq++
	id := j.seq
	j.pending[id] = payload

	var once sync.Once
	return func(procErr error) {
		once.Do(func() { j.settle(id, procErr) })
	}, nil
}

func (j *Journal) settle(id uint64, procErr error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	payload, ok := j.pending[id]
	if !ok {
		return
	}
	delete(j.pending, id)
	if procErr != nil {
		j.retained = append(j.retained, payload)
	}
	j.settled++

	every := j.CompactEvery
	if every <= 0 {
		every = DefaultCompactEvery
	}
	if j.settled < every {
		return
	}
	if err := j.compactLocked(); err != nil {
		logger.Error(context.Background(), "compact webhook journal failed", zap.String("path", j.path), zap.Error(err))
	}
}

// Compact rewrites the file now.
func (j *Journal) Compact() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.compactLocked()
}

func (j *Journal) compactLocked() error {
	ids := make([]uint64, 0, len(j.pending))
	for id := range j.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	keep := slices.Clone(j.retained)
	for _, id := range ids {
		keep = append(keep, j.pending[id])
	}

	// keep holds everything the file still needs, so a failed close loses nothing
	cerr := j.w.Close()
	werr := rewrite(j.path, keep)
	w, err := wal.OpenWrite(j.path, 0)
	if err != nil {
		return errors.Join(cerr, werr, err)
	}
	j.w = w
	if werr != nil {
		return errors.Join(cerr, werr)
	}
	if cerr != nil {
		logger.Warn(context.Background(), "close journal before compaction failed", zap.Error(cerr))
	}
	j.settled = 0
	logger.Debug(context.Background(), "webhook journal compacted",
		zap.Int("retained", len(j.retained)), zap.Int("in_flight", len(ids)))
	return nil
}

// Pending is the number of recorded entries not settled yet.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.w.Close()
}

// rewrite replaces path with a log holding payloads, through a rename so a crash
// leaves either the old file or the new one.
func rewrite(path string, payloads [][]byte) error {
	tmp := path + ".compact"
	_ = os.Remove(tmp)
	w, err := wal.OpenWrite(tmp, 0)
	if err != nil {
		return err
	}
	for _, p := range payloads {
		if err := w.Append(p); err != nil {
			_ = w.Close()
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Recover replays every entry left in path through fn, then rewrites the file with only
// the entries fn failed on, so they are tried again on the next start. fn must be
// idempotent.
func Recover(ctx context.Context, path string, fn func(context.Context, Entry) error) (replayed, failed int, err error) {
	var keep [][]byte
	st, err := wal.Replay(path, wal.ReplayOptions{AllowTruncatedTail: true}, func(payload []byte) error {
		var e Entry
		if err := json.Unmarshal(payload, &e); err != nil {
			logger.Error(ctx, "undecodable journal entry", zap.Error(err))
			failed++
			return nil
		}
		if err := fn(ctx, e); err != nil {
			logger.Error(ctx, "journal replay failed", zap.String("kind", e.Kind), zap.Error(err))
			keep = append(keep, slices.Clone(payload))
			failed++
			return nil
		}
		replayed++
		return nil
	})
	if err != nil {
		return replayed, failed, fmt.Errorf("replay journal %s: %w", path, err)
	}
	if st.TruncatedTail {
		logger.Warn(ctx, "journal ended in a partial record", zap.Int64("last_good_offset", st.LastGoodOffset))
	}
	if st.Records == 0 && !st.TruncatedTail {
		return replayed, failed, nil
	}
	if len(keep) == 0 {
		return replayed, failed, wal.TruncateTo(path, 0)
	}
	return replayed, failed, rewrite(path, keep)
}
