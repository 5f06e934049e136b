package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"abepay.com/internal/deposit/domain"
)

// Store is an in-process domain.Store for development and tests. Transaction gives no
// rollback; each call is atomic on its own.
type Store struct {
	mu       sync.RWMutex
	deposits map[string]*domain.PendingDeposit
	audit    []domain.AuditEntry
	orphans  []*domain.OrphanNotification
	nextID   int64
}

var _ domain.Store = (*Store)(nil)

func New() *Store {
	return &Store{deposits: make(map[string]*domain.PendingDeposit)}
}

func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *Store) Create(_ context.Context, d *domain.PendingDeposit, actor, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deposits[d.CorrelationID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicate, d.CorrelationID)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	d.UpdatedAt = d.CreatedAt
	cp := *d
	s.deposits[d.CorrelationID] = &cp
	s.appendAudit(d.CorrelationID, "", d.State, note, actor, d.CreatedAt)
	return nil
}

func (s *Store) Get(_ context.Context, correlationID string) (*domain.PendingDeposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deposits[correlationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, correlationID)
	}
	cp := *d
	return &cp, nil
}

func (s *Store) Transition(_ context.Context, correlationID string, from domain.State, u domain.Update) (*domain.PendingDeposit, error) {
	if !domain.CanTransition(from, u.To) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, u.To)
	}
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deposits[correlationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, correlationID)
	}
	if d.State != from {
		return nil, fmt.Errorf("%w: %s not in %s", domain.ErrStateConflict, correlationID, from)
	}
	u.Apply(d)
	s.appendAudit(correlationID, from, u.To, u.Note, u.Actor, u.At)
	cp := *d
	return &cp, nil
}

func (s *Store) appendAudit(id string, from, to domain.State, note, actor string, at time.Time) {
	s.nextID++
	s.audit = append(s.audit, domain.AuditEntry{
		ID:            s.nextID,
		CorrelationID: id,
		FromState:     from,
		ToState:       to,
		Note:          note,
		Actor:         actor,
		CreatedAt:     at,
	})
}

func (s *Store) ListAttention(_ context.Context, page, limit int) ([]*domain.PendingDeposit, int64, error) {
	match := func(d *domain.PendingDeposit) bool { return d.NeedsAttention }
	return s.filter(match, page, limit), s.count(match), nil
}

func (s *Store) ListByState(_ context.Context, state domain.State, page, limit int) ([]*domain.PendingDeposit, int64, error) {
	match := func(d *domain.PendingDeposit) bool { return d.State == state }
	return s.filter(match, page, limit), s.count(match), nil
}

func (s *Store) count(match func(*domain.PendingDeposit) bool) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, d := range s.deposits {
		if match(d) {
			n++
		}
	}
	return n
}

// filter returns matches newest first, paged like orm.ApplyPagination.
func (s *Store) filter(match func(*domain.PendingDeposit) bool, page, limit int) []*domain.PendingDeposit {
	s.mu.RLock()
	out := make([]*domain.PendingDeposit, 0)
	for _, d := range s.deposits {
		if match(d) {
			cp := *d
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CorrelationID > out[j].CorrelationID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, page, limit)
}

func paginate[T any](items []T, page, limit int) []T {
	if page <= 0 || limit <= 0 {
		return items
	}
	start := (page - 1) * limit
	if start >= len(items) {
		return items[:0]
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func (s *Store) Audit(_ context.Context, correlationID string) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.AuditEntry
	for _, a := range s.audit {
		if a.CorrelationID == correlationID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) SaveOrphan(_ context.Context, o *domain.OrphanNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.CorrelationID != "" {
		for _, x := range s.orphans {
			if x.Source == o.Source && x.CorrelationID == o.CorrelationID {
				return fmt.Errorf("%w: orphan %s", domain.ErrDuplicate, o.CorrelationID)
			}
		}
	}
	if o.ReceivedAt.IsZero() {
		o.ReceivedAt = time.Now().UTC()
	}
	o.ID = int64(len(s.orphans) + 1)
	cp := *o
	s.orphans = append(s.orphans, &cp)
	return nil
}

func (s *Store) ListOrphans(_ context.Context, page, limit int) ([]*domain.OrphanNotification, int64, error) {
	s.mu.RLock()
	out := make([]*domain.OrphanNotification, 0, len(s.orphans))
	for i := len(s.orphans) - 1; i >= 0; i-- {
		cp := *s.orphans[i]
		out = append(out, &cp)
	}
	s.mu.RUnlock()
	return paginate(out, page, limit), int64(len(out)), nil
}
