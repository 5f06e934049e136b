package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abepay.com/internal/deposit/domain"
)

func newDeposit(id string) *domain.PendingDeposit {
	return &domain.PendingDeposit{
		CorrelationID:        id,
		MerchantReference:    "CR1234567",
		PhoneNumber:          "254712345678",
		RequestedLocalAmount: decimal.NewFromInt(13000),
		DepositRate:          decimal.NewFromInt(130),
		State:                domain.StateInitiated,
		Currency:             "USD",
	}
}

func TestStore_CreateRejectsDuplicate(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newDeposit("ws_CO_1"), "test", "created"))

	err := s.Create(ctx, newDeposit("ws_CO_1"), "test", "created")
	assert.ErrorIs(t, err, domain.ErrDuplicate)
}

func TestStore_TransitionCAS(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newDeposit("ws_CO_1"), "test", ""))

	dep, err := s.Transition(ctx, "ws_CO_1", domain.StateInitiated, domain.Update{To: domain.StateAwaitingConfirmation, Actor: "test"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingConfirmation, dep.State)
	assert.Equal(t, int64(1), dep.Version)

	_, err = s.Transition(ctx, "ws_CO_1", domain.StateInitiated, domain.Update{To: domain.StateAwaitingConfirmation})
	assert.ErrorIs(t, err, domain.ErrStateConflict)

	_, err = s.Transition(ctx, "missing", domain.StateInitiated, domain.Update{To: domain.StateAwaitingConfirmation})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.Transition(ctx, "ws_CO_1", domain.StateAwaitingConfirmation, domain.Update{To: domain.StateCredited})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	audit, err := s.Audit(ctx, "ws_CO_1")
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, domain.StateAwaitingConfirmation, audit[1].ToState)
}

func TestStore_ConcurrentClaimHasOneWinner(t *testing.T) {
	s := New()
	ctx := context.Background()
	d := newDeposit("ws_CO_1")
	d.State = domain.StateAwaitingConfirmation
	require.NoError(t, s.Create(ctx, d, "test", ""))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Transition(ctx, "ws_CO_1", domain.StateAwaitingConfirmation, domain.Update{To: domain.StateCrediting}); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newDeposit("ws_CO_1"), "test", ""))

	got, err := s.Get(ctx, "ws_CO_1")
	require.NoError(t, err)
	got.State = domain.StateCredited

	again, err := s.Get(ctx, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateInitiated, again.State)
}

func TestStore_ListAttentionPaged(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		d := newDeposit(id)
		d.NeedsAttention = true
		d.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Create(ctx, d, "test", ""))
	}
	require.NoError(t, s.Create(ctx, newDeposit("d"), "test", ""))

	items, total, err := s.ListAttention(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, items, 2)
	assert.Equal(t, "c", items[0].CorrelationID)

	items, _, err = s.ListAttention(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a", items[0].CorrelationID)

	byState, total, err := s.ListByState(ctx, domain.StateInitiated, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	assert.Len(t, byState, 4)
}

func TestStore_Orphans(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SaveOrphan(ctx, &domain.OrphanNotification{Source: domain.OrphanSourceSTK, CorrelationID: "x"}))
	require.NoError(t, s.SaveOrphan(ctx, &domain.OrphanNotification{Source: domain.OrphanSourceC2B, GatewayReceipt: "R1"}))

	items, total, err := s.ListOrphans(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, "R1", items[0].GatewayReceipt)

	err = s.SaveOrphan(ctx, &domain.OrphanNotification{Source: domain.OrphanSourceSTK, CorrelationID: "x"})
	assert.ErrorIs(t, err, domain.ErrDuplicate)
	require.NoError(t, s.SaveOrphan(ctx, &domain.OrphanNotification{Source: domain.OrphanSourceC2B, CorrelationID: "x"}))
}
