package mysql

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abepay.com/internal/deposit/domain"
	"abepay.com/pkg/orm"
)

// Runs against a real database only, e.g.
// BRIDGE_TEST_MYSQL_DSN="root:root@tcp(127.0.0.1:3306)/abepay_test?parseTime=true&loc=UTC"
func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	dsn := os.Getenv("BRIDGE_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("BRIDGE_TEST_MYSQL_DSN not set")
	}
	db, err := orm.NewMySQL(&orm.Config{DSN: dsn, MaxOpen: 8, MaxIdle: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = orm.Close(db) })

	r := New(db)
	require.NoError(t, r.Migrate(context.Background()))
	return r
}

func testDeposit() *domain.PendingDeposit {
	return &domain.PendingDeposit{
		CorrelationID:        "ws_CO_" + uuid.NewString(),
		MerchantReference:    "CR1234567",
		PhoneNumber:          "254712345678",
		RequestedLocalAmount: decimal.NewFromInt(13000),
		DepositRate:          decimal.NewFromInt(130),
		State:                domain.StateInitiated,
		Currency:             "USD",
	}
}

func TestRepo_CreateGetDuplicate(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	d := testDeposit()

	require.NoError(t, r.Create(ctx, d, "test", "created"))
	err := r.Create(ctx, testDepositWithID(d.CorrelationID), "test", "created")
	assert.ErrorIs(t, err, domain.ErrDuplicate)

	got, err := r.Get(ctx, d.CorrelationID)
	require.NoError(t, err)
	assert.True(t, got.RequestedLocalAmount.Equal(decimal.NewFromInt(13000)))

	_, err = r.Get(ctx, "nope-"+uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testDepositWithID(id string) *domain.PendingDeposit {
	d := testDeposit()
	d.CorrelationID = id
	return d
}

func TestRepo_TransitionCASAndAudit(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	d := testDeposit()
	require.NoError(t, r.Create(ctx, d, "test", ""))

	_, err := r.Transition(ctx, d.CorrelationID, domain.StateInitiated, domain.Update{To: domain.StateAwaitingConfirmation, Actor: "test"})
	require.NoError(t, err)

	_, err = r.Transition(ctx, d.CorrelationID, domain.StateInitiated, domain.Update{To: domain.StateAwaitingConfirmation, Actor: "test"})
	assert.ErrorIs(t, err, domain.ErrStateConflict)

	settled := decimal.RequireFromString("100.00")
	flag := true
	reason := domain.AttentionVerifyTransfer
	_, err = r.Transition(ctx, d.CorrelationID, domain.StateAwaitingConfirmation, domain.Update{To: domain.StateCrediting, SettlementAmount: &settled, Actor: "test"})
	require.NoError(t, err)
	got, err := r.Transition(ctx, d.CorrelationID, domain.StateCrediting, domain.Update{To: domain.StateIndeterminate, NeedsAttention: &flag, AttentionReason: &reason, Actor: "test"})
	require.NoError(t, err)
	assert.True(t, got.NeedsAttention)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, "100.00", got.SettlementAmount.Decimal.StringFixed(2))

	audit, err := r.Audit(ctx, d.CorrelationID)
	require.NoError(t, err)
	assert.Len(t, audit, 4)
}

func TestRepo_TransactionRollsBack(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	d := testDeposit()

	err := r.Transaction(ctx, func(txCtx context.Context) error {
		if err := r.Create(txCtx, d, "test", ""); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	_, err = r.Get(ctx, d.CorrelationID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
