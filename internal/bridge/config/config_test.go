package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abepay.com/internal/deposit/domain"
	pkgconfig "abepay.com/pkg/config"
)

func TestShippedConfigDefaults(t *testing.T) {
	t.Chdir("../../..")

	var cfg BridgeConfig
	_, err := pkgconfig.Load("bridge-service", &cfg)
	require.NoError(t, err)

	rates, err := cfg.Deposit.Rates()
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(130).Equal(rates.Deposit), rates.Deposit.String())
	assert.True(t, decimal.NewFromInt(124).Equal(rates.Withdraw), rates.Withdraw.String())

	limits, err := cfg.Deposit.Limits()
	require.NoError(t, err)
	assert.True(t, limits.Min.IsZero(), "minimum falls back to one settlement unit")
	assert.True(t, decimal.NewFromInt(250000).Equal(limits.Max))

	_, err = domain.NormalizeDepositAmount(decimal.NewFromInt(10), limits, rates.Deposit)
	assert.ErrorIs(t, err, domain.ErrAmountOutOfRange)
	kes, err := domain.NormalizeDepositAmount(decimal.NewFromInt(130), limits, rates.Deposit)
	require.NoError(t, err)
	assert.Equal(t, "130", kes.String())

	assert.Equal(t, 15*time.Second, cfg.Mpesa.Timeout)
	assert.Equal(t, 2, cfg.Mpesa.TokenRetries)
}

func TestDepositConfig_Limits(t *testing.T) {
	l, err := DepositConfig{MinDeposit: "500"}.Limits()
	require.NoError(t, err)
	assert.Equal(t, "500", l.Min.String())
	assert.Equal(t, "250000", l.Max.String())

	_, err = DepositConfig{MaxDeposit: "lots"}.Limits()
	assert.Error(t, err)
}
