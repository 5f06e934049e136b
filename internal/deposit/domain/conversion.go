package domain

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

type Direction string

const (
	DirectionDeposit  Direction = "deposit"
	DirectionWithdraw Direction = "withdraw"
)

// SettlementCurrency is what the brokerage account is credited in.
const SettlementCurrency = "USD"

// Quote is a conversion result. LocalAmount is in KES, SettlementAmount in USD.
type Quote struct {
	Direction        Direction       `json:"direction"`
	LocalAmount      decimal.Decimal `json:"localAmount"`
	Rate             decimal.Decimal `json:"rate"`
	SettlementAmount decimal.Decimal `json:"settlementAmount"`
	Currency         string          `json:"currency"`
}

// Convert turns a local amount into the settlement amount, rounded to cents.
func Convert(local, rate decimal.Decimal) (decimal.Decimal, error) {
	if !local.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: local amount %s", ErrInvalidAmount, local)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: rate %s", ErrInvalidAmount, rate)
	}
	return local.Div(rate).Round(2), nil
}

// ConvertWithdrawal turns a settlement amount into whole local units.
func ConvertWithdrawal(settlement, rate decimal.Decimal) (decimal.Decimal, error) {
	if !settlement.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: settlement amount %s", ErrInvalidAmount, settlement)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: rate %s", ErrInvalidAmount, rate)
	}
	return settlement.Mul(rate).Round(0), nil
}

type Rates struct {
	Deposit  decimal.Decimal
	Withdraw decimal.Decimal
}

func (r Rates) Validate() error {
	if !r.Deposit.IsPositive() || !r.Withdraw.IsPositive() {
		return fmt.Errorf("%w: rates must be positive (deposit=%s withdraw=%s)", ErrInvalidAmount, r.Deposit, r.Withdraw)
	}
	return nil
}

// NewQuote converts amount in the given direction: KES for deposits, USD for withdrawals.
func NewQuote(dir Direction, amount decimal.Decimal, rates Rates) (Quote, error) {
	switch dir {
	case DirectionDeposit:
		usd, err := Convert(amount, rates.Deposit)
		if err != nil {
			return Quote{}, err
		}
		return Quote{Direction: dir, LocalAmount: amount, Rate: rates.Deposit, SettlementAmount: usd, Currency: SettlementCurrency}, nil
	case DirectionWithdraw:
		kes, err := ConvertWithdrawal(amount, rates.Withdraw)
		if err != nil {
			return Quote{}, err
		}
		return Quote{Direction: dir, LocalAmount: kes, Rate: rates.Withdraw, SettlementAmount: amount, Currency: SettlementCurrency}, nil
	default:
		return Quote{}, fmt.Errorf("%w: %q", ErrUnknownDirection, dir)
	}
}

// RateBook holds the rates in force. Config reloads swap them atomically.
type RateBook struct {
	p atomic.Pointer[Rates]
}

func NewRateBook(r Rates) *RateBook {
	b := &RateBook{}
	b.Set(r)
	return b
}

func (b *RateBook) Current() Rates { return *b.p.Load() }

func (b *RateBook) Set(r Rates) { b.p.Store(&r) }

// trading account ids look like CR1234567 / VRTC1234567
var accountPattern = regexp.MustCompile(`^[A-Z]{2,4}[0-9]{4,10}$`)

// NormalizeAccount upper-cases and validates a trading account id.
func NormalizeAccount(ref string) (string, error) {
	acc := strings.ToUpper(strings.TrimSpace(ref))
	if !accountPattern.MatchString(acc) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAccount, ref)
	}
	return acc, nil
}

// Limits bound a deposit in whole local units.
type Limits struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// NormalizeDepositAmount rounds to whole KES (the gateway takes integers) and checks
// limits. A zero Min means one settlement unit at the given rate.
func NormalizeDepositAmount(amount decimal.Decimal, l Limits, rate decimal.Decimal) (decimal.Decimal, error) {
	kes := amount.Round(0)
	if !kes.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	minimum := l.Min
	if !minimum.IsPositive() {
		minimum = rate.Ceil()
	}
	if kes.LessThan(minimum) {
		return decimal.Zero, fmt.Errorf("%w: minimum deposit is KES %s", ErrAmountOutOfRange, minimum)
	}
	if l.Max.IsPositive() && kes.GreaterThan(l.Max) {
		return decimal.Zero, fmt.Errorf("%w: maximum deposit is KES %s", ErrAmountOutOfRange, l.Max)
	}
	return kes, nil
}
