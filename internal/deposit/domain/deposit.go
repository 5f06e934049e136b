package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type State string

const (
	StateInitiated            State = "INITIATED"
	StateAwaitingConfirmation State = "AWAITING_CONFIRMATION"
	StateCrediting            State = "CREDITING"
	StateIndeterminate        State = "INDETERMINATE"
	StateCredited             State = "CREDITED"
	StateFailed               State = "FAILED"
	StateRejected             State = "REJECTED"
)

// Terminal states end reconciliation. Only an operator action leaves Failed.
func (s State) Terminal() bool {
	return s == StateCredited || s == StateFailed || s == StateRejected
}

func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// transitions lists every edge the engine may take. Nothing leads back to Initiated or
// AwaitingConfirmation, and Credited/Rejected have no way out.
var transitions = map[State][]State{
	StateInitiated:            {StateAwaitingConfirmation},
	StateAwaitingConfirmation: {StateCrediting, StateFailed, StateRejected},
	StateCrediting:            {StateCredited, StateFailed, StateIndeterminate},
	StateIndeterminate:        {StateCredited, StateFailed},
	StateFailed:               {StateCrediting}, // operator retry_transfer only
	StateCredited:             nil,
	StateRejected:             nil,
}

func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Attention reasons recorded with NeedsAttention.
const (
	AttentionRetryTransfer   = "retry_transfer"
	AttentionVerifyTransfer  = "verify_transfer"
	AttentionMissingRouting  = "missing_routing_data"
	AttentionAccountMismatch = "account_mismatch"
	AttentionInvalidAmount   = "invalid_settled_amount"
)

var (
	ErrNotFound          = errors.New("deposit not found")
	ErrDuplicate         = errors.New("deposit already exists")
	ErrStateConflict     = errors.New("deposit state changed concurrently")
	ErrInvalidTransition = errors.New("invalid deposit state transition")

	ErrInvalidAmount    = errors.New("invalid amount")
	ErrAmountOutOfRange = errors.New("amount out of range")
	ErrInvalidPhone     = errors.New("invalid phone number")
	ErrInvalidAccount   = errors.New("invalid account reference")
	ErrUnknownDirection = errors.New("unknown conversion direction")
)

// PendingDeposit is one mobile-money payment request and its reconciliation progress.
type PendingDeposit struct {
	CorrelationID         string
	MerchantCorrelationID string
	MerchantReference     string
	PhoneNumber           string
	RequestedLocalAmount  decimal.Decimal
	DepositRate           decimal.Decimal
	State                 State

	SettledLocalAmount decimal.NullDecimal
	SettlementAmount   decimal.NullDecimal
	Currency           string
	TransferID         string
	GatewayReceipt     string
	FailureReason      string

	NeedsAttention  bool
	AttentionReason string

	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ResolvedAt *time.Time
}

// Update is applied together with a compare-and-swap from one state to another. Nil
// pointers leave the column as is.
type Update struct {
	To State

	SettledLocalAmount *decimal.Decimal
	SettlementAmount   *decimal.Decimal
	TransferID         *string
	GatewayReceipt     *string
	FailureReason      *string
	NeedsAttention     *bool
	AttentionReason    *string

	Resolve bool // stamp ResolvedAt

	Actor string
	Note  string
	At    time.Time
}

// Apply copies u onto d. Stores call it after the CAS succeeded.
func (u Update) Apply(d *PendingDeposit) {
	d.State = u.To
	if u.SettledLocalAmount != nil {
		d.SettledLocalAmount = decimal.NewNullDecimal(*u.SettledLocalAmount)
	}
	if u.SettlementAmount != nil {
		d.SettlementAmount = decimal.NewNullDecimal(*u.SettlementAmount)
	}
	if u.TransferID != nil {
		d.TransferID = *u.TransferID
	}
	if u.GatewayReceipt != nil {
		d.GatewayReceipt = *u.GatewayReceipt
	}
	if u.FailureReason != nil {
		d.FailureReason = *u.FailureReason
	}
	if u.NeedsAttention != nil {
		d.NeedsAttention = *u.NeedsAttention
	}
	if u.AttentionReason != nil {
		d.AttentionReason = *u.AttentionReason
	}
	if u.Resolve {
		at := u.At
		d.ResolvedAt = &at
	}
	d.UpdatedAt = u.At
	d.Version++
}

type AuditEntry struct {
	ID            int64
	CorrelationID string
	FromState     State
	ToState       State
	Note          string
	Actor         string
	CreatedAt     time.Time
}

// OrphanNotification is a gateway notification with no pending deposit behind it. It is
// kept for manual reconciliation and never credited.
type OrphanNotification struct {
	ID               int64
	Source           string // stk or c2b
	CorrelationID    string
	GatewayReceipt   string
	Amount           decimal.NullDecimal
	AccountReference string
	PhoneNumber      string
	ResultCode       int
	RawPayload       string
	ReceivedAt       time.Time
}

const (
	OrphanSourceSTK = "stk"
	OrphanSourceC2B = "c2b"
)
