package domain

import "context"

// Store persists deposits. Transition is a compare-and-swap on State and records the
// audit entry in the same write; a lost race returns ErrStateConflict.
type Store interface {
	// Transaction runs fn so that every Store call made with the ctx it receives commits
	// or rolls back together.
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error

	Create(ctx context.Context, d *PendingDeposit, actor, note string) error
	Get(ctx context.Context, correlationID string) (*PendingDeposit, error)
	Transition(ctx context.Context, correlationID string, from State, u Update) (*PendingDeposit, error)

	ListAttention(ctx context.Context, page, limit int) ([]*PendingDeposit, int64, error)
	ListByState(ctx context.Context, state State, page, limit int) ([]*PendingDeposit, int64, error)
	Audit(ctx context.Context, correlationID string) ([]AuditEntry, error)

	SaveOrphan(ctx context.Context, o *OrphanNotification) error
	ListOrphans(ctx context.Context, page, limit int) ([]*OrphanNotification, int64, error)
}
