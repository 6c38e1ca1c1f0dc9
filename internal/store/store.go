// Package store defines the record store contract. The store exclusively
// owns identity records and is the single writer of balances.
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/nmoreaux/cantinad/internal/model"
)

// ReasonAccess marks a balance adjustment triggered by a matched
// identification at the scanner. Debits with this reason bump the
// identity's access counter whether or not the funds suffice.
const ReasonAccess = "access"

// RecordStore is the single mutation point for account state. Every call to
// AdjustBalance and CheckBalance writes exactly one audit entry, success or
// failure, before returning.
type RecordStore interface {
	// Get returns the record or errs.ErrNotFound.
	Get(ctx context.Context, id string) (*model.Record, error)

	// List returns all records.
	List(ctx context.Context) ([]*model.Record, error)

	// Create adds a new identity; errs.ErrDuplicateID if the id is taken.
	Create(ctx context.Context, id, displayName, imageRef string, initial decimal.Decimal) (*model.Record, error)

	// Delete removes an identity or returns errs.ErrNotFound.
	Delete(ctx context.Context, id string) error

	// AdjustBalance applies a guarded balance mutation as one atomic step
	// per identity: two concurrent debits can never both observe the same
	// stale balance. A negative delta is rejected with
	// errs.ErrInsufficientFunds unless balance+delta >= 0; no partial debit
	// is applied and the returned balance is the current one. A positive
	// delta always succeeds for an existing identity. A debit attempt also
	// updates last_access_at; with ReasonAccess it increments access_count
	// whether or not the funds suffice.
	AdjustBalance(ctx context.Context, id string, delta decimal.Decimal, reason string) (decimal.Decimal, error)

	// CheckBalance returns the current balance and audits the consultation.
	CheckBalance(ctx context.Context, id string) (decimal.Decimal, error)

	// Stats aggregates account figures.
	Stats(ctx context.Context) (model.Stats, error)
}
