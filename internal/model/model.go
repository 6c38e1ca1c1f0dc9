// Package model defines domain entities shared by the engine, stores and API.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/shopspring/decimal"
)

// Record is a single enrolled identity with its account state.
type Record struct {
	ID           string          // unique, immutable once created
	DisplayName  string          // human-readable, mutable
	ImageRef     string          // reference into the asset store (enrollment photo)
	Balance      decimal.Decimal // mutated only via RecordStore.AdjustBalance
	CreatedAt    time.Time
	LastAccessAt *time.Time // nil until the first identification
	AccessCount  int64      // incremented per matched identification, not per paid meal
}

// Clone returns a deep copy so store internals never leak to callers.
func (r *Record) Clone() *Record {
	cp := *r
	if r.LastAccessAt != nil {
		t := *r.LastAccessAt
		cp.LastAccessAt = &t
	}
	return &cp
}

// OpKind classifies a sensitive operation in the audit trail.
type OpKind string

const (
	OpBalanceCheck  OpKind = "BALANCE_CHECK"
	OpDeductSuccess OpKind = "DEDUCT_SUCCESS"
	OpDeductFail    OpKind = "DEDUCT_FAIL"
	OpCreditSuccess OpKind = "CREDIT_SUCCESS"
	OpCreditFail    OpKind = "CREDIT_FAIL"
)

// AuditEntry is an immutable record of one sensitive operation.
type AuditEntry struct {
	ID            uuid.UUID
	Timestamp     time.Time
	Op            OpKind
	IdentityID    string // empty when the operation referenced no known identity
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Reason        string
}

// DecisionKind is the terminal state of one access attempt.
type DecisionKind string

const (
	Granted       DecisionKind = "GRANTED"
	DeniedBalance DecisionKind = "DENIED_BALANCE"
	DeniedUnknown DecisionKind = "DENIED_UNKNOWN"
	RejectedInput DecisionKind = "REJECTED_INPUT"
)

// Decision is the engine's answer for a submitted frame. The caller renders
// it; the engine never formats UI text beyond the message class.
type Decision struct {
	Kind       DecisionKind
	IdentityID string           // empty for DENIED_UNKNOWN / REJECTED_INPUT
	Balance    *decimal.Decimal // new balance on GRANTED, current on DENIED_BALANCE
	Distance   float64          // probe distance for matched outcomes
	Message    string
}

// LoadFailure explains why one identity was excluded from the encoding index.
type LoadFailure struct {
	IdentityID string
	Reason     string
}

// LoadReport summarizes an index rebuild: "N loaded, M failed".
type LoadReport struct {
	Loaded   int
	Failures []LoadFailure
}

// Stats aggregates account figures for the admin surface.
type Stats struct {
	TotalIdentities int
	TotalBalance    decimal.Decimal
	AvgBalance      decimal.Decimal
}
