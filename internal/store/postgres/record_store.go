package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/nmoreaux/cantinad/internal/audit"
	"github.com/nmoreaux/cantinad/internal/errs"
	"github.com/nmoreaux/cantinad/internal/model"
	"github.com/nmoreaux/cantinad/internal/store"
)

// Store implements store.RecordStore using PostgreSQL. The guarded
// read-check-write runs inside a transaction with SELECT ... FOR UPDATE so
// concurrent debits against the same identity serialize at the row.
//
// Audit entries go to the line-oriented sink before commit and are mirrored
// into the audit_log table inside the same transaction; a sink failure
// rolls the mutation back.
type Store struct {
	db  *DB
	aud audit.Log
	now func() time.Time
}

// NewStore constructs a Postgres-backed record store.
func NewStore(db *DB, aud audit.Log) *Store {
	return &Store{db: db, aud: aud, now: time.Now}
}

const selRecord = `
SELECT id, display_name, image_ref, balance, created_at, last_access_at, access_count
FROM identities WHERE id=$1`

const insAudit = `
INSERT INTO audit_log (id, ts, op, identity_id, amount, balance_before, balance_after, reason)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

func (s *Store) Get(ctx context.Context, id string) (*model.Record, error) {
	row := s.db.Pool.QueryRow(ctx, selRecord, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *Store) List(ctx context.Context) ([]*model.Record, error) {
	const q = `
SELECT id, display_name, image_ref, balance, created_at, last_access_at, access_count
FROM identities ORDER BY id`
	rows, err := s.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Create(ctx context.Context, id, displayName, imageRef string, initial decimal.Decimal) (*model.Record, error) {
	const q = `
INSERT INTO identities (id, display_name, image_ref, balance, created_at, access_count)
VALUES ($1, $2, $3, $4, $5, 0)`
	createdAt := s.now().UTC()
	_, err := s.db.Pool.Exec(ctx, q, id, displayName, imageRef, initial, createdAt)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("identity %q: %w", id, errs.ErrDuplicateID)
	}
	if err != nil {
		return nil, err
	}
	return &model.Record{
		ID:          id,
		DisplayName: displayName,
		ImageRef:    imageRef,
		Balance:     initial,
		CreatedAt:   createdAt,
	}, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM identities WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// AdjustBalance locks the identity row, applies the guarded mutation, and
// commits both the account change and the audit mirror atomically.
func (s *Store) AdjustBalance(ctx context.Context, id string, delta decimal.Decimal, reason string) (decimal.Decimal, error) {
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return decimal.Zero, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const sel = `SELECT balance, access_count FROM identities WHERE id=$1 FOR UPDATE`
	var before decimal.Decimal
	var accessCount int64
	if err := tx.QueryRow(ctx, sel, id).Scan(&before, &accessCount); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, err
		}
		op := model.OpCreditFail
		if delta.IsNegative() {
			op = model.OpDeductFail
		}
		if err := s.auditTx(ctx, tx, op, id, delta, decimal.Zero, decimal.Zero, "not_found"); err != nil {
			return decimal.Zero, err
		}
		if err := tx.Commit(ctx); err != nil {
			return decimal.Zero, err
		}
		return decimal.Zero, fmt.Errorf("identity %q: %w", id, errs.ErrNotFound)
	}

	after := before.Add(delta)
	now := s.now().UTC()

	if delta.IsNegative() && after.IsNegative() {
		if err := s.auditTx(ctx, tx, model.OpDeductFail, id, delta, before, before, "insufficient_funds"); err != nil {
			return before, err
		}
		if err := s.noteDebitAttemptTx(ctx, tx, id, before, now, accessCount, reason); err != nil {
			return before, err
		}
		if err := tx.Commit(ctx); err != nil {
			return before, err
		}
		return before, errs.ErrInsufficientFunds
	}

	op := model.OpCreditSuccess
	if delta.IsNegative() {
		op = model.OpDeductSuccess
	}
	if err := s.auditTx(ctx, tx, op, id, delta, before, after, reason); err != nil {
		return before, err
	}
	if delta.IsNegative() {
		if err := s.noteDebitAttemptTx(ctx, tx, id, after, now, accessCount, reason); err != nil {
			return before, err
		}
	} else {
		const upd = `UPDATE identities SET balance=$2 WHERE id=$1`
		if _, err := tx.Exec(ctx, upd, id, after); err != nil {
			return before, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return before, err
	}
	return after, nil
}

func (s *Store) CheckBalance(ctx context.Context, id string) (decimal.Decimal, error) {
	var bal decimal.Decimal
	if err := s.db.Pool.QueryRow(ctx, `SELECT balance FROM identities WHERE id=$1`, id).Scan(&bal); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, errs.ErrNotFound
		}
		return decimal.Zero, err
	}
	entry, err := s.newEntry(model.OpBalanceCheck, id, decimal.Zero, bal, bal, "check")
	if err != nil {
		return decimal.Zero, err
	}
	if _, err := s.db.Pool.Exec(ctx, insAudit,
		entry.ID, entry.Timestamp, string(entry.Op), entry.IdentityID,
		entry.Amount, entry.BalanceBefore, entry.BalanceAfter, entry.Reason); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", errs.ErrAuditWrite, err)
	}
	if err := s.aud.Record(ctx, entry); err != nil {
		return decimal.Zero, err
	}
	return bal, nil
}

func (s *Store) Stats(ctx context.Context) (model.Stats, error) {
	const q = `SELECT COUNT(*), COALESCE(SUM(balance), 0) FROM identities`
	var st model.Stats
	if err := s.db.Pool.QueryRow(ctx, q).Scan(&st.TotalIdentities, &st.TotalBalance); err != nil {
		return model.Stats{}, err
	}
	st.AvgBalance = decimal.Zero
	if st.TotalIdentities > 0 {
		st.AvgBalance = st.TotalBalance.Div(decimal.NewFromInt(int64(st.TotalIdentities)))
	}
	return st, nil
}

// noteDebitAttemptTx writes balance plus presence bookkeeping: every debit
// attempt refreshes last_access_at; an access-reason one also counts the
// identification regardless of fund sufficiency.
func (s *Store) noteDebitAttemptTx(ctx context.Context, tx pgx.Tx, id string, balance decimal.Decimal, now time.Time, accessCount int64, reason string) error {
	if reason == store.ReasonAccess {
		accessCount++
	}
	const upd = `UPDATE identities SET balance=$2, last_access_at=$3, access_count=$4 WHERE id=$1`
	_, err := tx.Exec(ctx, upd, id, balance, now, accessCount)
	return err
}

func (s *Store) auditTx(ctx context.Context, tx pgx.Tx, op model.OpKind, id string, amount, before, after decimal.Decimal, reason string) error {
	entry, err := s.newEntry(op, id, amount, before, after, reason)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, insAudit,
		entry.ID, entry.Timestamp, string(entry.Op), entry.IdentityID,
		entry.Amount, entry.BalanceBefore, entry.BalanceAfter, entry.Reason); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrAuditWrite, err)
	}
	return s.aud.Record(ctx, entry)
}

func (s *Store) newEntry(op model.OpKind, id string, amount, before, after decimal.Decimal, reason string) (model.AuditEntry, error) {
	eid, err := uuid.NewV4()
	if err != nil {
		return model.AuditEntry{}, fmt.Errorf("%w: %v", errs.ErrAuditWrite, err)
	}
	return model.AuditEntry{
		ID:            eid,
		Timestamp:     s.now().UTC(),
		Op:            op,
		IdentityID:    id,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Reason:        reason,
	}, nil
}

func scanRecord(row pgx.Row) (*model.Record, error) {
	var rec model.Record
	if err := row.Scan(&rec.ID, &rec.DisplayName, &rec.ImageRef, &rec.Balance,
		&rec.CreatedAt, &rec.LastAccessAt, &rec.AccessCount); err != nil {
		return nil, err
	}
	return &rec, nil
}

var _ store.RecordStore = (*Store)(nil)
