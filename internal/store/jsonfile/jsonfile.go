// Package jsonfile implements the record store over a single JSON document.
//
// The whole document is rewritten on every mutation: marshal to a temporary
// file in the same directory, then atomically rename over the previous
// version so a crash mid-write never corrupts the committed state. A
// malformed file on load is quarantined, not deleted, and the store starts
// empty.
package jsonfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nmoreaux/cantinad/internal/audit"
	"github.com/nmoreaux/cantinad/internal/errs"
	"github.com/nmoreaux/cantinad/internal/model"
	"github.com/nmoreaux/cantinad/internal/store"
)

// Store is a file-backed RecordStore. One mutex guards the whole
// read-check-write sequence, which serializes concurrent debits per
// identity as required.
type Store struct {
	path string
	aud  audit.Log
	log  *zap.Logger

	mu      sync.RWMutex
	records map[string]*model.Record

	now func() time.Time
}

type recordDoc struct {
	DisplayName  string          `json:"display_name"`
	ImageRef     string          `json:"image_ref"`
	Balance      decimal.Decimal `json:"balance"`
	CreatedAt    time.Time       `json:"created_at"`
	LastAccessAt *time.Time      `json:"last_access_at"`
	AccessCount  int64           `json:"access_count"`
}

// Open loads the document at path, falling back to an empty store when the
// file is missing or unreadable as JSON (the broken file is preserved for
// inspection).
func Open(path string, aud audit.Log, log *zap.Logger) (*Store, error) {
	s := &Store{
		path:    path,
		aud:     aud,
		log:     log,
		records: make(map[string]*model.Record),
		now:     time.Now,
	}

	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Info("no record file, starting empty", zap.String("path", path))
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read record file: %w", err)
	}

	var doc map[string]recordDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		quarantine := fmt.Sprintf("%s.corrupt-%s", path, s.now().UTC().Format("20060102T150405"))
		if mvErr := os.Rename(path, quarantine); mvErr != nil {
			return nil, fmt.Errorf("%w: quarantine failed: %v", errs.ErrStoreCorrupt, mvErr)
		}
		log.Warn("record file corrupt, preserved and starting empty",
			zap.String("path", path),
			zap.String("quarantine", quarantine),
			zap.Error(err),
		)
		return s, nil
	}

	for id, d := range doc {
		s.records[id] = &model.Record{
			ID:           id,
			DisplayName:  d.DisplayName,
			ImageRef:     d.ImageRef,
			Balance:      d.Balance,
			CreatedAt:    d.CreatedAt,
			LastAccessAt: d.LastAccessAt,
			AccessCount:  d.AccessCount,
		}
	}
	log.Info("record file loaded", zap.String("path", path), zap.Int("records", len(s.records)))
	return s, nil
}

func (s *Store) Get(ctx context.Context, id string) (*model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) List(ctx context.Context) ([]*model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (s *Store) Create(ctx context.Context, id, displayName, imageRef string, initial decimal.Decimal) (*model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; ok {
		return nil, fmt.Errorf("identity %q: %w", id, errs.ErrDuplicateID)
	}
	rec := &model.Record{
		ID:          id,
		DisplayName: displayName,
		ImageRef:    imageRef,
		Balance:     initial,
		CreatedAt:   s.now().UTC(),
	}
	s.records[id] = rec
	if err := s.persistLocked(); err != nil {
		delete(s.records, id)
		return nil, err
	}
	return rec.Clone(), nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return errs.ErrNotFound
	}
	delete(s.records, id)
	if err := s.persistLocked(); err != nil {
		s.records[id] = rec
		return err
	}
	return nil
}

// AdjustBalance implements the guarded mutation. The audit entry is written
// before the outcome is returned; if the audit sink fails, the mutation is
// abandoned and errs.ErrAuditWrite surfaces instead of a silent success.
func (s *Store) AdjustBalance(ctx context.Context, id string, delta decimal.Decimal, reason string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		op := model.OpCreditFail
		if delta.IsNegative() {
			op = model.OpDeductFail
		}
		if err := s.auditLocked(ctx, op, id, delta, decimal.Zero, decimal.Zero, "not_found"); err != nil {
			return decimal.Zero, err
		}
		return decimal.Zero, fmt.Errorf("identity %q: %w", id, errs.ErrNotFound)
	}

	before := rec.Balance
	after := before.Add(delta)

	prevLast, prevCount := rec.LastAccessAt, rec.AccessCount

	if delta.IsNegative() && after.IsNegative() {
		if err := s.auditLocked(ctx, model.OpDeductFail, id, delta, before, before, "insufficient_funds"); err != nil {
			return before, err
		}
		s.noteDebitAttemptLocked(rec, reason)
		if err := s.persistLocked(); err != nil {
			rec.LastAccessAt, rec.AccessCount = prevLast, prevCount
			return before, err
		}
		return before, errs.ErrInsufficientFunds
	}

	op := model.OpCreditSuccess
	if delta.IsNegative() {
		op = model.OpDeductSuccess
	}
	if err := s.auditLocked(ctx, op, id, delta, before, after, reason); err != nil {
		return before, err
	}
	rec.Balance = after
	if delta.IsNegative() {
		s.noteDebitAttemptLocked(rec, reason)
	}
	// In-memory state must not run ahead of the committed file.
	if err := s.persistLocked(); err != nil {
		rec.Balance = before
		rec.LastAccessAt, rec.AccessCount = prevLast, prevCount
		return before, err
	}
	return after, nil
}

func (s *Store) CheckBalance(ctx context.Context, id string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return decimal.Zero, errs.ErrNotFound
	}
	if err := s.auditLocked(ctx, model.OpBalanceCheck, id, decimal.Zero, rec.Balance, rec.Balance, "check"); err != nil {
		return decimal.Zero, err
	}
	return rec.Balance, nil
}

func (s *Store) Stats(ctx context.Context) (model.Stats, error) {
	if err := ctx.Err(); err != nil {
		return model.Stats{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := model.Stats{TotalIdentities: len(s.records), TotalBalance: decimal.Zero, AvgBalance: decimal.Zero}
	for _, rec := range s.records {
		st.TotalBalance = st.TotalBalance.Add(rec.Balance)
	}
	if st.TotalIdentities > 0 {
		st.AvgBalance = st.TotalBalance.Div(decimal.NewFromInt(int64(st.TotalIdentities)))
	}
	return st, nil
}

// noteDebitAttemptLocked records presence: every debit attempt refreshes
// last_access_at, and an access-triggered one counts the identification
// even when the balance check denies the meal.
func (s *Store) noteDebitAttemptLocked(rec *model.Record, reason string) {
	t := s.now().UTC()
	rec.LastAccessAt = &t
	if reason == store.ReasonAccess {
		rec.AccessCount++
	}
}

func (s *Store) auditLocked(ctx context.Context, op model.OpKind, id string, amount, before, after decimal.Decimal, reason string) error {
	eid, err := uuid.NewV4()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrAuditWrite, err)
	}
	return s.aud.Record(ctx, model.AuditEntry{
		ID:            eid,
		Timestamp:     s.now().UTC(),
		Op:            op,
		IdentityID:    id,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Reason:        reason,
	})
}

func (s *Store) persistLocked() error {
	doc := make(map[string]recordDoc, len(s.records))
	for id, rec := range s.records {
		doc[id] = recordDoc{
			DisplayName:  rec.DisplayName,
			ImageRef:     rec.ImageRef,
			Balance:      rec.Balance,
			CreatedAt:    rec.CreatedAt,
			LastAccessAt: rec.LastAccessAt,
			AccessCount:  rec.AccessCount,
		}
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record file: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".records-*.json")
	if err != nil {
		return fmt.Errorf("write record file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write record file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync record file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close record file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace record file: %w", err)
	}
	return nil
}

var _ store.RecordStore = (*Store)(nil)
