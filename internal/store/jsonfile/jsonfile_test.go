package jsonfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nmoreaux/cantinad/internal/audit"
	"github.com/nmoreaux/cantinad/internal/errs"
	"github.com/nmoreaux/cantinad/internal/model"
	"github.com/nmoreaux/cantinad/internal/store"
)

func newStore(t *testing.T) (*Store, *audit.MemLog, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "records.json")
	mem := &audit.MemLog{}
	s, err := Open(path, mem, zap.NewNop())
	require.NoError(t, err)
	return s, mem, path
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCreateGetRoundTrip(t *testing.T) {
	s, _, path := newStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "12345", "Jean Dupont", "12345_Jean_Dupont.jpg", dec("50.00"))
	require.NoError(t, err)

	got, err := s.Get(ctx, "12345")
	require.NoError(t, err)
	require.Equal(t, created.ID, got.ID)
	require.Equal(t, created.DisplayName, got.DisplayName)
	require.Equal(t, created.ImageRef, got.ImageRef)
	require.True(t, got.Balance.Equal(dec("50.00")))
	require.Nil(t, got.LastAccessAt)
	require.EqualValues(t, 0, got.AccessCount)

	// Reopen the file: field-for-field equality survives persistence.
	reopened, err := Open(path, &audit.MemLog{}, zap.NewNop())
	require.NoError(t, err)
	got2, err := reopened.Get(ctx, "12345")
	require.NoError(t, err)
	require.Equal(t, got.DisplayName, got2.DisplayName)
	require.Equal(t, got.ImageRef, got2.ImageRef)
	require.True(t, got.Balance.Equal(got2.Balance))
	require.True(t, got.CreatedAt.Equal(got2.CreatedAt))
	require.Equal(t, got.AccessCount, got2.AccessCount)
}

func TestCreateDuplicateLeavesOriginalUntouched(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "S1", "First", "a.jpg", dec("50"))
	require.NoError(t, err)

	_, err = s.Create(ctx, "S1", "Impostor", "b.jpg", dec("0"))
	require.ErrorIs(t, err, errs.ErrDuplicateID)

	got, err := s.Get(ctx, "S1")
	require.NoError(t, err)
	require.Equal(t, "First", got.DisplayName)
	require.True(t, got.Balance.Equal(dec("50")))
}

func TestAdjustBalance_DebitSuccess(t *testing.T) {
	s, mem, _ := newStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, "S1", "One", "a.jpg", dec("50.00"))
	require.NoError(t, err)

	newBal, err := s.AdjustBalance(ctx, "S1", dec("-4.00"), store.ReasonAccess)
	require.NoError(t, err)
	require.True(t, newBal.Equal(dec("46.00")))

	got, err := s.Get(ctx, "S1")
	require.NoError(t, err)
	require.EqualValues(t, 1, got.AccessCount)
	require.NotNil(t, got.LastAccessAt)

	entries := mem.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, model.OpDeductSuccess, entries[0].Op)
	require.Equal(t, "S1", entries[0].IdentityID)
	require.True(t, entries[0].BalanceBefore.Equal(dec("50.00")))
	require.True(t, entries[0].BalanceAfter.Equal(dec("46.00")))
}

func TestAdjustBalance_InsufficientFunds(t *testing.T) {
	s, mem, _ := newStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, "S2", "Two", "b.jpg", dec("2.00"))
	require.NoError(t, err)

	bal, err := s.AdjustBalance(ctx, "S2", dec("-4.00"), store.ReasonAccess)
	require.ErrorIs(t, err, errs.ErrInsufficientFunds)
	require.True(t, bal.Equal(dec("2.00")))

	got, err := s.Get(ctx, "S2")
	require.NoError(t, err)
	require.True(t, got.Balance.Equal(dec("2.00")), "no partial debit")
	// Presence is still recorded: the identification matched.
	require.EqualValues(t, 1, got.AccessCount)
	require.NotNil(t, got.LastAccessAt)

	entries := mem.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, model.OpDeductFail, entries[0].Op)
	require.Equal(t, "insufficient_funds", entries[0].Reason)
}

func TestAdjustBalance_ExactBalanceSucceeds(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, "S1", "One", "a.jpg", dec("4.00"))
	require.NoError(t, err)

	newBal, err := s.AdjustBalance(ctx, "S1", dec("-4.00"), store.ReasonAccess)
	require.NoError(t, err)
	require.True(t, newBal.IsZero())
}

func TestAdjustBalance_CreditAlwaysSucceeds(t *testing.T) {
	s, mem, _ := newStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, "S1", "One", "a.jpg", dec("-3.00"))
	require.NoError(t, err)

	newBal, err := s.AdjustBalance(ctx, "S1", dec("10.00"), "admin topup")
	require.NoError(t, err)
	require.True(t, newBal.Equal(dec("7.00")))

	got, err := s.Get(ctx, "S1")
	require.NoError(t, err)
	// A credit is not a debit attempt: no presence bookkeeping.
	require.EqualValues(t, 0, got.AccessCount)
	require.Nil(t, got.LastAccessAt)

	entries := mem.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, model.OpCreditSuccess, entries[0].Op)
}

func TestAdjustBalance_NotFoundStillAudited(t *testing.T) {
	s, mem, _ := newStore(t)

	_, err := s.AdjustBalance(context.Background(), "ghost", dec("-4.00"), store.ReasonAccess)
	require.ErrorIs(t, err, errs.ErrNotFound)

	entries := mem.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, model.OpDeductFail, entries[0].Op)
	require.Equal(t, "ghost", entries[0].IdentityID)
	require.Equal(t, "not_found", entries[0].Reason)
}

func TestAdjustBalance_AuditFailureBlocksMutation(t *testing.T) {
	s, mem, _ := newStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, "S1", "One", "a.jpg", dec("50.00"))
	require.NoError(t, err)

	mem.FailWith = errs.ErrAuditWrite
	_, err = s.AdjustBalance(ctx, "S1", dec("-4.00"), store.ReasonAccess)
	require.ErrorIs(t, err, errs.ErrAuditWrite)

	got, err := s.Get(ctx, "S1")
	require.NoError(t, err)
	require.True(t, got.Balance.Equal(dec("50.00")), "mutation must not apply when unlogged")
	require.EqualValues(t, 0, got.AccessCount)
}

func TestAdjustBalance_PersistFailureRollsBackPresence(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, "S1", "Rich", "a.jpg", dec("50.00"))
	require.NoError(t, err)
	_, err = s.Create(ctx, "S2", "Poor", "b.jpg", dec("2.00"))
	require.NoError(t, err)

	// Point the store at an existing directory so the atomic rename fails.
	s.path = t.TempDir()

	_, err = s.AdjustBalance(ctx, "S1", dec("-4.00"), store.ReasonAccess)
	require.Error(t, err)

	got, err := s.Get(ctx, "S1")
	require.NoError(t, err)
	require.True(t, got.Balance.Equal(dec("50.00")))
	require.EqualValues(t, 0, got.AccessCount, "presence must not outrun the file")
	require.Nil(t, got.LastAccessAt)

	// Same on the insufficient-funds branch.
	_, err = s.AdjustBalance(ctx, "S2", dec("-4.00"), store.ReasonAccess)
	require.Error(t, err)
	require.NotErrorIs(t, err, errs.ErrInsufficientFunds)

	got, err = s.Get(ctx, "S2")
	require.NoError(t, err)
	require.True(t, got.Balance.Equal(dec("2.00")))
	require.EqualValues(t, 0, got.AccessCount)
	require.Nil(t, got.LastAccessAt)
}

func TestAdjustBalance_ConcurrentDebitsSerialize(t *testing.T) {
	s, mem, _ := newStore(t)
	ctx := context.Background()
	// B < 2k but B >= k: exactly one of two concurrent debits may win.
	_, err := s.Create(ctx, "S1", "One", "a.jpg", dec("6.00"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.AdjustBalance(ctx, "S1", dec("-4.00"), store.ReasonAccess)
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, errs.ErrInsufficientFunds):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, insufficient)

	got, err := s.Get(ctx, "S1")
	require.NoError(t, err)
	require.True(t, got.Balance.Equal(dec("2.00")))
	require.False(t, got.Balance.IsNegative())
	require.Len(t, mem.Entries(), 2)
}

func TestOpen_CorruptFilePreserved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "records.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, err := Open(path, &audit.MemLog{}, zap.NewNop())
	require.NoError(t, err)

	recs, err := s.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, recs)

	matches, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, matches, 1, "corrupt file kept for inspection")
}

func TestCheckBalance_Audited(t *testing.T) {
	s, mem, _ := newStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, "S1", "One", "a.jpg", dec("12.50"))
	require.NoError(t, err)

	bal, err := s.CheckBalance(ctx, "S1")
	require.NoError(t, err)
	require.True(t, bal.Equal(dec("12.50")))

	entries := mem.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, model.OpBalanceCheck, entries[0].Op)

	_, err = s.CheckBalance(ctx, "ghost")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDeleteAndStats(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, "S1", "One", "a.jpg", dec("10.00"))
	require.NoError(t, err)
	_, err = s.Create(ctx, "S2", "Two", "b.jpg", dec("30.00"))
	require.NoError(t, err)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, st.TotalIdentities)
	require.True(t, st.TotalBalance.Equal(dec("40.00")))
	require.True(t, st.AvgBalance.Equal(dec("20.00")))

	require.NoError(t, s.Delete(ctx, "S1"))
	require.ErrorIs(t, s.Delete(ctx, "S1"), errs.ErrNotFound)
	_, err = s.Get(ctx, "S1")
	require.ErrorIs(t, err, errs.ErrNotFound)
}
