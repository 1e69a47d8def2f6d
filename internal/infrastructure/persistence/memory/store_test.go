package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/school-fee-ledger/internal/domain/fee"
	"github.com/alem-hub/school-fee-ledger/internal/domain/ledger"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
	"github.com/alem-hub/school-fee-ledger/internal/domain/term"
)

func enroll(t *testing.T, store *Store, adm string) *student.Student {
	t.Helper()
	s, err := student.Enroll(student.EnrollParams{
		Name:            "Pupil " + adm,
		AdmissionNumber: adm,
		GradeID:         "g1",
		OpeningArrears:  decimal.Zero,
	})
	require.NoError(t, err)
	require.NoError(t, store.Students().Create(context.Background(), s))
	return s
}

func TestStudentRepository_DuplicateAdmissionNumber(t *testing.T) {
	store := NewStore()
	enroll(t, store, "adm-1")

	dup, err := student.Enroll(student.EnrollParams{Name: "Other", AdmissionNumber: " ADM-1 ", GradeID: "g1"})
	require.NoError(t, err)

	err = store.Students().Create(context.Background(), dup)
	assert.ErrorIs(t, err, shared.ErrDuplicateAdmissionNumber)
	assert.True(t, shared.IsConflict(err))
}

func TestStudentRepository_UpdateChecksVersionAndKeepsBalances(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	s := enroll(t, store, "A1")

	_, err := store.Ledger().Append(ctx, ledger.Commit{
		StudentID:              s.ID,
		ExpectedStudentVersion: 1,
		Balances:               student.Balances{TermID: "t", TuitionBalance: decimal.NewFromInt(10)},
	})
	require.NoError(t, err)

	// stale copy
	s.Name = "Renamed"
	assert.ErrorIs(t, store.Students().Update(ctx, s), shared.ErrStudentVersion)

	fresh, err := store.Students().GetByID(ctx, s.ID)
	require.NoError(t, err)
	fresh.Name = "Renamed"
	fresh.Balances = student.ZeroBalances()
	require.NoError(t, store.Students().Update(ctx, fresh))
	assert.Equal(t, int64(3), fresh.Version)

	got, err := store.Students().GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, "10", got.Balances.TuitionBalance.String())
}

func TestStudentRepository_ReadsAreCopies(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	s := enroll(t, store, "A1")

	got, err := store.Students().GetByID(ctx, s.ID)
	require.NoError(t, err)
	got.Name = "mutated"

	again, err := store.Students().GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", again.Name)
}

func TestTermRepository_ActivateVersioning(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	repo := store.Terms()

	t1, err := term.NewTerm("T1", time.Now(), time.Now().AddDate(0, 3, 0))
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, t1))

	_, _, err = repo.Active(ctx)
	assert.ErrorIs(t, err, shared.ErrNoActiveTerm)

	at, err := repo.Activate(ctx, t1.ID, 0, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), at.Version)

	_, err = repo.Activate(ctx, t1.ID, 0, time.Now())
	assert.ErrorIs(t, err, shared.ErrActivationConflict)

	active, rec, err := repo.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, t1.ID, active.ID)
	assert.True(t, active.IsOpen())
	assert.Equal(t, int64(1), rec.Version)

	_, err = repo.Activate(ctx, "missing", 1, time.Now())
	assert.ErrorIs(t, err, shared.ErrTermNotFound)
}

func TestLedgerRepository_AppendGuards(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	s := enroll(t, store, "A1")

	p := &ledger.Payment{ID: "p1", StudentID: s.ID, TermID: "t1", Amount: decimal.NewFromInt(100),
		Method: shared.MethodCash, Kind: ledger.KindPayment, IdempotencyKey: "k1", PaidAt: time.Now()}

	// term version mismatch
	_, err := store.Ledger().Append(ctx, ledger.Commit{StudentID: s.ID, ExpectedStudentVersion: 1,
		CheckTermVersion: true, ExpectedTermVersion: 5, Payment: p})
	assert.ErrorIs(t, err, shared.ErrTermChanged)

	billing := &ledger.Billing{StudentID: s.ID, TermID: "t1", Basis: s.Basis()}
	v, err := store.Ledger().Append(ctx, ledger.Commit{StudentID: s.ID, ExpectedStudentVersion: 1,
		CheckTermVersion: true, ExpectedTermVersion: 0, Payment: p, NewBillings: []*ledger.Billing{billing}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	// stale student version
	_, err = store.Ledger().Append(ctx, ledger.Commit{StudentID: s.ID, ExpectedStudentVersion: 1})
	assert.ErrorIs(t, err, shared.ErrStudentVersion)
	assert.True(t, shared.IsBusy(err))

	// idempotency key reuse
	p2 := *p
	p2.ID = "p2"
	_, err = store.Ledger().Append(ctx, ledger.Commit{StudentID: s.ID, ExpectedStudentVersion: 2, Payment: &p2})
	assert.ErrorIs(t, err, shared.ErrDuplicatePayment)

	// reversal only once
	rev, err := ledger.NewReversal(p, "", time.Now())
	require.NoError(t, err)
	_, err = store.Ledger().Append(ctx, ledger.Commit{StudentID: s.ID, ExpectedStudentVersion: 2, Payment: rev})
	require.NoError(t, err)
	rev2, err := ledger.NewReversal(p, "", time.Now())
	require.NoError(t, err)
	_, err = store.Ledger().Append(ctx, ledger.Commit{StudentID: s.ID, ExpectedStudentVersion: 3, Payment: rev2})
	assert.ErrorIs(t, err, shared.ErrAlreadyReversed)

	found, err := store.Ledger().FindReversal(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, rev.ID, found.ID)

	byKey, err := store.Ledger().GetByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "p1", byKey.ID)
}

func TestFeeRepository_FrozenByBilling(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	s := enroll(t, store, "A1")

	entry, err := fee.NewEntry(fee.TuitionKey("g1", "t1"), decimal.NewFromInt(5000))
	require.NoError(t, err)
	require.NoError(t, store.Fees().Upsert(ctx, entry))

	other, err := fee.NewEntry(fee.TuitionKey("g2", "t1"), decimal.NewFromInt(6000))
	require.NoError(t, err)

	_, err = store.Ledger().Append(ctx, ledger.Commit{
		StudentID:              s.ID,
		ExpectedStudentVersion: 1,
		Payment: &ledger.Payment{ID: "p1", StudentID: s.ID, TermID: "t1", Amount: decimal.NewFromInt(1),
			Method: shared.MethodCash, Kind: ledger.KindPayment, PaidAt: time.Now()},
		NewBillings: []*ledger.Billing{{StudentID: s.ID, TermID: "t1", Basis: s.Basis()}},
	})
	require.NoError(t, err)

	entry.Amount = decimal.NewFromInt(5500)
	err = store.Fees().Upsert(ctx, entry)
	assert.ErrorIs(t, err, shared.ErrScheduleFrozen)

	assert.NoError(t, store.Fees().Upsert(ctx, other))

	got, err := store.Fees().Get(ctx, entry.Key)
	require.NoError(t, err)
	assert.Equal(t, "5000", got.Amount.String())
}

func TestFeeRepository_PinnedBillingFrozenOnlyByPayment(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	s := enroll(t, store, "A1")

	entry, err := fee.NewEntry(fee.TuitionKey("g1", "t1"), decimal.NewFromInt(5000))
	require.NoError(t, err)
	require.NoError(t, store.Fees().Upsert(ctx, entry))

	// a basis pinned without a payment
	v, err := store.Ledger().Append(ctx, ledger.Commit{
		StudentID:              s.ID,
		ExpectedStudentVersion: 1,
		NewBillings:            []*ledger.Billing{{StudentID: s.ID, TermID: "t1", Basis: s.Basis()}},
	})
	require.NoError(t, err)

	billings, err := store.Ledger().Billings(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, billings, 1)
	assert.False(t, billings[0].Frozen)

	entry.Amount = decimal.NewFromInt(5200)
	require.NoError(t, store.Fees().Upsert(ctx, entry))

	// the first payment freezes it even without new billings
	_, err = store.Ledger().Append(ctx, ledger.Commit{
		StudentID:              s.ID,
		ExpectedStudentVersion: v,
		Payment: &ledger.Payment{ID: "p1", StudentID: s.ID, TermID: "t1", Amount: decimal.NewFromInt(1),
			Method: shared.MethodCash, Kind: ledger.KindPayment, PaidAt: time.Now()},
	})
	require.NoError(t, err)

	billings, err = store.Ledger().Billings(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, billings[0].Frozen)

	entry.Amount = decimal.NewFromInt(5400)
	assert.ErrorIs(t, store.Fees().Upsert(ctx, entry), shared.ErrScheduleFrozen)
	got, err := store.Fees().Get(ctx, entry.Key)
	require.NoError(t, err)
	assert.Equal(t, "5200", got.Amount.String())
	assert.True(t, got.Frozen)
}

func TestLedgerRepository_AppendRejectsStaleFeeReading(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	s := enroll(t, store, "A1")

	entry, err := fee.NewEntry(fee.TuitionKey("g1", "t1"), decimal.NewFromInt(5000))
	require.NoError(t, err)
	require.NoError(t, store.Fees().Upsert(ctx, entry))

	charge, err := fee.Resolve(ctx, store.Fees(), "t1", fee.Basis{GradeID: "g1", IsBoarding: true})
	require.NoError(t, err)
	require.Len(t, charge.Reads, 2)

	payment := func(id string) *ledger.Payment {
		return &ledger.Payment{ID: id, StudentID: s.ID, TermID: "t1", Amount: decimal.NewFromInt(1),
			Method: shared.MethodCash, Kind: ledger.KindPayment, PaidAt: time.Now()}
	}

	// tuition changed after it was read
	entry.Amount = decimal.NewFromInt(5500)
	require.NoError(t, store.Fees().Upsert(ctx, entry))
	_, err = store.Ledger().Append(ctx, ledger.Commit{StudentID: s.ID, ExpectedStudentVersion: 1,
		Payment: payment("p1"), Fees: charge.Reads})
	assert.ErrorIs(t, err, shared.ErrFeeChanged)
	assert.True(t, shared.IsBusy(err))

	// an entry unset at read time was set since
	charge, err = fee.Resolve(ctx, store.Fees(), "t1", fee.Basis{GradeID: "g1", IsBoarding: true})
	require.NoError(t, err)
	boarding, err := fee.NewEntry(fee.BoardingKey("t1"), decimal.NewFromInt(3000))
	require.NoError(t, err)
	require.NoError(t, store.Fees().Upsert(ctx, boarding))
	_, err = store.Ledger().Append(ctx, ledger.Commit{StudentID: s.ID, ExpectedStudentVersion: 1,
		Payment: payment("p1"), Fees: charge.Reads})
	assert.ErrorIs(t, err, shared.ErrFeeChanged)

	ps, err := store.Ledger().ListByStudent(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, ps)

	// fresh readings commit
	charge, err = fee.Resolve(ctx, store.Fees(), "t1", fee.Basis{GradeID: "g1", IsBoarding: true})
	require.NoError(t, err)
	_, err = store.Ledger().Append(ctx, ledger.Commit{StudentID: s.ID, ExpectedStudentVersion: 1,
		Payment: payment("p1"), Fees: charge.Reads})
	require.NoError(t, err)
}

func TestTermRepository_ConcurrentActivationOneWinner(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	repo := store.Terms()

	a, err := term.NewTerm("A", time.Now(), time.Now().AddDate(0, 3, 0))
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, a))
	b, err := term.NewTerm("B", time.Now().AddDate(0, 4, 0), time.Now().AddDate(0, 7, 0))
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, b))

	// both callers saw version 0
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, id := range []string{a.ID, b.ID} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := repo.Activate(ctx, id, 0, time.Now())
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)

	var won, lost int
	for err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, shared.ErrActivationConflict)
		lost++
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, lost)

	terms, err := repo.List(ctx)
	require.NoError(t, err)
	activeCount := 0
	for _, tm := range terms {
		if tm.IsActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)

	_, rec, err := repo.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
}

func TestLedgerRepository_ListBetweenHalfOpen(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	s := enroll(t, store, "A1")

	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, at := range []time.Time{day.Add(-time.Second), day, day.Add(23 * time.Hour), day.AddDate(0, 0, 1)} {
		p := &ledger.Payment{ID: shared.NewID(), StudentID: s.ID, TermID: "t", Amount: decimal.NewFromInt(1),
			Method: shared.MethodCash, Kind: ledger.KindPayment, PaidAt: at}
		_, err := store.Ledger().Append(ctx, ledger.Commit{StudentID: s.ID, ExpectedStudentVersion: int64(i + 1), Payment: p})
		require.NoError(t, err)
	}

	got, err := store.Ledger().ListBetween(ctx, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
