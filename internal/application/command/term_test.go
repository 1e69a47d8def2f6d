package command

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/school-fee-ledger/internal/domain/fee"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/infrastructure/locking"
)

func TestActivateTerm_SetsOpenedAt(t *testing.T) {
	f := newFixture(t)
	t1 := f.term("Term 1", 0)
	assert.False(t, t1.IsOpen())

	res, err := f.activate.Handle(f.ctx, ActivateTermCommand{TermID: t1.ID, Source: "api"})
	require.NoError(t, err)

	assert.False(t, res.AlreadyActive)
	assert.Empty(t, res.PreviousTermID)
	assert.True(t, res.Term.IsOpen())
	assert.True(t, res.Term.IsActive)
	assert.Equal(t, t1.ID, res.Active.TermID)
	assert.Equal(t, 1, f.events.count(shared.EventTermActivated))
}

func TestActivateTerm_SwitchesActive(t *testing.T) {
	f := newFixture(t)
	t1 := f.term("Term 1", 0)
	t2 := f.term("Term 2", 1)
	f.activateTerm(t1.ID)

	res, err := f.activate.Handle(f.ctx, ActivateTermCommand{TermID: t2.ID})
	require.NoError(t, err)

	assert.Equal(t, t1.ID, res.PreviousTermID)
	active, _, err := f.store.Terms().Active(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, t2.ID, active.ID)

	old, err := f.store.Terms().GetByID(f.ctx, t1.ID)
	require.NoError(t, err)
	assert.False(t, old.IsActive)
	assert.True(t, old.IsOpen())
}

func TestActivateTerm_ConcurrentSameTerm(t *testing.T) {
	f := newFixture(t)
	t1 := f.term("Term 1", 0)

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		switched int
		already  int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.activate.Handle(f.ctx, ActivateTermCommand{TermID: t1.ID})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.AlreadyActive {
				already++
			} else {
				switched++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, switched)
	assert.Equal(t, callers-1, already)
	assert.Equal(t, 1, f.events.count(shared.EventTermActivated))
}

func TestActivateTerm_ConcurrentDifferentTerms(t *testing.T) {
	f := newFixture(t)
	a := f.term("Term A", 0)
	b := f.term("Term B", 1)

	// each instance has its own barrier; only the store is shared
	instances := []*ActivateTermHandler{
		NewActivateTermHandler(f.store.Terms(), locking.NewTermBarrier(time.Second), f.events, nil, nil),
		NewActivateTermHandler(f.store.Terms(), locking.NewTermBarrier(time.Second), f.events, nil, nil),
	}

	const rounds = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		switched int
	)
	for i := 0; i < rounds; i++ {
		for j, id := range []string{a.ID, b.ID} {
			wg.Add(1)
			go func(h *ActivateTermHandler, id string) {
				defer wg.Done()
				res, err := h.Handle(f.ctx, ActivateTermCommand{TermID: id})
				if err != nil {
					assert.True(t, shared.IsConflict(err), "unexpected error: %v", err)
					return
				}
				if !res.AlreadyActive {
					mu.Lock()
					switched++
					mu.Unlock()
				}
			}(instances[j], id)
		}
	}
	wg.Wait()

	terms, err := f.store.Terms().List(f.ctx)
	require.NoError(t, err)
	var activeIDs []string
	for _, tm := range terms {
		if tm.IsActive {
			activeIDs = append(activeIDs, tm.ID)
		}
	}
	require.Len(t, activeIDs, 1)

	active, rec, err := f.store.Terms().Active(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, activeIDs[0], active.ID)
	assert.Equal(t, int64(switched), rec.Version)
	assert.Equal(t, switched, f.events.count(shared.EventTermActivated))
}

func TestActivateTerm_UnknownTerm(t *testing.T) {
	f := newFixture(t)

	_, err := f.activate.Handle(f.ctx, ActivateTermCommand{TermID: "missing"})
	assert.True(t, shared.IsNotFound(err))

	_, err = f.activate.Handle(f.ctx, ActivateTermCommand{})
	assert.True(t, shared.IsValidation(err))
}

func TestCreateTerm_Validation(t *testing.T) {
	f := newFixture(t)
	start := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)

	_, err := f.newTerm.Handle(f.ctx, CreateTermCommand{Name: "Backwards", StartDate: start, EndDate: start.AddDate(0, 0, -1)})
	assert.True(t, shared.IsValidation(err))

	_, err = f.newTerm.Handle(f.ctx, CreateTermCommand{StartDate: start, EndDate: start})
	assert.True(t, shared.IsValidation(err))
}

func TestSetFeeSchedule_Validation(t *testing.T) {
	f := newFixture(t)
	g := f.grade("Grade 1", 3)
	t1 := f.term("Term 1", 0)

	tests := []struct {
		name  string
		cmd   SetFeeScheduleCommand
		check func(error) bool
	}{
		{"unknown kind", SetFeeScheduleCommand{Kind: "library", RefID: g.ID, TermID: t1.ID, Amount: decimal.NewFromInt(1)}, shared.IsValidation},
		{"negative", SetFeeScheduleCommand{Kind: "tuition", RefID: g.ID, TermID: t1.ID, Amount: decimal.NewFromInt(-1)}, shared.IsValidation},
		{"tuition without grade", SetFeeScheduleCommand{Kind: "tuition", TermID: t1.ID, Amount: decimal.NewFromInt(1)}, shared.IsValidation},
		{"unknown grade", SetFeeScheduleCommand{Kind: "tuition", RefID: "missing", TermID: t1.ID, Amount: decimal.NewFromInt(1)}, shared.IsNotFound},
		{"unknown destination", SetFeeScheduleCommand{Kind: "bus", RefID: "missing", TermID: t1.ID, Amount: decimal.NewFromInt(1)}, shared.IsNotFound},
		{"unknown term", SetFeeScheduleCommand{Kind: "boarding", TermID: "missing", Amount: decimal.NewFromInt(1)}, shared.IsNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.setFee.Handle(f.ctx, tt.cmd)
			require.Error(t, err)
			assert.True(t, tt.check(err), err.Error())
		})
	}
	assert.Equal(t, 0, f.events.count(shared.EventFeeScheduleSet))
}

func TestSetFeeSchedule_Boarding(t *testing.T) {
	f := newFixture(t)
	t1 := f.term("Term 1", 0)

	res, err := f.setFee.Handle(f.ctx, SetFeeScheduleCommand{Kind: "boarding", TermID: t1.ID, Amount: decimal.NewFromInt(8000)})
	require.NoError(t, err)

	assert.Equal(t, fee.KindBoarding, res.Entry.Kind)
	amount, err := fee.Lookup(f.ctx, f.store.Fees(), fee.BoardingKey(t1.ID))
	require.NoError(t, err)
	assert.Equal(t, "8000", amount.String())
}
