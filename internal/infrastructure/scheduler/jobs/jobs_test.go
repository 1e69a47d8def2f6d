package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/school-fee-ledger/internal/application/command"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/term"
	"github.com/alem-hub/school-fee-ledger/pkg/logger"
)

type fakeTerms struct {
	terms  []*term.Term
	active term.ActiveTerm
}

func (f *fakeTerms) List(context.Context) ([]*term.Term, error) { return f.terms, nil }
func (f *fakeTerms) ActiveVersion(context.Context) (term.ActiveTerm, error) {
	return f.active, nil
}

type fakeActivator struct {
	calls []command.ActivateTermCommand
	err   error
	terms map[string]*term.Term
}

func (f *fakeActivator) Handle(_ context.Context, cmd command.ActivateTermCommand) (*command.ActivateTermResult, error) {
	f.calls = append(f.calls, cmd)
	if f.err != nil {
		return nil, f.err
	}
	return &command.ActivateTermResult{Term: f.terms[cmd.TermID]}, nil
}

func mkTerm(id string, start, end time.Time) *term.Term {
	return &term.Term{ID: id, Name: id, StartDate: start, EndDate: end}
}

func newCalendar() (*fakeTerms, *fakeActivator) {
	t1 := mkTerm("t1", time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 29, 0, 0, 0, 0, time.UTC))
	t2 := mkTerm("t2", time.Date(2024, 4, 29, 0, 0, 0, 0, time.UTC), time.Date(2024, 7, 26, 0, 0, 0, 0, time.UTC))
	terms := &fakeTerms{terms: []*term.Term{t1, t2}, active: term.ActiveTerm{TermID: "t1", Version: 3}}
	act := &fakeActivator{terms: map[string]*term.Term{"t1": t1, "t2": t2}}
	return terms, act
}

func TestActivateCurrentTermJob_SwitchesWhenWindowChanges(t *testing.T) {
	terms, act := newCalendar()
	job := NewActivateCurrentTermJob(terms, act, logger.NopSlog())
	job.now = func() time.Time { return time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, job.Run(context.Background()))
	require.Len(t, act.calls, 1)
	assert.Equal(t, "t2", act.calls[0].TermID)
	assert.Equal(t, "calendar", act.calls[0].Source)
}

func TestActivateCurrentTermJob_NoopCases(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
	}{
		{"already active", time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)},
		{"holiday gap", time.Date(2024, 4, 15, 12, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			terms, act := newCalendar()
			job := NewActivateCurrentTermJob(terms, act, logger.NopSlog())
			job.now = func() time.Time { return tt.now }

			require.NoError(t, job.Run(context.Background()))
			assert.Empty(t, act.calls)
		})
	}
}

func TestActivateCurrentTermJob_Errors(t *testing.T) {
	terms, act := newCalendar()
	job := NewActivateCurrentTermJob(terms, act, logger.NopSlog())
	job.now = func() time.Time { return time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC) }

	act.err = shared.ErrActivationConflict
	assert.NoError(t, job.Run(context.Background()))

	act.err = shared.ErrBarrierTimeout
	err := job.Run(context.Background())
	assert.ErrorIs(t, err, shared.ErrBarrierTimeout)
}

type fakeRebuilder struct {
	res *command.RebuildBalancesResult
	err error
}

func (f *fakeRebuilder) Handle(context.Context, command.RebuildBalancesCommand) (*command.RebuildBalancesResult, error) {
	return f.res, f.err
}

func TestRebuildBalancesJob(t *testing.T) {
	ok := &fakeRebuilder{res: &command.RebuildBalancesResult{Checked: 10, Repaired: []string{"s1"}}}
	assert.NoError(t, NewRebuildBalancesJob(ok, logger.NopSlog(), 0).Run(context.Background()))

	partial := &fakeRebuilder{res: &command.RebuildBalancesResult{
		Checked: 10,
		Failed:  map[string]error{"s2": shared.ErrStudentVersion},
	}}
	err := NewRebuildBalancesJob(partial, logger.NopSlog(), 0).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 10")

	boom := errors.New("db down")
	err = NewRebuildBalancesJob(&fakeRebuilder{err: boom}, logger.NopSlog(), 0).Run(context.Background())
	assert.ErrorIs(t, err, boom)
}
