package command

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/school-fee-ledger/internal/domain/fee"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
	"github.com/alem-hub/school-fee-ledger/internal/domain/term"
	"github.com/alem-hub/school-fee-ledger/internal/infrastructure/locking"
	"github.com/alem-hub/school-fee-ledger/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/school-fee-ledger/pkg/logger"
)

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []shared.Event
}

func (r *recorder) Publish(e shared.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) count(t shared.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType() == t {
			n++
		}
	}
	return n
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *memory.Store
	locker *locking.KeyedLocker
	deps   LedgerDeps
	events *recorder

	enroll   *EnrollStudentHandler
	update   *UpdateEnrollmentHandler
	status   *SetStudentStatusHandler
	promote  *PromoteStudentsHandler
	pay      *RecordPaymentHandler
	reverse  *ReversePaymentHandler
	rebuild  *RebuildBalancesHandler
	newTerm  *CreateTermHandler
	activate *ActivateTermHandler
	setFee   *SetFeeScheduleHandler
	catalog  *CatalogHandler
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithTimeout(t, time.Second)
}

func newFixtureWithTimeout(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	store := memory.NewStore()
	locker := locking.NewKeyedLocker(timeout)
	barrier := locking.NewTermBarrier(timeout)
	events := &recorder{}
	log := logger.Nop()

	deps := LedgerDeps{
		Students:  store.Students(),
		Terms:     store.Terms(),
		Fees:      store.Fees(),
		Catalog:   store.Catalog(),
		Payments:  store.Ledger(),
		Locker:    locker,
		Barrier:   barrier,
		Publisher: events,
		Logger:    log,
	}

	return &fixture{
		t:        t,
		ctx:      context.Background(),
		store:    store,
		locker:   locker,
		deps:     deps,
		events:   events,
		enroll:   NewEnrollStudentHandler(deps),
		update:   NewUpdateEnrollmentHandler(deps),
		status:   NewSetStudentStatusHandler(deps),
		promote:  NewPromoteStudentsHandler(deps),
		pay:      NewRecordPaymentHandler(deps),
		reverse:  NewReversePaymentHandler(deps),
		rebuild:  NewRebuildBalancesHandler(deps),
		newTerm:  NewCreateTermHandler(store.Terms(), events, log),
		activate: NewActivateTermHandler(store.Terms(), barrier, events, nil, log),
		setFee:   NewSetFeeScheduleHandler(store.Fees(), store.Catalog(), store.Terms(), barrier, events, log),
		catalog:  NewCatalogHandler(store.Catalog(), log),
	}
}

func (f *fixture) grade(name string, level int) *fee.Grade {
	f.t.Helper()
	g, err := f.catalog.CreateGrade(f.ctx, CreateGradeCommand{Name: name, Level: level})
	require.NoError(f.t, err)
	return g
}

func (f *fixture) destination(name string) *fee.Destination {
	f.t.Helper()
	d, err := f.catalog.CreateDestination(f.ctx, CreateDestinationCommand{Name: name})
	require.NoError(f.t, err)
	return d
}

var termStart = time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)

func (f *fixture) term(name string, index int) *term.Term {
	f.t.Helper()
	start := termStart.AddDate(0, 4*index, 0)
	res, err := f.newTerm.Handle(f.ctx, CreateTermCommand{Name: name, StartDate: start, EndDate: start.AddDate(0, 3, 0)})
	require.NoError(f.t, err)
	return res.Term
}

func (f *fixture) activateTerm(id string) {
	f.t.Helper()
	_, err := f.activate.Handle(f.ctx, ActivateTermCommand{TermID: id})
	require.NoError(f.t, err)
}

func (f *fixture) fee(kind fee.Kind, ref, termID, amount string) {
	f.t.Helper()
	_, err := f.setFee.Handle(f.ctx, SetFeeScheduleCommand{Kind: string(kind), RefID: ref, TermID: termID, Amount: decimal.RequireFromString(amount)})
	require.NoError(f.t, err)
}

func (f *fixture) student(adm, gradeID, destinationID string) *student.Student {
	f.t.Helper()
	res, err := f.enroll.Handle(f.ctx, EnrollStudentCommand{
		Name:            "Pupil " + adm,
		AdmissionNumber: adm,
		GradeID:         gradeID,
		UsesBus:         destinationID != "",
		DestinationID:   destinationID,
	})
	require.NoError(f.t, err)
	return res.Student
}

func (f *fixture) payment(studentID, amount string) *RecordPaymentResult {
	f.t.Helper()
	res, err := f.pay.Handle(f.ctx, RecordPaymentCommand{StudentID: studentID, Amount: decimal.RequireFromString(amount), Method: "cash"})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) stored(id string) *student.Student {
	f.t.Helper()
	s, err := f.store.Students().GetByID(f.ctx, id)
	require.NoError(f.t, err)
	return s
}

func (f *fixture) ledgerSize(studentID string) int {
	f.t.Helper()
	ps, err := f.store.Ledger().ListByStudent(f.ctx, studentID)
	require.NoError(f.t, err)
	return len(ps)
}
