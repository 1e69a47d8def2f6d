// Package memory is an in-process implementation of every ledger repository.
// A single Store guards all tables with one mutex so that ledger commits are
// atomic across students, payments, billings and the active-term record.
// Reads return copies; callers never share memory with the store.
//
// It backs the test suites and single-node deployments without Postgres.
package memory

import (
	"sort"
	"strings"
	"sync"

	"github.com/alem-hub/school-fee-ledger/internal/domain/fee"
	"github.com/alem-hub/school-fee-ledger/internal/domain/ledger"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
	"github.com/alem-hub/school-fee-ledger/internal/domain/term"
)

// Store holds all ledger state.
type Store struct {
	mu sync.RWMutex

	students    map[string]*student.Student
	byAdmission map[string]string

	terms  map[string]*term.Term
	active term.ActiveTerm

	fees         map[fee.Key]*fee.Entry
	grades       map[string]*fee.Grade
	destinations map[string]*fee.Destination

	payments      []*ledger.Payment
	paymentByID   map[string]*ledger.Payment
	byIdempotency map[string]string
	reversalOf    map[string]string
	billings      map[string]map[string]*ledger.Billing
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		students:      make(map[string]*student.Student),
		byAdmission:   make(map[string]string),
		terms:         make(map[string]*term.Term),
		fees:          make(map[fee.Key]*fee.Entry),
		grades:        make(map[string]*fee.Grade),
		destinations:  make(map[string]*fee.Destination),
		paymentByID:   make(map[string]*ledger.Payment),
		byIdempotency: make(map[string]string),
		reversalOf:    make(map[string]string),
		billings:      make(map[string]map[string]*ledger.Billing),
	}
}

// Students returns the student repository view of the store.
func (s *Store) Students() *StudentRepository { return &StudentRepository{s: s} }

// Terms returns the term registry view of the store.
func (s *Store) Terms() *TermRepository { return &TermRepository{s: s} }

// Fees returns the fee schedule view of the store.
func (s *Store) Fees() *FeeRepository { return &FeeRepository{s: s} }

// Catalog returns the grade and destination catalog view of the store.
func (s *Store) Catalog() *CatalogRepository { return &CatalogRepository{s: s} }

// Ledger returns the payment ledger view of the store.
func (s *Store) Ledger() *LedgerRepository { return &LedgerRepository{s: s} }

// ══════════════════════════════════════════════════════════════════════════════
// COPY HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func copyPayment(p *ledger.Payment) *ledger.Payment {
	c := *p
	return &c
}

func copyPayments(ps []*ledger.Payment) []*ledger.Payment {
	out := make([]*ledger.Payment, len(ps))
	for i, p := range ps {
		out[i] = copyPayment(p)
	}
	ledger.SortPayments(out)
	return out
}

// frozenLocked reports whether a billing with a payment behind it
// references key. Caller holds mu.
func (s *Store) frozenLocked(key fee.Key) bool {
	for _, byTerm := range s.billings {
		b, ok := byTerm[key.TermID]
		if !ok || !b.Frozen {
			continue
		}
		for _, k := range b.Basis.Keys(b.TermID) {
			if k == key {
				return true
			}
		}
	}
	return false
}

func sortStudents(list []*student.Student) {
	sort.Slice(list, func(i, j int) bool {
		return strings.Compare(list[i].AdmissionNumber, list[j].AdmissionNumber) < 0
	})
}
