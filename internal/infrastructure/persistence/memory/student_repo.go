package memory

import (
	"context"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
)

// StudentRepository implements student.Repository.
type StudentRepository struct {
	s *Store
}

var _ student.Repository = (*StudentRepository)(nil)

// Create stores a new student.
func (r *StudentRepository) Create(ctx context.Context, st *student.Student) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	adm := student.NormalizeAdmissionNumber(st.AdmissionNumber)
	if _, taken := r.s.byAdmission[adm]; taken {
		return shared.ErrDuplicateAdmissionNumber
	}
	r.s.students[st.ID] = st.Clone()
	r.s.byAdmission[adm] = st.ID
	return nil
}

// GetByID returns a copy of the student.
func (r *StudentRepository) GetByID(ctx context.Context, id string) (*student.Student, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	st, ok := r.s.students[id]
	if !ok {
		return nil, shared.ErrStudentNotFound
	}
	return st.Clone(), nil
}

// GetByAdmissionNumber looks a student up by the normalized admission number.
func (r *StudentRepository) GetByAdmissionNumber(ctx context.Context, admissionNumber string) (*student.Student, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	id, ok := r.s.byAdmission[student.NormalizeAdmissionNumber(admissionNumber)]
	if !ok {
		return nil, shared.ErrStudentNotFound
	}
	return r.s.students[id].Clone(), nil
}

// Update saves enrollment fields and status. Stored balances are kept.
func (r *StudentRepository) Update(ctx context.Context, st *student.Student) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cur, ok := r.s.students[st.ID]
	if !ok {
		return shared.ErrStudentNotFound
	}
	if cur.Version != st.Version {
		return shared.ErrStudentVersion
	}

	next := st.Clone()
	next.Balances = cur.Balances
	next.AdmissionNumber = cur.AdmissionNumber
	next.OpeningArrears = cur.OpeningArrears
	next.FirstTermID = cur.FirstTermID
	next.Version = cur.Version + 1
	r.s.students[st.ID] = next

	st.Version = next.Version
	return nil
}

// List returns students matching f, ordered by admission number.
func (r *StudentRepository) List(ctx context.Context, f student.Filter) ([]*student.Student, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.Normalize()

	r.s.mu.RLock()
	matched := make([]*student.Student, 0)
	for _, st := range r.s.students {
		if f.Matches(st) {
			matched = append(matched, st.Clone())
		}
	}
	r.s.mu.RUnlock()

	sortStudents(matched)
	if f.Offset >= len(matched) {
		return []*student.Student{}, nil
	}
	end := f.Offset + f.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[f.Offset:end], nil
}

// ListIDs returns every student ID in admission-number order.
func (r *StudentRepository) ListIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	all := make([]*student.Student, 0, len(r.s.students))
	for _, st := range r.s.students {
		all = append(all, st)
	}
	sortStudents(all)
	ids := make([]string, len(all))
	for i, st := range all {
		ids[i] = st.ID
	}
	r.s.mu.RUnlock()
	return ids, nil
}
