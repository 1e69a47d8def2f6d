package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// STUDENT REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// StudentRepository implements student.Repository for PostgreSQL.
type StudentRepository struct {
	conn *Connection
}

var _ student.Repository = (*StudentRepository)(nil)

// NewStudentRepository creates a new StudentRepository.
func NewStudentRepository(conn *Connection) *StudentRepository {
	return &StudentRepository{conn: conn}
}

const studentColumns = `
	id, name, admission_number, grade_id, phone,
	uses_bus, COALESCE(destination_id::text, ''), is_boarding,
	opening_arrears, COALESCE(first_term_id::text, ''),
	status, enrolled_at, updated_at, version,
	COALESCE(balance_term_id::text, ''), tuition_balance, bus_balance, arrears, credit,
	balances_computed_at
`

// ─────────────────────────────────────────────────────────────────────────────
// CRUD Operations
// ─────────────────────────────────────────────────────────────────────────────

// Create creates a new student.
func (r *StudentRepository) Create(ctx context.Context, s *student.Student) error {
	query := `
		INSERT INTO students (
			id, name, admission_number, grade_id, phone,
			uses_bus, destination_id, is_boarding,
			opening_arrears, first_term_id,
			status, enrolled_at, updated_at, version,
			balance_term_id, tuition_balance, bus_balance, arrears, credit, balances_computed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, NULLIF($7, '')::uuid, $8,
			$9, NULLIF($10, '')::uuid,
			$11, $12, $13, $14,
			NULLIF($15, '')::uuid, $16, $17, $18, $19, $20
		)
	`

	b := s.Balances
	_, err := r.conn.Exec(ctx, query,
		s.ID,
		s.Name,
		student.NormalizeAdmissionNumber(s.AdmissionNumber),
		s.GradeID,
		s.Phone,
		s.UsesBus,
		s.DestinationID,
		s.IsBoarding,
		s.OpeningArrears,
		s.FirstTermID,
		string(s.Status),
		s.EnrolledAt,
		s.UpdatedAt,
		s.Version,
		b.TermID,
		b.TuitionBalance,
		b.BusBalance,
		b.Arrears,
		b.Credit,
		nullTime(b.ComputedAt),
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return shared.ErrDuplicateAdmissionNumber
		}
		return fmt.Errorf("failed to create student: %w", err)
	}
	return nil
}

// GetByID returns a student by internal ID.
func (r *StudentRepository) GetByID(ctx context.Context, id string) (*student.Student, error) {
	query := `SELECT ` + studentColumns + ` FROM students WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetByAdmissionNumber returns a student by the normalized admission number.
func (r *StudentRepository) GetByAdmissionNumber(ctx context.Context, admissionNumber string) (*student.Student, error) {
	query := `SELECT ` + studentColumns + ` FROM students WHERE admission_number = $1`
	return r.getOne(ctx, query, student.NormalizeAdmissionNumber(admissionNumber))
}

func (r *StudentRepository) getOne(ctx context.Context, query string, arg string) (*student.Student, error) {
	s, err := scanStudent(r.conn.QueryRow(ctx, query, arg))
	if err != nil {
		if isMissing(err) {
			return nil, shared.ErrStudentNotFound
		}
		return nil, fmt.Errorf("failed to get student: %w", err)
	}
	return s, nil
}

// Update saves enrollment fields and status when the stored version still
// equals s.Version. Balances, admission number and opening arrears are not
// written here.
func (r *StudentRepository) Update(ctx context.Context, s *student.Student) error {
	query := `
		UPDATE students SET
			name = $1,
			grade_id = $2,
			phone = $3,
			uses_bus = $4,
			destination_id = NULLIF($5, '')::uuid,
			is_boarding = $6,
			status = $7,
			updated_at = $8,
			version = version + 1
		WHERE id = $9 AND version = $10
		RETURNING version
	`

	var next int64
	err := r.conn.QueryRow(ctx, query,
		s.Name,
		s.GradeID,
		s.Phone,
		s.UsesBus,
		s.DestinationID,
		s.IsBoarding,
		string(s.Status),
		s.UpdatedAt,
		s.ID,
		s.Version,
	).Scan(&next)
	if err == nil {
		s.Version = next
		return nil
	}
	if !IsNoRows(err) {
		if IsInvalidText(err) {
			return shared.ErrStudentNotFound
		}
		return fmt.Errorf("failed to update student: %w", err)
	}

	// Either the row is gone or someone bumped the version first.
	var exists bool
	if err := r.conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM students WHERE id = $1)`, s.ID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check student: %w", err)
	}
	if !exists {
		return shared.ErrStudentNotFound
	}
	return shared.ErrStudentVersion
}

// ─────────────────────────────────────────────────────────────────────────────
// Listing
// ─────────────────────────────────────────────────────────────────────────────

// List returns students matching f, ordered by admission number.
func (r *StudentRepository) List(ctx context.Context, f student.Filter) ([]*student.Student, error) {
	f.Normalize()

	where, args := buildStudentFilter(f)
	args = append(args, f.Limit, f.Offset)
	query := fmt.Sprintf(`
		SELECT %s
		FROM students
		%s
		ORDER BY admission_number
		LIMIT $%d OFFSET $%d
	`, studentColumns, where, len(args)-1, len(args))

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list students: %w", err)
	}
	defer rows.Close()

	students := make([]*student.Student, 0)
	for rows.Next() {
		s, err := scanStudent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan student: %w", err)
		}
		students = append(students, s)
	}
	return students, rows.Err()
}

// ListIDs returns every student ID in admission-number order.
func (r *StudentRepository) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := r.conn.Query(ctx, `SELECT id FROM students ORDER BY admission_number`)
	if err != nil {
		return nil, fmt.Errorf("failed to list student ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan student id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// buildStudentFilter renders the WHERE clause for f with positional args.
func buildStudentFilter(f student.Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.GradeID != "" {
		add("grade_id::text = $%d", f.GradeID)
	}
	if f.DestinationID != "" {
		add("destination_id::text = $%d", f.DestinationID)
	}
	if f.UsesBus != nil {
		add("uses_bus = $%d", *f.UsesBus)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		pattern := "%" + escapeLike(strings.ToLower(q)) + "%"
		args = append(args, pattern)
		n := len(args)
		conds = append(conds, fmt.Sprintf("(LOWER(name) LIKE $%d OR LOWER(admission_number) LIKE $%d)", n, n))
	}
	if f.WithDebt {
		conds = append(conds, "(tuition_balance <> 0 OR bus_balance <> 0)")
	}

	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ─────────────────────────────────────────────────────────────────────────────
// Scan helpers
// ─────────────────────────────────────────────────────────────────────────────

func scanStudent(row pgx.Row) (*student.Student, error) {
	var s student.Student
	var status string
	var computedAt *time.Time
	var tuition, bus, arrears, credit decimal.Decimal

	if err := row.Scan(
		&s.ID,
		&s.Name,
		&s.AdmissionNumber,
		&s.GradeID,
		&s.Phone,
		&s.UsesBus,
		&s.DestinationID,
		&s.IsBoarding,
		&s.OpeningArrears,
		&s.FirstTermID,
		&status,
		&s.EnrolledAt,
		&s.UpdatedAt,
		&s.Version,
		&s.Balances.TermID,
		&tuition,
		&bus,
		&arrears,
		&credit,
		&computedAt,
	); err != nil {
		return nil, err
	}

	s.Status = student.Status(status)
	s.Balances.TuitionBalance = tuition
	s.Balances.BusBalance = bus
	s.Balances.Arrears = arrears
	s.Balances.Credit = credit
	if computedAt != nil {
		s.Balances.ComputedAt = *computedAt
	}
	return &s, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
