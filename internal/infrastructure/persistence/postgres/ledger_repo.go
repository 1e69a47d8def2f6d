package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/alem-hub/school-fee-ledger/internal/domain/fee"
	"github.com/alem-hub/school-fee-ledger/internal/domain/ledger"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEDGER REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// LedgerRepository implements ledger.Repository for PostgreSQL.
type LedgerRepository struct {
	conn *Connection
}

var _ ledger.Repository = (*LedgerRepository)(nil)

// NewLedgerRepository creates a new LedgerRepository.
func NewLedgerRepository(conn *Connection) *LedgerRepository {
	return &LedgerRepository{conn: conn}
}

const paymentColumns = `
	id, student_id, term_id, amount, method, paid_at, recorded_at,
	description, kind, COALESCE(reverses_id::text, ''), COALESCE(idempotency_key, ''),
	arrears_applied, tuition_applied, bus_applied, credit_applied, balance_after
`

const (
	idxIdempotencyKey = "idx_payments_idempotency_key"
	idxReversesID     = "idx_payments_reverses_id"
)

// Append applies a commit in one transaction:
//   - the active_term row is held FOR SHARE when the term version or fees are
//     checked, so neither an activation nor a fee edit can interleave;
//   - the student row is locked FOR UPDATE and its version compared;
//   - every fee reading is compared with the stored row;
//   - the payment, new billings and balances are written, and the version bumped.
//     A payment freezes all of the student's billings.
func (r *LedgerRepository) Append(ctx context.Context, c ledger.Commit) (int64, error) {
	var version int64

	err := r.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		if c.CheckTermVersion || len(c.Fees) > 0 {
			var current int64
			if err := tx.QueryRow(ctx, `SELECT version FROM active_term WHERE id = 1 FOR SHARE`).Scan(&current); err != nil {
				return fmt.Errorf("failed to read active term: %w", err)
			}
			if c.CheckTermVersion && current != c.ExpectedTermVersion {
				return shared.ErrTermChanged
			}
		}

		var stored int64
		err := tx.QueryRow(ctx, `SELECT version FROM students WHERE id = $1 FOR UPDATE`, c.StudentID).Scan(&stored)
		if err != nil {
			if isMissing(err) {
				return shared.ErrStudentNotFound
			}
			return fmt.Errorf("failed to lock student: %w", err)
		}
		if stored != c.ExpectedStudentVersion {
			return shared.ErrStudentVersion
		}

		if err := checkFees(ctx, tx, c.Fees); err != nil {
			return err
		}

		if p := c.Payment; p != nil {
			if err := insertPayment(ctx, tx, p); err != nil {
				return err
			}
		}
		for _, b := range c.NewBillings {
			if err := insertBilling(ctx, tx, b); err != nil {
				return err
			}
		}
		if c.Payment != nil {
			if _, err := tx.Exec(ctx, `UPDATE term_billings SET frozen = TRUE WHERE student_id = $1 AND NOT frozen`, c.StudentID); err != nil {
				return fmt.Errorf("failed to freeze billings: %w", err)
			}
		}

		return writeBalances(ctx, tx, c.StudentID, c.Balances).Scan(&version)
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

func insertPayment(ctx context.Context, tx pgx.Tx, p *ledger.Payment) error {
	after, err := json.Marshal(newBalanceRecord(p.BalanceAfter))
	if err != nil {
		return fmt.Errorf("failed to marshal balance snapshot: %w", err)
	}

	query := `
		INSERT INTO payments (
			id, student_id, term_id, amount, method, paid_at, recorded_at,
			description, kind, reverses_id, idempotency_key,
			arrears_applied, tuition_applied, bus_applied, credit_applied, balance_after
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, NULLIF($10, '')::uuid, NULLIF($11, ''),
			$12, $13, $14, $15, $16
		)
	`
	_, err = tx.Exec(ctx, query,
		p.ID,
		p.StudentID,
		p.TermID,
		p.Amount,
		string(p.Method),
		p.PaidAt,
		p.RecordedAt,
		p.Description,
		string(p.Kind),
		p.ReversesID,
		p.IdempotencyKey,
		p.Allocation.Arrears,
		p.Allocation.Tuition,
		p.Allocation.Bus,
		p.Allocation.Credit,
		after,
	)
	switch {
	case err == nil:
		return nil
	case IsUniqueViolationOf(err, idxIdempotencyKey):
		return shared.ErrDuplicatePayment
	case IsUniqueViolationOf(err, idxReversesID):
		return shared.ErrAlreadyReversed
	default:
		return fmt.Errorf("failed to insert payment: %w", err)
	}
}

// checkFees holds every read fee row FOR SHARE and fails with
// shared.ErrFeeChanged when one no longer matches.
func checkFees(ctx context.Context, tx pgx.Tx, reads []fee.Reading) error {
	for _, read := range reads {
		amount, set := decimal.Zero, true
		err := tx.QueryRow(ctx, `
			SELECT amount FROM fee_schedule
			WHERE kind = $1 AND ref_id = $2 AND term_id = $3
			FOR SHARE
		`, string(read.Key.Kind), read.Key.RefID, read.Key.TermID).Scan(&amount)
		switch {
		case isMissing(err):
			amount, set = decimal.Zero, false
		case err != nil:
			return fmt.Errorf("failed to read fee: %w", err)
		}
		if !read.Matches(amount, set) {
			return shared.ErrFeeChanged
		}
	}
	return nil
}

// insertBilling keeps the first basis recorded for a (student, term).
func insertBilling(ctx context.Context, tx pgx.Tx, b *ledger.Billing) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO term_billings (student_id, term_id, grade_id, destination_id, is_boarding, created_at)
		VALUES ($1, $2, $3, NULLIF($4, '')::uuid, $5, $6)
		ON CONFLICT (student_id, term_id) DO NOTHING
	`,
		b.StudentID,
		b.TermID,
		b.Basis.GradeID,
		b.Basis.DestinationID,
		b.Basis.IsBoarding,
		b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert billing: %w", err)
	}
	return nil
}

func writeBalances(ctx context.Context, tx pgx.Tx, studentID string, b student.Balances) pgx.Row {
	return tx.QueryRow(ctx, `
		UPDATE students SET
			balance_term_id = NULLIF($1, '')::uuid,
			tuition_balance = $2,
			bus_balance = $3,
			arrears = $4,
			credit = $5,
			balances_computed_at = $6,
			version = version + 1
		WHERE id = $7
		RETURNING version
	`,
		b.TermID,
		b.TuitionBalance,
		b.BusBalance,
		b.Arrears,
		b.Credit,
		nullTime(b.ComputedAt),
		studentID,
	)
}

// ─────────────────────────────────────────────────────────────────────────────
// Reads
// ─────────────────────────────────────────────────────────────────────────────

// GetPayment returns a ledger record by ID.
func (r *LedgerRepository) GetPayment(ctx context.Context, id string) (*ledger.Payment, error) {
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
}

// GetByIdempotencyKey returns the payment recorded with key.
func (r *LedgerRepository) GetByIdempotencyKey(ctx context.Context, key string) (*ledger.Payment, error) {
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = $1`, key)
}

// FindReversal returns the reversal of paymentID.
func (r *LedgerRepository) FindReversal(ctx context.Context, paymentID string) (*ledger.Payment, error) {
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE reverses_id = $1`, paymentID)
}

func (r *LedgerRepository) getOne(ctx context.Context, query, arg string) (*ledger.Payment, error) {
	p, err := scanPayment(r.conn.QueryRow(ctx, query, arg))
	if err != nil {
		if isMissing(err) {
			return nil, shared.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

// ListByStudent returns the student's records chronologically.
func (r *LedgerRepository) ListByStudent(ctx context.Context, studentID string) ([]*ledger.Payment, error) {
	return r.list(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE student_id = $1
		ORDER BY paid_at, recorded_at, id
	`, studentID)
}

// ListByStudentTerm returns the student's records for one term chronologically.
func (r *LedgerRepository) ListByStudentTerm(ctx context.Context, studentID, termID string) ([]*ledger.Payment, error) {
	return r.list(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE student_id = $1 AND term_id = $2
		ORDER BY paid_at, recorded_at, id
	`, studentID, termID)
}

// ListBetween returns records with PaidAt in [from, to).
func (r *LedgerRepository) ListBetween(ctx context.Context, from, to time.Time) ([]*ledger.Payment, error) {
	return r.list(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE paid_at >= $1 AND paid_at < $2
		ORDER BY paid_at, recorded_at, id
	`, from, to)
}

func (r *LedgerRepository) list(ctx context.Context, query string, args ...interface{}) ([]*ledger.Payment, error) {
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		if IsInvalidText(err) {
			return []*ledger.Payment{}, nil
		}
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	payments := make([]*ledger.Payment, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ledger.SortPayments(payments)
	return payments, nil
}

// Billings returns the student's pinned billing bases.
func (r *LedgerRepository) Billings(ctx context.Context, studentID string) ([]*ledger.Billing, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT student_id, term_id, grade_id, COALESCE(destination_id::text, ''), is_boarding, created_at, frozen
		FROM term_billings
		WHERE student_id = $1
	`, studentID)
	if err != nil {
		if IsInvalidText(err) {
			return []*ledger.Billing{}, nil
		}
		return nil, fmt.Errorf("failed to list billings: %w", err)
	}
	defer rows.Close()

	billings := make([]*ledger.Billing, 0)
	for rows.Next() {
		var b ledger.Billing
		var basis fee.Basis
		if err := rows.Scan(&b.StudentID, &b.TermID, &basis.GradeID, &basis.DestinationID, &basis.IsBoarding, &b.CreatedAt, &b.Frozen); err != nil {
			return nil, fmt.Errorf("failed to scan billing: %w", err)
		}
		b.Basis = basis
		billings = append(billings, &b)
	}
	return billings, rows.Err()
}

// ─────────────────────────────────────────────────────────────────────────────
// Scan helpers
// ─────────────────────────────────────────────────────────────────────────────

// balanceRecord is the JSON form of the balance snapshot stored with a payment.
type balanceRecord struct {
	TermID         string          `json:"term_id,omitempty"`
	TuitionBalance decimal.Decimal `json:"tuition_balance"`
	BusBalance     decimal.Decimal `json:"bus_balance"`
	Arrears        decimal.Decimal `json:"arrears"`
	Credit         decimal.Decimal `json:"credit"`
	ComputedAt     *time.Time      `json:"computed_at,omitempty"`
}

func newBalanceRecord(b student.Balances) balanceRecord {
	return balanceRecord{
		TermID:         b.TermID,
		TuitionBalance: b.TuitionBalance,
		BusBalance:     b.BusBalance,
		Arrears:        b.Arrears,
		Credit:         b.Credit,
		ComputedAt:     nullTime(b.ComputedAt),
	}
}

func (r balanceRecord) balances() student.Balances {
	b := student.Balances{
		TermID:         r.TermID,
		TuitionBalance: r.TuitionBalance,
		BusBalance:     r.BusBalance,
		Arrears:        r.Arrears,
		Credit:         r.Credit,
	}
	if r.ComputedAt != nil {
		b.ComputedAt = *r.ComputedAt
	}
	return b
}

func scanPayment(row pgx.Row) (*ledger.Payment, error) {
	var p ledger.Payment
	var method, kind string
	var after []byte

	if err := row.Scan(
		&p.ID,
		&p.StudentID,
		&p.TermID,
		&p.Amount,
		&method,
		&p.PaidAt,
		&p.RecordedAt,
		&p.Description,
		&kind,
		&p.ReversesID,
		&p.IdempotencyKey,
		&p.Allocation.Arrears,
		&p.Allocation.Tuition,
		&p.Allocation.Bus,
		&p.Allocation.Credit,
		&after,
	); err != nil {
		return nil, err
	}

	p.Method = shared.PaymentMethod(method)
	p.Kind = ledger.Kind(kind)

	var rec balanceRecord
	if len(after) > 0 {
		if err := json.Unmarshal(after, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal balance snapshot: %w", err)
		}
	}
	p.BalanceAfter = rec.balances()
	return &p, nil
}
