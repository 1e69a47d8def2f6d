package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/school-fee-ledger/internal/domain/fee"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// FEE SCHEDULE REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// FeeRepository implements fee.Repository for PostgreSQL.
type FeeRepository struct {
	conn *Connection
}

var _ fee.Repository = (*FeeRepository)(nil)

// NewFeeRepository creates a new FeeRepository.
func NewFeeRepository(conn *Connection) *FeeRepository {
	return &FeeRepository{conn: conn}
}

// frozenPredicate is true when a frozen billing references the fee row f.
const frozenPredicate = `EXISTS (
	SELECT 1 FROM term_billings b
	WHERE b.term_id = f.term_id
	  AND b.frozen
	  AND (
		(f.kind = 'tuition' AND b.grade_id::text = f.ref_id) OR
		(f.kind = 'bus' AND b.destination_id::text = f.ref_id) OR
		(f.kind = 'boarding' AND b.is_boarding)
	  )
)`

const feeColumns = `f.kind, f.ref_id, f.term_id, f.amount, f.updated_at, ` + frozenPredicate

// Get returns the entry for key or shared.ErrFeeUnset.
func (r *FeeRepository) Get(ctx context.Context, key fee.Key) (*fee.Entry, error) {
	query := `
		SELECT ` + feeColumns + `
		FROM fee_schedule f
		WHERE f.kind = $1 AND f.ref_id = $2 AND f.term_id = $3
	`

	e, err := scanFee(r.conn.QueryRow(ctx, query, string(key.Kind), key.RefID, key.TermID))
	if err != nil {
		if isMissing(err) {
			return nil, shared.ErrFeeUnset
		}
		return nil, fmt.Errorf("failed to get fee: %w", err)
	}
	return e, nil
}

// Upsert writes the entry unless a frozen billing references it. The frozen
// check and the write are one statement: zero affected rows means frozen.
// The active_term row is held FOR UPDATE first, so the edit cannot land
// between the fee check and the commit of a concurrent payment.
func (r *FeeRepository) Upsert(ctx context.Context, entry *fee.Entry) error {
	query := `
		INSERT INTO fee_schedule AS f (kind, ref_id, term_id, amount, updated_at)
		SELECT $1::text, $2::text, $3::uuid, $4::numeric, $5::timestamptz
		WHERE NOT EXISTS (
			SELECT 1 FROM term_billings b
			WHERE b.term_id = $3::uuid
			  AND b.frozen
			  AND (
				($1::text = 'tuition' AND b.grade_id::text = $2::text) OR
				($1::text = 'bus' AND b.destination_id::text = $2::text) OR
				($1::text = 'boarding' AND b.is_boarding)
			  )
		)
		ON CONFLICT (kind, ref_id, term_id) DO UPDATE
		SET amount = EXCLUDED.amount, updated_at = EXCLUDED.updated_at
	`

	return r.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT 1 FROM active_term WHERE id = 1 FOR UPDATE`); err != nil {
			return fmt.Errorf("failed to lock active term: %w", err)
		}

		tag, err := tx.Exec(ctx, query,
			string(entry.Kind),
			entry.RefID,
			entry.TermID,
			entry.Amount,
			entry.UpdatedAt,
		)
		if err != nil {
			if IsForeignKeyViolation(err) {
				return shared.ErrTermNotFound
			}
			return fmt.Errorf("failed to upsert fee: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrFeeFrozen
		}
		return nil
	})
}

// ListForTerm returns the term's entries ordered by kind and reference.
func (r *FeeRepository) ListForTerm(ctx context.Context, termID string) ([]*fee.Entry, error) {
	query := `
		SELECT ` + feeColumns + `
		FROM fee_schedule f
		WHERE f.term_id = $1
		ORDER BY f.kind, f.ref_id
	`

	rows, err := r.conn.Query(ctx, query, termID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fees: %w", err)
	}
	defer rows.Close()

	entries := make([]*fee.Entry, 0)
	for rows.Next() {
		e, err := scanFee(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fee: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanFee(row pgx.Row) (*fee.Entry, error) {
	var e fee.Entry
	var kind string

	if err := row.Scan(&kind, &e.RefID, &e.TermID, &e.Amount, &e.UpdatedAt, &e.Frozen); err != nil {
		return nil, err
	}
	e.Kind = fee.Kind(kind)
	return &e, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// CATALOG REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// CatalogRepository implements fee.CatalogRepository for PostgreSQL.
type CatalogRepository struct {
	conn *Connection
}

var _ fee.CatalogRepository = (*CatalogRepository)(nil)

// NewCatalogRepository creates a new CatalogRepository.
func NewCatalogRepository(conn *Connection) *CatalogRepository {
	return &CatalogRepository{conn: conn}
}

// CreateGrade stores a grade with a unique name and level.
func (r *CatalogRepository) CreateGrade(ctx context.Context, g *fee.Grade) error {
	_, err := r.conn.Exec(ctx,
		`INSERT INTO grades (id, name, level, created_at) VALUES ($1, $2, $3, $4)`,
		g.ID, g.Name, g.Level, g.CreatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return shared.ErrGradeExists
		}
		return fmt.Errorf("failed to create grade: %w", err)
	}
	return nil
}

// GetGrade returns a grade or shared.ErrGradeNotFound.
func (r *CatalogRepository) GetGrade(ctx context.Context, id string) (*fee.Grade, error) {
	var g fee.Grade
	err := r.conn.QueryRow(ctx,
		`SELECT id, name, level, created_at FROM grades WHERE id = $1`, id,
	).Scan(&g.ID, &g.Name, &g.Level, &g.CreatedAt)
	if err != nil {
		if isMissing(err) {
			return nil, shared.ErrGradeNotFound
		}
		return nil, fmt.Errorf("failed to get grade: %w", err)
	}
	return &g, nil
}

// ListGrades returns grades ordered by level.
func (r *CatalogRepository) ListGrades(ctx context.Context) ([]*fee.Grade, error) {
	rows, err := r.conn.Query(ctx, `SELECT id, name, level, created_at FROM grades ORDER BY level`)
	if err != nil {
		return nil, fmt.Errorf("failed to list grades: %w", err)
	}
	defer rows.Close()

	grades := make([]*fee.Grade, 0)
	for rows.Next() {
		var g fee.Grade
		if err := rows.Scan(&g.ID, &g.Name, &g.Level, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan grade: %w", err)
		}
		grades = append(grades, &g)
	}
	return grades, rows.Err()
}

// CreateDestination stores a destination with a unique name.
func (r *CatalogRepository) CreateDestination(ctx context.Context, d *fee.Destination) error {
	_, err := r.conn.Exec(ctx,
		`INSERT INTO destinations (id, name, created_at) VALUES ($1, $2, $3)`,
		d.ID, d.Name, d.CreatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return shared.ErrDestinationExists
		}
		return fmt.Errorf("failed to create destination: %w", err)
	}
	return nil
}

// GetDestination returns a destination or shared.ErrDestinationNotFound.
func (r *CatalogRepository) GetDestination(ctx context.Context, id string) (*fee.Destination, error) {
	var d fee.Destination
	err := r.conn.QueryRow(ctx,
		`SELECT id, name, created_at FROM destinations WHERE id = $1`, id,
	).Scan(&d.ID, &d.Name, &d.CreatedAt)
	if err != nil {
		if isMissing(err) {
			return nil, shared.ErrDestinationNotFound
		}
		return nil, fmt.Errorf("failed to get destination: %w", err)
	}
	return &d, nil
}

// ListDestinations returns destinations ordered by name.
func (r *CatalogRepository) ListDestinations(ctx context.Context) ([]*fee.Destination, error) {
	rows, err := r.conn.Query(ctx, `SELECT id, name, created_at FROM destinations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list destinations: %w", err)
	}
	defer rows.Close()

	destinations := make([]*fee.Destination, 0)
	for rows.Next() {
		var d fee.Destination
		if err := rows.Scan(&d.ID, &d.Name, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan destination: %w", err)
		}
		destinations = append(destinations, &d)
	}
	return destinations, rows.Err()
}
