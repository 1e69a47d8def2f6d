package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/term"
)

// ══════════════════════════════════════════════════════════════════════════════
// TERM REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// TermRepository implements term.Repository for PostgreSQL.
type TermRepository struct {
	conn *Connection
}

var _ term.Repository = (*TermRepository)(nil)

// NewTermRepository creates a new TermRepository.
func NewTermRepository(conn *Connection) *TermRepository {
	return &TermRepository{conn: conn}
}

const termColumns = `id, name, start_date, end_date, is_active, opened_at, created_at`

// Create stores a new inactive term.
func (r *TermRepository) Create(ctx context.Context, t *term.Term) error {
	query := `
		INSERT INTO terms (id, name, start_date, end_date, is_active, opened_at, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5, $6)
	`

	_, err := r.conn.Exec(ctx, query,
		t.ID,
		t.Name,
		t.StartDate,
		t.EndDate,
		t.OpenedAt,
		t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create term: %w", err)
	}
	return nil
}

// GetByID returns a term by ID.
func (r *TermRepository) GetByID(ctx context.Context, id string) (*term.Term, error) {
	query := `SELECT ` + termColumns + ` FROM terms WHERE id = $1`

	t, err := scanTerm(r.conn.QueryRow(ctx, query, id))
	if err != nil {
		if isMissing(err) {
			return nil, shared.ErrTermNotFound
		}
		return nil, fmt.Errorf("failed to get term: %w", err)
	}
	return t, nil
}

// List returns all terms in chronological order.
func (r *TermRepository) List(ctx context.Context) ([]*term.Term, error) {
	query := `SELECT ` + termColumns + ` FROM terms ORDER BY start_date, created_at, id`

	rows, err := r.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list terms: %w", err)
	}
	defer rows.Close()

	terms := make([]*term.Term, 0)
	for rows.Next() {
		t, err := scanTerm(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan term: %w", err)
		}
		terms = append(terms, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	term.SortChronologically(terms)
	return terms, nil
}

// Active returns the active term and the singleton record.
func (r *TermRepository) Active(ctx context.Context) (*term.Term, term.ActiveTerm, error) {
	active, err := r.ActiveVersion(ctx)
	if err != nil {
		return nil, term.ActiveTerm{}, err
	}
	if !active.HasTerm() {
		return nil, active, shared.ErrNoTermActive
	}

	t, err := r.GetByID(ctx, active.TermID)
	if err != nil {
		return nil, active, err
	}
	return t, active, nil
}

// ActiveVersion returns the singleton record.
func (r *TermRepository) ActiveVersion(ctx context.Context) (term.ActiveTerm, error) {
	return scanActiveTerm(r.conn.QueryRow(ctx, `
		SELECT COALESCE(term_id::text, ''), version, activated_at
		FROM active_term WHERE id = 1
	`))
}

// Activate switches the active term if the singleton is still at expectedVersion.
// The singleton row is locked first, so concurrent activations serialize on it
// and payment commits holding it FOR SHARE finish before the switch.
func (r *TermRepository) Activate(ctx context.Context, termID string, expectedVersion int64, at time.Time) (term.ActiveTerm, error) {
	var result term.ActiveTerm

	err := r.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		current, err := scanActiveTerm(tx.QueryRow(ctx, `
			SELECT COALESCE(term_id::text, ''), version, activated_at
			FROM active_term WHERE id = 1
			FOR UPDATE
		`))
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return shared.ErrActivationConflict
		}

		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM terms WHERE id = $1)`, termID).Scan(&exists); err != nil {
			if isMissing(err) {
				return shared.ErrTermNotFound
			}
			return fmt.Errorf("failed to check term: %w", err)
		}
		if !exists {
			return shared.ErrTermNotFound
		}

		// Two statements: the single-active index is checked row by row.
		if _, err := tx.Exec(ctx, `UPDATE terms SET is_active = FALSE WHERE is_active`); err != nil {
			return fmt.Errorf("failed to clear active flag: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE terms
			SET is_active = TRUE, opened_at = COALESCE(opened_at, $2)
			WHERE id = $1
		`, termID, at); err != nil {
			return fmt.Errorf("failed to set active flag: %w", err)
		}

		result = term.ActiveTerm{TermID: termID, ActivatedAt: at}
		return tx.QueryRow(ctx, `
			UPDATE active_term
			SET term_id = $1, version = version + 1, activated_at = $2
			WHERE id = 1
			RETURNING version
		`, termID, at).Scan(&result.Version)
	})
	if err != nil {
		return term.ActiveTerm{}, err
	}
	return result, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Scan helpers
// ─────────────────────────────────────────────────────────────────────────────

func scanTerm(row pgx.Row) (*term.Term, error) {
	var t term.Term
	var openedAt *time.Time

	if err := row.Scan(
		&t.ID,
		&t.Name,
		&t.StartDate,
		&t.EndDate,
		&t.IsActive,
		&openedAt,
		&t.CreatedAt,
	); err != nil {
		return nil, err
	}
	t.OpenedAt = openedAt
	return &t, nil
}

func scanActiveTerm(row pgx.Row) (term.ActiveTerm, error) {
	var a term.ActiveTerm
	var activatedAt *time.Time

	if err := row.Scan(&a.TermID, &a.Version, &activatedAt); err != nil {
		return term.ActiveTerm{}, fmt.Errorf("failed to read active term: %w", err)
	}
	if activatedAt != nil {
		a.ActivatedAt = *activatedAt
	}
	return a, nil
}
