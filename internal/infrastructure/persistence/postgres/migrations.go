package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrMigrationFailed wraps any failure while applying the schema.
var ErrMigrationFailed = errors.New("postgres: migration failed")

// Migration is one forward-only schema step.
type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

// GetMigrations lists the schema steps in the order they must run.
func GetMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_terms_and_catalog", UpSQL: migration001Up},
		{Version: 2, Name: "create_students", UpSQL: migration002Up},
		{Version: 3, Name: "create_ledger", UpSQL: migration003Up},
		{Version: 4, Name: "billing_frozen_flag", UpSQL: migration004Up},
	}
}

// Migrator applies pending migrations and records them in schema_migrations.
// Each step runs in its own transaction together with its bookkeeping row.
type Migrator struct {
	conn       *Connection
	migrations []Migration
}

func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{conn: conn, migrations: GetMigrations()}
}

// Migrate is safe to call from every instance at startup: an advisory lock
// keeps two processes from applying the same step.
func (m *Migrator) Migrate(ctx context.Context) error {
	if _, err := m.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("%w: create schema_migrations: %v", ErrMigrationFailed, err)
	}

	for _, mig := range m.migrations {
		err := m.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('fee_ledger_migrations'))`); err != nil {
				return err
			}
			var applied bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, mig.Version,
			).Scan(&applied); err != nil {
				return err
			}
			if applied {
				return nil
			}
			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: %03d_%s: %v", ErrMigrationFailed, mig.Version, mig.Name, err)
		}
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: TERMS, ACTIVE TERM, CATALOG, FEE SCHEDULE
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
-- Migration: Create terms, the active-term singleton, grades, destinations and the fee schedule
-- Version: 001

CREATE TABLE IF NOT EXISTS terms (
    id UUID PRIMARY KEY,
    name VARCHAR(100) NOT NULL,
    start_date DATE NOT NULL,
    end_date DATE NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT FALSE,
    opened_at TIMESTAMP WITH TIME ZONE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_term_window CHECK (end_date >= start_date)
);

-- At most one term carries the active flag
CREATE UNIQUE INDEX IF NOT EXISTS idx_terms_single_active ON terms(is_active) WHERE is_active;
CREATE INDEX IF NOT EXISTS idx_terms_start_date ON terms(start_date);

-- Singleton row; version increases on every activation and guards payment commits
CREATE TABLE IF NOT EXISTS active_term (
    id SMALLINT PRIMARY KEY DEFAULT 1,
    term_id UUID REFERENCES terms(id),
    version BIGINT NOT NULL DEFAULT 0,
    activated_at TIMESTAMP WITH TIME ZONE,

    CONSTRAINT single_row CHECK (id = 1)
);

INSERT INTO active_term (id, version) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;

CREATE TABLE IF NOT EXISTS grades (
    id UUID PRIMARY KEY,
    name VARCHAR(50) NOT NULL,
    level INTEGER NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_level CHECK (level >= 0)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_grades_name ON grades(LOWER(name));
CREATE UNIQUE INDEX IF NOT EXISTS idx_grades_level ON grades(level);

CREATE TABLE IF NOT EXISTS destinations (
    id UUID PRIMARY KEY,
    name VARCHAR(100) NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_destinations_name ON destinations(LOWER(name));

-- ref_id is the grade (tuition), the destination (bus) or empty (boarding)
CREATE TABLE IF NOT EXISTS fee_schedule (
    kind VARCHAR(16) NOT NULL,
    ref_id VARCHAR(64) NOT NULL DEFAULT '',
    term_id UUID NOT NULL REFERENCES terms(id),
    amount NUMERIC(14,2) NOT NULL,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (kind, ref_id, term_id),
    CONSTRAINT valid_kind CHECK (kind IN ('tuition', 'bus', 'boarding')),
    CONSTRAINT valid_amount CHECK (amount >= 0)
);

CREATE INDEX IF NOT EXISTS idx_fee_schedule_term ON fee_schedule(term_id);
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: STUDENTS
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
-- Migration: Create students with the materialized balance view
-- Version: 002

CREATE TABLE IF NOT EXISTS students (
    id UUID PRIMARY KEY,
    name VARCHAR(150) NOT NULL,
    admission_number VARCHAR(32) NOT NULL,
    grade_id UUID NOT NULL REFERENCES grades(id),
    phone VARCHAR(32) NOT NULL DEFAULT '',
    uses_bus BOOLEAN NOT NULL DEFAULT FALSE,
    destination_id UUID REFERENCES destinations(id),
    is_boarding BOOLEAN NOT NULL DEFAULT FALSE,
    opening_arrears NUMERIC(14,2) NOT NULL DEFAULT 0,
    first_term_id UUID REFERENCES terms(id),
    status VARCHAR(20) NOT NULL DEFAULT 'active',
    enrolled_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    version BIGINT NOT NULL DEFAULT 1,

    -- Materialized view; written only by ledger commits
    balance_term_id UUID REFERENCES terms(id),
    tuition_balance NUMERIC(14,2) NOT NULL DEFAULT 0,
    bus_balance NUMERIC(14,2) NOT NULL DEFAULT 0,
    arrears NUMERIC(14,2) NOT NULL DEFAULT 0,
    credit NUMERIC(14,2) NOT NULL DEFAULT 0,
    balances_computed_at TIMESTAMP WITH TIME ZONE,

    CONSTRAINT valid_status CHECK (status IN ('active', 'inactive')),
    CONSTRAINT bus_needs_destination CHECK (NOT uses_bus OR destination_id IS NOT NULL),
    CONSTRAINT valid_opening_arrears CHECK (opening_arrears >= 0)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_students_admission_number ON students(admission_number);
CREATE INDEX IF NOT EXISTS idx_students_grade ON students(grade_id);
CREATE INDEX IF NOT EXISTS idx_students_destination ON students(destination_id) WHERE destination_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_students_status ON students(status);
CREATE INDEX IF NOT EXISTS idx_students_debt ON students(admission_number)
    WHERE tuition_balance <> 0 OR bus_balance <> 0;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: LEDGER
// ══════════════════════════════════════════════════════════════════════════════

const migration003Up = `
-- Migration: Create the payment ledger and frozen billing bases
-- Version: 003

-- Basis a student was billed on for a term; fixed by the first payment
-- committed while the term is billable
CREATE TABLE IF NOT EXISTS term_billings (
    student_id UUID NOT NULL REFERENCES students(id) ON DELETE CASCADE,
    term_id UUID NOT NULL REFERENCES terms(id),
    grade_id UUID NOT NULL REFERENCES grades(id),
    destination_id UUID REFERENCES destinations(id),
    is_boarding BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (student_id, term_id)
);

CREATE INDEX IF NOT EXISTS idx_term_billings_term_grade ON term_billings(term_id, grade_id);
CREATE INDEX IF NOT EXISTS idx_term_billings_term_destination ON term_billings(term_id, destination_id)
    WHERE destination_id IS NOT NULL;

-- Append-only; corrections are compensating reversal rows
CREATE TABLE IF NOT EXISTS payments (
    id UUID PRIMARY KEY,
    student_id UUID NOT NULL REFERENCES students(id),
    term_id UUID NOT NULL REFERENCES terms(id),
    amount NUMERIC(14,2) NOT NULL,
    method VARCHAR(20) NOT NULL,
    paid_at TIMESTAMP WITH TIME ZONE NOT NULL,
    recorded_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    description TEXT NOT NULL DEFAULT '',
    kind VARCHAR(16) NOT NULL DEFAULT 'payment',
    reverses_id UUID REFERENCES payments(id),
    idempotency_key VARCHAR(128),

    arrears_applied NUMERIC(14,2) NOT NULL DEFAULT 0,
    tuition_applied NUMERIC(14,2) NOT NULL DEFAULT 0,
    bus_applied NUMERIC(14,2) NOT NULL DEFAULT 0,
    credit_applied NUMERIC(14,2) NOT NULL DEFAULT 0,

    balance_after JSONB NOT NULL DEFAULT '{}'::jsonb,

    CONSTRAINT valid_kind CHECK (kind IN ('payment', 'reversal')),
    CONSTRAINT valid_method CHECK (method IN ('cash', 'mobile-money', 'bank-transfer')),
    CONSTRAINT payment_positive CHECK (kind = 'reversal' OR amount > 0),
    CONSTRAINT reversal_has_target CHECK ((kind = 'reversal') = (reverses_id IS NOT NULL)),
    CONSTRAINT allocation_sums CHECK (
        arrears_applied + tuition_applied + bus_applied + credit_applied = amount
    )
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_reverses_id ON payments(reverses_id) WHERE reverses_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_idempotency_key ON payments(idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_payments_student_paid ON payments(student_id, paid_at, recorded_at);
CREATE INDEX IF NOT EXISTS idx_payments_student_term ON payments(student_id, term_id);
CREATE INDEX IF NOT EXISTS idx_payments_paid_at ON payments(paid_at);
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 004: PINNED BILLINGS
// ══════════════════════════════════════════════════════════════════════════════

const migration004Up = `
-- Migration: Billing bases pinned without a payment
-- Version: 004

-- Bases of past terms are pinned before an enrollment change; only a
-- payment freezes the fee entries behind them. Existing rows all came
-- with a payment.
ALTER TABLE term_billings ADD COLUMN IF NOT EXISTS frozen BOOLEAN NOT NULL DEFAULT FALSE;
UPDATE term_billings SET frozen = TRUE WHERE NOT frozen;

CREATE INDEX IF NOT EXISTS idx_term_billings_frozen ON term_billings(term_id) WHERE frozen;
`
