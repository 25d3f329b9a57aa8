/*
Package postgres provides a PostgreSQL implementation of billing.TxStore.

PURPOSE:
  Production storage. Same tables and append-only contract as store/sqlite,
  with database-level concurrency control instead of a process mutex.

CONCURRENCY:
  - WithTx runs at REPEATABLE READ
  - LockEnrolment issues SELECT ... FOR UPDATE OF e
  - UpdateEnrolmentCoverage is a version compare-and-swap
  - Serialization failures (40001) and deadlocks (40P01) surface as
    billing.ConflictError so RecordPayment retries them

IDEMPOTENCY:
  UNIQUE (family_id, idempotency_key) on payments. A 23505 on that index maps
  to billing.ErrDuplicateIdempotencyKey.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/coverage-engine/billing"
)

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Store implements billing.TxStore on a pgx pool.
type Store struct {
	queries
	pool *pgxpool.Pool
}

var _ billing.TxStore = (*Store)(nil)

// New connects, pings and migrates.
func New(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &Store{queries: queries{db: pool}, pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS families (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS students (
	id TEXT PRIMARY KEY,
	family_id TEXT NOT NULL REFERENCES families(id),
	name TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_students_family ON students(family_id);

CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	price_cents BIGINT NOT NULL,
	billing_type TEXT NOT NULL,
	level_id TEXT,
	duration_weeks INT NOT NULL DEFAULT 0,
	sessions_per_week INT NOT NULL DEFAULT 0,
	block_class_count INT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS templates (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	day_of_week INT NOT NULL,
	start_minute INT NOT NULL DEFAULT 0,
	level_id TEXT
);

CREATE TABLE IF NOT EXISTS enrolments (
	id TEXT PRIMARY KEY,
	student_id TEXT NOT NULL REFERENCES students(id),
	plan_id TEXT NOT NULL DEFAULT '',
	billing_type TEXT,
	start_date DATE NOT NULL,
	end_date DATE,
	paid_through DATE,
	paid_through_baseline DATE,
	credits_remaining INT NOT NULL DEFAULT 0,
	version BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_enrolments_student ON enrolments(student_id);

CREATE TABLE IF NOT EXISTS enrolment_templates (
	enrolment_id TEXT NOT NULL REFERENCES enrolments(id),
	template_id TEXT NOT NULL REFERENCES templates(id),
	position INT NOT NULL,
	PRIMARY KEY (enrolment_id, template_id)
);

CREATE TABLE IF NOT EXISTS holidays (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	start_date DATE NOT NULL,
	end_date DATE,
	template_id TEXT,
	level_id TEXT
);

CREATE TABLE IF NOT EXISTS cancellations (
	template_id TEXT NOT NULL,
	date DATE NOT NULL,
	reason TEXT,
	PRIMARY KEY (template_id, date)
);

CREATE TABLE IF NOT EXISTS credit_events (
	seq BIGSERIAL UNIQUE,
	id TEXT PRIMARY KEY,
	enrolment_id TEXT NOT NULL REFERENCES enrolments(id),
	kind TEXT NOT NULL,
	credits_delta INT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	invoice_id TEXT,
	note TEXT
);
CREATE INDEX IF NOT EXISTS idx_credit_events_enrolment ON credit_events(enrolment_id);

CREATE TABLE IF NOT EXISTS payments (
	seq BIGSERIAL UNIQUE,
	id TEXT PRIMARY KEY,
	family_id TEXT NOT NULL,
	amount_cents BIGINT NOT NULL CHECK (amount_cents > 0),
	paid_at TIMESTAMPTZ NOT NULL,
	method TEXT NOT NULL,
	note TEXT,
	idempotency_key TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_payments_family ON payments(family_id);
CREATE UNIQUE INDEX IF NOT EXISTS uq_payments_idempotency
	ON payments(family_id, idempotency_key) WHERE idempotency_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS invoices (
	seq BIGSERIAL UNIQUE,
	id TEXT PRIMARY KEY,
	family_id TEXT NOT NULL,
	enrolment_id TEXT,
	amount_cents BIGINT NOT NULL,
	amount_paid_cents BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	issued_at TIMESTAMPTZ NOT NULL,
	coverage_start DATE,
	coverage_end DATE,
	credits_purchased INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_invoices_family ON invoices(family_id);

CREATE TABLE IF NOT EXISTS invoice_line_items (
	id TEXT PRIMARY KEY,
	invoice_id TEXT NOT NULL REFERENCES invoices(id),
	position INT NOT NULL,
	kind TEXT NOT NULL,
	description TEXT NOT NULL,
	quantity INT NOT NULL,
	unit_price_cents BIGINT NOT NULL,
	amount_cents BIGINT NOT NULL,
	enrolment_id TEXT,
	plan_id TEXT
);

CREATE TABLE IF NOT EXISTS payment_allocations (
	seq BIGSERIAL UNIQUE,
	id TEXT PRIMARY KEY,
	payment_id TEXT NOT NULL REFERENCES payments(id),
	invoice_id TEXT NOT NULL REFERENCES invoices(id),
	amount_cents BIGINT NOT NULL CHECK (amount_cents > 0)
);
CREATE INDEX IF NOT EXISTS idx_allocations_payment ON payment_allocations(payment_id);
CREATE INDEX IF NOT EXISTS idx_allocations_invoice ON payment_allocations(invoice_id);

CREATE TABLE IF NOT EXISTS coverage_audits (
	seq BIGSERIAL UNIQUE,
	id TEXT PRIMARY KEY,
	enrolment_id TEXT NOT NULL REFERENCES enrolments(id),
	payment_id TEXT,
	recorded_at TIMESTAMPTZ NOT NULL,
	paid_through DATE,
	paid_through_baseline DATE,
	holiday_shift_days INT NOT NULL DEFAULT 0,
	ledger_credits INT NOT NULL,
	cached_credits INT NOT NULL
);
`

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a REPEATABLE READ transaction.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&txStore{queries{db: tx}}); err != nil {
		return mapTxError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapTxError(fmt.Errorf("postgres: commit tx: %w", err))
	}
	return nil
}

type txStore struct {
	queries
}

// CreateInvoice writes the invoice and its line items atomically.
func (s *Store) CreateInvoice(ctx context.Context, inv billing.Invoice) error {
	return s.WithTx(ctx, func(tx billing.Store) error {
		return tx.CreateInvoice(ctx, inv)
	})
}

func mapTxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected) {
		return &billing.ConflictError{Detail: pgErr.Message}
	}
	return err
}

// =============================================================================
// QUERIES
// =============================================================================

// dbtx is satisfied by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db dbtx
}

const enrolmentSelect = `
	SELECT e.id, e.student_id, e.plan_id, COALESCE(e.billing_type, ''), e.start_date, e.end_date,
	       e.paid_through, e.paid_through_baseline, e.credits_remaining, e.version,
	       s.family_id, s.name
	FROM enrolments e JOIN students s ON s.id = e.student_id
	WHERE e.id = $1`

func (q queries) GetEnrolment(ctx context.Context, id billing.EnrolmentID) (billing.EnrolmentDetail, error) {
	return q.loadEnrolment(ctx, enrolmentSelect, id)
}

func (q queries) LockEnrolment(ctx context.Context, id billing.EnrolmentID) (billing.EnrolmentDetail, error) {
	return q.loadEnrolment(ctx, enrolmentSelect+` FOR UPDATE OF e`, id)
}

func (q queries) loadEnrolment(ctx context.Context, query string, id billing.EnrolmentID) (billing.EnrolmentDetail, error) {
	var (
		d                                 billing.EnrolmentDetail
		start, end, paidThrough, baseline pgtype.Date
	)
	e := &d.Enrolment
	err := q.db.QueryRow(ctx, query, id).Scan(&e.ID, &e.StudentID, &e.PlanID, &e.BillingType,
		&start, &end, &paidThrough, &baseline, &e.CreditsRemaining, &e.Version,
		&d.Student.FamilyID, &d.Student.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.EnrolmentDetail{}, billing.NotFound("enrolment", id)
	}
	if err != nil {
		return billing.EnrolmentDetail{}, fmt.Errorf("postgres: load enrolment: %w", err)
	}
	d.Student.ID = e.StudentID
	e.StartDate = fromDate(start)
	e.EndDate = fromDate(end)
	e.PaidThrough = fromDate(paidThrough)
	e.PaidThroughBaseline = fromDate(baseline)

	if e.PlanID != "" {
		plan, err := q.GetPlan(ctx, e.PlanID)
		if err != nil && !billing.IsNotFound(err) {
			return billing.EnrolmentDetail{}, err
		}
		d.Plan = plan
	}

	rows, err := q.db.Query(ctx, `
		SELECT t.id, t.name, t.day_of_week, t.start_minute, COALESCE(t.level_id, '')
		FROM enrolment_templates et JOIN templates t ON t.id = et.template_id
		WHERE et.enrolment_id = $1
		ORDER BY et.position`, id)
	if err != nil {
		return billing.EnrolmentDetail{}, fmt.Errorf("postgres: query templates: %w", err)
	}
	d.Templates, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.Template, error) {
		var (
			tpl     billing.Template
			weekday int
		)
		err := row.Scan(&tpl.ID, &tpl.Name, &weekday, &tpl.StartMinute, &tpl.LevelID)
		tpl.DayOfWeek = time.Weekday(weekday)
		return tpl, err
	})
	if err != nil {
		return billing.EnrolmentDetail{}, fmt.Errorf("postgres: scan templates: %w", err)
	}
	for _, tpl := range d.Templates {
		e.TemplateIDs = append(e.TemplateIDs, tpl.ID)
	}
	return d, nil
}

func (q queries) ListFamilyEnrolments(ctx context.Context, familyID billing.FamilyID) ([]billing.EnrolmentDetail, error) {
	rows, err := q.db.Query(ctx, `
		SELECT e.id FROM enrolments e JOIN students s ON s.id = e.student_id
		WHERE s.family_id = $1
		ORDER BY e.id`, familyID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list enrolments: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: scan enrolment ids: %w", err)
	}
	out := make([]billing.EnrolmentDetail, 0, len(ids))
	for _, id := range ids {
		d, err := q.GetEnrolment(ctx, billing.EnrolmentID(id))
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (q queries) GetPlan(ctx context.Context, id billing.PlanID) (billing.Plan, error) {
	var p billing.Plan
	err := q.db.QueryRow(ctx, `
		SELECT id, name, price_cents, billing_type, COALESCE(level_id, ''),
		       duration_weeks, sessions_per_week, block_class_count
		FROM plans WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.PriceCents, &p.BillingType, &p.LevelID,
			&p.DurationWeeks, &p.SessionsPerWeek, &p.BlockClassCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.Plan{}, billing.NotFound("plan", id)
	}
	if err != nil {
		return billing.Plan{}, fmt.Errorf("postgres: load plan: %w", err)
	}
	return p, nil
}

func (q queries) ListHolidays(ctx context.Context, from billing.Day) ([]billing.Holiday, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, name, start_date, end_date, COALESCE(template_id, ''), COALESCE(level_id, '')
		FROM holidays
		WHERE COALESCE(end_date, start_date) >= $1
		ORDER BY start_date, id`, toDate(from))
	if err != nil {
		return nil, fmt.Errorf("postgres: list holidays: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.Holiday, error) {
		var (
			h          billing.Holiday
			start, end pgtype.Date
		)
		err := row.Scan(&h.ID, &h.Name, &start, &end, &h.TemplateID, &h.LevelID)
		h.Start, h.End = fromDate(start), fromDate(end)
		return h, err
	})
}

func (q queries) ListCancellations(ctx context.Context, templateIDs []billing.TemplateID, from billing.Day) ([]billing.Cancellation, error) {
	ids := make([]string, len(templateIDs))
	for i, id := range templateIDs {
		ids[i] = string(id)
	}
	rows, err := q.db.Query(ctx, `
		SELECT template_id, date, COALESCE(reason, '')
		FROM cancellations
		WHERE template_id = ANY($1) AND date >= $2
		ORDER BY date, template_id`, ids, toDate(from))
	if err != nil {
		return nil, fmt.Errorf("postgres: list cancellations: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.Cancellation, error) {
		var (
			c    billing.Cancellation
			date pgtype.Date
		)
		err := row.Scan(&c.TemplateID, &date, &c.Reason)
		c.Date = fromDate(date)
		return c, err
	})
}

func (q queries) ListCreditEvents(ctx context.Context, id billing.EnrolmentID) ([]billing.CreditEvent, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, enrolment_id, kind, credits_delta, occurred_at, COALESCE(invoice_id, ''), COALESCE(note, '')
		FROM credit_events
		WHERE enrolment_id = $1
		ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: list credit events: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.CreditEvent, error) {
		var ev billing.CreditEvent
		err := row.Scan(&ev.ID, &ev.EnrolmentID, &ev.Kind, &ev.CreditsDelta, &ev.OccurredAt, &ev.InvoiceID, &ev.Note)
		return ev, err
	})
}

const paymentSelect = `
	SELECT id, family_id, amount_cents, paid_at, method, COALESCE(note, ''),
	       COALESCE(idempotency_key, ''), created_at
	FROM payments`

func scanPayment(row pgx.CollectableRow) (billing.Payment, error) {
	var p billing.Payment
	err := row.Scan(&p.ID, &p.FamilyID, &p.AmountCents, &p.PaidAt, &p.Method, &p.Note, &p.IdempotencyKey, &p.CreatedAt)
	return p, err
}

func (q queries) FindPaymentByIdempotencyKey(ctx context.Context, familyID billing.FamilyID, key string) (*billing.Payment, error) {
	rows, err := q.db.Query(ctx, paymentSelect+` WHERE family_id = $1 AND idempotency_key = $2`, familyID, key)
	if err != nil {
		return nil, fmt.Errorf("postgres: find payment: %w", err)
	}
	payments, err := pgx.CollectRows(rows, scanPayment)
	if err != nil || len(payments) == 0 {
		return nil, err
	}
	return &payments[0], nil
}

func (q queries) ListFamilyPayments(ctx context.Context, familyID billing.FamilyID) ([]billing.Payment, error) {
	rows, err := q.db.Query(ctx, paymentSelect+` WHERE family_id = $1 ORDER BY seq`, familyID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list payments: %w", err)
	}
	return pgx.CollectRows(rows, scanPayment)
}

func (q queries) ListFamilyInvoices(ctx context.Context, familyID billing.FamilyID) ([]billing.Invoice, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, family_id, COALESCE(enrolment_id, ''), amount_cents, amount_paid_cents, status,
		       issued_at, coverage_start, coverage_end, credits_purchased
		FROM invoices
		WHERE family_id = $1
		ORDER BY seq`, familyID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list invoices: %w", err)
	}
	invoices, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.Invoice, error) {
		var (
			inv        billing.Invoice
			start, end pgtype.Date
		)
		err := row.Scan(&inv.ID, &inv.FamilyID, &inv.EnrolmentID, &inv.AmountCents, &inv.AmountPaidCents, &inv.Status,
			&inv.IssuedAt, &start, &end, &inv.CreditsPurchased)
		inv.CoverageStart, inv.CoverageEnd = fromDate(start), fromDate(end)
		return inv, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan invoices: %w", err)
	}

	for i := range invoices {
		rows, err := q.db.Query(ctx, `
			SELECT id, kind, description, quantity, unit_price_cents, amount_cents,
			       COALESCE(enrolment_id, ''), COALESCE(plan_id, '')
			FROM invoice_line_items
			WHERE invoice_id = $1
			ORDER BY position`, invoices[i].ID)
		if err != nil {
			return nil, fmt.Errorf("postgres: list line items: %w", err)
		}
		invoices[i].LineItems, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.LineItem, error) {
			var li billing.LineItem
			err := row.Scan(&li.ID, &li.Kind, &li.Description, &li.Quantity, &li.UnitPriceCents, &li.AmountCents,
				&li.EnrolmentID, &li.PlanID)
			return li, err
		})
		if err != nil {
			return nil, fmt.Errorf("postgres: scan line items: %w", err)
		}
	}
	return invoices, nil
}

func scanAllocation(row pgx.CollectableRow) (billing.Allocation, error) {
	var a billing.Allocation
	err := row.Scan(&a.ID, &a.PaymentID, &a.InvoiceID, &a.AmountCents)
	return a, err
}

func (q queries) ListFamilyAllocations(ctx context.Context, familyID billing.FamilyID) ([]billing.Allocation, error) {
	rows, err := q.db.Query(ctx, `
		SELECT a.id, a.payment_id, a.invoice_id, a.amount_cents
		FROM payment_allocations a JOIN payments p ON p.id = a.payment_id
		WHERE p.family_id = $1
		ORDER BY a.seq`, familyID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list allocations: %w", err)
	}
	return pgx.CollectRows(rows, scanAllocation)
}

func (q queries) ListPaymentAllocations(ctx context.Context, paymentID billing.PaymentID) ([]billing.Allocation, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, payment_id, invoice_id, amount_cents
		FROM payment_allocations
		WHERE payment_id = $1
		ORDER BY seq`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list payment allocations: %w", err)
	}
	return pgx.CollectRows(rows, scanAllocation)
}

func (q queries) ListCoverageAudits(ctx context.Context, id billing.EnrolmentID) ([]billing.CoverageAudit, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, enrolment_id, COALESCE(payment_id, ''), recorded_at, paid_through, paid_through_baseline,
		       holiday_shift_days, ledger_credits, cached_credits
		FROM coverage_audits
		WHERE enrolment_id = $1
		ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: list coverage audits: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.CoverageAudit, error) {
		var (
			a                     billing.CoverageAudit
			paidThrough, baseline pgtype.Date
		)
		err := row.Scan(&a.ID, &a.EnrolmentID, &a.PaymentID, &a.RecordedAt, &paidThrough, &baseline,
			&a.HolidayShiftDays, &a.LedgerCredits, &a.CachedCredits)
		a.PaidThrough, a.PaidThroughBaseline = fromDate(paidThrough), fromDate(baseline)
		return a, err
	})
}

// =============================================================================
// WRITES
// =============================================================================

func (q queries) UpdateEnrolmentCoverage(ctx context.Context, u billing.CoverageUpdate) (int64, error) {
	var version int64
	err := q.db.QueryRow(ctx, `
		UPDATE enrolments
		SET plan_id = COALESCE(NULLIF($1, ''), plan_id),
		    paid_through = $2,
		    paid_through_baseline = $3,
		    version = version + 1
		WHERE id = $4 AND version = $5
		RETURNING version`,
		string(u.PlanID), toDate(u.PaidThrough), toDate(u.PaidThroughBaseline), u.EnrolmentID, u.ExpectedVersion).
		Scan(&version)
	if err == nil {
		return version, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("postgres: update coverage: %w", err)
	}

	var current int64
	err = q.db.QueryRow(ctx, `SELECT version FROM enrolments WHERE id = $1`, u.EnrolmentID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, billing.NotFound("enrolment", u.EnrolmentID)
	}
	if err != nil {
		return 0, err
	}
	return 0, &billing.ConflictError{
		EnrolmentID: u.EnrolmentID,
		Detail:      fmt.Sprintf("version %d, expected %d", current, u.ExpectedVersion),
	}
}

func (q queries) AppendCreditEvent(ctx context.Context, ev billing.CreditEvent) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO credit_events (id, enrolment_id, kind, credits_delta, occurred_at, invoice_id, note)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''))`,
		ev.ID, ev.EnrolmentID, ev.Kind, ev.CreditsDelta, ev.OccurredAt, string(ev.InvoiceID), ev.Note)
	if err != nil {
		return fmt.Errorf("postgres: append credit event: %w", err)
	}
	return nil
}

func (q queries) RefreshCreditsCache(ctx context.Context, id billing.EnrolmentID) (int, error) {
	var credits int
	err := q.db.QueryRow(ctx, `
		UPDATE enrolments
		SET credits_remaining = (
			SELECT COALESCE(SUM(credits_delta), 0) FROM credit_events WHERE enrolment_id = $1
		)
		WHERE id = $1
		RETURNING credits_remaining`, id).Scan(&credits)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, billing.NotFound("enrolment", id)
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: refresh credits: %w", err)
	}
	return credits, nil
}

func (q queries) CreatePayment(ctx context.Context, p billing.Payment) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO payments (id, family_id, amount_cents, paid_at, method, note, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)`,
		p.ID, p.FamilyID, p.AmountCents, p.PaidAt, p.Method, p.Note, p.IdempotencyKey, p.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation && pgErr.ConstraintName == "uq_payments_idempotency" {
			return billing.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("postgres: create payment: %w", err)
	}
	return nil
}

func (q queries) CreateInvoice(ctx context.Context, inv billing.Invoice) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO invoices (id, family_id, enrolment_id, amount_cents, amount_paid_cents, status,
		                      issued_at, coverage_start, coverage_end, credits_purchased)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10)`,
		inv.ID, inv.FamilyID, string(inv.EnrolmentID), inv.AmountCents, inv.AmountPaidCents, inv.Status,
		inv.IssuedAt, toDate(inv.CoverageStart), toDate(inv.CoverageEnd), inv.CreditsPurchased)
	if err != nil {
		return fmt.Errorf("postgres: create invoice: %w", err)
	}
	for i, li := range inv.LineItems {
		_, err := q.db.Exec(ctx, `
			INSERT INTO invoice_line_items (id, invoice_id, position, kind, description, quantity,
			                                unit_price_cents, amount_cents, enrolment_id, plan_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''))`,
			li.ID, inv.ID, i, li.Kind, li.Description, li.Quantity, li.UnitPriceCents, li.AmountCents,
			string(li.EnrolmentID), string(li.PlanID))
		if err != nil {
			return fmt.Errorf("postgres: create line item: %w", err)
		}
	}
	return nil
}

func (q queries) CreateAllocation(ctx context.Context, a billing.Allocation) error {
	var paymentCents, invoiceCents, fromPayment, intoInvoice int64
	err := q.db.QueryRow(ctx, `SELECT amount_cents FROM payments WHERE id = $1 FOR UPDATE`, a.PaymentID).Scan(&paymentCents)
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.NotFound("payment", a.PaymentID)
	}
	if err != nil {
		return err
	}
	err = q.db.QueryRow(ctx, `SELECT amount_cents FROM invoices WHERE id = $1 FOR UPDATE`, a.InvoiceID).Scan(&invoiceCents)
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.NotFound("invoice", a.InvoiceID)
	}
	if err != nil {
		return err
	}
	if err := q.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_cents) FILTER (WHERE payment_id = $1), 0),
		       COALESCE(SUM(amount_cents) FILTER (WHERE invoice_id = $2), 0)
		FROM payment_allocations
		WHERE payment_id = $1 OR invoice_id = $2`, a.PaymentID, a.InvoiceID).
		Scan(&fromPayment, &intoInvoice); err != nil {
		return err
	}
	if err := billing.CheckAllocation(a, paymentCents, fromPayment, invoiceCents, intoInvoice); err != nil {
		return err
	}

	_, err = q.db.Exec(ctx, `
		INSERT INTO payment_allocations (id, payment_id, invoice_id, amount_cents)
		VALUES ($1, $2, $3, $4)`, a.ID, a.PaymentID, a.InvoiceID, a.AmountCents)
	if err != nil {
		return fmt.Errorf("postgres: create allocation: %w", err)
	}
	return nil
}

func (q queries) AppendCoverageAudit(ctx context.Context, a billing.CoverageAudit) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO coverage_audits (id, enrolment_id, payment_id, recorded_at, paid_through, paid_through_baseline,
		                             holiday_shift_days, ledger_credits, cached_credits)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9)`,
		a.ID, a.EnrolmentID, string(a.PaymentID), a.RecordedAt, toDate(a.PaidThrough), toDate(a.PaidThroughBaseline),
		a.HolidayShiftDays, a.LedgerCredits, a.CachedCredits)
	if err != nil {
		return fmt.Errorf("postgres: append coverage audit: %w", err)
	}
	return nil
}

// =============================================================================
// SEEDING
// =============================================================================

func (s *Store) SaveFamily(ctx context.Context, f billing.Family) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO families (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`, f.ID, f.Name)
	return err
}

func (s *Store) SaveStudent(ctx context.Context, st billing.Student) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO students (id, family_id, name) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET family_id = EXCLUDED.family_id, name = EXCLUDED.name`,
		st.ID, st.FamilyID, st.Name)
	return err
}

func (s *Store) SavePlan(ctx context.Context, p billing.Plan) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO plans (id, name, price_cents, billing_type, level_id, duration_weeks, sessions_per_week, block_class_count)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			price_cents = EXCLUDED.price_cents,
			billing_type = EXCLUDED.billing_type,
			level_id = EXCLUDED.level_id,
			duration_weeks = EXCLUDED.duration_weeks,
			sessions_per_week = EXCLUDED.sessions_per_week,
			block_class_count = EXCLUDED.block_class_count`,
		p.ID, p.Name, p.PriceCents, p.BillingType, p.LevelID, p.DurationWeeks, p.SessionsPerWeek, p.BlockClassCount)
	return err
}

func (s *Store) SaveTemplate(ctx context.Context, t billing.Template) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO templates (id, name, day_of_week, start_minute, level_id)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			day_of_week = EXCLUDED.day_of_week,
			start_minute = EXCLUDED.start_minute,
			level_id = EXCLUDED.level_id`,
		t.ID, t.Name, int(t.DayOfWeek), t.StartMinute, t.LevelID)
	return err
}

func (s *Store) SaveEnrolment(ctx context.Context, e billing.Enrolment) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO enrolments (id, student_id, plan_id, billing_type, start_date, end_date,
			                        paid_through, paid_through_baseline, version)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				student_id = EXCLUDED.student_id,
				plan_id = EXCLUDED.plan_id,
				billing_type = EXCLUDED.billing_type,
				start_date = EXCLUDED.start_date,
				end_date = EXCLUDED.end_date,
				paid_through = EXCLUDED.paid_through,
				paid_through_baseline = EXCLUDED.paid_through_baseline,
				version = EXCLUDED.version`,
			e.ID, e.StudentID, e.PlanID, string(e.BillingType), toDate(e.StartDate), toDate(e.EndDate),
			toDate(e.PaidThrough), toDate(e.PaidThroughBaseline), e.Version)
		if err != nil {
			return fmt.Errorf("postgres: save enrolment: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM enrolment_templates WHERE enrolment_id = $1`, e.ID); err != nil {
			return err
		}
		for i, id := range e.TemplateIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO enrolment_templates (enrolment_id, template_id, position) VALUES ($1, $2, $3)`,
				e.ID, id, i); err != nil {
				return fmt.Errorf("postgres: link template %s: %w", id, err)
			}
		}
		_, err = queries{db: tx}.RefreshCreditsCache(ctx, e.ID)
		return err
	})
}

func (s *Store) SaveHoliday(ctx context.Context, h billing.Holiday) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO holidays (id, name, start_date, end_date, template_id, level_id)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''))
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			template_id = EXCLUDED.template_id,
			level_id = EXCLUDED.level_id`,
		h.ID, h.Name, toDate(h.Start), toDate(h.End), string(h.TemplateID), h.LevelID)
	return err
}

func (s *Store) SaveCancellation(ctx context.Context, c billing.Cancellation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cancellations (template_id, date, reason) VALUES ($1, $2, NULLIF($3, ''))
		ON CONFLICT (template_id, date) DO UPDATE SET reason = EXCLUDED.reason`,
		c.TemplateID, toDate(c.Date), c.Reason)
	return err
}

func (s *Store) SaveInvoice(ctx context.Context, inv billing.Invoice) error {
	return s.CreateInvoice(ctx, inv)
}

func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		TRUNCATE coverage_audits, payment_allocations, invoice_line_items, invoices, payments,
		         credit_events, cancellations, holidays, enrolment_templates, enrolments,
		         templates, plans, students, families`)
	return err
}

// Helper functions

func toDate(d billing.Day) pgtype.Date {
	if d.IsZero() {
		return pgtype.Date{}
	}
	return pgtype.Date{Time: d.Date(), Valid: true}
}

func fromDate(d pgtype.Date) billing.Day {
	if !d.Valid {
		return billing.Day{}
	}
	return billing.DayFromDate(d.Time)
}
