/*
Package sqlite provides a SQLite-backed implementation of billing.TxStore.

PURPOSE:
  Persists families, enrolments, the credit ledger, payments, receipt
  invoices, allocations and coverage audits. The same patterns apply to
  PostgreSQL (see store/postgres) with minor dialect differences.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE on credit_events, payments, invoices,
    invoice_line_items, payment_allocations, coverage_audits
  - The only UPDATEs touch enrolments' coverage columns:
    paid_through / paid_through_baseline / plan_id guarded by version,
    credits_remaining recomputed from SUM(credit_events)

KEY TABLES:
  enrolments:          One mutable row per subscription (version CAS)
  credit_events:       Immutable PER_CLASS ledger
  payments:            Family cash receipts, UNIQUE(family_id, idempotency_key)
  invoices:            Receipts and externally issued bills
  payment_allocations: Payment -> invoice links
  coverage_audits:     Post-payment snapshots

CONCURRENCY:
  A sync.RWMutex serializes writers and WithTx. The pool is a single
  connection so ":memory:" databases are shared by every call.

USAGE:
  store, err := sqlite.New("./data/coverage.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  payments := billing.NewPaymentService(store, cal)

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/coverage-engine/billing"
)

// Store implements billing.TxStore using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.RWMutex
}

var _ billing.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{db: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
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
		price_cents INTEGER NOT NULL,
		billing_type TEXT NOT NULL,
		level_id TEXT,
		duration_weeks INTEGER NOT NULL DEFAULT 0,
		sessions_per_week INTEGER NOT NULL DEFAULT 0,
		block_class_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		day_of_week INTEGER NOT NULL,
		start_minute INTEGER NOT NULL DEFAULT 0,
		level_id TEXT
	);

	-- Enrolments (the one mutable row; coverage columns only)
	CREATE TABLE IF NOT EXISTS enrolments (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES students(id),
		plan_id TEXT NOT NULL DEFAULT '',
		billing_type TEXT,
		start_date TEXT NOT NULL,
		end_date TEXT,
		paid_through TEXT,
		paid_through_baseline TEXT,
		credits_remaining INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_enrolments_student ON enrolments(student_id);

	CREATE TABLE IF NOT EXISTS enrolment_templates (
		enrolment_id TEXT NOT NULL REFERENCES enrolments(id),
		template_id TEXT NOT NULL REFERENCES templates(id),
		position INTEGER NOT NULL,
		PRIMARY KEY (enrolment_id, template_id)
	);

	CREATE TABLE IF NOT EXISTS holidays (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		start_date TEXT NOT NULL,
		end_date TEXT,
		template_id TEXT,
		level_id TEXT
	);

	CREATE TABLE IF NOT EXISTS cancellations (
		template_id TEXT NOT NULL,
		date TEXT NOT NULL,
		reason TEXT,
		PRIMARY KEY (template_id, date)
	);

	-- Credit ledger (append-only)
	CREATE TABLE IF NOT EXISTS credit_events (
		id TEXT PRIMARY KEY,
		enrolment_id TEXT NOT NULL REFERENCES enrolments(id),
		kind TEXT NOT NULL,
		credits_delta INTEGER NOT NULL,
		occurred_at TEXT NOT NULL,
		invoice_id TEXT,
		note TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_credit_events_enrolment ON credit_events(enrolment_id);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		family_id TEXT NOT NULL,
		amount_cents INTEGER NOT NULL CHECK (amount_cents > 0),
		paid_at TEXT NOT NULL,
		method TEXT NOT NULL,
		note TEXT,
		idempotency_key TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payments_family ON payments(family_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_idempotency
		ON payments(family_id, idempotency_key) WHERE idempotency_key IS NOT NULL;

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		family_id TEXT NOT NULL,
		enrolment_id TEXT,
		amount_cents INTEGER NOT NULL,
		amount_paid_cents INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		coverage_start TEXT,
		coverage_end TEXT,
		credits_purchased INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_invoices_family ON invoices(family_id);

	CREATE TABLE IF NOT EXISTS invoice_line_items (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		position INTEGER NOT NULL,
		kind TEXT NOT NULL,
		description TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		unit_price_cents INTEGER NOT NULL,
		amount_cents INTEGER NOT NULL,
		enrolment_id TEXT,
		plan_id TEXT
	);

	CREATE TABLE IF NOT EXISTS payment_allocations (
		id TEXT PRIMARY KEY,
		payment_id TEXT NOT NULL REFERENCES payments(id),
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		amount_cents INTEGER NOT NULL CHECK (amount_cents > 0)
	);
	CREATE INDEX IF NOT EXISTS idx_allocations_payment ON payment_allocations(payment_id);
	CREATE INDEX IF NOT EXISTS idx_allocations_invoice ON payment_allocations(invoice_id);

	CREATE TABLE IF NOT EXISTS coverage_audits (
		id TEXT PRIMARY KEY,
		enrolment_id TEXT NOT NULL REFERENCES enrolments(id),
		payment_id TEXT,
		recorded_at TEXT NOT NULL,
		paid_through TEXT,
		paid_through_baseline TEXT,
		holiday_shift_days INTEGER NOT NULL DEFAULT 0,
		ledger_credits INTEGER NOT NULL,
		cached_credits INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries{db: sqlTx}}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every query on the open transaction.
type txStore struct {
	queries
}

// Writes outside WithTx take the writer lock.

func (s *Store) LockEnrolment(ctx context.Context, id billing.EnrolmentID) (billing.EnrolmentDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries.LockEnrolment(ctx, id)
}

func (s *Store) UpdateEnrolmentCoverage(ctx context.Context, u billing.CoverageUpdate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.UpdateEnrolmentCoverage(ctx, u)
}

func (s *Store) AppendCreditEvent(ctx context.Context, ev billing.CreditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.AppendCreditEvent(ctx, ev)
}

func (s *Store) RefreshCreditsCache(ctx context.Context, id billing.EnrolmentID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.RefreshCreditsCache(ctx, id)
}

func (s *Store) CreatePayment(ctx context.Context, p billing.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.CreatePayment(ctx, p)
}

func (s *Store) CreateInvoice(ctx context.Context, inv billing.Invoice) error {
	return s.WithTx(ctx, func(tx billing.Store) error {
		return tx.CreateInvoice(ctx, inv)
	})
}

func (s *Store) CreateAllocation(ctx context.Context, a billing.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.CreateAllocation(ctx, a)
}

func (s *Store) AppendCoverageAudit(ctx context.Context, a billing.CoverageAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.AppendCoverageAudit(ctx, a)
}

// =============================================================================
// QUERIES (shared by Store and txStore)
// =============================================================================

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries never holds a *sql.Rows open while issuing another statement; the
// pool has a single connection.
type queries struct {
	db dbtx
}

const enrolmentColumns = `
	e.id, e.student_id, e.plan_id, e.billing_type, e.start_date, e.end_date,
	e.paid_through, e.paid_through_baseline, e.credits_remaining, e.version,
	s.family_id, s.name`

func (q queries) GetEnrolment(ctx context.Context, id billing.EnrolmentID) (billing.EnrolmentDetail, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+enrolmentColumns+`
		FROM enrolments e JOIN students s ON s.id = e.student_id
		WHERE e.id = ?`, id)

	var (
		d                                billing.EnrolmentDetail
		billingType, endDate             sql.NullString
		startDate, paidThrough, baseline sql.NullString
	)
	e := &d.Enrolment
	err := row.Scan(&e.ID, &e.StudentID, &e.PlanID, &billingType, &startDate, &endDate,
		&paidThrough, &baseline, &e.CreditsRemaining, &e.Version,
		&d.Student.FamilyID, &d.Student.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.EnrolmentDetail{}, billing.NotFound("enrolment", id)
	}
	if err != nil {
		return billing.EnrolmentDetail{}, fmt.Errorf("failed to load enrolment: %w", err)
	}
	d.Student.ID = e.StudentID
	e.BillingType = billing.BillingType(billingType.String)
	if e.StartDate, err = parseDay(startDate); err != nil {
		return billing.EnrolmentDetail{}, err
	}
	if e.EndDate, err = parseDay(endDate); err != nil {
		return billing.EnrolmentDetail{}, err
	}
	if e.PaidThrough, err = parseDay(paidThrough); err != nil {
		return billing.EnrolmentDetail{}, err
	}
	if e.PaidThroughBaseline, err = parseDay(baseline); err != nil {
		return billing.EnrolmentDetail{}, err
	}

	if e.PlanID != "" {
		plan, err := q.GetPlan(ctx, e.PlanID)
		if err != nil && !billing.IsNotFound(err) {
			return billing.EnrolmentDetail{}, err
		}
		d.Plan = plan
	}

	if d.Templates, err = q.enrolmentTemplates(ctx, id); err != nil {
		return billing.EnrolmentDetail{}, err
	}
	for _, tpl := range d.Templates {
		e.TemplateIDs = append(e.TemplateIDs, tpl.ID)
	}
	return d, nil
}

// LockEnrolment relies on WithTx serialization; SQLite has no row locks.
func (q queries) LockEnrolment(ctx context.Context, id billing.EnrolmentID) (billing.EnrolmentDetail, error) {
	return q.GetEnrolment(ctx, id)
}

func (q queries) enrolmentTemplates(ctx context.Context, id billing.EnrolmentID) ([]billing.Template, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.day_of_week, t.start_minute, t.level_id
		FROM enrolment_templates et JOIN templates t ON t.id = et.template_id
		WHERE et.enrolment_id = ?
		ORDER BY et.position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	var templates []billing.Template
	for rows.Next() {
		var (
			tpl     billing.Template
			weekday int
			level   sql.NullString
		)
		if err := rows.Scan(&tpl.ID, &tpl.Name, &weekday, &tpl.StartMinute, &level); err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		tpl.DayOfWeek = time.Weekday(weekday)
		tpl.LevelID = level.String
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}

func (q queries) ListFamilyEnrolments(ctx context.Context, familyID billing.FamilyID) ([]billing.EnrolmentDetail, error) {
	ids, err := q.stringColumn(ctx, `
		SELECT e.id FROM enrolments e JOIN students s ON s.id = e.student_id
		WHERE s.family_id = ?
		ORDER BY e.id`, familyID)
	if err != nil {
		return nil, err
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

func (q queries) stringColumn(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (q queries) GetPlan(ctx context.Context, id billing.PlanID) (billing.Plan, error) {
	var (
		p     billing.Plan
		level sql.NullString
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT id, name, price_cents, billing_type, level_id, duration_weeks, sessions_per_week, block_class_count
		FROM plans WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.PriceCents, &p.BillingType, &level, &p.DurationWeeks, &p.SessionsPerWeek, &p.BlockClassCount)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Plan{}, billing.NotFound("plan", id)
	}
	if err != nil {
		return billing.Plan{}, fmt.Errorf("failed to load plan: %w", err)
	}
	p.LevelID = level.String
	return p, nil
}

func (q queries) ListHolidays(ctx context.Context, from billing.Day) ([]billing.Holiday, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, name, start_date, end_date, template_id, level_id
		FROM holidays
		WHERE COALESCE(end_date, start_date) >= ?
		ORDER BY start_date, id`, from.Key())
	if err != nil {
		return nil, fmt.Errorf("failed to query holidays: %w", err)
	}
	defer rows.Close()

	var holidays []billing.Holiday
	for rows.Next() {
		var (
			h                        billing.Holiday
			start                    string
			end, templateID, levelID sql.NullString
		)
		if err := rows.Scan(&h.ID, &h.Name, &start, &end, &templateID, &levelID); err != nil {
			return nil, fmt.Errorf("failed to scan holiday: %w", err)
		}
		if h.Start, err = billing.ParseDay(start); err != nil {
			return nil, err
		}
		if h.End, err = parseDay(end); err != nil {
			return nil, err
		}
		h.TemplateID = billing.TemplateID(templateID.String)
		h.LevelID = levelID.String
		holidays = append(holidays, h)
	}
	return holidays, rows.Err()
}

func (q queries) ListCancellations(ctx context.Context, templateIDs []billing.TemplateID, from billing.Day) ([]billing.Cancellation, error) {
	var out []billing.Cancellation
	for _, id := range templateIDs {
		rows, err := q.db.QueryContext(ctx, `
			SELECT template_id, date, reason FROM cancellations
			WHERE template_id = ? AND date >= ?
			ORDER BY date`, id, from.Key())
		if err != nil {
			return nil, fmt.Errorf("failed to query cancellations: %w", err)
		}
		for rows.Next() {
			var (
				c      billing.Cancellation
				date   string
				reason sql.NullString
			)
			if err := rows.Scan(&c.TemplateID, &date, &reason); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan cancellation: %w", err)
			}
			if c.Date, err = billing.ParseDay(date); err != nil {
				rows.Close()
				return nil, err
			}
			c.Reason = reason.String
			out = append(out, c)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (q queries) ListCreditEvents(ctx context.Context, id billing.EnrolmentID) ([]billing.CreditEvent, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, enrolment_id, kind, credits_delta, occurred_at, invoice_id, note
		FROM credit_events
		WHERE enrolment_id = ?
		ORDER BY rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query credit events: %w", err)
	}
	defer rows.Close()

	var events []billing.CreditEvent
	for rows.Next() {
		var (
			ev              billing.CreditEvent
			occurredAt      string
			invoiceID, note sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.EnrolmentID, &ev.Kind, &ev.CreditsDelta, &occurredAt, &invoiceID, &note); err != nil {
			return nil, fmt.Errorf("failed to scan credit event: %w", err)
		}
		if ev.OccurredAt, err = parseTime("occurred_at", occurredAt); err != nil {
			return nil, err
		}
		ev.InvoiceID = billing.InvoiceID(invoiceID.String)
		ev.Note = note.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

const paymentColumns = `id, family_id, amount_cents, paid_at, method, note, idempotency_key, created_at`

func (q queries) FindPaymentByIdempotencyKey(ctx context.Context, familyID billing.FamilyID, key string) (*billing.Payment, error) {
	payments, err := q.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE family_id = ? AND idempotency_key = ?`, familyID, key)
	if err != nil || len(payments) == 0 {
		return nil, err
	}
	return &payments[0], nil
}

func (q queries) ListFamilyPayments(ctx context.Context, familyID billing.FamilyID) ([]billing.Payment, error) {
	return q.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE family_id = ?
		ORDER BY rowid`, familyID)
}

func (q queries) queryPayments(ctx context.Context, query string, args ...any) ([]billing.Payment, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []billing.Payment
	for rows.Next() {
		var (
			p                 billing.Payment
			paidAt, createdAt string
			note, key         sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.FamilyID, &p.AmountCents, &paidAt, &p.Method, &note, &key, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		if p.PaidAt, err = parseTime("paid_at", paidAt); err != nil {
			return nil, err
		}
		if p.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		p.Note = note.String
		p.IdempotencyKey = key.String
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (q queries) ListFamilyInvoices(ctx context.Context, familyID billing.FamilyID) ([]billing.Invoice, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, family_id, enrolment_id, amount_cents, amount_paid_cents, status,
		       issued_at, coverage_start, coverage_end, credits_purchased
		FROM invoices
		WHERE family_id = ?
		ORDER BY rowid`, familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}

	var invoices []billing.Invoice
	for rows.Next() {
		var (
			inv                  billing.Invoice
			enrolmentID          sql.NullString
			issuedAt             string
			coverStart, coverEnd sql.NullString
		)
		if err := rows.Scan(&inv.ID, &inv.FamilyID, &enrolmentID, &inv.AmountCents, &inv.AmountPaidCents, &inv.Status,
			&issuedAt, &coverStart, &coverEnd, &inv.CreditsPurchased); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		inv.EnrolmentID = billing.EnrolmentID(enrolmentID.String)
		if inv.IssuedAt, err = parseTime("issued_at", issuedAt); err != nil {
			rows.Close()
			return nil, err
		}
		if inv.CoverageStart, err = parseDay(coverStart); err != nil {
			rows.Close()
			return nil, err
		}
		if inv.CoverageEnd, err = parseDay(coverEnd); err != nil {
			rows.Close()
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	for i := range invoices {
		if invoices[i].LineItems, err = q.lineItems(ctx, invoices[i].ID); err != nil {
			return nil, err
		}
	}
	return invoices, nil
}

func (q queries) lineItems(ctx context.Context, id billing.InvoiceID) ([]billing.LineItem, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, kind, description, quantity, unit_price_cents, amount_cents, enrolment_id, plan_id
		FROM invoice_line_items
		WHERE invoice_id = ?
		ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query line items: %w", err)
	}
	defer rows.Close()

	var items []billing.LineItem
	for rows.Next() {
		var (
			li                  billing.LineItem
			enrolmentID, planID sql.NullString
		)
		if err := rows.Scan(&li.ID, &li.Kind, &li.Description, &li.Quantity, &li.UnitPriceCents, &li.AmountCents, &enrolmentID, &planID); err != nil {
			return nil, fmt.Errorf("failed to scan line item: %w", err)
		}
		li.EnrolmentID = billing.EnrolmentID(enrolmentID.String)
		li.PlanID = billing.PlanID(planID.String)
		items = append(items, li)
	}
	return items, rows.Err()
}

func (q queries) ListFamilyAllocations(ctx context.Context, familyID billing.FamilyID) ([]billing.Allocation, error) {
	return q.queryAllocations(ctx, `
		SELECT a.id, a.payment_id, a.invoice_id, a.amount_cents
		FROM payment_allocations a JOIN payments p ON p.id = a.payment_id
		WHERE p.family_id = ?
		ORDER BY a.rowid`, familyID)
}

func (q queries) ListPaymentAllocations(ctx context.Context, paymentID billing.PaymentID) ([]billing.Allocation, error) {
	return q.queryAllocations(ctx, `
		SELECT id, payment_id, invoice_id, amount_cents
		FROM payment_allocations
		WHERE payment_id = ?
		ORDER BY rowid`, paymentID)
}

func (q queries) queryAllocations(ctx context.Context, query string, args ...any) ([]billing.Allocation, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var out []billing.Allocation
	for rows.Next() {
		var a billing.Allocation
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.InvoiceID, &a.AmountCents); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (q queries) ListCoverageAudits(ctx context.Context, id billing.EnrolmentID) ([]billing.CoverageAudit, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, enrolment_id, payment_id, recorded_at, paid_through, paid_through_baseline,
		       holiday_shift_days, ledger_credits, cached_credits
		FROM coverage_audits
		WHERE enrolment_id = ?
		ORDER BY rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query coverage audits: %w", err)
	}
	defer rows.Close()

	var audits []billing.CoverageAudit
	for rows.Next() {
		var (
			a                                billing.CoverageAudit
			paymentID, paidThrough, baseline sql.NullString
			recordedAt                       string
		)
		if err := rows.Scan(&a.ID, &a.EnrolmentID, &paymentID, &recordedAt, &paidThrough, &baseline,
			&a.HolidayShiftDays, &a.LedgerCredits, &a.CachedCredits); err != nil {
			return nil, fmt.Errorf("failed to scan coverage audit: %w", err)
		}
		a.PaymentID = billing.PaymentID(paymentID.String)
		if a.RecordedAt, err = parseTime("recorded_at", recordedAt); err != nil {
			return nil, err
		}
		if a.PaidThrough, err = parseDay(paidThrough); err != nil {
			return nil, err
		}
		if a.PaidThroughBaseline, err = parseDay(baseline); err != nil {
			return nil, err
		}
		audits = append(audits, a)
	}
	return audits, rows.Err()
}

// =============================================================================
// WRITES
// =============================================================================

func (q queries) UpdateEnrolmentCoverage(ctx context.Context, u billing.CoverageUpdate) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE enrolments
		SET plan_id = COALESCE(NULLIF(?, ''), plan_id),
		    paid_through = ?,
		    paid_through_baseline = ?,
		    version = version + 1
		WHERE id = ? AND version = ?`,
		u.PlanID, dayArg(u.PaidThrough), dayArg(u.PaidThroughBaseline), u.EnrolmentID, u.ExpectedVersion)
	if err != nil {
		return 0, fmt.Errorf("failed to update coverage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		return u.ExpectedVersion + 1, nil
	}

	var current int64
	err = q.db.QueryRowContext(ctx, `SELECT version FROM enrolments WHERE id = ?`, u.EnrolmentID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
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
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO credit_events (id, enrolment_id, kind, credits_delta, occurred_at, invoice_id, note)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.EnrolmentID, ev.Kind, ev.CreditsDelta, timeArg(ev.OccurredAt),
		nullString(string(ev.InvoiceID)), nullString(ev.Note))
	if isForeignKeyError(err) {
		return billing.NotFound("enrolment", ev.EnrolmentID)
	}
	if err != nil {
		return fmt.Errorf("failed to append credit event: %w", err)
	}
	return nil
}

// RefreshCreditsCache recomputes credits_remaining from the ledger in SQL.
func (q queries) RefreshCreditsCache(ctx context.Context, id billing.EnrolmentID) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE enrolments
		SET credits_remaining = (
			SELECT COALESCE(SUM(credits_delta), 0) FROM credit_events WHERE enrolment_id = ?
		)
		WHERE id = ?`, id, id)
	if err != nil {
		return 0, fmt.Errorf("failed to refresh credits: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, billing.NotFound("enrolment", id)
	}
	var credits int
	err = q.db.QueryRowContext(ctx, `SELECT credits_remaining FROM enrolments WHERE id = ?`, id).Scan(&credits)
	return credits, err
}

func (q queries) CreatePayment(ctx context.Context, p billing.Payment) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.FamilyID, p.AmountCents, timeArg(p.PaidAt), p.Method,
		nullString(p.Note), nullString(p.IdempotencyKey), timeArg(p.CreatedAt))
	if isUniqueConstraintError(err) {
		return billing.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// CreateInvoice inserts the invoice and its line items. Store.CreateInvoice
// wraps it in a transaction.
func (q queries) CreateInvoice(ctx context.Context, inv billing.Invoice) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO invoices (id, family_id, enrolment_id, amount_cents, amount_paid_cents, status,
		                      issued_at, coverage_start, coverage_end, credits_purchased)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.FamilyID, nullString(string(inv.EnrolmentID)), inv.AmountCents, inv.AmountPaidCents, inv.Status,
		timeArg(inv.IssuedAt), dayArg(inv.CoverageStart), dayArg(inv.CoverageEnd), inv.CreditsPurchased)
	if err != nil {
		return fmt.Errorf("failed to create invoice: %w", err)
	}
	for i, li := range inv.LineItems {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO invoice_line_items (id, invoice_id, position, kind, description, quantity,
			                                unit_price_cents, amount_cents, enrolment_id, plan_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			li.ID, inv.ID, i, li.Kind, li.Description, li.Quantity, li.UnitPriceCents, li.AmountCents,
			nullString(string(li.EnrolmentID)), nullString(string(li.PlanID)))
		if err != nil {
			return fmt.Errorf("failed to create line item: %w", err)
		}
	}
	return nil
}

func (q queries) CreateAllocation(ctx context.Context, a billing.Allocation) error {
	var paymentCents, invoiceCents, fromPayment, intoInvoice int64
	err := q.db.QueryRowContext(ctx, `SELECT amount_cents FROM payments WHERE id = ?`, a.PaymentID).Scan(&paymentCents)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.NotFound("payment", a.PaymentID)
	}
	if err != nil {
		return err
	}
	err = q.db.QueryRowContext(ctx, `SELECT amount_cents FROM invoices WHERE id = ?`, a.InvoiceID).Scan(&invoiceCents)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.NotFound("invoice", a.InvoiceID)
	}
	if err != nil {
		return err
	}
	if err := q.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0) FROM payment_allocations WHERE payment_id = ?`, a.PaymentID).
		Scan(&fromPayment); err != nil {
		return err
	}
	if err := q.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0) FROM payment_allocations WHERE invoice_id = ?`, a.InvoiceID).
		Scan(&intoInvoice); err != nil {
		return err
	}
	if err := billing.CheckAllocation(a, paymentCents, fromPayment, invoiceCents, intoInvoice); err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO payment_allocations (id, payment_id, invoice_id, amount_cents)
		VALUES (?, ?, ?, ?)`, a.ID, a.PaymentID, a.InvoiceID, a.AmountCents)
	if err != nil {
		return fmt.Errorf("failed to create allocation: %w", err)
	}
	return nil
}

func (q queries) AppendCoverageAudit(ctx context.Context, a billing.CoverageAudit) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO coverage_audits (id, enrolment_id, payment_id, recorded_at, paid_through, paid_through_baseline,
		                             holiday_shift_days, ledger_credits, cached_credits)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.EnrolmentID, nullString(string(a.PaymentID)), timeArg(a.RecordedAt),
		dayArg(a.PaidThrough), dayArg(a.PaidThroughBaseline), a.HolidayShiftDays, a.LedgerCredits, a.CachedCredits)
	if err != nil {
		return fmt.Errorf("failed to append coverage audit: %w", err)
	}
	return nil
}

// =============================================================================
// SEEDING (reference data, outside the engine's write surface)
// =============================================================================

func (s *Store) SaveFamily(ctx context.Context, f billing.Family) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO families (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`, f.ID, f.Name)
	return err
}

func (s *Store) SaveStudent(ctx context.Context, st billing.Student) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO students (id, family_id, name) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET family_id = excluded.family_id, name = excluded.name`,
		st.ID, st.FamilyID, st.Name)
	return err
}

func (s *Store) SavePlan(ctx context.Context, p billing.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (id, name, price_cents, billing_type, level_id, duration_weeks, sessions_per_week, block_class_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			price_cents = excluded.price_cents,
			billing_type = excluded.billing_type,
			level_id = excluded.level_id,
			duration_weeks = excluded.duration_weeks,
			sessions_per_week = excluded.sessions_per_week,
			block_class_count = excluded.block_class_count`,
		p.ID, p.Name, p.PriceCents, p.BillingType, nullString(p.LevelID),
		p.DurationWeeks, p.SessionsPerWeek, p.BlockClassCount)
	return err
}

func (s *Store) SaveTemplate(ctx context.Context, t billing.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO templates (id, name, day_of_week, start_minute, level_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			day_of_week = excluded.day_of_week,
			start_minute = excluded.start_minute,
			level_id = excluded.level_id`,
		t.ID, t.Name, int(t.DayOfWeek), t.StartMinute, nullString(t.LevelID))
	return err
}

// SaveEnrolment upserts the enrolment and its template links.
// credits_remaining is recomputed from the ledger.
func (s *Store) SaveEnrolment(ctx context.Context, e billing.Enrolment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO enrolments (id, student_id, plan_id, billing_type, start_date, end_date,
		                        paid_through, paid_through_baseline, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			student_id = excluded.student_id,
			plan_id = excluded.plan_id,
			billing_type = excluded.billing_type,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			paid_through = excluded.paid_through,
			paid_through_baseline = excluded.paid_through_baseline,
			version = excluded.version`,
		e.ID, e.StudentID, e.PlanID, nullString(string(e.BillingType)), e.StartDate.Key(), dayArg(e.EndDate),
		dayArg(e.PaidThrough), dayArg(e.PaidThroughBaseline), e.Version)
	if err != nil {
		return fmt.Errorf("failed to save enrolment: %w", err)
	}
	if _, err := sqlTx.ExecContext(ctx, `DELETE FROM enrolment_templates WHERE enrolment_id = ?`, e.ID); err != nil {
		return err
	}
	for i, id := range e.TemplateIDs {
		if _, err := sqlTx.ExecContext(ctx, `
			INSERT INTO enrolment_templates (enrolment_id, template_id, position) VALUES (?, ?, ?)`,
			e.ID, id, i); err != nil {
			return fmt.Errorf("failed to link template %s: %w", id, err)
		}
	}
	if _, err := (queries{db: sqlTx}).RefreshCreditsCache(ctx, e.ID); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) SaveHoliday(ctx context.Context, h billing.Holiday) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO holidays (id, name, start_date, end_date, template_id, level_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			template_id = excluded.template_id,
			level_id = excluded.level_id`,
		h.ID, h.Name, h.Start.Key(), dayArg(h.End), nullString(string(h.TemplateID)), nullString(h.LevelID))
	return err
}

func (s *Store) SaveCancellation(ctx context.Context, c billing.Cancellation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cancellations (template_id, date, reason) VALUES (?, ?, ?)
		ON CONFLICT(template_id, date) DO UPDATE SET reason = excluded.reason`,
		c.TemplateID, c.Date.Key(), nullString(c.Reason))
	return err
}

// SaveInvoice stores an externally issued invoice (e.g. a SENT bill).
func (s *Store) SaveInvoice(ctx context.Context, inv billing.Invoice) error {
	return s.CreateInvoice(ctx, inv)
}

// Reset clears all data (for testing/demos).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"coverage_audits", "payment_allocations", "invoice_line_items", "invoices", "payments",
		"credit_events", "cancellations", "holidays", "enrolment_templates", "enrolments",
		"templates", "plans", "students", "families",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func dayArg(d billing.Day) sql.NullString {
	return nullString(d.Key())
}

func parseDay(ns sql.NullString) (billing.Day, error) {
	if !ns.Valid || ns.String == "" {
		return billing.Day{}, nil
	}
	return billing.ParseDay(ns.String)
}

func parseTime(column, v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: bad %s %q: %w", column, v, err)
	}
	return t, nil
}

func timeArg(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func isUniqueConstraintError(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) &&
		(serr.ExtendedCode == sqlite3.ErrConstraintUnique || serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func isForeignKeyError(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
