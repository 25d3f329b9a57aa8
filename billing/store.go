/*
store.go - Persistence interface for the billing engine

PURPOSE:
  Defines the read/write surface RecordPayment and the reconciler consume.
  Production injects SQLite or PostgreSQL; tests inject the in-memory fake.

KEY INTERFACES:
  Reader:  everything the calculators need, read-only
  Writer:  the mutations a payment transaction performs
  Store:   Reader + Writer
  TxStore: Store + WithTx (atomic, all-or-nothing)

APPEND-ONLY CONTRACT:
  Payments, invoices, allocations, credit events and coverage audits are
  insert-only. The enrolment row is the one mutable record, and only its
  coverage columns change, via a version compare-and-swap.

LOCKING:
  LockEnrolment reads the enrolment for update. PostgreSQL issues
  SELECT ... FOR UPDATE; SQLite and memory serialize transactions. Every
  implementation also checks CoverageUpdate.ExpectedVersion.

IDEMPOTENCY:
  (FamilyID, IdempotencyKey) is unique. CreatePayment returns
  ErrDuplicateIdempotencyKey when it is violated.

IMPLEMENTATIONS:
  - billing/store/memory.go: in-memory, for tests and demos
  - store/sqlite/sqlite.go
  - store/postgres/postgres.go
*/
package billing

import "context"

// =============================================================================
// STORE - Read/write surface
// =============================================================================

type Reader interface {
	// GetEnrolment loads an enrolment with its student, plan and templates.
	GetEnrolment(ctx context.Context, id EnrolmentID) (EnrolmentDetail, error)

	// ListFamilyEnrolments loads every enrolment of every student in the family.
	ListFamilyEnrolments(ctx context.Context, familyID FamilyID) ([]EnrolmentDetail, error)

	GetPlan(ctx context.Context, id PlanID) (Plan, error)

	// ListHolidays returns holidays ending on or after from.
	ListHolidays(ctx context.Context, from Day) ([]Holiday, error)

	// ListCancellations returns cancellations of the given templates on or after from.
	ListCancellations(ctx context.Context, templateIDs []TemplateID, from Day) ([]Cancellation, error)

	// ListCreditEvents returns the enrolment's ledger in append order.
	ListCreditEvents(ctx context.Context, id EnrolmentID) ([]CreditEvent, error)

	// FindPaymentByIdempotencyKey returns (nil, nil) when no payment matches.
	FindPaymentByIdempotencyKey(ctx context.Context, familyID FamilyID, key string) (*Payment, error)

	ListFamilyPayments(ctx context.Context, familyID FamilyID) ([]Payment, error)
	ListFamilyInvoices(ctx context.Context, familyID FamilyID) ([]Invoice, error)

	// ListFamilyAllocations returns allocations of the family's payments.
	ListFamilyAllocations(ctx context.Context, familyID FamilyID) ([]Allocation, error)

	ListPaymentAllocations(ctx context.Context, paymentID PaymentID) ([]Allocation, error)

	ListCoverageAudits(ctx context.Context, id EnrolmentID) ([]CoverageAudit, error)
}

type Writer interface {
	// LockEnrolment is GetEnrolment with row-level locking for the rest of
	// the transaction.
	LockEnrolment(ctx context.Context, id EnrolmentID) (EnrolmentDetail, error)

	// UpdateEnrolmentCoverage writes plan and watermarks if the stored version
	// still equals ExpectedVersion, and returns the new version. A stale
	// version yields ErrConcurrencyConflict.
	UpdateEnrolmentCoverage(ctx context.Context, u CoverageUpdate) (int64, error)

	AppendCreditEvent(ctx context.Context, ev CreditEvent) error

	// RefreshCreditsCache recomputes CreditsRemaining from the ledger and
	// returns it.
	RefreshCreditsCache(ctx context.Context, id EnrolmentID) (int, error)

	CreatePayment(ctx context.Context, p Payment) error
	CreateInvoice(ctx context.Context, inv Invoice) error
	CreateAllocation(ctx context.Context, a Allocation) error
	AppendCoverageAudit(ctx context.Context, a CoverageAudit) error
}

type Store interface {
	Reader
	Writer
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
