/*
Package billing is the billing coverage and entitlement reconciliation engine.

PURPOSE:
  Tracks how much a family owes for recurring weekly classes and purchased
  class blocks. Four pieces, leaves first:

    schedule.go  - Occurrence Schedule Walker (weekly templates -> dated occurrences)
    coverage.go  - Entitlement Coverage Calculator (paid-through watermark, overdue)
    summary.go   - per-enrolment billing summary
    netowing.go  - Net Owing reconciler (overdue + open invoices - unapplied credit)
    payment.go   - RecordPayment, the only mutating entry point

KEY CONCEPTS IN THIS FILE (types.go):
  - Enrolment: a student's subscription to recurring class slots under a Plan
  - Plan: price + billing type (PER_WEEK duration, PER_CLASS block size)
  - Template: a recurring weekly slot
  - Holiday / Cancellation: exclusions consumed by the walker
  - CreditEvent: append-only credit ledger row (source of truth for credits)
  - Invoice / LineItem / Payment / Allocation: immutable money records

MONEY:
  All amounts are integer minor-currency units (cents). Single currency.

DATES:
  Every date is a civil Day (see day.go). Instants only appear on audit
  fields (PaidAt, OccurredAt, CreatedAt) and are converted through Calendar.

SEE ALSO:
  - store.go: Persistence interface consumed by RecordPayment
  - errors.go: Error taxonomy
*/
package billing

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type FamilyID string
type StudentID string
type EnrolmentID string
type PlanID string
type TemplateID string
type HolidayID string
type InvoiceID string
type PaymentID string
type AllocationID string
type CreditEventID string

// =============================================================================
// BILLING PLAN
// =============================================================================

type BillingType string

const (
	BillingPerWeek  BillingType = "PER_WEEK"
	BillingPerClass BillingType = "PER_CLASS"
)

// Plan defines price and entitlement shape. Plans referenced by historical
// invoices are never mutated; a swap at payment time points the enrolment at
// a different plan.
type Plan struct {
	ID          PlanID
	Name        string
	PriceCents  int64
	BillingType BillingType
	LevelID     string // empty = any level

	// PER_WEEK
	DurationWeeks   int
	SessionsPerWeek int

	// PER_CLASS
	BlockClassCount int
}

// =============================================================================
// SCHEDULE INPUTS
// =============================================================================

// Template is a recurring weekly class slot.
type Template struct {
	ID          TemplateID
	Name        string
	DayOfWeek   time.Weekday
	StartMinute int // minutes after midnight, orders same-day occurrences
	LevelID     string
}

// Holiday suppresses occurrences inside [Start, End]. Empty TemplateID and
// LevelID make it global; a non-empty one narrows it.
type Holiday struct {
	ID         HolidayID
	Name       string
	Start      Day
	End        Day
	TemplateID TemplateID
	LevelID    string
}

// Covers reports whether the holiday suppresses tpl on d.
func (h Holiday) Covers(tpl Template, d Day) bool {
	if h.TemplateID != "" && h.TemplateID != tpl.ID {
		return false
	}
	if h.LevelID != "" && h.LevelID != tpl.LevelID {
		return false
	}
	end := h.End
	if end.IsZero() {
		end = h.Start
	}
	return d.AfterOrEqual(h.Start) && d.BeforeOrEqual(end)
}

// Cancellation is an ad-hoc exclusion of one template on one date.
type Cancellation struct {
	TemplateID TemplateID
	Date       Day
	Reason     string
}

// Occurrence is one concrete billable class date.
type Occurrence struct {
	Date       Day
	TemplateID TemplateID
}

// =============================================================================
// FAMILY / STUDENT / ENROLMENT
// =============================================================================

type Family struct {
	ID   FamilyID
	Name string
}

type Student struct {
	ID       StudentID
	FamilyID FamilyID
	Name     string
}

// Enrolment is a student's subscription under one plan.
//
// INVARIANTS:
//   - CreditsRemaining equals the signed sum of the enrolment's credit events.
//     It is a cache maintained by the store; Go code never assigns it.
//   - PaidThrough never moves backward through RecordPayment.
type Enrolment struct {
	ID          EnrolmentID
	StudentID   StudentID
	PlanID      PlanID
	BillingType BillingType
	StartDate   Day
	EndDate     Day // zero = open-ended
	TemplateIDs []TemplateID

	PaidThrough         Day // inclusive, PER_WEEK only
	PaidThroughBaseline Day // holiday-naive watermark, audit baseline
	CreditsRemaining    int // PER_CLASS only, ledger-derived

	// Version is bumped on every coverage write (compare-and-swap).
	Version int64
}

// EnrolmentDetail is an enrolment with everything the engine needs to price it.
type EnrolmentDetail struct {
	Enrolment Enrolment
	Student   Student
	Plan      Plan
	Templates []Template
}

// CoverageUpdate is the only shape in which coverage is written back.
// Credits are absent on purpose: the store recomputes them from the ledger.
type CoverageUpdate struct {
	EnrolmentID         EnrolmentID
	PlanID              PlanID
	PaidThrough         Day
	PaidThroughBaseline Day
	ExpectedVersion     int64
}

// =============================================================================
// CREDIT LEDGER
// =============================================================================

type CreditEventKind string

const (
	CreditPurchase   CreditEventKind = "PURCHASE"
	CreditAttendance CreditEventKind = "ATTENDANCE"
	CreditAdjustment CreditEventKind = "ADJUSTMENT"
)

// CreditEvent is an append-only ledger row.
type CreditEvent struct {
	ID           CreditEventID
	EnrolmentID  EnrolmentID
	Kind         CreditEventKind
	CreditsDelta int
	OccurredAt   time.Time
	InvoiceID    InvoiceID
	Note         string
}

// =============================================================================
// INVOICES / PAYMENTS
// =============================================================================

type InvoiceStatus string

const (
	InvoiceDraft   InvoiceStatus = "DRAFT"
	InvoiceSent    InvoiceStatus = "SENT"
	InvoicePaid    InvoiceStatus = "PAID"
	InvoiceOverdue InvoiceStatus = "OVERDUE"
	InvoiceVoid    InvoiceStatus = "VOID"
)

// IsOpen reports whether the invoice still expects money.
func (s InvoiceStatus) IsOpen() bool {
	return s == InvoiceDraft || s == InvoiceSent || s == InvoiceOverdue
}

type LineItemKind string

const (
	LineEnrolment  LineItemKind = "ENROLMENT"
	LineAdjustment LineItemKind = "ADJUSTMENT"
)

type LineItem struct {
	ID             string
	Kind           LineItemKind
	Description    string
	Quantity       int
	UnitPriceCents int64
	AmountCents    int64
	EnrolmentID    EnrolmentID
	PlanID         PlanID
}

// Invoice is immutable after creation.
type Invoice struct {
	ID               InvoiceID
	FamilyID         FamilyID
	EnrolmentID      EnrolmentID // empty for family-level invoices
	AmountCents      int64
	AmountPaidCents  int64
	Status           InvoiceStatus
	IssuedAt         time.Time
	CoverageStart    Day
	CoverageEnd      Day
	CreditsPurchased int
	LineItems        []LineItem
}

type PaymentMethod string

const (
	MethodCash   PaymentMethod = "CASH"
	MethodCard   PaymentMethod = "CARD"
	MethodBank   PaymentMethod = "BANK_TRANSFER"
	MethodOther  PaymentMethod = "OTHER"
	DefaultMethod              = MethodCash
)

// Payment is a family-level cash receipt.
type Payment struct {
	ID             PaymentID
	FamilyID       FamilyID
	AmountCents    int64
	PaidAt         time.Time
	Method         PaymentMethod
	Note           string
	IdempotencyKey string // unique per family when set
	CreatedAt      time.Time
}

// Allocation links part of a payment to an invoice.
type Allocation struct {
	ID          AllocationID
	PaymentID   PaymentID
	InvoiceID   InvoiceID
	AmountCents int64
}

// =============================================================================
// AUDIT
// =============================================================================

// CoverageAudit is an immutable snapshot of an enrolment's coverage state
// written at the end of every payment transaction.
type CoverageAudit struct {
	ID                  string
	EnrolmentID         EnrolmentID
	PaymentID           PaymentID
	RecordedAt          time.Time
	PaidThrough         Day
	PaidThroughBaseline Day
	HolidayShiftDays    int
	LedgerCredits       int
	CachedCredits       int
}
