/*
netowing.go - Billing Summary Reconciler (Net Owing)

PURPOSE:
  Merges three views of what a family owes into one number:

    netOwing = overdueEntitlement
             - overdue already covered by an open invoice
             + open invoice outstanding
             - unallocated payment credit

NO DOUBLE COUNTING:
  An open invoice for an enrolment whose coverage ends today or later is
  "pending payment" for service already notionally extended. That
  enrolment's overdue entitlement is suppressed, otherwise the same unpaid
  period is billed once as overdue service and once as an unpaid invoice.
  Only the LATEST open-invoice coverage end per enrolment is considered.

UNALLOCATED CREDIT:
  paymentsTotal - allocations into non-VOID invoices. Voiding an invoice
  does not consume the payment that was allocated to it.

OUTSTANDING:
  amount - max(amountPaid, sum of allocations), never below zero.

SEE ALSO:
  - summary.go: produces the per-enrolment overdue input
*/
package billing

import (
	"context"
	"sort"
	"time"
)

// =============================================================================
// PURE RECONCILIATION
// =============================================================================

// InvoiceTotal is the part of an invoice the credit calculation needs.
type InvoiceTotal struct {
	AmountCents int64
	Status      InvoiceStatus
}

// OpenInvoiceBalance is one open invoice's contribution.
type OpenInvoiceBalance struct {
	InvoiceID        InvoiceID
	EnrolmentID      EnrolmentID
	CoverageEnd      Day
	OutstandingCents int64
}

// NetOwingBreakdown is the reconciled balance and how it was reached.
type NetOwingBreakdown struct {
	AsOf                        Day
	OverdueOwingCents           int64 // after suppression
	SuppressedOverdueCents      int64
	SuppressedEnrolments        []EnrolmentID
	OpenInvoiceOutstandingCents int64
	OpenInvoices                []OpenInvoiceBalance
	PaymentsTotalCents          int64
	AppliedCents                int64
	UnallocatedCreditCents      int64
	NetOwingCents               int64
}

// InvoiceOutstanding is amount - max(amountPaid, allocated), floored at 0.
func InvoiceOutstanding(inv Invoice, allocated int64) int64 {
	paid := inv.AmountPaidCents
	if allocated > paid {
		paid = allocated
	}
	out := inv.AmountCents - paid
	if out < 0 {
		return 0
	}
	return out
}

// ComputeFamilyNetOwingFromData reconciles caller-supplied data. Invoices in
// openInvoices that are not actually open are ignored.
func ComputeFamilyNetOwingFromData(
	summary FamilySummary,
	openInvoices []Invoice,
	allocationTotalsByInvoiceID map[InvoiceID]int64,
	invoiceTotalsByID map[InvoiceID]InvoiceTotal,
	paymentsTotalCents int64,
) NetOwingBreakdown {
	out := NetOwingBreakdown{AsOf: summary.AsOf, PaymentsTotalCents: paymentsTotalCents}

	// Latest open coverage end per enrolment.
	pendingCoverage := make(map[EnrolmentID]Day)
	for _, inv := range openInvoices {
		if !inv.Status.IsOpen() {
			continue
		}
		outstanding := InvoiceOutstanding(inv, allocationTotalsByInvoiceID[inv.ID])
		out.OpenInvoiceOutstandingCents += outstanding
		out.OpenInvoices = append(out.OpenInvoices, OpenInvoiceBalance{
			InvoiceID:        inv.ID,
			EnrolmentID:      inv.EnrolmentID,
			CoverageEnd:      inv.CoverageEnd,
			OutstandingCents: outstanding,
		})
		if inv.EnrolmentID == "" || inv.CoverageEnd.IsZero() {
			continue
		}
		pendingCoverage[inv.EnrolmentID] = MaxDay(pendingCoverage[inv.EnrolmentID], inv.CoverageEnd)
	}

	for _, line := range summary.Breakdown {
		if line.OverdueCents == 0 {
			continue
		}
		end, ok := pendingCoverage[line.EnrolmentID]
		if ok && end.AfterOrEqual(summary.AsOf) {
			out.SuppressedOverdueCents += line.OverdueCents
			out.SuppressedEnrolments = append(out.SuppressedEnrolments, line.EnrolmentID)
			continue
		}
		out.OverdueOwingCents += line.OverdueCents
	}

	for id, total := range invoiceTotalsByID {
		if total.Status == InvoiceVoid {
			continue
		}
		applied := allocationTotalsByInvoiceID[id]
		if applied > total.AmountCents {
			applied = total.AmountCents
		}
		out.AppliedCents += applied
	}
	out.UnallocatedCreditCents = paymentsTotalCents - out.AppliedCents
	if out.UnallocatedCreditCents < 0 {
		out.UnallocatedCreditCents = 0
	}

	out.NetOwingCents = out.OverdueOwingCents + out.OpenInvoiceOutstandingCents - out.UnallocatedCreditCents
	return out
}

// =============================================================================
// STORE-BACKED RECONCILER
// =============================================================================

// Reconciler performs the store reads for one family and delegates to the
// pure functions. All reads share one transaction so a summary never mixes
// pre- and post-payment state.
type Reconciler struct {
	Store    TxStore
	Calendar Calendar
	Now      func() time.Time
}

func NewReconciler(store TxStore, cal Calendar) *Reconciler {
	return &Reconciler{Store: store, Calendar: cal, Now: time.Now}
}

func (r *Reconciler) today() Day {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	return r.Calendar.Today(now())
}

// ComputeFamilySummary loads the family's enrolments and summarizes them.
func (r *Reconciler) ComputeFamilySummary(ctx context.Context, familyID FamilyID) (FamilySummary, error) {
	today := r.today()
	var summary FamilySummary
	err := r.Store.WithTx(ctx, func(s Store) error {
		enrolments, err := s.ListFamilyEnrolments(ctx, familyID)
		if err != nil {
			return err
		}
		summary = ComputeFamilyBillingSummary(enrolments, today)
		return nil
	})
	return summary, err
}

// ComputeFamilyNetOwing is the store-backed wrapper around
// ComputeFamilyNetOwingFromData.
func (r *Reconciler) ComputeFamilyNetOwing(ctx context.Context, familyID FamilyID) (NetOwingBreakdown, error) {
	today := r.today()
	var out NetOwingBreakdown
	err := r.Store.WithTx(ctx, func(s Store) error {
		in, err := LoadNetOwingInputs(ctx, s, familyID)
		if err != nil {
			return err
		}
		summary := ComputeFamilyBillingSummary(in.Enrolments, today)
		out = ComputeFamilyNetOwingFromData(summary, in.OpenInvoices, in.AllocationTotals, in.InvoiceTotals, in.PaymentsTotalCents)
		return nil
	})
	return out, err
}

// NetOwingInputs is everything the reconciler reads for one family.
type NetOwingInputs struct {
	Enrolments         []EnrolmentDetail
	OpenInvoices       []Invoice
	AllocationTotals   map[InvoiceID]int64
	InvoiceTotals      map[InvoiceID]InvoiceTotal
	PaymentsTotalCents int64
}

// LoadNetOwingInputs reads a family's reconciliation inputs from s.
func LoadNetOwingInputs(ctx context.Context, s Reader, familyID FamilyID) (NetOwingInputs, error) {
	in := NetOwingInputs{
		AllocationTotals: make(map[InvoiceID]int64),
		InvoiceTotals:    make(map[InvoiceID]InvoiceTotal),
	}
	var err error
	if in.Enrolments, err = s.ListFamilyEnrolments(ctx, familyID); err != nil {
		return in, err
	}

	invoices, err := s.ListFamilyInvoices(ctx, familyID)
	if err != nil {
		return in, err
	}
	for _, inv := range invoices {
		in.InvoiceTotals[inv.ID] = InvoiceTotal{AmountCents: inv.AmountCents, Status: inv.Status}
		if inv.Status.IsOpen() {
			in.OpenInvoices = append(in.OpenInvoices, inv)
		}
	}
	sort.Slice(in.OpenInvoices, func(i, j int) bool { return in.OpenInvoices[i].ID < in.OpenInvoices[j].ID })

	allocations, err := s.ListFamilyAllocations(ctx, familyID)
	if err != nil {
		return in, err
	}
	for _, a := range allocations {
		in.AllocationTotals[a.InvoiceID] += a.AmountCents
	}

	payments, err := s.ListFamilyPayments(ctx, familyID)
	if err != nil {
		return in, err
	}
	for _, p := range payments {
		in.PaymentsTotalCents += p.AmountCents
	}
	return in, nil
}
