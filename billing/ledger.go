/*
ledger.go - Append-only credit ledger

PURPOSE:
  Credit events are the source of truth for PER_CLASS entitlement. The
  enrolment's CreditsRemaining is a cache derived from the ledger and is
  recomputed by the store after every event, never patched incrementally.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete.
  2. DERIVED CACHE: CreditsRemaining == sum(CreditsDelta) for the enrolment.

EXAMPLE FLOW:
  1. Block of 10 purchased:    PURCHASE   +10
  2. Six classes attended:     ATTENDANCE  -6
  3. Admin goodwill credit:    ADJUSTMENT  +1

  Ledger: [+10, -6, +1] = 5 credits remaining

SEE ALSO:
  - store.go: AppendCreditEvent, RefreshCreditsCache
*/
package billing

import (
	"context"
	"fmt"
)

// SumCredits is the ledger balance.
func SumCredits(events []CreditEvent) int {
	total := 0
	for _, ev := range events {
		total += ev.CreditsDelta
	}
	return total
}

// CreditLedger appends events and keeps the cached balance in step.
type CreditLedger struct {
	Store Store
}

func NewCreditLedger(store Store) *CreditLedger {
	return &CreditLedger{Store: store}
}

// Append writes ev and returns the refreshed ledger balance.
func (l *CreditLedger) Append(ctx context.Context, ev CreditEvent) (int, error) {
	if ev.EnrolmentID == "" {
		return 0, invalid("enrolmentId", "credit event needs an enrolment")
	}
	if ev.CreditsDelta == 0 {
		return 0, invalid("creditsDelta", "credit event must change the balance")
	}
	if err := l.Store.AppendCreditEvent(ctx, ev); err != nil {
		return 0, fmt.Errorf("append credit event: %w", err)
	}
	return l.Store.RefreshCreditsCache(ctx, ev.EnrolmentID)
}

// Balance replays the ledger.
func (l *CreditLedger) Balance(ctx context.Context, id EnrolmentID) (int, error) {
	events, err := l.Store.ListCreditEvents(ctx, id)
	if err != nil {
		return 0, err
	}
	return SumCredits(events), nil
}

// CheckAllocation enforces the allocation caps: a payment cannot allocate more
// than its amount, and an invoice cannot receive more than its amount.
// Stores call it with the totals already allocated before inserting a.
func CheckAllocation(a Allocation, paymentCents, fromPayment, invoiceCents, intoInvoice int64) error {
	if a.AmountCents <= 0 {
		return invalid("amountCents", "allocation must be positive, got %d", a.AmountCents)
	}
	if fromPayment+a.AmountCents > paymentCents {
		return invalid("amountCents", "payment %s would allocate %d of %d", a.PaymentID, fromPayment+a.AmountCents, paymentCents)
	}
	if intoInvoice+a.AmountCents > invoiceCents {
		return invalid("amountCents", "invoice %s would receive %d of %d", a.InvoiceID, intoInvoice+a.AmountCents, invoiceCents)
	}
	return nil
}
