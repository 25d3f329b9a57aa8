package billing

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// COVERAGE AUDIT
// =============================================================================

// RecalculateCoverage refreshes the enrolment's credit cache from its ledger,
// verifies cache and ledger agree, and appends an immutable audit row. It is
// the last step of every payment transaction, so the next reconciler read
// sees exactly what the ledger says.
func RecalculateCoverage(ctx context.Context, s Store, id EnrolmentID, paymentID PaymentID, auditID string, now time.Time) (CoverageAudit, error) {
	cached, err := s.RefreshCreditsCache(ctx, id)
	if err != nil {
		return CoverageAudit{}, fmt.Errorf("refresh credits cache: %w", err)
	}
	events, err := s.ListCreditEvents(ctx, id)
	if err != nil {
		return CoverageAudit{}, fmt.Errorf("list credit events: %w", err)
	}
	ledger := SumCredits(events)
	if cached != ledger {
		return CoverageAudit{}, fmt.Errorf("enrolment %s: credits cache %d diverges from ledger %d", id, cached, ledger)
	}

	detail, err := s.GetEnrolment(ctx, id)
	if err != nil {
		return CoverageAudit{}, err
	}
	e := detail.Enrolment
	if e.CreditsRemaining != ledger {
		return CoverageAudit{}, fmt.Errorf("enrolment %s: stored credits %d diverge from ledger %d", id, e.CreditsRemaining, ledger)
	}

	audit := CoverageAudit{
		ID:                  auditID,
		EnrolmentID:         id,
		PaymentID:           paymentID,
		RecordedAt:          now,
		PaidThrough:         e.PaidThrough,
		PaidThroughBaseline: e.PaidThroughBaseline,
		HolidayShiftDays:    HolidayShiftDays(e),
		LedgerCredits:       ledger,
		CachedCredits:       cached,
	}
	if err := s.AppendCoverageAudit(ctx, audit); err != nil {
		return CoverageAudit{}, fmt.Errorf("append coverage audit: %w", err)
	}
	return audit, nil
}

// HolidayShiftDays is how many days holidays and cancellations have pushed the
// watermark past its holiday-naive baseline.
func HolidayShiftDays(e Enrolment) int {
	if e.PaidThrough.IsZero() || e.PaidThroughBaseline.IsZero() {
		return 0
	}
	return e.PaidThroughBaseline.DaysUntil(e.PaidThrough)
}
