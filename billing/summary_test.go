package billing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coverage-engine/billing"
)

func weeklyDetail(id string, start, paidThrough string) billing.EnrolmentDetail {
	return billing.EnrolmentDetail{
		Enrolment: billing.Enrolment{
			ID:          billing.EnrolmentID(id),
			StudentID:   "stu-1",
			PlanID:      weeklyPlan.ID,
			BillingType: billing.BillingPerWeek,
			StartDate:   billing.MustParseDay(start),
			PaidThrough: billing.MustParseDay(paidThrough),
		},
		Plan:      weeklyPlan,
		Templates: monWed,
	}
}

func blockDetail(id string, start string, credits int) billing.EnrolmentDetail {
	return billing.EnrolmentDetail{
		Enrolment: billing.Enrolment{
			ID:               billing.EnrolmentID(id),
			StudentID:        "stu-1",
			PlanID:           tenClassBlock.ID,
			BillingType:      billing.BillingPerClass,
			StartDate:        billing.MustParseDay(start),
			CreditsRemaining: credits,
		},
		Plan: tenClassBlock,
	}
}

// =============================================================================
// FAMILY SUMMARY
// =============================================================================

func TestComputeFamilyBillingSummary_MixedEnrolments(t *testing.T) {
	// GIVEN: A weekly enrolment two weeks behind, a block out of credits,
	//        and a weekly enrolment that starts next month
	today := billing.MustParseDay("2026-01-15")
	enrolments := []billing.EnrolmentDetail{
		weeklyDetail("enr-a", "2025-12-01", "2026-01-01"),
		blockDetail("enr-b", "2025-12-01", 0),
		weeklyDetail("enr-c", "2026-02-01", ""),
	}

	// WHEN: Summarizing
	s := billing.ComputeFamilyBillingSummary(enrolments, today)

	// THEN: The never-paid future enrolment is already one period overdue
	require.Len(t, s.Breakdown, 3)
	assert.Equal(t, int64(10000+25000+5000), s.OverdueOwingCents)
	assert.Equal(t, int64(10000+25000+5000), s.TotalOwingCents)
	assert.Equal(t, "2026-01-02", s.NextPaymentDueDayKey)

	assert.Equal(t, billing.StatusOverdue, s.Breakdown[0].Status)
	assert.Equal(t, 2, s.Breakdown[0].OverduePeriods)
	assert.Equal(t, billing.StatusOverdue, s.Breakdown[1].Status)
	assert.Equal(t, "2026-01-15", s.Breakdown[1].NextDueDay.Key())
	assert.Equal(t, billing.StatusNotStarted, s.Breakdown[2].Status)
	assert.Equal(t, 1, s.Breakdown[2].OverduePeriods)
	assert.Equal(t, int64(5000), s.Breakdown[2].OverdueCents)
	assert.Equal(t, "2026-02-01", s.Breakdown[2].NextDueDay.Key())
}

func TestComputeFamilyBillingSummary_FutureStartPaidAheadOwesNothing(t *testing.T) {
	d := weeklyDetail("enr-a", "2026-02-02", "2026-02-25")

	s := billing.ComputeFamilyBillingSummary([]billing.EnrolmentDetail{d}, billing.MustParseDay("2026-01-15"))

	assert.Equal(t, billing.StatusNotStarted, s.Breakdown[0].Status)
	assert.Zero(t, s.OverdueOwingCents)
	assert.Zero(t, s.TotalOwingCents)
	assert.Equal(t, "2026-02-26", s.NextPaymentDueDayKey)
}

func TestComputeFamilyBillingSummary_AllPaidUp(t *testing.T) {
	today := billing.MustParseDay("2026-01-15")
	s := billing.ComputeFamilyBillingSummary([]billing.EnrolmentDetail{
		weeklyDetail("enr-a", "2025-12-01", "2026-01-20"),
		blockDetail("enr-b", "2025-12-01", 4),
	}, today)

	assert.Equal(t, int64(0), s.OverdueOwingCents)
	assert.Equal(t, int64(0), s.TotalOwingCents)
	assert.Equal(t, "2026-01-21", s.NextPaymentDueDayKey)
	assert.Equal(t, billing.StatusCurrent, s.Breakdown[0].Status)
	assert.Equal(t, billing.StatusCurrent, s.Breakdown[1].Status)
}

func TestComputeFamilyBillingSummary_Empty(t *testing.T) {
	s := billing.ComputeFamilyBillingSummary(nil, billing.MustParseDay("2026-01-15"))

	assert.Empty(t, s.Breakdown)
	assert.Equal(t, "", s.NextPaymentDueDayKey)
	assert.Equal(t, "2026-01-15", s.AsOf.Key())
}

func TestComputeFamilyBillingSummary_EndedAndPaidUp(t *testing.T) {
	d := weeklyDetail("enr-a", "2025-12-01", "2026-01-08")
	d.Enrolment.EndDate = billing.MustParseDay("2026-01-08")

	s := billing.ComputeFamilyBillingSummary([]billing.EnrolmentDetail{d}, billing.MustParseDay("2026-03-01"))

	assert.Equal(t, billing.StatusEnded, s.Breakdown[0].Status)
	assert.Equal(t, int64(0), s.TotalOwingCents)
	assert.Equal(t, "", s.NextPaymentDueDayKey)
}

// =============================================================================
// NET OWING
// =============================================================================

func TestNetOwing_OpenInvoiceIsNotDoubleCounted(t *testing.T) {
	// GIVEN: One week ($50) overdue, and a SENT $50 invoice for that
	//        enrolment whose coverage runs past today
	today := billing.MustParseDay("2026-01-15")
	summary := billing.ComputeFamilyBillingSummary([]billing.EnrolmentDetail{
		weeklyDetail("enr-a", "2025-12-01", "2026-01-08"),
	}, today)
	require.Equal(t, int64(5000), summary.OverdueOwingCents)

	invoices := []billing.Invoice{{
		ID:          "inv-1",
		EnrolmentID: "enr-a",
		AmountCents: 5000,
		Status:      billing.InvoiceSent,
		CoverageEnd: billing.MustParseDay("2026-01-22"),
	}}
	totals := map[billing.InvoiceID]billing.InvoiceTotal{"inv-1": {AmountCents: 5000, Status: billing.InvoiceSent}}

	// WHEN: Reconciling
	out := billing.ComputeFamilyNetOwingFromData(summary, invoices, nil, totals, 0)

	// THEN: $50 owed once, through the invoice
	assert.Equal(t, int64(5000), out.NetOwingCents)
	assert.Equal(t, int64(0), out.OverdueOwingCents)
	assert.Equal(t, int64(5000), out.SuppressedOverdueCents)
	assert.Equal(t, []billing.EnrolmentID{"enr-a"}, out.SuppressedEnrolments)
	assert.Equal(t, int64(5000), out.OpenInvoiceOutstandingCents)
}

func TestNetOwing_ExpiredInvoiceCoverageDoesNotSuppress(t *testing.T) {
	today := billing.MustParseDay("2026-01-15")
	summary := billing.ComputeFamilyBillingSummary([]billing.EnrolmentDetail{
		weeklyDetail("enr-a", "2025-12-01", "2026-01-08"),
	}, today)

	invoices := []billing.Invoice{{
		ID:          "inv-old",
		EnrolmentID: "enr-a",
		AmountCents: 5000,
		Status:      billing.InvoiceOverdue,
		CoverageEnd: billing.MustParseDay("2026-01-10"),
	}}

	out := billing.ComputeFamilyNetOwingFromData(summary, invoices, nil, nil, 0)

	assert.Equal(t, int64(10000), out.NetOwingCents)
	assert.Empty(t, out.SuppressedEnrolments)
}

func TestNetOwing_LatestOpenCoverageWins(t *testing.T) {
	// GIVEN: enr-a one week ($50) behind, with an expired and a current open invoice
	today := billing.MustParseDay("2026-01-15")
	summary := billing.ComputeFamilyBillingSummary([]billing.EnrolmentDetail{
		weeklyDetail("enr-a", "2025-12-01", "2026-01-08"),
	}, today)
	older := billing.Invoice{ID: "inv-old", EnrolmentID: "enr-a", AmountCents: 5000, Status: billing.InvoiceSent, CoverageEnd: billing.MustParseDay("2026-01-10")}
	newer := billing.Invoice{ID: "inv-new", EnrolmentID: "enr-a", AmountCents: 5000, Status: billing.InvoiceSent, CoverageEnd: billing.MustParseDay("2026-01-22")}

	orders := map[string][]billing.Invoice{
		"old first": {older, newer},
		"new first": {newer, older},
	}
	for name, invoices := range orders {
		t.Run(name, func(t *testing.T) {
			// WHEN: Reconciling
			out := billing.ComputeFamilyNetOwingFromData(summary, invoices, nil, nil, 0)

			// THEN: The later coverage end suppresses the overdue, both invoices still count
			assert.Equal(t, []billing.EnrolmentID{"enr-a"}, out.SuppressedEnrolments)
			assert.Zero(t, out.OverdueOwingCents)
			assert.Equal(t, int64(5000), out.SuppressedOverdueCents)
			assert.Equal(t, int64(10000), out.OpenInvoiceOutstandingCents)
			assert.Equal(t, int64(10000), out.NetOwingCents)
		})
	}
}

func TestNetOwing_CoverageEndingTodaySuppresses(t *testing.T) {
	today := billing.MustParseDay("2026-01-15")
	summary := billing.ComputeFamilyBillingSummary([]billing.EnrolmentDetail{
		weeklyDetail("enr-a", "2025-12-01", "2026-01-08"),
	}, today)
	invoices := []billing.Invoice{{
		ID:          "inv-today",
		EnrolmentID: "enr-a",
		AmountCents: 5000,
		Status:      billing.InvoiceSent,
		CoverageEnd: today,
	}}

	out := billing.ComputeFamilyNetOwingFromData(summary, invoices, nil, nil, 0)

	assert.Equal(t, []billing.EnrolmentID{"enr-a"}, out.SuppressedEnrolments)
	assert.Equal(t, int64(5000), out.NetOwingCents)
}

func TestNetOwing_UnallocatedCreditIsNegative(t *testing.T) {
	// GIVEN: A $120 deposit and nothing owed
	summary := billing.ComputeFamilyBillingSummary(nil, billing.MustParseDay("2026-01-15"))

	out := billing.ComputeFamilyNetOwingFromData(summary, nil, nil, nil, 12000)

	// THEN: The family is in credit
	assert.Equal(t, int64(-12000), out.NetOwingCents)
	assert.Equal(t, int64(12000), out.UnallocatedCreditCents)
}

func TestNetOwing_AllocationIntoVoidInvoiceIsCredit(t *testing.T) {
	// GIVEN: $50 paid and allocated to an invoice that was later voided
	summary := billing.ComputeFamilyBillingSummary(nil, billing.MustParseDay("2026-01-15"))
	allocations := map[billing.InvoiceID]int64{"inv-void": 5000}
	totals := map[billing.InvoiceID]billing.InvoiceTotal{"inv-void": {AmountCents: 5000, Status: billing.InvoiceVoid}}

	out := billing.ComputeFamilyNetOwingFromData(summary, nil, allocations, totals, 5000)

	// THEN: The payment is still available as credit
	assert.Equal(t, int64(0), out.AppliedCents)
	assert.Equal(t, int64(-5000), out.NetOwingCents)
}

func TestNetOwing_PartiallyPaidInvoice(t *testing.T) {
	summary := billing.ComputeFamilyBillingSummary(nil, billing.MustParseDay("2026-01-15"))
	invoices := []billing.Invoice{{ID: "inv-1", AmountCents: 10000, Status: billing.InvoiceSent}}
	allocations := map[billing.InvoiceID]int64{"inv-1": 4000}
	totals := map[billing.InvoiceID]billing.InvoiceTotal{"inv-1": {AmountCents: 10000, Status: billing.InvoiceSent}}

	out := billing.ComputeFamilyNetOwingFromData(summary, invoices, allocations, totals, 4000)

	assert.Equal(t, int64(6000), out.OpenInvoiceOutstandingCents)
	assert.Equal(t, int64(4000), out.AppliedCents)
	assert.Equal(t, int64(0), out.UnallocatedCreditCents)
	assert.Equal(t, int64(6000), out.NetOwingCents)
}

func TestInvoiceOutstanding_ClampsAtZero(t *testing.T) {
	inv := billing.Invoice{AmountCents: 5000, AmountPaidCents: 2000}

	assert.Equal(t, int64(3000), billing.InvoiceOutstanding(inv, 0))
	assert.Equal(t, int64(1000), billing.InvoiceOutstanding(inv, 4000))
	assert.Equal(t, int64(0), billing.InvoiceOutstanding(inv, 9000))
}

func TestInvoiceStatus_IsOpen(t *testing.T) {
	assert.True(t, billing.InvoiceDraft.IsOpen())
	assert.True(t, billing.InvoiceSent.IsOpen())
	assert.True(t, billing.InvoiceOverdue.IsOpen())
	assert.False(t, billing.InvoicePaid.IsOpen())
	assert.False(t, billing.InvoiceVoid.IsOpen())
}
