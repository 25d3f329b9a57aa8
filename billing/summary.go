package billing

// =============================================================================
// FAMILY BILLING SUMMARY - Per-enrolment overdue entitlement
// =============================================================================

type EnrolmentStatus string

const (
	StatusCurrent    EnrolmentStatus = "CURRENT"
	StatusOverdue    EnrolmentStatus = "OVERDUE"
	StatusNotStarted EnrolmentStatus = "NOT_STARTED"
	StatusEnded      EnrolmentStatus = "ENDED"
)

// EnrolmentOwing is one enrolment's line in the summary.
type EnrolmentOwing struct {
	EnrolmentID      EnrolmentID
	StudentID        StudentID
	PlanID           PlanID
	BillingType      BillingType
	Status           EnrolmentStatus
	PaidThrough      Day
	CreditsRemaining int
	OverduePeriods   int
	OverdueCents     int64
	OwingCents       int64 // overdue plus anything owed up-front
	NextDueDay       Day
}

// FamilySummary is the result of ComputeFamilyBillingSummary.
type FamilySummary struct {
	AsOf                 Day
	OverdueOwingCents    int64
	TotalOwingCents      int64
	NextPaymentDueDayKey string
	Breakdown            []EnrolmentOwing
}

// ComputeFamilyBillingSummary evaluates every enrolment on today. Pure: the
// caller supplies all data.
func ComputeFamilyBillingSummary(enrolments []EnrolmentDetail, today Day) FamilySummary {
	summary := FamilySummary{AsOf: today, Breakdown: make([]EnrolmentOwing, 0, len(enrolments))}
	var nextDue Day

	for _, d := range enrolments {
		line := evaluateEnrolment(d, today)
		summary.OverdueOwingCents += line.OverdueCents
		summary.TotalOwingCents += line.OwingCents
		nextDue = MinDay(nextDue, line.NextDueDay)
		summary.Breakdown = append(summary.Breakdown, line)
	}
	summary.NextPaymentDueDayKey = nextDue.Key()
	return summary
}

func evaluateEnrolment(d EnrolmentDetail, today Day) EnrolmentOwing {
	e, plan := d.Enrolment, d.Plan
	line := EnrolmentOwing{
		EnrolmentID:      e.ID,
		StudentID:        e.StudentID,
		PlanID:           e.PlanID,
		BillingType:      billingTypeOf(e, plan),
		PaidThrough:      e.PaidThrough,
		CreditsRemaining: e.CreditsRemaining,
	}

	if e.StartDate.After(today) {
		line.Status = StatusNotStarted
		if line.BillingType == BillingPerClass {
			line.OwingCents = BlockOverdue(e.CreditsRemaining, plan).Cents
			if e.CreditsRemaining <= 0 {
				line.NextDueDay = e.StartDate
			}
			return line
		}
		if e.PaidThrough.IsZero() {
			// Never paid: the first period is due now, before the start.
			overdue := WeeklyOverdue(e, plan, today)
			line.OverduePeriods = overdue.Periods
			line.OverdueCents = overdue.Cents
			line.OwingCents = overdue.Cents
			line.NextDueDay = e.StartDate
		} else {
			line.NextDueDay = e.PaidThrough.AddDays(1)
		}
		return line
	}

	overdue := EnrolmentOverdue(e, plan, today)
	line.OverduePeriods = overdue.Periods
	line.OverdueCents = overdue.Cents
	line.OwingCents = overdue.Cents

	ended := !e.EndDate.IsZero() && e.EndDate.Before(today)
	switch {
	case overdue.Periods > 0:
		line.Status = StatusOverdue
	case ended:
		line.Status = StatusEnded
	default:
		line.Status = StatusCurrent
	}

	if line.BillingType == BillingPerClass {
		if e.CreditsRemaining <= 0 && !ended {
			line.NextDueDay = today
		}
		return line
	}
	switch {
	case e.PaidThrough.IsZero():
		line.NextDueDay = e.StartDate
	case ended && e.PaidThrough.AfterOrEqual(e.EndDate):
		// fully paid up to the end, nothing further due
	default:
		line.NextDueDay = e.PaidThrough.AddDays(1)
	}
	return line
}
