/*
coverage.go - Entitlement Coverage Calculator

PURPOSE:
  Turns purchased entitlement into a concrete watermark, and a watermark
  (or credit balance) plus today's date into an overdue amount.

  Two independent algorithms share the walker's output:

  WEEKLY (PER_WEEK):
    A payment of one plan period buys durationWeeks x sessionsPerWeek sessions.
    The walker starts at max(enrolment start, paidThrough+1, today) so payments
    always extend forward (pay-ahead allowed, backdating not). The new
    paidThrough is the date of the last consumed occurrence, so holidays and
    cancellations push it later transparently.

  BLOCK (PER_CLASS):
    Credits are bought in blocks of blockClassCount (or a larger custom block).
    A non-positive balance is overdue by max(1, ceil(-credits / blockSize)) blocks.

OVERDUE (WEEKLY):
  paidThrough >= evaluation day  -> 0 periods
  no watermark at all            -> 1 period
  otherwise                      -> periods = max(1, ceil(days/7))

  Each week behind is one period at the plan price, whatever the plan's
  durationWeeks.

  Evaluation day is today, or the enrolment end date if it ended earlier.

SEE ALSO:
  - schedule.go: BuildOccurrenceSchedule
  - payment.go: applies these results inside the payment transaction
*/
package billing

// =============================================================================
// WEEKLY COVERAGE ADVANCE
// =============================================================================

// ConsumeResult is the outcome of consuming occurrences.
type ConsumeResult struct {
	PaidThrough Day // zero when nothing was consumed
	Consumed    int
}

// ConsumeOccurrencesForCredits consumes one unit per occurrence, in order, and
// returns the date of the last occurrence consumed.
func ConsumeOccurrencesForCredits(occs []Occurrence, credits int) ConsumeResult {
	if credits <= 0 || len(occs) == 0 {
		return ConsumeResult{}
	}
	n := credits
	if n > len(occs) {
		n = len(occs)
	}
	return ConsumeResult{PaidThrough: occs[n-1].Date, Consumed: n}
}

// WeeklyCoverageStart is the first day a new weekly payment can cover.
func WeeklyCoverageStart(enrolmentStart, paidThrough, today Day) Day {
	next := Day{}
	if !paidThrough.IsZero() {
		next = paidThrough.AddDays(1)
	}
	return MaxDay(enrolmentStart, next, today)
}

// EffectiveSessionsPerWeek is the number of sessions one week of the plan
// buys, bounded by the templates the enrolment is actually assigned.
func EffectiveSessionsPerWeek(plan Plan, templateCount int) int {
	if plan.SessionsPerWeek <= 0 || plan.SessionsPerWeek > templateCount {
		return templateCount
	}
	return plan.SessionsPerWeek
}

// WeeklyAdvanceInput is everything AdvanceWeeklyCoverage reads.
type WeeklyAdvanceInput struct {
	Enrolment     Enrolment
	Plan          Plan
	Templates     []Template
	Holidays      []Holiday
	Cancellations []Cancellation
	Today         Day
}

// WeeklyAdvance is the coverage one weekly plan period buys.
type WeeklyAdvance struct {
	CoverageStart Day
	PaidThrough   Day
	Baseline      Day // same purchase ignoring holidays and cancellations
	Sessions      int
	Occurrences   []Occurrence
}

// AdvanceWeeklyCoverage computes the new paid-through watermarks for one
// payment of plan on a weekly enrolment.
func AdvanceWeeklyCoverage(in WeeklyAdvanceInput) (WeeklyAdvance, error) {
	if in.Plan.DurationWeeks <= 0 {
		return WeeklyAdvance{}, invalid("durationWeeks", "plan %s has no duration", in.Plan.ID)
	}
	if len(in.Templates) == 0 {
		return WeeklyAdvance{}, &ScheduleResolutionError{
			EnrolmentID: in.Enrolment.ID,
			Reason:      "no recurring template assigned to weekly enrolment",
		}
	}

	perWeek := EffectiveSessionsPerWeek(in.Plan, len(in.Templates))
	sessions := in.Plan.DurationWeeks * perWeek
	start := WeeklyCoverageStart(in.Enrolment.StartDate, in.Enrolment.PaidThrough, in.Today)

	occs, err := BuildOccurrenceSchedule(ScheduleInput{
		Start:             start,
		Templates:         in.Templates,
		Holidays:          in.Holidays,
		Cancellations:     in.Cancellations,
		OccurrencesNeeded: sessions,
		SessionsPerWeek:   perWeek,
	})
	if err != nil {
		return WeeklyAdvance{}, withEnrolment(err, in.Enrolment.ID)
	}
	consumed := ConsumeOccurrencesForCredits(occs, sessions)

	// Baseline walks from its own watermark so the gap between the two
	// measures the accumulated holiday shift.
	baselineFrom := in.Enrolment.PaidThroughBaseline
	if baselineFrom.IsZero() {
		baselineFrom = in.Enrolment.PaidThrough
	}
	baselineStart := WeeklyCoverageStart(in.Enrolment.StartDate, baselineFrom, in.Today)
	naive, err := BuildOccurrenceSchedule(ScheduleInput{
		Start:             baselineStart,
		Templates:         in.Templates,
		OccurrencesNeeded: sessions,
		SessionsPerWeek:   perWeek,
	})
	if err != nil {
		return WeeklyAdvance{}, withEnrolment(err, in.Enrolment.ID)
	}

	return WeeklyAdvance{
		CoverageStart: start,
		PaidThrough:   MaxDay(consumed.PaidThrough, in.Enrolment.PaidThrough),
		Baseline:      ConsumeOccurrencesForCredits(naive, sessions).PaidThrough,
		Sessions:      sessions,
		Occurrences:   occs,
	}, nil
}

func withEnrolment(err error, id EnrolmentID) error {
	if se, ok := err.(*ScheduleResolutionError); ok && se.EnrolmentID == "" {
		se.EnrolmentID = id
	}
	return err
}

// =============================================================================
// OVERDUE DETECTION
// =============================================================================

// Overdue is how far an enrolment's entitlement is behind.
type Overdue struct {
	Periods     int // weekly plan periods or blocks
	WeeksBehind int // weekly only
	Cents       int64
}

// WeeklyOverdue evaluates a weekly enrolment on today.
func WeeklyOverdue(e Enrolment, plan Plan, today Day) Overdue {
	evalDay := today
	if !e.EndDate.IsZero() && e.EndDate.Before(today) {
		evalDay = e.EndDate
	}
	if e.PaidThrough.IsZero() {
		return Overdue{Periods: 1, WeeksBehind: 1, Cents: plan.PriceCents}
	}
	if e.PaidThrough.AfterOrEqual(evalDay) {
		return Overdue{}
	}

	weeks := ceilDiv(e.PaidThrough.DaysUntil(evalDay), 7)
	if weeks < 1 {
		weeks = 1
	}
	return Overdue{Periods: weeks, WeeksBehind: weeks, Cents: int64(weeks) * plan.PriceCents}
}

// BlockOverdue evaluates a block enrolment's credit balance.
func BlockOverdue(creditsRemaining int, plan Plan) Overdue {
	if creditsRemaining > 0 {
		return Overdue{}
	}
	block := plan.BlockClassCount
	if block < 1 {
		block = 1
	}
	blocks := ceilDiv(-creditsRemaining, block)
	if blocks < 1 {
		blocks = 1
	}
	return Overdue{Periods: blocks, Cents: int64(blocks) * plan.PriceCents}
}

// EnrolmentOverdue dispatches on billing type.
func EnrolmentOverdue(e Enrolment, plan Plan, today Day) Overdue {
	if billingTypeOf(e, plan) == BillingPerClass {
		return BlockOverdue(e.CreditsRemaining, plan)
	}
	return WeeklyOverdue(e, plan, today)
}

func billingTypeOf(e Enrolment, plan Plan) BillingType {
	if e.BillingType != "" {
		return e.BillingType
	}
	return plan.BillingType
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// =============================================================================
// BLOCK PURCHASES
// =============================================================================

// BlockPurchase is the resolved size of one block purchase.
type BlockPurchase struct {
	Credits int
	Custom  bool
}

// ResolveBlockLength returns the number of credits a block purchase adds.
// customLength of 0 means "plan default". A custom length must be at least
// the plan's block size.
func ResolveBlockLength(plan Plan, customLength int) (BlockPurchase, error) {
	if plan.BlockClassCount <= 0 {
		return BlockPurchase{}, invalid("blockClassCount", "plan %s has no block size", plan.ID)
	}
	if customLength == 0 || customLength == plan.BlockClassCount {
		return BlockPurchase{Credits: plan.BlockClassCount}, nil
	}
	if customLength < plan.BlockClassCount {
		return BlockPurchase{}, invalid("customBlockLength",
			"%d is below the plan minimum of %d", customLength, plan.BlockClassCount)
	}
	return BlockPurchase{Credits: customLength, Custom: true}, nil
}

// BlockCoverageRange returns the dates a purchase of credits nominally spans,
// after creditsBefore already-owned credits are used up. Best effort: a zero
// range comes back when the schedule cannot be resolved.
func BlockCoverageRange(in ScheduleInput, creditsBefore, credits int) (Day, Day) {
	skip := creditsBefore
	if skip < 0 {
		skip = 0
	}
	in.OccurrencesNeeded = skip + credits
	occs, err := BuildOccurrenceSchedule(in)
	if err != nil || len(occs) <= skip {
		return Day{}, Day{}
	}
	return occs[skip].Date, occs[len(occs)-1].Date
}
