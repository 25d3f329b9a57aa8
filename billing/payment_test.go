package billing_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coverage-engine/billing"
	"github.com/warp/coverage-engine/billing/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// Monday 2025-01-06, 09:00 UTC.
var paymentNow = time.Date(2025, time.January, 6, 9, 0, 0, 0, time.UTC)

type paymentFixture struct {
	store      *store.Memory
	svc        *billing.PaymentService
	reconciler *billing.Reconciler
	observer   *recordingObserver
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()

	require.NoError(t, m.SaveFamily(ctx, billing.Family{ID: "fam-1", Name: "Nguyen"}))
	require.NoError(t, m.SaveFamily(ctx, billing.Family{ID: "fam-2", Name: "Okafor"}))
	require.NoError(t, m.SaveStudent(ctx, billing.Student{ID: "stu-1", FamilyID: "fam-1", Name: "Mia"}))
	require.NoError(t, m.SavePlan(ctx, fourWeekPlan))
	require.NoError(t, m.SavePlan(ctx, tenClassBlock))
	for _, tpl := range monWed {
		require.NoError(t, m.SaveTemplate(ctx, tpl))
	}
	require.NoError(t, m.SaveEnrolment(ctx, billing.Enrolment{
		ID:          "enr-w",
		StudentID:   "stu-1",
		PlanID:      fourWeekPlan.ID,
		BillingType: billing.BillingPerWeek,
		StartDate:   billing.MustParseDay("2025-01-06"),
		TemplateIDs: []billing.TemplateID{"mon", "wed"},
	}))
	require.NoError(t, m.SaveEnrolment(ctx, billing.Enrolment{
		ID:          "enr-b",
		StudentID:   "stu-1",
		PlanID:      tenClassBlock.ID,
		BillingType: billing.BillingPerClass,
		StartDate:   billing.MustParseDay("2025-01-06"),
		TemplateIDs: []billing.TemplateID{"mon", "wed"},
	}))

	var ids atomic.Int64
	observer := &recordingObserver{}
	svc := billing.NewPaymentService(m, billing.Calendar{})
	svc.Now = func() time.Time { return paymentNow }
	svc.NewID = func() string {
		return fmt.Sprintf("id-%03d", ids.Add(1))
	}
	svc.Observer = observer

	reconciler := billing.NewReconciler(m, billing.Calendar{})
	reconciler.Now = func() time.Time { return paymentNow }

	return &paymentFixture{store: m, svc: svc, reconciler: reconciler, observer: observer}
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) ObservePayment(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

// flakyLocker fails the first failures calls with a conflict.
type flakyLocker struct {
	failures int
	calls    int
	keys     []string
}

func (l *flakyLocker) Lock(_ context.Context, key string) (func(context.Context) error, error) {
	l.calls++
	l.keys = append(l.keys, key)
	if l.calls <= l.failures {
		return nil, &billing.ConflictError{Detail: "lock held"}
	}
	return func(context.Context) error { return nil }, nil
}

func (f *paymentFixture) enrolment(t *testing.T, id billing.EnrolmentID) billing.Enrolment {
	t.Helper()
	d, err := f.store.GetEnrolment(context.Background(), id)
	require.NoError(t, err)
	return d.Enrolment
}

// =============================================================================
// WEEKLY PAYMENTS
// =============================================================================

func TestRecordPayment_WeeklyAdvancesCoverage(t *testing.T) {
	// GIVEN: A new Mon/Wed enrolment on a $120 four-week plan
	// WHEN: The family pays one period on 2025-01-06
	// THEN: Paid through 2025-01-29 with a PAID receipt fully allocated

	f := newPaymentFixture(t)
	ctx := context.Background()

	res, err := f.svc.RecordPayment(ctx, billing.RecordPaymentInput{
		FamilyID:    "fam-1",
		EnrolmentID: "enr-w",
		AmountCents: 12000,
	})
	require.NoError(t, err)

	assert.False(t, res.Replayed)
	assert.Equal(t, "2025-01-06", res.CoverageStart.Key())
	assert.Equal(t, "2025-01-29", res.PaidThrough.Key())
	assert.Equal(t, billing.MethodCash, res.Payment.Method)

	e := f.enrolment(t, "enr-w")
	assert.Equal(t, "2025-01-29", e.PaidThrough.Key())
	assert.Equal(t, int64(1), e.Version)

	invoices, err := f.store.ListFamilyInvoices(ctx, "fam-1")
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, res.ReceiptInvoiceID, invoices[0].ID)
	assert.Equal(t, billing.InvoicePaid, invoices[0].Status)
	assert.Equal(t, "2025-01-29", invoices[0].CoverageEnd.Key())
	require.Len(t, invoices[0].LineItems, 1)
	assert.Contains(t, invoices[0].LineItems[0].Description, fourWeekPlan.Name)

	allocations, err := f.store.ListPaymentAllocations(ctx, res.Payment.ID)
	require.NoError(t, err)
	require.Len(t, allocations, 1)
	assert.Equal(t, int64(12000), allocations[0].AmountCents)

	audits, err := f.store.ListCoverageAudits(ctx, "enr-w")
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, res.Payment.ID, audits[0].PaymentID)
	assert.Equal(t, 0, audits[0].HolidayShiftDays)

	assert.Equal(t, []string{billing.OutcomeRecorded}, f.observer.outcomes)
}

func TestRecordPayment_WeeklyHolidayShift(t *testing.T) {
	// GIVEN: The week of 2025-01-13 is closed
	f := newPaymentFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveHoliday(ctx, billing.Holiday{
		ID:    "hol-1",
		Start: billing.MustParseDay("2025-01-13"),
		End:   billing.MustParseDay("2025-01-19"),
	}))

	// WHEN: Paying one period
	res, err := f.svc.RecordPayment(ctx, billing.RecordPaymentInput{
		FamilyID:    "fam-1",
		EnrolmentID: "enr-w",
		AmountCents: 12000,
	})
	require.NoError(t, err)

	// THEN: Coverage is pushed a week, and the audit records the shift
	assert.Equal(t, "2025-02-05", res.PaidThrough.Key())
	e := f.enrolment(t, "enr-w")
	assert.Equal(t, "2025-01-29", e.PaidThroughBaseline.Key())

	audits, err := f.store.ListCoverageAudits(ctx, "enr-w")
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, 7, audits[0].HolidayShiftDays)
}

func TestRecordPayment_SecondPaymentIsMonotonic(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	first, err := f.svc.RecordPayment(ctx, billing.RecordPaymentInput{FamilyID: "fam-1", EnrolmentID: "enr-w", AmountCents: 12000})
	require.NoError(t, err)
	second, err := f.svc.RecordPayment(ctx, billing.RecordPaymentInput{FamilyID: "fam-1", EnrolmentID: "enr-w", AmountCents: 12000})
	require.NoError(t, err)

	assert.True(t, second.PaidThrough.After(first.PaidThrough))
	assert.Equal(t, "2025-01-30", second.CoverageStart.Key())
	assert.Equal(t, "2025-02-26", second.PaidThrough.Key())
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestRecordPayment_IdempotentReplay(t *testing.T) {
	// GIVEN: A payment recorded with key "k-1"
	// WHEN: The same call is repeated
	// THEN: The original payment comes back unchanged, nothing is re-applied

	f := newPaymentFixture(t)
	ctx := context.Background()
	in := billing.RecordPaymentInput{FamilyID: "fam-1", EnrolmentID: "enr-w", AmountCents: 12000, IdempotencyKey: "k-1"}

	first, err := f.svc.RecordPayment(ctx, in)
	require.NoError(t, err)
	second, err := f.svc.RecordPayment(ctx, in)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Payment.ID, second.Payment.ID)
	assert.Equal(t, first.ReceiptInvoiceID, second.ReceiptInvoiceID)
	assert.Equal(t, first.CoverageStart, second.CoverageStart)
	assert.Equal(t, first.CoverageEnd, second.CoverageEnd)
	assert.Equal(t, first.PaidThrough, second.PaidThrough)

	payments, err := f.store.ListFamilyPayments(ctx, "fam-1")
	require.NoError(t, err)
	assert.Len(t, payments, 1)
	assert.Equal(t, "2025-01-29", f.enrolment(t, "enr-w").PaidThrough.Key())
	assert.Equal(t, []string{billing.OutcomeRecorded, billing.OutcomeReplayed}, f.observer.outcomes)
}

func TestRecordPayment_BlockReplayReportsCredits(t *testing.T) {
	// GIVEN: A block purchase recorded with a key
	f := newPaymentFixture(t)
	ctx := context.Background()
	in := billing.RecordPaymentInput{FamilyID: "fam-1", EnrolmentID: "enr-b", AmountCents: 25000, IdempotencyKey: "blk-1"}
	first, err := f.svc.RecordPayment(ctx, in)
	require.NoError(t, err)

	// WHEN: The client retries
	second, err := f.svc.RecordPayment(ctx, in)
	require.NoError(t, err)

	// THEN: The same credits and coverage come back, none added twice
	assert.True(t, second.Replayed)
	assert.Equal(t, 10, second.CreditsAdded)
	assert.Equal(t, 10, second.CreditsRemaining)
	assert.Equal(t, first.CoverageStart, second.CoverageStart)
	assert.Equal(t, first.CoverageEnd, second.CoverageEnd)
}

func TestRecordPayment_DepositReplayHasNoCoverage(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	in := billing.RecordPaymentInput{FamilyID: "fam-1", AmountCents: 1000, IdempotencyKey: "dep-1"}
	_, err := f.svc.RecordPayment(ctx, in)
	require.NoError(t, err)

	res, err := f.svc.RecordPayment(ctx, in)

	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Empty(t, res.ReceiptInvoiceID)
	assert.True(t, res.PaidThrough.IsZero())
}

func TestRecordPayment_IdempotencyKeyIsPerFamily(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	_, err := f.svc.RecordPayment(ctx, billing.RecordPaymentInput{FamilyID: "fam-1", AmountCents: 1000, IdempotencyKey: "k-1"})
	require.NoError(t, err)
	res, err := f.svc.RecordPayment(ctx, billing.RecordPaymentInput{FamilyID: "fam-2", AmountCents: 1000, IdempotencyKey: "k-1"})
	require.NoError(t, err)

	assert.False(t, res.Replayed)
}

// =============================================================================
// REJECTIONS AND ROLLBACK
// =============================================================================

func TestRecordPayment_RejectsNonPositiveAmount(t *testing.T) {
	f := newPaymentFixture(t)

	_, err := f.svc.RecordPayment(context.Background(), billing.RecordPaymentInput{FamilyID: "fam-1", AmountCents: 0})

	var verr *billing.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "amountCents", verr.Field)
	assert.Equal(t, []string{billing.OutcomeRejected}, f.observer.outcomes)
}

func TestRecordPayment_OwnershipViolation(t *testing.T) {
	// GIVEN: enr-w belongs to fam-1
	// WHEN: fam-2 pays for it
	// THEN: Rejected, nothing persisted

	f := newPaymentFixture(t)
	ctx := context.Background()

	_, err := f.svc.RecordPayment(ctx, billing.RecordPaymentInput{FamilyID: "fam-2", EnrolmentID: "enr-w", AmountCents: 12000})

	require.True(t, errors.Is(err, billing.ErrOwnership))
	payments, err := f.store.ListFamilyPayments(ctx, "fam-2")
	require.NoError(t, err)
	assert.Empty(t, payments)
	assert.True(t, f.enrolment(t, "enr-w").PaidThrough.IsZero())
}

func TestRecordPayment_UnknownEnrolment(t *testing.T) {
	f := newPaymentFixture(t)

	_, err := f.svc.RecordPayment(context.Background(), billing.RecordPaymentInput{FamilyID: "fam-1", EnrolmentID: "nope", AmountCents: 100})

	assert.True(t, billing.IsNotFound(err))
}

func TestRecordPayment_ScheduleFailureRollsBack(t *testing.T) {
	// GIVEN: A weekly enrolment with no templates
	f := newPaymentFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveEnrolment(ctx, billing.Enrolment{
		ID:          "enr-empty",
		StudentID:   "stu-1",
		PlanID:      fourWeekPlan.ID,
		BillingType: billing.BillingPerWeek,
		StartDate:   billing.MustParseDay("2025-01-06"),
	}))

	// WHEN: Paying for it
	_, err := f.svc.RecordPayment(ctx, billing.RecordPaymentInput{FamilyID: "fam-1", EnrolmentID: "enr-empty", AmountCents: 12000})

	// THEN: Schedule error, no payment or invoice left behind
	require.True(t, errors.Is(err, billing.ErrScheduleResolution))
	payments, err := f.store.ListFamilyPayments(ctx, "fam-1")
	require.NoError(t, err)
	assert.Empty(t, payments)
	invoices, err := f.store.ListFamilyInvoices(ctx, "fam-1")
	require.NoError(t, err)
	assert.Empty(t, invoices)
}

// =============================================================================
// BLOCK PAYMENTS
// =============================================================================

func TestRecordPayment_BlockPurchaseAddsCredits(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	res, err := f.svc.RecordPayment(ctx, billing.RecordPaymentInput{FamilyID: "fam-1", EnrolmentID: "enr-b", AmountCents: 25000})
	require.NoError(t, err)

	assert.Equal(t, 10, res.CreditsAdded)
	assert.Equal(t, 10, res.CreditsRemaining)
	assert.Equal(t, "2025-01-06", res.CoverageStart.Key())
	assert.Equal(t, "2025-02-05", res.CoverageEnd.Key())

	events, err := f.store.ListCreditEvents(ctx, "enr-b")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, billing.CreditPurchase, events[0].Kind)
	assert.Equal(t, res.ReceiptInvoiceID, events[0].InvoiceID)
	assert.Equal(t, 10, f.enrolment(t, "enr-b").CreditsRemaining)
}

func TestRecordPayment_CustomBlock(t *testing.T) {
	// GIVEN: A 10-class plan, paying $300 for a custom block of 12
	f := newPaymentFixture(t)
	ctx := context.Background()

	res, err := f.svc.RecordPayment(ctx, billing.RecordPaymentInput{
		FamilyID:          "fam-1",
		EnrolmentID:       "enr-b",
		AmountCents:       30000,
		CustomBlockLength: 12,
	})
	require.NoError(t, err)

	// THEN: 12 credits, and the line item prices each class
	assert.Equal(t, 12, res.CreditsAdded)

	invoices, err := f.store.ListFamilyInvoices(ctx, "fam-1")
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	line := invoices[0].LineItems[0]
	assert.Equal(t, 12, line.Quantity)
	assert.Equal(t, int64(2500), line.UnitPriceCents)
	assert.True(t, strings.Contains(line.Description, "custom block of 12 classes at $25.00/class"), line.Description)
}

func TestRecordPayment_CustomBlockRemainderOnLastClass(t *testing.T) {
	f := newPaymentFixture(t)

	_, err := f.svc.RecordPayment(context.Background(), billing.RecordPaymentInput{
		FamilyID:          "fam-1",
		EnrolmentID:       "enr-b",
		AmountCents:       25000,
		CustomBlockLength: 12,
	})
	require.NoError(t, err)

	invoices, err := f.store.ListFamilyInvoices(context.Background(), "fam-1")
	require.NoError(t, err)
	line := invoices[0].LineItems[0]
	assert.Contains(t, line.Description, "last class $20.87")
	assert.Equal(t, int64(25000), line.AmountCents)
}

func TestRecordPayment_CustomBlockBelowMinimum(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	_, err := f.svc.RecordPayment(ctx, billing.RecordPaymentInput{
		FamilyID:          "fam-1",
		EnrolmentID:       "enr-b",
		AmountCents:       20000,
		CustomBlockLength: 8,
	})

	require.True(t, errors.Is(err, billing.ErrValidation))
	events, err := f.store.ListCreditEvents(ctx, "enr-b")
	require.NoError(t, err)
	assert.Empty(t, events)
}

// =============================================================================
// PLAN SWITCH
// =============================================================================

func TestRecordPayment_PlanSwitchOverridesAmount(t *testing.T) {
	// GIVEN: A cheaper one-session weekly plan
	f := newPaymentFixture(t)
	ctx := context.Background()
	single := billing.Plan{
		ID:              "plan-single",
		Name:            "Single weekly",
		PriceCents:      3000,
		BillingType:     billing.BillingPerWeek,
		DurationWeeks:   1,
		SessionsPerWeek: 1,
	}
	require.NoError(t, f.store.SavePlan(ctx, single))

	// WHEN: Paying with the switch, whatever amount was typed
	res, err := f.svc.RecordPayment(ctx, billing.RecordPaymentInput{
		FamilyID:    "fam-1",
		EnrolmentID: "enr-w",
		AmountCents: 99999,
		PlanID:      single.ID,
	})
	require.NoError(t, err)

	// THEN: Charged the plan price, enrolment moved to the new plan
	assert.Equal(t, int64(3000), res.Payment.AmountCents)
	assert.Equal(t, "2025-01-06", res.PaidThrough.Key())
	assert.Equal(t, single.ID, f.enrolment(t, "enr-w").PlanID)
}

func TestRecordPayment_PlanSwitchToBlockRejected(t *testing.T) {
	f := newPaymentFixture(t)

	_, err := f.svc.RecordPayment(context.Background(), billing.RecordPaymentInput{
		FamilyID:    "fam-1",
		EnrolmentID: "enr-w",
		AmountCents: 100,
		PlanID:      tenClassBlock.ID,
	})

	assert.True(t, errors.Is(err, billing.ErrValidation))
	assert.Equal(t, fourWeekPlan.ID, f.enrolment(t, "enr-w").PlanID)
}

func TestRecordPayment_PlanSwitchLevelMismatch(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SavePlan(ctx, billing.Plan{
		ID:            "plan-seniors",
		PriceCents:    5000,
		BillingType:   billing.BillingPerWeek,
		DurationWeeks: 1,
		LevelID:       "seniors",
	}))

	_, err := f.svc.RecordPayment(ctx, billing.RecordPaymentInput{
		FamilyID:    "fam-1",
		EnrolmentID: "enr-w",
		AmountCents: 5000,
		PlanID:      "plan-seniors",
	})

	var verr *billing.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "planId", verr.Field)
}

// =============================================================================
// DEPOSITS AND RECONCILIATION
// =============================================================================

func TestRecordPayment_DepositBecomesCredit(t *testing.T) {
	// GIVEN: A $120 payment with no enrolment
	f := newPaymentFixture(t)
	ctx := context.Background()

	res, err := f.svc.RecordPayment(ctx, billing.RecordPaymentInput{FamilyID: "fam-2", AmountCents: 12000, Method: billing.MethodBank})
	require.NoError(t, err)

	// THEN: No receipt, and net owing is -$120
	assert.Empty(t, res.ReceiptInvoiceID)
	out, err := f.reconciler.ComputeFamilyNetOwing(ctx, "fam-2")
	require.NoError(t, err)
	assert.Equal(t, int64(-12000), out.NetOwingCents)
	assert.Equal(t, []string{billing.OutcomeDeposited}, f.observer.outcomes)
}

func TestRecordPayment_PaidReceiptDoesNotCountAsCredit(t *testing.T) {
	// GIVEN: fam-1 pays the weekly enrolment and buys a block
	f := newPaymentFixture(t)
	ctx := context.Background()
	_, err := f.svc.RecordPayment(ctx, billing.RecordPaymentInput{FamilyID: "fam-1", EnrolmentID: "enr-w", AmountCents: 12000})
	require.NoError(t, err)
	_, err = f.svc.RecordPayment(ctx, billing.RecordPaymentInput{FamilyID: "fam-1", EnrolmentID: "enr-b", AmountCents: 25000})
	require.NoError(t, err)

	// WHEN: Reconciling
	summary, err := f.reconciler.ComputeFamilySummary(ctx, "fam-1")
	require.NoError(t, err)
	out, err := f.reconciler.ComputeFamilyNetOwing(ctx, "fam-1")
	require.NoError(t, err)

	// THEN: Nothing owed, nothing in credit
	assert.Equal(t, int64(0), summary.OverdueOwingCents)
	assert.Equal(t, int64(37000), out.PaymentsTotalCents)
	assert.Equal(t, int64(37000), out.AppliedCents)
	assert.Equal(t, int64(0), out.NetOwingCents)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestRecordPayment_RetriesLockConflict(t *testing.T) {
	// GIVEN: The enrolment lock is busy on the first attempt
	f := newPaymentFixture(t)
	locker := &flakyLocker{failures: 1}
	f.svc.Locker = locker

	// WHEN: Recording a payment
	res, err := f.svc.RecordPayment(context.Background(), billing.RecordPaymentInput{FamilyID: "fam-1", EnrolmentID: "enr-w", AmountCents: 12000})

	// THEN: The second attempt succeeds
	require.NoError(t, err)
	assert.Equal(t, "2025-01-29", res.PaidThrough.Key())
	assert.Equal(t, 2, locker.calls)
	assert.Equal(t, billing.EnrolmentLockKey("enr-w"), locker.keys[0])
}

func TestRecordPayment_GivesUpAfterMaxAttempts(t *testing.T) {
	f := newPaymentFixture(t)
	locker := &flakyLocker{failures: 10}
	f.svc.Locker = locker
	f.svc.MaxAttempts = 3

	_, err := f.svc.RecordPayment(context.Background(), billing.RecordPaymentInput{FamilyID: "fam-1", EnrolmentID: "enr-w", AmountCents: 12000})

	assert.True(t, billing.IsRetryable(err))
	assert.Equal(t, 3, locker.calls)
	assert.Equal(t, []string{billing.OutcomeConflict}, f.observer.outcomes)
}

func TestRecordPayment_BacksOffBeforeRetry(t *testing.T) {
	// GIVEN: A lock that is busy on the first try
	f := newPaymentFixture(t)
	locker := &flakyLocker{failures: 1}
	f.svc.Locker = locker
	f.svc.RetryBackoff = 40 * time.Millisecond

	// WHEN: Recording a payment
	start := time.Now()
	_, err := f.svc.RecordPayment(context.Background(), billing.RecordPaymentInput{FamilyID: "fam-1", EnrolmentID: "enr-w", AmountCents: 12000})

	// THEN: The retry waited at least half the base backoff
	require.NoError(t, err)
	assert.Equal(t, 2, locker.calls)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestRecordPayment_BackoffStopsOnCancel(t *testing.T) {
	f := newPaymentFixture(t)
	locker := &flakyLocker{failures: 10}
	f.svc.Locker = locker
	f.svc.MaxAttempts = 5
	f.svc.RetryBackoff = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.svc.RecordPayment(ctx, billing.RecordPaymentInput{FamilyID: "fam-1", EnrolmentID: "enr-w", AmountCents: 12000})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, locker.calls)
	assert.Equal(t, []string{billing.OutcomeFailed}, f.observer.outcomes)
}

func TestRecordPayment_DepositSkipsLock(t *testing.T) {
	f := newPaymentFixture(t)
	locker := &flakyLocker{failures: 10}
	f.svc.Locker = locker

	_, err := f.svc.RecordPayment(context.Background(), billing.RecordPaymentInput{FamilyID: "fam-1", AmountCents: 500})

	require.NoError(t, err)
	assert.Equal(t, 0, locker.calls)
}

func TestRecordPayment_ConcurrentPaymentsSerialize(t *testing.T) {
	// GIVEN: Two payments for the same enrolment at once
	f := newPaymentFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.RecordPayment(ctx, billing.RecordPaymentInput{
				FamilyID:       "fam-1",
				EnrolmentID:    "enr-w",
				AmountCents:    12000,
				IdempotencyKey: fmt.Sprintf("k-%d", i),
			})
		}(i)
	}
	wg.Wait()

	// THEN: Both applied, one after the other
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	e := f.enrolment(t, "enr-w")
	assert.Equal(t, "2025-02-26", e.PaidThrough.Key())
	assert.Equal(t, int64(2), e.Version)
}

// =============================================================================
// SCHEDULE PREVIEW
// =============================================================================

func TestPreviewSchedule_FromCoverageStart(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	before, err := f.reconciler.PreviewSchedule(ctx, "enr-w", 4)
	require.NoError(t, err)
	assert.Equal(t, "2025-01-06", before.From.Key())
	assert.Equal(t, []string{"2025-01-06", "2025-01-08", "2025-01-13", "2025-01-15"},
		keys(billing.OccurrenceDates(before.Occurrences)))

	_, err = f.svc.RecordPayment(ctx, billing.RecordPaymentInput{FamilyID: "fam-1", EnrolmentID: "enr-w", AmountCents: 12000})
	require.NoError(t, err)

	after, err := f.reconciler.PreviewSchedule(ctx, "enr-w", 2)
	require.NoError(t, err)
	assert.Equal(t, "2025-01-30", after.From.Key())
	assert.Equal(t, []string{"2025-02-03", "2025-02-05"}, keys(billing.OccurrenceDates(after.Occurrences)))
}

func TestPreviewSchedule_CountBounds(t *testing.T) {
	f := newPaymentFixture(t)

	_, err := f.reconciler.PreviewSchedule(context.Background(), "enr-w", 0)
	assert.True(t, errors.Is(err, billing.ErrValidation))

	_, err = f.reconciler.PreviewSchedule(context.Background(), "enr-w", billing.MaxPreviewOccurrences+1)
	assert.True(t, errors.Is(err, billing.ErrValidation))
}
