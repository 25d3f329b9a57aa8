/*
payment.go - Payment Recording Transaction

PURPOSE:
  RecordPayment is the only mutating entry point of the engine. In one
  atomic transaction it records a payment, advances the enrolment's
  entitlement, and emits an immutable PAID receipt invoice fully allocated
  to the payment.

STEPS (all inside Store.WithTx):
  1. Idempotency: an existing (family, key) payment is returned unchanged.
  2. No enrolment: pure credit deposit, payment row only.
  3. Lock the enrolment, check it belongs to the family.
  4. Plan override (PER_WEEK only): amount forced to the plan price.
  5. PER_WEEK: walk occurrences, advance paidThrough + holiday-naive baseline.
  6. PER_CLASS: append PURCHASE credit event, refresh cache from ledger,
     compute the nominal coverage range (best effort).
  7. PAID receipt invoice with one line item.
  8. Allocation payment -> receipt.
  9. Coverage audit: cache vs ledger check + immutable audit row.

FAILURE SEMANTICS:
  Any violated precondition aborts the whole transaction. Nothing is
  observable outside it until commit.

CONCURRENCY:
  Optional distributed lock (Locker) around the transaction; the enrolment
  row is locked and written back with a version compare-and-swap. Conflicts
  are retried as a whole call up to MaxAttempts, which is safe because the
  call is idempotency-key protected. Attempt n waits a jittered
  RetryBackoff x n first, so a held lock has time to be released.

SEE ALSO:
  - coverage.go: the calculations applied here
  - audit.go: step 9
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// INPUT / OUTPUT
// =============================================================================

type RecordPaymentInput struct {
	FamilyID          FamilyID
	AmountCents       int64
	PaidAt            time.Time // zero = now
	Method            PaymentMethod
	Note              string
	EnrolmentID       EnrolmentID // empty = unallocated credit deposit
	IdempotencyKey    string
	CustomBlockLength int    // PER_CLASS only, 0 = plan default
	PlanID            PlanID // PER_WEEK pay-ahead plan switch
}

type PaymentResult struct {
	Payment          Payment
	ReceiptInvoiceID InvoiceID
	Replayed         bool

	// Enrolment state after the payment, zero for deposits. Replays report
	// the receipt's coverage and the enrolment's current state.
	CoverageStart    Day
	CoverageEnd      Day
	PaidThrough      Day
	CreditsRemaining int
	CreditsAdded     int
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// Locker serializes work on one key across processes.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(context.Context) error, err error)
}

// PaymentObserver is told the outcome of every RecordPayment call.
type PaymentObserver interface {
	ObservePayment(outcome string)
}

const (
	OutcomeRecorded  = "recorded"
	OutcomeReplayed  = "replayed"
	OutcomeRejected  = "rejected"
	OutcomeConflict  = "conflict"
	OutcomeFailed    = "failed"
	OutcomeDeposited = "deposited"
)

// EnrolmentLockKey builds the distributed lock key for an enrolment.
func EnrolmentLockKey(id EnrolmentID) string {
	return fmt.Sprintf("coverage:enrolment:%s:lock", id)
}

// =============================================================================
// PAYMENT SERVICE
// =============================================================================

type PaymentService struct {
	Store    TxStore
	Calendar Calendar

	Now   func() time.Time
	NewID func() string

	Locker      Locker          // optional
	Observer    PaymentObserver // optional
	Logger      *slog.Logger
	MaxAttempts int

	// RetryBackoff is the base wait between conflicting attempts; 0 retries
	// immediately.
	RetryBackoff time.Duration
}

// DefaultRetryBackoff is the base wait NewPaymentService configures.
const DefaultRetryBackoff = 50 * time.Millisecond

func NewPaymentService(store TxStore, cal Calendar) *PaymentService {
	return &PaymentService{
		Store:        store,
		Calendar:     cal,
		Now:          time.Now,
		NewID:        uuid.NewString,
		Logger:       slog.Default(),
		MaxAttempts:  3,
		RetryBackoff: DefaultRetryBackoff,
	}
}

func (s *PaymentService) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *PaymentService) newID() string {
	if s.NewID == nil {
		return uuid.NewString()
	}
	return s.NewID()
}

func (s *PaymentService) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *PaymentService) observe(outcome string) {
	if s.Observer != nil {
		s.Observer.ObservePayment(outcome)
	}
}

// RecordPayment records a payment and everything it funds, atomically.
func (s *PaymentService) RecordPayment(ctx context.Context, in RecordPaymentInput) (PaymentResult, error) {
	if err := validatePaymentInput(in); err != nil {
		s.observe(OutcomeRejected)
		return PaymentResult{}, err
	}

	attempts := s.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		res, err := s.recordOnce(ctx, in)
		if err == nil {
			s.observe(outcomeOf(res, in))
			s.logger().Info("payment recorded",
				"family_id", in.FamilyID,
				"enrolment_id", in.EnrolmentID,
				"payment_id", res.Payment.ID,
				"receipt_invoice_id", res.ReceiptInvoiceID,
				"replayed", res.Replayed,
			)
			return res, nil
		}
		if !IsRetryable(err) || attempt >= attempts {
			s.observe(failureOutcome(err))
			return PaymentResult{}, err
		}
		s.logger().Warn("payment conflict, retrying",
			"family_id", in.FamilyID,
			"enrolment_id", in.EnrolmentID,
			"attempt", attempt,
			"error", err,
		)
		if err := s.backoff(ctx, attempt); err != nil {
			s.observe(OutcomeFailed)
			return PaymentResult{}, err
		}
	}
}

// backoff waits between half and all of RetryBackoff x attempt.
func (s *PaymentService) backoff(ctx context.Context, attempt int) error {
	if s.RetryBackoff <= 0 {
		return ctx.Err()
	}
	d := s.RetryBackoff * time.Duration(attempt)
	d = d/2 + rand.N(d/2+1)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func validatePaymentInput(in RecordPaymentInput) error {
	if in.FamilyID == "" {
		return invalid("familyId", "is required")
	}
	if in.AmountCents <= 0 {
		return invalid("amountCents", "must be positive, got %d", in.AmountCents)
	}
	if in.CustomBlockLength < 0 {
		return invalid("customBlockLength", "must not be negative, got %d", in.CustomBlockLength)
	}
	if in.PlanID != "" && in.EnrolmentID == "" {
		return invalid("planId", "a plan switch needs an enrolment")
	}
	return nil
}

func outcomeOf(res PaymentResult, in RecordPaymentInput) string {
	switch {
	case res.Replayed:
		return OutcomeReplayed
	case in.EnrolmentID == "":
		return OutcomeDeposited
	default:
		return OutcomeRecorded
	}
}

func failureOutcome(err error) string {
	switch {
	case IsRetryable(err):
		return OutcomeConflict
	case IsClientError(err), IsNotFound(err):
		return OutcomeRejected
	default:
		return OutcomeFailed
	}
}

func (s *PaymentService) recordOnce(ctx context.Context, in RecordPaymentInput) (PaymentResult, error) {
	if in.EnrolmentID != "" && s.Locker != nil {
		unlock, err := s.Locker.Lock(ctx, EnrolmentLockKey(in.EnrolmentID))
		if err != nil {
			return PaymentResult{}, err
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				s.logger().Warn("release enrolment lock", "enrolment_id", in.EnrolmentID, "error", err)
			}
		}()
	}

	now := s.now()
	var res PaymentResult
	err := s.Store.WithTx(ctx, func(tx Store) error {
		var err error
		res, err = s.apply(ctx, tx, in, now)
		return err
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		// A concurrent call with the same key committed first; the retry
		// replays it.
		return PaymentResult{}, &ConflictError{EnrolmentID: in.EnrolmentID, Detail: "idempotency key raced"}
	}
	if err != nil {
		return PaymentResult{}, err
	}
	return res, nil
}

// apply runs steps 1-9 against the transactional store.
func (s *PaymentService) apply(ctx context.Context, tx Store, in RecordPaymentInput, now time.Time) (PaymentResult, error) {
	today := s.Calendar.Today(now)

	// 1. Idempotency, before any mutation.
	if in.IdempotencyKey != "" {
		prior, err := tx.FindPaymentByIdempotencyKey(ctx, in.FamilyID, in.IdempotencyKey)
		if err != nil {
			return PaymentResult{}, fmt.Errorf("idempotency lookup: %w", err)
		}
		if prior != nil {
			return replay(ctx, tx, *prior)
		}
	}

	paidAt := in.PaidAt
	if paidAt.IsZero() {
		paidAt = now
	}
	method := in.Method
	if method == "" {
		method = DefaultMethod
	}
	payment := Payment{
		ID:             PaymentID(s.newID()),
		FamilyID:       in.FamilyID,
		AmountCents:    in.AmountCents,
		PaidAt:         paidAt,
		Method:         method,
		Note:           in.Note,
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      now,
	}

	// 2. Pure deposit.
	if in.EnrolmentID == "" {
		if err := tx.CreatePayment(ctx, payment); err != nil {
			return PaymentResult{}, err
		}
		return PaymentResult{Payment: payment}, nil
	}

	// 3. Ownership.
	detail, err := tx.LockEnrolment(ctx, in.EnrolmentID)
	if err != nil {
		return PaymentResult{}, err
	}
	if detail.Student.FamilyID != in.FamilyID {
		return PaymentResult{}, &OwnershipError{EnrolmentID: in.EnrolmentID, FamilyID: in.FamilyID}
	}
	enrolment := detail.Enrolment

	// 4. Plan override.
	plan := detail.Plan
	if in.PlanID != "" {
		plan, err = s.resolvePlanSwitch(ctx, tx, detail, in.PlanID)
		if err != nil {
			return PaymentResult{}, err
		}
		payment.AmountCents = plan.PriceCents
	}
	if plan.ID == "" {
		return PaymentResult{}, invalid("planId", "enrolment %s has no billing plan", enrolment.ID)
	}

	receipt := Invoice{
		ID:              InvoiceID(s.newID()),
		FamilyID:        in.FamilyID,
		EnrolmentID:     enrolment.ID,
		AmountCents:     payment.AmountCents,
		AmountPaidCents: payment.AmountCents,
		Status:          InvoicePaid,
		IssuedAt:        now,
	}
	res := PaymentResult{Payment: payment, ReceiptInvoiceID: receipt.ID}

	// 5 / 6. Entitlement.
	update := CoverageUpdate{
		EnrolmentID:         enrolment.ID,
		PlanID:              plan.ID,
		PaidThrough:         enrolment.PaidThrough,
		PaidThroughBaseline: enrolment.PaidThroughBaseline,
		ExpectedVersion:     enrolment.Version,
	}
	holidays, cancellations, err := scheduleExclusions(ctx, tx, detail.Templates, today)
	if err != nil {
		return PaymentResult{}, err
	}

	switch billingTypeOf(enrolment, plan) {
	case BillingPerWeek:
		adv, err := AdvanceWeeklyCoverage(WeeklyAdvanceInput{
			Enrolment:     enrolment,
			Plan:          plan,
			Templates:     detail.Templates,
			Holidays:      holidays,
			Cancellations: cancellations,
			Today:         today,
		})
		if err != nil {
			return PaymentResult{}, err
		}
		update.PaidThrough = adv.PaidThrough
		update.PaidThroughBaseline = MaxDay(adv.Baseline, enrolment.PaidThroughBaseline)
		receipt.CoverageStart = adv.CoverageStart
		receipt.CoverageEnd = adv.PaidThrough
		receipt.LineItems = []LineItem{weeklyLineItem(s.newID(), plan, enrolment.ID, payment.AmountCents, adv)}
		res.CoverageStart, res.CoverageEnd = adv.CoverageStart, adv.PaidThrough

	case BillingPerClass:
		purchase, err := ResolveBlockLength(plan, in.CustomBlockLength)
		if err != nil {
			return PaymentResult{}, err
		}
		split, err := SplitPerClass(payment.AmountCents, purchase.Credits)
		if err != nil {
			return PaymentResult{}, err
		}
		ledger := NewCreditLedger(tx)
		before, err := ledger.Balance(ctx, enrolment.ID)
		if err != nil {
			return PaymentResult{}, err
		}
		balance, err := ledger.Append(ctx, CreditEvent{
			ID:           CreditEventID(s.newID()),
			EnrolmentID:  enrolment.ID,
			Kind:         CreditPurchase,
			CreditsDelta: purchase.Credits,
			OccurredAt:   now,
			InvoiceID:    receipt.ID,
			Note:         fmt.Sprintf("payment %s", payment.ID),
		})
		if err != nil {
			return PaymentResult{}, err
		}
		from, to := BlockCoverageRange(ScheduleInput{
			Start:           MaxDay(enrolment.StartDate, today),
			Templates:       detail.Templates,
			Holidays:        holidays,
			Cancellations:   cancellations,
			SessionsPerWeek: EffectiveSessionsPerWeek(plan, len(detail.Templates)),
		}, before, purchase.Credits)
		receipt.CoverageStart, receipt.CoverageEnd = from, to
		receipt.CreditsPurchased = purchase.Credits
		receipt.LineItems = []LineItem{blockLineItem(s.newID(), plan, enrolment.ID, purchase, split)}
		res.CoverageStart, res.CoverageEnd = from, to
		res.CreditsRemaining = balance
		res.CreditsAdded = purchase.Credits

	default:
		return PaymentResult{}, invalid("billingType", "unknown billing type %q", billingTypeOf(enrolment, plan))
	}
	res.PaidThrough = update.PaidThrough

	// 7 / 8. Payment, receipt, allocation.
	if err := tx.CreatePayment(ctx, payment); err != nil {
		return PaymentResult{}, err
	}
	if err := tx.CreateInvoice(ctx, receipt); err != nil {
		return PaymentResult{}, fmt.Errorf("create receipt invoice: %w", err)
	}
	if err := tx.CreateAllocation(ctx, Allocation{
		ID:          AllocationID(s.newID()),
		PaymentID:   payment.ID,
		InvoiceID:   receipt.ID,
		AmountCents: payment.AmountCents,
	}); err != nil {
		return PaymentResult{}, fmt.Errorf("create allocation: %w", err)
	}

	if _, err := tx.UpdateEnrolmentCoverage(ctx, update); err != nil {
		return PaymentResult{}, err
	}

	// 9. Audit.
	audit, err := RecalculateCoverage(ctx, tx, enrolment.ID, payment.ID, s.newID(), now)
	if err != nil {
		return PaymentResult{}, err
	}
	res.CreditsRemaining = audit.CachedCredits
	return res, nil
}

func (s *PaymentService) resolvePlanSwitch(ctx context.Context, tx Store, detail EnrolmentDetail, planID PlanID) (Plan, error) {
	plan, err := tx.GetPlan(ctx, planID)
	if err != nil {
		return Plan{}, err
	}
	if plan.BillingType != BillingPerWeek || billingTypeOf(detail.Enrolment, detail.Plan) != BillingPerWeek {
		return Plan{}, invalid("planId", "plan switch is only supported between weekly plans")
	}
	if plan.PriceCents <= 0 {
		return Plan{}, invalid("planId", "plan %s has no price", plan.ID)
	}
	if plan.LevelID != "" {
		for _, tpl := range detail.Templates {
			if tpl.LevelID != plan.LevelID {
				return Plan{}, invalid("planId", "plan %s is for level %s, template %s is level %s",
					plan.ID, plan.LevelID, tpl.ID, tpl.LevelID)
			}
		}
	}
	return plan, nil
}

func scheduleExclusions(ctx context.Context, tx Reader, templates []Template, today Day) ([]Holiday, []Cancellation, error) {
	holidays, err := tx.ListHolidays(ctx, today)
	if err != nil {
		return nil, nil, fmt.Errorf("list holidays: %w", err)
	}
	ids := make([]TemplateID, len(templates))
	for i, tpl := range templates {
		ids[i] = tpl.ID
	}
	cancellations, err := tx.ListCancellations(ctx, ids, today)
	if err != nil {
		return nil, nil, fmt.Errorf("list cancellations: %w", err)
	}
	return holidays, cancellations, nil
}

// replay rebuilds the result of an earlier payment: coverage and credits
// bought come from its receipt, watermark and balance from the enrolment now.
func replay(ctx context.Context, tx Reader, prior Payment) (PaymentResult, error) {
	allocations, err := tx.ListPaymentAllocations(ctx, prior.ID)
	if err != nil {
		return PaymentResult{}, err
	}
	res := PaymentResult{Payment: prior, Replayed: true}
	if len(allocations) == 0 {
		return res, nil
	}
	res.ReceiptInvoiceID = allocations[0].InvoiceID

	invoices, err := tx.ListFamilyInvoices(ctx, prior.FamilyID)
	if err != nil {
		return PaymentResult{}, err
	}
	for _, inv := range invoices {
		if inv.ID != res.ReceiptInvoiceID {
			continue
		}
		res.CoverageStart, res.CoverageEnd = inv.CoverageStart, inv.CoverageEnd
		res.CreditsAdded = inv.CreditsPurchased
		if inv.EnrolmentID == "" {
			break
		}
		detail, err := tx.GetEnrolment(ctx, inv.EnrolmentID)
		if err != nil {
			return PaymentResult{}, err
		}
		res.PaidThrough = detail.Enrolment.PaidThrough
		res.CreditsRemaining = detail.Enrolment.CreditsRemaining
		break
	}
	return res, nil
}

// =============================================================================
// RECEIPT LINE ITEMS
// =============================================================================

func weeklyLineItem(id string, plan Plan, enrolmentID EnrolmentID, amount int64, adv WeeklyAdvance) LineItem {
	return LineItem{
		ID:   id,
		Kind: LineEnrolment,
		Description: fmt.Sprintf("%s: %d week(s), %s to %s",
			plan.Name, plan.DurationWeeks, adv.CoverageStart, adv.PaidThrough),
		Quantity:       1,
		UnitPriceCents: amount,
		AmountCents:    amount,
		EnrolmentID:    enrolmentID,
		PlanID:         plan.ID,
	}
}

func blockLineItem(id string, plan Plan, enrolmentID EnrolmentID, purchase BlockPurchase, split PerClassSplit) LineItem {
	desc := fmt.Sprintf("%s: %d classes", plan.Name, purchase.Credits)
	if purchase.Custom {
		desc += fmt.Sprintf(" (custom block of %d classes at $%s/class", purchase.Credits, FormatCents(split.UnitCents))
		if split.HasRemainder() {
			desc += fmt.Sprintf(", last class $%s", FormatCents(split.LastUnitCents))
		}
		desc += ")"
	}
	return LineItem{
		ID:             id,
		Kind:           LineEnrolment,
		Description:    desc,
		Quantity:       purchase.Credits,
		UnitPriceCents: split.UnitCents,
		AmountCents:    split.Total(),
		EnrolmentID:    enrolmentID,
		PlanID:         plan.ID,
	}
}
