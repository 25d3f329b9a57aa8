package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coverage-engine/billing"
	"github.com/warp/coverage-engine/billing/store"
)

func seeded(t *testing.T) *store.Memory {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.SaveFamily(ctx, billing.Family{ID: "fam-1"}))
	require.NoError(t, m.SaveStudent(ctx, billing.Student{ID: "stu-1", FamilyID: "fam-1"}))
	require.NoError(t, m.SavePlan(ctx, billing.Plan{ID: "plan-b", BillingType: billing.BillingPerClass, PriceCents: 1000, BlockClassCount: 5}))
	require.NoError(t, m.SaveEnrolment(ctx, billing.Enrolment{
		ID:          "enr-1",
		StudentID:   "stu-1",
		PlanID:      "plan-b",
		BillingType: billing.BillingPerClass,
		StartDate:   billing.MustParseDay("2025-01-06"),
	}))
	return m
}

func TestMemory_WithTxRollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that writes a payment then fails
	m := seeded(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(s billing.Store) error {
		require.NoError(t, s.CreatePayment(ctx, billing.Payment{ID: "pay-1", FamilyID: "fam-1", AmountCents: 100}))
		return boom
	})

	// THEN: The error surfaces and the write is gone
	assert.ErrorIs(t, err, boom)
	payments, err := m.ListFamilyPayments(ctx, "fam-1")
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestMemory_VersionCompareAndSwap(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	v, err := m.UpdateEnrolmentCoverage(ctx, billing.CoverageUpdate{EnrolmentID: "enr-1", ExpectedVersion: 0})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	_, err = m.UpdateEnrolmentCoverage(ctx, billing.CoverageUpdate{EnrolmentID: "enr-1", ExpectedVersion: 0})
	var cerr *billing.ConflictError
	require.True(t, errors.As(err, &cerr))
	assert.True(t, billing.IsRetryable(err))
}

func TestMemory_DuplicateIdempotencyKey(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	require.NoError(t, m.CreatePayment(ctx, billing.Payment{ID: "pay-1", FamilyID: "fam-1", AmountCents: 100, IdempotencyKey: "k"}))
	err := m.CreatePayment(ctx, billing.Payment{ID: "pay-2", FamilyID: "fam-1", AmountCents: 100, IdempotencyKey: "k"})

	assert.ErrorIs(t, err, billing.ErrDuplicateIdempotencyKey)

	found, err := m.FindPaymentByIdempotencyKey(ctx, "fam-1", "k")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, billing.PaymentID("pay-1"), found.ID)

	missing, err := m.FindPaymentByIdempotencyKey(ctx, "fam-1", "other")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemory_CreditsCacheFollowsLedger(t *testing.T) {
	// GIVEN: +5 purchased, -7 attended
	m := seeded(t)
	ctx := context.Background()
	require.NoError(t, m.AppendCreditEvent(ctx, billing.CreditEvent{ID: "ce-1", EnrolmentID: "enr-1", Kind: billing.CreditPurchase, CreditsDelta: 5}))
	require.NoError(t, m.AppendCreditEvent(ctx, billing.CreditEvent{ID: "ce-2", EnrolmentID: "enr-1", Kind: billing.CreditAttendance, CreditsDelta: -7}))

	// WHEN: Refreshing the cache
	credits, err := m.RefreshCreditsCache(ctx, "enr-1")
	require.NoError(t, err)

	// THEN: Cache equals the ledger, and re-saving the enrolment cannot overwrite it
	assert.Equal(t, -2, credits)
	require.NoError(t, m.SaveEnrolment(ctx, billing.Enrolment{
		ID:               "enr-1",
		StudentID:        "stu-1",
		PlanID:           "plan-b",
		BillingType:      billing.BillingPerClass,
		StartDate:        billing.MustParseDay("2025-01-06"),
		CreditsRemaining: 99,
	}))
	d, err := m.GetEnrolment(ctx, "enr-1")
	require.NoError(t, err)
	assert.Equal(t, -2, d.Enrolment.CreditsRemaining)
}

func TestMemory_AllocationCaps(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()
	require.NoError(t, m.CreatePayment(ctx, billing.Payment{ID: "pay-1", FamilyID: "fam-1", AmountCents: 1000}))
	require.NoError(t, m.SaveInvoice(ctx, billing.Invoice{ID: "inv-1", FamilyID: "fam-1", AmountCents: 600, Status: billing.InvoiceSent}))
	require.NoError(t, m.SaveInvoice(ctx, billing.Invoice{ID: "inv-2", FamilyID: "fam-1", AmountCents: 600, Status: billing.InvoiceSent}))

	require.NoError(t, m.CreateAllocation(ctx, billing.Allocation{ID: "a-1", PaymentID: "pay-1", InvoiceID: "inv-1", AmountCents: 600}))

	// Invoice already full
	err := m.CreateAllocation(ctx, billing.Allocation{ID: "a-2", PaymentID: "pay-1", InvoiceID: "inv-1", AmountCents: 1})
	assert.ErrorIs(t, err, billing.ErrValidation)

	// Payment has only 400 left
	err = m.CreateAllocation(ctx, billing.Allocation{ID: "a-3", PaymentID: "pay-1", InvoiceID: "inv-2", AmountCents: 500})
	assert.ErrorIs(t, err, billing.ErrValidation)

	err = m.CreateAllocation(ctx, billing.Allocation{ID: "a-4", PaymentID: "missing", InvoiceID: "inv-2", AmountCents: 1})
	assert.True(t, billing.IsNotFound(err))
}

func TestMemory_ListHolidaysFromDay(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()
	require.NoError(t, m.SaveHoliday(ctx, billing.Holiday{ID: "past", Start: billing.MustParseDay("2024-12-20"), End: billing.MustParseDay("2024-12-31")}))
	require.NoError(t, m.SaveHoliday(ctx, billing.Holiday{ID: "spans", Start: billing.MustParseDay("2025-01-01"), End: billing.MustParseDay("2025-01-10")}))
	require.NoError(t, m.SaveHoliday(ctx, billing.Holiday{ID: "single", Start: billing.MustParseDay("2025-02-01")}))

	got, err := m.ListHolidays(ctx, billing.MustParseDay("2025-01-06"))
	require.NoError(t, err)

	ids := make([]billing.HolidayID, len(got))
	for i, h := range got {
		ids[i] = h.ID
	}
	assert.ElementsMatch(t, []billing.HolidayID{"spans", "single"}, ids)
}

func TestMemory_ResetDropsEverything(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	require.NoError(t, m.Reset(ctx))

	_, err := m.GetEnrolment(ctx, "enr-1")
	assert.True(t, billing.IsNotFound(err))
}
