/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	billing data. Each scenario creates a family, students, plans,
	templates and enrolments that demonstrate one engine behaviour.
	Dates are relative to today so scenarios never go stale.

AVAILABLE SCENARIOS:

	weekly-overdue:    Weekly plan two periods behind
	block-credits:     Block plan with attendance past the purchased credits
	pending-invoice:   Overdue enrolment already billed by a SENT invoice
	credit-on-account: Deposit with nothing to pay, negative net owing
	holiday-shift:     Weekly enrolment with a closure in the next fortnight

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Seed family, students, plans, templates
 3. Seed enrolments with their coverage watermark
 4. Optionally record payments through the engine

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "pending-invoice"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add it to the loaders map

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler wiring
  - billing/payment.go: RecordPayment used by the deposit scenarios
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/coverage-engine/billing"
)

// ScenarioStore is a store that can be reset and seeded outside the
// engine's write surface.
type ScenarioStore interface {
	Reset(ctx context.Context) error
	SaveFamily(ctx context.Context, f billing.Family) error
	SaveStudent(ctx context.Context, s billing.Student) error
	SavePlan(ctx context.Context, p billing.Plan) error
	SaveTemplate(ctx context.Context, t billing.Template) error
	SaveEnrolment(ctx context.Context, e billing.Enrolment) error
	SaveHoliday(ctx context.Context, h billing.Holiday) error
	SaveCancellation(ctx context.Context, c billing.Cancellation) error
	SaveInvoice(ctx context.Context, inv billing.Invoice) error
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "weekly-overdue",
		Name:        "Weekly Plan Overdue",
		Description: "Four-week plan at $120, paid through 14 days ago. Two weeks ($240) overdue.",
		Category:    "coverage",
	},
	{
		ID:          "block-credits",
		Name:        "Block Plan Over Attended",
		Description: "Ten-class block bought for $250, twelve classes attended. Two credits negative.",
		Category:    "coverage",
	},
	{
		ID:          "pending-invoice",
		Name:        "Already Invoiced",
		Description: "One period overdue but billed by a SENT invoice. Net owing counts it once.",
		Category:    "reconciliation",
	},
	{
		ID:          "credit-on-account",
		Name:        "Credit On Account",
		Description: "A $120 deposit with no enrolment to fund. Net owing is -$120.",
		Category:    "reconciliation",
	},
	{
		ID:          "holiday-shift",
		Name:        "Holiday Shift",
		Description: "Tue/Thu weekly plan paid through yesterday with a closure next week. Paying skips it.",
		Category:    "schedule",
	},
}

// ListScenarios returns all available demo scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{
		ID:          current,
		Name:        current,
		Description: "Currently loaded scenario",
	})
}

// LoadScenario resets the store and loads one scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if h.Scenarios == nil {
		writeError(w, http.StatusNotImplemented, "Store does not support scenarios", nil)
		return
	}

	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if !h.validRequest(w, &req) {
		return
	}

	load, ok := h.loaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Scenarios.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""

	if err := load(ctx, h.today()); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = req.ScenarioID
	h.Logger.Info("scenario loaded", "scenario", req.ScenarioID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

type scenarioLoader func(ctx context.Context, today billing.Day) error

func (h *Handler) loaders() map[string]scenarioLoader {
	return map[string]scenarioLoader{
		"weekly-overdue":    h.loadWeeklyOverdueScenario,
		"block-credits":     h.loadBlockCreditsScenario,
		"pending-invoice":   h.loadPendingInvoiceScenario,
		"credit-on-account": h.loadCreditOnAccountScenario,
		"holiday-shift":     h.loadHolidayShiftScenario,
	}
}

func (h *Handler) now() time.Time {
	if h.Payments.Now != nil {
		return h.Payments.Now()
	}
	return time.Now()
}

func (h *Handler) today() billing.Day {
	return h.Payments.Calendar.Today(h.now())
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// Four weeks, two sessions a week, $120.
var weeklyPlan = billing.Plan{
	ID:              "plan-weekly-4",
	Name:            "Term Weekly (4 weeks)",
	PriceCents:      12000,
	BillingType:     billing.BillingPerWeek,
	DurationWeeks:   4,
	SessionsPerWeek: 2,
}

// Ten classes for $250.
var blockPlan = billing.Plan{
	ID:              "plan-block-10",
	Name:            "Casual Block (10 classes)",
	PriceCents:      25000,
	BillingType:     billing.BillingPerClass,
	BlockClassCount: 10,
}

func (h *Handler) loadWeeklyOverdueScenario(ctx context.Context, today billing.Day) error {
	if err := h.seedFamily(ctx, "fam-weekly", "Nguyen Family", "stu-weekly", "Mia Nguyen"); err != nil {
		return err
	}
	if err := h.seedWeekdays(ctx, time.Monday, time.Wednesday); err != nil {
		return err
	}
	if err := h.Scenarios.SavePlan(ctx, weeklyPlan); err != nil {
		return err
	}
	paidThrough := today.AddDays(-14)
	return h.Scenarios.SaveEnrolment(ctx, billing.Enrolment{
		ID:                  "enr-weekly",
		StudentID:           "stu-weekly",
		PlanID:              weeklyPlan.ID,
		BillingType:         billing.BillingPerWeek,
		StartDate:           today.AddDays(-70),
		TemplateIDs:         []billing.TemplateID{templateID(time.Monday), templateID(time.Wednesday)},
		PaidThrough:         paidThrough,
		PaidThroughBaseline: paidThrough,
	})
}

func (h *Handler) loadBlockCreditsScenario(ctx context.Context, today billing.Day) error {
	if err := h.seedFamily(ctx, "fam-block", "Okafor Family", "stu-block", "Ada Okafor"); err != nil {
		return err
	}
	if err := h.seedWeekdays(ctx, time.Saturday); err != nil {
		return err
	}
	if err := h.Scenarios.SavePlan(ctx, blockPlan); err != nil {
		return err
	}
	if err := h.Scenarios.SaveEnrolment(ctx, billing.Enrolment{
		ID:          "enr-block",
		StudentID:   "stu-block",
		PlanID:      blockPlan.ID,
		BillingType: billing.BillingPerClass,
		StartDate:   today.AddDays(-90),
		TemplateIDs: []billing.TemplateID{templateID(time.Saturday)},
	}); err != nil {
		return err
	}

	// Buy the block through the engine, then attend twelve classes.
	if _, err := h.Payments.RecordPayment(ctx, billing.RecordPaymentInput{
		FamilyID:       "fam-block",
		EnrolmentID:    "enr-block",
		AmountCents:    blockPlan.PriceCents,
		PaidAt:         h.Payments.Calendar.StartOf(today.AddDays(-90)),
		Method:         billing.MethodCard,
		IdempotencyKey: "scenario-block-purchase",
	}); err != nil {
		return fmt.Errorf("record block purchase: %w", err)
	}
	return h.Payments.Store.WithTx(ctx, func(s billing.Store) error {
		for i := 0; i < 12; i++ {
			attended := today.AddDays(-84 + 7*i)
			if err := s.AppendCreditEvent(ctx, billing.CreditEvent{
				ID:           billing.CreditEventID(fmt.Sprintf("ce-block-attend-%02d", i+1)),
				EnrolmentID:  "enr-block",
				Kind:         billing.CreditAttendance,
				CreditsDelta: -1,
				OccurredAt:   h.Payments.Calendar.StartOf(attended),
				Note:         "attended " + attended.Key(),
			}); err != nil {
				return err
			}
		}
		_, err := s.RefreshCreditsCache(ctx, "enr-block")
		return err
	})
}

func (h *Handler) loadPendingInvoiceScenario(ctx context.Context, today billing.Day) error {
	if err := h.seedFamily(ctx, "fam-invoiced", "Rossi Family", "stu-invoiced", "Luca Rossi"); err != nil {
		return err
	}
	if err := h.seedWeekdays(ctx, time.Tuesday, time.Thursday); err != nil {
		return err
	}
	if err := h.Scenarios.SavePlan(ctx, weeklyPlan); err != nil {
		return err
	}
	paidThrough := today.AddDays(-5)
	if err := h.Scenarios.SaveEnrolment(ctx, billing.Enrolment{
		ID:                  "enr-invoiced",
		StudentID:           "stu-invoiced",
		PlanID:              weeklyPlan.ID,
		BillingType:         billing.BillingPerWeek,
		StartDate:           today.AddDays(-40),
		TemplateIDs:         []billing.TemplateID{templateID(time.Tuesday), templateID(time.Thursday)},
		PaidThrough:         paidThrough,
		PaidThroughBaseline: paidThrough,
	}); err != nil {
		return err
	}
	return h.Scenarios.SaveInvoice(ctx, billing.Invoice{
		ID:            "inv-invoiced-next",
		FamilyID:      "fam-invoiced",
		EnrolmentID:   "enr-invoiced",
		AmountCents:   weeklyPlan.PriceCents,
		Status:        billing.InvoiceSent,
		IssuedAt:      h.Payments.Calendar.StartOf(today.AddDays(-4)),
		CoverageStart: paidThrough.AddDays(1),
		CoverageEnd:   paidThrough.AddDays(28),
		LineItems: []billing.LineItem{{
			ID:             "li-invoiced-next",
			Kind:           billing.LineEnrolment,
			Description:    weeklyPlan.Name,
			Quantity:       1,
			UnitPriceCents: weeklyPlan.PriceCents,
			AmountCents:    weeklyPlan.PriceCents,
			EnrolmentID:    "enr-invoiced",
			PlanID:         weeklyPlan.ID,
		}},
	})
}

func (h *Handler) loadCreditOnAccountScenario(ctx context.Context, today billing.Day) error {
	if err := h.seedFamily(ctx, "fam-credit", "Silva Family", "stu-credit", "Bia Silva"); err != nil {
		return err
	}
	_, err := h.Payments.RecordPayment(ctx, billing.RecordPaymentInput{
		FamilyID:       "fam-credit",
		AmountCents:    12000,
		PaidAt:         h.Payments.Calendar.StartOf(today.AddDays(-2)),
		Method:         billing.MethodBank,
		Note:           "Deposit ahead of next term",
		IdempotencyKey: "scenario-credit-deposit",
	})
	return err
}

func (h *Handler) loadHolidayShiftScenario(ctx context.Context, today billing.Day) error {
	if err := h.seedFamily(ctx, "fam-holiday", "Kowalski Family", "stu-holiday", "Zofia Kowalski"); err != nil {
		return err
	}
	if err := h.seedWeekdays(ctx, time.Tuesday, time.Thursday); err != nil {
		return err
	}
	if err := h.Scenarios.SavePlan(ctx, weeklyPlan); err != nil {
		return err
	}
	if err := h.Scenarios.SaveHoliday(ctx, billing.Holiday{
		ID:    "hol-midterm",
		Name:  "Mid-term Break",
		Start: today.AddDays(7),
		End:   today.AddDays(13),
	}); err != nil {
		return err
	}
	paidThrough := today.AddDays(-1)
	return h.Scenarios.SaveEnrolment(ctx, billing.Enrolment{
		ID:                  "enr-holiday",
		StudentID:           "stu-holiday",
		PlanID:              weeklyPlan.ID,
		BillingType:         billing.BillingPerWeek,
		StartDate:           today.AddDays(-28),
		TemplateIDs:         []billing.TemplateID{templateID(time.Tuesday), templateID(time.Thursday)},
		PaidThrough:         paidThrough,
		PaidThroughBaseline: paidThrough,
	})
}

// =============================================================================
// SEED HELPERS
// =============================================================================

func (h *Handler) seedFamily(ctx context.Context, familyID billing.FamilyID, familyName string, studentID billing.StudentID, studentName string) error {
	if err := h.Scenarios.SaveFamily(ctx, billing.Family{ID: familyID, Name: familyName}); err != nil {
		return err
	}
	return h.Scenarios.SaveStudent(ctx, billing.Student{ID: studentID, FamilyID: familyID, Name: studentName})
}

// seedWeekdays saves one 4pm class template per weekday.
func (h *Handler) seedWeekdays(ctx context.Context, days ...time.Weekday) error {
	for _, d := range days {
		if err := h.Scenarios.SaveTemplate(ctx, billing.Template{
			ID:          templateID(d),
			Name:        d.String() + " 4pm",
			DayOfWeek:   d,
			StartMinute: 16 * 60,
		}); err != nil {
			return err
		}
	}
	return nil
}

func templateID(d time.Weekday) billing.TemplateID {
	return billing.TemplateID("tpl-" + d.String()[:3])
}
