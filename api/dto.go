/*
dto.go - Data Transfer Objects for API requests and responses

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY AND DAYS:
  Amounts travel as integer cents (*_cents) with a display string next to
  them. Days travel as YYYY-MM-DD keys; an empty key means unset.

VALIDATION:
  Request types carry go-playground/validator tags, checked in handlers
  before the engine runs. The engine validates again.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/coverage-engine/billing"
)

// =============================================================================
// REQUESTS
// =============================================================================

// RecordPaymentRequest is the body of POST /api/families/{familyID}/payments.
// IdempotencyKey may also come from the Idempotency-Key header.
type RecordPaymentRequest struct {
	AmountCents       int64      `json:"amount_cents" validate:"required,gt=0"`
	PaidAt            *time.Time `json:"paid_at,omitempty"`
	Method            string     `json:"method,omitempty" validate:"omitempty,oneof=CASH CARD BANK_TRANSFER OTHER"`
	Note              string     `json:"note,omitempty" validate:"max=500"`
	EnrolmentID       string     `json:"enrolment_id,omitempty" validate:"max=100"`
	IdempotencyKey    string     `json:"idempotency_key,omitempty" validate:"max=200"`
	CustomBlockLength int        `json:"custom_block_length,omitempty" validate:"gte=0,lte=500"`
	PlanID            string     `json:"plan_id,omitempty" validate:"max=100"`
}

// LoadScenarioRequest is the body of POST /api/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type PaymentDTO struct {
	PaymentID        string `json:"payment_id"`
	FamilyID         string `json:"family_id"`
	AmountCents      int64  `json:"amount_cents"`
	Amount           string `json:"amount"`
	PaidAt           string `json:"paid_at"`
	Method           string `json:"method"`
	ReceiptInvoiceID string `json:"receipt_invoice_id,omitempty"`
	Replayed         bool   `json:"replayed"`
	CoverageStart    string `json:"coverage_start,omitempty"`
	CoverageEnd      string `json:"coverage_end,omitempty"`
	PaidThrough      string `json:"paid_through,omitempty"`
	CreditsRemaining int    `json:"credits_remaining"`
	CreditsAdded     int    `json:"credits_added,omitempty"`
}

type EnrolmentOwingDTO struct {
	EnrolmentID      string `json:"enrolment_id"`
	StudentID        string `json:"student_id"`
	PlanID           string `json:"plan_id"`
	BillingType      string `json:"billing_type"`
	Status           string `json:"status"`
	PaidThrough      string `json:"paid_through,omitempty"`
	CreditsRemaining int    `json:"credits_remaining"`
	OverduePeriods   int    `json:"overdue_periods"`
	OverdueCents     int64  `json:"overdue_cents"`
	OwingCents       int64  `json:"owing_cents"`
	NextDueDay       string `json:"next_due_day,omitempty"`
}

type FamilySummaryDTO struct {
	FamilyID             string              `json:"family_id"`
	AsOf                 string              `json:"as_of"`
	OverdueOwingCents    int64               `json:"overdue_owing_cents"`
	OverdueOwing         string              `json:"overdue_owing"`
	TotalOwingCents      int64               `json:"total_owing_cents"`
	NextPaymentDueDayKey string              `json:"next_payment_due_day_key,omitempty"`
	Breakdown            []EnrolmentOwingDTO `json:"breakdown"`
}

type OpenInvoiceDTO struct {
	InvoiceID        string `json:"invoice_id"`
	EnrolmentID      string `json:"enrolment_id,omitempty"`
	CoverageEnd      string `json:"coverage_end,omitempty"`
	OutstandingCents int64  `json:"outstanding_cents"`
}

type NetOwingDTO struct {
	FamilyID                    string           `json:"family_id"`
	AsOf                        string           `json:"as_of"`
	NetOwingCents               int64            `json:"net_owing_cents"`
	NetOwing                    string           `json:"net_owing"`
	OverdueOwingCents           int64            `json:"overdue_owing_cents"`
	SuppressedOverdueCents      int64            `json:"suppressed_overdue_cents"`
	SuppressedEnrolments        []string         `json:"suppressed_enrolments"`
	OpenInvoiceOutstandingCents int64            `json:"open_invoice_outstanding_cents"`
	OpenInvoices                []OpenInvoiceDTO `json:"open_invoices"`
	PaymentsTotalCents          int64            `json:"payments_total_cents"`
	AppliedCents                int64            `json:"applied_cents"`
	UnallocatedCreditCents      int64            `json:"unallocated_credit_cents"`
}

type OccurrenceDTO struct {
	Date       string `json:"date"`
	Weekday    string `json:"weekday"`
	TemplateID string `json:"template_id"`
}

type SchedulePreviewDTO struct {
	EnrolmentID string          `json:"enrolment_id"`
	From        string          `json:"from"`
	Occurrences []OccurrenceDTO `json:"occurrences"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toPaymentDTO(res billing.PaymentResult) PaymentDTO {
	p := res.Payment
	return PaymentDTO{
		PaymentID:        string(p.ID),
		FamilyID:         string(p.FamilyID),
		AmountCents:      p.AmountCents,
		Amount:           billing.FormatCents(p.AmountCents),
		PaidAt:           p.PaidAt.Format(time.RFC3339),
		Method:           string(p.Method),
		ReceiptInvoiceID: string(res.ReceiptInvoiceID),
		Replayed:         res.Replayed,
		CoverageStart:    res.CoverageStart.Key(),
		CoverageEnd:      res.CoverageEnd.Key(),
		PaidThrough:      res.PaidThrough.Key(),
		CreditsRemaining: res.CreditsRemaining,
		CreditsAdded:     res.CreditsAdded,
	}
}

func toFamilySummaryDTO(familyID string, s billing.FamilySummary) FamilySummaryDTO {
	dto := FamilySummaryDTO{
		FamilyID:             familyID,
		AsOf:                 s.AsOf.Key(),
		OverdueOwingCents:    s.OverdueOwingCents,
		OverdueOwing:         billing.FormatCents(s.OverdueOwingCents),
		TotalOwingCents:      s.TotalOwingCents,
		NextPaymentDueDayKey: s.NextPaymentDueDayKey,
		Breakdown:            make([]EnrolmentOwingDTO, len(s.Breakdown)),
	}
	for i, line := range s.Breakdown {
		dto.Breakdown[i] = EnrolmentOwingDTO{
			EnrolmentID:      string(line.EnrolmentID),
			StudentID:        string(line.StudentID),
			PlanID:           string(line.PlanID),
			BillingType:      string(line.BillingType),
			Status:           string(line.Status),
			PaidThrough:      line.PaidThrough.Key(),
			CreditsRemaining: line.CreditsRemaining,
			OverduePeriods:   line.OverduePeriods,
			OverdueCents:     line.OverdueCents,
			OwingCents:       line.OwingCents,
			NextDueDay:       line.NextDueDay.Key(),
		}
	}
	return dto
}

func toNetOwingDTO(familyID string, b billing.NetOwingBreakdown) NetOwingDTO {
	dto := NetOwingDTO{
		FamilyID:                    familyID,
		AsOf:                        b.AsOf.Key(),
		NetOwingCents:               b.NetOwingCents,
		NetOwing:                    billing.FormatCents(b.NetOwingCents),
		OverdueOwingCents:           b.OverdueOwingCents,
		SuppressedOverdueCents:      b.SuppressedOverdueCents,
		SuppressedEnrolments:        make([]string, len(b.SuppressedEnrolments)),
		OpenInvoiceOutstandingCents: b.OpenInvoiceOutstandingCents,
		OpenInvoices:                make([]OpenInvoiceDTO, len(b.OpenInvoices)),
		PaymentsTotalCents:          b.PaymentsTotalCents,
		AppliedCents:                b.AppliedCents,
		UnallocatedCreditCents:      b.UnallocatedCreditCents,
	}
	for i, id := range b.SuppressedEnrolments {
		dto.SuppressedEnrolments[i] = string(id)
	}
	for i, inv := range b.OpenInvoices {
		dto.OpenInvoices[i] = OpenInvoiceDTO{
			InvoiceID:        string(inv.InvoiceID),
			EnrolmentID:      string(inv.EnrolmentID),
			CoverageEnd:      inv.CoverageEnd.Key(),
			OutstandingCents: inv.OutstandingCents,
		}
	}
	return dto
}

func toSchedulePreviewDTO(p billing.SchedulePreview) SchedulePreviewDTO {
	dto := SchedulePreviewDTO{
		EnrolmentID: string(p.EnrolmentID),
		From:        p.From.Key(),
		Occurrences: make([]OccurrenceDTO, len(p.Occurrences)),
	}
	for i, o := range p.Occurrences {
		dto.Occurrences[i] = OccurrenceDTO{
			Date:       o.Date.Key(),
			Weekday:    o.Date.Weekday().String(),
			TemplateID: string(o.TemplateID),
		}
	}
	return dto
}
