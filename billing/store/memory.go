// Package store provides an in-memory billing.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/coverage-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is an arena of object tables keyed by generated IDs. Every public
// method takes the lock; WithTx holds it for the whole function and restores
// a snapshot on error.
type Memory struct {
	mu sync.RWMutex
	st *state
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

var _ billing.TxStore = (*Memory)(nil)

type idempotencyKey struct {
	FamilyID billing.FamilyID
	Key      string
}

type state struct {
	families      map[billing.FamilyID]billing.Family
	students      map[billing.StudentID]billing.Student
	plans         map[billing.PlanID]billing.Plan
	templates     map[billing.TemplateID]billing.Template
	enrolments    map[billing.EnrolmentID]billing.Enrolment
	holidays      []billing.Holiday
	cancellations []billing.Cancellation
	creditEvents  map[billing.EnrolmentID][]billing.CreditEvent
	payments      []billing.Payment
	idempotency   map[idempotencyKey]billing.PaymentID
	invoices      []billing.Invoice
	allocations   []billing.Allocation
	audits        map[billing.EnrolmentID][]billing.CoverageAudit
}

func newState() *state {
	return &state{
		families:     make(map[billing.FamilyID]billing.Family),
		students:     make(map[billing.StudentID]billing.Student),
		plans:        make(map[billing.PlanID]billing.Plan),
		templates:    make(map[billing.TemplateID]billing.Template),
		enrolments:   make(map[billing.EnrolmentID]billing.Enrolment),
		creditEvents: make(map[billing.EnrolmentID][]billing.CreditEvent),
		idempotency:  make(map[idempotencyKey]billing.PaymentID),
		audits:       make(map[billing.EnrolmentID][]billing.CoverageAudit),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.families {
		c.families[k] = v
	}
	for k, v := range s.students {
		c.students[k] = v
	}
	for k, v := range s.plans {
		c.plans[k] = v
	}
	for k, v := range s.templates {
		c.templates[k] = v
	}
	for k, v := range s.enrolments {
		c.enrolments[k] = copyEnrolment(v)
	}
	for k, v := range s.creditEvents {
		c.creditEvents[k] = append([]billing.CreditEvent{}, v...)
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range s.audits {
		c.audits[k] = append([]billing.CoverageAudit{}, v...)
	}
	c.holidays = append([]billing.Holiday{}, s.holidays...)
	c.cancellations = append([]billing.Cancellation{}, s.cancellations...)
	c.payments = append([]billing.Payment{}, s.payments...)
	c.invoices = append([]billing.Invoice{}, s.invoices...)
	c.allocations = append([]billing.Allocation{}, s.allocations...)
	return c
}

func copyEnrolment(e billing.Enrolment) billing.Enrolment {
	e.TemplateIDs = append([]billing.TemplateID{}, e.TemplateIDs...)
	return e
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction, simulated with a snapshot and a
// rollback on error. Transactions are fully serialized.
func (m *Memory) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(m.st); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// =============================================================================
// SEEDING (outside the engine's write surface)
// =============================================================================

func (m *Memory) SaveFamily(_ context.Context, f billing.Family) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.families[f.ID] = f
	return nil
}

func (m *Memory) SaveStudent(_ context.Context, s billing.Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.students[s.ID] = s
	return nil
}

func (m *Memory) SavePlan(_ context.Context, p billing.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.plans[p.ID] = p
	return nil
}

func (m *Memory) SaveTemplate(_ context.Context, t billing.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.templates[t.ID] = t
	return nil
}

// SaveEnrolment stores the enrolment. CreditsRemaining is recomputed from the
// ledger rather than taken from e.
func (m *Memory) SaveEnrolment(_ context.Context, e billing.Enrolment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e = copyEnrolment(e)
	e.CreditsRemaining = billing.SumCredits(m.st.creditEvents[e.ID])
	m.st.enrolments[e.ID] = e
	return nil
}

func (m *Memory) SaveHoliday(_ context.Context, h billing.Holiday) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.holidays = append(m.st.holidays, h)
	return nil
}

func (m *Memory) SaveCancellation(_ context.Context, c billing.Cancellation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.cancellations = append(m.st.cancellations, c)
	return nil
}

// SaveInvoice stores an externally issued invoice (e.g. a SENT bill).
func (m *Memory) SaveInvoice(ctx context.Context, inv billing.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CreateInvoice(ctx, inv)
}

// Reset drops all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = newState()
	return nil
}

// =============================================================================
// LOCKED DELEGATES (billing.Store)
// =============================================================================

func (m *Memory) GetEnrolment(ctx context.Context, id billing.EnrolmentID) (billing.EnrolmentDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetEnrolment(ctx, id)
}

func (m *Memory) ListFamilyEnrolments(ctx context.Context, familyID billing.FamilyID) ([]billing.EnrolmentDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListFamilyEnrolments(ctx, familyID)
}

func (m *Memory) GetPlan(ctx context.Context, id billing.PlanID) (billing.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetPlan(ctx, id)
}

func (m *Memory) ListHolidays(ctx context.Context, from billing.Day) ([]billing.Holiday, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListHolidays(ctx, from)
}

func (m *Memory) ListCancellations(ctx context.Context, ids []billing.TemplateID, from billing.Day) ([]billing.Cancellation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListCancellations(ctx, ids, from)
}

func (m *Memory) ListCreditEvents(ctx context.Context, id billing.EnrolmentID) ([]billing.CreditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListCreditEvents(ctx, id)
}

func (m *Memory) FindPaymentByIdempotencyKey(ctx context.Context, familyID billing.FamilyID, key string) (*billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.FindPaymentByIdempotencyKey(ctx, familyID, key)
}

func (m *Memory) ListFamilyPayments(ctx context.Context, familyID billing.FamilyID) ([]billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListFamilyPayments(ctx, familyID)
}

func (m *Memory) ListFamilyInvoices(ctx context.Context, familyID billing.FamilyID) ([]billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListFamilyInvoices(ctx, familyID)
}

func (m *Memory) ListFamilyAllocations(ctx context.Context, familyID billing.FamilyID) ([]billing.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListFamilyAllocations(ctx, familyID)
}

func (m *Memory) ListPaymentAllocations(ctx context.Context, paymentID billing.PaymentID) ([]billing.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListPaymentAllocations(ctx, paymentID)
}

func (m *Memory) ListCoverageAudits(ctx context.Context, id billing.EnrolmentID) ([]billing.CoverageAudit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListCoverageAudits(ctx, id)
}

func (m *Memory) LockEnrolment(ctx context.Context, id billing.EnrolmentID) (billing.EnrolmentDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.LockEnrolment(ctx, id)
}

func (m *Memory) UpdateEnrolmentCoverage(ctx context.Context, u billing.CoverageUpdate) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateEnrolmentCoverage(ctx, u)
}

func (m *Memory) AppendCreditEvent(ctx context.Context, ev billing.CreditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.AppendCreditEvent(ctx, ev)
}

func (m *Memory) RefreshCreditsCache(ctx context.Context, id billing.EnrolmentID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.RefreshCreditsCache(ctx, id)
}

func (m *Memory) CreatePayment(ctx context.Context, p billing.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CreatePayment(ctx, p)
}

func (m *Memory) CreateInvoice(ctx context.Context, inv billing.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CreateInvoice(ctx, inv)
}

func (m *Memory) CreateAllocation(ctx context.Context, a billing.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CreateAllocation(ctx, a)
}

func (m *Memory) AppendCoverageAudit(ctx context.Context, a billing.CoverageAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.AppendCoverageAudit(ctx, a)
}

// =============================================================================
// STATE (unlocked, used directly inside WithTx)
// =============================================================================

func (s *state) detail(e billing.Enrolment) (billing.EnrolmentDetail, error) {
	student, ok := s.students[e.StudentID]
	if !ok {
		return billing.EnrolmentDetail{}, billing.NotFound("student", e.StudentID)
	}
	d := billing.EnrolmentDetail{
		Enrolment: copyEnrolment(e),
		Student:   student,
		Plan:      s.plans[e.PlanID],
	}
	for _, id := range e.TemplateIDs {
		if tpl, ok := s.templates[id]; ok {
			d.Templates = append(d.Templates, tpl)
		}
	}
	return d, nil
}

func (s *state) GetEnrolment(_ context.Context, id billing.EnrolmentID) (billing.EnrolmentDetail, error) {
	e, ok := s.enrolments[id]
	if !ok {
		return billing.EnrolmentDetail{}, billing.NotFound("enrolment", id)
	}
	return s.detail(e)
}

func (s *state) LockEnrolment(ctx context.Context, id billing.EnrolmentID) (billing.EnrolmentDetail, error) {
	return s.GetEnrolment(ctx, id)
}

func (s *state) ListFamilyEnrolments(_ context.Context, familyID billing.FamilyID) ([]billing.EnrolmentDetail, error) {
	var out []billing.EnrolmentDetail
	for _, e := range s.enrolments {
		if s.students[e.StudentID].FamilyID != familyID {
			continue
		}
		d, err := s.detail(e)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Enrolment.ID < out[j].Enrolment.ID })
	return out, nil
}

func (s *state) GetPlan(_ context.Context, id billing.PlanID) (billing.Plan, error) {
	p, ok := s.plans[id]
	if !ok {
		return billing.Plan{}, billing.NotFound("plan", id)
	}
	return p, nil
}

func (s *state) ListHolidays(_ context.Context, from billing.Day) ([]billing.Holiday, error) {
	var out []billing.Holiday
	for _, h := range s.holidays {
		end := billing.MaxDay(h.Start, h.End)
		if end.AfterOrEqual(from) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *state) ListCancellations(_ context.Context, ids []billing.TemplateID, from billing.Day) ([]billing.Cancellation, error) {
	wanted := make(map[billing.TemplateID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var out []billing.Cancellation
	for _, c := range s.cancellations {
		if wanted[c.TemplateID] && c.Date.AfterOrEqual(from) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *state) ListCreditEvents(_ context.Context, id billing.EnrolmentID) ([]billing.CreditEvent, error) {
	return append([]billing.CreditEvent{}, s.creditEvents[id]...), nil
}

func (s *state) FindPaymentByIdempotencyKey(_ context.Context, familyID billing.FamilyID, key string) (*billing.Payment, error) {
	id, ok := s.idempotency[idempotencyKey{FamilyID: familyID, Key: key}]
	if !ok {
		return nil, nil
	}
	for _, p := range s.payments {
		if p.ID == id {
			found := p
			return &found, nil
		}
	}
	return nil, nil
}

func (s *state) ListFamilyPayments(_ context.Context, familyID billing.FamilyID) ([]billing.Payment, error) {
	var out []billing.Payment
	for _, p := range s.payments {
		if p.FamilyID == familyID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *state) ListFamilyInvoices(_ context.Context, familyID billing.FamilyID) ([]billing.Invoice, error) {
	var out []billing.Invoice
	for _, inv := range s.invoices {
		if inv.FamilyID == familyID {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (s *state) ListFamilyAllocations(_ context.Context, familyID billing.FamilyID) ([]billing.Allocation, error) {
	family := make(map[billing.PaymentID]bool)
	for _, p := range s.payments {
		if p.FamilyID == familyID {
			family[p.ID] = true
		}
	}
	var out []billing.Allocation
	for _, a := range s.allocations {
		if family[a.PaymentID] {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *state) ListPaymentAllocations(_ context.Context, paymentID billing.PaymentID) ([]billing.Allocation, error) {
	var out []billing.Allocation
	for _, a := range s.allocations {
		if a.PaymentID == paymentID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *state) ListCoverageAudits(_ context.Context, id billing.EnrolmentID) ([]billing.CoverageAudit, error) {
	return append([]billing.CoverageAudit{}, s.audits[id]...), nil
}

func (s *state) UpdateEnrolmentCoverage(_ context.Context, u billing.CoverageUpdate) (int64, error) {
	e, ok := s.enrolments[u.EnrolmentID]
	if !ok {
		return 0, billing.NotFound("enrolment", u.EnrolmentID)
	}
	if e.Version != u.ExpectedVersion {
		return 0, &billing.ConflictError{
			EnrolmentID: u.EnrolmentID,
			Detail:      fmt.Sprintf("version %d, expected %d", e.Version, u.ExpectedVersion),
		}
	}
	if u.PlanID != "" {
		e.PlanID = u.PlanID
	}
	e.PaidThrough = u.PaidThrough
	e.PaidThroughBaseline = u.PaidThroughBaseline
	e.Version++
	s.enrolments[e.ID] = e
	return e.Version, nil
}

func (s *state) AppendCreditEvent(_ context.Context, ev billing.CreditEvent) error {
	if _, ok := s.enrolments[ev.EnrolmentID]; !ok {
		return billing.NotFound("enrolment", ev.EnrolmentID)
	}
	s.creditEvents[ev.EnrolmentID] = append(s.creditEvents[ev.EnrolmentID], ev)
	return nil
}

func (s *state) RefreshCreditsCache(_ context.Context, id billing.EnrolmentID) (int, error) {
	e, ok := s.enrolments[id]
	if !ok {
		return 0, billing.NotFound("enrolment", id)
	}
	e.CreditsRemaining = billing.SumCredits(s.creditEvents[id])
	s.enrolments[id] = e
	return e.CreditsRemaining, nil
}

func (s *state) CreatePayment(_ context.Context, p billing.Payment) error {
	if p.IdempotencyKey != "" {
		k := idempotencyKey{FamilyID: p.FamilyID, Key: p.IdempotencyKey}
		if _, exists := s.idempotency[k]; exists {
			return billing.ErrDuplicateIdempotencyKey
		}
		s.idempotency[k] = p.ID
	}
	s.payments = append(s.payments, p)
	return nil
}

func (s *state) CreateInvoice(_ context.Context, inv billing.Invoice) error {
	for _, existing := range s.invoices {
		if existing.ID == inv.ID {
			return fmt.Errorf("invoice %s already exists", inv.ID)
		}
	}
	inv.LineItems = append([]billing.LineItem{}, inv.LineItems...)
	s.invoices = append(s.invoices, inv)
	return nil
}

func (s *state) CreateAllocation(_ context.Context, a billing.Allocation) error {
	var payment *billing.Payment
	for i := range s.payments {
		if s.payments[i].ID == a.PaymentID {
			payment = &s.payments[i]
		}
	}
	if payment == nil {
		return billing.NotFound("payment", a.PaymentID)
	}
	var invoice *billing.Invoice
	for i := range s.invoices {
		if s.invoices[i].ID == a.InvoiceID {
			invoice = &s.invoices[i]
		}
	}
	if invoice == nil {
		return billing.NotFound("invoice", a.InvoiceID)
	}

	var fromPayment, intoInvoice int64
	for _, existing := range s.allocations {
		if existing.PaymentID == a.PaymentID {
			fromPayment += existing.AmountCents
		}
		if existing.InvoiceID == a.InvoiceID {
			intoInvoice += existing.AmountCents
		}
	}
	if err := billing.CheckAllocation(a, payment.AmountCents, fromPayment, invoice.AmountCents, intoInvoice); err != nil {
		return err
	}
	s.allocations = append(s.allocations, a)
	return nil
}

func (s *state) AppendCoverageAudit(_ context.Context, a billing.CoverageAudit) error {
	s.audits[a.EnrolmentID] = append(s.audits[a.EnrolmentID], a)
	return nil
}
