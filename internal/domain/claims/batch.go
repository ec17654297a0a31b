package claims

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Batch item failure reasons.
const (
	ReasonNoInvoices       = "no invoices found for patient"
	ReasonNoUnpaidInvoices = "no unpaid invoices found"
	reasonInvoiceLookup    = "invoice lookup failed"
	reasonClaimCreate      = "claim creation failed"
)

// Eligible reports whether a session may be selected for batch filing: it must
// be completed and carry a patient (contact) id.
func Eligible(s UnbilledSession, now time.Time, sessionLength time.Duration) bool {
	return s.Appointment.ContactID != "" &&
		s.Appointment.ComputedStatus(now, sessionLength) == "completed"
}

// Selection is an ordered set of appointment ids picked for batch filing.
type Selection struct {
	sessionLength time.Duration
	now           func() time.Time

	mu  sync.Mutex
	ids []string
	set map[string]bool
}

func NewSelection(sessionLength time.Duration) *Selection {
	if sessionLength <= 0 {
		sessionLength = DefaultOrgDefaults().SessionLength
	}
	return &Selection{
		sessionLength: sessionLength,
		now:           time.Now,
		set:           make(map[string]bool),
	}
}

// Select adds s if eligible. Ineligible sessions are ignored. It reports whether
// s is selected afterwards.
func (sel *Selection) Select(s UnbilledSession) bool {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	return sel.add(s)
}

func (sel *Selection) add(s UnbilledSession) bool {
	id := s.Appointment.ID
	if sel.set[id] {
		return true
	}
	if !Eligible(s, sel.now(), sel.sessionLength) {
		return false
	}
	sel.set[id] = true
	sel.ids = append(sel.ids, id)
	return true
}

func (sel *Selection) Deselect(appointmentID string) {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	if !sel.set[appointmentID] {
		return
	}
	delete(sel.set, appointmentID)
	for i, id := range sel.ids {
		if id == appointmentID {
			sel.ids = append(sel.ids[:i], sel.ids[i+1:]...)
			break
		}
	}
}

// Toggle selects s when unselected and deselects it otherwise.
func (sel *Selection) Toggle(s UnbilledSession) bool {
	if sel.Contains(s.Appointment.ID) {
		sel.Deselect(s.Appointment.ID)
		return false
	}
	return sel.Select(s)
}

// SelectAll adds every eligible session, in order.
func (sel *Selection) SelectAll(sessions []UnbilledSession) int {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	n := 0
	for _, s := range sessions {
		if sel.add(s) {
			n++
		}
	}
	return n
}

func (sel *Selection) Contains(appointmentID string) bool {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	return sel.set[appointmentID]
}

func (sel *Selection) Clear() {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	sel.ids = nil
	sel.set = make(map[string]bool)
}

// IDs returns the selected ids in selection order.
func (sel *Selection) IDs() []string {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	out := make([]string, len(sel.ids))
	copy(out, sel.ids)
	return out
}

func (sel *Selection) Len() int {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	return len(sel.ids)
}

// SessionLookup resolves a selected appointment id to its candidate session.
type SessionLookup func(appointmentID string) (UnbilledSession, bool)

type BatchItem struct {
	AppointmentID string          `json:"appointment_id"`
	PatientID     string          `json:"patient_id"`
	PatientName   string          `json:"patient_name"`
	Success       bool            `json:"success"`
	ClaimID       *uuid.UUID      `json:"claim_id"`
	ClaimNumber   string          `json:"claim_number"`
	InvoiceID     string          `json:"invoice_id"`
	ChargeAmount  decimal.Decimal `json:"charge_amount"`
	Reason        string          `json:"reason"`
}

type BatchResult struct {
	Items            []BatchItem `json:"items"`
	Succeeded        int         `json:"succeeded"`
	Failed           int         `json:"failed"`
	NavigateToClaims bool        `json:"navigate_to_claims"`
}

// BatchFiler creates one ready claim per selected session, strictly in order.
type BatchFiler struct {
	invoices InvoiceLister
	claims   ClaimAPI
	audit    AuditSink
	defaults OrgDefaults
	now      func() time.Time
	logger   zerolog.Logger
}

func NewBatchFiler(invoices InvoiceLister, claims ClaimAPI, audit AuditSink, defaults OrgDefaults, logger zerolog.Logger) *BatchFiler {
	return &BatchFiler{
		invoices: invoices,
		claims:   claims,
		audit:    audit,
		defaults: defaults.withFallbacks(),
		now:      time.Now,
		logger:   logger.With().Str("component", "batch_filer").Logger(),
	}
}

// File attempts a claim for every id. If any id resolves to no session or to a
// session without a patient id, nothing is filed and a *PrecheckError carrying
// the count is returned. Otherwise every item is attempted and its outcome
// recorded; a failed item never stops the rest.
func (b *BatchFiler) File(ctx context.Context, ids []string, lookup SessionLookup) (*BatchResult, error) {
	if len(ids) == 0 {
		return nil, validationf("no sessions selected")
	}

	sessions := make([]UnbilledSession, 0, len(ids))
	disqualified := 0
	for _, id := range ids {
		s, ok := lookup(id)
		if !ok || s.PatientID() == "" {
			disqualified++
			continue
		}
		sessions = append(sessions, s)
	}
	if disqualified > 0 {
		return nil, &PrecheckError{Disqualified: disqualified}
	}

	result := &BatchResult{Items: make([]BatchItem, 0, len(sessions))}
	for _, s := range sessions {
		item := b.fileOne(ctx, s)
		if item.Success {
			result.Succeeded++
		} else {
			result.Failed++
		}
		result.Items = append(result.Items, item)
	}
	result.NavigateToClaims = result.Succeeded > 0

	b.logger.Info().
		Int("selected", len(ids)).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Msg("batch filing finished")
	return result, nil
}

func (b *BatchFiler) fileOne(ctx context.Context, s UnbilledSession) BatchItem {
	item := BatchItem{
		AppointmentID: s.Appointment.ID,
		PatientID:     s.PatientID(),
		PatientName:   s.PatientName(),
	}

	invoices, err := b.invoices.ListInvoices(ctx, item.PatientID)
	if err != nil {
		item.Reason = fmt.Sprintf("%s: %v", reasonInvoiceLookup, err)
		return item
	}
	if len(invoices) == 0 {
		item.Reason = ReasonNoInvoices
		return item
	}
	var inv *Invoice
	for i := range invoices {
		if invoices[i].Balance().IsPositive() {
			inv = &invoices[i]
			break
		}
	}
	if inv == nil {
		item.Reason = ReasonNoUnpaidInvoices
		return item
	}

	balance := inv.Balance()
	form := NewFormFromSession(s, b.defaults)
	if len(form.ServiceLines) > 0 {
		line := form.ServiceLines[0]
		line.Charges = balance
		line.Units = 1
		_ = form.SetServiceLine(0, line)
	}
	payload := Map(form, b.now())

	apptID := s.Appointment.ID
	invID := inv.ID
	claim, err := b.claims.Create(ctx, ClaimRequestFromForm(form, payload, &apptID, &invID))
	if err != nil {
		item.Reason = fmt.Sprintf("%s: %v", reasonClaimCreate, err)
		return item
	}

	id := claim.ID
	item.Success = true
	item.ClaimID = &id
	item.ClaimNumber = firstNonEmpty(claim.PatientControlNumber, ControlNumberFor(claim.ID))
	item.InvoiceID = inv.ID
	item.ChargeAmount = payload.Totals.TotalCharge

	if b.audit != nil {
		b.audit.Record(ctx, AuditCreated, auditResource, claim.ID.String(), item.PatientID, item.PatientName,
			fmt.Sprintf("Claim %s created from invoice %s", item.ClaimNumber, firstNonEmpty(inv.Number, inv.ID)),
			map[string]any{
				"appointment_id": apptID,
				"invoice_id":     inv.ID,
				"charge_amount":  balance.StringFixed(2),
				"batch":          true,
			})
	}
	return item
}
