package claims

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Audit actions written by the lifecycle.
const (
	AuditStatusChanged = "claim.status_changed"
	AuditReopened      = "claim.reopened"
	AuditCreated       = "claim.created"

	auditResource = "claim"
)

// TransitionExtra carries the fields that may accompany a status change.
type TransitionExtra struct {
	PaidAmount *decimal.Decimal `json:"paid_amount"`
	Notes      *string          `json:"notes"`
}

// Lifecycle enforces the claim status lattice. Every check runs before the
// claim API is called, and every effective change writes exactly one audit
// record.
type Lifecycle struct {
	claims   ClaimAPI
	audit    AuditSink
	defaults OrgDefaults
	now      func() time.Time
	logger   zerolog.Logger
}

func NewLifecycle(claims ClaimAPI, audit AuditSink, defaults OrgDefaults, logger zerolog.Logger) *Lifecycle {
	return &Lifecycle{
		claims:   claims,
		audit:    audit,
		defaults: defaults.withFallbacks(),
		now:      time.Now,
		logger:   logger.With().Str("component", "lifecycle").Logger(),
	}
}

// Transition moves claim to status to. A request identical to the claim's
// current state is a no-op and returns the claim unchanged. Returning a claim
// to ready goes through Reopen, which records the resubmission marker.
func (l *Lifecycle) Transition(ctx context.Context, claim *Claim, to Status, extra TransitionExtra) (*Claim, error) {
	if claim == nil {
		return nil, ErrNotFound
	}
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if to == StatusPaid && extra.PaidAmount == nil {
		return nil, ErrPaidAmountRequired
	}
	if to != StatusPaid && extra.PaidAmount != nil {
		return nil, ErrPaidAmountNotAllowed
	}
	if extra.PaidAmount != nil && extra.PaidAmount.IsNegative() {
		return nil, validationf("paid amount cannot be negative")
	}

	from := claim.Status
	if from == to {
		if sameExtra(claim, extra) {
			return claim, nil
		}
		return nil, fmt.Errorf("%w: claim is already %s", ErrInvalidTransition, from)
	}
	if to == StatusReady {
		return nil, fmt.Errorf("%w: a %s claim returns to ready only by reopening it", ErrInvalidTransition, from)
	}
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := l.now().UTC()
	patch := StatusPatch{
		Status: to,
		Notes:  extra.Notes,
	}
	switch to {
	case StatusSubmitted:
		patch.SubmittedAt = &now
	case StatusPaid:
		patch.PaidAt = &now
		patch.PaidAmount = extra.PaidAmount
	}

	updated, err := l.claims.PatchStatus(ctx, claim.ID, patch)
	if err != nil {
		return nil, collaboratorErr("patch claim status", err)
	}

	meta := map[string]any{
		"from_status":  string(from),
		"to_status":    string(to),
		"claim_number": claim.PatientControlNumber,
	}
	if to == StatusPaid {
		meta["charge_amount"] = claim.ChargeAmount.StringFixed(2)
		meta["paid_amount"] = extra.PaidAmount.StringFixed(2)
		meta["difference"] = claim.ChargeAmount.Sub(*extra.PaidAmount).StringFixed(2)
	}
	l.record(ctx, AuditStatusChanged, claim,
		fmt.Sprintf("Claim %s status changed from %s to %s", claim.PatientControlNumber, from, to), meta)

	l.logger.Info().
		Str("claim_id", claim.ID.String()).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("claim status changed")
	return updated, nil
}

func sameExtra(c *Claim, extra TransitionExtra) bool {
	if extra.Notes != nil && *extra.Notes != c.Notes {
		return false
	}
	if extra.PaidAmount != nil {
		if c.PaidAmount == nil || !c.PaidAmount.Equal(*extra.PaidAmount) {
			return false
		}
	}
	return true
}

// EditCopy materializes a working form for a stored claim without mutating it.
func (l *Lifecycle) EditCopy(claim *Claim) (ClaimFormData, error) {
	if claim == nil {
		return ClaimFormData{}, ErrNotFound
	}
	if !claim.Status.Editable() {
		return ClaimFormData{}, validationf("a %s claim cannot be edited", claim.Status)
	}
	return FormFromClaim(claim, l.defaults).Clone(), nil
}

// Reopen returns a denied or rejected claim to ready for correction, marking it
// as a resubmission of itself with code 7 (replacement) or 8 (void).
func (l *Lifecycle) Reopen(ctx context.Context, claim *Claim, code ResubmissionCode) (*Claim, error) {
	if claim == nil {
		return nil, ErrNotFound
	}
	if !code.Valid() {
		return nil, ErrInvalidResubmission
	}
	if !claim.Status.NeedsCorrection() {
		return nil, fmt.Errorf("%w: only denied or rejected claims can be reopened, claim is %s", ErrInvalidTransition, claim.Status)
	}

	id := claim.ID
	updated, err := l.claims.PatchStatus(ctx, claim.ID, StatusPatch{
		Status:           StatusReady,
		ResubmissionOf:   &id,
		ResubmissionCode: code,
	})
	if err != nil {
		return nil, collaboratorErr("reopen claim", err)
	}

	l.record(ctx, AuditReopened, claim,
		fmt.Sprintf("Claim %s reopened from %s for resubmission (code %s)", claim.PatientControlNumber, claim.Status, code),
		map[string]any{
			"from_status":       string(claim.Status),
			"to_status":         string(StatusReady),
			"claim_number":      claim.PatientControlNumber,
			"resubmission_code": string(code),
		})
	return updated, nil
}

// Resubmit replaces a reopened claim's CMS-1500 snapshot and summary fields with
// form, keeping its id and control number, and submits it again.
func (l *Lifecycle) Resubmit(ctx context.Context, claim *Claim, form ClaimFormData, signedAt time.Time) (*Claim, error) {
	if claim == nil {
		return nil, ErrNotFound
	}
	if claim.Status != StatusReady || claim.ResubmissionOf == nil {
		return nil, fmt.Errorf("%w: claim must be reopened before it can be resubmitted", ErrInvalidTransition)
	}
	if err := ValidateForSubmission(form); err != nil {
		return nil, err
	}

	work := form.Clone()
	work.Resubmission = ResubmissionInfo{
		Code:              claim.ResubmissionCode,
		OriginalReference: claim.PatientControlNumber,
	}
	payload := Map(work, signedAt)
	req := ClaimRequestFromForm(work, payload, claim.AppointmentID, claim.InvoiceID)
	req.PatientControlNumber = claim.PatientControlNumber
	req.Status = StatusReady
	req.Notes = claim.Notes
	req.ResubmissionOf = claim.ResubmissionOf
	req.ResubmissionCode = claim.ResubmissionCode

	updated, err := l.claims.Update(ctx, claim.ID, req)
	if err != nil {
		return nil, collaboratorErr("update claim", err)
	}
	updated.Status = StatusReady

	return l.Transition(ctx, updated, StatusSubmitted, TransitionExtra{})
}

// ClaimRequestFromForm derives a claim's summary fields from its form. Charge
// and CPT mirror the payload so they never drift from the snapshot.
func ClaimRequestFromForm(form ClaimFormData, payload SubmissionPayload, appointmentID, invoiceID *string) ClaimRequest {
	p := payload
	return ClaimRequest{
		PatientID:      form.Patient.ID,
		AppointmentID:  appointmentID,
		InvoiceID:      invoiceID,
		PayerID:        form.Payer.ID,
		PayerName:      form.Payer.Name,
		CPTCode:        form.PrimaryCPT(),
		DiagnosisCodes: form.DiagnosisList(),
		ChargeAmount:   payload.Totals.TotalCharge,
		SessionDate:    form.DateOfService(),
		Status:         StatusReady,
		PatientInfo:    form.patientSummary(),
		CMS1500Data:    &p,
	}
}

func (l *Lifecycle) record(ctx context.Context, action string, claim *Claim, description string, meta map[string]any) {
	if l.audit == nil {
		return
	}
	l.audit.Record(ctx, action, auditResource, claim.ID.String(), claim.PatientID, claim.PatientName(), description, meta)
}
