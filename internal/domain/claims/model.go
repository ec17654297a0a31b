package claims

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Appointment is a calendar event read from the CRM.
type Appointment struct {
	ID             string    `json:"id"`
	ContactID      string    `json:"contact_id"`
	LocationID     string    `json:"location_id"`
	Title          string    `json:"title"`
	Status         string    `json:"status"`
	AssignedUserID string    `json:"assigned_user_id"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
}

// EffectiveEnd falls back to start + sessionLength when the CRM sent no end time.
func (a Appointment) EffectiveEnd(sessionLength time.Duration) time.Time {
	if !a.EndTime.IsZero() {
		return a.EndTime
	}
	return a.StartTime.Add(sessionLength)
}

// ComputedStatus folds the CRM status and the clock into the billing view of an
// appointment: a confirmed or showed appointment whose end has passed is
// "completed".
func (a Appointment) ComputedStatus(now time.Time, sessionLength time.Duration) string {
	status := strings.ToLower(strings.TrimSpace(a.Status))
	switch status {
	case "confirmed", "showed":
		if a.EffectiveEnd(sessionLength).Before(now) {
			return "completed"
		}
		return "scheduled"
	case "":
		return "unknown"
	}
	return status
}

// SessionDate is the date of service in YYYY-MM-DD.
func (a Appointment) SessionDate() string {
	if a.StartTime.IsZero() {
		return ""
	}
	return a.StartTime.Format(dateLayout)
}

type Address struct {
	Street string `json:"street"`
	City   string `json:"city"`
	State  string `json:"state"`
	Zip    string `json:"zip"`
}

type CustomField struct {
	ID       string `json:"id"`
	Key      string `json:"key"`
	FieldKey string `json:"field_key"`
	Value    string `json:"value"`
}

// Patient is a CRM contact.
type Patient struct {
	ID           string        `json:"id"`
	FirstName    string        `json:"first_name"`
	LastName     string        `json:"last_name"`
	DateOfBirth  string        `json:"date_of_birth"`
	Gender       string        `json:"gender"`
	Phone        string        `json:"phone"`
	Email        string        `json:"email"`
	Address      Address       `json:"address"`
	CustomFields []CustomField `json:"custom_fields"`
}

func (p *Patient) FullName() string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Field resolves the first matching custom field among keys.
func (p *Patient) Field(keys ...string) string {
	if p == nil {
		return ""
	}
	return ResolveCustomField(p.CustomFields, keys...)
}

// User is a CRM user; clinicians are users assigned to appointments.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	NPI       string `json:"npi"`
}

func (u User) DisplayName() string {
	if n := strings.TrimSpace(u.Name); n != "" {
		return n
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

type Invoice struct {
	ID         string          `json:"id"`
	PatientID  string          `json:"patient_id"`
	Number     string          `json:"number"`
	Status     string          `json:"status"`
	Total      decimal.Decimal `json:"total"`
	AmountPaid decimal.Decimal `json:"amount_paid"`
}

func (i Invoice) Balance() decimal.Decimal {
	return i.Total.Sub(i.AmountPaid)
}

// UnbilledSession is a completed appointment that has no claim yet, joined with
// what is known about the patient, the payer and the clinician.
type UnbilledSession struct {
	Appointment   Appointment     `json:"appointment"`
	Patient       *Patient        `json:"patient"`
	PayerName     string          `json:"payer_name"`
	PayerID       string          `json:"payer_id"`
	ChargeAmount  decimal.Decimal `json:"charge_amount"`
	ClinicianName string          `json:"clinician_name"`
	ClinicianID   string          `json:"clinician_id"`
	ClinicianNPI  string          `json:"clinician_npi"`
}

func (s UnbilledSession) PatientID() string {
	if s.Patient != nil && s.Patient.ID != "" {
		return s.Patient.ID
	}
	return s.Appointment.ContactID
}

func (s UnbilledSession) PatientName() string {
	if name := s.Patient.FullName(); name != "" {
		return name
	}
	return s.Appointment.Title
}

// PatientSummary is the flat patient record kept on every claim. Legacy claims
// created before the CMS-1500 snapshot existed only carry this.
type PatientSummary struct {
	FirstName   string  `json:"first_name"`
	LastName    string  `json:"last_name"`
	DateOfBirth string  `json:"date_of_birth"`
	Sex         string  `json:"sex"`
	Phone       string  `json:"phone"`
	Address     Address `json:"address"`
	MemberID    string  `json:"member_id"`
}

func (p PatientSummary) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

type Claim struct {
	ID                   uuid.UUID          `json:"id"`
	PatientID            string             `json:"patient_id"`
	PatientControlNumber string             `json:"patient_control_number"`
	AppointmentID        *string            `json:"appointment_id"`
	InvoiceID            *string            `json:"invoice_id"`
	PayerID              string             `json:"payer_id"`
	PayerName            string             `json:"payer_name"`
	CPTCode              string             `json:"cpt_code"`
	DiagnosisCodes       []string           `json:"diagnosis_codes"`
	ChargeAmount         decimal.Decimal    `json:"charge_amount"`
	SessionDate          string             `json:"session_date"`
	Status               Status             `json:"status"`
	Notes                string             `json:"notes"`
	PatientInfo          PatientSummary     `json:"patient_info"`
	CMS1500Data          *SubmissionPayload `json:"cms1500_data"`
	ResubmissionOf       *uuid.UUID         `json:"resubmission_of"`
	ResubmissionCode     ResubmissionCode   `json:"resubmission_code"`
	PaidAmount           *decimal.Decimal   `json:"paid_amount"`
	SubmittedAt          *time.Time         `json:"submitted_at"`
	PaidAt               *time.Time         `json:"paid_at"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

func (c *Claim) PatientName() string {
	if c.CMS1500Data != nil {
		if n := strings.TrimSpace(c.CMS1500Data.Patient.FirstName + " " + c.CMS1500Data.Patient.LastName); n != "" {
			return n
		}
	}
	return c.PatientInfo.FullName()
}

// ControlNumberFor derives the patient control number (box 26 fallback and the
// claim number reported to operators) from the claim id.
func ControlNumberFor(id uuid.UUID) string {
	return "CLM-" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:10])
}

// ClaimRequest is the body of claim create/update calls.
type ClaimRequest struct {
	PatientID            string             `json:"patient_id"`
	PatientControlNumber string             `json:"patient_control_number"`
	AppointmentID        *string            `json:"appointment_id"`
	InvoiceID            *string            `json:"invoice_id"`
	PayerID              string             `json:"payer_id"`
	PayerName            string             `json:"payer_name"`
	CPTCode              string             `json:"cpt_code"`
	DiagnosisCodes       []string           `json:"diagnosis_codes"`
	ChargeAmount         decimal.Decimal    `json:"charge_amount"`
	SessionDate          string             `json:"session_date"`
	Status               Status             `json:"status"`
	Notes                string             `json:"notes"`
	PatientInfo          PatientSummary     `json:"patient_info"`
	CMS1500Data          *SubmissionPayload `json:"cms1500_data"`
	ResubmissionOf       *uuid.UUID         `json:"resubmission_of"`
	ResubmissionCode     ResubmissionCode   `json:"resubmission_code"`
}

// StatusPatch carries a status change and the fields stamped with it.
type StatusPatch struct {
	Status           Status           `json:"status"`
	SubmittedAt      *time.Time       `json:"submitted_at"`
	PaidAt           *time.Time       `json:"paid_at"`
	PaidAmount       *decimal.Decimal `json:"paid_amount"`
	Notes            *string          `json:"notes"`
	ResubmissionOf   *uuid.UUID       `json:"resubmission_of"`
	ResubmissionCode ResubmissionCode `json:"resubmission_code"`
}

// Draft is a locally persisted, unsubmitted claim form.
type Draft struct {
	FormData      ClaimFormData `json:"form_data"`
	SavedAt       time.Time     `json:"saved_at"`
	AppointmentID string        `json:"appointment_id"`
	PatientID     string        `json:"patient_id"`
	PatientName   string        `json:"patient_name"`
}

// ClaimFilter narrows claim listings.
type ClaimFilter struct {
	PatientID     string
	AppointmentID string
	Status        Status
}
