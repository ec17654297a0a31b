package claims

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AppointmentLister reads calendar appointments from the CRM.
type AppointmentLister interface {
	ListAppointments(ctx context.Context, locationID string, from, to time.Time) ([]Appointment, error)
}

type PatientDirectory interface {
	GetPatient(ctx context.Context, id string) (*Patient, error)
}

type UserDirectory interface {
	ListUsers(ctx context.Context, locationID string) ([]User, error)
}

type InvoiceLister interface {
	ListInvoices(ctx context.Context, patientID string) ([]Invoice, error)
}

// ClaimAPI is the write side of claim persistence.
type ClaimAPI interface {
	Create(ctx context.Context, req ClaimRequest) (*Claim, error)
	Update(ctx context.Context, id uuid.UUID, req ClaimRequest) (*Claim, error)
	PatchStatus(ctx context.Context, id uuid.UUID, patch StatusPatch) (*Claim, error)
	SaveDraft(ctx context.Context, appointmentID string, form ClaimFormData) error
}

type ClaimReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Claim, error)
	List(ctx context.Context, filter ClaimFilter, limit, offset int) ([]*Claim, int, error)
	// AppointmentIDsWithClaims returns the subset of ids that already have a claim.
	AppointmentIDsWithClaims(ctx context.Context, appointmentIDs []string) (map[string]bool, error)
}

// ClaimRepository is what the Postgres adapter provides.
type ClaimRepository interface {
	ClaimAPI
	ClaimReader
}

// AuditSink records a billing event. Implementations never fail the caller.
type AuditSink interface {
	Record(ctx context.Context, action, resourceType, resourceID, patientID, patientName, description string, metadata map[string]any)
}

// KeyedStore is the local durable draft cache.
type KeyedStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
