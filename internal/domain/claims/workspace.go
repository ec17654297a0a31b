package claims

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Workspace is one operator's editing surface: a single open claim form and a
// batch selection. Service methods hold mu for the whole operation so requests
// from the same operator are serialized.
type Workspace struct {
	Operator  string
	Drafts    *DraftManager
	Selection *Selection

	mu sync.Mutex
}

// OpenForm describes the form currently open in a workspace.
type OpenForm struct {
	AppointmentID string        `json:"appointment_id"`
	ClaimID       *uuid.UUID    `json:"claim_id"`
	Resumed       bool          `json:"resumed"`
	LastSaved     *time.Time    `json:"last_saved"`
	Form          ClaimFormData `json:"form"`
}

func (w *Workspace) openForm(resumed bool) (OpenForm, error) {
	form, ok := w.Drafts.Current()
	if !ok {
		return OpenForm{}, ErrNoOpenForm
	}
	out := OpenForm{
		AppointmentID: w.Drafts.OpenAppointmentID(),
		Resumed:       resumed,
		Form:          form,
	}
	if c := w.Drafts.OpenClaim(); c != nil {
		id := c.ID
		out.ClaimID = &id
	}
	if saved := w.Drafts.LastSaved(); !saved.IsZero() {
		out.LastSaved = &saved
	}
	return out, nil
}
