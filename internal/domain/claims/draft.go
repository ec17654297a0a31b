package claims

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/ehr/claimsdesk/internal/platform/draftstore"
)

const DefaultRemoteDraftTimeout = 10 * time.Second

// DraftManager owns the one claim form open for editing. Saves go to the local
// keyed store first; that write alone decides success. The remote draft
// endpoint is updated afterwards on a background goroutine.
type DraftManager struct {
	store         KeyedStore
	remote        ClaimAPI
	defaults      OrgDefaults
	remoteTimeout time.Duration
	now           func() time.Time
	logger        zerolog.Logger

	mu            sync.Mutex
	open          *ClaimFormData
	appointmentID string
	claim         *Claim
	lastSaved     time.Time

	inflight sync.WaitGroup
}

// NewDraftManager creates a manager. remote may be nil, in which case drafts are
// kept locally only.
func NewDraftManager(store KeyedStore, remote ClaimAPI, defaults OrgDefaults, logger zerolog.Logger) *DraftManager {
	return &DraftManager{
		store:         store,
		remote:        remote,
		defaults:      defaults.withFallbacks(),
		remoteTimeout: DefaultRemoteDraftTimeout,
		now:           time.Now,
		logger:        logger.With().Str("component", "draft_manager").Logger(),
	}
}

func (m *DraftManager) SetRemoteTimeout(d time.Duration) {
	if d > 0 {
		m.remoteTimeout = d
	}
}

// InitializeFromSession opens a fresh form for an unbilled session.
func (m *DraftManager) InitializeFromSession(s UnbilledSession) ClaimFormData {
	form := NewFormFromSession(s, m.defaults)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setOpen(form, s.Appointment.ID, nil)
	return form.Clone()
}

// InitializeFromExistingClaim opens a working copy of a stored claim. The claim
// itself is never modified.
func (m *DraftManager) InitializeFromExistingClaim(c *Claim) ClaimFormData {
	form := FormFromClaim(c, m.defaults)
	apptID := ""
	if c.AppointmentID != nil {
		apptID = *c.AppointmentID
	}
	snapshot := *c
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setOpen(form, apptID, &snapshot)
	return form.Clone()
}

// Resume opens the saved draft for the session's appointment when one exists,
// otherwise a fresh form. The boolean reports whether a draft was resumed.
func (m *DraftManager) Resume(ctx context.Context, s UnbilledSession) (ClaimFormData, bool, error) {
	d, err := m.LoadDraft(ctx, s.Appointment.ID)
	if err != nil {
		return ClaimFormData{}, false, err
	}
	if d == nil {
		return m.InitializeFromSession(s), false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setOpen(d.FormData, s.Appointment.ID, nil)
	m.lastSaved = d.SavedAt
	return d.FormData.Clone(), true, nil
}

func (m *DraftManager) setOpen(form ClaimFormData, appointmentID string, claim *Claim) {
	f := form.Clone()
	f.RecomputeTotal()
	m.open = &f
	m.appointmentID = appointmentID
	m.claim = claim
	m.lastSaved = time.Time{}
}

// Current returns a copy of the open form.
func (m *DraftManager) Current() (ClaimFormData, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open == nil {
		return ClaimFormData{}, false
	}
	return m.open.Clone(), true
}

// OpenAppointmentID is the appointment the open form bills, "" when none.
func (m *DraftManager) OpenAppointmentID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appointmentID
}

// OpenClaim is the stored claim the open form was copied from, nil for new forms.
func (m *DraftManager) OpenClaim() *Claim {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claim == nil {
		return nil
	}
	c := *m.claim
	return &c
}

// Replace swaps the open form's contents. The total is recomputed.
func (m *DraftManager) Replace(form ClaimFormData) (ClaimFormData, error) {
	return m.edit(func(f *ClaimFormData) error {
		*f = form.Clone()
		f.RecomputeTotal()
		return nil
	})
}

func (m *DraftManager) AddServiceLine(l ServiceLine) (ClaimFormData, error) {
	return m.edit(func(f *ClaimFormData) error {
		f.AddServiceLine(l)
		return nil
	})
}

func (m *DraftManager) SetServiceLine(i int, l ServiceLine) (ClaimFormData, error) {
	return m.edit(func(f *ClaimFormData) error {
		return f.SetServiceLine(i, l)
	})
}

func (m *DraftManager) RemoveServiceLine(i int) (ClaimFormData, error) {
	return m.edit(func(f *ClaimFormData) error {
		return f.RemoveServiceLine(i)
	})
}

func (m *DraftManager) edit(fn func(*ClaimFormData) error) (ClaimFormData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open == nil {
		return ClaimFormData{}, ErrNoOpenForm
	}
	work := m.open.Clone()
	if err := fn(&work); err != nil {
		return ClaimFormData{}, &ValidationError{Reason: err.Error()}
	}
	m.open = &work
	return work.Clone(), nil
}

// Close discards the open form without touching any saved draft.
func (m *DraftManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = nil
	m.appointmentID = ""
	m.claim = nil
}

// SaveDraft persists form under appointmentID. The local write is synchronous
// and its result is the result of the call; the remote write runs in the
// background and only logs on failure.
func (m *DraftManager) SaveDraft(ctx context.Context, form ClaimFormData, appointmentID string) (time.Time, error) {
	if strings.TrimSpace(appointmentID) == "" {
		return time.Time{}, validationf("appointment id is required to save a draft")
	}
	savedAt := m.now().UTC()
	d := Draft{
		FormData:      form.Clone(),
		SavedAt:       savedAt,
		AppointmentID: appointmentID,
		PatientID:     form.Patient.ID,
		PatientName:   strings.TrimSpace(form.Patient.FirstName + " " + form.Patient.LastName),
	}
	data, err := json.Marshal(d)
	if err != nil {
		return time.Time{}, fmt.Errorf("encode draft: %w", err)
	}
	if err := m.store.Set(ctx, appointmentID, data); err != nil {
		return time.Time{}, fmt.Errorf("save draft locally: %w", err)
	}

	m.mu.Lock()
	m.lastSaved = savedAt
	if m.open != nil && m.appointmentID == appointmentID {
		open := form.Clone()
		m.open = &open
	}
	m.mu.Unlock()

	if m.remote != nil {
		m.inflight.Add(1)
		go m.saveRemote(appointmentID, d.FormData)
	}
	return savedAt, nil
}

// saveRemote runs detached from the request: the request context and any
// connection pinned to it are gone by the time it runs.
func (m *DraftManager) saveRemote(appointmentID string, form ClaimFormData) {
	defer m.inflight.Done()
	ctx, cancel := context.WithTimeout(context.Background(), m.remoteTimeout)
	defer cancel()
	if err := m.remote.SaveDraft(ctx, appointmentID, form); err != nil {
		m.logger.Warn().Err(err).Str("appointment_id", appointmentID).Msg("remote draft save failed")
		return
	}
	m.logger.Debug().Str("appointment_id", appointmentID).Msg("remote draft saved")
}

// Flush waits for background remote saves to finish.
func (m *DraftManager) Flush() {
	m.inflight.Wait()
}

// LoadDraft returns the locally saved draft, or nil when there is none.
func (m *DraftManager) LoadDraft(ctx context.Context, appointmentID string) (*Draft, error) {
	data, ok, err := m.store.Get(ctx, appointmentID)
	if errors.Is(err, draftstore.ErrUnreadable) {
		m.discard(ctx, appointmentID, err)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load draft: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var d Draft
	if err := json.Unmarshal(data, &d); err != nil {
		m.discard(ctx, appointmentID, err)
		return nil, nil
	}
	return &d, nil
}

func (m *DraftManager) discard(ctx context.Context, appointmentID string, cause error) {
	m.logger.Warn().Err(cause).Str("appointment_id", appointmentID).Msg("discarding unreadable draft")
	if err := m.store.Delete(ctx, appointmentID); err != nil {
		m.logger.Error().Err(err).Str("appointment_id", appointmentID).Msg("failed to delete unreadable draft")
	}
}

// DeleteDraft removes the local draft so a finalized claim is not resurrected on
// the next open.
func (m *DraftManager) DeleteDraft(ctx context.Context, appointmentID string) error {
	if err := m.store.Delete(ctx, appointmentID); err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}

func (m *DraftManager) LastSaved() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSaved
}
