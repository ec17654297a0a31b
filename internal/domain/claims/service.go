package claims

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Service struct {
	repo      ClaimRepository
	pool      *CandidatePool
	lifecycle *Lifecycle
	batch     *BatchFiler
	store     KeyedStore
	defaults  OrgDefaults
	logger    zerolog.Logger
	now       func() time.Time

	remoteDraftTimeout time.Duration
	inTx               func(ctx context.Context, fn func(ctx context.Context) error) error

	mu         sync.Mutex
	workspaces map[string]*Workspace
}

func NewService(repo ClaimRepository, pool *CandidatePool, invoices InvoiceLister, store KeyedStore, audit AuditSink, defaults OrgDefaults, logger zerolog.Logger) *Service {
	defaults = defaults.withFallbacks()
	return &Service{
		repo:       repo,
		pool:       pool,
		lifecycle:  NewLifecycle(repo, audit, defaults, logger),
		batch:      NewBatchFiler(invoices, repo, audit, defaults, logger),
		store:      store,
		defaults:   defaults,
		logger:     logger.With().Str("component", "claims_service").Logger(),
		now:        time.Now,
		workspaces: make(map[string]*Workspace),
		inTx: func(ctx context.Context, fn func(ctx context.Context) error) error {
			return fn(ctx)
		},
	}
}

// SetTransactor makes Submit create and submit a claim atomically.
func (s *Service) SetTransactor(inTx func(ctx context.Context, fn func(ctx context.Context) error) error) {
	if inTx != nil {
		s.inTx = inTx
	}
}

// SetRemoteDraftTimeout bounds the background remote draft save of every
// workspace created afterwards.
func (s *Service) SetRemoteDraftTimeout(d time.Duration) {
	s.remoteDraftTimeout = d
}

// Workspace returns the operator's workspace, creating it on first use.
func (s *Service) Workspace(operator string) *Workspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workspaces[operator]
	if !ok {
		drafts := NewDraftManager(s.store, s.repo, s.defaults, s.logger.With().Str("operator", operator).Logger())
		drafts.SetRemoteTimeout(s.remoteDraftTimeout)
		w = &Workspace{
			Operator:  operator,
			Drafts:    drafts,
			Selection: NewSelection(s.defaults.SessionLength),
		}
		s.workspaces[operator] = w
	}
	return w
}

// Flush waits for every workspace's background draft saves.
func (s *Service) Flush() {
	s.mu.Lock()
	ws := make([]*Workspace, 0, len(s.workspaces))
	for _, w := range s.workspaces {
		ws = append(ws, w)
	}
	s.mu.Unlock()
	for _, w := range ws {
		w.Drafts.Flush()
	}
}

// -- Candidates --

func (s *Service) UnbilledSessions(ctx context.Context, refresh bool) ([]UnbilledSession, error) {
	if refresh {
		if err := s.pool.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	return s.pool.Sessions(), nil
}

func (s *Service) session(appointmentID string) (UnbilledSession, error) {
	sess, ok := s.pool.Lookup(appointmentID)
	if !ok {
		return UnbilledSession{}, fmt.Errorf("unbilled session %s: %w", appointmentID, ErrNotFound)
	}
	return sess, nil
}

// -- Workspace form --

// OpenSession opens the form for an unbilled session, resuming its saved draft
// when there is one.
func (s *Service) OpenSession(ctx context.Context, operator, appointmentID string) (OpenForm, error) {
	sess, err := s.session(appointmentID)
	if err != nil {
		return OpenForm{}, err
	}
	w := s.Workspace(operator)
	w.mu.Lock()
	defer w.mu.Unlock()

	_, resumed, err := w.Drafts.Resume(ctx, sess)
	if err != nil {
		return OpenForm{}, err
	}
	return w.openForm(resumed)
}

// OpenClaim opens a working copy of a stored claim.
func (s *Service) OpenClaim(ctx context.Context, operator string, claimID uuid.UUID) (OpenForm, error) {
	claim, err := s.GetClaim(ctx, claimID)
	if err != nil {
		return OpenForm{}, err
	}
	if _, err := s.lifecycle.EditCopy(claim); err != nil {
		return OpenForm{}, err
	}
	w := s.Workspace(operator)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Drafts.InitializeFromExistingClaim(claim)
	return w.openForm(false)
}

func (s *Service) CurrentForm(operator string) (OpenForm, error) {
	w := s.Workspace(operator)
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.openForm(false)
}

func (s *Service) UpdateForm(operator string, form ClaimFormData) (OpenForm, error) {
	return s.editForm(operator, func(d *DraftManager) error {
		_, err := d.Replace(form)
		return err
	})
}

func (s *Service) AddServiceLine(operator string, l ServiceLine) (OpenForm, error) {
	return s.editForm(operator, func(d *DraftManager) error {
		_, err := d.AddServiceLine(l)
		return err
	})
}

func (s *Service) SetServiceLine(operator string, i int, l ServiceLine) (OpenForm, error) {
	return s.editForm(operator, func(d *DraftManager) error {
		_, err := d.SetServiceLine(i, l)
		return err
	})
}

func (s *Service) RemoveServiceLine(operator string, i int) (OpenForm, error) {
	return s.editForm(operator, func(d *DraftManager) error {
		_, err := d.RemoveServiceLine(i)
		return err
	})
}

func (s *Service) editForm(operator string, fn func(*DraftManager) error) (OpenForm, error) {
	w := s.Workspace(operator)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := fn(w.Drafts); err != nil {
		return OpenForm{}, err
	}
	return w.openForm(false)
}

func (s *Service) CloseForm(operator string) {
	w := s.Workspace(operator)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Drafts.Close()
}

// Preview maps the open form to the payload that would be submitted.
func (s *Service) Preview(operator string) (SubmissionPayload, error) {
	form, err := s.CurrentForm(operator)
	if err != nil {
		return SubmissionPayload{}, err
	}
	return Map(form.Form, s.now()), nil
}

// -- Drafts --

func (s *Service) SaveDraft(ctx context.Context, operator, appointmentID string, form ClaimFormData) (time.Time, error) {
	w := s.Workspace(operator)
	w.mu.Lock()
	defer w.mu.Unlock()
	form.RecomputeTotal()
	return w.Drafts.SaveDraft(ctx, form, appointmentID)
}

func (s *Service) LoadDraft(ctx context.Context, operator, appointmentID string) (*Draft, error) {
	return s.Workspace(operator).Drafts.LoadDraft(ctx, appointmentID)
}

func (s *Service) DeleteDraft(ctx context.Context, operator, appointmentID string) error {
	return s.Workspace(operator).Drafts.DeleteDraft(ctx, appointmentID)
}

// -- Claims --

// Submit files the open form for appointmentID as a new claim: it is created
// ready, moved to submitted, and the local draft is discarded.
func (s *Service) Submit(ctx context.Context, operator, appointmentID string) (*Claim, error) {
	w := s.Workspace(operator)
	w.mu.Lock()
	defer w.mu.Unlock()

	form, ok := w.Drafts.Current()
	if !ok || w.Drafts.OpenAppointmentID() != appointmentID || w.Drafts.OpenClaim() != nil {
		return nil, ErrNoOpenForm
	}
	if err := ValidateForSubmission(form); err != nil {
		return nil, err
	}

	apptID := appointmentID
	payload := Map(form, s.now())
	var submitted *Claim
	err := s.inTx(ctx, func(ctx context.Context) error {
		created, err := s.repo.Create(ctx, ClaimRequestFromForm(form, payload, &apptID, nil))
		if err != nil {
			return collaboratorErr("create claim", err)
		}
		s.lifecycle.record(ctx, AuditCreated, created,
			fmt.Sprintf("Claim %s created for appointment %s", created.PatientControlNumber, appointmentID),
			map[string]any{
				"appointment_id": appointmentID,
				"charge_amount":  payload.Totals.TotalCharge.StringFixed(2),
			})
		submitted, err = s.lifecycle.Transition(ctx, created, StatusSubmitted, TransitionExtra{})
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := w.Drafts.DeleteDraft(ctx, appointmentID); err != nil {
		s.logger.Warn().Err(err).Str("appointment_id", appointmentID).Msg("submitted claim left a stale draft")
	}
	w.Drafts.Close()
	w.Selection.Deselect(appointmentID)
	s.pool.Remove(appointmentID)
	return submitted, nil
}

func (s *Service) GetClaim(ctx context.Context, id uuid.UUID) (*Claim, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, collaboratorErr("get claim", err)
	}
	return c, nil
}

func (s *Service) ListClaims(ctx context.Context, filter ClaimFilter, limit, offset int) ([]*Claim, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, validationf("invalid status: %s", filter.Status)
	}
	claims, total, err := s.repo.List(ctx, filter, limit, offset)
	if err != nil {
		return nil, 0, collaboratorErr("list claims", err)
	}
	return claims, total, nil
}

func (s *Service) TransitionClaim(ctx context.Context, id uuid.UUID, to Status, extra TransitionExtra) (*Claim, error) {
	claim, err := s.GetClaim(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.lifecycle.Transition(ctx, claim, to, extra)
}

func (s *Service) ReopenClaim(ctx context.Context, id uuid.UUID, code ResubmissionCode) (*Claim, error) {
	claim, err := s.GetClaim(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.lifecycle.Reopen(ctx, claim, code)
}

// ResubmitClaim submits the form open for claim id as its correction.
func (s *Service) ResubmitClaim(ctx context.Context, operator string, id uuid.UUID) (*Claim, error) {
	claim, err := s.GetClaim(ctx, id)
	if err != nil {
		return nil, err
	}
	w := s.Workspace(operator)
	w.mu.Lock()
	defer w.mu.Unlock()

	open := w.Drafts.OpenClaim()
	form, ok := w.Drafts.Current()
	if !ok || open == nil || open.ID != id {
		return nil, ErrNoOpenForm
	}
	updated, err := s.lifecycle.Resubmit(ctx, claim, form, s.now())
	if err != nil {
		return nil, err
	}
	w.Drafts.Close()
	return updated, nil
}

// -- Selection and batch --

func (s *Service) Select(operator, appointmentID string) (bool, error) {
	sess, err := s.session(appointmentID)
	if err != nil {
		return false, err
	}
	return s.Workspace(operator).Selection.Select(sess), nil
}

func (s *Service) Deselect(operator, appointmentID string) {
	s.Workspace(operator).Selection.Deselect(appointmentID)
}

func (s *Service) SelectAll(operator string) int {
	return s.Workspace(operator).Selection.SelectAll(s.pool.Sessions())
}

func (s *Service) SelectionIDs(operator string) []string {
	return s.Workspace(operator).Selection.IDs()
}

func (s *Service) ClearSelection(operator string) {
	s.Workspace(operator).Selection.Clear()
}

// FileBatch files ids, or the operator's selection when ids is empty. After a
// completed pass the selection is cleared, and each filed session leaves the
// pool and loses its draft.
func (s *Service) FileBatch(ctx context.Context, operator string, ids []string) (*BatchResult, error) {
	w := s.Workspace(operator)
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(ids) == 0 {
		ids = w.Selection.IDs()
	}
	result, err := s.batch.File(ctx, ids, s.pool.Lookup)
	if err != nil {
		return nil, err
	}
	w.Selection.Clear()
	var filed []string
	for _, item := range result.Items {
		if !item.Success {
			continue
		}
		filed = append(filed, item.AppointmentID)
		if err := w.Drafts.DeleteDraft(ctx, item.AppointmentID); err != nil {
			s.logger.Warn().Err(err).Str("appointment_id", item.AppointmentID).Msg("batch-filed claim left a stale draft")
		}
		if w.Drafts.OpenAppointmentID() == item.AppointmentID && w.Drafts.OpenClaim() == nil {
			w.Drafts.Close()
		}
	}
	s.pool.Remove(filed...)
	return result, nil
}
