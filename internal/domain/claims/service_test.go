package claims

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/claimsdesk/internal/platform/draftstore"
)

// -- Mock Repository --

type mockRepo struct {
	mu     sync.Mutex
	claims map[uuid.UUID]*Claim

	createErr     error
	createFailFor map[string]bool // patient ids
	patchErr      error
	patches       []StatusPatch
	updates       int

	draftErr   error
	draftCalls int
	drafts     map[string]ClaimFormData
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		claims:        make(map[uuid.UUID]*Claim),
		createFailFor: make(map[string]bool),
		drafts:        make(map[string]ClaimFormData),
	}
}

func (m *mockRepo) Create(_ context.Context, req ClaimRequest) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	if m.createFailFor[req.PatientID] {
		return nil, errors.New("payer rejected the request")
	}
	id := uuid.New()
	c := &Claim{ID: id, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	applyRequest(c, req)
	if c.PatientControlNumber == "" {
		c.PatientControlNumber = ControlNumberFor(id)
	}
	if c.Status == "" {
		c.Status = StatusReady
	}
	m.claims[id] = c
	cp := *c
	return &cp, nil
}

func applyRequest(c *Claim, req ClaimRequest) {
	if req.PatientControlNumber != "" {
		c.PatientControlNumber = req.PatientControlNumber
	}
	c.PatientID = req.PatientID
	c.AppointmentID = req.AppointmentID
	c.InvoiceID = req.InvoiceID
	c.PayerID = req.PayerID
	c.PayerName = req.PayerName
	c.CPTCode = req.CPTCode
	c.DiagnosisCodes = req.DiagnosisCodes
	c.ChargeAmount = req.ChargeAmount
	c.SessionDate = req.SessionDate
	c.Status = req.Status
	c.Notes = req.Notes
	c.PatientInfo = req.PatientInfo
	c.CMS1500Data = req.CMS1500Data
	c.ResubmissionOf = req.ResubmissionOf
	c.ResubmissionCode = req.ResubmissionCode
}

func (m *mockRepo) Update(_ context.Context, id uuid.UUID, req ClaimRequest) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return nil, ErrNotFound
	}
	status := c.Status
	applyRequest(c, req)
	c.Status = status
	m.updates++
	cp := *c
	return &cp, nil
}

func (m *mockRepo) PatchStatus(_ context.Context, id uuid.UUID, patch StatusPatch) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.patchErr != nil {
		return nil, m.patchErr
	}
	c, ok := m.claims[id]
	if !ok {
		return nil, ErrNotFound
	}
	m.patches = append(m.patches, patch)
	c.Status = patch.Status
	if patch.SubmittedAt != nil {
		c.SubmittedAt = patch.SubmittedAt
	}
	if patch.PaidAt != nil {
		c.PaidAt = patch.PaidAt
	}
	if patch.PaidAmount != nil {
		c.PaidAmount = patch.PaidAmount
	}
	if patch.Notes != nil {
		c.Notes = *patch.Notes
	}
	if patch.ResubmissionOf != nil {
		c.ResubmissionOf = patch.ResubmissionOf
	}
	if patch.ResubmissionCode != "" {
		c.ResubmissionCode = patch.ResubmissionCode
	}
	cp := *c
	return &cp, nil
}

func (m *mockRepo) SaveDraft(_ context.Context, appointmentID string, form ClaimFormData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.draftCalls++
	if m.draftErr != nil {
		return m.draftErr
	}
	m.drafts[appointmentID] = form
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *mockRepo) List(_ context.Context, f ClaimFilter, limit, offset int) ([]*Claim, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Claim
	for _, c := range m.claims {
		if f.PatientID != "" && c.PatientID != f.PatientID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, len(out), nil
}

func (m *mockRepo) AppointmentIDsWithClaims(_ context.Context, ids []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool)
	for _, c := range m.claims {
		if c.AppointmentID != nil {
			for _, id := range ids {
				if id == *c.AppointmentID {
					out[id] = true
				}
			}
		}
	}
	return out, nil
}

func (m *mockRepo) put(c *Claim) *Claim {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.PatientControlNumber == "" {
		c.PatientControlNumber = ControlNumberFor(c.ID)
	}
	m.claims[c.ID] = c
	cp := *c
	return &cp
}

func (m *mockRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.claims)
}

// -- Mock Audit --

type auditRecord struct {
	Action     string
	ResourceID string
	PatientID  string
	Metadata   map[string]any
}

type mockAudit struct {
	mu      sync.Mutex
	records []auditRecord
}

func (a *mockAudit) Record(_ context.Context, action, _, resourceID, patientID, _, _ string, metadata map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, auditRecord{Action: action, ResourceID: resourceID, PatientID: patientID, Metadata: metadata})
}

func (a *mockAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := []string{}
	for _, r := range a.records {
		out = append(out, r.Action)
	}
	return out
}

// -- Mock CRM --

type mockCRM struct {
	mu           sync.Mutex
	appointments []Appointment
	apptErr      error
	patients     map[string]*Patient
	patientErr   map[string]error
	patientCalls map[string]int
	users        []User
	usersErr     error
	invoices     map[string][]Invoice
	invoiceErr   map[string]error
}

func newMockCRM() *mockCRM {
	return &mockCRM{
		patients:     make(map[string]*Patient),
		patientErr:   make(map[string]error),
		patientCalls: make(map[string]int),
		invoices:     make(map[string][]Invoice),
		invoiceErr:   make(map[string]error),
	}
}

func (m *mockCRM) ListAppointments(_ context.Context, _ string, from, to time.Time) ([]Appointment, error) {
	if m.apptErr != nil {
		return nil, m.apptErr
	}
	var out []Appointment
	for _, a := range m.appointments {
		if a.StartTime.Before(from) || a.StartTime.After(to) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (m *mockCRM) GetPatient(_ context.Context, id string) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patientCalls[id]++
	if err := m.patientErr[id]; err != nil {
		return nil, err
	}
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (m *mockCRM) ListUsers(_ context.Context, _ string) ([]User, error) {
	return m.users, m.usersErr
}

func (m *mockCRM) ListInvoices(_ context.Context, patientID string) ([]Invoice, error) {
	if err := m.invoiceErr[patientID]; err != nil {
		return nil, err
	}
	return m.invoices[patientID], nil
}

// -- Fixtures --

var testNow = time.Date(2024, 3, 15, 18, 0, 0, 0, time.UTC)

func testDefaults() OrgDefaults {
	d := DefaultOrgDefaults()
	d.BillingProviderName = "Northside Counseling"
	d.BillingProviderAddress = Address{Street: "12 Elm St", City: "Austin", State: "TX", Zip: "78701"}
	d.NPI = "1234567893"
	d.TaxID = "12-3456789"
	return d
}

func completedAppointment(id, contactID string, start time.Time) Appointment {
	return Appointment{
		ID:             id,
		ContactID:      contactID,
		Title:          "Therapy session",
		Status:         "showed",
		AssignedUserID: "u1",
		StartTime:      start,
		EndTime:        start.Add(50 * time.Minute),
	}
}

func insuredPatient(id string) *Patient {
	return &Patient{
		ID:          id,
		FirstName:   "Ann",
		LastName:    "Lee",
		DateOfBirth: "1985-04-12T00:00:00Z",
		Gender:      "female",
		Phone:       "512-555-0100",
		Address:     Address{Street: "1 Main St", City: "Austin", State: "TX", Zip: "78702"},
		CustomFields: []CustomField{
			{Key: "contact.insurance_carrier", Value: "Aetna"},
			{Key: "contact.insurance_payer_id", Value: "60054"},
			{Key: "contact.insurance_member_id", Value: "W123456789"},
			{Key: "contact.insurance_group_number", Value: "GRP-1"},
			{Key: "contact.diagnosis_code", Value: "F41.1, F32.0"},
		},
	}
}

func sessionFor(appt Appointment, p *Patient) UnbilledSession {
	return UnbilledSession{
		Appointment:   appt,
		Patient:       p,
		PayerName:     p.Field(PayerNameKeys...),
		PayerID:       p.Field(PayerIDKeys...),
		ChargeAmount:  decimal.NewFromInt(150),
		ClinicianName: "Dr. Rivera",
		ClinicianID:   appt.AssignedUserID,
		ClinicianNPI:  "1922334455",
	}
}

type serviceFixture struct {
	svc   *Service
	repo  *mockRepo
	crm   *mockCRM
	audit *mockAudit
	pool  *CandidatePool
	store *draftstore.Memory
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	crm := newMockCRM()
	crm.users = []User{{ID: "u1", Name: "Dr. Rivera", NPI: "1922334455"}}
	crm.patients["P1"] = insuredPatient("P1")
	crm.patients["P2"] = insuredPatient("P2")
	crm.appointments = []Appointment{
		completedAppointment("appt-1", "P1", testNow.Add(-48*time.Hour)),
		completedAppointment("appt-2", "P2", testNow.Add(-24*time.Hour)),
	}

	repo := newMockRepo()
	audit := &mockAudit{}
	agg := NewAggregator(crm, crm, crm, repo, testDefaults(), zerolog.Nop())
	pool := NewCandidatePool(agg, "loc-1", time.Minute, zerolog.Nop())
	pool.now = func() time.Time { return testNow }
	if err := pool.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	store := draftstore.NewMemory()
	svc := NewService(repo, pool, crm, store, audit, testDefaults(), zerolog.Nop())
	svc.now = func() time.Time { return testNow }
	return &serviceFixture{svc: svc, repo: repo, crm: crm, audit: audit, pool: pool, store: store}
}

// -- Service --

func TestService_OpenSubmit(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	open, err := f.svc.OpenSession(ctx, "biller", "appt-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if open.Resumed {
		t.Error("expected a fresh form")
	}
	if open.Form.Payer.Name != "Aetna" {
		t.Errorf("expected payer Aetna, got %q", open.Form.Payer.Name)
	}

	if _, err := f.svc.SaveDraft(ctx, "biller", "appt-1", open.Form); err != nil {
		t.Fatalf("save draft: %v", err)
	}

	claim, err := f.svc.Submit(ctx, "biller", "appt-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if claim.Status != StatusSubmitted {
		t.Errorf("expected submitted, got %s", claim.Status)
	}
	if claim.SubmittedAt == nil {
		t.Error("expected submitted_at to be stamped")
	}
	if claim.CMS1500Data == nil {
		t.Fatal("expected the CMS-1500 snapshot on the claim")
	}

	if d, _ := f.svc.LoadDraft(ctx, "biller", "appt-1"); d != nil {
		t.Error("expected the draft to be deleted after submit")
	}
	if _, ok := f.pool.Lookup("appt-1"); ok {
		t.Error("expected the submitted session to leave the pool")
	}
	if _, err := f.svc.CurrentForm("biller"); !errors.Is(err, ErrNoOpenForm) {
		t.Errorf("expected the form to be closed, got %v", err)
	}
	want := []string{AuditCreated, AuditStatusChanged}
	if got := f.audit.actions(); !equalStrings(got, want) {
		t.Errorf("audit actions = %v, want %v", got, want)
	}
	f.svc.Flush()
}

func TestService_SubmitValidationBlocks(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	if _, err := f.svc.OpenSession(ctx, "biller", "appt-1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.svc.RemoveServiceLine("biller", 0); err != nil {
		t.Fatalf("remove line: %v", err)
	}
	_, err := f.svc.Submit(ctx, "biller", "appt-1")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected a validation error, got %v", err)
	}
	if f.repo.count() != 0 {
		t.Error("expected no claim to be created")
	}
}

func TestService_SubmitRequiresMatchingForm(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Submit(ctx, "biller", "appt-1"); !errors.Is(err, ErrNoOpenForm) {
		t.Errorf("expected ErrNoOpenForm without an open form, got %v", err)
	}
	if _, err := f.svc.OpenSession(ctx, "biller", "appt-1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.svc.Submit(ctx, "biller", "appt-2"); !errors.Is(err, ErrNoOpenForm) {
		t.Errorf("expected ErrNoOpenForm for another appointment, got %v", err)
	}
}

func TestService_ResumeDraft(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	open, err := f.svc.OpenSession(ctx, "biller", "appt-2")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	form := open.Form
	form.PriorAuthorization = "AUTH-77"
	if _, err := f.svc.SaveDraft(ctx, "biller", "appt-2", form); err != nil {
		t.Fatalf("save: %v", err)
	}
	f.svc.CloseForm("biller")

	again, err := f.svc.OpenSession(ctx, "biller", "appt-2")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !again.Resumed {
		t.Error("expected the saved draft to be resumed")
	}
	if again.Form.PriorAuthorization != "AUTH-77" {
		t.Errorf("expected the draft edit to survive, got %q", again.Form.PriorAuthorization)
	}
	if again.LastSaved == nil {
		t.Error("expected last_saved on a resumed draft")
	}
	f.svc.Flush()
}

func TestService_WorkspacesAreIsolated(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	if _, err := f.svc.OpenSession(ctx, "alice", "appt-1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.svc.CurrentForm("bob"); !errors.Is(err, ErrNoOpenForm) {
		t.Errorf("expected bob to have no open form, got %v", err)
	}
	if ok, _ := f.svc.Select("bob", "appt-2"); !ok {
		t.Fatal("expected appt-2 to be selectable")
	}
	if ids := f.svc.SelectionIDs("alice"); len(ids) != 0 {
		t.Errorf("expected alice's selection to be empty, got %v", ids)
	}
}

func TestService_EditServiceLines(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	if _, err := f.svc.OpenSession(ctx, "biller", "appt-1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	open, err := f.svc.AddServiceLine("biller", ServiceLine{
		DateFrom: "2024-03-13", CPTCode: "90785", Charges: decimal.NewFromInt(25), Units: 2,
	})
	if err != nil {
		t.Fatalf("add line: %v", err)
	}
	if !open.Form.TotalCharge.Equal(decimal.NewFromInt(200)) {
		t.Errorf("expected total 200, got %s", open.Form.TotalCharge)
	}

	if _, err := f.svc.SetServiceLine("biller", 5, ServiceLine{}); err == nil {
		t.Error("expected an out-of-range line edit to fail")
	}

	preview, err := f.svc.Preview("biller")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if len(preview.ServiceLines) != 2 {
		t.Errorf("expected 2 payload lines, got %d", len(preview.ServiceLines))
	}
	if preview.Signature.SignedDate.ISO != "2024-03-15" {
		t.Errorf("expected preview signed today, got %q", preview.Signature.SignedDate.ISO)
	}
}

func TestService_ReopenResubmit(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	form := NewFormFromSession(sessionFor(completedAppointment("appt-9", "P1", testNow.Add(-72*time.Hour)), insuredPatient("P1")), testDefaults())
	payload := Map(form, testNow)
	req := ClaimRequestFromForm(form, payload, nil, nil)
	req.Status = StatusDenied
	created, _ := f.repo.Create(ctx, req)

	if _, err := f.svc.OpenClaim(ctx, "biller", created.ID); err != nil {
		t.Fatalf("open denied claim: %v", err)
	}
	if _, err := f.svc.ResubmitClaim(ctx, "biller", created.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected resubmit before reopen to fail, got %v", err)
	}

	if _, err := f.svc.ReopenClaim(ctx, created.ID, ResubmissionReplacement); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := f.svc.OpenClaim(ctx, "biller", created.ID); err != nil {
		t.Fatalf("open reopened claim: %v", err)
	}
	out, err := f.svc.ResubmitClaim(ctx, "biller", created.ID)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if out.ID != created.ID {
		t.Error("expected the resubmission to keep the claim id")
	}
	if out.Status != StatusSubmitted {
		t.Errorf("expected submitted, got %s", out.Status)
	}
	if out.CMS1500Data.Resubmission.Code != "7" {
		t.Errorf("expected box 22 code 7, got %q", out.CMS1500Data.Resubmission.Code)
	}
	if out.CMS1500Data.Resubmission.OriginalReference != created.PatientControlNumber {
		t.Errorf("expected original reference %s, got %s", created.PatientControlNumber, out.CMS1500Data.Resubmission.OriginalReference)
	}
}

func TestService_OpenClaimRejectsPaid(t *testing.T) {
	f := newServiceFixture(t)
	paid := f.repo.put(&Claim{PatientID: "P1", Status: StatusPaid})
	_, err := f.svc.OpenClaim(context.Background(), "biller", paid.ID)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("expected a validation error for a paid claim, got %v", err)
	}
}

func TestService_FileBatchClearsSelection(t *testing.T) {
	f := newServiceFixture(t)
	f.crm.invoices["P1"] = []Invoice{{ID: "inv-1", Total: decimal.NewFromInt(150)}}
	ctx := context.Background()

	if n := f.svc.SelectAll("biller"); n != 2 {
		t.Fatalf("expected 2 selected, got %d", n)
	}
	result, err := f.svc.FileBatch(ctx, "biller", nil)
	if err != nil {
		t.Fatalf("file batch: %v", err)
	}
	if result.Succeeded != 1 || result.Failed != 1 {
		t.Errorf("expected 1 success and 1 failure, got %d/%d", result.Succeeded, result.Failed)
	}
	if ids := f.svc.SelectionIDs("biller"); len(ids) != 0 {
		t.Errorf("expected the selection to be cleared, got %v", ids)
	}
	if _, ok := f.pool.Lookup("appt-1"); ok {
		t.Error("expected the filed session to leave the pool")
	}
	if _, ok := f.pool.Lookup("appt-2"); !ok {
		t.Error("expected the failed session to stay in the pool")
	}
}

func TestService_FileBatchDeletesFiledDrafts(t *testing.T) {
	f := newServiceFixture(t)
	f.crm.invoices["P1"] = []Invoice{{ID: "inv-1", Total: decimal.NewFromInt(150)}}
	ctx := context.Background()

	open, err := f.svc.OpenSession(ctx, "biller", "appt-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, appt := range []string{"appt-1", "appt-2"} {
		if _, err := f.svc.SaveDraft(ctx, "biller", appt, open.Form); err != nil {
			t.Fatalf("save %s: %v", appt, err)
		}
	}

	result, err := f.svc.FileBatch(ctx, "biller", []string{"appt-1", "appt-2"})
	if err != nil {
		t.Fatalf("file batch: %v", err)
	}
	if result.Succeeded != 1 {
		t.Fatalf("expected 1 success, got %d", result.Succeeded)
	}
	if _, ok, _ := f.store.Get(ctx, "appt-1"); ok {
		t.Error("expected the filed session's draft to be deleted")
	}
	if _, ok, _ := f.store.Get(ctx, "appt-2"); !ok {
		t.Error("expected the failed session's draft to survive")
	}
	if _, err := f.svc.CurrentForm("biller"); !errors.Is(err, ErrNoOpenForm) {
		t.Errorf("expected the filed session's open form to close, got %v", err)
	}
}

func TestService_FileBatchPrecheckKeepsSelection(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	if ok, _ := f.svc.Select("biller", "appt-1"); !ok {
		t.Fatal("expected appt-1 to be selectable")
	}
	_, err := f.svc.FileBatch(ctx, "biller", []string{"appt-1", "gone"})
	var pre *PrecheckError
	if !errors.As(err, &pre) || pre.Disqualified != 1 {
		t.Fatalf("expected a precheck error for 1 item, got %v", err)
	}
	if ids := f.svc.SelectionIDs("biller"); len(ids) != 1 {
		t.Errorf("expected the selection to survive a precheck failure, got %v", ids)
	}
}

func TestService_ListClaimsRejectsUnknownStatus(t *testing.T) {
	f := newServiceFixture(t)
	_, _, err := f.svc.ListClaims(context.Background(), ClaimFilter{Status: "lost"}, 20, 0)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected a validation error, got %v", err)
	}
}

func TestService_GetClaimNotFound(t *testing.T) {
	f := newServiceFixture(t)
	if _, err := f.svc.GetClaim(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
