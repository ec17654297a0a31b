package claims

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestAggregator(crm *mockCRM, repo *mockRepo) *Aggregator {
	return NewAggregator(crm, crm, crm, repo, testDefaults(), zerolog.Nop())
}

func sessionIDs(sessions []UnbilledSession) []string {
	out := []string{}
	for _, s := range sessions {
		out = append(out, s.Appointment.ID)
	}
	return out
}

func TestComputedStatus(t *testing.T) {
	start := testNow.Add(-2 * time.Hour)
	tests := []struct {
		name string
		appt Appointment
		want string
	}{
		{"showed and ended", Appointment{Status: "showed", StartTime: start, EndTime: start.Add(time.Hour)}, "completed"},
		{"confirmed and ended", Appointment{Status: " Confirmed ", StartTime: start, EndTime: start.Add(time.Hour)}, "completed"},
		{"still running", Appointment{Status: "confirmed", StartTime: testNow.Add(-30 * time.Minute), EndTime: testNow.Add(30 * time.Minute)}, "scheduled"},
		{"no end uses session length", Appointment{Status: "showed", StartTime: testNow.Add(-61 * time.Minute)}, "completed"},
		{"no end not yet over", Appointment{Status: "showed", StartTime: testNow.Add(-59 * time.Minute)}, "scheduled"},
		{"cancelled", Appointment{Status: "cancelled", StartTime: start}, "cancelled"},
		{"blank", Appointment{StartTime: start}, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appt.ComputedStatus(testNow, time.Hour); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestUnbilledSessions_FiltersAndOrders(t *testing.T) {
	crm := newMockCRM()
	crm.users = []User{{ID: "u1", Name: "Dr. Rivera", NPI: "1922334455"}}
	crm.patients["P1"] = insuredPatient("P1")
	crm.patients["P2"] = insuredPatient("P2")

	cancelled := completedAppointment("appt-cancelled", "P1", testNow.Add(-72*time.Hour))
	cancelled.Status = "cancelled"
	upcoming := completedAppointment("appt-upcoming", "P2", testNow.Add(2*time.Hour))
	upcoming.Status = "confirmed"
	crm.appointments = []Appointment{
		completedAppointment("appt-old", "P1", testNow.Add(-96*time.Hour)),
		cancelled,
		completedAppointment("appt-billed", "P2", testNow.Add(-50*time.Hour)),
		completedAppointment("appt-new", "P2", testNow.Add(-3*time.Hour)),
		completedAppointment("appt-ancient", "P1", testNow.Add(-100*24*time.Hour)),
		upcoming,
	}

	repo := newMockRepo()
	billed := "appt-billed"
	repo.put(&Claim{PatientID: "P2", AppointmentID: &billed, Status: StatusSubmitted})

	sessions, err := newTestAggregator(crm, repo).UnbilledSessions(context.Background(), "loc-1", testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !equalStrings(sessionIDs(sessions), []string{"appt-new", "appt-old"}) {
		t.Errorf("expected [appt-new appt-old], got %v", sessionIDs(sessions))
	}

	s := sessions[0]
	if s.PayerName != "Aetna" || s.PayerID != "60054" {
		t.Errorf("payer = %q %q", s.PayerName, s.PayerID)
	}
	if s.ClinicianName != "Dr. Rivera" || s.ClinicianNPI != "1922334455" || s.ClinicianID != "u1" {
		t.Errorf("clinician = %q %q %q", s.ClinicianName, s.ClinicianNPI, s.ClinicianID)
	}
	if !s.ChargeAmount.Equal(testDefaults().DefaultCharge) {
		t.Errorf("charge = %s", s.ChargeAmount)
	}
}

func TestUnbilledSessions_LookbackWindow(t *testing.T) {
	crm := newMockCRM()
	crm.appointments = []Appointment{
		completedAppointment("appt-1", "", testNow.Add(-10*24*time.Hour)),
		completedAppointment("appt-2", "", testNow.Add(-3*24*time.Hour)),
	}
	agg := newTestAggregator(crm, newMockRepo())
	agg.SetLookback(7 * 24 * time.Hour)

	sessions, err := agg.UnbilledSessions(context.Background(), "loc-1", testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !equalStrings(sessionIDs(sessions), []string{"appt-2"}) {
		t.Errorf("expected only appt-2 inside the window, got %v", sessionIDs(sessions))
	}
}

func TestUnbilledSessions_PatientLookupFailureDegrades(t *testing.T) {
	crm := newMockCRM()
	crm.users = []User{{ID: "u1", Name: "Dr. Rivera"}}
	crm.patientErr["P1"] = errors.New("crm timeout")
	crm.appointments = []Appointment{completedAppointment("appt-1", "P1", testNow.Add(-24*time.Hour))}

	sessions, err := newTestAggregator(crm, newMockRepo()).UnbilledSessions(context.Background(), "loc-1", testNow)
	if err != nil {
		t.Fatalf("a patient failure must not fail the listing: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected the session to survive, got %d", len(sessions))
	}
	s := sessions[0]
	if s.Patient != nil {
		t.Error("expected no patient record")
	}
	if s.PayerName != "" {
		t.Errorf("expected no payer, got %q", s.PayerName)
	}
	if s.ClinicianName != "Dr. Rivera" {
		t.Errorf("expected the registry clinician, got %q", s.ClinicianName)
	}
	if s.PatientID() != "P1" || s.PatientName() != "Therapy session" {
		t.Errorf("expected appointment fallbacks, got %q %q", s.PatientID(), s.PatientName())
	}
}

func TestUnbilledSessions_ClinicianFallbacks(t *testing.T) {
	crm := newMockCRM()
	crm.usersErr = errors.New("users endpoint down")
	referred := insuredPatient("P1")
	referred.CustomFields = append(referred.CustomFields, CustomField{Key: "referring_provider_name", Value: "Dr. Park"})
	crm.patients["P1"] = referred
	crm.patients["P2"] = insuredPatient("P2")
	crm.appointments = []Appointment{
		completedAppointment("appt-1", "P1", testNow.Add(-24*time.Hour)),
		completedAppointment("appt-2", "P2", testNow.Add(-48*time.Hour)),
	}

	sessions, err := newTestAggregator(crm, newMockRepo()).UnbilledSessions(context.Background(), "loc-1", testNow)
	if err != nil {
		t.Fatalf("a users failure must not fail the listing: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ClinicianName != "Dr. Park" {
		t.Errorf("expected the referring provider, got %q", sessions[0].ClinicianName)
	}
	if sessions[1].ClinicianName != unknownProvider {
		t.Errorf("expected %q, got %q", unknownProvider, sessions[1].ClinicianName)
	}
}

func TestUnbilledSessions_AppointmentFailure(t *testing.T) {
	crm := newMockCRM()
	crm.apptErr = errors.New("503 from calendar")

	_, err := newTestAggregator(crm, newMockRepo()).UnbilledSessions(context.Background(), "loc-1", testNow)
	if !errors.Is(err, ErrCollaborator) {
		t.Errorf("expected ErrCollaborator, got %v", err)
	}
}

func TestUnbilledSessions_CachesPatientLookups(t *testing.T) {
	crm := newMockCRM()
	crm.patients["P1"] = insuredPatient("P1")
	crm.appointments = []Appointment{
		completedAppointment("appt-1", "P1", testNow.Add(-24*time.Hour)),
		completedAppointment("appt-2", "P1", testNow.Add(-48*time.Hour)),
		completedAppointment("appt-3", "P1", testNow.Add(-72*time.Hour)),
	}

	sessions, err := newTestAggregator(crm, newMockRepo()).UnbilledSessions(context.Background(), "loc-1", testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(sessions))
	}
	if crm.patientCalls["P1"] != 1 {
		t.Errorf("expected one patient lookup, got %d", crm.patientCalls["P1"])
	}
}

func TestUnbilledSessions_Empty(t *testing.T) {
	sessions, err := newTestAggregator(newMockCRM(), newMockRepo()).UnbilledSessions(context.Background(), "loc-1", testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sessions == nil || len(sessions) != 0 {
		t.Errorf("expected an empty, non-nil list, got %#v", sessions)
	}
}
