package claims

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestPool(t *testing.T) (*CandidatePool, *mockCRM) {
	t.Helper()
	crm := newMockCRM()
	crm.patients["P1"] = insuredPatient("P1")
	crm.appointments = []Appointment{
		completedAppointment("appt-1", "P1", testNow.Add(-24*time.Hour)),
		completedAppointment("appt-2", "P1", testNow.Add(-48*time.Hour)),
	}
	pool := NewCandidatePool(newTestAggregator(crm, newMockRepo()), "loc-1", time.Minute, zerolog.Nop())
	pool.now = func() time.Time { return testNow }
	return pool, crm
}

func TestCandidatePool_Refresh(t *testing.T) {
	pool, _ := newTestPool(t)
	if err := pool.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := sessionIDs(pool.Sessions()); !equalStrings(got, []string{"appt-1", "appt-2"}) {
		t.Errorf("sessions = %v", got)
	}
	s, ok := pool.Lookup("appt-2")
	if !ok || s.PatientID() != "P1" {
		t.Errorf("lookup = %+v, %v", s, ok)
	}
	refreshed, err := pool.Status()
	if err != nil || !refreshed.Equal(testNow) {
		t.Errorf("status = %v, %v", refreshed, err)
	}
}

func TestCandidatePool_FailedRefreshKeepsSnapshot(t *testing.T) {
	pool, crm := newTestPool(t)
	if err := pool.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	crm.apptErr = errors.New("calendar unavailable")
	if err := pool.Refresh(context.Background()); err == nil {
		t.Fatal("expected the refresh to fail")
	}
	if len(pool.Sessions()) != 2 {
		t.Errorf("expected the previous snapshot to survive, got %d sessions", len(pool.Sessions()))
	}
	if _, ok := pool.Lookup("appt-1"); !ok {
		t.Error("expected lookups to keep working")
	}
	if _, err := pool.Status(); !errors.Is(err, ErrCollaborator) {
		t.Errorf("expected the refresh error to be reported, got %v", err)
	}

	crm.apptErr = nil
	if err := pool.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := pool.Status(); err != nil {
		t.Errorf("expected the error to clear, got %v", err)
	}
}

func TestCandidatePool_Remove(t *testing.T) {
	pool, _ := newTestPool(t)
	if err := pool.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	before := pool.Sessions()

	pool.Remove("appt-1", "appt-unknown")
	if _, ok := pool.Lookup("appt-1"); ok {
		t.Error("expected appt-1 to be gone")
	}
	if got := sessionIDs(pool.Sessions()); !equalStrings(got, []string{"appt-2"}) {
		t.Errorf("sessions = %v", got)
	}
	if len(before) != 2 {
		t.Errorf("an earlier snapshot copy must not change, got %d", len(before))
	}
}

func TestCandidatePool_RunStopsOnCancel(t *testing.T) {
	pool, _ := newTestPool(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(pool.Sessions()) == 0 {
		select {
		case <-deadline:
			t.Fatal("initial refresh never happened")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
