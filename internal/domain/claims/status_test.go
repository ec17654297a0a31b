package claims

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

var allStatuses = []Status{StatusReady, StatusSubmitted, StatusAccepted, StatusDenied, StatusRejected, StatusPaid}

func TestCanTransition_Lattice(t *testing.T) {
	legal := map[[2]Status]bool{
		{StatusReady, StatusSubmitted}:    true,
		{StatusSubmitted, StatusAccepted}: true,
		{StatusSubmitted, StatusDenied}:   true,
		{StatusSubmitted, StatusRejected}: true,
		{StatusSubmitted, StatusPaid}:     true,
		{StatusAccepted, StatusPaid}:      true,
		{StatusDenied, StatusReady}:       true,
		{StatusRejected, StatusReady}:     true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := legal[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestDeniedAndRejectedAreEquivalent(t *testing.T) {
	if diff := cmp.Diff(NextStatuses(StatusDenied), NextStatuses(StatusRejected)); diff != "" {
		t.Errorf("denied and rejected differ (-denied +rejected):\n%s", diff)
	}
	if !StatusDenied.NeedsCorrection() || !StatusRejected.NeedsCorrection() {
		t.Error("expected both to need correction")
	}
}

func TestNextStatuses(t *testing.T) {
	want := []Status{StatusAccepted, StatusDenied, StatusRejected, StatusPaid}
	if diff := cmp.Diff(want, NextStatuses(StatusSubmitted)); diff != "" {
		t.Errorf("NextStatuses(submitted) mismatch (-want +got):\n%s", diff)
	}
	if got := NextStatuses(StatusPaid); len(got) != 0 {
		t.Errorf("expected paid to be terminal, got %v", got)
	}
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus(" Submitted ")
	if err != nil || st != StatusSubmitted {
		t.Errorf("ParseStatus = %q, %v", st, err)
	}
	if _, err := ParseStatus("draft"); err == nil {
		t.Error("expected an unknown status to fail")
	}
}

func TestStatusFlags(t *testing.T) {
	editable := map[Status]bool{StatusReady: true, StatusSubmitted: true, StatusDenied: true, StatusRejected: true}
	for _, s := range allStatuses {
		if s.Editable() != editable[s] {
			t.Errorf("%s.Editable() = %v", s, s.Editable())
		}
		if s.Terminal() != (s == StatusPaid) {
			t.Errorf("%s.Terminal() = %v", s, s.Terminal())
		}
	}
}

func TestResubmissionCodeValid(t *testing.T) {
	for code, want := range map[ResubmissionCode]bool{"7": true, "8": true, "": false, "1": false} {
		if code.Valid() != want {
			t.Errorf("ResubmissionCode(%q).Valid() = %v", code, !want)
		}
	}
}
