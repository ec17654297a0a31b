package claims

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusReady     Status = "ready"
	StatusSubmitted Status = "submitted"
	StatusAccepted  Status = "accepted"
	StatusDenied    Status = "denied"
	StatusRejected  Status = "rejected"
	StatusPaid      Status = "paid"
)

// allowedNext is the complete claim lifecycle. Anything absent is illegal.
// denied and rejected are both "needs correction" and only reopen to ready.
var allowedNext = map[Status]map[Status]bool{
	StatusReady:     {StatusSubmitted: true},
	StatusSubmitted: {StatusAccepted: true, StatusDenied: true, StatusRejected: true, StatusPaid: true},
	StatusAccepted:  {StatusPaid: true},
	StatusDenied:    {StatusReady: true},
	StatusRejected:  {StatusReady: true},
	StatusPaid:      {},
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := allowedNext[st]; !ok {
		return "", fmt.Errorf("unknown claim status: %q", s)
	}
	return st, nil
}

func (s Status) Valid() bool {
	_, ok := allowedNext[s]
	return ok
}

func (s Status) Terminal() bool {
	return s == StatusPaid
}

// NeedsCorrection reports whether the claim came back from the payer and may be
// reopened for edit.
func (s Status) NeedsCorrection() bool {
	return s == StatusDenied || s == StatusRejected
}

// Editable reports whether a working copy of the claim may be opened.
func (s Status) Editable() bool {
	switch s {
	case StatusReady, StatusSubmitted, StatusDenied, StatusRejected:
		return true
	}
	return false
}

func CanTransition(from, to Status) bool {
	return allowedNext[from][to]
}

// NextStatuses returns the legal targets from s in a stable order.
func NextStatuses(s Status) []Status {
	order := []Status{StatusReady, StatusSubmitted, StatusAccepted, StatusDenied, StatusRejected, StatusPaid}
	var out []Status
	for _, st := range order {
		if allowedNext[s][st] {
			out = append(out, st)
		}
	}
	return out
}

type ResubmissionCode string

const (
	ResubmissionNone        ResubmissionCode = ""
	ResubmissionReplacement ResubmissionCode = "7"
	ResubmissionVoid        ResubmissionCode = "8"
)

func (c ResubmissionCode) Valid() bool {
	return c == ResubmissionReplacement || c == ResubmissionVoid
}
