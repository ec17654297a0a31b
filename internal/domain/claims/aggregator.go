package claims

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// DefaultLookback bounds how far back the aggregator asks the CRM for
// appointments.
const DefaultLookback = 90 * 24 * time.Hour

// Aggregator joins completed appointments with patient, payer and clinician
// data into billing candidates.
type Aggregator struct {
	appointments AppointmentLister
	patients     PatientDirectory
	users        UserDirectory
	claims       ClaimReader
	defaults     OrgDefaults
	lookback     time.Duration
	logger       zerolog.Logger
}

func NewAggregator(appointments AppointmentLister, patients PatientDirectory, users UserDirectory, claims ClaimReader, defaults OrgDefaults, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		appointments: appointments,
		patients:     patients,
		users:        users,
		claims:       claims,
		defaults:     defaults.withFallbacks(),
		lookback:     DefaultLookback,
		logger:       logger.With().Str("component", "aggregator").Logger(),
	}
}

// SetLookback overrides DefaultLookback.
func (a *Aggregator) SetLookback(d time.Duration) {
	if d > 0 {
		a.lookback = d
	}
}

// UnbilledSessions lists appointments that are completed as of now and have no
// claim yet, newest first. Missing patient, payer or clinician data degrades the
// affected session instead of failing the listing; only the appointment list and
// the claim index are required.
func (a *Aggregator) UnbilledSessions(ctx context.Context, locationID string, now time.Time) ([]UnbilledSession, error) {
	appts, err := a.appointments.ListAppointments(ctx, locationID, now.Add(-a.lookback), now)
	if err != nil {
		return nil, collaboratorErr("list appointments", err)
	}

	var completed []Appointment
	var ids []string
	for _, appt := range appts {
		if appt.ComputedStatus(now, a.defaults.SessionLength) != "completed" {
			continue
		}
		completed = append(completed, appt)
		ids = append(ids, appt.ID)
	}
	if len(completed) == 0 {
		return []UnbilledSession{}, nil
	}

	billed, err := a.claims.AppointmentIDsWithClaims(ctx, ids)
	if err != nil {
		return nil, collaboratorErr("claim index", err)
	}

	users := a.userIndex(ctx, locationID)
	patients := make(map[string]*Patient)

	sessions := make([]UnbilledSession, 0, len(completed))
	for _, appt := range completed {
		if billed[appt.ID] {
			continue
		}
		var p *Patient
		if appt.ContactID != "" {
			cached, seen := patients[appt.ContactID]
			if !seen {
				cached = a.lookupPatient(ctx, appt)
				patients[appt.ContactID] = cached
			}
			p = cached
		}
		sessions = append(sessions, a.buildSession(appt, p, users))
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].Appointment.StartTime.After(sessions[j].Appointment.StartTime)
	})
	return sessions, nil
}

func (a *Aggregator) lookupPatient(ctx context.Context, appt Appointment) *Patient {
	p, err := a.patients.GetPatient(ctx, appt.ContactID)
	if err != nil {
		a.logger.Warn().Err(err).
			Str("appointment_id", appt.ID).
			Str("contact_id", appt.ContactID).
			Msg("patient lookup failed, session degraded")
		return nil
	}
	return p
}

func (a *Aggregator) userIndex(ctx context.Context, locationID string) map[string]User {
	idx := make(map[string]User)
	if a.users == nil {
		return idx
	}
	users, err := a.users.ListUsers(ctx, locationID)
	if err != nil {
		a.logger.Warn().Err(err).Msg("user registry lookup failed, clinicians fall back")
		return idx
	}
	for _, u := range users {
		idx[u.ID] = u
	}
	return idx
}

func (a *Aggregator) buildSession(appt Appointment, p *Patient, users map[string]User) UnbilledSession {
	s := UnbilledSession{
		Appointment:  appt,
		Patient:      p,
		PayerName:    p.Field(PayerNameKeys...),
		PayerID:      p.Field(PayerIDKeys...),
		ChargeAmount: a.defaults.DefaultCharge,
		ClinicianID:  appt.AssignedUserID,
	}
	u, ok := users[appt.AssignedUserID]
	if ok {
		s.ClinicianNPI = u.NPI
	}
	s.ClinicianName = ResolveClinician(u.DisplayName(), p)
	return s
}

// ResolveClinician applies the clinician fallback chain: registry name, then the
// patient's referring provider, then "Unknown Provider".
func ResolveClinician(registryName string, p *Patient) string {
	return firstNonEmpty(registryName, p.Field(ReferringNameKeys...), unknownProvider)
}
