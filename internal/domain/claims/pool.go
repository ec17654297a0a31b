package claims

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const DefaultRefreshInterval = 30 * time.Second

// CandidatePool keeps the latest aggregator output. A background refresh only
// swaps the snapshot; open forms and selections live elsewhere and are never
// touched by it.
type CandidatePool struct {
	agg        *Aggregator
	locationID string
	interval   time.Duration
	now        func() time.Time
	logger     zerolog.Logger

	mu        sync.RWMutex
	sessions  []UnbilledSession
	byID      map[string]UnbilledSession
	refreshed time.Time
	lastErr   error
}

func NewCandidatePool(agg *Aggregator, locationID string, interval time.Duration, logger zerolog.Logger) *CandidatePool {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &CandidatePool{
		agg:        agg,
		locationID: locationID,
		interval:   interval,
		now:        time.Now,
		logger:     logger.With().Str("component", "candidate_pool").Logger(),
		byID:       make(map[string]UnbilledSession),
	}
}

// Run refreshes on a fixed interval until ctx is done.
func (p *CandidatePool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	_ = p.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.Refresh(ctx)
		}
	}
}

// Refresh runs one aggregation pass. On failure the previous snapshot is kept.
func (p *CandidatePool) Refresh(ctx context.Context) error {
	sessions, err := p.agg.UnbilledSessions(ctx, p.locationID, p.now())

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastErr = err
	if err != nil {
		p.logger.Error().Err(err).Msg("candidate refresh failed, keeping previous snapshot")
		return err
	}
	byID := make(map[string]UnbilledSession, len(sessions))
	for _, s := range sessions {
		byID[s.Appointment.ID] = s
	}
	p.sessions = sessions
	p.byID = byID
	p.refreshed = p.now()
	p.logger.Debug().Int("candidates", len(sessions)).Msg("candidate pool refreshed")
	return nil
}

// Sessions returns a copy of the current snapshot.
func (p *CandidatePool) Sessions() []UnbilledSession {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]UnbilledSession, len(p.sessions))
	copy(out, p.sessions)
	return out
}

func (p *CandidatePool) Lookup(appointmentID string) (UnbilledSession, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.byID[appointmentID]
	return s, ok
}

// Remove drops a session once a claim exists for it, ahead of the next refresh.
func (p *CandidatePool) Remove(appointmentIDs ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	drop := make(map[string]bool, len(appointmentIDs))
	for _, id := range appointmentIDs {
		drop[id] = true
		delete(p.byID, id)
	}
	kept := p.sessions[:0:0]
	for _, s := range p.sessions {
		if !drop[s.Appointment.ID] {
			kept = append(kept, s)
		}
	}
	p.sessions = kept
}

// Status reports when the snapshot was last refreshed and the latest error.
func (p *CandidatePool) Status() (time.Time, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.refreshed, p.lastErr
}
