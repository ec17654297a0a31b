package hipaa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/claimsdesk/internal/platform/auth"
	"github.com/ehr/claimsdesk/internal/platform/db"
	"github.com/ehr/claimsdesk/internal/platform/middleware"
)

// AuditEvent is one row of the audit_event table.
type AuditEvent struct {
	ID           uuid.UUID      `json:"id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	PatientID    string         `json:"patient_id"`
	PatientName  string         `json:"patient_name"`
	Description  string         `json:"description"`
	Metadata     map[string]any `json:"metadata"`
	UserID       string         `json:"user_id"`
	RequestID    string         `json:"request_id"`
	RecordedAt   time.Time      `json:"recorded_at"`
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// savepoint runs each statement in a nested transaction of tx. A failed audit
// insert rolls back only itself; the caller's transaction stays usable.
type savepoint struct {
	tx interface {
		Begin(ctx context.Context) (pgx.Tx, error)
	}
}

func (s savepoint) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	sp, err := s.tx.Begin(ctx)
	if err != nil {
		return pgconn.CommandTag{}, fmt.Errorf("savepoint: %w", err)
	}
	tag, err := sp.Exec(ctx, sql, args...)
	if err != nil {
		_ = sp.Rollback(ctx)
		return tag, err
	}
	return tag, sp.Commit(ctx)
}

// AuditLogger writes audit events. A failed write is logged and never reaches
// the caller.
type AuditLogger struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
	now    func() time.Time
	exec   func(ctx context.Context) execer
}

func NewAuditLogger(pool *pgxpool.Pool, logger zerolog.Logger) *AuditLogger {
	a := &AuditLogger{
		pool:   pool,
		logger: logger.With().Str("component", "audit").Logger(),
		now:    time.Now,
	}
	a.exec = a.conn
	return a
}

// conn prefers the caller's transaction so an audit row commits or rolls back
// with the change it describes.
func (a *AuditLogger) conn(ctx context.Context) execer {
	if tx := db.TxFromContext(ctx); tx != nil {
		return savepoint{tx: tx}
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	if a.pool != nil {
		return a.pool
	}
	return nil
}

// NewEvent builds an event stamped with the acting user and request id taken
// from ctx.
func (a *AuditLogger) NewEvent(ctx context.Context, action, resourceType, resourceID, patientID, patientName, description string, metadata map[string]any) *AuditEvent {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &AuditEvent{
		ID:           uuid.New(),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		PatientID:    patientID,
		PatientName:  patientName,
		Description:  description,
		Metadata:     metadata,
		UserID:       auth.UserIDFromContext(ctx),
		RequestID:    middleware.RequestIDFromContext(ctx),
		RecordedAt:   a.now().UTC(),
	}
}

// Record writes one audit event.
func (a *AuditLogger) Record(ctx context.Context, action, resourceType, resourceID, patientID, patientName, description string, metadata map[string]any) {
	ev := a.NewEvent(ctx, action, resourceType, resourceID, patientID, patientName, description, metadata)
	if err := a.LogEvent(ctx, ev); err != nil {
		a.logger.Error().Err(err).
			Str("action", action).
			Str("resource_type", resourceType).
			Str("resource_id", resourceID).
			Str("request_id", ev.RequestID).
			Msg("failed to record audit event")
		return
	}
	a.logger.Debug().Str("action", action).Str("resource_id", resourceID).Msg("audit event recorded")
}

// LogEvent inserts ev and reports the error.
func (a *AuditLogger) LogEvent(ctx context.Context, ev *AuditEvent) error {
	q := a.exec(ctx)
	if q == nil {
		return errors.New("hipaa audit: no database connection")
	}
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("hipaa audit: encode metadata: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO audit_event (
			id, action, resource_type, resource_id, patient_id, patient_name,
			description, metadata, user_id, request_id, recorded_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		ev.ID, ev.Action, ev.ResourceType, ev.ResourceID, ev.PatientID, ev.PatientName,
		ev.Description, meta, ev.UserID, ev.RequestID, ev.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("hipaa audit: insert: %w", err)
	}
	return nil
}
