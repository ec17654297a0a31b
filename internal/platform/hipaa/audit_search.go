package hipaa

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"

	"github.com/ehr/claimsdesk/internal/platform/auth"
	"github.com/ehr/claimsdesk/pkg/pagination"
)

// AuditQuery filters the audit trail. Zero fields match everything.
type AuditQuery struct {
	UserID       string
	PatientID    string
	Action       string
	ResourceType string
	ResourceID   string
	Start        *time.Time
	End          *time.Time
	Limit        int
	Offset       int
}

// EventSearcher reads the audit trail back.
type EventSearcher interface {
	SearchEvents(ctx context.Context, q AuditQuery) ([]*AuditEvent, int, error)
}

func (q AuditQuery) where() (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(expr string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}
	if q.UserID != "" {
		add("user_id = $%d", q.UserID)
	}
	if q.PatientID != "" {
		add("patient_id = $%d", q.PatientID)
	}
	if q.Action != "" {
		add("action = $%d", q.Action)
	}
	if q.ResourceType != "" {
		add("resource_type = $%d", q.ResourceType)
	}
	if q.ResourceID != "" {
		add("resource_id = $%d", q.ResourceID)
	}
	if q.Start != nil {
		add("recorded_at >= $%d", *q.Start)
	}
	if q.End != nil {
		add("recorded_at <= $%d", *q.End)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// SearchEvents returns matching events newest first with the total match count.
func (a *AuditLogger) SearchEvents(ctx context.Context, q AuditQuery) ([]*AuditEvent, int, error) {
	if a.pool == nil {
		return nil, 0, fmt.Errorf("hipaa audit: no database connection")
	}
	where, args := q.where()

	var total int
	if err := a.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_event`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	rows, err := a.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, action, resource_type, resource_id, patient_id, patient_name,
			description, metadata, user_id, request_id, recorded_at
		FROM audit_event%s ORDER BY recorded_at DESC LIMIT $%d OFFSET $%d`, where, n+1, n+2),
		append(args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var meta []byte
		if err := rows.Scan(&ev.ID, &ev.Action, &ev.ResourceType, &ev.ResourceID, &ev.PatientID,
			&ev.PatientName, &ev.Description, &meta, &ev.UserID, &ev.RequestID, &ev.RecordedAt); err != nil {
			return nil, 0, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
				return nil, 0, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		out = append(out, &ev)
	}
	return out, total, rows.Err()
}

// ---------- HTTP Handler ----------

const maxExportRows = 10000

type AuditSearchHandler struct {
	searcher EventSearcher
}

func NewAuditSearchHandler(searcher EventSearcher) *AuditSearchHandler {
	return &AuditSearchHandler{searcher: searcher}
}

func (h *AuditSearchHandler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin"))
	g.GET("/audit-events", h.HandleSearch)
	g.GET("/audit-events/export.csv", h.HandleExportCSV)
	g.GET("/claims/:id/history", h.HandleClaimHistory)
}

func parseQuery(c echo.Context) (AuditQuery, error) {
	pg := pagination.FromContext(c)
	q := AuditQuery{
		UserID:       c.QueryParam("user_id"),
		PatientID:    c.QueryParam("patient_id"),
		Action:       c.QueryParam("action"),
		ResourceType: c.QueryParam("resource_type"),
		ResourceID:   c.QueryParam("resource_id"),
		Limit:        pg.Limit,
		Offset:       pg.Offset,
	}
	for name, dst := range map[string]**time.Time{"start_time": &q.Start, "end_time": &q.End} {
		v := c.QueryParam(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
		}
		*dst = &t
	}
	return q, nil
}

func (h *AuditSearchHandler) HandleSearch(c echo.Context) error {
	q, err := parseQuery(c)
	if err != nil {
		return err
	}
	events, total, err := h.searcher.SearchEvents(c.Request().Context(), q)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(events, total, q.Limit, q.Offset))
}

// HandleClaimHistory lists every recorded event for one claim.
func (h *AuditSearchHandler) HandleClaimHistory(c echo.Context) error {
	pg := pagination.FromContext(c)
	q := AuditQuery{ResourceType: "claim", ResourceID: c.Param("id"), Limit: pg.Limit, Offset: pg.Offset}
	events, total, err := h.searcher.SearchEvents(c.Request().Context(), q)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(events, total, q.Limit, q.Offset))
}

func (h *AuditSearchHandler) HandleExportCSV(c echo.Context) error {
	q, err := parseQuery(c)
	if err != nil {
		return err
	}
	q.Limit, q.Offset = maxExportRows, 0
	events, _, err := h.searcher.SearchEvents(c.Request().Context(), q)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	c.Response().Header().Set("Content-Type", "text/csv")
	c.Response().Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=\"audit_export_%s.csv\"", time.Now().UTC().Format("20060102_150405")))
	c.Response().WriteHeader(http.StatusOK)
	return WriteCSV(c.Response(), events)
}

// WriteCSV renders events one per row under a header row.
func WriteCSV(w io.Writer, events []*AuditEvent) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "recorded_at", "user_id", "action", "resource_type",
		"resource_id", "patient_id", "patient_name", "description", "request_id"}); err != nil {
		return err
	}
	for _, ev := range events {
		if err := cw.Write([]string{
			ev.ID.String(), ev.RecordedAt.Format(time.RFC3339), ev.UserID, ev.Action, ev.ResourceType,
			ev.ResourceID, ev.PatientID, ev.PatientName, ev.Description, ev.RequestID,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
