package claims

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/ehr/claimsdesk/internal/platform/auth"
	"github.com/ehr/claimsdesk/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin", "billing"))

	g.GET("/unbilled-sessions", h.ListUnbilledSessions)

	g.POST("/workspace/open/:appointmentId", h.OpenSession)
	g.POST("/workspace/open-claim/:claimId", h.OpenClaim)
	g.GET("/workspace/form", h.GetForm)
	g.PUT("/workspace/form", h.UpdateForm)
	g.DELETE("/workspace/form", h.CloseForm)
	g.POST("/workspace/form/lines", h.AddServiceLine)
	g.PUT("/workspace/form/lines/:index", h.SetServiceLine)
	g.DELETE("/workspace/form/lines/:index", h.RemoveServiceLine)
	g.POST("/workspace/preview", h.Preview)

	g.PUT("/drafts/:appointmentId", h.SaveDraft)
	g.GET("/drafts/:appointmentId", h.LoadDraft)
	g.DELETE("/drafts/:appointmentId", h.DeleteDraft)

	g.POST("/claims/submit/:appointmentId", h.Submit)
	g.GET("/claims", h.ListClaims)
	g.GET("/claims/:id", h.GetClaim)
	g.POST("/claims/:id/status", h.TransitionClaim)
	g.POST("/claims/:id/reopen", h.ReopenClaim)
	g.POST("/claims/:id/resubmit", h.ResubmitClaim)

	g.GET("/selection", h.GetSelection)
	g.POST("/selection", h.SelectAll)
	g.DELETE("/selection", h.ClearSelection)
	g.POST("/selection/:appointmentId", h.Select)
	g.DELETE("/selection/:appointmentId", h.Deselect)

	g.POST("/batch", h.FileBatch)
}

type statusRequest struct {
	Status     string           `json:"status" validate:"required,oneof=submitted accepted denied rejected paid"`
	PaidAmount *decimal.Decimal `json:"paid_amount"`
	Notes      *string          `json:"notes"`
}

type reopenRequest struct {
	Code string `json:"code" validate:"required,oneof=7 8"`
}

type batchRequest struct {
	AppointmentIDs []string `json:"appointment_ids" validate:"omitempty,dive,required"`
}

type savedResponse struct {
	AppointmentID string `json:"appointment_id"`
	SavedAt       string `json:"saved_at"`
}

type selectionResponse struct {
	AppointmentIDs []string `json:"appointment_ids"`
	Count          int      `json:"count"`
}

// operator identifies the workspace a request acts on.
func operator(c echo.Context) (string, error) {
	id := auth.UserIDFromContext(c.Request().Context())
	if id == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}
	return id, nil
}

// httpError maps domain errors to responses carrying the specific reason.
func httpError(err error) error {
	var pre *PrecheckError
	var ve *ValidationError
	switch {
	case errors.As(err, &pre):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]interface{}{
			"message":      pre.Error(),
			"disqualified": pre.Disqualified,
		})
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, ve.Reason)
	case errors.Is(err, ErrPaidAmountRequired),
		errors.Is(err, ErrPaidAmountNotAllowed),
		errors.Is(err, ErrInvalidResubmission):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNoOpenForm):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrCollaborator):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func claimID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func lineIndex(c echo.Context) (int, error) {
	i, err := strconv.Atoi(c.Param("index"))
	if err != nil || i < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid line index")
	}
	return i, nil
}

// -- Candidates --

func (h *Handler) ListUnbilledSessions(c echo.Context) error {
	refresh, _ := strconv.ParseBool(c.QueryParam("refresh"))
	sessions, err := h.svc.UnbilledSessions(c.Request().Context(), refresh)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sessions)
}

// -- Workspace --

func (h *Handler) OpenSession(c echo.Context) error {
	op, err := operator(c)
	if err != nil {
		return err
	}
	form, err := h.svc.OpenSession(c.Request().Context(), op, c.Param("appointmentId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, form)
}

func (h *Handler) OpenClaim(c echo.Context) error {
	op, err := operator(c)
	if err != nil {
		return err
	}
	id, err := claimID(c, "claimId")
	if err != nil {
		return err
	}
	form, err := h.svc.OpenClaim(c.Request().Context(), op, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, form)
}

func (h *Handler) GetForm(c echo.Context) error {
	op, err := operator(c)
	if err != nil {
		return err
	}
	form, err := h.svc.CurrentForm(op)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, form)
}

func (h *Handler) UpdateForm(c echo.Context) error {
	op, err := operator(c)
	if err != nil {
		return err
	}
	var form ClaimFormData
	if err := c.Bind(&form); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	open, err := h.svc.UpdateForm(op, form)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, open)
}

func (h *Handler) CloseForm(c echo.Context) error {
	op, err := operator(c)
	if err != nil {
		return err
	}
	h.svc.CloseForm(op)
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) AddServiceLine(c echo.Context) error {
	op, err := operator(c)
	if err != nil {
		return err
	}
	var line ServiceLine
	if err := c.Bind(&line); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	open, err := h.svc.AddServiceLine(op, line)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, open)
}

func (h *Handler) SetServiceLine(c echo.Context) error {
	op, err := operator(c)
	if err != nil {
		return err
	}
	i, err := lineIndex(c)
	if err != nil {
		return err
	}
	var line ServiceLine
	if err := c.Bind(&line); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	open, err := h.svc.SetServiceLine(op, i, line)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, open)
}

func (h *Handler) RemoveServiceLine(c echo.Context) error {
	op, err := operator(c)
	if err != nil {
		return err
	}
	i, err := lineIndex(c)
	if err != nil {
		return err
	}
	open, err := h.svc.RemoveServiceLine(op, i)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, open)
}

func (h *Handler) Preview(c echo.Context) error {
	op, err := operator(c)
	if err != nil {
		return err
	}
	payload, err := h.svc.Preview(op)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, payload)
}

// -- Drafts --

func (h *Handler) SaveDraft(c echo.Context) error {
	op, err := operator(c)
	if err != nil {
		return err
	}
	var form ClaimFormData
	if err := c.Bind(&form); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	apptID := c.Param("appointmentId")
	savedAt, err := h.svc.SaveDraft(c.Request().Context(), op, apptID, form)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, savedResponse{AppointmentID: apptID, SavedAt: savedAt.Format(timeLayout)})
}

func (h *Handler) LoadDraft(c echo.Context) error {
	op, err := operator(c)
	if err != nil {
		return err
	}
	d, err := h.svc.LoadDraft(c.Request().Context(), op, c.Param("appointmentId"))
	if err != nil {
		return httpError(err)
	}
	if d == nil {
		return echo.NewHTTPError(http.StatusNotFound, "draft not found")
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) DeleteDraft(c echo.Context) error {
	op, err := operator(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteDraft(c.Request().Context(), op, c.Param("appointmentId")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Claims --

func (h *Handler) Submit(c echo.Context) error {
	op, err := operator(c)
	if err != nil {
		return err
	}
	claim, err := h.svc.Submit(c.Request().Context(), op, c.Param("appointmentId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, claim)
}

func (h *Handler) ListClaims(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := ClaimFilter{
		PatientID:     c.QueryParam("patient_id"),
		AppointmentID: c.QueryParam("appointment_id"),
		Status:        Status(c.QueryParam("status")),
	}
	items, total, err := h.svc.ListClaims(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetClaim(c echo.Context) error {
	id, err := claimID(c, "id")
	if err != nil {
		return err
	}
	claim, err := h.svc.GetClaim(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) TransitionClaim(c echo.Context) error {
	id, err := claimID(c, "id")
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	claim, err := h.svc.TransitionClaim(c.Request().Context(), id, Status(req.Status), TransitionExtra{
		PaidAmount: req.PaidAmount,
		Notes:      req.Notes,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) ReopenClaim(c echo.Context) error {
	id, err := claimID(c, "id")
	if err != nil {
		return err
	}
	var req reopenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, ErrInvalidResubmission.Error())
	}
	claim, err := h.svc.ReopenClaim(c.Request().Context(), id, ResubmissionCode(req.Code))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) ResubmitClaim(c echo.Context) error {
	op, err := operator(c)
	if err != nil {
		return err
	}
	id, err := claimID(c, "id")
	if err != nil {
		return err
	}
	claim, err := h.svc.ResubmitClaim(c.Request().Context(), op, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

// -- Selection --

func (h *Handler) selection(c echo.Context, op string) error {
	ids := h.svc.SelectionIDs(op)
	return c.JSON(http.StatusOK, selectionResponse{AppointmentIDs: ids, Count: len(ids)})
}

func (h *Handler) GetSelection(c echo.Context) error {
	op, err := operator(c)
	if err != nil {
		return err
	}
	return h.selection(c, op)
}

func (h *Handler) SelectAll(c echo.Context) error {
	op, err := operator(c)
	if err != nil {
		return err
	}
	h.svc.SelectAll(op)
	return h.selection(c, op)
}

func (h *Handler) ClearSelection(c echo.Context) error {
	op, err := operator(c)
	if err != nil {
		return err
	}
	h.svc.ClearSelection(op)
	return h.selection(c, op)
}

func (h *Handler) Select(c echo.Context) error {
	op, err := operator(c)
	if err != nil {
		return err
	}
	ok, err := h.svc.Select(op, c.Param("appointmentId"))
	if err != nil {
		return httpError(err)
	}
	if !ok {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "session is not eligible for batch filing")
	}
	return h.selection(c, op)
}

func (h *Handler) Deselect(c echo.Context) error {
	op, err := operator(c)
	if err != nil {
		return err
	}
	h.svc.Deselect(op, c.Param("appointmentId"))
	return h.selection(c, op)
}

func (h *Handler) FileBatch(c echo.Context) error {
	op, err := operator(c)
	if err != nil {
		return err
	}
	var req batchRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if err := c.Validate(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	result, err := h.svc.FileBatch(c.Request().Context(), op, req.AppointmentIDs)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"
