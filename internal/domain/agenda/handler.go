package agenda

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/equidadeplus/agenda/internal/platform/auth"
	"github.com/equidadeplus/agenda/internal/platform/tenant"
	"github.com/equidadeplus/agenda/pkg/pagination"
)

// DegradedHeader is set on range responses that fell back to an empty list.
const DegradedHeader = "X-Agenda-Degraded"

type Handler struct {
	svc  *Service
	ctrl *Controller
}

func NewHandler(svc *Service, ctrl *Controller) *Handler {
	return &Handler{svc: svc, ctrl: ctrl}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/agenda")

	staff := g.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleReception, auth.RoleProfessional))
	staff.GET("/events", h.ListEvents)
	staff.GET("/events/:id", h.GetEvent)
	staff.POST("/events/:id/status", h.ChangeStatus)
	staff.POST("/events/:id/reopen", h.Reopen)
	staff.GET("/rooms", h.ListRooms)
	staff.GET("/professionals", h.ListProfessionals)
	staff.GET("/patients", h.ListPatients)
	staff.GET("/appointment-types", h.ListAppointmentTypes)

	desk := g.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleReception))
	desk.POST("/events", h.CreateEvent)
	desk.PUT("/events/:id", h.UpdateEvent)
	desk.PUT("/events/:id/responsible", h.TransferResponsible)
}

// ParseBound reads a range bound as RFC 3339 or as a date. A date used as an
// end bound means the end of that day.
func ParseBound(raw string, end bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", raw)
	}
	if end {
		return d.AddDate(0, 0, 1), nil
	}
	return d, nil
}

// caller returns the user id and whether they may see the whole unit.
func caller(c echo.Context) (uuid.UUID, bool) {
	ctx := c.Request().Context()
	uid, _ := uuid.Parse(auth.UserIDFromContext(ctx))
	return uid, auth.SeesWholeUnit(auth.RolesFromContext(ctx))
}

func optionalUUID(c echo.Context, name string) (*uuid.UUID, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}

func (h *Handler) rangeQuery(c echo.Context) (RangeQuery, error) {
	q := RangeQuery{UnitID: tenant.UnitFromContext(c.Request().Context())}
	startRaw, endRaw := c.QueryParam("start"), c.QueryParam("end")
	if startRaw == "" || endRaw == "" {
		return q, echo.NewHTTPError(http.StatusBadRequest, "start and end are required")
	}
	var err error
	if q.Start, err = ParseBound(startRaw, false); err != nil {
		return q, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if q.End, err = ParseBound(endRaw, true); err != nil {
		return q, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if q.End.Before(q.Start) {
		return q, echo.NewHTTPError(http.StatusBadRequest, "end must not be before start")
	}
	if q.Responsible, err = optionalUUID(c, "responsible"); err != nil {
		return q, err
	}
	if uid, whole := caller(c); !whole {
		q.Responsible = &uid
	}
	return q, nil
}

func (h *Handler) filter(c echo.Context) (Filter, error) {
	var f Filter
	if s := c.QueryParam("status"); s != "" {
		st := Status(s)
		if !st.Valid() {
			return f, echo.NewHTTPError(http.StatusBadRequest, "invalid status")
		}
		f.Status = &st
	}
	if k := c.QueryParam("kind"); k != "" {
		kd := Kind(k)
		if !kd.Valid() {
			return f, echo.NewHTTPError(http.StatusBadRequest, "invalid kind")
		}
		f.Kind = &kd
	}
	var err error
	if f.AppointmentTypeID, err = optionalUUID(c, "appointment_type"); err != nil {
		return f, err
	}
	if f.RoomID, err = optionalUUID(c, "room"); err != nil {
		return f, err
	}
	if f.ProfessionalID, err = optionalUUID(c, "professional"); err != nil {
		return f, err
	}
	if f.PatientID, err = optionalUUID(c, "patient"); err != nil {
		return f, err
	}
	return f, nil
}

func (h *Handler) ListEvents(c echo.Context) error {
	q, err := h.rangeQuery(c)
	if err != nil {
		return err
	}
	f, err := h.filter(c)
	if err != nil {
		return err
	}
	view := h.svc.Calendar(c.Request().Context(), q, f)
	if view.Degraded {
		c.Response().Header().Set(DegradedHeader, "1")
	}
	return c.JSON(http.StatusOK, view)
}

// loadEvent fetches the addressed event, hiding other people's events from
// callers limited to their own schedule.
func (h *Handler) loadEvent(c echo.Context) (*Event, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ev, err := h.svc.Get(c.Request().Context(), tenant.UnitFromContext(c.Request().Context()), id)
	if err != nil {
		return nil, httpError(err)
	}
	if uid, whole := caller(c); !whole && ev.ResponsibleUserID != uid {
		return nil, echo.NewHTTPError(http.StatusNotFound, ErrNotFound.Error())
	}
	return ev, nil
}

type eventDetail struct {
	*Event
	Color       string   `json:"color"`
	DisplayName string   `json:"display_title"`
	Allowed     []Status `json:"allowed_transitions"`
}

func (h *Handler) GetEvent(c echo.Context) error {
	ev, err := h.loadEvent(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, eventDetail{
		Event:       ev,
		Color:       EventColor(ev),
		DisplayName: DisplayTitle(ev),
		Allowed:     AllowedTargets(ev.Status),
	})
}

func actorOf(c echo.Context) *uuid.UUID {
	if uid, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context())); err == nil {
		return &uid
	}
	return nil
}

func (h *Handler) ChangeStatus(c echo.Context) error {
	var req TransitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !req.To.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
	}
	return h.transition(c, req)
}

type reopenRequest struct {
	Reason            string     `json:"reason"`
	ExpectedUpdatedAt *time.Time `json:"expected_updated_at"`
}

func (h *Handler) Reopen(c echo.Context) error {
	var req reopenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return h.transition(c, TransitionRequest{To: StatusOpen, Reason: req.Reason, ExpectedUpdatedAt: req.ExpectedUpdatedAt})
}

func (h *Handler) transition(c echo.Context, req TransitionRequest) error {
	ev, err := h.loadEvent(c)
	if err != nil {
		return err
	}
	updated, err := h.ctrl.Transition(c.Request().Context(), ev, req, actorOf(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *Handler) TransferResponsible(c echo.Context) error {
	var req TransferRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ev, err := h.loadEvent(c)
	if err != nil {
		return err
	}
	updated, err := h.ctrl.TransferResponsible(c.Request().Context(), ev, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *Handler) CreateEvent(c echo.Context) error {
	var in EventInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ev, err := h.svc.Create(c.Request().Context(), tenant.UnitFromContext(c.Request().Context()), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, ev)
}

func (h *Handler) UpdateEvent(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in EventInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ev, err := h.svc.Update(c.Request().Context(), tenant.UnitFromContext(c.Request().Context()), id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ev)
}

func (h *Handler) ListRooms(c echo.Context) error {
	out, err := h.svc.Rooms(c.Request().Context(), tenant.UnitFromContext(c.Request().Context()))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ListProfessionals(c echo.Context) error {
	out, err := h.svc.Professionals(c.Request().Context(), tenant.UnitFromContext(c.Request().Context()))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ListPatients(c echo.Context) error {
	p := pagination.FromContext(c)
	out, total, err := h.svc.Patients(c.Request().Context(), tenant.UnitFromContext(c.Request().Context()), c.QueryParam("q"), p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(out, total, p))
}

func (h *Handler) ListAppointmentTypes(c echo.Context) error {
	out, err := h.svc.AppointmentTypes(c.Request().Context(), tenant.UnitFromContext(c.Request().Context()))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func httpError(err error) error {
	var rej *RejectionError
	var verr *ValidationError
	switch {
	case errors.As(err, &rej):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]any{
			"reason":  rej.Reason,
			"message": rej.Message,
		})
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]any{
			"message": "invalid event",
			"fields":  verr.Fields,
		})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, ErrNotFound.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, ErrConflict.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
