package notes

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/equidadeplus/agenda/internal/platform/auth"
	"github.com/equidadeplus/agenda/internal/platform/tenant"
)

// ErrEventNotFound is returned by an EventScope for events the caller cannot
// reach.
var ErrEventNotFound = errors.New("event not found")

// EventScope resolves the event a note belongs to. It fails with
// ErrEventNotFound when the event is not in unitID or, for a non-nil viewer,
// is not the viewer's own. The returned type is the one the event's kind takes.
type EventScope interface {
	NoteType(ctx context.Context, unitID, eventID uuid.UUID, viewer *uuid.UUID) (Type, error)
}

type Handler struct {
	svc   *Service
	scope EventScope
}

func NewHandler(svc *Service, scope EventScope) *Handler {
	return &Handler{svc: svc, scope: scope}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/agenda/events/:id/note",
		auth.RequireRole(auth.RoleAdmin, auth.RoleReception, auth.RoleProfessional))
	g.GET("", h.GetNote)
	g.PUT("", h.UpdateNote)
	g.POST("/finalize", h.FinalizeNote)
	g.POST("/addendum", h.AddAddendum)
}

type updateRequest struct {
	Content string `json:"content"`
}

type addendumRequest struct {
	Text string `json:"text"`
}

// target resolves the addressed event within the active unit. Callers limited
// to their own schedule only reach their own events.
func (h *Handler) target(c echo.Context) (uuid.UUID, Type, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, "", echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	var viewer *uuid.UUID
	if !auth.SeesWholeUnit(auth.RolesFromContext(ctx)) {
		uid, _ := uuid.Parse(auth.UserIDFromContext(ctx))
		viewer = &uid
	}
	typ, err := h.scope.NoteType(ctx, tenant.UnitFromContext(ctx), id, viewer)
	if err != nil {
		return uuid.Nil, "", httpError(err)
	}
	return id, typ, nil
}

func (h *Handler) GetNote(c echo.Context) error {
	id, _, err := h.target(c)
	if err != nil {
		return err
	}
	n, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) UpdateNote(c echo.Context) error {
	id, typ, err := h.target(c)
	if err != nil {
		return err
	}
	var req updateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var author *uuid.UUID
	if uid, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context())); err == nil {
		author = &uid
	}
	n, err := h.svc.UpdateContent(c.Request().Context(), id, typ, req.Content, author)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) FinalizeNote(c echo.Context) error {
	id, _, err := h.target(c)
	if err != nil {
		return err
	}
	n, err := h.svc.Finalize(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) AddAddendum(c echo.Context) error {
	id, _, err := h.target(c)
	if err != nil {
		return err
	}
	var req addendumRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	n, err := h.svc.AppendAddendum(c.Request().Context(), id, req.Text)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, n)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrEventNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNoteFinalized), errors.Is(err, ErrNotFinalized):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrEmptyAddendum):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
